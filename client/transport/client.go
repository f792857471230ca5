// Copyright (C) 2025 JobTrail <dev@jobtrail.app>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package transport is the HTTP and websocket client against the sync
// backend. It satisfies the collaborator interfaces of the keys, group,
// pipeline and offline packages so the client core stays independent of
// the wire protocol.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jobtrail/e2ecore/client/group"
	"github.com/jobtrail/e2ecore/client/keys"
	"github.com/jobtrail/e2ecore/client/offline"
	"github.com/jobtrail/e2ecore/client/pipeline"
	"github.com/jobtrail/e2ecore/models"
)

// ErrNotFound maps 404 responses.
var ErrNotFound = errors.New("not found")

var (
	_ keys.Directory             = (*Client)(nil)
	_ group.Store                = (*Client)(nil)
	_ pipeline.Transport         = (*Client)(nil)
	_ pipeline.ParticipantSource = (*Client)(nil)
	_ pipeline.ProfileSource     = (*Client)(nil)
	_ offline.VersionSource      = (*Client)(nil)
	_ offline.Applier            = (*Client)(nil)
)

// Client talks to one backend on behalf of one authenticated user.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *zap.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

func NewClient(baseURL, token string, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log,
		streams: make(map[string]*stream),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v1"+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// FetchPublicKey implements keys.Directory.
func (c *Client) FetchPublicKey(ctx context.Context, userID string) (models.PortablePublicKey, error) {
	var rec models.PublicKeyRecord
	if err := c.do(ctx, http.MethodGet, "/keys/"+userID, nil, &rec); err != nil {
		return models.PortablePublicKey{}, err
	}
	return rec.Key, nil
}

// PublishPublicKey registers the caller's portable public key.
func (c *Client) PublishPublicKey(ctx context.Context, key models.PortablePublicKey) error {
	return c.do(ctx, http.MethodPost, "/keys", key, nil)
}

// SaveWrappedKey implements group.Store.
func (c *Client) SaveWrappedKey(ctx context.Context, wk models.WrappedGroupKey) error {
	return c.do(ctx, http.MethodPost, "/conversations/"+wk.ConversationID+"/keys", wk, nil)
}

// WrappedKeyFor implements group.Store. The backend only serves keys
// wrapped for the authenticated caller, so memberID is informational
// here; absence maps to (nil, nil).
func (c *Client) WrappedKeyFor(ctx context.Context, conversationID, memberID string, version int) (*models.WrappedGroupKey, error) {
	var wk models.WrappedGroupKey
	err := c.do(ctx, http.MethodGet,
		"/conversations/"+conversationID+"/keys/"+strconv.Itoa(version), nil, &wk)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &wk, nil
}

// SetMemberKeyStatus implements group.Store.
func (c *Client) SetMemberKeyStatus(ctx context.Context, conversationID, memberID string, status models.KeyStatus) error {
	return c.do(ctx, http.MethodPut,
		"/conversations/"+conversationID+"/members/"+memberID+"/key_status",
		map[string]models.KeyStatus{"status": status}, nil)
}

// BumpKeyVersion implements group.Store.
func (c *Client) BumpKeyVersion(ctx context.Context, conversationID string) (int, error) {
	var resp struct {
		KeyVersion int `json:"key_version"`
	}
	if err := c.do(ctx, http.MethodPost, "/conversations/"+conversationID+"/rotate", nil, &resp); err != nil {
		return 0, err
	}
	return resp.KeyVersion, nil
}

// PendingMembers implements group.Store.
func (c *Client) PendingMembers(ctx context.Context, conversationID string) ([]string, error) {
	var resp struct {
		Pending []string `json:"pending"`
	}
	if err := c.do(ctx, http.MethodGet, "/conversations/"+conversationID+"/pending", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Pending, nil
}

// Conversation implements pipeline.ParticipantSource.
func (c *Client) Conversation(ctx context.Context, conversationID string) (*models.Conversation, []models.ConversationMember, error) {
	var resp struct {
		Conversation *models.Conversation        `json:"conversation"`
		Members      []models.ConversationMember `json:"members"`
	}
	if err := c.do(ctx, http.MethodGet, "/conversations/"+conversationID, nil, &resp); err != nil {
		return nil, nil, err
	}
	return resp.Conversation, resp.Members, nil
}

// Profile implements pipeline.ProfileSource.
func (c *Client) Profile(ctx context.Context, userID string) (models.Profile, error) {
	var p models.Profile
	if err := c.do(ctx, http.MethodGet, "/profiles/"+userID, nil, &p); err != nil {
		return models.Profile{}, err
	}
	return p, nil
}

// History implements pipeline.Transport.
func (c *Client) History(ctx context.Context, conversationID string, cursor *int64, pageSize int) (models.MessagePage, error) {
	path := "/conversations/" + conversationID + "/messages?limit=" + strconv.Itoa(pageSize)
	if cursor != nil {
		path += "&before=" + strconv.FormatInt(*cursor, 10)
	}
	var page models.MessagePage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return models.MessagePage{}, err
	}
	return page, nil
}

// SendMessage posts one ciphertext record and returns the stored message
// with its assigned sequence number.
func (c *Client) SendMessage(ctx context.Context, conversationID string, ciphertext, iv []byte, keyVersion int) (*models.Message, error) {
	body := map[string]interface{}{
		"ciphertext":  ciphertext,
		"iv":          iv,
		"key_version": keyVersion,
	}
	var msg models.Message
	if err := c.do(ctx, http.MethodPost, "/conversations/"+conversationID+"/messages", body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EditMessage replaces the ciphertext of one of the caller's messages.
func (c *Client) EditMessage(ctx context.Context, messageID string, ciphertext, iv []byte) (*models.Message, error) {
	body := map[string]interface{}{"ciphertext": ciphertext, "iv": iv}
	var msg models.Message
	if err := c.do(ctx, http.MethodPatch, "/messages/"+messageID, body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteMessage tombstones one of the caller's messages.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) (*models.Message, error) {
	var msg models.Message
	if err := c.do(ctx, http.MethodDelete, "/messages/"+messageID, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// CurrentVersion implements offline.VersionSource.
func (c *Client) CurrentVersion(ctx context.Context, entityID string) (int64, error) {
	var resp struct {
		Version int64 `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/entities/"+entityID+"/version", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Version, nil
}

// Apply implements offline.Applier: it lands one queued mutation with
// the server version captured at enqueue time as the expected version.
func (c *Client) Apply(ctx context.Context, item models.OfflineQueueItem) error {
	body := map[string]interface{}{
		"action":           item.Action,
		"expected_version": item.ServerVersion,
	}
	if item.Action != models.ActionDelete {
		body["payload"] = item.Payload
	}
	return c.do(ctx, http.MethodPut, "/entities/"+item.EntityID, body, nil)
}

// Fetch implements offline.Applier: it returns the authoritative payload
// used to build conflict objects.
func (c *Client) Fetch(ctx context.Context, entityID string) (json.RawMessage, error) {
	var resp struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := c.do(ctx, http.MethodGet, "/entities/"+entityID, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Payload, nil
}
