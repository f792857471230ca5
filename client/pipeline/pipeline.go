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

// Package pipeline maintains the live, ordered, decrypted view of open
// conversations. It resolves participants, secrets and sender profiles
// through session-scoped caches and turns raw transport records into
// decorated messages. A failure on any single message flags that message
// as undecryptable and never aborts a batch or subscription.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	e2ecrypto "github.com/jobtrail/e2ecore/client/crypto"
	"github.com/jobtrail/e2ecore/client/group"
	"github.com/jobtrail/e2ecore/client/keys"
	"github.com/jobtrail/e2ecore/models"
)

// DefaultPageSize is the history page size used when Options leaves it zero.
const DefaultPageSize = 50

// ErrViewClosed is returned by operations on a closed view.
var ErrViewClosed = errors.New("conversation view closed")

// Transport is the push/pull message transport collaborator. Both
// subscribe calls return a synchronous, idempotent unsubscribe handle.
type Transport interface {
	History(ctx context.Context, conversationID string, cursor *int64, pageSize int) (models.MessagePage, error)
	SubscribeNew(conversationID string, fn func(models.Message)) (func(), error)
	SubscribeUpdates(conversationID string, fn func(models.Message)) (func(), error)
}

// ParticipantSource resolves a conversation and its membership.
type ParticipantSource interface {
	Conversation(ctx context.Context, conversationID string) (*models.Conversation, []models.ConversationMember, error)
}

// ProfileSource resolves sender display profiles.
type ProfileSource interface {
	Profile(ctx context.Context, userID string) (models.Profile, error)
}

// DecryptedMessage decorates a raw message with its plaintext and sender
// profile. When Undecryptable is set the Text is empty and the UI renders
// a neutral placeholder.
type DecryptedMessage struct {
	models.Message
	Text          string
	Sender        models.Profile
	Undecryptable bool
}

type conversationInfo struct {
	conversation *models.Conversation
	members      []models.ConversationMember
}

// Pipeline owns the process-wide decryption caches and opens per
// conversation views. Caches are append-only for the session: bounded by
// distinct conversation partners, not message volume.
type Pipeline struct {
	selfID       string
	transport    Transport
	keys         *keys.Service
	groups       *group.Service
	participants ParticipantSource
	profiles     ProfileSource
	log          *zap.Logger

	mu            sync.Mutex
	conversations map[string]conversationInfo
	profileCache  map[string]models.Profile
}

func New(selfID string, transport Transport, ks *keys.Service, gs *group.Service, participants ParticipantSource, profiles ProfileSource, log *zap.Logger) *Pipeline {
	return &Pipeline{
		selfID:        selfID,
		transport:     transport,
		keys:          ks,
		groups:        gs,
		participants:  participants,
		profiles:      profiles,
		log:           log,
		conversations: make(map[string]conversationInfo),
		profileCache:  make(map[string]models.Profile),
	}
}

// Options configures an opened view.
type Options struct {
	PageSize int
	// OnAppend fires for messages arriving on the new-message channel.
	OnAppend func(DecryptedMessage)
	// OnUpdate fires for edit/delete mutations replaced in place.
	OnUpdate func(DecryptedMessage)
}

// Open loads the most recent page of a conversation and attaches the
// live subscriptions. The caller must Close the returned view.
func (p *Pipeline) Open(ctx context.Context, conversationID string, opts Options) (*View, error) {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	v := &View{
		pipeline:       p,
		conversationID: conversationID,
		pageSize:       pageSize,
		onAppend:       opts.OnAppend,
		onUpdate:       opts.OnUpdate,
	}
	if err := v.Load(ctx); err != nil {
		return nil, err
	}
	if err := v.subscribe(); err != nil {
		v.Close()
		return nil, err
	}
	return v, nil
}

// decryptBatch decrypts a history page. Per-message failures are flagged,
// never propagated.
func (p *Pipeline) decryptBatch(ctx context.Context, msgs []models.Message) []DecryptedMessage {
	out := make([]DecryptedMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, p.decryptOne(ctx, m))
	}
	return out
}

func (p *Pipeline) decryptOne(ctx context.Context, m models.Message) DecryptedMessage {
	dm := DecryptedMessage{Message: m}

	sender, err := p.resolveProfile(ctx, m.SenderID)
	if err != nil {
		p.flag(&dm, "resolve sender profile", err)
		return dm
	}
	dm.Sender = sender

	if m.Deleted {
		// Tombstone: ciphertext is gone, nothing to decrypt.
		return dm
	}

	secret, err := p.resolveSecret(ctx, m)
	if err != nil {
		p.flag(&dm, "resolve secret", err)
		return dm
	}
	plaintext, err := e2ecrypto.DecryptMessage(m.Ciphertext, m.IV, secret)
	if err != nil {
		p.flag(&dm, "decrypt", err)
		return dm
	}
	dm.Text = string(plaintext)
	return dm
}

// resolveSecret picks the pairwise shared secret for direct conversations
// or the group key matching the message's key version for groups.
func (p *Pipeline) resolveSecret(ctx context.Context, m models.Message) ([]byte, error) {
	info, err := p.resolveConversation(ctx, m.ConversationID)
	if err != nil {
		return nil, err
	}
	if info.conversation.Type == models.ConversationGroup {
		return p.groups.GroupKeyFor(ctx, m.ConversationID, m.KeyVersion)
	}

	counterpart := m.SenderID
	if counterpart == p.selfID {
		for _, member := range info.members {
			if member.UserID != p.selfID {
				counterpart = member.UserID
				break
			}
		}
	}
	return p.keys.SharedSecretWith(ctx, m.ConversationID, counterpart)
}

func (p *Pipeline) resolveConversation(ctx context.Context, conversationID string) (conversationInfo, error) {
	p.mu.Lock()
	if info, ok := p.conversations[conversationID]; ok {
		p.mu.Unlock()
		return info, nil
	}
	p.mu.Unlock()

	conv, members, err := p.participants.Conversation(ctx, conversationID)
	if err != nil {
		return conversationInfo{}, err
	}
	info := conversationInfo{conversation: conv, members: members}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.conversations[conversationID]; ok {
		return cached, nil
	}
	p.conversations[conversationID] = info
	return info, nil
}

func (p *Pipeline) resolveProfile(ctx context.Context, userID string) (models.Profile, error) {
	p.mu.Lock()
	if profile, ok := p.profileCache[userID]; ok {
		p.mu.Unlock()
		return profile, nil
	}
	p.mu.Unlock()

	profile, err := p.profiles.Profile(ctx, userID)
	if err != nil {
		return models.Profile{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.profileCache[userID]; ok {
		return cached, nil
	}
	p.profileCache[userID] = profile
	return profile, nil
}

func (p *Pipeline) flag(dm *DecryptedMessage, step string, err error) {
	dm.Undecryptable = true
	p.log.Warn("message undecryptable",
		zap.String("message_id", dm.ID),
		zap.String("conversation_id", dm.ConversationID),
		zap.String("step", step),
		zap.Error(err))
}
