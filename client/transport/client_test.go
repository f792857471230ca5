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

package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jobtrail/e2ecore/models"
)

func TestFetchPublicKey(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/keys/{user_id}", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(models.PublicKeyRecord{
			UserID: mux.Vars(req)["user_id"],
			Key:    models.PortablePublicKey{Curve: "P-256", X: "xx", Y: "yy"},
		})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := NewClient(srv.URL, "tok", zap.NewNop())
	key, err := c.FetchPublicKey(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "xx", key.X)
}

func TestHistoryPassesCursor(t *testing.T) {
	var gotBefore, gotLimit string
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/conversations/{conversation_id}/messages", func(w http.ResponseWriter, req *http.Request) {
		gotBefore = req.URL.Query().Get("before")
		gotLimit = req.URL.Query().Get("limit")
		json.NewEncoder(w).Encode(models.MessagePage{})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := NewClient(srv.URL, "tok", zap.NewNop())
	cursor := int64(17)
	_, err := c.History(context.Background(), "conv-1", &cursor, 25)
	require.NoError(t, err)
	assert.Equal(t, "17", gotBefore)
	assert.Equal(t, "25", gotLimit)
}

func TestWrappedKeyForAbsent(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/conversations/{conversation_id}/keys/{version}", func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "No wrapped key for this version", http.StatusNotFound)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := NewClient(srv.URL, "tok", zap.NewNop())
	wk, err := c.WrappedKeyFor(context.Background(), "grp-1", "alice", 3)
	require.NoError(t, err)
	assert.Nil(t, wk)
}

func TestApplySendsExpectedVersion(t *testing.T) {
	var got map[string]interface{}
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/entities/{entity_id}", func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]interface{}{"version": 4})
	}).Methods("PUT")
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := NewClient(srv.URL, "tok", zap.NewNop())
	err := c.Apply(context.Background(), models.OfflineQueueItem{
		ID:            "item-1",
		Action:        models.ActionUpdate,
		EntityID:      "job-1",
		Payload:       json.RawMessage(`{"status":"offer"}`),
		ServerVersion: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, "update", got["action"])
	assert.Equal(t, float64(3), got["expected_version"])
}

func TestApplyConflictSurfacesError(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/entities/{entity_id}", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": "version mismatch", "version": 9})
	}).Methods("PUT")
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := NewClient(srv.URL, "tok", zap.NewNop())
	err := c.Apply(context.Background(), models.OfflineQueueItem{
		ID: "item-1", Action: models.ActionDelete, EntityID: "job-1", ServerVersion: 2,
	})
	assert.Error(t, err)
}

func TestSubscribeSharesOneConnection(t *testing.T) {
	upgrader := websocket.Upgrader{}
	dials := 0
	conns := make(chan *websocket.Conn, 2)

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/conversations/{conversation_id}/stream", func(w http.ResponseWriter, req *http.Request) {
		dials++
		conn, err := upgrader.Upgrade(w, req, nil)
		require.NoError(t, err)
		conns <- conn
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := NewClient(srv.URL, "tok", zap.NewNop())

	news := make(chan models.Message, 1)
	updates := make(chan models.Message, 1)
	unsubNew, err := c.SubscribeNew("conv-1", func(m models.Message) { news <- m })
	require.NoError(t, err)
	unsubUpd, err := c.SubscribeUpdates("conv-1", func(m models.Message) { updates <- m })
	require.NoError(t, err)

	assert.Equal(t, 1, dials)

	server := <-conns
	require.NoError(t, server.WriteJSON(streamEvent{Type: "new", Message: models.Message{ID: "m1", Seq: 1}}))
	require.NoError(t, server.WriteJSON(streamEvent{Type: "update", Message: models.Message{ID: "m1", Seq: 1, Edited: true}}))

	select {
	case m := <-news:
		assert.Equal(t, "m1", m.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for new message event")
	}
	select {
	case m := <-updates:
		assert.True(t, m.Edited)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update event")
	}

	unsubNew()
	unsubUpd()

	c.mu.Lock()
	assert.Empty(t, c.streams)
	c.mu.Unlock()
}
