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

package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jobtrail/e2ecore/backend/middleware"
	"github.com/jobtrail/e2ecore/backend/storage"
	redisstore "github.com/jobtrail/e2ecore/backend/storage/redis"
	"github.com/jobtrail/e2ecore/models"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// WSEvent is the wire frame pushed to stream subscribers. Type is "new"
// for fresh messages and "update" for edits and deletions.
type WSEvent struct {
	Type    string         `json:"type"`
	Message models.Message `json:"message"`
}

// WSHandler bridges the per-conversation redis channels onto websocket
// connections. Each connection streams exactly one conversation.
type WSHandler struct {
	store    storage.Store
	pubsub   *redisstore.PubSub
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(store storage.Store, pubsub *redisstore.PubSub, log *zap.Logger) *WSHandler {
	return &WSHandler{
		store:  store,
		pubsub: pubsub,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Stream upgrades to a websocket and forwards conversation events until
// either side disconnects.
func (h *WSHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	conversationID := mux.Vars(r)["conversation_id"]

	members, err := h.store.GetMembers(r.Context(), conversationID)
	if err != nil || !isMember(members, userID) {
		http.Error(w, "Not a member", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := h.pubsub.SubscribeConversation(r.Context(), conversationID)
	defer sub.Close()

	// Reader goroutine: only there to notice the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	events := sub.Channel()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case redisMsg, ok := <-events:
			if !ok {
				return
			}

			var msg models.Message
			if err := json.Unmarshal([]byte(redisMsg.Payload), &msg); err != nil {
				h.log.Warn("dropping malformed message event", zap.Error(err))
				continue
			}

			event := WSEvent{Type: "new", Message: msg}
			if redisstore.IsUpdateChannel(redisMsg.Channel) {
				event.Type = "update"
			}

			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}
