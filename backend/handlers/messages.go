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
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/jobtrail/e2ecore/backend/middleware"
	"github.com/jobtrail/e2ecore/backend/storage"
	"github.com/jobtrail/e2ecore/models"
)

// EditWindow is how long after sending a message may still be edited.
const EditWindow = 15 * time.Minute

const defaultHistoryLimit = 50
const maxHistoryLimit = 200

// MessageHandler stores and serves ciphertext message records. The
// server never sees plaintext; it orders, persists and fans out.
type MessageHandler struct {
	store  storage.Store
	pubsub storage.Publisher
	log    *zap.Logger
}

func NewMessageHandler(store storage.Store, pubsub storage.Publisher, log *zap.Logger) *MessageHandler {
	return &MessageHandler{store: store, pubsub: pubsub, log: log}
}

type sendMessageRequest struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	KeyVersion int    `json:"key_version"`
}

func (h *MessageHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	conversationID := mux.Vars(r)["conversation_id"]

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Ciphertext) == 0 || len(req.IV) == 0 {
		http.Error(w, "Missing ciphertext", http.StatusBadRequest)
		return
	}
	if req.KeyVersion < 1 {
		req.KeyVersion = 1
	}

	if !h.member(r, conversationID, userID) {
		http.Error(w, "Not a member", http.StatusForbidden)
		return
	}

	msg := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       userID,
		Ciphertext:     req.Ciphertext,
		IV:             req.IV,
		KeyVersion:     req.KeyVersion,
	}
	if err := h.store.SaveMessage(r.Context(), msg); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "Conversation not found", http.StatusNotFound)
			return
		}
		h.log.Error("failed to save message", zap.String("conversation_id", conversationID), zap.Error(err))
		http.Error(w, "Failed to save message", http.StatusInternalServerError)
		return
	}

	if err := h.pubsub.PublishNew(r.Context(), *msg); err != nil {
		// Delivery is best effort; the message is durable and will be
		// picked up by the next history load.
		h.log.Warn("failed to publish message event", zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(msg)
}

// History returns one backwards page of messages, oldest first within
// the page. The "before" query parameter is the seq cursor from the
// previous page.
func (h *MessageHandler) History(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	conversationID := mux.Vars(r)["conversation_id"]

	if !h.member(r, conversationID, userID) {
		http.Error(w, "Not a member", http.StatusForbidden)
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		if n > maxHistoryLimit {
			n = maxHistoryLimit
		}
		limit = n
	}

	var beforeSeq *int64
	if raw := r.URL.Query().Get("before"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "Invalid cursor", http.StatusBadRequest)
			return
		}
		beforeSeq = &n
	}

	page, err := h.store.History(r.Context(), conversationID, beforeSeq, limit)
	if err != nil {
		h.log.Error("failed to load history", zap.String("conversation_id", conversationID), zap.Error(err))
		http.Error(w, "Failed to load history", http.StatusInternalServerError)
		return
	}
	if page.Messages == nil {
		page.Messages = []models.Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(page)
}

type editMessageRequest struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
}

// EditMessage replaces the ciphertext of the caller's own message. Edits
// are only accepted inside the edit window.
func (h *MessageHandler) EditMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	messageID := mux.Vars(r)["message_id"]

	var req editMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Ciphertext) == 0 || len(req.IV) == 0 {
		http.Error(w, "Missing ciphertext", http.StatusBadRequest)
		return
	}

	msg, err := h.loadOwn(r, messageID, userID)
	if err != nil {
		writeMessageError(w, err)
		return
	}
	if msg.Deleted {
		http.Error(w, "Message deleted", http.StatusGone)
		return
	}
	if time.Since(msg.CreatedAt) > EditWindow {
		http.Error(w, "Edit window closed", http.StatusForbidden)
		return
	}

	updated, err := h.store.MarkEdited(r.Context(), messageID, req.Ciphertext, req.IV)
	if err != nil {
		h.log.Error("failed to edit message", zap.String("message_id", messageID), zap.Error(err))
		http.Error(w, "Failed to edit message", http.StatusInternalServerError)
		return
	}

	if err := h.pubsub.PublishUpdate(r.Context(), *updated); err != nil {
		h.log.Warn("failed to publish edit event", zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(updated)
}

// DeleteMessage blanks the ciphertext and leaves a tombstone. Deletion
// has no time limit.
func (h *MessageHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	messageID := mux.Vars(r)["message_id"]

	msg, err := h.loadOwn(r, messageID, userID)
	if err != nil {
		writeMessageError(w, err)
		return
	}
	if msg.Deleted {
		http.Error(w, "Message deleted", http.StatusGone)
		return
	}

	updated, err := h.store.MarkDeleted(r.Context(), messageID)
	if err != nil {
		h.log.Error("failed to delete message", zap.String("message_id", messageID), zap.Error(err))
		http.Error(w, "Failed to delete message", http.StatusInternalServerError)
		return
	}

	if err := h.pubsub.PublishUpdate(r.Context(), *updated); err != nil {
		h.log.Warn("failed to publish delete event", zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(updated)
}

var errNotSender = errors.New("not the message sender")

func (h *MessageHandler) loadOwn(r *http.Request, messageID, userID string) (*models.Message, error) {
	msg, err := h.store.GetMessage(r.Context(), messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, errNotSender
	}
	return msg, nil
}

func writeMessageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "Message not found", http.StatusNotFound)
	case errors.Is(err, errNotSender):
		http.Error(w, "Only the sender can modify a message", http.StatusForbidden)
	default:
		http.Error(w, "Failed to load message", http.StatusInternalServerError)
	}
}

func (h *MessageHandler) member(r *http.Request, conversationID, userID string) bool {
	members, err := h.store.GetMembers(r.Context(), conversationID)
	if err != nil {
		return false
	}
	return isMember(members, userID)
}
