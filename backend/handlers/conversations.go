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

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/jobtrail/e2ecore/backend/middleware"
	"github.com/jobtrail/e2ecore/backend/storage"
	"github.com/jobtrail/e2ecore/models"
)

// ConversationHandler manages conversations and membership.
type ConversationHandler struct {
	store storage.Store
	log   *zap.Logger
}

func NewConversationHandler(store storage.Store, log *zap.Logger) *ConversationHandler {
	return &ConversationHandler{store: store, log: log}
}

type createConversationRequest struct {
	Type      models.ConversationType `json:"type"`
	MemberIDs []string                `json:"member_ids"`
}

func (h *ConversationHandler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	switch req.Type {
	case models.ConversationDirect:
		if len(req.MemberIDs) != 1 || req.MemberIDs[0] == userID {
			http.Error(w, "Direct conversations need exactly one other member", http.StatusBadRequest)
			return
		}
	case models.ConversationGroup:
		if len(req.MemberIDs) == 0 {
			http.Error(w, "Group conversations need at least one other member", http.StatusBadRequest)
			return
		}
	default:
		http.Error(w, "Invalid conversation type", http.StatusBadRequest)
		return
	}

	conv := models.Conversation{
		ID:        uuid.New().String(),
		Type:      req.Type,
		CreatedBy: userID,
	}
	memberIDs := append([]string{userID}, req.MemberIDs...)

	if err := h.store.CreateConversation(r.Context(), conv, memberIDs); err != nil {
		h.log.Error("failed to create conversation", zap.Error(err))
		http.Error(w, "Failed to create conversation", http.StatusInternalServerError)
		return
	}

	created, err := h.store.GetConversation(r.Context(), conv.ID)
	if err != nil {
		http.Error(w, "Failed to load conversation", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(created)
}

type conversationResponse struct {
	Conversation *models.Conversation        `json:"conversation"`
	Members      []models.ConversationMember `json:"members"`
}

func (h *ConversationHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	conversationID := mux.Vars(r)["conversation_id"]

	conv, err := h.store.GetConversation(r.Context(), conversationID)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("failed to load conversation", zap.Error(err))
		http.Error(w, "Failed to load conversation", http.StatusInternalServerError)
		return
	}

	members, err := h.store.GetMembers(r.Context(), conversationID)
	if err != nil {
		http.Error(w, "Failed to load members", http.StatusInternalServerError)
		return
	}
	if !isMember(members, userID) {
		http.Error(w, "Not a member", http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(conversationResponse{Conversation: conv, Members: members})
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
}

// AddMember adds a user at the current key version with pending status.
// The member turns active once a wrapped key is uploaded for them, so
// late joiners can read history from their join version onward but not
// before.
func (h *ConversationHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	conversationID := mux.Vars(r)["conversation_id"]

	var req addMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	conv, members, err := h.loadOwned(r, conversationID, userID)
	if err != nil {
		writeOwnershipError(w, err)
		return
	}
	if conv.Type != models.ConversationGroup {
		http.Error(w, "Cannot add members to a direct conversation", http.StatusBadRequest)
		return
	}
	if isMember(members, req.UserID) {
		http.Error(w, "Already a member", http.StatusConflict)
		return
	}

	if err := h.store.AddMember(r.Context(), conversationID, req.UserID, conv.KeyVersion); err != nil {
		h.log.Error("failed to add member", zap.Error(err))
		http.Error(w, "Failed to add member", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "member added",
		"key_version": conv.KeyVersion,
	})
}

// RemoveMember removes a user and bumps the conversation key version.
// The owner's client is expected to rotate and redistribute the group
// key at the returned version; the removed member never receives it.
func (h *ConversationHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	vars := mux.Vars(r)
	conversationID := vars["conversation_id"]
	removeID := vars["user_id"]

	conv, members, err := h.loadOwned(r, conversationID, userID)
	if err != nil {
		writeOwnershipError(w, err)
		return
	}
	if conv.Type != models.ConversationGroup {
		http.Error(w, "Cannot remove members from a direct conversation", http.StatusBadRequest)
		return
	}
	if removeID == conv.CreatedBy {
		http.Error(w, "Cannot remove the owner", http.StatusBadRequest)
		return
	}
	if !isMember(members, removeID) {
		http.Error(w, "Not a member", http.StatusNotFound)
		return
	}

	if err := h.store.RemoveMember(r.Context(), conversationID, removeID); err != nil {
		h.log.Error("failed to remove member", zap.Error(err))
		http.Error(w, "Failed to remove member", http.StatusInternalServerError)
		return
	}

	version, err := h.store.BumpKeyVersion(r.Context(), conversationID)
	if err != nil {
		h.log.Error("failed to bump key version", zap.Error(err))
		http.Error(w, "Failed to bump key version", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "member removed",
		"key_version": version,
	})
}

// RotateKey bumps the conversation key version on behalf of the owner,
// who then distributes a fresh group key at the returned version.
func (h *ConversationHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	conversationID := mux.Vars(r)["conversation_id"]

	if _, _, err := h.loadOwned(r, conversationID, userID); err != nil {
		writeOwnershipError(w, err)
		return
	}

	version, err := h.store.BumpKeyVersion(r.Context(), conversationID)
	if err != nil {
		h.log.Error("failed to rotate key version", zap.Error(err))
		http.Error(w, "Failed to rotate key", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"key_version": version})
}

type keyStatusRequest struct {
	Status models.KeyStatus `json:"status"`
}

// SetKeyStatus marks a member active or pending. Distributors flag
// members whose wrapped-key delivery failed so a later retry pass can
// find them.
func (h *ConversationHandler) SetKeyStatus(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	vars := mux.Vars(r)
	conversationID := vars["conversation_id"]
	memberID := vars["user_id"]

	var req keyStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Status != models.KeyStatusActive && req.Status != models.KeyStatusPending {
		http.Error(w, "Invalid key status", http.StatusBadRequest)
		return
	}

	members, err := h.store.GetMembers(r.Context(), conversationID)
	if err != nil {
		http.Error(w, "Failed to load members", http.StatusInternalServerError)
		return
	}
	if !isMember(members, userID) {
		http.Error(w, "Not a member", http.StatusForbidden)
		return
	}
	if !isMember(members, memberID) {
		http.Error(w, "Not a member", http.StatusNotFound)
		return
	}

	if err := h.store.SetMemberKeyStatus(r.Context(), conversationID, memberID, req.Status); err != nil {
		h.log.Error("failed to set key status", zap.Error(err))
		http.Error(w, "Failed to set key status", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"status": "updated"})
}

// PendingMembers lists members still waiting for a wrapped key, for the
// distributor's retry pass.
func (h *ConversationHandler) PendingMembers(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	conversationID := mux.Vars(r)["conversation_id"]

	members, err := h.store.GetMembers(r.Context(), conversationID)
	if err != nil {
		http.Error(w, "Failed to load members", http.StatusInternalServerError)
		return
	}
	if !isMember(members, userID) {
		http.Error(w, "Not a member", http.StatusForbidden)
		return
	}

	pending, err := h.store.PendingMembers(r.Context(), conversationID)
	if err != nil {
		h.log.Error("failed to load pending members", zap.Error(err))
		http.Error(w, "Failed to load pending members", http.StatusInternalServerError)
		return
	}
	if pending == nil {
		pending = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]string{"pending": pending})
}

func (h *ConversationHandler) loadOwned(r *http.Request, conversationID, userID string) (*models.Conversation, []models.ConversationMember, error) {
	conv, err := h.store.GetConversation(r.Context(), conversationID)
	if err != nil {
		return nil, nil, err
	}

	members, err := h.store.GetMembers(r.Context(), conversationID)
	if err != nil {
		return nil, nil, err
	}

	for _, m := range members {
		if m.UserID == userID && m.Role == models.RoleOwner {
			return conv, members, nil
		}
	}
	return nil, nil, errNotOwner
}

var errNotOwner = errors.New("not the conversation owner")

func writeOwnershipError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "Conversation not found", http.StatusNotFound)
	case errors.Is(err, errNotOwner):
		http.Error(w, "Only the owner can manage members", http.StatusForbidden)
	default:
		http.Error(w, "Failed to load conversation", http.StatusInternalServerError)
	}
}

func isMember(members []models.ConversationMember, userID string) bool {
	for _, m := range members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}
