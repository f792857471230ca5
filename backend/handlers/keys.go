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

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/jobtrail/e2ecore/backend/middleware"
	"github.com/jobtrail/e2ecore/backend/storage"
	"github.com/jobtrail/e2ecore/client/crypto"
	"github.com/jobtrail/e2ecore/models"
)

// KeyHandler serves the public-key directory and wrapped group keys.
type KeyHandler struct {
	store storage.Store
	log   *zap.Logger
}

func NewKeyHandler(store storage.Store, log *zap.Logger) *KeyHandler {
	return &KeyHandler{store: store, log: log}
}

// PublishKey registers or replaces the caller's portable public key.
func (h *KeyHandler) PublishKey(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	var key models.PortablePublicKey
	if err := json.NewDecoder(r.Body).Decode(&key); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if key.Curve != crypto.CurveID || key.X == "" || key.Y == "" {
		http.Error(w, "Invalid public key", http.StatusBadRequest)
		return
	}

	// Reject keys that do not decode to a valid curve point.
	if _, err := crypto.ImportPublicKey(key); err != nil {
		http.Error(w, "Invalid public key", http.StatusBadRequest)
		return
	}

	rec := models.PublicKeyRecord{UserID: userID, Key: key}
	if err := h.store.PublishPublicKey(r.Context(), rec); err != nil {
		h.log.Error("failed to publish public key", zap.String("user_id", userID), zap.Error(err))
		http.Error(w, "Failed to publish key", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"status": "key published"})
}

// GetKey returns the portable public key of any user.
func (h *KeyHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]

	rec, err := h.store.GetPublicKey(r.Context(), userID)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("failed to load public key", zap.String("user_id", userID), zap.Error(err))
		http.Error(w, "Failed to load key", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

// UploadWrappedKey stores one wrapped group key produced by a
// distributor for one member at one version.
func (h *KeyHandler) UploadWrappedKey(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	conversationID := mux.Vars(r)["conversation_id"]

	var wk models.WrappedGroupKey
	if err := json.NewDecoder(r.Body).Decode(&wk); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	wk.ConversationID = conversationID
	wk.DistributorID = userID
	if wk.MemberID == "" || wk.Version < 1 || len(wk.Ciphertext) == 0 || len(wk.IV) == 0 {
		http.Error(w, "Invalid wrapped key", http.StatusBadRequest)
		return
	}

	members, err := h.store.GetMembers(r.Context(), conversationID)
	if err != nil {
		h.log.Error("failed to load members", zap.String("conversation_id", conversationID), zap.Error(err))
		http.Error(w, "Failed to load members", http.StatusInternalServerError)
		return
	}
	if !isMember(members, userID) {
		http.Error(w, "Not a member", http.StatusForbidden)
		return
	}
	// Removed members must never be reachable by a wrapped key at a
	// post-removal version.
	if !isMember(members, wk.MemberID) {
		http.Error(w, "Target is not a member", http.StatusNotFound)
		return
	}

	if err := h.store.SaveWrappedKey(r.Context(), wk); err != nil {
		h.log.Error("failed to save wrapped key",
			zap.String("conversation_id", conversationID),
			zap.String("member_id", wk.MemberID),
			zap.Error(err))
		http.Error(w, "Failed to save wrapped key", http.StatusInternalServerError)
		return
	}

	if err := h.store.SetMemberKeyStatus(r.Context(), conversationID, wk.MemberID, models.KeyStatusActive); err != nil {
		h.log.Warn("failed to update member key status", zap.Error(err))
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"status": "wrapped key saved"})
}

// GetWrappedKey returns the caller's own wrapped group key for a
// conversation at a specific version. Members can only fetch keys
// wrapped for them.
func (h *KeyHandler) GetWrappedKey(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	vars := mux.Vars(r)
	conversationID := vars["conversation_id"]

	version, err := intVar(vars, "version")
	if err != nil {
		http.Error(w, "Invalid version", http.StatusBadRequest)
		return
	}

	wk, err := h.store.GetWrappedKey(r.Context(), conversationID, userID, version)
	if err != nil {
		h.log.Error("failed to load wrapped key",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
		http.Error(w, "Failed to load wrapped key", http.StatusInternalServerError)
		return
	}
	if wk == nil {
		http.Error(w, "No wrapped key for this version", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(wk)
}
