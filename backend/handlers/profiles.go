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
	"github.com/jobtrail/e2ecore/models"
)

type ProfileHandler struct {
	store storage.Store
	log   *zap.Logger
}

func NewProfileHandler(store storage.Store, log *zap.Logger) *ProfileHandler {
	return &ProfileHandler{store: store, log: log}
}

func (h *ProfileHandler) UpsertProfile(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	var p models.Profile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.DisplayName == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	p.UserID = userID

	if err := h.store.UpsertProfile(r.Context(), p); err != nil {
		h.log.Error("failed to save profile", zap.String("user_id", userID), zap.Error(err))
		http.Error(w, "Failed to save profile", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p)
}

func (h *ProfileHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]

	p, err := h.store.GetProfile(r.Context(), userID)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "Profile not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("failed to load profile", zap.String("user_id", userID), zap.Error(err))
		http.Error(w, "Failed to load profile", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p)
}
