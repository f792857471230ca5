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

	"github.com/jobtrail/e2ecore/backend/storage"
	"github.com/jobtrail/e2ecore/models"
)

// EntityHandler is the sync surface for tracked records: the version
// endpoint feeds offline conflict detection and the change endpoint is
// the compare-and-swap write behind queue drains.
type EntityHandler struct {
	store storage.Store
	log   *zap.Logger
}

func NewEntityHandler(store storage.Store, log *zap.Logger) *EntityHandler {
	return &EntityHandler{store: store, log: log}
}

func (h *EntityHandler) GetEntity(w http.ResponseWriter, r *http.Request) {
	entityID := mux.Vars(r)["entity_id"]

	payload, version, err := h.store.GetEntity(r.Context(), entityID)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "Entity not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("failed to load entity", zap.String("entity_id", entityID), zap.Error(err))
		http.Error(w, "Failed to load entity", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"entity_id": entityID,
		"version":   version,
		"payload":   payload,
	})
}

func (h *EntityHandler) GetVersion(w http.ResponseWriter, r *http.Request) {
	entityID := mux.Vars(r)["entity_id"]

	version, err := h.store.GetEntityVersion(r.Context(), entityID)
	if err != nil {
		h.log.Error("failed to load entity version", zap.String("entity_id", entityID), zap.Error(err))
		http.Error(w, "Failed to load version", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"entity_id": entityID,
		"version":   version,
	})
}

type applyChangeRequest struct {
	Action          models.QueueAction `json:"action"`
	Payload         json.RawMessage    `json:"payload,omitempty"`
	ExpectedVersion int64              `json:"expected_version"`
}

// ApplyChange lands one queued mutation. A version mismatch returns 409
// with the authoritative version so the client can raise a conflict.
func (h *EntityHandler) ApplyChange(w http.ResponseWriter, r *http.Request) {
	entityID := mux.Vars(r)["entity_id"]

	var req applyChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	switch req.Action {
	case models.ActionCreate, models.ActionUpdate:
		if !json.Valid(req.Payload) {
			http.Error(w, "Invalid payload", http.StatusBadRequest)
			return
		}
	case models.ActionDelete:
		if len(req.Payload) != 0 {
			http.Error(w, "Delete must not carry a payload", http.StatusBadRequest)
			return
		}
	default:
		http.Error(w, "Invalid action", http.StatusBadRequest)
		return
	}

	version, err := h.store.ApplyEntityChange(r.Context(), req.Action, entityID, req.Payload, req.ExpectedVersion)
	if errors.Is(err, storage.ErrVersionMismatch) {
		current, verr := h.store.GetEntityVersion(r.Context(), entityID)
		if verr != nil {
			http.Error(w, "Failed to load version", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":     "version mismatch",
			"entity_id": entityID,
			"version":   current,
		})
		return
	}
	if err != nil {
		h.log.Error("failed to apply entity change",
			zap.String("entity_id", entityID),
			zap.String("action", string(req.Action)),
			zap.Error(err))
		http.Error(w, "Failed to apply change", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"entity_id": entityID,
		"version":   version,
	})
}
