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

package models

import (
	"encoding/json"
	"time"
)

type QueueAction string

const (
	ActionCreate QueueAction = "create"
	ActionUpdate QueueAction = "update"
	ActionDelete QueueAction = "delete"
)

type QueueStatus string

const (
	QueuePending  QueueStatus = "pending"
	QueueSynced   QueueStatus = "synced"
	QueueFailed   QueueStatus = "failed"
	QueueConflict QueueStatus = "conflict"
)

// OfflineQueueItem is one deferred write against an external record type.
// LocalVersion is the version the client believes it produced; ServerVersion
// is the last server version the client observed when it enqueued the change.
type OfflineQueueItem struct {
	ID            string          `json:"id"`
	Action        QueueAction     `json:"action"`
	EntityID      string          `json:"entity_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	LocalVersion  int64           `json:"local_version"`
	ServerVersion int64           `json:"server_version"`
	Status        QueueStatus     `json:"status"`
	LastError     string          `json:"last_error,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
}

// Conflict pairs a queued change with the authoritative server payload
// observed at sync time. It persists until explicitly resolved.
type Conflict struct {
	ItemID        string          `json:"item_id"`
	EntityID      string          `json:"entity_id"`
	LocalPayload  json.RawMessage `json:"local_payload,omitempty"`
	ServerPayload json.RawMessage `json:"server_payload,omitempty"`
	ServerVersion int64           `json:"server_version"`
	DetectedAt    time.Time       `json:"detected_at"`
}
