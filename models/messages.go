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

import "time"

// Message is an immutable ciphertext/IV pair as stored by the backend.
// Seq is the server-assigned, strictly increasing position within one
// conversation and is the sole ordering authority for clients.
type Message struct {
	ID             string     `json:"id" db:"id"`
	ConversationID string     `json:"conversation_id" db:"conversation_id"`
	SenderID       string     `json:"sender_id" db:"sender_id"`
	Seq            int64      `json:"seq" db:"seq"`
	Ciphertext     []byte     `json:"ciphertext" db:"ciphertext"`
	IV             []byte     `json:"iv" db:"iv"`
	KeyVersion     int        `json:"key_version" db:"key_version"`
	Edited         bool       `json:"edited" db:"edited"`
	EditedAt       *time.Time `json:"edited_at,omitempty" db:"edited_at"`
	Deleted        bool       `json:"deleted" db:"deleted"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// MessagePage is one page of history, ordered by ascending Seq.
// Cursor is the Seq of the oldest message in the page; passing it back
// to History returns strictly older messages.
type MessagePage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
	Cursor   *int64    `json:"cursor,omitempty"`
}
