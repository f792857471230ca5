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
	"time"
)

type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleMember MemberRole = "member"
)

// KeyStatus tracks whether a member holds the current group key. A member
// becomes "pending" when wrapping or distribution to them fails; they stay
// pending until a retry succeeds.
type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "active"
	KeyStatusPending KeyStatus = "pending"
)

type Conversation struct {
	ID         string           `json:"id" db:"id"`
	Type       ConversationType `json:"type" db:"type"`
	CreatedBy  string           `json:"created_by" db:"created_by"`
	KeyVersion int              `json:"key_version" db:"key_version"`
	CreatedAt  time.Time        `json:"created_at" db:"created_at"`
}

type ConversationMember struct {
	ConversationID   string     `json:"conversation_id" db:"conversation_id"`
	UserID           string     `json:"user_id" db:"user_id"`
	Role             MemberRole `json:"role" db:"role"`
	KeyVersionJoined int        `json:"key_version_joined" db:"key_version_joined"`
	KeyStatus        KeyStatus  `json:"key_status" db:"key_status"`
	JoinedAt         time.Time  `json:"joined_at" db:"joined_at"`
}

// Profile is the display information attached to decrypted messages.
type Profile struct {
	UserID      string `json:"user_id" db:"user_id"`
	DisplayName string `json:"display_name" db:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty" db:"avatar_url"`
}
