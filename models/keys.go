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

// PortablePublicKey is the directory representation of a user's public key:
// curve identifier plus base64url raw coordinates.
type PortablePublicKey struct {
	Curve string `json:"curve"`
	X     string `json:"x"`
	Y     string `json:"y"`
}

// PublicKeyRecord is a directory entry as persisted by the backend.
type PublicKeyRecord struct {
	UserID    string            `json:"user_id" db:"user_id"`
	Key       PortablePublicKey `json:"key" db:"key"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}

// WrappedGroupKey is one member's copy of a group key for one version,
// encrypted under the pairwise shared secret between the distributing owner
// and that member. The raw group key never leaves client memory unwrapped.
type WrappedGroupKey struct {
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	MemberID       string    `json:"member_id" db:"member_id"`
	DistributorID  string    `json:"distributor_id" db:"distributor_id"`
	Version        int       `json:"version" db:"version"`
	Ciphertext     []byte    `json:"ciphertext" db:"ciphertext"`
	IV             []byte    `json:"iv" db:"iv"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
