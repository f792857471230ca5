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

package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jobtrail/e2ecore/models"
)

var (
	// ErrNotFound is returned for any missing record.
	ErrNotFound = errors.New("record not found")
	// ErrVersionMismatch is the compare-and-swap failure for tracked
	// entity writes.
	ErrVersionMismatch = errors.New("entity version mismatch")
)

// DirectoryStore is the public-key directory.
type DirectoryStore interface {
	PublishPublicKey(ctx context.Context, rec models.PublicKeyRecord) error
	GetPublicKey(ctx context.Context, userID string) (*models.PublicKeyRecord, error)
}

// ConversationStore manages conversations and membership. Removing a
// member bumps the conversation key version so the owner rekeys.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv models.Conversation, memberIDs []string) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	GetMembers(ctx context.Context, conversationID string) ([]models.ConversationMember, error)
	AddMember(ctx context.Context, conversationID, userID string, keyVersion int) error
	RemoveMember(ctx context.Context, conversationID, userID string) error
	BumpKeyVersion(ctx context.Context, conversationID string) (int, error)
	SetMemberKeyStatus(ctx context.Context, conversationID, userID string, status models.KeyStatus) error
	PendingMembers(ctx context.Context, conversationID string) ([]string, error)
}

// GroupKeyStore persists wrapped group keys, one record per member per
// version.
type GroupKeyStore interface {
	SaveWrappedKey(ctx context.Context, wk models.WrappedGroupKey) error
	GetWrappedKey(ctx context.Context, conversationID, memberID string, version int) (*models.WrappedGroupKey, error)
	LatestWrappedKeyVersion(ctx context.Context, conversationID, memberID string) (int, error)
}

// MessageStore persists ciphertext records. SaveMessage assigns the
// strictly increasing per-conversation sequence number.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	History(ctx context.Context, conversationID string, beforeSeq *int64, limit int) (models.MessagePage, error)
	MarkEdited(ctx context.Context, id string, ciphertext, iv []byte) (*models.Message, error)
	MarkDeleted(ctx context.Context, id string) (*models.Message, error)
}

// EntityStore is the authoritative version source and CAS write surface
// for the tracked records the offline queue mutates (job applications,
// companies, contacts). Payloads are opaque JSON.
type EntityStore interface {
	GetEntity(ctx context.Context, entityID string) (json.RawMessage, int64, error)
	GetEntityVersion(ctx context.Context, entityID string) (int64, error)
	ApplyEntityChange(ctx context.Context, action models.QueueAction, entityID string, payload json.RawMessage, expectedVersion int64) (int64, error)
}

// ProfileStore resolves sender display profiles.
type ProfileStore interface {
	UpsertProfile(ctx context.Context, p models.Profile) error
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
}

// Publisher fans out message events for real-time delivery.
type Publisher interface {
	PublishNew(ctx context.Context, msg models.Message) error
	PublishUpdate(ctx context.Context, msg models.Message) error
}

type Store interface {
	DirectoryStore
	ConversationStore
	GroupKeyStore
	MessageStore
	EntityStore
	ProfileStore
}
