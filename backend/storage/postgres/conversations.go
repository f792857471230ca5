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

package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jobtrail/e2ecore/backend/storage"
	"github.com/jobtrail/e2ecore/models"
)

func (s *Store) CreateConversation(ctx context.Context, conv models.Conversation, memberIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, type, created_by, key_version, created_at)
		VALUES ($1, $2, $3, 1, $4)`,
		conv.ID, conv.Type, conv.CreatedBy, time.Now())
	if err != nil {
		return err
	}

	for _, userID := range memberIDs {
		role := models.RoleMember
		if userID == conv.CreatedBy {
			role = models.RoleOwner
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO conversation_members
			(conversation_id, user_id, role, key_version_joined, key_status, joined_at)
			VALUES ($1, $2, $3, 1, $4, $5)
			ON CONFLICT (conversation_id, user_id) DO NOTHING`,
			conv.ID, userID, role, models.KeyStatusActive, time.Now())
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, type, created_by, key_version, created_at FROM conversations
		WHERE id = $1`, id).Scan(
		&conv.ID, &conv.Type, &conv.CreatedBy, &conv.KeyVersion, &conv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *Store) GetMembers(ctx context.Context, conversationID string) ([]models.ConversationMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, user_id, role, key_version_joined, key_status, joined_at
		FROM conversation_members
		WHERE conversation_id = $1
		ORDER BY joined_at`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []models.ConversationMember
	for rows.Next() {
		var m models.ConversationMember
		if err := rows.Scan(&m.ConversationID, &m.UserID, &m.Role,
			&m.KeyVersionJoined, &m.KeyStatus, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}

	return members, rows.Err()
}

func (s *Store) AddMember(ctx context.Context, conversationID, userID string, keyVersion int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_members
		(conversation_id, user_id, role, key_version_joined, key_status, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (conversation_id, user_id) DO NOTHING`,
		conversationID, userID, models.RoleMember, keyVersion, models.KeyStatusPending, time.Now())
	return err
}

// RemoveMember deletes the member and their wrapped keys. The caller is
// expected to rotate the group key afterwards; key_version is bumped by
// BumpKeyVersion during that rotation.
func (s *Store) RemoveMember(ctx context.Context, conversationID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM conversation_members
		WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID)
	if err != nil {
		return err
	}

	// Drop the removed member's wrapped keys so nothing new can be
	// fetched; historical versions they already downloaded are out of
	// our hands.
	_, err = tx.ExecContext(ctx, `
		DELETE FROM wrapped_group_keys
		WHERE conversation_id = $1 AND member_id = $2`,
		conversationID, userID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) BumpKeyVersion(ctx context.Context, conversationID string) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `
		UPDATE conversations
		SET key_version = key_version + 1
		WHERE id = $1
		RETURNING key_version`, conversationID).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (s *Store) SetMemberKeyStatus(ctx context.Context, conversationID, userID string, status models.KeyStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversation_members
		SET key_status = $3
		WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID, status)
	return err
}

func (s *Store) PendingMembers(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM conversation_members
		WHERE conversation_id = $1 AND key_status = $2`,
		conversationID, models.KeyStatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		members = append(members, userID)
	}

	return members, rows.Err()
}
