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

// SaveMessage assigns the next per-conversation sequence number and
// persists the ciphertext record. The counter update and the insert
// share one transaction so sequence numbers are strictly increasing
// with no gaps from failed writes.
func (s *Store) SaveMessage(ctx context.Context, msg *models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		UPDATE conversations
		SET last_seq = last_seq + 1
		WHERE id = $1
		RETURNING last_seq`, msg.ConversationID).Scan(&msg.Seq)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}

	msg.CreatedAt = time.Now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages
		(id, conversation_id, sender_id, seq, ciphertext, iv, key_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Seq,
		msg.Ciphertext, msg.IV, msg.KeyVersion, msg.CreatedAt)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var msg models.Message
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, seq, ciphertext, iv, key_version,
		       edited, edited_at, deleted, deleted_at, created_at
		FROM messages WHERE id = $1`, id).Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Seq,
		&msg.Ciphertext, &msg.IV, &msg.KeyVersion,
		&msg.Edited, &msg.EditedAt, &msg.Deleted, &msg.DeletedAt, &msg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// History returns one page ordered by ascending seq. A nil cursor means
// the most recent page; otherwise only messages strictly older than
// beforeSeq are returned.
func (s *Store) History(ctx context.Context, conversationID string, beforeSeq *int64, limit int) (models.MessagePage, error) {
	var rows *sql.Rows
	var err error
	if beforeSeq == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, conversation_id, sender_id, seq, ciphertext, iv, key_version,
			       edited, edited_at, deleted, deleted_at, created_at
			FROM messages
			WHERE conversation_id = $1
			ORDER BY seq DESC
			LIMIT $2`, conversationID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, conversation_id, sender_id, seq, ciphertext, iv, key_version,
			       edited, edited_at, deleted, deleted_at, created_at
			FROM messages
			WHERE conversation_id = $1 AND seq < $2
			ORDER BY seq DESC
			LIMIT $3`, conversationID, *beforeSeq, limit)
	}
	if err != nil {
		return models.MessagePage{}, err
	}
	defer rows.Close()

	var descending []models.Message
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Seq,
			&msg.Ciphertext, &msg.IV, &msg.KeyVersion,
			&msg.Edited, &msg.EditedAt, &msg.Deleted, &msg.DeletedAt, &msg.CreatedAt); err != nil {
			return models.MessagePage{}, err
		}
		descending = append(descending, msg)
	}
	if err := rows.Err(); err != nil {
		return models.MessagePage{}, err
	}

	page := models.MessagePage{Messages: make([]models.Message, len(descending))}
	for i, msg := range descending {
		page.Messages[len(descending)-1-i] = msg
	}
	if len(page.Messages) > 0 {
		oldest := page.Messages[0].Seq
		page.Cursor = &oldest

		var older int
		err = s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM messages
			WHERE conversation_id = $1 AND seq < $2`,
			conversationID, oldest).Scan(&older)
		if err != nil {
			return models.MessagePage{}, err
		}
		page.HasMore = older > 0
	}

	return page, nil
}

func (s *Store) MarkEdited(ctx context.Context, id string, ciphertext, iv []byte) (*models.Message, error) {
	now := time.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET ciphertext = $2, iv = $3, edited = TRUE, edited_at = $4
		WHERE id = $1 AND deleted = FALSE`,
		id, ciphertext, iv, now)
	if err != nil {
		return nil, err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return nil, storage.ErrNotFound
	}
	return s.GetMessage(ctx, id)
}

// MarkDeleted blanks the ciphertext and leaves a tombstone.
func (s *Store) MarkDeleted(ctx context.Context, id string) (*models.Message, error) {
	now := time.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET ciphertext = ''::bytea, iv = ''::bytea, deleted = TRUE, deleted_at = $2
		WHERE id = $1`,
		id, now)
	if err != nil {
		return nil, err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return nil, storage.ErrNotFound
	}
	return s.GetMessage(ctx, id)
}
