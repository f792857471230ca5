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

	"github.com/jobtrail/e2ecore/models"
)

func (s *Store) SaveWrappedKey(ctx context.Context, wk models.WrappedGroupKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wrapped_group_keys
		(conversation_id, member_id, version, distributor_id, ciphertext, iv, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (conversation_id, member_id, version) DO UPDATE
		SET distributor_id = $4, ciphertext = $5, iv = $6, created_at = $7`,
		wk.ConversationID, wk.MemberID, wk.Version, wk.DistributorID,
		wk.Ciphertext, wk.IV, time.Now())
	return err
}

func (s *Store) GetWrappedKey(ctx context.Context, conversationID, memberID string, version int) (*models.WrappedGroupKey, error) {
	wk := models.WrappedGroupKey{
		ConversationID: conversationID,
		MemberID:       memberID,
		Version:        version,
	}
	err := s.db.QueryRowContext(ctx, `
		SELECT distributor_id, ciphertext, iv, created_at FROM wrapped_group_keys
		WHERE conversation_id = $1 AND member_id = $2 AND version = $3`,
		conversationID, memberID, version).Scan(
		&wk.DistributorID, &wk.Ciphertext, &wk.IV, &wk.CreatedAt)
	if err == sql.ErrNoRows {
		// Absence is a normal state for removed or pending members.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &wk, nil
}

func (s *Store) LatestWrappedKeyVersion(ctx context.Context, conversationID, memberID string) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM wrapped_group_keys
		WHERE conversation_id = $1 AND member_id = $2`,
		conversationID, memberID).Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}
