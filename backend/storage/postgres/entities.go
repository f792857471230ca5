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
	"encoding/json"
	"fmt"
	"time"

	"github.com/jobtrail/e2ecore/backend/storage"
	"github.com/jobtrail/e2ecore/models"
)

func (s *Store) GetEntity(ctx context.Context, entityID string) (json.RawMessage, int64, error) {
	var payload []byte
	var version int64
	var deleted bool
	err := s.db.QueryRowContext(ctx, `
		SELECT payload, version, deleted FROM tracked_entities
		WHERE entity_id = $1`, entityID).Scan(&payload, &version, &deleted)
	if err == sql.ErrNoRows {
		return nil, 0, storage.ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	if deleted {
		return nil, version, nil
	}
	return payload, version, nil
}

// GetEntityVersion returns 0 for entities that do not exist yet, which
// is the version a create is expected against.
func (s *Store) GetEntityVersion(ctx context.Context, entityID string) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, `
		SELECT version FROM tracked_entities
		WHERE entity_id = $1`, entityID).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return version, nil
}

// ApplyEntityChange is the compare-and-swap write: the change lands only
// if the stored version still equals expectedVersion, otherwise
// ErrVersionMismatch is returned and nothing is written.
func (s *Store) ApplyEntityChange(ctx context.Context, action models.QueueAction, entityID string, payload json.RawMessage, expectedVersion int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx, `
		SELECT version FROM tracked_entities
		WHERE entity_id = $1
		FOR UPDATE`, entityID).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		current = 0
	case err != nil:
		return 0, err
	}
	if current != expectedVersion {
		return 0, fmt.Errorf("%w: have %d, expected %d", storage.ErrVersionMismatch, current, expectedVersion)
	}

	next := current + 1
	switch action {
	case models.ActionCreate, models.ActionUpdate:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tracked_entities (entity_id, payload, version, deleted, updated_at)
			VALUES ($1, $2, $3, FALSE, $4)
			ON CONFLICT (entity_id) DO UPDATE
			SET payload = $2, version = $3, deleted = FALSE, updated_at = $4`,
			entityID, []byte(payload), next, time.Now())
	case models.ActionDelete:
		_, err = tx.ExecContext(ctx, `
			UPDATE tracked_entities
			SET payload = NULL, version = $2, deleted = TRUE, updated_at = $3
			WHERE entity_id = $1`,
			entityID, next, time.Now())
	default:
		return 0, fmt.Errorf("unknown action %q", action)
	}
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}
