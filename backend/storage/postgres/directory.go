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

func (s *Store) PublishPublicKey(ctx context.Context, rec models.PublicKeyRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO public_keys (user_id, curve, x, y, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET curve = $2, x = $3, y = $4, created_at = $5`,
		rec.UserID, rec.Key.Curve, rec.Key.X, rec.Key.Y, time.Now())
	return err
}

func (s *Store) GetPublicKey(ctx context.Context, userID string) (*models.PublicKeyRecord, error) {
	rec := models.PublicKeyRecord{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT curve, x, y, created_at FROM public_keys
		WHERE user_id = $1`, userID).Scan(
		&rec.Key.Curve, &rec.Key.X, &rec.Key.Y, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) UpsertProfile(ctx context.Context, p models.Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, display_name, avatar_url, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET display_name = $2, avatar_url = $3, updated_at = $4`,
		p.UserID, p.DisplayName, p.AvatarURL, time.Now())
	return err
}

func (s *Store) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	p := models.Profile{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT display_name, avatar_url FROM profiles
		WHERE user_id = $1`, userID).Scan(&p.DisplayName, &p.AvatarURL)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
