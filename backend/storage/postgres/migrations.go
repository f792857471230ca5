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

func (s *Store) Migrate() error {
	migrations := []string{
		// Public-key directory
		`CREATE TABLE IF NOT EXISTS public_keys (
			user_id VARCHAR(255) PRIMARY KEY,
			curve VARCHAR(16) NOT NULL,
			x TEXT NOT NULL,
			y TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Sender display profiles
		`CREATE TABLE IF NOT EXISTS profiles (
			user_id VARCHAR(255) PRIMARY KEY,
			display_name VARCHAR(255) NOT NULL,
			avatar_url TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Conversations; last_seq backs the per-conversation sequence
		// counter, key_version the group key generation
		`CREATE TABLE IF NOT EXISTS conversations (
			id VARCHAR(255) PRIMARY KEY,
			type VARCHAR(16) NOT NULL CHECK (type IN ('direct', 'group')),
			created_by VARCHAR(255) NOT NULL,
			key_version INTEGER NOT NULL DEFAULT 1,
			last_seq BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS conversation_members (
			conversation_id VARCHAR(255) NOT NULL,
			user_id VARCHAR(255) NOT NULL,
			role VARCHAR(16) NOT NULL DEFAULT 'member' CHECK (role IN ('owner', 'member')),
			key_version_joined INTEGER NOT NULL DEFAULT 1,
			key_status VARCHAR(16) NOT NULL DEFAULT 'active' CHECK (key_status IN ('active', 'pending')),
			joined_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		)`,

		// Wrapped group keys: one record per member per version
		`CREATE TABLE IF NOT EXISTS wrapped_group_keys (
			conversation_id VARCHAR(255) NOT NULL,
			member_id VARCHAR(255) NOT NULL,
			version INTEGER NOT NULL,
			distributor_id VARCHAR(255) NOT NULL,
			ciphertext BYTEA NOT NULL,
			iv BYTEA NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (conversation_id, member_id, version),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		)`,

		// Message ciphertext records
		`CREATE TABLE IF NOT EXISTS messages (
			id VARCHAR(255) PRIMARY KEY,
			conversation_id VARCHAR(255) NOT NULL,
			sender_id VARCHAR(255) NOT NULL,
			seq BIGINT NOT NULL,
			ciphertext BYTEA NOT NULL,
			iv BYTEA NOT NULL,
			key_version INTEGER NOT NULL DEFAULT 1,
			edited BOOLEAN NOT NULL DEFAULT FALSE,
			edited_at TIMESTAMP,
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			deleted_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (conversation_id, seq),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_messages_history
		ON messages(conversation_id, seq DESC)`,

		// Tracked entities the offline queue mutates; version is the
		// authoritative counter for conflict detection
		`CREATE TABLE IF NOT EXISTS tracked_entities (
			entity_id VARCHAR(255) PRIMARY KEY,
			payload JSONB,
			version BIGINT NOT NULL DEFAULT 0,
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
