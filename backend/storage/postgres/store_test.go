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
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobtrail/e2ecore/backend/storage"
	"github.com/jobtrail/e2ecore/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func TestSaveMessageAssignsSequence(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE conversations`).
		WithArgs("conv-1").
		WillReturnRows(sqlmock.NewRows([]string{"last_seq"}).AddRow(int64(42)))
	mock.ExpectExec(`INSERT INTO messages`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	msg := &models.Message{
		ID:             "msg-1",
		ConversationID: "conv-1",
		SenderID:       "alice",
		Ciphertext:     []byte{0xde, 0xad},
		IV:             []byte{0xbe, 0xef},
		KeyVersion:     1,
	}
	err := store.SaveMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, int64(42), msg.Seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveMessageUnknownConversation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE conversations`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"last_seq"}))
	mock.ExpectRollback()

	err := store.SaveMessage(context.Background(), &models.Message{ID: "m", ConversationID: "nope"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryReturnsAscendingPage(t *testing.T) {
	store, mock := newMockStore(t)

	cols := []string{
		"id", "conversation_id", "sender_id", "seq", "ciphertext", "iv",
		"key_version", "edited", "edited_at", "deleted", "deleted_at", "created_at",
	}
	now := time.Now()
	// The query pages newest-first; the store reverses to ascending.
	mock.ExpectQuery(`SELECT .+ FROM messages`).
		WithArgs("conv-1", 2).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("m3", "conv-1", "bob", int64(3), []byte{3}, []byte{3}, 1, false, nil, false, nil, now).
			AddRow("m2", "conv-1", "alice", int64(2), []byte{2}, []byte{2}, 1, false, nil, false, nil, now))
	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs("conv-1", int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	page, err := store.History(context.Background(), "conv-1", nil, 2)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, int64(2), page.Messages[0].Seq)
	assert.Equal(t, int64(3), page.Messages[1].Seq)
	assert.True(t, page.HasMore)
	require.NotNil(t, page.Cursor)
	assert.Equal(t, int64(2), *page.Cursor)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEntityChangeVersionMismatch(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT version FROM tracked_entities`).
		WithArgs("job-7").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(5)))
	mock.ExpectRollback()

	_, err := store.ApplyEntityChange(context.Background(),
		models.ActionUpdate, "job-7", json.RawMessage(`{"status":"offer"}`), 3)
	assert.ErrorIs(t, err, storage.ErrVersionMismatch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEntityChangeCreate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT version FROM tracked_entities`).
		WithArgs("job-7").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectExec(`INSERT INTO tracked_entities`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	version, err := store.ApplyEntityChange(context.Background(),
		models.ActionCreate, "job-7", json.RawMessage(`{"company":"Initech"}`), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPublicKeyNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT curve, x, y, created_at FROM public_keys`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"curve", "x", "y", "created_at"}))

	_, err := store.GetPublicKey(context.Background(), "ghost")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
