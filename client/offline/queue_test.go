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

package offline_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jobtrail/e2ecore/client/offline"
	"github.com/jobtrail/e2ecore/models"
)

type memStore struct {
	mu    sync.Mutex
	order []string
	items map[string]models.OfflineQueueItem
}

func newMemStore() *memStore {
	return &memStore{items: make(map[string]models.OfflineQueueItem)}
}

func (s *memStore) Put(_ context.Context, item models.OfflineQueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; !ok {
		s.order = append(s.order, item.ID)
	}
	s.items[item.ID] = item
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*models.OfflineQueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (s *memStore) List(_ context.Context) ([]models.OfflineQueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.OfflineQueueItem, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.items[id])
	}
	return out, nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.items = make(map[string]models.OfflineQueueItem)
	return nil
}

type fakeBackend struct {
	mu           sync.Mutex
	versions     map[string]int64
	payloads     map[string]json.RawMessage
	applied      []models.OfflineQueueItem
	applyErr     error
	versionErr   error
	enteredApply chan struct{}
	blockApply   chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		versions: make(map[string]int64),
		payloads: make(map[string]json.RawMessage),
	}
}

func (b *fakeBackend) CurrentVersion(_ context.Context, entityID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.versionErr != nil {
		return 0, b.versionErr
	}
	return b.versions[entityID], nil
}

func (b *fakeBackend) Apply(_ context.Context, item models.OfflineQueueItem) error {
	b.mu.Lock()
	entered, block := b.enteredApply, b.blockApply
	b.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.applyErr != nil {
		return b.applyErr
	}
	b.applied = append(b.applied, item)
	b.versions[item.EntityID]++
	if item.Action != models.ActionDelete {
		b.payloads[item.EntityID] = item.Payload
	}
	return nil
}

func (b *fakeBackend) Fetch(_ context.Context, entityID string) (json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.payloads[entityID], nil
}

func newQueue(t *testing.T) (*offline.Queue, *memStore, *fakeBackend) {
	t.Helper()
	store := newMemStore()
	backend := newFakeBackend()
	return offline.NewQueue(store, backend, backend, zap.NewNop()), store, backend
}

func TestQueueChangeValidation(t *testing.T) {
	q, _, _ := newQueue(t)
	ctx := context.Background()

	_, err := q.QueueChange(ctx, models.ActionDelete, "job-1", json.RawMessage(`{}`), offline.Versions{})
	assert.ErrorIs(t, err, offline.ErrInvalidPayload, "delete with payload")

	_, err = q.QueueChange(ctx, models.ActionUpdate, "job-1", nil, offline.Versions{})
	assert.ErrorIs(t, err, offline.ErrInvalidPayload, "update without payload")

	_, err = q.QueueChange(ctx, models.ActionCreate, "job-1", json.RawMessage(`{broken`), offline.Versions{})
	assert.ErrorIs(t, err, offline.ErrInvalidPayload, "malformed json")

	_, err = q.QueueChange(ctx, models.QueueAction("upsert"), "job-1", json.RawMessage(`{}`), offline.Versions{})
	assert.ErrorIs(t, err, offline.ErrInvalidPayload, "unknown action")

	_, err = q.QueueChange(ctx, models.ActionDelete, "job-1", nil, offline.Versions{Local: 3, Server: 3})
	assert.NoError(t, err, "delete without payload")
}

func TestSyncAppliesWhenVersionMatches(t *testing.T) {
	q, store, backend := newQueue(t)
	ctx := context.Background()
	backend.versions["job-1"] = 2

	item, err := q.QueueChange(ctx, models.ActionUpdate, "job-1",
		json.RawMessage(`{"status":"interviewing"}`), offline.Versions{Local: 3, Server: 2})
	require.NoError(t, err)

	report, err := q.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied())
	assert.Zero(t, report.Conflicted())
	assert.Zero(t, report.Failed())

	require.Len(t, backend.applied, 1)
	assert.Equal(t, item.ID, backend.applied[0].ID)

	stored, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueSynced, stored.Status)

	// A second pass has nothing pending.
	report, err = q.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Outcomes)
}

func TestSyncDetectsConflict(t *testing.T) {
	q, store, backend := newQueue(t)
	ctx := context.Background()
	backend.versions["job-1"] = 4
	backend.payloads["job-1"] = json.RawMessage(`{"status":"rejected"}`)

	item, err := q.QueueChange(ctx, models.ActionUpdate, "job-1",
		json.RawMessage(`{"status":"offer"}`), offline.Versions{Local: 3, Server: 2})
	require.NoError(t, err)

	report, err := q.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Applied())
	assert.Equal(t, 1, report.Conflicted())
	assert.Zero(t, report.Failed())
	assert.Empty(t, backend.applied, "no data applied on conflict")

	stored, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueConflict, stored.Status)

	conflicts := q.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, item.ID, conflicts[0].ItemID)
	assert.JSONEq(t, `{"status":"offer"}`, string(conflicts[0].LocalPayload))
	assert.JSONEq(t, `{"status":"rejected"}`, string(conflicts[0].ServerPayload))
	assert.EqualValues(t, 4, conflicts[0].ServerVersion)

	// Conflicts are excluded from pending/failed counts.
	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Pending)
	assert.Zero(t, counts.Failed)

	// Re-syncing does not duplicate the conflict.
	_, err = q.Sync(ctx)
	require.NoError(t, err)
	assert.Len(t, q.Conflicts(), 1)
}

func TestSyncMarksTransportErrorsFailed(t *testing.T) {
	q, _, backend := newQueue(t)
	ctx := context.Background()
	backend.versions["job-1"] = 1
	backend.applyErr = errors.New("backend unreachable")

	_, err := q.QueueChange(ctx, models.ActionUpdate, "job-1",
		json.RawMessage(`{"notes":"ping recruiter"}`), offline.Versions{Local: 2, Server: 1})
	require.NoError(t, err)

	report, err := q.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed())
	assert.Empty(t, q.Conflicts(), "failure is not a conflict")

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Failed)

	// Failures are retryable once the backend recovers.
	backend.mu.Lock()
	backend.applyErr = nil
	backend.mu.Unlock()

	report, err = q.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied())
	counts, err = q.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Failed)
}

func TestSyncVersionSourceErrorMarksFailed(t *testing.T) {
	q, _, backend := newQueue(t)
	ctx := context.Background()
	backend.versionErr = errors.New("version source down")

	_, err := q.QueueChange(ctx, models.ActionDelete, "job-1", nil, offline.Versions{})
	require.NoError(t, err)

	report, err := q.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed())
}

func TestSyncDrainsFIFO(t *testing.T) {
	q, _, backend := newQueue(t)
	ctx := context.Background()

	for _, entity := range []string{"job-1", "job-2", "job-3"} {
		_, err := q.QueueChange(ctx, models.ActionCreate, entity,
			json.RawMessage(`{"title":"Go engineer"}`), offline.Versions{})
		require.NoError(t, err)
	}

	report, err := q.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Applied())

	var order []string
	for _, item := range backend.applied {
		order = append(order, item.EntityID)
	}
	assert.Equal(t, []string{"job-1", "job-2", "job-3"}, order)
}

func TestSyncSingleFlight(t *testing.T) {
	q, _, backend := newQueue(t)
	ctx := context.Background()

	_, err := q.QueueChange(ctx, models.ActionCreate, "job-1",
		json.RawMessage(`{"title":"SRE"}`), offline.Versions{})
	require.NoError(t, err)

	backend.mu.Lock()
	backend.enteredApply = make(chan struct{}, 1)
	backend.blockApply = make(chan struct{})
	backend.mu.Unlock()

	done := make(chan offline.SyncReport, 1)
	go func() {
		report, _ := q.Sync(ctx)
		done <- report
	}()
	<-backend.enteredApply

	// A second Sync while one is in flight is a no-op.
	second, err := q.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, second.Outcomes)

	backend.mu.Lock()
	backend.enteredApply = nil
	backend.mu.Unlock()
	close(backend.blockApply)

	first := <-done
	assert.Equal(t, 1, first.Applied())
	assert.Len(t, backend.applied, 1, "item applied exactly once")
}

func TestResolveConflict(t *testing.T) {
	q, store, backend := newQueue(t)
	ctx := context.Background()
	backend.versions["job-1"] = 4
	backend.payloads["job-1"] = json.RawMessage(`{"status":"rejected"}`)

	item, err := q.QueueChange(ctx, models.ActionUpdate, "job-1",
		json.RawMessage(`{"status":"offer"}`), offline.Versions{Local: 3, Server: 2})
	require.NoError(t, err)
	_, err = q.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, q.Conflicts(), 1)

	require.NoError(t, q.ResolveConflict(ctx, item.ID, offline.ResolutionLocal))

	require.Len(t, backend.applied, 1, "local resolution applies the queued payload")
	assert.EqualValues(t, 4, backend.applied[0].ServerVersion, "re-applied against the conflict-time version")
	assert.Empty(t, q.Conflicts())

	stored, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueSynced, stored.Status)

	err = q.ResolveConflict(ctx, item.ID, offline.ResolutionLocal)
	assert.ErrorIs(t, err, offline.ErrConflictNotFound, "conflict already cleared")
}

func TestResolveConflictServerSide(t *testing.T) {
	q, _, backend := newQueue(t)
	ctx := context.Background()
	backend.versions["job-1"] = 4

	item, err := q.QueueChange(ctx, models.ActionUpdate, "job-1",
		json.RawMessage(`{"status":"offer"}`), offline.Versions{Local: 3, Server: 2})
	require.NoError(t, err)
	_, err = q.Sync(ctx)
	require.NoError(t, err)

	require.NoError(t, q.ResolveConflict(ctx, item.ID, offline.ResolutionServer))
	assert.Empty(t, backend.applied, "server resolution keeps the authoritative state")
	assert.Empty(t, q.Conflicts())
}

func TestConflictSurvivesRestart(t *testing.T) {
	q, store, backend := newQueue(t)
	ctx := context.Background()
	backend.versions["job-1"] = 4
	backend.payloads["job-1"] = json.RawMessage(`{"status":"rejected"}`)

	item, err := q.QueueChange(ctx, models.ActionUpdate, "job-1",
		json.RawMessage(`{"status":"offer"}`), offline.Versions{Local: 3, Server: 2})
	require.NoError(t, err)

	report, err := q.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Conflicted())
	q.Close()

	// A fresh queue over the same durable store stands in for a process
	// restart; the in-memory conflict objects are gone.
	restarted := offline.NewQueue(store, backend, backend, zap.NewNop())

	report, err = restarted.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Outcomes, "rebuilt conflicts stay out of the report")

	conflicts := restarted.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, item.ID, conflicts[0].ItemID)
	assert.JSONEq(t, `{"status":"offer"}`, string(conflicts[0].LocalPayload))
	assert.JSONEq(t, `{"status":"rejected"}`, string(conflicts[0].ServerPayload))
	assert.EqualValues(t, 4, conflicts[0].ServerVersion)

	require.NoError(t, restarted.ResolveConflict(ctx, item.ID, offline.ResolutionLocal))
	require.Len(t, backend.applied, 1)
	assert.EqualValues(t, 4, backend.applied[0].ServerVersion,
		"local resolution applies against the conflict-time version")

	stored, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueSynced, stored.Status)
	assert.Empty(t, restarted.Conflicts())
}

func TestResolveConflictAfterRestartWithoutSync(t *testing.T) {
	q, store, backend := newQueue(t)
	ctx := context.Background()
	backend.versions["job-1"] = 7
	backend.payloads["job-1"] = json.RawMessage(`{"status":"withdrawn"}`)

	item, err := q.QueueChange(ctx, models.ActionDelete, "job-1", nil,
		offline.Versions{Local: 2, Server: 2})
	require.NoError(t, err)
	_, err = q.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, q.Conflicts(), 1)
	q.Close()

	// Resolving straight away, without a Sync pass first, rebuilds the
	// conflict from the stored item on demand.
	restarted := offline.NewQueue(store, backend, backend, zap.NewNop())
	require.NoError(t, restarted.ResolveConflict(ctx, item.ID, offline.ResolutionServer))
	assert.Empty(t, backend.applied)

	stored, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueSynced, stored.Status)
}

func TestResolveConflictUnknownItem(t *testing.T) {
	q, _, _ := newQueue(t)
	err := q.ResolveConflict(context.Background(), "no-such-item", offline.ResolutionLocal)
	assert.ErrorIs(t, err, offline.ErrConflictNotFound)
}

func TestClearAndClose(t *testing.T) {
	q, store, _ := newQueue(t)
	ctx := context.Background()

	_, err := q.QueueChange(ctx, models.ActionCreate, "job-1",
		json.RawMessage(`{"title":"platform"}`), offline.Versions{})
	require.NoError(t, err)

	require.NoError(t, q.Clear(ctx))
	items, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)

	q.Close()
	_, err = q.QueueChange(ctx, models.ActionCreate, "job-1",
		json.RawMessage(`{}`), offline.Versions{})
	assert.ErrorIs(t, err, offline.ErrQueueClosed)
	_, err = q.Sync(ctx)
	assert.ErrorIs(t, err, offline.ErrQueueClosed)
}
