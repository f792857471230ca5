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

// Package offline implements the durable queue of writes deferred while
// disconnected, with optimistic-concurrency conflict detection against a
// server-held version counter. It is independent of the crypto stack.
//
// The queue itself never observes connectivity; Sync and RetryFailed are
// the hooks a connectivity observer should call on reconnect or when the
// application regains visibility.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jobtrail/e2ecore/models"
)

var (
	// ErrInvalidPayload marks a queued change the backend can never
	// accept; it is not retryable without correction.
	ErrInvalidPayload = errors.New("invalid queue payload")
	// ErrConflictNotFound means no open conflict exists for the item.
	ErrConflictNotFound = errors.New("conflict not found")
	// ErrQueueClosed is returned after Close.
	ErrQueueClosed = errors.New("offline queue closed")
)

// Store is the durable local key-value store collaborator. List returns
// items in enqueue order.
type Store interface {
	Put(ctx context.Context, item models.OfflineQueueItem) error
	Get(ctx context.Context, id string) (*models.OfflineQueueItem, error)
	List(ctx context.Context) ([]models.OfflineQueueItem, error)
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
}

// VersionSource exposes the authoritative current version of an entity,
// consulted immediately before each item is applied.
type VersionSource interface {
	CurrentVersion(ctx context.Context, entityID string) (int64, error)
}

// Applier performs the actual writes against the backend and fetches the
// authoritative payload used to build Conflict objects.
type Applier interface {
	Apply(ctx context.Context, item models.OfflineQueueItem) error
	Fetch(ctx context.Context, entityID string) (json.RawMessage, error)
}

// OutcomeKind tags the result of one sync attempt for one item. Every
// item gets exactly one outcome; nothing is silently dropped.
type OutcomeKind string

const (
	OutcomeApplied    OutcomeKind = "applied"
	OutcomeConflicted OutcomeKind = "conflict"
	OutcomeFailed     OutcomeKind = "failed"
)

// ItemOutcome is the tagged per-item result of a Sync pass.
type ItemOutcome struct {
	ItemID   string
	Kind     OutcomeKind
	Err      error
	Conflict *models.Conflict
}

// SyncReport aggregates one Sync pass. Conflicted items are excluded
// from both success and failure counts.
type SyncReport struct {
	Outcomes []ItemOutcome
}

func (r SyncReport) count(kind OutcomeKind) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Kind == kind {
			n++
		}
	}
	return n
}

func (r SyncReport) Applied() int    { return r.count(OutcomeApplied) }
func (r SyncReport) Conflicted() int { return r.count(OutcomeConflicted) }
func (r SyncReport) Failed() int     { return r.count(OutcomeFailed) }

// Versions carries the optimistic-concurrency snapshot taken at enqueue
// time: Local is the version the client produced, Server the last server
// version it observed.
type Versions struct {
	Local  int64
	Server int64
}

// Counts is the queue state surfaced to the application.
type Counts struct {
	Pending int
	Failed  int
}

// Resolution picks a side when resolving a conflict.
type Resolution string

const (
	ResolutionLocal  Resolution = "local"
	ResolutionServer Resolution = "server"
)

// Queue is the offline mutation queue. The single in-flight Sync guard is
// its only mutual-exclusion mechanism beyond internal state protection.
type Queue struct {
	store    Store
	versions VersionSource
	applier  Applier
	log      *zap.Logger

	mu        sync.Mutex
	syncing   bool
	closed    bool
	conflicts map[string]models.Conflict
}

func NewQueue(store Store, versions VersionSource, applier Applier, log *zap.Logger) *Queue {
	return &Queue{
		store:     store,
		versions:  versions,
		applier:   applier,
		log:       log,
		conflicts: make(map[string]models.Conflict),
	}
}

// QueueChange enqueues a deferred write. Delete actions carry a nil
// payload; create and update require one.
func (q *Queue) QueueChange(ctx context.Context, action models.QueueAction, entityID string, payload json.RawMessage, v Versions) (models.OfflineQueueItem, error) {
	if err := q.guard(); err != nil {
		return models.OfflineQueueItem{}, err
	}
	switch action {
	case models.ActionDelete:
		if payload != nil {
			return models.OfflineQueueItem{}, fmt.Errorf("%w: delete carries no payload", ErrInvalidPayload)
		}
	case models.ActionCreate, models.ActionUpdate:
		if len(payload) == 0 || !json.Valid(payload) {
			return models.OfflineQueueItem{}, fmt.Errorf("%w: %s requires a JSON payload", ErrInvalidPayload, action)
		}
	default:
		return models.OfflineQueueItem{}, fmt.Errorf("%w: unknown action %q", ErrInvalidPayload, action)
	}

	item := models.OfflineQueueItem{
		ID:            uuid.New().String(),
		Action:        action,
		EntityID:      entityID,
		Payload:       payload,
		LocalVersion:  v.Local,
		ServerVersion: v.Server,
		Status:        models.QueuePending,
		EnqueuedAt:    time.Now(),
	}
	if err := q.store.Put(ctx, item); err != nil {
		return models.OfflineQueueItem{}, fmt.Errorf("persist queue item: %w", err)
	}
	q.log.Debug("queued offline change",
		zap.String("item_id", item.ID),
		zap.String("entity_id", entityID),
		zap.String("action", string(action)))
	return item, nil
}

// Sync drains pending items in FIFO order. For each item the authoritative
// version is fetched immediately before applying: an unchanged version is
// applied, an advanced one produces a Conflict, and a transport error
// marks the item failed for a later RetryFailed. Sync returns an error
// only for catastrophic conditions such as an unavailable store; a
// concurrent call while one is in flight is a no-op.
func (q *Queue) Sync(ctx context.Context) (SyncReport, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return SyncReport{}, ErrQueueClosed
	}
	if q.syncing {
		q.mu.Unlock()
		return SyncReport{}, nil
	}
	q.syncing = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.syncing = false
		q.mu.Unlock()
	}()

	items, err := q.store.List(ctx)
	if err != nil {
		return SyncReport{}, fmt.Errorf("list queue items: %w", err)
	}

	var report SyncReport
	for _, item := range items {
		if item.Status == models.QueueConflict {
			// Conflicts are durable but their Conflict objects are not;
			// after a restart they are rebuilt here so Conflicts and
			// ResolveConflict keep working. They stay excluded from the
			// report.
			q.ensureConflict(ctx, item)
			continue
		}
		if item.Status != models.QueuePending {
			continue
		}
		outcome := q.syncOne(ctx, item)
		report.Outcomes = append(report.Outcomes, outcome)
	}

	q.log.Info("offline queue synced",
		zap.Int("applied", report.Applied()),
		zap.Int("conflicted", report.Conflicted()),
		zap.Int("failed", report.Failed()))
	return report, nil
}

func (q *Queue) syncOne(ctx context.Context, item models.OfflineQueueItem) ItemOutcome {
	current, err := q.versions.CurrentVersion(ctx, item.EntityID)
	if err != nil {
		return q.markFailed(ctx, item, fmt.Errorf("fetch current version: %w", err))
	}

	if current != item.ServerVersion {
		serverPayload, fetchErr := q.applier.Fetch(ctx, item.EntityID)
		if fetchErr != nil {
			// The conflict stands either way; the payload is best effort.
			q.log.Warn("fetch server payload for conflict failed",
				zap.String("entity_id", item.EntityID), zap.Error(fetchErr))
		}
		conflict := models.Conflict{
			ItemID:        item.ID,
			EntityID:      item.EntityID,
			LocalPayload:  item.Payload,
			ServerPayload: serverPayload,
			ServerVersion: current,
			DetectedAt:    time.Now(),
		}
		item.Status = models.QueueConflict
		item.LastError = ""
		if err := q.store.Put(ctx, item); err != nil {
			return q.markFailed(ctx, item, fmt.Errorf("persist conflict status: %w", err))
		}
		q.mu.Lock()
		q.conflicts[item.ID] = conflict
		q.mu.Unlock()
		return ItemOutcome{ItemID: item.ID, Kind: OutcomeConflicted, Conflict: &conflict}
	}

	if err := q.applier.Apply(ctx, item); err != nil {
		return q.markFailed(ctx, item, err)
	}
	item.Status = models.QueueSynced
	item.LastError = ""
	if err := q.store.Put(ctx, item); err != nil {
		q.log.Warn("persist synced status failed", zap.String("item_id", item.ID), zap.Error(err))
	}
	return ItemOutcome{ItemID: item.ID, Kind: OutcomeApplied}
}

// ensureConflict returns the open Conflict for a durably conflicted
// item, rebuilding it when the in-memory object was lost to a restart.
// The authoritative version and payload are re-read; the original
// detection time is gone, so the rebuild time stands in for ordering.
func (q *Queue) ensureConflict(ctx context.Context, item models.OfflineQueueItem) models.Conflict {
	q.mu.Lock()
	if conflict, ok := q.conflicts[item.ID]; ok {
		q.mu.Unlock()
		return conflict
	}
	q.mu.Unlock()

	current, err := q.versions.CurrentVersion(ctx, item.EntityID)
	if err != nil {
		// Fall back to the version observed at enqueue time; a local
		// resolution will then conflict again rather than clobber.
		q.log.Warn("re-read version for conflict failed",
			zap.String("entity_id", item.EntityID), zap.Error(err))
		current = item.ServerVersion
	}
	serverPayload, err := q.applier.Fetch(ctx, item.EntityID)
	if err != nil {
		q.log.Warn("fetch server payload for conflict failed",
			zap.String("entity_id", item.EntityID), zap.Error(err))
	}

	conflict := models.Conflict{
		ItemID:        item.ID,
		EntityID:      item.EntityID,
		LocalPayload:  item.Payload,
		ServerPayload: serverPayload,
		ServerVersion: current,
		DetectedAt:    time.Now(),
	}
	q.mu.Lock()
	q.conflicts[item.ID] = conflict
	q.mu.Unlock()
	return conflict
}

func (q *Queue) markFailed(ctx context.Context, item models.OfflineQueueItem, cause error) ItemOutcome {
	item.Status = models.QueueFailed
	item.LastError = cause.Error()
	if err := q.store.Put(ctx, item); err != nil {
		q.log.Warn("persist failed status failed", zap.String("item_id", item.ID), zap.Error(err))
	}
	return ItemOutcome{ItemID: item.ID, Kind: OutcomeFailed, Err: cause}
}

// ResolveConflict applies the chosen side of an open conflict and clears
// it. Resolving with the local payload re-applies the queued change
// against the version observed at conflict time; resolving with the
// server side simply accepts the authoritative state.
func (q *Queue) ResolveConflict(ctx context.Context, itemID string, resolution Resolution) error {
	if err := q.guard(); err != nil {
		return err
	}
	item, err := q.store.Get(ctx, itemID)
	if err != nil {
		return fmt.Errorf("load conflicted item: %w", err)
	}
	if item == nil || item.Status != models.QueueConflict {
		return fmt.Errorf("%w: %s", ErrConflictNotFound, itemID)
	}
	conflict := q.ensureConflict(ctx, *item)

	if resolution == ResolutionLocal {
		forced := *item
		forced.ServerVersion = conflict.ServerVersion
		if err := q.applier.Apply(ctx, forced); err != nil {
			return fmt.Errorf("apply local resolution: %w", err)
		}
	}

	item.Status = models.QueueSynced
	item.LastError = ""
	if err := q.store.Put(ctx, *item); err != nil {
		return fmt.Errorf("persist resolution: %w", err)
	}
	q.mu.Lock()
	delete(q.conflicts, itemID)
	q.mu.Unlock()
	q.log.Info("conflict resolved",
		zap.String("item_id", itemID),
		zap.String("resolution", string(resolution)))
	return nil
}

// RetryFailed resets all failed items to pending and runs a Sync pass.
func (q *Queue) RetryFailed(ctx context.Context) (SyncReport, error) {
	if err := q.guard(); err != nil {
		return SyncReport{}, err
	}
	items, err := q.store.List(ctx)
	if err != nil {
		return SyncReport{}, fmt.Errorf("list queue items: %w", err)
	}
	for _, item := range items {
		if item.Status != models.QueueFailed {
			continue
		}
		item.Status = models.QueuePending
		item.LastError = ""
		if err := q.store.Put(ctx, item); err != nil {
			return SyncReport{}, fmt.Errorf("reset failed item %s: %w", item.ID, err)
		}
	}
	return q.Sync(ctx)
}

// Conflicts returns the open conflicts, oldest first.
func (q *Queue) Conflicts() []models.Conflict {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.Conflict, 0, len(q.conflicts))
	for _, c := range q.conflicts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].ItemID < out[j].ItemID
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out
}

// Counts reports the pending and failed totals for the UI.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	if err := q.guard(); err != nil {
		return Counts{}, err
	}
	items, err := q.store.List(ctx)
	if err != nil {
		return Counts{}, fmt.Errorf("list queue items: %w", err)
	}
	var c Counts
	for _, item := range items {
		switch item.Status {
		case models.QueuePending:
			c.Pending++
		case models.QueueFailed:
			c.Failed++
		}
	}
	return c, nil
}

// Clear drops all queue state, durable and in memory.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.guard(); err != nil {
		return err
	}
	if err := q.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear queue store: %w", err)
	}
	q.mu.Lock()
	q.conflicts = make(map[string]models.Conflict)
	q.mu.Unlock()
	return nil
}

// Close makes the queue reject further operations. It does not abort an
// in-flight Sync; its results are still committed.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *Queue) guard() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	return nil
}
