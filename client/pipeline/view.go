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

package pipeline

import (
	"context"
	"sync"

	"github.com/jobtrail/e2ecore/models"
)

// View is the live decrypted state of one open conversation. Seq is the
// sole ordering authority: appends trust arrival order and updates replace
// in place; the view never re-sorts.
type View struct {
	pipeline       *Pipeline
	conversationID string
	pageSize       int
	onAppend       func(DecryptedMessage)
	onUpdate       func(DecryptedMessage)

	mu       sync.Mutex
	messages []DecryptedMessage
	cursor   *int64
	hasMore  bool
	// loading is the publicly observable busy flag; loadingMore is the
	// reentrancy guard that makes LoadMore single-flight. They are kept
	// separate so observers resetting the UI cannot race a second fetch
	// into a double prepend.
	loading     bool
	loadingMore bool
	// generation is bumped by Load and Close and checked before a fetch
	// result is committed, so a page that resolves after a reload or
	// teardown cannot mutate a stale view.
	generation int
	// liveEpoch is the liveness token captured at subscribe time; only
	// Close advances it, gating late-arriving subscription results.
	liveEpoch int
	closed    bool
	unsubNew  func()
	unsubUpd  func()
}

// Load fetches the most recent page and replaces the view's contents.
func (v *View) Load(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrViewClosed
	}
	v.generation++
	gen := v.generation
	v.loading = true
	v.mu.Unlock()

	page, err := v.pipeline.transport.History(ctx, v.conversationID, nil, v.pageSize)
	if err != nil {
		v.finishLoad(gen, nil, nil, false, false)
		return err
	}
	decrypted := v.pipeline.decryptBatch(ctx, page.Messages)
	v.finishLoad(gen, decrypted, page.Cursor, page.HasMore, false)
	return nil
}

// LoadMore fetches the page strictly older than the current oldest
// cursor and prepends it. Concurrent calls collapse into one fetch and
// exactly one prepend.
func (v *View) LoadMore(ctx context.Context) error {
	v.mu.Lock()
	if v.closed || !v.hasMore || v.loadingMore {
		v.mu.Unlock()
		return nil
	}
	v.loadingMore = true
	v.loading = true
	gen := v.generation
	cursor := v.cursor
	v.mu.Unlock()

	page, err := v.pipeline.transport.History(ctx, v.conversationID, cursor, v.pageSize)
	if err != nil {
		v.finishLoad(gen, nil, nil, false, true)
		return err
	}
	decrypted := v.pipeline.decryptBatch(ctx, page.Messages)
	v.finishLoad(gen, decrypted, page.Cursor, page.HasMore, true)
	return nil
}

// finishLoad commits a fetch result unless the view moved on.
func (v *View) finishLoad(gen int, decrypted []DecryptedMessage, cursor *int64, hasMore, prepend bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if prepend {
		v.loadingMore = false
	}
	v.loading = false
	if v.closed || v.generation != gen || decrypted == nil {
		return
	}
	if prepend {
		v.messages = append(decrypted, v.messages...)
	} else {
		v.messages = decrypted
	}
	v.cursor = cursor
	v.hasMore = hasMore
}

// Messages returns a snapshot of the current decrypted view.
func (v *View) Messages() []DecryptedMessage {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]DecryptedMessage, len(v.messages))
	copy(out, v.messages)
	return out
}

// Loading reports the observable busy flag.
func (v *View) Loading() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loading
}

// HasMore reports whether older history remains.
func (v *View) HasMore() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hasMore
}

// Close tears the view down. It is synchronous and idempotent; results
// arriving after Close are discarded by the generation check.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.generation++
	v.liveEpoch++
	unsubNew, unsubUpd := v.unsubNew, v.unsubUpd
	v.unsubNew, v.unsubUpd = nil, nil
	v.mu.Unlock()

	if unsubNew != nil {
		unsubNew()
	}
	if unsubUpd != nil {
		unsubUpd()
	}
}

func (v *View) subscribe() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrViewClosed
	}
	epoch := v.liveEpoch
	v.mu.Unlock()

	unsubNew, err := v.pipeline.transport.SubscribeNew(v.conversationID, func(m models.Message) {
		v.handleNew(epoch, m)
	})
	if err != nil {
		return err
	}
	unsubUpd, err := v.pipeline.transport.SubscribeUpdates(v.conversationID, func(m models.Message) {
		v.handleUpdate(epoch, m)
	})
	if err != nil {
		unsubNew()
		return err
	}

	v.mu.Lock()
	if v.closed {
		// Lost the race with Close; undo immediately.
		v.mu.Unlock()
		unsubNew()
		unsubUpd()
		return ErrViewClosed
	}
	v.unsubNew, v.unsubUpd = unsubNew, unsubUpd
	v.mu.Unlock()
	return nil
}

// handleNew appends an inbound message at the tail, trusting arrival
// order within the subscription.
func (v *View) handleNew(epoch int, m models.Message) {
	dm := v.pipeline.decryptOne(context.Background(), m)

	v.mu.Lock()
	if v.closed || v.liveEpoch != epoch {
		v.mu.Unlock()
		return
	}
	v.messages = append(v.messages, dm)
	onAppend := v.onAppend
	v.mu.Unlock()

	if onAppend != nil {
		onAppend(dm)
	}
}

// handleUpdate replaces the matching entry by ID in place, preserving its
// position. Unknown IDs (edits to messages outside the loaded window) are
// dropped.
func (v *View) handleUpdate(epoch int, m models.Message) {
	dm := v.pipeline.decryptOne(context.Background(), m)

	v.mu.Lock()
	if v.closed || v.liveEpoch != epoch {
		v.mu.Unlock()
		return
	}
	replaced := false
	for i := range v.messages {
		if v.messages[i].ID == dm.ID {
			v.messages[i] = dm
			replaced = true
			break
		}
	}
	onUpdate := v.onUpdate
	v.mu.Unlock()

	if replaced && onUpdate != nil {
		onUpdate(dm)
	}
}
