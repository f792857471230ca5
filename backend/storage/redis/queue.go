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

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jobtrail/e2ecore/client/offline"
	"github.com/jobtrail/e2ecore/models"
)

var _ offline.Store = (*QueueStore)(nil)

const (
	// Queued items survive long disconnections but not forever.
	queueItemTTL = 30 * 24 * time.Hour

	queueItemPrefix  = "queue:item:"  // queue:item:{owner}:{itemId} - item content
	queueIndexPrefix = "queue:index:" // queue:index:{owner} - list of item IDs in enqueue order
)

// QueueStore is a per-owner durable store for offline queue items. The
// index list preserves enqueue order so drains stay FIFO.
type QueueStore struct {
	rdb   *redis.Client
	owner string
}

func NewQueueStore(rdb *redis.Client, owner string) *QueueStore {
	return &QueueStore{rdb: rdb, owner: owner}
}

func (s *QueueStore) itemKey(id string) string {
	return queueItemPrefix + s.owner + ":" + id
}

func (s *QueueStore) indexKey() string {
	return queueIndexPrefix + s.owner
}

func (s *QueueStore) Put(ctx context.Context, item models.OfflineQueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal queue item: %w", err)
	}

	key := s.itemKey(item.ID)
	existed, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check queue item: %w", err)
	}

	if err := s.rdb.Set(ctx, key, data, queueItemTTL).Err(); err != nil {
		return fmt.Errorf("failed to store queue item: %w", err)
	}

	// Only first writes extend the index; updates keep their position.
	if existed == 0 {
		if err := s.rdb.RPush(ctx, s.indexKey(), item.ID).Err(); err != nil {
			return fmt.Errorf("failed to index queue item: %w", err)
		}
		s.rdb.Expire(ctx, s.indexKey(), queueItemTTL)
	}

	return nil
}

func (s *QueueStore) Get(ctx context.Context, id string) (*models.OfflineQueueItem, error) {
	data, err := s.rdb.Get(ctx, s.itemKey(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}

	var item models.OfflineQueueItem
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal queue item: %w", err)
	}
	return &item, nil
}

func (s *QueueStore) List(ctx context.Context) ([]models.OfflineQueueItem, error) {
	ids, err := s.rdb.LRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue index: %w", err)
	}

	var items []models.OfflineQueueItem
	for _, id := range ids {
		item, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if item == nil {
			// Expired item, drop the stale index entry.
			s.rdb.LRem(ctx, s.indexKey(), 1, id)
			continue
		}
		items = append(items, *item)
	}

	return items, nil
}

func (s *QueueStore) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, s.itemKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete queue item: %w", err)
	}
	return s.rdb.LRem(ctx, s.indexKey(), 1, id).Err()
}

func (s *QueueStore) Clear(ctx context.Context) error {
	ids, err := s.rdb.LRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to read queue index: %w", err)
	}

	for _, id := range ids {
		s.rdb.Del(ctx, s.itemKey(id))
	}
	return s.rdb.Del(ctx, s.indexKey()).Err()
}
