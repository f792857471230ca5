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

	"github.com/redis/go-redis/v9"

	"github.com/jobtrail/e2ecore/models"
)

const (
	// Redis channel prefixes for real-time message delivery
	newMessagePrefix    = "msg:new:"    // msg:new:{conversationId}
	updateMessagePrefix = "msg:update:" // msg:update:{conversationId}
)

// PubSub fans out ciphertext message events per conversation. Payloads
// stay encrypted end to end; the broker only sees envelope metadata and
// ciphertext bytes.
type PubSub struct {
	rdb *redis.Client
}

func NewPubSub(rdb *redis.Client) *PubSub {
	return &PubSub{rdb: rdb}
}

func (p *PubSub) PublishNew(ctx context.Context, msg models.Message) error {
	return p.publish(ctx, newMessagePrefix+msg.ConversationID, msg)
}

func (p *PubSub) PublishUpdate(ctx context.Context, msg models.Message) error {
	return p.publish(ctx, updateMessagePrefix+msg.ConversationID, msg)
}

func (p *PubSub) publish(ctx context.Context, channel string, msg models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message event: %w", err)
	}
	if err := p.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// SubscribeConversation subscribes to both the new-message and update
// channels of one conversation. The caller owns the returned PubSub and
// must Close it.
func (p *PubSub) SubscribeConversation(ctx context.Context, conversationID string) *redis.PubSub {
	return p.rdb.Subscribe(ctx,
		newMessagePrefix+conversationID,
		updateMessagePrefix+conversationID)
}

// IsUpdateChannel reports whether a received channel name carries edits
// and deletions rather than new messages.
func IsUpdateChannel(channel string) bool {
	return len(channel) > len(updateMessagePrefix) && channel[:len(updateMessagePrefix)] == updateMessagePrefix
}
