// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dedup remembers which Gmail messages have already been imported.
// Push notifications, history syncs and backfills overlap, so the same
// message id routinely arrives more than once.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long we remember a seen message id.
	// Gmail history ids stay valid for about a week; backfills beyond that
	// are caught by the unique index on the emails table instead.
	DefaultTTL = 8 * 24 * time.Hour

	// keyPrefix namespaces dedup keys in Redis.
	keyPrefix = "ticketing:seen:"
)

// Filter tracks which messages have already been processed.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis. A zero ttl uses DefaultTTL.
func NewFilter(rdb *redis.Client, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{
		rdb: rdb,
		ttl: ttl,
	}
}

func key(mailbox, messageID string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, mailbox, messageID)
}

// IsNew returns true if the message has NOT been seen before in mailbox.
// If true, the message is marked as seen atomically (SETNX).
func (f *Filter) IsNew(ctx context.Context, mailbox, messageID string) (bool, error) {
	// SET NX = set only if key does not exist. Returns true if the key was set.
	set, err := f.rdb.SetNX(ctx, key(mailbox, messageID), 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}

	return set, nil
}

// Forget releases a message so that a later sync processes it again.
// Called when processing fails after IsNew claimed it.
func (f *Filter) Forget(ctx context.Context, mailbox, messageID string) error {
	if err := f.rdb.Del(ctx, key(mailbox, messageID)).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}
