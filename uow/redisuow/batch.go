// Package redisuow writes to Redis through units of work with optimistic
// concurrency. Values read through a Batch are watched; the batch commits in a
// MULTI/EXEC transaction only if none of them changed in the meantime.
package redisuow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fxsml/microprocessor/uow"
)

type observation struct {
	value  string
	exists bool
}

type command struct {
	key   string
	value string
	ttl   time.Duration
	del   bool
}

// Batch buffers writes to Redis and commits them atomically when flushed. It
// implements uow.UnitOfWork.
type Batch struct {
	client redis.UniversalClient

	mu       sync.Mutex
	observed map[string]observation
	commands []command
}

var _ uow.UnitOfWork = (*Batch)(nil)

// New creates an empty batch on client.
func New(client redis.UniversalClient) *Batch {
	return &Batch{client: client, observed: make(map[string]observation)}
}

// Get reads key and watches it. The first value observed for a key is the
// one that must still be present at flush time. Pending writes of the batch
// are not visible.
func (b *Batch) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := b.client.Get(ctx, key).Result()
	exists := true
	if errors.Is(err, redis.Nil) {
		value, exists, err = "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redisuow: get %s: %w", key, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if o, ok := b.observed[key]; ok {
		return o.value, o.exists, nil
	}
	b.observed[key] = observation{value: value, exists: exists}
	return value, exists, nil
}

// Set buffers writing value to key. A zero ttl means no expiration.
func (b *Batch) Set(key, value string, ttl time.Duration) {
	b.add(command{key: key, value: value, ttl: ttl})
}

// Del buffers deleting key.
func (b *Batch) Del(key string) {
	b.add(command{key: key, del: true})
}

func (b *Batch) add(c command) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands = append(b.commands, c)
}

// RequiresFlush reports whether writes are pending.
func (b *Batch) RequiresFlush() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.commands) > 0
}

// Flush commits the pending writes if no watched key changed since it was
// read. Otherwise it fails with uow.ErrConcurrencyConflict and keeps the
// writes pending.
func (b *Batch) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.commands) == 0 {
		return nil
	}

	keys := slices.Sorted(maps.Keys(b.observed))
	txf := func(tx *redis.Tx) error {
		for _, key := range keys {
			if err := b.verify(ctx, tx, key); err != nil {
				return err
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, c := range b.commands {
				if c.del {
					pipe.Del(ctx, c.key)
					continue
				}
				pipe.Set(ctx, c.key, c.value, c.ttl)
			}
			return nil
		})
		return err
	}

	err := b.client.Watch(ctx, txf, keys...)
	switch {
	case err == nil:
		b.commands = nil
		clear(b.observed)
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("%w: watched keys changed", uow.ErrConcurrencyConflict)
	case errors.Is(err, uow.ErrConcurrencyConflict):
		return err
	default:
		return fmt.Errorf("redisuow: flush: %w", err)
	}
}

func (b *Batch) verify(ctx context.Context, tx *redis.Tx, key string) error {
	want := b.observed[key]
	value, err := tx.Get(ctx, key).Result()
	exists := true
	if errors.Is(err, redis.Nil) {
		value, exists, err = "", false, nil
	}
	if err != nil {
		return err
	}
	if exists != want.exists || value != want.value {
		return fmt.Errorf("%w: key %s changed", uow.ErrConcurrencyConflict, key)
	}
	return nil
}
