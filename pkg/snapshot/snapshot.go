// Package snapshot caches the group collection in a local key-value store so
// that a cold start can paint before the remote store answers.
package snapshot

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/trybe-app/trybesync/pkg/constants"
	"github.com/trybe-app/trybesync/pkg/kvstore"
	"github.com/trybe-app/trybesync/pkg/models"
)

const DefaultKey = "trybesync.groups.v1"

type entry struct {
	SavedAt time.Time      `cbor:"saved_at"`
	Groups  []models.Group `cbor:"groups"`
}

type Cache struct {
	kv    kvstore.Store
	key   string
	ttl   time.Duration
	clock func() time.Time
	enc   cbor.EncMode
}

type Option func(*Cache)

func WithKey(key string) Option { return func(c *Cache) { c.key = key } }

func WithTTL(ttl time.Duration) Option { return func(c *Cache) { c.ttl = ttl } }

func WithClock(clock func() time.Time) Option { return func(c *Cache) { c.clock = clock } }

func New(kv kvstore.Store, opts ...Option) *Cache {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	c := &Cache{kv: kv, key: DefaultKey, ttl: constants.DefaultSnapshotTTL, clock: time.Now, enc: enc}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Hydrate returns the cached groups when a snapshot younger than the TTL
// exists. Missing, stale or unreadable snapshots yield (nil, false, nil) or
// an error describing why the blob was rejected.
func (c *Cache) Hydrate(ctx context.Context) ([]models.Group, bool, error) {
	blob, err := c.kv.Get(ctx, c.key)
	if errors.Is(err, constants.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, false, fmt.Errorf("snapshot blob: %w", err)
	}
	var e entry
	if err := cbor.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("snapshot blob: %w", err)
	}
	age := c.clock().Sub(e.SavedAt)
	if age < 0 || age >= c.ttl {
		return nil, false, nil
	}
	return e.Groups, true, nil
}

// Persist stores groups stamped with the current time. Errors are wrapped in
// ErrPersistenceFailure; callers are expected to log and move on.
func (c *Cache) Persist(ctx context.Context, groups []models.Group) error {
	raw, err := c.enc.Marshal(entry{SavedAt: c.clock(), Groups: groups})
	if err != nil {
		return fmt.Errorf("%w: %w", constants.ErrPersistenceFailure, err)
	}
	if err := c.kv.Set(ctx, c.key, base64.StdEncoding.EncodeToString(raw)); err != nil {
		if errors.Is(err, constants.ErrPersistenceFailure) {
			return err
		}
		return fmt.Errorf("%w: %w", constants.ErrPersistenceFailure, err)
	}
	return nil
}
