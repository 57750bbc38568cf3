package memstore

import (
	"context"
	"fmt"

	"github.com/trybe-app/trybesync/pkg/constants"
	"github.com/trybe-app/trybesync/pkg/docstore"
)

type docKey struct {
	collection string
	id         string
}

// tx buffers writes and records the version of every document it read.
type tx struct {
	s      *Store
	reads  map[docKey]uint64
	writes map[docKey]docstore.Fields
	order  []docKey
}

func (t *tx) current(k docKey) (docstore.Fields, bool) {
	if f, ok := t.writes[k]; ok {
		return f, true
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	r, ok := t.s.cols[k.collection][k.id]
	if _, seen := t.reads[k]; !seen {
		if ok {
			t.reads[k] = r.version
		} else {
			t.reads[k] = 0
		}
	}
	if !ok {
		return nil, false
	}
	return snapshotOf(k.id, r).Fields, true
}

func (t *tx) Get(collection, id string) (*docstore.Snapshot, error) {
	f, ok := t.current(docKey{collection, id})
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, constants.ErrNotFound)
	}
	return &docstore.Snapshot{ID: id, Fields: f}, nil
}

func (t *tx) put(k docKey, f docstore.Fields) {
	if _, ok := t.writes[k]; !ok {
		t.order = append(t.order, k)
	}
	t.writes[k] = f
}

func (t *tx) Set(collection, id string, fields docstore.Fields) error {
	norm, err := docstore.Normalize(fields)
	if err != nil {
		return err
	}
	t.put(docKey{collection, id}, norm)
	return nil
}

func (t *tx) Update(collection, id string, ops ...docstore.Mutation) error {
	k := docKey{collection, id}
	f, ok := t.current(k)
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, constants.ErrNotFound)
	}
	next, err := docstore.Apply(f, ops...)
	if err != nil {
		return err
	}
	t.put(k, next)
	return nil
}

// RunTransaction runs fn against a fresh view and commits when none of the
// documents it read changed in the meantime. On conflict fn runs again, up to
// the configured number of attempts.
func (s *Store) RunTransaction(ctx context.Context, fn docstore.TxFunc) error {
	if err := s.enter(ctx, MethodTransaction, ""); err != nil {
		return err
	}
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", constants.ErrNetworkFailure, err)
		}
		t := &tx{
			s:      s,
			reads:  make(map[docKey]uint64),
			writes: make(map[docKey]docstore.Fields),
		}
		if err := fn(ctx, t); err != nil {
			return err
		}
		if s.BeforeCommit != nil {
			s.BeforeCommit(attempt)
		}
		if err := s.enter(ctx, MethodCommit, ""); err != nil {
			return err
		}
		if s.commit(t) {
			return nil
		}
		s.log.Debug("memstore transaction conflict", "attempt", attempt)
	}
	return fmt.Errorf("after %d attempts: %w", s.maxAttempts, constants.ErrTransactionConflict)
}

func (s *Store) commit(t *tx) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range t.reads {
		var cur uint64
		if r, ok := s.cols[k.collection][k.id]; ok {
			cur = r.version
		}
		if cur != v {
			return false
		}
	}
	for _, k := range t.order {
		s.write(k.collection, k.id, t.writes[k])
	}
	return true
}
