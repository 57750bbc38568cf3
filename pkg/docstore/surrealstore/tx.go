package surrealstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/trybe-app/trybesync/pkg/constants"
	"github.com/trybe-app/trybesync/pkg/docstore"
)

type docKey struct {
	collection string
	id         string
}

// tx buffers writes and remembers the revision of every document it read.
// Reads go to the database and observe the buffered writes of the same tx.
type tx struct {
	ctx    context.Context
	s      *Store
	reads  map[docKey]string
	cache  map[docKey]*docstore.Snapshot
	writes map[docKey]docstore.Fields
	order  []docKey
}

func (t *tx) current(k docKey) (docstore.Fields, bool, error) {
	if f, ok := t.writes[k]; ok {
		return f, true, nil
	}
	if snap, ok := t.cache[k]; ok {
		if snap == nil {
			return nil, false, nil
		}
		return snap.Fields, true, nil
	}
	snap, rev, err := t.s.get(t.ctx, k.collection, k.id)
	if errors.Is(err, constants.ErrNotFound) {
		t.reads[k] = ""
		t.cache[k] = nil
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	t.reads[k] = rev
	t.cache[k] = snap
	return snap.Fields, true, nil
}

func (t *tx) Get(collection, id string) (*docstore.Snapshot, error) {
	f, ok, err := t.current(docKey{collection, id})
	if err != nil {
		return nil, err
	}
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
	if err := checkIdent(collection); err != nil {
		return err
	}
	norm, err := docstore.Normalize(fields)
	if err != nil {
		return err
	}
	t.put(docKey{collection, id}, norm)
	return nil
}

func (t *tx) Update(collection, id string, ops ...docstore.Mutation) error {
	k := docKey{collection, id}
	f, ok, err := t.current(k)
	if err != nil {
		return err
	}
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

// commitQuery renders the transaction as one request: a revision check per
// document read, then one UPSERT per document written.
func (t *tx) commitQuery() (string, map[string]any, error) {
	var sb strings.Builder
	vars := make(map[string]any)
	sb.WriteString("BEGIN TRANSACTION;\n")
	i := 0
	for k, rev := range t.reads {
		r, v := fmt.Sprintf("r%d", i), fmt.Sprintf("v%d", i)
		vars[r] = recordID(k.collection, k.id)
		vars[v] = rev
		fmt.Fprintf(&sb, "IF ((SELECT VALUE %s FROM $%s)[0] ?? \"\") != $%s { THROW \"trybesync: write conflict\" };\n", revField, r, v)
		i++
	}
	for j, k := range t.order {
		b, err := body(t.writes[k])
		if err != nil {
			return "", nil, err
		}
		w, bv := fmt.Sprintf("w%d", j), fmt.Sprintf("b%d", j)
		vars[w] = recordID(k.collection, k.id)
		vars[bv] = b
		fmt.Fprintf(&sb, "UPSERT $%s CONTENT $%s RETURN NONE;\n", w, bv)
	}
	sb.WriteString("COMMIT TRANSACTION;")
	return sb.String(), vars, nil
}

// RunTransaction runs fn against a fresh view and commits when none of the
// documents it read changed in the meantime. On conflict fn runs again.
func (s *Store) RunTransaction(ctx context.Context, fn docstore.TxFunc) error {
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", constants.ErrNetworkFailure, err)
		}
		t := &tx{
			ctx:    ctx,
			s:      s,
			reads:  make(map[docKey]string),
			cache:  make(map[docKey]*docstore.Snapshot),
			writes: make(map[docKey]docstore.Fields),
		}
		if err := fn(ctx, t); err != nil {
			return err
		}
		if len(t.order) == 0 {
			return nil
		}
		sql, vars, err := t.commitQuery()
		if err != nil {
			return err
		}
		_, err = query[any](ctx, s.db, sql, vars)
		if err == nil {
			return nil
		}
		if !errors.Is(err, constants.ErrTransactionConflict) {
			return err
		}
		s.log.Debug("surrealstore transaction conflict", "attempt", attempt)
		if attempt+1 < s.maxAttempts {
			if err := s.pause(ctx, attempt); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("after %d attempts: %w", s.maxAttempts, constants.ErrTransactionConflict)
}

// pause waits out the conflict backoff before the next attempt.
func (s *Store) pause(ctx context.Context, attempt int) error {
	delay, ok := s.backoff.NextDelay(attempt, constants.ErrTransactionConflict)
	if !ok || delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", constants.ErrNetworkFailure, ctx.Err())
	case <-timer.C:
		return nil
	}
}
