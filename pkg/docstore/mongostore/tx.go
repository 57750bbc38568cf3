package mongostore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/trybe-app/trybesync/pkg/constants"
	"github.com/trybe-app/trybesync/pkg/docstore"
)

type docKey struct {
	collection string
	id         string
}

// tx reads through the session and buffers writes until fn returns, so that
// reads observe earlier writes of the same attempt.
type tx struct {
	ctx    context.Context
	s      *Store
	writes map[docKey]docstore.Fields
	order  []docKey
}

func (t *tx) current(k docKey) (docstore.Fields, bool, error) {
	if f, ok := t.writes[k]; ok {
		return f, true, nil
	}
	snap, err := t.s.Get(t.ctx, k.collection, k.id)
	if errors.Is(err, constants.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
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

func (t *tx) flush(ctx context.Context) error {
	for _, k := range t.order {
		doc, err := document(k.id, t.writes[k])
		if err != nil {
			return err
		}
		_, err = t.s.coll(k.collection).ReplaceOne(ctx, bson.D{{Key: idKey, Value: k.id}}, doc, options.Replace().SetUpsert(true))
		if err != nil {
			return err
		}
	}
	return nil
}

// RunTransaction runs fn inside a MongoDB transaction. The driver retries the
// whole callback on transient errors such as write conflicts.
func (s *Store) RunTransaction(ctx context.Context, fn docstore.TxFunc) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return mapError(err)
	}
	defer sess.EndSession(context.Background())

	attempt := 0
	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		if attempt > 0 {
			s.log.Debug("mongostore transaction retry", "attempt", attempt)
		}
		attempt++
		t := &tx{ctx: ctx, s: s, writes: make(map[docKey]docstore.Fields)}
		if err := fn(ctx, t); err != nil {
			return nil, err
		}
		return nil, t.flush(ctx)
	})
	if err == nil {
		return nil
	}
	var se mongo.ServerError
	if errors.As(err, &se) && se.HasErrorLabel("TransientTransactionError") {
		return fmt.Errorf("after %d attempts: %w: %w", attempt, constants.ErrTransactionConflict, err)
	}
	return mapError(err)
}
