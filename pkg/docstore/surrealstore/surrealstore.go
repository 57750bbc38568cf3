// Package surrealstore implements docstore.Service on SurrealDB.
//
// Every collection is a table and every document a record whose id is the
// document id. A hidden _rev field holds a random revision that changes on
// each write; transactions read it and refuse to commit when it moved, which
// is how optimistic concurrency is layered over SurrealDB's single-request
// transactions.
//
// Subscriptions use table-wide live queries. Each notification that concerns
// the watched document or query triggers a re-read, so events always carry
// full current state like the other implementations do.
package surrealstore

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	sdbmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/trybe-app/trybesync/pkg/constants"
	"github.com/trybe-app/trybesync/pkg/docstore"
	"github.com/trybe-app/trybesync/pkg/logger"
	"github.com/trybe-app/trybesync/pkg/txn"
)

const revField = "_rev"

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config locates the database.
type Config struct {
	// URL is a ws://, wss://, http:// or https:// endpoint, for example
	// ws://localhost:8000/rpc.
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
}

type Store struct {
	db          *surrealdb.DB
	log         logger.Logger
	maxAttempts int
	backoff     txn.Retryer
}

type Option func(*Store)

func WithLogger(l logger.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithMaxAttempts bounds transaction retries on conflict.
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithConflictBackoff sets the delay between attempts of a conflicting
// transaction.
func WithConflictBackoff(r txn.Retryer) Option {
	return func(s *Store) {
		if r != nil {
			s.backoff = r
		}
	}
}

func defaultBackoff() txn.Retryer {
	return &txn.ExponentialBackoffRetryer{
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   2,
		JitterFactor: 0.2,
	}
}

var _ docstore.Service = (*Store)(nil)

// Open connects, signs in when credentials are given and selects the
// namespace and database.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	db, err := surrealdb.FromEndpointURLString(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.URL, mapError(err))
	}
	if cfg.Username != "" {
		if _, err := db.SignIn(ctx, map[string]any{"user": cfg.Username, "pass": cfg.Password}); err != nil {
			_ = db.Close(ctx)
			return nil, fmt.Errorf("sign in: %w", mapError(err))
		}
	}
	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = db.Close(ctx)
		return nil, fmt.Errorf("use %s/%s: %w", cfg.Namespace, cfg.Database, mapError(err))
	}
	return New(db, opts...), nil
}

// New wraps an already configured connection.
func New(db *surrealdb.DB, opts ...Option) *Store {
	s := &Store{db: db, log: logger.Nop(), maxAttempts: constants.DefaultTxnAttempts, backoff: defaultBackoff()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func recordID(collection, id string) sdbmodels.RecordID {
	return sdbmodels.NewRecordID(collection, id)
}

func checkIdent(name string) error {
	if !identRE.MatchString(name) {
		return fmt.Errorf("surrealstore: invalid identifier %q", name)
	}
	return nil
}

func newRev() string { return uuid.NewString() }

// query runs one or more statements and returns the result of the last one.
func query[T any](ctx context.Context, db *surrealdb.DB, sql string, vars map[string]any) (T, error) {
	var zero T
	res, err := surrealdb.Query[T](ctx, db, sql, vars)
	if err != nil {
		return zero, mapError(err)
	}
	if res == nil || len(*res) == 0 {
		return zero, nil
	}
	return (*res)[len(*res)-1].Result, nil
}

func (s *Store) get(ctx context.Context, collection, id string) (*docstore.Snapshot, string, error) {
	if err := checkIdent(collection); err != nil {
		return nil, "", err
	}
	rows, err := query[[]map[string]any](ctx, s.db, "SELECT * FROM $rid", map[string]any{"rid": recordID(collection, id)})
	if err != nil {
		return nil, "", err
	}
	if len(rows) == 0 {
		return nil, "", fmt.Errorf("%s/%s: %w", collection, id, constants.ErrNotFound)
	}
	snap, rev, err := toSnapshot(rows[0])
	if err != nil {
		return nil, "", err
	}
	return &snap, rev, nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (*docstore.Snapshot, error) {
	snap, _, err := s.get(ctx, collection, id)
	return snap, err
}

func (s *Store) Set(ctx context.Context, collection, id string, fields docstore.Fields) error {
	if err := checkIdent(collection); err != nil {
		return err
	}
	body, err := body(fields)
	if err != nil {
		return err
	}
	_, err = query[any](ctx, s.db, "UPSERT $rid CONTENT $body RETURN NONE", map[string]any{
		"rid":  recordID(collection, id),
		"body": body,
	})
	return err
}

func (s *Store) Add(ctx context.Context, collection string, fields docstore.Fields) (string, error) {
	id := uuid.NewString()
	if err := s.Set(ctx, collection, id, fields); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Update(ctx context.Context, collection, id string, ops ...docstore.Mutation) error {
	if err := checkIdent(collection); err != nil {
		return err
	}
	set, vars, err := buildSet(ops)
	if err != nil {
		return err
	}
	vars["rid"] = recordID(collection, id)
	rows, err := query[[]map[string]any](ctx, s.db, "UPDATE $rid SET "+set+" RETURN AFTER", vars)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, constants.ErrNotFound)
	}
	return nil
}

func (s *Store) List(ctx context.Context, collection string) ([]docstore.Snapshot, error) {
	if err := checkIdent(collection); err != nil {
		return nil, err
	}
	rows, err := query[[]map[string]any](ctx, s.db, "SELECT * FROM type::table($tb)", map[string]any{"tb": collection})
	if err != nil {
		return nil, err
	}
	return toSnapshots(rows)
}

func (s *Store) Close() error {
	return s.db.Close(context.Background())
}
