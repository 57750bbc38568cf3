// Package memstore is an in-process docstore.Service.
//
// It implements optimistic-concurrency transactions with automatic retry,
// document and query subscriptions, and failure injection through stubs so
// that engine behavior under conflicts, permission errors and network
// failures can be exercised without a real database.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trybe-app/trybesync/pkg/constants"
	"github.com/trybe-app/trybesync/pkg/docstore"
	"github.com/trybe-app/trybesync/pkg/logger"
)

// Method names an operation for stubs and call counting.
type Method string

const (
	MethodGet           Method = "get"
	MethodSet           Method = "set"
	MethodAdd           Method = "add"
	MethodUpdate        Method = "update"
	MethodList          Method = "list"
	MethodTransaction   Method = "transaction"
	MethodCommit        Method = "commit"
	MethodWatchDocument Method = "watch_document"
	MethodWatchQuery    Method = "watch_query"
)

// Stub injects a failure or delay into matching calls.
type Stub struct {
	Method Method
	// Collection restricts the stub to one collection when set.
	Collection string
	Err        error
	Delay      time.Duration
	// Times is how many calls the stub applies to. Zero means forever.
	Times int
}

type record struct {
	fields  docstore.Fields
	version uint64
}

type watcher struct {
	collection string
	// id is set for document watchers, query for query watchers.
	id    string
	query *docstore.Query
	feed  *docstore.Feed
}

type Store struct {
	mu       sync.Mutex
	cols     map[string]map[string]*record
	watchers map[uint64]*watcher
	nextID   uint64
	stubs    []*Stub
	calls    map[Method]int
	closed   bool

	maxAttempts int
	log         logger.Logger

	// BeforeCommit runs after a transaction function returned and before its
	// commit is validated. Tests use it to interleave a concurrent writer.
	BeforeCommit func(attempt int)
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

func New(opts ...Option) *Store {
	s := &Store{
		cols:        make(map[string]map[string]*record),
		watchers:    make(map[uint64]*watcher),
		calls:       make(map[Method]int),
		maxAttempts: constants.DefaultTxnAttempts,
		log:         logger.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ docstore.Service = (*Store)(nil)

// AddStub registers a failure injection. Later stubs take precedence.
func (s *Store) AddStub(stub Stub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := stub
	s.stubs = append([]*Stub{&st}, s.stubs...)
}

// FailNext makes the next n calls of m fail with err.
func (s *Store) FailNext(m Method, err error, n int) {
	s.AddStub(Stub{Method: m, Err: err, Times: n})
}

func (s *Store) ClearStubs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stubs = nil
}

// Calls reports how many times m was invoked.
func (s *Store) Calls(m Method) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[m]
}

// Watchers reports the number of open subscriptions.
func (s *Store) Watchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

// enter counts the call and applies a matching stub. The delay, if any, is
// served without holding the lock.
func (s *Store) enter(ctx context.Context, m Method, collection string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return constants.ErrClosed
	}
	s.calls[m]++
	var hit *Stub
	for i, st := range s.stubs {
		if st.Method != m || (st.Collection != "" && st.Collection != collection) {
			continue
		}
		hit = st
		if st.Times > 0 {
			st.Times--
			if st.Times == 0 {
				s.stubs = append(s.stubs[:i:i], s.stubs[i+1:]...)
			}
		}
		break
	}
	s.mu.Unlock()

	if hit == nil {
		return nil
	}
	if hit.Delay > 0 {
		timer := time.NewTimer(hit.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", constants.ErrNetworkFailure, ctx.Err())
		case <-timer.C:
		}
	}
	if hit.Err != nil {
		s.log.Debug("memstore stub fired", "method", string(m), "collection", collection, "error", hit.Err)
	}
	return hit.Err
}

func (s *Store) collection(name string) map[string]*record {
	c, ok := s.cols[name]
	if !ok {
		c = make(map[string]*record)
		s.cols[name] = c
	}
	return c
}

func snapshotOf(id string, r *record) docstore.Snapshot {
	f := make(docstore.Fields, len(r.fields))
	for k, v := range r.fields {
		f[k] = v
	}
	return docstore.Snapshot{ID: id, Fields: f}
}

func (s *Store) Get(ctx context.Context, collection, id string) (*docstore.Snapshot, error) {
	if err := s.enter(ctx, MethodGet, collection); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.cols[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, constants.ErrNotFound)
	}
	snap := snapshotOf(id, r)
	return &snap, nil
}

func (s *Store) Set(ctx context.Context, collection, id string, fields docstore.Fields) error {
	if err := s.enter(ctx, MethodSet, collection); err != nil {
		return err
	}
	norm, err := docstore.Normalize(fields)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write(collection, id, norm)
	return nil
}

func (s *Store) Add(ctx context.Context, collection string, fields docstore.Fields) (string, error) {
	if err := s.enter(ctx, MethodAdd, collection); err != nil {
		return "", err
	}
	norm, err := docstore.Normalize(fields)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write(collection, id, norm)
	return id, nil
}

func (s *Store) Update(ctx context.Context, collection, id string, ops ...docstore.Mutation) error {
	if err := s.enter(ctx, MethodUpdate, collection); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.cols[collection][id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, constants.ErrNotFound)
	}
	next, err := docstore.Apply(r.fields, ops...)
	if err != nil {
		return err
	}
	s.write(collection, id, next)
	return nil
}

func (s *Store) List(ctx context.Context, collection string) ([]docstore.Snapshot, error) {
	if err := s.enter(ctx, MethodList, collection); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]docstore.Snapshot, 0, len(s.cols[collection]))
	for id, r := range s.cols[collection] {
		out = append(out, snapshotOf(id, r))
	}
	docstore.SortSnapshots(out, "")
	return out, nil
}

// write stores fields and fans the change out. Callers hold s.mu.
func (s *Store) write(collection, id string, fields docstore.Fields) {
	c := s.collection(collection)
	r, ok := c[id]
	if !ok {
		r = &record{}
		c[id] = r
	}
	r.fields = fields
	r.version++
	s.notify(collection, id)
}

func (s *Store) notify(collection, id string) {
	for _, w := range s.watchers {
		if w.collection != collection {
			continue
		}
		if w.query == nil && w.id != id {
			continue
		}
		w.feed.Publish(s.eventFor(w))
	}
}

func (s *Store) eventFor(w *watcher) docstore.Event {
	if w.query == nil {
		r, ok := s.cols[w.collection][w.id]
		if !ok {
			return docstore.Event{Snapshots: []docstore.Snapshot{}}
		}
		return docstore.Event{Snapshots: []docstore.Snapshot{snapshotOf(w.id, r)}}
	}
	out := []docstore.Snapshot{}
	for id, r := range s.cols[w.collection] {
		if w.query.Matches(r.fields) {
			out = append(out, snapshotOf(id, r))
		}
	}
	docstore.SortSnapshots(out, w.query.OrderBy)
	if w.query.Limit > 0 && len(out) > w.query.Limit {
		out = out[len(out)-w.query.Limit:]
	}
	return docstore.Event{Snapshots: out}
}

func (s *Store) watch(w *watcher) *docstore.Feed {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	key := s.nextID
	w.feed = docstore.NewFeed(func() error {
		s.mu.Lock()
		delete(s.watchers, key)
		s.mu.Unlock()
		return nil
	})
	s.watchers[key] = w
	w.feed.Publish(s.eventFor(w))
	return w.feed
}

func (s *Store) WatchDocument(ctx context.Context, collection, id string) (docstore.Subscription, error) {
	if err := s.enter(ctx, MethodWatchDocument, collection); err != nil {
		return nil, err
	}
	return s.watch(&watcher{collection: collection, id: id}), nil
}

func (s *Store) WatchQuery(ctx context.Context, q docstore.Query) (docstore.Subscription, error) {
	if err := s.enter(ctx, MethodWatchQuery, q.Collection); err != nil {
		return nil, err
	}
	qc := q
	return s.watch(&watcher{collection: q.Collection, query: &qc}), nil
}

// Close fails all open subscriptions and rejects further calls.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	feeds := make([]*docstore.Feed, 0, len(s.watchers))
	for k, w := range s.watchers {
		feeds = append(feeds, w.feed)
		delete(s.watchers, k)
	}
	s.mu.Unlock()
	for _, f := range feeds {
		f.Fail(constants.ErrClosed)
	}
	return nil
}
