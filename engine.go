package trybesync

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/trybe-app/trybesync/pkg/constants"
	"github.com/trybe-app/trybesync/pkg/docstore"
	"github.com/trybe-app/trybesync/pkg/identity"
	"github.com/trybe-app/trybesync/pkg/kvstore"
	"github.com/trybe-app/trybesync/pkg/logger"
	"github.com/trybe-app/trybesync/pkg/models"
	"github.com/trybe-app/trybesync/pkg/objectstore"
	"github.com/trybe-app/trybesync/pkg/snapshot"
	"github.com/trybe-app/trybesync/pkg/txn"
)

// Engine is the single owner of the local model. UI code reads it through the
// accessor methods and changes it only through the intent methods.
type Engine struct {
	docs     docstore.Service
	objects  objectstore.Resolver
	kv       kvstore.Store
	cache    *snapshot.Cache
	ident    identity.Provider
	notifier Notifier
	log      logger.Logger
	cfg      Config
	clock    func() time.Time
	retryer  txn.Retryer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	obs    observers

	mu          sync.Mutex
	closed      bool
	groups      map[models.GroupID]*models.Group
	localOnly   map[models.GroupID]struct{}
	messages    map[models.GroupID][]models.Message
	cursors     map[string]time.Time
	unread      map[models.GroupID]int
	resolutions map[string]models.Resolution
	failed      map[string]struct{}
	inflight    map[string]struct{}
	profiles    map[models.UserID]models.Profile
	groupSubs   map[models.GroupID]*subscription
	chatSubs    map[models.GroupID]*subscription
	timers      map[models.GroupID]*time.Timer
	lanes       map[models.GroupID]*lane
}

// subscription is an entry of the registry. closed is guarded by Engine.mu and
// checked by every callback before it touches state.
type subscription struct {
	closed bool
	sub    docstore.Subscription
}

type Option func(*Engine)

func WithLogger(l logger.Logger) Option { return func(e *Engine) { e.log = l } }

func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

func WithObjectStore(r objectstore.Resolver) Option { return func(e *Engine) { e.objects = r } }

// WithKVStore sets the store backing the snapshot cache.
func WithKVStore(kv kvstore.Store) Option { return func(e *Engine) { e.kv = kv } }

func WithIdentity(p identity.Provider) Option { return func(e *Engine) { e.ident = p } }

func WithClock(clock func() time.Time) Option { return func(e *Engine) { e.clock = clock } }

func WithConfig(cfg Config) Option { return func(e *Engine) { e.cfg = cfg } }

// WithRetryer replaces the network retry policy applied to every remote call.
func WithRetryer(r txn.Retryer) Option { return func(e *Engine) { e.retryer = r } }

// New returns an engine bound to docs. Collaborators that are not provided
// default to in-memory or inert implementations.
func New(docs docstore.Service, opts ...Option) *Engine {
	e := &Engine{
		docs:        docs,
		cfg:         DefaultConfig(),
		clock:       time.Now,
		log:         logger.Nop(),
		groups:      make(map[models.GroupID]*models.Group),
		localOnly:   make(map[models.GroupID]struct{}),
		messages:    make(map[models.GroupID][]models.Message),
		cursors:     make(map[string]time.Time),
		unread:      make(map[models.GroupID]int),
		resolutions: make(map[string]models.Resolution),
		failed:      make(map[string]struct{}),
		inflight:    make(map[string]struct{}),
		profiles:    make(map[models.UserID]models.Profile),
		groupSubs:   make(map[models.GroupID]*subscription),
		chatSubs:    make(map[models.GroupID]*subscription),
		timers:      make(map[models.GroupID]*time.Timer),
		lanes:       make(map[models.GroupID]*lane),
	}
	for _, o := range opts {
		o(e)
	}
	if e.objects == nil {
		e.objects = objectstore.Func(func(context.Context, string) (string, error) {
			return "", fmt.Errorf("%w: no object store configured", constants.ErrResolutionFailure)
		})
	}
	if e.kv == nil {
		e.kv = kvstore.NewMemory()
	}
	if e.ident == nil {
		e.ident = identity.NewSession()
	}
	if e.notifier == nil {
		e.notifier = NotifierFunc(func(Notification) {})
	}
	if e.retryer == nil {
		e.retryer = txn.NewFixedDelayRetryer(e.cfg.NetworkBackoff, 1)
	}
	e.cache = snapshot.New(e.kv, snapshot.WithTTL(e.cfg.SnapshotTTL), snapshot.WithClock(e.clock))
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// OnChange registers fn for change events and returns its removal function.
// fn runs on engine goroutines and must not block.
func (e *Engine) OnChange(fn func(Change)) func() {
	return e.obs.on(fn)
}

// spawn runs fn on a tracked goroutine unless the engine is closed.
func (e *Engine) spawn(fn func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}

// async runs the remote part of an intent. A failure is notified and becomes
// the Op's error.
func (e *Engine) async(name string, group models.GroupID, fn func(ctx context.Context) error) *Op {
	op := newOp()
	ok := e.spawn(func() {
		if err := fn(e.ctx); err != nil {
			op.finish(e.fail(name, group, err))
			return
		}
		op.finish(nil)
	})
	if !ok {
		op.finish(newError(name, group, constants.ErrClosed))
	}
	return op
}

// intent applies local synchronously when the user is already known, and
// otherwise after the bounded identity wait, before running remote.
func (e *Engine) intent(name string, group models.GroupID, local func(models.UserID), remote func(context.Context, models.UserID) error) *Op {
	return e.queuedIntent(name, group, nil, local, remote)
}

// queuedIntent is intent whose background part starts only after the
// previous holder of t finished. t may be nil.
func (e *Engine) queuedIntent(name string, group models.GroupID, t *ticket, local func(models.UserID), remote func(context.Context, models.UserID) error) *Op {
	user, known := e.ident.Current()
	if known && local != nil {
		local(user)
	}
	return e.async(name, group, func(ctx context.Context) error {
		if t != nil {
			defer e.exitLane(group, t)
			if err := t.wait(ctx); err != nil {
				return err
			}
		}
		if !known {
			u, err := e.requireUser(ctx)
			if err != nil {
				return err
			}
			user = u
			if local != nil {
				local(user)
			}
		}
		return remote(ctx, user)
	})
}

func (e *Engine) requireUser(ctx context.Context) (models.UserID, error) {
	return e.ident.Wait(ctx, e.cfg.AuthWait)
}

// fail reports a critical failure. Optimistic state is left as it is.
func (e *Engine) fail(name string, group models.GroupID, err error) *Error {
	ee := newError(name, group, err)
	if errors.Is(err, constants.ErrClosed) || errors.Is(err, context.Canceled) {
		e.log.Debug("operation abandoned", "op", name, "group", group, "error", err)
		return ee
	}
	e.log.Error("operation failed", "op", name, "group", group, "kind", ee.Kind, "error", err)
	e.notifier.Notify(Notification{
		Level:   LevelError,
		Op:      name,
		GroupID: group,
		Kind:    ee.Kind,
		Message: ee.Message,
		Err:     ee,
		At:      e.clock(),
	})
	return ee
}

// absorb logs a failure of a non-critical path.
func (e *Engine) absorb(name string, group models.GroupID, err error) {
	e.log.Warn("non-critical operation failed", "op", name, "group", group, "kind", KindOf(err), "error", err)
}

func (e *Engine) retry(ctx context.Context, fn func(context.Context) error) error {
	return txn.Retry(ctx, e.retryer, nil, fn)
}

// Groups returns copies of all known groups ordered by schedule, then id.
func (e *Engine) Groups() []models.Group {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.groupsLocked()
}

func (e *Engine) groupsLocked() []models.Group {
	out := make([]models.Group, 0, len(e.groups))
	for _, g := range e.groups {
		out = append(out, g.Clone())
	}
	slices.SortFunc(out, func(a, b models.Group) int {
		if c := a.ScheduledAt.Compare(b.ScheduledAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (e *Engine) Group(id models.GroupID) (models.Group, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[id]
	if !ok {
		return models.Group{}, false
	}
	return g.Clone(), true
}

// Messages returns the reconciled list of a group, oldest first.
func (e *Engine) Messages(id models.GroupID) []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.messages[id])
}

func (e *Engine) Unread(id models.GroupID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unread[id]
}

// ReadCursor returns the current user's cursor in a group.
func (e *Engine) ReadCursor(id models.GroupID) (time.Time, bool) {
	user, ok := e.ident.Current()
	if !ok {
		return time.Time{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.cursors[models.CursorID(id, user)]
	return t, ok
}

// Subscribed reports whether the engine watches the group document and chat.
func (e *Engine) Subscribed(id models.GroupID) (group, chat bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, group = e.groupSubs[id]
	_, chat = e.chatSubs[id]
	return group, chat
}

func (e *Engine) upsertGroupLocked(g models.Group) {
	if g.ScheduleLabel == "" {
		g.ScheduleLabel = e.scheduleLabel(g.ScheduledAt)
	}
	g.ResolvedPhotos = e.displayPhotosLocked(g)
	e.groups[g.ID] = &g
}

func (e *Engine) scheduleLabel(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(e.cfg.ScheduleLayout)
}

func decodeGroup(snap docstore.Snapshot) (models.Group, error) {
	var g models.Group
	if err := snap.Decode(&g); err != nil {
		return g, err
	}
	g.ID = models.GroupID(snap.ID)
	return g, nil
}

// ensureGroup fetches a group missing from the local model.
func (e *Engine) ensureGroup(ctx context.Context, id models.GroupID) error {
	e.mu.Lock()
	_, ok := e.groups[id]
	e.mu.Unlock()
	if ok {
		return nil
	}
	_, err := e.fetchGroup(ctx, id)
	return err
}

// fetchGroup reads the authoritative group and replaces the local one.
func (e *Engine) fetchGroup(ctx context.Context, id models.GroupID) (models.Group, error) {
	var snap *docstore.Snapshot
	err := e.retry(ctx, func(ctx context.Context) error {
		var err error
		snap, err = e.docs.Get(ctx, constants.GroupsCollection, string(id))
		return err
	})
	if err != nil {
		return models.Group{}, err
	}
	g, err := decodeGroup(*snap)
	if err != nil {
		return models.Group{}, err
	}
	e.mu.Lock()
	e.upsertGroupLocked(g)
	g = e.groups[id].Clone()
	e.mu.Unlock()
	e.obs.emit([]Change{{Kind: ChangeGroups, GroupID: id}})
	return g, nil
}

// attach binds an opened remote subscription to its registry entry. It closes
// sub and reports false when the entry was torn down in the meantime.
func (e *Engine) attach(s *subscription, sub docstore.Subscription) bool {
	e.mu.Lock()
	if s.closed || e.closed {
		e.mu.Unlock()
		_ = sub.Close()
		return false
	}
	s.sub = sub
	e.mu.Unlock()
	return true
}

func (e *Engine) detached(s *subscription) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.closed || e.closed
}

// detachLocked marks s closed and returns the remote handle to close once the
// lock is released.
func detachLocked(s *subscription) docstore.Subscription {
	if s == nil {
		return nil
	}
	s.closed = true
	sub := s.sub
	s.sub = nil
	return sub
}

func closeAll(subs ...docstore.Subscription) {
	for _, s := range subs {
		if s != nil {
			_ = s.Close()
		}
	}
}

// watchGroup mirrors the authoritative group document locally. It is a no-op
// when the group is already watched.
func (e *Engine) watchGroup(ctx context.Context, id models.GroupID) {
	e.watchGroupIf(ctx, id, nil)
}

// watchGroupIf is watchGroup that also gives up when keep, called with the
// lock held, reports false.
func (e *Engine) watchGroupIf(ctx context.Context, id models.GroupID, keep func() bool) {
	e.mu.Lock()
	if e.closed || e.groupSubs[id] != nil || (keep != nil && !keep()) {
		e.mu.Unlock()
		return
	}
	s := &subscription{}
	e.groupSubs[id] = s
	e.mu.Unlock()

	sub, err := e.docs.WatchDocument(ctx, constants.GroupsCollection, string(id))
	if err != nil {
		e.mu.Lock()
		if e.groupSubs[id] == s {
			delete(e.groupSubs, id)
		}
		e.mu.Unlock()
		e.absorb("watch_group", id, err)
		return
	}
	if !e.attach(s, sub) {
		return
	}
	e.spawn(func() {
		for ev := range sub.Events() {
			if ev.Err != nil {
				e.endSubscription(e.groupSubs, id, s, ev.Err)
				return
			}
			e.applyGroupEvent(id, s, ev)
		}
	})
}

func (e *Engine) applyGroupEvent(id models.GroupID, s *subscription, ev docstore.Event) {
	var g models.Group
	if len(ev.Snapshots) > 0 {
		var err error
		if g, err = decodeGroup(ev.Snapshots[0]); err != nil {
			e.log.Warn("undecodable group document", "group", id, "error", err)
			return
		}
	}
	e.mu.Lock()
	if s.closed {
		e.mu.Unlock()
		return
	}
	if len(ev.Snapshots) == 0 {
		delete(e.groups, id)
	} else {
		e.upsertGroupLocked(g)
		delete(e.localOnly, id)
	}
	e.mu.Unlock()
	e.obs.emit([]Change{{Kind: ChangeGroups, GroupID: id}})
	if len(ev.Snapshots) > 0 {
		e.prefetch(g.Photos...)
	}
}

// endSubscription drops a registry entry whose remote stream ended.
func (e *Engine) endSubscription(reg map[models.GroupID]*subscription, id models.GroupID, s *subscription, err error) {
	e.mu.Lock()
	closed := s.closed
	if reg[id] == s {
		delete(reg, id)
	}
	s.closed = true
	e.mu.Unlock()
	if closed || errors.Is(err, constants.ErrClosed) {
		return
	}
	e.log.Warn("subscription ended", "group", id, "error", err)
}

// Close stops all subscriptions, flushes debounced writes and waits for
// background work. When ctx expires first the remaining work is cancelled.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	var subs []docstore.Subscription
	for id, s := range e.groupSubs {
		subs = append(subs, detachLocked(s))
		delete(e.groupSubs, id)
	}
	for id, s := range e.chatSubs {
		subs = append(subs, detachLocked(s))
		delete(e.chatSubs, id)
	}
	var pending []models.GroupID
	for id, t := range e.timers {
		if t.Stop() {
			pending = append(pending, id)
		}
		delete(e.timers, id)
	}
	e.mu.Unlock()

	closeAll(subs...)
	for _, id := range pending {
		e.flushPhotos(e.ctx, id)
		e.wg.Done()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	defer e.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return ctx.Err()
	}
}
