package trybesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trybe-app/trybesync/internal/testenv"
	"github.com/trybe-app/trybesync/pkg/constants"
	"github.com/trybe-app/trybesync/pkg/docstore"
	"github.com/trybe-app/trybesync/pkg/docstore/memstore"
	"github.com/trybe-app/trybesync/pkg/identity"
	"github.com/trybe-app/trybesync/pkg/kvstore"
	"github.com/trybe-app/trybesync/pkg/logger"
	"github.com/trybe-app/trybesync/pkg/models"
)

const (
	alice models.UserID = "alice"
	bob   models.UserID = "bob"
)

var t0 = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store   *memstore.Store
	session *identity.Session
	objects *testenv.Resolver
	kv      *kvstore.Memory
	clock   *testClock
	notes   *ChannelNotifier
	logs    *testenv.LogHandler
	cfg     Config
	engine  *Engine
}

type fixtureOption func(*fixture)

func withSession(s *identity.Session) fixtureOption { return func(f *fixture) { f.session = s } }

func withKV(kv *kvstore.Memory) fixtureOption { return func(f *fixture) { f.kv = kv } }

func withConfig(fn func(*Config)) fixtureOption { return func(f *fixture) { fn(&f.cfg) } }

func withClockAt(t time.Time) fixtureOption { return func(f *fixture) { f.clock.now = t } }

func withObjects(urls map[string]string) fixtureOption {
	return func(f *fixture) { f.objects = testenv.NewResolver(urls) }
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AuthWait = 100 * time.Millisecond
	cfg.NetworkBackoff = time.Millisecond
	cfg.PersistDebounce = 0
	cfg.CategoryImages = map[string]string{"hiking": "https://static.example.com/hiking.jpg"}
	cfg.DefaultImage = "https://static.example.com/default.jpg"
	return cfg
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{
		store:   memstore.New(),
		session: identity.NewSignedIn(alice),
		objects: testenv.NewResolver(nil),
		kv:      kvstore.NewMemory(),
		clock:   &testClock{now: t0},
		notes:   NewChannelNotifier(16),
		logs:    testenv.NewLogHandler(),
		cfg:     testConfig(),
	}
	for _, o := range opts {
		o(f)
	}
	f.engine = New(f.store,
		WithConfig(f.cfg),
		WithIdentity(f.session),
		WithObjectStore(f.objects),
		WithKVStore(f.kv),
		WithClock(f.clock.Now),
		WithNotifier(f.notes),
		WithLogger(logger.New(f.logs)),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, f.engine.Close(ctx))
	})
	return f
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (f *fixture) refresh(t *testing.T) {
	t.Helper()
	require.NoError(t, f.engine.Refresh().Wait(testCtx(t)))
}

func (f *fixture) close(t *testing.T) {
	t.Helper()
	require.NoError(t, f.engine.Close(testCtx(t)))
}

func (f *fixture) nextNote(t *testing.T) Notification {
	t.Helper()
	select {
	case n := <-f.notes.C():
		return n
	case <-time.After(waitFor):
		t.Fatal("no notification")
		return Notification{}
	}
}

// climbGroup has capacity 10 and three members, none of them alice.
func climbGroup() models.Group {
	return models.Group{
		ID:          "g1",
		Name:        "Sunset climb",
		Location:    "Boulder",
		ScheduledAt: t0.Add(48 * time.Hour),
		Capacity:    10,
		MemberCount: 3,
		Members:     []models.UserID{bob, "carol", "dave"},
		CreatorID:   bob,
		Category:    "hiking",
		CreatedAt:   t0.Add(-24 * time.Hour),
	}
}

func joinedGroup() models.Group {
	g := climbGroup()
	g.Members = append(g.Members, alice)
	g.MemberCount = 4
	return g
}

func TestJoinScenario(t *testing.T) {
	f := newFixture(t)
	testenv.SeedGroup(t, f.store, climbGroup())
	f.refresh(t)

	op := f.engine.JoinGroup("g1")

	g, ok := f.engine.Group("g1")
	require.True(t, ok)
	assert.Equal(t, 4, g.MemberCount, "optimistic count visible on intent")
	assert.Equal(t, 10, g.Capacity)
	assert.True(t, g.HasMember(alice))

	require.NoError(t, op.Wait(testCtx(t)))
	remote := testenv.LoadGroup(t, f.store, "g1")
	assert.Equal(t, 4, remote.MemberCount)
	assert.True(t, remote.HasMember(alice))

	watched, _ := f.engine.Subscribed("g1")
	require.True(t, watched)

	// another client joins: the authoritative document is mirrored locally
	require.NoError(t, f.store.Update(testCtx(t), constants.GroupsCollection, "g1",
		docstore.ArrayUnion("members", "erin"), docstore.Increment("member_count", 1)))
	assert.Eventually(t, func() bool {
		g, _ := f.engine.Group("g1")
		return g.MemberCount == 5 && g.HasMember("erin") && g.HasMember(alice)
	}, waitFor, tick)
}

func TestJoinLeaveSequences(t *testing.T) {
	type step int
	const (
		join step = iota
		leave
	)
	tests := []struct {
		name   string
		steps  []step
		member bool
		count  int
	}{
		{"join", []step{join}, true, 4},
		{"join twice", []step{join, join}, true, 4},
		{"join leave", []step{join, leave}, false, 3},
		{"join leave leave", []step{join, leave, leave}, false, 3},
		{"join leave join", []step{join, leave, join}, true, 4},
		{"leave join join leave", []step{leave, join, join, leave}, false, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			testenv.SeedGroup(t, f.store, climbGroup())
			f.refresh(t)

			for _, s := range tt.steps {
				var op *Op
				if s == join {
					op = f.engine.JoinGroup("g1")
				} else {
					op = f.engine.LeaveGroup("g1")
				}
				require.NoError(t, op.Wait(testCtx(t)))
			}

			remote := testenv.LoadGroup(t, f.store, "g1")
			assert.Equal(t, tt.member, remote.HasMember(alice))
			assert.Equal(t, tt.count, remote.MemberCount)
			assert.Len(t, remote.Members, tt.count, "count matches member list")
			local, _ := f.engine.Group("g1")
			assert.Equal(t, tt.member, local.HasMember(alice))
		})
	}
}

func TestMembershipIntentsApplyInOrder(t *testing.T) {
	t.Run("leave while join in flight", func(t *testing.T) {
		f := newFixture(t)
		testenv.SeedGroup(t, f.store, climbGroup())
		f.refresh(t)
		f.store.AddStub(memstore.Stub{Method: memstore.MethodTransaction, Delay: 200 * time.Millisecond, Times: 1})

		join := f.engine.JoinGroup("g1")
		time.Sleep(20 * time.Millisecond)
		leave := f.engine.LeaveGroup("g1")
		require.NoError(t, join.Wait(testCtx(t)))
		require.NoError(t, leave.Wait(testCtx(t)))

		remote := testenv.LoadGroup(t, f.store, "g1")
		assert.False(t, remote.HasMember(alice))
		assert.Equal(t, 3, remote.MemberCount)
		local, _ := f.engine.Group("g1")
		assert.False(t, local.HasMember(alice))
		assert.Equal(t, 3, local.MemberCount)
		group, _ := f.engine.Subscribed("g1")
		assert.False(t, group, "no watch left behind by the earlier join")
		assert.Zero(t, f.store.Watchers())
	})

	t.Run("join while leave in flight", func(t *testing.T) {
		f := newFixture(t)
		testenv.SeedGroup(t, f.store, joinedGroup())
		f.refresh(t)
		f.store.AddStub(memstore.Stub{Method: memstore.MethodTransaction, Delay: 200 * time.Millisecond, Times: 1})

		leave := f.engine.LeaveGroup("g1")
		time.Sleep(20 * time.Millisecond)
		join := f.engine.JoinGroup("g1")
		require.NoError(t, leave.Wait(testCtx(t)))
		require.NoError(t, join.Wait(testCtx(t)))

		remote := testenv.LoadGroup(t, f.store, "g1")
		assert.True(t, remote.HasMember(alice))
		assert.Equal(t, 4, remote.MemberCount)
		assert.Eventually(t, func() bool {
			g, _ := f.engine.Group("g1")
			return g.HasMember(alice) && g.MemberCount == 4
		}, waitFor, tick)
		group, _ := f.engine.Subscribed("g1")
		assert.True(t, group)
	})

	t.Run("rapid toggles", func(t *testing.T) {
		f := newFixture(t)
		testenv.SeedGroup(t, f.store, climbGroup())
		f.refresh(t)
		f.store.AddStub(memstore.Stub{Method: memstore.MethodTransaction, Delay: 30 * time.Millisecond})

		var ops []*Op
		for range 3 {
			ops = append(ops, f.engine.JoinGroup("g1"), f.engine.LeaveGroup("g1"))
		}
		for _, op := range ops {
			require.NoError(t, op.Wait(testCtx(t)))
		}
		remote := testenv.LoadGroup(t, f.store, "g1")
		assert.False(t, remote.HasMember(alice))
		assert.Equal(t, 3, remote.MemberCount)
		group, _ := f.engine.Subscribed("g1")
		assert.False(t, group)
	})
}

func TestLeaveWhenNotMember(t *testing.T) {
	t.Run("cached", func(t *testing.T) {
		f := newFixture(t)
		testenv.SeedGroup(t, f.store, climbGroup())
		f.refresh(t)

		op := f.engine.LeaveGroup("g1")
		select {
		case <-op.Done():
		default:
			t.Fatal("leave of a non-member must complete synchronously")
		}
		assert.NoError(t, op.Err())
		assert.Zero(t, f.store.Calls(memstore.MethodTransaction))
		assert.Zero(t, f.store.Calls(memstore.MethodUpdate))
		g, _ := f.engine.Group("g1")
		assert.Equal(t, 3, g.MemberCount)
	})

	t.Run("uncached", func(t *testing.T) {
		f := newFixture(t)
		testenv.SeedGroup(t, f.store, climbGroup())

		require.NoError(t, f.engine.LeaveGroup("g1").Wait(testCtx(t)))
		assert.Equal(t, 1, f.store.Calls(memstore.MethodGet), "group fetched first")
		assert.Zero(t, f.store.Calls(memstore.MethodTransaction))
		assert.Zero(t, f.store.Calls(memstore.MethodUpdate))
		assert.Equal(t, 3, testenv.LoadGroup(t, f.store, "g1").MemberCount)
	})
}

func TestLeaveFloorsCount(t *testing.T) {
	f := newFixture(t)
	g := joinedGroup()
	g.Members = []models.UserID{alice}
	g.MemberCount = 0 // drifted
	testenv.SeedGroup(t, f.store, g)
	f.refresh(t)

	require.NoError(t, f.engine.LeaveGroup("g1").Wait(testCtx(t)))
	local, _ := f.engine.Group("g1")
	assert.Equal(t, 1, local.MemberCount, "display count stays positive")
	remote := testenv.LoadGroup(t, f.store, "g1")
	assert.Equal(t, 0, remote.MemberCount, "remote count never goes negative")
	assert.Empty(t, remote.Members)
}

func TestJoinFallsBack(t *testing.T) {
	f := newFixture(t)
	testenv.SeedGroup(t, f.store, climbGroup())
	f.refresh(t)
	f.store.FailNext(memstore.MethodTransaction, constants.ErrTransactionConflict, 1)

	require.NoError(t, f.engine.JoinGroup("g1").Wait(testCtx(t)))

	remote := testenv.LoadGroup(t, f.store, "g1")
	assert.True(t, remote.HasMember(alice))
	assert.Equal(t, 4, remote.MemberCount)
	assert.Equal(t, 1, f.store.Calls(memstore.MethodUpdate), "one fallback write")
	assert.True(t, f.logs.Contains("join applied without transaction"))
}

func TestJoinFailureKeepsOptimisticState(t *testing.T) {
	f := newFixture(t)
	testenv.SeedGroup(t, f.store, climbGroup())
	f.refresh(t)
	f.store.FailNext(memstore.MethodTransaction, constants.ErrTransactionConflict, 1)
	f.store.FailNext(memstore.MethodUpdate, constants.ErrPermissionDenied, 1)

	err := f.engine.JoinGroup("g1").Wait(testCtx(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, constants.ErrPermissionDenied)
	assert.Equal(t, KindPermissionDenied, KindOf(err))

	n := f.nextNote(t)
	assert.Equal(t, LevelError, n.Level)
	assert.Equal(t, opJoin, n.Op)
	assert.Equal(t, models.GroupID("g1"), n.GroupID)
	assert.NotEmpty(t, n.Message)

	local, _ := f.engine.Group("g1")
	assert.True(t, local.HasMember(alice), "no rollback")
	assert.Equal(t, 4, local.MemberCount)
	assert.False(t, testenv.LoadGroup(t, f.store, "g1").HasMember(alice))
	assert.True(t, f.logs.Contains("fallback write failed"))
	assert.True(t, f.logs.Contains("op=join"))
	assert.Positive(t, f.logs.Count(slog.LevelError))
}

func TestRejectedTransactionSkipsFallback(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{"permission denied", constants.ErrPermissionDenied, KindPermissionDenied},
		{"unauthenticated", constants.ErrUnauthenticated, KindUnauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			testenv.SeedGroup(t, f.store, climbGroup())
			f.refresh(t)
			f.store.FailNext(memstore.MethodTransaction, tt.err, 1)

			err := f.engine.JoinGroup("g1").Wait(testCtx(t))
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.Zero(t, f.store.Calls(memstore.MethodUpdate), "no fallback write")

			n := f.nextNote(t)
			assert.Equal(t, LevelError, n.Level)
			assert.Equal(t, tt.kind, n.Kind)
			assert.False(t, testenv.LoadGroup(t, f.store, "g1").HasMember(alice))
		})
	}
}

func TestJoinRetriesNetworkOnce(t *testing.T) {
	f := newFixture(t)
	testenv.SeedGroup(t, f.store, climbGroup())
	f.refresh(t)
	f.store.FailNext(memstore.MethodTransaction, fmt.Errorf("%w: connection reset", constants.ErrNetworkFailure), 1)

	require.NoError(t, f.engine.JoinGroup("g1").Wait(testCtx(t)))
	assert.Equal(t, 2, f.store.Calls(memstore.MethodTransaction))
	assert.Zero(t, f.store.Calls(memstore.MethodUpdate), "no fallback after a successful retry")
}

func TestJoinUnknownGroupFetchesFirst(t *testing.T) {
	f := newFixture(t)
	testenv.SeedGroup(t, f.store, climbGroup())

	op := f.engine.JoinGroup("g1")
	_, cached := f.engine.Group("g1")
	assert.False(t, cached)
	require.NoError(t, op.Wait(testCtx(t)))

	g, ok := f.engine.Group("g1")
	require.True(t, ok)
	assert.True(t, g.HasMember(alice))
	assert.Equal(t, 4, g.MemberCount)

	err := f.engine.JoinGroup("missing").Wait(testCtx(t))
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Zero(t, f.store.Calls(memstore.MethodUpdate), "no fallback for a missing group")
}

func TestIdentityWait(t *testing.T) {
	t.Run("resolves in time", func(t *testing.T) {
		s := identity.NewSession()
		f := newFixture(t, withSession(s), withConfig(func(c *Config) { c.AuthWait = 2 * time.Second }))
		testenv.SeedGroup(t, f.store, climbGroup())
		f.refresh(t)

		op := f.engine.JoinGroup("g1")
		g, _ := f.engine.Group("g1")
		assert.Equal(t, 3, g.MemberCount, "nothing to apply before the user is known")
		time.AfterFunc(20*time.Millisecond, func() { s.SignIn(alice) })

		require.NoError(t, op.Wait(testCtx(t)))
		assert.True(t, testenv.LoadGroup(t, f.store, "g1").HasMember(alice))
	})

	t.Run("times out", func(t *testing.T) {
		f := newFixture(t, withSession(identity.NewSession()), withConfig(func(c *Config) { c.AuthWait = 30 * time.Millisecond }))
		testenv.SeedGroup(t, f.store, climbGroup())

		err := f.engine.JoinGroup("g1").Wait(testCtx(t))
		assert.Equal(t, KindUnauthenticated, KindOf(err))
		assert.ErrorIs(t, err, constants.ErrUnauthenticated)
		assert.Equal(t, KindUnauthenticated, f.nextNote(t).Kind)
	})

	t.Run("signed out", func(t *testing.T) {
		s := identity.NewSession()
		s.SignOut()
		f := newFixture(t, withSession(s), withConfig(func(c *Config) { c.AuthWait = time.Hour }))
		testenv.SeedGroup(t, f.store, climbGroup())

		err := f.engine.SendMessage("g1", "hi", "").Wait(testCtx(t))
		assert.Equal(t, KindUnauthenticated, KindOf(err))
		assert.Zero(t, f.store.Calls(memstore.MethodAdd))
	})
}

func TestObservers(t *testing.T) {
	f := newFixture(t)
	testenv.SeedGroup(t, f.store, climbGroup())
	f.refresh(t)

	var groups atomic.Int32
	f.engine.OnChange(func(Change) { panic("observer bug") })
	remove := f.engine.OnChange(func(c Change) {
		if c.Kind == ChangeGroups && c.GroupID == "g1" {
			groups.Add(1)
		}
	})

	op := f.engine.JoinGroup("g1")
	assert.Positive(t, groups.Load(), "optimistic change announced synchronously")
	require.NoError(t, op.Wait(testCtx(t)))

	remove()
	before := groups.Load()
	require.NoError(t, f.engine.LeaveGroup("g1").Wait(testCtx(t)))
	assert.Equal(t, before, groups.Load())
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	testenv.SeedGroup(t, f.store, joinedGroup())
	f.refresh(t)
	require.NoError(t, f.engine.SubscribeChat("g1").Wait(testCtx(t)))
	require.Equal(t, 2, f.store.Watchers())

	f.close(t)
	assert.Zero(t, f.store.Watchers(), "subscriptions released")
	require.NoError(t, f.engine.Close(testCtx(t)), "close is idempotent")

	err := f.engine.JoinGroup("g1").Wait(testCtx(t))
	assert.True(t, errors.Is(err, constants.ErrClosed))
}
