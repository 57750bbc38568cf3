package surrealstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	sdbmodels "github.com/surrealdb/surrealdb.go/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trybe-app/trybesync/internal/testenv"
	"github.com/trybe-app/trybesync/pkg/constants"
	"github.com/trybe-app/trybesync/pkg/docstore"
	"github.com/trybe-app/trybesync/pkg/txn"
)

func TestConflictPause(t *testing.T) {
	s := New(nil, WithConflictBackoff(txn.NewFixedDelayRetryer(10*time.Millisecond, 2)))

	start := time.Now()
	require.NoError(t, s.pause(context.Background(), 0))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	// exhausted retryer does not wait
	start = time.Now()
	require.NoError(t, s.pause(context.Background(), 5))
	assert.Less(t, time.Since(start), 10*time.Millisecond)

	s = New(nil, WithConflictBackoff(txn.NewFixedDelayRetryer(time.Hour, 0)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.pause(ctx, 0)
	assert.ErrorIs(t, err, constants.ErrNetworkFailure)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuildSet(t *testing.T) {
	set, vars, err := buildSet([]docstore.Mutation{
		docstore.ArrayUnion("members", "alice"),
		docstore.Increment("member_count", 1),
		docstore.IncrementFloor("spots", -1, 0),
		docstore.ArrayRemove("members", "bob"),
		docstore.SetField("name", "Sunrise climb"),
	})
	require.NoError(t, err)

	clauses := strings.Split(set, ", ")
	require.Len(t, clauses, 6)
	assert.Equal(t, "members = array::union(members ?? [], $p0)", clauses[0])
	assert.Equal(t, "member_count = (member_count ?? 0) + $p1", clauses[1])
	assert.Equal(t, "spots = math::max([(spots ?? 0) + $p2, $p2_floor])", clauses[2])
	assert.Equal(t, "members = array::complement(members ?? [], $p3)", clauses[3])
	assert.Equal(t, "name = $p4", clauses[4])
	assert.Equal(t, "_rev = $rev", clauses[5])

	assert.Equal(t, []any{"alice"}, vars["p0"])
	assert.Equal(t, int64(1), vars["p1"])
	assert.Equal(t, int64(0), vars["p2_floor"])
	assert.Equal(t, "Sunrise climb", vars["p4"])
	_, err = uuid.Parse(vars["rev"].(string))
	assert.NoError(t, err)
}

func TestBuildSetRejectsBadFields(t *testing.T) {
	for _, field := range []string{"id", "_rev", "name; DELETE groups", "", "a-b"} {
		_, _, err := buildSet([]docstore.Mutation{docstore.SetField(field, 1)})
		assert.Error(t, err, field)
	}
}

func TestToSnapshot(t *testing.T) {
	rid := sdbmodels.NewRecordID("groups", "g1")
	for _, id := range []any{rid, &rid, "groups:g1", "groups:⟨g1⟩"} {
		snap, rev, err := toSnapshot(map[string]any{
			"id":           id,
			"_rev":         "r1",
			"name":         "Sunset climb",
			"member_count": uint64(3),
		})
		require.NoError(t, err, "%T", id)
		assert.Equal(t, "g1", snap.ID)
		assert.Equal(t, "r1", rev)
		assert.Equal(t, docstore.Fields{"name": "Sunset climb", "member_count": float64(3)}, snap.Fields)
	}

	_, _, err := toSnapshot(map[string]any{"name": "orphan"})
	assert.Error(t, err)
}

func TestCommitQuery(t *testing.T) {
	tx := &tx{
		reads:  map[docKey]string{{"groups", "g1"}: "r1"},
		writes: map[docKey]docstore.Fields{{"groups", "g1"}: {"member_count": float64(4)}},
		order:  []docKey{{"groups", "g1"}},
	}
	sql, vars, err := tx.commitQuery()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(sql, "BEGIN TRANSACTION;"))
	assert.True(t, strings.HasSuffix(sql, "COMMIT TRANSACTION;"))
	assert.Contains(t, sql, `IF ((SELECT VALUE _rev FROM $r0)[0] ?? "") != $v0 { THROW "trybesync: write conflict" };`)
	assert.Contains(t, sql, "UPSERT $w0 CONTENT $b0 RETURN NONE;")
	assert.Equal(t, "r1", vars["v0"])
	assert.Equal(t, sdbmodels.NewRecordID("groups", "g1"), vars["w0"])
	b := vars["b0"].(docstore.Fields)
	assert.Equal(t, float64(4), b["member_count"])
	assert.NotEmpty(t, b["_rev"])
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{context.DeadlineExceeded, constants.ErrNetworkFailure},
		{errors.New("There was a problem with the database: The query was not executed due to a failed transaction: trybesync: write conflict"), constants.ErrTransactionConflict},
		{errors.New("IAM error: Not enough permissions to perform this action"), constants.ErrPermissionDenied},
		{errors.New("There was a problem with authentication"), constants.ErrUnauthenticated},
		{errors.New("websocket: connection closed"), constants.ErrNetworkFailure},
		{fmt.Errorf("wrapped: %w", constants.ErrNotFound), constants.ErrNotFound},
	}
	for _, tt := range tests {
		assert.ErrorIs(t, mapError(tt.err), tt.want, tt.err.Error())
	}

	plain := errors.New("Parse error: unexpected token")
	assert.Equal(t, plain, mapError(plain))
	assert.NoError(t, mapError(nil))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := testenv.RequireEnv(t, testenv.EnvSurrealURL)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := Open(ctx, Config{
		URL:       url,
		Namespace: "trybesync_test",
		Database:  strings.ReplaceAll(uuid.NewString(), "-", ""),
		Username:  "root",
		Password:  "root",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIntegrationCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "groups", "g1", docstore.Fields{"name": "Sunset climb", "member_count": 3, "members": []any{"bob"}}))
	require.NoError(t, s.Update(ctx, "groups", "g1",
		docstore.ArrayUnion("members", "alice"),
		docstore.Increment("member_count", 1),
	))
	snap, err := s.Get(ctx, "groups", "g1")
	require.NoError(t, err)
	assert.Equal(t, float64(4), snap.Fields["member_count"])
	assert.Equal(t, []any{"bob", "alice"}, snap.Fields["members"])

	_, err = s.Get(ctx, "groups", "missing")
	assert.ErrorIs(t, err, constants.ErrNotFound)
	assert.ErrorIs(t, s.Update(ctx, "groups", "missing", docstore.Increment("member_count", 1)), constants.ErrNotFound)

	id, err := s.Add(ctx, "messages", docstore.Fields{"group_id": "g1", "body": "hi"})
	require.NoError(t, err)
	all, err := s.List(ctx, "messages")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, id, all[0].ID)
}

func TestIntegrationTransaction(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "groups", "g1", docstore.Fields{"member_count": 1}))

	err := s.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
		return tx.Update("groups", "g1", docstore.Increment("member_count", 1))
	})
	require.NoError(t, err)
	snap, err := s.Get(ctx, "groups", "g1")
	require.NoError(t, err)
	assert.Equal(t, float64(2), snap.Fields["member_count"])
}

func TestIntegrationWatchQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sub, err := s.WatchQuery(ctx, docstore.Query{Collection: "messages", Field: "group_id", Equals: "g1", OrderBy: "created_at"})
	require.NoError(t, err)
	defer sub.Close()

	ev := <-sub.Events()
	require.NoError(t, ev.Err)
	assert.Empty(t, ev.Snapshots)

	_, err = s.Add(ctx, "messages", docstore.Fields{"group_id": "g1", "body": "hi", "created_at": "2026-03-14T18:00:00Z"})
	require.NoError(t, err)
	select {
	case ev := <-sub.Events():
		require.NoError(t, ev.Err)
		assert.Len(t, ev.Snapshots, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("no live event")
	}
}
