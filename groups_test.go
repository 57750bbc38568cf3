package trybesync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trybe-app/trybesync/internal/testenv"
	"github.com/trybe-app/trybesync/pkg/constants"
	"github.com/trybe-app/trybesync/pkg/docstore/memstore"
	"github.com/trybe-app/trybesync/pkg/identity"
	"github.com/trybe-app/trybesync/pkg/models"
)

func ptr[T any](v T) *T { return &v }

func TestCreateGroup(t *testing.T) {
	f := newFixture(t)
	id, op := f.engine.CreateGroup(models.GroupInput{
		Name:        "  Board games  ",
		Location:    "Library",
		ScheduledAt: t0.Add(48 * time.Hour),
		Capacity:    6,
		Category:    "hiking",
	})
	require.NotEmpty(t, id)

	g, ok := f.engine.Group(id)
	require.True(t, ok, "visible before the write returns")
	assert.Equal(t, "Board games", g.Name)
	assert.Equal(t, []models.UserID{alice}, g.Members)
	assert.Equal(t, 1, g.MemberCount)
	assert.Equal(t, alice, g.CreatorID)
	assert.Equal(t, "Mon, Mar 16 · 6:00 PM", g.ScheduleLabel)
	assert.Equal(t, []string{"https://static.example.com/hiking.jpg"}, g.ResolvedPhotos)

	require.NoError(t, op.Wait(testCtx(t)))
	stored := testenv.LoadGroup(t, f.store, id)
	assert.Equal(t, "Board games", stored.Name)
	assert.Equal(t, []models.UserID{alice}, stored.Members)
	assert.Equal(t, 6, stored.Capacity)
	assert.Eventually(t, func() bool { return f.store.Watchers() == 1 }, waitFor, tick)
}

func TestCreateGroupFailureKeepsLocalCopy(t *testing.T) {
	f := newFixture(t)
	f.store.FailNext(memstore.MethodSet, constants.ErrPermissionDenied, 1)

	id, op := f.engine.CreateGroup(models.GroupInput{Name: "Run club", Capacity: 20})
	err := op.Wait(testCtx(t))
	assert.Equal(t, KindPermissionDenied, KindOf(err))
	assert.Equal(t, opCreate, f.nextNote(t).Op)

	// a refresh does not drop a group that never reached the store
	f.refresh(t)
	_, ok := f.engine.Group(id)
	assert.True(t, ok)
}

func TestCreateGroupRequiresUser(t *testing.T) {
	f := newFixture(t, withSession(identity.NewSession()))
	_, op := f.engine.CreateGroup(models.GroupInput{Name: "Run club"})
	assert.Equal(t, KindUnauthenticated, KindOf(op.Wait(testCtx(t))))
	assert.Empty(t, f.engine.Groups())
}

func TestUpdateGroupPostsSummary(t *testing.T) {
	f := newFixture(t)
	testenv.SeedGroup(t, f.store, joinedGroup())
	f.refresh(t)

	op := f.engine.UpdateGroup("g1", models.GroupPatch{
		Name:     ptr("Sunrise climb"),
		Capacity: ptr(12),
	}, true)

	g, _ := f.engine.Group("g1")
	assert.Equal(t, "Sunrise climb", g.Name)
	assert.Equal(t, 12, g.Capacity)
	msgs := f.engine.Messages("g1")
	require.Len(t, msgs, 1)
	assert.Equal(t, `Event updated: name "Sunset climb" → "Sunrise climb"; capacity 10 → 12`, msgs[0].Body)
	assert.True(t, msgs[0].System)
	assert.False(t, msgs[0].Mine)
	assert.Equal(t, "Trybe", msgs[0].SenderName)

	require.NoError(t, op.Wait(testCtx(t)))
	stored := testenv.LoadGroup(t, f.store, "g1")
	assert.Equal(t, "Sunrise climb", stored.Name)
	assert.Equal(t, 12, stored.Capacity)
	assert.True(t, stored.UpdatedAt.Equal(t0))

	snaps, err := f.store.List(testCtx(t), constants.MessagesCollection)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	var rec models.MessageRecord
	require.NoError(t, snaps[0].Decode(&rec))
	assert.Equal(t, constants.SystemSender, string(rec.SenderID))
	assert.True(t, rec.System)
	assert.Equal(t, msgs[0].Token, rec.Token)
}

func TestUpdateGroupSilent(t *testing.T) {
	tests := []struct {
		name   string
		patch  models.GroupPatch
		notify bool
	}{
		{"notify off", models.GroupPatch{Capacity: ptr(12)}, false},
		{"nothing visible changed", models.GroupPatch{Name: ptr("Sunset climb")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			testenv.SeedGroup(t, f.store, joinedGroup())
			f.refresh(t)

			require.NoError(t, f.engine.UpdateGroup("g1", tt.patch, tt.notify).Wait(testCtx(t)))
			assert.Empty(t, f.engine.Messages("g1"))
			assert.Zero(t, f.store.Calls(memstore.MethodAdd))
		})
	}
}

func TestUpdateGroupReschedule(t *testing.T) {
	f := newFixture(t)
	testenv.SeedGroup(t, f.store, joinedGroup())
	f.refresh(t)

	require.NoError(t, f.engine.UpdateGroup("g1", models.GroupPatch{
		ScheduledAt: ptr(t0.Add(72 * time.Hour)),
	}, true).Wait(testCtx(t)))

	g, _ := f.engine.Group("g1")
	assert.Equal(t, "Tue, Mar 17 · 6:00 PM", g.ScheduleLabel)
	assert.Equal(t, "Tue, Mar 17 · 6:00 PM", testenv.LoadGroup(t, f.store, "g1").ScheduleLabel)
	require.NotEmpty(t, f.engine.Messages("g1"))
	assert.Equal(t, "Event updated: time Mon, Mar 16 · 6:00 PM → Tue, Mar 17 · 6:00 PM", f.engine.Messages("g1")[0].Body)
}

func TestUpdateGroupAuditFailureAbsorbed(t *testing.T) {
	f := newFixture(t)
	testenv.SeedGroup(t, f.store, joinedGroup())
	f.refresh(t)
	f.store.FailNext(memstore.MethodAdd, constants.ErrPermissionDenied, 1)

	err := f.engine.UpdateGroup("g1", models.GroupPatch{Premium: ptr(true)}, true).Wait(testCtx(t))
	require.NoError(t, err)
	assert.True(t, testenv.LoadGroup(t, f.store, "g1").Premium)
	assert.True(t, f.logs.Contains("op=update_group"))
	assert.Empty(t, f.notes.C())
}

func TestUpdateGroupUnknown(t *testing.T) {
	f := newFixture(t)
	err := f.engine.UpdateGroup("nope", models.GroupPatch{Capacity: ptr(3)}, true).Err()
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Zero(t, f.store.Calls(memstore.MethodUpdate))
}

func TestDiffGroups(t *testing.T) {
	a := climbGroup()
	b := a.Clone()
	b.FeeCents = 1250
	b.AgeMin = 18
	b.Photos = []string{"x"}
	assert.Equal(t, []string{
		"fee free → $12.50",
		"age range any → 18+",
		"photos 0 → 1",
	}, diffGroups(a, b))

	c := b.Clone()
	c.AgeMax = 30
	c.Location = "Gym"
	assert.Equal(t, []string{`location "Boulder" → "Gym"`, "age range 18+ → 18-30"}, diffGroups(b, c))
	assert.Empty(t, diffGroups(a, a.Clone()))
}
