package testenv

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trybe-app/trybesync/pkg/constants"
	"github.com/trybe-app/trybesync/pkg/docstore"
	"github.com/trybe-app/trybesync/pkg/models"
)

// SeedGroup stores g in the groups collection of docs.
func SeedGroup(t testing.TB, docs docstore.Service, g models.Group) {
	t.Helper()
	require.NoError(t, docs.Set(context.Background(), constants.GroupsCollection, string(g.ID), docstore.MustEncode(g)))
}

// SeedMessage stores r in the messages collection and returns its id.
func SeedMessage(t testing.TB, docs docstore.Service, r models.MessageRecord) models.MessageID {
	t.Helper()
	id, err := docs.Add(context.Background(), constants.MessagesCollection, docstore.MustEncode(r))
	require.NoError(t, err)
	return models.MessageID(id)
}

// SeedProfile stores p in the users collection.
func SeedProfile(t testing.TB, docs docstore.Service, p models.Profile) {
	t.Helper()
	require.NoError(t, docs.Set(context.Background(), constants.UsersCollection, string(p.ID), docstore.MustEncode(p)))
}

// LoadGroup reads a group back from docs.
func LoadGroup(t testing.TB, docs docstore.Service, id models.GroupID) models.Group {
	t.Helper()
	snap, err := docs.Get(context.Background(), constants.GroupsCollection, string(id))
	require.NoError(t, err)
	var g models.Group
	require.NoError(t, snap.Decode(&g))
	return g
}

// Resolver is an object store double that answers from a fixed table and
// records every path it was asked for.
type Resolver struct {
	mu    sync.Mutex
	urls  map[string]string
	err   error
	calls []string
}

func NewResolver(urls map[string]string) *Resolver {
	return &Resolver{urls: urls}
}

// FailWith makes every lookup fail with err.
func (r *Resolver) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *Resolver) DownloadURL(_ context.Context, path string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, path)
	if r.err != nil {
		return "", r.err
	}
	u, ok := r.urls[path]
	if !ok {
		return "", constants.ErrResolutionFailure
	}
	return u, nil
}

func (r *Resolver) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}
