package trybesync

import (
	"context"

	"github.com/trybe-app/trybesync/pkg/constants"
	"github.com/trybe-app/trybesync/pkg/docstore"
	"github.com/trybe-app/trybesync/pkg/models"
)

// Start paints the local model from a fresh snapshot when one exists and
// reports whether it did. A remote refresh always follows in the background.
func (e *Engine) Start(ctx context.Context) (bool, *Op) {
	groups, fresh, err := e.cache.Hydrate(ctx)
	if err != nil {
		e.absorb("hydrate", "", err)
	}
	if fresh {
		e.mu.Lock()
		for _, g := range groups {
			if _, ok := e.groups[g.ID]; !ok {
				e.upsertGroupLocked(g)
			}
		}
		e.mu.Unlock()
		e.log.Info("hydrated from snapshot", "groups", len(groups))
		e.obs.emit([]Change{{Kind: ChangeGroups}})
	}
	return fresh, e.async(opRefresh, "", e.refresh)
}

// Refresh reloads every group from the remote store.
func (e *Engine) Refresh() *Op {
	return e.async(opRefresh, "", e.refresh)
}

func (e *Engine) refresh(ctx context.Context) error {
	var snaps []docstore.Snapshot
	err := e.retry(ctx, func(ctx context.Context) error {
		var err error
		snaps, err = e.docs.List(ctx, constants.GroupsCollection)
		return err
	})
	if err != nil {
		return err
	}
	remote := make(map[models.GroupID]struct{}, len(snaps))
	var photos []string
	var joined []models.GroupID
	user, known := e.ident.Current()

	e.mu.Lock()
	for _, snap := range snaps {
		g, err := decodeGroup(snap)
		if err != nil {
			e.log.Warn("undecodable group document", "group", snap.ID, "error", err)
			continue
		}
		remote[g.ID] = struct{}{}
		e.upsertGroupLocked(g)
		photos = append(photos, g.Photos...)
		if known && g.HasMember(user) {
			joined = append(joined, g.ID)
		}
	}
	for id := range e.groups {
		if _, ok := remote[id]; ok {
			continue
		}
		if _, ok := e.localOnly[id]; ok {
			continue
		}
		delete(e.groups, id)
	}
	e.mu.Unlock()
	e.log.Info("groups refreshed", "groups", len(remote))
	e.obs.emit([]Change{{Kind: ChangeGroups}})

	e.persistSnapshot(ctx)
	e.prefetch(photos...)
	for _, id := range joined {
		e.watchGroup(ctx, id)
	}
	return nil
}

// persistSnapshot stores the current groups. Failures are logged only.
func (e *Engine) persistSnapshot(ctx context.Context) {
	if err := e.cache.Persist(ctx, e.Groups()); err != nil {
		e.absorb("persist_snapshot", "", err)
	}
}
