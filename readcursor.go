package trybesync

import (
	"context"
	"errors"

	"github.com/trybe-app/trybesync/pkg/constants"
	"github.com/trybe-app/trybesync/pkg/docstore"
	"github.com/trybe-app/trybesync/pkg/models"
	"github.com/trybe-app/trybesync/pkg/reconcile"
)

// MarkRead moves the current user's cursor to the later of now and the newest
// message, so the unread count drops to zero. The remote copy of the cursor is
// best effort.
func (e *Engine) MarkRead(id models.GroupID) *Op {
	var cursor models.ReadCursor
	return e.intent(opMarkRead, id,
		func(user models.UserID) { cursor = e.applyRead(id, user) },
		func(ctx context.Context, user models.UserID) error {
			fields, err := docstore.Encode(cursor)
			if err == nil {
				err = e.retry(ctx, func(ctx context.Context) error {
					return e.docs.Set(ctx, constants.ReadCursorsCollection, models.CursorID(id, user), fields)
				})
			}
			if err != nil {
				e.absorb(opMarkRead, id, err)
			}
			return nil
		})
}

func (e *Engine) applyRead(id models.GroupID, user models.UserID) models.ReadCursor {
	at := e.clock()
	key := models.CursorID(id, user)
	e.mu.Lock()
	if latest, ok := reconcile.Latest(e.messages[id]); ok && latest.After(at) {
		at = latest
	}
	if prev, ok := e.cursors[key]; ok && prev.After(at) {
		at = prev
	}
	e.cursors[key] = at
	changed := e.recountLocked(id)
	e.mu.Unlock()
	if changed {
		e.obs.emit([]Change{{Kind: ChangeUnread, GroupID: id}})
	}
	return models.ReadCursor{GroupID: id, UserID: user, ReadAt: at}
}

// loadCursor adopts the remote cursor when none is known locally.
func (e *Engine) loadCursor(ctx context.Context, id models.GroupID, user models.UserID) {
	key := models.CursorID(id, user)
	e.mu.Lock()
	_, ok := e.cursors[key]
	e.mu.Unlock()
	if ok {
		return
	}
	snap, err := e.docs.Get(ctx, constants.ReadCursorsCollection, key)
	if errors.Is(err, constants.ErrNotFound) {
		return
	}
	if err != nil {
		e.absorb("load_cursor", id, err)
		return
	}
	var c models.ReadCursor
	if err := snap.Decode(&c); err != nil {
		e.absorb("load_cursor", id, err)
		return
	}
	e.mu.Lock()
	changed := false
	if _, ok := e.cursors[key]; !ok && !c.ReadAt.IsZero() {
		e.cursors[key] = c.ReadAt
		changed = e.recountLocked(id)
	}
	e.mu.Unlock()
	if changed {
		e.obs.emit([]Change{{Kind: ChangeUnread, GroupID: id}})
	}
}
