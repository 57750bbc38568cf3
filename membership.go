package trybesync

import (
	"context"
	"errors"

	"github.com/trybe-app/trybesync/pkg/constants"
	"github.com/trybe-app/trybesync/pkg/docstore"
	"github.com/trybe-app/trybesync/pkg/models"
	"github.com/trybe-app/trybesync/pkg/txn"
)

const (
	membersField     = "members"
	memberCountField = "member_count"
)

// JoinGroup adds the current user to a group. The local member list and count
// change before JoinGroup returns when the user and the group are known.
func (e *Engine) JoinGroup(id models.GroupID) *Op {
	t := e.enterLane(id)
	return e.queuedIntent(opJoin, id, t,
		func(user models.UserID) { e.applyJoin(id, user) },
		func(ctx context.Context, user models.UserID) error {
			if err := e.ensureGroup(ctx, id); err != nil {
				return err
			}
			e.applyJoin(id, user)
			return e.joinRemote(ctx, id, user, t.gen)
		})
}

// LeaveGroup removes the current user from a group and tears down its
// subscriptions. Leaving a group the user is not a member of does nothing.
func (e *Engine) LeaveGroup(id models.GroupID) *Op {
	if user, known := e.ident.Current(); known {
		if member, cached := e.isMember(id, user); cached && !member {
			return completedOp(nil)
		}
	}
	var left bool
	t := e.enterLane(id)
	return e.queuedIntent(opLeave, id, t,
		func(user models.UserID) { left = e.applyLeave(id, user) },
		func(ctx context.Context, user models.UserID) error {
			if !left {
				if err := e.ensureGroup(ctx, id); err != nil {
					return err
				}
				if left = e.applyLeave(id, user); !left {
					e.log.Debug("leave skipped, not a member", "group", id, "user", user)
					return nil
				}
			}
			return e.leaveRemote(ctx, id, user)
		})
}

// lane orders the remote membership steps of one group in call order. gen
// counts the steps ever queued, so a step can tell whether it is still the
// latest intent.
type lane struct {
	gen  uint64
	tail chan struct{}
}

// ticket is one queued step of a lane.
type ticket struct {
	gen  uint64
	prev <-chan struct{}
	done chan struct{}
}

func (t *ticket) wait(ctx context.Context) error {
	if t.prev == nil {
		return nil
	}
	select {
	case <-t.prev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) enterLane(id models.GroupID) *ticket {
	e.mu.Lock()
	defer e.mu.Unlock()
	l := e.lanes[id]
	if l == nil {
		l = &lane{}
		e.lanes[id] = l
	}
	l.gen++
	t := &ticket{gen: l.gen, prev: l.tail, done: make(chan struct{})}
	l.tail = t.done
	return t
}

func (e *Engine) exitLane(id models.GroupID, t *ticket) {
	e.mu.Lock()
	if l := e.lanes[id]; l != nil && l.tail == t.done {
		l.tail = nil
	}
	e.mu.Unlock()
	close(t.done)
}

// latestLocked reports whether no membership step was queued after gen.
func (e *Engine) latestLocked(id models.GroupID, gen uint64) bool {
	l := e.lanes[id]
	return l != nil && l.gen == gen
}

func (e *Engine) isMember(id models.GroupID, user models.UserID) (member, cached bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[id]
	if !ok {
		return false, false
	}
	return g.HasMember(user), true
}

// applyJoin is idempotent: a user already listed does not bump the count.
func (e *Engine) applyJoin(id models.GroupID, user models.UserID) bool {
	e.mu.Lock()
	g, ok := e.groups[id]
	if !ok || !g.AddMember(user) {
		e.mu.Unlock()
		return false
	}
	g.MemberCount++
	e.mu.Unlock()
	e.obs.emit([]Change{{Kind: ChangeGroups, GroupID: id}})
	return true
}

// applyLeave removes user locally, keeping the displayed count at one or more,
// and closes the group's subscriptions.
func (e *Engine) applyLeave(id models.GroupID, user models.UserID) bool {
	e.mu.Lock()
	g, ok := e.groups[id]
	if !ok || !g.RemoveMember(user) {
		e.mu.Unlock()
		return false
	}
	g.MemberCount = max(g.MemberCount-1, 1)
	groupSub := detachLocked(e.groupSubs[id])
	chatSub := detachLocked(e.chatSubs[id])
	delete(e.groupSubs, id)
	delete(e.chatSubs, id)
	e.mu.Unlock()
	closeAll(groupSub, chatSub)
	e.obs.emit([]Change{{Kind: ChangeGroups, GroupID: id}})
	return true
}

func (e *Engine) membershipPlan(name string, primary, fallback txn.Step) txn.Plan {
	return txn.Plan{
		Name:     name,
		Primary:  primary,
		Fallback: fallback,
		Retryer:  e.retryer,
		SkipFallback: func(err error) bool {
			return errors.Is(err, constants.ErrNotFound) ||
				errors.Is(err, constants.ErrPermissionDenied) ||
				errors.Is(err, constants.ErrUnauthenticated)
		},
	}
}

// joinRemote commits the join and watches the group, unless a later
// membership step for the group was queued meanwhile.
func (e *Engine) joinRemote(ctx context.Context, id models.GroupID, user models.UserID, gen uint64) error {
	doc := string(id)
	primary := func(ctx context.Context) error {
		return e.docs.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
			snap, err := tx.Get(constants.GroupsCollection, doc)
			if err != nil {
				return err
			}
			g, err := decodeGroup(*snap)
			if err != nil {
				return err
			}
			if g.HasMember(user) {
				return nil
			}
			return tx.Update(constants.GroupsCollection, doc,
				docstore.ArrayUnion(membersField, string(user)),
				docstore.Increment(memberCountField, 1))
		})
	}
	fallback := func(ctx context.Context) error {
		return e.docs.Update(ctx, constants.GroupsCollection, doc,
			docstore.ArrayUnion(membersField, string(user)),
			docstore.Increment(memberCountField, 1))
	}
	out := txn.Run(ctx, e.membershipPlan(opJoin+":"+doc, primary, fallback), e.log)
	if err := out.Err(); err != nil {
		return err
	}
	if out.State == txn.StateApplied {
		e.log.Info("join applied without transaction", "group", id, "primary_error", out.PrimaryErr)
	}
	e.watchGroupIf(ctx, id, func() bool { return e.latestLocked(id, gen) })
	return nil
}

func (e *Engine) leaveRemote(ctx context.Context, id models.GroupID, user models.UserID) error {
	doc := string(id)
	primary := func(ctx context.Context) error {
		return e.docs.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
			snap, err := tx.Get(constants.GroupsCollection, doc)
			if err != nil {
				return err
			}
			g, err := decodeGroup(*snap)
			if err != nil {
				return err
			}
			if !g.HasMember(user) {
				return nil
			}
			return tx.Update(constants.GroupsCollection, doc,
				docstore.ArrayRemove(membersField, string(user)),
				docstore.IncrementFloor(memberCountField, -1, 0))
		})
	}
	fallback := func(ctx context.Context) error {
		return e.docs.Update(ctx, constants.GroupsCollection, doc,
			docstore.ArrayRemove(membersField, string(user)),
			docstore.IncrementFloor(memberCountField, -1, 0))
	}
	out := txn.Run(ctx, e.membershipPlan(opLeave+":"+doc, primary, fallback), e.log)
	return out.Err()
}
