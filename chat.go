package trybesync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/trybe-app/trybesync/pkg/constants"
	"github.com/trybe-app/trybesync/pkg/docstore"
	"github.com/trybe-app/trybesync/pkg/models"
	"github.com/trybe-app/trybesync/pkg/reconcile"
)

const (
	groupIDField   = "group_id"
	createdAtField = "created_at"
)

// SubscribeChat opens the message channel of a group. The caller must be a
// listed member; a non-member is joined once before access is refused.
// Subscribing to an open channel is a no-op.
func (e *Engine) SubscribeChat(id models.GroupID) *Op {
	e.mu.Lock()
	if e.chatSubs[id] != nil {
		e.mu.Unlock()
		return completedOp(nil)
	}
	s := &subscription{}
	e.chatSubs[id] = s
	e.mu.Unlock()

	return e.async(opSubscribe, id, func(ctx context.Context) error {
		err := e.openChat(ctx, id, s)
		if err != nil {
			e.mu.Lock()
			if e.chatSubs[id] == s {
				delete(e.chatSubs, id)
			}
			s.closed = true
			e.mu.Unlock()
		}
		return err
	})
}

// UnsubscribeChat closes the message channel. No message callback changes the
// group's state after it returns.
func (e *Engine) UnsubscribeChat(id models.GroupID) {
	e.mu.Lock()
	sub := detachLocked(e.chatSubs[id])
	delete(e.chatSubs, id)
	e.mu.Unlock()
	closeAll(sub)
}

func (e *Engine) openChat(ctx context.Context, id models.GroupID, s *subscription) error {
	user, err := e.requireUser(ctx)
	if err != nil {
		return err
	}
	g, err := e.fetchGroup(ctx, id)
	if err != nil {
		return err
	}
	if !g.HasMember(user) {
		e.log.Info("chat requested by non-member, joining", "group", id, "user", user)
		t := e.enterLane(id)
		e.applyJoin(id, user)
		err = t.wait(ctx)
		if err == nil {
			err = e.joinRemote(ctx, id, user, t.gen)
		}
		e.exitLane(id, t)
		if err != nil {
			return attendeeError(id, err)
		}
		if e.detached(s) {
			// left or unsubscribed while joining
			return nil
		}
		if g, err = e.fetchGroup(ctx, id); err != nil {
			return err
		}
		if !g.HasMember(user) {
			return attendeeError(id, nil)
		}
	}

	e.loadCursor(ctx, id, user)

	sub, err := e.docs.WatchQuery(ctx, docstore.Query{
		Collection: constants.MessagesCollection,
		Field:      groupIDField,
		Equals:     string(id),
		OrderBy:    createdAtField,
		Limit:      e.cfg.MessageLimit,
	})
	if errors.Is(err, constants.ErrPermissionDenied) {
		return attendeeError(id, err)
	}
	if err != nil {
		return err
	}
	if !e.attach(s, sub) {
		return nil
	}
	e.spawn(func() { e.readChat(id, user, s, sub) })
	return nil
}

func (e *Engine) readChat(id models.GroupID, viewer models.UserID, s *subscription, sub docstore.Subscription) {
	for ev := range sub.Events() {
		if ev.Err != nil {
			if errors.Is(ev.Err, constants.ErrPermissionDenied) {
				e.mu.Lock()
				closed := s.closed
				e.mu.Unlock()
				if !closed {
					e.fail(opSubscribe, id, attendeeError(id, ev.Err))
				}
			}
			e.endSubscription(e.chatSubs, id, s, ev.Err)
			return
		}
		e.applyMessages(id, viewer, s, ev)
	}
}

func (e *Engine) applyMessages(id models.GroupID, viewer models.UserID, s *subscription, ev docstore.Event) {
	auth := make([]models.Message, 0, len(ev.Snapshots))
	for _, snap := range ev.Snapshots {
		var r models.MessageRecord
		if err := snap.Decode(&r); err != nil {
			e.log.Warn("undecodable message", "group", id, "message", snap.ID, "error", err)
			continue
		}
		auth = append(auth, r.Confirm(models.MessageID(snap.ID), viewer))
	}

	var avatars []string
	e.mu.Lock()
	if s.closed {
		e.mu.Unlock()
		return
	}
	for i := range auth {
		if ref := auth[i].SenderAvatar; ref != "" {
			avatars = append(avatars, ref)
			auth[i].SenderAvatar = e.avatarLocked(ref)
		}
	}
	e.messages[id] = reconcile.Merge(auth, e.messages[id])
	changes := []Change{{Kind: ChangeMessages, GroupID: id}}
	if e.recountLocked(id) {
		changes = append(changes, Change{Kind: ChangeUnread, GroupID: id})
	}
	e.mu.Unlock()
	e.obs.emit(changes)
	e.prefetch(avatars...)
}

// recountLocked recomputes the unread count of a group for the current user
// and reports whether it changed.
func (e *Engine) recountLocked(id models.GroupID) bool {
	user, _ := e.ident.Current()
	var cursor *time.Time
	if t, ok := e.cursors[models.CursorID(id, user)]; ok {
		cursor = &t
	}
	n := reconcile.Unread(e.messages[id], user, cursor)
	if prev, ok := e.unread[id]; ok && prev == n {
		return false
	}
	e.unread[id] = n
	return true
}

// SendMessage posts a message to a group. The pending entry is part of
// Messages before SendMessage returns when the user is known.
func (e *Engine) SendMessage(id models.GroupID, body, attachment string) *Op {
	body = strings.TrimSpace(body)
	attachment = strings.TrimSpace(attachment)
	if body == "" && attachment == "" {
		return completedOp(newError(opSend, id, constants.ErrEmptyBody))
	}
	var msg models.Message
	return e.intent(opSend, id,
		func(user models.UserID) { msg = e.appendPending(id, user, body, attachment) },
		func(ctx context.Context, _ models.UserID) error {
			e.fillSender(ctx, &msg)
			return e.writeMessage(ctx, msg)
		})
}

func (e *Engine) appendPending(id models.GroupID, user models.UserID, body, attachment string) models.Message {
	m := models.NewPending(id, user, body, attachment, e.clock())
	e.mu.Lock()
	if p, ok := e.profiles[user]; ok {
		m.SenderName = p.Name
		m.SenderAvatar = p.Avatar
	}
	local := m
	if local.SenderAvatar != "" {
		local.SenderAvatar = e.avatarLocked(local.SenderAvatar)
	}
	e.messages[id] = reconcile.Append(e.messages[id], local)
	changes := []Change{{Kind: ChangeMessages, GroupID: id}}
	if e.recountLocked(id) {
		changes = append(changes, Change{Kind: ChangeUnread, GroupID: id})
	}
	e.mu.Unlock()
	e.obs.emit(changes)
	return m
}

// fillSender completes the sender display fields of a pending message from the
// user's profile and patches the local entry.
func (e *Engine) fillSender(ctx context.Context, m *models.Message) {
	p, err := e.profile(ctx, m.SenderID)
	if err != nil {
		e.absorb("profile", m.GroupID, err)
		return
	}
	m.SenderName = p.Name
	display := ""
	if p.Avatar != "" {
		m.SenderAvatar = p.Avatar
		display = p.Avatar
		if res, err := e.resolve(ctx, p.Avatar); err == nil {
			display = res.URL
			if res.Trusted {
				m.SenderAvatar = res.URL
			}
		}
	}

	e.mu.Lock()
	list := e.messages[m.GroupID]
	patched := false
	for i := range list {
		if list[i].Token == m.Token && list[i].IsPending() {
			list[i].SenderName = m.SenderName
			list[i].SenderAvatar = display
			patched = true
		}
	}
	e.mu.Unlock()
	if patched {
		e.obs.emit([]Change{{Kind: ChangeMessages, GroupID: m.GroupID}})
	}
}

func (e *Engine) profile(ctx context.Context, user models.UserID) (models.Profile, error) {
	e.mu.Lock()
	p, ok := e.profiles[user]
	e.mu.Unlock()
	if ok {
		return p, nil
	}
	var snap *docstore.Snapshot
	err := e.retry(ctx, func(ctx context.Context) error {
		var err error
		snap, err = e.docs.Get(ctx, constants.UsersCollection, string(user))
		return err
	})
	if err != nil {
		return models.Profile{}, err
	}
	if err := snap.Decode(&p); err != nil {
		return models.Profile{}, err
	}
	p.ID = user
	e.mu.Lock()
	e.profiles[user] = p
	e.mu.Unlock()
	return p, nil
}

// writeMessage stores m under a new server id. A retried write that had in
// fact landed leaves two documents sharing a token, which Merge collapses.
func (e *Engine) writeMessage(ctx context.Context, m models.Message) error {
	fields, err := docstore.Encode(m.Record())
	if err != nil {
		return err
	}
	return e.retry(ctx, func(ctx context.Context) error {
		_, err := e.docs.Add(ctx, constants.MessagesCollection, fields)
		if err != nil {
			return fmt.Errorf("write message %s: %w", m.Token, err)
		}
		return nil
	})
}
