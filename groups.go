package trybesync

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/trybe-app/trybesync/pkg/constants"
	"github.com/trybe-app/trybesync/pkg/docstore"
	"github.com/trybe-app/trybesync/pkg/models"
	"github.com/trybe-app/trybesync/pkg/reconcile"
)

// CreateGroup creates a group with the current user as creator and first
// member. The id is generated locally and returned at once.
func (e *Engine) CreateGroup(in models.GroupInput) (models.GroupID, *Op) {
	id := models.NewGroupID()
	var g models.Group
	op := e.intent(opCreate, id,
		func(user models.UserID) { g = e.insertCreated(id, user, in) },
		func(ctx context.Context, _ models.UserID) error {
			fields, err := docstore.Encode(g)
			if err != nil {
				return err
			}
			err = e.retry(ctx, func(ctx context.Context) error {
				return e.docs.Set(ctx, constants.GroupsCollection, string(id), fields)
			})
			if err != nil {
				return err
			}
			e.mu.Lock()
			delete(e.localOnly, id)
			e.mu.Unlock()
			e.persistSnapshot(ctx)
			e.watchGroup(ctx, id)
			e.prefetch(g.Photos...)
			return nil
		})
	return id, op
}

func (e *Engine) insertCreated(id models.GroupID, user models.UserID, in models.GroupInput) models.Group {
	now := e.clock()
	g := models.Group{
		ID:          id,
		Name:        strings.TrimSpace(in.Name),
		Location:    strings.TrimSpace(in.Location),
		ScheduledAt: in.ScheduledAt,
		Capacity:    in.Capacity,
		MemberCount: 1,
		Members:     []models.UserID{user},
		CreatorID:   user,
		Photos:      slices.Clone(in.Photos),
		Category:    in.Category,
		FeeCents:    in.FeeCents,
		AgeMin:      in.AgeMin,
		AgeMax:      in.AgeMax,
		Premium:     in.Premium,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	g.ScheduleLabel = e.scheduleLabel(g.ScheduledAt)
	e.mu.Lock()
	e.upsertGroupLocked(g)
	e.localOnly[id] = struct{}{}
	e.mu.Unlock()
	e.obs.emit([]Change{{Kind: ChangeGroups, GroupID: id}})
	return g
}

// UpdateGroup applies patch locally and remotely. With notify set and at
// least one visible field changed, a system message summarizing the change is
// posted to the group's chat; failing to post it does not fail the update.
func (e *Engine) UpdateGroup(id models.GroupID, patch models.GroupPatch, notify bool) *Op {
	now := e.clock()
	e.mu.Lock()
	cur, ok := e.groups[id]
	if !ok {
		e.mu.Unlock()
		return completedOp(newError(opUpdate, id, fmt.Errorf("group %s: %w", id, constants.ErrNotFound)))
	}
	before := cur.Clone()
	after := applyPatch(before.Clone(), patch)
	after.ScheduleLabel = e.scheduleLabel(after.ScheduledAt)
	after.UpdatedAt = now
	e.upsertGroupLocked(after)
	e.mu.Unlock()
	changes := []Change{{Kind: ChangeGroups, GroupID: id}}

	ops := patchMutations(patch, after)
	var audit *models.Message
	if diff := diffGroups(before, after); notify && len(diff) > 0 {
		m := models.NewPending(id, constants.SystemSender, "Event updated: "+strings.Join(diff, "; "), "", now)
		m.SenderName = e.cfg.SystemName
		m.System = true
		m.Mine = false
		audit = &m
		e.mu.Lock()
		e.messages[id] = reconcile.Append(e.messages[id], m)
		changes = append(changes, Change{Kind: ChangeMessages, GroupID: id})
		if e.recountLocked(id) {
			changes = append(changes, Change{Kind: ChangeUnread, GroupID: id})
		}
		e.mu.Unlock()
	}
	e.obs.emit(changes)

	return e.async(opUpdate, id, func(ctx context.Context) error {
		err := e.retry(ctx, func(ctx context.Context) error {
			return e.docs.Update(ctx, constants.GroupsCollection, string(id), ops...)
		})
		if err != nil {
			return err
		}
		e.persistSnapshot(ctx)
		if patch.Photos != nil {
			e.prefetch(patch.Photos...)
		}
		if audit != nil {
			if err := e.writeMessage(ctx, *audit); err != nil {
				e.absorb(opUpdate, id, err)
			}
		}
		return nil
	})
}

func applyPatch(g models.Group, p models.GroupPatch) models.Group {
	if p.Name != nil {
		g.Name = strings.TrimSpace(*p.Name)
	}
	if p.Location != nil {
		g.Location = strings.TrimSpace(*p.Location)
	}
	if p.ScheduledAt != nil {
		g.ScheduledAt = *p.ScheduledAt
	}
	if p.Capacity != nil {
		g.Capacity = *p.Capacity
	}
	if p.FeeCents != nil {
		g.FeeCents = *p.FeeCents
	}
	if p.AgeMin != nil {
		g.AgeMin = *p.AgeMin
	}
	if p.AgeMax != nil {
		g.AgeMax = *p.AgeMax
	}
	if p.Photos != nil {
		g.Photos = slices.Clone(p.Photos)
	}
	if p.Category != nil {
		g.Category = *p.Category
	}
	if p.Premium != nil {
		g.Premium = *p.Premium
	}
	return g
}

// patchMutations lists the field writes of a patch, always including the
// derived schedule label and the update time.
func patchMutations(p models.GroupPatch, after models.Group) []docstore.Mutation {
	var ops []docstore.Mutation
	set := func(field string, v any) { ops = append(ops, docstore.SetField(field, v)) }
	if p.Name != nil {
		set("name", after.Name)
	}
	if p.Location != nil {
		set("location", after.Location)
	}
	if p.ScheduledAt != nil {
		set("scheduled_at", after.ScheduledAt)
	}
	if p.Capacity != nil {
		set("capacity", after.Capacity)
	}
	if p.FeeCents != nil {
		set("fee_cents", after.FeeCents)
	}
	if p.AgeMin != nil {
		set("age_min", after.AgeMin)
	}
	if p.AgeMax != nil {
		set("age_max", after.AgeMax)
	}
	if p.Photos != nil {
		set(photosField, after.Photos)
	}
	if p.Category != nil {
		set("category", after.Category)
	}
	if p.Premium != nil {
		set("premium", after.Premium)
	}
	set("schedule_label", after.ScheduleLabel)
	set("updated_at", after.UpdatedAt)
	return ops
}

// diffGroups describes the user-visible differences between two versions.
func diffGroups(a, b models.Group) []string {
	var out []string
	if a.Name != b.Name {
		out = append(out, fmt.Sprintf("name %q → %q", a.Name, b.Name))
	}
	if a.Location != b.Location {
		out = append(out, fmt.Sprintf("location %q → %q", a.Location, b.Location))
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		out = append(out, fmt.Sprintf("time %s → %s", labelOr(a.ScheduleLabel), labelOr(b.ScheduleLabel)))
	}
	if a.Capacity != b.Capacity {
		out = append(out, fmt.Sprintf("capacity %d → %d", a.Capacity, b.Capacity))
	}
	if a.FeeCents != b.FeeCents {
		out = append(out, fmt.Sprintf("fee %s → %s", formatFee(a.FeeCents), formatFee(b.FeeCents)))
	}
	if a.AgeMin != b.AgeMin || a.AgeMax != b.AgeMax {
		out = append(out, fmt.Sprintf("age range %s → %s", formatAges(a.AgeMin, a.AgeMax), formatAges(b.AgeMin, b.AgeMax)))
	}
	if len(a.Photos) != len(b.Photos) {
		out = append(out, fmt.Sprintf("photos %d → %d", len(a.Photos), len(b.Photos)))
	}
	if a.Premium != b.Premium {
		out = append(out, fmt.Sprintf("premium %s → %s", onOff(a.Premium), onOff(b.Premium)))
	}
	return out
}

func labelOr(s string) string {
	if s == "" {
		return "unscheduled"
	}
	return s
}

func formatFee(cents int64) string {
	if cents == 0 {
		return "free"
	}
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}

func formatAges(lo, hi int) string {
	switch {
	case lo == 0 && hi == 0:
		return "any"
	case hi == 0:
		return strconv.Itoa(lo) + "+"
	case lo == 0:
		return "up to " + strconv.Itoa(hi)
	default:
		return strconv.Itoa(lo) + "-" + strconv.Itoa(hi)
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
