package models

import (
	"slices"
	"time"
)

// Group is a capacity-bounded shared activity ("trybe") with a member list.
type Group struct {
	ID            GroupID   `json:"id" cbor:"id"`
	Name          string    `json:"name" cbor:"name"`
	Location      string    `json:"location" cbor:"location"`
	ScheduledAt   time.Time `json:"scheduled_at" cbor:"scheduled_at"`
	ScheduleLabel string    `json:"schedule_label,omitempty" cbor:"schedule_label,omitempty"`
	Capacity      int       `json:"capacity" cbor:"capacity"`
	MemberCount   int       `json:"member_count" cbor:"member_count"`
	Members       []UserID  `json:"members" cbor:"members"`
	CreatorID     UserID    `json:"creator_id" cbor:"creator_id"`
	Photos        []string  `json:"photos" cbor:"photos"`
	Category      string    `json:"category,omitempty" cbor:"category,omitempty"`
	FeeCents      int64     `json:"fee_cents" cbor:"fee_cents"`
	AgeMin        int       `json:"age_min,omitempty" cbor:"age_min,omitempty"`
	AgeMax        int       `json:"age_max,omitempty" cbor:"age_max,omitempty"`
	Premium       bool      `json:"premium" cbor:"premium"`
	CreatedAt     time.Time `json:"created_at" cbor:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" cbor:"updated_at"`

	// ResolvedPhotos holds display URLs parallel to Photos. Never persisted.
	ResolvedPhotos []string `json:"-" cbor:"-"`
}

// HasMember reports whether id is listed in Members.
func (g Group) HasMember(id UserID) bool {
	return slices.Contains(g.Members, id)
}

// AddMember appends id when absent and reports whether it did.
func (g *Group) AddMember(id UserID) bool {
	if g.HasMember(id) {
		return false
	}
	g.Members = append(g.Members, id)
	return true
}

// RemoveMember drops id and reports whether it was present.
func (g *Group) RemoveMember(id UserID) bool {
	i := slices.Index(g.Members, id)
	if i < 0 {
		return false
	}
	g.Members = slices.Delete(slices.Clone(g.Members), i, i+1)
	return true
}

// Clone returns a deep copy safe to hand out of the engine.
func (g Group) Clone() Group {
	g.Members = slices.Clone(g.Members)
	g.Photos = slices.Clone(g.Photos)
	g.ResolvedPhotos = slices.Clone(g.ResolvedPhotos)
	return g
}

// GroupInput is the data accepted by CreateGroup.
type GroupInput struct {
	Name        string    `json:"name"`
	Location    string    `json:"location"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Capacity    int       `json:"capacity"`
	Photos      []string  `json:"photos"`
	Category    string    `json:"category"`
	FeeCents    int64     `json:"fee_cents"`
	AgeMin      int       `json:"age_min"`
	AgeMax      int       `json:"age_max"`
	Premium     bool      `json:"premium"`
}

// GroupPatch carries the fields to change in UpdateGroup. Nil means unchanged.
type GroupPatch struct {
	Name        *string    `json:"name,omitempty"`
	Location    *string    `json:"location,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	Capacity    *int       `json:"capacity,omitempty"`
	FeeCents    *int64     `json:"fee_cents,omitempty"`
	AgeMin      *int       `json:"age_min,omitempty"`
	AgeMax      *int       `json:"age_max,omitempty"`
	Photos      []string   `json:"photos,omitempty"`
	Category    *string    `json:"category,omitempty"`
	Premium     *bool      `json:"premium,omitempty"`
}
