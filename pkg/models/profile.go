package models

import "time"

type Profile struct {
	ID     UserID `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// ReadCursor is the last-read marker of a user in a group.
type ReadCursor struct {
	GroupID GroupID   `json:"group_id"`
	UserID  UserID    `json:"user_id"`
	ReadAt  time.Time `json:"read_at"`
}

// CursorID is the document id of a read cursor.
func CursorID(group GroupID, user UserID) string {
	return string(group) + "_" + string(user)
}

// Resolution is a cached media reference resolution.
type Resolution struct {
	Ref        string    `json:"ref"`
	URL        string    `json:"url"`
	Trusted    bool      `json:"trusted"`
	ResolvedAt time.Time `json:"resolved_at"`
}
