package models

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/trybe-app/trybesync/pkg/constants"
)

// GroupID identifies a group entity. The engine treats it as opaque.
type GroupID string

// UserID identifies a user.
type UserID string

// MessageID is the server-assigned id of a persisted message.
type MessageID string

// Token is the client-generated idempotency token of a message.
type Token string

func NewGroupID() GroupID { return GroupID(uuid.NewString()) }
func NewToken() Token     { return Token(uuid.NewString()) }

func (id GroupID) String() string   { return string(id) }
func (id GroupID) IsZero() bool     { return id == "" }
func (id UserID) String() string    { return string(id) }
func (id UserID) IsZero() bool      { return id == "" }
func (id MessageID) String() string { return string(id) }
func (t Token) String() string      { return string(t) }

// ParseGroupID converts an identifier coming from the UI edge. Numbers and
// strings are both accepted since older documents stored numeric ids.
func ParseGroupID(v any) (GroupID, error) {
	s, err := parseID(v)
	if err != nil {
		return "", fmt.Errorf("group id: %w", err)
	}
	return GroupID(s), nil
}

// ParseUserID is the UserID counterpart of ParseGroupID.
func ParseUserID(v any) (UserID, error) {
	s, err := parseID(v)
	if err != nil {
		return "", fmt.Errorf("user id: %w", err)
	}
	return UserID(s), nil
}

func parseID(v any) (string, error) {
	var s string
	switch id := v.(type) {
	case string:
		s = id
	case int:
		s = strconv.Itoa(id)
	case int32:
		s = strconv.FormatInt(int64(id), 10)
	case int64:
		s = strconv.FormatInt(id, 10)
	case uint64:
		s = strconv.FormatUint(id, 10)
	case float64:
		if id != float64(int64(id)) {
			return "", fmt.Errorf("%w: non-integral number %v", constants.ErrInvalidID, id)
		}
		s = strconv.FormatInt(int64(id), 10)
	case fmt.Stringer:
		s = id.String()
	case nil:
		return "", fmt.Errorf("%w: nil", constants.ErrInvalidID)
	default:
		return "", fmt.Errorf("%w: unsupported type %T", constants.ErrInvalidID, v)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty", constants.ErrInvalidID)
	}
	return s, nil
}
