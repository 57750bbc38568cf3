package trybesync

import (
	"errors"
	"fmt"

	"github.com/trybe-app/trybesync/pkg/constants"
	"github.com/trybe-app/trybesync/pkg/models"
)

// Kind classifies engine errors.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnauthenticated
	KindPermissionDenied
	KindTransactionConflict
	KindResolutionFailure
	KindPersistenceFailure
	KindNetworkFailure
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "Unauthenticated"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindTransactionConflict:
		return "TransactionConflict"
	case KindResolutionFailure:
		return "ResolutionFailure"
	case KindPersistenceFailure:
		return "PersistenceFailure"
	case KindNetworkFailure:
		return "NetworkFailure"
	case KindNotFound:
		return "NotFound"
	default:
		return "Unknown"
	}
}

var kindSentinels = []struct {
	kind Kind
	err  error
}{
	// order matters: a join failure wrapping both a conflict and a network
	// error is reported as the more specific one
	{KindUnauthenticated, constants.ErrUnauthenticated},
	{KindPermissionDenied, constants.ErrPermissionDenied},
	{KindNotFound, constants.ErrNotFound},
	{KindResolutionFailure, constants.ErrResolutionFailure},
	{KindPersistenceFailure, constants.ErrPersistenceFailure},
	{KindTransactionConflict, constants.ErrTransactionConflict},
	{KindNetworkFailure, constants.ErrNetworkFailure},
}

// KindOf classifies err against the sentinels of the constants package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindUnknown {
		return e.Kind
	}
	for _, s := range kindSentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return KindUnknown
}

// Error is returned by Op.Err and carried by error notifications.
type Error struct {
	Kind    Kind
	Op      string
	GroupID models.GroupID
	// Message is the text meant for the user.
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.GroupID != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.GroupID, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(op string, group models.GroupID, err error) *Error {
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	kind := KindOf(err)
	return &Error{Kind: kind, Op: op, GroupID: group, Message: userMessage(kind), Err: err}
}

// attendeeError is the refusal of chat access to a non-member.
func attendeeError(group models.GroupID, err error) *Error {
	if err == nil {
		err = constants.ErrPermissionDenied
	} else if !errors.Is(err, constants.ErrPermissionDenied) {
		err = fmt.Errorf("%w: %w", constants.ErrPermissionDenied, err)
	}
	return &Error{
		Kind:    KindPermissionDenied,
		Op:      opSubscribe,
		GroupID: group,
		Message: constants.AttendeeMessage,
		Err:     err,
	}
}

func userMessage(k Kind) string {
	switch k {
	case KindUnauthenticated:
		return "Please sign in to continue."
	case KindPermissionDenied:
		return "You don't have permission to do that."
	case KindNotFound:
		return "This event no longer exists."
	case KindNetworkFailure:
		return "Network problem. Please try again."
	case KindTransactionConflict:
		return "Too many people are updating this event right now. Please try again."
	default:
		return "Something went wrong. Please try again."
	}
}
