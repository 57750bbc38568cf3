package surrealstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/trybe-app/trybesync/pkg/constants"
)

var sentinels = []error{
	constants.ErrNotFound,
	constants.ErrPermissionDenied,
	constants.ErrUnauthenticated,
	constants.ErrTransactionConflict,
	constants.ErrNetworkFailure,
}

// mapError translates driver and server errors onto the docstore sentinels.
// Errors it cannot classify are returned as they are.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return err
		}
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.As(err, &netErr):
		return fmt.Errorf("%w: %w", constants.ErrNetworkFailure, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "write conflict"),
		strings.Contains(msg, "read or write conflict"):
		return fmt.Errorf("%w: %w", constants.ErrTransactionConflict, err)
	case strings.Contains(msg, "not allowed"),
		strings.Contains(msg, "permission"),
		strings.Contains(msg, "iam error"):
		return fmt.Errorf("%w: %w", constants.ErrPermissionDenied, err)
	case strings.Contains(msg, "authentication"),
		strings.Contains(msg, "token has expired"):
		return fmt.Errorf("%w: %w", constants.ErrUnauthenticated, err)
	case strings.Contains(msg, "connection closed"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "connection refused"):
		return fmt.Errorf("%w: %w", constants.ErrNetworkFailure, err)
	}
	return err
}
