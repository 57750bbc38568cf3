package mongostore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/trybe-app/trybesync/pkg/constants"
)

// Server error codes the mapping cares about.
const (
	codeUnauthorized         = 13
	codeAuthenticationFailed = 18
	codeWriteConflict        = 112
)

var sentinels = []error{
	constants.ErrNotFound,
	constants.ErrPermissionDenied,
	constants.ErrUnauthenticated,
	constants.ErrTransactionConflict,
	constants.ErrNetworkFailure,
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return err
		}
	}
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("%w: %w", constants.ErrNotFound, err)
	case mongo.IsTimeout(err), mongo.IsNetworkError(err),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled),
		errors.Is(err, mongo.ErrClientDisconnected):
		return fmt.Errorf("%w: %w", constants.ErrNetworkFailure, err)
	}
	var se mongo.ServerError
	if errors.As(err, &se) {
		switch {
		case se.HasErrorCode(codeUnauthorized):
			return fmt.Errorf("%w: %w", constants.ErrPermissionDenied, err)
		case se.HasErrorCode(codeAuthenticationFailed):
			return fmt.Errorf("%w: %w", constants.ErrUnauthenticated, err)
		case se.HasErrorCode(codeWriteConflict):
			return fmt.Errorf("%w: %w", constants.ErrTransactionConflict, err)
		}
	}
	return err
}
