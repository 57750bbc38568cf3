// Package docstore describes the remote document service the engine consumes:
// point reads and writes, field-level atomic mutations, multi-document
// transactions, and change subscriptions that yield full current state.
//
// Implementations live in the subpackages memstore (in-process),
// surrealstore (SurrealDB) and mongostore (MongoDB).
package docstore

import (
	"context"
)

// IDField is the field name under which a document's id is exposed when a
// Snapshot is decoded. Adapters never store it inside the document body.
const IDField = "id"

// Fields is the generic body of a document.
type Fields map[string]any

// Snapshot is a document as read from the service.
type Snapshot struct {
	ID     string
	Fields Fields
}

// Decode fills v from the snapshot, exposing the id as IDField.
func (s Snapshot) Decode(v any) error {
	f := make(Fields, len(s.Fields)+1)
	for k, val := range s.Fields {
		f[k] = val
	}
	f[IDField] = s.ID
	return Decode(f, v)
}

// Event is delivered by a Subscription. Snapshots is the full current result:
// zero or one document for WatchDocument, the ordered result set for
// WatchQuery. A non-nil Err ends the subscription.
type Event struct {
	Snapshots []Snapshot
	Err       error
}

type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Query selects documents of a collection by equality on one field, ordered
// ascending by OrderBy.
type Query struct {
	Collection string
	Field      string
	Equals     any
	OrderBy    string
	Limit      int
}

// Tx is the view of the store inside RunTransaction. Reads observe the
// transaction's own writes.
type Tx interface {
	Get(collection, id string) (*Snapshot, error)
	Set(collection, id string, fields Fields) error
	Update(collection, id string, ops ...Mutation) error
}

// TxFunc may be invoked several times when concurrent commits conflict.
type TxFunc func(ctx context.Context, tx Tx) error

// Service is the remote document service.
//
// Errors are mapped onto the sentinels of the constants package:
// ErrNotFound, ErrPermissionDenied, ErrTransactionConflict (retries exhausted)
// and ErrNetworkFailure.
type Service interface {
	Get(ctx context.Context, collection, id string) (*Snapshot, error)
	Set(ctx context.Context, collection, id string, fields Fields) error
	// Add stores a new document under a service-assigned id.
	Add(ctx context.Context, collection string, fields Fields) (string, error)
	// Update applies field-level mutations atomically outside a transaction.
	Update(ctx context.Context, collection, id string, ops ...Mutation) error
	List(ctx context.Context, collection string) ([]Snapshot, error)
	RunTransaction(ctx context.Context, fn TxFunc) error
	WatchDocument(ctx context.Context, collection, id string) (Subscription, error)
	WatchQuery(ctx context.Context, q Query) (Subscription, error)
	Close() error
}
