// The [trybesync] package keeps a local, UI-facing model of group events,
// membership, chat messages, read state and resolved media consistent with a
// remote document store.
//
// # Engine
//
// An [Engine] is constructed once per process with its collaborators injected:
// a [docstore.Service] for the remote documents, an [objectstore.Resolver] for
// media download URLs, a [kvstore.Store] for the snapshot cache and an
// [identity.Provider] for the signed-in user.
//
// Every public operation applies its optimistic local mutation before it
// returns and finishes the remote part in the background. The returned [*Op]
// can be waited on, but UI code usually ignores it: terminal failures are also
// delivered to the configured [Notifier], and state changes to observers
// registered with [Engine.OnChange].
//
// # Consistency
//
// Optimistic state is never rolled back. Group documents the user joined are
// watched, and the authoritative document replaces the local one on every
// change. Chat messages are reconciled with [reconcile.Merge]: pending entries
// are matched to confirmed ones by idempotency token, or by sender, body and a
// 2-second time bucket when the token is missing.
//
// # Backends
//
// [memstore] runs in process and supports failure injection for tests. For a
// real deployment use [surrealstore] (SurrealDB) or [mongostore] (MongoDB).
//
// [docstore.Service]: https://pkg.go.dev/github.com/trybe-app/trybesync/pkg/docstore#Service
// [objectstore.Resolver]: https://pkg.go.dev/github.com/trybe-app/trybesync/pkg/objectstore#Resolver
// [kvstore.Store]: https://pkg.go.dev/github.com/trybe-app/trybesync/pkg/kvstore#Store
// [identity.Provider]: https://pkg.go.dev/github.com/trybe-app/trybesync/pkg/identity#Provider
// [reconcile.Merge]: https://pkg.go.dev/github.com/trybe-app/trybesync/pkg/reconcile#Merge
// [memstore]: https://pkg.go.dev/github.com/trybe-app/trybesync/pkg/docstore/memstore
// [surrealstore]: https://pkg.go.dev/github.com/trybe-app/trybesync/pkg/docstore/surrealstore
// [mongostore]: https://pkg.go.dev/github.com/trybe-app/trybesync/pkg/docstore/mongostore
package trybesync
