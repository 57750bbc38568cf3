package testenv

import (
	"os"
	"testing"
)

const (
	// EnvSurrealURL points the integration tests at a SurrealDB endpoint,
	// for example ws://localhost:8000/rpc.
	EnvSurrealURL = "SURREALDB_URL"

	// EnvMongoURI points the integration tests at a MongoDB deployment. The
	// watch tests need a replica set.
	EnvMongoURI = "MONGODB_URI"
)

// RequireEnv returns the value of key or skips the test when it is unset.
func RequireEnv(t testing.TB, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("%s not set", key)
	}
	return v
}
