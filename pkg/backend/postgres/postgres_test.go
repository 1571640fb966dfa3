package postgres_test

import (
	"os"
	"testing"

	"github.com/cuemby/sequent/pkg/backend"
	"github.com/cuemby/sequent/pkg/backend/backendtest"
	"github.com/cuemby/sequent/pkg/backend/postgres"
)

// TestPostgresBackend only runs against a real instance: set
// SEQUENT_TEST_POSTGRES_DSN to a disposable database's connection string to
// exercise it. The conformance suite's sub-tests use disjoint stream and
// group ids, so they can safely share one migrated database.
func TestPostgresBackend(t *testing.T) {
	dsn := os.Getenv("SEQUENT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SEQUENT_TEST_POSTGRES_DSN not set")
	}

	n := 0
	backendtest.Run(t, func(t *testing.T) (backend.Backend, func()) {
		n++
		b, err := postgres.Open(dsn, 5, 2)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { _ = b.Close() })
		return b, func() {}
	})
}
