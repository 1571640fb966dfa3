package sqlite_test

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/cuemby/sequent/pkg/backend"
	"github.com/cuemby/sequent/pkg/backend/backendtest"
	"github.com/cuemby/sequent/pkg/backend/sqlite"
)

func TestSQLiteBackend(t *testing.T) {
	n := 0
	backendtest.Run(t, func(t *testing.T) (backend.Backend, func()) {
		n++
		path := filepath.Join(t.TempDir(), fmt.Sprintf("sequent-%d.db", n))
		b, err := sqlite.Open(path, nil)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		return b, func() { _ = b.Close() }
	})
}
