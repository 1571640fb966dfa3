package memory_test

import (
	"testing"

	"github.com/cuemby/sequent/pkg/backend"
	"github.com/cuemby/sequent/pkg/backend/backendtest"
	"github.com/cuemby/sequent/pkg/backend/memory"
)

func TestMemoryBackend(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) (backend.Backend, func()) {
		b := memory.New()
		return b, func() { _ = b.Close() }
	})
}
