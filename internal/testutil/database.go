package testutil

import (
	"testing"

	"github.com/probeline/probeline/internal/storage"
)

// NewTestStore creates a store backed by a temporary directory.
// The store is automatically closed when the test completes.
func NewTestStore(t *testing.T) *storage.Store {
	t.Helper()

	store, err := storage.Open(t.TempDir(), NewTestLogger(t))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}

	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("failed to close test store: %v", err)
		}
	})
	return store
}
