package bounce

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/foxzi/drip/internal/store"
)

func setupRecorder(t *testing.T) (*StoreRecorder, *store.BoltStore, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "bounce_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	s, err := store.NewBoltStore(filepath.Join(dir, "test.db"))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("failed to open store: %v", err)
	}
	cleanup := func() {
		s.Close()
		os.RemoveAll(dir)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStoreRecorder(s, logger), s, cleanup
}

func TestHardBounceSuppresses(t *testing.T) {
	r, s, cleanup := setupRecorder(t)
	defer cleanup()

	ctx := context.Background()
	if err := r.RecordBounce(ctx, "hard", "550 user unknown", "gone@example.com", "u1", "org-1"); err != nil {
		t.Fatalf("record: %v", err)
	}

	ok, err := s.IsSuppressed(ctx, "gone@example.com", "org-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ok {
		t.Errorf("hard bounce must suppress the recipient")
	}
}

func TestSoftBounceDoesNotSuppress(t *testing.T) {
	r, s, cleanup := setupRecorder(t)
	defer cleanup()

	ctx := context.Background()
	if err := r.RecordBounce(ctx, "soft", "452 mailbox full", "busy@example.com", "u1", "org-1"); err != nil {
		t.Fatalf("record: %v", err)
	}

	ok, _ := s.IsSuppressed(ctx, "busy@example.com", "org-1")
	if ok {
		t.Errorf("soft bounce must not suppress the recipient")
	}
}
