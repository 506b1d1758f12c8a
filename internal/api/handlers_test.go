package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/drip/internal/dispatch"
	"github.com/foxzi/drip/internal/store"
)

type fakeSupervisor struct {
	status dispatch.Status
}

func (f *fakeSupervisor) Status() dispatch.Status {
	return f.status
}

func setupServer(t *testing.T) (*Server, *store.BoltStore, *fakeSupervisor, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "api_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	s, err := store.NewBoltStore(filepath.Join(dir, "test.db"))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("failed to open store: %v", err)
	}

	sup := &fakeSupervisor{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(s, sup, ":0", logger)

	cleanup := func() {
		s.Close()
		os.RemoveAll(dir)
	}
	return srv, s, sup, cleanup
}

func TestHandleHealth(t *testing.T) {
	srv, _, _, cleanup := setupServer(t)
	defer cleanup()

	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
}

func TestHandleStatus(t *testing.T) {
	srv, _, sup, cleanup := setupServer(t)
	defer cleanup()

	started := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	sup.status = dispatch.Status{
		Running:             true,
		RunStarted:          &started,
		ConsecutiveFailures: 2,
	}

	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Scheduler.Running || resp.Scheduler.ConsecutiveFailures != 2 {
		t.Errorf("scheduler status = %+v", resp.Scheduler)
	}
}

func TestHandleQueue(t *testing.T) {
	srv, s, _, cleanup := setupServer(t)
	defer cleanup()

	ctx := context.Background()
	for i, status := range []store.UnitStatus{store.UnitScheduled, store.UnitScheduled, store.UnitSent} {
		err := s.PutUnit(ctx, &store.SendUnit{
			ID:         "u" + string(rune('0'+i)),
			CampaignID: "camp-1",
			OrgID:      "org-1",
			Recipient:  "lead@example.com",
			SendAt:     time.Now().UTC(),
			Status:     status,
		})
		if err != nil {
			t.Fatalf("put unit: %v", err)
		}
	}

	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/queue", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp QueueResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Counts.Scheduled != 2 || resp.Counts.Sent != 1 || resp.Counts.Total != 3 {
		t.Errorf("counts = %+v", resp.Counts)
	}
}
