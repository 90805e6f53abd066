package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/onnwee/streamwatch/db"
	"github.com/onnwee/streamwatch/testutil"
	"github.com/onnwee/streamwatch/tracker"
)

func TestHealthz(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := tracker.NewStore(database)
	mux := NewMux(database, store, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rr.Code)
	}
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("missing correlation id header")
	}
}

func TestReadyzBeforeFirstPoll(t *testing.T) {
	database := testutil.SetupTestDB(t)
	if _, err := database.Exec(`DELETE FROM kv WHERE key='job_poll_last'`); err != nil {
		t.Fatal(err)
	}
	store := tracker.NewStore(database)
	mux := NewMux(database, store, nil)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d, want 503 before first poll", rr.Code)
	}

	if err := db.SetKV(context.Background(), database, "job_poll_last", time.Now().Format(time.RFC3339)); err != nil {
		t.Fatal(err)
	}
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz status = %d, want 200 after poll marker", rr.Code)
	}
}

func TestStatusReportsCountsAndLastPoll(t *testing.T) {
	database := testutil.SetupTestDB(t)
	if _, err := database.Exec(`DELETE FROM streams`); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	store := tracker.NewStore(database)
	for _, rec := range []tracker.StreamRecord{
		{ID: "s1", TalentID: "t1", Status: tracker.StatusLive, LastSeenAt: time.Now()},
		{ID: "s2", TalentID: "t1", Status: tracker.StatusScheduled, LastSeenAt: time.Now()},
		{ID: "s3", TalentID: "t2", Status: tracker.StatusScheduled, LastSeenAt: time.Now()},
	} {
		if err := store.Upsert(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.SetKV(ctx, database, "job_poll_last", "2026-03-01T12:00:00Z"); err != nil {
		t.Fatal(err)
	}

	mux := NewMux(database, store, nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var resp struct {
		Streams    map[string]int `json:"streams"`
		QueueDepth int            `json:"queue_depth"`
		LastPoll   string         `json:"last_poll"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Streams["live"] != 1 || resp.Streams["scheduled"] != 2 {
		t.Errorf("streams = %v", resp.Streams)
	}
	if resp.LastPoll != "2026-03-01T12:00:00Z" {
		t.Errorf("last_poll = %q", resp.LastPoll)
	}
}

func TestStreamsListingWithFilter(t *testing.T) {
	database := testutil.SetupTestDB(t)
	if _, err := database.Exec(`DELETE FROM streams`); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	store := tracker.NewStore(database)
	for _, rec := range []tracker.StreamRecord{
		{ID: "s1", TalentID: "t1", Title: "karaoke", Status: tracker.StatusLive, LastSeenAt: time.Now()},
		{ID: "s2", TalentID: "t2", Title: "gaming", Status: tracker.StatusEnded, LastSeenAt: time.Now()},
	} {
		if err := store.Upsert(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	mux := NewMux(database, store, nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/streams?status=live", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var out []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0]["id"] != "s1" {
		t.Errorf("filtered listing = %v", out)
	}
}
