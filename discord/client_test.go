package discord

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/onnwee/streamwatch/testutil"
)

func testClient(url string) *Client {
	return &Client{Token: "tok", BaseURL: url, Limiter: rate.NewLimiter(rate.Inf, 1)}
}

func TestCreateChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/guilds/g1/channels" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bot tok" {
			t.Errorf("bad auth header %q", got)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["parent_id"] != "cat" || body["topic"] != "https://youtube.com/watch?v=x" {
			t.Errorf("unexpected body %v", body)
		}
		w.Write([]byte(`{"id":"chan-1"}`))
	}))
	defer srv.Close()
	id, err := testClient(srv.URL).CreateChannel(context.Background(), "g1", "cat", "sora-stream", "https://youtube.com/watch?v=x")
	if err != nil {
		t.Fatal(err)
	}
	if id != "chan-1" {
		t.Fatalf("expected chan-1 got %s", id)
	}
}

func TestSendMessageRetriesOn429(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0.01")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"id":"msg-1"}`))
	}))
	defer srv.Close()
	id, err := testClient(srv.URL).SendMessage(context.Background(), "c1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if id != "msg-1" || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected retry then success, got id=%s calls=%d", id, calls)
	}
}

func TestPermanentErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"message":"Missing Permissions"}`, http.StatusForbidden)
	}))
	defer srv.Close()
	_, err := testClient(srv.URL).SendMessage(context.Background(), "c1", "hello")
	var ae *APIError
	if !errors.As(err, &ae) {
		t.Fatalf("expected APIError got %v", err)
	}
	if ae.Status != http.StatusForbidden || ae.IsTransient() {
		t.Fatalf("403 must be permanent: %+v", ae)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("permanent error must not be retried, calls=%d", calls)
	}
}

func TestArchiveChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/channels/c9" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["parent_id"] != "arch" {
			t.Errorf("unexpected body %v", body)
		}
		w.Write([]byte(`{"id":"c9"}`))
	}))
	defer srv.Close()
	if err := testClient(srv.URL).ArchiveChannel(context.Background(), "c9", "arch"); err != nil {
		t.Fatal(err)
	}
}

func TestListChannels(t *testing.T) {
	mock := testutil.NewMockDiscordServer(t)
	mock.MockListChannels("g1", []map[string]any{
		{"id": "c1", "name": "sora-stream", "topic": "https://youtube.com/watch?v=x", "parent_id": "cat", "type": 0},
		{"id": "c2", "name": "general", "topic": "", "parent_id": "other", "type": 0},
	})
	chans, err := testClient(mock.URL).ListChannels(context.Background(), "g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(chans) != 2 {
		t.Fatalf("expected 2 channels got %d", len(chans))
	}
	if chans[0].ID != "c1" || chans[0].Topic != "https://youtube.com/watch?v=x" || chans[0].ParentID != "cat" {
		t.Fatalf("unexpected channel %+v", chans[0])
	}
}

func TestCreateThenAnnounceFlow(t *testing.T) {
	mock := testutil.NewMockDiscordServer(t)
	mock.MockCreateChannel("g1", "chan-5")
	mock.MockSendMessage("alerts", "msg-9")

	c := testClient(mock.URL)
	chanID, err := c.CreateChannel(context.Background(), "g1", "cat", "sora-stream", "https://youtube.com/watch?v=x")
	if err != nil {
		t.Fatal(err)
	}
	if chanID != "chan-5" {
		t.Fatalf("expected chan-5 got %s", chanID)
	}
	msgID, err := c.SendMessage(context.Background(), "alerts", "Sora is live")
	if err != nil {
		t.Fatal(err)
	}
	if msgID != "msg-9" {
		t.Fatalf("expected msg-9 got %s", msgID)
	}
}

func TestRetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	c := testClient(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := c.DeleteChannel(ctx, "c1")
	if err == nil {
		t.Fatal("expected failure")
	}
}
