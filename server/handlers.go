package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/onnwee/streamwatch/db"
	"github.com/onnwee/streamwatch/tracker"
)

// Handlers holds the dependencies the HTTP endpoints read from.
type Handlers struct {
	db         *sql.DB
	store      *tracker.Store
	dispatcher *tracker.Dispatcher
}

// NewHandlers creates the handler set.
func NewHandlers(database *sql.DB, store *tracker.Store, dispatcher *tracker.Dispatcher) *Handlers {
	return &Handlers{db: database, store: store, dispatcher: dispatcher}
}

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"poller", func() error {
			// An empty marker means the first cycle has not completed yet.
			last, err := db.GetKV(r.Context(), h.db, "job_poll_last")
			if err != nil {
				return err
			}
			if last == "" {
				return errors.New("no completed poll cycle")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// statusResponse is the /status payload.
type statusResponse struct {
	Streams    map[string]int `json:"streams"`
	QueueDepth int            `json:"queue_depth"`
	LastPoll   string         `json:"last_poll,omitempty"`
}

// HandleStatus reports tracked-stream counts, dispatch queue depth, and the
// last completed poll.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Streams: map[string]int{}}
	for status, n := range h.store.CountsByStatus() {
		resp.Streams[string(status)] = n
	}
	if h.dispatcher != nil {
		resp.QueueDepth = h.dispatcher.QueueDepth()
	}
	if last, err := db.GetKV(r.Context(), h.db, "job_poll_last"); err == nil {
		resp.LastPoll = last
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// streamView is the public shape of one tracked stream.
type streamView struct {
	ID             string     `json:"id"`
	TalentID       string     `json:"talent_id"`
	Title          string     `json:"title"`
	URL            string     `json:"url"`
	Status         string     `json:"status"`
	ScheduledStart *time.Time `json:"scheduled_start,omitempty"`
	ActualStart    *time.Time `json:"actual_start,omitempty"`
	ActualEnd      *time.Time `json:"actual_end,omitempty"`
	LastSeenAt     time.Time  `json:"last_seen_at"`
	ChatChannelID  string     `json:"chat_channel_id,omitempty"`
	Archived       bool       `json:"archived"`
}

// HandleStreams lists tracked streams, optionally filtered by ?status=.
func (h *Handlers) HandleStreams(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("status")
	out := []streamView{}
	for _, rec := range h.store.Snapshot() {
		if filter != "" && string(rec.Status) != filter {
			continue
		}
		out = append(out, streamView{
			ID:             rec.ID,
			TalentID:       rec.TalentID,
			Title:          rec.Title,
			URL:            rec.URL,
			Status:         string(rec.Status),
			ScheduledStart: rec.ScheduledStart,
			ActualStart:    rec.ActualStart,
			ActualEnd:      rec.ActualEnd,
			LastSeenAt:     rec.LastSeenAt,
			ChatChannelID:  rec.ChatChannelID,
			Archived:       rec.Archived,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
