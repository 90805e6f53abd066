package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Store is the single source of truth for stream state. It keeps an in-memory
// index for reads and writes through to Postgres on every mutation, so a
// restart reconstructs last-known status plus all side-effect markers.
// Reads and writes for a given id are serialized under the store mutex; the
// auxiliary name cache has no such obligation.
type Store struct {
	db *sql.DB

	mu   sync.Mutex
	recs map[string]*StreamRecord
}

// NewStore returns an empty store backed by the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, recs: map[string]*StreamRecord{}}
}

// Get returns a copy of the record for id.
func (s *Store) Get(id string) (StreamRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[id]
	if !ok {
		return StreamRecord{}, false
	}
	return *r, true
}

// Upsert stores the record and writes it through to the database.
func (s *Store) Upsert(ctx context.Context, rec StreamRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := rec
	s.recs[rec.ID] = &cp
	return s.persist(ctx, &cp)
}

// Update applies mutate to the record under the store lock and writes the
// result through. All marker mutations flow through here so a successful
// action is durable before the event is acknowledged.
func (s *Store) Update(ctx context.Context, id string, mutate func(*StreamRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[id]
	if !ok {
		return fmt.Errorf("stream %s not tracked", id)
	}
	mutate(r)
	return s.persist(ctx, r)
}

// Merge rebuilds the record for id under the store lock: rebuild receives a
// copy of the current record (nil when untracked) and returns the replacement,
// which is stored and persisted before the lock is released. Poll-cycle merges
// go through here rather than Get+Upsert so a marker written by a dispatch
// worker between read and write can never be lost.
func (s *Store) Merge(ctx context.Context, id string, rebuild func(old *StreamRecord) StreamRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var old *StreamRecord
	if r, ok := s.recs[id]; ok {
		cp := *r
		old = &cp
	}
	rec := rebuild(old)
	cp := rec
	s.recs[rec.ID] = &cp
	return s.persist(ctx, &cp)
}

func (s *Store) persist(ctx context.Context, r *StreamRecord) error {
	if s.db == nil {
		// Memory-only mode; used by unit tests.
		return nil
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO streams
		(video_id, talent_id, title, url, status, scheduled_start, actual_start, actual_end, last_seen_at,
		 chat_channel_id, alert_message_id, schedule_alerted_for, archived, failed_actions, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,NOW(),NOW())
		ON CONFLICT (video_id) DO UPDATE SET
			talent_id=EXCLUDED.talent_id,
			title=EXCLUDED.title,
			url=EXCLUDED.url,
			status=EXCLUDED.status,
			scheduled_start=EXCLUDED.scheduled_start,
			actual_start=EXCLUDED.actual_start,
			actual_end=EXCLUDED.actual_end,
			last_seen_at=EXCLUDED.last_seen_at,
			chat_channel_id=EXCLUDED.chat_channel_id,
			alert_message_id=EXCLUDED.alert_message_id,
			schedule_alerted_for=EXCLUDED.schedule_alerted_for,
			archived=EXCLUDED.archived,
			failed_actions=EXCLUDED.failed_actions,
			updated_at=NOW()`,
		r.ID, r.TalentID, r.Title, r.URL, string(r.Status),
		r.ScheduledStart, r.ActualStart, r.ActualEnd, r.LastSeenAt,
		r.ChatChannelID, r.AlertMessageID, r.ScheduleAlertedFor, r.Archived, r.FailedActions)
	if err != nil {
		return fmt.Errorf("persist stream %s: %w", r.ID, err)
	}
	return nil
}

// Restore loads the persisted snapshot. A row that fails to decode is dropped
// and logged as a warning; its state is re-derived from the next poll. Never
// fatal on corrupt rows.
func (s *Store) Restore(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT video_id, talent_id, title, url, status,
		scheduled_start, actual_start, actual_end, last_seen_at,
		chat_channel_id, alert_message_id, schedule_alerted_for, archived, failed_actions
		FROM streams`)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	var dropped []string
	for rows.Next() {
		var r StreamRecord
		var status string
		var title, url, chat, alert, failed sql.NullString
		if err := rows.Scan(&r.ID, &r.TalentID, &title, &url, &status,
			&r.ScheduledStart, &r.ActualStart, &r.ActualEnd, &r.LastSeenAt,
			&chat, &alert, &r.ScheduleAlertedFor, &r.Archived, &failed); err != nil {
			slog.Warn("dropping undecodable stream row", slog.Any("err", err))
			continue
		}
		r.Title, r.URL = title.String, url.String
		r.ChatChannelID, r.AlertMessageID, r.FailedActions = chat.String, alert.String, failed.String
		switch Status(status) {
		case StatusScheduled, StatusLive, StatusEnded, StatusMissing:
			r.Status = Status(status)
		default:
			slog.Warn("dropping stream row with unknown status", slog.String("video_id", r.ID), slog.String("status", status))
			dropped = append(dropped, r.ID)
			continue
		}
		rec := r
		s.recs[r.ID] = &rec
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("restore scan: %w", err)
	}
	for _, id := range dropped {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM streams WHERE video_id=$1`, id); err != nil {
			slog.Warn("failed to delete corrupt stream row", slog.String("video_id", id), slog.Any("err", err))
		}
	}
	slog.Info("stream state restored", slog.Int("records", len(s.recs)), slog.Int("dropped", len(dropped)))
	return nil
}

// Snapshot returns a copy of every tracked record, ordered by id.
func (s *Store) Snapshot() []StreamRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StreamRecord, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CountsByStatus returns how many records sit in each lifecycle status.
func (s *Store) CountsByStatus() map[Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[Status]int{}
	for _, r := range s.recs {
		out[r.Status]++
	}
	return out
}

// MissingCandidates returns copies of tracked, non-terminal records whose ids
// are absent from the given seen set.
func (s *Store) MissingCandidates(seen map[string]bool) []StreamRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StreamRecord
	for id, r := range s.recs {
		if seen[id] || r.Status.Terminal() || r.Status == StatusMissing {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reconcile emits synthetic events for records whose status lacks its
// side-effect marker, so actions interrupted by a crash are re-evaluated.
// Called once at startup after Restore; the action marker checks make the
// replay idempotent.
func (s *Store) Reconcile() []TransitionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var out []TransitionEvent
	for _, r := range s.recs {
		switch {
		case r.Status == StatusLive && (r.ChatChannelID == "" || r.AlertMessageID == ""):
			out = append(out, TransitionEvent{StreamID: r.ID, OldStatus: StatusScheduled, NewStatus: StatusLive, ObservedAt: now})
		case r.Status == StatusEnded && r.ChatChannelID != "" && !r.Archived:
			out = append(out, TransitionEvent{StreamID: r.ID, OldStatus: StatusLive, NewStatus: StatusEnded, ObservedAt: now})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out
}

// Prune drops terminal and missing records not seen within the retention
// window, both from memory and the snapshot table, so the store stays
// bounded. Records with an unarchived chat are kept so the archive action can
// still run.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int
	for id, r := range s.recs {
		if !r.LastSeenAt.Before(cutoff) {
			continue
		}
		if (r.Status == StatusEnded || r.Status == StatusMissing) && (r.Archived || r.ChatChannelID == "") {
			if s.db != nil {
				if _, err := s.db.ExecContext(ctx, `DELETE FROM streams WHERE video_id=$1`, id); err != nil {
					return removed, fmt.Errorf("prune %s: %w", id, err)
				}
			}
			delete(s.recs, id)
			removed++
		}
	}
	return removed, nil
}
