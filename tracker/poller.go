package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/streamwatch/cache"
	"github.com/onnwee/streamwatch/config"
	"github.com/onnwee/streamwatch/db"
	"github.com/onnwee/streamwatch/holodex"
	"github.com/onnwee/streamwatch/telemetry"
)

// UpstreamAPI lists live and upcoming streams for a set of channels.
// Satisfied by *holodex.Client.
type UpstreamAPI interface {
	ListLive(ctx context.Context, channelIDs []string) ([]holodex.Video, error)
}

// EventSink receives detected transition events. Satisfied by *Dispatcher.
type EventSink interface {
	Enqueue(ctx context.Context, ev TransitionEvent) error
}

// PollerOptions are the polling knobs; zero values fall back to defaults
// matching config.Load.
type PollerOptions struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (o *PollerOptions) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
}

// Poller periodically fetches the upstream listing for the roster, merges each
// entry into the store, and forwards detected transitions to the sink. Cycles
// never overlap: if a cycle is still running when the ticker fires, the new
// tick is skipped and counted.
type Poller struct {
	api    UpstreamAPI
	store  *Store
	sink   EventSink
	roster *config.Roster
	kv     *sql.DB
	opts   PollerOptions

	// names resolves upstream channel ids to display names for log lines
	// about entries outside the roster. Optional.
	names *cache.Names

	running atomic.Bool
}

// NewPoller wires a poller. kv may be nil when no database is attached (tests).
func NewPoller(api UpstreamAPI, store *Store, sink EventSink, roster *config.Roster, kv *sql.DB, opts PollerOptions) *Poller {
	opts.applyDefaults()
	return &Poller{api: api, store: store, sink: sink, roster: roster, kv: kv, opts: opts}
}

// WithNameCache attaches a channel-name cache used to annotate dropped
// off-roster entries in logs.
func (p *Poller) WithNameCache(names *cache.Names) *Poller {
	p.names = names
	return p
}

// Run executes one cycle immediately and then one per interval until ctx is
// cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.tick(ctx)
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		if telemetry.PollCyclesSkipped != nil {
			telemetry.PollCyclesSkipped.Inc()
		}
		slog.Warn("poll cycle still in flight, skipping tick")
		return
	}
	defer p.running.Store(false)

	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	spanCtx, span := telemetry.StartSpan(ctx, "tracker", "poll.cycle")
	var err error
	telemetry.TimeFunc(telemetry.PollDuration, func() {
		err = p.RunOnce(spanCtx)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		telemetry.RecordError(span, err)
		telemetry.LoggerWithCorr(ctx).Error("poll cycle failed", slog.Any("err", err))
	} else {
		telemetry.SetSpanSuccess(span)
	}
	span.End()
}

// RunOnce performs a single fetch-merge-detect cycle. A fetch that fails after
// all in-cycle retries skips the cycle; stream state is left untouched and the
// next interval retries from scratch.
func (p *Poller) RunOnce(ctx context.Context) error {
	log := telemetry.LoggerWithCorr(ctx)
	if telemetry.PollCycles != nil {
		telemetry.PollCycles.Inc()
	}

	videos, err := p.fetch(ctx)
	if err != nil {
		if telemetry.PollCyclesSkipped != nil {
			telemetry.PollCyclesSkipped.Inc()
		}
		return fmt.Errorf("fetch listing: %w", err)
	}

	now := time.Now().UTC()
	seen := make(map[string]bool, len(videos))
	var transitions int
	for _, v := range videos {
		talent, ok := p.roster.TalentByChannel(v.ChannelID)
		if !ok {
			// The upstream occasionally returns collabs hosted on channels
			// outside the roster.
			if telemetry.EntriesDropped != nil {
				telemetry.EntriesDropped.Inc()
			}
			log.Debug("dropping entry for unknown channel",
				slog.String("video", v.ID),
				slog.String("channel", v.ChannelID),
				slog.String("channel_name", p.channelName(ctx, v.ChannelID)))
			continue
		}
		if v.ID == "" {
			if telemetry.EntriesDropped != nil {
				telemetry.EntriesDropped.Inc()
			}
			continue
		}
		seen[v.ID] = true
		if err := p.merge(ctx, talent, v, now, &transitions); err != nil {
			return err
		}
	}

	// Anything tracked and non-terminal that vanished from the listing goes
	// Missing.
	for _, rec := range p.store.MissingCandidates(seen) {
		old := rec
		ev := DetectMissing(&old, now)
		if ev == nil {
			continue
		}
		if err := p.store.Update(ctx, rec.ID, func(r *StreamRecord) {
			r.Status = StatusMissing
		}); err != nil {
			return err
		}
		if err := p.sink.Enqueue(ctx, *ev); err != nil {
			return err
		}
		transitions++
	}

	for status, n := range p.store.CountsByStatus() {
		telemetry.SetTrackedStreams(string(status), n)
	}
	if p.kv != nil {
		if err := db.SetKV(ctx, p.kv, "job_poll_last", now.Format(time.RFC3339)); err != nil {
			log.Warn("failed to record poll marker", slog.Any("err", err))
		}
	}
	log.Info("poll cycle complete",
		slog.Int("entries", len(videos)),
		slog.Int("transitions", transitions))
	return nil
}

func (p *Poller) channelName(ctx context.Context, channelID string) string {
	if p.names == nil {
		return ""
	}
	name, err := p.names.Resolve(ctx, channelID)
	if err != nil {
		return ""
	}
	return name
}

// merge folds one listing entry into the store: detect the transition against
// last-known state, update the record first so the dispatcher reads fresh
// state, then enqueue the event. Detection and rebuild run inside Store.Merge
// so a dispatch worker's marker write cannot land between read and write and
// be lost.
func (p *Poller) merge(ctx context.Context, talent config.Talent, v holodex.Video, now time.Time, transitions *int) error {
	var ev *TransitionEvent
	err := p.store.Merge(ctx, v.ID, func(old *StreamRecord) StreamRecord {
		ev = Detect(old, v, now)
		return applyObservation(old, talent, v, now)
	})
	if err != nil {
		return err
	}
	if ev == nil {
		return nil
	}
	if err := p.sink.Enqueue(ctx, *ev); err != nil {
		return err
	}
	*transitions++
	return nil
}

// applyObservation builds the updated record for a listing entry, preserving
// the side-effect markers from the previous state.
func applyObservation(old *StreamRecord, talent config.Talent, v holodex.Video, now time.Time) StreamRecord {
	rec := StreamRecord{
		ID:       v.ID,
		TalentID: talent.ID,
		Title:    v.Title,
		URL:      v.URL(),
	}
	if old != nil {
		rec.ChatChannelID = old.ChatChannelID
		rec.AlertMessageID = old.AlertMessageID
		rec.ScheduleAlertedFor = old.ScheduleAlertedFor
		rec.Archived = old.Archived
		rec.FailedActions = old.FailedActions
	}
	if old != nil && old.Status.Terminal() {
		rec.Status = old.Status
		rec.ScheduledStart = old.ScheduledStart
		rec.ActualStart = old.ActualStart
		rec.ActualEnd = old.ActualEnd
	} else {
		rec.Status = derivedStatus(v)
		rec.ScheduledStart = scheduledStart(v)
		rec.ActualStart = v.StartActual
		rec.ActualEnd = v.EndActual
	}
	rec.LastSeenAt = now
	return rec
}

// fetch retrieves the listing with in-cycle retries. Transient failures back
// off exponentially with jitter up to the cap; a rate-limit response waits at
// least the advertised Retry-After.
func (p *Poller) fetch(ctx context.Context) ([]holodex.Video, error) {
	log := telemetry.LoggerWithCorr(ctx)
	channels := p.roster.ChannelIDs()
	var err error
	for attempt := 1; attempt <= p.opts.MaxRetries; attempt++ {
		var videos []holodex.Video
		videos, err = p.api.ListLive(ctx, channels)
		if err == nil {
			return videos, nil
		}
		if telemetry.PollFailures != nil {
			telemetry.PollFailures.Inc()
		}
		if !IsRetryableError(err) {
			return nil, err
		}
		if attempt == p.opts.MaxRetries {
			break
		}
		wait := p.backoff(attempt, err)
		log.Warn("listing fetch failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.Any("err", err))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("exhausted %d attempts: %w", p.opts.MaxRetries, err)
}

func (p *Poller) backoff(attempt int, err error) time.Duration {
	wait := p.opts.BackoffBase << (attempt - 1)
	if wait > p.opts.BackoffCap {
		wait = p.opts.BackoffCap
	}
	// Up to 10% jitter to avoid thundering against the upstream.
	wait += time.Duration(rand.Int63n(int64(wait)/10 + 1))
	var rl *holodex.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > wait {
		wait = rl.RetryAfter
		if wait > p.opts.BackoffCap {
			wait = p.opts.BackoffCap
		}
	}
	return wait
}
