package tracker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/streamwatch/config"
	"github.com/onnwee/streamwatch/discord"
	"github.com/onnwee/streamwatch/telemetry"
)

// ChatPlatform is the side-effect surface the dispatcher drives. Satisfied by
// *discord.Client; tests substitute a fake.
type ChatPlatform interface {
	CreateChannel(ctx context.Context, guildID, categoryID, name, topic string) (string, error)
	SendMessage(ctx context.Context, channelID, content string) (string, error)
	ArchiveChannel(ctx context.Context, channelID, archiveCategoryID string) error
	ListChannels(ctx context.Context, guildID string) ([]discord.GuildChannel, error)
}

// Action names recorded in StreamRecord.FailedActions and metric labels.
const (
	ActionCreateChat    = "create_chat"
	ActionPostAlert     = "post_alert"
	ActionScheduleAlert = "schedule_alert"
	ActionArchiveChat   = "archive_chat"
)

// DispatcherOptions are the tuning knobs; zero values fall back to defaults
// matching config.Load.
type DispatcherOptions struct {
	Workers      int
	QueueSize    int
	MaxAttempts  int
	BackoffBase  time.Duration
	ArchiveDelay time.Duration
}

func (o *DispatcherOptions) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
}

// Dispatcher consumes transition events and executes the chat-platform side
// effects they imply, exactly once per stream per effect. Events are sharded
// onto per-worker bounded queues by stream id, so all events for one stream
// are handled in order by the same worker while distinct streams proceed
// concurrently. Enqueue blocks when a shard is full; the poller slows down
// rather than dropping events.
type Dispatcher struct {
	store  *Store
	chat   ChatPlatform
	roster *config.Roster
	guild  config.GuildSettings
	opts   DispatcherOptions

	queues []chan TransitionEvent
	depth  atomic.Int64
}

// NewDispatcher wires a dispatcher. guild carries the target ids and feature
// toggles for the single configured guild.
func NewDispatcher(store *Store, chat ChatPlatform, roster *config.Roster, guild config.GuildSettings, opts DispatcherOptions) *Dispatcher {
	opts.applyDefaults()
	queues := make([]chan TransitionEvent, opts.Workers)
	for i := range queues {
		queues[i] = make(chan TransitionEvent, opts.QueueSize)
	}
	return &Dispatcher{store: store, chat: chat, roster: roster, guild: guild, opts: opts, queues: queues}
}

func (d *Dispatcher) shard(streamID string) int {
	h := fnv.New32a()
	h.Write([]byte(streamID))
	return int(h.Sum32()) % len(d.queues)
}

// Enqueue hands an event to its stream's worker, blocking while the shard
// queue is full.
func (d *Dispatcher) Enqueue(ctx context.Context, ev TransitionEvent) error {
	select {
	case d.queues[d.shard(ev.StreamID)] <- ev:
		telemetry.SetQueueDepth(int(d.depth.Add(1)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth returns the number of events queued or in flight across all
// shards.
func (d *Dispatcher) QueueDepth() int {
	return int(d.depth.Load())
}

// Drain blocks until every queued and in-flight event has been handled, or
// ctx expires. Used for the shutdown grace period: the poller is stopped
// first, then the dispatcher drains before its context is cancelled.
func (d *Dispatcher) Drain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if d.depth.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepOrphans archives chat channels whose stream is no longer tracked.
// Channel topics carry the stream URL, so any channel under the chat category
// whose topic matches no tracked record was orphaned by a crash or a pruned
// record. Channels for streams still tracked are left alone, whatever their
// status. Run once at startup, after Restore and Reconcile.
func (d *Dispatcher) SweepOrphans(ctx context.Context) error {
	if !d.guild.TrackingEnabled || d.guild.ChatCategoryID == "" || d.guild.ArchiveCategoryID == "" {
		return nil
	}
	log := telemetry.LoggerWithCorr(ctx)

	channels, err := d.chat.ListChannels(ctx, d.guild.GuildID)
	if err != nil {
		return fmt.Errorf("listing guild channels: %w", err)
	}

	tracked := make(map[string]bool)
	for _, rec := range d.store.Snapshot() {
		if rec.URL != "" {
			tracked[rec.URL] = true
		}
	}

	swept := 0
	for _, ch := range channels {
		if ch.ParentID != d.guild.ChatCategoryID || tracked[ch.Topic] {
			continue
		}
		if err := d.chat.ArchiveChannel(ctx, ch.ID, d.guild.ArchiveCategoryID); err != nil {
			log.Warn("failed to archive orphaned channel",
				slog.String("channel", ch.ID),
				slog.String("name", ch.Name),
				slog.Any("err", err))
			continue
		}
		log.Info("archived orphaned chat channel",
			slog.String("channel", ch.ID),
			slog.String("name", ch.Name))
		swept++
	}
	if swept > 0 {
		log.Info("orphan sweep complete", slog.Int("archived", swept))
	}
	return nil
}

// Run starts the worker pool and blocks until ctx is cancelled and all
// in-flight events finish.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range d.queues {
		q := d.queues[i]
		worker := i
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case ev := <-q:
					d.handle(ctx, worker, ev)
					telemetry.SetQueueDepth(int(d.depth.Add(-1)))
				}
			}
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Dispatcher) handle(ctx context.Context, worker int, ev TransitionEvent) {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("stream", ev.StreamID),
		slog.String("from", string(ev.OldStatus)),
		slog.String("to", string(ev.NewStatus)),
		slog.Int("worker", worker),
	)

	if telemetry.Transitions != nil {
		telemetry.Transitions.WithLabelValues(transitionKind(ev)).Inc()
	}

	switch {
	case ev.Rescheduled():
		d.runAction(ctx, log, ev.StreamID, ActionScheduleAlert, d.scheduleAlert(ev))
	case ev.NewStatus == StatusLive:
		// Channel first so the alert can link it; each carries its own marker,
		// so a crash between the two replays only the missing half.
		d.runAction(ctx, log, ev.StreamID, ActionCreateChat, d.createChat)
		d.runAction(ctx, log, ev.StreamID, ActionPostAlert, d.postAlert)
	case ev.NewStatus == StatusEnded:
		d.runAction(ctx, log, ev.StreamID, ActionArchiveChat, d.archiveChat)
	case ev.NewStatus == StatusMissing:
		log.Warn("stream vanished from listings without ending")
	default:
		log.Info("stream transition observed, no side effect")
	}
}

func transitionKind(ev TransitionEvent) string {
	if ev.Rescheduled() {
		return "rescheduled"
	}
	return string(ev.OldStatus) + ">" + string(ev.NewStatus)
}

// actionFunc performs one side effect against the current record and returns
// a mutation recording its marker, or nil when the effect was a no-op.
type actionFunc func(ctx context.Context, rec StreamRecord) (func(*StreamRecord), error)

// runAction re-reads the record, skips when the marker is already set or the
// action was flagged failed, then retries the effect with capped exponential
// backoff. On success the marker mutation is persisted before returning; on a
// permanent error the action is flagged and an ops note is posted best-effort.
func (d *Dispatcher) runAction(ctx context.Context, log *slog.Logger, streamID, action string, fn actionFunc) {
	rec, ok := d.store.Get(streamID)
	if !ok {
		log.Warn("event for untracked stream dropped", slog.String("action", action))
		return
	}
	if rec.ActionFailed(action) {
		log.Warn("action previously flagged failed, skipping", slog.String("action", action))
		return
	}

	var mutate func(*StreamRecord)
	attempt := func(ctx context.Context) error {
		// Re-read inside the retry loop: a concurrent reconcile replay may
		// have already set the marker.
		cur, ok := d.store.Get(streamID)
		if !ok {
			return fmt.Errorf("stream %s no longer tracked", streamID)
		}
		var err error
		mutate, err = fn(ctx, cur)
		return err
	}

	start := time.Now()
	err := d.withRetry(ctx, log, action, attempt)
	if telemetry.ActionDuration != nil {
		telemetry.ActionDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		// Cancellation is not a verdict on the action: leave it unmarked so
		// startup reconciliation replays it.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.Warn("action interrupted, will replay after restart", slog.String("action", action), slog.Any("err", err))
			return
		}
		d.flagPermanent(ctx, log, streamID, action, err)
		return
	}
	if mutate == nil {
		return
	}
	if uerr := d.store.Update(ctx, streamID, mutate); uerr != nil {
		// Effect happened but the marker write failed; the reconcile pass will
		// replay and the platform-side idempotence (channel lookup, markers
		// re-read) keeps it from doubling.
		log.Error("failed to persist action marker", slog.String("action", action), slog.Any("err", uerr))
		return
	}
	if telemetry.ActionsExecuted != nil {
		telemetry.ActionsExecuted.WithLabelValues(action).Inc()
	}
	log.Info("action completed", slog.String("action", action))
}

// withRetry runs fn up to MaxAttempts times with exponential backoff between
// retryable failures. Fatal errors abort immediately.
func (d *Dispatcher) withRetry(ctx context.Context, log *slog.Logger, action string, fn func(context.Context) error) error {
	backoff := d.opts.BackoffBase
	var err error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if telemetry.ActionsFailed != nil {
			telemetry.ActionsFailed.WithLabelValues(action).Inc()
		}
		class := ClassifyError(err)
		log.Warn("action attempt failed",
			slog.String("action", action),
			slog.Int("attempt", attempt),
			slog.String("class", class.String()),
			slog.Any("err", err))
		if class == ErrorClassFatal {
			return err
		}
		if attempt == d.opts.MaxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("action %s exhausted %d attempts: %w", action, d.opts.MaxAttempts, err)
}

// flagPermanent records the failure on the stream so the action is never
// auto-retried, and notifies the ops channel when one is configured.
func (d *Dispatcher) flagPermanent(ctx context.Context, log *slog.Logger, streamID, action string, cause error) {
	log.Error("action permanently failed", slog.String("action", action), slog.Any("err", cause))
	if telemetry.ActionsPermanent != nil {
		telemetry.ActionsPermanent.WithLabelValues(action).Inc()
	}
	if err := d.store.Update(ctx, streamID, func(r *StreamRecord) {
		r.MarkActionFailed(action)
	}); err != nil {
		log.Error("failed to persist failure flag", slog.String("action", action), slog.Any("err", err))
	}
	if d.guild.OpsChannelID == "" {
		return
	}
	msg := fmt.Sprintf("action %s failed permanently for stream %s: %v", action, streamID, cause)
	if _, err := d.chat.SendMessage(ctx, d.guild.OpsChannelID, msg); err != nil {
		log.Warn("failed to post ops notification", slog.Any("err", err))
	}
}

func (d *Dispatcher) talentName(rec StreamRecord) string {
	for _, t := range d.roster.Talents {
		if t.ID == rec.TalentID {
			return t.Name
		}
	}
	return rec.TalentID
}

// createChat creates the per-stream discussion channel with the stream URL as
// topic. The URL-in-topic convention doubles as the crash-recovery anchor: a
// startup sweep can map orphaned channels back to their streams.
func (d *Dispatcher) createChat(ctx context.Context, rec StreamRecord) (func(*StreamRecord), error) {
	if rec.ChatChannelID != "" {
		return nil, nil
	}
	if !d.guild.TrackingEnabled || !d.guild.CreateChats || d.guild.ChatCategoryID == "" {
		return nil, nil
	}
	name := chatChannelName(d.talentName(rec))
	id, err := d.chat.CreateChannel(ctx, d.guild.GuildID, d.guild.ChatCategoryID, name, rec.URL)
	if err != nil {
		return nil, err
	}
	return func(r *StreamRecord) { r.ChatChannelID = id }, nil
}

// postAlert posts the went-live notification to the alert channel.
func (d *Dispatcher) postAlert(ctx context.Context, rec StreamRecord) (func(*StreamRecord), error) {
	if rec.AlertMessageID != "" {
		return nil, nil
	}
	if !d.guild.TrackingEnabled || !d.guild.AlertsEnabled || d.guild.AlertChannelID == "" {
		return nil, nil
	}
	content := fmt.Sprintf("%s is now live: %s\n%s", d.talentName(rec), rec.Title, rec.URL)
	id, err := d.chat.SendMessage(ctx, d.guild.AlertChannelID, content)
	if err != nil {
		return nil, err
	}
	return func(r *StreamRecord) { r.AlertMessageID = id }, nil
}

// scheduleAlert posts a schedule-change notification, at most once per
// distinct new start time.
func (d *Dispatcher) scheduleAlert(ev TransitionEvent) actionFunc {
	return func(ctx context.Context, rec StreamRecord) (func(*StreamRecord), error) {
		newStart := ev.NewScheduledStart
		if newStart == nil {
			return nil, nil
		}
		if rec.ScheduleAlertedFor != nil && rec.ScheduleAlertedFor.Equal(*newStart) {
			return nil, nil
		}
		if !d.guild.TrackingEnabled || !d.guild.AlertsEnabled || d.guild.AlertChannelID == "" {
			return func(r *StreamRecord) { r.ScheduleAlertedFor = newStart }, nil
		}
		content := fmt.Sprintf("%s rescheduled %q to %s\n%s",
			d.talentName(rec), rec.Title, newStart.UTC().Format(time.RFC1123), rec.URL)
		if _, err := d.chat.SendMessage(ctx, d.guild.AlertChannelID, content); err != nil {
			return nil, err
		}
		return func(r *StreamRecord) { r.ScheduleAlertedFor = newStart }, nil
	}
}

// archiveChat moves the stream's chat channel to the archive category after
// the configured cool-down, leaving post-stream conversation time.
func (d *Dispatcher) archiveChat(ctx context.Context, rec StreamRecord) (func(*StreamRecord), error) {
	if rec.Archived || rec.ChatChannelID == "" {
		return nil, nil
	}
	if d.guild.ArchiveCategoryID == "" {
		return nil, nil
	}
	if d.opts.ArchiveDelay > 0 {
		select {
		case <-time.After(d.opts.ArchiveDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := d.chat.ArchiveChannel(ctx, rec.ChatChannelID, d.guild.ArchiveCategoryID); err != nil {
		return nil, err
	}
	return func(r *StreamRecord) { r.Archived = true }, nil
}

// chatChannelName derives a channel name from a talent name, lowercased with
// spaces collapsed to dashes.
func chatChannelName(talent string) string {
	out := make([]rune, 0, len(talent)+6)
	for _, r := range talent {
		switch {
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
		case r == ' ':
			out = append(out, '-')
		default:
			out = append(out, r)
		}
	}
	return string(out) + "-stream"
}
