// Package digest decides which subscribers get which bounties, and when.
package digest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"bounty-digest/pkg/notifier"
)

var (
	// ErrFetch wraps a bounty source failure. A run that hits it changes no state.
	ErrFetch = errors.New("fetch open bounties")
	// ErrRunInProgress is returned when a run is requested while another is executing.
	ErrRunInProgress = errors.New("digest run already in progress")
)

// Source supplies the current open bounties.
// It must return an error, not an empty list, when the fetch fails.
type Source interface {
	OpenBounties(ctx context.Context) ([]*notifier.Bounty, error)
}

// SubscriberStore reads subscribers and records confirmed digest sends.
type SubscriberStore interface {
	ListSubscribers(ctx context.Context) ([]*notifier.Subscriber, error)
	RecordDigests(ctx context.Context, sent map[string]time.Time) error
}

// WatermarkStore persists the digest watermark.
type WatermarkStore interface {
	LoadWatermark(ctx context.Context) (*notifier.Watermark, error)
	SaveWatermark(ctx context.Context, wm *notifier.Watermark) error
}

// Mailer renders and delivers a digest.
type Mailer interface {
	RenderDigest(bounties []*notifier.Bounty, email string) string
	SendDigest(ctx context.Context, to, subject, htmlBody string) error
}

// Schedule controls when digests go out.
type Schedule struct {
	Location  *time.Location
	Hour      int          // Digests are only dispatched during [Hour, Hour+1) local time
	WeeklyDay time.Weekday // Anchor day for weekly digests
}

// RunOptions tweak a single run.
type RunOptions struct {
	IgnoreHourGate bool // Manual triggers may bypass the hour window
}

// Config holds engine dependencies.
type Config struct {
	Source      Source
	Subscribers SubscriberStore
	Watermarks  WatermarkStore
	Mailer      Mailer
	Logger      *slog.Logger
	BoardName   string
	Schedule    Schedule
}

// Engine runs digests. At most one run executes at a time.
type Engine struct {
	source      Source
	subscribers SubscriberStore
	watermarks  WatermarkStore
	mailer      Mailer
	logger      *slog.Logger
	boardName   string
	schedule    Schedule

	running sync.Mutex
	// loadMu guards the first load of state. After that, state is only
	// mutated by Run under running.
	loadMu sync.Mutex
	state  *notifier.Watermark
	// snapshot is a copy of state for readers that must not wait on a run.
	snapshot atomic.Pointer[notifier.Watermark]
}

// New creates a digest engine.
func New(cfg *Config) *Engine {
	sched := cfg.Schedule
	if sched.Location == nil {
		sched.Location = time.Local
	}
	name := cfg.BoardName
	if name == "" {
		name = "AI Bounty Board"
	}
	return &Engine{
		source:      cfg.Source,
		subscribers: cfg.Subscribers,
		watermarks:  cfg.Watermarks,
		mailer:      cfg.Mailer,
		logger:      cfg.Logger,
		boardName:   name,
		schedule:    sched,
	}
}

// InWindow reports whether now falls inside the daily dispatch hour.
func (s Schedule) InWindow(now time.Time) bool {
	return now.In(s.Location).Hour() == s.Hour
}

// IsAnchorDay reports whether now falls on the weekly anchor day.
func (s Schedule) IsAnchorDay(now time.Time) bool {
	return now.In(s.Location).Weekday() == s.WeeklyDay
}

// Run executes one digest run at now.
// It returns ErrRunInProgress if another run holds the lock, and an error
// wrapping ErrFetch if the bounty fetch failed. Send and persistence failures
// are reported in the summary only.
func (e *Engine) Run(ctx context.Context, now time.Time, opts RunOptions) (*notifier.RunSummary, error) {
	if !e.running.TryLock() {
		return nil, ErrRunInProgress
	}
	defer e.running.Unlock()

	summary := &notifier.RunSummary{StartedAt: now}

	if !opts.IgnoreHourGate && !e.schedule.InWindow(now) {
		summary.State = notifier.RunSkipped
		summary.SkipReason = fmt.Sprintf("outside dispatch hour %02d:00-%02d:59 %s", e.schedule.Hour, e.schedule.Hour, e.schedule.Location)
		e.logger.Debug("Digest run skipped", "reason", summary.SkipReason, "now", now.Format(time.RFC3339))
		return summary, nil
	}

	wm, err := e.watermark(ctx)
	if err != nil {
		summary.State = notifier.RunAborted
		return summary, fmt.Errorf("load watermark: %w", err)
	}

	// FETCHING
	bounties, err := e.source.OpenBounties(ctx)
	if err != nil {
		summary.State = notifier.RunAborted
		e.logger.Error("Digest run aborted, bounty fetch failed", "error", err)
		return summary, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	// EVALUATING
	fresh := FindNewBounties(bounties, wm.KnownBountyIDs)
	summary.OpenBounties = len(bounties)
	summary.NewBounties = len(fresh)
	summary.WeeklyRun = e.schedule.IsAnchorDay(now)

	subs, err := e.subscribers.ListSubscribers(ctx)
	if err != nil {
		// The watermark must not advance without a dispatch pass.
		summary.State = notifier.RunAborted
		e.logger.Error("Digest run aborted, subscriber list failed", "error", err)
		return summary, fmt.Errorf("list subscribers: %w", err)
	}

	e.logger.Info("Digest run started",
		"open_bounties", len(bounties),
		"new_bounties", len(fresh),
		"subscribers", len(subs),
		"weekly", summary.WeeklyRun,
		"timestamp", now.Format(time.RFC3339))

	// DISPATCHING
	// Once dispatch starts the run completes; cancellation only prevents new runs.
	dctx := context.WithoutCancel(ctx)
	sent := make(map[string]time.Time)

	dailyPool := fresh
	if len(fresh) == 0 {
		dailyPool = bounties
	}
	for _, sub := range subs {
		if !IsDue(sub, notifier.Daily, now) {
			continue
		}
		matched := FilterByTags(dailyPool, sub.Tags)
		if e.deliver(dctx, sub, e.dailySubject(len(fresh), len(matched)), matched) {
			sent[sub.ID] = now
			summary.DailySent++
		} else {
			summary.Failures++
		}
	}

	if summary.WeeklyRun {
		for _, sub := range subs {
			if !IsDue(sub, notifier.Weekly, now) {
				continue
			}
			matched := FilterByTags(bounties, sub.Tags)
			subject := fmt.Sprintf("Weekly Digest: %d Open Bounties", len(matched))
			if e.deliver(dctx, sub, subject, matched) {
				sent[sub.ID] = now
				summary.WeeklySent++
			} else {
				summary.Failures++
			}
		}
	}

	// PERSISTING
	stamp := now
	wm.KnownBountyIDs = BountyIDs(bounties)
	wm.LastDailyRun = &stamp
	if summary.WeeklyRun {
		wm.LastWeeklyRun = &stamp
	}
	e.publish(wm)

	var persistErrs []error
	if len(sent) > 0 {
		if err := e.subscribers.RecordDigests(dctx, sent); err != nil {
			e.logger.Error("Failed to persist subscriber digest stamps", "count", len(sent), "error", err)
			persistErrs = append(persistErrs, fmt.Errorf("record digests: %w", err))
		}
	}
	if err := e.watermarks.SaveWatermark(dctx, wm); err != nil {
		e.logger.Error("Failed to persist watermark", "known_ids", len(wm.KnownBountyIDs), "error", err)
		persistErrs = append(persistErrs, fmt.Errorf("save watermark: %w", err))
	}
	if err := errors.Join(persistErrs...); err != nil {
		summary.PersistError = err.Error()
	}

	summary.State = notifier.RunDone
	e.logger.Info("Digest run completed",
		"daily_sent", summary.DailySent,
		"weekly_sent", summary.WeeklySent,
		"failures", summary.Failures,
		"new_bounties", summary.NewBounties,
		"persist_error", summary.PersistError)

	return summary, nil
}

// PreviewNew returns the bounties a run started now would treat as new,
// without changing any state. It does not wait for or block a running digest.
func (e *Engine) PreviewNew(ctx context.Context) ([]*notifier.Bounty, error) {
	wm, ok := e.Watermark()
	if !ok {
		if _, err := e.watermark(ctx); err != nil {
			return nil, fmt.Errorf("load watermark: %w", err)
		}
		wm, _ = e.Watermark()
	}
	bounties, err := e.source.OpenBounties(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	return FindNewBounties(bounties, wm.KnownBountyIDs), nil
}

// Watermark returns a copy of the watermark as of the last completed run or
// load. ok is false until the watermark has been loaded.
func (e *Engine) Watermark() (wm notifier.Watermark, ok bool) {
	p := e.snapshot.Load()
	if p == nil {
		return notifier.Watermark{}, false
	}
	return *p, true
}

func (e *Engine) publish(wm *notifier.Watermark) {
	cp := *wm
	cp.KnownBountyIDs = append([]int64(nil), wm.KnownBountyIDs...)
	e.snapshot.Store(&cp)
}

// watermark loads the persisted watermark once and then keeps it in memory.
// Only Run, holding e.running, may modify the returned value.
func (e *Engine) watermark(ctx context.Context) (*notifier.Watermark, error) {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	if e.state != nil {
		return e.state, nil
	}
	wm, err := e.watermarks.LoadWatermark(ctx)
	if err != nil {
		return nil, err
	}
	if wm == nil {
		wm = &notifier.Watermark{}
	}
	e.state = wm
	e.publish(wm)
	return wm, nil
}

func (e *Engine) dailySubject(freshCount, matchedCount int) string {
	if freshCount > 0 {
		return fmt.Sprintf("%d New Bounties on %s", matchedCount, e.boardName)
	}
	return fmt.Sprintf("Your %s Digest", e.boardName)
}

// deliver renders and sends one digest. It reports whether the send was confirmed.
func (e *Engine) deliver(ctx context.Context, sub *notifier.Subscriber, subject string, bounties []*notifier.Bounty) bool {
	body := e.mailer.RenderDigest(bounties, sub.Email)
	if err := e.mailer.SendDigest(ctx, sub.Email, subject, body); err != nil {
		e.logger.Warn("Digest send failed",
			"subscriber_id", sub.ID,
			"email", sub.Email,
			"cadence", sub.Cadence,
			"error", err)
		return false
	}
	e.logger.Info("Digest sent",
		"subscriber_id", sub.ID,
		"email", sub.Email,
		"cadence", sub.Cadence,
		"bounty_count", len(bounties))
	return true
}
