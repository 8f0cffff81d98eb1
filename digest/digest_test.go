package digest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bounty-digest/pkg/notifier"
)

// monday 08:30 UTC is inside the window and on the anchor day.
var (
	monday  = time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)
	tuesday = monday.Add(24 * time.Hour)
)

type fakeSource struct {
	bounties []*notifier.Bounty
	err      error
	calls    int
}

func (f *fakeSource) OpenBounties(context.Context) ([]*notifier.Bounty, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.bounties, nil
}

type memStore struct {
	subs       []*notifier.Subscriber
	wm         *notifier.Watermark
	listErr    error
	recordErr  error
	saveErr    error
	recorded   []map[string]time.Time
	savedCount int
}

func (m *memStore) ListSubscribers(context.Context) ([]*notifier.Subscriber, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	// Hand out copies like a real store would.
	out := make([]*notifier.Subscriber, len(m.subs))
	for i, s := range m.subs {
		cp := *s
		out[i] = &cp
	}
	return out, nil
}

func (m *memStore) RecordDigests(_ context.Context, sent map[string]time.Time) error {
	m.recorded = append(m.recorded, sent)
	if m.recordErr != nil {
		return m.recordErr
	}
	for _, s := range m.subs {
		if at, ok := sent[s.ID]; ok {
			at := at
			s.LastDigestSent = &at
		}
	}
	return nil
}

func (m *memStore) LoadWatermark(context.Context) (*notifier.Watermark, error) {
	if m.wm == nil {
		return &notifier.Watermark{}, nil
	}
	cp := *m.wm
	return &cp, nil
}

func (m *memStore) SaveWatermark(_ context.Context, wm *notifier.Watermark) error {
	m.savedCount++
	if m.saveErr != nil {
		return m.saveErr
	}
	cp := *wm
	cp.KnownBountyIDs = append([]int64(nil), wm.KnownBountyIDs...)
	m.wm = &cp
	return nil
}

type sentMail struct {
	to       string
	subject  string
	bounties []int64
}

type fakeMailer struct {
	mu       sync.Mutex
	failFor  map[string]bool
	sent     []sentMail
	rendered map[string][]int64
	block    chan struct{}
	entered  chan struct{}
	onSend   func()
}

func (f *fakeMailer) RenderDigest(bounties []*notifier.Bounty, email string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rendered == nil {
		f.rendered = map[string][]int64{}
	}
	f.rendered[email] = BountyIDs(bounties)
	return email
}

func (f *fakeMailer) SendDigest(_ context.Context, to, subject, _ string) error {
	if f.block != nil {
		f.entered <- struct{}{}
		<-f.block
	}
	if f.onSend != nil {
		f.onSend()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[to] {
		return errors.New("provider rejected message")
	}
	f.sent = append(f.sent, sentMail{to: to, subject: subject, bounties: f.rendered[to]})
	return nil
}

func (f *fakeMailer) byRecipient(to string) (sentMail, bool) {
	for _, m := range f.sent {
		if m.to == to {
			return m, true
		}
	}
	return sentMail{}, false
}

func newTestEngine(src *fakeSource, store *memStore, mailer *fakeMailer) *Engine {
	return New(&Config{
		Source:      src,
		Subscribers: store,
		Watermarks:  store,
		Mailer:      mailer,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		BoardName:   "Test Board",
		Schedule:    Schedule{Location: time.UTC, Hour: 8, WeeklyDay: time.Monday},
	})
}

func tagged(id int64, tags ...string) *notifier.Bounty {
	return &notifier.Bounty{ID: id, Status: notifier.StatusOpen, Tags: tags, Title: "bounty"}
}

func TestRunSkippedOutsideWindow(t *testing.T) {
	src := &fakeSource{bounties: bountiesWithIDs(1)}
	store := &memStore{subs: []*notifier.Subscriber{{ID: "a", Email: "a@example.com", Cadence: notifier.Daily, Active: true}}}
	mailer := &fakeMailer{}
	e := newTestEngine(src, store, mailer)

	summary, err := e.Run(context.Background(), monday.Add(2*time.Hour), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, notifier.RunSkipped, summary.State)
	assert.NotEmpty(t, summary.SkipReason)
	assert.Zero(t, src.calls, "gate must short-circuit before fetching")
	assert.Empty(t, mailer.sent)
	assert.Zero(t, store.savedCount)
}

func TestRunIgnoreHourGate(t *testing.T) {
	src := &fakeSource{bounties: bountiesWithIDs(1)}
	store := &memStore{subs: []*notifier.Subscriber{{ID: "a", Email: "a@example.com", Cadence: notifier.Daily, Active: true}}}
	mailer := &fakeMailer{}
	e := newTestEngine(src, store, mailer)

	summary, err := e.Run(context.Background(), monday.Add(5*time.Hour), RunOptions{IgnoreHourGate: true})
	require.NoError(t, err)
	assert.Equal(t, notifier.RunDone, summary.State)
	assert.Equal(t, 1, summary.DailySent)
}

func TestRunFetchFailureChangesNothing(t *testing.T) {
	last := tuesday.Add(-48 * time.Hour)
	src := &fakeSource{err: errors.New("connection refused")}
	store := &memStore{
		subs: []*notifier.Subscriber{{ID: "a", Email: "a@example.com", Cadence: notifier.Daily, Active: true, LastDigestSent: &last}},
		wm:   &notifier.Watermark{KnownBountyIDs: []int64{1, 2}},
	}
	mailer := &fakeMailer{}
	e := newTestEngine(src, store, mailer)

	summary, err := e.Run(context.Background(), tuesday, RunOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFetch)
	assert.Equal(t, notifier.RunAborted, summary.State)
	assert.Empty(t, mailer.sent)
	assert.Empty(t, store.recorded)
	assert.Zero(t, store.savedCount)
	assert.Equal(t, []int64{1, 2}, store.wm.KnownBountyIDs)
	assert.Nil(t, store.wm.LastDailyRun)
	assert.Equal(t, last, *store.subs[0].LastDigestSent)
}

func TestRunSubscriberListFailureChangesNothing(t *testing.T) {
	src := &fakeSource{bounties: bountiesWithIDs(1, 2, 3)}
	store := &memStore{listErr: errors.New("disk on fire"), wm: &notifier.Watermark{KnownBountyIDs: []int64{1}}}
	e := newTestEngine(src, store, &fakeMailer{})

	summary, err := e.Run(context.Background(), tuesday, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, notifier.RunAborted, summary.State)
	assert.Zero(t, store.savedCount)
	assert.Equal(t, []int64{1}, store.wm.KnownBountyIDs)
}

func TestRunDailyGetsNoveltySet(t *testing.T) {
	src := &fakeSource{bounties: []*notifier.Bounty{tagged(1, "ai"), tagged(2, "ai"), tagged(3, "AI"), tagged(4, "web")}}
	store := &memStore{
		subs: []*notifier.Subscriber{
			{ID: "a", Email: "ai@example.com", Cadence: notifier.Daily, Active: true, Tags: []string{"ai"}},
			{ID: "b", Email: "all@example.com", Cadence: notifier.Daily, Active: true},
		},
		wm: &notifier.Watermark{KnownBountyIDs: []int64{1, 2}},
	}
	mailer := &fakeMailer{}
	e := newTestEngine(src, store, mailer)

	summary, err := e.Run(context.Background(), tuesday, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, notifier.RunDone, summary.State)
	assert.Equal(t, 2, summary.NewBounties)
	assert.Equal(t, 4, summary.OpenBounties)
	assert.Equal(t, 2, summary.DailySent)
	assert.False(t, summary.WeeklyRun)

	aiMail, ok := mailer.byRecipient("ai@example.com")
	require.True(t, ok)
	assert.Equal(t, []int64{3}, aiMail.bounties)
	assert.Equal(t, "1 New Bounties on Test Board", aiMail.subject)

	allMail, ok := mailer.byRecipient("all@example.com")
	require.True(t, ok)
	assert.Equal(t, []int64{3, 4}, allMail.bounties)

	assert.Equal(t, []int64{1, 2, 3, 4}, store.wm.KnownBountyIDs)
	require.NotNil(t, store.wm.LastDailyRun)
	assert.Equal(t, tuesday, *store.wm.LastDailyRun)
	assert.Nil(t, store.wm.LastWeeklyRun)
	for _, s := range store.subs {
		require.NotNil(t, s.LastDigestSent, s.ID)
		assert.Equal(t, tuesday, *s.LastDigestSent)
	}
}

func TestRunEmptyNoveltyFallsBackToFullSet(t *testing.T) {
	src := &fakeSource{bounties: bountiesWithIDs(1, 2)}
	store := &memStore{
		subs: []*notifier.Subscriber{{ID: "a", Email: "a@example.com", Cadence: notifier.Daily, Active: true}},
		wm:   &notifier.Watermark{KnownBountyIDs: []int64{1, 2}},
	}
	mailer := &fakeMailer{}
	e := newTestEngine(src, store, mailer)

	summary, err := e.Run(context.Background(), tuesday, RunOptions{})
	require.NoError(t, err)
	assert.Zero(t, summary.NewBounties)
	assert.Equal(t, 1, summary.DailySent)

	m, ok := mailer.byRecipient("a@example.com")
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2}, m.bounties)
	assert.Equal(t, "Your Test Board Digest", m.subject)

	require.NotNil(t, store.wm.LastDailyRun)
	assert.Equal(t, tuesday, *store.wm.LastDailyRun)
	assert.Equal(t, []int64{1, 2}, store.wm.KnownBountyIDs)
}

func TestRunWatermarkAdvancesWithNobodyDue(t *testing.T) {
	recent := tuesday.Add(-time.Hour)
	src := &fakeSource{bounties: bountiesWithIDs(1, 2, 3)}
	store := &memStore{
		subs: []*notifier.Subscriber{{ID: "a", Email: "a@example.com", Cadence: notifier.Daily, Active: true, LastDigestSent: &recent}},
		wm:   &notifier.Watermark{KnownBountyIDs: []int64{1}},
	}
	mailer := &fakeMailer{}
	e := newTestEngine(src, store, mailer)

	summary, err := e.Run(context.Background(), tuesday, RunOptions{})
	require.NoError(t, err)
	assert.Zero(t, summary.DailySent)
	assert.Empty(t, mailer.sent)
	assert.Empty(t, store.recorded)
	assert.Equal(t, []int64{1, 2, 3}, store.wm.KnownBountyIDs)

	// Those bounties are no longer new on the next run.
	fresh, err := e.PreviewNew(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fresh)
}

func TestRunWeeklyAnchorUsesFullSet(t *testing.T) {
	src := &fakeSource{bounties: []*notifier.Bounty{tagged(1, "go"), tagged(2, "go"), tagged(3, "rust"), tagged(4, "GO")}}
	store := &memStore{
		subs: []*notifier.Subscriber{
			{ID: "w", Email: "weekly@example.com", Cadence: notifier.Weekly, Active: true, Tags: []string{"go"}},
			{ID: "d", Email: "daily@example.com", Cadence: notifier.Daily, Active: true, Tags: []string{"go"}},
		},
		wm: &notifier.Watermark{KnownBountyIDs: []int64{1, 2, 3}},
	}
	mailer := &fakeMailer{}
	e := newTestEngine(src, store, mailer)

	summary, err := e.Run(context.Background(), monday, RunOptions{})
	require.NoError(t, err)
	assert.True(t, summary.WeeklyRun)
	assert.Equal(t, 1, summary.WeeklySent)
	assert.Equal(t, 1, summary.DailySent)

	weekly, ok := mailer.byRecipient("weekly@example.com")
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2, 4}, weekly.bounties)
	assert.Equal(t, "Weekly Digest: 3 Open Bounties", weekly.subject)

	daily, ok := mailer.byRecipient("daily@example.com")
	require.True(t, ok)
	assert.Equal(t, []int64{4}, daily.bounties)

	require.NotNil(t, store.wm.LastWeeklyRun)
	assert.Equal(t, monday, *store.wm.LastWeeklyRun)
}

func TestRunWeeklyNotEvaluatedOffAnchor(t *testing.T) {
	src := &fakeSource{bounties: bountiesWithIDs(1)}
	store := &memStore{subs: []*notifier.Subscriber{{ID: "w", Email: "weekly@example.com", Cadence: notifier.Weekly, Active: true}}}
	mailer := &fakeMailer{}
	e := newTestEngine(src, store, mailer)

	summary, err := e.Run(context.Background(), tuesday, RunOptions{})
	require.NoError(t, err)
	assert.False(t, summary.WeeklyRun)
	assert.Zero(t, summary.WeeklySent)
	assert.Empty(t, mailer.sent)
	assert.Nil(t, store.wm.LastWeeklyRun)
}

func TestRunSendFailureIsolated(t *testing.T) {
	src := &fakeSource{bounties: bountiesWithIDs(1)}
	store := &memStore{subs: []*notifier.Subscriber{
		{ID: "a", Email: "bad@example.com", Cadence: notifier.Daily, Active: true},
		{ID: "b", Email: "good@example.com", Cadence: notifier.Daily, Active: true},
	}}
	mailer := &fakeMailer{failFor: map[string]bool{"bad@example.com": true}}
	e := newTestEngine(src, store, mailer)

	summary, err := e.Run(context.Background(), tuesday, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.DailySent)
	assert.Equal(t, 1, summary.Failures)

	require.Len(t, store.recorded, 1)
	assert.NotContains(t, store.recorded[0], "a")
	assert.Contains(t, store.recorded[0], "b")
	assert.Nil(t, store.subs[0].LastDigestSent)
	assert.NotNil(t, store.subs[1].LastDigestSent)
}

func TestRunPersistenceFailureIsNotFatal(t *testing.T) {
	src := &fakeSource{bounties: bountiesWithIDs(1)}
	store := &memStore{
		subs:      []*notifier.Subscriber{{ID: "a", Email: "a@example.com", Cadence: notifier.Daily, Active: true}},
		recordErr: errors.New("bucket unavailable"),
		saveErr:   errors.New("bucket unavailable"),
	}
	mailer := &fakeMailer{}
	e := newTestEngine(src, store, mailer)

	summary, err := e.Run(context.Background(), tuesday, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, notifier.RunDone, summary.State)
	assert.Equal(t, 1, summary.DailySent)
	assert.Contains(t, summary.PersistError, "record digests")
	assert.Contains(t, summary.PersistError, "save watermark")
	assert.Len(t, mailer.sent, 1)
}

func TestRunRejectsOverlap(t *testing.T) {
	src := &fakeSource{bounties: bountiesWithIDs(1)}
	store := &memStore{subs: []*notifier.Subscriber{{ID: "a", Email: "a@example.com", Cadence: notifier.Daily, Active: true}}}
	mailer := &fakeMailer{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	e := newTestEngine(src, store, mailer)

	done := make(chan error, 1)
	go func() {
		_, err := e.Run(context.Background(), tuesday, RunOptions{})
		done <- err
	}()

	select {
	case <-mailer.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never reached the mailer")
	}

	_, err := e.Run(context.Background(), tuesday, RunOptions{})
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(mailer.block)
	require.NoError(t, <-done)
	assert.Len(t, mailer.sent, 1)
}

// gatedSource blocks the first OpenBounties call until gate is closed.
type gatedSource struct {
	bounties []*notifier.Bounty
	gate     chan struct{}
	entered  chan struct{}
	mu       sync.Mutex
	used     bool
}

func (g *gatedSource) OpenBounties(context.Context) ([]*notifier.Bounty, error) {
	g.mu.Lock()
	first := !g.used
	g.used = true
	g.mu.Unlock()
	if first {
		g.entered <- struct{}{}
		<-g.gate
	}
	return g.bounties, nil
}

func TestPreviewNewDoesNotBlockRun(t *testing.T) {
	src := &gatedSource{bounties: bountiesWithIDs(1), gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	store := &memStore{subs: []*notifier.Subscriber{{ID: "a", Email: "a@example.com", Cadence: notifier.Daily, Active: true}}}
	mailer := &fakeMailer{}
	e := New(&Config{
		Source:      src,
		Subscribers: store,
		Watermarks:  store,
		Mailer:      mailer,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Schedule:    Schedule{Location: time.UTC, Hour: 8, WeeklyDay: time.Monday},
	})

	type result struct {
		fresh []*notifier.Bounty
		err   error
	}
	done := make(chan result, 1)
	go func() {
		fresh, err := e.PreviewNew(context.Background())
		done <- result{fresh, err}
	}()

	select {
	case <-src.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("preview never reached the source")
	}

	summary, err := e.Run(context.Background(), tuesday, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, notifier.RunDone, summary.State)
	assert.Equal(t, 1, summary.DailySent)

	close(src.gate)
	res := <-done
	require.NoError(t, res.err)
	assert.Len(t, res.fresh, 1)
}

func TestRunCompletesDispatchAfterCancel(t *testing.T) {
	src := &fakeSource{bounties: bountiesWithIDs(1)}
	store := &memStore{subs: []*notifier.Subscriber{
		{ID: "a", Email: "a@example.com", Cadence: notifier.Daily, Active: true},
		{ID: "b", Email: "b@example.com", Cadence: notifier.Daily, Active: true},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mailer := &fakeMailer{onSend: cancel}
	e := newTestEngine(src, store, mailer)

	summary, err := e.Run(ctx, tuesday, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.DailySent)
	assert.Len(t, mailer.sent, 2)
	require.Len(t, store.recorded, 1)
	assert.Len(t, store.recorded[0], 2)
	assert.Empty(t, summary.PersistError)
}

func TestRunSecondRunSameDayDoesNotResend(t *testing.T) {
	src := &fakeSource{bounties: bountiesWithIDs(1, 2)}
	store := &memStore{subs: []*notifier.Subscriber{{ID: "a", Email: "a@example.com", Cadence: notifier.Daily, Active: true}}}
	mailer := &fakeMailer{}
	e := newTestEngine(src, store, mailer)

	_, err := e.Run(context.Background(), tuesday, RunOptions{})
	require.NoError(t, err)
	src.bounties = bountiesWithIDs(1, 2, 3)
	summary, err := e.Run(context.Background(), tuesday.Add(20*time.Minute), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.NewBounties)
	assert.Zero(t, summary.DailySent)
	assert.Len(t, mailer.sent, 1)
}

func TestWatermarkSnapshot(t *testing.T) {
	src := &fakeSource{bounties: bountiesWithIDs(7)}
	e := newTestEngine(src, &memStore{}, &fakeMailer{})

	_, ok := e.Watermark()
	assert.False(t, ok)

	_, err := e.Run(context.Background(), tuesday, RunOptions{})
	require.NoError(t, err)

	wm, ok := e.Watermark()
	require.True(t, ok)
	assert.Equal(t, []int64{7}, wm.KnownBountyIDs)
	require.NotNil(t, wm.LastDailyRun)
	assert.Equal(t, tuesday, *wm.LastDailyRun)
}

func TestScheduleTimezone(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	s := Schedule{Location: loc, Hour: 8, WeeklyDay: time.Monday}

	assert.True(t, s.InWindow(time.Date(2026, 10, 19, 6, 10, 0, 0, time.UTC)))
	assert.False(t, s.InWindow(time.Date(2026, 10, 19, 8, 10, 0, 0, time.UTC)))
	// Sunday 23:00 UTC is already Monday in UTC+2.
	assert.True(t, s.IsAnchorDay(time.Date(2026, 10, 18, 23, 0, 0, 0, time.UTC)))
}
