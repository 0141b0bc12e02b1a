package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/adlibrary-crawler/internal/progress"
)

type attrs map[string]string

func (a attrs) Attribute(name string) (string, bool) {
	v, ok := a[name]
	return v, ok
}

// pageDriver serves ad cards keyed by the search query of the last navigation.
type pageDriver struct {
	mu      sync.Mutex
	query   string
	visits  []string
	cards   map[string]int
	missing map[string]bool
	onVisit func(query string)
	navErr  error
	quits   int
}

func newPageDriver(cards map[string]int) *pageDriver {
	return &pageDriver{cards: cards, missing: map[string]bool{}}
}

func (d *pageDriver) Navigate(_ context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	q := u.Query().Get("q")
	d.mu.Lock()
	d.query = q
	d.visits = append(d.visits, q)
	hook := d.onVisit
	d.mu.Unlock()
	if hook != nil {
		hook(q)
	}
	return d.navErr
}

func (d *pageDriver) WaitForSelector(context.Context, string, time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.missing[d.query]
}

func (d *pageDriver) RunScript(context.Context, string, Element, any) error { return nil }

func (d *pageDriver) FindAll(context.Context, string) ([]Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.cards[d.query]
	out := make([]Element, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, attrs{"id": fmt.Sprintf("%s/%d", d.query, i)})
	}
	return out, nil
}

func (d *pageDriver) Click(context.Context, string) error { return nil }

func (d *pageDriver) ScrollIntoView(context.Context, Element) error { return nil }

func (d *pageDriver) Quit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.quits++
	return nil
}

func (d *pageDriver) queries() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.visits...)
}

type driverFactory struct {
	driver PageDriver
	err    error
	calls  int
}

func (f *driverFactory) New(context.Context) (PageDriver, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.driver, nil
}

// idExtractor turns every card into an image ad keyed by the card id.
type idExtractor struct{}

func (idExtractor) Extract(_ context.Context, _ PageDriver, el Element) (RawRecord, bool) {
	id, ok := el.Attribute("id")
	if !ok {
		return RawRecord{}, false
	}
	return RawRecord{
		LibraryID: id,
		Company:   Some("Acme"),
		ImageURL:  Some("https://cdn.example/" + id + ".jpg"),
	}, true
}

type fixedCache struct {
	dims []Dimension
	err  error
}

func (c fixedCache) Get(context.Context, string, DimensionFunc) ([]Dimension, error) {
	return c.dims, c.err
}

type recordedCard struct {
	messageID string
	card      Card
}

type recordingNotifier struct {
	mu    sync.Mutex
	cards []recordedCard
}

func (n *recordingNotifier) Update(_ context.Context, messageID string, card Card) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cards = append(n.cards, recordedCard{messageID: messageID, card: card})
	return nil
}

func (n *recordingNotifier) Reply(context.Context, string, string) error { return nil }

func (n *recordingNotifier) percents() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []int
	for _, c := range n.cards {
		out = append(out, c.card.Percent)
	}
	return out
}

type eventLog struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *eventLog) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *eventLog) stages(stage progress.Stage) []progress.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []progress.Event
	for _, evt := range e.events {
		if evt.Stage == stage {
			out = append(out, evt)
		}
	}
	return out
}

type originStop map[string]bool

func (o originStop) ShouldStop(originID string) bool { return o[originID] }

func brands(n int) []Dimension {
	dims := make([]Dimension, 0, n)
	for i := 1; i <= n; i++ {
		name := fmt.Sprintf("Brand%d", i)
		dims = append(dims, Dimension{ID: name, Name: name + " Inc", NameClean: name, Keyword: "shoes"})
	}
	return dims
}

type harness struct {
	driver   *pageDriver
	factory  *driverFactory
	notifier *recordingNotifier
	events   *eventLog
	env      Env
}

func newHarness(t *testing.T, dims []Dimension, perTarget int) *harness {
	t.Helper()
	cards := map[string]int{"shoes": 1}
	for _, d := range dims {
		cards["shoes "+d.NameClean] = perTarget
	}
	h := &harness{
		driver:   newPageDriver(cards),
		notifier: &recordingNotifier{},
		events:   &eventLog{},
	}
	h.factory = &driverFactory{driver: h.driver}
	h.env = Env{
		Drivers:   h.factory,
		Extractor: idExtractor{},
		Notifier:  h.notifier,
		Cache:     fixedCache{dims: dims},
		Emitter:   h.events,
		Logger:    zaptest.NewLogger(t),
		Options:   Options{NotifyEvery: 3, UISettle: 0},
	}
	return h
}

func TestExecuteVisitsEveryTargetAndReportsProgress(t *testing.T) {
	t.Parallel()

	h := newHarness(t, brands(7), 1)
	job := NewJob("job-1", "shoes", "chat-1", "msg-1")

	outcome, err := job.Execute(context.Background(), h.env)
	require.NoError(t, err)
	require.Equal(t, OutcomeSucceeded, outcome)
	require.Equal(t, PhaseDone, job.Phase())

	require.Equal(t, []string{
		"shoes",
		"shoes Brand1", "shoes Brand2", "shoes Brand3", "shoes Brand4",
		"shoes Brand5", "shoes Brand6", "shoes Brand7",
	}, h.driver.queries())
	require.Equal(t, 1, h.driver.quits)

	// Targets 3, 6 and 7 of 7, then the aggregation card.
	require.Equal(t, []int{44, 78, 90, 95}, h.notifier.percents())

	require.Len(t, job.Records(), 7)
	table := job.Result()
	require.True(t, table.Cleaned)
	require.Equal(t, OutputColumns, table.Columns)
	require.Equal(t, 7, table.Len())
	require.Len(t, job.Ads(), 7)
	require.Equal(t, "shoes Brand1/0", job.Ads()[0].LibraryID)
	require.Equal(t, AdTypeImage, job.Ads()[0].AdType)

	done := h.events.stages(progress.StageTargetDone)
	require.Len(t, done, 7)
	require.Equal(t, "Brand1", done[0].Target)
	require.Equal(t, int64(1), done[0].Records)
	for _, evt := range h.events.stages(progress.StagePhase) {
		require.Equal(t, "job-1", evt.JobID)
		require.NoError(t, evt.Validate())
	}
	require.Equal(t, "teardown", h.events.stages(progress.StagePhase)[5].Phase)
}

func TestExecuteSkipsTargetThatDoesNotLoad(t *testing.T) {
	t.Parallel()

	h := newHarness(t, brands(3), 2)
	h.driver.missing["shoes Brand2"] = true
	job := NewJob("job-1", "shoes", "chat-1", "")

	outcome, err := job.Execute(context.Background(), h.env)
	require.NoError(t, err)
	require.Equal(t, OutcomeSucceeded, outcome)
	require.Len(t, job.Records(), 4)

	skipped := h.events.stages(progress.StageTargetSkip)
	require.Len(t, skipped, 1)
	require.Equal(t, "Brand2", skipped[0].Target)
	require.NotEmpty(t, skipped[0].Note)
	// No message id means no cards are sent.
	require.Empty(t, h.notifier.percents())
}

func TestExecuteStopsAtRecordCap(t *testing.T) {
	t.Parallel()

	h := newHarness(t, brands(5), 3)
	h.env.Options.MaxRecords = 4
	job := NewJob("job-1", "shoes", "chat-1", "msg-1")

	outcome, err := job.Execute(context.Background(), h.env)
	require.NoError(t, err)
	require.Equal(t, OutcomeSucceeded, outcome)
	require.Len(t, job.Records(), 6)
	require.Equal(t, []string{"shoes", "shoes Brand1", "shoes Brand2"}, h.driver.queries())
}

func TestExecuteCanceledMidCrawl(t *testing.T) {
	t.Parallel()

	h := newHarness(t, brands(4), 1)
	job := NewJob("job-1", "shoes", "chat-1", "msg-1")
	h.driver.onVisit = func(q string) {
		if q == "shoes Brand2" {
			job.Cancel()
		}
	}

	outcome, err := job.Execute(context.Background(), h.env)
	require.NoError(t, err)
	require.Equal(t, OutcomeCanceled, outcome)
	require.True(t, job.Canceled())
	require.Equal(t, 1, h.driver.quits)
	require.NotContains(t, h.driver.queries(), "shoes Brand3")

	table := job.Result()
	require.Zero(t, table.Len())
	require.True(t, table.Cleaned)
	require.Equal(t, OutputColumns, table.Columns)
	require.Nil(t, job.Ads())
}

func TestExecuteHonorsOriginCancelSignal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, brands(2), 1)
	h.env.Cancel = originStop{"chat-1": true}
	job := NewJob("job-1", "shoes", "chat-1", "msg-1")

	outcome, err := job.Execute(context.Background(), h.env)
	require.NoError(t, err)
	require.Equal(t, OutcomeCanceled, outcome)
	require.True(t, job.Canceled())
	require.Zero(t, h.factory.calls)
}

func TestExecuteStopDuringFailedNavigationIsCancellation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, brands(2), 1)
	stop := originStop{}
	h.env.Cancel = stop
	h.driver.navErr = errors.New("net::ERR_ABORTED")
	h.driver.onVisit = func(string) { stop["chat-1"] = true }
	job := NewJob("job-1", "shoes", "chat-1", "msg-1")

	outcome, err := job.Execute(context.Background(), h.env)
	require.NoError(t, err)
	require.Equal(t, OutcomeCanceled, outcome)
	require.True(t, job.Canceled())
	require.Zero(t, job.Result().Len())
	require.Equal(t, 1, h.driver.quits)
}

func TestExecuteCanceledContextNeverStartsBrowser(t *testing.T) {
	t.Parallel()

	h := newHarness(t, brands(2), 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	job := NewJob("job-1", "shoes", "chat-1", "msg-1")

	outcome, err := job.Execute(ctx, h.env)
	require.NoError(t, err)
	require.Equal(t, OutcomeCanceled, outcome)
	require.Zero(t, h.factory.calls)
	require.Equal(t, PhaseDone, job.Phase())
}

func TestExecuteDriverInitFailureIsSilent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, brands(2), 1)
	h.factory.err = errors.New("chrome not found")
	job := NewJob("job-1", "shoes", "chat-1", "msg-1")

	outcome, err := job.Execute(context.Background(), h.env)
	require.Equal(t, OutcomeFailed, outcome)
	require.ErrorIs(t, err, ErrDriverInit)
	require.True(t, Silent(err))
	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, PhaseInit, pe.Phase)
	require.Equal(t, KindFatalInit, pe.Kind)
	require.Zero(t, job.Result().Len())
}

func TestExecuteSeedFetchFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, brands(2), 1)
	h.driver.missing["shoes"] = true
	job := NewJob("job-1", "shoes", "chat-1", "msg-1")

	outcome, err := job.Execute(context.Background(), h.env)
	require.Equal(t, OutcomeFailed, outcome)
	require.ErrorIs(t, err, ErrSeedFetch)
	require.False(t, Silent(err))
	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, PhaseSeedFetch, pe.Phase)
	require.Equal(t, KindFatalPhase, pe.Kind)
	require.Equal(t, 1, h.driver.quits)
}

func TestExecuteDimensionFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		cache fixedCache
		want  error
	}{
		{name: "empty list", cache: fixedCache{}, want: ErrNoDimensions},
		{name: "lookup error", cache: fixedCache{err: errors.New("dropdown missing")}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, nil, 1)
			h.env.Cache = tc.cache
			job := NewJob("job-1", "shoes", "chat-1", "msg-1")

			outcome, err := job.Execute(context.Background(), h.env)
			require.Equal(t, OutcomeFailed, outcome)
			require.Error(t, err)
			if tc.want != nil {
				require.ErrorIs(t, err, tc.want)
			}
			var pe *PhaseError
			require.ErrorAs(t, err, &pe)
			require.Equal(t, PhaseDimensionResolve, pe.Phase)
			require.Equal(t, 1, h.driver.quits)
		})
	}
}

func TestPhaseAndOutcomeStrings(t *testing.T) {
	t.Parallel()

	require.Equal(t, "dimension_resolve", PhaseDimensionResolve.String())
	require.Equal(t, "phase(42)", Phase(42).String())
	require.Equal(t, "canceled", OutcomeCanceled.String())
	require.Equal(t, "unknown", Outcome(0).String())
	require.Equal(t, "fatal_phase", KindFatalPhase.String())
}
