package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/adlibrary-crawler/internal/cancel"
	"github.com/JakeFAU/adlibrary-crawler/internal/chatlog"
	"github.com/JakeFAU/adlibrary-crawler/internal/config"
	"github.com/JakeFAU/adlibrary-crawler/internal/crawler"
	"github.com/JakeFAU/adlibrary-crawler/internal/queue"
	"github.com/JakeFAU/adlibrary-crawler/internal/storage/memory"
)

type fakeIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *fakeIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("job-%d", g.n), nil
}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fakeNotifier struct {
	mu      sync.Mutex
	replies map[string]string
}

func (f *fakeNotifier) Update(context.Context, string, crawler.Card) error { return nil }

func (f *fakeNotifier) Reply(_ context.Context, messageID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replies == nil {
		f.replies = map[string]string{}
	}
	f.replies[messageID] = text
	return nil
}

func (f *fakeNotifier) reply(messageID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	text, ok := f.replies[messageID]
	return text, ok
}

type recordingLog struct {
	mu      sync.Mutex
	entries []chatlog.Entry
}

func (l *recordingLog) Record(e chatlog.Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

type testServer struct {
	server   *Server
	queue    *queue.Queue
	jobs     *memory.JobStore
	cancel   *cancel.Registry
	notifier *fakeNotifier
	log      *recordingLog
}

// newTestServer backs the API with a real queue whose jobs run until the queue closes.
func newTestServer(t *testing.T, cfg config.Config, checks map[string]ReadinessCheck) *testServer {
	t.Helper()
	runner := queue.RunnerFunc(func(ctx context.Context, _ *crawler.Job) error {
		<-ctx.Done()
		return nil
	})
	q := queue.New(runner, queue.Config{})
	t.Cleanup(func() {
		ctx, cancelFn := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancelFn()
		_ = q.Close(ctx)
	})
	ts := &testServer{
		queue:    q,
		jobs:     memory.NewJobStore(),
		cancel:   cancel.New(),
		notifier: &fakeNotifier{},
		log:      &recordingLog{},
	}
	ts.server = NewServer(Deps{
		Queue:    q,
		Jobs:     ts.jobs,
		IDs:      &fakeIDGen{},
		Clock:    fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
		Cancel:   ts.cancel,
		Notifier: ts.notifier,
		Log:      ts.log,
		Checks:   checks,
	}, cfg, zap.NewNop())
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func crawlBody(keyword, origin, message string) string {
	return fmt.Sprintf(`{"keyword":%q,"origin_id":%q,"message_id":%q,"user_id":"u-1"}`, keyword, origin, message)
}

func TestSubmitCrawlQueuesJobs(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.Config{}, nil)

	rec := ts.do(t, http.MethodPost, "/v1/crawls", crawlBody(" shoes ", "chat-1", "msg-1"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "job-1", body["job_id"])
	require.EqualValues(t, 0, body["position"])

	rec = ts.do(t, http.MethodPost, "/v1/crawls", crawlBody("boots", "chat-2", "msg-2"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.EqualValues(t, 1, decode(t, rec)["position"])

	job, err := ts.jobs.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, "shoes", job.Keyword)
	require.Equal(t, "chat-1", job.OriginID)
	require.Equal(t, crawler.JobStatusQueued, job.Status)
	require.Equal(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), job.Submitted)

	require.Len(t, ts.log.entries, 2)
	require.Equal(t, chatlog.Entry{
		UserID:    "u-1",
		MessageID: "msg-1",
		ChatID:    "chat-1",
		Text:      "shoes",
		Direction: chatlog.Incoming,
	}, ts.log.entries[0])
}

func TestSubmitCrawlDuplicateOrigin(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.Config{}, nil)
	require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/v1/crawls", crawlBody("shoes", "chat-1", "msg-1")).Code)
	require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/v1/crawls", crawlBody("boots", "chat-2", "msg-2")).Code)

	rec := ts.do(t, http.MethodPost, "/v1/crawls", crawlBody("hats", "chat-2", "msg-3"))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.EqualValues(t, 1, decode(t, rec)["position"])
	text, ok := ts.notifier.reply("msg-3")
	require.True(t, ok)
	require.Equal(t, "⏳ Your request is in waiting list (No #1)", text)

	rec = ts.do(t, http.MethodPost, "/v1/crawls", crawlBody("hats", "chat-1", "msg-4"))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.EqualValues(t, 0, decode(t, rec)["position"])
	_, ok = ts.notifier.reply("msg-4")
	require.False(t, ok)
	require.Equal(t, 1, ts.queue.Len())
}

func TestSubmitCrawlValidation(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.Config{}, nil)
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"keyword":`},
		{"missing keyword", crawlBody("  ", "chat-1", "msg-1")},
		{"missing origin", crawlBody("shoes", "", "msg-1")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/v1/crawls", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	_, busy := ts.queue.Active()
	require.False(t, busy)
}

func TestSubmitCrawlAfterClose(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.Config{}, nil)
	require.NoError(t, ts.queue.Close(context.Background()))

	rec := ts.do(t, http.MethodPost, "/v1/crawls", crawlBody("shoes", "chat-1", "msg-1"))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	job, err := ts.jobs.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCanceled, job.Status)
}

func TestPositionAndCancelOrigin(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.Config{}, nil)
	require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/v1/crawls", crawlBody("shoes", "chat-1", "msg-1")).Code)
	require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/v1/crawls", crawlBody("boots", "chat-2", "msg-2")).Code)

	rec := ts.do(t, http.MethodGet, "/v1/origins/chat-2/position", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, decode(t, rec)["position"])
	require.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/v1/origins/chat-9/position", "").Code)

	rec = ts.do(t, http.MethodGet, "/v1/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, true, body["active"])
	require.EqualValues(t, 1, body["waiting"])

	require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/v1/origins/chat-1/cancel", "").Code)
	require.True(t, ts.cancel.ShouldStop("chat-1"))
	require.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/v1/origins/chat-9/cancel", "").Code)
	require.False(t, ts.cancel.ShouldStop("chat-9"))
}

func seedJob(t *testing.T, jobs *memory.JobStore, id string, status crawler.JobStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, jobs.CreateJob(ctx, crawler.JobRecord{ID: id, Keyword: "shoes", OriginID: "chat-" + id}))
	if status != crawler.JobStatusQueued {
		require.NoError(t, jobs.UpdateJobStatus(ctx, id, status, ""))
	}
}

func TestJobEndpoints(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.Config{}, nil)
	seedJob(t, ts.jobs, "done", crawler.JobStatusSucceeded)
	seedJob(t, ts.jobs, "busy", crawler.JobStatusRunning)
	table := crawler.Table{
		Columns: []string{"library_id", "company"},
		Rows:    [][]string{{"111", "Acme"}, {"222", "Bolt, Inc"}},
		Cleaned: true,
	}
	require.NoError(t, ts.jobs.SaveResult(context.Background(), "done", table, 3, "memory://results/done/x.csv"))

	rec := ts.do(t, http.MethodGet, "/v1/jobs/done", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"rows_kept":2`)
	require.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/v1/jobs/nope", "").Code)

	rec = ts.do(t, http.MethodGet, "/v1/jobs/done/result", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var result resultDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, table.Rows, result.Rows)
	require.True(t, result.Cleaned)

	rec = ts.do(t, http.MethodGet, "/v1/jobs/done/result?format=csv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Equal(t, "library_id,company\n111,Acme\n222,\"Bolt, Inc\"\n", rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/v1/jobs/done/result?format=records", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `{"company":"Acme","library_id":"111"}`)

	require.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/v1/jobs/done/result?format=xml", "").Code)
	require.Equal(t, http.StatusConflict, ts.do(t, http.MethodGet, "/v1/jobs/busy/result", "").Code)
	require.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/v1/jobs/nope/result", "").Code)
}

func TestCancelJob(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.Config{}, nil)
	seedJob(t, ts.jobs, "busy", crawler.JobStatusRunning)
	seedJob(t, ts.jobs, "done", crawler.JobStatusSucceeded)

	require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/v1/jobs/busy/cancel", "").Code)
	require.True(t, ts.cancel.ShouldStop("chat-busy"))

	require.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/v1/jobs/done/cancel", "").Code)
	require.False(t, ts.cancel.ShouldStop("chat-done"))
	require.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/v1/jobs/nope/cancel", "").Code)
}

func TestAPIKeyProtectsV1Routes(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	ts := newTestServer(t, cfg, nil)

	require.Equal(t, http.StatusForbidden, ts.do(t, http.MethodGet, "/v1/queue", "").Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/v1/queue?api_key=secret", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", "").Code)
}

func TestProbesAndMetrics(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.Config{}, map[string]ReadinessCheck{
		"postgres": func(context.Context) error { return nil },
	})
	rec := ts.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/readyz", "").Code)

	rec = ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")

	failing := newTestServer(t, config.Config{}, map[string]ReadinessCheck{
		"gcs": func(context.Context) error { return errors.New("bucket missing") },
	})
	rec = failing.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "bucket missing")
}

func TestRunsRoutesOnlyWithRepository(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.Config{}, nil)
	require.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/v1/runs", "").Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	handler := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "internal server error"))
}

func TestRequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, "req-42", seen)
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}
