package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/adlibrary-crawler/internal/chatlog"
	"github.com/JakeFAU/adlibrary-crawler/internal/crawler"
	"github.com/JakeFAU/adlibrary-crawler/internal/queue"
	"github.com/JakeFAU/adlibrary-crawler/internal/storage/memory"
)

type fakeQueue struct {
	mu        sync.Mutex
	positions map[string]queue.Position
	submitted []*crawler.Job
	err       error
}

func (q *fakeQueue) Submit(job *crawler.Job) (queue.Position, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return 0, q.err
	}
	q.submitted = append(q.submitted, job)
	return queue.Position(len(q.submitted) - 1), nil
}

func (q *fakeQueue) PositionOf(originID string) (queue.Position, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pos, ok := q.positions[originID]
	return pos, ok
}

type staticIDs struct{ err error }

func (s staticIDs) NewID() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "job-1", nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type replies struct {
	mu   sync.Mutex
	sent map[string]string
}

func (r *replies) Update(context.Context, string, crawler.Card) error { return nil }

func (r *replies) Reply(_ context.Context, messageID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent == nil {
		r.sent = map[string]string{}
	}
	r.sent[messageID] = text
	return nil
}

type entries struct {
	mu  sync.Mutex
	got []chatlog.Entry
}

func (e *entries) Record(entry chatlog.Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, entry)
}

type fixture struct {
	svc   *Service
	queue *fakeQueue
	jobs  *memory.JobStore
	notes *replies
	log   *entries
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		queue: &fakeQueue{positions: map[string]queue.Position{}},
		jobs:  memory.NewJobStore(),
		notes: &replies{},
		log:   &entries{},
	}
	f.svc = New(Deps{
		Queue:    f.queue,
		Jobs:     f.jobs,
		IDs:      staticIDs{},
		Clock:    fixedClock{now: time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)},
		Notifier: f.notes,
		Log:      f.log,
	}, zaptest.NewLogger(t))
	return f
}

func TestAdmitCreatesAndSubmitsJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res, err := f.svc.Admit(context.Background(), Request{
		Keyword:   "  shoes ",
		OriginID:  " chat-1",
		MessageID: "msg-1",
		UserID:    "u-1",
	})
	require.NoError(t, err)
	require.Equal(t, Result{JobID: "job-1", Position: 0}, res)

	require.Len(t, f.queue.submitted, 1)
	job := f.queue.submitted[0]
	require.Equal(t, "shoes", job.Keyword)
	require.Equal(t, "chat-1", job.OriginID)
	require.Equal(t, "msg-1", job.MessageID)

	rec, err := f.jobs.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusQueued, rec.Status)
	require.Equal(t, time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC), rec.Submitted)

	require.Equal(t, []chatlog.Entry{{
		UserID:    "u-1",
		MessageID: "msg-1",
		ChatID:    "chat-1",
		Text:      "shoes",
		Direction: chatlog.Incoming,
	}}, f.log.got)
}

func TestAdmitRejectsInvalidRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  Request
	}{
		{"blank keyword", Request{Keyword: " ", OriginID: "chat-1"}},
		{"blank origin", Request{Keyword: "shoes"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			_, err := f.svc.Admit(context.Background(), tt.req)
			require.ErrorIs(t, err, ErrInvalidRequest)
			require.Empty(t, f.queue.submitted)
			require.Empty(t, f.log.got)
		})
	}
}

func TestAdmitDuplicateOrigin(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.queue.positions["chat-1"] = 0
	f.queue.positions["chat-2"] = 2

	_, err := f.svc.Admit(context.Background(), Request{Keyword: "hats", OriginID: "chat-2", MessageID: "msg-2"})
	var dup *DuplicateError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, queue.Position(2), dup.Position)
	require.Equal(t, "⏳ Your request is in waiting list (No #2)", f.notes.sent["msg-2"])

	_, err = f.svc.Admit(context.Background(), Request{Keyword: "hats", OriginID: "chat-1", MessageID: "msg-1"})
	require.ErrorAs(t, err, &dup)
	require.Equal(t, queue.Position(0), dup.Position)
	require.NotContains(t, f.notes.sent, "msg-1")

	require.Empty(t, f.queue.submitted)
	require.Len(t, f.log.got, 2)
}

func TestAdmitAbandonsJobWhenQueueRejects(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.queue.err = queue.ErrClosed

	_, err := f.svc.Admit(context.Background(), Request{Keyword: "shoes", OriginID: "chat-1"})
	require.ErrorIs(t, err, queue.ErrClosed)

	rec, err := f.jobs.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCanceled, rec.Status)
}

func TestAdmitIDFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.svc.deps.IDs = staticIDs{err: errors.New("entropy exhausted")}

	_, err := f.svc.Admit(context.Background(), Request{Keyword: "shoes", OriginID: "chat-1"})
	require.ErrorContains(t, err, "generate job id")
	require.Empty(t, f.queue.submitted)
}
