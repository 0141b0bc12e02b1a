// Package admission turns crawl requests into queued jobs. It is shared by
// every front door (HTTP, Pub/Sub) so they agree on validation, duplicate
// handling and the waiting-list reply.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adlibrary-crawler/internal/chatlog"
	"github.com/JakeFAU/adlibrary-crawler/internal/crawler"
	"github.com/JakeFAU/adlibrary-crawler/internal/notify"
	"github.com/JakeFAU/adlibrary-crawler/internal/queue"
)

const replyTimeout = 5 * time.Second

// ErrInvalidRequest is returned when a request lacks a keyword or origin.
var ErrInvalidRequest = errors.New("keyword and origin_id are required")

// DuplicateError reports that the origin already has an active or waiting job.
type DuplicateError struct {
	OriginID string
	Position queue.Position
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("origin %s already has a crawl at position %d", e.OriginID, e.Position)
}

// Queue is the part of the job queue admission needs.
type Queue interface {
	Submit(job *crawler.Job) (queue.Position, error)
	PositionOf(originID string) (queue.Position, bool)
}

// MessageLog records inbound requests.
type MessageLog interface {
	Record(e chatlog.Entry)
}

// Request is one crawl request as sent by a chat front end.
type Request struct {
	Keyword   string `json:"keyword"`
	OriginID  string `json:"origin_id"`
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
}

// Normalize trims surrounding whitespace from the identifying fields.
func (r Request) Normalize() Request {
	r.Keyword = strings.TrimSpace(r.Keyword)
	r.OriginID = strings.TrimSpace(r.OriginID)
	return r
}

// Result is an admitted job and its place in line.
type Result struct {
	JobID    string
	Position queue.Position
}

// Deps are the collaborators of a Service. Clock, Notifier and Log are optional.
type Deps struct {
	Queue    Queue
	Jobs     crawler.JobStore
	IDs      crawler.IDGenerator
	Clock    crawler.Clock
	Notifier crawler.Notifier
	Log      MessageLog
}

// Service admits crawl requests into the queue.
type Service struct {
	deps   Deps
	logger *zap.Logger
}

// New constructs a Service.
func New(deps Deps, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{deps: deps, logger: logger}
}

// Admit validates req, records it in the message log and submits a new job.
// A request from an origin that already has a job is rejected with a
// *DuplicateError; if that job is still waiting the originator is told its
// rank. A job that cannot be submitted is stored as canceled and the queue's
// error is returned wrapped.
func (s *Service) Admit(ctx context.Context, req Request) (Result, error) {
	req = req.Normalize()
	if req.Keyword == "" || req.OriginID == "" {
		return Result{}, ErrInvalidRequest
	}
	if s.deps.Log != nil {
		s.deps.Log.Record(chatlog.Entry{
			UserID:    req.UserID,
			MessageID: req.MessageID,
			ChatID:    req.OriginID,
			Text:      req.Keyword,
			Direction: chatlog.Incoming,
		})
	}

	if pos, ok := s.deps.Queue.PositionOf(req.OriginID); ok {
		if pos > 0 {
			s.reply(ctx, req.MessageID, notify.WaitingListText(int(pos)))
		}
		return Result{}, &DuplicateError{OriginID: req.OriginID, Position: pos}
	}

	job, err := s.newJob(ctx, req)
	if err != nil {
		return Result{}, err
	}
	pos, err := s.deps.Queue.Submit(job)
	if err != nil {
		s.abandon(ctx, job.ID, err)
		return Result{}, fmt.Errorf("submit job: %w", err)
	}
	s.logger.Info("crawl accepted",
		zap.String("job_id", job.ID),
		zap.String("origin_id", job.OriginID),
		zap.String("keyword", job.Keyword),
		zap.Int("position", int(pos)),
	)
	return Result{JobID: job.ID, Position: pos}, nil
}

func (s *Service) newJob(ctx context.Context, req Request) (*crawler.Job, error) {
	id, err := s.deps.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}
	job := crawler.NewJob(id, req.Keyword, req.OriginID, req.MessageID)
	if s.deps.Clock != nil {
		job.Submitted = s.deps.Clock.Now()
	}
	record := crawler.JobRecord{
		ID:        job.ID,
		Keyword:   job.Keyword,
		OriginID:  job.OriginID,
		MessageID: job.MessageID,
		Status:    crawler.JobStatusQueued,
		Submitted: job.Submitted,
	}
	if err := s.deps.Jobs.CreateJob(ctx, record); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// abandon marks a job that never reached the queue as canceled.
func (s *Service) abandon(ctx context.Context, jobID string, cause error) {
	if err := s.deps.Jobs.UpdateJobStatus(ctx, jobID, crawler.JobStatusCanceled, cause.Error()); err != nil {
		s.logger.Warn("abandon job failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (s *Service) reply(ctx context.Context, messageID, text string) {
	if s.deps.Notifier == nil || messageID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer cancel()
	notify.Best(s.logger, "waiting list reply", func() error {
		return s.deps.Notifier.Reply(ctx, messageID, text)
	})
}
