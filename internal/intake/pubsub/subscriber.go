// Package pubsub receives crawl requests from a Google Cloud Pub/Sub
// subscription and hands them to admission.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/adlibrary-crawler/internal/admission"
)

// Admitter admits one crawl request.
type Admitter interface {
	Admit(ctx context.Context, req admission.Request) (admission.Result, error)
}

// Config configures a Subscriber.
type Config struct {
	Subscription string
	// MaxOutstanding bounds unacknowledged messages held by this process. Defaults to 10.
	MaxOutstanding int
	Logger         *zap.Logger
}

// Subscriber pulls crawl requests and acknowledges each once admission has
// decided on it. Requests are redelivered only when the service could not
// take them at all (shutting down, store failure).
type Subscriber struct {
	sub    *pubsub.Subscription
	admit  Admitter
	logger *zap.Logger
}

// New creates a Subscriber on an existing subscription.
func New(client *pubsub.Client, admit Admitter, cfg Config) (*Subscriber, error) {
	if client == nil {
		return nil, errors.New("pubsub client is not configured")
	}
	if cfg.Subscription == "" {
		return nil, errors.New("subscription is required")
	}
	if cfg.MaxOutstanding <= 0 {
		cfg.MaxOutstanding = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	sub := client.Subscription(cfg.Subscription)
	sub.ReceiveSettings.NumGoroutines = 1
	sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	return &Subscriber{sub: sub, admit: admit, logger: cfg.Logger.Named("intake")}, nil
}

// Verify checks that the subscription exists.
func (s *Subscriber) Verify(ctx context.Context) error {
	ok, err := s.sub.Exists(ctx)
	if err != nil {
		return fmt.Errorf("check subscription %q: %w", s.sub.ID(), err)
	}
	if !ok {
		return fmt.Errorf("subscription %q does not exist", s.sub.ID())
	}
	return nil
}

// Run receives messages until ctx is canceled.
func (s *Subscriber) Run(ctx context.Context) error {
	s.logger.Info("receiving crawl requests", zap.String("subscription", s.sub.ID()))
	err := s.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if s.Process(ctx, msg.ID, msg.Data) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receive crawl requests: %w", err)
	}
	return nil
}

// Process admits one encoded request and reports whether the message should
// be acknowledged.
func (s *Subscriber) Process(ctx context.Context, msgID string, data []byte) bool {
	log := s.logger.With(zap.String("pubsub_message_id", msgID))
	var req admission.Request
	if err := json.Unmarshal(data, &req); err != nil {
		log.Warn("dropping malformed crawl request", zap.Error(err))
		return true
	}
	res, err := s.admit.Admit(ctx, req)
	var dup *admission.DuplicateError
	switch {
	case err == nil:
		log.Debug("crawl request admitted", zap.String("job_id", res.JobID), zap.Int("position", int(res.Position)))
		return true
	case errors.Is(err, admission.ErrInvalidRequest):
		log.Warn("dropping invalid crawl request", zap.Error(err))
		return true
	case errors.As(err, &dup):
		log.Info("duplicate crawl request", zap.String("origin_id", dup.OriginID), zap.Int("position", int(dup.Position)))
		return true
	default:
		log.Warn("crawl request not admitted, will be redelivered", zap.Error(err))
		return false
	}
}
