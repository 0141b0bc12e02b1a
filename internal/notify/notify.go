// Package notify delivers progress cards and replies to request originators
// by publishing JSON envelopes to a message topic. The chat bridge consuming
// that topic renders cards in place and posts replies in thread.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adlibrary-crawler/internal/chatlog"
	"github.com/JakeFAU/adlibrary-crawler/internal/crawler"
)

// Envelope kinds.
const (
	KindCard  = "card"
	KindReply = "reply"
)

// BotUserID is recorded as the author of outbound messages in the chat log.
const BotUserID = "adcrawler"

// ErrNoMessage is returned when a notification has no target message.
var ErrNoMessage = errors.New("message id is required")

// Envelope is the published payload.
type Envelope struct {
	Kind      string        `json:"kind"`
	MessageID string        `json:"message_id"`
	Card      *crawler.Card `json:"card,omitempty"`
	Text      string        `json:"text,omitempty"`
	TS        time.Time     `json:"ts"`
}

// Attributes lets subscribers filter on kind without decoding the body.
func (e Envelope) Attributes() map[string]string {
	return map[string]string{"kind": e.Kind, "message_id": e.MessageID}
}

// OrderingKey keeps updates to one message in publish order.
func (e Envelope) OrderingKey() string {
	return e.MessageID
}

// MessageLog records outbound messages.
type MessageLog interface {
	Record(e chatlog.Entry)
}

// Config configures a Notifier.
type Config struct {
	Topic string
	// Log mirrors every delivered message. Optional.
	Log    MessageLog
	Now    func() time.Time
	Logger *zap.Logger
}

// Notifier implements crawler.Notifier over a crawler.Publisher. Delivery is
// at most once: a failed publish is returned and never retried.
type Notifier struct {
	pub    crawler.Publisher
	topic  string
	log    MessageLog
	now    func() time.Time
	logger *zap.Logger
}

// New constructs a Notifier.
func New(pub crawler.Publisher, cfg Config) *Notifier {
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Notifier{pub: pub, topic: cfg.Topic, log: cfg.Log, now: cfg.Now, logger: cfg.Logger.Named("notify")}
}

// Update replaces the card shown on messageID.
func (n *Notifier) Update(ctx context.Context, messageID string, card crawler.Card) error {
	c := card
	return n.send(ctx, Envelope{Kind: KindCard, MessageID: messageID, Card: &c}, Render(card))
}

// Reply posts text in reply to messageID.
func (n *Notifier) Reply(ctx context.Context, messageID, text string) error {
	return n.send(ctx, Envelope{Kind: KindReply, MessageID: messageID, Text: text}, text)
}

func (n *Notifier) send(ctx context.Context, env Envelope, text string) error {
	if env.MessageID == "" {
		return ErrNoMessage
	}
	env.TS = n.now()
	id, err := n.pub.Publish(ctx, n.topic, env)
	if err != nil {
		return fmt.Errorf("publish %s for %s: %w", env.Kind, env.MessageID, err)
	}
	n.logger.Debug("notification published",
		zap.String("kind", env.Kind),
		zap.String("message_id", env.MessageID),
		zap.String("publish_id", id),
	)
	if n.log != nil {
		n.log.Record(chatlog.Entry{
			UserID:    BotUserID,
			MessageID: env.MessageID,
			Text:      text,
			Direction: chatlog.Outgoing,
		})
	}
	return nil
}

// Render returns the plain-text form of a card.
func Render(card crawler.Card) string {
	switch card.Kind {
	case crawler.CardQueue:
		return fmt.Sprintf("⏳ %s: waiting in queue (No #%d)", card.Keyword, card.Position)
	case crawler.CardProgress:
		return fmt.Sprintf("🔍 %s: %d%%", card.Keyword, card.Percent)
	default:
		return card.Keyword
	}
}

// WaitingListText is the reply sent when an origin already has a waiting job.
func WaitingListText(position int) string {
	return fmt.Sprintf("⏳ Your request is in waiting list (No #%d)", position)
}

// Best sends through fn and logs instead of returning a failure.
func Best(logger *zap.Logger, what string, fn func() error) {
	if err := fn(); err != nil && logger != nil {
		logger.Debug("best-effort notification dropped", zap.String("notification", what), zap.Error(err))
	}
}
