// Package email adapts SMTP delivery to the channel contract. Dials are
// guarded by a circuit breaker; a tripped breaker surfaces as the channel
// being unavailable, which the dispatcher reports without retrying.
package email

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/oddspulse/alertd/internal/model"
	"github.com/oddspulse/alertd/pkg/circuitbreaker"
	"github.com/oddspulse/alertd/pkg/logger"
)

// RecipientLookup resolves a user id to an email address. Implemented by the
// external user directory.
type RecipientLookup func(ctx context.Context, userID string) (string, error)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string

	BreakerMaxFailures int
	BreakerTimeout     time.Duration
}

type Channel struct {
	dialer    *gomail.Dialer
	from      string
	recipient RecipientLookup
	breaker   *circuitbreaker.CircuitBreaker
	logger    *logger.Logger
}

func New(cfg Config, recipient RecipientLookup, log *logger.Logger) *Channel {
	if cfg.BreakerMaxFailures <= 0 {
		cfg.BreakerMaxFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	return &Channel{
		dialer:    gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:      cfg.From,
		recipient: recipient,
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        "smtp",
			MaxFailures: cfg.BreakerMaxFailures,
			Timeout:     cfg.BreakerTimeout,
		}),
		logger: log,
	}
}

func (c *Channel) Type() string {
	return model.ChannelEmail
}

func (c *Channel) Available() bool {
	return c.breaker.Ready()
}

func (c *Channel) Send(ctx context.Context, payload *model.NotificationPayload) (*model.DeliveryResult, error) {
	to, err := c.recipient(ctx, payload.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve recipient for user %s: %w", payload.UserID, err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", c.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", payload.Subject)
	m.SetBody("text/plain", payload.Content)

	if err := c.breaker.Execute(func() error {
		return c.dialer.DialAndSend(m)
	}); err != nil {
		c.logger.Warn("email send failed", "user_id", payload.UserID, "error", err.Error())
		return &model.DeliveryResult{Success: false, Error: err.Error()}, nil
	}

	return &model.DeliveryResult{Success: true, MessageID: payload.ID}, nil
}
