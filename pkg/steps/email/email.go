// Package email implements the email step on top of an injected Sender.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/workflow"
	"github.com/google/uuid"
)

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Second
)

var ErrNotAccepted = errors.New("sender did not accept the message")

type SendResult struct {
	Success   bool
	MessageID string
}

// Sender is the email transport collaborator.
type Sender interface {
	Send(ctx context.Context, to, subject, htmlBody, textBody string) (SendResult, error)
}

// Handler sends one email per step run, retrying transport failures with linear backoff.
type Handler struct {
	sender      Sender
	maxAttempts int
	retryDelay  time.Duration
	logger      *slog.Logger
}

type Option func(*Handler)

func WithMaxAttempts(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the linear backoff step: the n-th retry waits n*delay.
func WithRetryDelay(d time.Duration) Option {
	return func(h *Handler) {
		h.retryDelay = d
	}
}

func New(sender Sender, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		sender:      sender,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
		logger:      logger.With("module", "email_step"),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

func (h *Handler) Execute(ctx context.Context, sc *workflow.StepContext) (map[string]any, error) {
	cfg, ok := sc.Config.(models.EmailConfig)
	if !ok {
		return nil, fmt.Errorf("unexpected config type %T", sc.Config)
	}

	maxAttempts := h.maxAttempts
	if cfg.MaxAttempts > 0 {
		maxAttempts = cfg.MaxAttempts
	}

	var (
		result   SendResult
		attempts int
	)

	operation := func() error {
		attempts++

		res, err := h.sender.Send(ctx, cfg.To, cfg.Subject, cfg.HTMLBody, cfg.TextBody)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}

			return err
		}

		if !res.Success {
			return ErrNotAccepted
		}

		result = res

		return nil
	}

	notify := func(err error, wait time.Duration) {
		h.logger.WarnContext(ctx, "Email send failed, retrying",
			"step_id", sc.Step.ID,
			"attempt", attempts,
			"retry_in", wait,
			"error", err,
		)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{step: h.retryDelay}, uint64(maxAttempts-1)),
		ctx,
	)

	err := backoff.RetryNotify(operation, policy, notify)

	sc.Attempts = attempts

	if err != nil {
		return nil, fmt.Errorf("email to %s failed after %d attempts: %w", cfg.To, attempts, err)
	}

	return map[string]any{
		"message_id": result.MessageID,
		"to":         cfg.To,
		"attempts":   attempts,
	}, nil
}

// linearBackOff waits step, 2*step, 3*step, ... between attempts.
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++

	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() {
	b.n = 0
}

// LogSender logs messages instead of sending them. It is the development transport.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger.With("module", "log_sender")}
}

func (s *LogSender) Send(ctx context.Context, to, subject, htmlBody, textBody string) (SendResult, error) {
	id := uuid.NewString()

	s.logger.InfoContext(ctx, "Email sent",
		"message_id", id,
		"to", to,
		"subject", subject,
		"html_bytes", len(htmlBody),
		"text_bytes", len(textBody),
	)

	return SendResult{Success: true, MessageID: id}, nil
}
