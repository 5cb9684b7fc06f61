// Package notifier wraps a transport adapter with outbound policy: a token
// bucket rate limit and an explicit, configurable retry schedule. Delivery
// failures are returned to the caller, never swallowed.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"proposalbot/internal/transport"
	logx "proposalbot/pkg/logx"
)

// ErrDelivery wraps transport failures after retries are exhausted.
var ErrDelivery = errors.New("delivery failed")

// Notifier is the delivery surface the moderation pipeline depends on.
type Notifier interface {
	Send(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
	Forward(ctx context.Context, from transport.ChatTarget, messageID int, to transport.ChatTarget) (transport.MessageRef, error)
	Edit(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// Config controls outbound delivery policy.
type Config struct {
	RatePerSec int
	RetryMax   int
	RetryBase  time.Duration
}

type Service struct {
	adapter transport.Adapter
	log     logx.Logger

	cfg     Config
	limiter *rate.Limiter
}

var _ Notifier = (*Service)(nil)

func New(cfg Config, adapter transport.Adapter, log logx.Logger) *Service {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	return &Service{
		adapter: adapter,
		log:     log,
		cfg:     cfg,
		// Burst = rate per sec, so fan-out spikes don't block too hard.
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

func (s *Service) Send(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	var ref transport.MessageRef
	err := s.do(ctx, "send", func(ctx context.Context) error {
		var err error
		ref, err = s.adapter.SendText(ctx, to, text, opt)
		return err
	})
	return ref, err
}

func (s *Service) Forward(ctx context.Context, from transport.ChatTarget, messageID int, to transport.ChatTarget) (transport.MessageRef, error) {
	var ref transport.MessageRef
	err := s.do(ctx, "forward", func(ctx context.Context) error {
		var err error
		ref, err = s.adapter.Forward(ctx, from, messageID, to)
		return err
	})
	return ref, err
}

func (s *Service) Edit(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	return s.do(ctx, "edit", func(ctx context.Context) error {
		return s.adapter.EditText(ctx, ref, text, opt)
	})
}

func (s *Service) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	// Callback answers are cheap UI acks; no retry, but still rate limited.
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.adapter.AnswerCallback(ctx, callbackID, text)
}

func (s *Service) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var last error
	for attempt := 0; attempt <= s.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			wait := s.cfg.RetryBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if !s.log.IsZero() {
			s.log.Warn("delivery attempt failed", logx.String("op", op), logx.Int("attempt", attempt+1), logx.Err(last))
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrDelivery, op, last)
}
