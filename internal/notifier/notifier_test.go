package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"proposalbot/internal/transport"
	logx "proposalbot/pkg/logx"
)

type flakyAdapter struct {
	mu       sync.Mutex
	calls    int
	failFor  int // fail this many calls before succeeding
	lastText string
}

func (a *flakyAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (a *flakyAdapter) Stop(context.Context) error                           { return nil }

func (a *flakyAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.calls <= a.failFor {
		return transport.MessageRef{}, errors.New("telegram: 502")
	}
	a.lastText = text
	return transport.MessageRef{ChatID: to.ChatID, MessageID: a.calls}, nil
}

func (a *flakyAdapter) Forward(_ context.Context, _ transport.ChatTarget, _ int, to transport.ChatTarget) (transport.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.calls <= a.failFor {
		return transport.MessageRef{}, errors.New("telegram: 502")
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: a.calls}, nil
}

func (a *flakyAdapter) EditText(context.Context, transport.MessageRef, string, *transport.SendOptions) error {
	return nil
}

func (a *flakyAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func TestSendRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	ad := &flakyAdapter{failFor: 2}
	s := New(Config{RetryMax: 3, RetryBase: time.Millisecond}, ad, logx.Nop())

	ref, err := s.Send(context.Background(), transport.ChatTarget{ChatID: 5}, "hi", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ref.ChatID != 5 {
		t.Fatalf("ref = %+v", ref)
	}
	if ad.calls != 3 {
		t.Fatalf("calls = %d, want 3", ad.calls)
	}
}

func TestSendWrapsErrDeliveryAfterRetries(t *testing.T) {
	t.Parallel()
	ad := &flakyAdapter{failFor: 100}
	s := New(Config{RetryMax: 2, RetryBase: time.Millisecond}, ad, logx.Nop())

	_, err := s.Send(context.Background(), transport.ChatTarget{ChatID: 5}, "hi", nil)
	if !errors.Is(err, ErrDelivery) {
		t.Fatalf("err = %v, want ErrDelivery", err)
	}
	if ad.calls != 3 {
		t.Fatalf("calls = %d, want 1 + 2 retries", ad.calls)
	}
}

func TestSendHonorsContextBetweenRetries(t *testing.T) {
	t.Parallel()
	ad := &flakyAdapter{failFor: 100}
	s := New(Config{RetryMax: 5, RetryBase: time.Hour}, ad, logx.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Send(ctx, transport.ChatTarget{ChatID: 5}, "hi", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if ad.calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry after ctx expiry)", ad.calls)
	}
}
