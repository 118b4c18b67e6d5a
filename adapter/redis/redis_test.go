package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/pithecene-io/codechat/adapter"
	"github.com/pithecene-io/codechat/iox"
)

func testEvent() *adapter.ExchangeCompletedEvent {
	return &adapter.ExchangeCompletedEvent{
		ContractVersion: "0.3.0",
		EventType:       adapter.EventTypeExchangeCompleted,
		ExchangeID:      "q-001",
		SessionID:       "sess-1",
		Workspace:       "demo-1234abcd",
		Outcome:         "done",
		Timestamp:       "2026-03-01T09:00:00Z",
		Chunks:          4,
		AnswerBytes:     120,
		DurationMs:      1500,
	}
}

// asyncReceive reads one message from the subscriber on its own goroutine.
// Call it before Publish: miniredis delivers pub/sub messages synchronously.
func asyncReceive(sub *miniredis.Subscriber) <-chan miniredis.PubsubMessage {
	ch := make(chan miniredis.PubsubMessage, 1)
	go func() {
		ch <- <-sub.Messages()
	}()
	return ch
}

func waitMessage(t *testing.T, ch <-chan miniredis.PubsubMessage) miniredis.PubsubMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pub/sub message")
		return miniredis.PubsubMessage{}
	}
}

func TestPublish_Success(t *testing.T) {
	mr := miniredis.RunT(t)

	a, err := New(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(iox.CloseFunc(a))

	sub := mr.NewSubscriber()
	sub.Subscribe(DefaultChannel)
	ch := asyncReceive(sub)

	if err := a.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg := waitMessage(t, ch)
	if msg.Channel != DefaultChannel {
		t.Errorf("channel = %q, want %q", msg.Channel, DefaultChannel)
	}

	var received adapter.ExchangeCompletedEvent
	if err := json.Unmarshal([]byte(msg.Message), &received); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if received.ExchangeID != "q-001" || received.Outcome != "done" {
		t.Errorf("received = %+v", received)
	}
	if received.EventType != adapter.EventTypeExchangeCompleted {
		t.Errorf("event_type = %q", received.EventType)
	}
}

func TestPublish_CustomChannel(t *testing.T) {
	mr := miniredis.RunT(t)

	a, err := New(Config{URL: "redis://" + mr.Addr(), Channel: "team:chat"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(iox.CloseFunc(a))

	sub := mr.NewSubscriber()
	sub.Subscribe("team:chat")
	ch := asyncReceive(sub)

	if err := a.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if msg := waitMessage(t, ch); msg.Channel != "team:chat" {
		t.Errorf("channel = %q, want team:chat", msg.Channel)
	}
}

func TestPublish_ExhaustsRetries(t *testing.T) {
	a, err := New(Config{
		URL:     "redis://127.0.0.1:1",
		Retries: 2,
		Timeout: 100 * time.Millisecond,
		Backoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(iox.CloseFunc(a))

	if err := a.Publish(t.Context(), testEvent()); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestPublish_ContextCanceled(t *testing.T) {
	a, err := New(Config{URL: "redis://127.0.0.1:1", Retries: 5, Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(iox.CloseFunc(a))

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	if err := a.Publish(ctx, testEvent()); err == nil {
		t.Fatal("expected error on canceled context")
	}
}

func TestPublish_AfterCloseFailsFast(t *testing.T) {
	mr := miniredis.RunT(t)

	a, err := New(Config{URL: "redis://" + mr.Addr(), Retries: 3, Backoff: time.Hour})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.Publish(t.Context(), testEvent()) }()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("publish after close should not retry")
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing URL", Config{}},
		{"invalid URL", Config{URL: "not-a-redis-url"}},
		{"negative retries", Config{URL: "redis://localhost:6379", Retries: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNew_DefaultsApplied(t *testing.T) {
	a, err := New(Config{URL: "redis://localhost:6379"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(iox.CloseFunc(a))

	if a.config.Channel != DefaultChannel {
		t.Errorf("channel = %q, want %q", a.config.Channel, DefaultChannel)
	}
	if a.config.Timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", a.config.Timeout, DefaultTimeout)
	}
}
