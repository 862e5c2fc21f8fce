package queue

import (
	"context"
	"testing"
	"time"

	"github.com/oriys/quasar/internal/domain"
)

func TestChannelNotifierDeliversToSubscribers(t *testing.T) {
	n := NewChannelNotifier()
	defer n.Close()

	ctx := context.Background()
	sub := n.Subscribe(ctx)

	if err := n.Notify(ctx, domain.GuildID(7)); err != nil {
		t.Fatalf("notify: %v", err)
	}

	select {
	case got := <-sub:
		if got != 7 {
			t.Fatalf("expected guild 7, got %d", got)
		}
	case <-time.After(time.Second):
		t.Fatal("notification never arrived")
	}
}

func TestChannelNotifierMultipleSubscribers(t *testing.T) {
	n := NewChannelNotifier()
	defer n.Close()

	ctx := context.Background()
	a := n.Subscribe(ctx)
	b := n.Subscribe(ctx)

	n.Notify(ctx, domain.GuildID(1))

	for _, sub := range []<-chan domain.GuildID{a, b} {
		select {
		case <-sub:
		case <-time.After(time.Second):
			t.Fatal("a subscriber missed the notification")
		}
	}
}

func TestChannelNotifierUnsubscribeOnContextCancel(t *testing.T) {
	n := NewChannelNotifier()
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub := n.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-sub:
		if ok {
			t.Fatal("expected closed channel, got a value")
		}
	case <-time.After(time.Second):
		t.Fatal("channel never closed after cancel")
	}
}

func TestChannelNotifierCloseClosesSubscribers(t *testing.T) {
	n := NewChannelNotifier()
	sub := n.Subscribe(context.Background())

	n.Close()

	select {
	case _, ok := <-sub:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel never closed after Close")
	}

	// further notifies are harmless
	if err := n.Notify(context.Background(), domain.GuildID(1)); err != nil {
		t.Fatalf("notify after close: %v", err)
	}
}

func TestNoopNotifierNeverSignals(t *testing.T) {
	n := NewNoopNotifier()
	ctx, cancel := context.WithCancel(context.Background())
	sub := n.Subscribe(ctx)

	n.Notify(ctx, domain.GuildID(1))

	select {
	case <-sub:
		t.Fatal("noop notifier signalled")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
}
