package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestEventWireFormat(t *testing.T) {
	if got := TenantChannel("acme"); got != "telemetry_acme" {
		t.Fatalf("channel: %q", got)
	}

	evt := Event{Type: SyncProgress, Percent: 80, Phase: "pull_requests", Summary: "42 pull requests stored"}
	var decoded map[string]any
	if err := json.Unmarshal(evt.JSON(), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["type"] != "sync_progress" ||
		decoded["progress"] != float64(80) ||
		decoded["status"] != "pull_requests" ||
		decoded["message"] != "42 pull requests stored" {
		t.Fatalf("payload: %v", decoded)
	}
}

func TestMemoryBusDeliversToSubscribers(t *testing.T) {
	b := NewMemoryBus(8)
	defer b.Close()

	ctx := context.Background()
	ch, cancel := b.Subscribe(ctx, TenantChannel("acme"))
	defer cancel()

	b.Publish(ctx, TenantChannel("acme"), Event{Type: SyncProgress, Percent: 50, Phase: "work_items"})

	select {
	case evt := <-ch:
		if evt.Type != SyncProgress || evt.Percent != 50 {
			t.Fatalf("unexpected event: %+v", evt)
		}
		if evt.Timestamp.IsZero() {
			t.Fatal("timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestMemoryBusTenantIsolation(t *testing.T) {
	b := NewMemoryBus(8)
	defer b.Close()

	ctx := context.Background()
	alpha, cancelA := b.Subscribe(ctx, TenantChannel("alpha"))
	defer cancelA()
	beta, cancelB := b.Subscribe(ctx, TenantChannel("beta"))
	defer cancelB()

	b.Publish(ctx, TenantChannel("alpha"), Event{Type: SyncProgress, Percent: 100, Phase: "success"})

	select {
	case <-alpha:
	case <-time.After(time.Second):
		t.Fatal("alpha subscriber missed its event")
	}
	select {
	case evt := <-beta:
		t.Fatalf("beta received alpha's event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusDropsForSlowSubscriber(t *testing.T) {
	b := NewMemoryBus(1)
	defer b.Close()

	ctx := context.Background()
	ch, cancel := b.Subscribe(ctx, "c")
	defer cancel()

	// Fill the buffer and keep publishing; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(ctx, "c", Event{Type: SyncProgress, Percent: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
	<-ch // at least the first event is there
}

func TestMemoryBusUnsubscribeClosesChannel(t *testing.T) {
	b := NewMemoryBus(8)
	defer b.Close()

	ch, cancel := b.Subscribe(context.Background(), "c")
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed after unsubscribe")
	}
}

func TestRedisBusRoundTrip(t *testing.T) {
	srv := miniredis.RunT(t)

	b, err := NewRedisBus("redis://"+srv.Addr(), nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	ch, cancel := b.Subscribe(ctx, TenantChannel("tenant_acme"))
	defer cancel()

	// Subscription setup races the publish; retry until delivered.
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case evt := <-ch:
			if evt.Type != InsightReady || evt.Summary != "ready" {
				t.Fatalf("unexpected event: %+v", evt)
			}
			return
		case <-tick.C:
			b.Publish(ctx, TenantChannel("tenant_acme"), Event{Type: InsightReady, Summary: "ready"})
		case <-deadline:
			t.Fatal("event never delivered through redis")
		}
	}
}
