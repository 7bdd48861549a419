package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	cfg := EventsConfig{Enabled: true, BufferSize: 16, MaxBatchSize: 10, EnableAsync: true}
	ep, err := NewEventPublisher(cfg)
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	var (
		mu  sync.Mutex
		got []int
	)
	ep.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Data["count"].(int))
	}, FilterByType(EventTypeRecordsReleased))

	for i := 1; i <= 5; i++ {
		if err := ep.PublishReleased("all", i); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	_ = ep.PublishConfigReloaded("fleet.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 5 {
		t.Fatalf("delivered %d events, want 5", len(got))
	}
	for i, n := range got {
		if n != i+1 {
			t.Errorf("event %d out of order: %d", i, n)
		}
	}

	if err := ep.PublishReleased("all", 1); err == nil {
		t.Error("expected publish after shutdown to fail")
	}
}

func TestEventPublisherBufferFull(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1, MaxBatchSize: 1, EnableAsync: true})
	defer ep.Shutdown(context.Background())

	block := make(chan struct{})
	ep.Subscribe(func(Event) { <-block }, nil)

	var full bool
	for i := 0; i < 10 && !full; i++ {
		full = errors.Is(ep.PublishReleased("all", i), ErrEventBufferFull)
	}
	close(block)
	if !full {
		t.Error("expected a full buffer while the subscriber blocks")
	}
}

func TestEventPublisherFilters(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1})
	ep.AddFilter(func(e Event) bool { return e.UnitID != "ignored" })

	var byUnit, byActivity int
	ep.Subscribe(func(Event) { byUnit++ }, FilterByUnit("oven-1"))
	ep.Subscribe(func(Event) { byActivity++ }, FilterByActivity("1/1/1"))

	_ = ep.PublishReserved("1/1/1", "oven-1", 2, time.Time{}, time.Time{})
	_ = ep.PublishReserved("1/1/2", "oven-1", 2, time.Time{}, time.Time{})
	_ = ep.PublishReserved("1/1/1", "ignored", 2, time.Time{}, time.Time{})

	if byUnit != 2 || byActivity != 1 {
		t.Errorf("byUnit = %d, byActivity = %d", byUnit, byActivity)
	}
}

func TestEventPublisherDisabled(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: false})
	called := false
	ep.Subscribe(func(Event) { called = true }, nil)
	if err := ep.PublishReleased("all", 1); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("unexpected shutdown error: %v", err)
	}
	if called {
		t.Error("disabled publisher delivered an event")
	}
}
