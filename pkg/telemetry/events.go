package telemetry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one notable scheduler occurrence published to subscribers.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`

	// Activity is the activity key in order/request/activity form.
	Activity string `json:"activity,omitempty"`

	// UnitID is the affected unit, if the event concerns one.
	UnitID string `json:"unit_id,omitempty"`

	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types published by the scheduler observer and the CLI.
const (
	EventTypeScheduleAllocated = "schedule.allocated"
	EventTypeScheduleExhausted = "schedule.exhausted"
	EventTypeScheduleRejected  = "schedule.rejected"
	EventTypeUnitReserved      = "unit.reserved"
	EventTypeRecordsReleased   = "records.released"
	EventTypePolicyDenied      = "policy.denied"
	EventTypeConfigReloaded    = "config.reloaded"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var (
	// ErrEventBufferFull is returned by Publish when the async buffer is full.
	ErrEventBufferFull = errors.New("event buffer full, event dropped")
	// ErrPublisherStopped is returned by Publish after Shutdown.
	ErrPublisherStopped = errors.New("event publisher stopped")
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. In async mode a single
// goroutine drains the buffer in batches, so every subscriber observes
// events in publish order.
type EventPublisher struct {
	cfg  EventsConfig
	mu   sync.RWMutex
	subs []subscription
	gate []EventFilter

	queue chan Event
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

type subscription struct {
	fn     EventSubscriber
	accept EventFilter
}

// NewEventPublisher returns a publisher for cfg. A disabled publisher
// accepts and discards everything.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{cfg: cfg}
	if !cfg.Enabled {
		return ep, nil
	}
	if ep.cfg.MaxBatchSize <= 0 {
		ep.cfg.MaxBatchSize = 1
	}
	ep.stop = make(chan struct{})
	ep.done = make(chan struct{})
	if !cfg.EnableAsync {
		close(ep.done)
		return ep, nil
	}
	ep.queue = make(chan Event, cfg.BufferSize)
	go ep.loop()
	return ep, nil
}

// Publish stamps event and hands it to the subscribers, inline or through
// the async buffer.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.cfg.Enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Source == "" {
		event.Source = "bakeplan"
	}
	if !ep.admits(event) {
		return nil
	}

	if ep.queue == nil {
		ep.deliver(event)
		return nil
	}
	select {
	case <-ep.stop:
		return ErrPublisherStopped
	default:
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return ErrEventBufferFull
	}
}

func (ep *EventPublisher) admits(event Event) bool {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, keep := range ep.gate {
		if !keep(event) {
			return false
		}
	}
	return true
}

// PublishScheduleAllocated publishes a successful schedule.
func (ep *EventPublisher) PublishScheduleAllocated(activity string, units []string, algorithm string, iterations int) error {
	return ep.Publish(Event{
		Type:     EventTypeScheduleAllocated,
		Activity: activity,
		Message:  "activity allocated",
		Level:    EventLevelInfo,
		Data: map[string]interface{}{
			"units":      units,
			"algorithm":  algorithm,
			"iterations": iterations,
		},
	})
}

// PublishScheduleFailed publishes an exhausted or rejected schedule.
// Structural rejections use the rejected type.
func (ep *EventPublisher) PublishScheduleFailed(activity, kind, reason string, structural bool) error {
	eventType, level := EventTypeScheduleExhausted, EventLevelWarning
	if structural {
		eventType, level = EventTypeScheduleRejected, EventLevelError
	}
	return ep.Publish(Event{
		Type:     eventType,
		Activity: activity,
		Message:  reason,
		Level:    level,
		Data: map[string]interface{}{
			"kind": kind,
		},
	})
}

// PublishReserved publishes one unit's allocation.
func (ep *EventPublisher) PublishReserved(activity, unitID string, quantity float64, start, end time.Time) error {
	return ep.Publish(Event{
		Type:     EventTypeUnitReserved,
		Activity: activity,
		UnitID:   unitID,
		Message:  "unit reserved",
		Level:    EventLevelInfo,
		Data: map[string]interface{}{
			"quantity": quantity,
			"start":    start,
			"end":      end,
		},
	})
}

// PublishReleased publishes a release that removed records.
func (ep *EventPublisher) PublishReleased(scope string, count int) error {
	return ep.Publish(Event{
		Type:    EventTypeRecordsReleased,
		Message: "occupation records released",
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"scope": scope,
			"count": count,
		},
	})
}

// PublishPolicyDenied publishes a unit excluded by admission policy.
func (ep *EventPublisher) PublishPolicyDenied(activity, unitID, reason string) error {
	return ep.Publish(Event{
		Type:     EventTypePolicyDenied,
		Activity: activity,
		UnitID:   unitID,
		Message:  reason,
		Level:    EventLevelWarning,
	})
}

// PublishConfigReloaded publishes a configuration reload.
func (ep *EventPublisher) PublishConfigReloaded(path string) error {
	return ep.Publish(Event{
		Type:    EventTypeConfigReloaded,
		Message: "configuration reloaded",
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"path": path},
	})
}

// Subscribe registers fn for the events accept lets through. A nil accept
// takes every event.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, accept EventFilter) {
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, accept: accept})
	ep.mu.Unlock()
}

// AddFilter adds a filter applied before any subscriber sees the event.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	ep.gate = append(ep.gate, filter)
	ep.mu.Unlock()
}

// loop delivers a batch once it reaches MaxBatchSize, on every flush tick,
// and whatever is still buffered when the publisher stops.
func (ep *EventPublisher) loop() {
	defer close(ep.done)

	var tick <-chan time.Time
	if ep.cfg.FlushInterval > 0 {
		ticker := time.NewTicker(ep.cfg.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	pending := make([]Event, 0, ep.cfg.MaxBatchSize)
	flush := func() {
		for _, e := range pending {
			ep.deliver(e)
		}
		pending = pending[:0]
	}

	for {
		select {
		case e := <-ep.queue:
			if pending = append(pending, e); len(pending) >= ep.cfg.MaxBatchSize {
				flush()
			}
		case <-tick:
			flush()
		case <-ep.stop:
			for len(ep.queue) > 0 {
				pending = append(pending, <-ep.queue)
			}
			flush()
			return
		}
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, sub := range ep.subs {
		if sub.accept == nil || sub.accept(event) {
			sub.fn(event)
		}
	}
}

// Shutdown stops accepting events and waits for the buffer to drain or
// for ctx to expire.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.cfg.Enabled {
		return nil
	}
	ep.once.Do(func() { close(ep.stop) })

	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

var levelRank = map[string]int{
	EventLevelInfo:    0,
	EventLevelWarning: 1,
	EventLevelError:   2,
}

// FilterByLevel accepts events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := levelRank[minLevel]
	return func(e Event) bool { return levelRank[e.Level] >= floor }
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	return func(e Event) bool { return slices.Contains(types, e.Type) }
}

// FilterByActivity accepts events about one activity key.
func FilterByActivity(activity string) EventFilter {
	return func(e Event) bool { return e.Activity == activity }
}

// FilterByUnit accepts events about one unit.
func FilterByUnit(unitID string) EventFilter {
	return func(e Event) bool { return e.UnitID == unitID }
}
