// Package notify delivers post-ingestion events to external channels.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"example.com/healthsync/internal/events"
)

// Sink is one external channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, event events.SyncCompleted) error
}

const (
	defaultTimeout     = 5 * time.Second
	defaultMaxInFlight = 64
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger overrides the logger used to report delivery failures.
func WithLogger(logger *log.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithTimeout bounds each delivery attempt.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithMaxInFlight bounds concurrent deliveries. Events beyond the bound are dropped.
func WithMaxInFlight(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.slots = make(chan struct{}, n)
		}
	}
}

// Dispatcher fans an event out to every sink in the background. Delivery never reports
// back to the caller: failures are logged and counted.
type Dispatcher struct {
	sinks   []Sink
	logger  *log.Logger
	timeout time.Duration
	slots   chan struct{}
	wg      sync.WaitGroup
}

// NewDispatcher constructs a Dispatcher over sinks.
func NewDispatcher(sinks []Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sinks:   sinks,
		logger:  log.New(log.Writer(), "[notify] ", log.LstdFlags|log.Lshortfile),
		timeout: defaultTimeout,
		slots:   make(chan struct{}, defaultMaxInFlight),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify schedules delivery and returns immediately.
func (d *Dispatcher) Notify(event events.SyncCompleted, payload json.RawMessage) {
	if len(d.sinks) == 0 {
		return
	}
	if event.Summary == nil {
		event.Summary = Summarize(payload)
	}

	select {
	case d.slots <- struct{}{}:
	default:
		d.logger.Printf("dropping notification for %s/%s: %d deliveries in flight", event.Date, event.DeviceID, cap(d.slots))
		droppedCounter.Inc()
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.slots }()
		for _, sink := range d.sinks {
			d.deliver(sink, event)
		}
	}()
}

func (d *Dispatcher) deliver(sink Sink, event events.SyncCompleted) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("sink panicked: %v", r)
			}
		}()
		return sink.Send(ctx, event)
	}()
	deliveryDuration.WithLabelValues(sink.Name()).Observe(time.Since(start).Seconds())

	if err != nil {
		d.logger.Printf("%s delivery failed (record=%s date=%s device=%s): %v", sink.Name(), event.RecordID, event.Date, event.DeviceID, err)
		recordDelivery(sink.Name(), false)
		return
	}
	recordDelivery(sink.Name(), true)
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
