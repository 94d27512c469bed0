// Package notify fans lifecycle events out to the bus and to message senders.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"position-core/internal/events"
	"position-core/pkg/i18n"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Options tune delivery.
type Options struct {
	QueueSize   int
	SendTimeout time.Duration
	Retries     int           // extra attempts per sender
	Backoff     time.Duration // base delay between attempts, doubled each retry
}

func (o *Options) defaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.Backoff <= 0 {
		o.Backoff = 500 * time.Millisecond
	}
}

// Dispatcher implements events.Emitter. Emit never blocks: the event goes to
// the in-process bus immediately and onto a bounded queue for senders; when
// the queue is full the event is dropped for senders and counted.
type Dispatcher struct {
	bus     *events.Bus
	senders []Sender
	msgs    *i18n.Messages
	opts    Options
	logger  *zap.Logger

	queue   chan events.Lifecycle
	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// NewDispatcher creates a dispatcher. bus may be nil.
func NewDispatcher(bus *events.Bus, senders []Sender, lang i18n.Language, opts Options, logger *zap.Logger) *Dispatcher {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		bus:     bus,
		senders: senders,
		msgs:    i18n.For(lang),
		opts:    opts,
		logger:  logger.Named("notify"),
		queue:   make(chan events.Lifecycle, opts.QueueSize),
	}
}

// Emit publishes l and queues it for delivery.
func (d *Dispatcher) Emit(l events.Lifecycle) {
	if l.At.IsZero() {
		l.At = time.Now().UTC()
	}
	if d.bus != nil {
		d.bus.Publish(events.EventLifecycle, l)
	}
	if len(d.senders) == 0 {
		return
	}
	select {
	case d.queue <- l:
	default:
		d.dropped.Add(1)
		d.logger.Warn("notification queue full, dropping",
			zap.String("kind", string(l.Kind())),
			zap.String("position_id", l.PositionID))
	}
}

// Run delivers queued events until ctx is done, then drains what is left
// with a short grace period.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		case l := <-d.queue:
			d.deliver(ctx, l)
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.SendTimeout)
	defer cancel()
	for {
		select {
		case l := <-d.queue:
			d.deliver(ctx, l)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, l events.Lifecycle) {
	title, body := Render(d.msgs, l)
	for _, s := range d.senders {
		if err := d.sendWithRetry(ctx, s, title, body); err != nil {
			d.failed.Add(1)
			d.logger.Error("notification failed",
				zap.String("sender", s.Name()),
				zap.String("kind", string(l.Kind())),
				zap.String("position_id", l.PositionID),
				zap.Error(err))
			continue
		}
		d.sent.Add(1)
	}
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, s Sender, title, body string) error {
	var err error
	delay := d.opts.Backoff
	for attempt := 0; attempt <= d.opts.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}
		sctx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
		err = s.Send(sctx, title, body)
		cancel()
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("after %d attempts: %w", d.opts.Retries+1, err)
}

// Stats are delivery counters.
type Stats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Queued  int    `json:"queued"`
}

// Stats returns delivery counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Sent:    d.sent.Load(),
		Failed:  d.failed.Load(),
		Dropped: d.dropped.Load(),
		Queued:  len(d.queue),
	}
}
