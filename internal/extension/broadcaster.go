package extension

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultQueueSize = 64
	defaultTimeout   = 2 * time.Second
	drainTimeout     = 5 * time.Second
)

// Listener receives lifecycle events for one protocol version.
type Listener interface {
	Name() string
	APIVersion() APIVersion
	Notify(ctx context.Context, ev Event) error
}

// Broadcaster queues events from the control loop and delivers them to every
// listener, oldest protocol version first. Broadcast never blocks.
type Broadcaster struct {
	timeout time.Duration
	logger  *slog.Logger
	queue   chan Event

	mu        sync.RWMutex
	listeners []Listener

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewBroadcaster builds a broadcaster with a bounded queue.
func NewBroadcaster(queueSize int, timeout time.Duration, logger *slog.Logger) *Broadcaster {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Broadcaster{
		timeout: timeout,
		logger:  logger,
		queue:   make(chan Event, queueSize),
	}
}

// Register adds a listener. Listeners of the same version keep registration order.
func (b *Broadcaster) Register(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
	slices.SortStableFunc(b.listeners, func(x, y Listener) int {
		return cmp.Compare(x.APIVersion(), y.APIVersion())
	})
	b.logger.Info("extension registered", "name", l.Name(), "api", l.APIVersion())
}

// Broadcast enqueues ev for delivery. The event is dropped when the queue is full.
func (b *Broadcaster) Broadcast(ev Event) {
	select {
	case b.queue <- ev:
	default:
		b.dropped.Add(1)
		b.logger.Warn("extension queue full, event dropped", "event", ev.Kind)
	}
}

// Run delivers queued events until ctx is cancelled, then delivers what is
// still queued within drainTimeout. Deliveries are bounded by the listener
// timeout rather than ctx, so events queued during shutdown are not lost.
func (b *Broadcaster) Run(ctx context.Context) error {
	deliverCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			b.drain(deliverCtx)
			return ctx.Err()
		case ev := <-b.queue:
			b.Deliver(deliverCtx, ev)
		}
	}
}

func (b *Broadcaster) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	for ctx.Err() == nil {
		select {
		case ev := <-b.queue:
			b.Deliver(ctx, ev)
		default:
			return
		}
	}
	if n := len(b.queue); n > 0 {
		b.logger.Warn("extension events undelivered at shutdown", "count", n)
	}
}

// Deliver sends ev to every listener synchronously. A failing or panicking
// listener does not prevent delivery to the rest.
func (b *Broadcaster) Deliver(ctx context.Context, ev Event) {
	b.mu.RLock()
	listeners := slices.Clone(b.listeners)
	b.mu.RUnlock()

	for _, l := range listeners {
		if err := b.notify(ctx, l, ev); err != nil {
			b.failed.Add(1)
			b.logger.Warn("extension notify failed", "name", l.Name(), "event", ev.Kind, "err", err)
			continue
		}
		b.delivered.Add(1)
	}
}

func (b *Broadcaster) notify(ctx context.Context, l Listener, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	notifyCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return l.Notify(notifyCtx, ev)
}

// Stats reports delivery counters.
func (b *Broadcaster) Stats() (delivered, failed, dropped uint64) {
	return b.delivered.Load(), b.failed.Load(), b.dropped.Load()
}

// FuncListener adapts a function to the Listener interface.
type FuncListener struct {
	name    string
	version APIVersion
	fn      func(ev Event)
}

// NewFuncListener wraps fn as a listener.
func NewFuncListener(name string, version APIVersion, fn func(ev Event)) *FuncListener {
	return &FuncListener{name: name, version: version, fn: fn}
}

func (f *FuncListener) Name() string           { return f.name }
func (f *FuncListener) APIVersion() APIVersion { return f.version }

func (f *FuncListener) Notify(_ context.Context, ev Event) error {
	f.fn(ev)
	return nil
}
