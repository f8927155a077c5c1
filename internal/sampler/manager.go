package sampler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Manager samples policy frequencies periodically, caches the latest sample
// and fans updates out to subscribers.
type Manager struct {
	interval time.Duration
	reader   *Reader
	logger   *slog.Logger

	mu          sync.RWMutex
	latest      *Sample
	subscribers map[*subscriber]struct{}
	closeOnce   sync.Once
	closeErr    error
}

// NewManager builds a Manager around a reader.
func NewManager(interval time.Duration, reader *Reader, logger *slog.Logger) (*Manager, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		interval:    interval,
		reader:      reader,
		logger:      logger.With("component", "sampler_manager"),
		subscribers: make(map[*subscriber]struct{}),
	}, nil
}

// Run samples until the context is canceled.
func (m *Manager) Run(ctx context.Context) error {
	if m.reader == nil {
		<-ctx.Done()
		return m.Close()
	}

	m.logger.Info("sampler started", "interval", m.interval)
	m.storeSample(m.reader.Sample())

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("sampler stopping", "reason", ctx.Err())
			return m.Close()
		case <-ticker.C:
			m.storeSample(m.reader.Sample())
		}
	}
}

// Latest returns the most recent sample.
func (m *Manager) Latest() (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return Sample{}, false
	}
	return *m.latest, true
}

// Subscribe registers a listener for new samples. The channel holds at most
// one pending sample; older ones are dropped.
func (m *Manager) Subscribe() (<-chan Sample, func()) {
	sub := newSubscriber()

	m.mu.Lock()
	m.subscribers[sub] = struct{}{}
	if m.latest != nil {
		sub.send(*m.latest)
	}
	m.mu.Unlock()

	return sub.channel(), func() { m.removeSubscriber(sub) }
}

// Ready reports whether at least one sample has been taken.
func (m *Manager) Ready() bool {
	if m.reader == nil {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest != nil
}

func (m *Manager) storeSample(sample Sample) {
	m.mu.Lock()
	m.latest = &sample
	subs := make([]*subscriber, 0, len(m.subscribers))
	for sub := range m.subscribers {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.send(sample)
	}
}

func (m *Manager) removeSubscriber(sub *subscriber) {
	m.mu.Lock()
	delete(m.subscribers, sub)
	m.mu.Unlock()
	sub.close()
}

// Close releases the reader. Safe for repeated use.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		if m.reader != nil {
			if err := m.reader.Close(); err != nil {
				m.closeErr = fmt.Errorf("close reader: %w", err)
			}
		}
	})
	return m.closeErr
}

type subscriber struct {
	ch     chan Sample
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{ch: make(chan Sample, 1)}
}

func (s *subscriber) channel() <-chan Sample {
	return s.ch
}

func (s *subscriber) send(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- sample:
		return
	default:
		// Drop oldest to make room for new sample.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- sample:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
