package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edgeflare/quarry/pkg/config"
	"github.com/edgeflare/quarry/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultPublishTimeout bounds one fan-out.
const DefaultPublishTimeout = 5 * time.Second

// Publisher accepts change events. *Manager implements it.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

type publisher struct {
	name string
	conn Connector
}

// Manager fans events out to the configured publishers in the background.
type Manager struct {
	mu         sync.RWMutex
	publishers []publisher
	closed     bool
	inflight   sync.WaitGroup
	logger     *zap.Logger
	timeout    time.Duration
}

// NewManager connects every configured publisher. On error the publishers connected so far are
// closed.
func NewManager(cfgs []config.PublisherConfig, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{logger: logger, timeout: DefaultPublishTimeout}

	seen := make(map[string]bool, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.Name == "" {
			cfg.Name = cfg.Connector
		}
		if seen[cfg.Name] {
			m.Close()
			return nil, fmt.Errorf("publisher %q configured twice", cfg.Name)
		}
		seen[cfg.Name] = true

		conn, err := NewConnector(cfg.Connector)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("publisher %q: %w", cfg.Name, err)
		}
		if err := conn.Connect(cfg.Config, logger.With(zap.String("publisher", cfg.Name))); err != nil {
			m.Close()
			return nil, fmt.Errorf("publisher %q: %w", cfg.Name, err)
		}
		m.Add(cfg.Name, conn)
		logger.Info("publisher connected", zap.String("publisher", cfg.Name), zap.String("connector", cfg.Connector))
	}
	return m, nil
}

// Add registers an already connected connector under name.
func (m *Manager) Add(name string, conn Connector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishers = append(m.publishers, publisher{name: name, conn: conn})
}

// SetTimeout overrides DefaultPublishTimeout.
func (m *Manager) SetTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.timeout = d
	}
}

// Len returns the number of publishers.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.publishers)
}

// Publish hands event to every publisher and returns without waiting for delivery. Failures are
// logged and counted; they never surface to the caller. Delivery outlives cancellation of ctx,
// so a client hanging up after a commit still produces the event. Events published after Close
// are dropped.
func (m *Manager) Publish(ctx context.Context, event Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed || len(m.publishers) == 0 {
		return
	}

	publishers, timeout := m.publishers, m.timeout
	ctx = context.WithoutCancel(ctx)
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		m.deliver(ctx, publishers, timeout, event)
	}()
}

func (m *Manager) deliver(ctx context.Context, publishers []publisher, timeout time.Duration, event Event) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var g errgroup.Group
	for _, p := range publishers {
		g.Go(func() error {
			if err := p.conn.Publish(ctx, event); err != nil {
				metrics.FeedPublishErrors.WithLabelValues(p.name).Inc()
				m.logger.Error("publish change event",
					zap.String("publisher", p.name),
					zap.String("event_id", event.ID),
					zap.String("subject", event.Subject("", ".")),
					zap.Error(err))
				return nil
			}
			metrics.FeedPublished.WithLabelValues(p.name).Inc()
			return nil
		})
	}
	_ = g.Wait()
}

// Flush waits for every event published so far to be delivered or time out.
func (m *Manager) Flush() {
	m.inflight.Wait()
}

// Close stops accepting events, waits for in-flight deliveries and closes every publisher.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	publishers := m.publishers
	m.publishers = nil
	m.mu.Unlock()

	m.Flush()

	var errs []error
	for _, p := range publishers {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("publisher %q: %w", p.name, err))
		}
	}
	return errors.Join(errs...)
}
