package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/edgeflare/quarry/pkg/config"
	"github.com/edgeflare/quarry/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// memory records published events.
type memory struct {
	mu      sync.Mutex
	prefix  string
	events  []Event
	fail    error
	block   bool
	closed  bool
	connErr error
}

func (m *memory) Connect(config map[string]any, _ *zap.Logger) error {
	var cfg struct {
		Prefix string `mapstructure:"prefix"`
		Fail   bool   `mapstructure:"fail"`
		Block  bool   `mapstructure:"block"`
		Broken bool   `mapstructure:"broken"`
	}
	if err := DecodeConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.Broken {
		return errors.New("broker unreachable")
	}
	m.prefix = cfg.Prefix
	if cfg.Fail {
		m.fail = errors.New("publish refused")
	}
	m.block = cfg.Block
	return nil
}

func (m *memory) Publish(ctx context.Context, e Event) error {
	if m.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if m.fail != nil {
		return m.fail
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memory) Close() error {
	m.closed = true
	return nil
}

var (
	instancesMu sync.Mutex
	instances   []*memory
)

func init() {
	RegisterConnector("memory", func() Connector {
		m := &memory{}
		instancesMu.Lock()
		instances = append(instances, m)
		instancesMu.Unlock()
		return m
	})
}

func lastInstances(n int) []*memory {
	instancesMu.Lock()
	defer instancesMu.Unlock()
	return append([]*memory(nil), instances[len(instances)-n:]...)
}

func TestEventSubject(t *testing.T) {
	e := NewEvent("test", "cats", "create")
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Time.IsZero())
	assert.Equal(t, "quarry.test.cats.create", e.Subject("quarry", "."))
	assert.Equal(t, "test/cats/create", e.Subject("", "/"))
}

func TestRegistry(t *testing.T) {
	assert.Contains(t, Connectors(), "memory")

	_, err := NewConnector("carrier-pigeon")
	assert.ErrorIs(t, err, ErrConnectorNotFound)

	assert.Panics(t, func() {
		RegisterConnector("memory", func() Connector { return &memory{} })
	})
}

func TestDecodeConfig(t *testing.T) {
	var out struct {
		Timeout time.Duration `mapstructure:"timeout"`
		Port    int           `mapstructure:"port"`
		Servers []string      `mapstructure:"servers"`
	}
	require.NoError(t, DecodeConfig(map[string]any{
		"timeout": "2s",
		"port":    "4222",
		"servers": []any{"nats://a:4222"},
	}, &out))
	assert.Equal(t, 2*time.Second, out.Timeout)
	assert.Equal(t, 4222, out.Port)
	assert.Equal(t, []string{"nats://a:4222"}, out.Servers)

	assert.Error(t, DecodeConfig(map[string]any{"port": "not-a-number"}, &out))
}

func TestManagerPublish(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	m, err := NewManager([]config.PublisherConfig{
		{Name: "audit-ok", Connector: "memory", Config: map[string]any{"prefix": "quarry"}},
		{Name: "audit-failing", Connector: "memory", Config: map[string]any{"fail": true}},
	}, zap.New(core))
	require.NoError(t, err)
	require.Equal(t, 2, m.Len())
	conns := lastInstances(2)

	published := testutil.ToFloat64(metrics.FeedPublished.WithLabelValues("audit-ok"))
	failed := testutil.ToFloat64(metrics.FeedPublishErrors.WithLabelValues("audit-failing"))

	e := NewEvent("test", "cats", "delete")
	e.RecordID = "1"
	m.Publish(t.Context(), e)
	m.Flush()

	require.Len(t, conns[0].events, 1)
	assert.Equal(t, e.ID, conns[0].events[0].ID)
	assert.Equal(t, "quarry", conns[0].prefix)

	assert.Equal(t, published+1, testutil.ToFloat64(metrics.FeedPublished.WithLabelValues("audit-ok")))
	assert.Equal(t, failed+1, testutil.ToFloat64(metrics.FeedPublishErrors.WithLabelValues("audit-failing")))

	entries := logs.FilterMessage("publish change event").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "audit-failing", entries[0].ContextMap()["publisher"])

	require.NoError(t, m.Close())
	assert.True(t, conns[0].closed)
	assert.True(t, conns[1].closed)
}

func TestManagerPublishOutlivesCancel(t *testing.T) {
	m, err := NewManager([]config.PublisherConfig{{Connector: "memory"}}, nil)
	require.NoError(t, err)
	conn := lastInstances(1)[0]

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	m.Publish(ctx, NewEvent("test", "cats", "create"))
	m.Flush()
	assert.Len(t, conn.events, 1)
}

func TestManagerPublishTimeout(t *testing.T) {
	m, err := NewManager([]config.PublisherConfig{{Name: "stuck", Connector: "memory", Config: map[string]any{"block": true}}}, nil)
	require.NoError(t, err)
	m.SetTimeout(20 * time.Millisecond)

	start := time.Now()
	m.Publish(t.Context(), NewEvent("test", "cats", "create"))
	assert.Less(t, time.Since(start), 20*time.Millisecond, "publish does not wait for delivery")

	m.Flush()
	assert.Less(t, time.Since(start), time.Second)
}

func TestManagerCloseDrains(t *testing.T) {
	m, err := NewManager([]config.PublisherConfig{
		{Name: "stuck", Connector: "memory", Config: map[string]any{"block": true}},
		{Name: "ok", Connector: "memory"},
	}, nil)
	require.NoError(t, err)
	m.SetTimeout(50 * time.Millisecond)
	conns := lastInstances(2)

	failed := testutil.ToFloat64(metrics.FeedPublishErrors.WithLabelValues("stuck"))
	m.Publish(t.Context(), NewEvent("test", "cats", "update"))
	require.NoError(t, m.Close())

	assert.Equal(t, failed+1, testutil.ToFloat64(metrics.FeedPublishErrors.WithLabelValues("stuck")))
	assert.Len(t, conns[1].events, 1)
	assert.True(t, conns[0].closed)

	m.Publish(t.Context(), NewEvent("test", "cats", "update"))
	m.Flush()
	assert.Len(t, conns[1].events, 1, "events after Close are dropped")
	assert.Zero(t, m.Len())
}

func TestNewManagerErrors(t *testing.T) {
	_, err := NewManager([]config.PublisherConfig{{Connector: "carrier-pigeon"}}, nil)
	assert.ErrorIs(t, err, ErrConnectorNotFound)

	_, err = NewManager([]config.PublisherConfig{
		{Name: "a", Connector: "memory"},
		{Name: "a", Connector: "memory"},
	}, nil)
	assert.ErrorContains(t, err, "configured twice")

	_, err = NewManager([]config.PublisherConfig{
		{Name: "first", Connector: "memory"},
		{Name: "second", Connector: "memory", Config: map[string]any{"broken": true}},
	}, nil)
	assert.ErrorContains(t, err, "broker unreachable")
	assert.True(t, lastInstances(2)[0].closed)
}

func TestManagerEmpty(t *testing.T) {
	m, err := NewManager(nil, nil)
	require.NoError(t, err)
	m.Publish(t.Context(), NewEvent("test", "cats", "create"))
	assert.NoError(t, m.Close())
}
