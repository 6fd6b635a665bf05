package pgx

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PoolManager holds one named *pgxpool.Pool per configured database. It is built once at
// startup and never modified afterwards, so lookups take no lock.
type PoolManager struct {
	pools map[string]*pgxpool.Pool
}

// Pool represents a named connection configuration.
type Pool struct {
	Config     *pgxpool.Config // Takes precedence over ConnString
	Name       string
	ConnString string // Used if Config is nil
}

// PoolOptions tunes startup of a PoolManager.
type PoolOptions struct {
	// MaxPingElapsed bounds the retries of the initial ping. Zero means one attempt.
	MaxPingElapsed time.Duration
	Logger         *zap.Logger
}

var (
	ErrPoolNotFound      = errors.New("connection pool not found")
	ErrPoolAlreadyExists = errors.New("connection pool already exists")
)

// NewPoolManager creates and pings every pool. On any failure the pools opened so far are closed.
func NewPoolManager(ctx context.Context, cfgs []Pool, opts PoolOptions) (*PoolManager, error) {
	m := &PoolManager{pools: make(map[string]*pgxpool.Pool, len(cfgs))}

	for _, cfg := range cfgs {
		if _, ok := m.pools[cfg.Name]; ok {
			m.Close()
			return nil, fmt.Errorf("pgx: %q: %w", cfg.Name, ErrPoolAlreadyExists)
		}

		pool, err := createPool(ctx, cfg, opts)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("pgx: %q: %w", cfg.Name, err)
		}
		m.pools[cfg.Name] = pool
	}

	return m, nil
}

// Get returns a connection pool by name.
func (m *PoolManager) Get(name string) (*pgxpool.Pool, error) {
	pool, ok := m.pools[name]
	if !ok {
		return nil, ErrPoolNotFound
	}
	return pool, nil
}

// Acquirer returns the named pool as an Acquirer.
func (m *PoolManager) Acquirer(name string) (Acquirer, error) {
	pool, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	return NewPoolAcquirer(pool), nil
}

// Close closes all connection pools.
func (m *PoolManager) Close() {
	for _, p := range m.pools {
		p.Close()
	}
}

// List returns all pool names, sorted.
func (m *PoolManager) List() []string {
	names := make([]string, 0, len(m.pools))
	for name := range m.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func createPool(ctx context.Context, cfg Pool, opts PoolOptions) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	var err error

	switch {
	case cfg.Config != nil:
		pool, err = pgxpool.NewWithConfig(ctx, cfg.Config)
	case cfg.ConnString != "":
		pool, err = pgxpool.New(ctx, cfg.ConnString)
	default:
		return nil, errors.New("either Config or ConnString must be provided")
	}

	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	if err := ping(ctx, pool, cfg.Name, opts); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping connection: %w", err)
	}

	return pool, nil
}

// ping retries with exponential backoff so the server can start alongside its database.
func ping(ctx context.Context, pool *pgxpool.Pool, name string, opts PoolOptions) error {
	if opts.MaxPingElapsed <= 0 {
		return pool.Ping(ctx)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = opts.MaxPingElapsed

	return backoff.RetryNotify(func() error {
		return pool.Ping(ctx)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		logger.Warn("database not ready", zap.String("database", name), zap.Error(err), zap.Duration("retry_in", wait))
	})
}
