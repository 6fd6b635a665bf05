package pgx

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Conn is the subset of a PostgreSQL connection the REST engine runs statements through.
// *pgx.Conn, *pgxpool.Conn and *pgxpool.Pool all satisfy it.
type Conn interface {
	// Exec executes a SQL statement and returns its command tag.
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	// Query executes a SQL query and returns the rows to iterate over.
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	// QueryRow executes a query that is expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PooledConn is a Conn borrowed from a pool. Release must be called exactly once.
type PooledConn interface {
	Conn
	Release()
}

// Acquirer hands out pooled connections.
type Acquirer interface {
	Acquire(ctx context.Context) (PooledConn, error)
}

// PoolAcquirer adapts *pgxpool.Pool to Acquirer.
type PoolAcquirer struct {
	pool *pgxpool.Pool
}

func NewPoolAcquirer(pool *pgxpool.Pool) *PoolAcquirer {
	return &PoolAcquirer{pool: pool}
}

func (a *PoolAcquirer) Acquire(ctx context.Context) (PooledConn, error) {
	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
