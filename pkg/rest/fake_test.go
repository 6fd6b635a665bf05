package rest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/edgeflare/quarry/pkg/pgx"
	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// call is one statement the fake received.
type call struct {
	SQL  string
	Args []any
}

// fakeDB hands out connections that answer statements through the configured functions. It
// counts acquisitions and releases so tests can assert nothing leaks.
type fakeDB struct {
	mu         sync.Mutex
	calls      []call
	acquired   int
	released   int
	acquireErr error

	query func(sql string, args []any) ([]string, [][]any, error)
	count func(sql string) (int64, error)
	exec  func(sql string, args []any) (int64, error)
}

func (db *fakeDB) Acquire(context.Context) (pgx.PooledConn, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.acquireErr != nil {
		return nil, db.acquireErr
	}
	db.acquired++
	return &fakeConn{db: db}, nil
}

func (db *fakeDB) record(sql string, args []any) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.calls = append(db.calls, call{SQL: sql, Args: args})
}

func (db *fakeDB) statements() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]string, len(db.calls))
	for i, c := range db.calls {
		out[i] = c.SQL
	}
	return out
}

// balanced reports whether every acquired connection was released exactly once.
func (db *fakeDB) balanced() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.acquired == db.released
}

type fakeConn struct {
	db       *fakeDB
	released bool
}

func (c *fakeConn) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	c.db.record(sql, args)
	if c.db.exec == nil {
		return pgconn.CommandTag{}, errors.New("unexpected exec")
	}
	n, err := c.db.exec(sql, args)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	return pgconn.NewCommandTag(fmt.Sprintf("DELETE %d", n)), nil
}

func (c *fakeConn) Query(_ context.Context, sql string, args ...any) (pgxv5.Rows, error) {
	c.db.record(sql, args)
	if c.db.query == nil {
		return nil, errors.New("unexpected query")
	}
	columns, values, err := c.db.query(sql, args)
	if err != nil {
		return nil, err
	}
	return &fakeRows{columns: columns, values: values, pos: -1}, nil
}

func (c *fakeConn) QueryRow(_ context.Context, sql string, args ...any) pgxv5.Row {
	c.db.record(sql, args)
	if c.db.count == nil {
		return fakeRow{err: errors.New("unexpected count")}
	}
	n, err := c.db.count(sql)
	return fakeRow{n: n, err: err}
}

func (c *fakeConn) Release() {
	if c.released {
		panic("connection released twice")
	}
	c.released = true
	c.db.mu.Lock()
	c.db.released++
	c.db.mu.Unlock()
}

type fakeRow struct {
	n   int64
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*int64)) = r.n
	return nil
}

type fakeRows struct {
	columns []string
	values  [][]any
	pos     int
	err     error
}

func (r *fakeRows) Close() {}

func (r *fakeRows) Err() error { return r.err }

func (r *fakeRows) CommandTag() pgconn.CommandTag {
	return pgconn.NewCommandTag(fmt.Sprintf("SELECT %d", len(r.values)))
}

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	fds := make([]pgconn.FieldDescription, len(r.columns))
	for i, c := range r.columns {
		fds[i] = pgconn.FieldDescription{Name: c}
	}
	return fds
}

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos < len(r.values)
}

func (r *fakeRows) Scan(...any) error { return errors.New("not supported") }

func (r *fakeRows) Values() ([]any, error) {
	return append([]any(nil), r.values[r.pos]...), nil
}

func (r *fakeRows) RawValues() [][]byte { return nil }

func (r *fakeRows) Conn() *pgxv5.Conn { return nil }

var (
	_ pgx.Acquirer   = (*fakeDB)(nil)
	_ pgx.PooledConn = (*fakeConn)(nil)
	_ pgxv5.Rows     = (*fakeRows)(nil)
)

var catColumns = []string{"id", "name", "age"}

// cats is the fixture table: Baron 3, Felix 5, Tom 7.
func cats() [][]any {
	return [][]any{
		{int64(1), "Baron", int64(3)},
		{int64(2), "Felix", int64(5)},
		{int64(3), "Tom", int64(7)},
	}
}
