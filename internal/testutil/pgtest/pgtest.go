package pgtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

// EnvVar names the connection string used by integration tests.
const EnvVar = "TEST_DATABASE"

// ConnString returns the integration database connection string, skipping t when it is unset.
func ConnString(t testing.TB) string {
	t.Helper()
	connString := os.Getenv(EnvVar)
	if connString == "" {
		t.Skipf("%s not set", EnvVar)
	}
	return connString
}

// Connect creates a new database connection for testing
func Connect(ctx context.Context, t testing.TB) *pgx.Conn {
	conn, err := pgx.ConnectConfig(ctx, ParseConfig(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		Close(t, conn)
	})

	return conn
}

// Close safely closes a database connection
func Close(t testing.TB, conn *pgx.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Close(ctx))
}

// ParseConfig returns a test connection config with logging
func ParseConfig(t testing.TB) *pgx.ConnConfig {
	config, err := pgx.ParseConfig(ConnString(t))
	require.NoError(t, err)

	config.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		t.Logf("PostgreSQL %s: %s", n.Severity, n.Message)
	}

	return config
}

// Seed (re)creates the cats table used by integration tests with three rows.
func Seed(ctx context.Context, t testing.TB, conn *pgx.Conn) {
	_, err := conn.Exec(ctx, `
		DROP TABLE IF EXISTS cats;
		CREATE TABLE cats (id serial PRIMARY KEY, name text NOT NULL, age int);
		INSERT INTO cats (name, age) VALUES ('Baron', 3), ('Felix', 5), ('Tom', 7);
	`)
	require.NoError(t, err)
}
