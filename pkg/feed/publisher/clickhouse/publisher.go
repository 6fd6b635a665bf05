// Package clickhouse appends change events to a ClickHouse audit table. The table is created on
// connect when missing:
//
//	CREATE TABLE quarry_audit (
//		id String, time DateTime64(3), database String, table_name String,
//		action LowCardinality(String), record_id String, affected Int64,
//		rows String, request_id String
//	) ENGINE = MergeTree ORDER BY (database, table_name, time)
package clickhouse

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/edgeflare/quarry/pkg/feed"
	"github.com/edgeflare/quarry/pkg/query"
	"github.com/edgeflare/quarry/pkg/util"
	"go.uber.org/zap"
)

type Config struct {
	Addr     []string `mapstructure:"addr"`
	Database string   `mapstructure:"database"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	Table    string   `mapstructure:"table"`
}

// withDefaults falls back to QUARRY_CLICKHOUSE_* environment variables.
func (c Config) withDefaults() Config {
	if len(c.Addr) == 0 {
		c.Addr = []string{util.GetEnvOrDefault("QUARRY_CLICKHOUSE_ADDR", "localhost:9000")}
	}
	c.Database = cmp.Or(c.Database, util.GetEnvOrDefault("QUARRY_CLICKHOUSE_DATABASE", "default"))
	c.Username = cmp.Or(c.Username, util.GetEnvOrDefault("QUARRY_CLICKHOUSE_USERNAME", "default"))
	c.Password = cmp.Or(c.Password, util.GetEnvOrDefault("QUARRY_CLICKHOUSE_PASSWORD", ""))
	c.Table = cmp.Or(c.Table, "quarry_audit")
	return c
}

func (c Config) validate() error {
	if !query.ValidIdentifier(c.Database) || !query.ValidIdentifier(c.Table) {
		return fmt.Errorf("%w: %s.%s", query.ErrInvalidIdentifier, c.Database, c.Table)
	}
	return nil
}

func (c Config) createTableSQL() string {
	return "CREATE TABLE IF NOT EXISTS " + c.Database + "." + c.Table + ` (
	id String,
	time DateTime64(3),
	database String,
	table_name String,
	action LowCardinality(String),
	record_id String,
	affected Int64,
	rows String,
	request_id String
) ENGINE = MergeTree ORDER BY (database, table_name, time)`
}

func (c Config) insertSQL() string {
	return "INSERT INTO " + c.Database + "." + c.Table +
		" (id, time, database, table_name, action, record_id, affected, rows, request_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"
}

type Publisher struct {
	conn   driver.Conn
	config Config
	logger *zap.Logger
}

func (p *Publisher) Connect(config map[string]any, logger *zap.Logger) error {
	var cfg Config
	if err := feed.DecodeConfig(config, &cfg); err != nil {
		return err
	}
	p.config = cfg.withDefaults()
	if err := p.config.validate(); err != nil {
		return err
	}
	p.logger = cmp.Or(logger, zap.NewNop())

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: p.config.Addr,
		Auth: clickhouse.Auth{
			Database: p.config.Database,
			Username: p.config.Username,
			Password: p.config.Password,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	if err := conn.Exec(ctx, p.config.createTableSQL()); err != nil {
		conn.Close()
		return fmt.Errorf("failed to create audit table: %w", err)
	}

	p.conn = conn
	return nil
}

func (p *Publisher) Publish(ctx context.Context, event feed.Event) error {
	if p.conn == nil {
		return feed.ErrConnNotInitialized
	}

	rows, err := json.Marshal(event.Rows)
	if err != nil {
		return fmt.Errorf("marshal event rows: %w", err)
	}

	if err := p.conn.Exec(ctx, p.config.insertSQL(),
		event.ID,
		event.Time,
		event.Database,
		event.Table,
		event.Action,
		event.RecordID,
		event.Affected,
		string(rows),
		event.RequestID,
	); err != nil {
		return fmt.Errorf("failed to insert audit row: %w", err)
	}
	p.logger.Debug("audit row inserted", zap.String("event_id", event.ID))
	return nil
}

func (p *Publisher) Close() error {
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func init() {
	feed.RegisterConnector(feed.ConnectorClickHouse, func() feed.Connector { return &Publisher{} })
}
