// Package postgres delivers change events with pg_notify, so consumers can LISTEN on a channel
// of the same or another PostgreSQL server.
package postgres

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/edgeflare/quarry/pkg/feed"
	pg "github.com/edgeflare/quarry/pkg/pgx"
	"github.com/edgeflare/quarry/pkg/query"
	"github.com/edgeflare/quarry/pkg/util"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// MaxPayload is the largest notification payload PostgreSQL accepts.
const MaxPayload = 7999

type Config struct {
	ConnString string `mapstructure:"connString"`
	// Channel is the notification channel, quarry_feed by default
	Channel string `mapstructure:"channel"`
}

func (c Config) withDefaults() Config {
	c.ConnString = cmp.Or(c.ConnString, util.GetEnvOrDefault("QUARRY_FEED_DATABASE_URL", ""))
	c.Channel = cmp.Or(c.Channel, "quarry_feed")
	return c
}

type Publisher struct {
	pool    *pgxpool.Pool
	conn    pg.Conn
	channel string
	logger  *zap.Logger
}

func (p *Publisher) Connect(config map[string]any, logger *zap.Logger) error {
	var cfg Config
	if err := feed.DecodeConfig(config, &cfg); err != nil {
		return err
	}
	cfg = cfg.withDefaults()
	if cfg.ConnString == "" {
		return errors.New("postgres: connString is required")
	}
	if !query.ValidIdentifier(cfg.Channel) {
		return fmt.Errorf("%w: %s", query.ErrInvalidIdentifier, cfg.Channel)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.ConnString)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("postgres: error connecting to database: %w", err)
	}

	p.pool, p.conn, p.channel = pool, pool, cfg.Channel
	p.logger = cmp.Or(logger, zap.NewNop())
	return nil
}

func (p *Publisher) Publish(ctx context.Context, event feed.Event) error {
	if p.conn == nil {
		return feed.ErrConnNotInitialized
	}
	payload, err := p.payload(event)
	if err != nil {
		return err
	}
	_, err = p.conn.Exec(ctx, "SELECT pg_notify($1, $2)", p.channel, payload)
	return err
}

// payload encodes event, dropping its rows when the notification would be too large.
func (p *Publisher) payload(event feed.Event) (string, error) {
	b, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	if len(b) <= MaxPayload {
		return string(b), nil
	}

	p.logger.Debug("change event rows dropped from notification",
		zap.String("event_id", event.ID), zap.Int("size", len(b)))
	event.Rows = nil
	if b, err = json.Marshal(event); err != nil {
		return "", err
	}
	if len(b) > MaxPayload {
		return "", fmt.Errorf("postgres: notification payload of %d bytes exceeds %d", len(b), MaxPayload)
	}
	return string(b), nil
}

func (p *Publisher) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func init() {
	feed.RegisterConnector(feed.ConnectorPostgres, func() feed.Connector { return &Publisher{} })
}
