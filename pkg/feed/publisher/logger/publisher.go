// Package logger writes change events to the server log. It needs no broker, which makes it
// useful while developing a feed consumer.
package logger

import (
	"context"

	"github.com/edgeflare/quarry/pkg/feed"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	// Level is the zap level events are logged at, info by default
	Level string `mapstructure:"level"`
	// Rows includes the affected rows in the entry
	Rows bool `mapstructure:"rows"`
}

type Publisher struct {
	logger *zap.Logger
	level  zapcore.Level
	rows   bool
}

func (p *Publisher) Connect(config map[string]any, logger *zap.Logger) error {
	var cfg Config
	if err := feed.DecodeConfig(config, &cfg); err != nil {
		return err
	}
	p.level = zapcore.InfoLevel
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
		p.level = level
	}
	p.rows = cfg.Rows
	p.logger = logger
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return nil
}

func (p *Publisher) Publish(_ context.Context, event feed.Event) error {
	if p.logger == nil {
		return feed.ErrConnNotInitialized
	}
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("database", event.Database),
		zap.String("table", event.Table),
		zap.String("action", event.Action),
		zap.String("record_id", event.RecordID),
		zap.Int64("affected", event.Affected),
		zap.String("req_id", event.RequestID),
	}
	if p.rows {
		fields = append(fields, zap.Any("rows", event.Rows))
	}
	p.logger.Log(p.level, "change event", fields...)
	return nil
}

func (p *Publisher) Close() error {
	return nil
}

func init() {
	feed.RegisterConnector(feed.ConnectorLog, func() feed.Connector { return &Publisher{} })
}
