// Package nats publishes change events to a NATS JetStream stream on subjects of the form
// <prefix>.<database>.<table>.<action>, e.g. quarry.test.cats.create.
package nats

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/edgeflare/quarry/pkg/feed"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type Config struct {
	Servers       []string `mapstructure:"servers"`
	Stream        string   `mapstructure:"stream"`
	SubjectPrefix string   `mapstructure:"subjectPrefix"`
	Username      string   `mapstructure:"username"`
	Password      string   `mapstructure:"password"`
	TLS           struct {
		Enabled  bool   `mapstructure:"enabled"`
		CertFile string `mapstructure:"certFile"`
		KeyFile  string `mapstructure:"keyFile"`
		CAFile   string `mapstructure:"caFile"`
	} `mapstructure:"tls"`
}

// withDefaults fills the local server, the "quarry" prefix and a stream named after it.
func (c Config) withDefaults() Config {
	if len(c.Servers) == 0 {
		c.Servers = []string{nats.DefaultURL}
	}
	c.SubjectPrefix = cmp.Or(c.SubjectPrefix, "quarry")
	c.Stream = cmp.Or(c.Stream, c.SubjectPrefix+"-feed")
	return c
}

type Publisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger *zap.Logger
}

func (p *Publisher) Connect(config map[string]any, logger *zap.Logger) error {
	var cfg Config
	if err := feed.DecodeConfig(config, &cfg); err != nil {
		return err
	}
	p.config = cfg.withDefaults()
	p.logger = cmp.Or(logger, zap.NewNop())

	opts := options(p.config)

	// first reachable server wins
	var err error
	for _, server := range p.config.Servers {
		p.nc, err = nats.Connect(server, opts...)
		if err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("connect to NATS server: %w", err)
	}

	if p.js, err = p.nc.JetStream(); err != nil {
		p.nc.Close()
		return fmt.Errorf("create JetStream context: %w", err)
	}

	if err := p.ensureStream(); err != nil {
		p.nc.Close()
		return fmt.Errorf("ensure stream: %w", err)
	}
	return nil
}

func (p *Publisher) Publish(ctx context.Context, event feed.Event) error {
	if p.js == nil {
		return feed.ErrConnNotInitialized
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}

	msg := nats.NewMsg(event.Subject(p.config.SubjectPrefix, "."))
	msg.Data = data
	// JetStream drops a duplicate of an event it has already stored
	msg.Header.Set(nats.MsgIdHdr, event.ID)

	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	if p.nc != nil {
		return p.nc.Drain()
	}
	return nil
}

// ensureStream creates the stream, or updates it when its subjects or storage drifted.
func (p *Publisher) ensureStream() error {
	want := &nats.StreamConfig{
		Name:     p.config.Stream,
		Subjects: []string{p.config.SubjectPrefix + ".>"},
		Storage:  nats.FileStorage,
		Replicas: 1,
	}

	info, err := p.js.StreamInfo(want.Name)
	if err == nil {
		if !streamConfigEqual(info.Config, *want) {
			if _, err = p.js.UpdateStream(want); err != nil {
				return fmt.Errorf("update stream: %w", err)
			}
			p.logger.Info("updated stream", zap.String("stream", want.Name))
		}
		return nil
	}

	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("get stream info: %w", err)
	}

	if _, err := p.js.AddStream(want); err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	p.logger.Info("created stream", zap.String("stream", want.Name))
	return nil
}

func streamConfigEqual(a, b nats.StreamConfig) bool {
	return a.Name == b.Name &&
		a.Storage == b.Storage &&
		a.Replicas == b.Replicas &&
		slices.Equal(a.Subjects, b.Subjects)
}

func options(c Config) []nats.Option {
	opts := []nats.Option{
		nats.Name("quarry"),
		nats.Timeout(5 * time.Second),
		nats.PingInterval(10 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	}

	if c.Username != "" && c.Password != "" {
		opts = append(opts, nats.UserInfo(c.Username, c.Password))
	}

	if c.TLS.Enabled {
		if c.TLS.CAFile != "" {
			opts = append(opts, nats.RootCAs(c.TLS.CAFile))
		}
		if c.TLS.CertFile != "" && c.TLS.KeyFile != "" {
			opts = append(opts, nats.ClientCert(c.TLS.CertFile, c.TLS.KeyFile))
		}
	}

	return opts
}

func init() {
	feed.RegisterConnector(feed.ConnectorNATS, func() feed.Connector { return &Publisher{} })
}
