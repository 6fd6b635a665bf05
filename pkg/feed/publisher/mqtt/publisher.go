// Package mqtt publishes change events to an MQTT broker on topics of the form
// <prefix>/<database>/<table>/<action>.
package mqtt

import (
	"cmp"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edgeflare/quarry/pkg/feed"
	"github.com/edgeflare/quarry/pkg/util"
	"github.com/edgeflare/quarry/pkg/util/rand"
	"go.uber.org/zap"
)

type Config struct {
	Servers     []string      `mapstructure:"servers"`
	TopicPrefix string        `mapstructure:"topicPrefix"`
	ClientID    string        `mapstructure:"clientID"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	QoS         byte          `mapstructure:"qos"`
	Retained    bool          `mapstructure:"retained"`
	KeepAlive   time.Duration `mapstructure:"keepAlive"`
	TLS         *TLSOptions   `mapstructure:"tls"`
}

type TLSOptions struct {
	InsecureSkipVerify bool   `mapstructure:"insecureSkipVerify"`
	ServerName         string `mapstructure:"serverName"`
	CAFile             string `mapstructure:"caFile"`
	CertFile           string `mapstructure:"certFile"`
	KeyFile            string `mapstructure:"keyFile"`
}

// withDefaults falls back to QUARRY_MQTT_* environment variables, then to a local broker.
func (c Config) withDefaults() Config {
	if len(c.Servers) == 0 {
		c.Servers = []string{util.GetEnvOrDefault("QUARRY_MQTT_BROKER", "tcp://127.0.0.1:1883")}
	}
	c.Username = cmp.Or(c.Username, os.Getenv("QUARRY_MQTT_USERNAME"))
	c.Password = cmp.Or(c.Password, os.Getenv("QUARRY_MQTT_PASSWORD"))
	c.TopicPrefix = cmp.Or(c.TopicPrefix, "quarry")
	c.ClientID = cmp.Or(c.ClientID, rand.NewName("quarry"))
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}
	return c
}

func (c Config) clientOptions() (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions()
	for _, server := range c.Servers {
		opts.AddBroker(server)
	}
	opts.SetClientID(c.ClientID)
	if c.Username != "" {
		opts.SetUsername(c.Username)
		opts.SetPassword(c.Password)
	}
	opts.SetKeepAlive(c.KeepAlive)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)

	if c.TLS != nil {
		tlsConfig, err := createTLSConfig(c.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}
	return opts, nil
}

type Publisher struct {
	client mqtt.Client
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

	opts, err := p.config.clientOptions()
	if err != nil {
		return err
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.logger.Warn("mqtt connection lost", zap.Error(err))
	})

	p.client = mqtt.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(10*time.Second) {
		return fmt.Errorf("broker connection timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("broker connection error: %w", err)
	}
	return nil
}

func (p *Publisher) Publish(ctx context.Context, event feed.Event) error {
	if p.client == nil {
		return feed.ErrConnNotInitialized
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}

	topic := event.Subject(p.config.TopicPrefix, "/")
	token := p.client.Publish(topic, p.config.QoS, p.config.Retained, data)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.logger.Debug("message published", zap.String("topic", topic))
	return nil
}

func (p *Publisher) Close() error {
	if p.client != nil {
		p.client.Disconnect(250)
	}
	return nil
}

func createTLSConfig(opts *TLSOptions) (*tls.Config, error) {
	config := &tls.Config{
		InsecureSkipVerify: opts.InsecureSkipVerify,
		ServerName:         opts.ServerName,
	}

	if opts.CAFile != "" {
		caCert, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.RootCAs = pool
	}

	if opts.CertFile != "" && opts.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

func init() {
	feed.RegisterConnector(feed.ConnectorMQTT, func() feed.Connector { return &Publisher{} })
}
