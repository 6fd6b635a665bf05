package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Version is set at build time with -ldflags "-X github.com/edgeflare/quarry/pkg/config.Version=..."
var Version = "dev"

// Config holds application-wide configuration
type Config struct {
	ListenAddr  string           `mapstructure:"listenAddr"`
	BaseURL     string           `mapstructure:"baseURL"`
	AllowOrigin string           `mapstructure:"allowOrigin"`
	MaxResults  int              `mapstructure:"maxResults"`
	Connection  ConnectionConfig `mapstructure:"connection"`
	Databases   []DatabaseConfig `mapstructure:"databases"`
	Metrics     MetricsConfig    `mapstructure:"metrics"`
	Feed        FeedConfig       `mapstructure:"feed"`

	// Source is the config file that was read, empty if none
	Source string `mapstructure:"-"`
}

// ConnectionConfig holds the server-wide connection parameters used for every database
// that does not set its own connString.
type ConnectionConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

type DatabaseConfig struct {
	Name       string                 `mapstructure:"name"`
	ConnString string                 `mapstructure:"connString"`
	MaxResults int                    `mapstructure:"maxResults"`
	Tables     map[string]TableConfig `mapstructure:"tables"`
}

// TableConfig is the policy of one exposed table.
//
// Allow is either a bool or a map of action name to bool or CEL expression string.
// viper lower-cases map keys, so action names match case-insensitively.
type TableConfig struct {
	PrimaryKey string            `mapstructure:"primaryKey"`
	MaxResults int               `mapstructure:"maxResults"`
	Allow      any               `mapstructure:"allow"`
	Filtered   string            `mapstructure:"filtered"`
	Singular   string            `mapstructure:"singular"`
	Columns    map[string]string `mapstructure:"columns"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

type FeedConfig struct {
	Publishers []PublisherConfig `mapstructure:"publishers"`
}

// PublisherConfig names a change feed publisher and its connector-specific settings.
type PublisherConfig struct {
	Name      string         `mapstructure:"name"`
	Connector string         `mapstructure:"connector"`
	Config    map[string]any `mapstructure:"config"`
}

func Default() Config {
	return Config{
		ListenAddr:  ":3000",
		AllowOrigin: "*",
		Connection: ConnectionConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "postgres",
			SSLMode: "disable",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
	}
}

// ConnString builds a postgres URL for dbname from the connection parameters.
func (c ConnectionConfig) ConnString(dbname string) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + dbname,
	}
	if c.User != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.User, c.Password)
		} else {
			u.User = url.User(c.User)
		}
	}
	if c.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {c.SSLMode}}.Encode()
	}
	return u.String()
}

// ConnStringOr returns the database's own connection string, or one built from conn.
func (d DatabaseConfig) ConnStringOr(conn ConnectionConfig) string {
	if d.ConnString != "" {
		return d.ConnString
	}
	return conn.ConnString(d.Name)
}

// Validate checks what viper cannot: database names are present and unique.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Databases))
	var errs []error
	for i, db := range c.Databases {
		switch {
		case db.Name == "":
			errs = append(errs, fmt.Errorf("databases[%d]: name is required", i))
		case seen[db.Name]:
			errs = append(errs, fmt.Errorf("databases[%d]: duplicate name %q", i, db.Name))
		}
		seen[db.Name] = true
	}
	return errors.Join(errs...)
}

// Load reads config from file or environment. A .env file in the working directory, if
// present, is loaded into the environment first. Environment variables use the QUARRY_
// prefix, e.g. QUARRY_LISTENADDR or QUARRY_CONNECTION_PASSWORD.
func Load(cfgFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("quarry")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	setDefaults(v, Default())

	v.SetEnvPrefix("QUARRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.Source = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every scalar default so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("listenAddr", d.ListenAddr)
	v.SetDefault("baseURL", d.BaseURL)
	v.SetDefault("allowOrigin", d.AllowOrigin)
	v.SetDefault("maxResults", d.MaxResults)
	v.SetDefault("connection.host", d.Connection.Host)
	v.SetDefault("connection.port", d.Connection.Port)
	v.SetDefault("connection.user", d.Connection.User)
	v.SetDefault("connection.password", d.Connection.Password)
	v.SetDefault("connection.sslmode", d.Connection.SSLMode)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("metrics.path", d.Metrics.Path)
}
