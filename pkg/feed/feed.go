// Package feed publishes change events for successful mutations to message brokers and audit
// stores. Publishers are looked up by connector name; a publisher package registers its
// connector in init, so a binary only needs to import it.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

// Event describes one committed mutation.
type Event struct {
	ID       string    `json:"id"`
	Time     time.Time `json:"time"`
	Database string    `json:"database"`
	Table    string    `json:"table"`
	Action   string    `json:"action"`
	// RecordID is the addressed or created primary key, empty for deleteAll
	RecordID  string            `json:"recordId,omitempty"`
	Affected  int64             `json:"affected"`
	Rows      []json.RawMessage `json:"rows,omitempty"`
	RequestID string            `json:"requestId,omitempty"`
}

// NewEvent stamps a fresh ID and time.
func NewEvent(database, table, action string) Event {
	return Event{
		ID:       uuid.NewString(),
		Time:     time.Now().UTC(),
		Database: database,
		Table:    table,
		Action:   action,
	}
}

// Subject joins prefix, database, table and action with sep, e.g. quarry.test.cats.create.
func (e Event) Subject(prefix, sep string) string {
	parts := []string{e.Database, e.Table, e.Action}
	if prefix != "" {
		parts = append([]string{prefix}, parts...)
	}
	return strings.Join(parts, sep)
}

// A Connector delivers events to one destination.
type Connector interface {
	// Connect initializes the connector. config holds the connector-specific settings as
	// loaded from the configuration file.
	Connect(config map[string]any, logger *zap.Logger) error

	// Publish delivers one event. It must honor ctx's deadline.
	Publish(ctx context.Context, event Event) error

	Close() error
}

// Predefined connectors
const (
	ConnectorClickHouse = "clickhouse"
	ConnectorKafka      = "kafka"
	ConnectorLog        = "log"
	ConnectorMQTT       = "mqtt"
	ConnectorNATS       = "nats"
	ConnectorPostgres   = "postgres"
)

var (
	ErrConnectorNotFound   = errors.New("connector not found")
	ErrConnNotInitialized  = errors.New("connector not initialized")
	errConnectorRegistered = errors.New("connector already registered")
)

var (
	mu        sync.RWMutex
	factories = make(map[string]func() Connector)
)

// RegisterConnector makes a connector available by name. Each configured publisher gets its own
// instance from factory. Registering a name twice panics.
func RegisterConnector(name string, factory func() Connector) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := factories[name]; exists {
		panic(fmt.Errorf("%w: %s", errConnectorRegistered, name))
	}
	factories[name] = factory
}

// NewConnector returns a fresh, unconnected instance of the named connector.
func NewConnector(name string) (Connector, error) {
	mu.RLock()
	defer mu.RUnlock()
	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectorNotFound, name)
	}
	return factory(), nil
}

// Connectors lists the registered connector names, sorted.
func Connectors() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DecodeConfig decodes a connector's settings into out. Strings are converted to durations and
// numbers where the target field needs one, as values from environment variables arrive as
// strings.
func DecodeConfig(config map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(config); err != nil {
		return fmt.Errorf("decode connector config: %w", err)
	}
	return nil
}
