package rest

import (
	"errors"
	"fmt"
	"sort"

	"github.com/edgeflare/quarry/pkg/config"
	"github.com/edgeflare/quarry/pkg/pgx"
	"github.com/edgeflare/quarry/pkg/query"
	"github.com/edgeflare/quarry/pkg/rules"
	"github.com/jinzhu/inflection"
	"go.uber.org/zap"
)

var (
	ErrDatabaseNotFound = errors.New("database not found")
	ErrTableNotFound    = errors.New("table not found")
)

// FieldPredicate decides whether a column is included in emitted rows. nil keeps every column.
type FieldPredicate func(key string, value any) bool

// Table is the policy of one exposed table.
type Table struct {
	Name       string
	PrimaryKey string
	// Singular is the request body key for create and update
	Singular string
	// MaxResults is the effective findAll cap (table, else database, else server). Zero means none.
	MaxResults int
	Allow      AllowPolicy
	Filtered   FieldPredicate
	// Columns is carried for documentation only
	Columns map[string]string
}

// NewTable returns a table with the default primary key and singular name.
func NewTable(name string, allow AllowPolicy) *Table {
	return &Table{
		Name:       name,
		PrimaryKey: "id",
		Singular:   inflection.Singular(name),
		Allow:      allow,
	}
}

// Database is a named group of tables sharing one connection pool.
type Database struct {
	Name   string
	Tables map[string]*Table
	Pool   pgx.Acquirer
}

// Registry maps database and table names to their policies. It is built once and never
// modified, so concurrent lookups need no locking.
type Registry struct {
	databases map[string]*Database
}

func NewRegistry(databases ...*Database) *Registry {
	r := &Registry{databases: make(map[string]*Database, len(databases))}
	for _, db := range databases {
		r.databases[db.Name] = db
	}
	return r
}

// Lookup finds a table. The error wraps ErrDatabaseNotFound or ErrTableNotFound.
func (r *Registry) Lookup(database, table string) (*Database, *Table, error) {
	db, ok := r.databases[database]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrDatabaseNotFound, database)
	}
	t, ok := db.Tables[table]
	if !ok {
		return db, nil, fmt.Errorf("%w: %q", ErrTableNotFound, table)
	}
	return db, t, nil
}

// Databases returns the database names, sorted.
func (r *Registry) Databases() []string {
	names := make([]string, 0, len(r.databases))
	for name := range r.databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PoolSource resolves a database name to its connection pool. *pgx.PoolManager implements it.
type PoolSource interface {
	Acquirer(name string) (pgx.Acquirer, error)
}

// RegistryFromConfig compiles the configured table policies. Allow and filtered expressions
// are compiled here, so a bad expression fails startup rather than a request. pools may be
// nil when the registry is only used to build statements.
func RegistryFromConfig(cfg *config.Config, pools PoolSource, engine *rules.Engine, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var databases []*Database
	for _, dbCfg := range cfg.Databases {
		db := &Database{Name: dbCfg.Name, Tables: make(map[string]*Table, len(dbCfg.Tables))}
		if pools != nil {
			acq, err := pools.Acquirer(dbCfg.Name)
			if err != nil {
				return nil, fmt.Errorf("database %q: %w", dbCfg.Name, err)
			}
			db.Pool = acq
		}

		for name, tCfg := range dbCfg.Tables {
			t, err := tableFromConfig(name, tCfg, engine, logger)
			if err != nil {
				return nil, fmt.Errorf("database %q: table %q: %w", dbCfg.Name, name, err)
			}
			t.MaxResults = firstPositive(tCfg.MaxResults, dbCfg.MaxResults, cfg.MaxResults)
			db.Tables[name] = t
		}
		databases = append(databases, db)
	}

	return NewRegistry(databases...), nil
}

func tableFromConfig(name string, cfg config.TableConfig, engine *rules.Engine, logger *zap.Logger) (*Table, error) {
	if !query.ValidIdentifier(name) {
		return nil, fmt.Errorf("%w: table name", query.ErrInvalidIdentifier)
	}

	allow, err := allowFromConfig(cfg.Allow, engine, logger.With(zap.String("table", name)))
	if err != nil {
		return nil, err
	}

	t := NewTable(name, allow)
	t.Columns = cfg.Columns
	if cfg.PrimaryKey != "" {
		if !query.ValidIdentifier(cfg.PrimaryKey) {
			return nil, fmt.Errorf("%w: primary key %q", query.ErrInvalidIdentifier, cfg.PrimaryKey)
		}
		t.PrimaryKey = cfg.PrimaryKey
	}
	if cfg.Singular != "" {
		t.Singular = cfg.Singular
	}

	if cfg.Filtered != "" {
		p, err := engine.CompileField(cfg.Filtered)
		if err != nil {
			return nil, fmt.Errorf("filtered: %w", err)
		}
		t.Filtered = func(key string, value any) bool {
			ok, err := p.Eval(map[string]any{"key": key, "value": value})
			if err != nil {
				logger.Debug("field predicate failed, hiding field", zap.String("table", name), zap.String("key", key), zap.Error(err))
				return false
			}
			return ok
		}
	}

	return t, nil
}

// allowFromConfig accepts true, false, nil or a map of action name to bool or CEL expression.
func allowFromConfig(raw any, engine *rules.Engine, logger *zap.Logger) (AllowPolicy, error) {
	switch v := raw.(type) {
	case nil:
		return AllowPolicy{}, nil
	case bool:
		return AllowPolicy{All: v}, nil
	case map[string]any:
		policy := AllowPolicy{Rules: make(map[Action]Rule, len(v))}
		for name, entry := range v {
			action, ok := ParseAction(name)
			if !ok {
				return AllowPolicy{}, fmt.Errorf("allow: unknown action %q", name)
			}
			rule, err := ruleFromConfig(action, entry, engine, logger)
			if err != nil {
				return AllowPolicy{}, fmt.Errorf("allow.%s: %w", action, err)
			}
			policy.Rules[action] = rule
		}
		return policy, nil
	}
	return AllowPolicy{}, fmt.Errorf("allow: expected bool or map, got %T", raw)
}

func ruleFromConfig(action Action, entry any, engine *rules.Engine, logger *zap.Logger) (Rule, error) {
	switch v := entry.(type) {
	case bool:
		if v {
			return AlwaysAllow{}, nil
		}
		return AlwaysDeny{}, nil
	case string:
		p, err := engine.CompileRequest(v)
		if err != nil {
			return nil, err
		}
		return RequestPredicate(func(r *Request) bool {
			ok, err := p.Eval(r.Vars())
			if err != nil {
				logger.Warn("allow predicate failed, denying", zap.String("action", string(action)), zap.Error(err))
				return false
			}
			return ok
		}), nil
	}
	return nil, fmt.Errorf("expected bool or expression, got %T", entry)
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
