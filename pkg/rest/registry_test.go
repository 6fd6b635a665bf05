package rest

import (
	"errors"
	"net/http"
	"testing"

	"github.com/edgeflare/quarry/pkg/config"
	"github.com/edgeflare/quarry/pkg/pgx"
	"github.com/edgeflare/quarry/pkg/query"
	"github.com/edgeflare/quarry/pkg/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type poolMap map[string]pgx.Acquirer

func (m poolMap) Acquirer(name string) (pgx.Acquirer, error) {
	if a, ok := m[name]; ok {
		return a, nil
	}
	return nil, errors.New("no pool")
}

func testEngine(t *testing.T) *rules.Engine {
	t.Helper()
	engine, err := rules.NewEngine()
	require.NoError(t, err)
	return engine
}

func TestRegistryFromConfig(t *testing.T) {
	cfg := &config.Config{
		MaxResults: 100,
		Databases: []config.DatabaseConfig{{
			Name:       "test",
			MaxResults: 50,
			Tables: map[string]config.TableConfig{
				"cats": {Allow: true, MaxResults: 2},
				"people": {
					PrimaryKey: "person_id",
					Singular:   "person",
					Allow: map[string]any{
						"find":    true,
						"findall": false,
						"create":  `request.headers["x-api-key"] == "secret"`,
					},
					Filtered: `key != "password"`,
				},
				"dogs": {},
			},
		}},
	}
	db := &fakeDB{}

	reg, err := RegistryFromConfig(cfg, poolMap{"test": db}, testEngine(t), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"test"}, reg.Databases())

	d, cats, err := reg.Lookup("test", "cats")
	require.NoError(t, err)
	assert.Same(t, db, d.Pool.(*fakeDB))
	assert.True(t, cats.Allow.All)
	assert.Equal(t, 2, cats.MaxResults)
	assert.Equal(t, "id", cats.PrimaryKey)
	assert.Equal(t, "cat", cats.Singular)

	_, people, err := reg.Lookup("test", "people")
	require.NoError(t, err)
	assert.Equal(t, 50, people.MaxResults)
	assert.Equal(t, "person_id", people.PrimaryKey)
	assert.Equal(t, "person", people.Singular)

	r := &Request{Method: http.MethodPost, Header: http.Header{}}
	assert.True(t, people.Allow.Permits(Find, r))
	assert.False(t, people.Allow.Permits(FindAll, r))
	assert.False(t, people.Allow.Permits(Create, r))
	r.Header.Set("X-Api-Key", "secret")
	assert.True(t, people.Allow.Permits(Create, r))

	require.NotNil(t, people.Filtered)
	assert.True(t, people.Filtered("name", "Tom"))
	assert.False(t, people.Filtered("password", "hunter2"))

	_, dogs, err := reg.Lookup("test", "dogs")
	require.NoError(t, err)
	assert.False(t, dogs.Allow.Permits(Find, r), "no allow denies everything")

	_, _, err = reg.Lookup("prod", "cats")
	assert.ErrorIs(t, err, ErrDatabaseNotFound)
	_, _, err = reg.Lookup("test", "birds")
	assert.ErrorIs(t, err, ErrTableNotFound)
}

func TestRegistryFromConfigServerCap(t *testing.T) {
	cfg := &config.Config{
		MaxResults: 100,
		Databases: []config.DatabaseConfig{{
			Name:   "test",
			Tables: map[string]config.TableConfig{"cats": {Allow: true}},
		}},
	}
	reg, err := RegistryFromConfig(cfg, nil, testEngine(t), nil)
	require.NoError(t, err)
	_, cats, err := reg.Lookup("test", "cats")
	require.NoError(t, err)
	assert.Equal(t, 100, cats.MaxResults)
}

func TestRegistryFromConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		tables map[string]config.TableConfig
		pools  PoolSource
		want   error
	}{
		{"invalid table name", map[string]config.TableConfig{"cats;": {Allow: true}}, nil, query.ErrInvalidIdentifier},
		{"invalid primary key", map[string]config.TableConfig{"cats": {PrimaryKey: "id id"}}, nil, query.ErrInvalidIdentifier},
		{"non-boolean rule", map[string]config.TableConfig{"cats": {Allow: map[string]any{"find": `"yes"`}}}, nil, rules.ErrNotBoolean},
		{"unknown action", map[string]config.TableConfig{"cats": {Allow: map[string]any{"upsert": true}}}, nil, nil},
		{"bad rule type", map[string]config.TableConfig{"cats": {Allow: map[string]any{"find": 1}}}, nil, nil},
		{"bad allow type", map[string]config.TableConfig{"cats": {Allow: "yes"}}, nil, nil},
		{"bad filtered", map[string]config.TableConfig{"cats": {Filtered: `key +`}}, nil, nil},
		{"missing pool", map[string]config.TableConfig{"cats": {Allow: true}}, poolMap{}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Databases: []config.DatabaseConfig{{Name: "test", Tables: tt.tables}}}
			_, err := RegistryFromConfig(cfg, tt.pools, testEngine(t), nil)
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestRulePredicateErrorDenies(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	cfg := &config.Config{Databases: []config.DatabaseConfig{{
		Name: "test",
		Tables: map[string]config.TableConfig{
			"cats": {Allow: map[string]any{"find": `request.headers["x-api-key"] == "secret"`}},
		},
	}}}

	reg, err := RegistryFromConfig(cfg, nil, testEngine(t), zap.New(core))
	require.NoError(t, err)
	_, cats, err := reg.Lookup("test", "cats")
	require.NoError(t, err)

	// the header is absent, so evaluation fails
	assert.False(t, cats.Allow.Permits(Find, &Request{Method: http.MethodGet}))
	assert.Equal(t, 1, logs.FilterMessage("allow predicate failed, denying").Len())
}
