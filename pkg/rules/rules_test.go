package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestPredicate(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	p, err := engine.CompileRequest(`request.method == 'GET' && request.headers['x-api-key'] == 'secret'`)
	require.NoError(t, err)

	ok, err := p.Eval(map[string]any{"request": map[string]any{
		"method":  "GET",
		"headers": map[string]any{"x-api-key": "secret"},
	}})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Eval(map[string]any{"request": map[string]any{
		"method":  "GET",
		"headers": map[string]any{"x-api-key": "wrong"},
	}})
	require.NoError(t, err)
	assert.False(t, ok)

	// missing header is an evaluation error, which callers treat as deny
	_, err = p.Eval(map[string]any{"request": map[string]any{
		"method":  "GET",
		"headers": map[string]any{},
	}})
	assert.Error(t, err)
}

func TestRequestPredicateBody(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	p, err := engine.CompileRequest(`has(request.body.cat) && request.body.cat.name != 'Baron'`)
	require.NoError(t, err)

	ok, err := p.Eval(map[string]any{"request": map[string]any{
		"body": map[string]any{"cat": map[string]any{"name": "Tom"}},
	}})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFieldPredicate(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	p, err := engine.CompileField(`key != 'password'`)
	require.NoError(t, err)

	ok, err := p.Eval(map[string]any{"key": "name", "value": "Baron"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Eval(map[string]any{"key": "password", "value": "x"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, `key != 'password'`, p.String())
}

func TestCompileErrors(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	_, err = engine.CompileRequest(`request.method ==`)
	assert.Error(t, err)

	_, err = engine.CompileField(`key + 'x'`)
	assert.ErrorIs(t, err, ErrNotBoolean)

	_, err = engine.CompileField(`request.method == 'GET'`)
	assert.Error(t, err)
}
