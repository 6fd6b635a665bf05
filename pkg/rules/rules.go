// Package rules compiles the CEL expressions used in table configuration: request predicates
// in allow policies and the per-field visibility predicate.
//
// A request predicate sees one variable, request, a map with the keys method, path,
// headers (lower-cased names), query and body:
//
//	request.method == 'GET' && request.headers['x-api-key'] == 'secret'
//
// A field predicate sees key (the column name) and value (the column value):
//
//	key != 'password'
package rules

import (
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"
)

var ErrNotBoolean = errors.New("rule must return boolean")

// Engine holds the CEL environments. It is safe for concurrent use.
type Engine struct {
	requestEnv *cel.Env
	fieldEnv   *cel.Env
}

// Predicate is a compiled expression. Programs are immutable and may be evaluated concurrently.
type Predicate struct {
	expr string
	prg  cel.Program
}

func NewEngine() (*Engine, error) {
	requestEnv, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, err
	}

	fieldEnv, err := cel.NewEnv(
		cel.Variable("key", cel.StringType),
		cel.Variable("value", cel.DynType),
	)
	if err != nil {
		return nil, err
	}

	return &Engine{requestEnv: requestEnv, fieldEnv: fieldEnv}, nil
}

// CompileRequest compiles an allow predicate over the request variable.
func (e *Engine) CompileRequest(expr string) (*Predicate, error) {
	return compile(e.requestEnv, expr)
}

// CompileField compiles a field visibility predicate over key and value.
func (e *Engine) CompileField(expr string) (*Predicate, error) {
	return compile(e.fieldEnv, expr)
}

func compile(env *cel.Env, expr string) (*Predicate, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("compile %q: %w, got %s", expr, ErrNotBoolean, t)
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	return &Predicate{expr: expr, prg: prg}, nil
}

// Eval evaluates the predicate. A missing map key or a non-boolean result is an error;
// callers treat any error as false.
func (p *Predicate) Eval(vars map[string]any) (bool, error) {
	out, _, err := p.prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", p.expr, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("eval %q: %w", p.expr, ErrNotBoolean)
	}
	return result, nil
}

func (p *Predicate) String() string {
	return p.expr
}
