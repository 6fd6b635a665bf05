package query

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// MaxFilterDepth bounds how deeply $or groups may nest.
const MaxFilterDepth = 16

var (
	// ErrMalformedFilter is returned when the filter text is not a JSON object.
	// Callers degrade to an unfiltered query instead of failing the request.
	ErrMalformedFilter     = errors.New("malformed filter")
	ErrInvalidFilter       = errors.New("invalid filter")
	ErrUnsupportedOperator = errors.New("unsupported operator")
	ErrInvalidIdentifier   = errors.New("invalid identifier")
	ErrFilterTooDeep       = errors.New("filter nesting too deep")
)

// Operator is a filter operator token as it appears in the q parameter.
type Operator string

const (
	OpNe    Operator = "$ne"
	OpLt    Operator = "$lt"
	OpLte   Operator = "$lte"
	OpGt    Operator = "$gt"
	OpGte   Operator = "$gte"
	OpIn    Operator = "$in"
	OpNin   Operator = "$nin"
	OpRegex Operator = "$regex"
	OpOr    Operator = "$or"

	optionsKey = "$options"
)

// Node is one predicate of a decoded filter tree. The set of implementations is closed.
type Node interface {
	node()
}

// Equality matches rows where Field equals Value. A nil Value matches NULL.
type Equality struct {
	Value any
	Field string
}

// Comparison matches rows where Field compares to Value with one of $ne, $lt, $lte, $gt, $gte.
type Comparison struct {
	Value any
	Field string
	Op    Operator
}

// SetMembership matches rows where Field is (or, for $nin, is not) one of Values.
type SetMembership struct {
	Field  string
	Op     Operator
	Values []any
}

// Match matches rows where Field matches a regular expression.
type Match struct {
	Field   string
	Pattern Pattern
}

// Disjunction matches rows satisfying any child.
type Disjunction struct {
	Children []Node
}

// Conjunction matches rows satisfying every child. A decoded filter object is a Conjunction
// whose children keep the key order of the object.
type Conjunction struct {
	Children []Node
}

func (Equality) node()      {}
func (Comparison) node()    {}
func (SetMembership) node() {}
func (Match) node()         {}
func (Disjunction) node()   {}
func (Conjunction) node()   {}

var identifierRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidIdentifier reports whether name can be emitted unquoted as a column or table reference.
func ValidIdentifier(name string) bool {
	return identifierRegex.MatchString(name)
}

// ParseFilter decodes the text of a q/where parameter into a filter tree.
// An empty or whitespace-only input yields a nil Node and no error.
func ParseFilter(raw string) (Node, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	if !gjson.Valid(raw) {
		return nil, ErrMalformedFilter
	}
	doc := gjson.Parse(raw)
	if !doc.IsObject() {
		return nil, ErrMalformedFilter
	}

	conj, err := parseObject(doc, 1)
	if err != nil {
		return nil, err
	}
	if len(conj.Children) == 0 {
		return nil, nil
	}
	return conj, nil
}

func parseObject(obj gjson.Result, depth int) (Conjunction, error) {
	if depth > MaxFilterDepth {
		return Conjunction{}, ErrFilterTooDeep
	}

	var conj Conjunction
	var err error
	obj.ForEach(func(key, value gjson.Result) bool {
		var n Node
		n, err = parseField(key.String(), value, depth)
		if err != nil {
			return false
		}
		conj.Children = append(conj.Children, n)
		return true
	})
	return conj, err
}

func parseField(key string, value gjson.Result, depth int) (Node, error) {
	if strings.HasPrefix(key, "$") {
		if Operator(key) == OpOr {
			return parseDisjunction(value, depth+1)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedOperator, key)
	}

	if !ValidIdentifier(key) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIdentifier, key)
	}

	if value.IsObject() {
		return parseOperator(key, value)
	}
	if err := scalarOperand(key, value); err != nil {
		return nil, err
	}
	return Equality{Field: key, Value: Scalar(value)}, nil
}

// scalarOperand rejects array operands, which no column comparison can bind.
func scalarOperand(field string, value gjson.Result) error {
	if value.IsArray() || value.IsObject() {
		return fmt.Errorf("%w: %q expects a scalar, got %s", ErrInvalidFilter, field, value.Raw)
	}
	return nil
}

// parseOperator picks the first recognized operator of an operator object. Later operators
// on the same field are ignored.
func parseOperator(field string, obj gjson.Result) (Node, error) {
	var (
		op      Operator
		operand gjson.Result
		options string
	)
	obj.ForEach(func(key, value gjson.Result) bool {
		k := Operator(key.String())
		switch k {
		case OpNe, OpLt, OpLte, OpGt, OpGte, OpIn, OpNin, OpRegex:
			if op == "" {
				op, operand = k, value
			}
		case optionsKey:
			options = value.String()
		}
		return true
	})

	switch op {
	case "":
		return nil, fmt.Errorf("%w: no operator for field %q", ErrUnsupportedOperator, field)
	case OpIn, OpNin:
		return SetMembership{Field: field, Op: op, Values: List(operand)}, nil
	case OpRegex:
		p := ParsePattern(operand.String(), options)
		if strings.Trim(p.Flags, "i") != "" {
			return nil, fmt.Errorf("%w: $options %q, only \"i\" is supported", ErrUnsupportedOperator, p.Flags)
		}
		return Match{Field: field, Pattern: p}, nil
	default:
		if err := scalarOperand(field, operand); err != nil {
			return nil, err
		}
		return Comparison{Field: field, Op: op, Value: Scalar(operand)}, nil
	}
}

func parseDisjunction(value gjson.Result, depth int) (Node, error) {
	if depth > MaxFilterDepth {
		return nil, ErrFilterTooDeep
	}
	if !value.IsArray() {
		return nil, fmt.Errorf("%w: $or expects an array of objects", ErrInvalidFilter)
	}

	var or Disjunction
	for _, item := range value.Array() {
		if !item.IsObject() {
			return nil, fmt.Errorf("%w: $or expects an array of objects", ErrInvalidFilter)
		}
		conj, err := parseObject(item, depth)
		if err != nil {
			return nil, err
		}
		or.Children = append(or.Children, conj)
	}
	if len(or.Children) == 0 {
		return nil, fmt.Errorf("%w: $or expects at least one clause", ErrInvalidFilter)
	}
	return or, nil
}
