package query

import (
	"strconv"
	"strings"
)

// Compiled is a SQL statement (or fragment) with its positional parameters.
type Compiled struct {
	SQL  string
	Args []any
}

var comparisonSQL = map[Operator]string{
	OpNe:  "<>",
	OpLt:  "<",
	OpLte: "<=",
	OpGt:  ">",
	OpGte: ">=",
}

// Where renders n as a predicate. Placeholders continue after the parameters already in args,
// so a WHERE clause can follow a SET list in the same statement. A nil or empty filter
// renders as the empty string.
func Where(n Node, args []any) (string, []any) {
	if n == nil {
		return "", args
	}
	c := &compiler{args: args}
	if conj, ok := n.(Conjunction); ok && len(conj.Children) == 0 {
		return "", args
	}
	return c.node(n), c.args
}

type compiler struct {
	args []any
}

func (c *compiler) bind(v any) string {
	c.args = append(c.args, v)
	return "$" + strconv.Itoa(len(c.args))
}

func (c *compiler) node(n Node) string {
	switch n := n.(type) {
	case Conjunction:
		if len(n.Children) == 0 {
			return "TRUE"
		}
		parts := make([]string, 0, len(n.Children))
		for _, child := range n.Children {
			parts = append(parts, c.node(child))
		}
		return strings.Join(parts, " AND ")

	case Disjunction:
		parts := make([]string, 0, len(n.Children))
		for _, child := range n.Children {
			s := c.node(child)
			if conj, ok := child.(Conjunction); ok && len(conj.Children) > 1 {
				s = "(" + s + ")"
			}
			parts = append(parts, s)
		}
		return "(" + strings.Join(parts, " OR ") + ")"

	case Equality:
		if n.Value == nil {
			return n.Field + " IS NULL"
		}
		return n.Field + " = " + c.bind(n.Value)

	case Comparison:
		if n.Value == nil && n.Op == OpNe {
			return n.Field + " IS NOT NULL"
		}
		return n.Field + " " + comparisonSQL[n.Op] + " " + c.bind(n.Value)

	case SetMembership:
		if len(n.Values) == 0 {
			// x IN () is not valid SQL
			if n.Op == OpNin {
				return "TRUE"
			}
			return "FALSE"
		}
		placeholders := make([]string, 0, len(n.Values))
		for _, v := range n.Values {
			placeholders = append(placeholders, c.bind(v))
		}
		op := " IN "
		if n.Op == OpNin {
			op = " NOT IN "
		}
		return n.Field + op + "(" + strings.Join(placeholders, ", ") + ")"

	case Match:
		op := " ~ "
		if n.Pattern.CaseInsensitive() {
			op = " ~* "
		}
		return n.Field + op + c.bind(n.Pattern.Expr)
	}
	return "TRUE"
}
