package query

import (
	"regexp"
	"strings"
)

// Pattern is a regular expression taken from a {"$regex": "/expr/", "$options": "i"} operand.
type Pattern struct {
	Expr  string
	Flags string
}

var slashedPattern = regexp.MustCompile(`^/(.*)/([a-z]*)$`)

// ParsePattern accepts either a slash-delimited literal ("/^ba/i") or a bare expression.
// A non-empty options string replaces any flags found after the closing slash.
func ParsePattern(raw, options string) Pattern {
	p := Pattern{Expr: raw}
	if m := slashedPattern.FindStringSubmatch(raw); m != nil {
		p.Expr, p.Flags = m[1], m[2]
	}
	if options != "" {
		p.Flags = options
	}
	return p
}

// CaseInsensitive reports whether the i flag is set.
func (p Pattern) CaseInsensitive() bool {
	return strings.Contains(p.Flags, "i")
}

// String renders the pattern back in slash-delimited form.
func (p Pattern) String() string {
	return "/" + p.Expr + "/" + p.Flags
}
