package query

import (
	"strconv"

	"github.com/tidwall/gjson"
)

// Scalar converts a decoded JSON value into a query parameter. Integral numbers become int64,
// other numbers float64; arrays become []any and objects are passed through as JSON text.
func Scalar(r gjson.Result) any {
	switch r.Type {
	case gjson.Null:
		return nil
	case gjson.False:
		return false
	case gjson.True:
		return true
	case gjson.Number:
		if i, err := strconv.ParseInt(r.Raw, 10, 64); err == nil {
			return i
		}
		return r.Float()
	case gjson.String:
		return r.Str
	}

	if r.IsArray() {
		items := r.Array()
		out := make([]any, 0, len(items))
		for _, item := range items {
			out = append(out, Scalar(item))
		}
		return out
	}
	return r.Raw
}

// List converts a $in/$nin operand into its values. A non-array operand is a one-element list.
func List(r gjson.Result) []any {
	if !r.IsArray() {
		return []any{Scalar(r)}
	}
	items := r.Array()
	out := make([]any, 0, len(items))
	for _, item := range items {
		out = append(out, Scalar(item))
	}
	return out
}

// Pair is one key/value of a JSON object, in document order.
type Pair struct {
	Value any
	Key   string
}

// Pairs returns the members of a JSON object in the order they appear in raw.
// It returns false if raw is not a JSON object.
func Pairs(raw string) ([]Pair, bool) {
	if !gjson.Valid(raw) {
		return nil, false
	}
	return ObjectPairs(gjson.Parse(raw))
}

// ObjectPairs is Pairs for an already parsed value.
func ObjectPairs(obj gjson.Result) ([]Pair, bool) {
	if !obj.IsObject() {
		return nil, false
	}
	var pairs []Pair
	obj.ForEach(func(key, value gjson.Result) bool {
		pairs = append(pairs, Pair{Key: key.String(), Value: Scalar(value)})
		return true
	})
	return pairs, true
}
