package query

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// DefaultLimit caps findAll results when neither the request nor the table/database config does.
const DefaultLimit = 1000

// reserved maps every recognized query-string key to its canonical name
var reserved = map[string]string{
	"q": "q", "where": "q",
	"s": "s", "sort": "s",
	"sk": "sk", "skip": "sk", "offset": "sk",
	"pg": "pg", "page": "pg",
	"l": "l", "limit": "l", "max_results": "l",
	"f": "f", "fields": "f",
}

// SortField is one ORDER BY term.
type SortField struct {
	Field string
	Desc  bool
}

// Spec is the canonical form of a request's filter, sort, paging and projection parameters.
type Spec struct {
	Filter Node
	Sort   []SortField
	Skip   *int
	Limit  int
	Page   int
	Fields []string
	// RawFields is the f/fields value as sent
	RawFields string
	// Paginated is set when the limit came from the request or a configured cap rather than DefaultLimit.
	Paginated bool
}

// MaxPage is the highest page whose offset (page-1)*limit fits in an int. Larger pages are
// clamped to it, which yields an empty page past the last row.
func MaxPage(limit int) int {
	if limit <= 0 {
		return math.MaxInt
	}
	return math.MaxInt/limit + 1
}

// Offset resolves the row offset: an explicit skip wins, otherwise it is derived from page and limit.
func (s Spec) Offset() int {
	if s.Skip != nil {
		return *s.Skip
	}
	if s.Page > 1 && s.Limit > 0 {
		return (min(s.Page, MaxPage(s.Limit)) - 1) * s.Limit
	}
	return 0
}

// Options carries the caller's defaults for Build.
type Options struct {
	// MaxResults is the configured cap (table, else database). Non-positive means none.
	MaxResults int
	Logger     *zap.Logger
}

// Build parses a raw query string into a Spec. Keys are read in order, so a later alias
// overrides an earlier one. Unknown keys are ignored.
//
// Malformed JSON in q or s is logged and dropped; structurally invalid filters (unknown
// operators, bad identifiers, excessive nesting) are returned as errors.
func Build(rawQuery string, opts Options) (Spec, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	params := make(map[string]string)
	for _, kv := range strings.Split(rawQuery, "&") {
		if kv == "" {
			continue
		}
		key, value, _ := strings.Cut(kv, "=")
		key, err := url.QueryUnescape(key)
		if err != nil {
			continue
		}
		canonical, ok := reserved[key]
		if !ok {
			continue
		}
		if value, err = url.QueryUnescape(value); err != nil {
			logger.Warn("ignoring undecodable query parameter", zap.String("key", key))
			continue
		}
		params[canonical] = value
	}

	spec := Spec{Page: 1}

	filter, err := ParseFilter(params["q"])
	switch {
	case errors.Is(err, ErrMalformedFilter):
		logger.Warn("ignoring malformed filter", zap.String("q", params["q"]))
	case err != nil:
		return Spec{}, err
	default:
		spec.Filter = filter
	}

	if spec.Sort, err = parseSort(params["s"], logger); err != nil {
		return Spec{}, err
	}

	spec.RawFields = params["f"]
	if spec.Fields, err = parseFields(spec.RawFields); err != nil {
		return Spec{}, err
	}

	limit, _ := strconv.Atoi(params["l"])
	switch {
	case limit > 0:
		spec.Limit, spec.Paginated = limit, true
	case opts.MaxResults > 0:
		spec.Limit, spec.Paginated = opts.MaxResults, true
	default:
		spec.Limit = DefaultLimit
	}

	if page, err := strconv.Atoi(params["pg"]); err == nil && page > 1 {
		spec.Page = min(page, MaxPage(spec.Limit))
	}

	if v, ok := params["sk"]; ok {
		if skip, err := strconv.Atoi(v); err == nil && skip >= 0 {
			spec.Skip = &skip
		}
	}

	return spec, nil
}

func parseSort(raw string, logger *zap.Logger) ([]SortField, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	if !gjson.Valid(raw) || !gjson.Parse(raw).IsObject() {
		logger.Warn("ignoring malformed sort", zap.String("s", raw))
		return nil, nil
	}

	var (
		sort []SortField
		err  error
	)
	gjson.Parse(raw).ForEach(func(key, value gjson.Result) bool {
		if !ValidIdentifier(key.String()) {
			err = fmt.Errorf("%w: %q", ErrInvalidIdentifier, key.String())
			return false
		}
		sort = append(sort, SortField{Field: key.String(), Desc: value.Int() < 0})
		return true
	})
	return sort, err
}

// parseFields accepts {"name":1,"age":0} (truthy members selected) or a comma separated list.
func parseFields(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var fields []string
	if doc := gjson.Parse(raw); gjson.Valid(raw) && doc.IsObject() {
		doc.ForEach(func(key, value gjson.Result) bool {
			if value.Bool() {
				fields = append(fields, key.String())
			}
			return true
		})
	} else {
		for _, f := range strings.Split(raw, ",") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
	}

	for _, f := range fields {
		if !ValidIdentifier(f) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidIdentifier, f)
		}
	}
	return fields, nil
}
