package rest

import (
	"net/http"
	"net/url"
	"strings"
)

// Request is the view of an inbound request that allow predicates evaluate.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Query  url.Values
	// Body is the decoded JSON body, nil when absent
	Body map[string]any
}

// Vars renders the request as the CEL variable map {"request": {...}}. Header names are
// lower-cased; headers and query parameters keep their first value.
func (r *Request) Vars() map[string]any {
	headers := make(map[string]any, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[strings.ToLower(k)] = v[0]
		}
	}
	query := make(map[string]any, len(r.Query))
	for k, v := range r.Query {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}
	body := r.Body
	if body == nil {
		body = map[string]any{}
	}
	return map[string]any{"request": map[string]any{
		"method":  r.Method,
		"path":    r.Path,
		"headers": headers,
		"query":   query,
		"body":    body,
	}}
}

// Rule decides one action of an allow policy. The implementations are closed:
// AlwaysAllow, AlwaysDeny and RequestPredicate.
type Rule interface {
	allows(*Request) bool
}

type (
	AlwaysAllow struct{}
	AlwaysDeny  struct{}
	// RequestPredicate permits the action when the function returns true for the request.
	RequestPredicate func(*Request) bool
)

func (AlwaysAllow) allows(*Request) bool          { return true }
func (AlwaysDeny) allows(*Request) bool           { return false }
func (p RequestPredicate) allows(r *Request) bool { return p != nil && p(r) }

// AllowPolicy is a table's authorization policy. All permits every action, including ones
// added later; otherwise an action without a rule is denied.
type AllowPolicy struct {
	All   bool
	Rules map[Action]Rule
}

func AllowAll() AllowPolicy {
	return AllowPolicy{All: true}
}

// Permits reports whether the policy allows action for r.
func (p AllowPolicy) Permits(action Action, r *Request) bool {
	if p.All {
		return true
	}
	rule, ok := p.Rules[action]
	if !ok {
		return false
	}
	return rule.allows(r)
}

// Decided reports the outcome for action when it does not depend on the request, that is
// when the policy is All or the action's rule is absent, AlwaysAllow or AlwaysDeny.
func (p AllowPolicy) Decided(action Action) (allowed, decided bool) {
	if p.All {
		return true, true
	}
	switch p.Rules[action].(type) {
	case nil, AlwaysDeny:
		return false, true
	case AlwaysAllow:
		return true, true
	}
	return false, false
}

// optionVerbs is the order verbs are listed in an OPTIONS response.
var optionVerbs = []string{http.MethodDelete, http.MethodGet, http.MethodPost, http.MethodPut}

// AllowedMethods lists the verbs whose action on this resource shape the policy permits for r.
func (p AllowPolicy) AllowedMethods(singleton bool, r *Request) []string {
	methods := []string{}
	for _, verb := range optionVerbs {
		action, _, err := ResolveAction(verb, singleton)
		if err != nil {
			continue
		}
		if p.Permits(action, r) {
			methods = append(methods, verb)
		}
	}
	return methods
}
