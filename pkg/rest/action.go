package rest

import (
	"errors"
	"net/http"
	"strings"
)

// Action is the canonical CRUD operation a request resolves to.
type Action string

const (
	Find       Action = "find"
	FindAll    Action = "findAll"
	Create     Action = "create"
	Update     Action = "update"
	Delete     Action = "delete"
	DeleteAll  Action = "deleteAll"
	ReplaceAll Action = "replaceAll"
)

// Actions lists every action, collection actions first.
var Actions = []Action{FindAll, Create, ReplaceAll, DeleteAll, Find, Update, Delete}

var ErrInvalidAction = errors.New("method and request do not form a valid action")

// ParseAction matches an action name case-insensitively.
func ParseAction(name string) (Action, bool) {
	for _, a := range Actions {
		if strings.EqualFold(string(a), name) {
			return a, true
		}
	}
	return "", false
}

// IsMutation reports whether a successful a changes rows.
func (a Action) IsMutation() bool {
	switch a {
	case Create, Update, Delete, DeleteAll, ReplaceAll:
		return true
	}
	return false
}

// ResolveAction maps a method and resource shape to an action.
//
//	method  collection  singleton
//	GET     findAll     find
//	PUT     replaceAll  update
//	POST    create      -
//	DELETE  deleteAll   delete
//
// OPTIONS yields enumerate=true: the caller lists the permitted verbs instead of acting.
// Any other combination is ErrInvalidAction.
func ResolveAction(method string, singleton bool) (action Action, enumerate bool, err error) {
	switch method {
	case http.MethodGet:
		return pick(singleton, Find, FindAll), false, nil
	case http.MethodPut:
		return pick(singleton, Update, ReplaceAll), false, nil
	case http.MethodDelete:
		return pick(singleton, Delete, DeleteAll), false, nil
	case http.MethodPost:
		if !singleton {
			return Create, false, nil
		}
	case http.MethodOptions:
		return "", true, nil
	}
	return "", false, ErrInvalidAction
}

func pick(singleton bool, one, all Action) Action {
	if singleton {
		return one
	}
	return all
}
