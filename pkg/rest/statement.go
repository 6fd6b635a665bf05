package rest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/edgeflare/quarry/pkg/query"
	"github.com/tidwall/gjson"
)

var (
	ErrNotImplemented = errors.New("not implemented")
	ErrEmptyRecord    = errors.New("empty record")
	ErrMissingRecord  = errors.New("missing record")
)

// Statement is the SQL an action runs.
type Statement struct {
	query.Compiled
	// Count is the total-rows query of a paginated findAll. It carries no WHERE clause, so the
	// total ignores the active filter.
	Count *query.Compiled
	// Exec is set when the statement returns no rows and only its affected count matters.
	Exec bool
}

// BuildStatement emits the SQL for action on t. spec applies to find and findAll, id to the
// singleton actions and record to create and update.
func BuildStatement(t *Table, action Action, spec query.Spec, id string, record []query.Pair) (Statement, error) {
	var sql strings.Builder
	var args []any

	switch action {
	case FindAll:
		sql.WriteString("SELECT " + projection(spec.Fields) + " FROM " + t.Name)
		if where, whereArgs := query.Where(spec.Filter, nil); where != "" {
			sql.WriteString(" WHERE " + where)
			args = whereArgs
		}
		if len(spec.Sort) > 0 {
			terms := make([]string, len(spec.Sort))
			for i, s := range spec.Sort {
				terms[i] = s.Field
				if s.Desc {
					terms[i] += " DESC"
				}
			}
			sql.WriteString(" ORDER BY " + strings.Join(terms, ", "))
		}
		sql.WriteString(" LIMIT " + strconv.Itoa(spec.Limit))
		if offset := spec.Offset(); offset > 0 {
			sql.WriteString(" OFFSET " + strconv.Itoa(offset))
		}

		stmt := Statement{Compiled: query.Compiled{SQL: sql.String(), Args: args}}
		if spec.Paginated {
			stmt.Count = &query.Compiled{SQL: "SELECT COUNT(*) FROM " + t.Name}
		}
		return stmt, nil

	case Find:
		sql.WriteString("SELECT " + projection(spec.Fields) + " FROM " + t.Name + " WHERE " + t.PrimaryKey + " = $1")
		args = append(args, id)

	case Create:
		if len(record) == 0 {
			return Statement{}, ErrEmptyRecord
		}
		columns := make([]string, len(record))
		placeholders := make([]string, len(record))
		for i, p := range record {
			if !query.ValidIdentifier(p.Key) {
				return Statement{}, fmt.Errorf("%w: %q", query.ErrInvalidIdentifier, p.Key)
			}
			columns[i] = p.Key
			placeholders[i] = "$" + strconv.Itoa(i+1)
			args = append(args, p.Value)
		}
		sql.WriteString("INSERT INTO " + t.Name + " (" + strings.Join(columns, ", ") + ") VALUES (" + strings.Join(placeholders, ", ") + ") RETURNING *")

	case Update:
		if len(record) == 0 {
			return Statement{}, ErrEmptyRecord
		}
		assignments := make([]string, len(record))
		for i, p := range record {
			if !query.ValidIdentifier(p.Key) {
				return Statement{}, fmt.Errorf("%w: %q", query.ErrInvalidIdentifier, p.Key)
			}
			assignments[i] = p.Key + " = $" + strconv.Itoa(i+1)
			args = append(args, p.Value)
		}
		args = append(args, id)
		sql.WriteString("UPDATE " + t.Name + " SET " + strings.Join(assignments, ", ") + " WHERE " + t.PrimaryKey + " = $" + strconv.Itoa(len(args)) + " RETURNING *")

	case Delete:
		sql.WriteString("DELETE FROM " + t.Name + " WHERE " + t.PrimaryKey + " = $1 RETURNING *")
		args = append(args, id)

	case DeleteAll:
		return Statement{Compiled: query.Compiled{SQL: "DELETE FROM " + t.Name}, Exec: true}, nil

	case ReplaceAll:
		return Statement{}, fmt.Errorf("%s: %w", action, ErrNotImplemented)

	default:
		return Statement{}, ErrInvalidAction
	}

	return Statement{Compiled: query.Compiled{SQL: sql.String(), Args: args}}, nil
}

func projection(fields []string) string {
	if len(fields) == 0 {
		return "*"
	}
	return strings.Join(fields, ", ")
}

// DecodeRecord extracts the column/value pairs of a create or update body, which nests them
// under the table's singular name: {"cat": {"name": "Tom"}}. Pairs keep body order.
func DecodeRecord(t *Table, body []byte) ([]query.Pair, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid JSON body", ErrMissingRecord)
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return nil, fmt.Errorf("%w: body must be an object", ErrMissingRecord)
	}

	var nested gjson.Result
	doc.ForEach(func(key, value gjson.Result) bool {
		if key.String() == t.Singular {
			nested = value
			return false
		}
		return true
	})

	pairs, ok := query.ObjectPairs(nested)
	if !ok {
		return nil, fmt.Errorf("%w: expected object under %q", ErrMissingRecord, t.Singular)
	}
	return pairs, nil
}
