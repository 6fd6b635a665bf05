package rest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/edgeflare/quarry/pkg/query"
)

// Field is one column of a Record.
type Field struct {
	Key   string
	Value any
}

// Record is a row with its columns in result order. It marshals as a JSON object
// preserving that order.
type Record []Field

func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Get returns the value of key.
func (r Record) Get(key string) (any, bool) {
	for _, f := range r {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// newRecord zips columns and values, dropping fields visible rejects.
func newRecord(columns []string, values []any, visible FieldPredicate) Record {
	rec := make(Record, 0, len(columns))
	for i, col := range columns {
		if visible != nil && !visible(col, values[i]) {
			continue
		}
		rec = append(rec, Field{Key: col, Value: values[i]})
	}
	return rec
}

type Link struct {
	Title string `json:"title"`
	Href  string `json:"href"`
}

type Meta struct {
	MaxResults int `json:"max_results"`
	Total      int `json:"total"`
	Page       int `json:"page"`
}

type CollectionLinks struct {
	Self   Link  `json:"self"`
	Parent Link  `json:"parent"`
	Last   Link  `json:"last"`
	Prev   *Link `json:"prev,omitempty"`
	Next   *Link `json:"next,omitempty"`
}

// Collection is the findAll response envelope.
type Collection struct {
	Items []Record        `json:"_items"`
	ETag  string          `json:"_etag"`
	Meta  Meta            `json:"_meta"`
	Links CollectionLinks `json:"_links"`
}

type RecordLinks struct {
	Self       Link `json:"self"`
	Parent     Link `json:"parent"`
	Collection Link `json:"collection"`
}

// Affected is the body of a mutation that returned no row.
type Affected struct {
	Affected int64 `json:"_affected"`
}

// resource locates the addressed table for link generation.
type resource struct {
	base     string // baseURL without trailing slash
	database string
	table    *Table
	id       string
	rawQuery string
}

func (r resource) databaseHref() string   { return r.base + "/" + r.database }
func (r resource) collectionHref() string { return r.databaseHref() + "/" + r.table.Name }

// pageHref is the collection URL with the request's query, paging moved to page.
func (r resource) pageHref(page int) string {
	values, _ := url.ParseQuery(r.rawQuery)
	for _, k := range []string{"pg", "page", "sk", "skip", "offset"} {
		values.Del(k)
	}
	values.Set("page", strconv.Itoa(page))
	return r.collectionHref() + "?" + values.Encode()
}

func (r resource) selfHref() string {
	href := r.collectionHref()
	if r.id != "" {
		href += "/" + url.PathEscape(r.id)
	}
	if r.rawQuery != "" {
		href += "?" + r.rawQuery
	}
	return href
}

// shapeCollection builds the findAll envelope. Without a cap the rows form one full page.
func shapeCollection(items []Record, total int, spec query.Spec, res resource) Collection {
	if items == nil {
		items = []Record{}
	}

	meta := Meta{MaxResults: len(items), Total: len(items), Page: 1}
	if spec.Paginated {
		meta = Meta{MaxResults: spec.Limit, Total: total, Page: spec.Page}
	}

	lastPage := 1
	if meta.MaxResults > 0 {
		lastPage = max(1, (meta.Total+meta.MaxResults-1)/meta.MaxResults)
	}

	links := CollectionLinks{
		Self:   Link{Title: res.table.Name, Href: res.selfHref()},
		Parent: Link{Title: res.database, Href: res.databaseHref()},
		Last:   Link{Title: "last page", Href: res.pageHref(lastPage)},
	}
	if meta.Page > 1 {
		links.Prev = &Link{Title: "previous page", Href: res.pageHref(meta.Page - 1)}
	}
	if meta.Page < lastPage {
		links.Next = &Link{Title: "next page", Href: res.pageHref(meta.Page + 1)}
	}

	return Collection{
		Items: items,
		ETag:  etag(items),
		Meta:  meta,
		Links: links,
	}
}

// shapeRecord flattens a single row and attaches its links. A created row is addressed by
// its primary key.
func shapeRecord(rec Record, res resource) Record {
	if res.id == "" {
		if pk, ok := rec.Get(res.table.PrimaryKey); ok && pk != nil {
			res.id = fmt.Sprint(pk)
			res.rawQuery = ""
		}
	}
	links := RecordLinks{
		Self:       Link{Title: res.table.Singular, Href: res.selfHref()},
		Parent:     Link{Title: res.database, Href: res.databaseHref()},
		Collection: Link{Title: res.table.Name, Href: res.collectionHref()},
	}
	out := make(Record, len(rec), len(rec)+1)
	copy(out, rec)
	return append(out, Field{Key: "_links", Value: links})
}

// etag is a content hash of the items, stable for identical result sets.
func etag(items []Record) string {
	b, err := json.Marshal(items)
	if err != nil {
		return ""
	}
	return strconv.FormatUint(xxhash.Sum64(b), 16)
}
