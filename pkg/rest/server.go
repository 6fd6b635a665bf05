package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/edgeflare/quarry/pkg/feed"
	"github.com/edgeflare/quarry/pkg/httputil"
	"github.com/edgeflare/quarry/pkg/httputil/middleware"
	"github.com/edgeflare/quarry/pkg/metrics"
	"github.com/edgeflare/quarry/pkg/pgx"
	"github.com/edgeflare/quarry/pkg/query"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// MaxBodySize caps create and update bodies.
const MaxBodySize = 1 << 20

// Client-facing messages. Backend failure details go to the log only.
const (
	msgConnect       = "Error connecting to database"
	msgQuery         = "Error running query"
	msgInvalidAction = "Method and request do not form a valid action"
	msgBodyTooLarge  = "Request body too large"
	msgInvalidBody   = "Invalid JSON body"
	msgForbidden     = "Forbidden"
)

var (
	errBodyTooLarge = errors.New("request body too large")
	errInvalidBody  = errors.New("invalid JSON body")
)

// Server serves /<database>/<table>[/<id>] over an immutable Registry. Each request holds one
// pooled connection from acquisition until its response is written.
type Server struct {
	registry *Registry
	baseURL  string
	logger   *zap.Logger
	feed     feed.Publisher
}

type ServerOption func(*Server)

// WithBaseURL sets the path prefix stripped before routing and used in links, e.g. /api.
func WithBaseURL(baseURL string) ServerOption {
	return func(s *Server) {
		s.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

func WithLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithFeed publishes a change event after every mutation that affected rows.
func WithFeed(p feed.Publisher) ServerOption {
	return func(s *Server) {
		s.feed = p
	}
}

func NewServer(registry *Registry, opts ...ServerOption) *Server {
	s := &Server{registry: registry, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// target is the routed resource of a request.
type target struct {
	db        *Database
	table     *Table
	id        string
	singleton bool
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := middleware.NewResponseRecorder(w)
	var labels [3]string
	defer func() {
		metrics.Requests.WithLabelValues(labels[0], labels[1], labels[2], strconv.Itoa(rec.StatusCode)).Inc()
	}()

	tgt, status, msg := s.route(r)
	if status != 0 {
		httputil.Error(rec, status, msg)
		return
	}
	labels[0], labels[1] = tgt.db.Name, tgt.table.Name

	action, enumerate, err := ResolveAction(r.Method, tgt.singleton)
	if err != nil {
		httputil.Error(rec, http.StatusMethodNotAllowed, msgInvalidAction)
		return
	}
	labels[2] = string(action)
	if enumerate {
		labels[2] = http.MethodOptions
	}
	httputil.AddLogFields(r.Context(),
		zap.String("database", tgt.db.Name),
		zap.String("table", tgt.table.Name),
		zap.String("action", labels[2]))

	// A rule that ignores the request is applied before the body is read.
	if allowed, decided := tgt.table.Allow.Decided(action); !enumerate && decided && !allowed {
		httputil.Error(rec, http.StatusForbidden, msgForbidden)
		return
	}

	req, body, err := readRequest(r)
	switch {
	case errors.Is(err, errBodyTooLarge):
		httputil.Error(rec, http.StatusBadRequest, msgBodyTooLarge)
		return
	case err != nil:
		httputil.Error(rec, http.StatusBadRequest, msgInvalidBody)
		return
	}

	if enumerate {
		methods := tgt.table.Allow.AllowedMethods(tgt.singleton, req)
		rec.Header().Set("Allow", strings.Join(append([]string{http.MethodOptions}, methods...), ", "))
		httputil.JSON(rec, http.StatusOK, methods)
		return
	}

	if !tgt.table.Allow.Permits(action, req) {
		httputil.Error(rec, http.StatusForbidden, msgForbidden)
		return
	}

	stmt, spec, err := s.statement(r, tgt, action, body)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrNotImplemented) {
			status = http.StatusNotImplemented
		}
		httputil.Error(rec, status, err.Error())
		return
	}

	res, msg, ok := s.run(r, tgt.db, action, stmt)
	if !ok {
		httputil.Error(rec, http.StatusInternalServerError, msg)
		return
	}

	loc := resource{
		base:     s.baseURL,
		database: tgt.db.Name,
		table:    tgt.table,
		id:       tgt.id,
		rawQuery: r.URL.RawQuery,
	}
	records := make([]Record, len(res.values))
	for i, row := range res.values {
		records[i] = newRecord(res.columns, row, tgt.table.Filtered)
	}

	var out any
	switch {
	case action == FindAll:
		collection := shapeCollection(records, res.total, spec, loc)
		rec.Header().Set("ETag", strconv.Quote(collection.ETag))
		out = collection
	case stmt.Exec:
		out = Affected{Affected: res.affected}
	case len(records) == 0 && action == Find:
		out = struct{}{}
	case len(records) == 0:
		out = Affected{}
	default:
		out = shapeRecord(records[0], loc)
	}
	httputil.JSON(rec, http.StatusOK, out)

	// The connection is back in the pool and the response written by now.
	if action.IsMutation() && res.affected > 0 {
		s.publish(r, tgt, action, records, res.affected)
	}
}

// run executes stmt on a pooled connection held only for the duration of the call. On failure
// it returns the client-facing message.
func (s *Server) run(r *http.Request, db *Database, action Action, stmt Statement) (result, string, bool) {
	conn, err := db.Pool.Acquire(r.Context())
	if err != nil {
		s.logger.Error("acquire connection", zap.String("database", db.Name), zap.Error(err))
		return result{}, msgConnect, false
	}
	defer conn.Release()

	start := time.Now()
	res, qerr := execute(r, conn, stmt)
	metrics.QueryDuration.WithLabelValues(string(action)).Observe(time.Since(start).Seconds())
	if qerr != nil {
		s.logger.Error("query failed",
			zap.String("sql", qerr.stmt.SQL),
			zap.Any("args", qerr.stmt.Args),
			zap.String("req_id", httputil.RequestID(r.Context())),
			zap.Error(qerr.err))
		return result{}, msgQuery, false
	}
	return res, "", true
}

// route splits the path into database, table and optional id.
func (s *Server) route(r *http.Request) (target, int, string) {
	path, ok := strings.CutPrefix(r.URL.Path, s.baseURL)
	if !ok {
		return target{}, http.StatusNotFound, "Not found"
	}
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) < 2 || len(segments) > 3 || segments[0] == "" || segments[1] == "" {
		return target{}, http.StatusNotFound, "Not found"
	}

	db, t, err := s.registry.Lookup(segments[0], segments[1])
	switch {
	case errors.Is(err, ErrDatabaseNotFound):
		return target{}, http.StatusNotFound, fmt.Sprintf("Database %q not found", segments[0])
	case errors.Is(err, ErrTableNotFound):
		return target{}, http.StatusNotFound, fmt.Sprintf("Database table %q not found", segments[1])
	}

	tgt := target{db: db, table: t}
	if len(segments) == 3 {
		if segments[2] == "" {
			return target{}, http.StatusNotFound, "Not found"
		}
		tgt.id, tgt.singleton = segments[2], true
	}
	return tgt, 0, ""
}

// readRequest builds the predicate view of r. Only POST and PUT bodies are read.
func readRequest(r *http.Request) (*Request, []byte, error) {
	req := &Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header,
		Query:  r.URL.Query(),
	}
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		return req, nil, nil
	}

	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, MaxBodySize))
	if err != nil {
		return nil, nil, errBodyTooLarge
	}
	if len(body) == 0 {
		return req, body, nil
	}
	if !gjson.ValidBytes(body) {
		return nil, nil, errInvalidBody
	}
	if m, ok := gjson.ParseBytes(body).Value().(map[string]any); ok {
		req.Body = m
	}
	return req, body, nil
}

// statement builds the SQL of action. The query string only shapes reads.
func (s *Server) statement(r *http.Request, tgt target, action Action, body []byte) (Statement, query.Spec, error) {
	var (
		spec   query.Spec
		record []query.Pair
		err    error
	)
	switch action {
	case Find, FindAll:
		spec, err = query.Build(r.URL.RawQuery, query.Options{
			MaxResults: tgt.table.MaxResults,
			Logger:     s.logger,
		})
	case Create, Update:
		record, err = DecodeRecord(tgt.table, body)
	}
	if err != nil {
		return Statement{}, spec, err
	}

	stmt, err := BuildStatement(tgt.table, action, spec, tgt.id, record)
	return stmt, spec, err
}

type result struct {
	columns  []string
	values   [][]any
	total    int
	affected int64
}

type execError struct {
	stmt query.Compiled
	err  error
}

// execute runs stmt and, for a paginated read, its count on the same connection, one after the
// other. Rows may change between the two, so total is best effort.
func execute(r *http.Request, conn pgx.Conn, stmt Statement) (result, *execError) {
	ctx := r.Context()
	var res result

	if stmt.Exec {
		tag, err := conn.Exec(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			return res, &execError{stmt.Compiled, err}
		}
		res.affected = tag.RowsAffected()
		return res, nil
	}

	rows, err := conn.Query(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return res, &execError{stmt.Compiled, err}
	}
	if res.columns, res.values, err = pgx.CollectRows(rows); err != nil {
		return res, &execError{stmt.Compiled, err}
	}
	res.affected = int64(len(res.values))
	res.total = len(res.values)

	if stmt.Count != nil {
		var total int64
		if err := conn.QueryRow(ctx, stmt.Count.SQL, stmt.Count.Args...).Scan(&total); err != nil {
			return res, &execError{*stmt.Count, err}
		}
		res.total = int(total)
	}
	return res, nil
}

func (s *Server) publish(r *http.Request, tgt target, action Action, records []Record, affected int64) {
	if s.feed == nil {
		return
	}
	event := feed.NewEvent(tgt.db.Name, tgt.table.Name, string(action))
	event.RecordID = tgt.id
	event.Affected = affected
	event.RequestID = httputil.RequestID(r.Context())
	for _, rec := range records {
		if event.RecordID == "" {
			if pk, ok := rec.Get(tgt.table.PrimaryKey); ok && pk != nil {
				event.RecordID = fmt.Sprint(pk)
			}
		}
		b, err := json.Marshal(rec)
		if err != nil {
			s.logger.Warn("marshal change event row", zap.Error(err))
			continue
		}
		event.Rows = append(event.Rows, b)
	}
	s.feed.Publish(r.Context(), event)
}
