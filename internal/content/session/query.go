package session

import (
	"context"
	"slices"
	"time"

	"github.com/systemshift/contentrepo/internal/auth"
	"github.com/systemshift/contentrepo/internal/content/core"
	"github.com/systemshift/contentrepo/internal/content/query"
)

// QueryManager creates queries that run against the session's view,
// transient changes included.
type QueryManager struct {
	s *Session
}

// SupportedLanguages lists the accepted query languages.
func (qm *QueryManager) SupportedLanguages() []string {
	return []string{query.LanguageSQL2}
}

// CreateQuery parses statement. Only JCR-SQL2 is accepted.
func (qm *QueryManager) CreateQuery(statement, language string) (*Query, error) {
	const op = "session.CreateQuery"
	if err := qm.s.checkLive(op); err != nil {
		return nil, err
	}
	if language != query.LanguageSQL2 {
		return nil, core.Errorf(core.ErrInvalidQuery, op, language, "unsupported query language")
	}
	m, err := query.ParseSQL2(statement)
	if err != nil {
		return nil, err
	}
	return newQuery(qm.s, m, statement, language), nil
}

// CreateQueryFromModel wraps a query object model built by the caller.
func (qm *QueryManager) CreateQueryFromModel(m *query.Model) (*Query, error) {
	const op = "session.CreateQueryFromModel"
	if err := qm.s.checkLive(op); err != nil {
		return nil, err
	}
	if m == nil || m.Source == nil {
		return nil, core.Errorf(core.ErrInvalidQuery, op, "", "query has no source")
	}
	return newQuery(qm.s, m, "", query.LanguageSQL2), nil
}

// Query is a prepared query with its bind values and paging.
type Query struct {
	s         *Session
	model     *query.Model
	statement string
	language  string
	vars      []string
	bind      map[string]core.ValueData
	limit     int
	offset    int
}

func newQuery(s *Session, m *query.Model, statement, language string) *Query {
	return &Query{
		s:         s,
		model:     m,
		statement: statement,
		language:  language,
		vars:      query.BindVariableNames(m),
		bind:      make(map[string]core.ValueData),
	}
}

func (q *Query) Statement() string { return q.statement }

func (q *Query) Language() string { return q.language }

// BindVariableNames lists the variables of the statement.
func (q *Query) BindVariableNames() []string { return slices.Clone(q.vars) }

// BindValue sets the value of the bind variable name.
func (q *Query) BindValue(name string, value any) error {
	const op = "session.BindValue"
	if !slices.Contains(q.vars, name) {
		return core.Errorf(core.ErrInvalidArgument, op, name, "no such bind variable")
	}
	d, err := core.ValueOf(value, core.TypeUndefined)
	if err != nil {
		return err
	}
	q.bind[name] = d
	return nil
}

// SetLimit caps the number of rows; 0 removes the cap.
func (q *Query) SetLimit(n int) { q.limit = n }

// SetOffset skips the first n rows.
func (q *Query) SetOffset(n int) { q.offset = n }

// Execute runs the query.
func (q *Query) Execute(ctx context.Context) (*QueryResult, error) {
	s := q.s
	if err := s.checkLive("session.Execute"); err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := query.Execute(ctx, query.Env{
		View:      s.overlay,
		Workspace: s.ws,
		Types:     s.deps.Types,
		Readable:  func(path string) bool { return s.permits(path, auth.ActionRead) },
	}, q.model, query.Options{Bind: q.bind, Limit: q.limit, Offset: q.offset})
	if s.deps.OnQuery != nil {
		s.deps.OnQuery(q.language, time.Since(start), err)
	}
	if err != nil {
		return nil, err
	}
	s.log.Debugw("query executed", "rows", len(res.Rows), "took", time.Since(start))
	return &QueryResult{s: s, res: res}, nil
}

// QueryResult is the outcome of Query.Execute.
type QueryResult struct {
	s   *Session
	res *query.Result
}

// ColumnNames lists the result columns.
func (r *QueryResult) ColumnNames() []string {
	out := make([]string, len(r.res.Columns))
	for i, c := range r.res.Columns {
		out[i] = c.ColumnName
	}
	return out
}

// SelectorNames lists the selectors of the query.
func (r *QueryResult) SelectorNames() []string { return slices.Clone(r.res.Selectors) }

// Rows returns the result rows.
func (r *QueryResult) Rows() []*Row {
	out := make([]*Row, len(r.res.Rows))
	for i := range r.res.Rows {
		out[i] = &Row{r: r, row: r.res.Rows[i]}
	}
	return out
}

// Nodes returns the node of every row. It fails with ErrIllegalState for
// queries with more than one selector.
func (r *QueryResult) Nodes() ([]*Node, error) {
	if len(r.res.Selectors) != 1 {
		return nil, core.Errorf(core.ErrIllegalState, "session.Nodes", "", "query has %d selectors", len(r.res.Selectors))
	}
	out := make([]*Node, 0, len(r.res.Rows))
	for _, row := range r.res.Rows {
		out = append(out, &Node{s: r.s, id: row.NodeIDs[0]})
	}
	return out, nil
}

// Row is one row of a QueryResult.
type Row struct {
	r   *QueryResult
	row query.Row
}

// Values returns the column values; nil entries are null.
func (w *Row) Values() []*core.Value {
	out := make([]*core.Value, len(w.row.Values))
	for i, d := range w.row.Values {
		if d != nil {
			out[i] = core.NewValue(*d)
		}
	}
	return out
}

// Value returns the value of column; nil means null.
func (w *Row) Value(column string) (*core.Value, error) {
	for i, c := range w.r.res.Columns {
		if c.ColumnName == column {
			if d := w.row.Values[i]; d != nil {
				return core.NewValue(*d), nil
			}
			return nil, nil
		}
	}
	return nil, core.Errorf(core.ErrInvalidArgument, "session.Row.Value", column, "no such column")
}

func (w *Row) selector(name string) (int, error) {
	sels := w.r.res.Selectors
	if name == "" {
		if len(sels) != 1 {
			return 0, core.Errorf(core.ErrInvalidArgument, "session.Row", "", "a selector name is required")
		}
		return 0, nil
	}
	i := slices.Index(sels, name)
	if i < 0 {
		return 0, core.Errorf(core.ErrInvalidArgument, "session.Row", name, "no such selector")
	}
	return i, nil
}

// Node returns the node of selector, or nil for the missing side of an
// outer join. An empty selector is allowed for single-selector queries.
func (w *Row) Node(selector string) (*Node, error) {
	i, err := w.selector(selector)
	if err != nil {
		return nil, err
	}
	if w.row.NodeIDs[i] == "" {
		return nil, nil
	}
	return &Node{s: w.r.s, id: w.row.NodeIDs[i]}, nil
}

// Path returns the path of the node of selector.
func (w *Row) Path(selector string) (string, error) {
	i, err := w.selector(selector)
	if err != nil {
		return "", err
	}
	return w.row.Paths[i], nil
}

// Score returns the full-text score of the node of selector.
func (w *Row) Score(selector string) (float64, error) {
	i, err := w.selector(selector)
	if err != nil {
		return 0, err
	}
	return w.row.Scores[i], nil
}
