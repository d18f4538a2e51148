package query

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/contentrepo/internal/content/core"
	"github.com/systemshift/contentrepo/internal/content/nodetype"
	"github.com/systemshift/contentrepo/internal/content/store"
)

const ws = "default"

func str(s string) core.ValueData { return core.ValueData{Type: core.TypeString, Str: s} }
func long(s string) core.ValueData { return core.ValueData{Type: core.TypeLong, Str: s} }

// fixture builds
//
//	/content            nt:unstructured
//	/content/a          title "Hello World", n 3, tags [x y], link k
//	/content/b          title "Goodbye world", n 10, code k
//	/content/b/c        nt:unstructured
//	/files              nt:folder
func fixture(t *testing.T) Env {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, store.NewMemoryBackend(), nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateWorkspace(ctx, ws))
	require.NoError(t, s.Update(ctx, func(tx *store.Txn) error {
		content, err := tx.CreateNode(ws, core.RootID, "content", core.NTUnstructured, "")
		if err != nil {
			return err
		}
		a, err := tx.CreateNode(ws, content.ID, "a", core.NTUnstructured, "")
		if err != nil {
			return err
		}
		a.SetProperty(store.PropertyRecord{Name: "title", Type: core.TypeString, Values: []core.ValueData{str("Hello World")}})
		a.SetProperty(store.PropertyRecord{Name: "n", Type: core.TypeLong, Values: []core.ValueData{long("3")}})
		a.SetProperty(store.PropertyRecord{Name: "tags", Type: core.TypeString, Multiple: true, Values: []core.ValueData{str("x"), str("y")}})
		a.SetProperty(store.PropertyRecord{Name: "link", Type: core.TypeString, Values: []core.ValueData{str("k")}})
		b, err := tx.CreateNode(ws, content.ID, "b", core.NTUnstructured, "")
		if err != nil {
			return err
		}
		b.SetProperty(store.PropertyRecord{Name: "title", Type: core.TypeString, Values: []core.ValueData{str("Goodbye world")}})
		b.SetProperty(store.PropertyRecord{Name: "n", Type: core.TypeLong, Values: []core.ValueData{long("10")}})
		b.SetProperty(store.PropertyRecord{Name: "code", Type: core.TypeString, Values: []core.ValueData{str("k")}})
		if _, err := tx.CreateNode(ws, b.ID, "c", core.NTUnstructured, ""); err != nil {
			return err
		}
		_, err = tx.CreateNode(ws, core.RootID, "files", core.NTFolder, "")
		return err
	}))
	return Env{View: s.Snapshot(), Workspace: ws, Types: nodetype.NewRegistry(nil, nil)}
}

func run(t *testing.T, env Env, stmt string, opts Options) *Result {
	t.Helper()
	m, err := ParseSQL2(stmt)
	require.NoError(t, err, stmt)
	res, err := Execute(context.Background(), env, m, opts)
	require.NoError(t, err, stmt)
	return res
}

func paths(res *Result, sel int) []string {
	out := make([]string, 0, len(res.Rows))
	for _, r := range res.Rows {
		out = append(out, r.Paths[sel])
	}
	return out
}

func TestComparisons(t *testing.T) {
	env := fixture(t)
	tests := []struct {
		name string
		stmt string
		want []string
	}{
		{"equal", "SELECT * FROM [nt:unstructured] WHERE [title] = 'Hello World'", []string{"/content/a"}},
		{"greater", "SELECT * FROM [nt:unstructured] WHERE [n] > 5", []string{"/content/b"}},
		{"cast", "SELECT * FROM [nt:unstructured] WHERE [n] < CAST('5' AS LONG)", []string{"/content/a"}},
		{"like is case sensitive", "SELECT * FROM [nt:unstructured] WHERE [title] LIKE '%world'", []string{"/content/b"}},
		{"lower", "SELECT * FROM [nt:unstructured] WHERE LOWER([title]) LIKE '%world' ORDER BY [n]", []string{"/content/a", "/content/b"}},
		{"not like", "SELECT * FROM [nt:unstructured] WHERE [title] IS NOT NULL AND [title] NOT LIKE 'Hello%'", []string{"/content/b"}},
		{"multi-valued any", "SELECT * FROM [nt:unstructured] WHERE [tags] = 'y'", []string{"/content/a"}},
		{"length", "SELECT * FROM [nt:unstructured] WHERE LENGTH([title]) = 11", []string{"/content/a"}},
		{"name", "SELECT * FROM [nt:unstructured] WHERE NAME() = 'c'", []string{"/content/b/c"}},
		{"localname", "SELECT * FROM [nt:folder] WHERE LOCALNAME() = 'files'", []string{"/files"}},
		{"is not null", "SELECT * FROM [nt:unstructured] WHERE [code] IS NOT NULL", []string{"/content/b"}},
		{"or and", "SELECT * FROM [nt:unstructured] WHERE [n] = 3 OR [n] = 10 AND [code] = 'k' ORDER BY [n]", []string{"/content/a", "/content/b"}},
		{"child node", "SELECT * FROM [nt:unstructured] WHERE ISCHILDNODE([/content/b])", []string{"/content/b/c"}},
		{"descendant", "SELECT * FROM [nt:unstructured] AS n WHERE ISDESCENDANTNODE(n, '/content') ORDER BY [n]", []string{"/content/b/c", "/content/a", "/content/b"}},
		{"same node", "SELECT * FROM [nt:base] WHERE ISSAMENODE('/files')", []string{"/files"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, paths(run(t, env, tt.stmt, Options{}), 0))
		})
	}
}

func TestNullOperandNeverSatisfies(t *testing.T) {
	env := fixture(t)
	assert.Empty(t, run(t, env, "SELECT * FROM [nt:unstructured] WHERE [missing] = 'x'", Options{}).Rows)
	assert.Empty(t, run(t, env, "SELECT * FROM [nt:unstructured] WHERE [missing] <> 'x'", Options{}).Rows)

	res := run(t, env, "SELECT * FROM [nt:unstructured] WHERE NOT [n] > 5", Options{})
	got := paths(res, 0)
	assert.Contains(t, got, "/content/a")
	assert.Contains(t, got, "/content")
	assert.NotContains(t, got, "/content/b")
}

func TestFullTextSearch(t *testing.T) {
	env := fixture(t)
	tests := []struct {
		expr string
		want []string
	}{
		{"hello", []string{"/content/a"}},
		{"world", []string{"/content/a", "/content/b"}},
		{"world -goodbye", []string{"/content/a"}},
		{"hello OR goodbye", []string{"/content/a", "/content/b"}},
		{`"hello world"`, []string{"/content/a"}},
		{`"world hello"`, nil},
		{"good*", []string{"/content/b"}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			res := run(t, env, "SELECT * FROM [nt:unstructured] WHERE CONTAINS(*, $q) ORDER BY [n]",
				Options{Bind: map[string]core.ValueData{"q": str(tt.expr)}})
			got := paths(res, 0)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}

	res := run(t, env, "SELECT * FROM [nt:unstructured] WHERE CONTAINS([code], 'k')", Options{})
	assert.Equal(t, []string{"/content/b"}, paths(res, 0))
}

func TestParseFullTextPrecedence(t *testing.T) {
	e, err := ParseFullText(`a b OR -c "d e"`)
	require.NoError(t, err)
	assert.Equal(t, [][]FullTextTerm{
		{{Words: []string{"a"}}, {Words: []string{"b"}}},
		{{Words: []string{"c"}, Negated: true}, {Words: []string{"d", "e"}}},
	}, e.Or)

	for _, bad := range []string{"", "OR a", "a OR", `"open`} {
		_, err := ParseFullText(bad)
		assert.ErrorIs(t, err, core.ErrInvalidQuery, bad)
	}
}

func TestLike(t *testing.T) {
	tests := []struct {
		s, pattern string
		want       bool
	}{
		{"abc", "abc", true},
		{"abc", "a%", true},
		{"abc", "%c", true},
		{"abc", "a_c", true},
		{"abbc", "a_c", false},
		{"a.c", "a.c", true},
		{"abc", "a.c", false},
		{"100%", `100\%`, true},
		{"1000", `100\%`, false},
		{"a_b", `a\_b`, true},
		{"axb", `a\_b`, false},
		{"", "%", true},
		{"line\nbreak", "line%", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Like(tt.s, tt.pattern), "%q LIKE %q", tt.s, tt.pattern)
	}
}

func TestLikePatternsCachedPerExecution(t *testing.T) {
	e := &evaluator{like: make(map[string]*regexp.Regexp)}
	re := e.likeRegexp("a%")
	assert.Same(t, re, e.likeRegexp("a%"))
	assert.True(t, re.MatchString("abc"))
	e.likeRegexp("b_")
	assert.Len(t, e.like, 2)

	other := &evaluator{like: make(map[string]*regexp.Regexp)}
	assert.NotSame(t, re, other.likeRegexp("a%"))
}

func TestOrderingAndPaging(t *testing.T) {
	env := fixture(t)
	stmt := "SELECT * FROM [nt:unstructured] WHERE ISCHILDNODE('/content') ORDER BY [n] DESC"
	assert.Equal(t, []string{"/content/b", "/content/a"}, paths(run(t, env, stmt, Options{}), 0))
	assert.Equal(t, []string{"/content/a"}, paths(run(t, env, stmt, Options{Offset: 1}), 0))
	assert.Equal(t, []string{"/content/b"}, paths(run(t, env, stmt, Options{Limit: 1}), 0))
	assert.Empty(t, run(t, env, stmt, Options{Offset: 5}).Rows)

	// nulls sort first ascending
	res := run(t, env, "SELECT * FROM [nt:unstructured] WHERE ISDESCENDANTNODE('/content') ORDER BY [n]", Options{})
	assert.Equal(t, []string{"/content/b/c", "/content/a", "/content/b"}, paths(res, 0))
}

func TestScoreOrdering(t *testing.T) {
	env := fixture(t)
	res := run(t, env, "SELECT * FROM [nt:unstructured] WHERE CONTAINS(*, 'world') ORDER BY SCORE() DESC", Options{})
	require.Len(t, res.Rows, 2)
	assert.GreaterOrEqual(t, res.Rows[0].Scores[0], res.Rows[1].Scores[0])
	assert.Positive(t, res.Rows[1].Scores[0])
}

func TestJoins(t *testing.T) {
	env := fixture(t)

	res := run(t, env, `SELECT * FROM [nt:unstructured] AS p
		INNER JOIN [nt:unstructured] AS c ON ISCHILDNODE(c, p)
		WHERE ISSAMENODE(p, '/content') ORDER BY NAME(c)`, Options{})
	assert.Equal(t, []string{"p", "c"}, res.Selectors)
	assert.Equal(t, []string{"/content/a", "/content/b"}, paths(res, 1))

	res = run(t, env, `SELECT * FROM [nt:unstructured] AS p
		LEFT OUTER JOIN [nt:unstructured] AS c ON ISCHILDNODE(c, p)
		WHERE ISCHILDNODE(p, '/content') ORDER BY NAME(p)`, Options{})
	require.Len(t, res.Rows, 2)
	assert.Equal(t, []string{"/content/a", "/content/b"}, paths(res, 0))
	assert.Equal(t, []string{"", "/content/b/c"}, paths(res, 1))

	res = run(t, env, `SELECT * FROM [nt:unstructured] AS x
		INNER JOIN [nt:unstructured] AS y ON x.[link] = y.[code]`, Options{})
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "/content/a", res.Rows[0].Paths[0])
	assert.Equal(t, "/content/b", res.Rows[0].Paths[1])

	res = run(t, env, `SELECT * FROM [nt:unstructured] AS d
		INNER JOIN [nt:unstructured] AS a ON ISDESCENDANTNODE(d, a)
		WHERE ISSAMENODE(d, '/content/b/c') ORDER BY [a].[jcr:path]`, Options{})
	assert.Equal(t, []string{"/", "/content", "/content/b"}, paths(res, 1))

	res = run(t, env, `SELECT * FROM [nt:unstructured] AS a
		INNER JOIN [nt:unstructured] AS b ON ISSAMENODE(a, b, 'c')
		WHERE ISSAMENODE(b, '/content/b')`, Options{})
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "/content/b/c", res.Rows[0].Paths[0])
}

func TestColumns(t *testing.T) {
	env := fixture(t)
	res := run(t, env, "SELECT [title], [n] AS num, [jcr:path] FROM [nt:unstructured] WHERE [n] = 3", Options{})
	require.Len(t, res.Columns, 3)
	assert.Equal(t, "title", res.Columns[0].ColumnName)
	assert.Equal(t, "num", res.Columns[1].ColumnName)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "Hello World", res.Rows[0].Values[0].Str)
	assert.Equal(t, "3", res.Rows[0].Values[1].Str)
	assert.Equal(t, "/content/a", res.Rows[0].Values[2].Str)

	res = run(t, env, "SELECT * FROM [nt:unstructured] WHERE [n] = 3", Options{})
	var names []string
	for _, c := range res.Columns {
		names = append(names, c.ColumnName)
	}
	assert.Equal(t, []string{core.JcrMixinTypes, core.JcrPrimaryType}, names)
	assert.Nil(t, res.Rows[0].Values[0])
	assert.Equal(t, core.NTUnstructured, res.Rows[0].Values[1].Str)
}

func TestBindVariables(t *testing.T) {
	env := fixture(t)
	m, err := ParseSQL2("SELECT * FROM [nt:unstructured] WHERE [n] = $num OR [title] = $num")
	require.NoError(t, err)
	assert.Equal(t, []string{"num"}, BindVariableNames(m))

	_, err = Execute(context.Background(), env, m, Options{})
	assert.ErrorIs(t, err, core.ErrInvalidQuery)

	res, err := Execute(context.Background(), env, m, Options{Bind: map[string]core.ValueData{"num": long("3")}})
	require.NoError(t, err)
	assert.Equal(t, []string{"/content/a"}, paths(res, 0))
}

func TestParseSQL2Model(t *testing.T) {
	m, err := ParseSQL2("SELECT n.[title] FROM [nt:unstructured] AS n WHERE n.[title] = 'x' AND NOT n.[a] IS NULL ORDER BY n.[title] DESC")
	require.NoError(t, err)
	assert.Equal(t, &Model{
		Source: Selector{NodeType: core.NTUnstructured, Name: "n"},
		Constraint: And{
			Comparison{PropertyValue{"n", "title"}, OpEqualTo, Literal{str("x")}},
			Not{Not{PropertyExistence{"n", "a"}}},
		},
		Orderings: []Ordering{{Operand: PropertyValue{"n", "title"}, Order: Descending}},
		Columns:   []Column{{Selector: "n", Property: "title", ColumnName: "title"}},
	}, m)
}

func TestParseSQL2Errors(t *testing.T) {
	for _, stmt := range []string{
		"",
		"SELECT * FROM",
		"SELECT * FROM [nt:base] WHERE",
		"SELECT x.title FROM [nt:base] AS y",
		"SELECT * FROM [nt:base] WHERE [a] = 'open",
		"SELECT * FROM [nt:base] AS a JOIN [nt:base] AS a ON ISCHILDNODE(a, a)",
		"SELECT * FROM [nt:base] AS a JOIN [nt:base] AS b ON ISCHILDNODE(a, b) WHERE [x] = 1",
		"SELECT * FROM [nt:base] WHERE CONTAINS(*, '')",
		"SELECT * FROM [nt:base] WHERE ISCHILDNODE('relative')",
		"SELECT * FROM [nt:base] WHERE [a] ~ 1",
		"SELECT * FROM [nt:base] extra stuff",
	} {
		_, err := ParseSQL2(stmt)
		assert.ErrorIs(t, err, core.ErrInvalidQuery, stmt)
	}
}

func TestUnknownNodeType(t *testing.T) {
	env := fixture(t)
	m, err := ParseSQL2("SELECT * FROM [ex:nothing]")
	require.NoError(t, err)
	_, err = Execute(context.Background(), env, m, Options{})
	assert.ErrorIs(t, err, core.ErrInvalidQuery)
}

func TestReadableFilter(t *testing.T) {
	env := fixture(t)
	env.Readable = func(path string) bool { return path != "/content/b" }
	res := run(t, env, "SELECT * FROM [nt:unstructured] WHERE ISDESCENDANTNODE('/content')", Options{})
	assert.NotContains(t, paths(res, 0), "/content/b")
	assert.Contains(t, paths(res, 0), "/content/b/c")
}
