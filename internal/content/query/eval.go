package query

import (
	"context"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/systemshift/contentrepo/internal/content/core"
	"github.com/systemshift/contentrepo/internal/content/nodetype"
	"github.com/systemshift/contentrepo/internal/content/store"
)

// Env is the state a query runs against. View may include a session's
// transient changes.
type Env struct {
	View      store.View
	Workspace string
	Types     *nodetype.Registry
	// Readable hides nodes the caller may not read. Nil admits every node.
	Readable func(path string) bool
}

// Options carry bind values and paging.
type Options struct {
	Bind   map[string]core.ValueData
	Limit  int // 0 means no limit
	Offset int
}

// Row is one result tuple. NodeIDs, Paths and Scores are indexed like
// Result.Selectors; an empty id marks the missing side of an outer join.
// Values are indexed like Result.Columns; nil is a null value.
type Row struct {
	NodeIDs []string
	Paths   []string
	Scores  []float64
	Values  []*core.ValueData
}

// Result is the outcome of Execute.
type Result struct {
	Columns   []Column
	Selectors []string
	Rows      []Row
}

// Pseudo-properties available to columns and constraints.
const (
	pseudoPath  = core.JcrPath
	pseudoScore = core.JcrScore
)

type nodeInfo struct {
	rec  *store.NodeRecord
	path core.Path
	str  string
	eff  *nodetype.Effective
}

type tuple struct {
	nodes  []*nodeInfo
	scores []float64
}

type evaluator struct {
	ctx    context.Context
	env    Env
	opts   Options
	model  *Model
	sels   []Selector
	selIdx map[string]int
	nodes  []*nodeInfo
	byPath map[string]*nodeInfo
	ft     map[string]*FullTextExpr
	like   map[string]*regexp.Regexp
	// full-text constraints per selector, for SCORE()
	ftBySel map[int][]FullTextSearch
	steps   int
}

// Execute evaluates m.
func Execute(ctx context.Context, env Env, m *Model, opts Options) (*Result, error) {
	const op = "query.Execute"
	if m == nil || m.Source == nil {
		return nil, core.Errorf(core.ErrInvalidQuery, op, "", "query has no source")
	}
	if !env.View.HasWorkspace(env.Workspace) {
		return nil, core.Errorf(core.ErrNoSuchWorkspace, op, env.Workspace, "workspace does not exist")
	}
	for _, name := range BindVariableNames(m) {
		if _, ok := opts.Bind[name]; !ok {
			return nil, core.Errorf(core.ErrInvalidQuery, op, name, "no value bound to $%s", name)
		}
	}
	e := &evaluator{
		ctx:     ctx,
		env:     env,
		opts:    opts,
		model:   m,
		sels:    selectors(m.Source),
		selIdx:  make(map[string]int),
		byPath:  make(map[string]*nodeInfo),
		ft:      make(map[string]*FullTextExpr),
		like:    make(map[string]*regexp.Regexp),
		ftBySel: make(map[int][]FullTextSearch),
	}
	for i, s := range e.sels {
		if _, dup := e.selIdx[s.Name]; dup {
			return nil, core.Errorf(core.ErrInvalidQuery, op, s.Name, "duplicate selector")
		}
		if !env.Types.Has(s.NodeType) {
			return nil, core.Errorf(core.ErrInvalidQuery, op, s.NodeType, "unknown node type in selector %s", s.Name)
		}
		e.selIdx[s.Name] = i
	}
	if err := e.checkSelectors(); err != nil {
		return nil, err
	}
	if err := e.index(); err != nil {
		return nil, err
	}

	tuples, err := e.source(m.Source)
	if err != nil {
		return nil, err
	}
	kept := tuples[:0]
	for _, t := range tuples {
		if err := e.tick(); err != nil {
			return nil, err
		}
		e.score(t)
		ok, err := e.constraint(m.Constraint, t)
		if err != nil {
			return nil, err
		}
		if ok {
			kept = append(kept, t)
		}
	}
	if err := e.order(kept); err != nil {
		return nil, err
	}
	if opts.Offset > 0 {
		kept = kept[min(opts.Offset, len(kept)):]
	}
	if opts.Limit > 0 && len(kept) > opts.Limit {
		kept = kept[:opts.Limit]
	}

	res := &Result{Columns: e.columns(), Selectors: SelectorNames(m.Source)}
	for _, t := range kept {
		row := Row{
			NodeIDs: make([]string, len(t.nodes)),
			Paths:   make([]string, len(t.nodes)),
			Scores:  t.scores,
			Values:  make([]*core.ValueData, len(res.Columns)),
		}
		for i, n := range t.nodes {
			if n != nil {
				row.NodeIDs[i] = n.rec.ID
				row.Paths[i] = n.str
			}
		}
		for i, c := range res.Columns {
			if vals := e.propertyValues(t, c.Selector, c.Property); len(vals) > 0 {
				v := vals[0]
				row.Values[i] = &v
			}
		}
		res.Rows = append(res.Rows, row)
	}
	return res, nil
}

func (e *evaluator) tick() error {
	e.steps++
	if e.steps%1024 == 0 {
		return e.ctx.Err()
	}
	return nil
}

// checkSelectors verifies that every selector name used by the constraint,
// orderings and columns exists, and collects full-text constraints.
func (e *evaluator) checkSelectors() error {
	var bad string
	use := func(name string) {
		if _, ok := e.selIdx[name]; !ok && bad == "" {
			bad = name
		}
	}
	var dyn func(d DynamicOperand)
	dyn = func(d DynamicOperand) {
		switch x := d.(type) {
		case PropertyValue:
			use(x.Selector)
		case Length:
			use(x.PropertyValue.Selector)
		case NodeName:
			use(x.Selector)
		case NodeLocalName:
			use(x.Selector)
		case FullTextSearchScore:
			use(x.Selector)
		case LowerCase:
			dyn(x.Operand)
		case UpperCase:
			dyn(x.Operand)
		}
	}
	var walk func(c Constraint)
	walk = func(c Constraint) {
		switch x := c.(type) {
		case And:
			walk(x.Constraint1)
			walk(x.Constraint2)
		case Or:
			walk(x.Constraint1)
			walk(x.Constraint2)
		case Not:
			walk(x.Constraint)
		case Comparison:
			dyn(x.Operand1)
		case PropertyExistence:
			use(x.Selector)
		case FullTextSearch:
			use(x.Selector)
			if i, ok := e.selIdx[x.Selector]; ok {
				e.ftBySel[i] = append(e.ftBySel[i], x)
			}
		case SameNode:
			use(x.Selector)
		case ChildNode:
			use(x.Selector)
		case DescendantNode:
			use(x.Selector)
		}
	}
	walk(e.model.Constraint)
	for _, o := range e.model.Orderings {
		dyn(o.Operand)
	}
	for _, c := range e.model.Columns {
		use(c.Selector)
	}
	if j, ok := e.model.Source.(Join); ok {
		e.joinSelectors(j, use)
	}
	if bad != "" {
		return core.Errorf(core.ErrInvalidQuery, "query.Execute", bad, "unknown selector")
	}
	return nil
}

func (e *evaluator) joinSelectors(j Join, use func(string)) {
	switch c := j.Condition.(type) {
	case EquiJoin:
		use(c.Selector1)
		use(c.Selector2)
	case SameNodeJoin:
		use(c.Selector1)
		use(c.Selector2)
	case ChildNodeJoin:
		use(c.ChildSelector)
		use(c.ParentSelector)
	case DescendantNodeJoin:
		use(c.DescendantSelector)
		use(c.AncestorSelector)
	}
	if l, ok := j.Left.(Join); ok {
		e.joinSelectors(l, use)
	}
	if r, ok := j.Right.(Join); ok {
		e.joinSelectors(r, use)
	}
}

// index walks the workspace once, computing paths and effective types.
func (e *evaluator) index() error {
	v, ws := e.env.View, e.env.Workspace
	stack := []core.Segment{}
	indexOf := make(map[string]int)
	return store.Walk(v, ws, core.RootID, func(n *store.NodeRecord, depth int) error {
		if err := e.tick(); err != nil {
			return err
		}
		if depth > 0 {
			stack = append(stack[:depth-1], core.Segment{Name: n.Name, Index: indexOf[n.ID]})
		} else {
			stack = stack[:0]
		}
		counts := make(map[string]int, len(n.Children))
		for _, cid := range n.Children {
			if c, ok := v.Node(ws, cid); ok {
				counts[c.Name]++
				if counts[c.Name] > 1 {
					indexOf[cid] = counts[c.Name]
				}
			}
		}
		p := core.Path{Absolute: true, Segments: slices.Clone(stack)}
		info := &nodeInfo{rec: n, path: p, str: p.String()}
		if eff, err := e.env.Types.Effective(n.PrimaryType, n.Mixins); err == nil {
			info.eff = eff
		}
		if e.env.Readable != nil && !e.env.Readable(info.str) {
			return nil
		}
		e.nodes = append(e.nodes, info)
		e.byPath[info.str] = info
		return nil
	})
}

func (e *evaluator) source(src Source) ([]*tuple, error) {
	switch s := src.(type) {
	case Selector:
		idx := e.selIdx[s.Name]
		var out []*tuple
		for _, n := range e.nodes {
			if n.eff == nil || !n.eff.IsNodeType(s.NodeType) {
				continue
			}
			t := e.newTuple()
			t.nodes[idx] = n
			out = append(out, t)
		}
		return out, nil
	case Join:
		left, err := e.source(s.Left)
		if err != nil {
			return nil, err
		}
		right, err := e.source(s.Right)
		if err != nil {
			return nil, err
		}
		return e.join(s, left, right)
	}
	return nil, core.Errorf(core.ErrInvalidQuery, "query.Execute", "", "unknown source %T", src)
}

func (e *evaluator) newTuple() *tuple {
	return &tuple{nodes: make([]*nodeInfo, len(e.sels)), scores: make([]float64, len(e.sels))}
}

func merge(a, b *tuple) *tuple {
	out := &tuple{nodes: slices.Clone(a.nodes), scores: slices.Clone(a.scores)}
	for i, n := range b.nodes {
		if n != nil {
			out.nodes[i] = n
		}
	}
	return out
}

func (e *evaluator) join(j Join, left, right []*tuple) ([]*tuple, error) {
	var out []*tuple
	outer, inner := left, right
	if j.Type == RightOuterJoin {
		outer, inner = right, left
	}
	for _, o := range outer {
		matched := false
		for _, i := range inner {
			if err := e.tick(); err != nil {
				return nil, err
			}
			t := merge(o, i)
			if e.joinMatches(j.Condition, t) {
				out = append(out, t)
				matched = true
			}
		}
		if !matched && j.Type != InnerJoin {
			out = append(out, o)
		}
	}
	return out, nil
}

func (e *evaluator) node(t *tuple, sel string) *nodeInfo {
	i, ok := e.selIdx[sel]
	if !ok {
		return nil
	}
	return t.nodes[i]
}

func (e *evaluator) joinMatches(c JoinCondition, t *tuple) bool {
	switch x := c.(type) {
	case EquiJoin:
		for _, a := range e.propertyValues(t, x.Selector1, x.Property1) {
			for _, b := range e.propertyValues(t, x.Selector2, x.Property2) {
				if cmp, err := core.Compare(a, b); err == nil && cmp == 0 {
					return true
				}
			}
		}
	case SameNodeJoin:
		n1, n2 := e.node(t, x.Selector1), e.node(t, x.Selector2)
		if n1 == nil || n2 == nil {
			return false
		}
		if x.Selector2Path == "" {
			return n1 == n2
		}
		p, err := core.ResolvePath(n2.str, x.Selector2Path)
		return err == nil && p.String() == n1.str
	case ChildNodeJoin:
		c, p := e.node(t, x.ChildSelector), e.node(t, x.ParentSelector)
		return c != nil && p != nil && c.rec.ParentID == p.rec.ID
	case DescendantNodeJoin:
		d, a := e.node(t, x.DescendantSelector), e.node(t, x.AncestorSelector)
		return d != nil && a != nil && d.path.IsDescendantOf(a.path)
	}
	return false
}

func (e *evaluator) bound(s StaticOperand) (core.ValueData, error) {
	switch x := s.(type) {
	case Literal:
		return x.Value, nil
	case BindVariable:
		v, ok := e.opts.Bind[x.Name]
		if !ok {
			return core.ValueData{}, core.Errorf(core.ErrInvalidQuery, "query.Execute", x.Name, "no value bound to $%s", x.Name)
		}
		return v, nil
	}
	return core.ValueData{}, core.Errorf(core.ErrInvalidQuery, "query.Execute", "", "unknown static operand %T", s)
}

func (e *evaluator) constraint(c Constraint, t *tuple) (bool, error) {
	switch x := c.(type) {
	case nil:
		return true, nil
	case And:
		ok, err := e.constraint(x.Constraint1, t)
		if err != nil || !ok {
			return false, err
		}
		return e.constraint(x.Constraint2, t)
	case Or:
		ok, err := e.constraint(x.Constraint1, t)
		if err != nil || ok {
			return ok, err
		}
		return e.constraint(x.Constraint2, t)
	case Not:
		ok, err := e.constraint(x.Constraint, t)
		return !ok, err
	case Comparison:
		return e.compare(x, t)
	case PropertyExistence:
		n := e.node(t, x.Selector)
		if n == nil {
			return false, nil
		}
		_, ok := n.rec.Property(x.Property)
		return ok, nil
	case FullTextSearch:
		ok, _, err := e.fullText(x, t)
		return ok, err
	case SameNode:
		n := e.node(t, x.Selector)
		p, err := core.ParseAbsPath(x.Path)
		if err != nil {
			return false, core.Wrap(core.ErrInvalidQuery, "query.Execute", x.Path, err)
		}
		return n != nil && n.path.Equal(p), nil
	case ChildNode:
		n := e.node(t, x.Selector)
		p, err := core.ParseAbsPath(x.ParentPath)
		if err != nil {
			return false, core.Wrap(core.ErrInvalidQuery, "query.Execute", x.ParentPath, err)
		}
		if n == nil || n.path.IsRoot() {
			return false, nil
		}
		parent, _ := n.path.Parent()
		return parent.Equal(p), nil
	case DescendantNode:
		n := e.node(t, x.Selector)
		p, err := core.ParseAbsPath(x.AncestorPath)
		if err != nil {
			return false, core.Wrap(core.ErrInvalidQuery, "query.Execute", x.AncestorPath, err)
		}
		return n != nil && n.path.IsDescendantOf(p), nil
	}
	return false, core.Errorf(core.ErrInvalidQuery, "query.Execute", "", "unknown constraint %T", c)
}

func (e *evaluator) compare(c Comparison, t *tuple) (bool, error) {
	want, err := e.bound(c.Operand2)
	if err != nil {
		return false, err
	}
	for _, v := range e.dynamicValues(c.Operand1, t) {
		if c.Operator == OpLike {
			s, err := core.Convert(v, core.TypeString)
			if err == nil && e.likeRegexp(want.Text()).MatchString(s.Text()) {
				return true, nil
			}
			continue
		}
		cmp, err := core.Compare(v, want)
		if err != nil {
			// a value that cannot be compared never satisfies
			continue
		}
		if satisfies(c.Operator, cmp) {
			return true, nil
		}
	}
	return false, nil
}

func satisfies(op Operator, cmp int) bool {
	switch op {
	case OpEqualTo:
		return cmp == 0
	case OpNotEqualTo:
		return cmp != 0
	case OpLessThan:
		return cmp < 0
	case OpLessThanOrEqualTo:
		return cmp <= 0
	case OpGreaterThan:
		return cmp > 0
	case OpGreaterThanOrEqualTo:
		return cmp >= 0
	}
	return false
}

func (e *evaluator) fullText(f FullTextSearch, t *tuple) (bool, float64, error) {
	n := e.node(t, f.Selector)
	if n == nil {
		return false, 0, nil
	}
	expr, err := e.bound(f.Expression)
	if err != nil {
		return false, 0, err
	}
	text := expr.Text()
	ft, ok := e.ft[text]
	if !ok {
		if ft, err = ParseFullText(text); err != nil {
			return false, 0, err
		}
		e.ft[text] = ft
	}
	matched, score := ft.Match(e.searchableText(n, f.Property))
	return matched, score, nil
}

// searchableText joins the text of the node's full-text searchable
// properties, or of one property when name is set.
func (e *evaluator) searchableText(n *nodeInfo, name string) string {
	var b strings.Builder
	add := func(p store.PropertyRecord) {
		for _, v := range p.Values {
			b.WriteString(v.Text())
			b.WriteByte(' ')
		}
	}
	if name != "" {
		if p, ok := n.rec.Property(name); ok && p.Type != core.TypeBinary {
			add(p)
		}
		return b.String()
	}
	names := make([]string, 0, len(n.rec.Properties))
	for k := range n.rec.Properties {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		p := n.rec.Properties[k]
		if p.Type != core.TypeString && p.Type != core.TypeURI {
			continue
		}
		if n.eff != nil {
			if def, err := n.eff.PropertyDefinition(k, p.Type, p.Multiple); err == nil && !def.FullTextSearchable() {
				continue
			}
		}
		add(p)
	}
	return b.String()
}

// score fills in the full-text score of every selector of t. Selectors
// without full-text constraints score 1.
func (e *evaluator) score(t *tuple) {
	for i, n := range t.nodes {
		if n == nil {
			t.scores[i] = 0
			continue
		}
		fts := e.ftBySel[i]
		if len(fts) == 0 {
			t.scores[i] = 1
			continue
		}
		var total float64
		for _, f := range fts {
			if ok, s, err := e.fullText(f, t); err == nil && ok {
				total += s
			}
		}
		t.scores[i] = total
	}
}

func (e *evaluator) propertyValues(t *tuple, sel, prop string) []core.ValueData {
	n := e.node(t, sel)
	if n == nil {
		return nil
	}
	switch prop {
	case pseudoPath:
		return []core.ValueData{{Type: core.TypePath, Str: n.str}}
	case pseudoScore:
		s := t.scores[e.selIdx[sel]]
		return []core.ValueData{{Type: core.TypeDouble, Str: strconv.FormatFloat(s, 'g', -1, 64)}}
	}
	p, ok := n.rec.Property(prop)
	if !ok {
		return nil
	}
	return p.Values
}

func (e *evaluator) dynamicValues(d DynamicOperand, t *tuple) []core.ValueData {
	switch x := d.(type) {
	case PropertyValue:
		return e.propertyValues(t, x.Selector, x.Property)
	case Length:
		vals := e.propertyValues(t, x.PropertyValue.Selector, x.PropertyValue.Property)
		out := make([]core.ValueData, len(vals))
		for i, v := range vals {
			out[i] = core.ValueData{Type: core.TypeLong, Str: strconv.FormatInt(v.Length(), 10)}
		}
		return out
	case NodeName:
		if n := e.node(t, x.Selector); n != nil {
			return []core.ValueData{{Type: core.TypeName, Str: n.rec.Name}}
		}
	case NodeLocalName:
		if n := e.node(t, x.Selector); n != nil {
			return []core.ValueData{{Type: core.TypeString, Str: core.LocalName(n.rec.Name)}}
		}
	case FullTextSearchScore:
		if n := e.node(t, x.Selector); n != nil {
			s := t.scores[e.selIdx[x.Selector]]
			return []core.ValueData{{Type: core.TypeDouble, Str: strconv.FormatFloat(s, 'g', -1, 64)}}
		}
	case LowerCase:
		return mapText(e.dynamicValues(x.Operand, t), strings.ToLower)
	case UpperCase:
		return mapText(e.dynamicValues(x.Operand, t), strings.ToUpper)
	}
	return nil
}

func mapText(vals []core.ValueData, fn func(string) string) []core.ValueData {
	out := make([]core.ValueData, 0, len(vals))
	for _, v := range vals {
		out = append(out, core.ValueData{Type: core.TypeString, Str: fn(v.Text())})
	}
	return out
}

// order sorts tuples by the model's orderings. Null values sort first in
// ascending order.
func (e *evaluator) order(ts []*tuple) error {
	if len(e.model.Orderings) == 0 {
		return nil
	}
	type keyed struct {
		t    *tuple
		keys []*core.ValueData
	}
	ks := make([]keyed, len(ts))
	for i, t := range ts {
		ks[i].t = t
		for _, o := range e.model.Orderings {
			var k *core.ValueData
			if vals := e.dynamicValues(o.Operand, t); len(vals) > 0 {
				k = &vals[0]
			}
			ks[i].keys = append(ks[i].keys, k)
		}
	}
	sort.SliceStable(ks, func(i, j int) bool {
		for n, o := range e.model.Orderings {
			c := compareKeys(ks[i].keys[n], ks[j].keys[n])
			if o.Order == Descending {
				c = -c
			}
			if c != 0 {
				return c < 0
			}
		}
		return false
	})
	for i := range ks {
		ts[i] = ks[i].t
	}
	return nil
}

func compareKeys(a, b *core.ValueData) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if c, err := core.Compare(*a, *b); err == nil {
		return c
	}
	return strings.Compare(a.Text(), b.Text())
}

// columns resolves the model's columns; a column without a property stands
// for every named property definition of its selector's node type.
func (e *evaluator) columns() []Column {
	cols := e.model.Columns
	if len(cols) == 0 {
		for _, s := range e.sels {
			cols = append(cols, Column{Selector: s.Name})
		}
	}
	var out []Column
	for _, c := range cols {
		if c.Property != "" {
			if c.ColumnName == "" {
				c.ColumnName = c.Property
				if len(e.sels) > 1 {
					c.ColumnName = c.Selector + "." + c.Property
				}
			}
			out = append(out, c)
			continue
		}
		sel := e.sels[e.selIdx[c.Selector]]
		nt, err := e.env.Types.Get(sel.NodeType)
		if err != nil {
			continue
		}
		var names []string
		for _, d := range nt.PropertyDefinitions() {
			if !d.IsResidual() && !slices.Contains(names, d.Name) {
				names = append(names, d.Name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			col := Column{Selector: c.Selector, Property: name, ColumnName: name}
			if len(e.sels) > 1 {
				col.ColumnName = c.Selector + "." + name
			}
			out = append(out, col)
		}
	}
	return out
}
