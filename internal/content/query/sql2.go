package query

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/systemshift/contentrepo/internal/content/core"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokQuotedName // [name]
	tokString
	tokNumber
	tokPunct
	tokBind // $name
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(stmt string) ([]token, error) {
	const op = "query.ParseSQL2"
	var toks []token
	runes := []rune(stmt)
	for i := 0; i < len(runes); {
		r := runes[i]
		start := i
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '[':
			i++
			for i < len(runes) && runes[i] != ']' {
				i++
			}
			if i >= len(runes) {
				return nil, core.Errorf(core.ErrInvalidQuery, op, stmt, "unterminated [ at %d", start)
			}
			toks = append(toks, token{tokQuotedName, string(runes[start+1 : i]), start})
			i++
		case r == '\'' || r == '"':
			quote := r
			var b strings.Builder
			i++
			closed := false
			for i < len(runes) {
				if runes[i] == quote {
					if i+1 < len(runes) && runes[i+1] == quote {
						b.WriteRune(quote)
						i += 2
						continue
					}
					closed = true
					i++
					break
				}
				b.WriteRune(runes[i])
				i++
			}
			if !closed {
				return nil, core.Errorf(core.ErrInvalidQuery, op, stmt, "unterminated string at %d", start)
			}
			toks = append(toks, token{tokString, b.String(), start})
		case r == '$':
			i++
			for i < len(runes) && isIdentRune(runes[i]) {
				i++
			}
			if i == start+1 {
				return nil, core.Errorf(core.ErrInvalidQuery, op, stmt, "empty bind variable name at %d", start)
			}
			toks = append(toks, token{tokBind, string(runes[start+1 : i]), start})
		case unicode.IsDigit(r) || (r == '-' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			i++
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.' || runes[i] == 'e' || runes[i] == 'E') {
				i++
			}
			toks = append(toks, token{tokNumber, string(runes[start:i]), start})
		case isIdentRune(r):
			for i < len(runes) && isIdentRune(runes[i]) {
				i++
			}
			toks = append(toks, token{tokIdent, string(runes[start:i]), start})
		case r == '<' || r == '>' || r == '!':
			i++
			if i < len(runes) && (runes[i] == '=' || (r == '<' && runes[i] == '>')) {
				i++
			}
			toks = append(toks, token{tokPunct, string(runes[start:i]), start})
		case strings.ContainsRune("(),.*=", r):
			i++
			toks = append(toks, token{tokPunct, string(r), start})
		default:
			return nil, core.Errorf(core.ErrInvalidQuery, op, stmt, "unexpected %q at %d", r, start)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(runes)}), nil
}

func isIdentRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == ':' || r == '-'
}

type parser struct {
	stmt string
	toks []token
	pos  int
	// selector used for unqualified names; empty when there are several
	defaultSelector string
	selectors       []string
}

// ParseSQL2 parses a JCR-SQL2 statement into a model.
//
//	SELECT columns FROM source [WHERE constraint] [ORDER BY orderings]
//
// Joins (INNER, LEFT OUTER, RIGHT OUTER) with equi, ISSAMENODE, ISCHILDNODE
// and ISDESCENDANTNODE conditions are supported, as are CONTAINS, LIKE,
// IS [NOT] NULL, the path constraints, LENGTH, NAME, LOCALNAME, SCORE,
// LOWER, UPPER, CAST literals and $bind variables.
func ParseSQL2(stmt string) (*Model, error) {
	toks, err := lex(stmt)
	if err != nil {
		return nil, err
	}
	p := &parser{stmt: stmt, toks: toks}
	return p.query()
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(format string, args ...any) error {
	t := p.peek()
	where := "end of statement"
	if t.kind != tokEOF {
		where = strconv.Quote(t.text) + " at " + strconv.Itoa(t.pos)
	}
	return core.Errorf(core.ErrInvalidQuery, "query.ParseSQL2", p.stmt, format+" (near %s)", append(args, where)...)
}

func (p *parser) isKeyword(kw string) bool {
	t := p.peek()
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

func (p *parser) acceptKeyword(kws ...string) bool {
	save := p.pos
	for _, kw := range kws {
		if !p.isKeyword(kw) {
			p.pos = save
			return false
		}
		p.next()
	}
	return true
}

func (p *parser) expectKeyword(kws ...string) error {
	if !p.acceptKeyword(kws...) {
		return p.errorf("expected %s", strings.Join(kws, " "))
	}
	return nil
}

func (p *parser) isPunct(s string) bool {
	t := p.peek()
	return t.kind == tokPunct && t.text == s
}

func (p *parser) acceptPunct(s string) bool {
	if p.isPunct(s) {
		p.next()
		return true
	}
	return false
}

func (p *parser) expectPunct(s string) error {
	if !p.acceptPunct(s) {
		return p.errorf("expected %q", s)
	}
	return nil
}

var reserved = map[string]bool{
	"SELECT": true, "FROM": true, "WHERE": true, "ORDER": true, "BY": true, "AS": true,
	"JOIN": true, "INNER": true, "LEFT": true, "RIGHT": true, "OUTER": true, "ON": true,
	"AND": true, "OR": true, "NOT": true, "LIKE": true, "IS": true, "NULL": true,
	"ASC": true, "DESC": true,
}

// name reads an identifier or a [quoted name].
func (p *parser) name() (string, error) {
	t := p.peek()
	switch {
	case t.kind == tokQuotedName:
		p.next()
		return t.text, nil
	case t.kind == tokIdent && !reserved[strings.ToUpper(t.text)]:
		p.next()
		return t.text, nil
	}
	return "", p.errorf("expected a name")
}

func (p *parser) query() (*Model, error) {
	if err := p.expectKeyword("SELECT"); err != nil {
		return nil, err
	}
	// columns are parsed after the source is known
	colStart := p.pos
	for !p.isKeyword("FROM") {
		if p.peek().kind == tokEOF {
			return nil, p.errorf("expected FROM")
		}
		p.next()
	}
	colEnd := p.pos
	p.next()

	src, err := p.source()
	if err != nil {
		return nil, err
	}
	m := &Model{Source: src}
	p.selectors = SelectorNames(src)
	if len(p.selectors) == 1 {
		p.defaultSelector = p.selectors[0]
	}

	if p.acceptKeyword("WHERE") {
		if m.Constraint, err = p.or(); err != nil {
			return nil, err
		}
	}
	if p.acceptKeyword("ORDER", "BY") {
		for {
			o, err := p.ordering()
			if err != nil {
				return nil, err
			}
			m.Orderings = append(m.Orderings, o)
			if !p.acceptPunct(",") {
				break
			}
		}
	}
	if p.peek().kind != tokEOF {
		return nil, p.errorf("unexpected trailing input")
	}

	end := p.pos
	p.pos = colStart
	if m.Columns, err = p.columns(colEnd); err != nil {
		return nil, err
	}
	p.pos = end
	return m, nil
}

func (p *parser) columns(end int) ([]Column, error) {
	if p.pos < end && p.isPunct("*") {
		p.next()
		if p.pos != end {
			return nil, p.errorf("unexpected input after *")
		}
		return nil, nil
	}
	var out []Column
	for p.pos < end {
		sel, prop, err := p.qualified(true)
		if err != nil {
			return nil, err
		}
		c := Column{Selector: sel, Property: prop}
		if prop != "" {
			c.ColumnName = prop
			if len(p.selectors) > 1 {
				c.ColumnName = sel + "." + prop
			}
		}
		if p.acceptKeyword("AS") {
			if c.ColumnName, err = p.name(); err != nil {
				return nil, err
			}
		}
		out = append(out, c)
		if p.pos < end {
			if err := p.expectPunct(","); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// qualified reads [selector.]property. With star set "selector.*" is
// accepted and yields an empty property.
func (p *parser) qualified(star bool) (string, string, error) {
	if star && p.isPunct("*") {
		p.next()
		if p.defaultSelector == "" {
			return "", "", p.errorf("* needs a selector when there are several")
		}
		return p.defaultSelector, "", nil
	}
	first, err := p.name()
	if err != nil {
		return "", "", err
	}
	if p.acceptPunct(".") {
		if star && p.acceptPunct("*") {
			return first, "", p.checkSelector(first)
		}
		prop, err := p.name()
		if err != nil {
			return "", "", err
		}
		return first, prop, p.checkSelector(first)
	}
	if p.defaultSelector == "" {
		return "", "", p.errorf("property %s needs a selector", first)
	}
	return p.defaultSelector, first, nil
}

func (p *parser) checkSelector(name string) error {
	for _, s := range p.selectors {
		if s == name {
			return nil
		}
	}
	return core.Errorf(core.ErrInvalidQuery, "query.ParseSQL2", p.stmt, "unknown selector %s", name)
}

// selectorArg reads an optional leading selector argument of a function
// such as ISCHILDNODE([s,] path).
func (p *parser) selectorArg() (string, error) {
	if p.peek().kind == tokIdent || p.peek().kind == tokQuotedName {
		save := p.pos
		name, err := p.name()
		if err == nil && p.acceptPunct(",") {
			return name, p.checkSelector(name)
		}
		p.pos = save
	}
	if p.defaultSelector == "" {
		return "", p.errorf("a selector is required")
	}
	return p.defaultSelector, nil
}

func (p *parser) source() (Source, error) {
	left, err := p.selector()
	if err != nil {
		return nil, err
	}
	var src Source = left
	for {
		jt := InnerJoin
		switch {
		case p.acceptKeyword("INNER", "JOIN"), p.acceptKeyword("JOIN"):
		case p.acceptKeyword("LEFT", "OUTER", "JOIN"), p.acceptKeyword("LEFT", "JOIN"):
			jt = LeftOuterJoin
		case p.acceptKeyword("RIGHT", "OUTER", "JOIN"), p.acceptKeyword("RIGHT", "JOIN"):
			jt = RightOuterJoin
		default:
			return src, nil
		}
		right, err := p.selector()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("ON"); err != nil {
			return nil, err
		}
		j := Join{Left: src, Right: right, Type: jt}
		p.selectors = SelectorNames(j)
		if j.Condition, err = p.joinCondition(); err != nil {
			return nil, err
		}
		src = j
	}
}

func (p *parser) selector() (Selector, error) {
	nt, err := p.name()
	if err != nil {
		return Selector{}, err
	}
	s := Selector{NodeType: nt, Name: nt}
	if p.acceptKeyword("AS") {
		if s.Name, err = p.name(); err != nil {
			return Selector{}, err
		}
	} else if t := p.peek(); t.kind == tokQuotedName || (t.kind == tokIdent && !reserved[strings.ToUpper(t.text)]) {
		s.Name, _ = p.name()
	}
	for _, existing := range p.selectors {
		if existing == s.Name {
			return Selector{}, core.Errorf(core.ErrInvalidQuery, "query.ParseSQL2", p.stmt, "duplicate selector %s", s.Name)
		}
	}
	p.selectors = append(p.selectors, s.Name)
	return s, nil
}

func (p *parser) joinCondition() (JoinCondition, error) {
	switch {
	case p.acceptKeyword("ISSAMENODE"):
		args, err := p.args(2, 3)
		if err != nil {
			return nil, err
		}
		c := SameNodeJoin{Selector1: args[0], Selector2: args[1]}
		if len(args) == 3 {
			c.Selector2Path = args[2]
		}
		return c, p.checkSelectors(args[:2]...)
	case p.acceptKeyword("ISCHILDNODE"):
		args, err := p.args(2, 2)
		if err != nil {
			return nil, err
		}
		return ChildNodeJoin{ChildSelector: args[0], ParentSelector: args[1]}, p.checkSelectors(args...)
	case p.acceptKeyword("ISDESCENDANTNODE"):
		args, err := p.args(2, 2)
		if err != nil {
			return nil, err
		}
		return DescendantNodeJoin{DescendantSelector: args[0], AncestorSelector: args[1]}, p.checkSelectors(args...)
	}
	s1, p1, err := p.explicitProperty()
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct("="); err != nil {
		return nil, err
	}
	s2, p2, err := p.explicitProperty()
	if err != nil {
		return nil, err
	}
	return EquiJoin{Selector1: s1, Property1: p1, Selector2: s2, Property2: p2}, nil
}

func (p *parser) explicitProperty() (string, string, error) {
	sel, err := p.name()
	if err != nil {
		return "", "", err
	}
	if err := p.expectPunct("."); err != nil {
		return "", "", err
	}
	prop, err := p.name()
	if err != nil {
		return "", "", err
	}
	return sel, prop, p.checkSelector(sel)
}

func (p *parser) checkSelectors(names ...string) error {
	for _, n := range names {
		if err := p.checkSelector(n); err != nil {
			return err
		}
	}
	return nil
}

// args reads a parenthesised list of names or path strings.
func (p *parser) args(minN, maxN int) ([]string, error) {
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	var out []string
	for {
		t := p.peek()
		switch t.kind {
		case tokString:
			p.next()
			out = append(out, t.text)
		default:
			n, err := p.name()
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		if !p.acceptPunct(",") {
			break
		}
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	if len(out) < minN || len(out) > maxN {
		return nil, p.errorf("wrong number of arguments")
	}
	return out, nil
}

func (p *parser) or() (Constraint, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("OR") {
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = Or{left, right}
	}
	return left, nil
}

func (p *parser) and() (Constraint, error) {
	left, err := p.not()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("AND") {
		right, err := p.not()
		if err != nil {
			return nil, err
		}
		left = And{left, right}
	}
	return left, nil
}

func (p *parser) not() (Constraint, error) {
	if p.acceptKeyword("NOT") {
		c, err := p.not()
		if err != nil {
			return nil, err
		}
		return Not{c}, nil
	}
	return p.primary()
}

func (p *parser) primary() (Constraint, error) {
	if p.acceptPunct("(") {
		c, err := p.or()
		if err != nil {
			return nil, err
		}
		return c, p.expectPunct(")")
	}
	switch {
	case p.acceptKeyword("CONTAINS"):
		return p.contains()
	case p.acceptKeyword("ISSAMENODE"):
		sel, path, err := p.pathConstraint()
		return SameNode{Selector: sel, Path: path}, err
	case p.acceptKeyword("ISCHILDNODE"):
		sel, path, err := p.pathConstraint()
		return ChildNode{Selector: sel, ParentPath: path}, err
	case p.acceptKeyword("ISDESCENDANTNODE"):
		sel, path, err := p.pathConstraint()
		return DescendantNode{Selector: sel, AncestorPath: path}, err
	}

	d, err := p.dynamic()
	if err != nil {
		return nil, err
	}
	if p.acceptKeyword("IS") {
		negate := p.acceptKeyword("NOT")
		if err := p.expectKeyword("NULL"); err != nil {
			return nil, err
		}
		pv, ok := d.(PropertyValue)
		if !ok {
			return nil, p.errorf("IS NULL needs a property")
		}
		var c Constraint = PropertyExistence{Selector: pv.Selector, Property: pv.Property}
		if !negate {
			c = Not{c}
		}
		return c, nil
	}
	var opr Operator
	switch {
	case p.acceptKeyword("LIKE"):
		opr = OpLike
	case p.acceptKeyword("NOT", "LIKE"):
		s, err := p.static()
		if err != nil {
			return nil, err
		}
		return Not{Comparison{d, OpLike, s}}, nil
	default:
		t := p.peek()
		var ok bool
		if opr, ok = comparisonOps[t.text]; !ok || t.kind != tokPunct {
			return nil, p.errorf("expected a comparison operator")
		}
		p.next()
	}
	s, err := p.static()
	if err != nil {
		return nil, err
	}
	return Comparison{d, opr, s}, nil
}

var comparisonOps = map[string]Operator{
	"=": OpEqualTo, "<>": OpNotEqualTo, "!=": OpNotEqualTo, "<": OpLessThan,
	"<=": OpLessThanOrEqualTo, ">": OpGreaterThan, ">=": OpGreaterThanOrEqualTo,
}

func (p *parser) contains() (Constraint, error) {
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	sel, prop, err := p.qualified(true)
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct(","); err != nil {
		return nil, err
	}
	expr, err := p.static()
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	if lit, ok := expr.(Literal); ok {
		if _, err := ParseFullText(lit.Value.Text()); err != nil {
			return nil, err
		}
	}
	return FullTextSearch{Selector: sel, Property: prop, Expression: expr}, nil
}

func (p *parser) pathConstraint() (string, string, error) {
	if err := p.expectPunct("("); err != nil {
		return "", "", err
	}
	sel, err := p.selectorArg()
	if err != nil {
		return "", "", err
	}
	var path string
	switch t := p.peek(); t.kind {
	case tokString, tokQuotedName:
		p.next()
		path = t.text
	default:
		return "", "", p.errorf("expected a path")
	}
	if _, err := core.ParseAbsPath(path); err != nil {
		return "", "", core.Wrap(core.ErrInvalidQuery, "query.ParseSQL2", path, err)
	}
	return sel, path, p.expectPunct(")")
}

func (p *parser) dynamic() (DynamicOperand, error) {
	fn := func(kw string) bool {
		save := p.pos
		if p.acceptKeyword(kw) && p.isPunct("(") {
			return true
		}
		p.pos = save
		return false
	}
	switch {
	case fn("LENGTH"):
		p.next()
		sel, prop, err := p.qualified(false)
		if err != nil {
			return nil, err
		}
		return Length{PropertyValue{sel, prop}}, p.expectPunct(")")
	case fn("NAME"), fn("LOCALNAME"), fn("SCORE"):
		kw := strings.ToUpper(p.toks[p.pos-1].text)
		p.next()
		sel := p.defaultSelector
		if !p.isPunct(")") {
			var err error
			if sel, err = p.name(); err != nil {
				return nil, err
			}
			if err := p.checkSelector(sel); err != nil {
				return nil, err
			}
		} else if sel == "" {
			return nil, p.errorf("%s needs a selector", kw)
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		switch kw {
		case "NAME":
			return NodeName{sel}, nil
		case "LOCALNAME":
			return NodeLocalName{sel}, nil
		}
		return FullTextSearchScore{sel}, nil
	case fn("LOWER"), fn("UPPER"):
		kw := strings.ToUpper(p.toks[p.pos-1].text)
		p.next()
		inner, err := p.dynamic()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		if kw == "LOWER" {
			return LowerCase{inner}, nil
		}
		return UpperCase{inner}, nil
	}
	sel, prop, err := p.qualified(false)
	if err != nil {
		return nil, err
	}
	return PropertyValue{sel, prop}, nil
}

func (p *parser) static() (StaticOperand, error) {
	t := p.peek()
	switch {
	case t.kind == tokBind:
		p.next()
		return BindVariable{t.text}, nil
	case t.kind == tokString:
		p.next()
		return Literal{core.ValueData{Type: core.TypeString, Str: t.text}}, nil
	case t.kind == tokNumber:
		p.next()
		typ := core.TypeLong
		if strings.ContainsAny(t.text, ".eE") {
			typ = core.TypeDouble
		}
		d, err := core.Convert(core.ValueData{Type: core.TypeString, Str: t.text}, typ)
		if err != nil {
			return nil, core.Wrap(core.ErrInvalidQuery, "query.ParseSQL2", t.text, err)
		}
		return Literal{d}, nil
	case p.isKeyword("TRUE"), p.isKeyword("FALSE"):
		p.next()
		return Literal{core.ValueData{Type: core.TypeBoolean, Str: strings.ToLower(t.text)}}, nil
	case p.isKeyword("CAST"):
		p.next()
		if err := p.expectPunct("("); err != nil {
			return nil, err
		}
		lit := p.peek()
		if lit.kind != tokString && lit.kind != tokNumber {
			return nil, p.errorf("CAST needs a literal")
		}
		p.next()
		if err := p.expectKeyword("AS"); err != nil {
			return nil, err
		}
		tn := p.next()
		typ, err := core.ValueFromName(tn.text)
		if err != nil {
			typ, err = typeFromUpper(tn.text)
		}
		if err != nil {
			return nil, core.Wrap(core.ErrInvalidQuery, "query.ParseSQL2", tn.text, err)
		}
		d, err := core.Convert(core.ValueData{Type: core.TypeString, Str: lit.text}, typ)
		if err != nil {
			return nil, core.Wrap(core.ErrInvalidQuery, "query.ParseSQL2", lit.text, err)
		}
		return Literal{d}, p.expectPunct(")")
	}
	return nil, p.errorf("expected a literal or bind variable")
}

// typeFromUpper accepts type names in any case, e.g. DATE or date.
func typeFromUpper(name string) (core.PropertyType, error) {
	for code := 1; code <= 12; code++ {
		n, _ := core.NameFromValue(code)
		if strings.EqualFold(n, name) {
			return core.PropertyType(code), nil
		}
	}
	return 0, core.Errorf(core.ErrInvalidQuery, "query.ParseSQL2", name, "unknown property type")
}

func (p *parser) ordering() (Ordering, error) {
	d, err := p.dynamic()
	if err != nil {
		return Ordering{}, err
	}
	o := Ordering{Operand: d}
	switch {
	case p.acceptKeyword("DESC"):
		o.Order = Descending
	default:
		p.acceptKeyword("ASC")
	}
	return o, nil
}
