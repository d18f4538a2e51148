// Package query evaluates queries over a workspace. A query is a Model
// built from the query object model types below, either directly or by
// parsing a JCR-SQL2 statement.
package query

import (
	"github.com/systemshift/contentrepo/internal/content/core"
)

// Query languages.
const (
	LanguageSQL2 = "JCR-SQL2"
	LanguageQOM  = "JCR-JQOM"
)

// Model is a complete query.
type Model struct {
	Source     Source
	Constraint Constraint // nil selects every tuple
	Orderings  []Ordering
	Columns    []Column
}

// Source is one of Selector or Join.
type Source interface {
	source()
}

// Selector selects the nodes of a node type.
type Selector struct {
	NodeType string
	Name     string
}

// JoinType is the kind of a join.
type JoinType int

const (
	InnerJoin JoinType = iota
	LeftOuterJoin
	RightOuterJoin
)

func (j JoinType) String() string {
	switch j {
	case LeftOuterJoin:
		return "LEFT OUTER"
	case RightOuterJoin:
		return "RIGHT OUTER"
	}
	return "INNER"
}

// Join combines two sources.
type Join struct {
	Left      Source
	Right     Source
	Type      JoinType
	Condition JoinCondition
}

func (Selector) source() {}
func (Join) source()     {}

// JoinCondition is one of EquiJoin, SameNodeJoin, ChildNodeJoin or
// DescendantNodeJoin.
type JoinCondition interface {
	joinCondition()
}

// EquiJoin matches tuples whose properties are equal.
type EquiJoin struct {
	Selector1, Property1 string
	Selector2, Property2 string
}

// SameNodeJoin matches when Selector1's node is the node at Selector2Path
// relative to Selector2's node (the node itself when the path is empty).
type SameNodeJoin struct {
	Selector1, Selector2 string
	Selector2Path        string
}

// ChildNodeJoin matches a child with its parent.
type ChildNodeJoin struct {
	ChildSelector, ParentSelector string
}

// DescendantNodeJoin matches a descendant with any of its ancestors.
type DescendantNodeJoin struct {
	DescendantSelector, AncestorSelector string
}

func (EquiJoin) joinCondition()           {}
func (SameNodeJoin) joinCondition()       {}
func (ChildNodeJoin) joinCondition()      {}
func (DescendantNodeJoin) joinCondition() {}

// Constraint is one of And, Or, Not, Comparison, PropertyExistence,
// FullTextSearch, SameNode, ChildNode or DescendantNode.
type Constraint interface {
	constraint()
}

type And struct{ Constraint1, Constraint2 Constraint }
type Or struct{ Constraint1, Constraint2 Constraint }
type Not struct{ Constraint Constraint }

// Operator is a comparison operator.
type Operator int

const (
	OpEqualTo Operator = iota
	OpNotEqualTo
	OpLessThan
	OpLessThanOrEqualTo
	OpGreaterThan
	OpGreaterThanOrEqualTo
	OpLike
)

var operatorText = [...]string{"=", "<>", "<", "<=", ">", ">=", "LIKE"}

func (o Operator) String() string {
	if int(o) < len(operatorText) {
		return operatorText[o]
	}
	return "?"
}

// Comparison compares a dynamic operand with a static one.
type Comparison struct {
	Operand1 DynamicOperand
	Operator Operator
	Operand2 StaticOperand
}

// PropertyExistence holds when the selector's node has the property.
type PropertyExistence struct {
	Selector, Property string
}

// FullTextSearch holds when the node (or one property, when Property is
// set) matches the search expression.
type FullTextSearch struct {
	Selector   string
	Property   string
	Expression StaticOperand
}

// SameNode holds when the selector's node is at Path.
type SameNode struct {
	Selector, Path string
}

// ChildNode holds when the selector's node is a child of ParentPath.
type ChildNode struct {
	Selector, ParentPath string
}

// DescendantNode holds when the selector's node is below AncestorPath.
type DescendantNode struct {
	Selector, AncestorPath string
}

func (And) constraint()               {}
func (Or) constraint()                {}
func (Not) constraint()               {}
func (Comparison) constraint()        {}
func (PropertyExistence) constraint() {}
func (FullTextSearch) constraint()    {}
func (SameNode) constraint()          {}
func (ChildNode) constraint()         {}
func (DescendantNode) constraint()    {}

// DynamicOperand is one of PropertyValue, Length, NodeName, NodeLocalName,
// FullTextSearchScore, LowerCase or UpperCase.
type DynamicOperand interface {
	dynamicOperand()
}

type PropertyValue struct{ Selector, Property string }
type Length struct{ PropertyValue PropertyValue }
type NodeName struct{ Selector string }
type NodeLocalName struct{ Selector string }
type FullTextSearchScore struct{ Selector string }
type LowerCase struct{ Operand DynamicOperand }
type UpperCase struct{ Operand DynamicOperand }

func (PropertyValue) dynamicOperand()       {}
func (Length) dynamicOperand()              {}
func (NodeName) dynamicOperand()            {}
func (NodeLocalName) dynamicOperand()       {}
func (FullTextSearchScore) dynamicOperand() {}
func (LowerCase) dynamicOperand()           {}
func (UpperCase) dynamicOperand()           {}

// StaticOperand is a Literal or a BindVariable.
type StaticOperand interface {
	staticOperand()
}

type Literal struct{ Value core.ValueData }
type BindVariable struct{ Name string }

func (Literal) staticOperand()      {}
func (BindVariable) staticOperand() {}

// Order is the direction of an ordering.
type Order int

const (
	Ascending Order = iota
	Descending
)

// Ordering sorts results by a dynamic operand.
type Ordering struct {
	Operand DynamicOperand
	Order   Order
}

// Column projects a property of a selector. An empty Property selects all
// properties defined by the selector's node type.
type Column struct {
	Selector   string
	Property   string
	ColumnName string
}

// BindVariableNames lists the bind variables used by m in order of first
// appearance.
func BindVariableNames(m *Model) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(s StaticOperand) {
		if b, ok := s.(BindVariable); ok && !seen[b.Name] {
			seen[b.Name] = true
			out = append(out, b.Name)
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
			add(x.Operand2)
		case FullTextSearch:
			add(x.Expression)
		}
	}
	walk(m.Constraint)
	return out
}

// SelectorNames lists the selectors of a source from left to right.
func SelectorNames(s Source) []string {
	switch x := s.(type) {
	case Selector:
		return []string{x.Name}
	case Join:
		return append(SelectorNames(x.Left), SelectorNames(x.Right)...)
	}
	return nil
}

func selectors(s Source) []Selector {
	switch x := s.(type) {
	case Selector:
		return []Selector{x}
	case Join:
		return append(selectors(x.Left), selectors(x.Right)...)
	}
	return nil
}
