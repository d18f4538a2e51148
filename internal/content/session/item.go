package session

import (
	"github.com/systemshift/contentrepo/internal/content/core"
)

// Item is what nodes and properties have in common.
type Item interface {
	Name() string
	Path() string
	Depth() int
	Parent() (*Node, error)
	// Ancestor returns the ancestor at the given depth; 0 is the root.
	Ancestor(depth int) (Item, error)
	IsNode() bool
	IsNew() bool
	IsModified() bool
	IsSame(other Item) bool
	Accept(v ItemVisitor) error
	Remove() error
	Session() *Session
}

// ItemVisitor is called back by Item.Accept.
type ItemVisitor interface {
	VisitNode(n *Node) error
	VisitProperty(p *Property) error
}

// TraversingVisitor walks a subtree, calling Entering before an item's
// children are visited and Leaving afterwards. MaxLevel limits the depth
// below the start item; -1 means no limit. With BreadthFirst the tree is
// walked level by level.
type TraversingVisitor struct {
	MaxLevel     int
	BreadthFirst bool

	EnteringNode     func(n *Node, level int) error
	LeavingNode      func(n *Node, level int) error
	EnteringProperty func(p *Property, level int) error
	LeavingProperty  func(p *Property, level int) error

	level   int
	pending []queued
}

type queued struct {
	item  Item
	level int
}

// NewTraversingVisitor returns a depth-first visitor without a level limit.
func NewTraversingVisitor() *TraversingVisitor {
	return &TraversingVisitor{MaxLevel: -1}
}

func (t *TraversingVisitor) enterNode(n *Node) error {
	if t.EnteringNode == nil {
		return nil
	}
	return t.EnteringNode(n, t.level)
}

func (t *TraversingVisitor) leaveNode(n *Node) error {
	if t.LeavingNode == nil {
		return nil
	}
	return t.LeavingNode(n, t.level)
}

func (t *TraversingVisitor) enterProperty(p *Property) error {
	if t.EnteringProperty == nil {
		return nil
	}
	return t.EnteringProperty(p, t.level)
}

func (t *TraversingVisitor) leaveProperty(p *Property) error {
	if t.LeavingProperty == nil {
		return nil
	}
	return t.LeavingProperty(p, t.level)
}

func (t *TraversingVisitor) descend() bool {
	return t.MaxLevel < 0 || t.level < t.MaxLevel
}

// VisitProperty implements ItemVisitor.
func (t *TraversingVisitor) VisitProperty(p *Property) error {
	if err := t.enterProperty(p); err != nil {
		return err
	}
	return t.leaveProperty(p)
}

// VisitNode implements ItemVisitor.
func (t *TraversingVisitor) VisitNode(n *Node) error {
	if t.BreadthFirst {
		return t.breadthFirst(n)
	}
	if err := t.enterNode(n); err != nil {
		return err
	}
	if t.descend() {
		t.level++
		err := t.children(n, func(it Item) error { return it.Accept(t) })
		t.level--
		if err != nil {
			return err
		}
	}
	return t.leaveNode(n)
}

func (t *TraversingVisitor) children(n *Node, fn func(Item) error) error {
	props, err := n.GetProperties()
	if err != nil {
		return err
	}
	for _, p := range props {
		if err := fn(p); err != nil {
			return err
		}
	}
	nodes, err := n.GetNodes()
	if err != nil {
		return err
	}
	for _, c := range nodes {
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

func (t *TraversingVisitor) breadthFirst(start *Node) error {
	outer := t.level
	defer func() { t.level = outer }()
	t.pending = append(t.pending[:0], queued{start, outer})
	for len(t.pending) > 0 {
		q := t.pending[0]
		t.pending = t.pending[1:]
		t.level = q.level
		switch it := q.item.(type) {
		case *Property:
			if err := t.enterProperty(it); err != nil {
				return err
			}
			if err := t.leaveProperty(it); err != nil {
				return err
			}
		case *Node:
			if err := t.enterNode(it); err != nil {
				return err
			}
			if t.descend() {
				next := q.level + 1
				err := t.children(it, func(c Item) error {
					t.pending = append(t.pending, queued{c, next})
					return nil
				})
				if err != nil {
					return err
				}
			}
			if err := t.leaveNode(it); err != nil {
				return err
			}
		}
	}
	return nil
}

func ancestorOf(s *Session, p core.Path, depth int) (Item, error) {
	anc, err := p.Ancestor(depth)
	if err != nil {
		return nil, err
	}
	return s.GetItem(anc.String())
}
