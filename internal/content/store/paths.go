package store

import (
	"errors"

	"github.com/systemshift/contentrepo/internal/content/core"
)

// GetNodeByIdentifier looks a node up by identifier in v.
func GetNodeByIdentifier(v View, ws, id string) (*NodeRecord, error) {
	if !v.HasWorkspace(ws) {
		return nil, core.Errorf(core.ErrNoSuchWorkspace, "store.GetNodeByIdentifier", ws, "workspace does not exist")
	}
	n, ok := v.Node(ws, id)
	if !ok {
		return nil, core.Errorf(core.ErrItemNotFound, "store.GetNodeByIdentifier", id, "no node with this identifier")
	}
	return n, nil
}

// ResolvePath walks p segment by segment from the root of ws. p must be
// absolute; it is normalized first.
func ResolvePath(v View, ws string, p core.Path) (*NodeRecord, error) {
	const op = "store.ResolvePath"
	if !v.HasWorkspace(ws) {
		return nil, core.Errorf(core.ErrNoSuchWorkspace, op, ws, "workspace does not exist")
	}
	if !p.Absolute {
		return nil, core.Errorf(core.ErrInvalidArgument, op, p.String(), "path is not absolute")
	}
	p, err := p.Normalize()
	if err != nil {
		return nil, err
	}
	cur, ok := v.Node(ws, core.RootID)
	if !ok {
		return nil, core.Errorf(core.ErrPathNotFound, op, "/", "workspace has no root")
	}
	for i, seg := range p.Segments {
		child, ok := Child(v, ws, cur, seg.Name, seg.Pos())
		if !ok {
			missing := core.Path{Absolute: true, Segments: p.Segments[:i+1]}
			return nil, core.Errorf(core.ErrPathNotFound, op, p.String(), "no node at %s", missing)
		}
		cur = child
	}
	return cur, nil
}

// Child returns the index-th (1-based) child of parent called name.
func Child(v View, ws string, parent *NodeRecord, name string, index int) (*NodeRecord, bool) {
	seen := 0
	for _, id := range parent.Children {
		c, ok := v.Node(ws, id)
		if !ok || c.Name != name {
			continue
		}
		seen++
		if seen == index {
			return c, true
		}
	}
	return nil, false
}

// Children returns parent's children in order.
func Children(v View, ws string, parent *NodeRecord) []*NodeRecord {
	out := make([]*NodeRecord, 0, len(parent.Children))
	for _, id := range parent.Children {
		if c, ok := v.Node(ws, id); ok {
			out = append(out, c)
		}
	}
	return out
}

// CountNamed returns how many children of parent are called name.
func CountNamed(v View, ws string, parent *NodeRecord, name string) int {
	n := 0
	for _, id := range parent.Children {
		if c, ok := v.Node(ws, id); ok && c.Name == name {
			n++
		}
	}
	return n
}

// SiblingIndex returns the 1-based same-name-sibling index of n.
func SiblingIndex(v View, ws string, n *NodeRecord) int {
	if n.IsRoot() {
		return 1
	}
	parent, ok := v.Node(ws, n.ParentID)
	if !ok {
		return 1
	}
	idx := 0
	for _, id := range parent.Children {
		c, ok := v.Node(ws, id)
		if !ok || c.Name != n.Name {
			continue
		}
		idx++
		if id == n.ID {
			return idx
		}
	}
	return 1
}

// PathOf derives the path of a node by walking parent links to the root.
func PathOf(v View, ws, id string) (core.Path, error) {
	const op = "store.PathOf"
	var segs []core.Segment
	cur, ok := v.Node(ws, id)
	if !ok {
		return core.Path{}, core.Errorf(core.ErrItemNotFound, op, id, "no node with this identifier")
	}
	for depth := 0; !cur.IsRoot(); depth++ {
		if depth > maxDepth {
			return core.Path{}, core.Errorf(core.ErrRepository, op, id, "parent chain does not reach the root")
		}
		idx := SiblingIndex(v, ws, cur)
		if idx == 1 {
			idx = 0
		}
		segs = append(segs, core.Segment{Name: cur.Name, Index: idx})
		parent, ok := v.Node(ws, cur.ParentID)
		if !ok {
			return core.Path{}, core.Errorf(core.ErrItemNotFound, op, id, "dangling parent %s", cur.ParentID)
		}
		cur = parent
	}
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return core.Path{Absolute: true, Segments: segs}, nil
}

// maxDepth bounds parent walks so a corrupt store cannot loop forever.
const maxDepth = 10000

// IsAncestor reports whether anc is a proper ancestor of id.
func IsAncestor(v View, ws, anc, id string) bool {
	cur, ok := v.Node(ws, id)
	for depth := 0; ok && !cur.IsRoot() && depth <= maxDepth; depth++ {
		if cur.ParentID == anc {
			return true
		}
		cur, ok = v.Node(ws, cur.ParentID)
	}
	return false
}

// Walk visits the subtree rooted at id depth-first, parents before
// children. Returning SkipChildren from fn skips the node's descendants.
func Walk(v View, ws, id string, fn func(n *NodeRecord, depth int) error) error {
	n, ok := v.Node(ws, id)
	if !ok {
		return core.Errorf(core.ErrItemNotFound, "store.Walk", id, "no node with this identifier")
	}
	return walk(v, ws, n, 0, fn)
}

func walk(v View, ws string, n *NodeRecord, depth int, fn func(*NodeRecord, int) error) error {
	if err := fn(n, depth); err != nil {
		if errors.Is(err, SkipChildren) {
			return nil
		}
		return err
	}
	for _, cid := range n.Children {
		c, ok := v.Node(ws, cid)
		if !ok {
			continue
		}
		if err := walk(v, ws, c, depth+1, fn); err != nil {
			return err
		}
	}
	return nil
}

// SkipChildren is returned by a Walk callback to prune the subtree.
var SkipChildren = errors.New("skip children")

// SubtreeIDs lists the identifiers of the subtree rooted at id, root first.
func SubtreeIDs(v View, ws, id string) []string {
	var out []string
	_ = Walk(v, ws, id, func(n *NodeRecord, _ int) error {
		out = append(out, n.ID)
		return nil
	})
	return out
}
