package session

import (
	"path"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/systemshift/contentrepo/internal/auth"
	"github.com/systemshift/contentrepo/internal/content/core"
	"github.com/systemshift/contentrepo/internal/content/nodetype"
	"github.com/systemshift/contentrepo/internal/content/store"
	"github.com/systemshift/contentrepo/internal/content/version"
)

// Node is a handle on a node seen through a session. It holds only the
// identifier, so it follows the node across moves.
type Node struct {
	s  *Session
	id string
}

func (n *Node) rec() (*store.NodeRecord, error) {
	rec, ok := n.s.record(n.id)
	if !ok {
		return nil, core.Errorf(core.ErrInvalidItemState, "session.Node", n.id, "node has been removed")
	}
	return rec, nil
}

func (n *Node) path() (core.Path, error) {
	return n.s.pathOf(n.id)
}

// Identifier returns the node's identifier.
func (n *Node) Identifier() string { return n.id }

// Name returns the node name; the root's name is empty.
func (n *Node) Name() string {
	rec, err := n.rec()
	if err != nil {
		return ""
	}
	return rec.Name
}

// Path returns the current absolute path, or "" when the node is gone.
func (n *Node) Path() string {
	p, err := n.path()
	if err != nil {
		return ""
	}
	return p.String()
}

// Depth returns the number of path segments; the root has depth 0.
func (n *Node) Depth() int {
	p, err := n.path()
	if err != nil {
		return 0
	}
	return p.Depth()
}

// Index returns the 1-based same-name-sibling index.
func (n *Node) Index() int {
	rec, err := n.rec()
	if err != nil {
		return 1
	}
	return store.SiblingIndex(n.s.overlay, n.s.ws, rec)
}

// Parent returns the parent node.
func (n *Node) Parent() (*Node, error) {
	rec, err := n.rec()
	if err != nil {
		return nil, err
	}
	if rec.IsRoot() {
		return nil, core.Errorf(core.ErrItemNotFound, "session.Parent", "/", "the root node has no parent")
	}
	return n.s.GetNodeByIdentifier(rec.ParentID)
}

// Ancestor returns the ancestor at depth.
func (n *Node) Ancestor(depth int) (Item, error) {
	p, err := n.path()
	if err != nil {
		return nil, err
	}
	return ancestorOf(n.s, p, depth)
}

func (n *Node) IsNode() bool { return true }

// IsNew reports whether the node was added in this session and not saved.
func (n *Node) IsNew() bool {
	if !n.s.overlay.IsStaged(n.s.ws, n.id) {
		return false
	}
	_, existed := n.s.overlay.Original(n.s.ws, n.id)
	_, exists := n.s.record(n.id)
	return exists && !existed
}

// IsModified reports whether a saved node has unsaved changes.
func (n *Node) IsModified() bool {
	rec, ok := n.s.record(n.id)
	if !ok || !n.s.overlay.IsStaged(n.s.ws, n.id) {
		return false
	}
	if _, existed := n.s.overlay.Original(n.s.ws, n.id); !existed {
		return false
	}
	return n.s.changed(store.NodeChange{Workspace: n.s.ws, ID: n.id, Record: rec})
}

// IsSame reports whether other is the same node, possibly seen through
// another session of the same workspace.
func (n *Node) IsSame(other Item) bool {
	o, ok := other.(*Node)
	return ok && o.id == n.id && o.s.ws == n.s.ws
}

func (n *Node) Accept(v ItemVisitor) error { return v.VisitNode(n) }

func (n *Node) Session() *Session { return n.s }

// Remove removes the node and its subtree. The removal is transient.
func (n *Node) Remove() error {
	const op = "session.Remove"
	if err := n.s.checkLive(op); err != nil {
		return err
	}
	rec, err := n.rec()
	if err != nil {
		return err
	}
	if rec.IsRoot() {
		return core.Errorf(core.ErrConstraintViolation, op, "/", "the root node cannot be removed")
	}
	if err := n.s.requirePermission(op, n.Path(), auth.ActionRemove); err != nil {
		return err
	}
	return n.s.overlay.RemoveNode(n.s.ws, n.id)
}

// AddNode adds a child at relPath. The last segment names the new node and
// must not carry an index; the others must resolve to an existing node. An
// empty primaryType picks the default type of the applicable child
// definition.
func (n *Node) AddNode(relPath, primaryType string) (*Node, error) {
	const op = "session.AddNode"
	s := n.s
	if err := s.checkLive(op); err != nil {
		return nil, err
	}
	rel, err := core.ParsePath(relPath)
	if err != nil {
		return nil, err
	}
	if rel.Absolute || len(rel.Segments) == 0 {
		return nil, core.Errorf(core.ErrInvalidArgument, op, relPath, "expected a relative path")
	}
	last := rel.Last()
	if last.Index != 0 {
		return nil, core.Errorf(core.ErrInvalidArgument, op, relPath, "new node name must not carry an index")
	}
	if err := s.checkName(last.Name); err != nil {
		return nil, err
	}
	parent := n
	if len(rel.Segments) > 1 {
		pp := core.Path{Segments: rel.Segments[:len(rel.Segments)-1]}
		if parent, err = n.GetNode(pp.String()); err != nil {
			return nil, err
		}
	}
	prec, err := parent.rec()
	if err != nil {
		return nil, err
	}
	peff, err := s.effective(prec)
	if err != nil {
		return nil, err
	}
	if primaryType == "" {
		if primaryType, err = peff.DefaultChildType(last.Name); err != nil {
			return nil, err
		}
	} else {
		nt, err := s.deps.Types.Get(primaryType)
		if err != nil {
			return nil, err
		}
		if nt.IsMixin() || nt.IsAbstract() {
			return nil, core.Errorf(core.ErrConstraintViolation, op, primaryType, "not a concrete primary type")
		}
	}
	pp, err := parent.path()
	if err != nil {
		return nil, err
	}
	if err := s.requirePermission(op, pp.Child(last.Name, 0).String(), auth.ActionAddNode); err != nil {
		return nil, err
	}
	rec, err := s.overlay.CreateNode(s.ws, prec.ID, last.Name, primaryType, "")
	if err != nil {
		return nil, err
	}
	if err := s.autoCreate(rec.ID, 0); err != nil {
		return nil, err
	}
	return &Node{s: s, id: rec.ID}, nil
}

const maxAutoCreateDepth = 32

// autoCreate adds the autocreated properties and child nodes the node's
// effective type asks for and that it does not have yet.
func (s *Session) autoCreate(id string, depth int) error {
	const op = "session.autoCreate"
	if depth > maxAutoCreateDepth {
		return core.Errorf(core.ErrConstraintViolation, op, id, "autocreated child nodes nest too deep")
	}
	rec, err := s.overlay.Mutable(s.ws, id)
	if err != nil {
		return err
	}
	eff, err := s.effective(rec)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, def := range eff.AutoCreatedProperties() {
		if _, ok := rec.Property(def.Name); ok {
			continue
		}
		vals, err := s.autoValues(rec, def, now)
		if err != nil {
			return err
		}
		if vals == nil {
			continue
		}
		typ := vals[0].Type
		if def.RequiredType != core.TypeUndefined {
			typ = def.RequiredType
		}
		rec.SetProperty(store.PropertyRecord{Name: def.Name, Type: typ, Multiple: def.Multiple, Values: vals})
	}
	for _, def := range eff.AutoCreatedChildren() {
		if store.CountNamed(s.overlay, s.ws, rec, def.Name) > 0 {
			continue
		}
		if def.DefaultPrimaryType == "" {
			return core.Errorf(core.ErrConstraintViolation, op, def.Name, "autocreated child has no default primary type")
		}
		child, err := s.overlay.CreateNode(s.ws, id, def.Name, def.DefaultPrimaryType, "")
		if err != nil {
			return err
		}
		if err := s.autoCreate(child.ID, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// autoValues returns the initial values of an autocreated property, or nil
// when the property is maintained elsewhere or has no default.
func (s *Session) autoValues(rec *store.NodeRecord, def nodetype.PropertyDefinition, now time.Time) ([]core.ValueData, error) {
	switch def.Name {
	case core.JcrPrimaryType, core.JcrMixinTypes:
		return nil, nil
	case core.JcrUUID:
		return []core.ValueData{{Type: core.TypeString, Str: rec.ID}}, nil
	case core.JcrCreated, core.JcrLastModified:
		return []core.ValueData{{Type: core.TypeDate, Str: core.FormatDate(now)}}, nil
	case core.JcrCreatedBy, core.JcrLastModifiedBy:
		return []core.ValueData{{Type: core.TypeString, Str: s.userID}}, nil
	}
	if len(def.DefaultValues) == 0 {
		return nil, nil
	}
	typ := def.RequiredType
	if typ == core.TypeUndefined {
		typ = core.TypeString
	}
	out := make([]core.ValueData, 0, len(def.DefaultValues))
	for _, dv := range def.DefaultValues {
		d, err := core.Convert(core.ValueData{Type: core.TypeString, Str: dv}, typ)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// resolve turns relPath into an absolute path below the node.
func (n *Node) resolve(relPath string) (core.Path, error) {
	base, err := n.path()
	if err != nil {
		return core.Path{}, err
	}
	rel, err := core.ParsePath(relPath)
	if err != nil {
		return core.Path{}, err
	}
	if rel.Absolute {
		return core.Path{}, core.Errorf(core.ErrInvalidArgument, "session.resolve", relPath, "expected a relative path")
	}
	return base.Join(rel).Normalize()
}

// GetNode returns the node at relPath.
func (n *Node) GetNode(relPath string) (*Node, error) {
	p, err := n.resolve(relPath)
	if err != nil {
		return nil, err
	}
	return n.s.GetNode(p.String())
}

// HasNode reports whether a node exists at relPath.
func (n *Node) HasNode(relPath string) bool {
	_, err := n.GetNode(relPath)
	return err == nil
}

// GetNodes returns the readable child nodes in order. Patterns filter by
// name: each is a list of globs separated by "|", such as "jcr:* | a*".
func (n *Node) GetNodes(patterns ...string) ([]*Node, error) {
	rec, err := n.rec()
	if err != nil {
		return nil, err
	}
	base, err := n.path()
	if err != nil {
		return nil, err
	}
	var out []*Node
	counts := make(map[string]int)
	for _, c := range store.Children(n.s.overlay, n.s.ws, rec) {
		counts[c.Name]++
		if !matchesAny(c.Name, patterns) {
			continue
		}
		if !n.s.permits(base.Child(c.Name, counts[c.Name]).String(), auth.ActionRead) {
			continue
		}
		out = append(out, &Node{s: n.s, id: c.ID})
	}
	return out, nil
}

// HasNodes reports whether the node has readable children.
func (n *Node) HasNodes() bool {
	nodes, err := n.GetNodes()
	return err == nil && len(nodes) > 0
}

// GetProperty returns the property at relPath.
func (n *Node) GetProperty(relPath string) (*Property, error) {
	const op = "session.GetProperty"
	owner := n
	name := relPath
	if i := strings.LastIndex(relPath, "/"); i >= 0 {
		var err error
		if owner, err = n.GetNode(relPath[:i]); err != nil {
			return nil, core.Errorf(core.ErrPathNotFound, op, relPath, "no property at %s", relPath)
		}
		name = relPath[i+1:]
	}
	rec, err := owner.rec()
	if err != nil {
		return nil, err
	}
	if _, ok := rec.Property(name); !ok {
		return nil, core.Errorf(core.ErrPathNotFound, op, relPath, "no property %s on %s", name, owner.Path())
	}
	return &Property{node: owner, name: name}, nil
}

// HasProperty reports whether a property exists at relPath.
func (n *Node) HasProperty(relPath string) bool {
	_, err := n.GetProperty(relPath)
	return err == nil
}

// GetProperties returns the properties sorted by name, filtered like
// GetNodes.
func (n *Node) GetProperties(patterns ...string) ([]*Property, error) {
	rec, err := n.rec()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rec.Properties))
	for name := range rec.Properties {
		if matchesAny(name, patterns) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]*Property, len(names))
	for i, name := range names {
		out[i] = &Property{node: n, name: name}
	}
	return out, nil
}

// HasProperties reports whether the node has any property. Every node has
// jcr:primaryType, so this is true for existing nodes.
func (n *Node) HasProperties() bool {
	rec, err := n.rec()
	return err == nil && len(rec.Properties) > 0
}

func matchesAny(name string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		for _, glob := range strings.Split(p, "|") {
			if ok, _ := path.Match(strings.TrimSpace(glob), name); ok {
				return true
			}
		}
	}
	return false
}

// PrimaryItem returns the item named by the primary type's primary item
// name.
func (n *Node) PrimaryItem() (Item, error) {
	pt, err := n.PrimaryNodeType()
	if err != nil {
		return nil, err
	}
	name := pt.PrimaryItemName()
	if name == "" {
		return nil, core.Errorf(core.ErrItemNotFound, "session.PrimaryItem", n.Path(), "%s has no primary item", pt.Name())
	}
	if c, err := n.GetNode(name); err == nil {
		return c, nil
	}
	return n.GetProperty(name)
}

// SetProperty sets a property from a Go value; its type follows the value
// unless the applicable definition requires another type. Slices set
// multi-valued properties. A nil value removes the property.
func (n *Node) SetProperty(name string, value any) (*Property, error) {
	return n.setProperty(name, value, core.TypeUndefined)
}

// SetPropertyType sets a property converting the value to typ.
func (n *Node) SetPropertyType(name string, value any, typ core.PropertyType) (*Property, error) {
	return n.setProperty(name, value, typ)
}

func (n *Node) setProperty(name string, value any, typ core.PropertyType) (*Property, error) {
	const op = "session.SetProperty"
	s := n.s
	if err := s.checkLive(op); err != nil {
		return nil, err
	}
	if err := s.checkName(name); err != nil {
		return nil, err
	}
	rec, err := n.rec()
	if err != nil {
		return nil, err
	}
	if value == nil {
		if _, ok := rec.Property(name); !ok {
			return nil, nil
		}
		return nil, (&Property{node: n, name: name}).Remove()
	}
	eff, err := s.effective(rec)
	if err != nil {
		return nil, err
	}
	if eff.IsProtectedProperty(name) {
		return nil, core.Errorf(core.ErrConstraintViolation, op, name, "property is protected")
	}
	vals, multi, err := valuesOf(value, typ)
	if err != nil {
		return nil, core.Wrap(core.ErrValueFormat, op, name, err)
	}
	existing, has := rec.Property(name)
	if has && existing.Multiple != multi {
		return nil, core.Errorf(core.ErrValueFormat, op, name, "property is %s", multiplicity(existing.Multiple))
	}
	final := typ
	if final == core.TypeUndefined {
		switch {
		case len(vals) > 0:
			final = vals[0].Type
		case has:
			final = existing.Type
		default:
			final = core.TypeString
		}
		if def, err := eff.PropertyDefinition(name, final, multi); err == nil && def.RequiredType != core.TypeUndefined {
			final = def.RequiredType
		}
	}
	for i, v := range vals {
		if v.Type == final {
			continue
		}
		if vals[i], err = core.Convert(v, final); err != nil {
			return nil, err
		}
	}
	if err := s.requirePermission(op, n.Path(), auth.ActionSetProperty); err != nil {
		return nil, err
	}
	m, err := s.overlay.Mutable(s.ws, n.id)
	if err != nil {
		return nil, err
	}
	m.SetProperty(store.PropertyRecord{Name: name, Type: final, Multiple: multi, Values: vals})
	return &Property{node: n, name: name}, nil
}

func multiplicity(multi bool) string {
	if multi {
		return "multi-valued"
	}
	return "single-valued"
}

// valuesOf converts a Go value into data. typ may be TypeUndefined.
func valuesOf(value any, typ core.PropertyType) ([]core.ValueData, bool, error) {
	switch x := value.(type) {
	case *Node:
		d, err := nodeRef(x, typ)
		return []core.ValueData{d}, false, err
	case []*Node:
		out := make([]core.ValueData, len(x))
		for i, n := range x {
			d, err := nodeRef(n, typ)
			if err != nil {
				return nil, true, err
			}
			out[i] = d
		}
		return out, true, nil
	case []byte:
		d, err := core.ValueOf(x, typ)
		return []core.ValueData{d}, false, err
	case []core.ValueData:
		return multiOf(x, typ)
	case []*core.Value:
		return multiOf(x, typ)
	case []string:
		return multiOf(x, typ)
	case []int:
		return multiOf(x, typ)
	case []int64:
		return multiOf(x, typ)
	case []float64:
		return multiOf(x, typ)
	case []bool:
		return multiOf(x, typ)
	case []time.Time:
		return multiOf(x, typ)
	case []any:
		return multiOf(x, typ)
	}
	d, err := core.ValueOf(value, typ)
	return []core.ValueData{d}, false, err
}

func multiOf[T any](xs []T, typ core.PropertyType) ([]core.ValueData, bool, error) {
	out := make([]core.ValueData, len(xs))
	for i, x := range xs {
		d, err := core.ValueOf(x, typ)
		if err != nil {
			return nil, true, err
		}
		if i > 0 && typ == core.TypeUndefined && d.Type != out[0].Type {
			if d, err = core.Convert(d, out[0].Type); err != nil {
				return nil, true, err
			}
		}
		out[i] = d
	}
	return out, true, nil
}

func nodeRef(n *Node, typ core.PropertyType) (core.ValueData, error) {
	switch typ {
	case core.TypeUndefined, core.TypeReference:
		return core.ValueData{Type: core.TypeReference, Str: n.id}, nil
	case core.TypeWeakReference:
		return core.ValueData{Type: core.TypeWeakReference, Str: n.id}, nil
	case core.TypePath:
		return core.ValueData{Type: core.TypePath, Str: n.Path()}, nil
	}
	return core.Convert(core.ValueData{Type: core.TypeReference, Str: n.id}, typ)
}

// Rename changes the node's name in place, keeping its position.
func (n *Node) Rename(newName string) error {
	const op = "session.Rename"
	if err := n.s.checkLive(op); err != nil {
		return err
	}
	if err := n.s.checkName(newName); err != nil {
		return err
	}
	rec, err := n.rec()
	if err != nil {
		return err
	}
	if rec.IsRoot() {
		return core.Errorf(core.ErrConstraintViolation, op, "/", "the root node cannot be renamed")
	}
	return n.s.overlay.MoveNode(n.s.ws, n.id, rec.ParentID, newName)
}

// OrderBefore moves the child srcChild ("name" or "name[index]") before
// destChild, or to the end when destChild is empty.
func (n *Node) OrderBefore(srcChild, destChild string) error {
	const op = "session.OrderBefore"
	if err := n.s.checkLive(op); err != nil {
		return err
	}
	rec, err := n.rec()
	if err != nil {
		return err
	}
	eff, err := n.s.effective(rec)
	if err != nil {
		return err
	}
	if !eff.Orderable() {
		return core.Errorf(core.ErrUnsupportedOperation, op, n.Path(), "%s does not have orderable child nodes", rec.PrimaryType)
	}
	src, err := n.child(op, rec, srcChild)
	if err != nil {
		return err
	}
	before := ""
	if destChild != "" {
		dest, err := n.child(op, rec, destChild)
		if err != nil {
			return err
		}
		if dest.ID == src.ID {
			return nil
		}
		before = dest.ID
	}
	return n.s.overlay.OrderBefore(n.s.ws, src.ID, before)
}

func (n *Node) child(op string, rec *store.NodeRecord, rel string) (*store.NodeRecord, error) {
	p, err := core.ParsePath(rel)
	if err != nil {
		return nil, err
	}
	if p.Absolute || len(p.Segments) != 1 {
		return nil, core.Errorf(core.ErrItemNotFound, op, rel, "not a child name")
	}
	seg := p.Last()
	c, ok := store.Child(n.s.overlay, n.s.ws, rec, seg.Name, seg.Pos())
	if !ok {
		return nil, core.Errorf(core.ErrItemNotFound, op, rel, "no child %s", rel)
	}
	return c, nil
}

// PrimaryNodeType returns the node's primary type.
func (n *Node) PrimaryNodeType() (*nodetype.NodeType, error) {
	rec, err := n.rec()
	if err != nil {
		return nil, err
	}
	return n.s.deps.Types.Get(rec.PrimaryType)
}

// MixinNodeTypes returns the directly assigned mixins.
func (n *Node) MixinNodeTypes() ([]*nodetype.NodeType, error) {
	rec, err := n.rec()
	if err != nil {
		return nil, err
	}
	out := make([]*nodetype.NodeType, 0, len(rec.Mixins))
	for _, m := range rec.Mixins {
		t, err := n.s.deps.Types.Get(m)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// IsNodeType reports whether the node is of type name through its primary
// type, a mixin or inheritance.
func (n *Node) IsNodeType(name string) bool {
	rec, err := n.rec()
	if err != nil {
		return false
	}
	eff, err := n.s.effective(rec)
	return err == nil && eff.IsNodeType(name)
}

// SetPrimaryType changes the primary type. The new type's autocreated
// items are added; whether the rest of the node fits is checked on save.
func (n *Node) SetPrimaryType(name string) error {
	const op = "session.SetPrimaryType"
	if err := n.s.checkLive(op); err != nil {
		return err
	}
	nt, err := n.s.deps.Types.Get(name)
	if err != nil {
		return err
	}
	if nt.IsMixin() || nt.IsAbstract() {
		return core.Errorf(core.ErrConstraintViolation, op, name, "not a concrete primary type")
	}
	if err := n.s.requirePermission(op, n.Path(), auth.ActionSetProperty); err != nil {
		return err
	}
	m, err := n.s.overlay.Mutable(n.s.ws, n.id)
	if err != nil {
		return err
	}
	if m.IsRoot() {
		return core.Errorf(core.ErrConstraintViolation, op, "/", "the root node type cannot be changed")
	}
	m.PrimaryType = name
	m.SyncTypeProperties()
	return n.s.autoCreate(n.id, 0)
}

// AddMixin assigns a mixin type and adds its autocreated items. Adding a
// mixin the node already has is a no-op.
func (n *Node) AddMixin(name string) error {
	const op = "session.AddMixin"
	if err := n.s.checkLive(op); err != nil {
		return err
	}
	mt, err := n.s.deps.Types.Get(name)
	if err != nil {
		return err
	}
	if !mt.IsMixin() {
		return core.Errorf(core.ErrConstraintViolation, op, name, "not a mixin type")
	}
	rec, err := n.rec()
	if err != nil {
		return err
	}
	eff, err := n.s.effective(rec)
	if err != nil {
		return err
	}
	if rec.HasMixin(name) {
		return nil
	}
	if !n.s.deps.Types.CanAddMixin(eff, name) {
		return core.Errorf(core.ErrConstraintViolation, op, name, "mixin conflicts with the node's types")
	}
	if err := n.s.requirePermission(op, n.Path(), auth.ActionSetProperty); err != nil {
		return err
	}
	m, err := n.s.overlay.Mutable(n.s.ws, n.id)
	if err != nil {
		return err
	}
	m.Mixins = append(m.Mixins, name)
	m.SyncTypeProperties()
	return n.s.autoCreate(n.id, 0)
}

// RemoveMixin removes a directly assigned mixin together with the
// properties and child nodes only it allowed.
func (n *Node) RemoveMixin(name string) error {
	const op = "session.RemoveMixin"
	if err := n.s.checkLive(op); err != nil {
		return err
	}
	rec, err := n.rec()
	if err != nil {
		return err
	}
	if !rec.HasMixin(name) {
		return core.Errorf(core.ErrNoSuchNodeType, op, name, "mixin is not assigned to %s", n.Path())
	}
	if err := n.s.requirePermission(op, n.Path(), auth.ActionSetProperty); err != nil {
		return err
	}
	m, err := n.s.overlay.Mutable(n.s.ws, n.id)
	if err != nil {
		return err
	}
	m.Mixins = slices.DeleteFunc(m.Mixins, func(x string) bool { return x == name })
	m.SyncTypeProperties()
	eff, err := n.s.effective(m)
	if err != nil {
		return err
	}
	for pname, p := range m.Properties {
		if _, err := eff.PropertyDefinition(pname, p.Type, p.Multiple); err != nil {
			delete(m.Properties, pname)
		}
	}
	for _, c := range store.Children(n.s.overlay, n.s.ws, m) {
		ct, err := n.s.deps.Types.Get(c.PrimaryType)
		if err != nil {
			continue
		}
		if _, err := eff.ChildDefinition(c.Name, ct); err != nil {
			if err := n.s.overlay.RemoveNode(n.s.ws, c.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// CanAddMixin reports whether AddMixin(name) followed by Save could
// succeed. It never fails.
func (n *Node) CanAddMixin(name string) bool {
	rec, err := n.rec()
	if err != nil {
		return false
	}
	eff, err := n.s.effective(rec)
	if err != nil || !n.s.deps.Types.CanAddMixin(eff, name) {
		return false
	}
	if !version.IsCheckedOut(n.s.overlay, n.s.ws, n.id) {
		return false
	}
	if n.s.deps.Locks.CheckWritable(n.s.overlay, n.s.ws, n.id, n.s.tokens) != nil {
		return false
	}
	return n.s.permits(n.Path(), auth.ActionSetProperty)
}

// References returns the REFERENCE properties pointing at this node,
// optionally only those called name.
func (n *Node) References(name string) ([]*Property, error) {
	return n.referrers(name, core.TypeReference)
}

// WeakReferences returns the WEAKREFERENCE properties pointing at this
// node.
func (n *Node) WeakReferences(name string) ([]*Property, error) {
	return n.referrers(name, core.TypeWeakReference)
}

func (n *Node) referrers(name string, typ core.PropertyType) ([]*Property, error) {
	if _, err := n.rec(); err != nil {
		return nil, err
	}
	var out []*Property
	err := store.Walk(n.s.overlay, n.s.ws, core.RootID, func(rec *store.NodeRecord, _ int) error {
		for pname, p := range rec.Properties {
			if p.Type != typ || (name != "" && pname != name) {
				continue
			}
			for _, v := range p.Values {
				if v.Str == n.id {
					out = append(out, &Property{node: &Node{s: n.s, id: rec.ID}, name: pname})
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path() < out[j].Path() })
	return out, nil
}

// IsCheckedOut reports whether the node may be modified as far as
// versioning is concerned.
func (n *Node) IsCheckedOut() bool {
	return version.IsCheckedOut(n.s.overlay, n.s.ws, n.id)
}

// IsLocked reports whether the node is locked, directly or by a deep lock
// above it.
func (n *Node) IsLocked() bool {
	_, ok := n.s.deps.Locks.LockFor(n.s.overlay, n.s.ws, n.id)
	return ok
}
