package version

import (
	"slices"

	"github.com/systemshift/contentrepo/internal/content/core"
	"github.com/systemshift/contentrepo/internal/content/nodetype"
	"github.com/systemshift/contentrepo/internal/content/store"
)

func isTypeProperty(name string) bool {
	return name == core.JcrPrimaryType || name == core.JcrMixinTypes
}

func (m *Manager) propertyOPV(e *nodetype.Effective, p store.PropertyRecord) nodetype.OnParentVersion {
	def, err := e.PropertyDefinition(p.Name, p.Type, p.Multiple)
	if err != nil {
		return nodetype.OPVCopy
	}
	return def.OnParentVersion
}

func (m *Manager) childOPV(e *nodetype.Effective, child *store.NodeRecord) nodetype.OnParentVersion {
	ct, err := m.types.Get(child.PrimaryType)
	if err != nil {
		return nodetype.OPVCopy
	}
	def, err := e.ChildDefinition(child.Name, ct)
	if err != nil {
		return nodetype.OPVCopy
	}
	return def.OnParentVersion
}

// IsVersionable reports whether a node with this type is versionable.
func (m *Manager) IsVersionable(n *store.NodeRecord) bool {
	e, err := m.types.Effective(n.PrimaryType, n.Mixins)
	return err == nil && e.IsNodeType(core.MixSimpleVersionable)
}

// freeze captures the state of the versionable node n.
func (m *Manager) freeze(v store.View, ws string, n *store.NodeRecord) (*FrozenNode, error) {
	const op = "version.freeze"
	e, err := m.types.Effective(n.PrimaryType, n.Mixins)
	if err != nil {
		return nil, err
	}
	f := &FrozenNode{
		ID:          n.ID,
		Name:        n.Name,
		PrimaryType: n.PrimaryType,
		Mixins:      slices.Clone(n.Mixins),
		Properties:  make(map[string]store.PropertyRecord),
	}
	for name, p := range n.Properties {
		if isTypeProperty(name) {
			continue
		}
		switch m.propertyOPV(e, p) {
		case nodetype.OPVCopy, nodetype.OPVVersion:
			f.Properties[name] = p.Clone()
		case nodetype.OPVAbort:
			if len(p.Values) > 0 {
				return nil, core.Errorf(core.ErrVersion, op, name, "property prevents checkin")
			}
		}
	}
	for _, c := range store.Children(v, ws, n) {
		switch m.childOPV(e, c) {
		case nodetype.OPVCopy:
			f.Children = append(f.Children, copyAll(v, ws, c))
		case nodetype.OPVVersion:
			if m.IsVersionable(c) {
				hid, ok := historyIDFor(v, c.ID)
				if !ok {
					return nil, core.Errorf(core.ErrVersion, op, c.Name, "versionable child has no history")
				}
				f.Children = append(f.Children, &FrozenNode{ID: c.ID, Name: c.Name, PrimaryType: c.PrimaryType, ChildHistory: hid})
				continue
			}
			f.Children = append(f.Children, copyAll(v, ws, c))
		case nodetype.OPVAbort:
			return nil, core.Errorf(core.ErrVersion, op, c.Name, "child node prevents checkin")
		}
	}
	return f, nil
}

// copyAll captures a whole subtree.
func copyAll(v store.View, ws string, n *store.NodeRecord) *FrozenNode {
	f := &FrozenNode{
		ID:          n.ID,
		Name:        n.Name,
		PrimaryType: n.PrimaryType,
		Mixins:      slices.Clone(n.Mixins),
		Properties:  make(map[string]store.PropertyRecord, len(n.Properties)),
	}
	for name, p := range n.Properties {
		if !isTypeProperty(name) {
			f.Properties[name] = p.Clone()
		}
	}
	for _, c := range store.Children(v, ws, n) {
		f.Children = append(f.Children, copyAll(v, ws, c))
	}
	return f
}

// restoreState replaces the state of the node id with f. Items whose
// definition says IGNORE, INITIALIZE or COMPUTE are left alone.
func (m *Manager) restoreState(t *store.Txn, ws, id string, f *FrozenNode, removeExisting bool) error {
	n, err := t.Mutable(ws, id)
	if err != nil {
		return err
	}
	e, err := m.types.Effective(n.PrimaryType, n.Mixins)
	if err != nil {
		return err
	}
	for name, p := range n.Properties {
		if isTypeProperty(name) {
			continue
		}
		if o := m.propertyOPV(e, p); o == nodetype.OPVCopy || o == nodetype.OPVVersion {
			delete(n.Properties, name)
		}
	}
	for name, p := range f.Properties {
		n.Properties[name] = p.Clone()
	}
	n.PrimaryType = f.PrimaryType
	n.Mixins = slices.Clone(f.Mixins)
	n.SyncTypeProperties()

	keep := make(map[string]bool)
	for _, fc := range f.Children {
		if fc.ChildHistory != "" {
			keep[fc.ID] = true
		}
	}
	for _, c := range store.Children(t, ws, n) {
		o := m.childOPV(e, c)
		if o != nodetype.OPVCopy && o != nodetype.OPVVersion {
			continue
		}
		if keep[c.ID] {
			continue
		}
		if err := t.RemoveNode(ws, c.ID); err != nil {
			return err
		}
	}
	for _, fc := range f.Children {
		if err := m.restoreChild(t, ws, id, fc, removeExisting); err != nil {
			return err
		}
	}
	return nil
}

// restoreChild recreates the frozen child fc below parentID.
func (m *Manager) restoreChild(t *store.Txn, ws, parentID string, fc *FrozenNode, removeExisting bool) error {
	if fc.ChildHistory == "" {
		return m.materialize(t, ws, parentID, fc, removeExisting)
	}
	if existing, ok := t.Node(ws, fc.ID); ok {
		if existing.ParentID == parentID {
			return nil
		}
		// the versionable child lives elsewhere in the workspace; leave it
		return nil
	}
	h, err := loadHistory(t, fc.ChildHistory)
	if err != nil {
		return err
	}
	all := h.All()
	latest := all[len(all)-1]
	if latest.ID == h.RootVersion {
		return nil
	}
	frozen := *latest.Frozen
	frozen.Name = fc.Name
	if err := m.materialize(t, ws, parentID, &frozen, removeExisting); err != nil {
		return err
	}
	h.State[ws] = &NodeState{Base: latest.ID}
	if err := m.setCheckedOut(t, ws, fc.ID, h, false); err != nil {
		return err
	}
	return saveHistory(t, h)
}

// materialize creates the frozen subtree f as a new child of parentID,
// reusing the captured identifiers.
func (m *Manager) materialize(t *store.Txn, ws, parentID string, f *FrozenNode, removeExisting bool) error {
	const op = "version.restore"
	if existing, ok := t.Node(ws, f.ID); ok {
		if !removeExisting {
			return core.Errorf(core.ErrItemExists, op, f.ID, "a node with this identifier already exists")
		}
		if existing.ID == parentID || store.IsAncestor(t, ws, existing.ID, parentID) {
			return core.Errorf(core.ErrConstraintViolation, op, f.ID, "clashing node is an ancestor of the restore target")
		}
		if err := t.RemoveNode(ws, existing.ID); err != nil {
			return err
		}
	}
	parent, err := t.Mutable(ws, parentID)
	if err != nil {
		return err
	}
	rec := store.NewNodeRecord(f.ID, parentID, f.Name, f.PrimaryType)
	rec.Mixins = slices.Clone(f.Mixins)
	for name, p := range f.Properties {
		rec.Properties[name] = p.Clone()
	}
	if e, err := m.types.Effective(rec.PrimaryType, rec.Mixins); err == nil && e.IsNodeType(core.MixReferenceable) {
		rec.SetProperty(store.PropertyRecord{
			Name:   core.JcrUUID,
			Type:   core.TypeString,
			Values: []core.ValueData{{Type: core.TypeString, Str: rec.ID}},
		})
	}
	parent.Children = append(parent.Children, rec.ID)
	t.Put(ws, rec)
	for _, fc := range f.Children {
		if err := m.restoreChild(t, ws, rec.ID, fc, removeExisting); err != nil {
			return err
		}
	}
	return nil
}
