package store

import (
	"github.com/systemshift/contentrepo/internal/content/core"
)

// CreateWorkspace stages a new workspace with an empty root node.
func (t *Txn) CreateWorkspace(ws string) error {
	if ws == "" {
		return core.Errorf(core.ErrInvalidArgument, "store.CreateWorkspace", ws, "empty workspace name")
	}
	if t.HasWorkspace(ws) {
		return core.Errorf(core.ErrItemExists, "store.CreateWorkspace", ws, "workspace already exists")
	}
	root := NewNodeRecord(core.RootID, "", "", core.RepRoot)
	root.SetProperty(PropertyRecord{
		Name:   core.JcrUUID,
		Type:   core.TypeString,
		Values: []core.ValueData{{Type: core.TypeString, Str: core.RootID}},
	})
	t.Put(ws, root)
	return nil
}

// DropWorkspace stages the removal of every node of ws.
func (t *Txn) DropWorkspace(ws string) error {
	if !t.HasWorkspace(ws) {
		return core.Errorf(core.ErrNoSuchWorkspace, "store.DropWorkspace", ws, "workspace does not exist")
	}
	for _, id := range SubtreeIDs(t, ws, core.RootID) {
		t.Delete(ws, id)
	}
	return nil
}

func (t *Txn) checkSibling(ws string, parent *NodeRecord, name string) error {
	if CountNamed(t, ws, parent, name) == 0 {
		return nil
	}
	if t.store == nil || t.store.allowSNS == nil || t.store.allowSNS(t, ws, parent, name) {
		return nil
	}
	return core.Errorf(core.ErrItemExists, "store.CreateNode", name, "same-name sibling not allowed")
}

// CreateNode stages a new child of parentID. An empty id generates one.
func (t *Txn) CreateNode(ws, parentID, name, primaryType, id string) (*NodeRecord, error) {
	const op = "store.CreateNode"
	if err := core.ValidateName(name); err != nil {
		return nil, err
	}
	parent, err := t.Mutable(ws, parentID)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = core.NewIdentifier()
	}
	if _, exists := t.Node(ws, id); exists {
		return nil, core.Errorf(core.ErrItemExists, op, id, "identifier already in use")
	}
	if err := t.checkSibling(ws, parent, name); err != nil {
		return nil, err
	}
	rec := NewNodeRecord(id, parentID, name, primaryType)
	parent.Children = append(parent.Children, id)
	t.Put(ws, rec)
	return rec, nil
}

// RemoveNode stages the removal of the subtree rooted at id.
func (t *Txn) RemoveNode(ws, id string) error {
	n, ok := t.Node(ws, id)
	if !ok {
		return core.Errorf(core.ErrItemNotFound, "store.RemoveNode", id, "no node with this identifier")
	}
	if n.IsRoot() {
		return core.Errorf(core.ErrConstraintViolation, "store.RemoveNode", "/", "the root node cannot be removed")
	}
	parent, err := t.Mutable(ws, n.ParentID)
	if err != nil {
		return err
	}
	for _, d := range SubtreeIDs(t, ws, id) {
		t.Delete(ws, d)
	}
	parent.RemoveChild(id)
	return nil
}

// MoveNode stages moving id below destParentID under destName.
func (t *Txn) MoveNode(ws, id, destParentID, destName string) error {
	const op = "store.MoveNode"
	if err := core.ValidateName(destName); err != nil {
		return err
	}
	n, err := t.Mutable(ws, id)
	if err != nil {
		return err
	}
	if n.IsRoot() {
		return core.Errorf(core.ErrConstraintViolation, op, "/", "the root node cannot be moved")
	}
	if destParentID == id || IsAncestor(t, ws, id, destParentID) {
		return core.Errorf(core.ErrConstraintViolation, op, id, "cannot move a node below itself")
	}
	dest, err := t.Mutable(ws, destParentID)
	if err != nil {
		return err
	}
	samePlace := n.ParentID == destParentID && n.Name == destName
	if !samePlace {
		if err := t.checkSibling(ws, dest, destName); err != nil {
			return err
		}
	}
	if n.ParentID == destParentID {
		// rename in place keeps the position among siblings
		n.Name = destName
		return nil
	}
	oldParent, err := t.Mutable(ws, n.ParentID)
	if err != nil {
		return err
	}
	oldParent.RemoveChild(id)
	n.ParentID = destParentID
	n.Name = destName
	dest.Children = append(dest.Children, id)
	return nil
}

// OrderBefore moves child id before sibling beforeID (to the end when
// beforeID is empty).
func (t *Txn) OrderBefore(ws, id, beforeID string) error {
	n, ok := t.Node(ws, id)
	if !ok {
		return core.Errorf(core.ErrItemNotFound, "store.OrderBefore", id, "no node with this identifier")
	}
	parent, err := t.Mutable(ws, n.ParentID)
	if err != nil {
		return err
	}
	if beforeID != "" && parent.ChildIndex(beforeID) < 0 {
		return core.Errorf(core.ErrItemNotFound, "store.OrderBefore", beforeID, "not a sibling")
	}
	parent.InsertChild(id, beforeID)
	return nil
}

// CopySubtree copies the subtree rooted at srcID in srcWS to a new child of
// destParentID in destWS. Every copy gets a new identifier; references
// between copied nodes are rewritten to the copies. It returns the new root.
func (t *Txn) CopySubtree(srcWS, srcID, destWS, destParentID, destName string) (*NodeRecord, error) {
	const op = "store.CopySubtree"
	src, ok := t.Node(srcWS, srcID)
	if !ok {
		return nil, core.Errorf(core.ErrItemNotFound, op, srcID, "no node with this identifier")
	}
	if srcWS == destWS && (destParentID == srcID || IsAncestor(t, srcWS, srcID, destParentID)) {
		return nil, core.Errorf(core.ErrConstraintViolation, op, srcID, "cannot copy a node below itself")
	}
	if err := core.ValidateName(destName); err != nil {
		return nil, err
	}
	dest, err := t.Mutable(destWS, destParentID)
	if err != nil {
		return nil, err
	}
	if err := t.checkSibling(destWS, dest, destName); err != nil {
		return nil, err
	}

	ids := SubtreeIDs(t, srcWS, srcID)
	mapping := make(map[string]string, len(ids))
	for _, id := range ids {
		mapping[id] = core.NewIdentifier()
	}
	var root *NodeRecord
	for _, id := range ids {
		orig, _ := t.Node(srcWS, id)
		c := orig.Clone()
		c.ID = mapping[id]
		c.Revision = 0
		if id == src.ID {
			c.ParentID = destParentID
			c.Name = destName
			root = c
		} else {
			c.ParentID = mapping[orig.ParentID]
		}
		for i, cid := range c.Children {
			c.Children[i] = mapping[cid]
		}
		for name, p := range c.Properties {
			switch {
			case name == core.JcrUUID:
				p.Values = []core.ValueData{{Type: p.Type, Str: c.ID}}
			case p.Type.IsReference():
				for i, v := range p.Values {
					if to, ok := mapping[v.Str]; ok {
						p.Values[i].Str = to
					}
				}
			default:
				continue
			}
			c.Properties[name] = p
		}
		t.Put(destWS, c)
	}
	dest.Children = append(dest.Children, root.ID)
	return root, nil
}

// CloneSubtree copies the subtree rooted at srcID from srcWS into destWS,
// keeping identifiers. A node in destWS with a clashing identifier is
// removed first when removeExisting is set; otherwise the clone fails.
func (t *Txn) CloneSubtree(srcWS, srcID, destWS, destParentID, destName string, removeExisting bool) (*NodeRecord, error) {
	const op = "store.CloneSubtree"
	if srcWS == destWS {
		return nil, core.Errorf(core.ErrInvalidArgument, op, srcWS, "clone needs two different workspaces")
	}
	src, ok := t.Node(srcWS, srcID)
	if !ok {
		return nil, core.Errorf(core.ErrItemNotFound, op, srcID, "no node with this identifier")
	}
	if err := core.ValidateName(destName); err != nil {
		return nil, err
	}
	ids := SubtreeIDs(t, srcWS, srcID)
	for _, id := range ids {
		existing, clash := t.Node(destWS, id)
		if !clash {
			continue
		}
		if !removeExisting {
			return nil, core.Errorf(core.ErrItemExists, op, id, "identifier already exists in %s", destWS)
		}
		if existing.IsRoot() || existing.ID == destParentID || IsAncestor(t, destWS, existing.ID, destParentID) {
			return nil, core.Errorf(core.ErrConstraintViolation, op, id, "clashing node is an ancestor of the destination")
		}
		if err := t.RemoveNode(destWS, existing.ID); err != nil {
			return nil, err
		}
	}
	dest, err := t.Mutable(destWS, destParentID)
	if err != nil {
		return nil, err
	}
	if err := t.checkSibling(destWS, dest, destName); err != nil {
		return nil, err
	}
	var root *NodeRecord
	for _, id := range ids {
		orig, _ := t.Node(srcWS, id)
		c := orig.Clone()
		c.Revision = 0
		if id == src.ID {
			c.ParentID = destParentID
			c.Name = destName
			root = c
		}
		t.Put(destWS, c)
	}
	dest.Children = append(dest.Children, root.ID)
	return root, nil
}
