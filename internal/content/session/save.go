package session

import (
	"context"
	"slices"
	"time"

	"github.com/systemshift/contentrepo/internal/auth"
	"github.com/systemshift/contentrepo/internal/content/core"
	"github.com/systemshift/contentrepo/internal/content/nodetype"
	"github.com/systemshift/contentrepo/internal/content/store"
	"github.com/systemshift/contentrepo/internal/content/version"
)

// Save validates the transient changes and commits all of them in one
// store transaction. When Save fails nothing is committed and the session
// keeps its pending changes.
//
// Changes are replayed onto the latest committed state. A node is matched
// by identifier, so a referenceable node moved by another session is still
// found. A non-referenceable node is only accepted when the path from its
// nearest referenceable ancestor is unchanged; otherwise Save fails with
// ErrInvalidItemState. The same error reports edits that overlap edits
// committed by another session.
func (s *Session) Save(ctx context.Context) error {
	const op = "session.Save"
	if err := s.checkLive(op); err != nil {
		return err
	}
	start := time.Now()
	changes := s.overlay.Staged()
	var committed *store.Snapshot
	err := s.deps.Store.Update(ctx, func(t *store.Txn) error {
		if err := s.replay(t, changes); err != nil {
			return err
		}
		if err := s.validate(t); err != nil {
			return err
		}
		t.AfterCommit(func(snap *store.Snapshot) { committed = snap })
		return nil
	})
	if s.deps.OnSave != nil {
		s.deps.OnSave(len(changes), time.Since(start), err)
	}
	if err != nil {
		s.log.Infow("save rejected", "changes", len(changes), "kind", core.KindOf(err), "error", err)
		return err
	}
	s.overlay = store.NewDetachedTxn(committed)
	s.log.Debugw("saved", "changes", len(changes), "duration", time.Since(start))
	return nil
}

func (s *Session) replay(t *store.Txn, changes []store.NodeChange) error {
	const op = "session.Save"
	latest := t.Base()
	for _, c := range changes {
		orig, existed := s.overlay.Original(c.Workspace, c.ID)
		now, exists := latest.Node(c.Workspace, c.ID)
		switch {
		case !existed:
			if exists {
				return core.Errorf(core.ErrItemExists, op, c.ID, "identifier already in use")
			}
			t.Put(c.Workspace, c.Record.Clone())
		case c.Record == nil:
			if !exists {
				return core.Errorf(core.ErrInvalidItemState, op, c.ID, "node was removed by another session")
			}
			if now.Revision != orig.Revision || now.ParentID != orig.ParentID {
				return core.Errorf(core.ErrInvalidItemState, op, c.ID, "node was changed by another session")
			}
			if err := s.checkAnchor(latest, c.ID); err != nil {
				return err
			}
			t.Delete(c.Workspace, c.ID)
		default:
			if !s.changed(c) {
				continue
			}
			if !exists {
				return core.Errorf(core.ErrInvalidItemState, op, c.ID, "node was removed by another session")
			}
			if err := s.checkAnchor(latest, c.ID); err != nil {
				return err
			}
			merged, err := merge3(orig, c.Record, now)
			if err != nil {
				return err
			}
			t.Put(c.Workspace, merged)
		}
	}
	return nil
}

// original returns the state the session started from for id.
func (s *Session) original(id string) (*store.NodeRecord, bool) {
	if rec, ok := s.overlay.Original(s.ws, id); ok {
		return rec, true
	}
	if s.overlay.IsStaged(s.ws, id) {
		return nil, false
	}
	return s.overlay.Base().Node(s.ws, id)
}

func (s *Session) isReferenceable(rec *store.NodeRecord) bool {
	eff, err := s.effective(rec)
	return err == nil && eff.IsNodeType(core.MixReferenceable)
}

// checkAnchor fails when id is not referenceable and it, or an ancestor up
// to the nearest referenceable one, sits somewhere else in latest than it
// did when the session read it.
func (s *Session) checkAnchor(latest *store.Snapshot, id string) error {
	cur := id
	for depth := 0; depth < 10000; depth++ {
		orig, ok := s.original(cur)
		if !ok || orig.IsRoot() || s.isReferenceable(orig) {
			return nil
		}
		now, ok := latest.Node(s.ws, cur)
		if !ok {
			return core.Errorf(core.ErrInvalidItemState, "session.Save", id, "ancestor %s was removed by another session", cur)
		}
		if now.ParentID != orig.ParentID || now.Name != orig.Name {
			p, _ := store.PathOf(s.overlay.Base(), s.ws, cur)
			return core.Errorf(core.ErrInvalidItemState, "session.Save", id, "%s was moved by another session", p)
		}
		cur = orig.ParentID
	}
	return nil
}

// merge3 applies the session's edits (orig to mine) onto theirs, the
// latest committed record. Edits to the same field on both sides conflict.
func merge3(orig, mine, theirs *store.NodeRecord) (*store.NodeRecord, error) {
	if theirs.Revision == orig.Revision && theirs.ParentID == orig.ParentID && theirs.Name == orig.Name {
		return mine.Clone(), nil
	}
	conflict := func(what string) error {
		return core.Errorf(core.ErrInvalidItemState, "session.Save", mine.ID, "%s was changed by another session", what)
	}
	out := theirs.Clone()
	if mine.ParentID != orig.ParentID || mine.Name != orig.Name {
		if theirs.ParentID != orig.ParentID || theirs.Name != orig.Name {
			return nil, conflict("location")
		}
		out.ParentID, out.Name = mine.ParentID, mine.Name
	}
	if mine.PrimaryType != orig.PrimaryType {
		if theirs.PrimaryType != orig.PrimaryType {
			return nil, conflict("primary type")
		}
		out.PrimaryType = mine.PrimaryType
	}
	if !slices.Equal(mine.Mixins, orig.Mixins) {
		if !slices.Equal(theirs.Mixins, orig.Mixins) {
			return nil, conflict("mixin set")
		}
		out.Mixins = slices.Clone(mine.Mixins)
	}
	names := make(map[string]struct{}, len(orig.Properties)+len(mine.Properties))
	for name := range orig.Properties {
		names[name] = struct{}{}
	}
	for name := range mine.Properties {
		names[name] = struct{}{}
	}
	for name := range names {
		if name == core.JcrPrimaryType || name == core.JcrMixinTypes {
			continue
		}
		o, had := orig.Properties[name]
		m, has := mine.Properties[name]
		if had == has && (!had || o.Equal(m)) {
			continue
		}
		th, theirsHas := theirs.Properties[name]
		if theirsHas != had || (had && !th.Equal(o)) {
			return nil, conflict("property " + name)
		}
		if has {
			out.SetProperty(m.Clone())
		} else {
			out.RemoveProperty(name)
		}
	}
	if !slices.Equal(mine.Children, orig.Children) {
		children, err := mergeChildren(orig.Children, mine.Children, theirs.Children)
		if err != nil {
			return nil, conflict("child order")
		}
		out.Children = children
	}
	return out, nil
}

// mergeChildren applies additions and removals of mine to theirs. A local
// reorder only survives when theirs kept the original order.
func mergeChildren(orig, mine, theirs []string) ([]string, error) {
	if slices.Equal(theirs, orig) {
		return slices.Clone(mine), nil
	}
	if reordered(orig, mine) {
		return nil, core.ErrInvalidItemState
	}
	out := slices.DeleteFunc(slices.Clone(theirs), func(id string) bool {
		return slices.Contains(orig, id) && !slices.Contains(mine, id)
	})
	for _, id := range mine {
		if !slices.Contains(orig, id) && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out, nil
}

// reordered reports whether the ids present in both lists appear in a
// different relative order.
func reordered(orig, mine []string) bool {
	var a, b []string
	for _, id := range orig {
		if slices.Contains(mine, id) {
			a = append(a, id)
		}
	}
	for _, id := range mine {
		if slices.Contains(orig, id) {
			b = append(b, id)
		}
	}
	return !slices.Equal(a, b)
}

// validator checks the staged changes of a transaction against node types,
// locks, versioning, referential integrity and access rights.
type validator struct {
	s    *Session
	t    *store.Txn
	ws   string
	base *store.Snapshot
}

func (s *Session) validate(t *store.Txn) error {
	v := &validator{s: s, t: t, ws: s.ws, base: t.Base()}
	if err := v.initVersions(); err != nil {
		return err
	}
	removed := make(map[string]string)
	for _, c := range t.Staged() {
		if c.Workspace != v.ws {
			continue
		}
		if c.Record == nil {
			if err := v.removed(c.ID, removed); err != nil {
				return err
			}
			continue
		}
		if err := v.node(c.Record); err != nil {
			return err
		}
	}
	return v.referrers(removed)
}

func (v *validator) initVersions() error {
	vm := v.s.deps.Versions
	if vm == nil {
		return nil
	}
	for _, c := range v.t.Staged() {
		if c.Workspace != v.ws || c.Record == nil {
			continue
		}
		if vm.NeedsInitialize(v.t, v.ws, c.Record) {
			if err := vm.Initialize(v.t, v.ws, c.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *validator) removed(id string, refs map[string]string) error {
	const op = "session.Save"
	orig, ok := v.base.Node(v.ws, id)
	if !ok {
		return nil
	}
	p, err := store.PathOf(v.base, v.ws, id)
	if err != nil {
		return core.Wrap(core.ErrInvalidItemState, op, id, err)
	}
	if err := v.s.deps.Locks.CheckWritable(v.base, v.ws, id, v.s.tokens); err != nil {
		return err
	}
	if !v.s.permits(p.String(), auth.ActionRemove) {
		return core.Errorf(core.ErrAccessDenied, op, p.String(), "remove not permitted")
	}
	if v.s.isReferenceable(orig) {
		refs[id] = p.String()
	}
	return nil
}

func (v *validator) node(rec *store.NodeRecord) error {
	const op = "session.Save"
	orig, existed := v.base.Node(v.ws, rec.ID)
	moved := existed && (orig.ParentID != rec.ParentID || orig.Name != rec.Name)
	contentChanged := !existed || !orig.ContentEqual(rec)
	if !moved && !contentChanged {
		return nil
	}
	typesChanged := !existed || orig.PrimaryType != rec.PrimaryType || !slices.Equal(orig.Mixins, rec.Mixins)
	p, err := store.PathOf(v.t, v.ws, rec.ID)
	if err != nil {
		return core.Wrap(core.ErrInvalidItemState, op, rec.ID, err)
	}
	path := p.String()
	eff, err := v.s.deps.Types.Effective(rec.PrimaryType, rec.Mixins)
	if err != nil {
		return err
	}
	if eff.Primary.IsAbstract() {
		return core.Errorf(core.ErrConstraintViolation, op, path, "%s is abstract", rec.PrimaryType)
	}
	if !rec.IsRoot() && (!existed || moved || typesChanged) {
		if err := v.placement(rec, eff, path, !existed || moved); err != nil {
			return err
		}
	}
	if contentChanged {
		if !existed {
			orig = nil
		}
		if err := v.properties(rec, orig, eff, path, typesChanged); err != nil {
			return err
		}
		if err := v.mandatory(rec, eff, path); err != nil {
			return err
		}
	}
	if err := v.s.deps.Locks.CheckWritable(v.t, v.ws, rec.ID, v.s.tokens); err != nil {
		return err
	}
	if existed && contentChanged && !version.IsCheckedOut(v.base, v.ws, rec.ID) && !onlyIgnored(orig, rec, eff) {
		return core.Errorf(core.ErrVersion, op, path, "node is checked in")
	}
	action := auth.ActionSetProperty
	if !existed {
		action = auth.ActionAddNode
	}
	if !v.s.permits(path, action) {
		return core.Errorf(core.ErrAccessDenied, op, path, "%s not permitted", action)
	}
	return nil
}

func (v *validator) placement(rec *store.NodeRecord, eff *nodetype.Effective, path string, placed bool) error {
	const op = "session.Save"
	parent, ok := v.t.Node(v.ws, rec.ParentID)
	if !ok {
		return core.Errorf(core.ErrInvalidItemState, op, path, "parent no longer exists")
	}
	peff, err := v.s.deps.Types.Effective(parent.PrimaryType, parent.Mixins)
	if err != nil {
		return err
	}
	def, err := peff.ChildDefinition(rec.Name, eff.Primary)
	if err != nil {
		return core.Wrap(core.ErrConstraintViolation, op, path, err)
	}
	if placed && def.Protected {
		return core.Errorf(core.ErrConstraintViolation, op, path, "child node definition is protected")
	}
	if !def.SameNameSiblings && store.CountNamed(v.t, v.ws, parent, rec.Name) > 1 {
		return core.Errorf(core.ErrItemExists, op, path, "same-name siblings are not allowed here")
	}
	return nil
}

func (v *validator) properties(rec, orig *store.NodeRecord, eff *nodetype.Effective, path string, all bool) error {
	const op = "session.Save"
	for name, p := range rec.Properties {
		if !all && orig != nil {
			if q, ok := orig.Properties[name]; ok && q.Equal(p) {
				continue
			}
		}
		def, err := eff.PropertyDefinition(name, p.Type, p.Multiple)
		if err != nil {
			return core.Wrap(core.ErrConstraintViolation, op, path+"/"+name, err)
		}
		if def.RequiredType != core.TypeUndefined && def.RequiredType != p.Type {
			return core.Errorf(core.ErrConstraintViolation, op, path+"/"+name, "requires %s, got %s", def.RequiredType, p.Type)
		}
		if p.Type.IsReference() {
			if err := v.references(def, p, path); err != nil {
				return err
			}
			continue
		}
		if err := nodetype.CheckValueConstraints(def, p.Values); err != nil {
			return err
		}
	}
	return nil
}

// references checks reference targets. Strong references must point at an
// existing referenceable node or at a version; value constraints of
// reference properties name the node types a target must have.
func (v *validator) references(def nodetype.PropertyDefinition, p store.PropertyRecord, path string) error {
	const op = "session.Save"
	for _, val := range p.Values {
		target, ok := v.t.Node(v.ws, val.Str)
		if !ok {
			if p.Type == core.TypeReference && !version.Knows(v.t, val.Str) {
				return core.Errorf(core.ErrReferentialIntegrity, op, path+"/"+p.Name, "reference target %s does not exist", val.Str)
			}
			continue
		}
		teff, err := v.s.deps.Types.Effective(target.PrimaryType, target.Mixins)
		if err != nil {
			return err
		}
		if p.Type == core.TypeReference && !teff.IsNodeType(core.MixReferenceable) {
			return core.Errorf(core.ErrReferentialIntegrity, op, path+"/"+p.Name, "reference target %s is not referenceable", val.Str)
		}
		if len(def.ValueConstraints) > 0 && !slices.ContainsFunc(def.ValueConstraints, teff.IsNodeType) {
			return core.Errorf(core.ErrConstraintViolation, op, path+"/"+p.Name, "reference target %s has none of the required types", val.Str)
		}
	}
	return nil
}

func (v *validator) mandatory(rec *store.NodeRecord, eff *nodetype.Effective, path string) error {
	const op = "session.Save"
	for _, name := range eff.MandatoryProperties() {
		if _, ok := rec.Property(name); !ok {
			return core.Errorf(core.ErrConstraintViolation, op, path, "mandatory property %s is missing", name)
		}
	}
	for _, name := range eff.MandatoryChildren() {
		if store.CountNamed(v.t, v.ws, rec, name) == 0 {
			return core.Errorf(core.ErrConstraintViolation, op, path, "mandatory child node %s is missing", name)
		}
	}
	return nil
}

// onlyIgnored reports whether every change between orig and rec touches
// properties whose definition ignores checkin state.
func onlyIgnored(orig, rec *store.NodeRecord, eff *nodetype.Effective) bool {
	if orig.PrimaryType != rec.PrimaryType || !slices.Equal(orig.Mixins, rec.Mixins) || !slices.Equal(orig.Children, rec.Children) {
		return false
	}
	ignored := func(p store.PropertyRecord) bool {
		def, err := eff.PropertyDefinition(p.Name, p.Type, p.Multiple)
		return err == nil && def.OnParentVersion == nodetype.OPVIgnore
	}
	for name, p := range rec.Properties {
		if q, ok := orig.Properties[name]; ok && q.Equal(p) {
			continue
		}
		if !ignored(p) {
			return false
		}
	}
	for name, q := range orig.Properties {
		if _, ok := rec.Properties[name]; !ok && !ignored(q) {
			return false
		}
	}
	return true
}

// referrers fails when a removed referenceable node is still the target of
// a REFERENCE property of a node that survives the transaction.
func (v *validator) referrers(removed map[string]string) error {
	if len(removed) == 0 {
		return nil
	}
	check := func(rec *store.NodeRecord) error {
		for target, names := range rec.ReferenceTargets(false) {
			if path, gone := removed[target]; gone {
				return core.Errorf(core.ErrReferentialIntegrity, "session.Save", path,
					"node is still referenced by %s of node %s", names[0], rec.ID)
			}
		}
		return nil
	}
	var err error
	v.base.Nodes(v.ws, func(rec *store.NodeRecord) bool {
		if v.t.IsStaged(v.ws, rec.ID) {
			return true
		}
		err = check(rec)
		return err == nil
	})
	if err != nil {
		return err
	}
	for _, c := range v.t.Staged() {
		if c.Workspace != v.ws || c.Record == nil {
			continue
		}
		if err := check(c.Record); err != nil {
			return err
		}
	}
	return nil
}
