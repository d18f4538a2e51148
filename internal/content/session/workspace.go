package session

import (
	"context"

	"github.com/systemshift/contentrepo/internal/auth"
	"github.com/systemshift/contentrepo/internal/content/core"
	"github.com/systemshift/contentrepo/internal/content/nodetype"
	"github.com/systemshift/contentrepo/internal/content/store"
	"github.com/systemshift/contentrepo/internal/content/version"
)

// Workspace holds the operations of a session that act on the committed
// workspace directly. They do not touch the session's pending changes but
// make their results visible to it.
type Workspace struct {
	s *Session
}

func (w *Workspace) Name() string { return w.s.ws }

func (w *Workspace) Session() *Session { return w.s }

// NodeTypeManager returns the repository's node type registry.
func (w *Workspace) NodeTypeManager() *nodetype.Registry { return w.s.deps.Types }

// NamespaceRegistry returns the repository's namespace table.
func (w *Workspace) NamespaceRegistry() *core.NamespaceRegistry { return w.s.deps.Namespaces }

// LockManager returns the lock API of the workspace.
func (w *Workspace) LockManager() *LockManager { return &LockManager{s: w.s} }

// VersionManager returns the versioning API of the workspace.
func (w *Workspace) VersionManager() *VersionManager { return &VersionManager{s: w.s} }

// QueryManager returns the query API of the workspace.
func (w *Workspace) QueryManager() *QueryManager { return &QueryManager{s: w.s} }

// AccessibleWorkspaceNames lists the workspaces of the repository.
func (w *Workspace) AccessibleWorkspaceNames() []string {
	return w.s.deps.Store.Workspaces()
}

// CreateWorkspace creates a workspace. When srcWorkspace is not empty the
// new workspace starts as a clone of it.
func (w *Workspace) CreateWorkspace(ctx context.Context, name, srcWorkspace string) error {
	const op = "session.CreateWorkspace"
	if err := w.s.checkLive(op); err != nil {
		return err
	}
	err := w.s.deps.Store.Update(ctx, func(t *store.Txn) error {
		if err := t.CreateWorkspace(name); err != nil {
			return err
		}
		if srcWorkspace == "" {
			return nil
		}
		root, ok := t.Node(srcWorkspace, core.RootID)
		if !ok {
			return core.Errorf(core.ErrNoSuchWorkspace, op, srcWorkspace, "workspace does not exist")
		}
		dest, err := t.Mutable(name, core.RootID)
		if err != nil {
			return err
		}
		for k, p := range root.Properties {
			dest.Properties[k] = p.Clone()
		}
		dest.Mixins = append([]string(nil), root.Mixins...)
		var ids []string
		for _, c := range store.Children(t, srcWorkspace, root) {
			if _, err := t.CloneSubtree(srcWorkspace, c.ID, name, core.RootID, c.Name, false); err != nil {
				return err
			}
			ids = append(ids, store.SubtreeIDs(t, name, c.ID)...)
		}
		if w.s.deps.Versions == nil {
			return nil
		}
		return w.s.deps.Versions.CopyState(t, srcWorkspace, name, ids)
	})
	if err != nil {
		return err
	}
	w.s.log.Infow("workspace created", "name", name, "source", srcWorkspace)
	return nil
}

// DeleteWorkspace removes a workspace and everything in it. A session
// cannot delete its own workspace.
func (w *Workspace) DeleteWorkspace(ctx context.Context, name string) error {
	const op = "session.DeleteWorkspace"
	if err := w.s.checkLive(op); err != nil {
		return err
	}
	if name == w.s.ws {
		return core.Errorf(core.ErrInvalidArgument, op, name, "cannot delete the session's own workspace")
	}
	if err := w.s.deps.Store.DeleteWorkspace(ctx, name); err != nil {
		return err
	}
	w.s.log.Infow("workspace deleted", "name", name)
	return nil
}

// immediate runs fn in a store transaction, validates its result like Save
// does and commits.
func (w *Workspace) immediate(ctx context.Context, op string, fn func(t *store.Txn) error) error {
	if err := w.s.checkLive(op); err != nil {
		return err
	}
	err := w.s.deps.Store.Update(ctx, func(t *store.Txn) error {
		if err := fn(t); err != nil {
			return err
		}
		return w.s.validate(t)
	})
	if err != nil {
		return err
	}
	w.s.rebase()
	return nil
}

func (w *Workspace) source(t *store.Txn, op, ws, src string) (*store.NodeRecord, error) {
	p, err := core.ParseAbsPath(src)
	if err != nil {
		return nil, err
	}
	if ws == w.s.ws && !w.s.permits(p.String(), auth.ActionRead) {
		return nil, core.Errorf(core.ErrPathNotFound, op, src, "no node at %s", src)
	}
	return store.ResolvePath(t, ws, p)
}

// Move moves the node at src to dest and commits at once. Unlike
// Session.Move it does not need Save.
func (w *Workspace) Move(ctx context.Context, src, dest string) error {
	const op = "session.Workspace.Move"
	return w.immediate(ctx, op, func(t *store.Txn) error {
		n, err := w.source(t, op, w.s.ws, src)
		if err != nil {
			return err
		}
		parent, name, err := w.s.destination(t, op, dest)
		if err != nil {
			return err
		}
		return t.MoveNode(w.s.ws, n.ID, parent.ID, name)
	})
}

// Copy copies the subtree at src to dest within the workspace. The copies
// get new identifiers.
func (w *Workspace) Copy(ctx context.Context, src, dest string) error {
	return w.CopyFrom(ctx, w.s.ws, src, dest)
}

// CopyFrom copies the subtree at src in srcWorkspace to dest in this
// workspace.
func (w *Workspace) CopyFrom(ctx context.Context, srcWorkspace, src, dest string) error {
	const op = "session.Workspace.Copy"
	return w.immediate(ctx, op, func(t *store.Txn) error {
		n, err := w.source(t, op, srcWorkspace, src)
		if err != nil {
			return err
		}
		parent, name, err := w.s.destination(t, op, dest)
		if err != nil {
			return err
		}
		_, err = t.CopySubtree(srcWorkspace, n.ID, w.s.ws, parent.ID, name)
		return err
	})
}

// Clone copies the subtree at src in srcWorkspace to dest keeping
// identifiers. Nodes here with clashing identifiers are removed first when
// removeExisting is set. Versionable nodes share their histories with the
// source workspace.
func (w *Workspace) Clone(ctx context.Context, srcWorkspace, src, dest string, removeExisting bool) error {
	const op = "session.Workspace.Clone"
	return w.immediate(ctx, op, func(t *store.Txn) error {
		n, err := w.source(t, op, srcWorkspace, src)
		if err != nil {
			return err
		}
		parent, name, err := w.s.destination(t, op, dest)
		if err != nil {
			return err
		}
		root, err := t.CloneSubtree(srcWorkspace, n.ID, w.s.ws, parent.ID, name, removeExisting)
		if err != nil {
			return err
		}
		if w.s.deps.Versions == nil {
			return nil
		}
		return w.s.deps.Versions.CopyState(t, srcWorkspace, w.s.ws, store.SubtreeIDs(t, w.s.ws, root.ID))
	})
}

// HasCapability reports whether method could succeed on target with args.
// A false result is certain; true means nothing obvious stands in the way.
// Known methods are addNode, setProperty, remove, addMixin, orderBefore,
// checkin, checkout, lock and unlock.
func (s *Session) HasCapability(method string, target Item, args ...any) bool {
	if !s.live {
		return false
	}
	arg := func(i int) string {
		if i < len(args) {
			if v, ok := args[i].(string); ok {
				return v
			}
		}
		return ""
	}
	switch it := target.(type) {
	case *Node:
		return s.nodeCapability(method, it, arg)
	case *Property:
		if method != "remove" && method != "setValue" {
			return true
		}
		n := it.node
		if !n.IsCheckedOut() || s.deps.Locks.CheckWritable(s.overlay, s.ws, n.id, s.tokens) != nil {
			return false
		}
		rec, err := n.rec()
		if err != nil {
			return false
		}
		eff, err := s.effective(rec)
		if err != nil || eff.IsProtectedProperty(it.name) {
			return false
		}
		action := auth.ActionSetProperty
		if method == "remove" {
			action = auth.ActionRemove
		}
		return s.permits(it.Path(), action)
	}
	return true
}

func (s *Session) nodeCapability(method string, n *Node, arg func(int) string) bool {
	rec, err := n.rec()
	if err != nil {
		return false
	}
	eff, err := s.effective(rec)
	if err != nil {
		return false
	}
	writable := func(id string) bool {
		return s.deps.Locks.CheckWritable(s.overlay, s.ws, id, s.tokens) == nil
	}
	switch method {
	case "addNode":
		if !n.IsCheckedOut() || !writable(n.id) || !s.permits(n.Path(), auth.ActionAddNode) {
			return false
		}
		name, typ := arg(0), arg(1)
		if name == "" {
			return true
		}
		if typ == "" {
			_, err := eff.DefaultChildType(name)
			return err == nil
		}
		nt, err := s.deps.Types.Get(typ)
		if err != nil {
			return false
		}
		_, err = eff.ChildDefinition(name, nt)
		return err == nil
	case "setProperty":
		name := arg(0)
		return n.IsCheckedOut() && writable(n.id) && (name == "" || !eff.IsProtectedProperty(name)) &&
			s.permits(n.Path(), auth.ActionSetProperty)
	case "remove":
		if rec.IsRoot() || !writable(n.id) || !writable(rec.ParentID) {
			return false
		}
		return version.IsCheckedOut(s.overlay, s.ws, rec.ParentID) && s.permits(n.Path(), auth.ActionRemove)
	case "addMixin":
		return n.CanAddMixin(arg(0))
	case "orderBefore":
		return eff.Orderable() && n.IsCheckedOut() && writable(n.id)
	case "checkin", "checkout":
		return eff.IsNodeType(core.MixSimpleVersionable) && writable(n.id)
	case "lock":
		return eff.IsNodeType(core.MixLockable) && !n.IsLocked()
	case "unlock":
		l, ok := s.deps.Locks.LockFor(s.overlay, s.ws, n.id)
		return ok && l.NodeID == n.id && s.holdsToken(l.Token)
	}
	return true
}
