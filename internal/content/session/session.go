// Package session is the client-facing view of a workspace. A Session reads
// the committed store through a private transient overlay: node and property
// changes stay in the overlay until Save validates them and commits them in
// one store transaction. Locking, versioning and the workspace-level
// operations take effect immediately.
//
// A Session is not safe for concurrent use; open one session per goroutine.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/systemshift/contentrepo/internal/auth"
	"github.com/systemshift/contentrepo/internal/content/core"
	"github.com/systemshift/contentrepo/internal/content/lock"
	"github.com/systemshift/contentrepo/internal/content/nodetype"
	"github.com/systemshift/contentrepo/internal/content/store"
	"github.com/systemshift/contentrepo/internal/content/version"
)

// Deps are the repository services a session works with. They are shared by
// every session of a repository.
type Deps struct {
	Store      *store.Store
	Types      *nodetype.Registry
	Namespaces *core.NamespaceRegistry
	Versions   *version.Manager
	Locks      *lock.Manager
	Log        *zap.SugaredLogger

	// OnSave is called after every Save with the number of changed nodes.
	OnSave func(changes int, d time.Duration, err error)
	// OnQuery is called after every query execution.
	OnQuery func(language string, d time.Duration, err error)
	// OnLogout is called once when a session logs out.
	OnLogout func(s *Session)
}

// Session is an authenticated connection to one workspace.
type Session struct {
	deps    *Deps
	id      string
	userID  string
	ws      string
	access  auth.AccessManager
	attrs   map[string]string
	overlay *store.Txn
	tokens  []string
	live    bool
	log     *zap.SugaredLogger
}

// New opens a session on workspace ws for userID. A nil access manager
// permits everything.
func New(deps *Deps, ws, userID string, access auth.AccessManager, attrs map[string]string) (*Session, error) {
	snap := deps.Store.Snapshot()
	if !snap.HasWorkspace(ws) {
		return nil, core.Errorf(core.ErrNoSuchWorkspace, "session.New", ws, "workspace does not exist")
	}
	if access == nil {
		access = auth.AllowAll{}
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Session{
		deps:    deps,
		id:      uuid.New().String(),
		userID:  userID,
		ws:      ws,
		access:  access,
		attrs:   attrs,
		overlay: store.NewDetachedTxn(snap),
		live:    true,
	}
	s.log = log.With("session", s.id, "workspace", ws)
	return s, nil
}

// ID identifies the session. Session-scoped locks are tied to it.
func (s *Session) ID() string { return s.id }

// UserID returns the authenticated user.
func (s *Session) UserID() string { return s.userID }

// WorkspaceName returns the workspace the session is bound to.
func (s *Session) WorkspaceName() string { return s.ws }

// Attribute returns a credentials attribute given at login.
func (s *Session) Attribute(name string) (string, bool) {
	v, ok := s.attrs[name]
	return v, ok
}

// AttributeNames lists the credentials attributes.
func (s *Session) AttributeNames() []string {
	out := make([]string, 0, len(s.attrs))
	for k := range s.attrs {
		out = append(out, k)
	}
	return out
}

// IsLive reports whether Logout has not been called yet.
func (s *Session) IsLive() bool { return s.live }

// Workspace returns the workspace-level API of the session.
func (s *Session) Workspace() *Workspace { return &Workspace{s: s} }

// Types returns the node type registry.
func (s *Session) Types() *nodetype.Registry { return s.deps.Types }

// Logout releases session-scoped locks and ends the session. Pending
// changes are discarded.
func (s *Session) Logout(ctx context.Context) {
	if !s.live {
		return
	}
	released := s.deps.Locks.ReleaseSession(s.id)
	if len(released) > 0 {
		ids := make([]string, 0, len(released))
		for _, l := range released {
			if l.Workspace == s.ws {
				ids = append(ids, l.NodeID)
			}
		}
		if err := s.clearLockProperties(ctx, ids); err != nil {
			s.log.Warnw("clearing lock properties on logout", "error", err)
		}
	}
	s.live = false
	s.overlay = store.NewDetachedTxn(s.deps.Store.Snapshot())
	s.log.Debugw("session closed", "user", s.userID, "released_locks", len(released))
	if s.deps.OnLogout != nil {
		s.deps.OnLogout(s)
	}
}

func (s *Session) checkLive(op string) error {
	if !s.live {
		return core.Errorf(core.ErrIllegalState, op, "", "session has been logged out")
	}
	return nil
}

// view is what reads go through: the committed base plus transient changes.
func (s *Session) view() store.View { return s.overlay }

func (s *Session) record(id string) (*store.NodeRecord, bool) {
	return s.overlay.Node(s.ws, id)
}

func (s *Session) pathOf(id string) (core.Path, error) {
	return store.PathOf(s.overlay, s.ws, id)
}

func (s *Session) effective(rec *store.NodeRecord) (*nodetype.Effective, error) {
	return s.deps.Types.Effective(rec.PrimaryType, rec.Mixins)
}

func (s *Session) checkName(name string) error {
	if s.deps.Namespaces != nil {
		return s.deps.Namespaces.CheckName(name)
	}
	return core.ValidateName(name)
}

func (s *Session) permits(path string, action auth.Action) bool {
	return s.access.Permits(s.ws, path, action)
}

func (s *Session) requirePermission(op, path string, action auth.Action) error {
	if !s.permits(path, action) {
		return core.Errorf(core.ErrAccessDenied, op, path, "%s not permitted", action)
	}
	return nil
}

// RootNode returns the root node of the workspace.
func (s *Session) RootNode() (*Node, error) {
	return s.GetNodeByIdentifier(core.RootID)
}

// GetNode returns the node at the absolute path absPath.
func (s *Session) GetNode(absPath string) (*Node, error) {
	const op = "session.GetNode"
	if err := s.checkLive(op); err != nil {
		return nil, err
	}
	p, err := core.ParseAbsPath(absPath)
	if err != nil {
		return nil, err
	}
	rec, err := store.ResolvePath(s.overlay, s.ws, p)
	if err != nil {
		return nil, err
	}
	if !s.permits(p.String(), auth.ActionRead) {
		return nil, core.Errorf(core.ErrPathNotFound, op, absPath, "no node at %s", absPath)
	}
	return &Node{s: s, id: rec.ID}, nil
}

// GetNodeByIdentifier returns the node with the given identifier.
func (s *Session) GetNodeByIdentifier(id string) (*Node, error) {
	const op = "session.GetNodeByIdentifier"
	if err := s.checkLive(op); err != nil {
		return nil, err
	}
	if _, err := store.GetNodeByIdentifier(s.overlay, s.ws, id); err != nil {
		return nil, err
	}
	n := &Node{s: s, id: id}
	if !s.permits(n.Path(), auth.ActionRead) {
		return nil, core.Errorf(core.ErrItemNotFound, op, id, "no node with this identifier")
	}
	return n, nil
}

// GetNodeByUUID is GetNodeByIdentifier for referenceable nodes.
func (s *Session) GetNodeByUUID(uuid string) (*Node, error) {
	n, err := s.GetNodeByIdentifier(uuid)
	if err != nil {
		return nil, err
	}
	if !n.IsNodeType(core.MixReferenceable) {
		return nil, core.Errorf(core.ErrItemNotFound, "session.GetNodeByUUID", uuid, "node is not referenceable")
	}
	return n, nil
}

// GetProperty returns the property at absPath.
func (s *Session) GetProperty(absPath string) (*Property, error) {
	const op = "session.GetProperty"
	p, err := core.ParseAbsPath(absPath)
	if err != nil {
		return nil, err
	}
	if p.IsRoot() {
		return nil, core.Errorf(core.ErrPathNotFound, op, absPath, "the root path names a node")
	}
	parent, err := p.Parent()
	if err != nil {
		return nil, err
	}
	n, err := s.GetNode(parent.String())
	if err != nil {
		return nil, core.Errorf(core.ErrPathNotFound, op, absPath, "no property at %s", absPath)
	}
	return n.GetProperty(p.Last().Name)
}

// GetItem returns the node at absPath, or the property if there is no node
// there.
func (s *Session) GetItem(absPath string) (Item, error) {
	if n, err := s.GetNode(absPath); err == nil {
		return n, nil
	} else if !core.IsNotFound(err) {
		return nil, err
	}
	p, err := s.GetProperty(absPath)
	if err != nil {
		return nil, core.Errorf(core.ErrPathNotFound, "session.GetItem", absPath, "no item at %s", absPath)
	}
	return p, nil
}

// NodeExists reports whether a readable node exists at absPath.
func (s *Session) NodeExists(absPath string) bool {
	_, err := s.GetNode(absPath)
	return err == nil
}

// PropertyExists reports whether a readable property exists at absPath.
func (s *Session) PropertyExists(absPath string) bool {
	_, err := s.GetProperty(absPath)
	return err == nil
}

// ItemExists reports whether a node or property exists at absPath.
func (s *Session) ItemExists(absPath string) bool {
	_, err := s.GetItem(absPath)
	return err == nil
}

// Move moves the node at src to the absolute path dest. The move is
// transient; it is persisted by Save. Identifiers are kept.
func (s *Session) Move(src, dest string) error {
	const op = "session.Move"
	n, err := s.GetNode(src)
	if err != nil {
		return err
	}
	parent, name, err := s.destination(s.overlay, op, dest)
	if err != nil {
		return err
	}
	if err := s.requirePermission(op, src, auth.ActionRemove); err != nil {
		return err
	}
	if err := s.requirePermission(op, dest, auth.ActionAddNode); err != nil {
		return err
	}
	return s.overlay.MoveNode(s.ws, n.id, parent.ID, name)
}

// destination resolves the parent and the new name of an absolute
// destination path in v. The last segment must not carry an index.
func (s *Session) destination(v store.View, op, dest string) (*store.NodeRecord, string, error) {
	p, err := core.ParseAbsPath(dest)
	if err != nil {
		return nil, "", err
	}
	if p.IsRoot() {
		return nil, "", core.Errorf(core.ErrInvalidArgument, op, dest, "destination is the root path")
	}
	if p.Last().Index != 0 {
		return nil, "", core.Errorf(core.ErrInvalidArgument, op, dest, "destination must not carry an index")
	}
	if err := s.checkName(p.Name()); err != nil {
		return nil, "", err
	}
	pp, err := p.Parent()
	if err != nil {
		return nil, "", err
	}
	parent, err := store.ResolvePath(v, s.ws, pp)
	if err != nil {
		return nil, "", err
	}
	return parent, p.Name(), nil
}

// RemoveItem removes the node or property at absPath.
func (s *Session) RemoveItem(absPath string) error {
	it, err := s.GetItem(absPath)
	if err != nil {
		return err
	}
	return it.Remove()
}

// HasPendingChanges reports whether the overlay holds unsaved changes.
func (s *Session) HasPendingChanges() bool {
	for _, c := range s.overlay.Staged() {
		if s.changed(c) {
			return true
		}
	}
	return false
}

// changed reports whether a staged entry differs from its original.
func (s *Session) changed(c store.NodeChange) bool {
	orig, existed := s.overlay.Original(c.Workspace, c.ID)
	if c.Record == nil || !existed {
		return true
	}
	return !orig.ContentEqual(c.Record) || orig.ParentID != c.Record.ParentID || orig.Name != c.Record.Name
}

// Refresh drops the transient state (keepChanges false) or keeps it and only
// makes items the session has not touched show the latest committed state
// (keepChanges true).
func (s *Session) Refresh(keepChanges bool) error {
	if err := s.checkLive("session.Refresh"); err != nil {
		return err
	}
	snap := s.deps.Store.Snapshot()
	if keepChanges {
		s.overlay.Rebase(snap)
		return nil
	}
	s.overlay = store.NewDetachedTxn(snap)
	return nil
}

// LockTokens returns the lock tokens held by the session.
func (s *Session) LockTokens() []string {
	return append([]string(nil), s.tokens...)
}

// AddLockToken makes the session a holder of token.
func (s *Session) AddLockToken(token string) {
	for _, t := range s.tokens {
		if t == token {
			return
		}
	}
	s.tokens = append(s.tokens, token)
}

// RemoveLockToken gives up token.
func (s *Session) RemoveLockToken(token string) {
	for i, t := range s.tokens {
		if t == token {
			s.tokens = append(s.tokens[:i], s.tokens[i+1:]...)
			return
		}
	}
}

// HasPermission reports whether every action in the comma separated list
// is permitted on absPath.
func (s *Session) HasPermission(absPath, actions string) bool {
	return s.CheckPermission(absPath, actions) == nil
}

// CheckPermission fails with ErrAccessDenied unless every action in the
// comma separated list is permitted on absPath.
func (s *Session) CheckPermission(absPath, actions string) error {
	const op = "session.CheckPermission"
	p, err := core.ParseAbsPath(absPath)
	if err != nil {
		return err
	}
	for _, a := range auth.ParseActions(actions) {
		if err := s.requirePermission(op, p.String(), a); err != nil {
			return err
		}
	}
	return nil
}

// rebase makes committed changes of immediate operations visible to the
// session without dropping its pending changes.
func (s *Session) rebase() {
	s.overlay.Rebase(s.deps.Store.Snapshot())
}
