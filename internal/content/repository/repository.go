// Package repository wires the node store, type registry, namespace table,
// version and lock managers into a Repository and hands out sessions.
package repository

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/systemshift/contentrepo/internal/auth"
	"github.com/systemshift/contentrepo/internal/content/codec"
	"github.com/systemshift/contentrepo/internal/content/core"
	"github.com/systemshift/contentrepo/internal/content/lock"
	"github.com/systemshift/contentrepo/internal/content/nodetype"
	"github.com/systemshift/contentrepo/internal/content/session"
	"github.com/systemshift/contentrepo/internal/content/store"
	"github.com/systemshift/contentrepo/internal/content/version"
)

// DefaultWorkspace is used when Options.DefaultWorkspace is empty.
const DefaultWorkspace = "default"

// Blob kinds holding repository-wide registries.
const (
	kindNodeTypes  = "repository.nodetypes"
	kindNamespaces = "repository.namespaces"
	blobID         = "user"
)

// Hooks observe repository activity. Every field is optional.
type Hooks struct {
	OnCommit func(store.CommitEvent)
	OnSave   func(changes int, d time.Duration, err error)
	OnQuery  func(language string, d time.Duration, err error)
	OnLogin  func(userID string, err error)
	OnLogout func(userID string)
}

// Options configure Open.
type Options struct {
	// Backend persists the store. Nil keeps everything in memory.
	Backend store.Backend
	// DefaultWorkspace is created on first open and used by logins that do
	// not name a workspace.
	DefaultWorkspace string
	// Workspaces are created on open when missing.
	Workspaces []string
	// NodeTypeFiles are YAML definition files registered on open.
	NodeTypeFiles []string
	// Authenticator checks credentials. Nil admits every login with full
	// access.
	Authenticator *auth.Authenticator
	Hooks         Hooks
	Log           *zap.SugaredLogger
}

// Repository is an open content repository.
type Repository struct {
	store      *store.Store
	types      *nodetype.Registry
	namespaces *core.NamespaceRegistry
	versions   *version.Manager
	locks      *lock.Manager
	authn      *auth.Authenticator
	defaultWS  string
	hooks      Hooks
	log        *zap.SugaredLogger

	deps *session.Deps

	mu       sync.Mutex
	sessions map[string]*session.Session
	closed   bool
}

// Open loads the repository from opts.Backend and prepares it for logins.
func Open(ctx context.Context, opts Options) (*Repository, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	backend := opts.Backend
	if backend == nil {
		backend = store.NewMemoryBackend()
	}
	st, err := store.Open(ctx, backend, log.Named("store"))
	if err != nil {
		return nil, err
	}
	r := &Repository{
		store:      st,
		namespaces: core.NewNamespaceRegistry(),
		locks:      lock.NewManager(log.Named("lock")),
		authn:      opts.Authenticator,
		defaultWS:  opts.DefaultWorkspace,
		hooks:      opts.Hooks,
		log:        log,
		sessions:   make(map[string]*session.Session),
	}
	if r.defaultWS == "" {
		r.defaultWS = DefaultWorkspace
	}
	r.types = nodetype.NewRegistry(r.namespaces, log.Named("nodetype"))
	r.versions = version.NewManager(st, r.types, log.Named("version"))

	if err := r.init(ctx, opts); err != nil {
		st.Close()
		return nil, err
	}
	r.deps = &session.Deps{
		Store:      st,
		Types:      r.types,
		Namespaces: r.namespaces,
		Versions:   r.versions,
		Locks:      r.locks,
		Log:        log.Named("session"),
		OnSave:     opts.Hooks.OnSave,
		OnQuery:    opts.Hooks.OnQuery,
		OnLogout:   r.forget,
	}
	log.Infow("repository opened", "workspaces", st.Workspaces(), "user_types", len(r.types.UserDefinitions()))
	return r, nil
}

func (r *Repository) init(ctx context.Context, opts Options) error {
	if err := r.loadNamespaces(); err != nil {
		return err
	}
	if err := r.loadNodeTypes(); err != nil {
		return err
	}
	for _, path := range opts.NodeTypeFiles {
		defs, err := nodetype.LoadDefinitionFile(path)
		if err != nil {
			return fmt.Errorf("loading node types from %s: %w", path, err)
		}
		if _, err := r.types.RegisterAll(defs, true); err != nil {
			return err
		}
		r.log.Infow("node types registered", "file", path, "count", len(defs))
	}
	if err := r.saveNodeTypes(ctx, r.types.UserDefinitions()); err != nil {
		return err
	}

	r.store.SetSiblingPolicy(r.allowSameNameSibling)
	r.store.SetEventEmitter(r.emit)
	r.types.SetUsageCheck(r.typeInUse)
	r.types.OnChange(func(user []nodetype.Definition) error {
		return r.saveNodeTypes(context.Background(), user)
	})

	for _, ws := range append([]string{r.defaultWS}, opts.Workspaces...) {
		if r.store.Snapshot().HasWorkspace(ws) {
			continue
		}
		if err := r.store.CreateWorkspace(ctx, ws); err != nil {
			return err
		}
		r.log.Infow("workspace created", "name", ws)
	}
	return r.clearStaleLocks(ctx)
}

func (r *Repository) loadNamespaces() error {
	data, ok := r.store.Snapshot().Blob(kindNamespaces, blobID)
	if !ok {
		return nil
	}
	var m map[string]string
	if err := codec.Unmarshal(data, &m); err != nil {
		return core.Wrap(core.ErrInvalidSerializedData, "repository.Open", kindNamespaces, err)
	}
	for prefix, uri := range m {
		if err := r.namespaces.Register(prefix, uri); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) loadNodeTypes() error {
	data, ok := r.store.Snapshot().Blob(kindNodeTypes, blobID)
	if !ok {
		return nil
	}
	defs, err := nodetype.LoadDefinitions(bytes.NewReader(data))
	if err != nil {
		return core.Wrap(core.ErrInvalidSerializedData, "repository.Open", kindNodeTypes, err)
	}
	_, err = r.types.RegisterAll(defs, true)
	return err
}

func (r *Repository) saveNodeTypes(ctx context.Context, defs []nodetype.Definition) error {
	data, err := nodetype.MarshalDefinitions(defs)
	if err != nil {
		return err
	}
	if cur, ok := r.store.Snapshot().Blob(kindNodeTypes, blobID); ok && string(cur) == string(data) {
		return nil
	}
	return r.store.Update(ctx, func(t *store.Txn) error {
		t.PutBlob(kindNodeTypes, blobID, data)
		return nil
	})
}

func (r *Repository) saveNamespaces(ctx context.Context) error {
	data, err := codec.Marshal(r.namespaces.UserMappings())
	if err != nil {
		return err
	}
	return r.store.Update(ctx, func(t *store.Txn) error {
		t.PutBlob(kindNamespaces, blobID, data)
		return nil
	})
}

// clearStaleLocks drops lock properties left behind by a previous process.
// Locks live in memory only, so none of them can still be held.
func (r *Repository) clearStaleLocks(ctx context.Context) error {
	snap := r.store.Snapshot()
	stale := make(map[string][]string)
	for _, ws := range snap.Workspaces() {
		snap.Nodes(ws, func(n *store.NodeRecord) bool {
			if _, ok := n.Property(core.JcrLockOwner); ok {
				stale[ws] = append(stale[ws], n.ID)
			} else if _, ok := n.Property(core.JcrLockIsDeep); ok {
				stale[ws] = append(stale[ws], n.ID)
			}
			return true
		})
	}
	if len(stale) == 0 {
		return nil
	}
	return r.store.Update(ctx, func(t *store.Txn) error {
		for ws, ids := range stale {
			for _, id := range ids {
				n, err := t.Mutable(ws, id)
				if err != nil {
					return err
				}
				n.RemoveProperty(core.JcrLockOwner)
				n.RemoveProperty(core.JcrLockIsDeep)
			}
			r.log.Infow("stale lock properties cleared", "workspace", ws, "nodes", len(ids))
		}
		return nil
	})
}

// allowSameNameSibling is the store's sibling policy: a named child
// definition for name decides, otherwise the residual ones do.
func (r *Repository) allowSameNameSibling(_ store.View, _ string, parent *store.NodeRecord, name string) bool {
	eff, err := r.types.Effective(parent.PrimaryType, parent.Mixins)
	if err != nil {
		return false
	}
	defs := eff.ChildNodeDefinitions()
	named := false
	for _, d := range defs {
		if d.Name == name {
			named = true
			if d.SameNameSiblings {
				return true
			}
		}
	}
	if named {
		return false
	}
	for _, d := range defs {
		if d.IsResidual() && d.SameNameSiblings {
			return true
		}
	}
	return false
}

func (r *Repository) typeInUse(name string) bool {
	snap := r.store.Snapshot()
	used := false
	for _, ws := range snap.Workspaces() {
		snap.Nodes(ws, func(n *store.NodeRecord) bool {
			used = n.PrimaryType == name || slices.Contains(n.Mixins, name)
			return !used
		})
		if used {
			return true
		}
	}
	return false
}

func (r *Repository) emit(ev store.CommitEvent) {
	r.locks.Prune(r.store.Snapshot())
	if r.hooks.OnCommit != nil {
		r.hooks.OnCommit(ev)
	}
}

// Login authenticates creds and opens a session on workspace. An empty
// workspace means the default one.
func (r *Repository) Login(ctx context.Context, creds auth.Credentials, workspace string) (*session.Session, error) {
	const op = "repository.Login"
	if err := r.checkOpen(op); err != nil {
		return nil, err
	}
	if workspace == "" {
		workspace = r.defaultWS
	}
	userID, access, attrs, err := r.authenticate(creds)
	var s *session.Session
	if err == nil {
		s, err = session.New(r.deps, workspace, userID, access, attrs)
	}
	if r.hooks.OnLogin != nil {
		r.hooks.OnLogin(userID, err)
	}
	if err != nil {
		r.log.Warnw("login failed", "workspace", workspace, "error", err)
		return nil, err
	}
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
	r.log.Debugw("login", "user", userID, "workspace", workspace, "session", s.ID())
	return s, nil
}

func (r *Repository) authenticate(creds auth.Credentials) (string, auth.AccessManager, map[string]string, error) {
	var attrs map[string]string
	userID := auth.AnonymousUserID
	if c, ok := creds.(auth.SimpleCredentials); ok {
		attrs = maps.Clone(c.Attributes)
		userID = c.UserID
	}
	if creds == nil {
		return "", nil, nil, core.Errorf(core.ErrLogin, "repository.Login", "", "no credentials")
	}
	if r.authn == nil {
		if _, guest := creds.(auth.GuestCredentials); guest {
			return userID, auth.ReadOnly{}, nil, nil
		}
		return userID, auth.AllowAll{}, attrs, nil
	}
	id, access, err := r.authn.Authenticate(creds)
	if err != nil {
		return "", nil, nil, err
	}
	return id, access, attrs, nil
}

func (r *Repository) forget(s *session.Session) {
	r.mu.Lock()
	delete(r.sessions, s.ID())
	r.mu.Unlock()
	if r.hooks.OnLogout != nil {
		r.hooks.OnLogout(s.UserID())
	}
}

func (r *Repository) checkOpen(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return core.Errorf(core.ErrIllegalState, op, "", "repository is closed")
	}
	return nil
}

// ActiveSessions returns the number of live sessions.
func (r *Repository) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Workspaces lists the workspace names.
func (r *Repository) Workspaces() []string { return r.store.Workspaces() }

// DefaultWorkspace returns the workspace used when a login names none.
func (r *Repository) DefaultWorkspace() string { return r.defaultWS }

// NodeTypes returns the node type registry.
func (r *Repository) NodeTypes() *nodetype.Registry { return r.types }

// Namespaces returns the namespace table.
func (r *Repository) Namespaces() *core.NamespaceRegistry { return r.namespaces }

// RegisterNamespace maps prefix to uri and persists the table.
func (r *Repository) RegisterNamespace(ctx context.Context, prefix, uri string) error {
	if err := r.namespaces.Register(prefix, uri); err != nil {
		return err
	}
	return r.saveNamespaces(ctx)
}

// UnregisterNamespace removes a user prefix and persists the table.
func (r *Repository) UnregisterNamespace(ctx context.Context, prefix string) error {
	if err := r.namespaces.Unregister(prefix); err != nil {
		return err
	}
	return r.saveNamespaces(ctx)
}

// Store exposes the node store to administrative tools.
func (r *Repository) Store() *store.Store { return r.store }

// Close logs out every session and closes the backend.
func (r *Repository) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	open := slices.Collect(maps.Values(r.sessions))
	r.mu.Unlock()

	for _, s := range open {
		s.Logout(ctx)
	}
	if err := r.store.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	r.log.Infow("repository closed", "sessions", len(open))
	return nil
}
