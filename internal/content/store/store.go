package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/systemshift/contentrepo/internal/content/core"
)

// CommitEvent describes a commit after it became visible.
type CommitEvent struct {
	Seq        uint64
	Workspaces []string
	Nodes      int
	Blobs      int
	Duration   time.Duration
	Time       time.Time
}

// SiblingPolicy decides whether parent may get another child called name.
type SiblingPolicy func(v View, ws string, parent *NodeRecord, name string) bool

// Store is the committed, multi-workspace node tree. Readers take a
// Snapshot and never block; writers are serialised by Update.
type Store struct {
	backend  Backend
	snap     atomic.Pointer[Snapshot]
	mu       sync.Mutex
	allowSNS SiblingPolicy
	emitter  func(CommitEvent)
	log      *zap.SugaredLogger
}

// Open loads the backend's state into a new store.
func Open(ctx context.Context, backend Backend, log *zap.SugaredLogger) (*Store, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	img, err := backend.Load(ctx)
	if err != nil {
		return nil, core.Wrap(core.ErrRepository, "store.Open", "", err)
	}
	s := &Store{backend: backend, log: log}
	snap := fromImage(img)
	s.snap.Store(snap)
	log.Infow("store opened", "workspaces", snap.Workspaces(), "seq", snap.Seq())
	return s, nil
}

// SetSiblingPolicy installs the check used by the workspace-level node
// operations when a same-name sibling would be created. Without a policy
// same-name siblings are always allowed.
func (s *Store) SetSiblingPolicy(p SiblingPolicy) {
	s.mu.Lock()
	s.allowSNS = p
	s.mu.Unlock()
}

// SetEventEmitter installs the callback run after every commit.
func (s *Store) SetEventEmitter(emitter func(CommitEvent)) {
	s.mu.Lock()
	s.emitter = emitter
	s.mu.Unlock()
}

// Snapshot returns the latest committed state.
func (s *Store) Snapshot() *Snapshot { return s.snap.Load() }

// Workspaces lists the existing workspaces.
func (s *Store) Workspaces() []string { return s.Snapshot().Workspaces() }

// Update runs fn against a transaction on the latest snapshot. When fn
// returns nil the staged changes are persisted in one backend transaction
// and published as the new snapshot; otherwise nothing changes.
func (s *Store) Update(ctx context.Context, fn func(*Txn) error) error {
	start := time.Now()
	snap, txn, cs, emitter, err := s.commit(ctx, fn)
	if err != nil {
		return err
	}
	for _, h := range txn.hooks {
		h(snap)
	}
	if cs == nil {
		return nil
	}
	ev := CommitEvent{
		Seq:        cs.Seq,
		Workspaces: txn.ChangedWorkspaces(),
		Nodes:      len(cs.Nodes),
		Blobs:      len(cs.Blobs),
		Duration:   time.Since(start),
		Time:       time.Now(),
	}
	s.log.Debugw("commit", "seq", ev.Seq, "workspaces", ev.Workspaces, "nodes", ev.Nodes, "blobs", ev.Blobs, "duration", ev.Duration)
	if emitter != nil {
		emitter(ev)
	}
	return nil
}

// commit runs fn and publishes its changes under the writer lock. The
// returned change set is nil when fn staged nothing. Hooks and the emitter
// run after the lock is released.
func (s *Store) commit(ctx context.Context, fn func(*Txn) error) (*Snapshot, *Txn, *ChangeSet, func(CommitEvent), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := s.snap.Load()
	txn := newTxn(s, base)
	if err := fn(txn); err != nil {
		return nil, nil, nil, nil, err
	}
	cs := txn.changeSet(base.Seq() + 1)
	if cs.Empty() {
		return base, txn, nil, nil, nil
	}
	if err := s.backend.Apply(ctx, cs); err != nil {
		s.log.Errorw("commit failed", "seq", cs.Seq, "error", err)
		return nil, nil, nil, nil, core.Wrap(core.ErrRepository, "store.Update", "", err)
	}
	next := base.apply(cs)
	s.snap.Store(next)
	return next, txn, cs, s.emitter, nil
}

// CreateWorkspace creates an empty workspace.
func (s *Store) CreateWorkspace(ctx context.Context, ws string) error {
	return s.Update(ctx, func(t *Txn) error { return t.CreateWorkspace(ws) })
}

// DeleteWorkspace removes a workspace and all its nodes.
func (s *Store) DeleteWorkspace(ctx context.Context, ws string) error {
	return s.Update(ctx, func(t *Txn) error { return t.DropWorkspace(ws) })
}

// GetNodeByIdentifier looks a node up in the latest snapshot.
func (s *Store) GetNodeByIdentifier(ws, id string) (*NodeRecord, error) {
	return s.Snapshot().GetNodeByIdentifier(ws, id)
}

// GetNodeByPath resolves a path in the latest snapshot.
func (s *Store) GetNodeByPath(ws, path string) (*NodeRecord, error) {
	return s.Snapshot().GetNodeByPath(ws, path)
}

// CreateNode creates and commits a single node.
func (s *Store) CreateNode(ctx context.Context, ws, parentID, name, primaryType string) (*NodeRecord, error) {
	var rec *NodeRecord
	err := s.Update(ctx, func(t *Txn) error {
		var err error
		rec, err = t.CreateNode(ws, parentID, name, primaryType, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetNodeByIdentifier(ws, rec.ID)
}

// RemoveNode removes and commits the subtree rooted at id.
func (s *Store) RemoveNode(ctx context.Context, ws, id string) error {
	return s.Update(ctx, func(t *Txn) error { return t.RemoveNode(ws, id) })
}

// MoveNode moves src to the absolute path dest and commits immediately.
func (s *Store) MoveNode(ctx context.Context, ws, src, dest string) error {
	return s.Update(ctx, func(t *Txn) error {
		n, err := t.GetNodeByPath(ws, src)
		if err != nil {
			return err
		}
		destPath, err := core.ParseAbsPath(dest)
		if err != nil {
			return err
		}
		if destPath.Last().Index > 1 {
			return core.Errorf(core.ErrInvalidArgument, "store.MoveNode", dest, "destination must not carry an index")
		}
		parentPath, err := destPath.Parent()
		if err != nil {
			return err
		}
		parent, err := ResolvePath(t, ws, parentPath)
		if err != nil {
			return err
		}
		return t.MoveNode(ws, n.ID, parent.ID, destPath.Name())
	})
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
