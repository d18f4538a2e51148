// Package lock implements advisory node locks. Locks take effect
// immediately; they are not part of the session's transient state.
package lock

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/systemshift/contentrepo/internal/content/core"
	"github.com/systemshift/contentrepo/internal/content/store"
)

// Lock is a lock held on one node.
type Lock struct {
	Token         string
	Workspace     string
	NodeID        string
	Owner         string
	Deep          bool
	SessionScoped bool
	// SessionID identifies the session that created the lock.
	SessionID string
	Created   time.Time
	// Expires is zero for locks without a timeout.
	Expires time.Time
}

// IsLive reports whether the lock has not timed out at now.
func (l *Lock) IsLive(now time.Time) bool {
	return l.Expires.IsZero() || now.Before(l.Expires)
}

// Options describe a lock request.
type Options struct {
	Deep          bool
	SessionScoped bool
	Owner         string
	SessionID     string
	Timeout       time.Duration
}

type key struct{ ws, id string }

// Manager tracks the locks of every workspace.
type Manager struct {
	mu    sync.Mutex
	locks map[key]*Lock
	now   func() time.Time
	log   *zap.SugaredLogger
}

// NewManager returns an empty lock manager.
func NewManager(log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{locks: make(map[key]*Lock), now: time.Now, log: log}
}

// live returns the lock on (ws, id) if it has not timed out and the node
// is present in v. Expired locks are dropped; a node missing from v only
// hides the lock, since v may be a session's uncommitted view. Caller
// holds mu.
func (m *Manager) live(v store.View, ws, id string) *Lock {
	l, ok := m.locks[key{ws, id}]
	if !ok {
		return nil
	}
	if !l.IsLive(m.now()) {
		delete(m.locks, key{ws, id})
		return nil
	}
	if _, exists := v.Node(ws, id); !exists {
		return nil
	}
	return l
}

// Prune drops the locks whose nodes no longer exist in committed and
// returns them. committed must be a committed snapshot.
func (m *Manager) Prune(committed store.View) []*Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Lock
	for k, l := range m.locks {
		if _, ok := committed.Node(k.ws, k.id); !ok {
			delete(m.locks, k)
			out = append(out, l)
		}
	}
	if len(out) > 0 {
		m.log.Debugw("locks of removed nodes dropped", "count", len(out))
	}
	return out
}

// Lock places a lock on nodeID. It fails with ErrLock when the node is
// already locked, is covered by a deep lock on an ancestor, or, for a deep
// lock, has a locked descendant.
func (m *Manager) Lock(v store.View, ws, nodeID string, opts Options) (*Lock, error) {
	const op = "lock.Lock"
	if _, ok := v.Node(ws, nodeID); !ok {
		return nil, core.Errorf(core.ErrItemNotFound, op, nodeID, "no node with this identifier")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if holder := m.holder(v, ws, nodeID); holder != nil {
		return nil, core.Errorf(core.ErrLock, op, nodeID, "node is locked by %s", holder.NodeID)
	}
	if opts.Deep {
		for k := range m.locks {
			if k.ws == ws && store.IsAncestor(v, ws, nodeID, k.id) && m.live(v, ws, k.id) != nil {
				return nil, core.Errorf(core.ErrLock, op, nodeID, "descendant %s is locked", k.id)
			}
		}
	}

	now := m.now()
	l := &Lock{
		Token:         uuid.New().String(),
		Workspace:     ws,
		NodeID:        nodeID,
		Owner:         opts.Owner,
		Deep:          opts.Deep,
		SessionScoped: opts.SessionScoped,
		SessionID:     opts.SessionID,
		Created:       now,
	}
	if opts.Timeout > 0 {
		l.Expires = now.Add(opts.Timeout)
	}
	m.locks[key{ws, nodeID}] = l
	m.log.Debugw("lock acquired", "workspace", ws, "node", nodeID, "deep", opts.Deep, "owner", opts.Owner)
	return l, nil
}

// holder returns the lock that applies to id: its own lock or the nearest
// deep lock above it. Caller holds mu.
func (m *Manager) holder(v store.View, ws, id string) *Lock {
	if l := m.live(v, ws, id); l != nil {
		return l
	}
	n, ok := v.Node(ws, id)
	for depth := 0; ok && !n.IsRoot() && depth < 10000; depth++ {
		if l := m.live(v, ws, n.ParentID); l != nil && l.Deep {
			return l
		}
		n, ok = v.Node(ws, n.ParentID)
	}
	return nil
}

// LockFor returns the lock that applies to nodeID, if any.
func (m *Manager) LockFor(v store.View, ws, nodeID string) (*Lock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.holder(v, ws, nodeID)
	return l, l != nil
}

// Holds reports whether nodeID itself carries a lock.
func (m *Manager) Holds(v store.View, ws, nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live(v, ws, nodeID) != nil
}

// Unlock removes the lock held on nodeID. One of tokens must be the lock's
// token.
func (m *Manager) Unlock(v store.View, ws, nodeID string, tokens []string) error {
	const op = "lock.Unlock"
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.live(v, ws, nodeID)
	if l == nil {
		return core.Errorf(core.ErrLock, op, nodeID, "node is not locked")
	}
	if !slices.Contains(tokens, l.Token) {
		return core.Errorf(core.ErrLock, op, nodeID, "lock token not held")
	}
	delete(m.locks, key{ws, nodeID})
	m.log.Debugw("lock released", "workspace", ws, "node", nodeID)
	return nil
}

// Refresh restarts the timeout of the lock on nodeID.
func (m *Manager) Refresh(v store.View, ws, nodeID string, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.live(v, ws, nodeID)
	if l == nil {
		return core.Errorf(core.ErrLock, "lock.Refresh", nodeID, "node is not locked")
	}
	if timeout > 0 {
		l.Expires = m.now().Add(timeout)
	}
	return nil
}

// CheckWritable fails with ErrLock when nodeID is covered by a lock whose
// token is not among tokens.
func (m *Manager) CheckWritable(v store.View, ws, nodeID string, tokens []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.holder(v, ws, nodeID)
	if l == nil || slices.Contains(tokens, l.Token) {
		return nil
	}
	return core.Errorf(core.ErrLock, "lock.CheckWritable", nodeID, "node is locked by %s", l.NodeID)
}

// ReleaseSession removes every session-scoped lock created by sessionID and
// returns the released locks.
func (m *Manager) ReleaseSession(sessionID string) []*Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Lock
	for k, l := range m.locks {
		if l.SessionScoped && l.SessionID == sessionID {
			delete(m.locks, k)
			out = append(out, l)
		}
	}
	return out
}

// Locks lists the live locks of ws whose token is in tokens.
func (m *Manager) Locks(v store.View, ws string, tokens []string) []*Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Lock
	for k := range m.locks {
		if k.ws != ws {
			continue
		}
		if l := m.live(v, ws, k.id); l != nil && slices.Contains(tokens, l.Token) {
			out = append(out, l)
		}
	}
	slices.SortFunc(out, func(a, b *Lock) int { return a.Created.Compare(b.Created) })
	return out
}
