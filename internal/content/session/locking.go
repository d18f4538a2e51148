package session

import (
	"context"
	"time"

	"github.com/systemshift/contentrepo/internal/content/core"
	"github.com/systemshift/contentrepo/internal/content/lock"
	"github.com/systemshift/contentrepo/internal/content/store"
)

// LockManager places and removes locks on behalf of a session. Locks and
// the jcr:lockOwner and jcr:lockIsDeep properties they carry are committed
// at once.
type LockManager struct {
	s *Session
}

// pendingOn reports whether the session holds unsaved changes of node id.
func (s *Session) pendingOn(id string) bool {
	for _, c := range s.overlay.Staged() {
		if c.Workspace == s.ws && c.ID == id && s.changed(c) {
			return true
		}
	}
	return false
}

// Lock locks the node at absPath. An empty owner means the session's user.
// A zero timeout means no timeout. The lock token is added to the session.
func (lm *LockManager) Lock(ctx context.Context, absPath string, deep, sessionScoped bool, timeout time.Duration, owner string) (*lock.Lock, error) {
	const op = "session.Lock"
	s := lm.s
	if err := s.checkLive(op); err != nil {
		return nil, err
	}
	n, err := s.GetNode(absPath)
	if err != nil {
		return nil, err
	}
	if s.pendingOn(n.id) {
		return nil, core.Errorf(core.ErrInvalidItemState, op, absPath, "node has unsaved changes")
	}
	if !n.IsNodeType(core.MixLockable) {
		return nil, core.Errorf(core.ErrLock, op, absPath, "node is not mix:lockable")
	}
	if owner == "" {
		owner = s.userID
	}
	l, err := s.deps.Locks.Lock(s.deps.Store.Snapshot(), s.ws, n.id, lock.Options{
		Deep:          deep,
		SessionScoped: sessionScoped,
		Owner:         owner,
		SessionID:     s.id,
		Timeout:       timeout,
	})
	if err != nil {
		return nil, err
	}
	err = s.deps.Store.Update(ctx, func(t *store.Txn) error {
		m, err := t.Mutable(s.ws, n.id)
		if err != nil {
			return err
		}
		m.SetProperty(store.PropertyRecord{
			Name:   core.JcrLockOwner,
			Type:   core.TypeString,
			Values: []core.ValueData{{Type: core.TypeString, Str: owner}},
		})
		isDeep := "false"
		if deep {
			isDeep = "true"
		}
		m.SetProperty(store.PropertyRecord{
			Name:   core.JcrLockIsDeep,
			Type:   core.TypeBoolean,
			Values: []core.ValueData{{Type: core.TypeBoolean, Str: isDeep}},
		})
		return nil
	})
	if err != nil {
		if uerr := s.deps.Locks.Unlock(s.deps.Store.Snapshot(), s.ws, n.id, []string{l.Token}); uerr != nil {
			s.log.Warnw("undoing lock", "node", n.id, "error", uerr)
		}
		return nil, err
	}
	s.AddLockToken(l.Token)
	s.rebase()
	return l, nil
}

// Unlock removes the lock on the node at absPath. The session must hold
// the lock's token.
func (lm *LockManager) Unlock(ctx context.Context, absPath string) error {
	const op = "session.Unlock"
	s := lm.s
	if err := s.checkLive(op); err != nil {
		return err
	}
	n, err := s.GetNode(absPath)
	if err != nil {
		return err
	}
	if s.pendingOn(n.id) {
		return core.Errorf(core.ErrInvalidItemState, op, absPath, "node has unsaved changes")
	}
	l, held := s.deps.Locks.LockFor(s.deps.Store.Snapshot(), s.ws, n.id)
	if err := s.deps.Locks.Unlock(s.deps.Store.Snapshot(), s.ws, n.id, s.tokens); err != nil {
		return err
	}
	if held {
		s.RemoveLockToken(l.Token)
	}
	if err := s.clearLockProperties(ctx, []string{n.id}); err != nil {
		return err
	}
	s.rebase()
	return nil
}

// IsLocked reports whether the node at absPath is covered by a lock.
func (lm *LockManager) IsLocked(absPath string) (bool, error) {
	n, err := lm.s.GetNode(absPath)
	if err != nil {
		return false, err
	}
	return n.IsLocked(), nil
}

// HoldsLock reports whether the node at absPath carries a lock itself.
func (lm *LockManager) HoldsLock(absPath string) (bool, error) {
	n, err := lm.s.GetNode(absPath)
	if err != nil {
		return false, err
	}
	return lm.s.deps.Locks.Holds(lm.s.deps.Store.Snapshot(), lm.s.ws, n.id), nil
}

// GetLock returns the lock covering the node at absPath. The token is
// blanked unless the session holds it.
func (lm *LockManager) GetLock(absPath string) (*lock.Lock, error) {
	const op = "session.GetLock"
	s := lm.s
	n, err := s.GetNode(absPath)
	if err != nil {
		return nil, err
	}
	l, ok := s.deps.Locks.LockFor(s.overlay, s.ws, n.id)
	if !ok {
		return nil, core.Errorf(core.ErrLock, op, absPath, "node is not locked")
	}
	out := *l
	if !s.holdsToken(l.Token) {
		out.Token = ""
	}
	return &out, nil
}

// Refresh restarts the timeout of the lock on the node at absPath.
func (lm *LockManager) Refresh(absPath string, timeout time.Duration) error {
	const op = "session.RefreshLock"
	s := lm.s
	n, err := s.GetNode(absPath)
	if err != nil {
		return err
	}
	l, ok := s.deps.Locks.LockFor(s.overlay, s.ws, n.id)
	if !ok || !s.holdsToken(l.Token) {
		return core.Errorf(core.ErrLock, op, absPath, "lock token not held")
	}
	return s.deps.Locks.Refresh(s.deps.Store.Snapshot(), s.ws, l.NodeID, timeout)
}

// LockTokens returns the tokens held by the session.
func (lm *LockManager) LockTokens() []string { return lm.s.LockTokens() }

// AddLockToken transfers a lock to the session.
func (lm *LockManager) AddLockToken(token string) { lm.s.AddLockToken(token) }

// RemoveLockToken gives up a lock token.
func (lm *LockManager) RemoveLockToken(token string) { lm.s.RemoveLockToken(token) }

// Locks lists the live locks held by the session in its workspace.
func (lm *LockManager) Locks() []*lock.Lock {
	return lm.s.deps.Locks.Locks(lm.s.deps.Store.Snapshot(), lm.s.ws, lm.s.tokens)
}

func (s *Session) holdsToken(token string) bool {
	for _, t := range s.tokens {
		if t == token {
			return true
		}
	}
	return false
}

// clearLockProperties drops the lock properties of the given nodes in one
// commit. Nodes that are gone are skipped.
func (s *Session) clearLockProperties(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.deps.Store.Update(ctx, func(t *store.Txn) error {
		for _, id := range ids {
			if _, ok := t.Node(s.ws, id); !ok {
				continue
			}
			m, err := t.Mutable(s.ws, id)
			if err != nil {
				return err
			}
			m.RemoveProperty(core.JcrLockOwner)
			m.RemoveProperty(core.JcrLockIsDeep)
		}
		return nil
	})
}
