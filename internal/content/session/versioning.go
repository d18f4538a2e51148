package session

import (
	"context"

	"github.com/systemshift/contentrepo/internal/content/core"
	"github.com/systemshift/contentrepo/internal/content/store"
	"github.com/systemshift/contentrepo/internal/content/version"
)

// VersionManager is the versioning API of a session. Its operations commit
// immediately and refuse to run over unsaved changes of the nodes they
// touch.
type VersionManager struct {
	s *Session
}

// pendingUnder reports whether the session has unsaved changes at id or
// below it.
func (s *Session) pendingUnder(id string) bool {
	base := s.overlay.Base()
	for _, c := range s.overlay.Staged() {
		if c.Workspace != s.ws || !s.changed(c) {
			continue
		}
		if c.ID == id || store.IsAncestor(s.overlay, s.ws, id, c.ID) || store.IsAncestor(base, s.ws, id, c.ID) {
			return true
		}
	}
	return false
}

// versionable resolves absPath to a saved node the session may version.
func (vm *VersionManager) versionable(op, absPath string) (*Node, error) {
	s := vm.s
	if err := s.checkLive(op); err != nil {
		return nil, err
	}
	if s.deps.Versions == nil {
		return nil, core.Errorf(core.ErrUnsupportedOperation, op, absPath, "versioning is not enabled")
	}
	n, err := s.GetNode(absPath)
	if err != nil {
		return nil, err
	}
	if s.pendingUnder(n.id) {
		return nil, core.Errorf(core.ErrInvalidItemState, op, absPath, "node has unsaved changes")
	}
	if !n.IsNodeType(core.MixSimpleVersionable) {
		return nil, core.Errorf(core.ErrUnsupportedOperation, op, absPath, "node is not versionable")
	}
	if err := s.deps.Locks.CheckWritable(s.overlay, s.ws, n.id, s.tokens); err != nil {
		return nil, err
	}
	return n, nil
}

// Checkin creates a version of the node at absPath and checks it in.
func (vm *VersionManager) Checkin(ctx context.Context, absPath string) (*version.Version, error) {
	n, err := vm.versionable("session.Checkin", absPath)
	if err != nil {
		return nil, err
	}
	v, err := vm.s.deps.Versions.Checkin(ctx, vm.s.ws, n.id)
	if err != nil {
		return nil, err
	}
	vm.s.rebase()
	return v, nil
}

// Checkout makes the node at absPath modifiable.
func (vm *VersionManager) Checkout(ctx context.Context, absPath string) error {
	n, err := vm.versionable("session.Checkout", absPath)
	if err != nil {
		return err
	}
	if err := vm.s.deps.Versions.Checkout(ctx, vm.s.ws, n.id); err != nil {
		return err
	}
	vm.s.rebase()
	return nil
}

// Checkpoint checks the node at absPath in and out again.
func (vm *VersionManager) Checkpoint(ctx context.Context, absPath string) (*version.Version, error) {
	n, err := vm.versionable("session.Checkpoint", absPath)
	if err != nil {
		return nil, err
	}
	v, err := vm.s.deps.Versions.Checkpoint(ctx, vm.s.ws, n.id)
	if err != nil {
		return nil, err
	}
	vm.s.rebase()
	return v, nil
}

// IsCheckedOut reports whether the node at absPath may be modified.
func (vm *VersionManager) IsCheckedOut(absPath string) (bool, error) {
	n, err := vm.s.GetNode(absPath)
	if err != nil {
		return false, err
	}
	return n.IsCheckedOut(), nil
}

// BaseVersion returns the base version of the node at absPath.
func (vm *VersionManager) BaseVersion(absPath string) (*version.Version, error) {
	n, err := vm.s.GetNode(absPath)
	if err != nil {
		return nil, err
	}
	if vm.s.deps.Versions == nil {
		return nil, core.Errorf(core.ErrUnsupportedOperation, "session.BaseVersion", absPath, "versioning is not enabled")
	}
	return vm.s.deps.Versions.BaseVersion(vm.s.overlay, vm.s.ws, n.id)
}

// History returns the version history of the node at absPath.
func (vm *VersionManager) History(absPath string) (*version.History, error) {
	n, err := vm.s.GetNode(absPath)
	if err != nil {
		return nil, err
	}
	if vm.s.deps.Versions == nil {
		return nil, core.Errorf(core.ErrUnsupportedOperation, "session.History", absPath, "versioning is not enabled")
	}
	return vm.s.deps.Versions.HistoryFor(vm.s.overlay, n.id)
}

// HistoryByID returns a version history by its identifier.
func (vm *VersionManager) HistoryByID(historyID string) (*version.History, error) {
	if vm.s.deps.Versions == nil {
		return nil, core.Errorf(core.ErrUnsupportedOperation, "session.HistoryByID", historyID, "versioning is not enabled")
	}
	return vm.s.deps.Versions.History(vm.s.overlay, historyID)
}

// requireClean fails when the session has any unsaved change.
func (vm *VersionManager) requireClean(op string) error {
	if vm.s.HasPendingChanges() {
		return core.Errorf(core.ErrInvalidItemState, op, "", "session has unsaved changes")
	}
	return nil
}

// Restore restores the node at absPath to the version called name.
func (vm *VersionManager) Restore(ctx context.Context, absPath, name string, removeExisting bool) error {
	const op = "session.Restore"
	if err := vm.requireClean(op); err != nil {
		return err
	}
	n, err := vm.versionable(op, absPath)
	if err != nil {
		return err
	}
	if err := vm.s.deps.Versions.Restore(ctx, vm.s.ws, n.id, name, removeExisting); err != nil {
		return err
	}
	vm.s.rebase()
	return nil
}

// RestoreByLabel restores the node at absPath to the version carrying label.
func (vm *VersionManager) RestoreByLabel(ctx context.Context, absPath, label string, removeExisting bool) error {
	const op = "session.RestoreByLabel"
	if err := vm.requireClean(op); err != nil {
		return err
	}
	n, err := vm.versionable(op, absPath)
	if err != nil {
		return err
	}
	if err := vm.s.deps.Versions.RestoreByLabel(ctx, vm.s.ws, n.id, label, removeExisting); err != nil {
		return err
	}
	vm.s.rebase()
	return nil
}

// RestoreRemoved recreates the removed versionable node of historyID at
// absPath from the version called versionName.
func (vm *VersionManager) RestoreRemoved(ctx context.Context, historyID, versionName, absPath string, removeExisting bool) error {
	const op = "session.RestoreRemoved"
	s := vm.s
	if err := s.checkLive(op); err != nil {
		return err
	}
	if s.deps.Versions == nil {
		return core.Errorf(core.ErrUnsupportedOperation, op, absPath, "versioning is not enabled")
	}
	if err := vm.requireClean(op); err != nil {
		return err
	}
	parent, name, err := s.destination(s.overlay, op, absPath)
	if err != nil {
		return err
	}
	if err := s.deps.Locks.CheckWritable(s.overlay, s.ws, parent.ID, s.tokens); err != nil {
		return err
	}
	if err := s.deps.Versions.RestoreRemoved(ctx, s.ws, historyID, versionName, parent.ID, name, removeExisting); err != nil {
		return err
	}
	s.rebase()
	return nil
}

// AddVersionLabel puts label on a version of the history of the node at
// absPath.
func (vm *VersionManager) AddVersionLabel(ctx context.Context, absPath, versionName, label string, move bool) error {
	h, err := vm.History(absPath)
	if err != nil {
		return err
	}
	if err := vm.s.deps.Versions.AddLabel(ctx, h.ID, versionName, label, move); err != nil {
		return err
	}
	vm.s.rebase()
	return nil
}

// RemoveVersionLabel removes label from the history of the node at absPath.
func (vm *VersionManager) RemoveVersionLabel(ctx context.Context, absPath, label string) error {
	h, err := vm.History(absPath)
	if err != nil {
		return err
	}
	if err := vm.s.deps.Versions.RemoveLabel(ctx, h.ID, label); err != nil {
		return err
	}
	vm.s.rebase()
	return nil
}

// RemoveVersion deletes a version from the history of the node at absPath.
func (vm *VersionManager) RemoveVersion(ctx context.Context, absPath, versionName string) error {
	h, err := vm.History(absPath)
	if err != nil {
		return err
	}
	if err := vm.s.deps.Versions.RemoveVersion(ctx, h.ID, versionName); err != nil {
		return err
	}
	vm.s.rebase()
	return nil
}

// Merge merges the subtree at absPath with srcWorkspace.
func (vm *VersionManager) Merge(ctx context.Context, absPath, srcWorkspace string, bestEffort bool) (*version.MergeResult, error) {
	const op = "session.Merge"
	if err := vm.requireClean(op); err != nil {
		return nil, err
	}
	if err := vm.s.checkLive(op); err != nil {
		return nil, err
	}
	if vm.s.deps.Versions == nil {
		return nil, core.Errorf(core.ErrUnsupportedOperation, op, absPath, "versioning is not enabled")
	}
	n, err := vm.s.GetNode(absPath)
	if err != nil {
		return nil, err
	}
	res, err := vm.s.deps.Versions.Merge(ctx, vm.s.ws, n.id, srcWorkspace, bestEffort)
	if err != nil {
		return nil, err
	}
	vm.s.rebase()
	return res, nil
}

// DoneMerge accepts the merge failure of the node at absPath against the
// version versionID.
func (vm *VersionManager) DoneMerge(ctx context.Context, absPath, versionID string) error {
	n, err := vm.versionable("session.DoneMerge", absPath)
	if err != nil {
		return err
	}
	if err := vm.s.deps.Versions.DoneMerge(ctx, vm.s.ws, n.id, versionID); err != nil {
		return err
	}
	vm.s.rebase()
	return nil
}

// CancelMerge drops the merge failure of the node at absPath against the
// version versionID.
func (vm *VersionManager) CancelMerge(ctx context.Context, absPath, versionID string) error {
	n, err := vm.versionable("session.CancelMerge", absPath)
	if err != nil {
		return err
	}
	if err := vm.s.deps.Versions.CancelMerge(ctx, vm.s.ws, n.id, versionID); err != nil {
		return err
	}
	vm.s.rebase()
	return nil
}
