package version

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/systemshift/contentrepo/internal/content/core"
	"github.com/systemshift/contentrepo/internal/content/nodetype"
	"github.com/systemshift/contentrepo/internal/content/store"
)

// Manager runs the versioning operations. Every operation is a
// workspace-level write: it commits immediately.
type Manager struct {
	store *store.Store
	types *nodetype.Registry
	now   func() time.Time
	log   *zap.SugaredLogger
}

// NewManager returns a version manager over s.
func NewManager(s *store.Store, types *nodetype.Registry, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{store: s, types: types, now: time.Now, log: log}
}

// IsCheckedOut reports whether the node id may be modified as far as
// versioning is concerned: the nearest node at or above id that carries
// jcr:isCheckedOut decides. Nodes without a versionable ancestor are always
// checked out.
func IsCheckedOut(v store.View, ws, id string) bool {
	n, ok := v.Node(ws, id)
	for depth := 0; ok && depth < 10000; depth++ {
		if p, has := n.Property(core.JcrIsCheckedOut); has && len(p.Values) > 0 {
			return p.Values[0].Str != "false"
		}
		if n.IsRoot() {
			break
		}
		n, ok = v.Node(ws, n.ParentID)
	}
	return true
}

func isCheckedOutSelf(n *store.NodeRecord) bool {
	p, ok := n.Property(core.JcrIsCheckedOut)
	return !ok || len(p.Values) == 0 || p.Values[0].Str != "false"
}

// Knows reports whether id names a version or a version history. Such ids
// are valid targets of REFERENCE properties.
func Knows(v store.View, id string) bool {
	if _, ok := v.Blob(kindVersion, id); ok {
		return true
	}
	_, ok := v.Blob(kindHistory, id)
	return ok
}

// History loads a history by its identifier.
func (m *Manager) History(v store.View, historyID string) (*History, error) {
	return loadHistory(v, historyID)
}

// HistoryFor loads the history of the versionable node id.
func (m *Manager) HistoryFor(v store.View, id string) (*History, error) {
	hid, ok := historyIDFor(v, id)
	if !ok {
		return nil, core.Errorf(core.ErrUnsupportedOperation, "version.HistoryFor", id, "node has no version history")
	}
	return loadHistory(v, hid)
}

// BaseVersion returns the base version of node id in ws.
func (m *Manager) BaseVersion(v store.View, ws, id string) (*Version, error) {
	h, st, err := m.stateFor(v, ws, id)
	if err != nil {
		return nil, err
	}
	return h.Versions[st.Base], nil
}

// State returns the versioning state of node id in ws.
func (m *Manager) State(v store.View, ws, id string) (*NodeState, error) {
	_, st, err := m.stateFor(v, ws, id)
	if err != nil {
		return nil, err
	}
	return st.clone(), nil
}

func (m *Manager) stateFor(v store.View, ws, id string) (*History, *NodeState, error) {
	const op = "version.state"
	n, ok := v.Node(ws, id)
	if !ok {
		return nil, nil, core.Errorf(core.ErrItemNotFound, op, id, "no node with this identifier")
	}
	if !m.IsVersionable(n) {
		return nil, nil, core.Errorf(core.ErrUnsupportedOperation, op, id, "node is not versionable")
	}
	h, err := m.HistoryFor(v, id)
	if err != nil {
		return nil, nil, core.Errorf(core.ErrVersion, op, id, "no version history recorded")
	}
	st := h.State[ws]
	if st == nil {
		return nil, nil, core.Errorf(core.ErrVersion, op, id, "no predecessor recorded in workspace %s", ws)
	}
	return h, st, nil
}

// NeedsInitialize reports whether the versionable node n has no history
// state in ws yet.
func (m *Manager) NeedsInitialize(v store.View, ws string, n *store.NodeRecord) bool {
	if !m.IsVersionable(n) {
		return false
	}
	h, err := m.HistoryFor(v, n.ID)
	return err != nil || h.State[ws] == nil
}

// Initialize creates the history of a node that just became versionable,
// or attaches an existing history to it, and checks it out. It runs inside
// the transaction that makes the node versionable.
func (m *Manager) Initialize(t *store.Txn, ws, id string) error {
	n, err := t.Mutable(ws, id)
	if err != nil {
		return err
	}
	var h *History
	if hid, ok := historyIDFor(t, id); ok {
		if h, err = loadHistory(t, hid); err != nil {
			return err
		}
	} else {
		h = newHistory(n, m.now())
	}
	if h.State[ws] == nil {
		h.State[ws] = &NodeState{Base: h.RootVersion, Predecessors: []string{h.RootVersion}}
		setBool(n, core.JcrIsCheckedOut, true)
	}
	m.mirror(n, h, ws)
	m.log.Debugw("version history attached", "workspace", ws, "node", id, "history", h.ID)
	return saveHistory(t, h)
}

// CopyState gives the versionable nodes among ids in destWS the versioning
// state they have in srcWS. Used after a clone.
func (m *Manager) CopyState(t *store.Txn, srcWS, destWS string, ids []string) error {
	for _, id := range ids {
		hid, ok := historyIDFor(t, id)
		if !ok {
			continue
		}
		h, err := loadHistory(t, hid)
		if err != nil {
			return err
		}
		src := h.State[srcWS]
		if src == nil {
			continue
		}
		h.State[destWS] = src.clone()
		if err := saveHistory(t, h); err != nil {
			return err
		}
	}
	return nil
}

func setBool(n *store.NodeRecord, name string, v bool) {
	s := "false"
	if v {
		s = "true"
	}
	n.SetProperty(store.PropertyRecord{
		Name:   name,
		Type:   core.TypeBoolean,
		Values: []core.ValueData{{Type: core.TypeBoolean, Str: s}},
	})
}

func refs(ids ...string) []core.ValueData {
	out := make([]core.ValueData, len(ids))
	for i, id := range ids {
		out[i] = core.ValueData{Type: core.TypeReference, Str: id}
	}
	return out
}

// mirror writes the state of n in ws into the jcr: properties of
// mix:versionable.
func (m *Manager) mirror(n *store.NodeRecord, h *History, ws string) {
	e, err := m.types.Effective(n.PrimaryType, n.Mixins)
	if err != nil || !e.IsNodeType(core.MixVersionable) {
		return
	}
	st := h.State[ws]
	n.SetProperty(store.PropertyRecord{Name: core.JcrVersionHistory, Type: core.TypeReference, Values: refs(h.ID)})
	n.SetProperty(store.PropertyRecord{Name: core.JcrBaseVersion, Type: core.TypeReference, Values: refs(st.Base)})
	n.SetProperty(store.PropertyRecord{Name: core.JcrPredecessors, Type: core.TypeReference, Multiple: true, Values: refs(st.Predecessors...)})
	if len(st.MergeFailed) > 0 {
		n.SetProperty(store.PropertyRecord{Name: core.JcrMergeFailed, Type: core.TypeReference, Multiple: true, Values: refs(st.MergeFailed...)})
	} else {
		n.RemoveProperty(core.JcrMergeFailed)
	}
}

func (m *Manager) setCheckedOut(t *store.Txn, ws, id string, h *History, out bool) error {
	n, err := t.Mutable(ws, id)
	if err != nil {
		return err
	}
	setBool(n, core.JcrIsCheckedOut, out)
	m.mirror(n, h, ws)
	return nil
}

// Checkin creates a new version of node id from its current state and
// checks the node in. Checking in a checked-in node returns its base
// version without creating a version.
func (m *Manager) Checkin(ctx context.Context, ws, id string) (*Version, error) {
	var out *Version
	err := m.store.Update(ctx, func(t *store.Txn) error {
		var err error
		out, err = m.checkin(t, ws, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) checkin(t *store.Txn, ws, id string) (*Version, error) {
	const op = "version.Checkin"
	h, st, err := m.stateFor(t, ws, id)
	if err != nil {
		return nil, err
	}
	n, _ := t.Node(ws, id)
	if !isCheckedOutSelf(n) {
		return h.Versions[st.Base], nil
	}
	if len(st.MergeFailed) > 0 {
		return nil, core.Errorf(core.ErrVersion, op, id, "unresolved merge failures")
	}
	if len(st.Predecessors) == 0 {
		return nil, core.Errorf(core.ErrVersion, op, id, "no predecessor recorded")
	}
	frozen, err := m.freeze(t, ws, n)
	if err != nil {
		return nil, err
	}
	pred := h.Versions[st.Predecessors[0]]
	if pred == nil {
		return nil, core.Errorf(core.ErrVersion, op, id, "predecessor %s missing from history", st.Predecessors[0])
	}
	v := h.add(h.nextName(pred), st.Predecessors, frozen, m.now())
	st.Base = v.ID
	st.Predecessors = nil
	if err := m.setCheckedOut(t, ws, id, h, false); err != nil {
		return nil, err
	}
	if err := saveHistory(t, h); err != nil {
		return nil, err
	}
	m.log.Infow("checkin", "workspace", ws, "node", id, "version", v.Name)
	return v, nil
}

// Checkout makes node id modifiable again. The base version becomes the
// predecessor of the next checkin. Checking out a checked-out node does
// nothing.
func (m *Manager) Checkout(ctx context.Context, ws, id string) error {
	return m.store.Update(ctx, func(t *store.Txn) error {
		return m.checkout(t, ws, id)
	})
}

func (m *Manager) checkout(t *store.Txn, ws, id string) error {
	h, st, err := m.stateFor(t, ws, id)
	if err != nil {
		return err
	}
	n, _ := t.Node(ws, id)
	if isCheckedOutSelf(n) {
		return nil
	}
	st.Predecessors = []string{st.Base}
	if err := m.setCheckedOut(t, ws, id, h, true); err != nil {
		return err
	}
	m.log.Infow("checkout", "workspace", ws, "node", id)
	return saveHistory(t, h)
}

// Checkpoint checks node id in and out again in one commit.
func (m *Manager) Checkpoint(ctx context.Context, ws, id string) (*Version, error) {
	var out *Version
	err := m.store.Update(ctx, func(t *store.Txn) error {
		v, err := m.checkin(t, ws, id)
		if err != nil {
			return err
		}
		out = v
		return m.checkout(t, ws, id)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddLabel puts label on the version called versionName. When the label is
// already on another version it is moved if move is set.
func (m *Manager) AddLabel(ctx context.Context, historyID, versionName, label string, move bool) error {
	const op = "version.AddLabel"
	if err := core.ValidateName(label); err != nil {
		return err
	}
	return m.store.Update(ctx, func(t *store.Txn) error {
		h, err := loadHistory(t, historyID)
		if err != nil {
			return err
		}
		v, err := h.Version(versionName)
		if err != nil {
			return err
		}
		if cur, ok := h.Labels[label]; ok {
			if cur == v.ID {
				return nil
			}
			if !move {
				return core.Errorf(core.ErrVersion, op, label, "label already used by version %s", h.Versions[cur].Name)
			}
		}
		h.Labels[label] = v.ID
		return saveHistory(t, h)
	})
}

// RemoveLabel removes label from its version.
func (m *Manager) RemoveLabel(ctx context.Context, historyID, label string) error {
	return m.store.Update(ctx, func(t *store.Txn) error {
		h, err := loadHistory(t, historyID)
		if err != nil {
			return err
		}
		if _, ok := h.Labels[label]; !ok {
			return core.Errorf(core.ErrVersion, "version.RemoveLabel", label, "no such label")
		}
		delete(h.Labels, label)
		return saveHistory(t, h)
	})
}

// RemoveVersion deletes the version called name. The predecessors of the
// removed version become predecessors of its successors, so every
// remaining version stays reachable from the root.
func (m *Manager) RemoveVersion(ctx context.Context, historyID, name string) error {
	const op = "version.RemoveVersion"
	return m.store.Update(ctx, func(t *store.Txn) error {
		h, err := loadHistory(t, historyID)
		if err != nil {
			return err
		}
		v, err := h.Version(name)
		if err != nil {
			return err
		}
		if v.ID == h.RootVersion {
			return core.Errorf(core.ErrVersion, op, name, "the root version cannot be removed")
		}
		for ws, st := range h.State {
			if st.Base == v.ID || slices.Contains(st.Predecessors, v.ID) || slices.Contains(st.MergeFailed, v.ID) {
				return core.Errorf(core.ErrReferentialIntegrity, op, name, "version is referenced in workspace %s", ws)
			}
		}
		for _, pid := range v.Predecessors {
			p := h.Versions[pid]
			p.Successors = relink(p.Successors, v.ID, v.Successors)
		}
		for _, sid := range v.Successors {
			s := h.Versions[sid]
			s.Predecessors = relink(s.Predecessors, v.ID, v.Predecessors)
		}
		for l, id := range h.Labels {
			if id == v.ID {
				delete(h.Labels, l)
			}
		}
		delete(h.Versions, v.ID)
		t.DeleteBlob(kindVersion, v.ID)
		m.log.Infow("version removed", "history", historyID, "version", name)
		return saveHistory(t, h)
	})
}

// relink replaces old in list by repl, dropping duplicates.
func relink(list []string, old string, repl []string) []string {
	out := make([]string, 0, len(list)+len(repl))
	for _, id := range list {
		if id != old && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	for _, id := range repl {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// Restore replaces the state of node id with the version called name and
// leaves the node checked in at that version. Nodes of the frozen state
// whose identifiers exist elsewhere in the workspace are removed when
// removeExisting is set; otherwise the restore fails with ErrItemExists.
func (m *Manager) Restore(ctx context.Context, ws, id, name string, removeExisting bool) error {
	return m.restore(ctx, ws, id, removeExisting, func(h *History) (*Version, error) {
		return h.Version(name)
	})
}

// RestoreByLabel restores the version carrying label.
func (m *Manager) RestoreByLabel(ctx context.Context, ws, id, label string, removeExisting bool) error {
	return m.restore(ctx, ws, id, removeExisting, func(h *History) (*Version, error) {
		return h.VersionByLabel(label)
	})
}

func (m *Manager) restore(ctx context.Context, ws, id string, removeExisting bool, pick func(*History) (*Version, error)) error {
	const op = "version.Restore"
	return m.store.Update(ctx, func(t *store.Txn) error {
		h, err := m.HistoryFor(t, id)
		if err != nil {
			return err
		}
		if n, ok := t.Node(ws, id); !ok || !m.IsVersionable(n) {
			return core.Errorf(core.ErrUnsupportedOperation, op, id, "node is not versionable")
		}
		v, err := pick(h)
		if err != nil {
			return err
		}
		if v.ID == h.RootVersion {
			return core.Errorf(core.ErrVersion, op, v.Name, "the root version cannot be restored")
		}
		if err := m.restoreState(t, ws, id, v.Frozen, removeExisting); err != nil {
			return err
		}
		h.State[ws] = &NodeState{Base: v.ID}
		if err := m.setCheckedOut(t, ws, id, h, false); err != nil {
			return err
		}
		m.log.Infow("restore", "workspace", ws, "node", id, "version", v.Name)
		return saveHistory(t, h)
	})
}

// RestoreRemoved recreates a versionable node that no longer exists in ws
// from the version called name, as child name of parentID.
func (m *Manager) RestoreRemoved(ctx context.Context, ws, historyID, versionName, parentID, name string, removeExisting bool) error {
	const op = "version.RestoreRemoved"
	return m.store.Update(ctx, func(t *store.Txn) error {
		h, err := loadHistory(t, historyID)
		if err != nil {
			return err
		}
		if _, exists := t.Node(ws, h.VersionableID); exists {
			return core.Errorf(core.ErrItemExists, op, h.VersionableID, "versionable node still exists")
		}
		v, err := h.Version(versionName)
		if err != nil {
			return err
		}
		if v.ID == h.RootVersion {
			return core.Errorf(core.ErrVersion, op, v.Name, "the root version cannot be restored")
		}
		if err := core.ValidateName(name); err != nil {
			return err
		}
		frozen := *v.Frozen
		frozen.Name = name
		if err := m.materialize(t, ws, parentID, &frozen, removeExisting); err != nil {
			return err
		}
		h.State[ws] = &NodeState{Base: v.ID}
		if err := m.setCheckedOut(t, ws, h.VersionableID, h, false); err != nil {
			return err
		}
		return saveHistory(t, h)
	})
}
