package version

import (
	"context"
	"slices"

	"github.com/systemshift/contentrepo/internal/content/core"
	"github.com/systemshift/contentrepo/internal/content/store"
)

// MergeResult lists the nodes of a best-effort merge that could not be
// merged. Each failure is recorded in the node's merge-failed set until it
// is resolved with DoneMerge or CancelMerge.
type MergeResult struct {
	Failed  []string
	Updated []string
}

// Merge merges the subtree at id in ws with the corresponding nodes of
// srcWS. For each versionable node with a corresponding node, the base
// versions V (here) and V' (there) decide:
//
//	checked in,  V' successor of V         update from srcWS
//	V' == V or V' predecessor of V         leave
//	otherwise                              fail
//
// Without bestEffort the first failure aborts the whole merge.
func (m *Manager) Merge(ctx context.Context, ws, id, srcWS string, bestEffort bool) (*MergeResult, error) {
	const op = "version.Merge"
	res := &MergeResult{}
	err := m.store.Update(ctx, func(t *store.Txn) error {
		if !t.HasWorkspace(srcWS) {
			return core.Errorf(core.ErrNoSuchWorkspace, op, srcWS, "workspace does not exist")
		}
		*res = MergeResult{}
		return store.Walk(t, ws, id, func(n *store.NodeRecord, _ int) error {
			if !m.IsVersionable(n) {
				return nil
			}
			if _, ok := t.Node(srcWS, n.ID); !ok {
				return nil
			}
			h, st, err := m.stateFor(t, ws, n.ID)
			if err != nil {
				return nil
			}
			src := h.State[srcWS]
			if src == nil {
				return nil
			}
			v, vp := st.Base, src.Base
			leave := v == vp || h.IsEventualSuccessor(vp, v)
			switch {
			case !isCheckedOutSelf(n) && h.IsEventualSuccessor(v, vp):
				if err := m.update(t, ws, n.ID, srcWS); err != nil {
					return err
				}
				res.Updated = append(res.Updated, n.ID)
				return store.SkipChildren
			case leave:
				return nil
			case !bestEffort:
				return core.Errorf(core.ErrMerge, op, n.ID, "versions %s and %s diverge", h.Versions[v].Name, h.Versions[vp].Name)
			}
			if !slices.Contains(st.MergeFailed, vp) {
				st.MergeFailed = append(st.MergeFailed, vp)
			}
			mut, err := t.Mutable(ws, n.ID)
			if err != nil {
				return err
			}
			m.mirror(mut, h, ws)
			res.Failed = append(res.Failed, n.ID)
			return saveHistory(t, h)
		})
	})
	if err != nil {
		return nil, err
	}
	m.log.Infow("merge", "workspace", ws, "node", id, "source", srcWS, "updated", len(res.Updated), "failed", len(res.Failed))
	return res, nil
}

// update replaces node id and its subtree in ws with the state of the
// corresponding node in srcWS.
func (m *Manager) update(t *store.Txn, ws, id, srcWS string) error {
	src, _ := t.Node(srcWS, id)
	dst, err := t.Mutable(ws, id)
	if err != nil {
		return err
	}
	dst.PrimaryType = src.PrimaryType
	dst.Mixins = slices.Clone(src.Mixins)
	dst.Properties = make(map[string]store.PropertyRecord, len(src.Properties))
	for name, p := range src.Properties {
		dst.Properties[name] = p.Clone()
	}
	for _, cid := range slices.Clone(dst.Children) {
		if err := t.RemoveNode(ws, cid); err != nil {
			return err
		}
	}
	var cloned []string
	for _, c := range store.Children(t, srcWS, src) {
		if _, err := t.CloneSubtree(srcWS, c.ID, ws, id, c.Name, true); err != nil {
			return err
		}
		cloned = append(cloned, store.SubtreeIDs(t, ws, c.ID)...)
	}
	return m.CopyState(t, srcWS, ws, append([]string{id}, cloned...))
}

// DoneMerge resolves the failed merge of versionID on node id by making the
// version a predecessor of the next checkin.
func (m *Manager) DoneMerge(ctx context.Context, ws, id, versionID string) error {
	return m.resolveMerge(ctx, ws, id, versionID, true)
}

// CancelMerge drops the failed merge of versionID on node id.
func (m *Manager) CancelMerge(ctx context.Context, ws, id, versionID string) error {
	return m.resolveMerge(ctx, ws, id, versionID, false)
}

func (m *Manager) resolveMerge(ctx context.Context, ws, id, versionID string, join bool) error {
	const op = "version.resolveMerge"
	return m.store.Update(ctx, func(t *store.Txn) error {
		h, st, err := m.stateFor(t, ws, id)
		if err != nil {
			return err
		}
		n, _ := t.Node(ws, id)
		if !isCheckedOutSelf(n) {
			return core.Errorf(core.ErrVersion, op, id, "node is checked in")
		}
		i := slices.Index(st.MergeFailed, versionID)
		if i < 0 {
			return core.Errorf(core.ErrVersion, op, versionID, "version is not a failed merge of this node")
		}
		st.MergeFailed = slices.Delete(st.MergeFailed, i, i+1)
		if join && !slices.Contains(st.Predecessors, versionID) {
			st.Predecessors = append(st.Predecessors, versionID)
		}
		mut, err := t.Mutable(ws, id)
		if err != nil {
			return err
		}
		m.mirror(mut, h, ws)
		return saveHistory(t, h)
	})
}
