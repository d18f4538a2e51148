package store

import (
	"slices"
	"sort"

	"github.com/systemshift/contentrepo/internal/content/core"
)

// Txn stages changes on top of a base snapshot. Reads through a Txn see the
// staged changes. A Txn is only valid inside the Update callback that
// created it.
type Txn struct {
	store *Store
	base  *Snapshot
	nodes map[string]map[string]*NodeRecord // ws -> id -> record, nil = deleted
	origs map[string]map[string]*NodeRecord // ws -> id -> record in base when first staged
	order []NodeChange                      // first-touch order, for deterministic apply
	blobs map[BlobKey][]byte
	bseq  []BlobKey
	hooks []func(*Snapshot)
}

func newTxn(s *Store, base *Snapshot) *Txn {
	return &Txn{
		store: s,
		base:  base,
		nodes: make(map[string]map[string]*NodeRecord),
		origs: make(map[string]map[string]*NodeRecord),
		blobs: make(map[BlobKey][]byte),
	}
}

// NewDetachedTxn returns a transaction over base that is not bound to a
// store. It can never be committed directly; sessions use it to hold
// transient changes and replay them inside Update. Same-name siblings are
// always accepted.
func NewDetachedTxn(base *Snapshot) *Txn {
	return newTxn(nil, base)
}

// Rebase makes unstaged reads go to base. Staged records and their
// originals are kept.
func (t *Txn) Rebase(base *Snapshot) {
	t.base = base
}

// Original returns the committed record id had when it was first staged.
// It reports false for records created in this transaction.
func (t *Txn) Original(ws, id string) (*NodeRecord, bool) {
	n, ok := t.origs[ws][id]
	return n, ok && n != nil
}

// IsStaged reports whether the transaction has touched id.
func (t *Txn) IsStaged(ws, id string) bool {
	_, ok := t.nodes[ws][id]
	return ok
}

// Staged returns the staged node changes in first-touch order. A nil
// Record means the node is removed. Changes that cancel out (a node created
// and removed again) are left out.
func (t *Txn) Staged() []NodeChange {
	out := make([]NodeChange, 0, len(t.order))
	for _, c := range t.order {
		rec := t.nodes[c.Workspace][c.ID]
		if rec == nil {
			if _, existed := t.Original(c.Workspace, c.ID); !existed {
				continue
			}
		}
		out = append(out, NodeChange{Workspace: c.Workspace, ID: c.ID, Record: rec})
	}
	return out
}

// Discard drops the staged state of id so reads fall through to the base
// again.
func (t *Txn) Discard(ws, id string) {
	if _, ok := t.nodes[ws][id]; !ok {
		return
	}
	delete(t.nodes[ws], id)
	delete(t.origs[ws], id)
	t.order = slices.DeleteFunc(t.order, func(c NodeChange) bool { return c.Workspace == ws && c.ID == id })
}

// Base returns the snapshot the transaction started from.
func (t *Txn) Base() *Snapshot { return t.base }

// Node returns the current record, staged or committed. The record must not
// be modified; use Mutable for that.
func (t *Txn) Node(ws, id string) (*NodeRecord, bool) {
	if staged, ok := t.nodes[ws]; ok {
		if n, ok := staged[id]; ok {
			return n, n != nil
		}
	}
	return t.base.Node(ws, id)
}

// HasWorkspace reports whether ws has a root after the staged changes.
func (t *Txn) HasWorkspace(ws string) bool {
	_, ok := t.Node(ws, core.RootID)
	return ok
}

// Blob returns a blob, staged or committed.
func (t *Txn) Blob(kind, id string) ([]byte, bool) {
	if b, ok := t.blobs[BlobKey{kind, id}]; ok {
		return b, b != nil
	}
	return t.base.Blob(kind, id)
}

// Mutable returns a staged copy of the record that may be modified freely.
func (t *Txn) Mutable(ws, id string) (*NodeRecord, error) {
	if staged, ok := t.nodes[ws]; ok {
		if n, ok := staged[id]; ok {
			if n == nil {
				return nil, core.Errorf(core.ErrItemNotFound, "store.Mutable", id, "node was removed")
			}
			return n, nil
		}
	}
	n, ok := t.base.Node(ws, id)
	if !ok {
		return nil, core.Errorf(core.ErrItemNotFound, "store.Mutable", id, "no node with this identifier")
	}
	c := n.Clone()
	t.stage(ws, id, c)
	return c, nil
}

// Put stages rec. The Txn takes ownership of rec.
func (t *Txn) Put(ws string, rec *NodeRecord) {
	rec.SyncTypeProperties()
	t.stage(ws, rec.ID, rec)
}

// Delete stages the removal of a single record. It does not touch the
// parent's child list or descendants; see RemoveNode for that.
func (t *Txn) Delete(ws, id string) {
	t.stage(ws, id, nil)
}

func (t *Txn) stage(ws, id string, rec *NodeRecord) {
	m, ok := t.nodes[ws]
	if !ok {
		m = make(map[string]*NodeRecord)
		t.nodes[ws] = m
		t.origs[ws] = make(map[string]*NodeRecord)
	}
	if _, seen := m[id]; !seen {
		t.order = append(t.order, NodeChange{Workspace: ws, ID: id})
		orig, _ := t.base.Node(ws, id)
		t.origs[ws][id] = orig
	}
	m[id] = rec
}

// PutBlob stages a blob write.
func (t *Txn) PutBlob(kind, id string, data []byte) {
	if data == nil {
		data = []byte{}
	}
	t.putBlob(kind, id, data)
}

// DeleteBlob stages a blob removal.
func (t *Txn) DeleteBlob(kind, id string) {
	t.putBlob(kind, id, nil)
}

func (t *Txn) putBlob(kind, id string, data []byte) {
	k := BlobKey{kind, id}
	if _, seen := t.blobs[k]; !seen {
		t.bseq = append(t.bseq, k)
	}
	t.blobs[k] = data
}

// AfterCommit registers fn to run with the new snapshot once the commit is
// visible. Hooks do not run when the transaction fails.
func (t *Txn) AfterCommit(fn func(*Snapshot)) {
	t.hooks = append(t.hooks, fn)
}

// changeSet collects the staged changes and assigns revisions.
func (t *Txn) changeSet(seq uint64) *ChangeSet {
	cs := &ChangeSet{Seq: seq}
	for _, c := range t.order {
		rec := t.nodes[c.Workspace][c.ID]
		old, existed := t.base.Node(c.Workspace, c.ID)
		switch {
		case rec == nil && !existed:
			continue
		case rec == nil:
		case !existed:
			rec.Revision = 1
		case old.ContentEqual(rec):
			rec.Revision = old.Revision
			if old.ParentID == rec.ParentID && old.Name == rec.Name {
				continue
			}
		default:
			rec.Revision = old.Revision + 1
		}
		cs.Nodes = append(cs.Nodes, NodeChange{Workspace: c.Workspace, ID: c.ID, Record: rec})
	}
	for _, k := range t.bseq {
		cs.Blobs = append(cs.Blobs, BlobChange{Kind: k.Kind, ID: k.ID, Data: t.blobs[k]})
	}
	return cs
}

// ChangedWorkspaces lists the workspaces with staged node changes.
func (t *Txn) ChangedWorkspaces() []string {
	out := make([]string, 0, len(t.nodes))
	for ws := range t.nodes {
		out = append(out, ws)
	}
	sort.Strings(out)
	return out
}

// GetNodeByIdentifier looks up a node, staged or committed.
func (t *Txn) GetNodeByIdentifier(ws, id string) (*NodeRecord, error) {
	return GetNodeByIdentifier(t, ws, id)
}

// GetNodeByPath resolves an absolute path against the staged state.
func (t *Txn) GetNodeByPath(ws, path string) (*NodeRecord, error) {
	p, err := core.ParseAbsPath(path)
	if err != nil {
		return nil, err
	}
	return ResolvePath(t, ws, p)
}
