package version

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/contentrepo/internal/content/core"
	"github.com/systemshift/contentrepo/internal/content/nodetype"
	"github.com/systemshift/contentrepo/internal/content/store"
)

type fixture struct {
	t   *testing.T
	ctx context.Context
	s   *store.Store
	m   *Manager
	doc string
}

// newFixture creates /doc (nt:unstructured, mix:versionable) with a history.
func newFixture(t *testing.T) *fixture {
	ctx := context.Background()
	s, err := store.Open(ctx, store.NewMemoryBackend(), nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateWorkspace(ctx, "default"))
	m := NewManager(s, nodetype.NewRegistry(core.NewNamespaceRegistry(), nil), nil)

	f := &fixture{t: t, ctx: ctx, s: s, m: m}
	require.NoError(t, s.Update(ctx, func(txn *store.Txn) error {
		n, err := txn.CreateNode("default", core.RootID, "doc", core.NTUnstructured, "")
		if err != nil {
			return err
		}
		n.Mixins = []string{core.MixVersionable}
		n.SetProperty(store.PropertyRecord{Name: core.JcrUUID, Type: core.TypeString, Values: []core.ValueData{{Type: core.TypeString, Str: n.ID}}})
		txn.Put("default", n)
		f.doc = n.ID
		return m.Initialize(txn, "default", n.ID)
	}))
	return f
}

func (f *fixture) node(ws, id string) *store.NodeRecord {
	n, err := f.s.GetNodeByIdentifier(ws, id)
	require.NoError(f.t, err)
	return n
}

func (f *fixture) setProp(ws, id, name, value string) {
	require.NoError(f.t, f.s.Update(f.ctx, func(txn *store.Txn) error {
		n, err := txn.Mutable(ws, id)
		if err != nil {
			return err
		}
		n.SetProperty(store.PropertyRecord{Name: name, Type: core.TypeString, Values: []core.ValueData{{Type: core.TypeString, Str: value}}})
		return nil
	}))
}

func (f *fixture) history() *History {
	h, err := f.m.HistoryFor(f.s.Snapshot(), f.doc)
	require.NoError(f.t, err)
	return h
}

func (f *fixture) checkin(ws string) *Version {
	v, err := f.m.Checkin(f.ctx, ws, f.doc)
	require.NoError(f.t, err)
	return v
}

func TestInitialize(t *testing.T) {
	f := newFixture(t)
	h := f.history()
	n := f.node("default", f.doc)

	assert.Equal(t, "true", n.StringValue(core.JcrIsCheckedOut))
	assert.Equal(t, h.ID, n.StringValue(core.JcrVersionHistory))
	assert.Equal(t, h.RootVersion, n.StringValue(core.JcrBaseVersion))
	assert.Equal(t, RootVersionName, h.Root().Name)
	assert.True(t, Knows(f.s.Snapshot(), h.ID))
	assert.True(t, Knows(f.s.Snapshot(), h.RootVersion))
	assert.False(t, Knows(f.s.Snapshot(), f.doc))
}

func TestCheckinIsIdempotent(t *testing.T) {
	f := newFixture(t)
	v1 := f.checkin("default")
	assert.Equal(t, "1.0", v1.Name)
	assert.False(t, IsCheckedOut(f.s.Snapshot(), "default", f.doc))

	again := f.checkin("default")
	assert.Equal(t, v1.ID, again.ID)
	assert.Len(t, f.history().Versions, 2)
}

func TestCheckoutCheckinLinksPredecessor(t *testing.T) {
	f := newFixture(t)
	v1 := f.checkin("default")
	require.NoError(t, f.m.Checkout(f.ctx, "default", f.doc))
	assert.True(t, IsCheckedOut(f.s.Snapshot(), "default", f.doc))
	assert.NoError(t, f.m.Checkout(f.ctx, "default", f.doc))

	v2 := f.checkin("default")
	assert.Equal(t, "1.1", v2.Name)
	assert.Equal(t, []string{v1.ID}, v2.Predecessors)
	h := f.history()
	assert.True(t, h.IsEventualSuccessor(v1.ID, v2.ID))
	assert.True(t, h.IsEventualSuccessor(h.RootVersion, v2.ID))
	assert.False(t, h.IsEventualSuccessor(v2.ID, v1.ID))

	names := []string{}
	for _, v := range h.Linear(v2.ID) {
		names = append(names, v.Name)
	}
	assert.Equal(t, []string{RootVersionName, "1.0", "1.1"}, names)
}

func TestCheckedInSubtreeIsReadOnly(t *testing.T) {
	f := newFixture(t)
	child, err := f.s.CreateNode(f.ctx, "default", f.doc, "child", core.NTUnstructured)
	require.NoError(t, err)
	assert.True(t, IsCheckedOut(f.s.Snapshot(), "default", child.ID))
	f.checkin("default")
	assert.False(t, IsCheckedOut(f.s.Snapshot(), "default", child.ID))
	assert.True(t, IsCheckedOut(f.s.Snapshot(), "default", core.RootID))
}

func TestCheckinWithoutHistoryFails(t *testing.T) {
	f := newFixture(t)
	var id string
	require.NoError(t, f.s.Update(f.ctx, func(txn *store.Txn) error {
		n, err := txn.CreateNode("default", core.RootID, "bare", core.NTUnstructured, "")
		n.Mixins = []string{core.MixSimpleVersionable}
		id = n.ID
		return err
	}))
	assert.True(t, f.m.NeedsInitialize(f.s.Snapshot(), "default", f.node("default", id)))
	_, err := f.m.Checkin(f.ctx, "default", id)
	assert.ErrorIs(t, err, core.ErrVersion)

	_, err = f.m.Checkin(f.ctx, "default", core.RootID)
	assert.ErrorIs(t, err, core.ErrUnsupportedOperation)
}

func TestBranchNaming(t *testing.T) {
	f := newFixture(t)
	f.checkin("default")
	require.NoError(t, f.m.Checkout(f.ctx, "default", f.doc))
	f.checkin("default")
	require.NoError(t, f.m.Restore(f.ctx, "default", f.doc, "1.0", false))
	require.NoError(t, f.m.Checkout(f.ctx, "default", f.doc))
	v := f.checkin("default")
	assert.Equal(t, "1.0.0", v.Name)
}

func TestLabels(t *testing.T) {
	f := newFixture(t)
	f.checkin("default")
	require.NoError(t, f.m.Checkout(f.ctx, "default", f.doc))
	f.checkin("default")
	hid := f.history().ID

	require.NoError(t, f.m.AddLabel(f.ctx, hid, "1.0", "stable", false))
	require.NoError(t, f.m.AddLabel(f.ctx, hid, "1.0", "stable", false))
	assert.ErrorIs(t, f.m.AddLabel(f.ctx, hid, "1.1", "stable", false), core.ErrVersion)
	require.NoError(t, f.m.AddLabel(f.ctx, hid, "1.1", "stable", true))

	h := f.history()
	v, err := h.VersionByLabel("stable")
	require.NoError(t, err)
	assert.Equal(t, "1.1", v.Name)
	assert.Equal(t, []string{"stable"}, h.LabelsOf(v.ID))
	assert.True(t, h.HasLabel("stable"))

	require.NoError(t, f.m.RemoveLabel(f.ctx, hid, "stable"))
	assert.False(t, f.history().HasLabel("stable"))
	assert.ErrorIs(t, f.m.RemoveLabel(f.ctx, hid, "stable"), core.ErrVersion)
	assert.ErrorIs(t, f.m.AddLabel(f.ctx, hid, "9.9", "x", false), core.ErrVersion)
}

func TestRemoveVersionRelinks(t *testing.T) {
	f := newFixture(t)
	v1 := f.checkin("default")
	require.NoError(t, f.m.Checkout(f.ctx, "default", f.doc))
	v2 := f.checkin("default")
	require.NoError(t, f.m.Checkout(f.ctx, "default", f.doc))
	v3 := f.checkin("default")
	hid := f.history().ID
	require.NoError(t, f.m.AddLabel(f.ctx, hid, "1.1", "gone", false))

	require.NoError(t, f.m.RemoveVersion(f.ctx, hid, "1.1"))
	h := f.history()
	assert.NotContains(t, h.Versions, v2.ID)
	assert.Equal(t, []string{v3.ID}, h.Versions[v1.ID].Successors)
	assert.Equal(t, []string{v1.ID}, h.Versions[v3.ID].Predecessors)
	assert.True(t, h.IsEventualSuccessor(h.RootVersion, v3.ID))
	assert.Empty(t, h.Labels)
	assert.False(t, Knows(f.s.Snapshot(), v2.ID))

	assert.ErrorIs(t, f.m.RemoveVersion(f.ctx, hid, "1.2"), core.ErrReferentialIntegrity)
	assert.ErrorIs(t, f.m.RemoveVersion(f.ctx, hid, RootVersionName), core.ErrVersion)
}

func TestRestoreFollowsOnParentVersion(t *testing.T) {
	f := newFixture(t)
	f.setProp("default", f.doc, "p", "a")
	child, err := f.s.CreateNode(f.ctx, "default", f.doc, "child", core.NTUnstructured)
	require.NoError(t, err)
	f.checkin("default")

	require.NoError(t, f.m.Checkout(f.ctx, "default", f.doc))
	f.setProp("default", f.doc, "p", "b")
	f.setProp("default", f.doc, "extra", "x")
	require.NoError(t, f.s.RemoveNode(f.ctx, "default", child.ID))
	f.checkin("default")

	require.NoError(t, f.m.Restore(f.ctx, "default", f.doc, "1.0", false))
	n := f.node("default", f.doc)
	assert.Equal(t, "a", n.StringValue("p"))
	_, has := n.Property("extra")
	assert.False(t, has)
	assert.Equal(t, f.doc, n.StringValue(core.JcrUUID), "INITIALIZE properties are kept")
	assert.Equal(t, "false", n.StringValue(core.JcrIsCheckedOut))

	restored, err := f.s.GetNodeByPath("default", "/doc/child")
	require.NoError(t, err)
	assert.Equal(t, child.ID, restored.ID)

	base, err := f.m.BaseVersion(f.s.Snapshot(), "default", f.doc)
	require.NoError(t, err)
	assert.Equal(t, "1.0", base.Name)

	require.NoError(t, f.m.AddLabel(f.ctx, f.history().ID, "1.1", "latest", false))
	require.NoError(t, f.m.RestoreByLabel(f.ctx, "default", f.doc, "latest", false))
	assert.Equal(t, "b", f.node("default", f.doc).StringValue("p"))
	_, err = f.s.GetNodeByPath("default", "/doc/child")
	assert.ErrorIs(t, err, core.ErrPathNotFound)

	assert.ErrorIs(t, f.m.Restore(f.ctx, "default", f.doc, RootVersionName, false), core.ErrVersion)
}

func TestRestoreRemoved(t *testing.T) {
	f := newFixture(t)
	f.setProp("default", f.doc, "p", "kept")
	f.checkin("default")
	hid := f.history().ID
	require.NoError(t, f.s.RemoveNode(f.ctx, "default", f.doc))

	require.NoError(t, f.m.RestoreRemoved(f.ctx, "default", hid, "1.0", core.RootID, "back", false))
	n, err := f.s.GetNodeByPath("default", "/back")
	require.NoError(t, err)
	assert.Equal(t, f.doc, n.ID)
	assert.Equal(t, "kept", n.StringValue("p"))
	assert.ErrorIs(t, f.m.RestoreRemoved(f.ctx, "default", hid, "1.0", core.RootID, "again", false), core.ErrItemExists)
}

// cloneToOther puts a copy of /doc into a second workspace sharing its
// history.
func (f *fixture) cloneToOther() {
	require.NoError(f.t, f.s.CreateWorkspace(f.ctx, "other"))
	require.NoError(f.t, f.s.Update(f.ctx, func(txn *store.Txn) error {
		if _, err := txn.CloneSubtree("default", f.doc, "other", core.RootID, "doc", false); err != nil {
			return err
		}
		return f.m.CopyState(txn, "default", "other", []string{f.doc})
	}))
}

func TestMergeUpdate(t *testing.T) {
	f := newFixture(t)
	f.setProp("default", f.doc, "p", "old")
	f.checkin("default")
	f.cloneToOther()

	require.NoError(t, f.m.Checkout(f.ctx, "other", f.doc))
	f.setProp("other", f.doc, "p", "new")
	_, err := f.m.Checkin(f.ctx, "other", f.doc)
	require.NoError(t, err)

	res, err := f.m.Merge(f.ctx, "default", f.doc, "other", false)
	require.NoError(t, err)
	assert.Equal(t, []string{f.doc}, res.Updated)
	assert.Empty(t, res.Failed)
	assert.Equal(t, "new", f.node("default", f.doc).StringValue("p"))

	base, err := f.m.BaseVersion(f.s.Snapshot(), "default", f.doc)
	require.NoError(t, err)
	assert.Equal(t, "1.1", base.Name)

	// merging again leaves everything as it is
	res, err = f.m.Merge(f.ctx, "default", f.doc, "other", false)
	require.NoError(t, err)
	assert.Empty(t, res.Updated)
}

func TestMergeFailureAndDoneMerge(t *testing.T) {
	f := newFixture(t)
	f.checkin("default")
	f.cloneToOther()

	require.NoError(t, f.m.Checkout(f.ctx, "default", f.doc))
	f.checkin("default") // 1.1 in default
	require.NoError(t, f.m.Checkout(f.ctx, "other", f.doc))
	branch, err := f.m.Checkin(f.ctx, "other", f.doc) // 1.0.0 in other
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", branch.Name)

	_, err = f.m.Merge(f.ctx, "default", f.doc, "other", false)
	assert.ErrorIs(t, err, core.ErrMerge)

	res, err := f.m.Merge(f.ctx, "default", f.doc, "other", true)
	require.NoError(t, err)
	assert.Equal(t, []string{f.doc}, res.Failed)
	n := f.node("default", f.doc)
	p, ok := n.Property(core.JcrMergeFailed)
	require.True(t, ok)
	assert.Equal(t, branch.ID, p.Values[0].Str)

	require.NoError(t, f.m.Checkout(f.ctx, "default", f.doc))
	_, err = f.m.Checkin(f.ctx, "default", f.doc)
	assert.ErrorIs(t, err, core.ErrVersion, "checkin is blocked while merge failures are pending")

	assert.ErrorIs(t, f.m.DoneMerge(f.ctx, "default", f.doc, "nope"), core.ErrVersion)
	require.NoError(t, f.m.DoneMerge(f.ctx, "default", f.doc, branch.ID))
	_, has := f.node("default", f.doc).Property(core.JcrMergeFailed)
	assert.False(t, has)

	joined := f.checkin("default")
	assert.Len(t, joined.Predecessors, 2)
	assert.Contains(t, joined.Predecessors, branch.ID)
}

func TestCancelMerge(t *testing.T) {
	f := newFixture(t)
	f.checkin("default")
	f.cloneToOther()
	require.NoError(t, f.m.Checkout(f.ctx, "default", f.doc))
	require.NoError(t, f.m.Checkout(f.ctx, "other", f.doc))
	branch, err := f.m.Checkin(f.ctx, "other", f.doc)
	require.NoError(t, err)

	// checked out with a base that is not a successor of the other one
	res, err := f.m.Merge(f.ctx, "default", f.doc, "other", true)
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)

	require.NoError(t, f.m.CancelMerge(f.ctx, "default", f.doc, branch.ID))
	st, err := f.m.State(f.s.Snapshot(), "default", f.doc)
	require.NoError(t, err)
	assert.Empty(t, st.MergeFailed)
	assert.NotContains(t, st.Predecessors, branch.ID)
	v := f.checkin("default")
	assert.Len(t, v.Predecessors, 1)
}

func TestCheckpoint(t *testing.T) {
	f := newFixture(t)
	v, err := f.m.Checkpoint(f.ctx, "default", f.doc)
	require.NoError(t, err)
	assert.Equal(t, "1.0", v.Name)
	assert.True(t, IsCheckedOut(f.s.Snapshot(), "default", f.doc))
	st, err := f.m.State(f.s.Snapshot(), "default", f.doc)
	require.NoError(t, err)
	assert.Equal(t, []string{v.ID}, st.Predecessors)
}
