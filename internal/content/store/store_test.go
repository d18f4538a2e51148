package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/contentrepo/internal/content/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), NewMemoryBackend(), nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateWorkspace(context.Background(), "default"))
	return s
}

func mustCreate(t *testing.T, s *Store, parentPath, name string) *NodeRecord {
	t.Helper()
	parent, err := s.GetNodeByPath("default", parentPath)
	require.NoError(t, err)
	n, err := s.CreateNode(context.Background(), "default", parent.ID, name, core.NTUnstructured)
	require.NoError(t, err)
	return n
}

func pathOf(t *testing.T, v View, id string) string {
	t.Helper()
	p, err := PathOf(v, "default", id)
	require.NoError(t, err)
	return p.String()
}

func TestWorkspaces(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	assert.Equal(t, []string{"default"}, s.Workspaces())

	root, err := s.GetNodeByPath("default", "/")
	require.NoError(t, err)
	assert.Equal(t, core.RootID, root.ID)
	assert.Equal(t, core.RepRoot, root.PrimaryType)
	assert.Equal(t, core.RootID, root.StringValue(core.JcrUUID))

	assert.ErrorIs(t, s.CreateWorkspace(ctx, "default"), core.ErrItemExists)
	require.NoError(t, s.CreateWorkspace(ctx, "other"))
	assert.Equal(t, []string{"default", "other"}, s.Workspaces())

	require.NoError(t, s.DeleteWorkspace(ctx, "other"))
	assert.Equal(t, []string{"default"}, s.Workspaces())
	assert.ErrorIs(t, s.DeleteWorkspace(ctx, "other"), core.ErrNoSuchWorkspace)

	_, err = s.GetNodeByPath("nope", "/")
	assert.ErrorIs(t, err, core.ErrNoSuchWorkspace)
}

func TestCreateAndLookup(t *testing.T) {
	s := newTestStore(t)
	a := mustCreate(t, s, "/", "a")
	b := mustCreate(t, s, "/a", "b")

	got, err := s.GetNodeByIdentifier("default", b.ID)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Name)
	assert.Equal(t, a.ID, got.ParentID)
	assert.Equal(t, core.NTUnstructured, got.StringValue(core.JcrPrimaryType))
	assert.Equal(t, uint64(1), got.Revision)

	got, err = s.GetNodeByPath("default", "/a/b")
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	_, err = s.GetNodeByPath("default", "/a/x/y")
	assert.ErrorIs(t, err, core.ErrPathNotFound)
	_, err = s.GetNodeByIdentifier("default", core.NewIdentifier())
	assert.ErrorIs(t, err, core.ErrItemNotFound)

	_, err = s.CreateNode(context.Background(), "default", core.NewIdentifier(), "x", core.NTUnstructured)
	assert.ErrorIs(t, err, core.ErrItemNotFound)
	_, err = s.CreateNode(context.Background(), "default", a.ID, "bad/name", core.NTUnstructured)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestSameNameSiblings(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "/", "p")
	c1 := mustCreate(t, s, "/p", "c")
	c2 := mustCreate(t, s, "/p", "c")
	c3 := mustCreate(t, s, "/p", "c")

	snap := s.Snapshot()
	assert.Equal(t, "/p/c", pathOf(t, snap, c1.ID))
	assert.Equal(t, "/p/c[2]", pathOf(t, snap, c2.ID))
	assert.Equal(t, "/p/c[3]", pathOf(t, snap, c3.ID))

	n, err := snap.GetNodeByPath("default", "/p/c[3]")
	require.NoError(t, err)
	assert.Equal(t, c3.ID, n.ID)

	// removing index 1 compacts the others by one, keeping their order
	require.NoError(t, s.RemoveNode(context.Background(), "default", c1.ID))
	snap = s.Snapshot()
	assert.Equal(t, 1, SiblingIndex(snap, "default", mustNode(t, snap, c2.ID)))
	assert.Equal(t, 2, SiblingIndex(snap, "default", mustNode(t, snap, c3.ID)))

	s.SetSiblingPolicy(func(View, string, *NodeRecord, string) bool { return false })
	parent, _ := s.GetNodeByPath("default", "/p")
	_, err = s.CreateNode(context.Background(), "default", parent.ID, "c", core.NTUnstructured)
	assert.ErrorIs(t, err, core.ErrItemExists)
	_, err = s.CreateNode(context.Background(), "default", parent.ID, "d", core.NTUnstructured)
	assert.NoError(t, err)
}

func mustNode(t *testing.T, v View, id string) *NodeRecord {
	t.Helper()
	n, ok := v.Node("default", id)
	require.True(t, ok)
	return n
}

func TestMoveKeepsIdentifierAndRevision(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := mustCreate(t, s, "/", "a")
	mustCreate(t, s, "/", "b")
	child := mustCreate(t, s, "/a", "child")

	before := mustNode(t, s.Snapshot(), a.ID).Revision
	require.NoError(t, s.MoveNode(ctx, "default", "/a", "/b/a"))

	snap := s.Snapshot()
	moved := mustNode(t, snap, a.ID)
	assert.Equal(t, "/b/a", pathOf(t, snap, a.ID))
	assert.Equal(t, "/b/a/child", pathOf(t, snap, child.ID))
	assert.Equal(t, before, moved.Revision, "a move does not change the moved node's revision")

	root := mustNode(t, snap, core.RootID)
	assert.NotContains(t, root.Children, a.ID)

	assert.ErrorIs(t, s.MoveNode(ctx, "default", "/b", "/b/a/b"), core.ErrConstraintViolation)
	assert.ErrorIs(t, s.MoveNode(ctx, "default", "/missing", "/x"), core.ErrPathNotFound)
	assert.ErrorIs(t, s.MoveNode(ctx, "default", "/b", "/nope/b"), core.ErrPathNotFound)
}

func TestRenameKeepsPosition(t *testing.T) {
	s := newTestStore(t)
	x := mustCreate(t, s, "/", "x")
	y := mustCreate(t, s, "/", "y")
	require.NoError(t, s.Update(context.Background(), func(txn *Txn) error {
		return txn.MoveNode("default", x.ID, core.RootID, "z")
	}))
	root := mustNode(t, s.Snapshot(), core.RootID)
	assert.Equal(t, []string{x.ID, y.ID}, root.Children)
	assert.Equal(t, "/z", pathOf(t, s.Snapshot(), x.ID))
}

func TestUpdateIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	before := s.Snapshot()

	boom := errors.New("validation failed")
	err := s.Update(ctx, func(txn *Txn) error {
		if _, err := txn.CreateNode("default", core.RootID, "one", core.NTUnstructured, ""); err != nil {
			return err
		}
		if _, err := txn.CreateNode("default", core.RootID, "two", core.NTUnstructured, ""); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Same(t, before, s.Snapshot())
	_, err = s.GetNodeByPath("default", "/one")
	assert.ErrorIs(t, err, core.ErrPathNotFound)
}

func TestUpdatePanicReleasesWriter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	before := s.Snapshot()

	assert.Panics(t, func() {
		_ = s.Update(ctx, func(txn *Txn) error {
			if _, err := txn.CreateNode("default", core.RootID, "half", core.NTUnstructured, ""); err != nil {
				return err
			}
			panic("replay bug")
		})
	})
	assert.Same(t, before, s.Snapshot())

	mustCreate(t, s, "/", "after")
	_, err := s.GetNodeByPath("default", "/half")
	assert.ErrorIs(t, err, core.ErrPathNotFound)
}

type failingBackend struct {
	*MemoryBackend
	fail bool
}

func (f *failingBackend) Apply(ctx context.Context, cs *ChangeSet) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.MemoryBackend.Apply(ctx, cs)
}

func TestBackendFailureLeavesSnapshot(t *testing.T) {
	ctx := context.Background()
	be := &failingBackend{MemoryBackend: NewMemoryBackend()}
	s, err := Open(ctx, be, nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateWorkspace(ctx, "default"))

	be.fail = true
	hookRan := false
	err = s.Update(ctx, func(txn *Txn) error {
		txn.AfterCommit(func(*Snapshot) { hookRan = true })
		_, err := txn.CreateNode("default", core.RootID, "a", core.NTUnstructured, "")
		return err
	})
	assert.ErrorIs(t, err, core.ErrRepository)
	assert.False(t, hookRan)
	_, err = s.GetNodeByPath("default", "/a")
	assert.ErrorIs(t, err, core.ErrPathNotFound)
}

func TestRevisions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := mustCreate(t, s, "/", "a")
	assert.Equal(t, uint64(1), a.Revision)

	require.NoError(t, s.Update(ctx, func(txn *Txn) error {
		n, err := txn.Mutable("default", a.ID)
		if err != nil {
			return err
		}
		n.SetProperty(PropertyRecord{Name: "p", Type: core.TypeString, Values: []core.ValueData{{Type: core.TypeString, Str: "x"}}})
		return nil
	}))
	assert.Equal(t, uint64(2), mustNode(t, s.Snapshot(), a.ID).Revision)

	// an unchanged mutable copy commits nothing
	seq := s.Snapshot().Seq()
	require.NoError(t, s.Update(ctx, func(txn *Txn) error {
		_, err := txn.Mutable("default", a.ID)
		return err
	}))
	assert.Equal(t, seq, s.Snapshot().Seq())

	// adding a child changes the parent's child list
	mustCreate(t, s, "/a", "c")
	assert.Equal(t, uint64(3), mustNode(t, s.Snapshot(), a.ID).Revision)
}

func TestCopySubtree(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := mustCreate(t, s, "/", "a")
	b := mustCreate(t, s, "/a", "b")
	mustCreate(t, s, "/", "dest")

	require.NoError(t, s.Update(ctx, func(txn *Txn) error {
		n, err := txn.Mutable("default", a.ID)
		if err != nil {
			return err
		}
		n.SetProperty(PropertyRecord{Name: "ref", Type: core.TypeReference, Values: []core.ValueData{{Type: core.TypeReference, Str: b.ID}}})
		n.SetProperty(PropertyRecord{Name: core.JcrUUID, Type: core.TypeString, Values: []core.ValueData{{Type: core.TypeString, Str: a.ID}}})
		return nil
	}))

	var copied *NodeRecord
	require.NoError(t, s.Update(ctx, func(txn *Txn) error {
		dest, err := txn.GetNodeByPath("default", "/dest")
		if err != nil {
			return err
		}
		copied, err = txn.CopySubtree("default", a.ID, "default", dest.ID, "copy")
		return err
	}))
	snap := s.Snapshot()
	assert.NotEqual(t, a.ID, copied.ID)
	assert.Equal(t, copied.ID, copied.StringValue(core.JcrUUID))

	cb, err := snap.GetNodeByPath("default", "/dest/copy/b")
	require.NoError(t, err)
	assert.NotEqual(t, b.ID, cb.ID)
	got := mustNode(t, snap, copied.ID)
	assert.Equal(t, cb.ID, got.StringValue("ref"), "internal references follow the copy")

	err = s.Update(ctx, func(txn *Txn) error {
		_, err := txn.CopySubtree("default", a.ID, "default", b.ID, "loop")
		return err
	})
	assert.ErrorIs(t, err, core.ErrConstraintViolation)
}

func TestCloneSubtree(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateWorkspace(ctx, "other"))
	a := mustCreate(t, s, "/", "a")
	b := mustCreate(t, s, "/a", "b")

	clone := func(remove bool) error {
		return s.Update(ctx, func(txn *Txn) error {
			_, err := txn.CloneSubtree("default", a.ID, "other", core.RootID, "a", remove)
			return err
		})
	}
	require.NoError(t, clone(false))
	n, err := s.Snapshot().GetNodeByPath("other", "/a/b")
	require.NoError(t, err)
	assert.Equal(t, b.ID, n.ID)

	assert.ErrorIs(t, clone(false), core.ErrItemExists)
	require.NoError(t, clone(true))
	root, _ := s.Snapshot().Node("other", core.RootID)
	assert.Len(t, root.Children, 1)
}

func TestOrderBefore(t *testing.T) {
	s := newTestStore(t)
	x := mustCreate(t, s, "/", "x")
	y := mustCreate(t, s, "/", "y")
	z := mustCreate(t, s, "/", "z")
	require.NoError(t, s.Update(context.Background(), func(txn *Txn) error {
		return txn.OrderBefore("default", z.ID, x.ID)
	}))
	assert.Equal(t, []string{z.ID, x.ID, y.ID}, mustNode(t, s.Snapshot(), core.RootID).Children)
}

func TestBlobsAndHooks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	var events []CommitEvent
	s.SetEventEmitter(func(ev CommitEvent) { events = append(events, ev) })

	var seen *Snapshot
	require.NoError(t, s.Update(ctx, func(txn *Txn) error {
		txn.PutBlob("history", "h1", []byte("v1"))
		txn.AfterCommit(func(snap *Snapshot) { seen = snap })
		b, ok := txn.Blob("history", "h1")
		assert.True(t, ok)
		assert.Equal(t, "v1", string(b))
		return nil
	}))
	require.NotNil(t, seen)
	b, ok := seen.Blob("history", "h1")
	assert.True(t, ok)
	assert.Equal(t, "v1", string(b))
	assert.Equal(t, []string{"h1"}, s.Snapshot().BlobIDs("history"))
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].Blobs)

	require.NoError(t, s.Update(ctx, func(txn *Txn) error {
		txn.DeleteBlob("history", "h1")
		return nil
	}))
	_, ok = s.Snapshot().Blob("history", "h1")
	assert.False(t, ok)
}

func TestReopenFromBackend(t *testing.T) {
	ctx := context.Background()
	be := NewMemoryBackend()
	s, err := Open(ctx, be, nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateWorkspace(ctx, "default"))
	a := mustCreate(t, s, "/", "a")

	s2, err := Open(ctx, be, nil)
	require.NoError(t, err)
	n, err := s2.GetNodeByPath("default", "/a")
	require.NoError(t, err)
	assert.Equal(t, a.ID, n.ID)
	assert.Equal(t, s.Snapshot().Seq(), s2.Snapshot().Seq())
}

func TestConcurrentReadersSeeWholeCommits(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap := s.Snapshot()
			root, _ := snap.Node("default", core.RootID)
			// every commit adds two children at once
			assert.Equal(t, 0, len(root.Children)%2)
		}
	}()
	for i := 0; i < 50; i++ {
		require.NoError(t, s.Update(ctx, func(txn *Txn) error {
			if _, err := txn.CreateNode("default", core.RootID, "l", core.NTUnstructured, ""); err != nil {
				return err
			}
			_, err := txn.CreateNode("default", core.RootID, "r", core.NTUnstructured, "")
			return err
		}))
	}
	close(stop)
	wg.Wait()
}
