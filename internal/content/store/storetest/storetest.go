// Package storetest holds the shared checks every store.Backend must pass.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/contentrepo/internal/content/core"
	"github.com/systemshift/contentrepo/internal/content/store"
)

// Factory opens a backend. Calling it twice with the same t must return
// backends over the same persisted data; the previous one is closed first.
type Factory func(t *testing.T) store.Backend

// Run exercises a backend through a Store: commits survive a reopen,
// deletes are persisted and blobs round-trip byte for byte.
func Run(t *testing.T, open Factory) {
	ctx := context.Background()

	be := open(t)
	s, err := store.Open(ctx, be, nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateWorkspace(ctx, "default"))
	require.NoError(t, s.CreateWorkspace(ctx, "scratch"))

	a, err := s.CreateNode(ctx, "default", core.RootID, "a", core.NTUnstructured)
	require.NoError(t, err)
	gone, err := s.CreateNode(ctx, "default", a.ID, "gone", core.NTUnstructured)
	require.NoError(t, err)
	keep, err := s.CreateNode(ctx, "default", a.ID, "keep", core.NTUnstructured)
	require.NoError(t, err)

	bin := []byte{0, 1, 2, 0xff}
	require.NoError(t, s.Update(ctx, func(txn *store.Txn) error {
		n, err := txn.Mutable("default", keep.ID)
		if err != nil {
			return err
		}
		n.Mixins = []string{core.MixReferenceable}
		n.SetProperty(store.PropertyRecord{
			Name:     "tags",
			Type:     core.TypeString,
			Multiple: true,
			Values:   []core.ValueData{{Type: core.TypeString, Str: "x"}, {Type: core.TypeString, Str: "y"}},
		})
		n.SetProperty(store.PropertyRecord{
			Name:   "data",
			Type:   core.TypeBinary,
			Values: []core.ValueData{{Type: core.TypeBinary, Bin: bin}},
		})
		n.SyncTypeProperties()
		txn.PutBlob("history", "h1", []byte("payload"))
		txn.PutBlob("history", "h2", []byte("other"))
		return nil
	}))
	require.NoError(t, s.RemoveNode(ctx, "default", gone.ID))
	require.NoError(t, s.DeleteWorkspace(ctx, "scratch"))
	require.NoError(t, s.Update(ctx, func(txn *store.Txn) error {
		txn.DeleteBlob("history", "h2")
		return nil
	}))
	seq := s.Snapshot().Seq()
	require.NoError(t, s.Close())

	s2, err := store.Open(ctx, open(t), nil)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, seq, s2.Snapshot().Seq())
	assert.Equal(t, []string{"default"}, s2.Workspaces())

	got, err := s2.GetNodeByPath("default", "/a/keep")
	require.NoError(t, err)
	want, _ := s.Snapshot().Node("default", keep.ID)
	assert.Equal(t, want.Revision, got.Revision)
	assert.Equal(t, []string{core.MixReferenceable}, got.Mixins)
	assert.True(t, got.Properties["tags"].Equal(want.Properties["tags"]))
	p, ok := got.Property("data")
	require.True(t, ok)
	assert.Equal(t, bin, p.Values[0].Bin)

	_, err = s2.GetNodeByIdentifier("default", gone.ID)
	assert.ErrorIs(t, err, core.ErrItemNotFound)
	parent, err := s2.GetNodeByIdentifier("default", a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{keep.ID}, parent.Children)

	blob, ok := s2.Snapshot().Blob("history", "h1")
	assert.True(t, ok)
	assert.Equal(t, "payload", string(blob))
	_, ok = s2.Snapshot().Blob("history", "h2")
	assert.False(t, ok)

	// commits after a reopen continue the sequence
	_, err = s2.CreateNode(ctx, "default", core.RootID, "later", core.NTUnstructured)
	require.NoError(t, err)
	assert.Equal(t, seq+1, s2.Snapshot().Seq())
}
