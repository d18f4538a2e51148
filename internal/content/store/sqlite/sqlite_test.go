package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/systemshift/contentrepo/internal/content/store"
	"github.com/systemshift/contentrepo/internal/content/store/storetest"
)

func TestBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "content.db")
	storetest.Run(t, func(t *testing.T) store.Backend {
		b, err := New(context.Background(), path)
		require.NoError(t, err)
		return b
	})
}

func TestApplyRollsBackOnCancel(t *testing.T) {
	ctx := context.Background()
	b, err := New(ctx, filepath.Join(t.TempDir(), "content.db"))
	require.NoError(t, err)
	defer b.Close()

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	rec := store.NewNodeRecord("cafebabe-cafe-babe-cafe-babecafebabe", "", "", "rep:root")
	err = b.Apply(cctx, &store.ChangeSet{Seq: 1, Nodes: []store.NodeChange{{Workspace: "default", ID: rec.ID, Record: rec}}})
	require.Error(t, err)

	img, err := b.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, img.Workspaces)
	require.Zero(t, img.Seq)
}
