package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/contentrepo/internal/content/store"
	"github.com/systemshift/contentrepo/internal/content/store/storetest"
)

func TestBackend(t *testing.T) {
	dir := t.TempDir()
	storetest.Run(t, func(t *testing.T) store.Backend {
		b, err := Open(Config{Path: dir})
		require.NoError(t, err)
		return b
	})
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestInMemoryStartsEmpty(t *testing.T) {
	b, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer b.Close()

	img, err := b.Load(context.Background())
	require.NoError(t, err)
	assert.Zero(t, img.Seq)
	assert.Empty(t, img.Workspaces)
	assert.Empty(t, img.Blobs)
}
