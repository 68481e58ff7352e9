package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/modelmux/loaders/mock"
	"github.com/blueberrycongee/modelmux/pkg/model"
	"github.com/blueberrycongee/modelmux/pkg/types"
)

func TestRegistry_SnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	ctx := context.Background()

	src := newTestRegistry(t, Config{MaxModels: 10, SnapshotPath: path})
	loaded := mock.New(model.Info{
		ID: "a", Name: "a", Format: types.FormatMock, Parameters: 1_000_000,
		Capabilities: []types.Capability{types.CapChat},
	})
	require.NoError(t, src.Register(loaded))
	require.NoError(t, loaded.Load(ctx))
	require.NoError(t, src.Register(mock.New(model.Info{ID: "b", Name: "b", Format: types.FormatMock})))

	require.NoError(t, src.SaveSnapshot())

	dst := newTestRegistry(t, Config{MaxModels: 10, SnapshotPath: path})
	require.NoError(t, dst.LoadSnapshot(ctx))
	assert.Equal(t, 2, dst.Size())

	t.Run("loaded hint is honored eagerly", func(t *testing.T) {
		m, ok := dst.Peek("a")
		require.True(t, ok)
		assert.Equal(t, model.StateLoaded, m.State())
	})

	t.Run("unloaded entries stay cold", func(t *testing.T) {
		m, ok := dst.Peek("b")
		require.True(t, ok)
		assert.Equal(t, model.StateUnloaded, m.State())
	})

	t.Run("descriptors survive the round trip", func(t *testing.T) {
		m, ok := dst.Peek("a")
		require.True(t, ok)
		assert.Equal(t, int64(1_000_000), m.Info().Parameters)
		assert.Equal(t, []types.Capability{types.CapChat}, m.Info().Capabilities)
	})
}

func TestRegistry_SnapshotSkipsUnknownLoaders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	ctx := context.Background()

	src := newTestRegistry(t, Config{MaxModels: 10, SnapshotPath: path})
	require.NoError(t, src.Register(mock.New(model.Info{ID: "a", Name: "a", Format: types.FormatMock})))
	require.NoError(t, src.SaveSnapshot())

	// The destination has no loaders registered, so every entry is skipped.
	dst, err := New(Config{MaxModels: 10, SnapshotPath: path}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, dst.LoadSnapshot(ctx))
	assert.Equal(t, 0, dst.Size())
}

func TestRegistry_SnapshotPathRequired(t *testing.T) {
	reg := newTestRegistry(t, Config{MaxModels: 10})
	require.Error(t, reg.SaveSnapshot())
	require.Error(t, reg.LoadSnapshot(context.Background()))
}
