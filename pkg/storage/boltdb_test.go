package storage

import (
	"testing"

	"github.com/cuemby/hutch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// TestPluginCRUD tests put, get, list and delete of plugin records
func TestPluginCRUD(t *testing.T) {
	s := newTestStore(t)

	err := s.Update(func(tx Tx) error {
		if err := tx.PutPlugin(&types.Plugin{Name: "weather", Version: "0.1.0"}); err != nil {
			return err
		}
		return tx.PutPlugin(&types.Plugin{Name: "weather", Version: "0.2.0", Enabled: true})
	})
	require.NoError(t, err)

	p, err := s.GetPlugin("weather", "0.2.0")
	require.NoError(t, err)
	assert.True(t, p.Enabled)

	plugins, err := s.ListPlugins()
	require.NoError(t, err)
	assert.Len(t, plugins, 2)

	require.NoError(t, s.Update(func(tx Tx) error { return tx.DeletePlugin("weather", "0.1.0") }))

	_, err = s.GetPlugin("weather", "0.1.0")
	assert.True(t, IsNotFound(err))
}

// TestListServicesPrefix tests that service listing does not leak across
// plugins sharing a name prefix
func TestListServicesPrefix(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Update(func(tx Tx) error {
		for _, svc := range []*types.ServiceDef{
			{Plugin: "a", Version: "1.0.0", Name: "one"},
			{Plugin: "a", Version: "1.0.0", Name: "two"},
			{Plugin: "ab", Version: "1.0.0", Name: "one"},
			{Plugin: "a", Version: "1.0.1", Name: "one"},
		} {
			if err := tx.PutService(svc); err != nil {
				return err
			}
		}
		return nil
	}))

	tests := []struct {
		name    string
		plugin  string
		version string
		want    int
	}{
		{"exact version", "a", "1.0.0", 2},
		{"all versions", "a", "", 3},
		{"other plugin", "ab", "", 1},
		{"everything", "", "", 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svcs, err := s.ListServices(tt.plugin, tt.version)
			require.NoError(t, err)
			assert.Len(t, svcs, tt.want)
		})
	}
}

// TestRoutesByService tests route listing per service
func TestRoutesByService(t *testing.T) {
	s := newTestStore(t)
	key := types.ServiceKey{Plugin: "p", Version: "0.1.0", Service: "s"}

	require.NoError(t, s.Update(func(tx Tx) error {
		if err := tx.PutRoute(&types.Route{Plugin: "p", Version: "0.1.0", Service: "s", NodeID: "i1"}); err != nil {
			return err
		}
		if err := tx.PutRoute(&types.Route{Plugin: "p", Version: "0.1.0", Service: "s", NodeID: "i2", Poisoned: true}); err != nil {
			return err
		}
		return tx.PutRoute(&types.Route{Plugin: "p", Version: "0.1.0", Service: "s2", NodeID: "i1"})
	}))

	routes, err := s.ListServiceRoutes(key)
	require.NoError(t, err)
	require.Len(t, routes, 2)

	r, err := s.GetRoute(key, "i2")
	require.NoError(t, err)
	assert.True(t, r.Poisoned)

	require.NoError(t, s.Update(func(tx Tx) error { return tx.DeleteRoute(key, "i2") }))
	routes, err = s.ListServiceRoutes(key)
	require.NoError(t, err)
	assert.Len(t, routes, 1)
}

// TestMigrationsOrderedBySeq tests that records come back in apply order
func TestMigrationsOrderedBySeq(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Update(func(tx Tx) error {
		for i, file := range []string{"z_last.db", "a_first.db", "m_mid.db"} {
			seq := []int{3, 1, 2}[i]
			if err := tx.PutMigration(&types.MigrationRecord{Plugin: "p", File: file, Seq: seq}); err != nil {
				return err
			}
		}
		return tx.PutMigration(&types.MigrationRecord{Plugin: "q", File: "x.db", Seq: 1})
	}))

	records, err := s.ListMigrations("p")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "a_first.db", records[0].File)
	assert.Equal(t, "m_mid.db", records[1].File)
	assert.Equal(t, "z_last.db", records[2].File)
}

// TestMetaDefaults tests the zero values of singleton records
func TestMetaDefaults(t *testing.T) {
	s := newTestStore(t)

	lock, err := s.GetMigrationLock()
	require.NoError(t, err)
	assert.False(t, lock.Held())

	op, err := s.GetPluginOp()
	require.NoError(t, err)
	assert.Nil(t, op)

	index, err := s.AppliedIndex()
	require.NoError(t, err)
	assert.Zero(t, index)
}

// TestSnapshotRestore tests that Restore replaces existing state
func TestSnapshotRestore(t *testing.T) {
	src := newTestStore(t)
	dst := newTestStore(t)

	require.NoError(t, src.Update(func(tx Tx) error {
		if err := tx.PutPlugin(&types.Plugin{Name: "p", Version: "0.1.0", Enabled: true}); err != nil {
			return err
		}
		if err := tx.PutConfig(&types.ServiceConfig{Plugin: "p", Version: "0.1.0", Service: "s", Values: map[string]any{"foo": true}, Revision: 7}); err != nil {
			return err
		}
		if err := tx.PutMigrationLock(&types.MigrationLock{Holder: "i1"}); err != nil {
			return err
		}
		return tx.SetAppliedIndex(42)
	}))

	require.NoError(t, dst.Update(func(tx Tx) error {
		return tx.PutPlugin(&types.Plugin{Name: "stale", Version: "9.9.9"})
	}))

	snap, err := src.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), snap.Index)

	require.NoError(t, dst.Restore(snap))

	plugins, err := dst.ListPlugins()
	require.NoError(t, err)
	require.Len(t, plugins, 1)
	assert.Equal(t, "p", plugins[0].Name)

	cfg, err := dst.GetConfig(types.ServiceKey{Plugin: "p", Version: "0.1.0", Service: "s"})
	require.NoError(t, err)
	assert.Equal(t, true, cfg.Values["foo"])
	assert.Equal(t, uint64(7), cfg.Revision)

	lock, err := dst.GetMigrationLock()
	require.NoError(t, err)
	assert.Equal(t, "i1", lock.Holder)

	index, err := dst.AppliedIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), index)
}
