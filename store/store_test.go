package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omnivault/sync-engine/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "sync.db"), 4, zap.NewNop())
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func countRows(t *testing.T, s *Store, model any) int64 {
	t.Helper()

	var n int64

	require.NoError(t, s.DB().Model(model).Count(&n).Error)

	return n
}

func TestOpenMigratesSchema(t *testing.T) {
	s := testStore(t)

	for _, model := range []any{&models.Credential{}, &models.Node{}, &models.Relationship{}, &models.SyncJob{}} {
		assert.True(t, s.DB().Migrator().HasTable(model))
	}
}

func TestHealth(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Health(context.Background()))
}
