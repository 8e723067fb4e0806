package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQuickCheckOnFreshStoreIsOK(t *testing.T) {
	s := setupTestStore(t)
	result, err := s.QuickCheck(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", result)
}

func TestNeedsRebuildFalseOnFreshStore(t *testing.T) {
	s := setupTestStore(t)
	needsRebuild, err := s.NeedsRebuild(context.Background())
	require.NoError(t, err)
	require.False(t, needsRebuild)
}

func TestNeedsRebuildTrueOnVersionMismatch(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	_, err := s.db.ExecContext(ctx, `UPDATE schema_meta SET value = '0' WHERE key = 'version'`)
	require.NoError(t, err)

	needsRebuild, err := s.NeedsRebuild(ctx)
	require.NoError(t, err)
	require.True(t, needsRebuild)
}
