package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutConfigFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, "local_on_device:nomic-embed-text", cfg.EmbeddingsModel)
	require.Equal(t, 0.5, cfg.SearchFTSWeight)
	require.Equal(t, 0.5, cfg.SearchVectorWeight)
	require.Equal(t, 0.1, cfg.SearchDualMatchBonus)
	require.False(t, cfg.SearchUseReranker)
	require.Equal(t, int64(3000), cfg.ReviewBudgetThreshold)
	require.Empty(t, cfg.Sources)
}

func TestLoadParsesBeadsTOML(t *testing.T) {
	root := t.TempDir()
	contents := `
[embeddings]
model = "remote_A:text-embedding-3-small"

[search]
fts_weight = 0.6
vector_weight = 0.4
dual_match_bonus = 0.2
use_reranker = true
reranker_model = "claude-3-5-haiku-20241022"

[review]
budget_threshold = 5000

[[sources]]
name = "docs"
path = "./docs"
include = ["*.md"]
exclude = ["*.draft.md"]
use_git = true
`
	require.NoError(t, os.WriteFile(filepath.Join(root, "beads.toml"), []byte(contents), 0o644))

	cfg, err := Load(root)
	require.NoError(t, err)

	require.Equal(t, "remote_A:text-embedding-3-small", cfg.EmbeddingsModel)
	require.Equal(t, 0.6, cfg.SearchFTSWeight)
	require.Equal(t, 0.4, cfg.SearchVectorWeight)
	require.Equal(t, 0.2, cfg.SearchDualMatchBonus)
	require.True(t, cfg.SearchUseReranker)
	require.Equal(t, int64(5000), cfg.ReviewBudgetThreshold)

	require.Len(t, cfg.Sources, 1)
	require.Equal(t, "docs", cfg.Sources[0].Name)
	require.Equal(t, []string{"*.md"}, cfg.Sources[0].Include)
	require.True(t, cfg.Sources[0].UseGit)
}

func TestEnvVarOverridesConfigFile(t *testing.T) {
	root := t.TempDir()
	contents := "[review]\nbudget_threshold = 5000\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "beads.toml"), []byte(contents), 0o644))

	t.Setenv("KG_REVIEW_BUDGET_THRESHOLD", "9999")

	cfg, err := Load(root)
	require.NoError(t, err)
	require.Equal(t, int64(9999), cfg.ReviewBudgetThreshold)
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "beads.toml"), []byte("not = [valid"), 0o644))

	_, err := Load(root)
	require.Error(t, err)
}
