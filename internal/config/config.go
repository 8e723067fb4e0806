// Package config loads project configuration from <root>/beads.toml (§6)
// and layers KG_-prefixed environment variable overrides and defaults on
// top of it, the way the teacher's internal/config/config.go layers
// BD_/BEADS_ env vars over config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// SourceConfig describes one sources[] file-ingestion entry (§6).
type SourceConfig struct {
	Name    string   `toml:"name"`
	Path    string   `toml:"path"`
	Include []string `toml:"include"`
	Exclude []string `toml:"exclude"`
	UseGit  bool     `toml:"use_git"`
}

// fileConfig mirrors beads.toml's on-disk shape, decoded with
// github.com/BurntSushi/toml (the teacher already depends on it for
// cmd/bd/formula.go's TOML encoding).
type fileConfig struct {
	Embeddings struct {
		Model string `toml:"model"`
	} `toml:"embeddings"`
	Search struct {
		FTSWeight              float64 `toml:"fts_weight"`
		VectorWeight           float64 `toml:"vector_weight"`
		DualMatchBonus         float64 `toml:"dual_match_bonus"`
		UseReranker            bool    `toml:"use_reranker"`
		RerankerModel          string  `toml:"reranker_model"`
		AutoCalibrateThreshold float64 `toml:"auto_calibrate_threshold"`
	} `toml:"search"`
	Review struct {
		BudgetThreshold int64 `toml:"budget_threshold"`
	} `toml:"review"`
	Server struct {
		Port       int `toml:"port"`
		VectorPort int `toml:"vector_port"`
	} `toml:"server"`
	Sources []SourceConfig `toml:"sources"`
}

// Config is the resolved, typed view of project configuration: defaults,
// then beads.toml, then KG_* environment variables, in that precedence
// order (matching the teacher's env-overrides-file-overrides-default
// layering).
type Config struct {
	EmbeddingsModel string

	SearchFTSWeight              float64
	SearchVectorWeight           float64
	SearchDualMatchBonus         float64
	SearchUseReranker            bool
	SearchRerankerModel          string
	// SearchAutoCalibrateThreshold is the fraction of bullets (touched /
	// total) that must be reindexed since the last calibration run before
	// the watcher triggers an out-of-cycle one (§4.C).
	SearchAutoCalibrateThreshold float64

	ReviewBudgetThreshold int64

	// ServerPort/ServerVectorPort are carried for schema compatibility with
	// §6's config table; this implementation's daemon control channel and
	// vector server are Unix-socket-only (internal/rpc.SocketPath), so
	// these are not bound to an actual TCP listener.
	ServerPort       int
	ServerVectorPort int

	Sources []SourceConfig
}

const envPrefix = "KG"

// Load locates and parses <root>/beads.toml (if present), then layers
// KG_-prefixed environment variables and defaults on top via viper.
// A missing beads.toml is not an error: the project runs on defaults.
func Load(root string) (*Config, error) {
	var fc fileConfig
	var md toml.MetaData
	path := filepath.Join(root, "beads.toml")
	if _, err := os.Stat(path); err == nil {
		if md, err = toml.DecodeFile(path, &fc); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("embeddings.model", "local_on_device:nomic-embed-text")
	v.SetDefault("search.fts_weight", 0.5)
	v.SetDefault("search.vector_weight", 0.5)
	v.SetDefault("search.dual_match_bonus", 0.1)
	v.SetDefault("search.use_reranker", false)
	v.SetDefault("search.reranker_model", "claude-3-5-haiku-20241022")
	v.SetDefault("search.auto_calibrate_threshold", 0.05)
	v.SetDefault("review.budget_threshold", 3000)
	v.SetDefault("server.port", 0)
	v.SetDefault("server.vector_port", 0)

	applyFileDefaults(v, fc, md)

	return &Config{
		EmbeddingsModel: v.GetString("embeddings.model"),

		SearchFTSWeight:              v.GetFloat64("search.fts_weight"),
		SearchVectorWeight:           v.GetFloat64("search.vector_weight"),
		SearchDualMatchBonus:         v.GetFloat64("search.dual_match_bonus"),
		SearchUseReranker:            v.GetBool("search.use_reranker"),
		SearchRerankerModel:          v.GetString("search.reranker_model"),
		SearchAutoCalibrateThreshold: v.GetFloat64("search.auto_calibrate_threshold"),

		ReviewBudgetThreshold: v.GetInt64("review.budget_threshold"),

		ServerPort:       v.GetInt("server.port"),
		ServerVectorPort: v.GetInt("server.vector_port"),

		Sources: fc.Sources,
	}, nil
}

// applyFileDefaults seeds viper's defaults from whatever beads.toml set,
// so an env var override still wins but an unset env var falls through to
// the file value rather than the built-in default. Numeric keys are
// applied whenever md shows the file defines them, so an explicit 0 (for
// example search.vector_weight = 0) is kept.
func applyFileDefaults(v *viper.Viper, fc fileConfig, md toml.MetaData) {
	if fc.Embeddings.Model != "" {
		v.SetDefault("embeddings.model", fc.Embeddings.Model)
	}
	if md.IsDefined("search", "fts_weight") {
		v.SetDefault("search.fts_weight", fc.Search.FTSWeight)
	}
	if md.IsDefined("search", "vector_weight") {
		v.SetDefault("search.vector_weight", fc.Search.VectorWeight)
	}
	if md.IsDefined("search", "dual_match_bonus") {
		v.SetDefault("search.dual_match_bonus", fc.Search.DualMatchBonus)
	}
	v.SetDefault("search.use_reranker", fc.Search.UseReranker)
	if fc.Search.RerankerModel != "" {
		v.SetDefault("search.reranker_model", fc.Search.RerankerModel)
	}
	if md.IsDefined("search", "auto_calibrate_threshold") {
		v.SetDefault("search.auto_calibrate_threshold", fc.Search.AutoCalibrateThreshold)
	}
	if md.IsDefined("review", "budget_threshold") {
		v.SetDefault("review.budget_threshold", fc.Review.BudgetThreshold)
	}
	if md.IsDefined("server", "port") {
		v.SetDefault("server.port", fc.Server.Port)
	}
	if md.IsDefined("server", "vector_port") {
		v.SetDefault("server.vector_port", fc.Server.VectorPort)
	}
}
