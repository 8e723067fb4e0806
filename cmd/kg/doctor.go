package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/knowgraph/knowgraph/internal/storage/sqlite"
	"github.com/knowgraph/knowgraph/internal/ui"
)

// doctorResult is the outcome of an on-demand integrity check against the
// derived store, run without requiring kgd to be up.
type doctorResult struct {
	SchemaOK     bool   `json:"schema_ok"`
	NeedsRebuild bool   `json:"needs_rebuild,omitempty"`
	QuickCheck   string `json:"quick_check"`
	Healthy      bool   `json:"healthy"`
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Validate the derived store's schema version and run a SQLite integrity check",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := filepath.Abs(rootFlag)
		if err != nil {
			return fmt.Errorf("resolving root: %w", err)
		}
		derivedPath := filepath.Join(root, ".knowgraph", "derived.db")
		if _, err := os.Stat(derivedPath); err != nil {
			return fmt.Errorf("no derived store at %s (has kgd run here yet?): %w", derivedPath, err)
		}

		ctx := context.Background()
		derived, err := sqlite.Open(ctx, derivedPath)
		if err != nil {
			return fmt.Errorf("opening derived store: %w", err)
		}
		defer derived.Close()

		needsRebuild, err := derived.NeedsRebuild(ctx)
		if err != nil {
			return fmt.Errorf("checking schema version: %w", err)
		}
		quick, err := derived.QuickCheck(ctx)
		if err != nil {
			return fmt.Errorf("running quick_check: %w", err)
		}

		result := doctorResult{
			SchemaOK:     !needsRebuild,
			NeedsRebuild: needsRebuild,
			QuickCheck:   quick,
			Healthy:      !needsRebuild && quick == "ok",
		}

		if jsonOut {
			if err := json.NewEncoder(os.Stdout).Encode(result); err != nil {
				return err
			}
		} else {
			printDoctorResult(result)
		}
		if !result.Healthy {
			return fmt.Errorf("derived store is unhealthy")
		}
		return nil
	},
}

func printDoctorResult(r doctorResult) {
	ok := lipgloss.NewStyle().Foreground(ui.ColorPass)
	warn := lipgloss.NewStyle().Foreground(ui.ColorWarn)

	if r.NeedsRebuild {
		fmt.Println(warn.Render("schema stale: run kgd once to rebuild the derived store"))
	} else {
		fmt.Println(ok.Render("schema up to date"))
	}

	if r.QuickCheck == "ok" {
		fmt.Println(ok.Render("quick_check: ok"))
	} else {
		fmt.Println(warn.Render("quick_check: " + r.QuickCheck))
	}
}
