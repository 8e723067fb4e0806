// Command kg is the thin client for the knowledge-graph daemon: it dials
// kgd's control socket and issues one tool-protocol operation per
// invocation (spec.md §6 "Tool protocol surface"). All state lives in
// kgd; this binary holds none.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/knowgraph/knowgraph/internal/rpc"
	"github.com/knowgraph/knowgraph/internal/ui"
)

const dialTimeout = 3 * time.Second

var (
	rootFlag string
	jsonOut  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kg",
	Short: "Query and update a knowledge graph served by kgd",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootFlag, "root", ".", "project root (where beads.toml and kgd's socket live)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print raw JSON instead of rendered text")

	rootCmd.AddCommand(addCmd, showCmd, searchCmd, contextCmd, reviewCmd, doctorCmd)
}

func dial() (*rpc.Client, error) {
	root, err := filepath.Abs(rootFlag)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}
	client, err := rpc.Dial(rpc.SocketPath(root), dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to kgd (is it running in %s?): %w", root, err)
	}
	if client == nil {
		return nil, fmt.Errorf("connecting to kgd: nothing is listening on its socket (is it running in %s?)", root)
	}
	return client, nil
}

var kindOptions = []huh.Option[string]{
	huh.NewOption("Fact", "fact"),
	huh.NewOption("Gotcha", "gotcha"),
	huh.NewOption("Decision", "decision"),
	huh.NewOption("Task", "task"),
	huh.NewOption("Note", "note"),
	huh.NewOption("Success", "success"),
	huh.NewOption("Failure", "failure"),
}

var addCmd = &cobra.Command{
	Use:   "add <slug> <text>",
	Short: "Append a bullet to a node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		if kind == "" {
			if err := huh.NewForm(huh.NewGroup(
				huh.NewSelect[string]().Title("Bullet kind").Options(kindOptions...).Value(&kind),
			)).Run(); err != nil {
				return err
			}
		}

		client, err := dial()
		if err != nil {
			return err
		}
		defer client.Close()

		id, err := client.AddBullet(args[0], args[1], kind)
		if err != nil {
			return err
		}
		fmt.Printf("added %s to %s\n", id, args[0])
		return nil
	},
}

func init() {
	addCmd.Flags().String("kind", "", "bullet kind: fact|gotcha|decision|task|note|success|failure")
}

var showCmd = &cobra.Command{
	Use:   "show <slug>",
	Short: "Show every live bullet on a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dial()
		if err != nil {
			return err
		}
		defer client.Close()

		text, err := client.Show(args[0])
		if err != nil {
			return err
		}
		if jsonOut {
			return json.NewEncoder(os.Stdout).Encode(map[string]string{"slug": args[0], "text": text})
		}
		return renderMarkdown(fmt.Sprintf("## %s\n\n%s\n", args[0], text))
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search bullets by keyword and vector similarity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := dial()
		if err != nil {
			return err
		}
		defer client.Close()

		hits, err := client.Search(args[0], limit)
		if err != nil {
			return err
		}
		if jsonOut {
			return json.NewEncoder(os.Stdout).Encode(hits)
		}
		if !isTerminal() || !ui.ShouldUseColor() {
			style := lipgloss.NewStyle().Bold(true)
			for _, h := range hits {
				fmt.Printf("%s %s\n", style.Render("["+h.Slug+"]"), h.Text)
			}
			return nil
		}
		if len(hits) == 0 {
			fmt.Println(ui.RenderNoResults(args[0], "", terminalWidth()))
			return nil
		}
		rows := make([]ui.SearchRow, len(hits))
		for i, h := range hits {
			rows[i] = ui.SearchRow{Slug: h.Slug, Text: h.Text}
		}
		fmt.Println(ui.RenderResults(args[0], rows, terminalWidth()))
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 20, "maximum number of hits")
}

var contextCmd = &cobra.Command{
	Use:   "context <query>",
	Short: "Fetch a formatted, budgeted context block for a query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")

		client, err := dial()
		if err != nil {
			return err
		}
		defer client.Close()

		res, err := client.Context(args[0], session)
		if err != nil {
			return err
		}
		if jsonOut {
			return json.NewEncoder(os.Stdout).Encode(res)
		}
		if err := renderMarkdown(res.Text); err != nil {
			return err
		}
		if res.Partial {
			fmt.Fprintln(os.Stderr, lipgloss.NewStyle().Faint(true).Render("(partial: the query deadline expired before every retrieval channel finished)"))
		}
		return nil
	},
}

func init() {
	contextCmd.Flags().String("session", "", "session ID, for served-bullet dedup and boosting across calls")
}

var reviewCmd = &cobra.Command{
	Use:   "review <slug>",
	Short: "Mark a node reviewed, resetting its served-context budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dial()
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.MarkReviewed(args[0]); err != nil {
			return err
		}
		fmt.Printf("%s reviewed\n", args[0])
		return nil
	},
}

// renderMarkdown prints md through glamour when stdout is a terminal,
// falling back to plain text otherwise (e.g. when piped).
func renderMarkdown(md string) error {
	if !isTerminal() {
		fmt.Println(md)
		return nil
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		fmt.Println(md)
		return nil
	}
	out, err := r.Render(md)
	if err != nil {
		fmt.Println(md)
		return nil
	}
	fmt.Print(out)
	return nil
}

func isTerminal() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// terminalWidth returns a fixed width for table rendering. kg has no
// ioctl-based terminal size dependency wired in, so it matches the
// word-wrap width renderMarkdown passes to glamour rather than querying the
// real column count.
func terminalWidth() int {
	return 100
}
