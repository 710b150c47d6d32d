// Command kestrel-consolidator runs the structured-memory extraction
// job as a standalone process: it reads unconsolidated session
// messages, extracts facts/episodes/commitments, and applies them to
// the structured store, separately from the daemon process.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kestrel-ai/kestrel/internal/config"
	"github.com/kestrel-ai/kestrel/internal/memory/consolidate"
	"github.com/kestrel-ai/kestrel/internal/memory/structured"
	"github.com/kestrel-ai/kestrel/internal/sessions"
	"github.com/kestrel-ai/kestrel/internal/statedir"
)

func main() {
	cmd := buildCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "kestrel-consolidator:", err)
		os.Exit(1)
	}
}

func buildCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "kestrel-consolidator",
		Short: "Extract facts, episodes, and commitments into the structured memory store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "kestrel.yaml", "path to YAML configuration file")
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	if !cfg.Memory.Enabled {
		fmt.Fprintln(os.Stderr, "memory subsystem disabled in config, nothing to consolidate")
		return nil
	}

	layout := statedir.New(cfg.StateDir)
	store, err := structured.Open(ctx, layout.StructuredDBPath())
	if err != nil {
		return fmt.Errorf("open structured store: %w", err)
	}
	defer store.Close()

	sessStore, err := sessions.NewFileStore(layout.Root, sessions.NewCompactor(sessions.DefaultCompactionConfig(200000), nil))
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	extractor := &consolidate.HeuristicExtractor{}
	source := consolidate.NewAllSessionsSource(sessStore)
	worker := consolidate.New(store, extractor, source)
	if err := worker.Run(ctx); err != nil {
		return fmt.Errorf("consolidate: %w", err)
	}
	fmt.Printf("consolidated through session %q\n", source.LastSeenID())
	return nil
}
