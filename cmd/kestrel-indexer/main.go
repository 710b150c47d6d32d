// Command kestrel-indexer runs as a standalone offline job that reads
// session transcripts and indexes them into the unstructured
// (chunk/embedding) memory store, separately from the daemon process.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kestrel-ai/kestrel/internal/config"
	"github.com/kestrel-ai/kestrel/internal/memory/embeddings"
	"github.com/kestrel-ai/kestrel/internal/memory/unstructured"
	"github.com/kestrel-ai/kestrel/internal/statedir"
	"github.com/kestrel-ai/kestrel/pkg/models"
)

func main() {
	cmd := buildCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "kestrel-indexer:", err)
		os.Exit(1)
	}
}

func buildCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "kestrel-indexer",
		Short: "Index session transcripts into the unstructured memory store",
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
		fmt.Fprintln(os.Stderr, "memory subsystem disabled in config, nothing to index")
		return nil
	}

	layout := statedir.New(cfg.StateDir)
	embedder := embeddings.NewOpenAIProvider(cfg.Memory.EmbeddingAPIKey, embeddings.ModelFromName(cfg.Memory.EmbeddingModel), cfg.Memory.EmbeddingDim)
	store, err := unstructured.Open(ctx, layout.MemoryDBPath(), embedder)
	if err != nil {
		return fmt.Errorf("open unstructured store: %w", err)
	}
	defer store.Close()

	sessionsDir := layout.SessionsDir()
	entries, err := os.ReadDir(sessionsDir)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	total := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		texts, err := readSessionTexts(filepath.Join(sessionsDir, entry.Name()))
		if err != nil {
			fmt.Fprintf(os.Stderr, "skip %s: %v\n", entry.Name(), err)
			continue
		}
		if len(texts) == 0 {
			continue
		}
		if _, err := store.Index(ctx, entry.Name(), texts); err != nil {
			fmt.Fprintf(os.Stderr, "index %s: %v\n", entry.Name(), err)
			continue
		}
		total += len(texts)
	}
	fmt.Printf("indexed %d chunks across %d sessions\n", total, len(entries))
	return nil
}

// readSessionTexts scans a session directory's daily log files for
// message-append events, extracting their text content.
func readSessionTexts(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "log-*.jsonl"))
	if err != nil {
		return nil, err
	}
	var texts []string
	for _, f := range files {
		fh, err := os.Open(f)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(fh)
		scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
		for scanner.Scan() {
			var evt models.Event
			if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
				continue
			}
			if evt.Kind != models.EventMessageAppended {
				continue
			}
			var msg models.Message
			if err := json.Unmarshal(evt.Payload, &msg); err != nil {
				continue
			}
			if msg.Content != "" {
				texts = append(texts, msg.Content)
			}
		}
		fh.Close()
	}
	return texts, nil
}
