package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/smartfork/smartfork/internal/chunker"
	"github.com/smartfork/smartfork/internal/config"
	"github.com/smartfork/smartfork/internal/core"
	"github.com/smartfork/smartfork/internal/search"
	"github.com/smartfork/smartfork/internal/setup"
	"github.com/smartfork/smartfork/internal/tui"
	"github.com/smartfork/smartfork/internal/vectorstore"
)

const defaultConfigFile = ".smartfork.toml"

func main() {
	root := &cobra.Command{
		Use:   "smartfork",
		Short: "Semantic search over past Claude Code sessions, for forking prior work",
		Long:  "smartfork indexes past session transcripts and ranks the most relevant ones for a natural-language query, so a session can be resumed instead of started over.",
	}

	var cfgPath string
	var modelDir, ortLib, storageRoot, sessionRoot string
	var threads int
	root.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigFile, "path to .smartfork.toml")
	root.PersistentFlags().StringVar(&modelDir, "model-dir", "", "directory containing ONNX model files (overrides config)")
	root.PersistentFlags().StringVar(&ortLib, "ort-lib", "", "path to onnxruntime.so (overrides config)")
	root.PersistentFlags().StringVar(&storageRoot, "storage-root", "", "override the storage directory (default ~/.smart-fork)")
	root.PersistentFlags().StringVar(&sessionRoot, "session-root", "", "override the session transcript directory (default ~/.claude)")
	root.PersistentFlags().IntVar(&threads, "threads", 0, "ONNX intra-op thread count (0 = auto)")

	loadConfig := func() (config.Config, error) {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		if modelDir != "" {
			cfg.ModelDir = modelDir
		}
		if ortLib != "" {
			cfg.OrtLib = ortLib
		}
		if storageRoot != "" {
			cfg.StorageRoot = storageRoot
		}
		if sessionRoot != "" {
			cfg.SessionRoot = sessionRoot
		}
		if threads != 0 {
			cfg.Threads = threads
		}
		return cfg, nil
	}

	// openCore loads the config, model, and every component, printing status
	// so the user knows it isn't stuck (model load can take 1-4s on first run).
	openCore := func() (*core.Context, error) {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		fmt.Fprint(os.Stderr, "Loading model… ")
		ctx, err := core.Open(cfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, "")
			return nil, err
		}
		fmt.Fprintln(os.Stderr, "ready.")
		return ctx, nil
	}

	root.AddCommand(newSetupCmd(openCore))
	root.AddCommand(newIndexCmd(openCore))
	root.AddCommand(newWatchCmd(openCore))
	root.AddCommand(newSearchCmd(openCore))
	root.AddCommand(newPreviewCmd(openCore))
	root.AddCommand(newGetCmd(openCore))
	root.AddCommand(newStatsCmd(openCore))
	root.AddCommand(newArchiveCmd(openCore))
	root.AddCommand(newTUICmd(openCore))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// ---- smartfork setup ------------------------------------------------------

func newSetupCmd(openCore func() (*core.Context, error)) *cobra.Command {
	var resume bool
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Bulk one-shot index of the entire session directory (resumable)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := openCore()
			if err != nil {
				return err
			}
			defer ctx.Close()

			if ctx.Setup.HasIncompleteSetup() && !resume {
				fmt.Fprintln(os.Stderr, "An incomplete setup run was found: pass --resume to continue it, or it will be overwritten.")
			}

			ctx.Setup = setup.New(ctx.Config.StorageRoot, ctx.Config.SessionRoot, ctx.Store, ctx.Registry, ctx.Embed, setup.Options{
				Workers: ctx.Config.Setup.Workers,
				Chunk: chunker.Options{
					TargetTokens:  ctx.Config.Chunk.TargetTokens,
					MaxTokens:     ctx.Config.Chunk.MaxTokens,
					OverlapTokens: ctx.Config.Chunk.OverlapTokens,
				},
				Progress: printSetupProgress,
			})

			// Ctrl+C finishes in-flight files, saves resume state, exits.
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				if _, ok := <-sigCh; ok {
					ctx.Setup.Interrupt()
				}
			}()

			result, err := ctx.Setup.Run(resume)
			if err != nil {
				return err
			}
			if result.Interrupted {
				fmt.Fprintf(os.Stderr, "\nInterrupted — %d files processed, %d chunks indexed. Re-run with --resume to continue.\n",
					result.FilesProcessed, result.TotalChunks)
				return nil
			}
			fmt.Fprintf(os.Stderr, "\nDone in %s. %d files processed, %d chunks indexed, %d errors.\n",
				result.Elapsed.Round(time.Second), result.FilesProcessed, result.TotalChunks, len(result.Errors))
			for _, e := range result.Errors {
				fmt.Fprintf(os.Stderr, "  failed: %s: %s\n", e.File, e.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "resume an interrupted setup run from setup_state.json")
	return cmd
}

func printSetupProgress(p setup.Progress) {
	if p.IsComplete {
		fmt.Fprintln(os.Stderr)
		return
	}
	fmt.Fprintf(os.Stderr, "\r  [%d/%d] %-40s  %d chunks  eta %s",
		p.ProcessedFiles, p.TotalFiles, p.CurrentFile, p.TotalChunks, p.EstimatedRemaining.Round(time.Second))
}

// ---- smartfork index -------------------------------------------------------

func newIndexCmd(openCore func() (*core.Context, error)) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "index <session-file.jsonl>",
		Short: "Index a single session transcript file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := openCore()
			if err != nil {
				return err
			}
			defer ctx.Close()

			result, err := ctx.Indexer.IndexFile(args[0], force)
			if err != nil {
				return err
			}
			fmt.Printf("session %s: %s (%d chunks, %d messages)\n",
				result.SessionID, result.Status, result.ChunksAdded, result.MessagesProcessed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "re-index even if the checkpoint rule would defer")
	return cmd
}

// ---- smartfork watch --------------------------------------------------------

func newWatchCmd(openCore func() (*core.Context, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the session directory and keep the index up to date (Ctrl+C to stop)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := openCore()
			if err != nil {
				return err
			}
			defer ctx.Close()

			sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := ctx.Indexer.Start(ctx.Config.SessionRoot); err != nil {
				return fmt.Errorf("start indexer: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Watching %s for changes… (Ctrl+C to stop)\n", ctx.Config.SessionRoot)

			<-sigCtx.Done()
			fmt.Fprintln(os.Stderr, "\nStopping — draining in-flight indexing tasks…")
			ctx.Indexer.Stop()
			return nil
		},
	}
}

// ---- smartfork search -------------------------------------------------------

func newSearchCmd(openCore func() (*core.Context, error)) *cobra.Command {
	var topN int
	var timeRange string
	var project string
	var includeArchive bool
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Rank past sessions by relevance to a natural-language query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := openCore()
			if err != nil {
				return err
			}
			defer ctx.Close()

			var filter vectorstore.Filter
			if project != "" {
				filter = vectorstore.Filter{"project": project}
			}

			results, err := ctx.Search.Search(search.Query{
				Text:           strings.Join(args, " "),
				TopN:           topN,
				Filter:         filter,
				IncludeArchive: includeArchive,
				TimeRange:      timeRange,
			})
			if err != nil {
				return err
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(results)
			}

			if len(results) == 0 {
				fmt.Println("no sessions found")
				return nil
			}
			for i, r := range results {
				fmt.Printf("%2d  %.3f  %-20s  %s\n", i+1, r.Score.Final, r.Project, r.SessionID)
				fmt.Printf("     %s\n\n", r.Preview)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&topN, "top-n", 5, "number of sessions to return")
	cmd.Flags().StringVar(&project, "project", "", "restrict to sessions from one project")
	cmd.Flags().StringVar(&timeRange, "time-range", "", "restrict to a time window, e.g. \"last_week\", \"3 days ago\", \"2026-01-01\"")
	cmd.Flags().BoolVar(&includeArchive, "archive", false, "also search the archive collection")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output results as JSON")
	return cmd
}

// ---- smartfork preview -------------------------------------------------------

func newPreviewCmd(openCore func() (*core.Context, error)) *cobra.Command {
	var length int
	cmd := &cobra.Command{
		Use:   "preview <session-id>",
		Short: "Print a session's transcript preview",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := openCore()
			if err != nil {
				return err
			}
			defer ctx.Close()

			p, err := ctx.Search.GetSessionPreview(args[0], length)
			if err != nil {
				return err
			}
			fmt.Printf("session:  %s\nmessages: %d\n\n%s\n", p.SessionID, p.MessageCount, p.Preview)
			return nil
		},
	}
	cmd.Flags().IntVar(&length, "length", 0, "max preview length in characters (0 = default)")
	return cmd
}

// ---- smartfork get -----------------------------------------------------------

func newGetCmd(openCore func() (*core.Context, error)) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "get <session-id>",
		Short: "Print a session's registry metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := openCore()
			if err != nil {
				return err
			}
			defer ctx.Close()

			meta := ctx.Registry.Get(args[0])
			if meta == nil {
				return fmt.Errorf("no registry entry for session %q", args[0])
			}
			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(meta)
			}
			fmt.Printf("session:        %s\n", meta.SessionID)
			fmt.Printf("project:        %s\n", meta.Project)
			fmt.Printf("created:        %s\n", meta.CreatedAt.Format(time.RFC3339))
			fmt.Printf("last modified:  %s\n", meta.LastModified.Format(time.RFC3339))
			fmt.Printf("messages:       %d\n", meta.MessageCount)
			fmt.Printf("chunks:         %d\n", meta.ChunkCount)
			fmt.Printf("archived:       %t\n", meta.Archived)
			if len(meta.Tags) > 0 {
				fmt.Printf("tags:           %s\n", strings.Join(meta.Tags, ", "))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	return cmd
}

// ---- smartfork stats --------------------------------------------------------

func newStatsCmd(openCore func() (*core.Context, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show index, registry, and cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := openCore()
			if err != nil {
				return err
			}
			defer ctx.Close()

			s := ctx.GetStats()
			fmt.Printf("active chunks:    %d\n", s.VectorDB.ActiveChunks)
			fmt.Printf("archived chunks:  %d\n", s.VectorDB.ArchiveChunks)
			fmt.Printf("sessions:         %d (%d archived)\n", s.Registry.TotalSessions, s.Registry.ArchivedSessions)
			fmt.Printf("messages indexed: %d\n", s.Registry.TotalMessages)
			fmt.Printf("cache entries:    %d\n", s.Cache.TotalEntries)
			fmt.Printf("cache hit rate:   %.1f%%\n", s.Cache.HitRate())
			fmt.Printf("indexer:          %d indexed, %d skipped, %d errors, %d pending\n",
				s.Indexer.TasksIndexed, s.Indexer.TasksSkipped, s.Indexer.Errors, s.Indexer.Pending)
			return nil
		},
	}
}

// ---- smartfork archive ------------------------------------------------------

func newArchiveCmd(openCore func() (*core.Context, error)) *cobra.Command {
	archiveCmd := &cobra.Command{
		Use:   "archive",
		Short: "Move aged sessions between the active and archive collections",
	}

	var dryRun bool
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Archive every session older than the threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := openCore()
			if err != nil {
				return err
			}
			defer ctx.Close()

			result := ctx.Archive.ArchiveOldSessions(dryRun)
			if dryRun {
				fmt.Printf("%d sessions would be archived:\n", len(result.SessionsArchived))
			} else {
				fmt.Printf("%d sessions archived (%d chunks moved):\n", len(result.SessionsArchived), result.ChunksMoved)
			}
			for _, id := range result.SessionsArchived {
				fmt.Printf("  %s\n", id)
			}
			for _, e := range result.Errors {
				fmt.Fprintf(os.Stderr, "  failed: %s: %v\n", e.SessionID, e.Error)
			}
			return nil
		},
	}
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "list eligible sessions without moving them")

	restoreCmd := &cobra.Command{
		Use:   "restore <session-id>",
		Short: "Restore an archived session back to the active collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := openCore()
			if err != nil {
				return err
			}
			defer ctx.Close()

			result := ctx.Archive.Restore(args[0])
			if !result.Success {
				return fmt.Errorf("restore %s: %s", args[0], result.Error)
			}
			fmt.Printf("restored %s (%d chunks)\n", result.SessionID, result.ChunksRestored)
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List archived sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := openCore()
			if err != nil {
				return err
			}
			defer ctx.Close()

			for _, meta := range ctx.Archive.ListArchived() {
				fmt.Printf("%-20s  %-20s  %d chunks  %s\n", meta.SessionID, meta.Project, meta.ChunkCount, meta.LastModified.Format("2006-01-02"))
			}
			return nil
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show archive statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := openCore()
			if err != nil {
				return err
			}
			defer ctx.Close()

			s := ctx.Archive.GetStats()
			fmt.Printf("archived sessions: %d\n", s.TotalArchivedSessions)
			fmt.Printf("archived chunks:   %d\n", s.TotalArchivedChunks)
			if !s.OldestSessionDate.IsZero() {
				fmt.Printf("oldest:            %s\n", s.OldestSessionDate.Format("2006-01-02"))
				fmt.Printf("newest:            %s\n", s.NewestSessionDate.Format("2006-01-02"))
			}
			return nil
		},
	}

	archiveCmd.AddCommand(runCmd, restoreCmd, listCmd, statsCmd)
	return archiveCmd
}

// ---- smartfork tui ----------------------------------------------------------

func newTUICmd(openCore func() (*core.Context, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Launch the interactive BubbleTea session browser",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := openCore()
			if err != nil {
				return err
			}
			defer ctx.Close()

			m := tui.New(ctx)
			p := tea.NewProgram(m, tea.WithAltScreen())
			final, err := p.Run()
			if err != nil {
				return err
			}
			if sel, ok := final.(tui.Model); ok && sel.Selected() != "" {
				fmt.Println(sel.Selected())
			}
			return nil
		},
	}
}
