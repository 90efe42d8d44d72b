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

	"github.com/spf13/cobra"

	"github.com/engramdev/engram/pkg/bus"
	"github.com/engramdev/engram/pkg/memory"
)

const defaultConfigPath = "engram.json"

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var (
		showVersion bool
		configPath  string
	)

	root := &cobra.Command{
		Use:   "engram",
		Short: "Long-term memory engine with temporal decay, spaced repetition, and self-testing",
		Long: strings.TrimSpace(`engram stores text memories as embeddings and retrieves them by
temporally weighted relevance: similarity, importance, and recency, all
discounted by per-source exponential decay.

Memories move through a spaced-repetition review schedule, a consistency
verifier re-checks stored embeddings, and snapshots capture the full
state for atomic rollback.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to config file")

	root.AddCommand(newAddCommand(&configPath))
	root.AddCommand(newQueryCommand(&configPath))
	root.AddCommand(newGetCommand(&configPath))
	root.AddCommand(newDeleteCommand(&configPath))
	root.AddCommand(newDueCommand(&configPath))
	root.AddCommand(newReviewCommand(&configPath))
	root.AddCommand(newSweepCommand(&configPath))
	root.AddCommand(newSelfTestCommand(&configPath))
	root.AddCommand(newStatsCommand(&configPath))
	root.AddCommand(newHealthCommand(&configPath))
	root.AddCommand(newSnapshotCommand(&configPath))
	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newConsoleCommand(&configPath))
	root.AddCommand(newVersionCommand())

	return root
}

// withEngine opens the engine, runs fn, and tears everything down.
func withEngine(configPath string, fn func(ctx context.Context, e *memory.Engine) error) error {
	engine, pub, _, err := openEngine(configPath)
	if err != nil {
		return err
	}
	defer pub.Close()
	defer func() { _ = engine.Close() }()
	return fn(context.Background(), engine)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func newAddCommand(configPath *string) *cobra.Command {
	var (
		source     string
		importance float64
		topics     []string
		meta       []string
	)

	cmd := &cobra.Command{
		Use:   "add <content>",
		Short: "Store a new memory",
		Args:  cobra.ExactArgs(1),
		Example: strings.Join([]string{
			"  engram add \"the user prefers dark mode\" --source preference --importance 0.8",
			"  engram add \"deploy runs at 14:00 UTC\" --source fact --topic ops --meta origin=standup",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata := map[string]string{}
			for _, kv := range meta {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("--meta wants key=value, got %q", kv)
				}
				metadata[k] = v
			}
			return withEngine(*configPath, func(ctx context.Context, e *memory.Engine) error {
				m, err := e.Add(ctx, args[0], memory.SourceType(source), importance, topics, metadata)
				if err != nil {
					return err
				}
				fmt.Printf("stored %s (source=%s importance=%.2f)\n", m.ID, m.Source, m.Importance)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&source, "source", "s", "fact", "Source type: conversation|fact|preference|feedback|summary")
	cmd.Flags().Float64VarP(&importance, "importance", "i", 0.5, "Importance in [0,1]")
	cmd.Flags().StringArrayVarP(&topics, "topic", "t", nil, "Topic tag (repeatable)")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "Metadata key=value (repeatable)")
	return cmd
}

func newQueryCommand(configPath *string) *cobra.Command {
	var (
		limit  int
		minSim float64
		source string
		topic  string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:     "query <text>",
		Short:   "Retrieve the most relevant memories for a query",
		Args:    cobra.ExactArgs(1),
		Example: "  engram query \"what editor does the user like\" --limit 3 --source preference",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(*configPath, func(ctx context.Context, e *memory.Engine) error {
				results, err := e.Search(ctx, args[0], memory.QueryOpts{
					Limit:         limit,
					MinSimilarity: minSim,
					Source:        memory.SourceType(source),
					Topic:         topic,
				})
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(results)
				}
				if len(results) == 0 {
					fmt.Println("no results")
					return nil
				}
				for i, r := range results {
					fmt.Printf("%d. [%.3f] (%s, sim=%.3f decay=%.3f) %s\n",
						i+1, r.FinalScore, r.Memory.Source, r.Similarity, r.DecayFactor, r.Memory.Content)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 5, "Maximum results")
	cmd.Flags().Float64Var(&minSim, "min-similarity", 0, "Drop hits below this cosine similarity")
	cmd.Flags().StringVarP(&source, "source", "s", "", "Only memories of this source type")
	cmd.Flags().StringVarP(&topic, "topic", "t", "", "Only memories carrying this topic")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit raw JSON")
	return cmd
}

func newGetCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "get <memory_id>",
		Short:   "Show one memory",
		Args:    cobra.ExactArgs(1),
		Example: "  engram get 2f1f6a…",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(*configPath, func(ctx context.Context, e *memory.Engine) error {
				m, err := e.Get(ctx, args[0])
				if err != nil {
					return err
				}
				m.Embedding = nil // noise in terminal output
				return printJSON(m)
			})
		},
	}
}

func newDeleteCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <memory_id>",
		Aliases: []string{"rm"},
		Short:   "Delete a memory",
		Args:    cobra.ExactArgs(1),
		Example: "  engram delete 2f1f6a…",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(*configPath, func(ctx context.Context, e *memory.Engine) error {
				if err := e.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func newDueCommand(configPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "due",
		Short:   "List review questions for overdue memories",
		Example: "  engram due --limit 10",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(*configPath, func(ctx context.Context, e *memory.Engine) error {
				qs, err := e.DueReviews(ctx, limit)
				if err != nil {
					return err
				}
				if len(qs) == 0 {
					fmt.Println("nothing due")
					return nil
				}
				for _, q := range qs {
					fmt.Printf("%s  [%s]\n  Q: %s\n", q.MemoryID, q.Source, q.Question)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum reviews to list")
	return cmd
}

func newReviewCommand(configPath *string) *cobra.Command {
	var failed bool

	cmd := &cobra.Command{
		Use:     "review <memory_id>",
		Short:   "Record a review outcome (success unless --failed)",
		Args:    cobra.ExactArgs(1),
		Example: "  engram review 2f1f6a… --failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(*configPath, func(ctx context.Context, e *memory.Engine) error {
				m, err := e.RecordReview(ctx, args[0], !failed)
				if err != nil {
					return err
				}
				fmt.Printf("recorded: state=%s interval=%s next=%s importance=%.2f\n",
					m.State, m.ReviewInterval, m.NextReviewAt.Format(time.RFC3339), m.Importance)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "Record the review as unsuccessful")
	return cmd
}

func newSweepCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "sweep",
		Short:   "Move all unscheduled memories onto the review schedule",
		Example: "  engram sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(*configPath, func(ctx context.Context, e *memory.Engine) error {
				n, err := e.ScheduleSweep(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("scheduled %d memories\n", n)
				return nil
			})
		},
	}
}

func newSelfTestCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "selftest",
		Short:   "Run a consistency check over a random batch",
		Example: "  engram selftest",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(*configPath, func(ctx context.Context, e *memory.Engine) error {
				report, err := e.SelfTest(ctx)
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	}
}

func newStatsCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "stats",
		Short:   "Show aggregate store statistics",
		Example: "  engram stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(*configPath, func(ctx context.Context, e *memory.Engine) error {
				st, err := e.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(st)
			})
		},
	}
}

func newHealthCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "health",
		Short:   "Show review schedule health and self-test metrics",
		Example: "  engram health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(*configPath, func(ctx context.Context, e *memory.Engine) error {
				h, err := e.ReviewHealth(ctx)
				if err != nil {
					return err
				}
				return printJSON(map[string]interface{}{
					"review":   h,
					"selftest": e.VerifierMetrics(),
				})
			})
		},
	}
}

func newSnapshotCommand(configPath *string) *cobra.Command {
	snapRoot := &cobra.Command{
		Use:   "snapshot",
		Short: "Create, list, diff, and restore memory snapshots",
	}

	snapRoot.AddCommand(&cobra.Command{
		Use:     "create",
		Short:   "Capture the current state to disk",
		Example: "  engram snapshot create",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(*configPath, func(ctx context.Context, e *memory.Engine) error {
				info, err := e.CreateSnapshot(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("created %s (%d memories)\n", info.ID, info.MemoryCount)
				return nil
			})
		},
	})

	snapRoot.AddCommand(&cobra.Command{
		Use:     "list",
		Short:   "List snapshots, newest first",
		Example: "  engram snapshot list",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(*configPath, func(ctx context.Context, e *memory.Engine) error {
				infos, err := e.Snapshots().List()
				if err != nil {
					return err
				}
				if len(infos) == 0 {
					fmt.Println("no snapshots")
					return nil
				}
				for _, info := range infos {
					fmt.Printf("%s  %s  %d memories\n",
						info.ID, info.CreatedAt.Format(time.RFC3339), info.MemoryCount)
				}
				return nil
			})
		},
	})

	snapRoot.AddCommand(&cobra.Command{
		Use:     "diff <snapshot_a> <snapshot_b>",
		Short:   "Show what changed between two snapshots",
		Args:    cobra.ExactArgs(2),
		Example: "  engram snapshot diff snapshot_20260101… snapshot_20260201…",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(*configPath, func(ctx context.Context, e *memory.Engine) error {
				diff, err := e.Snapshots().Compare(args[0], args[1])
				if err != nil {
					return err
				}
				if diff.Empty() {
					fmt.Println("snapshots are identical")
					return nil
				}
				return printJSON(diff)
			})
		},
	})

	snapRoot.AddCommand(&cobra.Command{
		Use:     "apply <snapshot_id>",
		Short:   "Replace live state with a snapshot (validated first)",
		Args:    cobra.ExactArgs(1),
		Example: "  engram snapshot apply snapshot_20260101…",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(*configPath, func(ctx context.Context, e *memory.Engine) error {
				if err := e.ApplySnapshot(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("applied", args[0])
				return nil
			})
		},
	})

	snapRoot.AddCommand(&cobra.Command{
		Use:     "delete <snapshot_id>",
		Aliases: []string{"rm"},
		Short:   "Delete a snapshot file",
		Args:    cobra.ExactArgs(1),
		Example: "  engram snapshot delete snapshot_20260101…",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(*configPath, func(ctx context.Context, e *memory.Engine) error {
				if err := e.Snapshots().Delete(args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	})

	return snapRoot
}

func newServeCommand(configPath *string) *cobra.Command {
	var logEvents bool

	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the background maintenance loop until interrupted",
		Long:    "Keeps the review sweep and nightly self-test cadences running. Ctrl-C stops cleanly.",
		Example: "  engram serve --log-events",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, pub, cfg, err := openEngine(*configPath)
			if err != nil {
				return err
			}
			defer pub.Close()
			defer func() { _ = engine.Close() }()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if logEvents {
				ch := pub.Subscribe()
				go func() {
					for {
						ev, ok := bus.Consume(ctx, ch)
						if !ok {
							return
						}
						fmt.Printf("%s %s %s\n", ev.Timestamp.Format(time.RFC3339), ev.Operation, ev.EntityID)
					}
				}()
			}

			engine.RunMaintenance(ctx, cfg.Schedule)
			return nil
		},
	}
	cmd.Flags().BoolVar(&logEvents, "log-events", false, "Print every memory event to stdout")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  engram version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}
