package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/engramdev/engram/pkg/memory"
)

func newConsoleCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "console",
		Short:   "Interactive memory console",
		Long:    "A readline REPL for adding, querying, and reviewing memories without reopening the store per command.",
		Example: "  engram console",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, pub, cfg, err := openEngine(*configPath)
			if err != nil {
				return err
			}
			defer pub.Close()
			defer func() { _ = engine.Close() }()

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "engram> ",
				HistoryFile:     filepath.Join(cfg.DataDir, "console_history"),
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
			})
			if err != nil {
				return err
			}
			defer rl.Close()

			fmt.Println("engram console. Type 'help' for commands, 'exit' to quit.")
			ctx := context.Background()
			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					continue
				}
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				if line == "exit" || line == "quit" {
					return nil
				}
				if err := runConsoleCommand(ctx, engine, line); err != nil {
					fmt.Println("error:", err)
				}
			}
		},
	}
}

func runConsoleCommand(ctx context.Context, e *memory.Engine, line string) error {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "help":
		fmt.Print(`commands:
  add <source> <importance> <content>   store a memory
  query <text>                          retrieve relevant memories
  get <id>                              show one memory
  delete <id>                           delete a memory
  due                                   list due review questions
  review <id> [fail]                    record a review outcome
  sweep                                 schedule unreviewed memories
  selftest                              run a consistency check
  stats                                 aggregate statistics
  health                                review schedule health
  snapshot                              create a snapshot
  snapshots                             list snapshots
  exit
`)
		return nil

	case "add":
		parts := strings.SplitN(rest, " ", 3)
		if len(parts) < 3 {
			return fmt.Errorf("usage: add <source> <importance> <content>")
		}
		importance, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return fmt.Errorf("bad importance %q", parts[1])
		}
		m, err := e.Add(ctx, parts[2], memory.SourceType(parts[0]), importance, nil, nil)
		if err != nil {
			return err
		}
		fmt.Println("stored", m.ID)
		return nil

	case "query":
		if rest == "" {
			return fmt.Errorf("usage: query <text>")
		}
		results, err := e.Query(ctx, rest, 5)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("no results")
			return nil
		}
		for i, r := range results {
			fmt.Printf("%d. [%.3f] %s\n", i+1, r.FinalScore, r.Memory.Content)
		}
		return nil

	case "get":
		m, err := e.Get(ctx, rest)
		if err != nil {
			return err
		}
		fmt.Printf("%s [%s] importance=%.2f state=%s\n  %s\n", m.ID, m.Source, m.Importance, m.State, m.Content)
		return nil

	case "delete":
		if err := e.Delete(ctx, rest); err != nil {
			return err
		}
		fmt.Println("deleted", rest)
		return nil

	case "due":
		qs, err := e.DueReviews(ctx, 10)
		if err != nil {
			return err
		}
		if len(qs) == 0 {
			fmt.Println("nothing due")
			return nil
		}
		for _, q := range qs {
			fmt.Printf("%s: %s\n", q.MemoryID, q.Question)
		}
		return nil

	case "review":
		id, outcome, _ := strings.Cut(rest, " ")
		if id == "" {
			return fmt.Errorf("usage: review <id> [fail]")
		}
		m, err := e.RecordReview(ctx, id, strings.TrimSpace(outcome) != "fail")
		if err != nil {
			return err
		}
		fmt.Printf("next review %s (interval %s)\n", m.NextReviewAt.Format("2006-01-02 15:04"), m.ReviewInterval)
		return nil

	case "sweep":
		n, err := e.ScheduleSweep(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("scheduled %d\n", n)
		return nil

	case "selftest":
		report, err := e.SelfTest(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("checked=%d issues=%d repaired=%d flagged=%d\n",
			report.Checked, len(report.Issues), report.Repaired, report.Flagged)
		return nil

	case "stats":
		st, err := e.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("memories=%d topics=%d avg_importance=%.2f\n", st.TotalMemories, st.TopicCount, st.AverageImportance)
		for src, n := range st.BySource {
			fmt.Printf("  %s: %d\n", src, n)
		}
		return nil

	case "health":
		h, err := e.ReviewHealth(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("scheduled=%d due=%d archived=%d reviews=%d success=%.0f%%\n",
			h.Scheduled, h.Due, h.Archived, h.Reviews, h.SuccessRate*100)
		return nil

	case "snapshot":
		info, err := e.CreateSnapshot(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("created %s (%d memories)\n", info.ID, info.MemoryCount)
		return nil

	case "snapshots":
		infos, err := e.Snapshots().List()
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Println("no snapshots")
			return nil
		}
		for _, info := range infos {
			fmt.Printf("%s (%d memories)\n", info.ID, info.MemoryCount)
		}
		return nil

	default:
		return fmt.Errorf("unknown command %q, try 'help'", cmd)
	}
}
