// Command arcoro-demo exercises the arena allocator and the loop scheduler
// from the command line: small, direct subcommands rather than a test
// harness.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/arcoro/arcoro/arena"
	"github.com/arcoro/arcoro/internal/logging"
	"github.com/arcoro/arcoro/loop"
)

var verbose bool

func main() {
	root := &cobra.Command{
		Use:   "arcoro-demo",
		Short: "Exercise the arcoro arena allocator and loop scheduler",
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newArenaCmd(), newLoopCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *logging.Logger {
	cfg := logging.DefaultConfig()
	if verbose {
		cfg.Level = logging.LevelDebug
	}
	return logging.NewLogger(cfg)
}

func newArenaCmd() *cobra.Command {
	var sizeStr string
	var path string

	cmd := &cobra.Command{
		Use:   "arena",
		Short: "Allocate, free, and walk a memory arena",
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := parseSize(sizeStr)
			if err != nil {
				return fmt.Errorf("invalid size %q: %w", sizeStr, err)
			}

			logger := newLogger()
			var ctx *arena.Context
			if path != "" {
				ctx, err = arena.Open(path, arena.WithLogger(logger))
			} else {
				ctx, err = arena.New(uint64(size), arena.WithLogger(logger))
			}
			if err != nil {
				return err
			}
			defer ctx.Close()

			offsets := make([]uint64, 0, 8)
			for i := 0; i < 8; i++ {
				off, err := ctx.Alloc(uint64(64 << i))
				if err != nil {
					return fmt.Errorf("alloc %d: %w", i, err)
				}
				offsets = append(offsets, off)
			}
			for _, off := range offsets[:4] {
				if err := ctx.Free(off); err != nil {
					return fmt.Errorf("free: %w", err)
				}
			}

			if err := ctx.CheckInvariants(); err != nil {
				return fmt.Errorf("invariant check failed: %w", err)
			}
			if path != "" {
				if err := ctx.Commit(); err != nil {
					return fmt.Errorf("commit: %w", err)
				}
			}

			chunks, err := ctx.Walk()
			if err != nil {
				return err
			}
			fmt.Printf("region id %d, %d chunks after alloc/free:\n", ctx.RegionID(), len(chunks))
			for _, c := range chunks {
				state := "used"
				if c.Free {
					state = "free"
				}
				fmt.Printf("  off=%-8d size=%-8d %s\n", c.BorderOffset, c.PayloadSize, state)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sizeStr, "size", "1M", "arena size (e.g. 64K, 1M, 1G); ignored when --path is set")
	cmd.Flags().StringVar(&path, "path", "", "persist the arena to this control-file path instead of using memory only")
	return cmd
}

func newLoopCmd() *cobra.Command {
	var taskCount int
	var sleepFor time.Duration

	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Run a handful of cooperative tasks through the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			metrics := loop.NewMetrics()
			pool, err := loop.New(loop.WithLogger(logger), loop.WithObserver(loop.NewMetricsObserver(metrics)))
			if err != nil {
				return err
			}
			defer pool.Close()

			sem := pool.NewSemaphore(1)
			for i := 0; i < taskCount; i++ {
				i := i
				task := pool.NewTask(func(tk *loop.Task) (any, error) {
					if err := sem.Wait(tk); err != nil {
						return nil, err
					}
					defer sem.Signal(1)

					if sleepFor > 0 {
						if err := pool.Sleep(tk, sleepFor); err != nil {
							return nil, err
						}
					}
					fmt.Printf("task %d ran\n", i)
					return i, nil
				}, nil)
				if err := pool.Schedule(task, nil); err != nil {
					return err
				}
			}

			result := pool.Run()
			snap := metrics.Snapshot()
			fmt.Printf("run result: %s\n", result)
			fmt.Printf("scheduled=%d finished=%d errored=%d sem-waits=%d sleeps=%d\n",
				snap.TasksScheduled, snap.TasksFinished, snap.TasksErrored, snap.SemWaits, snap.Sleeps)
			return nil
		},
	}

	cmd.Flags().IntVar(&taskCount, "tasks", 4, "number of demo tasks to schedule")
	cmd.Flags().DurationVar(&sleepFor, "sleep", 0, "have each task sleep this long while holding the semaphore")
	return cmd
}

// parseSize parses a size string like "64M", "1G", "512K".
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}
