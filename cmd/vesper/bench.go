package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"vesper/internal/obj"
	"vesper/internal/rt"
)

var (
	benchTasks   int
	benchYields  uint64
	benchDrivers int
)

func init() {
	benchCmd.Flags().IntVar(&benchTasks, "tasks", 10000, "number of tasks to run")
	benchCmd.Flags().Uint64Var(&benchYields, "yields", 100, "suspensions per task before completion")
	benchCmd.Flags().IntVar(&benchDrivers, "drivers", 0, "drive tasks from N block_on threads instead of the pool")
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure raw task throughput",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := rt.LoadConfig(cfgPath)
		if err != nil {
			return err
		}
		if benchDrivers > 0 {
			// Driver mode measures block_on itself; the pool would race it
			// for the same tasks.
			cfg.Workers = 0
		}
		rtm := rt.New(cfg)
		defer rtm.Close()

		tasks := make([]*rt.Task, benchTasks)
		for i := range tasks {
			tasks[i] = rtm.NewFuture(countdownPoll(benchYields), 1)
		}

		start := time.Now()
		if benchDrivers > 0 {
			err = runWithDrivers(rtm, tasks, benchDrivers)
		} else {
			err = runOnPool(rtm, tasks)
		}
		if err != nil {
			return err
		}
		elapsed := time.Since(start)

		polls := uint64(benchTasks) * (benchYields + 1)
		rate := float64(benchTasks) / elapsed.Seconds()
		bold := color.New(color.Bold)
		fmt.Fprintf(cmd.OutOrStdout(), "%s tasks, %s yields each, %d polls\n",
			bold.Sprint(benchTasks), bold.Sprint(benchYields), polls)
		fmt.Fprintf(cmd.OutOrStdout(), "elapsed %v (%.0f tasks/sec)\n", elapsed.Round(time.Microsecond), rate)
		return nil
	},
}

// countdownPoll suspends the given number of times and then completes with
// the poll count. The state word is the loop counter.
func countdownPoll(yields uint64) rt.PollFunc {
	return func(p *obj.Proc, t *rt.Task) (obj.Value, rt.PollStatus) {
		n := t.State()
		if n >= yields {
			return obj.MakeInt(int64(n)), rt.StatusDone //nolint:gosec // counter fits
		}
		t.SetState(n + 1)
		return obj.Nothing(), rt.StatusYield
	}
}

func runOnPool(rtm *rt.Runtime, tasks []*rt.Task) error {
	p := rtm.NewProc()
	for _, t := range tasks {
		rtm.Spawn(p, t)
	}
	for _, t := range tasks {
		if _, exc := rtm.BlockOn(p, t); exc != nil {
			return fmt.Errorf("task %d failed: %w", t.ID(), exc)
		}
	}
	return nil
}

func runWithDrivers(rtm *rt.Runtime, tasks []*rt.Task, drivers int) error {
	var g errgroup.Group
	g.SetLimit(drivers)
	for i := 0; i < drivers; i++ {
		share := tasks[i*len(tasks)/drivers : (i+1)*len(tasks)/drivers]
		g.Go(func() error {
			p := rtm.NewProc()
			for _, t := range share {
				if _, exc := rtm.BlockOn(p, t); exc != nil {
					return fmt.Errorf("task %d failed: %w", t.ID(), exc)
				}
			}
			return nil
		})
	}
	return g.Wait()
}
