package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/roster/am"
	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/internal/node"
	"github.com/teranos/roster/logger"
	"github.com/teranos/roster/pulse/async"
)

// PulseCmd represents the pulse command
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: "Run and inspect the background job queue",
	Long: `Pulse runs roster's deferred work:

- catch-up syncs scheduled after conflicts or out-of-order updates
- avatar downloads for groups whose avatar changed
- profile refreshes for accounts whose capability is not known yet

Jobs survive restarts. Transport failures are retried with backoff.

Example:
  roster pulse start              # Run workers in the foreground
  roster pulse ls --status failed # Show failed jobs
  roster pulse status             # Queue counts`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd starts the worker pool
var PulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the Pulse workers until interrupted",
	Long: `Run the Pulse worker pool in the foreground.

Edits to the config file are picked up while running: the provider request
rate and sync concurrency are applied without a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		keep, _ := cmd.Flags().GetDuration("keep")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
			cfg.Pulse.Workers = workers
		}

		n, err := node.Open(cfg, logger.Logger)
		if err != nil {
			return err
		}
		defer n.Close()

		ctx, cancel := context.WithCancel(commandContext(cmd))
		defer cancel()

		if keep > 0 {
			removed, err := n.Queue.Cleanup(ctx, keep)
			if err != nil {
				return errors.Wrap(err, "failed to clean up finished jobs")
			}
			if removed > 0 {
				pterm.Info.Printfln("Removed %d finished job(s) older than %s", removed, keep)
			}
		}

		pool := n.WorkerPool(ctx, cfg)
		pool.Start()

		if watcher := watchConfig(n); watcher != nil {
			defer watcher.Stop()
		}

		pterm.Success.Println("Pulse started")
		fmt.Printf("  Workers:       %d\n", pool.Workers())
		fmt.Printf("  Poll interval: %v\n", cfg.TickerInterval())
		fmt.Printf("  Handlers:      %v\n", pool.Registry().Names())
		fmt.Printf("  Log level:     %s\n", logger.LevelName(Global.Verbosity))
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		waitForSignal()

		pterm.Info.Println("Stopping workers...")
		pool.Stop()
		processed, _ := pool.Stats()
		pterm.Success.Printfln("Pulse stopped after %d job(s)", processed)
		return nil
	},
}

// watchConfig retunes n when the active config file changes. It returns nil
// when there is no file to watch.
func watchConfig(n *node.Node) *am.ConfigWatcher {
	path := Global.ConfigFile
	if path == "" {
		path = am.UserConfigPath()
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	watcher, err := am.NewConfigWatcher(path)
	if err != nil {
		logger.Logger.Warnw("Config changes will not be picked up", logger.FieldError, err)
		return nil
	}
	watcher.OnReload(n.Retune)
	watcher.Start()
	am.SetGlobalWatcher(watcher)
	return watcher
}

var pulseLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFlag, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		return withNode(cmd, func(ctx context.Context, n *node.Node) error {
			var jobs []*async.Job
			var err error
			if statusFlag == "" {
				jobs, err = n.Queue.ListActiveJobs(limit)
			} else {
				status := async.JobStatus(statusFlag)
				jobs, err = n.Queue.ListJobs(&status, limit)
			}
			if err != nil {
				return err
			}

			if Global.JSON {
				return printJSON(jobs)
			}
			if len(jobs) == 0 {
				pterm.Info.Println("No jobs")
				return nil
			}
			data := pterm.TableData{{"ID", "Handler", "Source", "Status", "Retries", "Created", "Error"}}
			for _, j := range jobs {
				data = append(data, []string{
					shortID(j.ID), j.HandlerName, j.Source, string(j.Status),
					strconv.Itoa(j.RetryCount), j.CreatedAt.Local().Format(time.DateTime), j.Error,
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		})
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

var pulseStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd, func(ctx context.Context, n *node.Node) error {
			stats, err := n.Queue.GetStats()
			if err != nil {
				return err
			}
			if Global.JSON {
				return printJSON(stats)
			}
			fmt.Printf("Queued:    %d\n", stats.Queued)
			fmt.Printf("Running:   %d\n", stats.Running)
			fmt.Printf("Completed: %d\n", stats.Completed)
			fmt.Printf("Failed:    %d\n", stats.Failed)
			fmt.Printf("Cancelled: %d\n", stats.Cancelled)
			fmt.Printf("Total:     %d\n", stats.Total)
			return nil
		})
	},
}

var pulseRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run ready jobs once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withNode(cmd, func(ctx context.Context, n *node.Node) error {
			ran, err := n.RunQueued(ctx, limit)
			if err != nil {
				return err
			}
			if Global.JSON {
				return printJSON(map[string]int{"ran": ran})
			}
			pterm.Success.Printfln("Ran %d job(s)", ran)
			return nil
		})
	},
}

func init() {
	PulseStartCmd.Flags().Int("workers", 0, "Number of concurrent workers (default from pulse.workers)")
	PulseStartCmd.Flags().Duration("keep", 7*24*time.Hour, "Remove finished jobs older than this at startup (0 keeps everything)")
	pulseLsCmd.Flags().String("status", "", "Only jobs with this status (queued, running, completed, failed, cancelled)")
	pulseLsCmd.Flags().Int("limit", 50, "Maximum number of jobs")
	pulseRunCmd.Flags().Int("limit", queuedJobLimit, "Maximum number of jobs to run")

	PulseCmd.AddCommand(PulseStartCmd)
	PulseCmd.AddCommand(pulseLsCmd)
	PulseCmd.AddCommand(pulseStatusCmd)
	PulseCmd.AddCommand(pulseRunCmd)
}
