package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"opqueue/internal/coordinator"
	"opqueue/internal/dispatch"
	"opqueue/internal/events"
	"opqueue/internal/logging"
	"opqueue/internal/remote"
	"opqueue/internal/retry"
	"opqueue/internal/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	Long: `Run the sync daemon: drain the queue on a schedule, retry failed
operations with exponential backoff, and trigger an immediate drain when
connectivity returns.

With --once a single drain run is performed and the process exits.`,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().Bool("once", false, "Perform one drain run and exit")
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	once, _ := cmd.Flags().GetBool("once")

	s, cleanup, err := openStore()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()

	// Operations left SYNCING by a crash go back to the front of the queue
	recovered, err := s.RecoverStuckSyncing(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logging.Warn("Recovered operations stuck in SYNCING",
			map[string]interface{}{"count": recovered})
	}

	client := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.RequestTimeout)
	checker := remote.NewNetworkChecker(cfg.Remote.BaseURL, cfg.Remote.ProbeTimeout)
	dispatcher := dispatch.NewWithDefaults(client)
	policy := retry.NewPolicy(cfg.Sync.InitialDelay, cfg.Sync.MaxDelay)

	var sink coordinator.EventSink
	var hub *events.Hub
	if cfg.Events.Enabled {
		hub = events.NewHub()
		defer hub.Close()
		sink = events.NewSnapshotSink(hub, s)

		server := &http.Server{Addr: cfg.Events.ListenAddr, Handler: hub.Handler()}
		go func() {
			logging.Info("Event server listening",
				map[string]interface{}{"addr": cfg.Events.ListenAddr})
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error("Event server failed", err, nil)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
	}

	coord := coordinator.New(s, dispatcher, checker, policy, sink)

	if once {
		result, err := coord.Run(ctx)
		if err != nil {
			return err
		}
		cmd.Printf("Synced %d, failed %d, skipped %d in %s\n",
			result.Synced, result.Failed, result.Skipped, result.Duration.Round(time.Millisecond))
		return nil
	}

	sched := scheduler.New(coord, checker, &scheduler.Config{
		DrainInterval: cfg.Sync.DrainInterval,
		ProbeInterval: cfg.Sync.ProbeInterval,
		RunTimeout:    cfg.Sync.RunTimeout,
		Uniqueness:    scheduler.UniquenessPolicy(cfg.Sync.Uniqueness),
	})
	sched.Start(ctx)
	sched.TriggerNow()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logging.Info("Shutting down", map[string]interface{}{"signal": sig.String()})
	sched.Stop()
	return nil
}
