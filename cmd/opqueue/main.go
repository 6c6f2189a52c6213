// Command opqueue manages the offline operation queue: enqueue mutations
// while disconnected, then drain them to the backend when it is reachable.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"opqueue/internal/config"
	"opqueue/internal/db"
	"opqueue/internal/logging"
	"opqueue/internal/store"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "opqueue",
	Short: "Offline-first operation queue",
	Long: `opqueue persists user operations locally while the backend is
unreachable and replays them in order once connectivity returns.

Operations are stored in a local SQLite database. The run command drains
the queue on a schedule; enqueue, status, list, retry, and purge manage
the queue directly.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}

		level := logging.LogLevel(cfg.Log.Level)
		if cfg.Log.File != "" {
			logging.InitFile(cfg.Log.File, level)
		} else {
			logging.Init(os.Stderr, level)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./opqueue.yaml or $HOME/.config/opqueue/opqueue.yaml)")
}

// openStore opens the local database, applies migrations, and returns
// the store with a cleanup function.
func openStore() (*store.Store, func(), error) {
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		database.Close()
		return nil, nil, err
	}
	if err := migrator.Up(); err != nil {
		database.Close()
		return nil, nil, err
	}

	s := store.New(database.DB)
	cleanup := func() {
		s.Close()
		database.Close()
	}
	return s, cleanup, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
