package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tillworks/tillsync/internal/daemon"
	"github.com/tillworks/tillsync/internal/dashboard"
	"github.com/tillworks/tillsync/internal/netmon"
	"github.com/tillworks/tillsync/internal/outbox"
	"github.com/tillworks/tillsync/internal/printer"
	"github.com/tillworks/tillsync/internal/remote"
	"github.com/tillworks/tillsync/internal/store"
	syncpkg "github.com/tillworks/tillsync/internal/sync"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the offline-first sync daemon",
	Long: `Run the tillsync daemon for a terminal.

The daemon:
  - Opens the local store and reloads any queued writes and print jobs
  - Flushes the write queue and reconciles collections on reconnect
  - Reconciles the synced collections on a fixed interval while online
  - Watches the import directory for product catalog files
  - Serves a WebSocket dashboard broadcasting store, queue, sync, and
    print events

Example usage:
  tillsync serve --api-base https://pos.example.com/api
  tillsync serve --api-base http://localhost:9000 --offline
  tillsync serve --import-dir ./imports --dashboard-port 9100`,
	RunE: func(cmd *cobra.Command, args []string) error {
		apiBase := viper.GetString("api_base")
		if apiBase == "" {
			return fmt.Errorf("--api-base (or api_base in tillsync.yaml) is required")
		}

		startOffline, _ := cmd.Flags().GetBool("offline")

		st, err := store.Open(viper.GetString("db"), nil)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()

		client, err := remote.NewClient(apiBase, nil)
		if err != nil {
			return err
		}

		queue, err := outbox.New(st, client, &outbox.Config{
			Logger:      newLogger("[outbox] "),
			StartOnline: !startOffline,
		})
		if err != nil {
			return err
		}

		syncer, err := syncpkg.New(st, client, newLogger("[sync] "), nil)
		if err != nil {
			return err
		}

		spoolDir, _ := cmd.Flags().GetString("spool-dir")
		printMgr, err := printer.New(st, &printer.SpoolSink{Dir: spoolDir}, &printer.Config{
			Logger: newLogger("[printer] "),
		})
		if err != nil {
			return err
		}

		monitor := netmon.New(!startOffline)

		// Dashboard is best effort; the daemon runs without it.
		var dashServer *dashboard.Server
		if port := viper.GetInt("dashboard_port"); port > 0 {
			dashServer = dashboard.NewServer(&dashboard.Config{
				Port:   port,
				Logger: newLogger("[dashboard] "),
			})
			if err := dashServer.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: dashboard disabled: %v\n", err)
				dashServer = nil
			} else {
				handler := dashboard.NewHandler(dashServer, newLogger("[dashboard] "))
				handler.WatchStore(st, st.Collections()...)
				handler.WatchQueue(queue)
				handler.WatchSync(syncer)
				handler.WatchPrinter(printMgr)
				fmt.Printf("Dashboard: ws://localhost:%d/ws\n", port)
			}
		}

		importDir, _ := cmd.Flags().GetString("import-dir")
		d, err := daemon.New(st, queue, syncer, monitor, &daemon.Config{
			SyncInterval: viper.GetDuration("sync_interval"),
			Collections:  viper.GetStringSlice("collections"),
			ImportDir:    importDir,
			Logger:       newLogger("[daemon] "),
		})
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		fmt.Printf("tillsync daemon started (db: %s, remote: %s)\n",
			viper.GetString("db"), apiBase)

		runErr := d.Start(ctx)

		if dashServer != nil {
			if err := dashServer.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "Error stopping dashboard: %v\n", err)
			}
		}
		return runErr
	},
}

func init() {
	serveCmd.Flags().Bool("offline", false, "Start with connectivity assumed down")
	serveCmd.Flags().String("import-dir", "", "Directory to watch for product JSON files")
	serveCmd.Flags().String("spool-dir", "spool", "Directory for rendered print tickets")
	serveCmd.Flags().Int("dashboard-port", 8791, "Dashboard port (0 disables)")
	_ = viper.BindPFlag("dashboard_port", serveCmd.Flags().Lookup("dashboard-port"))

	rootCmd.AddCommand(serveCmd)
}
