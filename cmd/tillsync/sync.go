package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tillworks/tillsync/internal/remote"
	"github.com/tillworks/tillsync/internal/store"
	syncpkg "github.com/tillworks/tillsync/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync [collection...]",
	Short: "Run one sync pass against the remote authority",
	Long: `Reconcile local and remote state for the given collections.

Each collection gets one full pass: local changes since the watermark
are pushed, remote changes are pulled, and conflicts resolve by
last-write-wins on the update timestamp. The watermark only advances
when a pass completes without error.

With no arguments, the configured collections are synced.

Example usage:
  tillsync sync                  # Sync configured collections
  tillsync sync orders           # Sync only orders`,
	RunE: func(cmd *cobra.Command, args []string) error {
		apiBase := viper.GetString("api_base")
		if apiBase == "" {
			return fmt.Errorf("--api-base (or api_base in tillsync.yaml) is required")
		}

		collections := args
		if len(collections) == 0 {
			collections = viper.GetStringSlice("collections")
		}

		st, err := store.Open(viper.GetString("db"), nil)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()

		client, err := remote.NewClient(apiBase, nil)
		if err != nil {
			return err
		}

		syncer, err := syncpkg.New(st, client, newLogger("[sync] "), nil)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		failed := false
		for _, collection := range collections {
			start := time.Now()
			if err := syncer.SyncStore(ctx, collection); err != nil {
				fmt.Fprintf(os.Stderr, "Error syncing %s: %v\n", collection, err)
				failed = true
				continue
			}
			fmt.Printf("Synced %s in %v (watermark %d)\n",
				collection, time.Since(start).Round(time.Millisecond),
				syncer.Watermark(collection))
		}

		if failed {
			return fmt.Errorf("one or more collections failed to sync")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
