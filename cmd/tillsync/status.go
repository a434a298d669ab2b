package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tillworks/tillsync/internal/printer"
	"github.com/tillworks/tillsync/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local store, queue, and sync status",
	Long: `Display the state of the local store for this terminal.

Shows:
  - Document counts per collection
  - Queued writes awaiting delivery
  - Print jobs by status
  - Sync watermark per collection`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath := viper.GetString("db")
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			fmt.Printf("No local store at %s\n", dbPath)
			fmt.Printf("Run 'tillsync serve' or 'tillsync seed' to create one\n")
			return nil
		}

		st, err := store.Open(dbPath, nil)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()

		fmt.Printf("Store: %s\n\n", dbPath)

		fmt.Println("Collections:")
		for _, collection := range st.Collections() {
			n, err := st.Count(collection)
			if err != nil {
				return err
			}
			fmt.Printf("  %-12s %d\n", collection, n)
		}

		queued, err := st.Count(store.CollectionWriteQueue)
		if err != nil {
			return err
		}
		fmt.Printf("\nQueued writes: %d\n", queued)

		jobs, err := st.GetAll(store.CollectionPrintJobs)
		if err != nil {
			return err
		}
		byStatus := make(map[printer.Status]int)
		for _, doc := range jobs {
			var job printer.Job
			if err := doc.Decode(&job); err != nil {
				continue
			}
			byStatus[job.Status]++
		}
		fmt.Printf("Print jobs: %d queued, %d failed, %d done\n",
			byStatus[printer.StatusQueued], byStatus[printer.StatusFailed], byStatus[printer.StatusDone])

		marks, err := st.GetAll(store.CollectionSyncState)
		if err != nil {
			return err
		}
		if len(marks) == 0 {
			fmt.Println("\nSync: never synced")
			return nil
		}
		fmt.Println("\nSync watermarks:")
		for _, doc := range marks {
			fmt.Printf("  %-12s %s\n", doc.ID,
				time.UnixMilli(doc.UpdatedAt).Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
