package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tillworks/tillsync/internal/record"
	"github.com/tillworks/tillsync/internal/store"
)

var seedCmd = &cobra.Command{
	Use:   "seed <catalog.yaml>",
	Short: "Load a product catalog into the local store",
	Long: `Load products from a YAML catalog file into the local store.

The catalog is validated before anything is written; a single invalid
product rejects the whole file. Products already in the store are
skipped unless --replace is given.

Example catalog:
  products:
    - id: espresso
      name: Espresso
      price: 3.50
      category: Drink

Example usage:
  tillsync seed catalog.yaml
  tillsync seed catalog.yaml --replace`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		replace, _ := cmd.Flags().GetBool("replace")

		catalog, err := record.ReadCatalogFile(args[0])
		if err != nil {
			return err
		}

		st, err := store.Open(viper.GetString("db"), nil)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()

		var loaded, skipped int
		for _, p := range catalog.Products {
			if !replace {
				_, err := st.Get(store.CollectionProducts, p.ID)
				if err == nil {
					skipped++
					continue
				}
				if !errors.Is(err, store.ErrNotFound) {
					return err
				}
			}

			if p.UpdatedAt.IsZero() {
				p.UpdatedAt = time.Now()
			}
			doc, err := store.NewDoc(p.ID, p.UpdatedAt, p)
			if err != nil {
				return err
			}
			if err := st.Put(store.CollectionProducts, doc); err != nil {
				return fmt.Errorf("failed to store product %s: %w", p.ID, err)
			}
			loaded++
		}

		fmt.Printf("Loaded %d products (%d skipped)\n", loaded, skipped)
		return nil
	},
}

func init() {
	seedCmd.Flags().Bool("replace", false, "Overwrite products that already exist")

	rootCmd.AddCommand(seedCmd)
}
