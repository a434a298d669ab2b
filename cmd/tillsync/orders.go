package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tillworks/tillsync/internal/orders"
	"github.com/tillworks/tillsync/internal/outbox"
	"github.com/tillworks/tillsync/internal/record"
	"github.com/tillworks/tillsync/internal/remote"
	"github.com/tillworks/tillsync/internal/store"
)

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "Inspect and manage orders on this terminal",
}

var ordersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List orders in the local store",
	Long: `List orders, optionally filtered by status.

Example usage:
  tillsync orders list
  tillsync orders list --status pending`,
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFilter, _ := cmd.Flags().GetString("status")
		if statusFilter != "" && !record.OrderStatus(statusFilter).Valid() {
			return fmt.Errorf("invalid status %q", statusFilter)
		}

		mgr, st, err := openOrderManager()
		if err != nil {
			return err
		}
		defer st.Close()

		list, err := mgr.ListOrders(context.Background(), record.OrderStatus(statusFilter))
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No orders")
			return nil
		}

		for _, order := range list {
			fmt.Printf("%s  %-10s  %6.2f  %d items  %s\n",
				order.ID, order.Status, order.Total, len(order.Items),
				order.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var ordersShowCmd = &cobra.Command{
	Use:   "show <order-id>",
	Short: "Show one order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, st, err := openOrderManager()
		if err != nil {
			return err
		}
		defer st.Close()

		order, err := mgr.GetOrder(context.Background(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Order %s (%s)\n", order.ID, order.Status)
		fmt.Printf("Created: %s\n\n", order.CreatedAt.Format(time.RFC3339))
		for _, item := range order.Items {
			fmt.Printf("  %dx %-20s %6.2f\n", item.Qty, item.Name, item.LineTotal())
			if item.SpecialRequest != "" {
				fmt.Printf("     Note: %s\n", item.SpecialRequest)
			}
		}
		fmt.Printf("\nTotal: %.2f\n", order.Total)
		return nil
	},
}

var ordersSetStatusCmd = &cobra.Command{
	Use:   "set-status <order-id> <status>",
	Short: "Transition an order's status",
	Long: `Set an order's status (pending, preparing, ready, completed).

The update timestamp is bumped, so the change reaches the remote on the
next sync pass.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, st, err := openOrderManager()
		if err != nil {
			return err
		}
		defer st.Close()

		order, err := mgr.UpdateOrderStatus(context.Background(), args[0], record.OrderStatus(args[1]))
		if err != nil {
			return err
		}

		fmt.Printf("Order %s is now %s\n", order.ID, order.Status)
		return nil
	},
}

var ordersPlaceCmd = &cobra.Command{
	Use:   "place <product-id[:qty]>...",
	Short: "Place an order from product ids",
	Long: `Build a cart from product ids and place the order.

The order is written locally first and queued for delivery, so placing
an order works regardless of connectivity.

Example usage:
  tillsync orders place espresso latte:2`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, st, err := openOrderManager()
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := context.Background()
		for _, arg := range args {
			id, qty := arg, 1
			if i := strings.IndexByte(arg, ':'); i >= 0 {
				id = arg[:i]
				qty, err = strconv.Atoi(arg[i+1:])
				if err != nil || qty < 1 {
					return fmt.Errorf("invalid quantity in %q", arg)
				}
			}

			doc, err := st.Get(store.CollectionProducts, id)
			if err != nil {
				return fmt.Errorf("unknown product %q: %w", id, err)
			}
			var p record.Product
			if err := doc.Decode(&p); err != nil {
				return err
			}

			mgr.AddToCart(p, nil)
			mgr.UpdateQty(p.ID, qty, nil)
		}

		order, err := mgr.PlaceOrder(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Placed order %s (%.2f)\n", order.ID, order.Total)
		return nil
	},
}

// openOrderManager wires an orders manager over the local store. The write
// queue starts offline; anything queued here is delivered by the daemon.
func openOrderManager() (*orders.Manager, *store.Store, error) {
	apiBase := viper.GetString("api_base")
	if apiBase == "" {
		return nil, nil, fmt.Errorf("--api-base (or api_base in tillsync.yaml) is required")
	}

	st, err := store.Open(viper.GetString("db"), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}

	client, err := remote.NewClient(apiBase, nil)
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	queue, err := outbox.New(st, client, &outbox.Config{
		Logger: newLogger("[outbox] "),
	})
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	mgr, err := orders.New(st, queue, nil)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return mgr, st, nil
}

func init() {
	ordersListCmd.Flags().String("status", "", "Filter by status (pending, preparing, ready, completed)")

	ordersCmd.AddCommand(ordersListCmd)
	ordersCmd.AddCommand(ordersShowCmd)
	ordersCmd.AddCommand(ordersSetStatusCmd)
	ordersCmd.AddCommand(ordersPlaceCmd)
	rootCmd.AddCommand(ordersCmd)
}
