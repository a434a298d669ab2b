package printer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tillworks/tillsync/internal/record"
)

// defaultTemplates returns the built-in renderers for each destination.
func defaultTemplates() map[Destination]Template {
	return map[Destination]Template{
		DestReceipt: ReceiptTemplate,
		DestKitchen: KitchenTemplate,
		DestBar:     BarTemplate,
	}
}

// ReceiptTemplate renders a customer receipt with line totals.
func ReceiptTemplate(order record.Order) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Receipt\nOrder: %s\n", order.ID)
	for _, item := range order.Items {
		fmt.Fprintf(&b, "%dx %s - $%.2f\n", item.Qty, item.Name, item.LineTotal())
	}
	fmt.Fprintf(&b, "\nTotal: $%.2f\n", order.Total)
	return b.String()
}

// KitchenTemplate renders a kitchen slip with customizations and any
// special requests collected at the bottom.
func KitchenTemplate(order record.Order) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Kitchen Slip\nOrder: %s\n", order.ID)

	var specials []string
	for _, item := range order.Items {
		fmt.Fprintf(&b, "%dx %s", item.Qty, item.Name)
		if len(item.Customization) > 0 {
			data, err := json.Marshal(item.Customization)
			if err == nil {
				fmt.Fprintf(&b, " - %s", data)
			}
		}
		b.WriteString("\n")

		if item.SpecialRequest != "" {
			specials = append(specials, item.SpecialRequest)
		}
	}

	fmt.Fprintf(&b, "\nSpecial: %s\n", strings.Join(specials, "; "))
	return b.String()
}

// BarTemplate renders a bar slip listing only drink items.
func BarTemplate(order record.Order) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Bar Slip\nOrder: %s\n", order.ID)
	for _, item := range order.Items {
		if item.Category != "Drink" {
			continue
		}
		fmt.Fprintf(&b, "%dx %s\n", item.Qty, item.Name)
	}
	return b.String()
}
