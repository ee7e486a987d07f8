package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/seantiz/crucible/internal/config"
)

var inventoryCmd = &cobra.Command{
	Use:   "inventory FILE",
	Short: "Validate an engine inventory and print its entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		inv, err := config.LoadInventory(args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ADDRESS\tID\tCOUNT\tPROPERTIES")
		for _, spec := range inv.Engines {
			id := "any"
			if spec.ID != nil {
				id = strconv.Itoa(*spec.ID)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%v\n", spec.Address, id, spec.Count, spec.Properties)
		}
		return w.Flush()
	},
}
