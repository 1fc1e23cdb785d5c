package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yourusername/flow-forge/internal/content"
)

func newSeedCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Load products and articles from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withContent(func(db *content.Store) error {
				res, err := db.SeedPath(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d products and %d articles into %s\n", res.Products, res.Articles, db.Path())
				return nil
			})
		},
	}
}
