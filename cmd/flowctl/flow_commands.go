package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourusername/flow-forge/internal/flow"
	"github.com/yourusername/flow-forge/internal/jobs"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit article or product flows",
	}

	submitCmd.AddCommand(&cobra.Command{
		Use:   "article <article-id>",
		Short: "Queue generation for one article",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withBackend(cmd.Context(), cmd.ErrOrStderr(), func(b *backend) error {
				tree, err := b.builder.SubmitArticle(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printTree(cmd.OutOrStdout(), tree)
				return nil
			})
		},
	})

	submitCmd.AddCommand(&cobra.Command{
		Use:   "products <product-id>...",
		Short: "Queue extraction for one or more products",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withBackend(cmd.Context(), cmd.ErrOrStderr(), func(b *backend) error {
				trees, err := b.builder.SubmitProducts(cmd.Context(), args)
				if err != nil {
					return err
				}
				for _, tree := range trees {
					printTree(cmd.OutOrStdout(), tree)
				}
				return nil
			})
		},
	})

	return submitCmd
}

func printTree(w io.Writer, tree *flow.Tree) {
	tree.Walk(func(t *flow.Tree) {
		fmt.Fprintf(w, "%s\t%s\n", t.Job.Ref(), t.Job.State)
	})
}

func newTreeCommand(ctx *commandContext) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "tree <queue> <job-id>",
		Short: "Show the progress tree of a flow",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := jobs.Ref{Queue: args[0], ID: args[1]}
			return ctx.withBackend(cmd.Context(), cmd.ErrOrStderr(), func(b *backend) error {
				out := cmd.OutOrStdout()
				if !watch {
					snap, err := b.projector.Snapshot(cmd.Context(), root)
					if err != nil {
						return describeFlowError(err, root)
					}
					fmt.Fprintln(out, renderSnapshot(snap))
					return nil
				}
				err := b.projector.Watch(cmd.Context(), root, b.registry.Names(), func(snap *flow.Snapshot) error {
					fmt.Fprintf(out, "-- %s\n%s\n", time.Now().Format(time.TimeOnly), renderSnapshot(snap))
					return nil
				})
				return describeFlowError(err, root)
			})
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Keep printing the tree until the flow finishes")
	return cmd
}

func describeFlowError(err error, root jobs.Ref) error {
	if errors.Is(err, flow.ErrFlowNotFound) {
		return fmt.Errorf("flow %s not found", root)
	}
	return err
}

func newQueuesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "Show job counts per queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withBackend(cmd.Context(), cmd.ErrOrStderr(), func(b *backend) error {
				counts := make(map[string]map[jobs.State]int64)
				for _, name := range b.registry.Names() {
					c, err := b.store.Counts(cmd.Context(), name)
					if err != nil {
						return err
					}
					counts[name] = c
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderCounts(counts))
				return nil
			})
		},
	}
}

var countStates = []jobs.State{
	jobs.StateWaiting,
	jobs.StateDelayed,
	jobs.StateActive,
	jobs.StateWaitingChildren,
	jobs.StateCompleted,
	jobs.StateFailed,
}

func renderCounts(counts map[string]map[jobs.State]int64) string {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	headers := []string{"Queue"}
	aligns := []columnAlignment{alignLeft}
	for _, s := range countStates {
		headers = append(headers, string(s))
		aligns = append(aligns, alignRight)
	}
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		row := []string{name}
		for _, s := range countStates {
			row = append(row, strconv.FormatInt(counts[name][s], 10))
		}
		rows = append(rows, row)
	}
	return renderTable(headers, rows, aligns)
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <queue> <job-id>",
		Short: "Request cooperative cancellation of a flow",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := jobs.Ref{Queue: args[0], ID: args[1]}
			return ctx.withBackend(cmd.Context(), cmd.ErrOrStderr(), func(b *backend) error {
				ttl := time.Duration(b.cfg.CancelTTLMinutes) * time.Minute
				if err := b.store.RequestCancel(cmd.Context(), root, ttl); err != nil {
					if errors.Is(err, jobs.ErrJobNotFound) {
						return fmt.Errorf("flow %s not found", root)
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for %s\n", root)
				return nil
			})
		},
	}
}
