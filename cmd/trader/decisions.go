package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/camuig/crypto-trader/internal/storage"
)

func decisionsCmd() *cobra.Command {
	var (
		limit   int
		reasons bool
		since   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "Print recorded decisions from the database",
		Long: `decisions prints the most recent recorded decisions, or with --reasons
a count of decisions per verdict reason.

Example:
  trader decisions --limit 20
  trader decisions --reasons --since 24h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := storage.NewDatabase(dbPath)
			if err != nil {
				return fmt.Errorf("database init failed: %w", err)
			}
			repo := storage.NewRepository(db)
			ctx := context.Background()

			if reasons {
				return printReasons(ctx, repo, time.Now().Add(-since))
			}
			return printDecisions(ctx, repo, limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of decisions to show")
	cmd.Flags().BoolVar(&reasons, "reasons", false, "count decisions by reason instead")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "window for --reasons")
	return cmd
}

func printDecisions(ctx context.Context, repo *storage.Repository, limit int) error {
	rows, err := repo.ListDecisions(ctx, limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No decisions recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tCYCLE\tMODE\tPRICE\tADVICE\tCONF\tFINAL\tVERDICT\tREASON")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%d\t%s\t%.2f\t%s\t%d\t%s\t%s\t%s\n",
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			r.Cycle, r.Mode, r.Price, r.Advice, r.Confidence, r.FinalAction, r.Verdict, r.Reason)
	}
	return w.Flush()
}

func printReasons(ctx context.Context, repo *storage.Repository, since time.Time) error {
	counts, err := repo.CountDecisionsByReason(ctx, since)
	if err != nil {
		return err
	}
	if len(counts) == 0 {
		fmt.Println("No decisions recorded.")
		return nil
	}

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return counts[keys[i]] > counts[keys[j]] })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REASON\tCOUNT")
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%d\n", k, counts[k])
	}
	return w.Flush()
}
