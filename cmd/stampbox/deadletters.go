package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/3rs4lg4d0/stampbox/internal/app"
	"github.com/spf13/cobra"
)

var deadLettersLimit int

var deadLettersCmd = &cobra.Command{
	Use:   "deadletters",
	Short: "List outbox records and queue jobs that exhausted their attempts",
	RunE:  runDeadLetters,
}

func init() {
	deadLettersCmd.Flags().IntVar(&deadLettersLimit, "limit", 50, "Maximum number of entries to show per source, 0 for all")
	rootCmd.AddCommand(deadLettersCmd)
}

func runDeadLetters(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	application, err := app.New(ctx, cfg, app.NewLogger(os.Stderr, cfg.Logging))
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer application.Close()

	dl, err := application.DeadLetters(ctx, deadLettersLimit)
	if err != nil {
		return fmt.Errorf("failed to list dead letters: %w", err)
	}
	printDeadLetters(cmd.OutOrStdout(), dl)
	return nil
}

func printDeadLetters(out io.Writer, dl *app.DeadLetters) {
	fmt.Fprintf(out, "Outbox dead letters: %d\n", dl.OutboxTotal)
	if len(dl.Outbox) > 0 {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tEVENT\tAGGREGATE\tRETRIES\tCREATED\tERROR")
		for _, o := range dl.Outbox {
			errMsg := ""
			if o.ErrorMessage != nil {
				errMsg = *o.ErrorMessage
			}
			fmt.Fprintf(w, "%s\t%s\t%s/%s\t%d\t%s\t%s\n",
				o.Id, o.EventType, o.AggregateType, o.AggregateId, o.RetryCount,
				o.CreatedAt.Format(time.RFC3339), truncate(errMsg, 60))
		}
		w.Flush()
	}

	for _, name := range []string{app.QueueBulk, app.QueueMessages} {
		jobs := dl.Jobs[name]
		fmt.Fprintf(out, "\nDead jobs in queue '%s': %d\n", name, len(jobs))
		if len(jobs) == 0 {
			continue
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tATTEMPTS\tCREATED\tERROR")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
				j.ID, j.Type, j.Attempts, j.MaxAttempts,
				j.CreatedAt.Format(time.RFC3339), truncate(j.LastError, 60))
		}
		w.Flush()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
