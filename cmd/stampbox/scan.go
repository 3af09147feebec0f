package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/3rs4lg4d0/stampbox/internal/app"
	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan-inactive",
	Short: "Run the inactivity scan once",
	Long: `Run the inactivity scan for today and enqueue the resulting campaign
messages. A running 'stampbox serve' delivers them.`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	application, err := app.New(ctx, cfg, app.NewLogger(os.Stderr, cfg.Logging))
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer application.Close()

	n, err := application.ScanInactive(ctx, time.Now())
	fmt.Fprintf(cmd.OutOrStdout(), "Published %d inactivity events\n", n)
	if err != nil {
		return fmt.Errorf("inactivity scan finished with errors: %w", err)
	}
	return nil
}
