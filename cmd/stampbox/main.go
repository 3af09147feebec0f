package main

import (
	"fmt"
	"os"

	"github.com/3rs4lg4d0/stampbox/config"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	envFile string
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stampbox",
	Short: "stampbox - loyalty card messaging pipeline",
	Long: `stampbox turns loyalty card activity into WhatsApp campaign messages:
stamps and enrollments trigger campaigns, a durable queue delivers them
through the messaging gateway and provider callbacks track their status.`,
	SilenceUsage: true,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "stampbox version %s\n", version)
		if commit != "unknown" {
			fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", commit)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (environment only when empty)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file loaded before the environment overrides (default .env when present)")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	var envFiles []string
	if envFile != "" {
		envFiles = append(envFiles, envFile)
	}
	cfg, err := config.Load(cfgFile, envFiles...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	runAt, loc, _ := cfg.Scanner.Schedule()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration is valid\n")
	fmt.Fprintf(out, "  HTTP: %s\n", cfg.Server.ListenAddr)
	fmt.Fprintf(out, "  Gateway: %s\n", cfg.Gateway.BaseURL)
	fmt.Fprintf(out, "  Queues: bulk=%d messages=%d workers\n", cfg.Queues.Bulk.Concurrency, cfg.Queues.Messages.Concurrency)
	fmt.Fprintf(out, "  Outbox: every %s, batch %d, %d retries\n", cfg.Outbox.PollingInterval, cfg.Outbox.BatchSize, cfg.Outbox.MaxRetries)
	fmt.Fprintf(out, "  Scanner: enabled=%t at %s %s\n", cfg.Scanner.Enabled, runAt, loc)
	fmt.Fprintf(out, "  Kafka: enabled=%t\n", cfg.Kafka.Enabled)
	fmt.Fprintf(out, "  Metrics: %s\n", cfg.Metrics.Backend)
	return nil
}
