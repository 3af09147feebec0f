package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/3rs4lg4d0/stampbox/internal/app"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server, the queue workers and the schedulers",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	l := app.NewLogger(os.Stdout, cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, l)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	// the components run on their own context so that a signal does not
	// cancel the handlers Shutdown waits for
	if err := application.Start(context.Background()); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = application.Shutdown(shutdownCtx)
		return fmt.Errorf("failed to start application: %w", err)
	}
	l.Info(fmt.Sprintf("stampbox %s started", version))

	<-ctx.Done()
	l.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return application.Shutdown(shutdownCtx)
}
