package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/3rs4lg4d0/stampbox/config"
	"github.com/3rs4lg4d0/stampbox/gateway"
	"github.com/3rs4lg4d0/stampbox/internal/app"
	"github.com/3rs4lg4d0/stampbox/webhook"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var instanceCmd = &cobra.Command{
	Use:   "instance",
	Short: "Gateway instance commands for a business",
}

var instanceConnectCmd = &cobra.Command{
	Use:   "connect <business_id>",
	Short: "Create the gateway instance of a business and register the webhook",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstanceConnect,
}

var instanceStateCmd = &cobra.Command{
	Use:   "state <business_id>",
	Short: "Show the connection state of a business instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstanceState,
}

var instanceRestartCmd = &cobra.Command{
	Use:   "restart <business_id>",
	Short: "Restart a business instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstanceRestart,
}

var instanceDeleteCmd = &cobra.Command{
	Use:   "delete <business_id>",
	Short: "Delete a business instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstanceDelete,
}

// webhookEvents are the callbacks the reconciler understands.
var webhookEvents = []string{
	webhook.EventMessagesUpdate,
	webhook.EventSendMessage,
	webhook.EventConnectionUpdate,
	webhook.EventMessagesUpsert,
}

func init() {
	instanceCmd.AddCommand(instanceConnectCmd, instanceStateCmd, instanceRestartCmd, instanceDeleteCmd)
	rootCmd.AddCommand(instanceCmd)
}

// instanceClient loads the configuration and resolves the instance name of
// the business given as argument.
func instanceClient(arg string) (*gateway.Client, string, *config.Config, error) {
	businessID, err := uuid.Parse(arg)
	if err != nil {
		return nil, "", nil, fmt.Errorf("business id must be a UUID: %w", err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", nil, err
	}
	l := app.NewLogger(os.Stderr, cfg.Logging)
	return app.NewGateway(cfg.Gateway, l.With("gateway")), gateway.InstanceName(businessID), cfg, nil
}

func runInstanceConnect(cmd *cobra.Command, args []string) error {
	gw, name, cfg, err := instanceClient(args[0])
	if err != nil {
		return err
	}
	if cfg.Webhook.PublicURL == "" {
		return fmt.Errorf("webhook.public_url (WEBHOOK_PUBLIC_URL) is required to connect an instance")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	inst, err := gw.CreateInstance(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to create instance %s: %w", name, err)
	}
	err = gw.SetWebhook(ctx, name, gateway.WebhookConfig{
		URL:    strings.TrimRight(cfg.Webhook.PublicURL, "/") + "/webhooks/messaging",
		APIKey: cfg.Webhook.APIKey,
		Events: webhookEvents,
	})
	if err != nil {
		return fmt.Errorf("failed to register the webhook of %s: %w", name, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Instance %s created (%s)\n", inst.Name, inst.Status)
	if inst.QRCode != "" {
		fmt.Fprintf(out, "Pairing code:\n%s\n", inst.QRCode)
	}
	return nil
}

func runInstanceState(cmd *cobra.Command, args []string) error {
	gw, name, _, err := instanceClient(args[0])
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	state, err := gw.ConnectionState(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to read the state of %s: %w", name, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, state)
	return nil
}

func runInstanceRestart(cmd *cobra.Command, args []string) error {
	gw, name, _, err := instanceClient(args[0])
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := gw.RestartInstance(ctx, name); err != nil {
		return fmt.Errorf("failed to restart %s: %w", name, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Instance %s restarted\n", name)
	return nil
}

func runInstanceDelete(cmd *cobra.Command, args []string) error {
	gw, name, _, err := instanceClient(args[0])
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := gw.DeleteInstance(ctx, name); err != nil {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Instance %s deleted\n", name)
	return nil
}
