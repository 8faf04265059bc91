package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/rabbitlink"
	"github.com/glimte/rabbitlink/command"
	"github.com/glimte/rabbitlink/config"
)

func newDeclareCommand(flags *globalFlags) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "declare <json>",
		Short: "Declare an exchange described as JSON",
		Long: `Declare an exchange. The argument is a JSON object:

  {"exchange_name": "orders", "exchange_kind": "Topic",
   "exchange_options": {"durable": true}}

exchange_kind is one of Topic, Fanout, Direct, Headers or any custom type.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			declare, err := command.DeclareExchangeFromJSON([]byte(args[0]))
			if err != nil {
				return err
			}

			settings, logger, err := flags.load()
			if err != nil {
				return err
			}

			return oneShot(cmd.Context(), settings, logger, timeout, func(ctx context.Context, client *rabbitlink.Client) error {
				return client.DeclareExchange(ctx, declare.Name, declare.Kind, declare.Options)
			})
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "give up after this long")
	return cmd
}

func newPublishCommand(flags *globalFlags) *cobra.Command {
	var (
		exchange   string
		routingKey string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish <payload>",
		Short: "Publish one message and wait for the broker confirm",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, logger, err := flags.load()
			if err != nil {
				return err
			}

			return oneShot(cmd.Context(), settings, logger, timeout, func(ctx context.Context, client *rabbitlink.Client) error {
				return client.Publish(ctx, exchange, routingKey, []byte(args[0]))
			})
		},
	}
	cmd.Flags().StringVarP(&exchange, "exchange", "e", "demo_exchange", "exchange to publish to")
	cmd.Flags().StringVarP(&routingKey, "routing-key", "k", "/rabbit", "routing key")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "give up after this long")
	return cmd
}

// oneShot connects without heartbeat or bootstrap topology, runs fn once
// the connection is up, then disconnects.
func oneShot(parent context.Context, settings *config.Settings, logger *slog.Logger, timeout time.Duration, fn func(context.Context, *rabbitlink.Client) error) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := rabbitlink.NewClient(settings.AMQPAddr,
		rabbitlink.WithLogger(logger),
		rabbitlink.WithConfig(rabbitlink.Config{MailboxSize: 1, OperationTimeout: settings.OperationTimeout}),
		rabbitlink.WithConnectionName(settings.ConnectionName+"-cli"),
		rabbitlink.WithDialTimeout(settings.DialTimeout),
	)
	if err != nil {
		return err
	}

	runCtx, stopClient := context.WithCancel(ctx)
	defer stopClient()
	done := make(chan error, 1)
	go func() { done <- client.Run(runCtx) }()

	select {
	case <-client.Ready():
	case err := <-done:
		if err == nil {
			err = ctx.Err()
		}
		return fmt.Errorf("failed to connect: %w", err)
	}

	opErr := fn(ctx, client)
	stopClient()
	if err := <-done; err != nil && opErr == nil {
		opErr = err
	}
	if opErr == nil {
		logger.Info("done")
	}
	return opErr
}
