package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/drblury/tenantbus/internal/runtime"
	"github.com/drblury/tenantbus/internal/runtime/broker"
)

type dlqResult struct {
	Queue           string `json:"queue"`
	DeadLetterQueue string `json:"deadLetterQueue"`
	Messages        *int   `json:"messages,omitempty"`
	Replayed        *int   `json:"replayed,omitempty"`
	Purged          *int   `json:"purged,omitempty"`
}

func (a *app) dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Dead-letter queue commands",
		Long:  "Count, replay and purge the dead letters of a consumer queue",
	}
	cmd.AddCommand(a.dlqCountCmd(), a.dlqReplayCmd(), a.dlqPurgeCmd())
	return cmd
}

func (a *app) dlqCountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count [queue]",
		Short: "Count dead letters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue := args[0]
			return a.withService(cmd.Context(), func(ctx context.Context, svc *runtime.Service) error {
				n, err := svc.DeadLetterCount(ctx, queue)
				if err != nil {
					return err
				}
				return a.render(dlqResult{
					Queue:           queue,
					DeadLetterQueue: broker.DeadLetterQueueName(queue),
					Messages:        &n,
				}, []field{
					{"Queue", broker.DeadLetterQueueName(queue)},
					{"Messages", n},
				})
			})
		},
	}
}

func (a *app) dlqReplayCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "replay [queue]",
		Short: "Move dead letters back onto their queue",
		Long: `Replay moves dead letters back onto the consumer queue, oldest first.
A limit of 0 replays everything.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue := args[0]
			return a.withService(cmd.Context(), func(ctx context.Context, svc *runtime.Service) error {
				n, err := svc.ReplayDeadLetters(ctx, queue, limit)
				if err != nil {
					return fmt.Errorf("replayed %d before failing: %w", n, err)
				}
				return a.render(dlqResult{
					Queue:           queue,
					DeadLetterQueue: broker.DeadLetterQueueName(queue),
					Replayed:        &n,
				}, []field{
					{"Queue", queue},
					{"Replayed", n},
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "replay at most this many messages")
	return cmd
}

func (a *app) dlqPurgeCmd() *cobra.Command {
	var confirmed bool
	cmd := &cobra.Command{
		Use:   "purge [queue]",
		Short: "Drop every dead letter of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				return errors.New("purging discards messages for good; pass --yes to confirm")
			}
			queue := args[0]
			return a.withService(cmd.Context(), func(ctx context.Context, svc *runtime.Service) error {
				n, err := svc.PurgeDeadLetters(ctx, queue)
				if err != nil {
					return err
				}
				return a.render(dlqResult{
					Queue:           queue,
					DeadLetterQueue: broker.DeadLetterQueueName(queue),
					Purged:          &n,
				}, []field{
					{"Queue", broker.DeadLetterQueueName(queue)},
					{"Purged", n},
				})
			})
		},
	}
	cmd.Flags().BoolVar(&confirmed, "yes", false, "confirm the purge")
	return cmd
}
