package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/drblury/tenantbus/internal/runtime"
	"github.com/drblury/tenantbus/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantbus/internal/runtime/errors"
	"github.com/drblury/tenantbus/internal/runtime/jsoncodec"
)

type publishResult struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	TenantID      string `json:"tenantId"`
	CorrelationID string `json:"correlationId,omitempty"`
	Exchange      string `json:"exchange"`
}

func (a *app) publishCmd() *cobra.Command {
	var (
		tenantID      string
		data          string
		dataFile      string
		correlationID string
		allowUnknown  bool
	)
	cmd := &cobra.Command{
		Use:   "publish [event-type]",
		Short: "Publish one event",
		Long: `Publish one event to the exchange, routed by its type. Payloads of
known event types are validated before they are sent.`,
		Example: `  busctl publish order.confirmed --tenant acme --data '{"orderId":"o-1"}'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenantID == "" {
				return errors.New("tenant ID is required (use --tenant flag)")
			}
			payload, err := readPayload(data, dataFile)
			if err != nil {
				return err
			}
			eventType := envelope.EventType(args[0])

			return a.withService(cmd.Context(), func(ctx context.Context, svc *runtime.Service) error {
				env, err := envelope.New(eventType, tenantID, payload,
					envelope.WithSource(svc.Conf.ServiceName),
					envelope.WithCorrelationID(correlationID),
				)
				if err != nil {
					return err
				}
				if svc.Registry().Known(eventType) {
					if _, err := svc.Registry().Decode(env); err != nil {
						return err
					}
				} else if !allowUnknown {
					return fmt.Errorf("%w: %s (use --allow-unknown to send it anyway)", errspkg.ErrUnknownEventType, eventType)
				}
				if err := svc.Publish(ctx, env); err != nil {
					return err
				}
				return a.render(publishResult{
					ID:            env.ID,
					Type:          env.Type.String(),
					TenantID:      env.TenantID,
					CorrelationID: env.CorrelationID,
					Exchange:      svc.Conf.Exchange,
				}, []field{
					{"Published", env.ID},
					{"Type", env.Type},
					{"Tenant", env.TenantID},
					{"Exchange", svc.Conf.Exchange},
				})
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&tenantID, "tenant", "", "tenant the event belongs to")
	flags.StringVar(&data, "data", "", "JSON payload")
	flags.StringVar(&dataFile, "data-file", "", "read the JSON payload from a file")
	flags.StringVar(&correlationID, "correlation-id", "", "correlation id of the causal chain")
	flags.BoolVar(&allowUnknown, "allow-unknown", false, "publish event types the registry does not know")
	cmd.MarkFlagsMutuallyExclusive("data", "data-file")
	return cmd
}

func readPayload(data, file string) (json.RawMessage, error) {
	raw := []byte(data)
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		raw = b
	}
	if len(raw) == 0 {
		return nil, nil
	}
	if !jsoncodec.Valid(raw) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}
