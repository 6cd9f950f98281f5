package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/drblury/tenantbus/internal/runtime"
	"github.com/drblury/tenantbus/transport"
)

type healthResult struct {
	Broker       string                 `json:"broker"`
	State        string                 `json:"state"`
	Healthy      bool                   `json:"healthy"`
	Capabilities transport.Capabilities `json:"capabilities"`
}

func (a *app) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the broker",
		Long:  "Connect to the broker once and report the connection state and transport guarantees",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withService(cmd.Context(), func(_ context.Context, svc *runtime.Service) error {
				scheme, err := transport.Scheme(svc.Conf.URL())
				if err != nil {
					return err
				}
				caps := transport.GetCapabilities(scheme)
				return a.render(healthResult{
					Broker:       svc.Conf.RedactedURL(),
					State:        string(svc.ConnectionState()),
					Healthy:      svc.Healthy(),
					Capabilities: caps,
				}, []field{
					{"Broker", svc.Conf.RedactedURL()},
					{"State", svc.ConnectionState()},
					{"Transport", caps.Name},
					{"Durable", caps.Durable},
					{"Reliable delivery", caps.SupportsReliableDelivery()},
				})
			})
		},
	}
}

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective bus configuration",
		Long:  "Display the configuration commands run with, credentials masked",
		RunE: func(*cobra.Command, []string) error {
			cfg, err := a.busConfig()
			if err != nil {
				return err
			}
			rows := []field{
				{"Broker", cfg.RedactedURL()},
				{"Exchange", cfg.Exchange},
				{"Service", cfg.ServiceName},
				{"Dead lettering", cfg.DeadLetterEnabled},
				{"Timeout", a.timeout()},
			}
			if used := a.v.ConfigFileUsed(); used != "" {
				rows = append(rows, field{"Config file", used})
			}
			return a.render(map[string]any{
				"broker":     cfg.RedactedURL(),
				"exchange":   cfg.Exchange,
				"service":    cfg.ServiceName,
				"deadLetter": cfg.DeadLetterEnabled,
				"timeout":    a.timeout().String(),
				"configFile": a.v.ConfigFileUsed(),
			}, rows)
		},
	})
	return cmd
}
