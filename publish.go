package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/wailbentafat/employee-relay/broker"
	"github.com/wailbentafat/employee-relay/event"
	"github.com/wailbentafat/employee-relay/publisher"
)

// newPublishCmd plays the CRUD layer's part by publishing one change event.
func newPublishCmd(configPath *string) *cobra.Command {
	var (
		kind       string
		id         string
		name       string
		email      string
		department string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a single change event to the channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			k, err := event.ParseKind(kind)
			if err != nil {
				return err
			}

			mb, err := broker.New(cfg.Broker)
			if err != nil {
				return err
			}
			defer mb.Close()

			subject := event.Subject{"_id": id}
			for key, val := range map[string]string{"name": name, "email": email, "department": department} {
				if val != "" {
					subject[key] = val
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return publisher.New(mb, cfg.Broker.Channel).Publish(ctx, k, subject)
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "created", "created, updated or deleted")
	cmd.Flags().StringVar(&id, "id", "", "employee identifier")
	cmd.Flags().StringVar(&name, "name", "", "employee name")
	cmd.Flags().StringVar(&email, "email", "", "employee email")
	cmd.Flags().StringVar(&department, "department", "", "employee department")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}
