package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wailbentafat/employee-relay/broker"
	"github.com/wailbentafat/employee-relay/logging"
	"github.com/wailbentafat/employee-relay/server"
	"github.com/wailbentafat/employee-relay/subscriber"
	"github.com/wailbentafat/employee-relay/websocket"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the notification relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log := logging.For("relay")
	log.Info("Starting employee notification relay...")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Without a broker there is nothing to relay, so refuse to start.
	messageBroker, err := broker.New(cfg.Broker)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}

	hub := websocket.NewHub(websocket.Options{
		SendTimeout:  cfg.Hub.SendTimeout,
		SendBuffer:   cfg.Hub.SendBuffer,
		MaxClients:   cfg.Hub.MaxClients,
		PingInterval: cfg.Hub.PingInterval,
		PongWait:     cfg.Hub.PongWait,
	})

	sub := subscriber.New(messageBroker, cfg.Broker.Channel, hub, subscriber.Options{
		InitialInterval: cfg.Reconnect.InitialInterval,
		MaxInterval:     cfg.Reconnect.MaxInterval,
		MaxElapsedTime:  cfg.Reconnect.MaxElapsedTime,
	})
	if err := sub.Start(ctx); err != nil {
		_ = messageBroker.Close()
		return err
	}

	router := server.NewRouter(server.RouterDeps{
		Hub:        hub,
		Handler:    websocket.NewHandler(hub, cfg.HTTP.AllowedOrigins),
		Subscriber: sub,
	})
	srv := server.NewServer(cfg.HTTP.Addr, router, cfg.HTTP.ShutdownTimeout)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case <-sub.Done():
		err = sub.Err()
		if err != nil {
			log.WithError(err).Error("Channel subscription lost for good")
		}
	case err = <-serveErr:
		if err != nil {
			log.WithError(err).Error("HTTP server failed")
		}
	}

	srv.Shutdown(hub, sub, messageBroker)
	return err
}
