package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/wailbentafat/employee-relay/broker"
	"github.com/wailbentafat/employee-relay/logging"
	"github.com/wailbentafat/employee-relay/subscriber"
	"github.com/wailbentafat/employee-relay/websocket"
)

var log = logging.For("server")

// Server represents the HTTP server
type Server struct {
	httpServer      *http.Server
	shutdownTimeout time.Duration
}

// NewServer creates a new HTTP server
func NewServer(addr string, handler http.Handler, shutdownTimeout time.Duration) *Server {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 15 * time.Second
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		shutdownTimeout: shutdownTimeout,
	}
}

// Start serves until Shutdown; it returns nil after a clean shutdown.
func (s *Server) Start() error {
	log.Infof("Relay listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server and cleans up resources
func (s *Server) Shutdown(hub *websocket.Hub, sub *subscriber.Subscriber, mb broker.MessageBroker) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer shutdownCancel()

	// Step 1: Stop accepting new connections
	log.Info("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("HTTP server shutdown error: %v", err)
	}

	// Step 2: Release the channel subscription so no new broadcasts start
	log.Info("Stopping channel subscriber...")
	sub.Stop()
	stats := sub.Stats()
	log.Infof("Subscriber handled %d messages (%d forwarded, %d discarded, %d reconnects)",
		stats.Received, stats.Forwarded, stats.Discarded, stats.Reconnects)

	// Step 3: Close all active WebSocket connections
	log.Info("Closing WebSocket connections...")
	hub.CloseAll("Server shutting down")

	// Step 4: Wait for connection pumps to finish
	done := make(chan struct{})
	go func() {
		hub.WaitForCompletion()
		close(done)
	}()

	select {
	case <-done:
		log.Info("All connections closed")
	case <-shutdownCtx.Done():
		log.Warn("Shutdown timeout exceeded, forcing exit")
	}

	// Step 5: Close message broker
	log.Info("Closing message broker...")
	if err := mb.Close(); err != nil {
		log.Warnf("Broker closure error: %v", err)
	}

	log.Info("Shutdown complete")
}
