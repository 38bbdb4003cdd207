// Command imap-proxy runs the IMAP intercepting proxy: one accept loop
// per configured service, each driving the conversation package over
// every accepted client connection.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/ctolnik/imap-proxy/internal/capfilter"
	"github.com/ctolnik/imap-proxy/internal/config"
	"github.com/ctolnik/imap-proxy/internal/conversation"
	"github.com/ctolnik/imap-proxy/internal/logging"
	"github.com/ctolnik/imap-proxy/internal/transport"
)

const (
	maxConcurrentUpstreamHandshakes = 32
	maxCommandSize                  = 32 * 1024 * 1024
	maxResponseSize                 = 32 * 1024 * 1024
	literalAcceptText               = "proxy: Literal accepted by proxy"
	literalRejectText               = "proxy: Literal rejected by proxy"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to configuration file")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	logging.Configure(*logLevel)
	logger := logging.Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if len(cfg.Services) == 0 {
		logger.Error("no services configured")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	limiter := transport.NewHandshakeLimiter(maxConcurrentUpstreamHandshakes)
	policy := capfilter.DefaultPolicy()

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range cfg.Services {
		svc := svc
		ln, err := transport.Listen(svc.Bind)
		if err != nil {
			logger.Error("failed to start listener", "layer", logging.LayerTransport, "service", svc.Name, "error", err)
			os.Exit(1)
		}
		logger.Info("service started", "layer", logging.LayerTransport, "service", svc.Name, "bind", svc.Bind.String(), "connect", svc.Connect.String())

		g.Go(func() error {
			return acceptLoop(gctx, ln, svc, limiter, policy, logger)
		})
	}

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		logger.Error("service group exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// acceptLoop runs one service's accept loop: every accepted client
// connection is dialed upstream and handed to its own conversation,
// running concurrently until ctx is cancelled or the listener errors.
func acceptLoop(ctx context.Context, ln net.Listener, svc config.Service, limiter *transport.HandshakeLimiter, policy capfilter.Policy, logger *slog.Logger) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		client, err := transport.AcceptClient(ln, svc.Bind)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			logger.Warn("accept failed", "layer", logging.LayerTransport, "service", svc.Name, "error", err)
			continue
		}

		go handleConnection(ctx, client, svc, limiter, policy, logger)
	}
}

// handleConnection dials upstream and runs one conversation to
// completion, logging the outcome and releasing both connections
// afterward.
func handleConnection(ctx context.Context, client *transport.Stream, svc config.Service, limiter *transport.HandshakeLimiter, policy capfilter.Policy, logger *slog.Logger) {
	defer client.Close()

	clientAddr := client.RemoteAddr().String()
	connLogger := logging.ForConversation(svc.Name, clientAddr)

	server, err := limiter.ConnectToServer(ctx, svc.Connect)
	if err != nil {
		connLogger.Error("failed to connect upstream", "layer", logging.LayerTransport, "error", err)
		return
	}
	defer server.Close()

	connLogger.Info("conversation started", "layer", logging.LayerTransport)
	err = conversation.Run(ctx, client, server, conversation.Options{
		Policy:            policy,
		MaxCommandSize:    maxCommandSize,
		MaxResponseSize:   maxResponseSize,
		LiteralAcceptText: literalAcceptText,
		LiteralRejectText: literalRejectText,
		Logger:            connLogger,
	})
	if err != nil && ctx.Err() == nil {
		connLogger.Warn("conversation ended", "layer", logging.LayerTransport, "error", err)
		return
	}
	connLogger.Info("conversation ended", "layer", logging.LayerTransport)
}
