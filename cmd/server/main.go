package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/brandon/outlook-mcp/internal/adapter"
	"github.com/brandon/outlook-mcp/internal/config"
	"github.com/brandon/outlook-mcp/internal/server"
	"github.com/brandon/outlook-mcp/internal/transport"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")
	enableHTTP  = flag.Bool("http", false, "Serve JSON-RPC over HTTP in addition to stdio")
	noStdio     = flag.Bool("no-stdio", false, "Disable the stdio transport")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("outlook-mcp-server version %s\n", version)
		os.Exit(0)
	}

	// Stdout belongs to the line transport; logs go to stderr.
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Error("Invalid configuration")
		os.Exit(1)
	}
	if err := cfg.ValidateMail(); err != nil {
		logger.WithError(err).Error("Invalid mail account configuration")
		os.Exit(1)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.WithField("version", version).Info("Starting Outlook MCP server")

	factory := func(ctx context.Context) (adapter.MailAdapter, error) {
		return adapter.NewIMAPAdapter(ctx, &cfg.Mail, logger)
	}

	core := server.New(cfg, factory, logger)

	startCtx, cancelStart := context.WithTimeout(context.Background(), cfg.OutlookConnectionTimeout)
	err = core.Start(startCtx)
	cancelStart()
	if err != nil {
		logger.WithError(err).Error("Startup failed")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 2)
	doneChan := make(chan struct{}, 2)

	var httpTransport *transport.HTTP
	if *enableHTTP {
		httpTransport = transport.NewHTTP(core, cfg.ServerHost, cfg.ServerPort, logger)
		go func() {
			if err := httpTransport.Run(); err != nil {
				errChan <- err
			}
		}()
	}

	if !*noStdio {
		line := transport.NewLine(core, os.Stdin, os.Stdout, logger)
		go func() {
			if err := line.Run(ctx); err != nil {
				errChan <- err
				return
			}
			doneChan <- struct{}{}
		}()
	}

	exitCode := 0
	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Received shutdown signal")
	case <-doneChan:
		logger.Info("Transport closed")
	case err := <-errChan:
		logger.WithError(err).Error("Transport failed")
		exitCode = 2
	}

	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancelShutdown()

	if httpTransport != nil {
		if err := httpTransport.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Warn("HTTP transport stop failed")
		}
	}
	if err := core.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Shutdown incomplete")
	}

	logger.Info("Outlook MCP server stopped")
	os.Exit(exitCode)
}
