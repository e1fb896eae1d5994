package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/Tyrowin/chatrelay/internal/telemetry"
)

const serviceName = "chatrelay"

func main() {
	logCfg, err := logging.LoadConfigFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(logCfg)

	cfg, err := server.NewConfigFromEnv()
	if err != nil {
		logger.Error("server config", "error", err)
		os.Exit(1)
	}

	authCfg, err := auth.LoadConfigFromEnv()
	if err != nil {
		logger.Error("auth config", "error", err)
		os.Exit(1)
	}

	telemetryCfg, err := telemetry.LoadConfigFromEnv()
	if err != nil {
		logger.Error("telemetry config", "error", err)
		os.Exit(1)
	}

	shutdownTelemetry, err := telemetry.Setup(context.Background(), telemetryCfg, serviceName)
	if err != nil {
		logger.Error("telemetry setup", "error", err)
		os.Exit(1)
	}

	relay := server.New(cfg, auth.NewVerifier(authCfg, logger), logger)
	httpServer := server.CreateServer(cfg.Port, relay.Handler())

	go func() {
		if err := server.StartServer(httpServer, logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("chat relay started",
		"addr", cfg.Port,
		"path", server.ChatPath,
		"origins", cfg.AllowedOrigins,
	)

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			serviceName: func(ctx context.Context) error {
				logger.Info("graceful shutdown initiated")
				return errors.Join(
					server.ShutdownServer(ctx, httpServer, cfg.ShutdownTimeout, logger),
					relay.Shutdown(cfg.ShutdownTimeout),
					shutdownTelemetry(ctx),
				)
			},
		},
	)

	exitCode := <-wait
	logger.Info("chat relay exited", "code", exitCode)
	os.Exit(exitCode)
}
