package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"

	"rescue-chat/access"
	"rescue-chat/audit"
	"rescue-chat/auth"
	"rescue-chat/httpapi"
	"rescue-chat/internal"
	"rescue-chat/moderation"
	"rescue-chat/ratelimit"
	"rescue-chat/readstatus"
	"rescue-chat/repositories"
	"rescue-chat/runtime"
	"rescue-chat/runtime/workers"
	"rescue-chat/services"
	"rescue-chat/ws"
)

// Exit codes to provide meaningful status to the operating system or service manager (e.g., systemd).
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatd terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run initializes all components and manages the server lifecycle, so
// deferred cleanup always executes before the process exits.
func run() (int, error) {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	censorRune, err := config.CensorRune()
	if err != nil {
		return exitConfig, err
	}
	if err := os.MkdirAll(config.UploadDirectory, 0o755); err != nil {
		return exitConfig, fmt.Errorf("creating upload directory: %w", err)
	}

	logger := logs.GetLoggerFromString(config.LogLevel)
	ctx := context.Background()

	// 2. Database (BadgerDB)
	db, err := badger.Open(buildBadgerOpts(config, logger, ctx))
	if err != nil {
		return exitRuntime, fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		logger.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	// 3. Core components
	auditLog := audit.NewLogger(logger)
	repo := repositories.NewChatRepository(db, logger)
	identity := auth.NewClaimsDirectory()
	authorizer := access.NewAuthorizer(repo, identity, auditLog, logger)
	tracker := readstatus.NewTracker(repo, auditLog, logger)
	moderator, err := moderation.NewModerator(config.BlocklistWords(), censorRune)
	if err != nil {
		return exitConfig, fmt.Errorf("building moderator: %w", err)
	}
	tokens := auth.NewTokenManager(config.JWTSecret, config.JWTIssuer, config.JWTDuration)

	apiLimiter := ratelimit.NewAPILimiter()
	messageLimiter := ratelimit.NewMessageLimiter()
	uploadLimiter := ratelimit.NewUploadLimiter()
	socketLimiter := ratelimit.NewSocketEventLimiter()
	typingLimiter := ratelimit.NewTypingLimiter()

	registry := runtime.NewRegistry()
	hub := runtime.NewHub(registry, authorizer, socketLimiter, typingLimiter, auditLog, logger)

	if logger.Enabled(ctx, slog.LevelDebug) {
		debugPort := config.Port + 1
		logger.Info("Debug store inspector available",
			"url", fmt.Sprintf("http://localhost:%d/inspect", debugPort))
		internal.StartDebugServer(db, debugPort, "/inspect", internal.DefaultMapper, func() map[string]any {
			lsm, vlog := db.Size()
			return map[string]any{
				"connections": registry.ConnectionCount(),
				"lsm_bytes":   lsm,
				"vlog_bytes":  vlog,
			}
		})
	}
	service := services.NewChatService(repo, identity, authorizer, tracker, hub, &moderator, auditLog, logger)

	// 4. Supervision
	// The hub drain loop, limiter sweeps and health sampling all run
	// under the supervisor so a panic restarts them instead of killing
	// the process.
	sup := workers.NewSupervisor(logger)
	sup.Add(
		hub,
		ratelimit.NewSweepWorker(logger, config.SweepInterval, config.SweepInterval,
			apiLimiter, messageLimiter, uploadLimiter, socketLimiter, typingLimiter),
		workers.NewHealthMonitoringWorker(logger, registry, config.HealthInterval),
	)

	// 5. Context & Signals
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sup.Run(ctx)

	// 6. HTTP server
	router := httpapi.NewRouter(httpapi.RouterConfig{
		Handler:     httpapi.NewHandler(service, logger),
		Tokens:      tokens,
		Socket:      ws.NewServer(hub, service, tokens, messageLimiter, logger),
		API:         apiLimiter,
		Messages:    messageLimiter,
		Uploads:     uploadLimiter,
		UploadDir:   config.UploadDirectory,
		Connections: registry,
	})

	address := fmt.Sprintf("%s:%d", config.Host, config.Port)
	server := &http.Server{
		Addr:              address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "address", address, "at", time.Now().UTC())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// 7. Wait for Stop or Error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errChan:
		return exitRuntime, err
	}

	// 8. Graceful Shutdown
	logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown incomplete", "error", err)
	}
	sup.Stop()
	logger.Info("Program stopped cleanly")

	return exitOK, nil
}

func buildBadgerOpts(config Config, logger *slog.Logger, ctx context.Context) badger.Options {
	options := badger.DefaultOptions(config.BadgerFilepath)
	if logger.Enabled(ctx, slog.LevelDebug) {
		options = options.WithLoggingLevel(badger.DEBUG)
	} else {
		options = options.WithLoggingLevel(badger.WARNING)
	}
	return options
}
