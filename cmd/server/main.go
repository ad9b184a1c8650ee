package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/swapdesk/chatserver/internal/api"
	"github.com/swapdesk/chatserver/internal/app"
	"github.com/swapdesk/chatserver/internal/app/maintenance"
	"github.com/swapdesk/chatserver/internal/auth"
	"github.com/swapdesk/chatserver/internal/chat"
	"github.com/swapdesk/chatserver/internal/database"
	"github.com/swapdesk/chatserver/internal/registry"
	"github.com/swapdesk/chatserver/internal/ws"
	"github.com/swapdesk/chatserver/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chatserver", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")

	db, err := database.Open(cfg.Database.ToDatabaseConfig())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer closeDatabase(db, log)

	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	queue, err := chat.NewOfflineQueueService(db)
	if err != nil {
		return fmt.Errorf("initialise offline queue: %w", err)
	}
	statuses, err := chat.NewDeliveryStatusService(db)
	if err != nil {
		return fmt.Errorf("initialise status store: %w", err)
	}
	responseTimes, err := chat.NewResponseTimeService(db)
	if err != nil {
		return fmt.Errorf("initialise response times: %w", err)
	}

	// Public keys are provisioned by the marketplace's user service; the
	// database-backed directory reads the projection it maintains here.
	keys, err := auth.NewDBKeyDirectory(db)
	if err != nil {
		return fmt.Errorf("initialise key directory: %w", err)
	}

	reg := registry.New()
	wsRouter, err := ws.NewRouter(reg, queue, statuses, keys,
		ws.WithReplayWindow(cfg.Auth.ReplayWindow),
		ws.WithResponseTimes(responseTimes),
	)
	if err != nil {
		return fmt.Errorf("initialise websocket router: %w", err)
	}

	files, err := chat.NewFileService(db, wsRouter)
	if err != nil {
		return fmt.Errorf("initialise file service: %w", err)
	}

	cleaner := maintenance.NewCleaner(queue, statuses, files, responseTimes,
		maintenance.WithSchedule(cfg.Retention.Schedule),
		maintenance.WithOfflineRetentionDays(cfg.Retention.OfflineDays),
		maintenance.WithStatusRetentionDays(cfg.Retention.StatusDays),
		maintenance.WithResponseTimeRetentionDays(cfg.Retention.ResponseTimeDays),
		maintenance.WithFileDownloadGrace(cfg.Retention.FileDownloadGrace),
	)
	if err := cleaner.Start(); err != nil {
		return fmt.Errorf("start maintenance jobs: %w", err)
	}
	defer func() {
		stopCtx := cleaner.Stop()
		if err := cleaner.RunOnce(stopCtx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
		}
	}()

	router, err := api.NewRouter(db, cfg, wsRouter, files, statuses, keys)
	if err != nil {
		return fmt.Errorf("build api router: %w", err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	reg.CloseAll()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	if err, ok := <-serverErr; ok && err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("server stopped gracefully")
	return nil
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("database handle unavailable during shutdown", zap.Error(err))
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Warn("database close failed", zap.Error(err))
	}
}
