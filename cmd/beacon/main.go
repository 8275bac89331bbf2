package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/beacon/internal/config"
	"github.com/btouchard/beacon/internal/gateway"
	beaconmcp "github.com/btouchard/beacon/internal/mcp"
	"github.com/btouchard/beacon/internal/mcp/middleware"
	"github.com/btouchard/beacon/internal/notify"
	"github.com/btouchard/beacon/internal/realtime"
	"github.com/btouchard/beacon/internal/session"
	"github.com/btouchard/beacon/internal/store"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "version":
		fmt.Printf("beacon %s\n", version)
	case "check":
		cmdCheck(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: beacon <command> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  serve     Start the Beacon server\n")
	fmt.Fprintf(os.Stderr, "  check     Validate configuration\n")
	fmt.Fprintf(os.Stderr, "  version   Print version\n")
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg)

	slog.Info("starting beacon",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func cmdCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	_, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("configuration is valid")
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch cfg.Server.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handlers := []slog.Handler{
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
	}

	if cfg.Server.LogFile != "" {
		f, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			slog.Warn("failed to open log file, using stdout only", "path", cfg.Server.LogFile, "error", err)
		} else {
			handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		}
	}

	logger := slog.New(slog.NewMultiHandler(handlers...))
	slog.SetDefault(logger)
}

func run(ctx context.Context, cfg *config.Config) error {
	// --- Store ---
	db, err := store.Open(store.Options{
		Driver:   cfg.Database.Driver,
		Path:     config.ExpandHome(cfg.Database.Path),
		Addr:     cfg.Database.Redis.Addr,
		Password: cfg.Database.Redis.Password,
		DB:       cfg.Database.Redis.DB,
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = db.Close() }()

	slog.Info("store opened", "driver", cfg.Database.Driver)

	// --- Rooms, bus, broadcaster ---
	taskRooms := realtime.NewTaskRooms()
	userRooms := realtime.NewUserRooms()
	bus := realtime.NewBus(taskRooms, userRooms)

	// --- Session lifecycle ---
	sessionOpts := session.Options{
		MaxPerUser:    cfg.Sessions.MaxPerUser,
		DefaultExpiry: cfg.Sessions.Expiry,
	}
	manager := session.NewManager(sessionOpts)
	service := session.NewService(db, sessionOpts)

	// In-memory sessions and persisted records expire on the same cadence.
	sweeper := session.NewSweeper(cfg.Sessions.SweepInterval, func(ctx context.Context) (int, error) {
		count := manager.SweepExpired()
		persisted, err := service.SweepExpired(ctx)
		return count + persisted, err
	})
	go sweeper.Run(ctx)

	if cfg.Database.RetentionDays > 0 {
		retention := time.Duration(cfg.Database.RetentionDays) * 24 * time.Hour
		cleaner := session.NewSweeper(time.Hour, func(ctx context.Context) (int, error) {
			return 0, service.Cleanup(ctx, retention)
		})
		go cleaner.Run(ctx)
	}

	// --- WebSocket gateway ---
	ws := gateway.NewHandler(cfg.Gateway, manager, service, taskRooms, userRooms, bus)

	// --- HTTP Router ---
	r := chi.NewRouter()
	r.Use(middleware.SecurityHeaders)

	r.Group(func(r chi.Router) {
		r.Use(middleware.IPRateLimit(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst))
		r.Get("/ws", ws.ServeHTTP)
	})

	if cfg.MCP.Enabled {
		mcpServer := beaconmcp.NewServer(&beaconmcp.Deps{
			Manager: manager,
			Service: service,
			Tasks:   taskRooms,
			Users:   userRooms,
			Bus:     bus,
			Version: version,
		})

		forwarder := notify.NewMCPForwarder(mcpServer, 3*time.Second)
		forwarder.Attach(bus)

		mcpHTTP := server.NewStreamableHTTPServer(mcpServer)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(cfg.RateLimit))
			r.Handle("/mcp", mcpHTTP)
		})
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// --- HTTP Server ---
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("beacon is ready", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
