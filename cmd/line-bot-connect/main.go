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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tkhongsap/line-bot-connect/internal/cache"
	"github.com/tkhongsap/line-bot-connect/internal/config"
	"github.com/tkhongsap/line-bot-connect/internal/detector"
	"github.com/tkhongsap/line-bot-connect/internal/providers"
	"github.com/tkhongsap/line-bot-connect/internal/providers/openai"
	"github.com/tkhongsap/line-bot-connect/internal/providers/responses"
	"github.com/tkhongsap/line-bot-connect/internal/routing"
	"github.com/tkhongsap/line-bot-connect/internal/security"
	"github.com/tkhongsap/line-bot-connect/internal/server"
)

const version = "1.0.0"

// Application represents the main application
type Application struct {
	config *config.Config
	cache  *cache.TieredCache
	server *server.Server
	logger *logrus.Logger
}

// NewApplication wires the surface clients, capability cache, router and HTTP server
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	fp := cfg.Azure.Fingerprint()
	clients := providers.NewRegistry()
	clients.Register(fp,
		responses.NewClient(&responses.Config{
			APIKey:     cfg.Azure.APIKey,
			Endpoint:   cfg.Azure.Endpoint,
			Deployment: cfg.Azure.Deployment,
			APIVersion: cfg.Azure.ResponsesAPIVersion,
			Timeout:    cfg.Azure.RequestTimeout,
		}, logger),
		openai.NewChatCompletionsProvider(&openai.AzureConfig{
			APIKey:     cfg.Azure.APIKey,
			Endpoint:   cfg.Azure.Endpoint,
			Deployment: cfg.Azure.Deployment,
			APIVersion: cfg.Azure.APIVersion,
			Timeout:    cfg.Azure.RequestTimeout,
		}, logger),
	)
	logger.WithFields(logrus.Fields{
		"fingerprint": fp,
		"deployment":  cfg.Azure.Deployment,
	}).Info("Surface clients registered")

	store, err := openStore(cfg.Cache, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open capability store: %w", err)
	}
	capCache := cache.NewTieredCache(store, cache.Options{
		ReadTimeout:  cfg.Cache.ReadTimeout,
		WriteTimeout: cfg.Cache.WriteTimeout,
	}, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	det := detector.NewProbeDetector(clients, detector.Options{
		ProbeTimeout: cfg.Azure.ProbeTimeout,
		ProbeRate:    rate.Limit(cfg.Azure.ProbeRate),
		ProbeBurst:   cfg.Azure.ProbeBurst,
	}, logger)
	router := routing.NewRouter(capCache, det, routing.Options{Registerer: registry}, logger)

	srv, err := server.NewServer(cfg.ToServerConfig(), server.Dependencies{
		Router:      router,
		Executor:    routing.NewExecutor(router, clients, logger),
		Clients:     clients,
		Gatherer:    registry,
		Preferences: cfg.Routing.Preferences(),
		Fingerprint: fp,
	}, logger)
	if err != nil {
		capCache.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	return &Application{
		config: cfg,
		cache:  capCache,
		server: srv,
		logger: logger,
	}, nil
}

// openStore returns the durable store for the configured backend, or nil for memory-only
// operation. An unreachable Redis degrades to memory-only instead of failing startup.
func openStore(cfg config.CacheConfig, logger *logrus.Logger) (cache.Store, error) {
	switch cfg.Backend {
	case config.CacheBackendFile:
		return cache.NewFileStore(cfg.Path, logger)

	case config.CacheBackendRedis:
		rs := cache.NewRedisStore(cache.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := rs.Ping(ctx); err != nil {
			logger.WithError(err).WithField("addr", cfg.Redis.Addr).Warn("Redis unreachable, capability cache running in memory only")
			rs.Close()
			return nil, nil
		}
		return rs, nil

	default:
		return nil, nil
	}
}

// Run starts the application
func (app *Application) Run() error {
	app.logger.WithField("version", version).Info("Starting line-bot-connect relay")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		app.logger.WithField("address", ":"+app.config.Server.Port).Info("HTTP server starting")
		if err := app.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		app.cache.Close()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	app.logger.Info("Starting graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout)
	defer cancel()

	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
		app.cache.Close()
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if err := app.cache.Close(); err != nil {
		app.logger.WithError(err).Warn("Capability store close error")
	}

	app.logger.Info("Graceful shutdown completed")
	return nil
}

// setupLogger configures the logger based on configuration
func setupLogger(logger *logrus.Logger, config config.LoggingConfig) error {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}
	logger.SetLevel(level)

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", config.Format)
	}

	switch config.Output {
	case "stdout", "":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		// a file path, rotated
		if err := os.MkdirAll(filepath.Dir(config.Output), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		logger.SetOutput(&lumberjack.Logger{
			Filename:   config.Output,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   config.Compress,
		})
	}

	return nil
}

// issueToken prints an admin JWT signed with the configured secret
func issueToken(configPath, subject string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	auth := security.NewAuthenticator(&security.Config{
		JWTSecret: cfg.Security.JWTSecret,
		JWTExpiry: cfg.Security.JWTExpiry,
	}, logger)

	token, err := auth.GenerateJWT(subject, []string{"admin"})
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  AZURE_OPENAI_API_KEY                Azure OpenAI key\n")
	fmt.Fprintf(os.Stderr, "  AZURE_OPENAI_ENDPOINT               Resource endpoint, e.g. https://name.openai.azure.com\n")
	fmt.Fprintf(os.Stderr, "  AZURE_OPENAI_DEPLOYMENT             Deployment name\n")
	fmt.Fprintf(os.Stderr, "  AZURE_OPENAI_API_VERSION            Chat Completions API version\n")
	fmt.Fprintf(os.Stderr, "  AZURE_OPENAI_RESPONSES_API_VERSION  Responses API version\n")
	fmt.Fprintf(os.Stderr, "  LINEBOT_PORT                        Server port (default: 8080)\n")
	fmt.Fprintf(os.Stderr, "  LINEBOT_FORCE_LEGACY                Always use Chat Completions (true/false)\n")
	fmt.Fprintf(os.Stderr, "  LINEBOT_CACHE_BACKEND               file, redis or memory\n")
	fmt.Fprintf(os.Stderr, "  LINEBOT_LOG_LEVEL                   Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s --config configs/config.yaml\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s --issue-token ops-oncall\n", os.Args[0])
}

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		tokenFor    = flag.String("issue-token", "", "Print an admin JWT for the given subject and exit")
		showHelp    = flag.Bool("help", false, "Show help message")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *showVersion {
		fmt.Printf("line-bot-connect v%s\n", version)
		os.Exit(0)
	}

	if subject := strings.TrimSpace(*tokenFor); subject != "" {
		if err := issueToken(*configPath, subject); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to issue token: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
