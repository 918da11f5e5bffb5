package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	memochat "github.com/OmChillure/memochat"
	"github.com/OmChillure/memochat/internal/handlers"
	"github.com/OmChillure/memochat/internal/services"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func main() {
	var (
		cfgFilePath = flag.String("config", "", "path to the config file (default $XDG_CONFIG_HOME/memochat/config.yaml)")
		issueToken  = flag.String("issue-token", "", "print a bearer token for the given user id and exit")
	)
	flag.Parse()

	// Secrets may live in a .env file next to the binary's working directory.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("Failed to load .env: %v", err)
	}

	cfg, err := loadConfig(*cfgFilePath)
	if err != nil {
		log.Fatal(err)
	}

	level, err := cfg.logLevel()
	if err != nil {
		log.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	auth, err := services.NewJWT(cfg.JWTSecret, 0)
	if err != nil {
		log.Fatal(err)
	}
	if *issueToken != "" {
		token, err := auth.GenerateToken(*issueToken)
		if err != nil {
			log.Fatal(fmt.Errorf("error issuing token: %w", err))
		}
		fmt.Println(token)
		return
	}

	provider, err := cfg.LLM.provider(logger)
	if err != nil {
		log.Fatal(fmt.Errorf("error creating llm provider: %w", err))
	}
	llm := cfg.LLM.base()

	metrics := handlers.NewMetrics()
	chain := services.NewChain(provider, llm.FallbackModels, logger).WithFallbackHook(metrics.Fallback)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating database directory: %w", err))
	}
	boltDB, err := services.NewBoltDB(cfg.DBPath)
	if err != nil {
		log.Fatal(err)
	}
	defer boltDB.Close()

	files := services.NewFileProcessor(cfg.Upload.MaxBytes, logger,
		services.WithLocalFiles(cfg.PublicURL+handlers.FilesPath, boltDB))

	m, err := handlers.NewMain(chain, boltDB, boltDB, auth, files, metrics, handlers.Config{
		DefaultModel:       llm.Model,
		MaxContextMessages: cfg.Context.MaxMessages,
		MaxUploadBytes:     cfg.Upload.MaxBytes,
		PublicURL:          cfg.PublicURL,
	}, logger)
	if err != nil {
		log.Fatal(err)
	}

	limiter := services.NewLimiterPool(cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	// Serve static files
	staticFS, err := fs.Sub(memochat.StaticFS, "static")
	if err != nil {
		log.Fatal(err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.Handle("/api/chat", m.RateLimit(limiter, http.HandlerFunc(m.HandleChat)))
	mux.Handle("/api/regenerate", m.RateLimit(limiter, http.HandlerFunc(m.HandleRegenerate)))
	mux.HandleFunc("/api/conversations", m.HandleConversations)
	mux.HandleFunc("/api/messages", m.HandleMessages)
	mux.HandleFunc("/api/memory", m.HandleMemory)
	mux.Handle("/api/upload", m.RateLimit(limiter, http.HandlerFunc(m.HandleUpload)))
	mux.HandleFunc("/api/events", m.HandleEvents)
	mux.HandleFunc(handlers.FilesPath, m.HandleFiles)
	mux.HandleFunc("/healthz", m.HandleHealth)
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("error", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting",
			slog.String("addr", srv.Addr),
			slog.String("model", llm.Model),
			slog.String("provider", llm.Provider))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String("error", err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("error", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("error", err.Error()))
			}
		}
	}
}

func loadConfig(path string) (config, error) {
	if path == "" {
		cfgDir, err := os.UserConfigDir()
		if err != nil {
			return config{}, fmt.Errorf("error getting user config dir: %w", err)
		}
		path = filepath.Join(cfgDir, "memochat", "config.yaml")
	}

	cfgFile, err := os.Open(path)
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer cfgFile.Close()

	cfg := config{}
	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	cfg.applyDefaults(filepath.Dir(path))

	if err := cfg.validate(); err != nil {
		return config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
