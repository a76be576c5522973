package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"imagegallery/devidp"
	"imagegallery/registry"
	"imagegallery/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("GALLERY_CONFIG"), "Path to YAML config")
	certFile := flag.String("tls-cert", "", "TLS certificate for the listener")
	keyFile := flag.String("tls-key", "", "TLS private key for the listener")
	flag.Parse()

	configFile := *configPath
	if configFile == "" && flag.NArg() > 0 {
		configFile = flag.Arg(0)
	}
	if configFile == "" {
		configFile = "config.yaml"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := server.LoadConfig(configFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler, closeFn, err := buildProvider(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init provider: %v", err)
	}
	defer closeFn()

	srv := &http.Server{
		Addr:         cfg.IDP.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	logger.Info("identity provider listening", "addr", cfg.IDP.ListenAddr, "issuer", cfg.IDP.Issuer)
	go func() {
		var err error
		if *certFile != "" {
			err = srv.ListenAndServeTLS(*certFile, *keyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// buildProvider wires the registry, store and signing keys into a routed
// provider. The returned func stops key rotation and closes the store.
func buildProvider(ctx context.Context, cfg server.Config, logger *slog.Logger) (http.Handler, func(), error) {
	reg, err := registry.New(cfg.Clients, cfg.APIScopes)
	if err != nil {
		return nil, nil, fmt.Errorf("clients: %w", err)
	}

	store, err := server.OpenStore(ctx, cfg.Storage)
	if err != nil {
		return nil, nil, err
	}

	keyPath := cfg.IDP.KeyPath
	if keyPath == "" && cfg.Server.SecretsPath != "" {
		keyPath = filepath.Join(cfg.Server.SecretsPath, "idp-jwks.json")
	}
	keys, err := devidp.NewKeyManager(keyPath, cfg.IDP.RotateInterval, logger)
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("signing keys: %w", err)
	}

	origins := cfg.IDP.CORSOrigins
	if len(origins) == 0 {
		origins = cfg.InferCORSOrigins()
	}
	provider, err := devidp.New(devidp.Config{
		Issuer:      cfg.IDP.Issuer,
		TTL:         cfg.IDP.TTL,
		Users:       cfg.Users,
		CORSOrigins: origins,
	}, reg, store, keys, logger)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	stopRotate := make(chan struct{})
	keys.StartRotation(stopRotate)

	r := chi.NewRouter()
	r.Use(server.RequestIDMiddleware)
	r.Use(server.LoggingMiddleware(logger))
	r.Use(server.RecoveryMiddleware(logger, cfg.Server.DevMode))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	provider.Routes(r)

	closeFn := func() {
		close(stopRotate)
		_ = store.Close()
	}
	return r, closeFn, nil
}
