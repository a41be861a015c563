package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/rs/zerolog"

	"github.com/hideki0403/ofuton-go/internal/cli"
	"github.com/hideki0403/ofuton-go/internal/config"
	"github.com/hideki0403/ofuton-go/internal/database"
	"github.com/hideki0403/ofuton-go/internal/logging"
	"github.com/hideki0403/ofuton-go/pkg/blobstore"
	"github.com/hideki0403/ofuton-go/pkg/metadata"
	"github.com/hideki0403/ofuton-go/pkg/s3api"
	"github.com/hideki0403/ofuton-go/pkg/signature"
	"github.com/hideki0403/ofuton-go/pkg/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Debug.LogLevel)

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Sentry.DSN}); err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize sentry")
		}
		defer sentry.Flush(2 * time.Second)
	}

	db, err := database.Open(&cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	metadataStore := metadata.New(db, driverFor(&cfg.Database))

	blobs, err := blobstore.New(cfg.Bucket.Path)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create bucket directory")
	}

	ttl := time.Duration(cfg.Bucket.RequestExpirationSeconds) * time.Second
	store := storage.New(metadataStore, blobs, ttl, logger)

	verifier := signature.New(cfg.Account.AccessKey, cfg.Account.SecretKey)

	root := cli.NewRootCommand(
		func() error { return serve(cfg, store, verifier, logger) },
		cli.Dependencies{Metadata: metadataStore, Blobs: blobs, Logger: logger},
	)

	if err := root.Execute(); err != nil {
		logger.Fatal().Err(err).Msg("command failed")
	}
}

// driverFor maps the config's database provider onto the
// database/sql driver name metadata.Store needs for dialect-specific
// placeholder syntax and error inspection.
func driverFor(cfg *config.Database) string {
	if cfg.Provider == "postgres" {
		return "postgres"
	}
	return "sqlite"
}

func serve(cfg *config.Config, store *storage.Storage, verifier *signature.Verifier, logger zerolog.Logger) error {
	var handler http.Handler = s3api.NewRouter(store, verifier, cfg.Bucket.MaxUploadSizeMB, logger)

	if cfg.Sentry.DSN != "" {
		handler = sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle(handler)
	}

	server := &http.Server{
		Addr:    cfg.Address(),
		Handler: handler,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("address", cfg.Address()).Msg("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed to bind: %w", err)
	case <-shutdown:
	}

	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
