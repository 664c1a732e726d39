package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"pixpick/api/internal/app"
	"pixpick/api/internal/blobstore"
	"pixpick/api/internal/boardsync"
	"pixpick/api/internal/cache"
	"pixpick/api/internal/config"
	"pixpick/api/internal/directory"
	"pixpick/api/internal/docdb"
	"pixpick/api/internal/identity"
	"pixpick/api/internal/ingest"
	"pixpick/api/internal/logging"
	"pixpick/api/internal/notify"
	"pixpick/api/internal/profiles"
	"pixpick/api/internal/search"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if envErr != nil {
		logger.Debug().Err(envErr).Msg("no .env file loaded")
	}
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("pixpick api stopped")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	ctx := context.Background()

	var fbApp *firebase.App
	if cfg.DocDB == "firestore" || cfg.IdentityProvider == "firebase" || cfg.BlobProvider == "gcs" {
		var err error
		fbApp, err = newFirebaseApp(ctx, cfg)
		if err != nil {
			return err
		}
	}

	db, err := openDocDB(ctx, cfg, fbApp, logging.Component(logger, "docdb"))
	if err != nil {
		return err
	}
	defer db.Close()

	blobs, err := openBlobs(ctx, cfg, fbApp)
	if err != nil {
		return err
	}
	logger.Info().Str("provider", blobs.Provider()).Msg("blob storage ready")

	var (
		sessionStore identity.SessionStore = identity.NewMemoryStore(nil)
		kv           cache.Cache           = cache.NewMemory()
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisSessions, err := identity.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis sessions: %w", err)
		}
		defer redisSessions.Close()
		sessionStore = redisSessions

		redisCache, err := cache.NewRedis(cfg.RedisURL, "pixpick:")
		if err != nil {
			return fmt.Errorf("redis cache: %w", err)
		}
		defer redisCache.Close()
		kv = redisCache
		logger.Info().Msg("using redis for sessions and profile cache")
	}

	var (
		provider identity.Provider
		local    *identity.LocalProvider
	)
	switch cfg.IdentityProvider {
	case "firebase":
		authClient, err := fbApp.Auth(ctx)
		if err != nil {
			return fmt.Errorf("firebase auth: %w", err)
		}
		provider = identity.NewFirebaseProvider(authClient)
	case "local", "":
		local = identity.NewLocalProvider(db, cfg.JWTSecret)
		provider = local
	default:
		return fmt.Errorf("unknown identity provider %q", cfg.IdentityProvider)
	}

	var engine search.Engine
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logging.Component(logger, "search"))
		defer meili.Close()
		engine = meili
	}
	searcher := search.NewService(engine, logging.Component(logger, "search"))

	fanout := notify.New(db, cfg.PublicURL, logging.Component(logger, "notify"))
	service := app.NewService(app.Deps{
		DB:        db,
		Sessions:  identity.NewManager(provider, sessionStore, db, cfg.SessionTTL, logging.Component(logger, "identity")),
		Local:     local,
		Directory: directory.New(db, blobs, searcher, logging.Component(logger, "directory")),
		Mutations: boardsync.NewMutations(db, blobs, fanout, logging.Component(logger, "boardsync")),
		Ingester: ingest.New(db, blobs, fanout,
			ingest.NewHTTPProber(nil, cfg.ProbeTimeout), cfg.InlineLimit, logging.Component(logger, "ingest")),
		Profiles: profiles.New(db, kv, cfg.ProfileTTL, logging.Component(logger, "profiles")),
		Fanout:   fanout,
		Logger:   logging.Component(logger, "app"),
	})

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigins, logging.Component(logger, "http"))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("docdb", cfg.DocDB).Str("identity", provider.Name()).Msg("pixpick api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("shutdown error")
	}
	fanout.Wait()
	return nil
}

func openDocDB(ctx context.Context, cfg config.Config, fbApp *firebase.App, logger zerolog.Logger) (docdb.Store, error) {
	switch cfg.DocDB {
	case "memory", "":
		logger.Warn().Msg("using in-memory document store, data is lost on restart")
		return docdb.NewMemory(nil), nil
	case "firestore":
		client, err := fbApp.Firestore(ctx)
		if err != nil {
			return nil, fmt.Errorf("firestore: %w", err)
		}
		return docdb.NewFirestore(client), nil
	case "postgres":
		sqlDB, err := docdb.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := docdb.ApplyMigrations(ctx, sqlDB, cfg.MigrationsDir); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
		return docdb.NewPostgres(sqlDB, cfg.DatabaseURL, logger), nil
	default:
		return nil, fmt.Errorf("unknown document store %q", cfg.DocDB)
	}
}

func openBlobs(ctx context.Context, cfg config.Config, fbApp *firebase.App) (blobstore.Store, error) {
	switch cfg.BlobProvider {
	case "minio":
		store, err := blobstore.NewMinIO(ctx, blobstore.MinIOConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			URLTTL:    cfg.SignedURLTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("minio: %w", err)
		}
		return store, nil
	case "gcs":
		client, err := fbApp.Storage(ctx)
		if err != nil {
			return nil, fmt.Errorf("firebase storage: %w", err)
		}
		bucket, err := client.Bucket(cfg.FirebaseStorageBucket)
		if err != nil {
			return nil, fmt.Errorf("storage bucket: %w", err)
		}
		return blobstore.NewGCS(bucket, cfg.SignedURLTTL), nil
	case "":
		return blobstore.Disabled{}, nil
	default:
		return nil, fmt.Errorf("unknown blob provider %q", cfg.BlobProvider)
	}
}

// newFirebaseApp builds the admin app. Credentials may come from the
// environment with the private key's newlines escaped.
func newFirebaseApp(ctx context.Context, cfg config.Config) (*firebase.App, error) {
	fbConfig := &firebase.Config{
		ProjectID:     cfg.FirebaseProjectID,
		StorageBucket: cfg.FirebaseStorageBucket,
	}
	var opts []option.ClientOption
	if raw := strings.TrimSpace(cfg.FirebaseCredentialsJSON); raw != "" {
		creds, err := normalizeCredentials([]byte(raw))
		if err != nil {
			return nil, err
		}
		opts = append(opts, option.WithCredentialsJSON(creds))
	}
	fbApp, err := firebase.NewApp(ctx, fbConfig, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	return fbApp, nil
}

func normalizeCredentials(raw []byte) ([]byte, error) {
	var creds map[string]any
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("firebase credentials: %w", err)
	}
	if key, ok := creds["private_key"].(string); ok {
		creds["private_key"] = strings.ReplaceAll(key, `\n`, "\n")
	}
	return json.Marshal(creds)
}
