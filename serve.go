package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-records/pkg/audit"
	"github.com/ekaya-inc/ekaya-records/pkg/auth"
	"github.com/ekaya-inc/ekaya-records/pkg/config"
	"github.com/ekaya-inc/ekaya-records/pkg/database"
	"github.com/ekaya-inc/ekaya-records/pkg/handlers"
	"github.com/ekaya-inc/ekaya-records/pkg/logging"
	"github.com/ekaya-inc/ekaya-records/pkg/middleware"
	"github.com/ekaya-inc/ekaya-records/pkg/repositories"
	"github.com/ekaya-inc/ekaya-records/pkg/retry"
	"github.com/ekaya-inc/ekaya-records/pkg/schema"
	"github.com/ekaya-inc/ekaya-records/pkg/services"
)

const shutdownTimeout = 15 * time.Second

var serveMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", true, "apply pending migrations before serving")
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("base_url", cfg.BaseURL),
		zap.Bool("auth_verification", cfg.Auth.EnableVerification),
		zap.String("schema_cache", cfg.SchemaCache.Backend),
		zap.Duration("schema_cache_ttl", cfg.SchemaCache.TTL))

	if serveMigrate {
		if err := migrate(cfg, logger); err != nil {
			return err
		}
	}

	logDatabaseTarget(logger, cfg)
	db, err := database.NewConnection(ctx, databaseConfig(cfg))
	if err != nil {
		return errors.New(logging.SanitizeError(err))
	}
	defer db.Close()

	checks := map[string]handlers.HealthCheck{"database": db.Ping}

	store, redisClient, err := schemaStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	jwksClient, err := auth.NewJWKSClient(&auth.JWKSConfig{
		EnableVerification: cfg.Auth.EnableVerification,
		JWKSEndpoints:      cfg.Auth.JWKSEndpoints,
		Audience:           cfg.Auth.Audience,
	})
	if err != nil {
		return fmt.Errorf("failed to create JWKS client: %w", err)
	}
	defer jwksClient.Close()
	if !cfg.Auth.EnableVerification {
		logger.Warn("JWT signature verification is disabled")
	}
	authMiddleware := auth.NewMiddleware(auth.NewAuthService(jwksClient, logger), logger)

	definitionRepo := repositories.NewEntityDefinitionRepository()
	instanceRepo := repositories.NewEntityInstanceRepository()
	relationRepo := repositories.NewEntityRelationRepository()
	fileRepo := repositories.NewFileAssociationRepository()

	schemaCache := schema.NewCache(definitionRepo, store, cfg.SchemaCache.TTL, logger)
	auditor := audit.NewSecurityAuditor(logger)

	relationService := services.NewRelationService(schemaCache, relationRepo, instanceRepo, logger)
	queryEngine := services.NewQueryEngine(schemaCache, instanceRepo, relationRepo, services.QueryLimits{
		MinLimit: cfg.Query.MinLimit,
		MaxLimit: cfg.Query.MaxLimit,
	}, auditor, logger)
	instanceService := services.NewInstanceService(
		schemaCache,
		queryEngine,
		instanceRepo,
		relationRepo,
		fileRepo,
		relationService,
		services.NewRelationResolver(relationRepo, instanceRepo, logger),
		services.NewFileResolver(fileRepo),
		services.NewTenantContextFunc(db),
		database.InTx,
		&retry.Config{
			MaxRetries:   cfg.Write.MaxRetries,
			InitialDelay: cfg.Write.InitialDelay,
			MaxDelay:     cfg.Write.MaxDelay,
			Multiplier:   2.0,
			JitterFactor: 0.1,
		},
		auditor,
		logger,
	)

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, checks, logger).RegisterRoutes(mux)
	handlers.NewInstanceHandler(instanceService, logger).
		RegisterRoutes(mux, authMiddleware, database.WithTenantContext(db, logger))

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.RequestLogger(logger.Named("http"))(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting ekaya-records",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// schemaStore selects the schema cache tier. The Redis client is returned
// so the caller can close it and probe it from /health.
func schemaStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (schema.Store, *redis.Client, error) {
	if cfg.SchemaCache.Backend != config.SchemaCacheRedis {
		return schema.NewMemoryStore(), nil, nil
	}

	client, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Using Redis schema cache",
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)),
		zap.String("key_prefix", cfg.SchemaCache.KeyPrefix))
	return schema.NewRedisStore(client, cfg.SchemaCache.KeyPrefix), client, nil
}
