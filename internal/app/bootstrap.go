// Package app wires configuration, stores and services into one HTTP handler
// shared by the long-running server and the serverless entrypoint.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"authgate/internal/archive"
	"authgate/internal/config"
	"authgate/internal/db"
	"authgate/internal/device"
	"authgate/internal/domain"
	"authgate/internal/handler"
	"authgate/internal/identity"
	"authgate/internal/jwtauth"
	"authgate/internal/login"
	"authgate/internal/maintenance"
	"authgate/internal/notify"
	"authgate/internal/observability"
	"authgate/internal/permtoken"
	"authgate/internal/revocation"
	"authgate/internal/store/memory"
	"authgate/internal/store/postgres"
	"authgate/internal/tokencodec"
)

const startupTimeout = 15 * time.Second

type Options struct {
	LoadDotEnv bool
	// RunMigrations forces migrations on top of RUN_MIGRATIONS_ON_STARTUP.
	RunMigrations bool
}

type Runtime struct {
	Config  *config.Config
	Logger  *observability.Logger
	Handler http.Handler
	Close   func() error
}

type stores struct {
	users  domain.UserStore
	tokens domain.TokenStore
	otps   domain.OTPStore
}

func Build(options Options) (*Runtime, error) {
	loadOptions := config.Options{}
	if options.LoadDotEnv {
		loadOptions.DotEnvFiles = []string{".env"}
	}
	cfg, err := config.Load(loadOptions)
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger(observability.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	if err := observability.InitSentry(cfg.SentryDSN, cfg.Env); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		observability.FlushSentry()
		return errors.Join(errs...)
	}
	fail := func(err error) (*Runtime, error) {
		_ = closeAll()
		return nil, err
	}

	checks := map[string]handler.HealthCheck{}

	var data stores
	if cfg.DatabaseURL != "" {
		pool, err := db.OpenPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return fail(fmt.Errorf("open database: %w", err))
		}
		closers = append(closers, func() error { pool.Close(); return nil })
		checks["postgres"] = pool.Ping

		if options.RunMigrations || cfg.RunMigrations {
			if err := db.RunMigrations(ctx, pool); err != nil {
				return fail(fmt.Errorf("run migrations: %w", err))
			}
		}

		store := postgres.New(pool)
		data = stores{users: store, tokens: store, otps: store}
	} else {
		logger.Warn("memory_store_enabled", map[string]any{"env": cfg.Env})
		store := memory.New()
		data = stores{users: store, tokens: store, otps: store}
	}

	var bindingStore device.Store
	var deletions login.DeletionArchive
	if cfg.MongoURL != "" {
		client, database, err := device.OpenMongo(ctx, cfg.MongoURL, cfg.MongoDatabase)
		if err != nil {
			return fail(fmt.Errorf("open mongo: %w", err))
		}
		closers = append(closers, func() error { return client.Disconnect(context.Background()) })
		checks["mongo"] = func(ctx context.Context) error { return client.Ping(ctx, nil) }

		mongoStore := device.NewMongoStore(database)
		if err := mongoStore.EnsureIndexes(ctx); err != nil {
			return fail(fmt.Errorf("ensure binding indexes: %w", err))
		}
		bindingStore = mongoStore
		deletions = archive.NewMongoStore(database)
	} else {
		bindingStore = device.NewMemoryStore()
		deletions = archive.NewMemoryStore()
	}

	var revocations jwtauth.RevocationStore
	if cfg.RedisURL != "" {
		client, err := revocation.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fail(fmt.Errorf("open redis: %w", err))
		}
		closers = append(closers, client.Close)
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		revocations = revocation.NewRedisStore(client)
	} else {
		revocations = revocation.NewMemoryStore()
	}

	var notifier login.Notifier = notify.NewLogNotifier(logger)
	if cfg.SMTPAddr != "" {
		notifier = notify.NewSMTPNotifier(notify.SMTPConfig{
			Addr:     cfg.SMTPAddr,
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		})
	}

	sessions := jwtauth.NewService(data.users, revocations, cfg.JWTSecret, cfg.JWTIssuer).
		WithTTLs(cfg.AccessTokenTTL, cfg.RefreshTokenTTL).
		WithStoreTimeout(cfg.StoreTimeout)

	logins := login.NewService(data.users, data.otps, sessions, notifier, logger).
		WithSecurityConfig(cfg.LoginMaxAttempts, cfg.LoginLockDuration, cfg.BcryptCost, cfg.StoreTimeout).
		WithOTPConfig(cfg.OTPLength, cfg.OTPTTL, cfg.Development()).
		WithDeletionArchive(deletions)

	if err := logins.BootstrapAdmin(ctx, login.RegisterInput{
		Username: cfg.AdminUsername,
		Email:    cfg.AdminEmail,
		Password: cfg.AdminPassword,
	}); err != nil {
		return fail(fmt.Errorf("bootstrap admin: %w", err))
	}

	codec := tokencodec.New(cfg.TokenSalt1Bytes, cfg.TokenSalt2Bytes, cfg.TokenSecretBytes)
	permanentTokens := permtoken.NewService(data.tokens, data.users, codec, logger).
		WithSecurityConfig(cfg.PermanentTokenTTL, cfg.BcryptCost, cfg.StoreTimeout)
	closers = append(closers, func() error { permanentTokens.Wait(); return nil })

	devices, err := device.NewService(bindingStore, logins, logger)
	if err != nil {
		return fail(err)
	}
	devices.WithCacheTTL(cfg.BindingCacheTTL).WithStoreTimeout(cfg.StoreTimeout)
	closers = append(closers, func() error { devices.Close(); return nil })

	extractor := device.NewExtractor(cfg.IPHeader, cfg.MACHeader)
	chain := identity.NewChain(sessions.Authenticator(), permanentTokens.Authenticator())
	gate := device.NewGate(chain, devices, extractor, logger)

	sweeper := maintenance.NewSweeper(data.users, data.tokens, data.otps, devices, maintenance.Retention{
		TokenUsage:   cfg.TokenUsageRetention,
		Bindings:     cfg.BindingRetention,
		InactiveUser: cfg.InactiveUserLifetime,
	})
	cleanupHandler := maintenance.NewCleanupHandler(sweeper, logger, cfg.CronSecret)

	api := handler.NewHandler(logins, sessions, permanentTokens, devices, extractor, logger)
	router := api.Routes(handler.RouteOptions{
		Gate:         gate,
		LoginLimiter: handler.NewLoginLimiter(cfg.LoginRateLimitPerSecond, cfg.IPHeader, logger),
		Cleanup:      cleanupHandler.Handle,
		HealthChecks: checks,
	})

	return &Runtime{
		Config:  cfg,
		Logger:  logger,
		Handler: observability.Wrap(logger, router),
		Close:   closeAll,
	}, nil
}
