package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tyemirov/rideauth/internal/authkit"
	"github.com/tyemirov/rideauth/internal/authkitpg"
	"github.com/tyemirov/rideauth/internal/authkitredis"
	"github.com/tyemirov/rideauth/internal/web"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
	return authkit.NewGoogleTokenValidator(ctx)
}

var buildIdentityRevoker = func(ctx context.Context, projectID string) (authkit.IdentityRevoker, error) {
	return authkit.NewIdentityPlatformRevoker(ctx, projectID)
}

var buildLogger = func() (*zap.Logger, error) {
	return zap.NewProduction()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "rideauth",
		Short:   "Auth service with identity verification, RS256 access tokens, and rotating refresh tokens",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("identity_client_id", "", "OAuth client id expected as the identity assertion audience")
	rootCmd.Flags().StringSlice("identity_issuers", authkit.DefaultGoogleIssuers, "Accepted identity assertion issuers")
	rootCmd.Flags().String("identity_platform_project", "", "Identity Platform project whose users are deleted with their accounts; empty disables identity revocation")
	rootCmd.Flags().String("jwt_private_key_file", "", "Path to the PEM encoded RSA private key used to sign access tokens")
	rootCmd.Flags().String("jwt_private_key", "", "PEM encoded RSA private key; takes precedence over jwt_private_key_file")
	rootCmd.Flags().String("jwt_issuer", "rideauth", "Issuer claim of minted access tokens")
	rootCmd.Flags().Duration("access_ttl", authkit.DefaultAccessTokenTTL, "Access token TTL")
	rootCmd.Flags().Duration("refresh_ttl", authkit.DefaultRefreshTokenTTL, "Refresh token TTL")
	rootCmd.Flags().Duration("clock_skew", 0, "Leeway applied when validating access token expiry")
	rootCmd.Flags().Duration("verifier_timeout", authkit.DefaultVerifierTimeout, "Upper bound for a single identity verification")
	rootCmd.Flags().Duration("store_timeout", authkit.DefaultStoreTimeout, "Upper bound for a single store call")
	rootCmd.Flags().String("database_url", "", "Database URL for accounts and refresh tokens (postgres:// or sqlite://; leave empty for in-memory stores)")
	rootCmd.Flags().String("database_driver", databaseDriverGORM, "Database access layer: gorm or pgx")
	rootCmd.Flags().String("redis_url", "", "Redis URL for refresh tokens; overrides the database refresh store when set")
	rootCmd.Flags().String("redis_key_prefix", authkitredis.DefaultKeyPrefix, "Key prefix for the Redis refresh store")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for browser clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().String("bootstrap_admin_name", "", "Display name that receives the ADMIN role on registration")
	rootCmd.Flags().String("bootstrap_admin_email", "", "Email that, together with bootstrap_admin_name, receives the ADMIN role")

	for _, flagName := range []string{
		"listen_addr", "identity_client_id", "identity_issuers", "identity_platform_project",
		"jwt_private_key_file", "jwt_private_key",
		"jwt_issuer", "access_ttl", "refresh_ttl", "clock_skew", "verifier_timeout", "store_timeout",
		"database_url", "database_driver", "redis_url", "redis_key_prefix", "enable_cors",
		"cors_allowed_origins", "bootstrap_admin_name", "bootstrap_admin_email",
	} {
		_ = viper.BindPFlag(flagName, rootCmd.Flags().Lookup(flagName))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	databaseDriverGORM = "gorm"
	databaseDriverPGX  = "pgx"

	configCodeMissingIdentityClientID = "config.missing_identity_client_id"
	configCodeMissingPrivateKey       = "config.missing_jwt_private_key"
	configCodeUnreadablePrivateKey    = "config.unreadable_jwt_private_key"
	configCodeInvalidPrivateKey       = "config.invalid_jwt_private_key"
	configCodeMissingIssuer           = "config.missing_jwt_issuer"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeInvalidClockSkew        = "config.invalid_clock_skew"
	configCodeInvalidDatabaseDriver   = "config.invalid_database_driver"
	configCodeMissingDatabaseURL      = "config.missing_database_url"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
	configCodeIdentityRevokerInit     = "config.identity_revoker_init"
	configCodeStorageInit             = "config.storage_init"
	configCodeCORS                    = "config.cors"
)

// ServerSettings combines the auth configuration with process level settings.
type ServerSettings struct {
	Auth                    authkit.ServerConfig
	IdentityPlatformProject string
	ListenAddr              string
	DatabaseURL             string
	DatabaseDriver          string
	RedisURL                string
	RedisKeyPrefix          string
	EnableCORS              bool
	CORSAllowedOrigins      []string
}

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverSettings, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverSettings))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates settings bound through viper.
func LoadServerConfig() (ServerSettings, error) {
	identityClientID := strings.TrimSpace(viper.GetString("identity_client_id"))
	if identityClientID == "" {
		return ServerSettings{}, configError(configCodeMissingIdentityClientID, "identity_client_id must be provided")
	}

	signingKey, keyErr := loadSigningKey()
	if keyErr != nil {
		return ServerSettings{}, keyErr
	}

	issuer := strings.TrimSpace(viper.GetString("jwt_issuer"))
	if issuer == "" {
		return ServerSettings{}, configError(configCodeMissingIssuer, "jwt_issuer must be provided")
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return ServerSettings{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return ServerSettings{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	clockSkew := viper.GetDuration("clock_skew")
	if clockSkew < 0 {
		return ServerSettings{}, configError(configCodeInvalidClockSkew, "clock_skew must not be negative")
	}

	verifierTimeout := authkit.DefaultVerifierTimeout
	if configured := viper.GetDuration("verifier_timeout"); configured > 0 {
		verifierTimeout = configured
	}
	storeTimeout := authkit.DefaultStoreTimeout
	if configured := viper.GetDuration("store_timeout"); configured > 0 {
		storeTimeout = configured
	}

	databaseURL := strings.TrimSpace(viper.GetString("database_url"))
	databaseDriver := strings.ToLower(strings.TrimSpace(viper.GetString("database_driver")))
	if databaseDriver == "" {
		databaseDriver = databaseDriverGORM
	}
	if databaseDriver != databaseDriverGORM && databaseDriver != databaseDriverPGX {
		return ServerSettings{}, configError(configCodeInvalidDatabaseDriver, "database_driver must be gorm or pgx")
	}
	if databaseDriver == databaseDriverPGX && databaseURL == "" {
		return ServerSettings{}, configError(configCodeMissingDatabaseURL, "database_url must be provided when database_driver is pgx")
	}

	issuers := viper.GetStringSlice("identity_issuers")
	if len(issuers) == 0 {
		issuers = authkit.DefaultGoogleIssuers
	}

	return ServerSettings{
		Auth: authkit.ServerConfig{
			IdentityClientID: identityClientID,
			IdentityIssuers:  issuers,
			AccessIssuer:     issuer,
			SigningKey:       signingKey,
			AccessTokenTTL:   accessTTL,
			RefreshTokenTTL:  refreshTTL,
			ClockSkew:        clockSkew,
			VerifierTimeout:  verifierTimeout,
			StoreTimeout:     storeTimeout,
			RoleBootstrap: authkit.RoleBootstrap{
				DisplayName: viper.GetString("bootstrap_admin_name"),
				Email:       viper.GetString("bootstrap_admin_email"),
			},
		},
		IdentityPlatformProject: strings.TrimSpace(viper.GetString("identity_platform_project")),
		ListenAddr:              viper.GetString("listen_addr"),
		DatabaseURL:             databaseURL,
		DatabaseDriver:          databaseDriver,
		RedisURL:                strings.TrimSpace(viper.GetString("redis_url")),
		RedisKeyPrefix:          viper.GetString("redis_key_prefix"),
		EnableCORS:              viper.GetBool("enable_cors"),
		CORSAllowedOrigins:      viper.GetStringSlice("cors_allowed_origins"),
	}, nil
}

func loadSigningKey() (*rsa.PrivateKey, error) {
	pemValue := viper.GetString("jwt_private_key")
	if strings.TrimSpace(pemValue) == "" {
		keyFile := strings.TrimSpace(viper.GetString("jwt_private_key_file"))
		if keyFile == "" {
			return nil, configError(configCodeMissingPrivateKey, "jwt_private_key or jwt_private_key_file must be provided")
		}
		contents, readErr := os.ReadFile(keyFile)
		if readErr != nil {
			return nil, configError(configCodeUnreadablePrivateKey, readErr.Error())
		}
		pemValue = string(contents)
	}
	signingKey, parseErr := jwt.ParseRSAPrivateKeyFromPEM([]byte(pemValue))
	if parseErr != nil {
		return nil, configError(configCodeInvalidPrivateKey, "jwt private key must be a PEM encoded RSA key")
	}
	return signingKey, nil
}

type storageBundle struct {
	accounts      authkit.AccountStore
	refreshTokens authkit.RefreshTokenStore
	closers       []io.Closer
}

func (bundle *storageBundle) Close() {
	for index := len(bundle.closers) - 1; index >= 0; index-- {
		_ = bundle.closers[index].Close()
	}
}

type closerFunc func() error

func (fn closerFunc) Close() error {
	return fn()
}

func openStorage(ctx context.Context, settings ServerSettings, logger *zap.Logger) (*storageBundle, error) {
	bundle := &storageBundle{}
	switch {
	case settings.DatabaseURL == "":
		bundle.accounts = authkit.NewMemoryAccountStore()
		bundle.refreshTokens = authkit.NewMemoryRefreshTokenStore()
		logger.Info("using in-memory stores", zap.String("code", "storage.memory"))
	case settings.DatabaseDriver == databaseDriverPGX:
		if err := authkitpg.Migrate(ctx, settings.DatabaseURL); err != nil {
			return nil, err
		}
		pool, err := authkitpg.BuildPool(ctx, settings.DatabaseURL)
		if err != nil {
			return nil, err
		}
		bundle.closers = append(bundle.closers, closerFunc(func() error {
			pool.Close()
			return nil
		}))
		bundle.accounts = authkitpg.NewPostgresAccountStore(pool)
		bundle.refreshTokens = authkitpg.NewPostgresRefreshTokenStore(pool)
		logger.Info("using pgx stores", zap.String("code", "storage.pgx"))
	default:
		database, err := authkit.OpenDatabase(ctx, settings.DatabaseURL)
		if err != nil {
			return nil, err
		}
		bundle.closers = append(bundle.closers, database)
		bundle.accounts = database.Accounts()
		bundle.refreshTokens = database.RefreshTokens()
		logger.Info("using gorm stores",
			zap.String("code", "storage.gorm"),
			zap.String("driver", database.Driver()))
	}

	if settings.RedisURL != "" {
		client, err := authkitredis.NewClient(ctx, settings.RedisURL)
		if err != nil {
			bundle.Close()
			return nil, err
		}
		bundle.closers = append(bundle.closers, client)
		redisStore, err := authkitredis.NewRefreshTokenStore(authkitredis.Config{
			Client:    client,
			KeyPrefix: settings.RedisKeyPrefix,
		})
		if err != nil {
			bundle.Close()
			return nil, err
		}
		bundle.refreshTokens = redisStore
		logger.Info("using redis refresh token store", zap.String("code", "storage.redis"))
	}
	return bundle, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	settings, ok := contextValue.(ServerSettings)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	logger, loggerErr := buildLogger()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	validator, validatorErr := buildGoogleTokenValidator(commandContext)
	if validatorErr != nil {
		return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
	}
	verifier, verifierErr := authkit.NewGoogleIdentityVerifier(validator, settings.Auth.IdentityClientID, settings.Auth.IdentityIssuers)
	if verifierErr != nil {
		return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, verifierErr)
	}

	var revoker authkit.IdentityRevoker
	if settings.IdentityPlatformProject != "" {
		builtRevoker, revokerErr := buildIdentityRevoker(commandContext, settings.IdentityPlatformProject)
		if revokerErr != nil {
			return fmt.Errorf("%s: %w", configCodeIdentityRevokerInit, revokerErr)
		}
		revoker = builtRevoker
	} else {
		logger.Warn("identity revocation disabled; deleted accounts keep their external identity",
			zap.String("code", "config.identity_revocation_disabled"))
	}

	storage, storageErr := openStorage(commandContext, settings, logger)
	if storageErr != nil {
		return fmt.Errorf("%s: %w", configCodeStorageInit, storageErr)
	}
	defer storage.Close()

	registry := prometheus.NewRegistry()
	metricsRecorder, metricsErr := authkit.NewPrometheusMetrics(registry)
	if metricsErr != nil {
		return metricsErr
	}

	clock := authkit.NewSystemClock()
	accessTokens, issuerErr := authkit.NewAccessTokenIssuer(settings.Auth.SigningKey, settings.Auth.AccessIssuer, settings.Auth.AccessTokenTTL, settings.Auth.ClockSkew, clock)
	if issuerErr != nil {
		return issuerErr
	}
	refreshTokens, refreshErr := authkit.NewRefreshTokenService(authkit.RefreshTokenServiceConfig{
		Store:        storage.refreshTokens,
		Accounts:     storage.accounts,
		TTL:          settings.Auth.RefreshTokenTTL,
		StoreTimeout: settings.Auth.StoreTimeout,
		Clock:        clock,
		Logger:       logger,
		Metrics:      metricsRecorder,
	})
	if refreshErr != nil {
		return refreshErr
	}
	authService, authErr := authkit.NewAuthService(authkit.AuthServiceConfig{
		Verifier:        verifier,
		Accounts:        storage.accounts,
		AccessTokens:    accessTokens,
		RefreshTokens:   refreshTokens,
		RoleBootstrap:   settings.Auth.RoleBootstrap,
		VerifierTimeout: settings.Auth.VerifierTimeout,
		StoreTimeout:    settings.Auth.StoreTimeout,
		Clock:           clock,
		Logger:          logger,
		Metrics:         metricsRecorder,
	})
	if authErr != nil {
		return authErr
	}
	accountService, accountErr := authkit.NewAccountService(authkit.AccountServiceConfig{
		Accounts:     storage.accounts,
		Auth:         authService,
		Revoker:      revoker,
		StoreTimeout: settings.Auth.StoreTimeout,
		Logger:       logger,
	})
	if accountErr != nil {
		return accountErr
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if settings.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, settings.CORSAllowedOrigins)
		if corsErr != nil {
			return fmt.Errorf("%s: %w", configCodeCORS, corsErr)
		}
		router.Use(corsMiddleware)
	}

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	authkit.MountAuthRoutes(router, authService, logger)
	web.MountUserRoutes(router, accountService, accessTokens, logger)

	server := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error",
				zap.String("code", "server.shutdown_failed"),
				zap.Error(err))
		}
	}()

	logger.Info("listening",
		zap.String("code", "server.listening"),
		zap.String("addr", settings.ListenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("code", "http.request"),
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
