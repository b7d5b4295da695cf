package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/logbook/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/logbook/backend/internal/changelogs"
	"github.com/MarcoPoloResearchLab/logbook/backend/internal/config"
	"github.com/MarcoPoloResearchLab/logbook/backend/internal/database"
	"github.com/MarcoPoloResearchLab/logbook/backend/internal/githubapp"
	"github.com/MarcoPoloResearchLab/logbook/backend/internal/keepachangelog"
	"github.com/MarcoPoloResearchLab/logbook/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/logbook/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/logbook/backend/internal/observability"
	"github.com/MarcoPoloResearchLab/logbook/backend/internal/server"
	"github.com/MarcoPoloResearchLab/logbook/backend/internal/webhooks"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "logbook-api",
		Short: "Logbook changelog sync service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrations()
		},
	})

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres connection string")
	cmd.PersistentFlags().Int64("github-app-id", 0, "GitHub App identifier")
	cmd.PersistentFlags().String("github-api-url", defaults.GetString("github.api_url"), "GitHub REST API base URL")
	cmd.PersistentFlags().String("changelog-path", defaults.GetString("github.changelog_path"), "Tracked changelog file path")
	cmd.PersistentFlags().String("dashboard-url", defaults.GetString("app.dashboard_url"), "Redirect target after installation")
	cmd.PersistentFlags().String("redis-address", "", "Redis address for release fan-out")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "github.app_id", "github-app-id")
	bindFlag(cmd, "github.api_url", "github-api-url")
	bindFlag(cmd, "github.changelog_path", "changelog-path")
	bindFlag(cmd, "app.dashboard_url", "dashboard-url")
	bindFlag(cmd, "redis.address", "redis-address")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runMigrations() error {
	appConfig, err := config.LoadDatabase(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(signalCtx, observability.TracingConfig{
		Enabled:     appConfig.OtelEnabled,
		Endpoint:    appConfig.OtelEndpoint,
		SampleRatio: appConfig.OtelSampleRatio,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	db, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	localBus := notify.NewLocalBus()
	var publisher changelogs.Publisher = localBus
	if appConfig.RedisAddress != "" {
		redisBus, err := notify.NewRedisBus(signalCtx, notify.RedisBusConfig{
			Address: appConfig.RedisAddress,
			Channel: appConfig.RedisChannel,
			Local:   localBus,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		defer redisBus.Close()
		go func() {
			if err := redisBus.Run(signalCtx); err != nil {
				logger.Error("release forwarder stopped", zap.Error(err))
			}
		}()
		publisher = redisBus
	}

	githubClient, err := githubapp.NewClient(githubapp.ClientConfig{
		AppID:         appConfig.GitHubAppID,
		PrivateKeyPEM: []byte(appConfig.GitHubPrivateKey),
		BaseURL:       appConfig.GitHubAPIURL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	changelogService, err := changelogs.NewService(changelogs.ServiceConfig{
		Database:      db,
		Provider:      githubClient,
		Parser:        keepachangelog.NewParser(),
		Publisher:     publisher,
		ChangelogPath: appConfig.ChangelogPath,
		Clock:         time.Now,
		IDProvider:    changelogs.NewUUIDProvider(),
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	verifier := webhooks.NewVerifier(appConfig.WebhookSecret)
	if !verifier.Configured() {
		logger.Warn("webhook secret is not configured; deliveries will be rejected")
	}
	watchWebhookSecret(verifier, logger)

	dispatcher, err := webhooks.NewDispatcher(webhooks.DispatcherConfig{
		Verifier:      verifier,
		Engine:        changelogService,
		ChangelogPath: appConfig.ChangelogPath,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Webhooks:      dispatcher,
		Installations: changelogService,
		Reactions:     changelogService,
		Sessions:      sessions,
		Releases:      localBus,
		DashboardURL:  appConfig.DashboardURL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func openDatabase(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, error) {
	return database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
}

// watchWebhookSecret pushes a rotated webhook secret into the verifier when
// the config file changes.
func watchWebhookSecret(verifier *webhooks.Verifier, logger *zap.Logger) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(event fsnotify.Event) {
		verifier.SetSecret(config.WebhookSecretFrom(viper.GetViper()))
		logger.Info("configuration reloaded",
			zap.String("file", event.Name),
			zap.Bool("webhook_secret_configured", verifier.Configured()))
	})
	viper.WatchConfig()
}
