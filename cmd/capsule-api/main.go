package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/timecapsule/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/timecapsule/backend/internal/capsules"
	"github.com/MarcoPoloResearchLab/timecapsule/backend/internal/config"
	"github.com/MarcoPoloResearchLab/timecapsule/backend/internal/database"
	"github.com/MarcoPoloResearchLab/timecapsule/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/timecapsule/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/timecapsule/backend/internal/server"
	"github.com/MarcoPoloResearchLab/timecapsule/backend/internal/storage"
	"github.com/MarcoPoloResearchLab/timecapsule/backend/internal/users"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "capsule-api",
		Short: "Time capsule backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Unlock every due capsule once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.Context())
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
	cmd.PersistentFlags().String("public-url", defaults.GetString("app.public_url"), "Public base URL used in email links")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Postgres DSN")
	cmd.PersistentFlags().String("storage-backend", defaults.GetString("storage.backend"), "Attachment storage backend (filesystem, s3)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "TAuth session signing secret (overrides env)")
	cmd.PersistentFlags().Duration("sweep-interval", defaults.GetDuration("sweep.interval"), "In-process sweep interval, 0 disables it")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "app.public_url", "public-url")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "storage.backend", "storage-backend")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "tauth.signing_secret", "signing-secret")
	bindFlag(cmd, "sweep.interval", "sweep-interval")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

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

// application holds the wired services shared by the serve and sweep commands.
type application struct {
	config   config.AppConfig
	logger   *zap.Logger
	db       *gorm.DB
	blobs    capsules.BlobStore
	capsules *capsules.Service
	sweeper  *capsules.Sweeper
	realtime *server.RealtimeDispatcher
}

func newApplication(ctx context.Context) (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(database.Config{
		Driver: appConfig.Database.Driver,
		Path:   appConfig.Database.Path,
		DSN:    appConfig.Database.DSN,
	}, logger)
	if err != nil {
		return nil, err
	}

	blobs, err := newBlobStore(ctx, appConfig, logger)
	if err != nil {
		return nil, err
	}

	mailer, err := newMailer(appConfig, logger)
	if err != nil {
		return nil, err
	}

	links := capsules.Links{BaseURL: appConfig.PublicURL}
	store := capsules.NewStore(db)
	capsuleService, err := capsules.NewService(capsules.ServiceConfig{
		Store:      store,
		Blobs:      blobs,
		Mailer:     mailer,
		Clock:      time.Now,
		IDProvider: capsules.NewUUIDProvider(),
		Links:      links,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	realtime := server.NewRealtimeDispatcher()
	sweeper, err := capsules.NewSweeper(capsules.SweeperConfig{
		Store:      store,
		Mailer:     mailer,
		Clock:      time.Now,
		Links:      links,
		BatchSize:  appConfig.Sweep.BatchSize,
		Logger:     logger,
		OnUnlocked: realtime.PublishCapsuleUnlocked,
	})
	if err != nil {
		return nil, err
	}

	return &application{
		config:   appConfig,
		logger:   logger,
		db:       db,
		blobs:    blobs,
		capsules: capsuleService,
		sweeper:  sweeper,
		realtime: realtime,
	}, nil
}

func (a *application) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.logger.Sync()
}

func newBlobStore(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (capsules.BlobStore, error) {
	if appConfig.Storage.Backend == config.StorageBackendS3 {
		s3Config := appConfig.Storage.S3
		store, err := storage.NewS3Store(ctx, storage.S3Config{
			Bucket:          s3Config.Bucket,
			Region:          s3Config.Region,
			Endpoint:        s3Config.Endpoint,
			AccessKeyID:     s3Config.AccessKeyID,
			SecretAccessKey: s3Config.SecretAccessKey,
			UsePathStyle:    s3Config.UsePathStyle,
			PublicBaseURL:   s3Config.PublicBaseURL,
			Logger:          logger,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	store, err := storage.NewFilesystemStore(storage.FilesystemConfig{
		Root:          appConfig.Storage.FilesystemRoot,
		PublicBaseURL: appConfig.FilesystemPublicURL(),
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}

func newMailer(appConfig config.AppConfig, logger *zap.Logger) (*notify.Service, error) {
	var transport notify.Transport = notify.LogTransport{Logger: logger}
	if appConfig.SMTP.Host != "" {
		smtpTransport, err := notify.NewSMTPTransport(notify.SMTPConfig{
			Host:     appConfig.SMTP.Host,
			Port:     appConfig.SMTP.Port,
			Username: appConfig.SMTP.Username,
			Password: appConfig.SMTP.Password,
			Timeout:  appConfig.SMTP.Timeout,
		})
		if err != nil {
			return nil, err
		}
		transport = smtpTransport
	} else {
		logger.Warn("smtp.host not set, emails will only be logged")
	}
	return notify.NewService(notify.ServiceConfig{
		Transport: transport,
		From:      appConfig.SMTP.From,
		Logger:    logger,
	})
}

func runServer(ctx context.Context) error {
	app, err := newApplication(ctx)
	if err != nil {
		return err
	}
	defer app.close()
	appConfig := app.config
	logger := app.logger

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		CookieName:    appConfig.TAuthCookieName,
		Issuer:        appConfig.TAuthIssuer,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: app.db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	dependencies := server.Dependencies{
		SessionValidator: sessionValidator,
		Users:            userService,
		Capsules:         app.capsules,
		Sweeper:          app.sweeper,
		SweepToken:       appConfig.Sweep.Token,
		Realtime:         app.realtime,
		Clock:            time.Now,
		Logger:           logger,
	}
	if filesystem, ok := app.blobs.(*storage.FilesystemStore); ok {
		dependencies.FilesDir = filesystem.Root()
		dependencies.FilesPath = appConfig.Storage.FilesystemURLPath
	}
	handler, err := server.NewHTTPHandler(dependencies)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if appConfig.Sweep.Interval > 0 {
		group.Go(func() error {
			logger.Info("scheduled sweep enabled", zap.Duration("interval", appConfig.Sweep.Interval))
			app.sweeper.RunEvery(groupCtx, appConfig.Sweep.Interval)
			return nil
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownTimeout)
		defer cancel()
		logger.Info("server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func runSweep(ctx context.Context) error {
	app, err := newApplication(ctx)
	if err != nil {
		return err
	}
	defer app.close()

	result, err := app.sweeper.Run(ctx)
	if err != nil {
		return err
	}
	app.logger.Info("sweep command finished",
		zap.Int("due", result.Due),
		zap.Int("unlocked", result.Unlocked),
		zap.Int("notified", result.Notified),
		zap.Int("failed", result.Failed))
	return nil
}
