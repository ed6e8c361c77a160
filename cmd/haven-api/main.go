package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/havenworks/haven/internal/config"
	"github.com/havenworks/haven/internal/database"
	"github.com/havenworks/haven/internal/logging"
	"github.com/havenworks/haven/internal/notify"
	"github.com/havenworks/haven/internal/posts"
	"github.com/havenworks/haven/internal/rooms"
	"github.com/havenworks/haven/internal/server"
	"github.com/havenworks/haven/internal/sweeper"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "haven-api",
		Short: "Haven community room and content lifecycle service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("min-founders", defaults.GetInt("rooms.min_founders"), "Minimum founding roster size")
	cmd.PersistentFlags().Int("activation-threshold", defaults.GetInt("rooms.activation_threshold"), "Roster size that activates a room")
	cmd.PersistentFlags().Int("sweep-interval-minutes", defaults.GetInt("sweep.interval_minutes"), "Minutes between expiration sweeps")
	cmd.PersistentFlags().Int("sweep-batch-size", defaults.GetInt("sweep.batch_size"), "Posts per sweep batch")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "rooms.min_founders", "min-founders")
	bindFlag(cmd, "rooms.activation_threshold", "activation-threshold")
	bindFlag(cmd, "sweep.interval_minutes", "sweep-interval-minutes")
	bindFlag(cmd, "sweep.batch_size", "sweep-batch-size")
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	dispatcher := notify.NewDispatcher()

	registry, err := rooms.NewRegistry(rooms.RegistryConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: rooms.NewUUIDProvider(),
		Logger:     logger,
		Sink:       dispatcher,
		Policy: rooms.Policy{
			MinFounders:         appConfig.MinFounders,
			ActivationThreshold: appConfig.ActivationThreshold,
			ActivityWindow:      appConfig.ActivityWindow,
			MinDistinctPosters:  appConfig.MinDistinctPosters,
		},
	})
	if err != nil {
		return err
	}

	postStore, err := posts.NewStore(posts.StoreConfig{
		Database:            db,
		Clock:               time.Now,
		IDProvider:          rooms.NewUUIDProvider(),
		Logger:              logger,
		DefaultLifetimeDays: appConfig.DefaultPostLifetimeDays,
	})
	if err != nil {
		return err
	}

	expirySweeper, err := sweeper.New(sweeper.Config{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
		Sink:     dispatcher,
		Policy: sweeper.Policy{
			BatchSize:      appConfig.SweepBatchSize,
			ReplyWindow:    appConfig.ReplyWindow,
			ReplyThreshold: appConfig.ReplyThreshold,
			Extension:      appConfig.Extension,
			RunBudget:      appConfig.SweepRunBudget,
		},
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Registry: registry,
		Posts:    postStore,
		Sweeper:  expirySweeper,
		Events:   dispatcher,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := sweeper.NewRunner(expirySweeper, appConfig.SweepInterval, logger)
	go runner.Run(signalCtx)

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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
