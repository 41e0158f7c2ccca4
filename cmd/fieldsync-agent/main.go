package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/vendalink/fieldsync/internal/approval"
	"github.com/vendalink/fieldsync/internal/audit"
	"github.com/vendalink/fieldsync/internal/auth"
	"github.com/vendalink/fieldsync/internal/config"
	"github.com/vendalink/fieldsync/internal/connectivity"
	"github.com/vendalink/fieldsync/internal/database"
	"github.com/vendalink/fieldsync/internal/engine"
	"github.com/vendalink/fieldsync/internal/logging"
	"github.com/vendalink/fieldsync/internal/notify"
	"github.com/vendalink/fieldsync/internal/queue"
	"github.com/vendalink/fieldsync/internal/remote"
	"github.com/vendalink/fieldsync/internal/server"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "fieldsync-agent",
		Short: "Field-sales offline mutation sync agent",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Device-local HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("remote-base-url", defaults.GetString("remote.base_url"), "Remote system base URL")
	cmd.PersistentFlags().String("device-id", defaults.GetString("device.id"), "Device identifier")
	cmd.PersistentFlags().String("sync-schedule", defaults.GetString("sync.schedule"), "Cron schedule for periodic drains")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Device signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "device.id", "device-id")
	bindFlag(cmd, "sync.schedule", "sync-schedule")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "device.signing_secret", "signing-secret")
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

func runAgent(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	logger = logging.ForDevice(logger, appConfig.DeviceID)

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := queue.NewStore(queue.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: queue.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	if _, err := store.RecoverInFlight(ctx); err != nil {
		return err
	}

	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.DeviceSecret),
		DeviceID:      appConfig.DeviceID,
		Issuer:        "fieldsync-agent",
		Audience:      "fieldsync-remote",
		TokenTTL:      appConfig.DeviceTokenTTL,
	})
	if err != nil {
		return err
	}

	client, err := remote.NewClient(remote.ClientConfig{
		BaseURL: appConfig.RemoteBaseURL,
		Tokens:  tokens,
		Timeout: appConfig.RequestTimeout,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	sig := connectivity.NewSignal(appConfig.AssumeOnlineStart, logger)
	prober := connectivity.NewProber(sig, client.Probe, appConfig.ProbeInterval, logger)

	notifier := notify.NewBuffered(appConfig.NotifyBuffer, logger)
	auditSink := audit.NewRemoteSink(client, appConfig.DeviceID, time.Now, logger)

	approvals, err := approval.NewCoordinator(approval.CoordinatorConfig{
		Store:        store,
		Registry:     client,
		Connectivity: sig,
		Notifier:     notifier,
		DeviceID:     appConfig.DeviceID,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	orchestrator, err := engine.NewOrchestrator(engine.OrchestratorConfig{
		Store:            store,
		Client:           client,
		Approvals:        approvals,
		Signal:           sig,
		Audit:            auditSink,
		Notifier:         notifier,
		Logger:           logger,
		Clock:            time.Now,
		RetryMinInterval: appConfig.RetryMinInterval,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:     orchestrator,
		Approvals:  approvals,
		Store:      store,
		Notifier:   notifier,
		AgentToken: appConfig.AgentToken,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	orchestrator.Start()
	defer orchestrator.Stop()
	prober.Start()
	defer prober.Stop()

	scheduler := engine.NewScheduler(orchestrator, appConfig.DrainSchedule, logger)
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Stop()

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agent listening", zap.String("address", appConfig.HTTPAddress))
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
