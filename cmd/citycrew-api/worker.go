package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/config"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/notify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var errWorkerNeedsRedis = errors.New("redis.url is required for the push worker")

func runWorker(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if appConfig.RedisURL == "" {
		return errWorkerNeedsRedis
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
	defer sqlDB.Close()

	tokens, err := notify.NewTokenStore(notify.TokenStoreConfig{Database: db, IDProvider: ids.NewUUIDProvider()})
	if err != nil {
		return err
	}
	worker, err := notify.NewWorker(notify.WorkerConfig{
		Tokens:  tokens,
		ExpoURL: appConfig.ExpoPushURL,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	server, mux, err := notify.NewServer(appConfig.RedisURL, appConfig.WorkerConcurrency, worker, logger)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("push worker starting", zap.Int("concurrency", appConfig.WorkerConcurrency))
	if err := server.Start(mux); err != nil {
		return err
	}
	<-signalCtx.Done()
	server.Shutdown()
	return nil
}
