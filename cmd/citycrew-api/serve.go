package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/activities"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/config"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/crew"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/database"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/media"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/realtime/propagator"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/server"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/users"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

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

	db, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recorder := metrics.NewRecorder()
	store := cache.NewStore(cache.Config{Metrics: recorder})
	feed := realtime.NewFeed(realtime.FeedConfig{Metrics: recorder})
	idProvider := ids.NewUUIDProvider()

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	var notifier notify.Notifier = notify.NopNotifier{}
	if appConfig.RedisURL != "" {
		queueNotifier, queueClient, err := notify.NewQueueNotifier(appConfig.RedisURL, logger, recorder)
		if err != nil {
			return err
		}
		defer queueClient.Close()
		notifier = queueNotifier
	}

	profiles, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	crewService, err := crew.NewService(crew.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Logger:     logger,
		Profiles:   profiles,
		Cache:      store,
		Notifier:   notifier,
		Metrics:    recorder,
	})
	if err != nil {
		return err
	}
	activityService, err := activities.NewService(activities.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Logger:     logger,
		Cache:      store,
	})
	if err != nil {
		return err
	}
	chatService, err := chat.NewService(chat.ServiceConfig{
		Database:     db,
		IDProvider:   idProvider,
		Logger:       logger,
		Profiles:     profiles,
		Activities:   activityService,
		CrewRequests: crewService,
		Cache:        store,
		Feed:         feed,
		Notifier:     notifier,
		Metrics:      recorder,
	})
	if err != nil {
		return err
	}
	activityService.UseConversationLeaver(chatService)

	typingStore, closeTypingStore, err := openTypingStore(signalCtx, appConfig, db)
	if err != nil {
		return err
	}
	defer closeTypingStore()
	presenceService, err := presence.NewService(presence.ServiceConfig{
		Store:      typingStore,
		Membership: chatService,
		Profiles:   profiles,
		Logger:     logger,
		Cache:      store,
		Feed:       feed,
	})
	if err != nil {
		return err
	}

	tokens, err := notify.NewTokenStore(notify.TokenStoreConfig{Database: db, IDProvider: idProvider})
	if err != nil {
		return err
	}
	mediaStore, err := media.NewLocalStore(media.LocalConfig{
		Root:          appConfig.MediaDir,
		PublicBaseURL: appConfig.MediaPublicURL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	relay, err := propagator.New(propagator.Config{
		Feed:     feed,
		Cache:    store,
		Profiles: profiles,
		Logger:   logger,
		Metrics:  recorder,
	})
	if err != nil {
		return err
	}
	go relay.Run(signalCtx)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:   validator,
		Profiles:   profiles,
		Crew:       crewService,
		Activities: activityService,
		Chat:       chatService,
		Presence:   presenceService,
		Media:      mediaStore,
		MediaRoot:  mediaStore.Root(),
		PushTokens: tokens,
		Feed:       feed,
		Metrics:    recorder,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
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
	return database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
}

// openTypingStore returns the configured store and a release func for its connections.
func openTypingStore(ctx context.Context, appConfig config.AppConfig, db *gorm.DB) (presence.Store, func() error, error) {
	if appConfig.PresenceBackend != config.PresenceBackendRedis {
		return presence.NewDatabaseStore(db), func() error { return nil }, nil
	}
	client, err := presence.NewRedisClient(ctx, appConfig.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	store, err := presence.NewRedisStore(client, 3*presence.ExpiryWindow)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return store, client.Close, nil
}
