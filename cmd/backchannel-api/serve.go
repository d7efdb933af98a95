package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/backchannel/internal/auth"
	"github.com/MarcoPoloResearchLab/backchannel/internal/backchannel"
	"github.com/MarcoPoloResearchLab/backchannel/internal/config"
	"github.com/MarcoPoloResearchLab/backchannel/internal/database"
	"github.com/MarcoPoloResearchLab/backchannel/internal/logging"
	"github.com/MarcoPoloResearchLab/backchannel/internal/presence"
	"github.com/MarcoPoloResearchLab/backchannel/internal/relay"
	"github.com/MarcoPoloResearchLab/backchannel/internal/rooms"
	"github.com/MarcoPoloResearchLab/backchannel/internal/server"
	"github.com/MarcoPoloResearchLab/backchannel/internal/users"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func runServer(ctx context.Context) error {
	appConfig, logger, err := loadRuntime()
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

	registry := rooms.NewRegistry(logger)
	var fanout backchannel.Rooms = registry
	if appConfig.RelayEnabled() {
		bridge, err := relay.New(relay.Config{
			Broker:      appConfig.RelayBroker,
			ClientID:    appConfig.RelayClientID,
			TopicPrefix: appConfig.RelayTopicPrefix,
			Local:       registry,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		if err := bridge.Start(signalCtx); err != nil {
			return err
		}
		defer bridge.Stop()
		fanout = bridge
	}

	backchannelService, err := backchannel.NewService(backchannel.ServiceConfig{
		Store:      backchannel.NewStore(db),
		Rooms:      fanout,
		Clock:      time.Now,
		IDProvider: backchannel.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	presenceStore := presence.NewStore(db)
	if !appConfig.RelayEnabled() {
		removed, err := presenceStore.ClearCollaborators(signalCtx)
		if err != nil {
			return err
		}
		if removed > 0 {
			logger.Info("cleared stale collaborators", zap.Int64("rows", removed))
		}
	}
	tracker, err := presence.NewTracker(presence.TrackerConfig{
		Store:    presenceStore,
		Interval: appConfig.PresenceInterval,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer tracker.Close()

	sessions, err := newSessionResolver(appConfig, db, logger)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Backchannel: backchannelService,
		Rooms:       registry,
		Presence:    tracker,
		Sessions:    sessions,
		Health:      sqlDB.PingContext,
		Sockets: server.SocketConfig{
			SendBuffer:      appConfig.SendBuffer,
			EventsPerSecond: appConfig.EventsPerSecond,
			EventBurst:      appConfig.EventBurst,
			AllowedOrigins:  appConfig.AllowedOrigins,
		},
		Logger: logger,
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
		logger.Info("server stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func loadRuntime() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func openDatabase(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, error) {
	return database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
}

func newSessionResolver(appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger) (*auth.SessionResolver, error) {
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return nil, err
	}
	identities, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}
	return auth.NewSessionResolver(auth.SessionResolverConfig{
		Validator:  validator,
		Identities: identities,
		Logger:     logger,
	})
}
