package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/thecoderpanda/ard-server/internal/config"
	db "github.com/thecoderpanda/ard-server/internal/db"
	httpapi "github.com/thecoderpanda/ard-server/internal/httpapi"
	"github.com/thecoderpanda/ard-server/internal/metrics"
	airquality "github.com/thecoderpanda/ard-server/internal/modules/airquality"
	airqualityviews "github.com/thecoderpanda/ard-server/internal/modules/airquality/views"
	"github.com/thecoderpanda/ard-server/internal/mqtt"
	"github.com/thecoderpanda/ard-server/internal/schema"
)

func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"staticDir", cfg.StaticDir,
		"dashboardWindow", cfg.DashboardWindow,
		"dbDriver", cfg.Driver,
		"sqlitePath", cfg.Path,
		"dbMaxOpenConns", cfg.MaxOpenConns,
		"dbMaxIdleConns", cfg.MaxIdleConns,
		"dbConnMaxLifetime", cfg.ConnMaxLifetime,
		"dbLogSQL", cfg.LogSQL,
		"mqttEnabled", cfg.MQTTEnabled,
		"mqttBroker", cfg.MQTTBroker,
		"mqttPort", cfg.MQTTPort,
		"mqttTopic", cfg.MQTTTopic,
	)

	dbConn, err := db.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeErr := db.Close(dbConn)
		if closeErr != nil {
			logger.Error("db close", "error", closeErr)
		}
	}()

	// The store must be current before anything reads or writes it.
	outcome, err := schema.Ensure(ctx, dbConn)
	if err != nil {
		return err
	}
	logger.Info("schema ready", "outcome", string(outcome))

	if err := airqualityviews.LoadTemplates(); err != nil {
		return err
	}

	m := metrics.New()
	mux := httpapi.NewMux(dbConn, cfg.StaticDir, m)
	ingestor := airquality.RegisterFeature(mux, dbConn, m, logger, cfg.DashboardWindow)

	var subscriber *mqtt.Subscriber
	if cfg.MQTTEnabled {
		subscriber = mqtt.NewSubscriber(cfg, logger)
		// Set the handler before Connect: the broker may deliver queued
		// messages right after the subscription is acknowledged.
		airquality.RegisterMQTTHandler(subscriber, ingestor)

		// Short timeout so startup is not blocked when the broker is down;
		// the client keeps retrying and subscribes once it gets through.
		connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
		err = subscriber.Connect(connectCtx)
		connectCancel()
		if err != nil {
			logger.Warn("mqtt broker not reachable yet (http ingest unaffected)", "error", err)
		}
	}

	srv := httpapi.NewServer(cfg, httpapi.Chain(mux, m, logger))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if subscriber != nil {
			subscriber.Disconnect()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if subscriber != nil {
		logger.Info("mqtt disconnecting")
		subscriber.Disconnect()
	}

	logger.Info("http shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	err = <-errCh
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return ctx.Err()
}
