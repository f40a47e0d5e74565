package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/PetoAdam/homenavi/serial-presence/internal/config"
	"github.com/PetoAdam/homenavi/serial-presence/internal/hardware"
	"github.com/PetoAdam/homenavi/serial-presence/internal/history"
	"github.com/PetoAdam/homenavi/serial-presence/internal/httpapi"
	"github.com/PetoAdam/homenavi/serial-presence/internal/mqtt"
	"github.com/PetoAdam/homenavi/serial-presence/internal/observability"
	"github.com/PetoAdam/homenavi/serial-presence/internal/presence"
	"github.com/PetoAdam/homenavi/serial-presence/internal/scheduler"
	"github.com/PetoAdam/homenavi/serial-presence/internal/stats"
	"github.com/PetoAdam/homenavi/serial-presence/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	tel, err := observability.Setup(context.Background(), "serial-presence", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("observability setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	backend, err := openBackend(cfg)
	if err != nil {
		slog.Error("store open failed", "store", cfg.Store, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	records := store.NewRecords(backend)
	events := history.New(backend, cfg.MaxHistory)
	agg := stats.New(backend, time.Now().UTC())
	slog.Info("state loaded",
		"records", records.Load(ctx),
		"history", events.Load(ctx),
		"ports", agg.Load(ctx),
	)

	opts := []presence.Option{
		presence.WithMetrics(observability.NewPresenceMetrics(prometheus.DefaultRegisterer)),
		presence.WithTracer(tel.Tracer),
	}
	if cfg.MQTTBrokerURL != "" {
		mq, err := mqtt.Connect(cfg.MQTTBrokerURL, cfg.MQTTClientID)
		if err != nil {
			slog.Error("mqtt connect failed", "error", err)
			os.Exit(1)
		}
		defer mq.Close()
		opts = append(opts, presence.WithSink(mqtt.NewEventPublisher(mq, cfg.TopicPrefix)))
	} else {
		slog.Info("mqtt disabled, events stay local")
	}

	engine := presence.New(records, events, agg, openSource(cfg), opts...)

	sched, err := scheduler.New(engine, cfg.ScanSchedule)
	if err != nil {
		slog.Error("scheduler setup failed", "error", err)
		os.Exit(1)
	}
	if cfg.ScanOnStart {
		sched.RunOnce(ctx)
	}
	if err := sched.Start(ctx); err != nil {
		slog.Error("scheduler start failed", "error", err)
		os.Exit(1)
	}

	srv := httpapi.New(engine, tel.Metrics, tel.Tracer)
	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("serial-presence listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
		slog.Info("shutdown requested")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()
	sched.Stop()
}

func openBackend(cfg *config.Config) (store.Backend, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		db, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store.NewDBBackend(db)
	case config.StorePostgres:
		pg := cfg.Postgres
		db, err := store.OpenPostgres(pg.User, pg.Password, pg.DBName, pg.Host, pg.Port, pg.SSLMode)
		if err != nil {
			return nil, err
		}
		return store.NewDBBackend(db)
	default:
		return store.NewFileBackend(cfg.DataDir), nil
	}
}

func openSource(cfg *config.Config) presence.Source {
	if cfg.Source == config.SourceFixture {
		slog.Info("using fixture port source", "path", cfg.FixturePath)
		return hardware.NewFixture(cfg.FixturePath)
	}
	return hardware.NewSerial()
}

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}
