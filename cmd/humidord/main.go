package main

import (
	"context"
	"errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shimmeringbee/humidor"
	"github.com/shimmeringbee/humidor/api"
	"github.com/shimmeringbee/humidor/cloud"
	"github.com/shimmeringbee/humidor/config"
	"github.com/shimmeringbee/humidor/export/influx"
	"github.com/shimmeringbee/humidor/export/mqtt"
	"github.com/shimmeringbee/humidor/hub"
	"github.com/shimmeringbee/humidor/metrics"
	"github.com/shimmeringbee/humidor/poller"
	"github.com/shimmeringbee/humidor/secret"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/logwrap/impl/golog"
	"github.com/shimmeringbee/persistence/impl/memory"
	"gopkg.in/natefinch/lumberjack.v2"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatalf("humidord: %v", err)
	}

	rotating := &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Compress:   true,
	}
	defer rotating.Close()

	goLogger := log.New(io.MultiWriter(os.Stdout, rotating), "", log.LstdFlags|log.LUTC)
	logger := logwrap.New(golog.Wrap(goLogger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, goLogger, logger); err != nil {
		logger.Error(ctx, "Daemon exited with error.", logwrap.Err(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, goLogger *log.Logger, logger logwrap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	state := memory.New()

	session := cloud.NewSession(secret.NewSectionStore(state.Section("Secrets")),
		cloud.WithBaseURL(cfg.Cloud.BaseURL),
		cloud.WithMinimumInterval(cfg.Cloud.MinInterval),
		cloud.WithLogger(logger),
		cloud.WithMetrics(m),
	)

	opts := []humidor.Option{
		humidor.WithGoLogger(goLogger),
		humidor.WithSection(state.Section("Service")),
		humidor.WithRetention(cfg.History.Retention),
		humidor.WithMetrics(m),
		humidor.WithCloud(session),
	}

	if cfg.Hub.Simulated {
		manager := newSimulatedHub()
		go manager.drift(ctx, time.Minute)

		opts = append(opts, humidor.WithHub(hub.NewBackend(manager,
			hub.WithCallTimeout(cfg.Hub.Timeout),
			hub.WithLogger(logger),
			hub.WithMetrics(m),
		)))
	}

	if cfg.InfluxEnabled() {
		sink, client, err := influx.Connect(influx.Config{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		}, influx.WithLogger(logger))
		if err != nil {
			return err
		}
		defer client.Close()

		opts = append(opts, humidor.WithSink(sink))
	}

	svc := humidor.New(opts...)

	if n := svc.Load(ctx); n > 0 {
		logger.Info(ctx, "Restored cached readings.", logwrap.Datum("Count", n))
	}

	if cfg.CloudCredentials() && !svc.CloudAuthenticated() {
		if err := svc.Authenticate(ctx, cfg.Cloud.Email, cfg.Cloud.Password); err != nil {
			logger.Warn(ctx, "Cloud sign in failed, continuing without cloud sensors.", logwrap.Err(err))
		}
	}

	if cfg.MQTTEnabled() {
		client, err := mqtt.Connect(ctx, cfg.MQTT.Broker, cfg.MQTT.ClientID)
		if err != nil {
			return err
		}
		defer client.Disconnect(250)

		mqtt.New(client, mqtt.WithTopicPrefix(cfg.MQTT.TopicPrefix), mqtt.WithLogger(logger)).Subscribe(svc.Alerts())
	}

	p := poller.New(svc.Refresh,
		poller.WithInterval(cfg.Poll.Interval),
		poller.WithDiscovery(svc.SensorRefs, cfg.Poll.Interval),
		poller.WithLogger(logger),
	)

	p.Start(ctx)
	defer p.Stop()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.New(svc, api.WithLogger(logger), api.WithAccessLog(goLogger.Writer()), api.WithGatherer(reg)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)

	go func() {
		logger.Info(ctx, "HTTP API listening.", logwrap.Datum("Addr", cfg.HTTP.Addr))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	logger.Info(ctx, "Shutting down.")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
