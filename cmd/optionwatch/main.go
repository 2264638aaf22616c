package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"optionwatch/config"
	"optionwatch/internal/api"
	"optionwatch/internal/eventbus"
	"optionwatch/internal/logger"
	"optionwatch/internal/marketdata"
	"optionwatch/internal/markethours"
	"optionwatch/internal/metrics"
	"optionwatch/internal/model"
	"optionwatch/internal/monitor"
	"optionwatch/internal/notification"
	"optionwatch/internal/platform/httpclient"
	"optionwatch/internal/store/journal"
	redisstore "optionwatch/internal/store/redis"
	"optionwatch/internal/watchlist"
	"optionwatch/pkg/smartconnect"
)

const (
	replaySize       = 1000
	shutdownTimeout  = 10 * time.Second
	livenessInterval = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.Init("optionwatch", cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("optionwatch exited")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	log.Info().Str("source", cfg.CandleSource).Str("store", cfg.StoreDriver).Msg("starting")

	// ---- Watchlist ----
	var wl *watchlist.Watchlist
	if cfg.WatchlistFile != "" {
		var err error
		if wl, err = watchlist.Load(cfg.WatchlistFile); err != nil {
			return err
		}
		log.Info().Int("instruments", len(wl.Instruments)).Msg("watchlist loaded")
	}

	// ---- Metrics & health ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := metrics.NewMetrics(reg)
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, reg, log)
	metricsSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- Journal ----
	if cfg.StoreDriver == journal.DriverSQLite {
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}
		}
	}
	jr, err := journal.Open(journal.Config{Driver: cfg.StoreDriver, DSN: cfg.JournalDSN()}, log, prom)
	if err != nil {
		return err
	}
	defer jr.Close()

	// ---- Redis ----
	var rdb *goredis.Client
	if cfg.RedisEnabled {
		health.SetRedisEnabled(true)
		rcfg := redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
		rdb, err = redisstore.Dial(ctx, rcfg)
		if err != nil {
			// keep a lazy client; the publisher buffers until redis comes back
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable at startup")
			rdb = redisstore.NewClient(rcfg)
		}
		defer rdb.Close()
		health.CheckRedis(ctx, rdb)
	}
	health.StartLivenessChecker(ctx, rdb, jr.DB(), livenessInterval)

	// ---- Event bus ----
	bus := eventbus.New(cfg.EventBuffer, cfg.EventBuffer, log)
	bus.OnDrop = prom.BusDrop

	dispatcher := notification.NewDispatcher(log, prom, notifiers(cfg, log)...)
	hub := api.NewHub(replaySize, log, prom)

	var consumers sync.WaitGroup
	consume := func(name string, fn func(context.Context, <-chan model.Event)) {
		ch := bus.Subscribe(name)
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			fn(ctx, ch)
		}()
	}
	consume(dispatcher.Name(), dispatcher.Run)
	consume("journal", jr.Run)
	consume("ws", hub.Run)
	if rdb != nil {
		cb := redisstore.NewCircuitBreaker(5, 30*time.Second)
		pub := redisstore.NewPublisher(rdb, cb, redisstore.PublisherOptions{}, log, prom)
		consume("redis", pub.Run)
	}
	go bus.Run(ctx)
	go reportSaturation(ctx, bus, prom)

	// ---- Engine ----
	engine := monitor.New(cfg.Engine(), log,
		monitor.WithMetrics(prom),
		monitor.WithPublisher(bus),
		monitor.WithLevelRecorder(jr),
	)
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		engine.Run(ctx)
	}()

	if wl != nil {
		seed(ctx, engine, jr, wl, log)
	}

	// ---- HTTP control surface ----
	apiSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewServer(engine, hub, jr, log).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("api server listening")
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("api server error")
			cancel()
		}
	}()

	// ---- Candle source ----
	srcCtx, stopSource := context.WithCancel(ctx)
	defer stopSource()
	srcDone := make(chan struct{})
	src, err := source(cfg, wl, rdb, health, prom, log)
	if err != nil {
		return err
	}
	if src != nil {
		go func() {
			defer close(srcDone)
			if err := src.Run(srcCtx, engine.Sink(src.Name())); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("source", src.Name()).Msg("candle source stopped")
			}
		}()
	} else {
		close(srcDone)
	}
	log.Info().Msg("optionwatch ready")

	// ---- Graceful shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
	}

	// sources first, so the engine drains what was already queued
	stopSource()
	<-srcDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("api server shutdown")
	}
	cancel()
	<-engineDone
	consumers.Wait()
	metricsSrv.Stop(shutdownCtx)
	log.Info().Msg("stopped")
	return nil
}

// notifiers builds the alert sinks. The log sink is always present.
func notifiers(cfg *config.Config, log zerolog.Logger) []notification.Notifier {
	out := []notification.Notifier{notification.NewLogNotifier(log)}
	client := httpclient.New(httpclient.Options{
		Timeout:        10 * time.Second,
		RequestsPerSec: cfg.AlertRatePerSec,
		Burst:          5,
		MaxRetries:     3,
	})
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		out = append(out, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID, client, log))
	}
	if cfg.WebhookURL != "" {
		out = append(out, notification.NewWebhookNotifier(cfg.WebhookURL, client, log))
	}
	return out
}

// seed starts every watchlist instrument, restoring support levels persisted
// by earlier runs.
func seed(ctx context.Context, engine *monitor.Engine, jr *journal.Journal, wl *watchlist.Watchlist, log zerolog.Logger) {
	for _, req := range wl.StartRequests() {
		saved, err := jr.SupportLevels(ctx, req.Instrument)
		if err != nil {
			log.Warn().Err(err).Str("instrument", req.Instrument).Msg("could not restore support levels")
		}
		for _, lvl := range saved {
			tol := lvl.TolerancePct
			req.SupportLevels = append(req.SupportLevels, monitor.LevelSpec{
				Price:                lvl.Price,
				TolerancePct:         &tol,
				MinTouches:           lvl.MinTouches,
				ConsolidationPeriods: lvl.ConsolidationPeriods,
			})
		}
		if _, err := engine.Start(ctx, req); err != nil {
			log.Error().Err(err).Str("instrument", req.Instrument).Msg("watchlist start failed")
		}
	}
}

// source builds the configured candle source, or nil for API-only ingestion.
func source(cfg *config.Config, wl *watchlist.Watchlist, rdb *goredis.Client, health *metrics.HealthStatus, prom *metrics.Metrics, log zerolog.Logger) (model.CandleSource, error) {
	switch cfg.CandleSource {
	case config.SourceAngel:
		broker := smartconnect.New(smartconnect.Config{APIKey: cfg.AngelAPIKey})
		login := func(ctx context.Context) error {
			return broker.Login(ctx, cfg.AngelClientCode, cfg.AngelPassword, cfg.AngelTOTPSecret)
		}
		return marketdata.NewPoller(
			marketdata.Config{Interval: cfg.PollInterval},
			broker, login, wl.PollInstruments(), log,
			marketdata.WithCalendar(markethours.NewCalendar(wl.Holidays...)),
			marketdata.WithMetrics(prom),
			marketdata.WithHealth(health),
		), nil
	case config.SourceRedis:
		if rdb == nil {
			return nil, errors.New("redis candle source requires a redis client")
		}
		health.SetSourceConnected(true)
		return redisstore.NewStreamSource(rdb, wl.CandleStreams(cfg.CandleStreamTF), log, prom), nil
	}
	return nil, nil
}

func reportSaturation(ctx context.Context, bus *eventbus.Bus, prom *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range bus.ChannelStats() {
				prom.Saturation("bus_"+s.Name, s.Len, s.Cap)
			}
		}
	}
}
