// Command redis2http runs the dispatcher half of thr: it drains configured
// Redis lists, enforces per-tag concurrency limits, calls upstream HTTP
// workers, and publishes responses back onto the bus.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jorviizheng/thr/internal/config"
	"github.com/jorviizheng/thr/internal/dispatcher"
	"github.com/jorviizheng/thr/internal/dispatcher/exchange"
	"github.com/jorviizheng/thr/internal/dispatcher/limits"
	"github.com/jorviizheng/thr/internal/metrics"
	"github.com/jorviizheng/thr/internal/wire"
)

func main() {
	d := config.DefaultDispatcher()

	var (
		metricsListen       = flag.String("metrics-listen", ":9101", "address to serve /metrics on")
		timeout             = flag.Duration("timeout", d.Timeout, "per-request upstream call timeout")
		maxLifetime         = flag.Duration("max-lifetime", d.MaxLifetime, "max age of a request before it is dropped unserved")
		maxLocalQueueWait   = flag.Duration("max-local-queue-lifetime", d.MaxLocalQueueLifetime, "max time a request may sit in a local blocked queue before bus reinjection")
		blockedQueueMaxSize = flag.Int("blocked-queue-max-size", d.BlockedQueueMaxSize, "max size of a single counter's blocked queue before bus reinjection")
		statsFile           = flag.String("stats-file", d.StatsFile, "path to periodically write a JSON stats snapshot to")
		statsFrequency      = flag.Duration("stats-frequency", d.StatsFrequency, "how often to write the stats file (0 disables)")
		addExtraHeaders     = flag.Bool("add-thr-extra-headers", d.AddThrExtraHeaders, "stamp X-Thr-Bus on every upstream request")
		configPath          = flag.String("config", "", "path to a YAML queues/limits file (required)")
	)
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init failed:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if *configPath == "" {
		log.Fatal("--config is required: redis2http has no queues without one")
	}
	doc, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	handlers := config.NewHandlerRegistry()
	handlers.RegisterHash("header:x-thr-tag", headerHash("X-Thr-Tag"))
	handlers.RegisterHash("remote-host", hostHash())

	limitsReg := limits.NewRegistry()
	for _, ls := range doc.Limits {
		lim, err := handlers.BuildLimit(ls)
		if err != nil {
			log.Fatal("config limit invalid", zap.Error(err))
		}
		if err := limitsReg.Register(lim); err != nil {
			log.Fatal("config limit registration failed", zap.Error(err))
		}
	}

	if len(doc.Queues) == 0 {
		log.Fatal("config must declare at least one queue")
	}
	queues := make([]*exchange.Queue, 0, len(doc.Queues))
	for _, qs := range doc.Queues {
		queues = append(queues, &exchange.Queue{
			Name:               qs.Name,
			RedisHost:          qs.RedisHost,
			RedisPort:          qs.RedisPort,
			RedisUnixSocket:    qs.RedisUnixSocket,
			ListNames:          qs.Lists,
			UpstreamHost:       qs.UpstreamHost,
			UpstreamPort:       qs.UpstreamPort,
			UpstreamUnixSocket: qs.UpstreamUnixSocket,
			Workers:            config.BuildQueueWorkers(qs),
			MaxLifetime:        *maxLifetime,
		})
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewDispatcher(reg)

	sched := dispatcher.New(dispatcher.Config{
		Timeout:               *timeout,
		MaxLifetime:           *maxLifetime,
		MaxLocalQueueLifetime: *maxLocalQueueWait,
		BlockedQueueMaxSize:   *blockedQueueMaxSize,
		StatsFile:             *statsFile,
		StatsFrequency:        *statsFrequency,
		AddThrExtraHeaders:    *addExtraHeaders,
	}, queues, limitsReg, dispatcher.NewRedisBus(), m, log)

	metricsSrv := &http.Server{Addr: *metricsListen, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	sched.Start()
	log.Info("dispatcher started", zap.Int("queues", len(queues)))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), *maxLifetime+*timeout)
	defer cancel()
	if err := sched.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown did not complete cleanly", zap.Error(err))
	}

	shutdownCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelMetrics()
	_ = metricsSrv.Shutdown(shutdownCtx)
}

// headerHash returns a limit hash function keying on a fixed request
// header, the dispatcher-side equivalent of the frontend's tag-routing
// rules: a config document names this handler as hash_fn: header:x-thr-tag
// to bound concurrency per distinct tag value.
func headerHash(name string) limits.HashFunc {
	return func(req *wire.Request) (string, bool) {
		for _, h := range req.Headers {
			if h.Name == name {
				return h.Value, true
			}
		}
		return "", false
	}
}

// hostHash keys a limit on the request's Host header, bounding concurrency
// per upstream virtual host.
func hostHash() limits.HashFunc {
	return func(req *wire.Request) (string, bool) {
		if req.Host == "" {
			return "", false
		}
		return req.Host, true
	}
}
