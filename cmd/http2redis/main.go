// Command http2redis runs the frontend half of thr: it accepts inbound
// HTTP requests, applies the configured rule engine, and serializes admitted
// requests onto a Redis bus for a redis2http dispatcher to pick up.
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
	"github.com/jorviizheng/thr/internal/frontend"
	"github.com/jorviizheng/thr/internal/metrics"
	"github.com/jorviizheng/thr/internal/rules"
)

func main() {
	d := config.DefaultFrontend()

	var (
		port          = flag.Int("port", d.Port, "TCP port to listen on; 0 disables the TCP listener")
		unixSocket    = flag.String("unix_socket", d.UnixSocket, "optional unix domain socket to listen on")
		backlog       = flag.Int("backlog", d.Backlog, "accept backlog for the TCP listener")
		metricsListen = flag.String("metrics-listen", ":9100", "address to serve /metrics on")
		timeout       = flag.Duration("timeout", d.Timeout, "max time to wait for a dispatcher reply")
		proxyIP       = flag.String("proxy-ip", "", "value to stamp as X-Forwarded-For when set")
		forceHost     = flag.String("force-host", "", "override the Host header on every request")
		redisHost     = flag.String("redis-host", d.RedisHost, "default redis host")
		redisPort     = flag.Int("redis-port", d.RedisPort, "default redis port")
		redisUDS      = flag.String("redis-unix-socket", "", "default redis unix socket (overrides host/port)")
		redisQueue    = flag.String("redis-queue", d.RedisQueue, "default redis queue name")
		configPath    = flag.String("config", "", "path to a YAML rules file")
	)
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init failed:", err)
		os.Exit(1)
	}
	defer log.Sync()

	engine := rules.NewEngine(frontend.Getters(), frontend.Mutators())
	handlers := config.NewHandlerRegistry()
	if *configPath != "" {
		doc, err := config.Load(*configPath)
		if err != nil {
			log.Fatal("config load failed", zap.Error(err))
		}
		for _, rs := range doc.Rules {
			rule, err := handlers.BuildRule(rs)
			if err != nil {
				log.Fatal("config rule invalid", zap.Error(err))
			}
			engine.AddRule(rule)
		}
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewFrontend(reg)

	bus := frontend.NewRedisBus(5 * time.Second)
	srv := frontend.NewServer(frontend.ServerConfig{
		Port:       *port,
		UnixSocket: *unixSocket,
		Backlog:    *backlog,
		Timeout:    *timeout,
		ProxyIP:    *proxyIP,
		DefaultTarget: frontend.RedisTarget{
			Host:       *redisHost,
			Port:       *redisPort,
			UnixSocket: *redisUDS,
			Queue:      *redisQueue,
		},
		ForceHost: *forceHost,
	}, bus, engine, m, log)

	metricsSrv := &http.Server{Addr: *metricsListen, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("server exited", zap.Error(err))
			os.Exit(1)
		}
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("graceful shutdown failed", zap.Error(err))
		}
		shutdownCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelMetrics()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
}
