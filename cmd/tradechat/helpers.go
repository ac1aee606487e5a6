package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/opd-ai/tradechat"
	"github.com/opd-ai/tradechat/factory"
	"github.com/opd-ai/tradechat/metrics"
	"github.com/opd-ai/tradechat/netstatus"
	"github.com/sirupsen/logrus"
)

// loadConfig reads the configuration and applies the global flag overrides.
func loadConfig(flags *globalFlags) (*factory.Config, error) {
	cfg, err := factory.LoadConfig(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if flags.metricsAddr != "" {
		cfg.MetricsAddr = flags.metricsAddr
	}
	if err := setupLogging(cfg.LogLevel); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return nil
}

// startMetrics serves the collector on addr. It returns a nil collector and
// a no-op stop function when addr is empty.
func startMetrics(addr string) (*metrics.Collector, func()) {
	if addr == "" {
		return nil, func() {}
	}
	collector := metrics.NewCollector()
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "startMetrics",
				"addr":     addr,
				"error":    err.Error(),
			}).Error("Metrics server failed")
		}
	}()
	logrus.WithFields(logrus.Fields{
		"function": "startMetrics",
		"addr":     addr,
	}).Info("Serving metrics")

	return collector, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

// newMonitor dials cfg.CheckAddress when set, and otherwise assumes the
// network is always up.
func newMonitor(cfg *factory.Config) (netstatus.Monitor, func()) {
	if cfg.CheckAddress == "" {
		return netstatus.NewManual(true), func() {}
	}
	p := netstatus.NewDialMonitor(cfg.CheckAddress, cfg.CheckInterval, nil)
	p.Start()
	return p, p.Stop
}

// channelOptions maps the configuration onto channel options. Transport,
// credentials and storage are left to the caller.
func channelOptions(cfg *factory.Config, channelID string) *tradechat.Options {
	opts := tradechat.NewOptions()
	opts.ChannelID = channelID
	opts.Backoff = cfg.Backoff()
	opts.RequestTimeout = cfg.RequestTimeout
	opts.PageSize = cfg.PageSize
	opts.TypingTimeout = cfg.TypingTimeout
	opts.RemoteTypingTTL = cfg.RemoteTypingTTL
	opts.QueueMaxAge = cfg.QueueMaxAge
	opts.PurgeSchedule = cfg.PurgeSchedule
	return opts
}
