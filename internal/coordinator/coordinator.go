// Supervisord is a local process supervisor and monitoring service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package coordinator wires every component into one running service
// (C9): sequential startup, a bounded-timeout reverse-order shutdown, and
// crash isolation so one worker's failure never takes the others down.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"supervisord/internal/cache"
	"supervisord/internal/config"
	"supervisord/internal/metricbuf"
	"supervisord/internal/metrics"
	"supervisord/internal/memctl"
	"supervisord/internal/notifier"
	"supervisord/internal/plugin"
	"supervisord/internal/process"
	"supervisord/internal/query"
	"supervisord/internal/store"
	"supervisord/internal/supervisor"
	"supervisord/pkg/crypto"
)

// Coordinator owns the lifecycle of every long-lived worker.
type Coordinator struct {
	cfg    config.Config
	logger *slog.Logger

	store      *store.Store
	cache      *cache.Cache
	memctl     *memctl.Controller
	procAdapt  *process.Adapter
	metricBuf  *metricbuf.Buffer
	supervisor *supervisor.Supervisor
	notifier   *notifier.Notifier
	pluginHost *plugin.Host
	discovery  *plugin.Discovery
	encryptor  *crypto.Encryptor

	Query *query.Surface

	metricsServer *http.Server
}

// New builds every component but starts nothing; call Run to start the
// service and block until ctx is cancelled.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(ctx, cfg.DBPath, &store.Options{})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var enc *crypto.Encryptor
	if cfg.EncryptionKey != "" {
		enc, err = crypto.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("init encryptor: %w", err)
		}
	} else {
		logger.Warn("no encryption key configured; webhook URLs and plug-in secrets will be stored in plaintext")
	}

	c := cache.New(cfg.CacheTTL)
	memCtl := memctl.New(c, memctl.Config{}, logger, nil)
	procAdapt := process.New(logger)

	bindings, err := store.OpenThreadBindingFile(filepath.Join(cfg.DataDir, "thread_bindings.json"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open thread bindings: %w", err)
	}
	notif := notifier.New(bindings, logger)

	buf := metricbuf.New(st, metricbuf.Config{
		Capacity:      cfg.MetricBufferCap,
		FlushInterval: cfg.MetricFlushEvery,
	}, logger)

	host := plugin.NewHost(st, logger)
	disc, err := plugin.NewDiscovery(cfg.PluginDir, host, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init plugin discovery: %w", err)
	}

	sup := supervisor.New(st, procAdapt, buf, &notifierAdapter{notif}, supervisor.Config{
		CheckInterval: cfg.CheckInterval,
	}, enc, logger)
	sup.SetHooks(host)

	qs := query.New(st, procAdapt, sup, host, c, enc, logger)

	return &Coordinator{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		cache:      c,
		memctl:     memCtl,
		procAdapt:  procAdapt,
		metricBuf:  buf,
		supervisor: sup,
		notifier:   notif,
		pluginHost: host,
		discovery:  disc,
		encryptor:  enc,
		Query:      qs,
	}, nil
}

// notifierAdapter satisfies supervisor.Notifier without the supervisor
// package importing notifier's concrete Notification type.
type notifierAdapter struct{ n *notifier.Notifier }

func (a *notifierAdapter) Notify(args supervisor.NotifyArgs) {
	a.n.Notify(notifier.Notification{
		ProgramName: args.ProgramName,
		Kind:        args.Kind,
		Details:     args.Details,
		Severity:    args.Severity,
		URLs:        args.URLs,
	})
}

// Run starts every worker in dependency order, serves the metrics
// endpoint, and blocks until ctx is cancelled, then shuts everything down
// in reverse order within cfg.ShutdownTimeout.
func (co *Coordinator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go co.runIsolated("metric_buffer", func() { co.metricBuf.Run(runCtx) })
	go co.runIsolated("memory_controller", func() { co.memctl.Run(runCtx) })

	if err := co.pluginHost.LoadAll(ctx); err != nil {
		co.logger.Warn("coordinator: plugin host load failed", "error", err)
	}
	if err := co.discovery.LoadExisting(ctx); err != nil {
		co.logger.Warn("coordinator: plugin manifest discovery failed", "error", err)
	}

	go co.runIsolated("plugin_discovery", func() { co.discovery.Run(runCtx) })
	go co.runIsolated("supervisor", func() { co.supervisor.Run(runCtx) })
	go co.runIsolated("retention", func() { co.runRetentionLoop(runCtx) })

	co.metricsServer = &http.Server{
		Addr:         co.cfg.MetricsAddr,
		Handler:      metrics.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		co.logger.Info("coordinator: serving metrics", "addr", co.cfg.MetricsAddr)
		if err := co.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			co.logger.Error("coordinator: metrics server failed", "error", err)
		}
	}()

	<-ctx.Done()
	co.logger.Info("coordinator: shutting down")
	return co.shutdown()
}

// runRetentionLoop purges samples/events older than the configured
// retention windows on a daily cadence, vacuuming the Store afterward.
func (co *Coordinator) runRetentionLoop(ctx context.Context) {
	ticker := time.NewTicker(co.cfg.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := co.Query.PurgeRetention(ctx, co.cfg.MetricRetentionDays, co.cfg.EventRetentionDays); err != nil {
				co.logger.Warn("coordinator: retention purge failed", "error", err)
			}
		}
	}
}

// runIsolated runs fn in the current goroutine's caller, recovering a
// panic so one worker's failure never brings down the others.
func (co *Coordinator) runIsolated(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			co.logger.Error("coordinator: worker panicked", "worker", name, "panic", r)
		}
	}()
	fn()
}

func (co *Coordinator) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), co.cfg.ShutdownTimeout)
	defer cancel()

	if co.metricsServer != nil {
		if err := co.metricsServer.Shutdown(shutdownCtx); err != nil {
			co.logger.Warn("coordinator: metrics server shutdown error", "error", err)
		}
	}

	co.supervisor.Stop()
	co.memctl.Stop()
	co.metricBuf.Stop(shutdownCtx)

	if err := co.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}
