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

// Package metrics exposes the process supervisor's Prometheus metrics
// behind a small registry, independent of any one component.
package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	sweepDuration     *prometheus.HistogramVec
	cacheOps          *prometheus.CounterVec
	notifyDispatches  *prometheus.CounterVec
	pluginActions     *prometheus.CounterVec
	metricBufferFlush *prometheus.HistogramVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors. Used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler exposing metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveSweep records the duration of one supervisor sweep.
func ObserveSweep(d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if sweepDuration != nil {
		sweepDuration.WithLabelValues().Observe(durationSeconds(d))
	}
}

// IncCacheOp increments a cache operation counter (hit, miss, set, delete,
// invalidation).
func IncCacheOp(op string) {
	label := sanitizeLabel(op, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if cacheOps != nil {
		cacheOps.WithLabelValues(label).Inc()
	}
}

// ObserveNotifyDispatch records a completed notifier dispatch attempt.
func ObserveNotifyDispatch(vendor string, ok bool) {
	labelVendor := sanitizeLabel(vendor, "generic")
	result := "ok"
	if !ok {
		result = "error"
	}
	mu.RLock()
	defer mu.RUnlock()
	if notifyDispatches != nil {
		notifyDispatches.WithLabelValues(labelVendor, result).Inc()
	}
}

// IncPluginAction records an invoked plug-in action.
func IncPluginAction(pluginID, action string, ok bool) {
	labelPlugin := sanitizeLabel(pluginID, "unknown")
	labelAction := sanitizeLabel(action, "unknown")
	result := "ok"
	if !ok {
		result = "error"
	}
	mu.RLock()
	defer mu.RUnlock()
	if pluginActions != nil {
		pluginActions.WithLabelValues(labelPlugin, labelAction, result).Inc()
	}
}

// ObserveBufferFlush records the duration of a metric buffer flush.
func ObserveBufferFlush(d time.Duration, rows int) {
	mu.RLock()
	defer mu.RUnlock()
	if metricBufferFlush != nil {
		metricBufferFlush.WithLabelValues().Observe(durationSeconds(d))
	}
	_ = rows
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	sweep := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "supervisord",
		Subsystem: "supervisor",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of one supervisor sweep over all registered programs.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	}, []string{})

	cache := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "supervisord",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache operations by kind (hit, miss, set, delete, invalidation).",
	}, []string{"op"})

	notify := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "supervisord",
		Subsystem: "notifier",
		Name:      "dispatches_total",
		Help:      "Webhook dispatch attempts by vendor and result.",
	}, []string{"vendor", "result"})

	plugin := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "supervisord",
		Subsystem: "plugin",
		Name:      "actions_total",
		Help:      "Plug-in action invocations by plugin, action, and result.",
	}, []string{"plugin", "action", "result"})

	flush := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "supervisord",
		Subsystem: "metricbuf",
		Name:      "flush_duration_seconds",
		Help:      "Duration of metric buffer flushes to the store.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{})

	registry.MustRegister(sweep, cache, notify, plugin, flush)

	reg = registry
	sweepDuration = sweep
	cacheOps = cache
	notifyDispatches = notify
	pluginActions = plugin
	metricBufferFlush = flush
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '.' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
