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

// Package memctl implements the cooperative memory-pressure controller
// (C3): a low-cadence background loop that samples host RSS utilisation
// and purges the Cache under pressure.
package memctl

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

// Level is the reported pressure level for observability.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelCaution  Level = "caution"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Evictor is the subset of Cache the controller needs.
type Evictor interface {
	Clear()
	EvictOlderThan(age time.Duration) int
}

// Config controls sampling cadence and thresholds.
type Config struct {
	Interval     time.Duration // default 1s; must not exceed 1s per spec
	CriticalPct  float64       // default 90
	WarningPct   float64       // default 80
	CoolDown     time.Duration // default 60s, applies to the critical clear
	EvictionAge  time.Duration // default 60s, applies to the warning-band evict
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 || c.Interval > time.Second {
		c.Interval = time.Second
	}
	if c.CriticalPct <= 0 {
		c.CriticalPct = 90
	}
	if c.WarningPct <= 0 {
		c.WarningPct = 80
	}
	if c.CoolDown <= 0 {
		c.CoolDown = 60 * time.Second
	}
	if c.EvictionAge <= 0 {
		c.EvictionAge = 60 * time.Second
	}
	return c
}

// Controller runs the memory-pressure sampling loop.
type Controller struct {
	cfg    Config
	cache  Evictor
	logger *slog.Logger

	mu          sync.RWMutex
	level       Level
	lastClearAt time.Time

	readPercent func() (float64, error)

	stop chan struct{}
	done chan struct{}
}

// New constructs a Controller. readPercent defaults to gopsutil's host
// memory percentage when nil (tests inject a fake).
func New(cache Evictor, cfg Config, logger *slog.Logger, readPercent func() (float64, error)) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if readPercent == nil {
		readPercent = hostMemPercent
	}
	return &Controller{
		cfg:         cfg.withDefaults(),
		cache:       cache,
		logger:      logger,
		level:       LevelNormal,
		readPercent: readPercent,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func hostMemPercent() (float64, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return v.UsedPercent, nil
}

// Run drives the sampling loop until ctx is cancelled or Stop is called.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// Stop requests the loop to end and blocks until it has.
func (c *Controller) Stop() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	<-c.done
}

// Level returns the most recently observed pressure level.
func (c *Controller) Level() Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.level
}

func (c *Controller) tick() {
	pct, err := c.readPercent()
	if err != nil {
		c.logger.Warn("memory controller sample failed", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case pct >= c.cfg.CriticalPct:
		c.level = LevelCritical
		if time.Since(c.lastClearAt) >= c.cfg.CoolDown {
			c.cache.Clear()
			c.lastClearAt = time.Now()
			c.logger.Warn("memory pressure critical, cache cleared", "used_percent", pct)
		}
	case pct >= c.cfg.WarningPct:
		c.level = LevelWarning
		evicted := c.cache.EvictOlderThan(c.cfg.EvictionAge)
		if evicted > 0 {
			c.logger.Info("memory pressure warning, evicted aged cache entries", "used_percent", pct, "evicted", evicted)
		}
	case pct >= c.cfg.WarningPct-10:
		c.level = LevelCaution
	default:
		c.level = LevelNormal
	}
}
