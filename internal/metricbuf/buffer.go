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

// Package metricbuf implements the bounded in-memory sample ring (C5)
// that batches resource samples before a single insert into the Store.
package metricbuf

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"supervisord/internal/metrics"
	"supervisord/internal/models"
)

const (
	defaultCapacity      = 1000
	defaultFlushInterval = 10 * time.Second
)

// Flusher performs the batched Store insert.
type Flusher interface {
	InsertSamplesBatch(ctx context.Context, rows []models.ResourceSample) error
}

// Config controls buffer capacity and flush cadence.
type Config struct {
	Capacity      int
	FlushInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	return c
}

// Buffer is a mutex-guarded, bounded queue of samples with periodic and
// capacity-triggered flush to the Store.
type Buffer struct {
	cfg     Config
	store   Flusher
	logger  *slog.Logger

	mu   sync.Mutex
	rows []models.ResourceSample

	stop chan struct{}
	done chan struct{}
}

// New constructs a Buffer.
func New(store Flusher, cfg Config, logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	c := cfg.withDefaults()
	return &Buffer{
		cfg:    c,
		store:  store,
		logger: logger,
		rows:   make([]models.ResourceSample, 0, c.Capacity),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Add appends a sample. A sample is never dropped silently: if the
// buffer is at capacity, a flush happens under the same lock before
// capacity can be overrun.
func (b *Buffer) Add(programID int64, cpu, mem float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows = append(b.rows, models.ResourceSample{
		ProgramID:  programID,
		CPUPercent: cpu,
		MemoryMB:   mem,
		Timestamp:  time.Now().UTC(),
	})
	if len(b.rows) < b.cfg.Capacity {
		return
	}

	rows := b.rows
	b.rows = make([]models.ResourceSample, 0, b.cfg.Capacity)
	start := time.Now()
	if err := b.store.InsertSamplesBatch(context.Background(), rows); err != nil {
		b.logger.Error("metric buffer flush failed", "rows", len(rows), "error", err)
		return
	}
	metrics.ObserveBufferFlush(time.Since(start), len(rows))
}

// Flush performs one batched insert of every buffered row and empties
// the buffer. Safe to call concurrently and externally.
func (b *Buffer) Flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.rows) == 0 {
		b.mu.Unlock()
		return
	}
	rows := b.rows
	b.rows = make([]models.ResourceSample, 0, b.cfg.Capacity)
	b.mu.Unlock()

	start := time.Now()
	if err := b.store.InsertSamplesBatch(ctx, rows); err != nil {
		b.logger.Error("metric buffer flush failed", "rows", len(rows), "error", err)
		return
	}
	metrics.ObserveBufferFlush(time.Since(start), len(rows))
}

// Run drives the periodic-flush ticker until ctx is cancelled or Stop is called.
func (b *Buffer) Run(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case <-ticker.C:
			b.Flush(ctx)
		}
	}
}

// Stop flushes any remaining samples then terminates the flusher task,
// preserving the last window of samples across shutdown.
func (b *Buffer) Stop(ctx context.Context) {
	select {
	case <-b.stop:
	default:
		close(b.stop)
	}
	<-b.done
	b.Flush(ctx)
}
