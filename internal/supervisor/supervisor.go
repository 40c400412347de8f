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

// Package supervisor implements the sweep loop (C6): the component that
// decides, once per tick, whether each registered program is alive, emits
// the resulting transition as an event and notification, and samples
// resource usage for anything it finds running.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"supervisord/internal/metrics"
	"supervisord/internal/models"
)

const (
	defaultCheckInterval = 2 * time.Second
	collectorTimeout     = 3 * time.Second
)

// Encryptor decrypts at-rest webhook URLs. A nil Encryptor is valid and
// means the store holds plaintext (spec.md: encryption is optional,
// gated on SUPERVISORD_ENCRYPTION_KEY being configured).
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(encrypted string) (string, error)
}

// Store is the subset of internal/store.Store the sweep loop needs.
type Store interface {
	ListPrograms(ctx context.Context, enc Encryptor) ([]*models.Program, error)
	AppendEvent(ctx context.Context, programID int64, kind models.EventKind, details string) error
	SetChildPID(ctx context.Context, programID int64, pid int32) error
	ClearChildPID(ctx context.Context, programID int64) error
	ClearGracefulShutdown(ctx context.Context, programID int64) error
	WebhookURLs(ctx context.Context, programID int64, enc Encryptor) ([]string, error)
}

// ProcessAdapter is the subset of internal/process.Adapter the sweep loop needs.
type ProcessAdapter interface {
	EnumerateRunning() map[string]int32
	FindProcess(path string, hintPID int32) (running bool, pid int32)
	Sample(pid int32) (cpuPercent, rssMB float64)
}

// MetricSink receives per-tick resource samples for running programs.
type MetricSink interface {
	Add(programID int64, cpu, mem float64)
}

// Notifier dispatches a fire-and-forget notification for an event.
type Notifier interface {
	Notify(note NotifyArgs)
}

// PluginHooks fans a liveness transition out to every plug-in bound to a
// program (spec.md §4.8: the Plug-in Host's on_start/stop/crash hooks).
// A nil Host is valid (no plug-ins loaded) and hooks are simply skipped.
type PluginHooks interface {
	OnStart(programID int64, pid int32)
	OnStop(programID int64, pid int32)
	OnCrash(programID int64, pid int32)
}

// NotifyArgs decouples the supervisor from the notifier package's own
// Notification type so the two packages don't import each other's models.
type NotifyArgs struct {
	ProgramName string
	Kind        models.EventKind
	Details     string
	Severity    models.Severity
	URLs        []string
}

// programState is what the supervisor remembers about a program between
// ticks; it never touches the database to decide a transition.
type programState struct {
	liveness       models.Liveness
	pid            int32
	collecting     bool
	intentionalEnd bool // next stop/crash transition was requested by an operator
}

// Config controls sweep cadence.
type Config struct {
	CheckInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = defaultCheckInterval
	}
	return c
}

// Supervisor runs the sweep loop.
type Supervisor struct {
	cfg      Config
	store    Store
	proc     ProcessAdapter
	metrics  MetricSink
	notifier Notifier
	hooks    PluginHooks
	enc      Encryptor
	logger   *slog.Logger

	mu              sync.Mutex
	state           map[int64]*programState
	immediateSweep  chan struct{}
	stop            chan struct{}
	done            chan struct{}
}

// New constructs a Supervisor. enc may be nil, meaning webhook URLs are
// read back as plaintext (no SUPERVISORD_ENCRYPTION_KEY configured).
func New(store Store, proc ProcessAdapter, metricSink MetricSink, notifier Notifier, cfg Config, enc Encryptor, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:            cfg.withDefaults(),
		store:          store,
		proc:           proc,
		metrics:        metricSink,
		notifier:       notifier,
		enc:            enc,
		logger:         logger,
		state:          make(map[int64]*programState),
		immediateSweep: make(chan struct{}, 1),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// SetHooks wires the Plug-in Host's on_start/stop/crash hooks into the
// sweep loop (spec.md §4.8). Optional: a Supervisor with no hooks set
// simply skips dispatch, so the Coordinator can build components in any
// order and wire this in once the Plug-in Host is ready.
func (s *Supervisor) SetHooks(h PluginHooks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = h
}

// MarkIntentional records that the next observed stop for programID was
// requested by an operator (Query Surface calls this before dispatching a
// stop/restart), so the sweep emits "stop"/warning rather than "crash"/error.
func (s *Supervisor) MarkIntentional(programID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateFor(programID)
	st.intentionalEnd = true
}

// RequestImmediateSweep asks the loop to run a sweep now instead of
// waiting out the rest of the current tick, e.g. right after a start/stop
// dispatch so the UI doesn't show stale status for a full interval.
func (s *Supervisor) RequestImmediateSweep() {
	select {
	case s.immediateSweep <- struct{}{}:
	default:
	}
}

func (s *Supervisor) stateFor(programID int64) *programState {
	st, ok := s.state[programID]
	if !ok {
		st = &programState{liveness: models.LivenessUnknown}
		s.state[programID] = st
	}
	return st
}

// Run drives the sweep loop until ctx is cancelled or Stop is called.
func (s *Supervisor) Run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		s.sweep(ctx)

		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-s.immediateSweep:
		case <-ticker.C:
		}
	}
}

// Stop terminates the loop and waits for the in-flight sweep to finish.
func (s *Supervisor) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

func (s *Supervisor) sweep(ctx context.Context) {
	start := time.Now()
	correlationID := uuid.NewString()

	programs, err := s.store.ListPrograms(ctx, s.enc)
	if err != nil {
		s.logger.Error("sweep: list programs failed", "correlation_id", correlationID, "error", err)
		metrics.ObserveSweep(time.Since(start))
		return
	}

	// One process-table scan for the whole sweep (spec.md §4.4/§4.6): batch
	// liveness comes from this snapshot; only an unresolved name falls back
	// to a per-program double-check via the Adapter.
	snapshot := s.proc.EnumerateRunning()

	for _, p := range programs {
		s.sweepOne(ctx, p, snapshot, correlationID)
	}

	metrics.ObserveSweep(time.Since(start))
}

func (s *Supervisor) sweepOne(ctx context.Context, p *models.Program, snapshot map[string]int32, correlationID string) {
	hint := int32(0)
	if p.ChildPID != nil {
		hint = *p.ChildPID
	}

	expectedBase := strings.ToLower(filepath.Base(p.Path))
	pid, running := snapshot[expectedBase]
	if !running {
		// Name absent from the bulk snapshot is not conclusive on its own
		// (e.g. a hinted pid whose name can't be resolved that way); double
		// check the stored pid directly before declaring it stopped.
		running, pid = s.proc.FindProcess(p.Path, hint)
	}

	s.mu.Lock()
	st := s.stateFor(p.ID)
	prevLiveness := st.liveness
	prevPID := st.pid
	intentional := st.intentionalEnd
	alreadyCollecting := st.collecting
	s.mu.Unlock()

	switch {
	case running && prevLiveness != models.LivenessRunning:
		s.transitionToRunning(ctx, p, pid, correlationID)
	case running && prevLiveness == models.LivenessRunning && pid != prevPID:
		s.updatePID(ctx, p, pid)
	case !running && prevLiveness == models.LivenessRunning:
		graceful := intentional || p.ShuttingDown(time.Now())
		s.transitionToStopped(ctx, p, prevPID, graceful, correlationID)
	case !running && prevLiveness == models.LivenessUnknown:
		s.mu.Lock()
		st.liveness = models.LivenessStopped
		s.mu.Unlock()
	}

	if running && !alreadyCollecting {
		s.collectSample(ctx, p.ID, pid)
	}
}

func (s *Supervisor) updatePID(ctx context.Context, p *models.Program, pid int32) {
	s.mu.Lock()
	st := s.stateFor(p.ID)
	st.pid = pid
	s.mu.Unlock()

	if err := s.store.SetChildPID(ctx, p.ID, pid); err != nil {
		s.logger.Warn("sweep: update pid failed", "program_id", p.ID, "error", err)
	}
}

func (s *Supervisor) transitionToRunning(ctx context.Context, p *models.Program, pid int32, correlationID string) {
	s.mu.Lock()
	st := s.stateFor(p.ID)
	st.liveness = models.LivenessRunning
	st.pid = pid
	st.intentionalEnd = false
	s.mu.Unlock()

	if err := s.store.SetChildPID(ctx, p.ID, pid); err != nil {
		s.logger.Warn("sweep: set pid failed", "program_id", p.ID, "error", err)
	}
	if err := s.store.ClearGracefulShutdown(ctx, p.ID); err != nil {
		s.logger.Warn("sweep: clear shutdown deadline failed", "program_id", p.ID, "error", err)
	}

	details := fmt.Sprintf("pid=%d", pid)
	s.emit(ctx, p, models.EventStart, models.SeveritySuccess, details, correlationID)

	if s.hooks != nil {
		s.hooks.OnStart(p.ID, pid)
	}
}

func (s *Supervisor) transitionToStopped(ctx context.Context, p *models.Program, lastPID int32, intentional bool, correlationID string) {
	s.mu.Lock()
	st := s.stateFor(p.ID)
	st.liveness = models.LivenessStopped
	st.pid = 0
	st.collecting = false
	st.intentionalEnd = false
	s.mu.Unlock()

	if err := s.store.ClearChildPID(ctx, p.ID); err != nil {
		s.logger.Warn("sweep: clear pid failed", "program_id", p.ID, "error", err)
	}
	if p.ShutdownEndEpoch != nil {
		if err := s.store.ClearGracefulShutdown(ctx, p.ID); err != nil {
			s.logger.Warn("sweep: clear shutdown deadline failed", "program_id", p.ID, "error", err)
		}
	}

	if intentional {
		s.emit(ctx, p, models.EventStop, models.SeverityWarning, "stopped by operator request", correlationID)
		if s.hooks != nil {
			s.hooks.OnStop(p.ID, lastPID)
		}
		return
	}
	s.emit(ctx, p, models.EventCrash, models.SeverityError, "process exited unexpectedly", correlationID)
	if s.hooks != nil {
		s.hooks.OnCrash(p.ID, lastPID)
	}
}

func (s *Supervisor) emit(ctx context.Context, p *models.Program, kind models.EventKind, severity models.Severity, details, correlationID string) {
	if err := s.store.AppendEvent(ctx, p.ID, kind, details); err != nil {
		s.logger.Warn("sweep: append event failed", "program_id", p.ID, "error", err)
	}

	if s.notifier == nil {
		return
	}
	urls, err := s.store.WebhookURLs(ctx, p.ID, s.enc)
	if err != nil || len(urls) == 0 {
		return
	}
	s.logger.Debug("sweep: dispatching notification", "correlation_id", correlationID, "program_id", p.ID, "kind", kind)
	s.notifier.Notify(NotifyArgs{
		ProgramName: p.Name,
		Kind:        kind,
		Details:     details,
		Severity:    severity,
		URLs:        urls,
	})
}

// collectSample runs one self-timing-out collector for programID. At most
// one collector per program is ever in flight: if the previous tick's
// collector hasn't returned, this tick's is skipped rather than stacked.
func (s *Supervisor) collectSample(ctx context.Context, programID int64, pid int32) {
	s.mu.Lock()
	st := s.stateFor(programID)
	if st.collecting {
		s.mu.Unlock()
		return
	}
	st.collecting = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			if st, ok := s.state[programID]; ok {
				st.collecting = false
			}
			s.mu.Unlock()
		}()

		done := make(chan struct{})
		var cpu, mem float64
		go func() {
			cpu, mem = s.proc.Sample(pid)
			close(done)
		}()

		select {
		case <-done:
			if s.metrics != nil {
				s.metrics.Add(programID, cpu, mem)
			}
		case <-time.After(collectorTimeout):
			s.logger.Warn("sweep: sample collector timed out", "program_id", programID, "pid", pid)
		case <-ctx.Done():
		}
	}()
}
