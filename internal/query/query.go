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

// Package query implements the Query Surface (C10): the plain Go
// operations an external HTTP transport would call. The transport itself
// is explicitly out of scope (spec.md §1); this package only translates
// operator intent into calls against the Store, Process Adapter,
// Supervisor, Plug-in Host, and Cache.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"supervisord/internal/cache"
	"supervisord/internal/models"
	"supervisord/internal/plugin"
	"supervisord/internal/process"
	"supervisord/internal/store"
	"supervisord/internal/supervisor"
	"supervisord/pkg/crypto"
)

const (
	statusCacheTTL  = 2 * time.Second
	samplesCacheTTL = 5 * time.Minute

	// gracefulShutdownSeconds is the window handed to a plug-in's polite
	// shutdown action and mirrored into the Store's shutdown deadline.
	gracefulShutdownSeconds = 30

	tagPrograms = "programs"
	tagList     = "programs:list"
	listKey     = "programs:list"
)

func programTag(id int64) string { return fmt.Sprintf("program:%d", id) }

// Surface is the Query Surface. It holds references to every component
// the external transport needs, constructed once by the Coordinator.
type Surface struct {
	store *store.Store
	proc  *process.Adapter
	sup   *supervisor.Supervisor
	host  *plugin.Host
	cache *cache.Cache
	enc   *crypto.Encryptor

	logger *slog.Logger
}

// New constructs a Surface over already-running components.
func New(st *store.Store, proc *process.Adapter, sup *supervisor.Supervisor, host *plugin.Host, c *cache.Cache, enc *crypto.Encryptor, logger *slog.Logger) *Surface {
	if logger == nil {
		logger = slog.Default()
	}
	return &Surface{store: st, proc: proc, sup: sup, host: host, cache: c, enc: enc, logger: logger}
}

// encryptor returns q.enc as a store.Encryptor, or a true nil interface
// when no key is configured — never a non-nil interface wrapping a nil
// *crypto.Encryptor, which would make every store-side nil check lie.
func (q *Surface) encryptor() store.Encryptor {
	if q.enc == nil {
		return nil
	}
	return q.enc
}

func (q *Surface) invalidateProgramCaches(id int64) {
	q.cache.InvalidateMultipleTags([]string{tagPrograms, tagList, programTag(id)})
}

// ---------------- Program CRUD ----------------

// ListPrograms is served from Cache under tags {programs, programs:list};
// any mutation below invalidates both tags, so the next call repopulates.
func (q *Surface) ListPrograms(ctx context.Context) ([]*models.Program, error) {
	if v, ok := q.cache.Get(listKey); ok {
		return v.([]*models.Program), nil
	}
	progs, err := q.store.ListPrograms(ctx, q.encryptor())
	if err != nil {
		return nil, err
	}
	q.cache.Set(listKey, progs, tagPrograms, tagList)
	return progs, nil
}

// GetProgram fetches a single program by id, uncached, with its webhook
// destination URLs attached.
func (q *Surface) GetProgram(ctx context.Context, id int64) (*models.Program, error) {
	p, err := q.store.GetProgram(ctx, id)
	if err != nil {
		return nil, err
	}
	urls, err := q.store.WebhookURLs(ctx, id, q.encryptor())
	if err != nil {
		return nil, err
	}
	p.WebhookURLs = urls
	return p, nil
}

// CreateProgram registers a new program, normalizing path to an absolute
// form before persistence per spec.md §3's invariant.
func (q *Surface) CreateProgram(ctx context.Context, name, path, args string, destinations []string) (*models.Program, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("normalize path: %w", err)
	}
	p := &models.Program{Name: name, Path: abs, Args: args}
	if err := q.store.UpsertProgram(ctx, p); err != nil {
		return nil, err
	}
	if err := q.store.SetWebhookDestinations(ctx, p.ID, destinations, q.encryptor()); err != nil {
		return nil, err
	}
	q.invalidateProgramCaches(p.ID)
	return p, nil
}

// UpdateProgram updates name/path/args/destinations for an existing program.
func (q *Surface) UpdateProgram(ctx context.Context, id int64, name, path, args string, destinations []string) (*models.Program, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("normalize path: %w", err)
	}
	p := &models.Program{ID: id, Name: name, Path: abs, Args: args}
	if err := q.store.UpsertProgram(ctx, p); err != nil {
		return nil, err
	}
	if err := q.store.SetWebhookDestinations(ctx, id, destinations, q.encryptor()); err != nil {
		return nil, err
	}
	q.invalidateProgramCaches(id)
	return p, nil
}

// DeleteProgram removes a program; cascades to events, samples, webhook
// destinations, and plug-in bindings (foreign keys in the Store). Live
// plug-in instances are unbound first, while their binding rows still exist.
func (q *Surface) DeleteProgram(ctx context.Context, id int64) error {
	if q.host != nil {
		for _, pluginID := range q.host.ListForProgram(id) {
			_ = q.host.Unbind(ctx, id, pluginID)
		}
	}
	if err := q.store.DeleteProgram(ctx, id); err != nil {
		return err
	}
	q.invalidateProgramCaches(id)
	return nil
}

// ---------------- Lifecycle commands ----------------

// Start spawns a program and asks the Supervisor to re-sweep immediately
// rather than wait out the rest of the current tick.
func (q *Surface) Start(ctx context.Context, id int64) error {
	p, err := q.store.GetProgram(ctx, id)
	if err != nil {
		return err
	}
	if pid := q.proc.Start(ctx, p.Path, p.Args); pid != nil {
		if err := q.store.SetChildPID(ctx, id, *pid); err != nil {
			q.logger.Warn("query: set child pid after start failed", "program_id", id, "error", err)
		}
	}
	q.sup.RequestImmediateSweep()
	q.invalidateProgramCaches(id)
	return nil
}

// Stop marks programID's next observed stop as intentional (so the
// Supervisor classifies it "stop", not "crash") before dispatching to the
// Process Adapter. When force is false, a bound plug-in capable of a
// polite shutdown_server action is tried first; on success a
// graceful-shutdown deadline is recorded and the forced kill is skipped.
func (q *Surface) Stop(ctx context.Context, id int64, force bool) error {
	p, err := q.store.GetProgram(ctx, id)
	if err != nil {
		return err
	}

	q.sup.MarkIntentional(id)

	if !force && q.tryPoliteShutdown(ctx, p) {
		q.sup.RequestImmediateSweep()
		q.invalidateProgramCaches(id)
		return nil
	}

	q.proc.Stop(p.Path, force)
	q.sup.RequestImmediateSweep()
	q.invalidateProgramCaches(id)
	return nil
}

// Restart marks programID's next observed stop as intentional, stops it,
// and starts it again, then asks the Supervisor to re-sweep immediately.
func (q *Surface) Restart(ctx context.Context, id int64) error {
	p, err := q.store.GetProgram(ctx, id)
	if err != nil {
		return err
	}

	q.sup.MarkIntentional(id)
	q.proc.Stop(p.Path, false)

	if pid := q.proc.Start(ctx, p.Path, p.Args); pid != nil {
		if err := q.store.SetChildPID(ctx, id, *pid); err != nil {
			q.logger.Warn("query: set child pid after restart failed", "program_id", id, "error", err)
		}
	}
	q.sup.RequestImmediateSweep()
	q.invalidateProgramCaches(id)
	return nil
}

// tryPoliteShutdown looks for a bound plug-in (e.g. a palworld-style
// server control surface) exposing a shutdown_server action. On success
// it records a 30s graceful-shutdown deadline and reports true so the
// caller skips the forced kill (spec.md §4.8, §9 scenario S4).
func (q *Surface) tryPoliteShutdown(ctx context.Context, p *models.Program) bool {
	if q.host == nil {
		return false
	}
	for _, pluginID := range q.host.ListForProgram(p.ID) {
		inst, ok := q.host.Get(p.ID, pluginID)
		if !ok || !hasAction(inst.Actions(), "shutdown_server") {
			continue
		}
		res, err := q.host.Invoke(ctx, p.ID, pluginID, "shutdown_server", map[string]any{
			"waittime": gracefulShutdownSeconds,
		})
		if err != nil || !res.Success {
			q.logger.Warn("query: polite shutdown failed, falling back to forced kill",
				"program_id", p.ID, "plugin_id", pluginID, "error", err)
			continue
		}
		if err := q.store.SetGracefulShutdown(ctx, p.ID, gracefulShutdownSeconds); err != nil {
			q.logger.Warn("query: record graceful shutdown deadline failed", "program_id", p.ID, "error", err)
		}
		return true
	}
	return false
}

func hasAction(actions []string, want string) bool {
	for _, a := range actions {
		if a == want {
			return true
		}
	}
	return false
}

// ---------------- Status & metric reads ----------------

// Status reports the most recent liveness, cpu, rss, uptime, and pid for
// a program. While a graceful-shutdown deadline is active, the response
// is computed fresh every call (never cached) so the countdown is live;
// otherwise it is cached for ~2s.
func (q *Surface) Status(ctx context.Context, id int64) (models.Status, error) {
	p, err := q.store.GetProgram(ctx, id)
	if err != nil {
		return models.Status{}, err
	}

	now := time.Now()
	if p.ShuttingDown(now) {
		remaining := *p.ShutdownEndEpoch - now.Unix()
		if remaining < 0 {
			remaining = 0
		}
		var pid int32
		if p.ChildPID != nil {
			pid = *p.ChildPID
		}
		return models.Status{
			ProgramID:         id,
			Running:           true,
			PID:               pid,
			ShuttingDown:      true,
			ShutdownRemaining: remaining,
		}, nil
	}

	key := statusCacheKey(id)
	if v, ok := q.cache.Get(key); ok {
		return v.(models.Status), nil
	}

	var hint int32
	if p.ChildPID != nil {
		hint = *p.ChildPID
	}
	running, pid := q.proc.FindProcess(p.Path, hint)

	st := models.Status{ProgramID: id, Running: running}
	if running {
		st.PID = pid
		st.CPUPercent, st.MemoryMB = q.proc.Sample(pid)
		st.UptimeSeconds = int64(q.proc.Uptime(pid).Seconds())
	}

	q.cache.SetTTL(key, st, statusCacheTTL, tagPrograms, programTag(id))
	return st, nil
}

func statusCacheKey(id int64) string { return fmt.Sprintf("status:%d", id) }

// GetSamples returns resource samples for the last `hours` hours, cached
// by (program_id, hours) with a 5-minute TTL.
func (q *Surface) GetSamples(ctx context.Context, id int64, hours int) ([]*models.ResourceSample, error) {
	if hours <= 0 {
		hours = 24
	}
	key := fmt.Sprintf("samples:%d:%d", id, hours)
	if v, ok := q.cache.Get(key); ok {
		return v.([]*models.ResourceSample), nil
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	rows, err := q.store.ListSamples(ctx, id, since)
	if err != nil {
		return nil, err
	}
	q.cache.SetTTL(key, rows, samplesCacheTTL, tagPrograms, programTag(id))
	return rows, nil
}

// GetEvents returns up to limit most recent events for a program, newest first.
func (q *Surface) GetEvents(ctx context.Context, id int64, limit int) ([]*models.ProgramEvent, error) {
	return q.store.ListEvents(ctx, id, limit)
}

// ---------------- Plug-ins ----------------

// ListAvailablePlugins lists every plug-in id registered at boot.
func (q *Surface) ListAvailablePlugins() []string {
	return plugin.KnownPluginIDs()
}

// ListPluginBindings lists every plug-in bound to a program.
func (q *Surface) ListPluginBindings(ctx context.Context, programID int64) ([]*models.PluginBinding, error) {
	return q.store.ListPluginBindings(ctx, programID)
}

// UpsertPluginBinding validates config, persists the binding, and
// instantiates (or replaces) the live plug-in instance.
func (q *Surface) UpsertPluginBinding(ctx context.Context, programID int64, pluginID string, config map[string]any) error {
	if err := q.host.Bind(ctx, programID, pluginID, config); err != nil {
		return err
	}
	q.invalidateProgramCaches(programID)
	return nil
}

// DeletePluginBinding removes a binding, both persisted and live.
func (q *Surface) DeletePluginBinding(ctx context.Context, programID int64, pluginID string) error {
	if err := q.host.Unbind(ctx, programID, pluginID); err != nil {
		return err
	}
	q.invalidateProgramCaches(programID)
	return nil
}

// InvokePluginAction runs a named action on a bound plug-in.
func (q *Surface) InvokePluginAction(ctx context.Context, programID int64, pluginID, action string, params map[string]any) (plugin.ActionResult, error) {
	return q.host.Invoke(ctx, programID, pluginID, action, params)
}

// ---------------- Admin ----------------

// CacheStats reports cumulative Cache activity.
func (q *Surface) CacheStats() cache.Stats { return q.cache.GetStats() }

// ClearCache drops every cached entry.
func (q *Surface) ClearCache() { q.cache.Clear() }

// ResetCacheStats zeroes the Cache's cumulative counters.
func (q *Surface) ResetCacheStats() { q.cache.ResetStats() }

// SecurityStatus is a read-only passthrough to the externally-owned
// login lockout bookkeeping table (spec.md §1, §4.10).
func (q *Surface) SecurityStatus(ctx context.Context) ([]store.LockedAccount, error) {
	return q.store.ListLockedAccounts(ctx)
}

// TriggerArchive gzip-compresses the SQL store and the thread-binding
// sidecar file into dataDir/backups.
func (q *Surface) TriggerArchive(dataDir, dbPath, threadsPath string) (dbBackup, threadsBackup string, err error) {
	return store.ArchiveNow(dataDir, dbPath, threadsPath)
}

// PurgeRetention purges samples and events older than the configured
// retention windows and refreshes the query planner's statistics.
func (q *Surface) PurgeRetention(ctx context.Context, metricRetentionDays, eventRetentionDays int) error {
	if _, err := q.store.PurgeSamplesOlderThan(ctx, metricRetentionDays); err != nil {
		return fmt.Errorf("purge samples: %w", err)
	}
	if _, err := q.store.PurgeEventsOlderThan(ctx, eventRetentionDays); err != nil {
		return fmt.Errorf("purge events: %w", err)
	}
	return q.store.VacuumAndAnalyze(ctx)
}
