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

// Package plugin implements the Plug-in Host (C8): protocol-specific
// control surfaces bound to individual programs (RCON, REST control
// panels, game-specific shutdown hooks), discovered from a directory of
// manifests and persisted as (program, plugin) bindings in the Store.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"supervisord/internal/metrics"
	"supervisord/internal/models"
	"supervisord/pkg/crypto"
)

// ActionResult is the uniform return shape of every plug-in action,
// replacing the original implementation's duck-typed response dict.
type ActionResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    any            `json:"data,omitempty"`
}

// Plugin is the contract every shipped control surface implements.
type Plugin interface {
	Name() string
	Describe() string
	Actions() []string
	Execute(ctx context.Context, action string, params map[string]any) (ActionResult, error)
	Validate(config map[string]any) error

	OnStart(pid int32)
	OnStop(pid int32)
	OnCrash(pid int32)
}

// Constructor builds a Plugin instance from a program id and its decoded
// config. Plug-ins are registered by a typed constructor keyed by id
// rather than the original's dynamic class dispatch, per spec.md's
// REDESIGN FLAGS.
type Constructor func(programID int64, config map[string]any, logger *slog.Logger) (Plugin, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register adds a plug-in constructor under id. Called from each shipped
// plug-in's init().
func Register(id string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[id] = ctor
}

// Build instantiates the plug-in registered under id.
func Build(id string, programID int64, config map[string]any, logger *slog.Logger) (Plugin, error) {
	registryMu.RLock()
	ctor, ok := registry[id]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("plugin: unknown plugin id %q", id)
	}
	return ctor(programID, config, logger)
}

// KnownPluginIDs lists every registered plug-in id in no particular order
// (map iteration order); callers that need a stable order should sort.
func KnownPluginIDs() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	return ids
}

// BindingStore is the subset of internal/store.Store the Host needs.
type BindingStore interface {
	ListAllEnabledBindings(ctx context.Context) ([]*models.PluginBinding, error)
	UpsertPluginBinding(ctx context.Context, b *models.PluginBinding) error
	DeletePluginBinding(ctx context.Context, programID int64, pluginID string) error
}

type instanceKey struct {
	programID int64
	pluginID  string
}

// Host owns every live plug-in instance, keyed by (program, plugin).
type Host struct {
	store  BindingStore
	logger *slog.Logger

	mu        sync.RWMutex
	instances map[instanceKey]Plugin
}

// NewHost constructs an empty Host. Call LoadAll to rehydrate bindings
// persisted from a previous run.
func NewHost(store BindingStore, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		store:     store,
		logger:    logger,
		instances: make(map[instanceKey]Plugin),
	}
}

// LoadAll instantiates every enabled binding recorded in the Store. Call
// once at startup, after the Store is open and before the Supervisor begins
// sweeping.
func (h *Host) LoadAll(ctx context.Context) error {
	bindings, err := h.store.ListAllEnabledBindings(ctx)
	if err != nil {
		return fmt.Errorf("plugin host: load bindings: %w", err)
	}
	for _, b := range bindings {
		if err := h.instantiate(b); err != nil {
			h.logger.Warn("plugin host: failed to instantiate binding", "program_id", b.ProgramID, "plugin_id", b.PluginID, "error", err)
			continue
		}
	}
	return nil
}

func (h *Host) instantiate(b *models.PluginBinding) error {
	var cfg map[string]any
	if len(b.ConfigJSON) > 0 {
		if err := json.Unmarshal([]byte(b.ConfigJSON), &cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	}
	p, err := Build(b.PluginID, b.ProgramID, cfg, h.logger)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.instances[instanceKey{b.ProgramID, b.PluginID}] = p
	h.mu.Unlock()
	return nil
}

// Bind validates config, persists the binding, and instantiates or
// replaces the live instance.
func (h *Host) Bind(ctx context.Context, programID int64, pluginID string, config map[string]any) error {
	registryMu.RLock()
	ctor, ok := registry[pluginID]
	registryMu.RUnlock()
	if !ok {
		return fmt.Errorf("plugin: unknown plugin id %q", pluginID)
	}
	p, err := ctor(programID, config, h.logger)
	if err != nil {
		return fmt.Errorf("construct plugin: %w", err)
	}
	if err := p.Validate(config); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	configJSON, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := h.store.UpsertPluginBinding(ctx, &models.PluginBinding{
		ProgramID:  programID,
		PluginID:   pluginID,
		ConfigJSON: string(configJSON),
		Enabled:    true,
	}); err != nil {
		return fmt.Errorf("persist binding: %w", err)
	}

	h.mu.Lock()
	h.instances[instanceKey{programID, pluginID}] = p
	h.mu.Unlock()
	h.logger.Debug("plugin host: bound", "program_id", programID, "plugin_id", pluginID, "config", crypto.RedactMap(config))
	return nil
}

// Unbind removes a (program, plugin) binding, both persisted and live.
func (h *Host) Unbind(ctx context.Context, programID int64, pluginID string) error {
	if err := h.store.DeletePluginBinding(ctx, programID, pluginID); err != nil {
		return err
	}
	h.mu.Lock()
	delete(h.instances, instanceKey{programID, pluginID})
	h.mu.Unlock()
	return nil
}

// Get returns the live instance for (program, plugin), if bound.
func (h *Host) Get(programID int64, pluginID string) (Plugin, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.instances[instanceKey{programID, pluginID}]
	return p, ok
}

// ListForProgram returns every plugin id bound to a program.
func (h *Host) ListForProgram(programID int64) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for k := range h.instances {
		if k.programID == programID {
			out = append(out, k.pluginID)
		}
	}
	return out
}

// Invoke runs a named action on a bound plugin and records the outcome.
func (h *Host) Invoke(ctx context.Context, programID int64, pluginID, action string, params map[string]any) (ActionResult, error) {
	p, ok := h.Get(programID, pluginID)
	if !ok {
		return ActionResult{}, fmt.Errorf("plugin: no %q binding for program %d", pluginID, programID)
	}
	res, err := p.Execute(ctx, action, params)
	metrics.IncPluginAction(pluginID, action, err == nil && res.Success)
	return res, err
}

// dispatchHook runs fn on every plugin bound to a program. Hooks return
// nothing, so no failure reaches the caller; a hook is best-effort side
// signalling.
func (h *Host) dispatchHook(programID int64, pid int32, fn func(Plugin, int32)) {
	h.mu.RLock()
	var targets []Plugin
	for k, p := range h.instances {
		if k.programID == programID {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()
	for _, p := range targets {
		fn(p, pid)
	}
}

// OnStart fans out a program-start hook to every bound plugin.
func (h *Host) OnStart(programID int64, pid int32) { h.dispatchHook(programID, pid, Plugin.OnStart) }

// OnStop fans out a program-stop hook to every bound plugin.
func (h *Host) OnStop(programID int64, pid int32) { h.dispatchHook(programID, pid, Plugin.OnStop) }

// OnCrash fans out a program-crash hook to every bound plugin.
func (h *Host) OnCrash(programID int64, pid int32) { h.dispatchHook(programID, pid, Plugin.OnCrash) }
