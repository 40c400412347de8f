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

package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

func init() {
	Register("rest_api", newRestAPIPlugin)
}

const restAPITimeout = 10 * time.Second

// restAPIPlugin issues a single generic HTTP call against a configured
// base URL, for programs whose control surface is a bespoke REST API
// rather than one of the named shipped integrations. It can also POST a
// lifecycle event to a configured endpoint on start/stop/crash, gated by
// its own enabled flags.
type restAPIPlugin struct {
	programID int64
	baseURL   string
	headers   map[string]string
	client    *http.Client
	logger    *slog.Logger

	onStartEnabled  bool
	onStartEndpoint string
	onStopEnabled   bool
	onStopEndpoint  string
	onCrashEnabled  bool
	onCrashEndpoint string
}

func newRestAPIPlugin(programID int64, config map[string]any, logger *slog.Logger) (Plugin, error) {
	p := &restAPIPlugin{
		programID:       programID,
		baseURL:         strings.TrimRight(stringOr(config, "base_url", ""), "/"),
		headers:         map[string]string{},
		client:          &http.Client{Timeout: restAPITimeout},
		logger:          logger,
		onStartEnabled:  boolOr(config, "on_start_enabled", false),
		onStartEndpoint: stringOr(config, "on_start_endpoint", "/api/program/start"),
		onStopEnabled:   boolOr(config, "on_stop_enabled", false),
		onStopEndpoint:  stringOr(config, "on_stop_endpoint", "/api/program/stop"),
		onCrashEnabled:  boolOr(config, "on_crash_enabled", false),
		onCrashEndpoint: stringOr(config, "on_crash_endpoint", "/api/program/crash"),
	}
	if raw, ok := config["headers"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				p.headers[k] = s
			}
		}
	}
	return p, nil
}

func (p *restAPIPlugin) Name() string      { return "REST API" }
func (p *restAPIPlugin) Describe() string  { return "Issues a generic HTTP request against a configured base URL." }
func (p *restAPIPlugin) Actions() []string { return []string{"call"} }

func (p *restAPIPlugin) OnStart(pid int32) {
	if !p.onStartEnabled {
		return
	}
	p.notifyLifecycle(p.onStartEndpoint, "start", pid)
}

func (p *restAPIPlugin) OnStop(pid int32) {
	if !p.onStopEnabled {
		return
	}
	p.notifyLifecycle(p.onStopEndpoint, "stop", pid)
}

func (p *restAPIPlugin) OnCrash(pid int32) {
	if !p.onCrashEnabled {
		return
	}
	p.notifyLifecycle(p.onCrashEndpoint, "crash", pid)
}

// notifyLifecycle fires the same fire-and-forget POST the original
// rest_api plug-in's on_program_start/stop/crash hooks made: a short
// background call so a slow or unreachable endpoint never blocks the
// sweep loop dispatching the hook.
func (p *restAPIPlugin) notifyLifecycle(endpoint, event string, pid int32) {
	body := map[string]any{
		"program_id": p.programID,
		"pid":        pid,
		"event":      event,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), restAPITimeout)
		defer cancel()
		encoded, err := json.Marshal(body)
		if err != nil {
			p.logger.Warn("rest_api: encode lifecycle body failed", "program_id", p.programID, "event", event, "error", err)
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+endpoint, bytes.NewReader(encoded))
		if err != nil {
			p.logger.Warn("rest_api: build lifecycle request failed", "program_id", p.programID, "event", event, "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range p.headers {
			req.Header.Set(k, v)
		}
		resp, err := p.client.Do(req)
		if err != nil {
			p.logger.Warn("rest_api: lifecycle notification failed", "program_id", p.programID, "event", event, "endpoint", endpoint, "error", err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			p.logger.Warn("rest_api: lifecycle notification rejected", "program_id", p.programID, "event", event, "status", resp.StatusCode)
		}
	}()
}

func (p *restAPIPlugin) Validate(config map[string]any) error {
	if stringOr(config, "base_url", "") == "" {
		return fmt.Errorf("base_url is required")
	}
	return nil
}

func (p *restAPIPlugin) Execute(ctx context.Context, action string, params map[string]any) (ActionResult, error) {
	if action != "call" {
		return ActionResult{Success: false, Message: fmt.Sprintf("unknown action %q", action)}, nil
	}
	method := strings.ToUpper(stringOr(params, "method", "GET"))
	path := stringOr(params, "path", "")
	url := p.baseURL + path

	var body io.Reader
	if payload, ok := params["body"]; ok {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return ActionResult{Success: false, Message: fmt.Sprintf("encode body: %v", err)}, nil
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return ActionResult{Success: false, Message: fmt.Sprintf("build request: %v", err)}, nil
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return ActionResult{Success: false, Message: fmt.Sprintf("request failed: %v", err)}, nil
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var decoded any
	if json.Unmarshal(raw, &decoded) != nil {
		decoded = string(raw)
	}

	return ActionResult{
		Success: resp.StatusCode < 400,
		Message: fmt.Sprintf("HTTP %d", resp.StatusCode),
		Data:    decoded,
	}, nil
}
