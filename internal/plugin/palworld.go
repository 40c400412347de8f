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
	"time"
)

func init() {
	Register("palworld", newPalworldPlugin)
}

const palworldTimeout = 10 * time.Second

// palworldPlugin controls a Palworld dedicated server via its official
// REST API, authenticated with HTTP Basic Auth (username "admin").
type palworldPlugin struct {
	programID int64
	baseURL   string
	password  string
	client    *http.Client
	logger    *slog.Logger
}

func newPalworldPlugin(programID int64, config map[string]any, logger *slog.Logger) (Plugin, error) {
	host := stringOr(config, "host", "localhost")
	port := intOr(config, "port", 8212)
	return &palworldPlugin{
		programID: programID,
		baseURL:   fmt.Sprintf("http://%s:%d/v1/api", host, port),
		password:  stringOr(config, "password", ""),
		client:    &http.Client{Timeout: palworldTimeout},
		logger:    logger,
	}, nil
}

func (p *palworldPlugin) Name() string     { return "Palworld REST API" }
func (p *palworldPlugin) Describe() string { return "Controls a Palworld dedicated server over its REST API." }

func (p *palworldPlugin) Actions() []string {
	return []string{
		"get_info", "get_players", "get_settings", "get_metrics", "announce",
		"kick_player", "ban_player", "unban_player", "save_world",
		"shutdown_server", "force_stop_server",
	}
}

func (p *palworldPlugin) Validate(config map[string]any) error {
	port := intOr(config, "port", 8212)
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be in 1-65535")
	}
	if stringOr(config, "password", "") == "" {
		return fmt.Errorf("admin password is required")
	}
	return nil
}

func (p *palworldPlugin) OnStart(int32) {}
func (p *palworldPlugin) OnStop(int32)  {}
func (p *palworldPlugin) OnCrash(int32) {}

func (p *palworldPlugin) Execute(ctx context.Context, action string, params map[string]any) (ActionResult, error) {
	switch action {
	case "get_info":
		return p.call(ctx, http.MethodGet, "/info", nil)
	case "get_players":
		return p.call(ctx, http.MethodGet, "/players", nil)
	case "get_settings":
		return p.call(ctx, http.MethodGet, "/settings", nil)
	case "get_metrics":
		return p.call(ctx, http.MethodGet, "/metrics", nil)
	case "save_world":
		return p.call(ctx, http.MethodPost, "/save", nil)
	case "force_stop_server":
		return p.call(ctx, http.MethodPost, "/stop", nil)

	case "announce":
		message := stringOr(params, "message", "")
		if message == "" {
			return ActionResult{Success: false, Message: "message is required"}, nil
		}
		return p.call(ctx, http.MethodPost, "/announce", map[string]any{"message": message})

	case "kick_player":
		return p.playerAction(ctx, "/kick", params)
	case "ban_player":
		return p.playerAction(ctx, "/ban", params)
	case "unban_player":
		userid := stringOr(params, "userid", "")
		if userid == "" {
			return ActionResult{Success: false, Message: "userid is required"}, nil
		}
		return p.call(ctx, http.MethodPost, "/unban", map[string]any{"userid": userid})

	case "shutdown_server":
		waittime := intOr(params, "waittime", 60)
		message := stringOr(params, "message", "the server will shut down shortly")
		return p.call(ctx, http.MethodPost, "/shutdown", map[string]any{
			"waittime": waittime,
			"message":  message,
		})

	default:
		return ActionResult{Success: false, Message: fmt.Sprintf("unknown action %q", action)}, nil
	}
}

func (p *palworldPlugin) playerAction(ctx context.Context, endpoint string, params map[string]any) (ActionResult, error) {
	userid := stringOr(params, "userid", "")
	if userid == "" {
		return ActionResult{Success: false, Message: "userid is required"}, nil
	}
	body := map[string]any{"userid": userid}
	if msg := stringOr(params, "message", ""); msg != "" {
		body["message"] = msg
	}
	return p.call(ctx, http.MethodPost, endpoint, body)
}

func (p *palworldPlugin) call(ctx context.Context, method, endpoint string, body map[string]any) (ActionResult, error) {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return ActionResult{Success: false, Message: fmt.Sprintf("encode body: %v", err)}, nil
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+endpoint, reqBody)
	if err != nil {
		return ActionResult{Success: false, Message: fmt.Sprintf("build request: %v", err)}, nil
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if p.password != "" {
		req.SetBasicAuth("admin", p.password)
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
