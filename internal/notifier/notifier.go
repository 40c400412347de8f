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

// Package notifier implements the asynchronous multi-destination webhook
// dispatcher (C7). Each destination is fanned out to its own worker; a
// slow destination never delays the others, and failures are logged and
// dropped rather than retried (spec.md §4.7, §7 — no durable retry queue
// for notifications of failures themselves).
package notifier

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

	"github.com/google/uuid"

	"supervisord/internal/metrics"
	"supervisord/internal/models"
	"supervisord/pkg/crypto"
)

const requestTimeout = 5 * time.Second

// ThreadBindings is the subset of store.ThreadBindingFile the notifier needs.
type ThreadBindings interface {
	Get(programName, url string) (string, bool)
	Save(programName, url, threadID string) error
}

// Notification is one logical event to dispatch to N destinations.
type Notification struct {
	ProgramName string
	Kind        models.EventKind
	Details     string
	Severity    models.Severity
	URLs        []string
}

// Notifier fans a Notification out to each destination on its own worker.
type Notifier struct {
	client   *http.Client
	bindings ThreadBindings
	logger   *slog.Logger
}

// New constructs a Notifier.
func New(bindings ThreadBindings, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		client:   &http.Client{Timeout: requestTimeout},
		bindings: bindings,
		logger:   logger,
	}
}

// Notify submits n for asynchronous fan-out and returns immediately.
// The caller is never blocked on delivery.
func (n *Notifier) Notify(n2 Notification) {
	for _, url := range n2.URLs {
		url := url
		go n.dispatch(context.Background(), n2, url)
	}
}

func (n *Notifier) dispatch(ctx context.Context, note Notification, url string) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	correlationID := uuid.NewString()
	vendor := "generic"
	ok := true
	var err error
	if isDiscordWebhook(url) {
		vendor = "discord"
		err = n.sendVendorShaped(ctx, note, url)
	} else {
		err = n.sendGeneric(ctx, note, url)
	}
	if err != nil {
		ok = false
		n.logger.Warn("notifier dispatch failed", "correlation_id", correlationID, "url", crypto.RedactWebhookURL(url), "error", err)
	}
	metrics.ObserveNotifyDispatch(vendor, ok)
}

func isDiscordWebhook(url string) bool {
	return strings.Contains(strings.ToLower(url), "discord.com")
}

func (n *Notifier) sendGeneric(ctx context.Context, note Notification, url string) error {
	payload := map[string]any{
		"program_name": note.ProgramName,
		"event_type":   string(note.Kind),
		"status":       string(note.Kind),
		"details":      note.Details,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"message":      fmt.Sprintf("%s: %s", note.ProgramName, note.Details),
	}
	return n.postJSON(ctx, url, payload)
}

// severityColor maps spec.md's severity enum onto the original's Discord
// embed RGB palette, collapsing its five event-kind colours onto four
// severities (crash and generic error share the error/red treatment).
var severityColor = map[models.Severity]int{
	models.SeverityInfo:    3447003,  // blue
	models.SeveritySuccess: 3066993,  // green
	models.SeverityWarning: 15844367, // orange
	models.SeverityError:   15158332, // red
}

func (n *Notifier) sendVendorShaped(ctx context.Context, note Notification, url string) error {
	threadID, hasThread := n.bindings.Get(note.ProgramName, url)

	embed := map[string]any{
		"title":       fmt.Sprintf("%s: %s", note.ProgramName, note.Kind),
		"description": note.Details,
		"color":       severityColor[note.Severity],
		"fields": []map[string]any{
			{"name": "Details", "value": orDefault(note.Details, "-"), "inline": false},
			{"name": "Timestamp", "value": time.Now().UTC().Format(time.RFC3339), "inline": true},
			{"name": "Severity", "value": string(note.Severity), "inline": true},
		},
		"footer":    map[string]any{"text": "supervisord"},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	payload := map[string]any{
		"content": fmt.Sprintf("**%s** %s", note.ProgramName, note.Kind),
		"embeds":  []any{embed},
	}

	target := url
	if hasThread {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		target = url + sep + "thread_id=" + threadID
	} else {
		payload["thread_name"] = note.ProgramName
	}

	resp, err := n.doPost(ctx, target, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if !hasThread {
		if id, ok := extractThreadID(resp); ok {
			if err := n.bindings.Save(note.ProgramName, url, id); err != nil {
				n.logger.Warn("failed to persist thread binding", "program", note.ProgramName, "error", err)
			}
		}
	}
	return nil
}

// extractThreadID tries three known response shapes a vendor webhook may
// use to convey the newly created thread id; a 204 body-less response
// skips extraction entirely.
func extractThreadID(resp *http.Response) (string, bool) {
	if resp.StatusCode == http.StatusNoContent {
		return "", false
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil || len(body) == 0 {
		return "", false
	}

	var shape1 struct {
		ChannelID string `json:"channel_id"`
	}
	if json.Unmarshal(body, &shape1) == nil && shape1.ChannelID != "" {
		return shape1.ChannelID, true
	}

	var shape2 struct {
		Thread struct {
			ID string `json:"id"`
		} `json:"thread"`
	}
	if json.Unmarshal(body, &shape2) == nil && shape2.Thread.ID != "" {
		return shape2.Thread.ID, true
	}

	var shape3 struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(body, &shape3) == nil && shape3.ID != "" {
		return shape3.ID, true
	}

	return "", false
}

func (n *Notifier) postJSON(ctx context.Context, url string, payload any) error {
	resp, err := n.doPost(ctx, url, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) doPost(ctx context.Context, url string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return resp, nil
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

// Test posts a canonical payload synchronously and returns (ok, status text).
func (n *Notifier) Test(url string) (bool, string) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	note := Notification{
		ProgramName: "test",
		Kind:        models.EventKind("test"),
		Details:     "connectivity test",
		Severity:    models.SeverityInfo,
	}

	var err error
	if isDiscordWebhook(url) {
		err = n.sendVendorShaped(ctx, note, url)
	} else {
		err = n.sendGeneric(ctx, note, url)
	}
	if err != nil {
		return false, err.Error()
	}
	return true, "ok"
}
