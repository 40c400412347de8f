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

// Package models defines the data types shared across the supervision
// engine and its supporting components.
package models

import "time"

// EventKind classifies a ProgramEvent.
type EventKind string

const (
	EventStart   EventKind = "start"
	EventStop    EventKind = "stop"
	EventRestart EventKind = "restart"
	EventCrash   EventKind = "crash"
	EventOther   EventKind = "other"
)

// Severity classifies a notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Liveness is the tri-state observed status of a program.
type Liveness int

const (
	LivenessUnknown Liveness = iota
	LivenessRunning
	LivenessStopped
)

// Program is an operator-registered supervisable unit.
type Program struct {
	ID                 int64
	Name               string
	Path               string // normalized to absolute form before persistence
	Args               string
	ChildPID           *int32
	ShutdownStartEpoch *int64
	ShutdownEndEpoch   *int64
	// WebhookURLs is the ordered set of notification destinations
	// (spec.md §3). Populated by Store.ListPrograms and
	// query.Surface.GetProgram; Store.GetProgram leaves it empty.
	WebhookURLs []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ShuttingDown reports whether a graceful-shutdown deadline is active at t.
func (p *Program) ShuttingDown(t time.Time) bool {
	if p.ShutdownEndEpoch == nil {
		return false
	}
	return t.Unix() < *p.ShutdownEndEpoch
}

// ProgramEvent is an append-only history entry for a Program.
type ProgramEvent struct {
	ID        int64
	ProgramID int64
	Kind      EventKind
	Details   string
	Timestamp time.Time
}

// ResourceSample is one periodic (cpu%, rss_mb) observation.
type ResourceSample struct {
	ID          int64
	ProgramID   int64
	CPUPercent  float64
	MemoryMB    float64
	Timestamp   time.Time
}

// WebhookDestination is one notification target for a Program.
// URL is stored encrypted at rest; this struct always carries the
// plaintext form once loaded through the Store.
type WebhookDestination struct {
	ID        int64
	ProgramID int64
	URL       string
	CreatedAt time.Time
}

// ThreadBinding associates a program name and destination URL with a
// remote conversation id, persisted outside the SQL store.
type ThreadBinding struct {
	ProgramName string
	URL         string
	ThreadID    string
}

// PluginBinding is (program id, plugin id) -> config + enabled flag.
type PluginBinding struct {
	ID         int64
	ProgramID  int64
	PluginID   string
	ConfigJSON string
	Enabled    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Status is the tagged record returned by a status poll, replacing the
// original implementation's duck-typed tuple.
type Status struct {
	ProgramID        int64
	Running          bool
	PID              int32
	CPUPercent       float64
	MemoryMB         float64
	UptimeSeconds    int64
	ShuttingDown     bool
	ShutdownRemaining int64
}
