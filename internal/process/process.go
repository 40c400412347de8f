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

// Package process implements the OS-level Process Adapter (C4): process
// enumeration, start/stop/kill, and CPU/RSS sampling. Every method maps
// permission/gone/zombie conditions to a benign return value rather than
// raising, so a single hostile process never interrupts the supervisor.
package process

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	gopsproc "github.com/shirou/gopsutil/v3/process"
)

const (
	settleWindow  = 500 * time.Millisecond
	politeTimeout = 3 * time.Second
)

// Adapter enumerates and controls OS processes.
type Adapter struct {
	logger *slog.Logger
}

// New constructs an Adapter.
func New(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{logger: logger}
}

// FindProcess double-checks a hinted pid's liveness and identity before
// falling back to a name scan, per spec.md §4.4. Never returns an error;
// access-denied and gone processes map to (false, 0).
func (a *Adapter) FindProcess(path string, hintPID int32) (running bool, pid int32) {
	expectedBase := strings.ToLower(filepath.Base(path))

	if hintPID > 0 {
		if p, err := gopsproc.NewProcess(hintPID); err == nil {
			if alive, _ := p.IsRunning(); alive {
				if name, err := p.Name(); err == nil && strings.ToLower(name) == expectedBase {
					return true, hintPID
				}
				if exe, err := p.Exe(); err == nil && strings.ToLower(filepath.Base(exe)) == expectedBase {
					return true, hintPID
				}
				// pid reused by an unrelated process; fall through to name scan
			}
		}
	}

	running, found := a.findByName(expectedBase)
	return running, found
}

func (a *Adapter) findByName(expectedBase string) (bool, int32) {
	procs, err := gopsproc.Processes()
	if err != nil {
		a.logger.Warn("process enumeration failed", "error", err)
		return false, 0
	}
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue
		}
		if strings.ToLower(name) == expectedBase {
			return true, p.Pid
		}
		if exe, err := p.Exe(); err == nil && strings.ToLower(filepath.Base(exe)) == expectedBase {
			return true, p.Pid
		}
	}
	return false, 0
}

// EnumerateRunning performs a single process-table scan and returns a
// base-name -> pid map, so the supervisor does one enumeration per sweep
// instead of one per program.
func (a *Adapter) EnumerateRunning() map[string]int32 {
	out := make(map[string]int32)
	procs, err := gopsproc.Processes()
	if err != nil {
		a.logger.Warn("enumerate_running failed", "error", err)
		return out
	}
	for _, p := range procs {
		name, err := p.Name()
		if err != nil || name == "" {
			continue
		}
		out[strings.ToLower(name)] = p.Pid
	}
	return out
}

// Start spawns path with args detached in its own process group, then
// waits up to the settle window for the process to appear, returning its
// pid or nil if it never showed up alive.
func (a *Adapter) Start(ctx context.Context, path, args string) *int32 {
	cmd := exec.Command(path, splitArgs(args)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = nil
	cmd.Stdin = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		a.logger.Warn("process start failed", "path", path, "error", err)
		return nil
	}
	// Detach: we do not want a zombie from failing to Wait(), but we also
	// must reap eventually. Reap in the background.
	go func() { _ = cmd.Wait() }()

	pid := int32(cmd.Process.Pid)

	deadline := time.Now().Add(settleWindow)
	for time.Now().Before(deadline) {
		if running, _ := a.FindProcess(path, pid); running {
			return &pid
		}
		time.Sleep(25 * time.Millisecond)
	}
	// It was spawned but has already exited or never came up as itself
	// within the settle window; the next sweep discovers the truth via
	// FindProcess.
	return nil
}

func splitArgs(args string) []string {
	args = strings.TrimSpace(args)
	if args == "" {
		return nil
	}
	return strings.Fields(args)
}

// Stop locates every process matching path's basename, walks the child
// tree, and terminates children before the parent. The polite phase
// waits up to 3s per process before escalating to a forced kill of the
// remaining subtree. force=true skips straight to the kill phase.
func (a *Adapter) Stop(path string, force bool) bool {
	expectedBase := strings.ToLower(filepath.Base(path))

	procs, err := gopsproc.Processes()
	if err != nil {
		a.logger.Warn("stop: enumeration failed", "error", err)
		return false
	}

	var targets []*gopsproc.Process
	for _, p := range procs {
		if name, err := p.Name(); err == nil && strings.ToLower(name) == expectedBase {
			targets = append(targets, p)
		}
	}
	if len(targets) == 0 {
		return true // nothing to stop is not a failure
	}

	var allChildren []*gopsproc.Process
	for _, t := range targets {
		children, err := t.Children()
		if err == nil {
			allChildren = append(allChildren, children...)
		}
	}

	ok := true
	if !force {
		a.terminatePolite(allChildren)
		a.terminatePolite(targets)
	}
	a.killRemaining(append(allChildren, targets...))
	return ok
}

func (a *Adapter) terminatePolite(procs []*gopsproc.Process) {
	var wg sync.WaitGroup
	for _, p := range procs {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.SendSignal(syscall.SIGTERM); err != nil {
				return
			}
			deadline := time.Now().Add(politeTimeout)
			for time.Now().Before(deadline) {
				if alive, _ := p.IsRunning(); !alive {
					return
				}
				time.Sleep(50 * time.Millisecond)
			}
		}()
	}
	wg.Wait()
}

func (a *Adapter) killRemaining(procs []*gopsproc.Process) {
	for _, p := range procs {
		if alive, _ := p.IsRunning(); alive {
			if err := p.SendSignal(syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
				a.logger.Warn("forced kill failed", "pid", p.Pid, "error", err)
			}
		}
	}
}

// Uptime returns how long pid has been running, or 0 if it is gone or its
// creation time can't be read. Never returns an error.
func (a *Adapter) Uptime(pid int32) time.Duration {
	p, err := gopsproc.NewProcess(pid)
	if err != nil {
		return 0
	}
	createdMs, err := p.CreateTime()
	if err != nil {
		return 0
	}
	return time.Since(time.UnixMilli(createdMs))
}

// Sample returns (cpu%, rss_mb) for pid, or (0,0) if the process is gone.
// Never returns an error.
func (a *Adapter) Sample(pid int32) (cpuPercent, rssMB float64) {
	p, err := gopsproc.NewProcess(pid)
	if err != nil {
		return 0, 0
	}
	cpu, err := p.CPUPercent()
	if err != nil {
		cpu = 0
	}
	mem, err := p.MemoryInfo()
	rss := 0.0
	if err == nil && mem != nil {
		rss = float64(mem.RSS) / (1024 * 1024)
	}
	return cpu, rss
}
