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

package supervisor

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"supervisord/internal/models"
)

type fakeStore struct {
	mu       sync.Mutex
	programs []*models.Program
	events   []struct {
		programID int64
		kind      models.EventKind
	}
	childPID       map[int64]int32
	clearedPID     map[int64]bool
	clearedDeadline map[int64]bool
	urls           map[int64][]string
}

func newFakeStore(programs ...*models.Program) *fakeStore {
	return &fakeStore{
		programs:        programs,
		childPID:        map[int64]int32{},
		clearedPID:      map[int64]bool{},
		clearedDeadline: map[int64]bool{},
		urls:            map[int64][]string{},
	}
}

func (f *fakeStore) ListPrograms(context.Context, Encryptor) ([]*models.Program, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.programs, nil
}

func (f *fakeStore) AppendEvent(_ context.Context, programID int64, kind models.EventKind, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, struct {
		programID int64
		kind      models.EventKind
	}{programID, kind})
	return nil
}

func (f *fakeStore) SetChildPID(_ context.Context, programID int64, pid int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.childPID[programID] = pid
	return nil
}

func (f *fakeStore) ClearChildPID(_ context.Context, programID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearedPID[programID] = true
	return nil
}

func (f *fakeStore) ClearGracefulShutdown(_ context.Context, programID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearedDeadline[programID] = true
	return nil
}

func (f *fakeStore) WebhookURLs(_ context.Context, programID int64, enc Encryptor) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := f.urls[programID]
	if enc == nil {
		return stored, nil
	}
	out := make([]string, len(stored))
	for i, u := range stored {
		plain, err := enc.Decrypt(u)
		if err != nil {
			return nil, err
		}
		out[i] = plain
	}
	return out, nil
}

func (f *fakeStore) eventKinds(programID int64) []models.EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.EventKind
	for _, e := range f.events {
		if e.programID == programID {
			out = append(out, e.kind)
		}
	}
	return out
}

type fakeProcess struct {
	mu      sync.Mutex
	running map[string]int32 // path -> pid, absent means not running
}

func (f *fakeProcess) FindProcess(path string, _ int32) (bool, int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pid, ok := f.running[path]
	return ok, pid
}

// EnumerateRunning mimics a single process-table scan keyed by base name,
// matching internal/process.Adapter's real contract.
func (f *fakeProcess) EnumerateRunning() map[string]int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int32, len(f.running))
	for path, pid := range f.running {
		out[strings.ToLower(filepath.Base(path))] = pid
	}
	return out
}

func (f *fakeProcess) Sample(int32) (float64, float64) { return 1.5, 20.0 }

func (f *fakeProcess) setRunning(path string, pid int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running == nil {
		f.running = map[string]int32{}
	}
	f.running[path] = pid
}

func (f *fakeProcess) setStopped(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, path)
}

type fakeMetricSink struct {
	mu   sync.Mutex
	adds int
}

func (f *fakeMetricSink) Add(int64, float64, float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adds++
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []NotifyArgs
}

func (f *fakeNotifier) Notify(n NotifyArgs) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, n)
}

type fakeHooks struct {
	mu                       sync.Mutex
	starts, stops, crashes int
}

func (f *fakeHooks) OnStart(int64, int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
}

func (f *fakeHooks) OnStop(int64, int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeHooks) OnCrash(int64, int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crashes++
}

func TestUnknownToRunningEmitsStartAndSetsPID(t *testing.T) {
	p := &models.Program{ID: 1, Name: "mc", Path: "/bin/mc"}
	store := newFakeStore(p)
	proc := &fakeProcess{}
	proc.setRunning(p.Path, 42)
	sink := &fakeMetricSink{}

	s := New(store, proc, sink, nil, Config{}, nil, nil)
	s.sweep(context.Background())

	require.Equal(t, []models.EventKind{models.EventStart}, store.eventKinds(1))
	require.Equal(t, int32(42), store.childPID[1])
}

func TestRunningToStoppedWithoutIntentionalEmitsCrash(t *testing.T) {
	p := &models.Program{ID: 1, Name: "mc", Path: "/bin/mc"}
	store := newFakeStore(p)
	proc := &fakeProcess{}
	proc.setRunning(p.Path, 42)
	s := New(store, proc, &fakeMetricSink{}, nil, Config{}, nil, nil)

	s.sweep(context.Background())
	proc.setStopped(p.Path)
	s.sweep(context.Background())

	require.Equal(t, []models.EventKind{models.EventStart, models.EventCrash}, store.eventKinds(1))
	require.True(t, store.clearedPID[1])
}

func TestRunningToStoppedWithIntentionalEmitsStop(t *testing.T) {
	p := &models.Program{ID: 1, Name: "mc", Path: "/bin/mc"}
	store := newFakeStore(p)
	proc := &fakeProcess{}
	proc.setRunning(p.Path, 42)
	s := New(store, proc, &fakeMetricSink{}, nil, Config{}, nil, nil)

	s.sweep(context.Background())
	s.MarkIntentional(1)
	proc.setStopped(p.Path)
	s.sweep(context.Background())

	require.Equal(t, []models.EventKind{models.EventStart, models.EventStop}, store.eventKinds(1))
}

func TestRunningWithDifferentPIDUpdatesWithoutEvent(t *testing.T) {
	p := &models.Program{ID: 1, Name: "mc", Path: "/bin/mc"}
	store := newFakeStore(p)
	proc := &fakeProcess{}
	proc.setRunning(p.Path, 42)
	s := New(store, proc, &fakeMetricSink{}, nil, Config{}, nil, nil)

	s.sweep(context.Background())
	proc.setRunning(p.Path, 99)
	s.sweep(context.Background())

	require.Equal(t, []models.EventKind{models.EventStart}, store.eventKinds(1))
	require.Equal(t, int32(99), store.childPID[1])
}

func TestNotifierDispatchedOnlyWhenWebhooksRegistered(t *testing.T) {
	p := &models.Program{ID: 1, Name: "mc", Path: "/bin/mc"}
	store := newFakeStore(p)
	store.urls[1] = []string{"https://example.com/hook"}
	proc := &fakeProcess{}
	proc.setRunning(p.Path, 42)
	notifier := &fakeNotifier{}
	s := New(store, proc, &fakeMetricSink{}, notifier, Config{}, nil, nil)

	s.sweep(context.Background())

	require.Len(t, notifier.notes, 1)
	require.Equal(t, "mc", notifier.notes[0].ProgramName)
}

// fakeEncryptor round-trips by prefix/strip rather than real cryptography,
// just enough to prove the Supervisor threads its Encryptor through to
// Store.WebhookURLs instead of always passing nil.
type fakeEncryptor struct{}

func (fakeEncryptor) Encrypt(plaintext string) (string, error) {
	return "enc:" + plaintext, nil
}

func (fakeEncryptor) Decrypt(encrypted string) (string, error) {
	return strings.TrimPrefix(encrypted, "enc:"), nil
}

func TestNotifierReceivesDecryptedWebhookURLsWhenEncryptorConfigured(t *testing.T) {
	p := &models.Program{ID: 1, Name: "mc", Path: "/bin/mc"}
	store := newFakeStore(p)
	store.urls[1] = []string{"enc:https://example.com/hook"}
	proc := &fakeProcess{}
	proc.setRunning(p.Path, 42)
	notifier := &fakeNotifier{}
	s := New(store, proc, &fakeMetricSink{}, notifier, Config{}, fakeEncryptor{}, nil)

	s.sweep(context.Background())

	require.Len(t, notifier.notes, 1)
	require.Equal(t, []string{"https://example.com/hook"}, notifier.notes[0].URLs)
}

func TestCollectorNeverStacks(t *testing.T) {
	p := &models.Program{ID: 1, Name: "mc", Path: "/bin/mc"}
	store := newFakeStore(p)
	proc := &fakeProcess{}
	proc.setRunning(p.Path, 42)
	sink := &fakeMetricSink{}
	s := New(store, proc, sink, nil, Config{}, nil, nil)

	s.mu.Lock()
	st := s.stateFor(1)
	st.liveness = models.LivenessRunning
	st.pid = 42
	st.collecting = true
	s.mu.Unlock()

	s.sweep(context.Background())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Equal(t, 0, sink.adds)
}

func TestPluginHooksDispatchedOnTransitions(t *testing.T) {
	p := &models.Program{ID: 1, Name: "mc", Path: "/bin/mc"}
	store := newFakeStore(p)
	proc := &fakeProcess{}
	proc.setRunning(p.Path, 42)
	hooks := &fakeHooks{}
	s := New(store, proc, &fakeMetricSink{}, nil, Config{}, nil, nil)
	s.SetHooks(hooks)

	s.sweep(context.Background())
	require.Equal(t, 1, hooks.starts)

	proc.setStopped(p.Path)
	s.sweep(context.Background())
	require.Equal(t, 1, hooks.crashes)
	require.Equal(t, 0, hooks.stops)

	proc.setRunning(p.Path, 43)
	s.sweep(context.Background())
	s.MarkIntentional(1)
	proc.setStopped(p.Path)
	s.sweep(context.Background())
	require.Equal(t, 1, hooks.stops)
}

func TestImmediateSweepRequestIsConsumedOnce(t *testing.T) {
	s := New(newFakeStore(), &fakeProcess{}, &fakeMetricSink{}, nil, Config{CheckInterval: time.Hour}, nil, nil)
	s.RequestImmediateSweep()
	s.RequestImmediateSweep()
	require.Len(t, s.immediateSweep, 1)
}
