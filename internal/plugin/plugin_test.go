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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"supervisord/internal/models"
)

type fakeBindingStore struct {
	mu       sync.Mutex
	bindings map[string]*models.PluginBinding
}

func newFakeBindingStore() *fakeBindingStore {
	return &fakeBindingStore{bindings: map[string]*models.PluginBinding{}}
}

func (f *fakeBindingStore) key(programID int64, pluginID string) string {
	return pluginID + ":" + string(rune(programID))
}

func (f *fakeBindingStore) ListAllEnabledBindings(context.Context) ([]*models.PluginBinding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.PluginBinding
	for _, b := range f.bindings {
		if b.Enabled {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeBindingStore) UpsertPluginBinding(_ context.Context, b *models.PluginBinding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings[f.key(b.ProgramID, b.PluginID)] = b
	return nil
}

func (f *fakeBindingStore) DeletePluginBinding(_ context.Context, programID int64, pluginID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.bindings, f.key(programID, pluginID))
	return nil
}

func TestRestAPIPluginValidateRequiresBaseURL(t *testing.T) {
	p, err := newRestAPIPlugin(1, map[string]any{}, nil)
	require.NoError(t, err)
	require.Error(t, p.Validate(map[string]any{}))
	require.NoError(t, p.Validate(map[string]any{"base_url": "http://localhost:8080"}))
}

func TestRestAPIPluginExecuteCallsConfiguredEndpoint(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	p, err := newRestAPIPlugin(1, map[string]any{"base_url": srv.URL}, nil)
	require.NoError(t, err)

	res, err := p.Execute(context.Background(), "call", map[string]any{"method": "GET", "path": "/status"})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "/status", gotPath)
}

func TestPalworldPluginValidateRequiresPassword(t *testing.T) {
	p, err := newPalworldPlugin(1, map[string]any{}, nil)
	require.NoError(t, err)
	require.Error(t, p.Validate(map[string]any{}))
	require.NoError(t, p.Validate(map[string]any{"password": "secret"}))
}

func TestPalworldPluginAnnounceRequiresMessage(t *testing.T) {
	p, err := newPalworldPlugin(1, map[string]any{"password": "secret"}, nil)
	require.NoError(t, err)
	res, err := p.Execute(context.Background(), "announce", map[string]any{})
	require.NoError(t, err)
	require.False(t, res.Success)
}

func TestHostBindAndInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	store := newFakeBindingStore()
	host := NewHost(store, nil)

	err := host.Bind(context.Background(), 1, "rest_api", map[string]any{"base_url": srv.URL})
	require.NoError(t, err)

	_, ok := host.Get(1, "rest_api")
	require.True(t, ok)

	res, err := host.Invoke(context.Background(), 1, "rest_api", "call", map[string]any{"method": "GET", "path": "/x"})
	require.NoError(t, err)
	require.True(t, res.Success)

	require.NoError(t, host.Unbind(context.Background(), 1, "rest_api"))
	_, ok = host.Get(1, "rest_api")
	require.False(t, ok)
}

func TestRestAPIPluginFiresLifecycleHookWhenEnabled(t *testing.T) {
	var mu sync.Mutex
	var gotPath string
	var gotBody map[string]any
	done := make(chan struct{}, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		done <- struct{}{}
	}))
	defer srv.Close()

	plugin, err := newRestAPIPlugin(7, map[string]any{
		"base_url":          srv.URL,
		"on_start_enabled":  true,
		"on_start_endpoint": "/hooks/start",
	}, nil)
	require.NoError(t, err)

	plugin.OnStart(99)
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "/hooks/start", gotPath)
	require.EqualValues(t, 7, gotBody["program_id"])
	require.EqualValues(t, 99, gotBody["pid"])
	require.Equal(t, "start", gotBody["event"])
}

func TestRestAPIPluginSkipsLifecycleHookWhenDisabled(t *testing.T) {
	called := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	plugin, err := newRestAPIPlugin(7, map[string]any{"base_url": srv.URL}, nil)
	require.NoError(t, err)

	plugin.OnStop(99)

	select {
	case <-called:
		t.Fatal("on_stop_enabled defaults to false; no request should have been sent")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBuildUnknownPluginErrors(t *testing.T) {
	_, err := Build("does-not-exist", 1, nil, nil)
	require.Error(t, err)
}
