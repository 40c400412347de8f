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

package query

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"supervisord/internal/cache"
	"supervisord/internal/models"
	"supervisord/internal/plugin"
	"supervisord/internal/process"
	"supervisord/internal/store"
	"supervisord/internal/supervisor"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newTestSurface builds a Surface whose Supervisor is never Run, so
// MarkIntentional/RequestImmediateSweep are exercised without a live sweep
// loop, and whose Plug-in Host is backed by a real store.Store (satisfying
// plugin.BindingStore) rather than a stub.
func newTestSurface(t *testing.T) (*Surface, *store.Store) {
	t.Helper()
	st := openTestStore(t)
	proc := process.New(nil)
	sup := supervisor.New(nil, nil, nil, nil, supervisor.Config{}, nil, nil)
	host := plugin.NewHost(st, nil)
	c := cache.New(300 * time.Second)
	return New(st, proc, sup, host, c, nil, nil), st
}

func TestListProgramsCachedUntilMutation(t *testing.T) {
	q, st := newTestSurface(t)
	ctx := context.Background()

	_, err := q.CreateProgram(ctx, "server-a", "/opt/games/server-a", "",
		[]string{"https://example.com/hook"})
	require.NoError(t, err)

	first, err := q.ListPrograms(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Equal(t, []string{"https://example.com/hook"}, first[0].WebhookURLs)

	// Insert directly through the store, bypassing the cache-invalidating
	// Surface method, so a stale cache entry would otherwise be returned.
	require.NoError(t, st.UpsertProgram(ctx, &models.Program{Name: "server-b", Path: "/opt/games/server-b"}))

	cached, err := q.ListPrograms(ctx)
	require.NoError(t, err)
	require.Len(t, cached, 1, "ListPrograms should still be served from cache")

	_, err = q.CreateProgram(ctx, "server-c", "/opt/games/server-c", "", nil)
	require.NoError(t, err)

	refreshed, err := q.ListPrograms(ctx)
	require.NoError(t, err)
	require.Len(t, refreshed, 3, "CreateProgram must invalidate the list cache")
}

func TestCreateProgramNormalizesPathAndStoresDestinations(t *testing.T) {
	q, _ := newTestSurface(t)
	ctx := context.Background()

	p, err := q.CreateProgram(ctx, "server-a", "relative/path", "--port 7777", []string{"https://example.com/hook"})
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(p.Path))

	urls, err := q.store.WebhookURLs(ctx, p.ID, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/hook"}, urls)
}

func TestGetProgramIncludesWebhookURLs(t *testing.T) {
	q, _ := newTestSurface(t)
	ctx := context.Background()

	created, err := q.CreateProgram(ctx, "server-a", "/opt/games/server-a", "",
		[]string{"https://discord.com/api/webhooks/x", "https://example.com/hook"})
	require.NoError(t, err)

	got, err := q.GetProgram(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"https://discord.com/api/webhooks/x", "https://example.com/hook"}, got.WebhookURLs)
}

func TestStatusCachedForTwoSeconds(t *testing.T) {
	q, st := newTestSurface(t)
	ctx := context.Background()

	p := &models.Program{Name: "server-a", Path: "/no/such/binary-xyz"}
	require.NoError(t, st.UpsertProgram(ctx, p))

	s1, err := q.Status(ctx, p.ID)
	require.NoError(t, err)
	require.False(t, s1.Running)

	// Overwrite the cache entry directly to prove a second Status call
	// within the TTL window returns the cached value rather than recomputing.
	q.cache.SetTTL(statusCacheKey(p.ID), models.Status{ProgramID: p.ID, Running: true, PID: 42}, statusCacheTTL, tagPrograms, programTag(p.ID))

	s2, err := q.Status(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, s2.Running)
	require.Equal(t, int32(42), s2.PID)
}

func TestStatusBypassesCacheWhileShuttingDown(t *testing.T) {
	q, st := newTestSurface(t)
	ctx := context.Background()

	p := &models.Program{Name: "server-a", Path: "/no/such/binary-xyz"}
	require.NoError(t, st.UpsertProgram(ctx, p))
	require.NoError(t, st.SetGracefulShutdown(ctx, p.ID, 30))

	// Seed a stale cache entry that would otherwise be returned; Status
	// must ignore it entirely while a shutdown deadline is active.
	q.cache.SetTTL(statusCacheKey(p.ID), models.Status{ProgramID: p.ID, Running: false}, statusCacheTTL, tagPrograms, programTag(p.ID))

	s, err := q.Status(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, s.Running)
	require.True(t, s.ShuttingDown)
	require.Greater(t, s.ShutdownRemaining, int64(0))
}

func TestStopWithoutPolitePluginFallsBackToForcedKill(t *testing.T) {
	q, st := newTestSurface(t)
	ctx := context.Background()

	p := &models.Program{Name: "server-a", Path: "/no/such/binary-xyz"}
	require.NoError(t, st.UpsertProgram(ctx, p))

	// No plug-in is bound, so tryPoliteShutdown must report false and Stop
	// must fall through to the Process Adapter without error.
	require.NoError(t, q.Stop(ctx, p.ID, false))

	got, err := st.GetProgram(ctx, p.ID)
	require.NoError(t, err)
	require.Nil(t, got.ShutdownEndEpoch, "no graceful-shutdown deadline should be recorded without a polite-shutdown plug-in")
}

func TestGetSamplesCachedByProgramAndWindow(t *testing.T) {
	q, st := newTestSurface(t)
	ctx := context.Background()

	p := &models.Program{Name: "server-a", Path: "/opt/games/server-a"}
	require.NoError(t, st.UpsertProgram(ctx, p))
	require.NoError(t, st.InsertSamplesBatch(ctx, []models.ResourceSample{
		{ProgramID: p.ID, CPUPercent: 12.5, MemoryMB: 256, Timestamp: time.Now()},
	}))

	rows, err := q.GetSamples(ctx, p.ID, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// A second insert inside the same time window must not show up until the
	// cache entry is invalidated or expires, proving the read was cached.
	require.NoError(t, st.InsertSamplesBatch(ctx, []models.ResourceSample{
		{ProgramID: p.ID, CPUPercent: 99, MemoryMB: 999, Timestamp: time.Now()},
	}))

	cached, err := q.GetSamples(ctx, p.ID, 1)
	require.NoError(t, err)
	require.Len(t, cached, 1, "GetSamples should be served from cache within the TTL window")
}

func TestDeleteProgramUnbindsPlugins(t *testing.T) {
	q, st := newTestSurface(t)
	ctx := context.Background()

	p := &models.Program{Name: "server-a", Path: "/opt/games/server-a"}
	require.NoError(t, st.UpsertProgram(ctx, p))
	require.NoError(t, q.host.Bind(ctx, p.ID, "rest_api", map[string]any{"base_url": "http://127.0.0.1:1"}))

	require.NoError(t, q.DeleteProgram(ctx, p.ID))

	_, err := st.GetProgram(ctx, p.ID)
	require.Error(t, err, "deleted program must no longer be retrievable")
	_, bound := q.host.Get(p.ID, "rest_api")
	require.False(t, bound, "deleting a program must unbind its live plug-in instances")
}

func TestPurgeRetentionPurgesOldSamples(t *testing.T) {
	q, st := newTestSurface(t)
	ctx := context.Background()

	p := &models.Program{Name: "server-a", Path: "/opt/games/server-a"}
	require.NoError(t, st.UpsertProgram(ctx, p))
	require.NoError(t, st.AppendEvent(ctx, p.ID, models.EventStart, "pid=1"))
	require.NoError(t, st.InsertSamplesBatch(ctx, []models.ResourceSample{
		{ProgramID: p.ID, CPUPercent: 1, MemoryMB: 1, Timestamp: time.Now().Add(-200 * 24 * time.Hour)},
	}))

	require.NoError(t, q.PurgeRetention(ctx, 30, 90))

	rows, err := st.ListSamples(ctx, p.ID, time.Now().Add(-365*24*time.Hour))
	require.NoError(t, err)
	require.Empty(t, rows, "samples older than the retention window should be purged")
}
