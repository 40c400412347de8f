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

package notifier

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"supervisord/internal/models"
)

type fakeBindings struct {
	mu    sync.Mutex
	store map[string]string
}

func newFakeBindings() *fakeBindings {
	return &fakeBindings{store: map[string]string{}}
}

func (f *fakeBindings) key(programName, url string) string {
	return programName + "\x00" + url
}

func (f *fakeBindings) Get(programName, url string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.store[f.key(programName, url)]
	return v, ok
}

func (f *fakeBindings) Save(programName, url, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store[f.key(programName, url)] = threadID
	return nil
}

func TestGenericWebhookSendsJSONPayload(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(newFakeBindings(), nil)
	n.Notify(Notification{
		ProgramName: "minecraft",
		Kind:        models.EventCrash,
		Details:     "exit code 1",
		Severity:    models.SeverityError,
		URLs:        []string{srv.URL},
	})

	require.Eventually(t, func() bool { return received != nil }, time.Second, 5*time.Millisecond)
	require.Equal(t, "minecraft", received["program_name"])
}

func TestVendorShapedSendsThreadNameOnFirstDispatchThenThreadID(t *testing.T) {
	var mu sync.Mutex
	var urls []string
	var bodies []map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var parsed map[string]any
		_ = json.Unmarshal(body, &parsed)

		mu.Lock()
		urls = append(urls, r.URL.String())
		bodies = append(bodies, parsed)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"channel_id":"thread-123"}`))
	}))
	defer srv.Close()

	bindings := newFakeBindings()
	n := New(bindings, nil)
	n.client = srv.Client()

	webhookURL := srv.URL + "/discord.com/webhook"

	n.Notify(Notification{
		ProgramName: "palworld",
		Kind:        models.EventStart,
		Details:     "server up",
		Severity:    models.SeverityInfo,
		URLs:        []string{webhookURL},
	})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bodies) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	require.Contains(t, bodies[0], "thread_name")
	mu.Unlock()

	threadID, ok := bindings.Get("palworld", webhookURL)
	require.True(t, ok)
	require.Equal(t, "thread-123", threadID)

	n.Notify(Notification{
		ProgramName: "palworld",
		Kind:        models.EventStop,
		Details:     "server down",
		Severity:    models.SeverityWarning,
		URLs:        []string{webhookURL},
	})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(urls) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	require.Contains(t, urls[1], "thread_id=thread-123")
	mu.Unlock()
}

func TestIsDiscordWebhook(t *testing.T) {
	require.True(t, isDiscordWebhook("https://discord.com/api/webhooks/1/abc"))
	require.False(t, isDiscordWebhook("https://example.com/hooks/1"))
}

func TestTestSucceedsAgainstReachableEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(newFakeBindings(), nil)
	ok, msg := n.Test(srv.URL)
	require.True(t, ok)
	require.Equal(t, "ok", msg)
}

func TestTestFailsAgainstUnreachableEndpoint(t *testing.T) {
	n := New(newFakeBindings(), nil)
	ok, msg := n.Test("http://127.0.0.1:1")
	require.False(t, ok)
	require.NotEmpty(t, msg)
}
