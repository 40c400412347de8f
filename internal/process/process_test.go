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

package process

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSplitArgs(t *testing.T) {
	require.Nil(t, splitArgs(""))
	require.Equal(t, []string{"--port", "7777"}, splitArgs("--port 7777"))
}

func TestStartAndStopRealProcess(t *testing.T) {
	sleepPath, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep binary not available")
	}

	a := New(nil)
	pid := a.Start(context.Background(), sleepPath, "30")
	require.NotNil(t, pid)

	running, found := a.FindProcess(sleepPath, *pid)
	require.True(t, running)
	require.Equal(t, *pid, found)

	ok := a.Stop(sleepPath, false)
	require.True(t, ok)

	time.Sleep(100 * time.Millisecond)
	running, _ = a.FindProcess(sleepPath, *pid)
	require.False(t, running)
}

func TestEnumerateRunningFindsSpawnedProcess(t *testing.T) {
	sleepPath, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep binary not available")
	}

	a := New(nil)
	pid := a.Start(context.Background(), sleepPath, "30")
	require.NotNil(t, pid)
	defer a.Stop(sleepPath, true)

	snapshot := a.EnumerateRunning()
	got, ok := snapshot["sleep"]
	require.True(t, ok)
	require.Equal(t, *pid, got)
}

func TestSampleGoneProcessReturnsZero(t *testing.T) {
	a := New(nil)
	cpu, rss := a.Sample(999999)
	require.Equal(t, 0.0, cpu)
	require.Equal(t, 0.0, rss)
}

func TestStopWithNoMatchingProcessIsNotFailure(t *testing.T) {
	a := New(nil)
	ok := a.Stop("/no/such/binary-xyz", false)
	require.True(t, ok)
}
