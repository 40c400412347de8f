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

package memctl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeEvictor struct {
	clears       int
	evictedCalls []time.Duration
}

func (f *fakeEvictor) Clear() { f.clears++ }
func (f *fakeEvictor) EvictOlderThan(age time.Duration) int {
	f.evictedCalls = append(f.evictedCalls, age)
	return 3
}

func TestTickCriticalClearsWithCoolDown(t *testing.T) {
	ev := &fakeEvictor{}
	pct := 95.0
	c := New(ev, Config{CoolDown: 50 * time.Millisecond}, nil, func() (float64, error) { return pct, nil })

	c.tick()
	require.Equal(t, 1, ev.clears)
	require.Equal(t, LevelCritical, c.Level())

	// second tick within cool-down window: no additional clear
	c.tick()
	require.Equal(t, 1, ev.clears)

	time.Sleep(60 * time.Millisecond)
	c.tick()
	require.Equal(t, 2, ev.clears)
}

func TestTickWarningEvictsAged(t *testing.T) {
	ev := &fakeEvictor{}
	c := New(ev, Config{}, nil, func() (float64, error) { return 85, nil })

	c.tick()
	require.Equal(t, LevelWarning, c.Level())
	require.Len(t, ev.evictedCalls, 1)
	require.Equal(t, 0, ev.clears)
}

func TestTickNormalTakesNoAction(t *testing.T) {
	ev := &fakeEvictor{}
	c := New(ev, Config{}, nil, func() (float64, error) { return 40, nil })

	c.tick()
	require.Equal(t, LevelNormal, c.Level())
	require.Equal(t, 0, ev.clears)
	require.Empty(t, ev.evictedCalls)
}
