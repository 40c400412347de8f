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

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInvalidateByTagRemovesOnlyTaggedKeys(t *testing.T) {
	c := New(time.Minute)
	c.Set("programs:list", []int{1, 2, 3}, "programs", "program:5")
	c.Set("programs:7:status", "ok", "program:7")

	n := c.InvalidateByTag("program:5")
	require.Equal(t, 1, n)

	_, ok := c.Get("programs:list")
	require.False(t, ok)

	v, ok := c.Get("programs:7:status")
	require.True(t, ok)
	require.Equal(t, "ok", v)
}

func TestTagIndexConsistentAfterDelete(t *testing.T) {
	c := New(time.Minute)
	c.Set("a", 1, "shared")
	c.Set("b", 2, "shared")

	c.Delete("a")
	n := c.InvalidateByTag("shared")
	require.Equal(t, 1, n, "only b should remain tagged shared")

	stats := c.GetStats()
	require.Equal(t, 0, stats.TagCount)
}

func TestLazyExpiryOnGet(t *testing.T) {
	c := New(10 * time.Millisecond)
	c.Set("k", "v")
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("k")
	require.False(t, ok)

	stats := c.GetStats()
	require.Equal(t, 0, stats.Size)
}

func TestInvalidateMultipleTags(t *testing.T) {
	c := New(time.Minute)
	c.Set("a", 1, "x")
	c.Set("b", 2, "y")
	c.Set("c", 3, "z")

	n := c.InvalidateMultipleTags([]string{"x", "y"})
	require.Equal(t, 2, n)

	_, ok := c.Get("c")
	require.True(t, ok)
}

func TestHitRate(t *testing.T) {
	c := New(time.Minute)
	c.Set("k", "v")
	c.Get("k")
	c.Get("missing")

	stats := c.GetStats()
	require.Equal(t, int64(1), stats.Hits)
	require.Equal(t, int64(1), stats.Misses)
	require.InDelta(t, 0.5, stats.HitRate(), 0.001)
}
