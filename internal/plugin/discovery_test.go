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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiscoveryLoadExistingBindsManifests(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "server1.toml")
	content := `
program_id = 1
plugin_id = "rest_api"

[config]
base_url = "http://localhost:9999"
`
	require.NoError(t, os.WriteFile(manifestPath, []byte(content), 0o644))

	store := newFakeBindingStore()
	host := NewHost(store, nil)
	d, err := NewDiscovery(dir, host, nil)
	require.NoError(t, err)
	defer d.watcher.Close()

	require.NoError(t, d.LoadExisting(context.Background()))

	_, ok := host.Get(1, "rest_api")
	require.True(t, ok)
}

func TestDiscoverySkipsNonTomlFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0o644))

	store := newFakeBindingStore()
	host := NewHost(store, nil)
	d, err := NewDiscovery(dir, host, nil)
	require.NoError(t, err)
	defer d.watcher.Close()

	require.NoError(t, d.LoadExisting(context.Background()))
	require.Empty(t, host.ListForProgram(1))
}
