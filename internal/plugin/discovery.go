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
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// manifest is an on-disk binding descriptor: one TOML file per
// (program, plugin) pair, dropped into the watched directory by an
// operator or a provisioning script.
type manifest struct {
	ProgramID int64          `toml:"program_id"`
	PluginID  string         `toml:"plugin_id"`
	Config    map[string]any `toml:"config"`
}

// Discovery watches a directory of manifest files and binds/unbinds
// plug-ins on the Host as files appear, change, or disappear.
type Discovery struct {
	dir     string
	host    *Host
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	// path -> (program_id, plugin_id) for files we've successfully bound,
	// so a Remove event knows what to unbind.
	bound map[string][2]string
}

// NewDiscovery constructs a Discovery watching dir. The directory is
// created if it does not already exist.
func NewDiscovery(dir string, host *Host, logger *slog.Logger) (*Discovery, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	return &Discovery{
		dir:     dir,
		host:    host,
		logger:  logger,
		watcher: watcher,
		bound:   make(map[string][2]string),
	}, nil
}

// LoadExisting binds every manifest already present in the directory.
// Call once at startup after Host.LoadAll, so manifest-driven bindings
// layer on top of Store-persisted ones.
func (d *Discovery) LoadExisting(ctx context.Context) error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		d.handleManifest(ctx, filepath.Join(d.dir, e.Name()))
	}
	return nil
}

// Run watches for manifest file changes until ctx is cancelled.
func (d *Discovery) Run(ctx context.Context) {
	defer d.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".toml") {
				continue
			}
			switch {
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				d.handleRemove(ctx, ev.Name)
			case ev.Has(fsnotify.Write), ev.Has(fsnotify.Create):
				d.handleManifest(ctx, ev.Name)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("plugin discovery watch error", "error", err)
		}
	}
}

func (d *Discovery) handleManifest(ctx context.Context, path string) {
	var m manifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		d.logger.Warn("plugin discovery: invalid manifest", "path", path, "error", err)
		return
	}
	if m.PluginID == "" || m.ProgramID == 0 {
		d.logger.Warn("plugin discovery: manifest missing program_id/plugin_id", "path", path)
		return
	}
	if err := d.host.Bind(ctx, m.ProgramID, m.PluginID, m.Config); err != nil {
		d.logger.Warn("plugin discovery: bind failed", "path", path, "plugin_id", m.PluginID, "error", err)
		return
	}
	d.bound[path] = [2]string{strconv.FormatInt(m.ProgramID, 10), m.PluginID}
}

func (d *Discovery) handleRemove(ctx context.Context, path string) {
	ids, ok := d.bound[path]
	if !ok {
		return
	}
	delete(d.bound, path)
	programID, err := strconv.ParseInt(ids[0], 10, 64)
	if err != nil {
		return
	}
	if err := d.host.Unbind(ctx, programID, ids[1]); err != nil {
		d.logger.Warn("plugin discovery: unbind failed", "path", path, "error", err)
	}
}
