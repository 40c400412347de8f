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

package store

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// ThreadBindingFile persists program_name|destination_url -> remote
// thread id in a small JSON auxiliary file alongside the SQL store, per
// spec.md §6. It is loaded once at startup and rewritten atomically
// whenever a new thread id is learned.
type ThreadBindingFile struct {
	path string

	mu     sync.RWMutex
	bindings map[string]string // key: programName + "\x00" + url
}

// OpenThreadBindingFile loads (or creates) the JSON sidecar at path.
func OpenThreadBindingFile(path string) (*ThreadBindingFile, error) {
	f := &ThreadBindingFile{path: path, bindings: make(map[string]string)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(data, &f.bindings); err != nil {
		return nil, err
	}
	return f, nil
}

func bindingKey(programName, url string) string {
	return programName + "\x00" + url
}

// Get returns the remote thread id for (programName, url), if known.
func (f *ThreadBindingFile) Get(programName, url string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.bindings[bindingKey(programName, url)]
	return v, ok
}

// Save persists a newly-learned thread id and rewrites the file atomically.
func (f *ThreadBindingFile) Save(programName, url, threadID string) error {
	f.mu.Lock()
	f.bindings[bindingKey(programName, url)] = threadID
	snapshot := make(map[string]string, len(f.bindings))
	for k, v := range f.bindings {
		snapshot[k] = v
	}
	f.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(f.path, data, 0o600)
}

// writeAtomic writes content to path via a temp-file-plus-rename so
// concurrent readers never observe a partially-written file.
func writeAtomic(path string, content []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
