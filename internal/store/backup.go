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
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// ArchiveNow gzip-compresses the SQLite file at dbPath and the thread
// binding sidecar at threadsPath into DATA_DIR/backups, named with an
// ISO-like timestamp, implementing the admin "trigger data archiving"
// operation (spec.md §4.10, §6).
func ArchiveNow(dataDir, dbPath, threadsPath string) (dbBackup, threadsBackup string, err error) {
	backupDir := filepath.Join(dataDir, "backups")
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create backup dir: %w", err)
	}

	stamp := time.Now().UTC().Format("20060102T150405Z")

	dbBackup = filepath.Join(backupDir, fmt.Sprintf("store-%s.db.gz", stamp))
	if err := gzipFile(dbPath, dbBackup); err != nil {
		return "", "", fmt.Errorf("archive store: %w", err)
	}

	threadsBackup = filepath.Join(backupDir, fmt.Sprintf("threads-%s.json.gz", stamp))
	if _, statErr := os.Stat(threadsPath); statErr == nil {
		if err := gzipFile(threadsPath, threadsBackup); err != nil {
			return dbBackup, "", fmt.Errorf("archive thread bindings: %w", err)
		}
	} else {
		threadsBackup = ""
	}

	return dbBackup, threadsBackup, nil
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := out.Name()
	defer func() {
		_ = out.Close()
		_ = os.Remove(tmpName)
	}()

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dst)
}
