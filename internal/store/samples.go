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
	"context"
	"database/sql"
	"time"

	"supervisord/internal/models"
)

// InsertSamplesBatch performs one batched insert of resource samples.
// The row count inserted always equals len(rows), satisfying spec.md's
// testable property that |after| - |before| == len(rows).
func (s *Store) InsertSamplesBatch(ctx context.Context, rows []models.ResourceSample) error {
	if len(rows) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO resource_usage(program_id, cpu_percent, memory_mb, ts) VALUES(?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range rows {
			ts := r.Timestamp
			if ts.IsZero() {
				ts = time.Now().UTC()
			}
			if _, err := stmt.ExecContext(ctx, r.ProgramID, r.CPUPercent, r.MemoryMB, ts); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListSamples returns samples for a program since the given time,
// oldest first.
func (s *Store) ListSamples(ctx context.Context, programID int64, since time.Time) ([]*models.ResourceSample, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, program_id, cpu_percent, memory_mb, ts
FROM resource_usage WHERE program_id=? AND ts >= ? ORDER BY ts ASC`, programID, since)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []*models.ResourceSample
	for rows.Next() {
		var r models.ResourceSample
		if err := rows.Scan(&r.ID, &r.ProgramID, &r.CPUPercent, &r.MemoryMB, &r.Timestamp); err != nil {
			return nil, translateErr(err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// StreamSamples pages through samples for a program since a given time in
// batchSize chunks, invoking fn for each page. Paging stops early if fn
// returns an error.
func (s *Store) StreamSamples(ctx context.Context, programID int64, since time.Time, batchSize int, fn func([]*models.ResourceSample) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}
	lastID := int64(0)
	for {
		rows, err := s.db.QueryContext(ctx, `
SELECT id, program_id, cpu_percent, memory_mb, ts
FROM resource_usage WHERE program_id=? AND ts >= ? AND id > ?
ORDER BY id ASC LIMIT ?`, programID, since, lastID, batchSize)
		if err != nil {
			return translateErr(err)
		}

		var page []*models.ResourceSample
		for rows.Next() {
			var r models.ResourceSample
			if err := rows.Scan(&r.ID, &r.ProgramID, &r.CPUPercent, &r.MemoryMB, &r.Timestamp); err != nil {
				rows.Close()
				return translateErr(err)
			}
			page = append(page, &r)
		}
		closeErr := rows.Close()
		if closeErr != nil {
			return translateErr(closeErr)
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		lastID = page[len(page)-1].ID
		if len(page) < batchSize {
			return nil
		}
	}
}

// PurgeSamplesOlderThan deletes resource_usage rows older than the given
// retention window in days.
func (s *Store) PurgeSamplesOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res, err := s.db.ExecContext(ctx, `DELETE FROM resource_usage WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, translateErr(err)
	}
	return res.RowsAffected()
}

// VacuumAndAnalyze reclaims space and refreshes the query planner's
// statistics after a purge.
func (s *Store) VacuumAndAnalyze(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return translateErr(err)
	}
	if _, err := s.db.ExecContext(ctx, `ANALYZE`); err != nil {
		return translateErr(err)
	}
	return nil
}

// GetTableBytes reports the approximate on-disk size of a table via
// dbstat.
func (s *Store) GetTableBytes(ctx context.Context, name string) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
SELECT SUM(pgsize) FROM dbstat WHERE name=?`, name).Scan(&total)
	if err != nil {
		return 0, translateErr(err)
	}
	if !total.Valid {
		return 0, nil
	}
	return total.Int64, nil
}
