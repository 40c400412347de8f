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
	"time"

	"supervisord/internal/models"
)

// AppendEvent appends one ordered history entry for a program. Timestamp
// is the wall-clock time (UTC) at append, passed explicitly rather than
// left to the column's CURRENT_TIMESTAMP default.
func (s *Store) AppendEvent(ctx context.Context, programID int64, kind models.EventKind, details string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO program_events(program_id, kind, details, ts) VALUES(?, ?, ?, ?)`,
		programID, string(kind), details, time.Now().UTC())
	return translateErr(err)
}

// ListEvents returns up to limit most recent events for a program, newest first.
func (s *Store) ListEvents(ctx context.Context, programID int64, limit int) ([]*models.ProgramEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, program_id, kind, details, ts
FROM program_events WHERE program_id=? ORDER BY ts DESC, id DESC LIMIT ?`, programID, limit)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []*models.ProgramEvent
	for rows.Next() {
		var e models.ProgramEvent
		var kind string
		if err := rows.Scan(&e.ID, &e.ProgramID, &kind, &e.Details, &e.Timestamp); err != nil {
			return nil, translateErr(err)
		}
		e.Kind = models.EventKind(kind)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// PurgeEventsOlderThan deletes events older than the given retention window.
func (s *Store) PurgeEventsOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res, err := s.db.ExecContext(ctx, `DELETE FROM program_events WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, translateErr(err)
	}
	return res.RowsAffected()
}
