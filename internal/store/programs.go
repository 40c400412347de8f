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
	"fmt"
	"time"

	"supervisord/internal/models"
)

// ListPrograms returns every program with its webhook destination URLs
// attached, in a single round trip (a JOIN, grouped in Go) so callers
// never pay an N+1 cost regardless of program count. enc may be nil, in
// which case the joined URLs are returned as stored (plaintext).
func (s *Store) ListPrograms(ctx context.Context, enc Encryptor) ([]*models.Program, error) {
	const q = `
SELECT p.id, p.name, p.path, p.args, p.child_pid, p.shutdown_start_epoch,
       p.shutdown_end_epoch, p.created_at, p.updated_at,
       w.id, w.url, w.created_at
FROM programs p
LEFT JOIN webhook_urls w ON w.program_id = p.id
ORDER BY p.id, w.id`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	byID := make(map[int64]*models.Program)
	var order []int64

	for rows.Next() {
		var (
			p                                 models.Program
			childPID, shutdownStart, shutdownEnd sql.NullInt64
			webhookID                         sql.NullInt64
			webhookURL                        sql.NullString
			webhookCreatedAt                  sql.NullTime
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Path, &p.Args, &childPID,
			&shutdownStart, &shutdownEnd, &p.CreatedAt, &p.UpdatedAt,
			&webhookID, &webhookURL, &webhookCreatedAt); err != nil {
			return nil, translateErr(err)
		}

		existing, ok := byID[p.ID]
		if !ok {
			if childPID.Valid {
				v := int32(childPID.Int64)
				p.ChildPID = &v
			}
			if shutdownStart.Valid {
				p.ShutdownStartEpoch = &shutdownStart.Int64
			}
			if shutdownEnd.Valid {
				p.ShutdownEndEpoch = &shutdownEnd.Int64
			}
			existing = &p
			byID[p.ID] = existing
			order = append(order, p.ID)
		}

		if webhookURL.Valid {
			u := webhookURL.String
			if enc != nil {
				dec, err := enc.Decrypt(u)
				if err == nil {
					u = dec
				}
			}
			existing.WebhookURLs = append(existing.WebhookURLs, u)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, translateErr(err)
	}

	out := make([]*models.Program, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}

// GetProgram fetches a single program by id. Returns ErrNotFound if absent.
func (s *Store) GetProgram(ctx context.Context, id int64) (*models.Program, error) {
	const q = `
SELECT id, name, path, args, child_pid, shutdown_start_epoch,
       shutdown_end_epoch, created_at, updated_at
FROM programs WHERE id = ?`

	var (
		p                                    models.Program
		childPID, shutdownStart, shutdownEnd sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(&p.ID, &p.Name, &p.Path, &p.Args,
		&childPID, &shutdownStart, &shutdownEnd, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	if childPID.Valid {
		v := int32(childPID.Int64)
		p.ChildPID = &v
	}
	if shutdownStart.Valid {
		p.ShutdownStartEpoch = &shutdownStart.Int64
	}
	if shutdownEnd.Valid {
		p.ShutdownEndEpoch = &shutdownEnd.Int64
	}
	return &p, nil
}

// UpsertProgram creates a new program (ID == 0) or updates an existing one.
func (s *Store) UpsertProgram(ctx context.Context, p *models.Program) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		if p.ID == 0 {
			res, err := tx.ExecContext(ctx, `
INSERT INTO programs(name, path, args, created_at, updated_at)
VALUES(?, ?, ?, ?, ?)`, p.Name, p.Path, p.Args, now, now)
			if err != nil {
				return err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			p.ID = id
			p.CreatedAt, p.UpdatedAt = now, now
		} else {
			_, err := tx.ExecContext(ctx, `
UPDATE programs SET name=?, path=?, args=?, updated_at=? WHERE id=?`,
				p.Name, p.Path, p.Args, now, p.ID)
			if err != nil {
				return err
			}
			p.UpdatedAt = now
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM webhook_urls WHERE program_id=?`, p.ID); err != nil {
			return err
		}
		// caller sets destinations via SetWebhookDestinations afterward;
		// upsert only manages the programs row and clears stale URLs.
		return nil
	})
}

// SetWebhookDestinations replaces the ordered set of destination URLs for
// a program. urls[i] is stored encrypted by enc if enc is non-nil.
func (s *Store) SetWebhookDestinations(ctx context.Context, programID int64, urls []string, enc Encryptor) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM webhook_urls WHERE program_id=?`, programID); err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, u := range urls {
			stored := u
			if enc != nil {
				enced, err := enc.Encrypt(u)
				if err != nil {
					return fmt.Errorf("encrypt webhook url: %w", err)
				}
				stored = enced
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO webhook_urls(program_id, url, created_at) VALUES(?, ?, ?)`,
				programID, stored, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// Encryptor decrypts/encrypts values at rest (see pkg/crypto.Encryptor).
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(encrypted string) (string, error)
}

// WebhookURLs returns the decrypted destination URLs for a program, in
// insertion order.
func (s *Store) WebhookURLs(ctx context.Context, programID int64, enc Encryptor) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT url FROM webhook_urls WHERE program_id=? ORDER BY id`, programID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, translateErr(err)
		}
		if enc != nil {
			dec, err := enc.Decrypt(u)
			if err == nil {
				u = dec
			}
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// DeleteProgram removes a program; cascades to events, samples, webhook
// URLs, and plug-in bindings via foreign keys.
func (s *Store) DeleteProgram(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM programs WHERE id=?`, id)
	if err != nil {
		return translateErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return translateErr(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetChildPID records the supervisor-observed pid for a program.
func (s *Store) SetChildPID(ctx context.Context, programID int64, pid int32) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE programs SET child_pid=?, updated_at=? WHERE id=?`, pid, time.Now().UTC(), programID)
	return translateErr(err)
}

// ClearChildPID clears the observed pid, e.g. after a stop or crash.
func (s *Store) ClearChildPID(ctx context.Context, programID int64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE programs SET child_pid=NULL, updated_at=? WHERE id=?`, time.Now().UTC(), programID)
	return translateErr(err)
}

// SetGracefulShutdown records a (start=now, end=now+seconds) deadline.
func (s *Store) SetGracefulShutdown(ctx context.Context, programID int64, seconds int64) error {
	now := time.Now().UTC()
	end := now.Add(time.Duration(seconds) * time.Second)
	_, err := s.db.ExecContext(ctx, `
UPDATE programs SET shutdown_start_epoch=?, shutdown_end_epoch=?, updated_at=? WHERE id=?`,
		now.Unix(), end.Unix(), now, programID)
	return translateErr(err)
}

// ClearGracefulShutdown removes a program's shutdown deadline.
func (s *Store) ClearGracefulShutdown(ctx context.Context, programID int64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE programs SET shutdown_start_epoch=NULL, shutdown_end_epoch=NULL, updated_at=? WHERE id=?`,
		time.Now().UTC(), programID)
	return translateErr(err)
}
