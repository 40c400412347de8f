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

// ListPluginBindings returns every plug-in binding for a program.
func (s *Store) ListPluginBindings(ctx context.Context, programID int64) ([]*models.PluginBinding, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, program_id, plugin_id, config_json, enabled, created_at, updated_at
FROM plugin_configs WHERE program_id=? ORDER BY id`, programID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []*models.PluginBinding
	for rows.Next() {
		var b models.PluginBinding
		var enabled int
		if err := rows.Scan(&b.ID, &b.ProgramID, &b.PluginID, &b.ConfigJSON, &enabled, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, translateErr(err)
		}
		b.Enabled = enabled != 0
		out = append(out, &b)
	}
	return out, rows.Err()
}

// ListAllEnabledBindings returns every enabled binding across all programs,
// used by the Plug-in Host to rehydrate instances at boot.
func (s *Store) ListAllEnabledBindings(ctx context.Context) ([]*models.PluginBinding, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, program_id, plugin_id, config_json, enabled, created_at, updated_at
FROM plugin_configs WHERE enabled=1 ORDER BY program_id, id`)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []*models.PluginBinding
	for rows.Next() {
		var b models.PluginBinding
		var enabled int
		if err := rows.Scan(&b.ID, &b.ProgramID, &b.PluginID, &b.ConfigJSON, &enabled, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, translateErr(err)
		}
		b.Enabled = true
		out = append(out, &b)
	}
	return out, rows.Err()
}

// UpsertPluginBinding creates or updates a (program_id, plugin_id) binding.
func (s *Store) UpsertPluginBinding(ctx context.Context, b *models.PluginBinding) error {
	now := time.Now().UTC()
	enabled := 0
	if b.Enabled {
		enabled = 1
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO plugin_configs(program_id, plugin_id, config_json, enabled, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(program_id, plugin_id) DO UPDATE SET
  config_json=excluded.config_json, enabled=excluded.enabled, updated_at=excluded.updated_at`,
			b.ProgramID, b.PluginID, b.ConfigJSON, enabled, now, now)
		return err
	})
}

// DeletePluginBinding removes a binding.
func (s *Store) DeletePluginBinding(ctx context.Context, programID int64, pluginID string) error {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM plugin_configs WHERE program_id=? AND plugin_id=?`, programID, pluginID)
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

// LockedAccount is a read-only view of the externally-owned lockout table.
type LockedAccount struct {
	Username       string
	FailedAttempts int
	LockedUntil    *time.Time
}

// ListLockedAccounts is a read-only passthrough to the lockout bookkeeping
// table the external auth layer owns (spec.md §1, §4.10 "security status").
func (s *Store) ListLockedAccounts(ctx context.Context) ([]LockedAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT username, failed_attempts, locked_until FROM locked_accounts
WHERE locked_until IS NOT NULL AND locked_until > ?`, time.Now().UTC())
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []LockedAccount
	for rows.Next() {
		var a LockedAccount
		var until sql.NullTime
		if err := rows.Scan(&a.Username, &a.FailedAttempts, &until); err != nil {
			return nil, translateErr(err)
		}
		if until.Valid {
			a.LockedUntil = &until.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
