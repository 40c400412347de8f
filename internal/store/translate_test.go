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
	"database/sql"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

// TestTranslateErr exercises the StoreConflict/StoreBusy classification
// without needing a real locked database file, using sqlmock to simulate
// the driver errors SQLite would otherwise surface under contention.
func TestTranslateErr(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT").WillReturnError(errors.New("UNIQUE constraint failed: programs.name"))
	_, execErr := db.Exec("INSERT INTO programs(name) VALUES(?)", "dup")
	require.Error(t, execErr)
	require.ErrorIs(t, translateErr(execErr), ErrConflict)

	mock.ExpectExec("INSERT").WillReturnError(errors.New("database is locked"))
	_, execErr = db.Exec("INSERT INTO programs(name) VALUES(?)", "busy")
	require.Error(t, execErr)
	require.ErrorIs(t, translateErr(execErr), ErrBusy)

	require.ErrorIs(t, translateErr(sql.ErrNoRows), ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
