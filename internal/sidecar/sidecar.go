// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.



// Package sidecar keeps per-section metadata of frame stacks in an SQLite
// database next to the stacks. Writers serialize on the database lock, which
// doubles as a coarse inter-process mutex.
package sidecar

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Default wait for the database lock
const DefaultLockTimeout = 10 * time.Second

var ErrLocked = errors.New("sidecar database locked by another process")

// Metadata of one section in a stack file
type Section struct {
	File      string
	Index     int
	Frame     int
	Subframes int
	Exposure  float64
	DX, DY    float64
}

// Outcome of one stack and align run
type Run struct {
	ID            string
	Stack         string
	Code          int
	Message       string
	FramesStacked int
	FramesAligned int
	FramesTotal   int
	ResMean       float64
	FRC           float64 // crossing of 0.5, cycles per pixel
	Started       time.Time
	Finished      time.Time
}

type Store struct {
	DB          *sql.DB
	LockTimeout time.Duration
}

// Opens or creates the sidecar database at path
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db, LockTimeout: DefaultLockTimeout}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sections (
            file TEXT NOT NULL,
            section INTEGER NOT NULL,
            frame INTEGER,
            subframes INTEGER,
            exposure REAL,
            dx REAL DEFAULT 0,
            dy REAL DEFAULT 0,
            PRIMARY KEY (file, section)
        );`,
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            stack TEXT,
            code INTEGER,
            message TEXT,
            frames_stacked INTEGER,
            frames_aligned INTEGER,
            frames_total INTEGER,
            res_mean REAL,
            frc REAL,
            started_at TIMESTAMP,
            finished_at TIMESTAMP
        );`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Lock timeout to use for a write. An asynchronous save holding the stack file
// may keep other writers waiting for up to its own timeout
func (s *Store) Timeout(asyncPending bool, asyncTimeout time.Duration) time.Duration {
	t := s.LockTimeout
	if t <= 0 {
		t = DefaultLockTimeout
	}
	if asyncPending && asyncTimeout > t {
		t = asyncTimeout
	}
	return t
}

// Runs fn inside an immediate transaction, waiting up to timeout for the
// database lock. Commits if fn succeeds, rolls back otherwise
func (s *Store) WithLock(ctx context.Context, timeout time.Duration, fn func(*sql.Conn) error) (err error) {
	conn, err := s.DB.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err = conn.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", timeout.Milliseconds())); err != nil {
		return err
	}
	if _, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		if isBusy(err) {
			return fmt.Errorf("%w after %s", ErrLocked, timeout)
		}
		return err
	}
	defer func() {
		if err != nil {
			conn.ExecContext(context.Background(), "ROLLBACK")
			return
		}
		_, err = conn.ExecContext(ctx, "COMMIT")
	}()
	return fn(conn)
}

func isBusy(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}

// Records metadata of sections written to a stack
func (s *Store) AddSections(ctx context.Context, secs []Section, asyncPending bool, asyncTimeout time.Duration) error {
	return s.WithLock(ctx, s.Timeout(asyncPending, asyncTimeout), func(c *sql.Conn) error {
		for _, sec := range secs {
			_, err := c.ExecContext(ctx, `INSERT OR REPLACE INTO sections (file, section, frame, subframes, exposure, dx, dy)
                VALUES (?, ?, ?, ?, ?, ?, ?)`,
				sec.File, sec.Index, sec.Frame, sec.Subframes, sec.Exposure, sec.DX, sec.DY)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Stores aligned shifts for the given sections, xs[i] and ys[i] belonging to secs[i].
// Sections may span rolled over files
func (s *Store) SetShifts(ctx context.Context, secs []Section, xs, ys []float64) error {
	if len(xs) != len(secs) || len(ys) != len(secs) {
		return fmt.Errorf("%d sections but %d,%d shifts", len(secs), len(xs), len(ys))
	}
	return s.WithLock(ctx, s.Timeout(false, 0), func(c *sql.Conn) error {
		for i, sec := range secs {
			_, err := c.ExecContext(ctx, `UPDATE sections SET dx = ?, dy = ? WHERE file = ? AND section = ?`,
				xs[i], ys[i], sec.File, sec.Index)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Returns the sections recorded for a stack, in order
func (s *Store) Sections(ctx context.Context, file string) ([]Section, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT file, section, frame, subframes, exposure, dx, dy
        FROM sections WHERE file = ? ORDER BY section`, file)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Section
	for rows.Next() {
		var sec Section
		if err := rows.Scan(&sec.File, &sec.Index, &sec.Frame, &sec.Subframes, &sec.Exposure, &sec.DX, &sec.DY); err != nil {
			return nil, err
		}
		res = append(res, sec)
	}
	return res, rows.Err()
}

// Records the outcome of a run
func (s *Store) PutRun(ctx context.Context, r Run) error {
	return s.WithLock(ctx, s.Timeout(false, 0), func(c *sql.Conn) error {
		_, err := c.ExecContext(ctx, `INSERT OR REPLACE INTO runs (id, stack, code, message, frames_stacked,
            frames_aligned, frames_total, res_mean, frc, started_at, finished_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Stack, r.Code, r.Message, r.FramesStacked, r.FramesAligned, r.FramesTotal,
			r.ResMean, r.FRC, r.Started.UTC(), r.Finished.UTC())
		return err
	})
}

// Returns recorded runs, most recent first
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, stack, code, message, frames_stacked, frames_aligned,
        frames_total, res_mean, frc, started_at, finished_at FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Stack, &r.Code, &r.Message, &r.FramesStacked, &r.FramesAligned,
			&r.FramesTotal, &r.ResMean, &r.FRC, &r.Started, &r.Finished); err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}
