// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package files

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // register sqlite3 database driver

	"github.com/edgegate/edgegate/lib/sync"
)

const filesSchema = `
CREATE TABLE IF NOT EXISTS files (
	name TEXT NOT NULL PRIMARY KEY,
	hash TEXT NOT NULL,
	path TEXT NOT NULL
)
`

// SQLRepository indexes files in a SQLite database. The index holds name,
// hash and path; sizes come from the files themselves, and records whose
// backing file has disappeared are dropped when encountered.
type SQLRepository struct {
	dir string
	sql *sqlx.DB
	mut sync.Mutex
}

type fileRow struct {
	Name string
	Hash string
	Path string
}

// NewSQLRepository opens or creates the index database at path. Stored
// files are expected to live in dir.
func NewSQLRepository(path, dir string) (*SQLRepository, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening file database: %w", err)
	}
	if _, err := db.Exec(filesSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing file database: %w", err)
	}
	return &SQLRepository{
		dir: dir,
		sql: db,
		mut: sync.NewMutex(),
	}, nil
}

func (r *SQLRepository) GetInfo(name string) (FileInfo, bool, error) {
	if err := CheckName(name); err != nil {
		return FileInfo{}, false, err
	}
	r.mut.Lock()
	defer r.mut.Unlock()

	var row fileRow
	err := r.sql.Get(&row, `SELECT name, hash, path FROM files WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return FileInfo{}, false, nil
	} else if err != nil {
		return FileInfo{}, false, fmt.Errorf("loading file record %s: %w", name, err)
	}
	fi, err := os.Stat(row.Path)
	if os.IsNotExist(err) {
		// The backing file is gone; drop the stale record.
		l.Debugf("dropping stale record for %s", name)
		_, _ = r.sql.Exec(`DELETE FROM files WHERE name = ?`, name)
		return FileInfo{}, false, nil
	} else if err != nil {
		return FileInfo{}, false, err
	}
	return FileInfo{Name: row.Name, Size: fi.Size(), Hash: row.Hash}, true, nil
}

func (r *SQLRepository) ListNames() ([]string, error) {
	r.mut.Lock()
	defer r.mut.Unlock()
	var names []string
	if err := r.sql.Select(&names, `SELECT name FROM files ORDER BY name`); err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	return names, nil
}

func (r *SQLRepository) Store(info FileInfo) error {
	if err := CheckName(info.Name); err != nil {
		return err
	}
	r.mut.Lock()
	defer r.mut.Unlock()

	path := filepath.Join(r.dir, info.Name)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("storing file record %s: %w", info.Name, err)
	}
	if _, err := r.sql.Exec(`INSERT OR REPLACE INTO files (name, hash, path) VALUES (?, ?, ?)`,
		info.Name, info.Hash, path); err != nil {
		return fmt.Errorf("storing file record %s: %w", info.Name, err)
	}
	l.Debugf("stored file record %s", info.Name)
	return nil
}

func (r *SQLRepository) Remove(name string) error {
	if err := CheckName(name); err != nil {
		return err
	}
	r.mut.Lock()
	defer r.mut.Unlock()

	var row fileRow
	err := r.sql.Get(&row, `SELECT name, hash, path FROM files WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	} else if err != nil {
		return fmt.Errorf("removing file %s: %w", name, err)
	}
	if err := os.Remove(row.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file %s: %w", name, err)
	}
	if _, err := r.sql.Exec(`DELETE FROM files WHERE name = ?`, name); err != nil {
		return fmt.Errorf("removing file %s: %w", name, err)
	}
	return nil
}

func (r *SQLRepository) RemoveAll() error {
	r.mut.Lock()
	defer r.mut.Unlock()

	var rows []fileRow
	if err := r.sql.Select(&rows, `SELECT name, hash, path FROM files`); err != nil {
		return fmt.Errorf("purging files: %w", err)
	}
	for _, row := range rows {
		if err := os.Remove(row.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing file %s: %w", row.Name, err)
		}
	}
	if _, err := r.sql.Exec(`DELETE FROM files`); err != nil {
		return fmt.Errorf("purging files: %w", err)
	}
	return nil
}

func (r *SQLRepository) Contains(name string) (bool, error) {
	if err := CheckName(name); err != nil {
		return false, err
	}
	r.mut.Lock()
	defer r.mut.Unlock()

	var n int
	if err := r.sql.Get(&n, `SELECT COUNT(1) FROM files WHERE name = ?`, name); err != nil {
		return false, fmt.Errorf("checking file %s: %w", name, err)
	}
	return n > 0, nil
}

func (r *SQLRepository) Close() error {
	return r.sql.Close()
}

func (r *SQLRepository) String() string {
	return fmt.Sprintf("files.SQLRepository@%s", r.dir)
}
