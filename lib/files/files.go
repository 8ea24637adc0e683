// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package files tracks the files held on behalf of the platform, either by
// scanning a directory or through a SQLite index. File hashes are SHA-256,
// reported as lowercase hex.
package files

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// HashLen is the length of a raw SHA-256 digest; the hex form is twice
// this many characters.
const HashLen = sha256.Size

// FileInfo describes one stored file.
type FileInfo struct {
	Name string
	Size int64
	Hash string
}

// Repository is the inventory of files available for installation and
// download. Implementations are safe for concurrent use.
type Repository interface {
	// GetInfo returns the current metadata for the named file. The second
	// return is false when no such file is held.
	GetInfo(name string) (FileInfo, bool, error)
	// ListNames returns the names of all held files, sorted.
	ListNames() ([]string, error)
	// Store records a file that has been written into the repository
	// directory. The backing file must already exist.
	Store(info FileInfo) error
	// Remove forgets the named file and deletes its backing file. Removing
	// an unknown name is not an error.
	Remove(name string) error
	// RemoveAll forgets all files and deletes their backing files.
	RemoveAll() error
	// Contains reports whether a file is held under the given name.
	Contains(name string) (bool, error)
	Close() error
}

// CheckName rejects file names that would resolve outside the repository
// directory.
func CheckName(name string) error {
	if name == "" {
		return errors.New("empty file name")
	}
	if name == "." || name == ".." || name != filepath.Base(name) {
		return fmt.Errorf("invalid file name %q", name)
	}
	return nil
}

// HashFile computes the SHA-256 of the file contents, hex encoded.
func HashFile(path string) (string, error) {
	fd, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer fd.Close()
	h := sha256.New()
	if _, err := io.Copy(h, fd); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
