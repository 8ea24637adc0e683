// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package files

import (
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/edgegate/edgegate/lib/sync"
)

const hashCacheEntries = 256

// DirectoryRepository serves file metadata straight from a directory on
// disk. Hashes are computed on demand and cached per (name, size, mtime),
// so a file replaced in place gets rehashed.
type DirectoryRepository struct {
	dir   string
	cache *lru.Cache[string, string]
	mut   sync.Mutex
}

// NewDirectoryRepository returns a repository over dir. The directory must
// already exist.
func NewDirectoryRepository(dir string) (*DirectoryRepository, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("opening file repository: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("opening file repository: %s is not a directory", dir)
	}
	cache, err := lru.New[string, string](hashCacheEntries)
	if err != nil {
		return nil, err
	}
	return &DirectoryRepository{
		dir:   dir,
		cache: cache,
		mut:   sync.NewMutex(),
	}, nil
}

func (r *DirectoryRepository) GetInfo(name string) (FileInfo, bool, error) {
	if err := CheckName(name); err != nil {
		return FileInfo{}, false, err
	}
	r.mut.Lock()
	defer r.mut.Unlock()

	path := filepath.Join(r.dir, name)
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return FileInfo{}, false, nil
	} else if err != nil {
		return FileInfo{}, false, err
	}
	if fi.IsDir() {
		return FileInfo{}, false, nil
	}
	hash, err := r.hashLocked(name, path, fi)
	if err != nil {
		return FileInfo{}, false, err
	}
	return FileInfo{Name: name, Size: fi.Size(), Hash: hash}, true, nil
}

func (r *DirectoryRepository) ListNames() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func (r *DirectoryRepository) Store(info FileInfo) error {
	if err := CheckName(info.Name); err != nil {
		return err
	}
	r.mut.Lock()
	defer r.mut.Unlock()

	path := filepath.Join(r.dir, info.Name)
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("storing file record %s: %w", info.Name, err)
	}
	if len(info.Hash) == 2*HashLen {
		r.cache.Add(hashCacheKey(info.Name, fi), info.Hash)
	}
	l.Debugf("stored file record %s (%d bytes)", info.Name, fi.Size())
	return nil
}

func (r *DirectoryRepository) Remove(name string) error {
	if err := CheckName(name); err != nil {
		return err
	}
	r.mut.Lock()
	defer r.mut.Unlock()

	if err := os.Remove(filepath.Join(r.dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file %s: %w", name, err)
	}
	return nil
}

func (r *DirectoryRepository) RemoveAll() error {
	names, err := r.ListNames()
	if err != nil {
		return err
	}
	r.mut.Lock()
	defer r.mut.Unlock()
	for _, name := range names {
		if err := os.Remove(filepath.Join(r.dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing file %s: %w", name, err)
		}
	}
	return nil
}

func (r *DirectoryRepository) Contains(name string) (bool, error) {
	if err := CheckName(name); err != nil {
		return false, err
	}
	fi, err := os.Stat(filepath.Join(r.dir, name))
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return !fi.IsDir(), nil
}

func (*DirectoryRepository) Close() error { return nil }

func (r *DirectoryRepository) String() string {
	return fmt.Sprintf("files.DirectoryRepository@%s", r.dir)
}

func (r *DirectoryRepository) hashLocked(name, path string, fi os.FileInfo) (string, error) {
	key := hashCacheKey(name, fi)
	if hash, ok := r.cache.Get(key); ok {
		return hash, nil
	}
	hash, err := HashFile(path)
	if err != nil {
		return "", err
	}
	r.cache.Add(key, hash)
	return hash, nil
}

func hashCacheKey(name string, fi os.FileInfo) string {
	return fmt.Sprintf("%s\x00%d\x00%d", name, fi.Size(), fi.ModTime().UnixNano())
}
