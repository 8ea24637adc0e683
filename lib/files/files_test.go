// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package files

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/d4l3k/messagediff"
)

const helloHash = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCheckName(t *testing.T) {
	valid := []string{"fw.bin", "a", "readings-2024.csv", "with space"}
	for _, name := range valid {
		if err := CheckName(name); err != nil {
			t.Errorf("CheckName(%q): unexpected error %v", name, err)
		}
	}
	invalid := []string{"", ".", "..", "a/b", "../escape", "/etc/passwd"}
	for _, name := range invalid {
		if err := CheckName(name); err == nil {
			t.Errorf("CheckName(%q): expected error", name)
		}
	}
}

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "greeting", "hello world")

	hash, err := HashFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if hash != helloHash {
		t.Errorf("got hash %s, expected %s", hash, helloHash)
	}
	if _, err := HashFile(filepath.Join(dir, "absent")); err == nil {
		t.Error("expected error for absent file")
	}
}

func TestDirectoryRepositoryMissingDir(t *testing.T) {
	if _, err := NewDirectoryRepository(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected error for absent directory")
	}
}

func TestDirectoryRepository(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "fw.bin", "hello world")
	writeFile(t, dir, "data.csv", "a,b,c")
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	repo, err := NewDirectoryRepository(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer repo.Close()

	info, ok, err := repo.GetInfo("fw.bin")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected fw.bin to be present")
	}
	expected := FileInfo{Name: "fw.bin", Size: 11, Hash: helloHash}
	if diff, equal := messagediff.PrettyDiff(expected, info); !equal {
		t.Errorf("unexpected info:\n%s", diff)
	}

	if _, ok, err := repo.GetInfo("absent"); err != nil || ok {
		t.Errorf("GetInfo(absent) = %v, %v; expected not found", ok, err)
	}
	// Subdirectories are not files.
	if _, ok, err := repo.GetInfo("sub"); err != nil || ok {
		t.Errorf("GetInfo(sub) = %v, %v; expected not found", ok, err)
	}

	names, err := repo.ListNames()
	if err != nil {
		t.Fatal(err)
	}
	if diff, equal := messagediff.PrettyDiff([]string{"data.csv", "fw.bin"}, names); !equal {
		t.Errorf("unexpected names:\n%s", diff)
	}

	if ok, err := repo.Contains("fw.bin"); err != nil || !ok {
		t.Errorf("Contains(fw.bin) = %v, %v", ok, err)
	}
	if ok, err := repo.Contains("absent"); err != nil || ok {
		t.Errorf("Contains(absent) = %v, %v", ok, err)
	}

	if err := repo.Store(FileInfo{Name: "fw.bin", Size: 11, Hash: helloHash}); err != nil {
		t.Errorf("Store for existing file: %v", err)
	}
	if err := repo.Store(FileInfo{Name: "ghost", Size: 1, Hash: helloHash}); err == nil {
		t.Error("Store for absent file: expected error")
	}

	if err := repo.Remove("fw.bin"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "fw.bin")); !os.IsNotExist(err) {
		t.Error("expected fw.bin to be deleted from disk")
	}
	if err := repo.Remove("fw.bin"); err != nil {
		t.Errorf("removing twice: %v", err)
	}

	if err := repo.RemoveAll(); err != nil {
		t.Fatal(err)
	}
	names, err = repo.ListNames()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 {
		t.Errorf("expected empty repository, got %v", names)
	}
}

func TestDirectoryRepositoryRehashesChangedFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "fw.bin", "first contents")

	repo, err := NewDirectoryRepository(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer repo.Close()

	info, ok, err := repo.GetInfo("fw.bin")
	if err != nil || !ok {
		t.Fatal(ok, err)
	}
	if info.Hash != "f86b5a2596473aa9a1f0ae8f9fccf1bd39ae842a80001441b26c98296b718dd3" {
		t.Errorf("unexpected hash %s", info.Hash)
	}

	// Replace with different contents of the same size, forcing a new
	// mtime so the cache key changes.
	writeFile(t, dir, "fw.bin", "other contents")
	if err := os.Chtimes(path, time.Time{}, time.Now().Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	info, ok, err = repo.GetInfo("fw.bin")
	if err != nil || !ok {
		t.Fatal(ok, err)
	}
	if info.Hash != "425ecb5e1000c9545b105f1547c6d6f03d1cd4b38d94d457ec032907e8b51079" {
		t.Errorf("got stale hash %s after rewrite", info.Hash)
	}
}

func TestSQLRepository(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "fw.bin", "hello world")

	repo, err := NewSQLRepository(filepath.Join(t.TempDir(), "files.db"), dir)
	if err != nil {
		t.Fatal(err)
	}
	defer repo.Close()

	// Nothing is indexed yet, even though the file exists on disk.
	if _, ok, err := repo.GetInfo("fw.bin"); err != nil || ok {
		t.Errorf("GetInfo before Store = %v, %v; expected not found", ok, err)
	}

	if err := repo.Store(FileInfo{Name: "fw.bin", Size: 11, Hash: helloHash}); err != nil {
		t.Fatal(err)
	}
	if err := repo.Store(FileInfo{Name: "ghost", Size: 1, Hash: helloHash}); err == nil {
		t.Error("Store for absent file: expected error")
	}

	info, ok, err := repo.GetInfo("fw.bin")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected fw.bin to be present")
	}
	expected := FileInfo{Name: "fw.bin", Size: 11, Hash: helloHash}
	if diff, equal := messagediff.PrettyDiff(expected, info); !equal {
		t.Errorf("unexpected info:\n%s", diff)
	}

	writeFile(t, dir, "data.csv", "a,b,c")
	if err := repo.Store(FileInfo{Name: "data.csv", Size: 5, Hash: "ab"}); err != nil {
		t.Fatal(err)
	}
	names, err := repo.ListNames()
	if err != nil {
		t.Fatal(err)
	}
	if diff, equal := messagediff.PrettyDiff([]string{"data.csv", "fw.bin"}, names); !equal {
		t.Errorf("unexpected names:\n%s", diff)
	}

	if ok, err := repo.Contains("fw.bin"); err != nil || !ok {
		t.Errorf("Contains(fw.bin) = %v, %v", ok, err)
	}

	if err := repo.Remove("fw.bin"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "fw.bin")); !os.IsNotExist(err) {
		t.Error("expected fw.bin to be deleted from disk")
	}
	if ok, err := repo.Contains("fw.bin"); err != nil || ok {
		t.Errorf("Contains after Remove = %v, %v", ok, err)
	}
	if err := repo.Remove("fw.bin"); err != nil {
		t.Errorf("removing twice: %v", err)
	}

	if err := repo.RemoveAll(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "data.csv")); !os.IsNotExist(err) {
		t.Error("expected data.csv to be deleted from disk")
	}
	names, err = repo.ListNames()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 {
		t.Errorf("expected empty repository, got %v", names)
	}
}

func TestSQLRepositoryStaleRecord(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "fw.bin", "hello world")

	repo, err := NewSQLRepository(filepath.Join(t.TempDir(), "files.db"), dir)
	if err != nil {
		t.Fatal(err)
	}
	defer repo.Close()

	if err := repo.Store(FileInfo{Name: "fw.bin", Size: 11, Hash: helloHash}); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(dir, "fw.bin")); err != nil {
		t.Fatal(err)
	}

	if _, ok, err := repo.GetInfo("fw.bin"); err != nil || ok {
		t.Errorf("GetInfo for lost file = %v, %v; expected not found", ok, err)
	}
	// The stale record is gone too.
	if ok, err := repo.Contains("fw.bin"); err != nil || ok {
		t.Errorf("Contains after stale drop = %v, %v", ok, err)
	}
}

func TestSQLRepositoryReopen(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "fw.bin", "hello world")
	dbPath := filepath.Join(t.TempDir(), "files.db")

	repo, err := NewSQLRepository(dbPath, dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.Store(FileInfo{Name: "fw.bin", Size: 11, Hash: helloHash}); err != nil {
		t.Fatal(err)
	}
	if err := repo.Close(); err != nil {
		t.Fatal(err)
	}

	repo, err = NewSQLRepository(dbPath, dir)
	if err != nil {
		t.Fatal(err)
	}
	defer repo.Close()
	info, ok, err := repo.GetInfo("fw.bin")
	if err != nil || !ok {
		t.Fatal(ok, err)
	}
	if info.Hash != helloHash {
		t.Errorf("unexpected hash %s after reopen", info.Hash)
	}
}
