// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package backend hides the concrete key-value store behind a small
// interface. The repositories above it neither know nor care that the
// implementation is leveldb.
package backend

// The Reader interface specifies the read-only operations available on the
// database.
type Reader interface {
	Get(key []byte) ([]byte, error)
	NewPrefixIterator(prefix []byte) (Iterator, error)
}

// The Writer interface specifies the mutating operations available on the
// database.
type Writer interface {
	Put(key, val []byte) error
	Delete(key []byte) error
}

// The Iterator interface specifies the operations available on iterators
// returned by NewPrefixIterator. An Iterator must be Released when no
// longer required.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Release()
}

type Backend interface {
	Reader
	Writer
	Close() error
}

// Open opens the database at the given location, recovering it if it turns
// out corrupted.
func Open(location string) (Backend, error) {
	return OpenLevelDB(location)
}

// OpenMemory returns an ephemeral database for testing.
func OpenMemory() Backend {
	return OpenLevelDBMemory()
}

type errNotFound struct{}

func (errNotFound) Error() string { return "key not found" }

func IsNotFound(err error) bool {
	if _, ok := err.(errNotFound); ok {
		return true
	}
	_, ok := err.(*errNotFound)
	return ok
}
