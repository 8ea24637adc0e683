// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package backend

import (
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// leveldbBackend implements Backend on top of a leveldb.
type leveldbBackend struct {
	ldb *leveldb.DB
}

func OpenLevelDB(location string) (Backend, error) {
	ldb, err := leveldb.OpenFile(location, nil)
	if ldberrors.IsCorrupted(err) {
		ldb, err = leveldb.RecoverFile(location, nil)
	}
	if err != nil {
		return nil, err
	}
	return &leveldbBackend{ldb: ldb}, nil
}

func OpenLevelDBMemory() Backend {
	ldb, _ := leveldb.Open(storage.NewMemStorage(), nil)
	return &leveldbBackend{ldb: ldb}
}

func (b *leveldbBackend) Get(key []byte) ([]byte, error) {
	val, err := b.ldb.Get(key, nil)
	return val, wrapLeveldbErr(err)
}

func (b *leveldbBackend) Put(key, val []byte) error {
	return wrapLeveldbErr(b.ldb.Put(key, val, nil))
}

func (b *leveldbBackend) Delete(key []byte) error {
	return wrapLeveldbErr(b.ldb.Delete(key, nil))
}

func (b *leveldbBackend) NewPrefixIterator(prefix []byte) (Iterator, error) {
	return b.ldb.NewIterator(util.BytesPrefix(prefix), nil), nil
}

func (b *leveldbBackend) Close() error {
	return b.ldb.Close()
}

// wrapLeveldbErr translates leveldb errors to our own types.
func wrapLeveldbErr(err error) error {
	if err == leveldb.ErrNotFound {
		return errNotFound{}
	}
	return err
}
