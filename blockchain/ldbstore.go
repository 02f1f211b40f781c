// Copyright (c) 2019-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"bytes"
	"encoding/binary"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/qtumproject/qtumwallet/errors"
)

// headerKeyPrefix namespaces header records.  Keys order by fork point and
// then height so per-chain iteration is a single range scan.
const headerKeyPrefix = 'h'

// LevelDBStore is a Store persisting headers in a leveldb database.
type LevelDBStore struct {
	db *leveldb.DB
}

var _ Store = (*LevelDBStore)(nil)

// OpenLevelDBStore opens or creates the header database at path.
func OpenLevelDBStore(path string) (*LevelDBStore, error) {
	const op errors.Op = "blockchain.OpenLevelDBStore"

	stg, err := storage.OpenFile(path, false)
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	return openLevelDBStore(op, stg)
}

// OpenMemStore returns a Store backed by an in-memory leveldb instance.
func OpenMemStore() (*LevelDBStore, error) {
	const op errors.Op = "blockchain.OpenMemStore"
	return openLevelDBStore(op, storage.NewMemStorage())
}

func openLevelDBStore(op errors.Op, stg storage.Storage) (*LevelDBStore, error) {
	db, err := leveldb.Open(stg, &opt.Options{
		OpenFilesCacheCapacity: 16,
		BlockCacheCapacity:     8 * opt.MiB,
		WriteBuffer:            4 * opt.MiB,
		Filter:                 filter.NewBloomFilter(10),
	})
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	return &LevelDBStore{db: db}, nil
}

func headerKey(forkpoint, height int32) []byte {
	key := make([]byte, 9)
	key[0] = headerKeyPrefix
	binary.BigEndian.PutUint32(key[1:5], uint32(forkpoint))
	binary.BigEndian.PutUint32(key[5:9], uint32(height))
	return key
}

// ReadHeader implements Store.
func (s *LevelDBStore) ReadHeader(forkpoint, height int32) (*Header, error) {
	const op errors.Op = "blockchain.ReadHeader"

	raw, err := s.db.Get(headerKey(forkpoint, height), nil)
	if err == leveldb.ErrNotFound {
		return nil, errors.E(op, errors.NotExist)
	}
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	h := new(Header)
	if err := h.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, errors.E(op, err)
	}
	return h, nil
}

// WriteHeader implements Store.
func (s *LevelDBStore) WriteHeader(forkpoint, height int32, h *Header) error {
	const op errors.Op = "blockchain.WriteHeader"

	buf := new(bytes.Buffer)
	if err := h.Serialize(buf); err != nil {
		return errors.E(op, errors.Encoding, err)
	}
	err := s.db.Put(headerKey(forkpoint, height), buf.Bytes(), nil)
	if err != nil {
		return errors.E(op, errors.IO, err)
	}
	return nil
}

// Tip implements Store.  The highest height of a chain is the last key of
// its range.
func (s *LevelDBStore) Tip(forkpoint int32) (int32, error) {
	const op errors.Op = "blockchain.Tip"

	r := util.BytesPrefix(headerKey(forkpoint, 0)[:5])
	it := s.db.NewIterator(r, nil)
	defer it.Release()
	if !it.Last() {
		if err := it.Error(); err != nil {
			return 0, errors.E(op, errors.IO, err)
		}
		return 0, errors.E(op, errors.NotExist)
	}
	height := int32(binary.BigEndian.Uint32(it.Key()[5:9]))
	return height, nil
}

// Truncate implements Store.
func (s *LevelDBStore) Truncate(forkpoint, height int32) error {
	const op errors.Op = "blockchain.Truncate"

	batch := new(leveldb.Batch)
	r := &util.Range{
		Start: headerKey(forkpoint, height),
		Limit: headerKey(forkpoint+1, 0),
	}
	it := s.db.NewIterator(r, nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return errors.E(op, errors.IO, err)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return errors.E(op, errors.IO, err)
	}
	return nil
}

// Forkpoints implements Store.
func (s *LevelDBStore) Forkpoints() ([]int32, error) {
	const op errors.Op = "blockchain.Forkpoints"

	var fps []int32
	it := s.db.NewIterator(util.BytesPrefix([]byte{headerKeyPrefix}), nil)
	defer it.Release()
	for it.Next() {
		fp := int32(binary.BigEndian.Uint32(it.Key()[1:5]))
		if n := len(fps); n == 0 || fps[n-1] != fp {
			fps = append(fps, fp)
		}
	}
	if err := it.Error(); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	return fps, nil
}

// Close implements Store.
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
