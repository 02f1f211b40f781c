// Copyright (c) 2019-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"github.com/decred/dcrd/chaincfg/chainhash"

	"github.com/qtumproject/qtumwallet/errors"
)

// Store persists headers for every chain, keyed by the chain's fork point
// and the header height.  Implementations must return an error with kind
// NotExist for missing headers.
type Store interface {
	// ReadHeader returns the stored header of chain forkpoint at height.
	ReadHeader(forkpoint, height int32) (*Header, error)

	// WriteHeader stores the header of chain forkpoint at height,
	// replacing any previous header at that position.
	WriteHeader(forkpoint, height int32, h *Header) error

	// Tip returns the highest stored height of chain forkpoint.  NotExist
	// is returned for a chain with no stored headers.
	Tip(forkpoint int32) (int32, error)

	// Truncate removes all headers of chain forkpoint at and above
	// height.
	Truncate(forkpoint, height int32) error

	// Forkpoints returns the fork point of every chain with stored
	// headers.
	Forkpoints() ([]int32, error)

	// Close releases the store.
	Close() error
}

// Chain is one known sequence of block headers.  The main chain has fork
// point 0 and no parent; every other chain is rooted at the height where it
// diverges from its parent, and heights below the fork point are read
// through the parent.
//
// Chains are mutated only by the engine worker.  Concurrent reads go
// through the ChainSet that owns them.
type Chain struct {
	forkpoint int32
	parent    *Chain
	store     Store
	tip       int32 // highest stored height, forkpoint-1 when empty
}

// newChain opens the chain rooted at forkpoint over store, recovering its
// tip from stored state.
func newChain(store Store, forkpoint int32, parent *Chain) (*Chain, error) {
	c := &Chain{forkpoint: forkpoint, parent: parent, store: store, tip: forkpoint - 1}
	tip, err := store.Tip(forkpoint)
	if err == nil {
		c.tip = tip
	} else if !errors.Is(errors.NotExist, err) {
		return nil, err
	}
	return c, nil
}

// Forkpoint returns the height at which the chain diverges from its parent.
// The main chain's fork point is 0.
func (c *Chain) Forkpoint() int32 { return c.forkpoint }

// Parent returns the chain this one forked from, or nil for the main chain.
func (c *Chain) Parent() *Chain { return c.parent }

// Height returns the highest header height of the chain.  An empty main
// chain has height -1.
func (c *Chain) Height() int32 { return c.tip }

// Header returns the header at height, reading through the parent chain for
// heights below the fork point.
func (c *Chain) Header(height int32) (*Header, error) {
	const op errors.Op = "blockchain.Header"

	if height < 0 || height > c.tip {
		return nil, errors.E(op, errors.NotExist, errors.Errorf(
			"height %d not in chain of height %d", height, c.tip))
	}
	if height < c.forkpoint {
		if c.parent == nil {
			return nil, errors.E(op, errors.NotExist)
		}
		return c.parent.Header(height)
	}
	return c.store.ReadHeader(c.forkpoint, height)
}

// Hash returns the block hash of the header at height.
func (c *Chain) Hash(height int32) (chainhash.Hash, error) {
	h, err := c.Header(height)
	if err != nil {
		return chainhash.Hash{}, err
	}
	return h.BlockHash(), nil
}

// Contains reports whether the chain's header at height is exactly h.
func (c *Chain) Contains(h *Header, height int32) bool {
	stored, err := c.Header(height)
	if err != nil {
		return false
	}
	return stored.BlockHash() == h.BlockHash()
}

// CanConnect reports whether h may be appended at height: the height must be
// the next height of the chain and the header must reference the current tip
// hash.  The chain's first header (at the fork point) instead validates
// against the parent, or connects unconditionally on an empty main chain at
// height 0.
func (c *Chain) CanConnect(h *Header, height int32) bool {
	if height != c.tip+1 {
		return false
	}
	if height == 0 {
		return c.tip == -1
	}
	prev, err := c.Header(height - 1)
	if err != nil {
		return false
	}
	return h.PrevBlock == prev.BlockHash()
}

// CanLink reports whether h references the chain's header below height by
// previous block hash, regardless of the chain's current tip.  Used to
// validate a divergence point before recording a fork there.
func (c *Chain) CanLink(h *Header, height int32) bool {
	if height == 0 {
		return true
	}
	prev, err := c.Header(height - 1)
	if err != nil {
		return false
	}
	return h.PrevBlock == prev.BlockHash()
}

// Connect validates and appends h at height.  Headers failing linkage
// validation return a Consensus error and leave the chain unchanged.
func (c *Chain) Connect(h *Header, height int32) error {
	const op errors.Op = "blockchain.Connect"

	if !c.CanConnect(h, height) {
		return errors.E(op, errors.Consensus, errors.Errorf(
			"header %v does not connect at height %d", h.BlockHash(), height))
	}
	if err := c.store.WriteHeader(c.forkpoint, height, h); err != nil {
		return errors.E(op, err)
	}
	c.tip = height
	return nil
}

// ConnectChunk validates and appends consecutive headers beginning at start.
// Headers at or below the current tip are checked against stored state and
// skipped when they match; the first failure ends the append and reports how
// many headers were connected.
func (c *Chain) ConnectChunk(headers []*Header, start int32) (int, error) {
	const op errors.Op = "blockchain.ConnectChunk"

	for i, h := range headers {
		height := start + int32(i)
		if height <= c.tip {
			if c.Contains(h, height) {
				continue
			}
			return i, errors.E(op, errors.Consensus, errors.Errorf(
				"chunk header at height %d conflicts with stored header", height))
		}
		if err := c.Connect(h, height); err != nil {
			return i, errors.E(op, err)
		}
	}
	return len(headers), nil
}
