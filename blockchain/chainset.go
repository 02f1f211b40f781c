// Copyright (c) 2019-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"sync"

	"github.com/qtumproject/qtumwallet/errors"
)

// ChainSet owns every known chain, keyed by fork point, together with the
// followed chain selector and the per-chain catch-up markers.  Chains form a
// tree: forks never delete their parent, and the set only grows.
//
// Mutating methods are called only by the engine worker.  The mutex makes
// read snapshots safe for callers on other goroutines.
type ChainSet struct {
	mu       sync.Mutex
	store    Store
	chains   map[int32]*Chain
	followed int32
	catchUp  map[int32]string // forkpoint -> server filling the chain in
}

// OpenChainSet opens the set of chains recorded in store.  A store with no
// recorded chains begins with a single empty main chain, which is followed.
func OpenChainSet(store Store) (*ChainSet, error) {
	const op errors.Op = "blockchain.OpenChainSet"

	s := &ChainSet{
		store:   store,
		chains:  make(map[int32]*Chain),
		catchUp: make(map[int32]string),
	}
	main, err := newChain(store, 0, nil)
	if err != nil {
		return nil, errors.E(op, err)
	}
	s.chains[0] = main
	forkpoints, err := store.Forkpoints()
	if err != nil {
		return nil, errors.E(op, err)
	}
	for _, fp := range forkpoints {
		if fp == 0 {
			continue
		}
		c, err := newChain(store, fp, main)
		if err != nil {
			return nil, errors.E(op, err)
		}
		s.chains[fp] = c
	}
	return s, nil
}

// Followed returns the chain whose headers drive wallet-visible state.
func (s *ChainSet) Followed() *Chain {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chains[s.followed]
}

// Follow switches the followed chain selector to the chain rooted at
// forkpoint.
func (s *ChainSet) Follow(forkpoint int32) error {
	const op errors.Op = "blockchain.Follow"

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chains[forkpoint]; !ok {
		return errors.E(op, errors.NotExist, errors.Errorf(
			"no chain with fork point %d", forkpoint))
	}
	s.followed = forkpoint
	return nil
}

// ChainAt returns the chain rooted at forkpoint, or nil.
func (s *ChainSet) ChainAt(forkpoint int32) *Chain {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chains[forkpoint]
}

// Chains returns a snapshot of every known chain.
func (s *ChainSet) Chains() []*Chain {
	s.mu.Lock()
	defer s.mu.Unlock()
	chains := make([]*Chain, 0, len(s.chains))
	for _, c := range s.chains {
		chains = append(chains, c)
	}
	return chains
}

// BestHeight returns the highest header height across every known chain, or
// -1 when no headers are stored at all.
func (s *ChainSet) BestHeight() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	best := int32(-1)
	for _, c := range s.chains {
		if c.tip > best {
			best = c.tip
		}
	}
	return best
}

// LocalHeight returns the height of the followed chain.
func (s *ChainSet) LocalHeight() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chains[s.followed].tip
}

// CheckHeader returns the chain whose stored header at height is exactly h,
// or nil when no chain contains it.
func (s *ChainSet) CheckHeader(h *Header, height int32) *Chain {
	for _, c := range s.Chains() {
		if c.Contains(h, height) {
			return c
		}
	}
	return nil
}

// CanConnect returns the chain h extends by one at height, or nil.
func (s *ChainSet) CanConnect(h *Header, height int32) *Chain {
	for _, c := range s.Chains() {
		if c.CanConnect(h, height) {
			return c
		}
	}
	return nil
}

// RegisterFork records a new chain diverging from parent, rooted at height
// with h as its first header.  A chain already rooted at that height must be
// joined, reorganized onto, or overwritten instead.
func (s *ChainSet) RegisterFork(parent *Chain, h *Header, height int32) (*Chain, error) {
	const op errors.Op = "blockchain.RegisterFork"

	s.mu.Lock()
	if _, ok := s.chains[height]; ok {
		s.mu.Unlock()
		return nil, errors.E(op, errors.Exist, errors.Errorf(
			"chain with fork point %d exists", height))
	}
	s.mu.Unlock()

	c, err := newChain(s.store, height, parent)
	if err != nil {
		return nil, errors.E(op, err)
	}
	if err := c.Connect(h, height); err != nil {
		return nil, errors.E(op, err)
	}

	s.mu.Lock()
	s.chains[height] = c
	s.mu.Unlock()
	log.Infof("Registered fork of chain %d at height %d (%v)",
		parent.Forkpoint(), height, h.BlockHash())
	return c, nil
}

// OverwriteFork discards every stored header of c and restarts it with h as
// the sole header at its fork point.  This is only safe while no connection
// holds c's catch-up marker; callers must check ownership first.
func (s *ChainSet) OverwriteFork(c *Chain, h *Header) error {
	const op errors.Op = "blockchain.OverwriteFork"

	if owner, ok := s.CatchUpOwner(c); ok {
		return errors.E(op, errors.Invalid, errors.Errorf(
			"chain %d is being filled in by %s", c.forkpoint, owner))
	}
	if err := s.store.Truncate(c.forkpoint, c.forkpoint); err != nil {
		return errors.E(op, err)
	}
	c.tip = c.forkpoint - 1
	if err := c.Connect(h, c.forkpoint); err != nil {
		return errors.E(op, err)
	}
	log.Infof("Overwrote stale fork at height %d with %v",
		c.forkpoint, h.BlockHash())
	return nil
}

// ClaimCatchUp marks server as the connection responsible for filling in
// chain c.  It reports false when another server already holds the marker.
// Claiming again from the same server is allowed.
func (s *ChainSet) ClaimCatchUp(c *Chain, server string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.catchUp[c.forkpoint]
	if ok && owner != server {
		return false
	}
	s.catchUp[c.forkpoint] = server
	return true
}

// ReleaseCatchUp clears c's catch-up marker if held by server.
func (s *ChainSet) ReleaseCatchUp(c *Chain, server string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.catchUp[c.forkpoint] == server {
		delete(s.catchUp, c.forkpoint)
	}
}

// ReleaseAllCatchUp clears every catch-up marker held by server, called when
// its connection goes down.
func (s *ChainSet) ReleaseAllCatchUp(server string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for fp, owner := range s.catchUp {
		if owner == server {
			delete(s.catchUp, fp)
		}
	}
}

// CatchUpOwner returns the server holding c's catch-up marker.
func (s *ChainSet) CatchUpOwner(c *Chain) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.catchUp[c.forkpoint]
	return owner, ok
}
