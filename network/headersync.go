// Copyright (c) 2019-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package network

import (
	"context"
	"encoding/json"
	"time"

	"github.com/qtumproject/qtumwallet/blockchain"
	"github.com/qtumproject/qtumwallet/wire"
)

const (
	// chunkSize is the batch length of a block.headers request.
	chunkSize = 2016

	// chunkThreshold is how far behind the announced tip catch-up must be
	// before headers are fetched in chunks instead of one at a time.
	chunkThreshold = 50
)

// requestHeader asks i for the single header at height and records it as
// the height the state machine awaits.
func (s *Syncer) requestHeader(i *iface, height int32) {
	s.queueRequest(i, wire.BlockHeader, int(height))
	i.req = height
	i.reqTime = time.Now()
	i.hasReq = true
}

// requestChunk asks i for the chunk of headers covering index.  Requests
// are deduplicated per session.
func (s *Syncer) requestChunk(i *iface, index int32) {
	if _, ok := i.requestedChunks[index]; ok {
		return
	}
	log.Debugf("Requesting chunk %d from %v", index, i.name)
	i.requestedChunks[index] = time.Now()
	i.hasReq = false
	s.queueRequest(i, wire.BlockHeaders, int(index*chunkSize), chunkSize)
}

// tipAnnouncement is the payload of a headers subscription reply or push.
type tipAnnouncement struct {
	Hex    string `json:"hex"`
	Height int32  `json:"height"`
}

// notifyHeader handles a header-tip announcement from i: the reply to the
// headers subscription or any later push.  In the default state it either
// attaches the tip to a known chain, appends it, or begins the backward
// search for a common ancestor; in every other state only the recorded tip
// is updated and the running search continues undisturbed.
func (s *Syncer) notifyHeader(ctx context.Context, i *iface, result json.RawMessage) {
	var tip tipAnnouncement
	if err := json.Unmarshal(result, &tip); err != nil || tip.Hex == "" {
		s.connectionDown(i.name)
		return
	}
	header, err := blockchain.DecodeHeaderHex(tip.Hex)
	if err != nil {
		log.Warnf("Undecodable tip header from %v: %v", i.name, err)
		s.connectionDown(i.name)
		return
	}
	if tip.Height <= 0 {
		return
	}
	i.tipHeader = header
	i.tip = tip.Height
	if _, idle := i.state.(stateDefault); !idle {
		return
	}
	s.publish(NetworkUpdatedEvent{})

	if chain := s.chains.CheckHeader(header, tip.Height); chain != nil {
		i.chain = chain
		s.switchLaggingInterface(ctx)
		return
	}
	if chain := s.chains.CanConnect(header, tip.Height); chain != nil {
		i.chain = chain
		if err := chain.Connect(header, tip.Height); err != nil {
			s.connectionDown(i.name)
			return
		}
		s.switchLaggingInterface(ctx)
		s.publish(BlockchainUpdatedEvent{LocalHeight: s.followedChain().Height()})
		return
	}

	best := s.chains.BestHeight()
	if best >= 0 {
		i.state = stateBackward{bad: tip.Height, badHeader: header}
		next := tip.Height - 1
		if best < next {
			next = best
		}
		s.requestHeader(i, next)
		return
	}

	// Nothing stored at all: fill the main chain in from genesis, unless
	// another connection already is.
	main := s.chains.ChainAt(0)
	if s.chains.ClaimCatchUp(main, i.name) {
		log.Infof("Catching up from genesis via %v", i.name)
		i.state = stateCatchUp{}
		i.chain = main
		s.requestHeader(i, 0)
	} else {
		owner, _ := s.chains.CatchUpOwner(main)
		log.Debugf("Chain already catching up via %v", owner)
	}
}

// onHeader handles the reply to a single-header request and advances i's
// sync state machine.
func (s *Syncer) onHeader(ctx context.Context, i *iface, req *request, resp *wire.Response) {
	if resp.Error != nil || len(resp.Result) == 0 {
		log.Warnf("Header request failed on %v: %v", i.name, resp.Error)
		s.connectionDown(i.name)
		return
	}
	var hexStr string
	if err := json.Unmarshal(resp.Result, &hexStr); err != nil {
		s.connectionDown(i.name)
		return
	}
	header, err := blockchain.DecodeHeaderHex(hexStr)
	if err != nil {
		log.Warnf("Undecodable header from %v: %v", i.name, err)
		s.connectionDown(i.name)
		return
	}
	reqHeight, ok := req.params[0].(int)
	if !ok {
		s.connectionDown(i.name)
		return
	}
	height := int32(reqHeight)
	if !i.hasReq || i.req != height {
		log.Warnf("Unsolicited header at height %d from %v", height, i.name)
		s.connectionDown(i.name)
		return
	}

	chain := s.chains.CheckHeader(header, height)
	next := int32(-1)
	hasNext := false

	switch st := i.state.(type) {
	case stateBackward:
		canConnect := s.chains.CanConnect(header, height)
		switch {
		case canConnect != nil && s.chains.ClaimCatchUp(canConnect, i.name):
			i.state = stateCatchUp{}
			i.chain = canConnect
			if err := canConnect.Connect(header, height); err != nil {
				s.failCatchUp(i)
				return
			}
			next, hasNext = height+1, true
			s.publish(BlockchainUpdatedEvent{LocalHeight: s.followedChain().Height()})
		case chain != nil:
			log.Debugf("Binary search with %v: good %d, bad %d", i.name, height, st.bad)
			i.state = stateBinary{good: height, bad: st.bad, badHeader: st.badHeader}
			i.chain = chain
			next, hasNext = (st.bad+height)/2, true
		default:
			if height == 0 {
				// The server disagrees at genesis.
				s.connectionDown(i.name)
				return
			}
			i.state = stateBackward{bad: height, badHeader: header}
			delta := i.tip - height
			next = i.tip - 2*delta
			if next < 0 {
				next = 0
			}
			hasNext = true
		}

	case stateBinary:
		good, bad, badHeader := st.good, st.bad, st.badHeader
		if chain != nil {
			good = height
			i.chain = chain
		} else {
			bad = height
			badHeader = header
		}
		i.state = stateBinary{good: good, bad: bad, badHeader: badHeader}
		switch {
		case bad != good+1:
			next, hasNext = (bad+good)/2, true
		case !i.chain.CanLink(badHeader, bad):
			// The claimed divergence point does not even link onto the
			// agreed prefix; the server's chain is bogus.
			s.connectionDown(i.name)
			return
		default:
			next, hasNext = s.resolveFork(ctx, i, header, height, good, bad, badHeader)
		}

	case stateCatchUp:
		if i.chain != nil && i.chain.CanConnect(header, height) {
			if err := i.chain.Connect(header, height); err != nil {
				s.failCatchUp(i)
				return
			}
			if height < i.tip {
				next, hasNext = height+1, true
			}
			s.publish(BlockchainUpdatedEvent{LocalHeight: s.followedChain().Height()})
		} else {
			// A reorg surfaced mid catch-up; resume the backward search
			// from here.
			log.Debugf("Header %d from %v no longer connects", height, i.name)
			if i.chain != nil {
				s.chains.ReleaseCatchUp(i.chain, i.name)
			}
			i.state = stateBackward{bad: height, badHeader: header}
			next, hasNext = height-1, true
		}
		if !hasNext {
			log.Infof("Catch up done at height %d via %v", i.chain.Height(), i.name)
			s.chains.ReleaseCatchUp(i.chain, i.name)
			s.switchLaggingInterface(ctx)
		}

	default:
		log.Warnf("Discarding header at height %d from idle session %v", height, i.name)
	}

	if hasNext {
		if next < 0 {
			s.connectionDown(i.name)
			return
		}
		if _, catchingUp := i.state.(stateCatchUp); catchingUp && i.tip > next+chunkThreshold {
			s.requestChunk(i, next/chunkSize)
		} else {
			s.requestHeader(i, next)
		}
		return
	}
	i.state = stateDefault{}
	i.hasReq = false
}

// resolveFork handles the termination of the binary search, when bad is
// exactly good+1 and badHeader is the first header disagreeing with the
// local chains.  It decides between joining a recorded fork, reorganizing
// onto its parent, overwriting a stale fork record, and creating a new
// fork, and returns the next height to request, if any.
func (s *Syncer) resolveFork(ctx context.Context, i *iface, header *blockchain.Header,
	height, good, bad int32, badHeader *blockchain.Header) (int32, bool) {

	if branch := s.chains.ChainAt(bad); branch != nil {
		switch {
		case branch.Contains(badHeader, bad):
			// The fork is already recorded with this exact history.
			log.Debugf("Joining chain forked at %d", bad)
			i.chain = branch
			return 0, false
		case branch.Parent() != nil && branch.Parent().Contains(header, height):
			log.Infof("Reorg via %v: fork point %d, tip %d", i.name, bad, i.tip)
			i.chain = branch.Parent()
			return bad, true
		default:
			// The recorded fork itself disagrees at its own fork point;
			// its history is stale.  Rewriting it is destructive, so a
			// chain another connection is filling in is left alone and
			// this server retried later.
			if err := s.chains.OverwriteFork(branch, badHeader); err != nil {
				log.Warnf("Conflicting fork at %d is busy: %v", bad, err)
				s.connectionDown(i.name)
				return 0, false
			}
			s.chains.ClaimCatchUp(branch, i.name)
			i.state = stateCatchUp{}
			i.chain = branch
			s.publish(BlockchainUpdatedEvent{LocalHeight: s.followedChain().Height()})
			return bad + 1, true
		}
	}

	bh := i.chain.Height()
	switch {
	case bh > good:
		if i.chain.Contains(badHeader, bad) {
			return 0, false
		}
		branch, err := s.chains.RegisterFork(i.chain, badHeader, bad)
		if err != nil {
			log.Warnf("Unable to record fork at %d: %v", bad, err)
			s.connectionDown(i.name)
			return 0, false
		}
		s.chains.ClaimCatchUp(branch, i.name)
		i.chain = branch
		i.state = stateCatchUp{}
		s.publish(BlockchainUpdatedEvent{LocalHeight: s.followedChain().Height()})
		return bad + 1, true
	case bh == good:
		if _, owned := s.chains.CatchUpOwner(i.chain); !owned && bh < i.tip {
			log.Debugf("Catching up from %d via %v", bh+1, i.name)
			s.chains.ClaimCatchUp(i.chain, i.name)
			i.state = stateCatchUp{}
			return bh + 1, true
		}
		return 0, false
	default:
		// The chain shrank below the agreed height mid-search; the
		// search result is meaningless.
		log.Warnf("Chain height %d below agreed height %d", bh, good)
		return 0, false
	}
}

// failCatchUp tears a session down after its chain rejected a header it
// previously agreed to connect.
func (s *Syncer) failCatchUp(i *iface) {
	if i.chain != nil {
		s.chains.ReleaseCatchUp(i.chain, i.name)
	}
	s.connectionDown(i.name)
}

// chunkResult is the payload of a block.headers reply.
type chunkResult struct {
	Hex   string `json:"hex"`
	Count int    `json:"count"`
	Max   int    `json:"max"`
}

// onBlockHeaders handles the reply to a chunk request during catch-up.
// Misaligned or unrequested chunks are discarded without affecting the
// session.
func (s *Syncer) onBlockHeaders(ctx context.Context, i *iface, req *request, resp *wire.Response) {
	start, ok := req.params[0].(int)
	if !ok {
		s.connectionDown(i.name)
		return
	}
	index := int32(start) / chunkSize

	if resp.Error != nil {
		log.Warnf("Chunk request failed on %v: %v", i.name, resp.Error)
		delete(i.requestedChunks, index)
		if i.chain != nil {
			s.chains.ReleaseCatchUp(i.chain, i.name)
		}
		i.state = stateDefault{}
		s.switchToRandomInterface(ctx)
		return
	}
	if index*chunkSize != int32(start) {
		log.Warnf("Misaligned chunk starting at %d from %v", start, i.name)
		return
	}
	if _, ok := i.requestedChunks[index]; !ok {
		log.Warnf("Unsolicited chunk %d from %v", index, i.name)
		return
	}
	delete(i.requestedChunks, index)

	var result chunkResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		s.connectionDown(i.name)
		return
	}
	headers, err := blockchain.DecodeHeadersHex(result.Hex)
	if err != nil || len(headers) == 0 || i.chain == nil {
		s.connectionDown(i.name)
		return
	}
	if _, err := i.chain.ConnectChunk(headers, index*chunkSize); err != nil {
		log.Warnf("Chunk %d from %v failed to connect: %v", index, i.name, err)
		s.failCatchUp(i)
		return
	}
	log.Debugf("Connected chunk %d from %v, height %d", index, i.name, i.chain.Height())
	s.publish(BlockchainUpdatedEvent{LocalHeight: s.followedChain().Height()})

	if i.chain.Height() < i.tip {
		s.requestChunk(i, index+1)
		return
	}
	log.Infof("Catch up done at height %d via %v", i.chain.Height(), i.name)
	i.state = stateDefault{}
	s.chains.ReleaseCatchUp(i.chain, i.name)
	s.switchLaggingInterface(ctx)
}
