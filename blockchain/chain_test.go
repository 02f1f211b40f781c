// Copyright (c) 2019-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qtumproject/qtumwallet/errors"
)

// makeHeaders returns n linked headers beginning with prev as the parent
// hash of the first.  The nonce seeds distinguish otherwise identical
// sequences built for competing chains.
func makeHeaders(t *testing.T, n int, prev *Header, seed uint32) []*Header {
	t.Helper()
	headers := make([]*Header, n)
	for i := range headers {
		h := &Header{
			Version:   1,
			Timestamp: 1500000000 + seed + uint32(i),
			Bits:      0x1d00ffff,
			Nonce:     seed,
			Signature: []byte{0x30, 0x44},
		}
		if i > 0 {
			h.PrevBlock = headers[i-1].BlockHash()
		} else if prev != nil {
			h.PrevBlock = prev.BlockHash()
		}
		headers[i] = h
	}
	return headers
}

func openTestSet(t *testing.T) (*ChainSet, Store) {
	t.Helper()
	store, err := OpenMemStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	set, err := OpenChainSet(store)
	require.NoError(t, err)
	return set, store
}

func TestHeaderHexRoundTrip(t *testing.T) {
	h := makeHeaders(t, 1, nil, 7)[0]
	h.Signature = []byte{1, 2, 3, 4, 5}
	enc := EncodeHeaderHex(h)
	got, err := DecodeHeaderHex(enc)
	require.NoError(t, err)
	require.Equal(t, h.BlockHash(), got.BlockHash())
	require.Equal(t, h.Signature, got.Signature)

	_, err = DecodeHeaderHex(enc + "00")
	require.Error(t, err)
}

func TestConnectSequence(t *testing.T) {
	set, _ := openTestSet(t)
	main := set.Followed()
	require.EqualValues(t, -1, main.Height())

	headers := makeHeaders(t, 5, nil, 0)
	for i, h := range headers {
		require.True(t, main.CanConnect(h, int32(i)))
		require.NoError(t, main.Connect(h, int32(i)))
	}
	require.EqualValues(t, 4, main.Height())
	require.EqualValues(t, 4, set.BestHeight())

	// Gaps and unlinked headers must not connect.
	stray := makeHeaders(t, 1, nil, 99)[0]
	require.False(t, main.CanConnect(stray, 5))
	require.False(t, main.CanConnect(headers[2], 7))
	err := main.Connect(stray, 5)
	require.True(t, errors.Is(errors.Consensus, err))
	require.EqualValues(t, 4, main.Height())
}

func TestConnectChunkSkipsKnownHeaders(t *testing.T) {
	set, _ := openTestSet(t)
	main := set.Followed()
	headers := makeHeaders(t, 8, nil, 0)
	for i, h := range headers[:4] {
		require.NoError(t, main.Connect(h, int32(i)))
	}

	// Chunk overlapping stored state connects only the new suffix.
	n, err := main.ConnectChunk(headers[2:], 2)
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.EqualValues(t, 7, main.Height())

	// A chunk conflicting below the tip connects nothing further.
	conflict := makeHeaders(t, 2, headers[4], 55)
	_, err = main.ConnectChunk(conflict, 4)
	require.True(t, errors.Is(errors.Consensus, err))
}

func TestForkReadsThroughParent(t *testing.T) {
	set, _ := openTestSet(t)
	main := set.Followed()
	headers := makeHeaders(t, 10, nil, 0)
	for i, h := range headers {
		require.NoError(t, main.Connect(h, int32(i)))
	}

	forkHeaders := makeHeaders(t, 3, headers[5], 1)
	fork, err := set.RegisterFork(main, forkHeaders[0], 6)
	require.NoError(t, err)
	require.NoError(t, fork.Connect(forkHeaders[1], 7))
	require.NoError(t, fork.Connect(forkHeaders[2], 8))

	// Pre-fork heights resolve through the parent.
	got, err := fork.Header(3)
	require.NoError(t, err)
	require.Equal(t, headers[3].BlockHash(), got.BlockHash())

	// Post-fork heights differ between the chains.
	require.True(t, fork.Contains(forkHeaders[1], 7))
	require.False(t, main.Contains(forkHeaders[1], 7))
	require.Same(t, main, fork.Parent())

	// A second fork record at the same height is rejected.
	_, err = set.RegisterFork(main, forkHeaders[0], 6)
	require.True(t, errors.Is(errors.Exist, err))
}

func TestCheckHeaderAndCanConnect(t *testing.T) {
	set, _ := openTestSet(t)
	main := set.Followed()
	headers := makeHeaders(t, 4, nil, 0)
	for i, h := range headers[:3] {
		require.NoError(t, main.Connect(h, int32(i)))
	}

	require.Same(t, main, set.CheckHeader(headers[1], 1))
	require.Nil(t, set.CheckHeader(headers[1], 2))
	require.Same(t, main, set.CanConnect(headers[3], 3))
	require.Nil(t, set.CanConnect(headers[3], 5))
}

func TestOverwriteFork(t *testing.T) {
	set, _ := openTestSet(t)
	main := set.Followed()
	headers := makeHeaders(t, 6, nil, 0)
	for i, h := range headers {
		require.NoError(t, main.Connect(h, int32(i)))
	}

	stale := makeHeaders(t, 2, headers[3], 1)
	fork, err := set.RegisterFork(main, stale[0], 4)
	require.NoError(t, err)
	require.NoError(t, fork.Connect(stale[1], 5))

	// Overwriting is refused while a connection is filling the chain in.
	require.True(t, set.ClaimCatchUp(fork, "a.example.com:50002:s"))
	fresh := makeHeaders(t, 1, headers[3], 2)[0]
	err = set.OverwriteFork(fork, fresh)
	require.True(t, errors.Is(errors.Invalid, err))

	set.ReleaseCatchUp(fork, "a.example.com:50002:s")
	require.NoError(t, set.OverwriteFork(fork, fresh))
	require.EqualValues(t, 4, fork.Height())
	require.True(t, fork.Contains(fresh, 4))
	require.False(t, fork.Contains(stale[1], 5))
}

func TestCatchUpMarkerExclusive(t *testing.T) {
	set, _ := openTestSet(t)
	main := set.Followed()

	require.True(t, set.ClaimCatchUp(main, "a"))
	require.True(t, set.ClaimCatchUp(main, "a")) // reclaim by owner
	require.False(t, set.ClaimCatchUp(main, "b"))

	owner, ok := set.CatchUpOwner(main)
	require.True(t, ok)
	require.Equal(t, "a", owner)

	set.ReleaseCatchUp(main, "b") // not the owner, no effect
	_, ok = set.CatchUpOwner(main)
	require.True(t, ok)

	set.ReleaseAllCatchUp("a")
	_, ok = set.CatchUpOwner(main)
	require.False(t, ok)
	require.True(t, set.ClaimCatchUp(main, "b"))
}

func TestReopenRecoversChains(t *testing.T) {
	store, err := OpenMemStore()
	require.NoError(t, err)
	defer store.Close()

	set, err := OpenChainSet(store)
	require.NoError(t, err)
	main := set.Followed()
	headers := makeHeaders(t, 7, nil, 0)
	for i, h := range headers {
		require.NoError(t, main.Connect(h, int32(i)))
	}
	forkHeader := makeHeaders(t, 1, headers[4], 1)[0]
	_, err = set.RegisterFork(main, forkHeader, 5)
	require.NoError(t, err)

	reopened, err := OpenChainSet(store)
	require.NoError(t, err)
	require.EqualValues(t, 6, reopened.Followed().Height())
	fork := reopened.ChainAt(5)
	require.NotNil(t, fork)
	require.EqualValues(t, 5, fork.Height())
	require.True(t, fork.Contains(forkHeader, 5))
}
