// Copyright (c) 2019-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qtumproject/qtumwallet/blockchain"
	"github.com/qtumproject/qtumwallet/errors"
	"github.com/qtumproject/qtumwallet/wire"
)

// genHeaders returns n linked headers.  prev links the first header onto an
// existing one; seed makes otherwise identical sequences diverge.
func genHeaders(t *testing.T, n int, prev *blockchain.Header, seed uint32) []*blockchain.Header {
	t.Helper()
	headers := make([]*blockchain.Header, n)
	for i := range headers {
		h := &blockchain.Header{
			Version:   1,
			Timestamp: 1500000000 + seed + uint32(i),
			Bits:      0x1d00ffff,
			Nonce:     seed,
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

// simServer answers protocol requests from a fixed header sequence indexed
// by height.
type simServer struct {
	headers []*blockchain.Header
}

func (ss *simServer) tip() json.RawMessage {
	height := len(ss.headers) - 1
	raw, _ := json.Marshal(tipAnnouncement{
		Hex:    blockchain.EncodeHeaderHex(ss.headers[height]),
		Height: int32(height),
	})
	return raw
}

func (ss *simServer) answer(req *wire.Request) *wire.Response {
	id := req.ID
	resp := &wire.Response{ID: &id, Method: req.Method}
	switch req.Method {
	case wire.ServerVersion:
		resp.Result = json.RawMessage(`["simulated","1.4"]`)
	case wire.HeadersSubscribe:
		resp.Result = ss.tip()
	case wire.BlockHeader:
		height := req.Params[0].(int)
		if height >= len(ss.headers) {
			resp.Error = &wire.Error{Message: "height out of range"}
			break
		}
		raw, _ := json.Marshal(blockchain.EncodeHeaderHex(ss.headers[height]))
		resp.Result = raw
	case wire.BlockHeaders:
		start := req.Params[0].(int)
		count := req.Params[1].(int)
		end := start + count
		if end > len(ss.headers) {
			end = len(ss.headers)
		}
		var hexData string
		for _, h := range ss.headers[start:end] {
			hexData += blockchain.EncodeHeaderHex(h)
		}
		resp.Result = json.RawMessage(fmt.Sprintf(
			`{"hex":"%s","count":%d,"max":%d}`, hexData, end-start, chunkSize))
	default:
		resp.Result = json.RawMessage(`null`)
	}
	return resp
}

type harness struct {
	t      *testing.T
	s      *Syncer
	chains *blockchain.ChainSet
	ctx    context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := blockchain.OpenMemStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	chains, err := blockchain.OpenChainSet(store)
	require.NoError(t, err)
	s := NewSyncer(&Config{
		ChainSet:      chains,
		Server:        Server{Host: "local.test", Port: "50001", Proto: ProtoTCP},
		TargetServers: 1,
	})
	s.dialer = func(context.Context, Server) (net.Conn, error) {
		return nil, errors.New("no dialing in tests")
	}
	return &harness{t: t, s: s, chains: chains, ctx: context.Background()}
}

func (h *harness) addIface(name string) *iface {
	h.t.Helper()
	server, err := ParseServer(name)
	require.NoError(h.t, err)
	i := newIface(server, nil)
	h.s.ifaces[i.name] = i
	return i
}

// pump answers every request the syncer queues on i from ss until the queue
// drains, returning how many single-header requests were answered in total
// and how many while the session was bisecting.
func (h *harness) pump(i *iface, ss *simServer) (headerReqs, binaryReqs int) {
	h.t.Helper()
	for steps := 0; steps < 10000; steps++ {
		select {
		case req := <-i.out:
			if req.Method == wire.BlockHeader {
				headerReqs++
				if _, ok := i.state.(stateBinary); ok {
					binaryReqs++
				}
			}
			h.s.processMessage(h.ctx, ifaceMsg{i: i, resp: ss.answer(req)})
		default:
			return headerReqs, binaryReqs
		}
	}
	h.t.Fatal("request pump did not drain")
	return headerReqs, binaryReqs
}

func (h *harness) fillMain(headers []*blockchain.Header) {
	h.t.Helper()
	main := h.chains.Followed()
	for height, header := range headers {
		require.NoError(h.t, main.Connect(header, int32(height)))
	}
}

func TestCatchUpFromGenesis(t *testing.T) {
	h := newHarness(t)
	ss := &simServer{headers: genHeaders(t, 101, nil, 0)}
	i := h.addIface("a.test:50001:t")

	h.s.notifyHeader(h.ctx, i, ss.tip())
	require.IsType(t, stateCatchUp{}, i.state)
	owner, ok := h.chains.CatchUpOwner(h.chains.Followed())
	require.True(t, ok)
	require.Equal(t, i.name, owner)

	h.pump(i, ss)

	require.IsType(t, stateDefault{}, i.state)
	require.EqualValues(t, 100, h.chains.Followed().Height())
	_, ok = h.chains.CatchUpOwner(h.chains.Followed())
	require.False(t, ok)
	require.Empty(t, i.requestedChunks)
}

func TestForkConvergence(t *testing.T) {
	h := newHarness(t)
	shared := genHeaders(t, 96, nil, 0) // heights 0-95
	mainTail := genHeaders(t, 5, shared[95], 1)
	forkTail := genHeaders(t, 5, shared[95], 2)
	h.fillMain(append(append([]*blockchain.Header{}, shared...), mainTail...))

	ss := &simServer{headers: append(append([]*blockchain.Header{}, shared...), forkTail...)}
	i := h.addIface("b.test:50001:t")

	h.s.notifyHeader(h.ctx, i, ss.tip())
	require.IsType(t, stateBackward{}, i.state)

	_, binaryReqs := h.pump(i, ss)

	// Backward probing from tip 100 lands on good=92, so the bisection
	// takes exactly ceil(log2(96-92)) = 2 round trips.
	require.Equal(t, 2, binaryReqs)

	fork := h.chains.ChainAt(96)
	require.NotNil(t, fork)
	require.EqualValues(t, 100, fork.Height())
	require.True(t, fork.Contains(forkTail[4], 100))
	require.Same(t, h.chains.Followed(), fork.Parent())
	require.IsType(t, stateDefault{}, i.state)
	_, owned := h.chains.CatchUpOwner(fork)
	require.False(t, owned)

	// The original chain is untouched above the fork point.
	require.True(t, h.chains.Followed().Contains(mainTail[4], 100))
}

func TestJoinExistingFork(t *testing.T) {
	h := newHarness(t)
	shared := genHeaders(t, 96, nil, 0)
	mainTail := genHeaders(t, 5, shared[95], 1)
	forkTail := genHeaders(t, 5, shared[95], 2)
	h.fillMain(append(append([]*blockchain.Header{}, shared...), mainTail...))

	ss := &simServer{headers: append(append([]*blockchain.Header{}, shared...), forkTail...)}

	// First server discovers and fills the fork.
	i1 := h.addIface("b.test:50001:t")
	h.s.notifyHeader(h.ctx, i1, ss.tip())
	h.pump(i1, ss)
	require.NotNil(t, h.chains.ChainAt(96))

	// Second server on the same chain joins without creating a new fork
	// or redoing the catch-up.
	i2 := h.addIface("c.test:50001:t")
	h.s.notifyHeader(h.ctx, i2, ss.tip())
	require.Same(t, h.chains.ChainAt(96), i2.chain)
	require.Len(t, h.chains.Chains(), 2)
}

func TestCatchUpMarkerSingleOwner(t *testing.T) {
	h := newHarness(t)
	ss := &simServer{headers: genHeaders(t, 6, nil, 0)}
	a := h.addIface("a.test:50001:t")
	b := h.addIface("b.test:50001:t")

	h.s.notifyHeader(h.ctx, a, ss.tip())
	h.s.notifyHeader(h.ctx, b, ss.tip())

	require.IsType(t, stateCatchUp{}, a.state)
	require.IsType(t, stateDefault{}, b.state)
	require.Len(t, a.out, 1)
	require.Len(t, b.out, 0)

	owner, ok := h.chains.CatchUpOwner(h.chains.Followed())
	require.True(t, ok)
	require.Equal(t, a.name, owner)
}

func TestGenesisDisagreement(t *testing.T) {
	h := newHarness(t)
	h.fillMain(genHeaders(t, 11, nil, 0))
	ss := &simServer{headers: genHeaders(t, 21, nil, 9)}
	i := h.addIface("x.test:50001:t")

	h.s.notifyHeader(h.ctx, i, ss.tip())
	h.pump(i, ss)

	// The server's history never intersects ours, so probing reaches
	// height 0 and the connection is dropped and cooled down.
	require.NotContains(t, h.s.ifaces, i.name)
	require.Contains(t, h.s.disconnected, i.name)
	_, owned := h.chains.CatchUpOwner(h.chains.Followed())
	require.False(t, owned)
}

func TestTipExtendsFollowedChain(t *testing.T) {
	h := newHarness(t)
	headers := genHeaders(t, 12, nil, 0)
	h.fillMain(headers[:11])
	ss := &simServer{headers: headers}
	i := h.addIface("a.test:50001:t")

	h.s.notifyHeader(h.ctx, i, ss.tip())

	require.IsType(t, stateDefault{}, i.state)
	require.EqualValues(t, 11, h.chains.Followed().Height())
	require.Len(t, i.out, 0)
}

func TestUnsolicitedHeaderDropsConnection(t *testing.T) {
	h := newHarness(t)
	h.fillMain(genHeaders(t, 3, nil, 0))
	ss := &simServer{headers: genHeaders(t, 3, nil, 0)}
	i := h.addIface("a.test:50001:t")

	// Hand-craft a header reply with no request outstanding.
	id := h.s.queueRequest(i, wire.BlockHeader, 1)
	<-i.out
	require.False(t, i.hasReq)
	resp := ss.answer(&wire.Request{ID: id, Method: wire.BlockHeader, Params: []interface{}{1}})
	h.s.processMessage(h.ctx, ifaceMsg{i: i, resp: resp})

	require.NotContains(t, h.s.ifaces, i.name)
	require.Contains(t, h.s.disconnected, i.name)
}

func TestNonSubscriptionNotificationDropsConnection(t *testing.T) {
	h := newHarness(t)
	h.fillMain(genHeaders(t, 3, nil, 0))
	i := h.addIface("a.test:50001:t")

	// An id-less push of a method that is not a subscription answers a
	// call that was never made.
	var resp wire.Response
	err := json.Unmarshal([]byte(
		`{"method":"blockchain.block.headers","params":[0,2016]}`), &resp)
	require.NoError(t, err)
	require.True(t, resp.Notification())
	h.s.processMessage(h.ctx, ifaceMsg{i: i, resp: &resp})

	require.NotContains(t, h.s.ifaces, i.name)
	require.Contains(t, h.s.disconnected, i.name)
}

func TestChainsFollowing(t *testing.T) {
	h := newHarness(t)
	headers := genHeaders(t, 10, nil, 0)
	h.fillMain(headers)
	a := h.addIface("a.test:50001:t")
	b := h.addIface("b.test:50001:t")
	c := h.addIface("c.test:50001:t")

	main := h.chains.Followed()
	a.chain = main
	b.chain = main
	fork, err := h.chains.RegisterFork(main, genHeaders(t, 1, headers[5], 9)[0], 6)
	require.NoError(t, err)
	c.chain = fork

	following := h.s.ChainsFollowing()
	require.Len(t, following, 2)
	require.Equal(t, []string{a.name, b.name}, following[main.Forkpoint()])
	require.Equal(t, []string{c.name}, following[fork.Forkpoint()])
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := newHarness(t)
	key := wire.Key(wire.ScriptHashSubscribe, "beef")
	ch := make(chan *wire.Response, 1)
	h.s.router.subscribe(key, ch)

	h.s.Unsubscribe(ch)
	require.Empty(t, h.s.router.subscribers(key))
}

func TestSwitchResendsSubscriptions(t *testing.T) {
	h := newHarness(t)
	a := h.addIface("a.test:50001:t")
	b := h.addIface("b.test:50001:t")
	h.s.active = a
	h.s.subscribedHashes["beef"] = struct{}{}
	h.s.subscribedEvents[[3]string{"aa", "bb", "cc"}] = struct{}{}
	key := wire.Key(wire.ScriptHashSubscribe, "beef")
	h.s.router.cachePut(key, &wire.Response{Result: json.RawMessage(`"cached"`)})

	h.s.switchToInterface(h.ctx, b.name)

	require.Equal(t, b, h.s.active)
	require.NotContains(t, h.s.ifaces, a.name)
	_, cached := h.s.router.cacheGet(key)
	require.False(t, cached)

	var scripthashSubs, eventSubs, banners int
	for len(b.out) > 0 {
		req := <-b.out
		switch req.Method {
		case wire.ScriptHashSubscribe:
			scripthashSubs++
			require.Equal(t, "beef", req.Params[0])
		case wire.ContractEventSubscribe:
			eventSubs++
		case wire.ServerBanner:
			banners++
		}
	}
	require.Equal(t, 1, scripthashSubs)
	require.Equal(t, 1, eventSubs)
	require.Equal(t, 1, banners)
}

func TestSubscriptionCacheServesSecondSubscriber(t *testing.T) {
	h := newHarness(t)
	a := h.addIface("a.test:50001:t")
	h.s.active = a

	ch1, err := h.s.SubscribeScriptHash("beef")
	require.NoError(t, err)
	h.s.mu.Lock()
	h.s.processPendingSends(h.ctx)
	h.s.mu.Unlock()

	req := <-a.out
	require.Equal(t, wire.ScriptHashSubscribe, req.Method)
	id := req.ID
	resp := &wire.Response{ID: &id, Result: json.RawMessage(`"f00d"`)}
	h.s.processMessage(h.ctx, ifaceMsg{i: a, resp: resp})

	first := <-ch1
	require.JSONEq(t, `"f00d"`, string(first.Result))
	require.Contains(t, h.s.subscribedHashes, "beef")

	// The second subscriber is served from the cache with no round trip.
	ch2, err := h.s.SubscribeScriptHash("beef")
	require.NoError(t, err)
	h.s.mu.Lock()
	h.s.processPendingSends(h.ctx)
	h.s.mu.Unlock()
	require.Len(t, a.out, 0)
	second := <-ch2
	require.JSONEq(t, `"f00d"`, string(second.Result))

	// A later push reaches both subscribers.
	var push wire.Response
	err = json.Unmarshal([]byte(
		`{"method":"blockchain.scripthash.subscribe","params":["beef","1234"]}`), &push)
	require.NoError(t, err)
	h.s.processMessage(h.ctx, ifaceMsg{i: a, resp: &push})
	require.JSONEq(t, `"1234"`, string((<-ch1).Result))
	require.JSONEq(t, `"1234"`, string((<-ch2).Result))
}

func TestReorgMidCatchUp(t *testing.T) {
	h := newHarness(t)
	shared := genHeaders(t, 40, nil, 0)
	ss := &simServer{headers: shared}
	i := h.addIface("a.test:50001:t")

	// Begin catch-up from genesis, then swap the server's history above
	// height 19 once the sync has connected heights 0 through 29.
	h.s.notifyHeader(h.ctx, i, ss.tip())
	for steps := 0; steps < 30; steps++ {
		req := <-i.out
		h.s.processMessage(h.ctx, ifaceMsg{i: i, resp: ss.answer(req)})
	}
	require.EqualValues(t, 29, h.chains.Followed().Height())
	replaced := genHeaders(t, 20, shared[19], 7)
	ss.headers = append(append([]*blockchain.Header{}, shared[:20]...), replaced...)

	h.pump(i, ss)

	// The stale headers already connected force the session back through
	// the backward and binary searches, ending in a fork at the true
	// divergence point.
	require.IsType(t, stateDefault{}, i.state)
	fork := h.chains.ChainAt(20)
	require.NotNil(t, fork)
	require.EqualValues(t, 39, fork.Height())
	require.True(t, fork.Contains(replaced[19], 39))
	_, owned := h.chains.CatchUpOwner(fork)
	require.False(t, owned)
}
