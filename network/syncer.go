// Copyright (c) 2019-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package network

import (
	"context"
	"encoding/json"
	"math/rand"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qtumproject/qtumwallet/blockchain"
	"github.com/qtumproject/qtumwallet/wire"
)

const (
	clientVersion   = "0.1.0"
	protocolVersion = "1.4"

	// stallTimeout bounds both how long a header or chunk request may
	// remain unanswered and how long synchronous caller requests wait.
	stallTimeout = 30 * time.Second

	pingInterval = 60 * time.Second
	idleTimeout  = 3 * time.Minute

	// serverRetryInterval re-admits the pinned server after failure;
	// nodesRetryInterval re-admits every failed server.
	serverRetryInterval = 10 * time.Second
	nodesRetryInterval  = 60 * time.Second

	maintenanceInterval = time.Second

	defaultTargetServers = 10

	// coin converts the protocol's whole-coin fee amounts to satoshis.
	coin = 1e8
)

// feeTargets are the confirmation targets, in blocks, that fee estimates
// are requested for on every active-interface switch.
var feeTargets = []int{25, 10, 5, 2}

// Config configures a Syncer.
type Config struct {
	// ChainSet holds every known header chain.
	ChainSet *blockchain.ChainSet

	// DataDir is where the recent-servers file is kept.  Empty disables
	// persistence of recent servers.
	DataDir string

	// Server pins the preferred server.  The zero value picks one of the
	// default servers at random.
	Server Server

	// AutoConnect allows the syncer to roam to better servers when the
	// pinned one lags or fails.
	AutoConnect bool

	// TargetServers is how many server connections to keep warm.
	// Defaults to 10.
	TargetServers int
}

// pendingSend is a caller request queued until the worker can flush it on
// the active interface.
type pendingSend struct {
	method wire.Method
	params []interface{}
	reply  chan *wire.Response
}

// connResult reports the outcome of a dial attempt to the worker.
type connResult struct {
	server Server
	conn   net.Conn
	err    error
}

// Syncer maintains connections to remote Electrum servers, reconciles their
// announced header chains into the ChainSet, and routes request and
// subscription traffic for callers.
//
// A single worker goroutine started by Run owns every interface and chain
// state transition.  Exported methods queue work for it or read snapshots
// under mu; the worker holds mu while processing each message so snapshots
// are consistent.
type Syncer struct {
	chains *blockchain.ChainSet

	mu            sync.Mutex
	ifaces        map[string]*iface
	connecting    map[string]struct{}
	active        *iface
	defaultServer Server
	autoConnect   bool
	targetServers int
	status        ConnStatus

	disconnected    map[string]struct{}
	serverRetryTime time.Time
	nodesRetryTime  time.Time
	recent          []Server
	announced       map[string]ServerFeatures

	router           *router
	pendingSends     []*pendingSend
	subscribedHashes map[string]struct{}
	subscribedEvents map[[3]string]struct{}
	nextID           uint64

	feeEstimates    map[int]int64
	relayFee        int64
	banner          string
	donationAddress string

	dataDir string
	dialer  func(context.Context, Server) (net.Conn, error)

	msgs   chan ifaceMsg
	conns  chan connResult
	wakeup chan struct{}
	events chan Event
}

// NewSyncer returns a Syncer over the chains in cfg.ChainSet.  Run starts
// it.
func NewSyncer(cfg *Config) *Syncer {
	server := cfg.Server
	if server.Host == "" {
		defaults := DefaultServers()
		server = defaults[rand.Intn(len(defaults))]
	}
	target := cfg.TargetServers
	if target <= 0 {
		target = defaultTargetServers
	}
	return &Syncer{
		chains:           cfg.ChainSet,
		ifaces:           make(map[string]*iface),
		connecting:       make(map[string]struct{}),
		defaultServer:    server,
		autoConnect:      cfg.AutoConnect,
		targetServers:    target,
		disconnected:     make(map[string]struct{}),
		announced:        make(map[string]ServerFeatures),
		router:           newRouter(),
		subscribedHashes: make(map[string]struct{}),
		subscribedEvents: make(map[[3]string]struct{}),
		feeEstimates:     make(map[int]int64),
		dataDir:          cfg.DataDir,
		dialer:           dialServer,
		recent:           readRecentServers(cfg.DataDir),
		msgs:             make(chan ifaceMsg, 32),
		conns:            make(chan connResult, 8),
		wakeup:           make(chan struct{}, 1),
		events:           make(chan Event, 128),
	}
}

// Events returns the channel the syncer publishes notifications on.
// External layers must drain it; events are dropped, not blocked on, when
// the channel is full.
func (s *Syncer) Events() <-chan Event {
	return s.events
}

// Run connects to servers and reconciles their header chains until ctx is
// canceled.
func (s *Syncer) Run(ctx context.Context) error {
	log.Infof("Starting network, preferred server %v", s.defaultServer)

	s.mu.Lock()
	s.startInterface(ctx, s.defaultServer)
	for i := 1; i < s.targetServers; i++ {
		s.startRandomInterface(ctx)
	}
	s.mu.Unlock()
	s.publish(NetworkUpdatedEvent{})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.worker(ctx) })
	return g.Wait()
}

// worker is the single goroutine driving every interface and chain state
// transition.
func (s *Syncer) worker(ctx context.Context) error {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	defer s.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-s.conns:
			s.mu.Lock()
			delete(s.connecting, res.server.String())
			if res.err != nil {
				log.Debugf("Connection to %v failed: %v", res.server, res.err)
				s.connectionDown(res.server.String())
			} else {
				s.newInterface(ctx, res.server, res.conn)
			}
			s.mu.Unlock()
		case msg := <-s.msgs:
			s.mu.Lock()
			s.processMessage(ctx, msg)
			s.mu.Unlock()
		case <-s.wakeup:
			s.mu.Lock()
			s.processPendingSends(ctx)
			s.mu.Unlock()
		case <-ticker.C:
			s.mu.Lock()
			s.maintenance(ctx)
			s.mu.Unlock()
		}
	}
}

func (s *Syncer) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, i := range s.ifaces {
		i.close()
	}
	s.ifaces = make(map[string]*iface)
	s.active = nil
	s.setStatus(StatusDisconnected)
}

// publish delivers an event without blocking the worker.
func (s *Syncer) publish(e Event) {
	select {
	case s.events <- e:
	default:
		log.Debugf("Event channel full, dropping %T", e)
	}
}

func (s *Syncer) setStatus(status ConnStatus) {
	if s.status == status {
		return
	}
	s.status = status
	s.publish(StatusEvent{Status: status, Server: s.defaultServer.String()})
}

// queueRequest assigns the next message id and queues a call on i's send
// queue.  Requests are correlated back through i.sent when the reply
// arrives.
func (s *Syncer) queueRequest(i *iface, method wire.Method, params ...interface{}) uint64 {
	s.nextID++
	id := s.nextID
	if params == nil {
		params = []interface{}{}
	}
	i.sent[id] = &request{id: id, method: method, params: params}
	select {
	case i.out <- wire.NewRequest(id, method, params...):
		i.lastSend = time.Now()
	default:
		log.Warnf("Send queue to %v overflowed", i.name)
		i.stalled = true
	}
	return id
}

// startInterface begins connecting to server unless a session or attempt
// already exists.
func (s *Syncer) startInterface(ctx context.Context, server Server) {
	name := server.String()
	if _, ok := s.ifaces[name]; ok {
		return
	}
	if _, ok := s.connecting[name]; ok {
		return
	}
	if name == s.defaultServer.String() {
		log.Infof("Connecting to %v as new interface", name)
		s.setStatus(StatusConnecting)
	}
	s.connecting[name] = struct{}{}
	go func() {
		conn, err := s.dialer(ctx, server)
		select {
		case s.conns <- connResult{server: server, conn: conn, err: err}:
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
		}
	}()
}

// startRandomInterface begins connecting to a random eligible server:
// one not already connected or connecting and not recently failed.
func (s *Syncer) startRandomInterface(ctx context.Context) {
	exclude := make(map[string]struct{}, len(s.disconnected)+len(s.ifaces)+len(s.connecting))
	for name := range s.disconnected {
		exclude[name] = struct{}{}
	}
	for name := range s.ifaces {
		exclude[name] = struct{}{}
	}
	for name := range s.connecting {
		exclude[name] = struct{}{}
	}
	server, ok := pickRandomServer(s.serverPool(), s.defaultServer.Proto, exclude)
	if ok {
		s.startInterface(ctx, server)
	}
}

// serverPool merges the curated defaults, announced peers, and recent
// servers into one candidate map.
func (s *Syncer) serverPool() map[string]ServerFeatures {
	pool := make(map[string]ServerFeatures)
	for _, server := range DefaultServers() {
		feat, ok := pool[server.Host]
		if !ok {
			feat = ServerFeatures{Ports: make(map[string]string)}
		}
		feat.Ports[server.Proto] = server.Port
		pool[server.Host] = feat
	}
	for host, feat := range s.announced {
		if _, ok := pool[host]; !ok {
			pool[host] = feat
		}
	}
	for _, server := range s.recent {
		feat, ok := pool[server.Host]
		if !ok {
			feat = ServerFeatures{Ports: make(map[string]string)}
		}
		if _, ok := feat.Ports[server.Proto]; !ok {
			feat.Ports[server.Proto] = server.Port
		}
		pool[server.Host] = feat
	}
	return pool
}

// newInterface registers a fresh session and performs the protocol
// handshake: the version call and the header-tip subscription are the first
// two requests on every connection.
func (s *Syncer) newInterface(ctx context.Context, server Server, conn net.Conn) {
	i := newIface(server, conn)
	s.ifaces[i.name] = i
	go i.readLoop(ctx, s.msgs)
	go i.writeLoop()

	s.queueRequest(i, wire.ServerVersion, clientVersion, protocolVersion)
	s.queueRequest(i, wire.HeadersSubscribe, true)
	if i.name == s.defaultServer.String() {
		s.switchToInterface(ctx, i.name)
	}
	s.addRecentServer(server)
	s.publish(NetworkUpdatedEvent{})
}

func (s *Syncer) addRecentServer(server Server) {
	name := server.String()
	for idx, r := range s.recent {
		if r.String() == name {
			s.recent = append(s.recent[:idx], s.recent[idx+1:]...)
			break
		}
	}
	s.recent = append([]Server{server}, s.recent...)
	if len(s.recent) > maxRecentServers {
		s.recent = s.recent[:maxRecentServers]
	}
	if s.dataDir != "" {
		writeRecentServers(s.dataDir, s.recent)
	}
}

// closeInterface removes and shuts down a session.
func (s *Syncer) closeInterface(i *iface) {
	delete(s.ifaces, i.name)
	if s.active == i {
		s.active = nil
	}
	i.close()
}

// connectionDown records that a connection to server failed or was torn
// down.  The server is excluded from selection until a retry timer
// re-admits it, and any catch-up work it owned is released.
func (s *Syncer) connectionDown(name string) {
	s.disconnected[name] = struct{}{}
	if name == s.defaultServer.String() {
		s.setStatus(StatusDisconnected)
	}
	if i, ok := s.ifaces[name]; ok {
		log.Infof("Connection to %v is down", name)
		s.closeInterface(i)
		s.publish(NetworkUpdatedEvent{})
	}
	s.chains.ReleaseAllCatchUp(name)
}

// followedChain returns the chain driving wallet-visible state, keeping the
// followed selector aligned with the active interface's chain.
func (s *Syncer) followedChain() *blockchain.Chain {
	if s.active != nil && s.active.chain != nil {
		s.chains.Follow(s.active.chain.Forkpoint())
	}
	return s.chains.Followed()
}

// serverIsLagging reports whether the active server's announced tip is more
// than one block behind the local best height.
func (s *Syncer) serverIsLagging() bool {
	if s.active == nil || s.active.tip == 0 {
		return true
	}
	lh := s.followedChain().Height()
	lagging := lh-s.active.tip > 1
	if lagging {
		log.Infof("Server %v is lagging (%d vs %d)",
			s.defaultServer, s.active.tip, lh)
	}
	return lagging
}

// switchLaggingInterface switches away from a lagging active server to a
// random connected server whose announced tip header matches the locally
// stored header at the local best height.
func (s *Syncer) switchLaggingInterface(ctx context.Context) {
	if !s.autoConnect || !s.serverIsLagging() {
		return
	}
	chain := s.followedChain()
	best, err := chain.Header(chain.Height())
	if err != nil {
		return
	}
	bestHash := best.BlockHash()
	var candidates []string
	for name, i := range s.ifaces {
		if i.tipHeader != nil && i.tipHeader.BlockHash() == bestHash {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) > 0 {
		s.switchToInterface(ctx, candidates[rand.Intn(len(candidates))])
	}
}

// switchToRandomInterface switches to a random connected server other than
// the current one.
func (s *Syncer) switchToRandomInterface(ctx context.Context) {
	var candidates []string
	for name := range s.ifaces {
		if name != s.defaultServer.String() {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) > 0 {
		s.switchToInterface(ctx, candidates[rand.Intn(len(candidates))])
	}
}

// switchToInterface makes server the active interface.  Without an existing
// session a connection attempt is started and the switch completes when it
// connects.  Switching clears the subscription cache and resends every
// standing subscription on the new interface.
func (s *Syncer) switchToInterface(ctx context.Context, name string) {
	if server, err := ParseServer(name); err == nil {
		s.defaultServer = server
	}
	i, ok := s.ifaces[name]
	if !ok {
		s.active = nil
		s.startInterface(ctx, s.defaultServer)
		return
	}
	if s.active == i {
		return
	}
	log.Infof("Switching to %v", name)
	chainChanged := false
	if s.active != nil {
		chainChanged = s.active.chain != i.chain
		old := s.active
		s.closeInterface(old)
		if old.name != name && len(s.ifaces) < s.targetServers {
			s.startInterface(ctx, old.server)
		}
	}
	s.active = i
	s.sendSubscriptions()
	s.setStatus(StatusConnected)
	s.publish(NetworkUpdatedEvent{})
	if chainChanged {
		s.publish(BlockchainUpdatedEvent{LocalHeight: s.followedChain().Height()})
	}
}

// sendSubscriptions reissues state on a fresh active interface: pending
// caller requests are resent under new ids, the informational and fee
// queries are refreshed, and every standing subscription is reestablished.
// The subscription response cache is scoped to the previous server and is
// dropped.
func (s *Syncer) sendSubscriptions() {
	i := s.active
	log.Debugf("Sending subscriptions to %v: %d pending, %d scripthashes, %d events",
		i.name, len(s.router.pending), len(s.subscribedHashes), len(s.subscribedEvents))
	s.router.clearCache()
	for _, c := range s.router.takePending() {
		id := s.queueRequest(i, c.method, c.params...)
		s.router.addPending(id, c)
	}
	s.queueRequest(i, wire.ServerBanner)
	s.queueRequest(i, wire.ServerDonationAddress)
	for _, target := range feeTargets {
		s.queueRequest(i, wire.EstimateFee, target)
	}
	s.queueRequest(i, wire.RelayFee)
	for h := range s.subscribedHashes {
		s.queueRequest(i, wire.ScriptHashSubscribe, h)
	}
	for key := range s.subscribedEvents {
		s.queueRequest(i, wire.ContractEventSubscribe, key[0], key[1], key[2])
	}
}

// processPendingSends flushes queued caller requests to the active
// interface.  Without an active interface requests stay queued.
// Subscription calls whose key has a cached response are answered from the
// cache without a round trip.
func (s *Syncer) processPendingSends(ctx context.Context) {
	if s.active == nil {
		return
	}
	sends := s.pendingSends
	s.pendingSends = nil
	for _, ps := range sends {
		if ps.method.Subscription() {
			key := wire.Key(ps.method, ps.params...)
			s.router.subscribe(key, ps.reply)
			if cached, ok := s.router.cacheGet(key); ok {
				log.Debugf("Subscription cache hit for %s", key)
				deliver(ps.reply, cached)
				continue
			}
		}
		id := s.queueRequest(s.active, ps.method, ps.params...)
		s.router.addPending(id, &call{
			method: ps.method,
			params: ps.params,
			reply:  ps.reply,
		})
	}
}

// deliver hands a response to a subscriber or caller channel without
// blocking the worker.
func deliver(ch chan *wire.Response, resp *wire.Response) {
	select {
	case ch <- resp:
	default:
		log.Warnf("Dropping response to slow consumer")
	}
}

// maintenance runs once a second: it times out stale sessions and requests,
// sends liveness probes, keeps the connection pool full, re-admits failed
// servers after their cooldowns, and re-establishes the active interface.
func (s *Syncer) maintenance(ctx context.Context) {
	now := time.Now()

	for _, i := range s.ifaces {
		switch {
		case i.stalled, now.Sub(i.lastRecv) > idleTimeout:
			s.connectionDown(i.name)
		case i.hasReq && now.Sub(i.reqTime) > stallTimeout:
			log.Warnf("Header request to %v timed out", i.name)
			s.connectionDown(i.name)
		case staleChunks(i, now):
			log.Warnf("Chunk request to %v timed out", i.name)
			s.connectionDown(i.name)
		case now.Sub(i.lastSend) > pingInterval:
			s.queueRequest(i, wire.ServerPing)
		}
	}

	if len(s.ifaces)+len(s.connecting) < s.targetServers {
		s.startRandomInterface(ctx)
		if now.Sub(s.nodesRetryTime) > nodesRetryInterval {
			log.Debugf("Retrying failed servers")
			s.disconnected = make(map[string]struct{})
			s.nodesRetryTime = now
		}
	}

	if s.active == nil {
		switch {
		case s.autoConnect:
			if s.status != StatusConnecting {
				s.switchToRandomInterface(ctx)
			}
		default:
			name := s.defaultServer.String()
			if _, down := s.disconnected[name]; down {
				if now.Sub(s.serverRetryTime) > serverRetryInterval {
					delete(s.disconnected, name)
					s.serverRetryTime = now
				}
			} else {
				s.switchToInterface(ctx, name)
			}
		}
	}

	s.processPendingSends(ctx)
}

func staleChunks(i *iface, now time.Time) bool {
	for _, at := range i.requestedChunks {
		if now.Sub(at) > stallTimeout {
			return true
		}
	}
	return false
}

// processMessage handles one message delivered by a session's reader
// goroutine: either a connection failure, a reply correlated to a request
// sent on that session, or an unsolicited subscription notification.
func (s *Syncer) processMessage(ctx context.Context, msg ifaceMsg) {
	i := msg.i
	if _, ok := s.ifaces[i.name]; !ok {
		return // already torn down
	}
	if msg.err != nil {
		log.Debugf("Read from %v failed: %v", i.name, msg.err)
		s.connectionDown(i.name)
		return
	}
	i.lastRecv = time.Now()
	resp := msg.resp

	var req *request
	var callbacks []chan *wire.Response
	var key string
	if !resp.Notification() {
		var ok bool
		req, ok = i.sent[*resp.ID]
		if !ok {
			log.Warnf("Reply from %v with unknown id %d", i.name, *resp.ID)
			return
		}
		delete(i.sent, *resp.ID)
		resp.Method = req.method
		key = wire.Key(req.method, req.params...)
		if c, ok := s.router.popPending(*resp.ID); ok {
			if i != s.active {
				return
			}
			callbacks = []chan *wire.Response{c.reply}
		} else {
			callbacks = s.router.subscribers(key)
		}
		// Standing subscriptions are recorded only once the server
		// confirms them, so a reconnect never sends duplicates.
		if resp.Error == nil {
			switch req.method {
			case wire.ScriptHashSubscribe:
				if h, ok := req.params[0].(string); ok {
					s.subscribedHashes[h] = struct{}{}
				}
			case wire.ContractEventSubscribe:
				if k, ok := eventKey(req.params); ok {
					s.subscribedEvents[k] = struct{}{}
				}
			}
		}
	} else {
		// Only subscription methods are ever pushed without an id.
		// Anything else pretends to answer a call that was never made.
		if !resp.Method.Subscription() {
			log.Warnf("Unsolicited %s notification from %v", resp.Method, i.name)
			s.connectionDown(i.name)
			return
		}
		resp.Normalize()
		key = resp.SubscriptionKey()
		callbacks = s.router.subscribers(key)
	}

	if resp.Method.Subscription() {
		s.router.cachePut(key, resp)
	}

	s.handleResponse(ctx, i, req, resp)
	for _, ch := range callbacks {
		deliver(ch, resp)
	}
}

func eventKey(params []interface{}) ([3]string, bool) {
	var key [3]string
	if len(params) < 3 {
		return key, false
	}
	for idx := 0; idx < 3; idx++ {
		s, ok := params[idx].(string)
		if !ok {
			return key, false
		}
		key[idx] = s
	}
	return key, true
}

// handleResponse performs the syncer's own handling of responses that feed
// chain sync or cached server state, before the response is delivered to
// callers.
func (s *Syncer) handleResponse(ctx context.Context, i *iface, req *request, resp *wire.Response) {
	switch resp.Method {
	case wire.ServerVersion:
		var version []string
		if resp.Error != nil || json.Unmarshal(resp.Result, &version) != nil || len(version) != 2 {
			log.Warnf("Bad version handshake with %v", i.name)
			s.connectionDown(i.name)
			return
		}
		i.serverVersion = version[0]
		log.Debugf("Server %v runs %s (protocol %s)", i.name, version[0], version[1])

	case wire.HeadersSubscribe:
		if resp.Error != nil {
			// Without a headers subscription the connection is useless.
			s.connectionDown(i.name)
			return
		}
		s.notifyHeader(ctx, i, resp.Result)

	case wire.ServerPeersSubscribe:
		if resp.Error == nil {
			servers, err := parseServerFeatures(resp.Result)
			if err == nil {
				s.announced = servers
				s.publish(ServersEvent{Servers: servers})
			}
		}

	case wire.ServerBanner:
		if resp.Error == nil && json.Unmarshal(resp.Result, &s.banner) == nil {
			s.publish(BannerEvent{Banner: s.banner})
		}

	case wire.ServerDonationAddress:
		if resp.Error == nil {
			json.Unmarshal(resp.Result, &s.donationAddress)
		}

	case wire.EstimateFee:
		var rate float64
		if resp.Error == nil && json.Unmarshal(resp.Result, &rate) == nil && rate > 0 {
			target, ok := req.params[0].(int)
			if ok {
				s.feeEstimates[target] = int64(rate * coin)
				s.publish(FeeEvent{Estimates: s.feeSnapshot(), RelayFee: s.relayFee})
			}
		}

	case wire.RelayFee:
		var rate float64
		if resp.Error == nil && json.Unmarshal(resp.Result, &rate) == nil && rate > 0 {
			s.relayFee = int64(rate * coin)
		}

	case wire.BlockHeaders:
		s.onBlockHeaders(ctx, i, req, resp)

	case wire.BlockHeader:
		s.onHeader(ctx, i, req, resp)
	}
}

func (s *Syncer) feeSnapshot() map[int]int64 {
	estimates := make(map[int]int64, len(s.feeEstimates))
	for target, fee := range s.feeEstimates {
		estimates[target] = fee
	}
	return estimates
}
