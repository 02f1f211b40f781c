// Copyright (c) 2019-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package network

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/qtumproject/qtumwallet/blockchain"
	"github.com/qtumproject/qtumwallet/wire"
)

const (
	connectTimeout = 10 * time.Second

	// outboundQueueLen bounds the per-interface send queue.  An interface
	// that cannot drain this many requests is stalled and torn down.
	outboundQueueLen = 64
)

// request records one call sent on an interface so that the reply, which
// carries only the id, can be matched back to its method and parameters.
type request struct {
	id     uint64
	method wire.Method
	params []interface{}
}

// iface is one server session.  The conn and out queue are shared with the
// session's reader and writer goroutines; every other field is owned by the
// syncer worker and never touched off it.
type iface struct {
	server Server
	name   string // canonical server string, also the catch-up marker owner

	conn net.Conn
	out  chan *wire.Request
	quit chan struct{}

	chain     *blockchain.Chain
	tip       int32
	tipHeader *blockchain.Header
	state     syncState

	sent map[uint64]*request

	// Height awaited by the header-sync state machine, valid when hasReq.
	req     int32
	reqTime time.Time
	hasReq  bool

	// Chunk indexes requested during catch-up and when each was issued.
	requestedChunks map[int32]time.Time

	// stalled is set when the session's send queue overflows; maintenance
	// tears the session down.
	stalled bool

	serverVersion string
	lastRecv      time.Time
	lastSend      time.Time

	closeOnce sync.Once
}

func newIface(server Server, conn net.Conn) *iface {
	now := time.Now()
	return &iface{
		server:          server,
		name:            server.String(),
		conn:            conn,
		out:             make(chan *wire.Request, outboundQueueLen),
		quit:            make(chan struct{}),
		state:           stateDefault{},
		sent:            make(map[uint64]*request),
		requestedChunks: make(map[int32]time.Time),
		lastRecv:        now,
		lastSend:        now,
	}
}

// close shuts the session down.  The reader goroutine observes the closed
// conn and reports the error to the worker; in-flight requests never receive
// a reply.
func (i *iface) close() {
	i.closeOnce.Do(func() {
		close(i.quit)
		if i.conn != nil {
			i.conn.Close()
		}
	})
}

// ifaceMsg is one message delivered by a session's reader goroutine to the
// worker.  A nil resp with non-nil err reports the session's read loop
// ending.
type ifaceMsg struct {
	i    *iface
	resp *wire.Response
	err  error
}

// readLoop reads server messages until the connection fails, delivering each
// to the worker.  Runs as a goroutine per session.
func (i *iface) readLoop(ctx context.Context, msgs chan<- ifaceMsg) {
	mr := wire.NewMsgReader(i.conn)
	for {
		resp, err := mr.Next()
		if err != nil {
			select {
			case msgs <- ifaceMsg{i: i, err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case msgs <- ifaceMsg{i: i, resp: resp}:
		case <-ctx.Done():
			return
		}
	}
}

// writeLoop writes queued requests to the connection.  A write failure
// closes the session; the read loop reports the teardown.
func (i *iface) writeLoop() {
	mw := wire.NewMsgWriter(i.conn)
	for {
		select {
		case req := <-i.out:
			if err := mw.WriteRequest(req); err != nil {
				i.close()
				return
			}
		case <-i.quit:
			return
		}
	}
}

// dialServer establishes the transport connection to server, wrapping it in
// TLS when the server speaks it.  Electrum servers commonly present
// self-signed certificates, so the TLS layer is used for transport privacy
// rather than name verification.
func dialServer(ctx context.Context, server Server) (net.Conn, error) {
	d := &net.Dialer{Timeout: connectTimeout}
	conn, err := d.DialContext(ctx, "tcp", server.Addr())
	if err != nil {
		return nil, err
	}
	if server.Proto != ProtoTLS {
		return conn, nil
	}
	tc := tls.Client(conn, &tls.Config{
		ServerName:         server.Host,
		InsecureSkipVerify: true,
	})
	hctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := tc.HandshakeContext(hctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tc, nil
}
