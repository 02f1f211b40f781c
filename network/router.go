// Copyright (c) 2019-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package network

import (
	"github.com/qtumproject/qtumwallet/lru"
	"github.com/qtumproject/qtumwallet/wire"
)

// subCacheLimit bounds the cached last responses of subscriptions.
const subCacheLimit = 1024

// call is one client request awaiting its reply.  The reply channel is
// buffered so the worker never blocks delivering it.
type call struct {
	method wire.Method
	params []interface{}
	reply  chan *wire.Response
}

// router matches server replies to pending client calls and subscription
// notifications to their subscribers.  Client calls are keyed by message id;
// subscriptions by the canonical key of wire.Key.  All mutation happens on
// the syncer worker; the syncer's façade methods access it under the
// syncer's lock.
type router struct {
	pending  map[uint64]*call
	subs     map[string][]chan *wire.Response
	subCache lru.Map[string, *wire.Response]
}

func newRouter() *router {
	return &router{
		pending:  make(map[uint64]*call),
		subs:     make(map[string][]chan *wire.Response),
		subCache: lru.NewMap[string, *wire.Response](subCacheLimit),
	}
}

// addPending registers a client call under the message id it was sent with.
func (r *router) addPending(id uint64, c *call) {
	r.pending[id] = c
}

// popPending removes and returns the client call sent with message id.
func (r *router) popPending(id uint64) (*call, bool) {
	c, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	return c, ok
}

// takePending removes and returns every pending client call, used to resend
// them after an active-interface switch.
func (r *router) takePending() []*call {
	calls := make([]*call, 0, len(r.pending))
	for _, c := range r.pending {
		calls = append(calls, c)
	}
	r.pending = make(map[uint64]*call)
	return calls
}

// subscribe registers ch to receive every response routed to key.
func (r *router) subscribe(key string, ch chan *wire.Response) {
	for _, existing := range r.subs[key] {
		if existing == ch {
			return
		}
	}
	r.subs[key] = append(r.subs[key], ch)
}

// unsubscribe removes ch from every subscription it is registered under.
// Notifications the server keeps pushing afterwards are dropped harmlessly.
func (r *router) unsubscribe(ch <-chan *wire.Response) {
	for key, chans := range r.subs {
		for i, existing := range chans {
			if existing == ch {
				r.subs[key] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(r.subs[key]) == 0 {
			delete(r.subs, key)
		}
	}
}

// subscribers returns the channels registered under key.
func (r *router) subscribers(key string) []chan *wire.Response {
	return r.subs[key]
}

// cacheGet returns the cached last response of the subscription key.
func (r *router) cacheGet(key string) (*wire.Response, bool) {
	return r.subCache.Get(key)
}

// cachePut records the last response of the subscription key.
func (r *router) cachePut(key string, resp *wire.Response) {
	r.subCache.Add(key, resp)
}

// clearCache drops every cached response.  Called on every active-interface
// switch: the cache is scoped to what the currently trusted server said.
func (r *router) clearCache() {
	r.subCache.Clear()
}
