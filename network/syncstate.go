// Copyright (c) 2019-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package network

import "github.com/qtumproject/qtumwallet/blockchain"

// syncState is the header synchronization state of one interface.  Each
// state carries exactly the data its response handler needs, and handlers
// replace the whole value on every transition so stale bounds from an
// earlier search can never leak into a later one.
//
// The states are:
//
//	stateDefault: tracking the server's tip, nothing outstanding.
//	stateBackward: probing backward for a height the local chains know.
//	stateBinary: bisecting for the exact height of first disagreement.
//	stateCatchUp: sequentially appending headers up to the server's tip.
type syncState interface {
	String() string
}

type stateDefault struct{}

// stateBackward records the lowest known-disagreeing height while probing
// backward with exponentially growing steps.
type stateBackward struct {
	bad       int32
	badHeader *blockchain.Header
}

// stateBinary records the bisection bounds: good is the highest height known
// to agree with a local chain, bad the lowest known to disagree.
type stateBinary struct {
	good      int32
	bad       int32
	badHeader *blockchain.Header
}

type stateCatchUp struct{}

func (stateDefault) String() string  { return "default" }
func (stateBackward) String() string { return "backward" }
func (stateBinary) String() string   { return "binary" }
func (stateCatchUp) String() string  { return "catch_up" }
