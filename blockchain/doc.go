// Copyright (c) 2019-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package blockchain implements block header storage and the bookkeeping of
multiple competing header chains.

Headers are received from remote Electrum servers one at a time or in fixed
size chunks.  Each sequence of headers that diverges from another is recorded
as its own Chain, rooted at the fork point where divergence begins, with the
pre-fork history read through the parent chain.  A ChainSet owns every known
Chain, designates the followed one, and arbitrates which server connection
may fill in a chain's missing headers at a time.

This package performs header linkage validation only: an appended header
must reference the hash of its predecessor.  Proof of work and stake
validation are out of scope for a client that trusts header majority rather
than verifying consensus itself.
*/
package blockchain
