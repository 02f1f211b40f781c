// Copyright (c) 2019-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import "strings"

// Method identifies an RPC method of the Electrum protocol.  Methods sent by
// compliant servers form a closed set; anything outside it compares unequal
// to every known constant and is reported by Known as false rather than
// being rejected at decode time.
type Method string

// Methods implemented by Electrum servers and used by this client.
const (
	ServerVersion         Method = "server.version"
	ServerBanner          Method = "server.banner"
	ServerDonationAddress Method = "server.donation_address"
	ServerPeersSubscribe  Method = "server.peers.subscribe"
	ServerPing            Method = "server.ping"

	HeadersSubscribe Method = "blockchain.headers.subscribe"
	BlockHeader      Method = "blockchain.block.header"
	BlockHeaders     Method = "blockchain.block.headers"
	EstimateFee      Method = "blockchain.estimatefee"
	RelayFee         Method = "blockchain.relayfee"

	ScriptHashSubscribe Method = "blockchain.scripthash.subscribe"
	ScriptHashHistory   Method = "blockchain.scripthash.get_history"
	ScriptHashMempool   Method = "blockchain.scripthash.get_mempool"
	ScriptHashBalance   Method = "blockchain.scripthash.get_balance"
	ScriptHashUnspent   Method = "blockchain.scripthash.listunspent"

	TransactionGet       Method = "blockchain.transaction.get"
	TransactionBroadcast Method = "blockchain.transaction.broadcast"
	TransactionMerkle    Method = "blockchain.transaction.get_merkle"

	ContractCall           Method = "blockchain.contract.call"
	ContractEventSubscribe Method = "blockchain.contract.event.subscribe"
	ContractEventHistory   Method = "blockchain.contract.event.get_history"
	TokenInfo              Method = "blockchain.token.get_info"
)

var knownMethods = map[Method]struct{}{
	ServerVersion:          {},
	ServerBanner:           {},
	ServerDonationAddress:  {},
	ServerPeersSubscribe:   {},
	ServerPing:             {},
	HeadersSubscribe:       {},
	BlockHeader:            {},
	BlockHeaders:           {},
	EstimateFee:            {},
	RelayFee:               {},
	ScriptHashSubscribe:    {},
	ScriptHashHistory:      {},
	ScriptHashMempool:      {},
	ScriptHashBalance:      {},
	ScriptHashUnspent:      {},
	TransactionGet:         {},
	TransactionBroadcast:   {},
	TransactionMerkle:      {},
	ContractCall:           {},
	ContractEventSubscribe: {},
	ContractEventHistory:   {},
	TokenInfo:              {},
}

// Known reports whether m is a method of the protocol as implemented here.
func (m Method) Known() bool {
	_, ok := knownMethods[m]
	return ok
}

// Subscription reports whether calling m establishes a standing subscription
// that the server answers with later notifications.
func (m Method) Subscription() bool {
	return strings.HasSuffix(string(m), ".subscribe")
}
