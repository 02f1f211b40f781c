// Copyright (c) 2019-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package network

import (
	"context"
	"encoding/json"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/qtumproject/qtumwallet/errors"
	"github.com/qtumproject/qtumwallet/wire"
)

// subscriberBuffer is the channel capacity handed to subscribers.  A
// consumer this far behind starts losing notifications.
const subscriberBuffer = 16

// enqueue hands a request to the worker for sending on the active
// interface.
func (s *Syncer) enqueue(ps *pendingSend) {
	s.mu.Lock()
	s.pendingSends = append(s.pendingSends, ps)
	s.mu.Unlock()
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// call performs a synchronous request on the active interface, waiting for
// the reply up to the stall timeout.  A populated error field of the reply
// is returned as a ServerError.
func (s *Syncer) call(ctx context.Context, method wire.Method, params ...interface{}) (json.RawMessage, error) {
	const op errors.Op = "network.call"

	reply := make(chan *wire.Response, 1)
	s.enqueue(&pendingSend{method: method, params: params, reply: reply})

	t := time.NewTimer(stallTimeout)
	defer t.Stop()
	select {
	case resp := <-reply:
		if resp.Error != nil {
			return nil, errors.E(op, errors.ServerError, resp.Error)
		}
		return resp.Result, nil
	case <-t.C:
		return nil, errors.E(op, errors.Deadline, errors.Errorf("%s: server did not answer", method))
	case <-ctx.Done():
		return nil, errors.E(op, ctx.Err())
	}
}

func (s *Syncer) callInto(ctx context.Context, v interface{}, method wire.Method, params ...interface{}) error {
	result, err := s.call(ctx, method, params...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(result, v); err != nil {
		return errors.E(errors.Encoding, err)
	}
	return nil
}

// Subscribe establishes a standing subscription and returns the channel
// its replies and notifications are delivered on.  The first message on the
// channel answers the subscribe call itself, served from the response cache
// when the active server already answered the same subscription.
func (s *Syncer) Subscribe(method wire.Method, params ...interface{}) (<-chan *wire.Response, error) {
	const op errors.Op = "network.Subscribe"

	if !method.Subscription() {
		return nil, errors.E(op, errors.Invalid, errors.Errorf(
			"%s is not a subscription", method))
	}
	ch := make(chan *wire.Response, subscriberBuffer)
	s.enqueue(&pendingSend{method: method, params: params, reply: ch})
	return ch, nil
}

// Unsubscribe stops delivery to a channel returned by Subscribe.  The
// server is not told; later pushes for the subscription are discarded.
func (s *Syncer) Unsubscribe(ch <-chan *wire.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.router.unsubscribe(ch)
}

// SubscribeScriptHash watches a script hash for status changes.
func (s *Syncer) SubscribeScriptHash(scriptHash string) (<-chan *wire.Response, error) {
	return s.Subscribe(wire.ScriptHashSubscribe, scriptHash)
}

// SubscribeContractEvent watches a contract for event logs involving a
// hash160 and topic.
func (s *Syncer) SubscribeContractEvent(hash160, contract, topic string) (<-chan *wire.Response, error) {
	return s.Subscribe(wire.ContractEventSubscribe, hash160, contract, topic)
}

// HistoryItem is one confirmed or mempool transaction of a script hash
// history.  Height 0 means unconfirmed, -1 unconfirmed with unconfirmed
// inputs; Fee is only set for mempool transactions.
type HistoryItem struct {
	TxHash string `json:"tx_hash"`
	Height int32  `json:"height"`
	Fee    int64  `json:"fee,omitempty"`
}

// ScriptHashHistory returns the transaction history of a script hash.
func (s *Syncer) ScriptHashHistory(ctx context.Context, scriptHash string) ([]HistoryItem, error) {
	var history []HistoryItem
	err := s.callInto(ctx, &history, wire.ScriptHashHistory, scriptHash)
	return history, err
}

// Balance is a script hash balance in satoshis.
type Balance struct {
	Confirmed   int64 `json:"confirmed"`
	Unconfirmed int64 `json:"unconfirmed"`
}

// ScriptHashBalance returns the confirmed and unconfirmed balance of a
// script hash.
func (s *Syncer) ScriptHashBalance(ctx context.Context, scriptHash string) (Balance, error) {
	var balance Balance
	err := s.callInto(ctx, &balance, wire.ScriptHashBalance, scriptHash)
	return balance, err
}

// Unspent is one unspent output of a script hash.
type Unspent struct {
	TxHash string `json:"tx_hash"`
	TxPos  uint32 `json:"tx_pos"`
	Height int32  `json:"height"`
	Value  int64  `json:"value"`
}

// ScriptHashUnspent returns the unspent outputs of a script hash.
func (s *Syncer) ScriptHashUnspent(ctx context.Context, scriptHash string) ([]Unspent, error) {
	var utxos []Unspent
	err := s.callInto(ctx, &utxos, wire.ScriptHashUnspent, scriptHash)
	return utxos, err
}

// Transaction returns the hex encoding of a transaction by hash.
func (s *Syncer) Transaction(ctx context.Context, txHash string) (string, error) {
	var hexTx string
	err := s.callInto(ctx, &hexTx, wire.TransactionGet, txHash)
	return hexTx, err
}

// Broadcast submits a hex-encoded transaction to the active server and
// returns the transaction hash it reports.  A rejection is returned to the
// caller with the server's reason and is never retried.
func (s *Syncer) Broadcast(ctx context.Context, hexTx string) (string, error) {
	const op errors.Op = "network.Broadcast"

	var txHash string
	err := s.callInto(ctx, &txHash, wire.TransactionBroadcast, hexTx)
	if err != nil {
		if errors.Is(errors.ServerError, err) {
			return "", errors.E(op, errors.Policy, err)
		}
		return "", errors.E(op, err)
	}
	return txHash, nil
}

// MerkleProof locates a confirmed transaction within its block.
type MerkleProof struct {
	BlockHeight int32    `json:"block_height"`
	Pos         uint32   `json:"pos"`
	Merkle      []string `json:"merkle"`
}

// TransactionMerkle returns the merkle branch proving a transaction's
// inclusion in the block at height.
func (s *Syncer) TransactionMerkle(ctx context.Context, txHash string, height int32) (MerkleProof, error) {
	var proof MerkleProof
	err := s.callInto(ctx, &proof, wire.TransactionMerkle, txHash, int(height))
	return proof, err
}

// ContractCall executes a read-only contract call through the active
// server.  data is the hex-encoded call payload; sender may be empty.
func (s *Syncer) ContractCall(ctx context.Context, contract, data, sender string) (json.RawMessage, error) {
	return s.call(ctx, wire.ContractCall, contract, data, sender)
}

// ContractEventHistory returns the recorded event logs of a contract for a
// hash160 and topic.
func (s *Syncer) ContractEventHistory(ctx context.Context, hash160, contract, topic string) (json.RawMessage, error) {
	return s.call(ctx, wire.ContractEventHistory, hash160, contract, topic)
}

// TokenInfo describes a token contract.
type TokenInfo struct {
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Decimals    uint8  `json:"decimals"`
	TotalSupply string `json:"total_supply"`
}

// TokenInfoFor returns the token metadata of a contract.
func (s *Syncer) TokenInfoFor(ctx context.Context, contract string) (TokenInfo, error) {
	var info TokenInfo
	err := s.callInto(ctx, &info, wire.TokenInfo, contract)
	return info, err
}

// balanceOfSelector is the first four bytes of keccak256("balanceOf(address)").
const balanceOfSelector = "70a08231"

// TokenBalance returns a token contract's balance of the address given by
// its hash160, read with an ERC20 balanceOf call.
func (s *Syncer) TokenBalance(ctx context.Context, contract, hash160 string) (*big.Int, error) {
	const op errors.Op = "network.TokenBalance"
	if len(hash160) != 40 {
		return nil, errors.E(op, errors.Invalid, "hash160 must be 20 hex-encoded bytes")
	}
	data := balanceOfSelector + strings.Repeat("0", 24) + hash160
	result, err := s.call(ctx, wire.ContractCall, contract, data, "")
	if err != nil {
		return nil, errors.E(op, err)
	}
	var call struct {
		ExecutionResult struct {
			Output string `json:"output"`
		} `json:"executionResult"`
	}
	if err := json.Unmarshal(result, &call); err != nil {
		return nil, errors.E(op, errors.Encoding, err)
	}
	balance, ok := new(big.Int).SetString(call.ExecutionResult.Output, 16)
	if !ok {
		return nil, errors.E(op, errors.Encoding, "malformed balanceOf output")
	}
	return balance, nil
}

// Banner returns the most recent banner of the active server.
func (s *Syncer) Banner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.banner
}

// DonationAddress returns the donation address announced by the active
// server.
func (s *Syncer) DonationAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.donationAddress
}

// FeeEstimates returns the cached fee estimates by confirmation target, in
// satoshis per kilobyte, and the server relay fee.
func (s *Syncer) FeeEstimates() (map[int]int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feeSnapshot(), s.relayFee
}

// Status returns the state of the active server connection.
func (s *Syncer) Status() ConnStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LocalHeight returns the height of the followed chain.
func (s *Syncer) LocalHeight() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.followedChain().Height()
}

// ServerHeight returns the tip height announced by the active server, or 0
// when disconnected.
func (s *Syncer) ServerHeight() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return 0
	}
	return s.active.tip
}

// ConnectedServers returns the canonical names of every connected server.
func (s *Syncer) ConnectedServers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.ifaces))
	for name := range s.ifaces {
		names = append(names, name)
	}
	return names
}

// ChainsFollowing reports, for each known chain keyed by forkpoint, the
// names of the connected servers currently tracking it.  Chains no server
// tracks map to an empty slice.
func (s *Syncer) ChainsFollowing() map[int32][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	following := make(map[int32][]string)
	for _, chain := range s.chains.Chains() {
		following[chain.Forkpoint()] = []string{}
	}
	for name, i := range s.ifaces {
		if i.chain == nil {
			continue
		}
		forkpoint := i.chain.Forkpoint()
		following[forkpoint] = append(following[forkpoint], name)
	}
	for _, names := range following {
		sort.Strings(names)
	}
	return following
}

// KnownServers returns the candidate server pool: curated defaults merged
// with peers announced by the network and recently used servers.
func (s *Syncer) KnownServers() map[string]ServerFeatures {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverPool()
}

// SetServer pins server as the preferred one and switches to it.  With
// autoConnect the syncer may still roam when the server lags or fails;
// without it the syncer keeps returning to this server.
func (s *Syncer) SetServer(ctx context.Context, server Server, autoConnect bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoConnect = autoConnect
	if s.defaultServer.String() != server.String() {
		s.switchToInterface(ctx, server.String())
		return
	}
	s.switchLaggingInterface(ctx)
}

// FollowChain switches the followed chain selector to the chain rooted at
// forkpoint, and makes a connected interface tracking that chain the
// active one when there is one.
func (s *Syncer) FollowChain(ctx context.Context, forkpoint int32) error {
	const op errors.Op = "network.FollowChain"

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.chains.Follow(forkpoint); err != nil {
		return errors.E(op, err)
	}
	chain := s.chains.ChainAt(forkpoint)
	for name, i := range s.ifaces {
		if i.chain == chain {
			s.switchToInterface(ctx, name)
			break
		}
	}
	s.publish(BlockchainUpdatedEvent{LocalHeight: chain.Height()})
	return nil
}
