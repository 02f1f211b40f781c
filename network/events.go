// Copyright (c) 2019-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package network

// ConnStatus describes the state of the active server connection.
type ConnStatus uint8

const (
	// StatusDisconnected means no active connection exists.
	StatusDisconnected ConnStatus = iota

	// StatusConnecting means a connection to the active server is being
	// established.
	StatusConnecting

	// StatusConnected means the active server connection is established
	// and drives wallet-visible state.
	StatusConnected
)

func (s ConnStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Event is a notification published by the syncer for external layers (the
// wallet, a UI) to drain from the Events channel.  The concrete types below
// are the only implementations.
type Event interface {
	isEvent()
}

// StatusEvent reports a change of the active connection's status.
type StatusEvent struct {
	Status ConnStatus
	Server string
}

// BannerEvent carries the active server's banner text.
type BannerEvent struct {
	Banner string
}

// FeeEvent carries updated fee estimates.  Estimates map a confirmation
// target in blocks to a fee rate in satoshis per kilobyte.
type FeeEvent struct {
	Estimates map[int]int64
	RelayFee  int64
}

// ServersEvent carries the server list announced by the active server.
type ServersEvent struct {
	Servers map[string]ServerFeatures
}

// NetworkUpdatedEvent reports a change of the connected interface set or of
// a server's announced tip.
type NetworkUpdatedEvent struct{}

// BlockchainUpdatedEvent reports that headers were connected to some chain
// or that the chain topology changed.
type BlockchainUpdatedEvent struct {
	LocalHeight int32
}

func (StatusEvent) isEvent()            {}
func (BannerEvent) isEvent()            {}
func (FeeEvent) isEvent()               {}
func (ServersEvent) isEvent()           {}
func (NetworkUpdatedEvent) isEvent()    {}
func (BlockchainUpdatedEvent) isEvent() {}
