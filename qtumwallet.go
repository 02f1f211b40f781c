// Copyright (c) 2013-2015 The btcsuite developers
// Copyright (c) 2015-2018 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/qtumproject/qtumwallet/blockchain"
	"github.com/qtumproject/qtumwallet/errors"
	"github.com/qtumproject/qtumwallet/network"
	"github.com/qtumproject/qtumwallet/version"
)

func init() {
	// Format nested errors without newlines (better for logs).
	errors.Separator = ":: "
}

var cfg *config

func main() {
	// Create a context that is cancelled when a shutdown request is received
	// through an interrupt signal.
	ctx := withShutdownCancel(context.Background())
	go shutdownListener()

	// Run until permanent failure or shutdown is requested.
	if err := run(ctx); err != nil && err != context.Canceled {
		os.Exit(1)
	}
}

// done returns whether the context's Done channel was closed due to
// cancellation or exceeded deadline.
func done(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// run is the main startup and teardown logic performed by the main package.
// It is responsible for parsing the config, opening the header database, and
// running the network syncer until the context is cancelled.
func run(ctx context.Context) error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Show version at startup.
	log.Infof("Version %s (Go version %s %s/%s)", version.String(), runtime.Version(),
		runtime.GOOS, runtime.GOARCH)

	// Run the pprof profiler if enabled.
	if cfg.Profile != "" {
		go func() {
			listenAddr := net.JoinHostPort("127.0.0.1", cfg.Profile)
			log.Infof("Starting profile server on %s", listenAddr)
			profileRedirect := http.RedirectHandler("/debug/pprof", http.StatusSeeOther)
			http.Handle("/", profileRedirect)
			err := http.ListenAndServe(listenAddr, nil)
			if err != nil {
				fatalf("Unable to run profiler: %v", err)
			}
		}()
	}

	if done(ctx) {
		return ctx.Err()
	}

	// Open the header database and the chains recorded in it.
	dbDir := filepath.Join(cfg.AppDataDir, "headers")
	store, err := blockchain.OpenLevelDBStore(dbDir)
	if err != nil {
		log.Errorf("Unable to open header database: %v", err)
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Errorf("Failed to close header database: %v", err)
		}
	}()
	chains, err := blockchain.OpenChainSet(store)
	if err != nil {
		log.Errorf("Unable to load header chains: %v", err)
		return err
	}
	log.Infof("Opened header database with %d chain(s), local height %d",
		len(chains.Chains()), chains.LocalHeight())

	syncer := network.NewSyncer(&network.Config{
		ChainSet:      chains,
		DataDir:       cfg.AppDataDir,
		Server:        cfg.server,
		AutoConnect:   cfg.AutoConnect,
		TargetServers: cfg.TargetServers,
	})
	go logEvents(ctx, syncer.Events())

	// Run the syncer until cancellation, reconnecting after failures.
	for {
		err := syncer.Run(ctx)
		if done(ctx) {
			return ctx.Err()
		}
		log.Errorf("Network synchronization ended: %v", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

// logEvents drains the syncer's event channel.  Without a consumer the syncer
// drops events rather than block, so the drain doubles as a status log.
func logEvents(ctx context.Context, events <-chan network.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			switch e := e.(type) {
			case network.StatusEvent:
				log.Infof("Connection status: %v (%s)", e.Status, e.Server)
			case network.BlockchainUpdatedEvent:
				log.Infof("Local height %d", e.LocalHeight)
			case network.BannerEvent:
				log.Debugf("Server banner received")
			case network.FeeEvent:
				log.Debugf("Fee estimates updated: %v", e.Estimates)
			case network.ServersEvent:
				log.Debugf("Learned %d servers", len(e.Servers))
			case network.NetworkUpdatedEvent:
			}
		}
	}
}
