// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/fedguard/fedwallet/chain"
	"github.com/fedguard/fedwallet/custody"
	"github.com/fedguard/fedwallet/descriptor"
	"github.com/fedguard/fedwallet/internal/cfgutil"
	"github.com/lightningnetwork/lnd/ticker"
)

// dbTimeout is how long to wait for the database lock.
const dbTimeout = 60 * time.Second

// guardian is one federation member run by this process.
type guardian struct {
	db       walletdb.DB
	module   *custody.Module
	observer *chain.Observer
	reporter *custody.Reporter
	runner   *custody.Runner
}

// openGuardian opens the database of the guardian holding share, creating
// it on first start, and wires its chain observer and consensus runner.
func openGuardian(cfg *config, agg *descriptor.AggregatePublicKey,
	share *btcec.PrivateKey, hub *custody.LocalHub,
	backend *chain.RPCBackend, publisher chain.Publisher) (*guardian,
	error) {

	ccfg, err := cfg.custodyConfig(agg, share)
	if err != nil {
		return nil, err
	}

	db, err := openGuardianDB(cfg.DataDir, cfg.params.Name, ccfg.Self)
	if err != nil {
		return nil, err
	}

	module, err := custody.New(ccfg, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	observer := chain.NewObserver(chain.ObserverConfig{
		Source:        backend,
		StartHeight:   cfg.StartHeight,
		MaxReorgDepth: cfg.MaxReorgDepth,
	})
	reporter := custody.NewReporter(custody.ReporterConfig{
		Module:   module,
		Observer: observer,
		Ticker:   ticker.New(cfg.PollInterval),
	})
	runner := custody.NewRunner(custody.RunnerConfig{
		Module: module,
		Stream: hub.Join(ccfg.Self),
		Executor: custody.NewExecutor(
			module, backend, publisher, observer,
		),
		RetryRounds: cfg.RetryRounds,
	})

	addr, err := module.DepositAddress()
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Infof("Guardian %d ready, deposit address %v", ccfg.Self, addr)

	return &guardian{
		db:       db,
		module:   module,
		observer: observer,
		reporter: reporter,
		runner:   runner,
	}, nil
}

// openGuardianDB opens the bolt database of guardian self under the network
// directory, creating it on first start.
func openGuardianDB(dataDir, network string,
	self custody.GuardianID) (walletdb.DB, error) {

	netDir := filepath.Join(dataDir, network)
	if err := os.MkdirAll(netDir, 0700); err != nil {
		return nil, err
	}
	dbPath := filepath.Join(netDir, fmt.Sprintf("guardian-%d.db", self))

	exists, err := cfgutil.FileExists(dbPath)
	if err != nil {
		return nil, err
	}
	if exists {
		return walletdb.Open("bdb", dbPath, true, dbTimeout, false)
	}

	log.Infof("Creating guardian database %s", dbPath)
	return walletdb.Create("bdb", dbPath, true, dbTimeout, false)
}

// close releases the database.
func (g *guardian) close() {
	if err := g.db.Close(); err != nil {
		log.Errorf("Unable to close guardian database: %v", err)
	}
}
