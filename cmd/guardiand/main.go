// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/fedguard/fedwallet/chain"
	"github.com/fedguard/fedwallet/custody"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Work around defer not working after os.Exit.
	if err := guardianMain(); err != nil {
		os.Exit(1)
	}
}

// guardianMain is a work-around main function that is required since
// deferred functions (such as log flushing) are not called with calls to
// os.Exit. Instead, main runs this function and checks for a non-nil error,
// at which point any defers have already run, and if the error is non-nil,
// the program can be exited with an error exit status.
func guardianMain() error {
	// Load configuration and parse command line. This function also
	// initializes logging and configures it accordingly.
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version %s on %s", version(), cfg.params.Name)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	interruptListener(cancel)

	var certs []byte
	if !cfg.DisableTLS && cfg.CAFile != "" {
		certs, err = os.ReadFile(cfg.CAFile)
		if err != nil {
			log.Errorf("Cannot open CA file: %v", err)
			return err
		}
	}
	backend, err := chain.NewRPCBackend(&rpcclient.ConnConfig{
		Host:         cfg.rpcURL,
		User:         cfg.RPCUser,
		Pass:         cfg.RPCPass,
		Certificates: certs,
		DisableTLS:   cfg.DisableTLS,
	}, cfg.ConfTarget)
	if err != nil {
		log.Errorf("Unable to create chain RPC client: %v", err)
		return err
	}
	defer backend.Stop()

	publisher := chain.NewRetryPublisher(
		backend, chain.DefaultRetryBase, chain.DefaultMaxRetries,
	)

	agg, err := cfg.federation()
	if err != nil {
		log.Errorf("Invalid federation: %v", err)
		return err
	}

	// All guardians of this process share one in-process consensus
	// stream.
	hub := custody.NewLocalHub()
	guardians := make([]*guardian, 0, len(cfg.shares))
	defer func() {
		for _, g := range guardians {
			g.close()
		}
	}()
	for _, share := range cfg.shares {
		g, err := openGuardian(cfg, agg, share, hub, backend, publisher)
		if err != nil {
			log.Errorf("Unable to open guardian: %v", err)
			return err
		}
		guardians = append(guardians, g)
	}
	if len(guardians) < int(agg.Threshold) {
		err := fmt.Errorf("in-process federation runs %d of %d "+
			"guardians, at least %d are needed", len(guardians),
			agg.N(), agg.Threshold)
		log.Error(err)
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, g := range guardians {
		g.reporter.Start()
		defer g.reporter.Stop()

		eg.Go(func() error {
			return g.runner.Run(ctx)
		})
	}
	eg.Go(func() error {
		hub.Run(ctx, ticker.New(cfg.RoundInterval))
		return nil
	})

	err = eg.Wait()
	if err != nil {
		log.Errorf("Guardian stopped: %v", err)
	}
	log.Info("Shutdown complete")

	return err
}
