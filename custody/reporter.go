// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package custody

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/fedguard/fedwallet/chain"
	"github.com/lightningnetwork/lnd/ticker"
)

// DefaultReportInterval is the interval at which the chain is polled.
const DefaultReportInterval = 30 * time.Second

// ReporterConfig holds the collaborators of a Reporter.
type ReporterConfig struct {
	Module   *Module
	Observer *chain.Observer

	// Ticker paces the polls.
	Ticker ticker.Ticker
}

// Reporter turns the observations of the local chain view into
// ObservationReport proposals. It never changes custody state itself.
type Reporter struct {
	cfg ReporterConfig

	// lastTip and lastSpends describe the previous report; a poll that
	// changes neither and finds nothing new is not reported.
	lastTip    int32
	lastSpends map[chainhash.Hash]int32

	wg     sync.WaitGroup
	quit   chan struct{}
	cancel context.CancelFunc
}

// NewReporter returns a reporter that watches the descriptors of the
// module's registry and the transactions of its signed requests.
func NewReporter(cfg ReporterConfig) *Reporter {
	for _, d := range cfg.Module.Registry().Watched() {
		cfg.Observer.Watch(d)
	}
	for _, txid := range cfg.Module.SigningTxids() {
		cfg.Observer.WatchTx(txid)
	}

	return &Reporter{
		cfg:        cfg,
		lastTip:    -1,
		lastSpends: make(map[chainhash.Hash]int32),
		quit:       make(chan struct{}),
	}
}

// Start begins polling on every tick.
func (r *Reporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.cfg.Ticker.Resume()

	r.wg.Add(1)
	go r.reportHandler(ctx)
}

// Stop stops polling and waits for the poll in progress.
func (r *Reporter) Stop() {
	close(r.quit)
	r.cancel()
	r.cfg.Ticker.Stop()
	r.wg.Wait()
}

func (r *Reporter) reportHandler(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-r.cfg.Ticker.Ticks():
			if err := r.Report(ctx); err != nil {
				log.Errorf("Unable to report chain observations: %v",
					err)
			}

		case <-r.quit:
			return
		}
	}
}

// Report polls the observer once and proposes what it found.
func (r *Reporter) Report(ctx context.Context) error {
	o := r.cfg.Observer

	var report ObservationReport
	for obs, err := range o.Poll(ctx) {
		if err != nil {
			// The observer keeps its progress; the next poll picks
			// up where this one stopped.
			log.Warnf("Chain poll stopped early: %v", err)
			break
		}
		report.Deposits = append(report.Deposits, obs)
	}

	for _, n := range o.PendingReorgs() {
		log.Infof("Reporting reorg at height %d: %d deposits and %d "+
			"transactions invalidated", n.ForkHeight,
			len(n.Invalidated), len(n.InvalidatedTxs))

		report.Invalidated = append(report.Invalidated, n.Invalidated...)
		report.InvalidatedTxs = append(
			report.InvalidatedTxs, n.InvalidatedTxs...,
		)
		for _, txid := range n.InvalidatedTxs {
			delete(r.lastSpends, txid)
		}
	}

	for _, c := range o.Confirmations() {
		if h, ok := r.lastSpends[c.Txid]; ok && h == c.Height {
			continue
		}
		report.Spends = append(report.Spends, c)
		r.lastSpends[c.Txid] = c.Height
	}

	report.Tip = o.Tip()

	if report.Tip == r.lastTip && len(report.Deposits) == 0 &&
		len(report.Invalidated) == 0 && len(report.Spends) == 0 &&
		len(report.InvalidatedTxs) == 0 {

		return nil
	}

	if err := r.cfg.Module.Propose(&report); err != nil {
		return err
	}
	r.lastTip = report.Tip

	log.Debugf("Reported tip %d with %d deposits, %d invalidations and "+
		"%d spends", report.Tip, len(report.Deposits),
		len(report.Invalidated), len(report.Spends))

	return nil
}
