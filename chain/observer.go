// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"iter"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/fedguard/fedwallet/descriptor"
)

// DefaultMaxReorgDepth is the number of scanned block hashes kept around to
// detect reorganizations.
const DefaultMaxReorgDepth = 144

// ObserverConfig configures an Observer.
type ObserverConfig struct {
	// Source serves the blocks that are scanned.
	Source Source

	// StartHeight is the first height scanned. Deposits below it are
	// never reported.
	StartHeight int32

	// MaxReorgDepth bounds how far back a reorganization is tracked.
	MaxReorgDepth int32
}

// Observer scans the chain for deposits to watched descriptors and for the
// confirmation of watched transactions. It only reports what it sees, it
// never changes custody state itself.
type Observer struct {
	cfg ObserverConfig

	// pollMu serializes Poll iterations.
	pollMu sync.Mutex

	mu       sync.Mutex
	scripts  map[string]*descriptor.Descriptor
	txs      map[chainhash.Hash]int32
	tip      int32
	hashes   map[int32]chainhash.Hash
	deposits map[int32][]wire.OutPoint
	reorgs   []ReorgNotification
}

// NewObserver creates an observer that starts scanning at cfg.StartHeight.
func NewObserver(cfg ObserverConfig) *Observer {
	if cfg.MaxReorgDepth <= 0 {
		cfg.MaxReorgDepth = DefaultMaxReorgDepth
	}

	return &Observer{
		cfg:      cfg,
		scripts:  make(map[string]*descriptor.Descriptor),
		txs:      make(map[chainhash.Hash]int32),
		tip:      cfg.StartHeight - 1,
		hashes:   make(map[int32]chainhash.Hash),
		deposits: make(map[int32][]wire.OutPoint),
	}
}

// Watch adds a descriptor to the set of scripts deposits are reported for.
// Only blocks scanned after the call are affected.
func (o *Observer) Watch(d *descriptor.Descriptor) {
	o.mu.Lock()
	o.scripts[string(d.PkScript)] = d
	o.mu.Unlock()

	log.Debugf("Watching descriptor %v", d)
}

// WatchTx starts tracking the confirmation of a transaction.
func (o *Observer) WatchTx(txid chainhash.Hash) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.txs[txid]; !ok {
		o.txs[txid] = 0
	}
}

// UnwatchTx stops tracking a transaction.
func (o *Observer) UnwatchTx(txid chainhash.Hash) {
	o.mu.Lock()
	delete(o.txs, txid)
	o.mu.Unlock()
}

// Tip returns the height of the last fully scanned block.
func (o *Observer) Tip() int32 {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.tip
}

// Confirmations returns the confirmed watched transactions ordered by
// height and txid.
func (o *Observer) Confirmations() []TxConfirmation {
	o.mu.Lock()
	defer o.mu.Unlock()

	confs := make([]TxConfirmation, 0, len(o.txs))
	for txid, height := range o.txs {
		if height > 0 {
			confs = append(confs, TxConfirmation{
				Txid:   txid,
				Height: height,
			})
		}
	}
	sort.Slice(confs, func(i, j int) bool {
		if confs[i].Height != confs[j].Height {
			return confs[i].Height < confs[j].Height
		}
		return confs[i].Txid.String() < confs[j].Txid.String()
	})

	return confs
}

// PendingReorgs returns and clears the reorganizations detected since the
// last call.
func (o *Observer) PendingReorgs() []ReorgNotification {
	o.mu.Lock()
	defer o.mu.Unlock()

	reorgs := o.reorgs
	o.reorgs = nil
	return reorgs
}

// Poll scans every block between the last scanned height and the current
// tip and yields the deposits found. The sequence is finite and can be
// stopped early: progress is recorded per fully consumed block, so a later
// Poll resumes with the first block that was not completely yielded.
// Reorganizations are checked before scanning and surface through
// PendingReorgs.
func (o *Observer) Poll(ctx context.Context) iter.Seq2[Observation, error] {
	return func(yield func(Observation, error) bool) {
		o.pollMu.Lock()
		defer o.pollMu.Unlock()

		if err := o.detectReorg(ctx); err != nil {
			yield(Observation{}, err)
			return
		}

		_, best, err := o.cfg.Source.BestBlock(ctx)
		if err != nil {
			yield(Observation{}, err)
			return
		}

		for height := o.Tip() + 1; height <= best; height++ {
			if err := ctx.Err(); err != nil {
				yield(Observation{}, err)
				return
			}

			hash, err := o.cfg.Source.BlockHash(ctx, height)
			if err != nil {
				yield(Observation{}, err)
				return
			}
			block, err := o.cfg.Source.Block(ctx, hash)
			if err != nil {
				yield(Observation{}, err)
				return
			}

			// The chain changed below us while scanning. The next
			// poll will roll back to the fork point.
			prev, ok := o.storedHash(height - 1)
			if ok && block.Header.PrevBlock != prev {
				log.Debugf("Block %v at height %d does not "+
					"connect to our view, stopping scan",
					hash, height)
				return
			}

			deposits, confs := o.scanBlock(block, height)
			for _, obs := range deposits {
				if !yield(obs, nil) {
					return
				}
			}

			o.commit(height, *hash, deposits, confs)
		}
	}
}

// scanBlock extracts deposits to watched scripts and confirmations of
// watched transactions.
func (o *Observer) scanBlock(block *wire.MsgBlock,
	height int32) ([]Observation, []chainhash.Hash) {

	o.mu.Lock()
	defer o.mu.Unlock()

	var (
		deposits []Observation
		confs    []chainhash.Hash
	)
	for _, tx := range block.Transactions {
		txid := tx.TxHash()
		if _, ok := o.txs[txid]; ok {
			confs = append(confs, txid)
		}

		for i, out := range tx.TxOut {
			d, ok := o.scripts[string(out.PkScript)]
			if !ok {
				continue
			}

			deposits = append(deposits, Observation{
				OutPoint: wire.OutPoint{
					Hash:  txid,
					Index: uint32(i),
				},
				Epoch:  d.Epoch,
				Value:  btcutil.Amount(out.Value),
				Height: height,
			})
		}
	}

	return deposits, confs
}

// commit records a fully consumed block.
func (o *Observer) commit(height int32, hash chainhash.Hash,
	deposits []Observation, confs []chainhash.Hash) {

	o.mu.Lock()
	defer o.mu.Unlock()

	o.tip = height
	o.hashes[height] = hash
	for _, obs := range deposits {
		o.deposits[height] = append(o.deposits[height], obs.OutPoint)
	}
	for _, txid := range confs {
		if _, ok := o.txs[txid]; ok {
			o.txs[txid] = height
		}
	}

	expired := height - o.cfg.MaxReorgDepth
	delete(o.hashes, expired)
	delete(o.deposits, expired)

	if len(deposits) > 0 || len(confs) > 0 {
		log.Debugf("Scanned block %v (height %d): %d deposits, %d "+
			"confirmations", hash, height, len(deposits), len(confs))
	}
}

func (o *Observer) storedHash(height int32) (chainhash.Hash, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	hash, ok := o.hashes[height]
	return hash, ok
}

// detectReorg compares the stored block hashes with the source, starting at
// the tip, and rolls back to the first height where they diverge.
func (o *Observer) detectReorg(ctx context.Context) error {
	tip := o.Tip()

	_, best, err := o.cfg.Source.BestBlock(ctx)
	if err != nil {
		return err
	}

	fork := tip + 1
	for height := tip; ; height-- {
		stored, ok := o.storedHash(height)
		if !ok {
			break
		}

		if height <= best {
			current, err := o.cfg.Source.BlockHash(ctx, height)
			if err != nil {
				return err
			}
			if *current == stored {
				break
			}
		}
		fork = height
	}

	if fork <= tip {
		o.rollback(fork)
	}

	return nil
}

// rollback forgets every block at or above fork and queues a notification
// with everything that was reported from those blocks.
func (o *Observer) rollback(fork int32) {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := ReorgNotification{ForkHeight: fork}
	for height := fork; height <= o.tip; height++ {
		n.Invalidated = append(n.Invalidated, o.deposits[height]...)
		delete(o.deposits, height)
		delete(o.hashes, height)
	}
	for txid, height := range o.txs {
		if height >= fork {
			n.InvalidatedTxs = append(n.InvalidatedTxs, txid)
			o.txs[txid] = 0
		}
	}
	sort.Slice(n.InvalidatedTxs, func(i, j int) bool {
		return n.InvalidatedTxs[i].String() < n.InvalidatedTxs[j].String()
	})

	log.Infof("Chain reorganization: rolling back from height %d to %d, "+
		"%d deposits and %d transactions invalidated", o.tip, fork-1,
		len(n.Invalidated), len(n.InvalidatedTxs))

	o.tip = fork - 1
	o.reorgs = append(o.reorgs, n)
}
