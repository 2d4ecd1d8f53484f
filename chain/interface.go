// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/fedguard/fedwallet/descriptor"
	"github.com/fedguard/fedwallet/pkg/btcunit"
)

// Source is the read side of a chain backend. It may be backed by a full
// node over RPC or anything else that can serve blocks by height.
type Source interface {
	// BestBlock returns the hash and height of the current chain tip.
	BestBlock(ctx context.Context) (*chainhash.Hash, int32, error)

	// BlockHash returns the hash of the main chain block at the given
	// height.
	BlockHash(ctx context.Context, height int32) (*chainhash.Hash, error)

	// Block returns the block with the given hash.
	Block(ctx context.Context, hash *chainhash.Hash) (*wire.MsgBlock,
		error)
}

// Publisher hands fully signed transactions to the network.
type Publisher interface {
	// Broadcast publishes the transaction. A transaction the network
	// already knows about is reported as ErrTxAlreadyKnown, a permanent
	// policy or consensus rejection wraps ErrTxRejected. Any other error
	// is considered transient.
	Broadcast(ctx context.Context, tx *wire.MsgTx) error
}

// FeeEstimator provides the local view of the current fee market.
type FeeEstimator interface {
	// EstimateFeeRate returns the rate needed to confirm within the
	// backend's default target.
	EstimateFeeRate(ctx context.Context) (btcunit.SatPerVByte, error)
}

// Observation is a deposit to a watched descriptor as seen in a block.
type Observation struct {
	OutPoint wire.OutPoint
	Epoch    descriptor.Epoch
	Value    btcutil.Amount
	Height   int32
}

// TxConfirmation records the height a watched transaction was mined at.
type TxConfirmation struct {
	Txid   chainhash.Hash
	Height int32
}

// ReorgNotification describes blocks that left the main chain. Every
// deposit and confirmation previously reported at or above ForkHeight is
// no longer valid.
type ReorgNotification struct {
	ForkHeight     int32
	Invalidated    []wire.OutPoint
	InvalidatedTxs []chainhash.Hash
}
