// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/fedguard/fedwallet/pkg/btcunit"
)

// DefaultConfTarget is the confirmation target used for fee estimation.
const DefaultConfTarget = 6

// RPCBackend talks to a btcd or bitcoind node over JSON-RPC. It serves as
// the Source, Publisher and FeeEstimator of a guardian.
type RPCBackend struct {
	client     *rpcclient.Client
	confTarget int64
}

// A compile-time assertion to ensure RPCBackend satisfies the backend
// interfaces.
var (
	_ Source       = (*RPCBackend)(nil)
	_ Publisher    = (*RPCBackend)(nil)
	_ FeeEstimator = (*RPCBackend)(nil)
)

// NewRPCBackend creates a client for the node described by connConfig. The
// connection is made in HTTP POST mode, which both btcd and bitcoind
// support.
func NewRPCBackend(connConfig *rpcclient.ConnConfig,
	confTarget int64) (*RPCBackend, error) {

	if confTarget <= 0 {
		confTarget = DefaultConfTarget
	}

	configCopy := *connConfig
	configCopy.HTTPPostMode = true

	client, err := rpcclient.New(&configCopy, nil)
	if err != nil {
		return nil, err
	}

	return &RPCBackend{
		client:     client,
		confTarget: confTarget,
	}, nil
}

// Stop shuts down the client and waits for outstanding requests.
func (r *RPCBackend) Stop() {
	r.client.Shutdown()
	r.client.WaitForShutdown()
}

// BestBlock returns the hash and height of the best block. getblockcount is
// used instead of getbestblock because bitcoind lacks the latter.
func (r *RPCBackend) BestBlock(ctx context.Context) (*chainhash.Hash, int32,
	error) {

	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	height, err := r.client.GetBlockCount()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	hash, err := r.client.GetBlockHash(height)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	return hash, int32(height), nil
}

// BlockHash returns the hash of the main chain block at height.
func (r *RPCBackend) BlockHash(ctx context.Context,
	height int32) (*chainhash.Hash, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return r.client.GetBlockHash(int64(height))
}

// Block returns the block with the given hash.
func (r *RPCBackend) Block(ctx context.Context,
	hash *chainhash.Hash) (*wire.MsgBlock, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return r.client.GetBlock(hash)
}

// Broadcast sends tx with sendrawtransaction and maps the rejection reason.
func (r *RPCBackend) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := r.client.SendRawTransaction(tx, false)
	return MapBroadcastErr(err)
}

// EstimateFeeRate queries estimatesmartfee in conservative mode.
func (r *RPCBackend) EstimateFeeRate(
	ctx context.Context) (btcunit.SatPerVByte, error) {

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	mode := btcjson.EstimateModeConservative
	result, err := r.client.EstimateSmartFee(r.confTarget, &mode)
	if err != nil {
		return 0, err
	}

	if result.FeeRate == nil {
		if len(result.Errors) > 0 {
			return 0, errors.New(strings.Join(result.Errors, ", "))
		}
		return 0, errors.New("no fee estimate available")
	}

	// The estimate is in BTC/kvB.
	perKVB, err := btcutil.NewAmount(*result.FeeRate)
	if err != nil {
		return 0, err
	}

	return btcunit.NewSatPerVByteFromKVB(perKVB), nil
}
