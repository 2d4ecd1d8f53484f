// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package custody

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/fedguard/fedwallet/chain"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

var _ chain.Source = (*blockSource)(nil)

// blockSource is an in-memory main chain starting with a genesis block at
// height 0.
type blockSource struct {
	mu     sync.Mutex
	blocks []*wire.MsgBlock
	nonce  uint32
}

func newBlockSource() *blockSource {
	s := &blockSource{}
	s.addBlock()
	return s
}

func (s *blockSource) addBlock(txs ...*wire.MsgTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev chainhash.Hash
	if len(s.blocks) > 0 {
		prev = s.blocks[len(s.blocks)-1].BlockHash()
	}

	s.nonce++
	s.blocks = append(s.blocks, &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   1,
			PrevBlock: prev,
			Timestamp: time.Unix(1700000000, 0),
			Nonce:     s.nonce,
		},
		Transactions: txs,
	})
}

// disconnect removes every block at or above height.
func (s *blockSource) disconnect(height int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blocks = s.blocks[:height]
}

func (s *blockSource) BestBlock(context.Context) (*chainhash.Hash, int32,
	error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	hash := s.blocks[len(s.blocks)-1].BlockHash()
	return &hash, int32(len(s.blocks) - 1), nil
}

func (s *blockSource) BlockHash(_ context.Context,
	height int32) (*chainhash.Hash, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if height < 0 || int(height) >= len(s.blocks) {
		return nil, errors.New("no block at height")
	}
	hash := s.blocks[height].BlockHash()
	return &hash, nil
}

func (s *blockSource) Block(_ context.Context,
	hash *chainhash.Hash) (*wire.MsgBlock, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.blocks {
		if b.BlockHash() == *hash {
			return b, nil
		}
	}
	return nil, errors.New("unknown block")
}

// reports decodes the observation reports queued by m.
func reports(t *testing.T, m *Module) []*ObservationReport {
	t.Helper()

	proposals, err := m.PendingProposals()
	require.NoError(t, err)

	var all []*ObservationReport
	for _, p := range proposals {
		item, err := DecodeItem(p)
		require.NoError(t, err)
		if report, ok := item.(*ObservationReport); ok {
			all = append(all, report)
		}
	}
	return all
}

// TestReporter checks that chain observations are proposed once and that
// reorganizations are reported.
func TestReporter(t *testing.T) {
	t.Parallel()

	f := newTestFederation(t, 2, 3)
	m := f.modules[0]
	ctx := context.Background()

	src := newBlockSource()
	observer := chain.NewObserver(chain.ObserverConfig{
		Source:      src,
		StartHeight: 1,
	})
	tk := ticker.NewForce(time.Hour)
	r := NewReporter(ReporterConfig{
		Module:   m,
		Observer: observer,
		Ticker:   tk,
	})

	tx := depositTx(1, testDeposit, f.active().PkScript)
	op := wire.OutPoint{Hash: tx.TxHash()}
	src.addBlock()
	src.addBlock()
	src.addBlock(tx)
	for i := 0; i < 7; i++ {
		src.addBlock()
	}

	require.NoError(t, r.Report(ctx))
	all := reports(t, m)
	require.Len(t, all, 1)
	require.Equal(t, &ObservationReport{
		Tip: 10,
		Deposits: []chain.Observation{{
			OutPoint: op,
			Epoch:    testEpoch,
			Value:    testDeposit,
			Height:   3,
		}},
	}, all[0])

	// Nothing changed.
	require.NoError(t, r.Report(ctx))
	require.Len(t, reports(t, m), 1)

	// Replace everything from height 3 with a longer branch without the
	// deposit.
	src.disconnect(3)
	for i := 0; i < 9; i++ {
		src.addBlock()
	}

	require.NoError(t, r.Report(ctx))
	all = reports(t, m)
	require.Len(t, all, 2)
	require.EqualValues(t, 11, all[1].Tip)
	require.Empty(t, all[1].Deposits)
	require.Equal(t, []wire.OutPoint{op}, all[1].Invalidated)

	// Forced ticks poll in the background.
	r.Start()
	defer r.Stop()

	src.addBlock()
	tk.Force <- time.Now()
	require.Eventually(t, func() bool {
		all := reports(t, m)
		return len(all) == 3 && all[2].Tip == 12
	}, 10*time.Second, 10*time.Millisecond)
}
