package chain

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/fedguard/fedwallet/descriptor"
	"github.com/stretchr/testify/mock"
)

var errUnknownBlock = errors.New("unknown block")

var (
	_ Source    = (*fakeChain)(nil)
	_ Publisher = (*mockPublisher)(nil)
)

// fakeChain is an in-memory main chain. Blocks are indexed by height.
type fakeChain struct {
	mu     sync.Mutex
	blocks []*wire.MsgBlock
	nonce  uint32
}

func newFakeChain() *fakeChain {
	c := &fakeChain{}
	c.addBlock()
	return c
}

// addBlock extends the chain with a block holding txs.
func (c *fakeChain) addBlock(txs ...*wire.MsgTx) *wire.MsgBlock {
	c.mu.Lock()
	defer c.mu.Unlock()

	var prev chainhash.Hash
	if len(c.blocks) > 0 {
		prev = c.blocks[len(c.blocks)-1].BlockHash()
	}

	c.nonce++
	block := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   1,
			PrevBlock: prev,
			Timestamp: time.Unix(1700000000+int64(c.nonce), 0),
			Nonce:     c.nonce,
		},
		Transactions: txs,
	}
	c.blocks = append(c.blocks, block)

	return block
}

// disconnect removes every block at or above height.
func (c *fakeChain) disconnect(height int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.blocks = c.blocks[:height]
}

func (c *fakeChain) BestBlock(context.Context) (*chainhash.Hash, int32,
	error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	hash := c.blocks[len(c.blocks)-1].BlockHash()
	return &hash, int32(len(c.blocks) - 1), nil
}

func (c *fakeChain) BlockHash(_ context.Context,
	height int32) (*chainhash.Hash, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	if height < 0 || int(height) >= len(c.blocks) {
		return nil, errUnknownBlock
	}
	hash := c.blocks[height].BlockHash()
	return &hash, nil
}

func (c *fakeChain) Block(_ context.Context,
	hash *chainhash.Hash) (*wire.MsgBlock, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, b := range c.blocks {
		if b.BlockHash() == *hash {
			return b, nil
		}
	}
	return nil, errUnknownBlock
}

// mockPublisher is a mock implementation of the Publisher interface.
type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	args := m.Called(ctx, tx)
	return args.Error(0)
}

// testDescriptor derives a 2-of-3 descriptor for the given epoch.
func testDescriptor(epoch descriptor.Epoch) *descriptor.Descriptor {
	keys := make([]*btcec.PublicKey, 3)
	for i := range keys {
		var seed [32]byte
		seed[0] = 0x11
		seed[31] = byte(i + 1)
		_, keys[i] = btcec.PrivKeyFromBytes(seed[:])
	}

	agg, err := descriptor.NewAggregatePublicKey(2, keys)
	if err != nil {
		panic(err)
	}
	d, err := descriptor.DeriveDescriptor(agg, [32]byte{0x07}, epoch)
	if err != nil {
		panic(err)
	}

	return d
}

// depositTx returns a transaction paying value to every script given.
func depositTx(seq uint32, value int64, pkScripts ...[]byte) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: seq},
	})
	for _, pkScript := range pkScripts {
		tx.AddTxOut(wire.NewTxOut(value, pkScript))
	}
	return tx
}
