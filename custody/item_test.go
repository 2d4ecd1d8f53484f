// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package custody

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/fedguard/fedwallet/chain"
	"github.com/stretchr/testify/require"
)

func TestItemEncoding(t *testing.T) {
	t.Parallel()

	id := NewRequestID("alice", 40_000, testDestination)
	items := []Item{
		&ObservationReport{
			Tip: 812_345,
			Deposits: []chain.Observation{{
				OutPoint: testOutPoint(1, 2),
				Epoch:    testEpoch,
				Value:    100_000,
				Height:   812_300,
			}, {
				OutPoint: testOutPoint(2, 0),
				Epoch:    testEpoch - 1,
				Value:    1,
				Height:   812_301,
			}},
			Invalidated: []wire.OutPoint{testOutPoint(3, 9)},
			Spends: []chain.TxConfirmation{{
				Txid:   chainhash.Hash{0x44},
				Height: 812_340,
			}},
			InvalidatedTxs: []chainhash.Hash{{0x55}, {0x66}},
		},
		&ObservationReport{Tip: 7},
		&PegOutProposal{
			Amount:      40_000,
			Destination: testDestination,
			Requester:   "alice",
		},
		&FeeVote{RequestID: id, Attempt: 3, Rate: 21},
		&SignatureShare{
			RequestID: id,
			Attempt:   1,
			Packet:    []byte("psbt\xff"),
		},
		&CancelRequest{RequestID: id, Requester: "alice"},
		&BroadcastReport{RequestID: id, Attempt: 2, Accepted: true},
		&BroadcastReport{
			RequestID: id,
			Attempt:   2,
			Reason:    "transaction rejected: insufficient fee",
		},
	}

	for _, item := range items {
		b, err := EncodeItem(item)
		require.NoError(t, err, item.Type())
		require.Equal(t, byte(item.Type()), b[0])

		decoded, err := DecodeItem(b)
		require.NoError(t, err, item.Type())
		require.Equal(t, item, decoded)
	}
}

func TestClaimSubmissionEncoding(t *testing.T) {
	t.Parallel()

	tx := depositTx(3, testDeposit, testDestination)
	claim := &ClaimSubmission{
		OutPoint: wire.OutPoint{Hash: tx.TxHash()},
		Proof:    ClaimProof{Epoch: testEpoch, Tx: tx},
	}

	b, err := EncodeItem(claim)
	require.NoError(t, err)

	decoded, err := DecodeItem(b)
	require.NoError(t, err)
	c, ok := decoded.(*ClaimSubmission)
	require.True(t, ok)
	require.Equal(t, claim.OutPoint, c.OutPoint)
	require.Equal(t, testEpoch, c.Proof.Epoch)
	require.Equal(t, tx.TxHash(), c.Proof.Tx.TxHash())

	_, err = EncodeItem(&ClaimSubmission{OutPoint: claim.OutPoint})
	require.True(t, IsError(err, ErrSerialization))
}

// TestDecodeItemGarbage checks that malformed items from peers are
// rejected with ErrInvalidItem.
func TestDecodeItemGarbage(t *testing.T) {
	t.Parallel()

	vote, err := EncodeItem(&FeeVote{RequestID: RequestID{1}, Rate: 5})
	require.NoError(t, err)
	report, err := EncodeItem(&ObservationReport{
		Tip:         1,
		Invalidated: []wire.OutPoint{testOutPoint(1, 1)},
	})
	require.NoError(t, err)

	// An observation report whose deposit blob has the wrong size.
	badBlob := []byte{byte(ItemObservationReport),
		0x00, 0x04, 0x00, 0x00, 0x00, 0x01,
		0x01, 0x03, 0x02, 0xaa, 0xbb,
	}

	tests := []struct {
		name string
		b    []byte
	}{
		{"empty", nil},
		{"unknown type", []byte{0x00}},
		{"unknown type with payload", append([]byte{0x63}, vote[1:]...)},
		{"truncated vote", vote[:len(vote)-1]},
		{"truncated report", report[:len(report)-3]},
		{"claim without fields", []byte{byte(ItemClaimSubmission)}},
		{"bad deposit blob", badBlob},
	}

	for _, test := range tests {
		_, err := DecodeItem(test.b)
		require.True(t, IsError(err, ErrInvalidItem), test.name)
	}
}
