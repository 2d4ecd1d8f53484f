// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package custody

import (
	"testing"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/fedguard/fedwallet/chain"
	"github.com/fedguard/fedwallet/descriptor"
	"github.com/stretchr/testify/require"
)

// TestPegInConfirmation checks that a deposit is credited only once a
// threshold of guardians saw it buried at the finality depth.
func TestPegInConfirmation(t *testing.T) {
	t.Parallel()

	f := newTestFederation(t, 2, 3)

	id, obs := f.deposit(1, testDeposit, 100)
	f.requireClaimState(id, ClaimPending)
	require.Empty(t, f.drain(0))

	// Seen by all, but not deep enough yet.
	f.reportAll(105, obs)
	f.requireClaimState(id, ClaimPending)
	f.requireBalance(0, 0)

	f.reportAll(106, obs)
	f.requireClaimState(id, ClaimCredited)
	f.requireBalance(testDeposit, testDeposit)

	claim, err := f.modules[2].ClaimStatus(id)
	require.NoError(t, err)
	require.Equal(t, obs.OutPoint, claim.OutPoint)
	require.Equal(t, testDeposit, claim.Amount)
	require.EqualValues(t, 100, claim.Height)

	outputs := f.modules[1].Outputs()
	require.Len(t, outputs, 1)
	require.Equal(t, obs.OutPoint, outputs[0].OutPoint)
	require.Equal(t, testEpoch, outputs[0].Epoch)

	// Further reports of the same deposit change nothing.
	f.reportAll(120, obs)
	f.requireBalance(testDeposit, testDeposit)
}

// TestPegInThreshold checks that one guardian alone can neither confirm a
// deposit nor move the consensus height.
func TestPegInThreshold(t *testing.T) {
	t.Parallel()

	f := newTestFederation(t, 2, 3)
	id, obs := f.deposit(1, testDeposit, 100)

	f.process(f.report(0, 500, obs))
	f.requireClaimState(id, ClaimPending)
	require.Zero(t, f.modules[0].ConsensusHeight())

	// A second guardian with a lower tip sets the consensus height.
	f.process(f.report(1, 103, obs))
	f.requireClaimState(id, ClaimPending)
	require.EqualValues(t, 103, f.modules[0].ConsensusHeight())

	f.process(f.report(1, 106))
	f.requireClaimState(id, ClaimCredited)
	f.requireBalance(testDeposit, testDeposit)
}

func TestPegInValueMismatch(t *testing.T) {
	t.Parallel()

	f := newTestFederation(t, 2, 3)
	id, obs := f.deposit(1, testDeposit, 100)

	obs.Value = 90_000
	f.reportAll(106, obs)
	f.requireClaimState(id, ClaimRejected)
	f.requireBalance(0, 0)

	claim, err := f.modules[0].ClaimStatus(id)
	require.NoError(t, err)
	require.Equal(t, ErrInvalidProof, claim.FailureCode)
	require.NotEmpty(t, claim.Reason)
}

func TestSubmitClaimValidation(t *testing.T) {
	t.Parallel()

	f := newTestFederation(t, 2, 3)
	m := f.modules[0]
	pkScript := f.active().PkScript

	tx := depositTx(1, testDeposit, pkScript)
	op := wire.OutPoint{Hash: tx.TxHash()}

	tests := []struct {
		name  string
		op    wire.OutPoint
		proof ClaimProof
		code  ErrorCode
	}{{
		name:  "no transaction",
		op:    op,
		proof: ClaimProof{Epoch: testEpoch},
		code:  ErrInvalidProof,
	}, {
		name: "wrong transaction",
		op:   op,
		proof: ClaimProof{
			Epoch: testEpoch,
			Tx:    depositTx(2, testDeposit, pkScript),
		},
		code: ErrInvalidProof,
	}, {
		name:  "missing output",
		op:    wire.OutPoint{Hash: op.Hash, Index: 1},
		proof: ClaimProof{Epoch: testEpoch, Tx: tx},
		code:  ErrInvalidProof,
	}, {
		name:  "unwatched epoch",
		op:    op,
		proof: ClaimProof{Epoch: testEpoch + 1, Tx: tx},
		code:  ErrUnknownEpoch,
	}, {
		name:  "other epoch",
		op:    op,
		proof: ClaimProof{Epoch: testEpoch - 1, Tx: tx},
		code:  ErrInvalidProof,
	}, {
		name: "foreign script",
		op:   wire.OutPoint{Hash: depositTx(3, 1, testDestination).TxHash()},
		proof: ClaimProof{
			Epoch: testEpoch,
			Tx:    depositTx(3, 1, testDestination),
		},
		code: ErrInvalidProof,
	}}

	for _, test := range tests {
		_, err := m.SubmitClaim(test.op, test.proof)
		require.Error(t, err, test.name)
		require.Equal(t, test.code, errCode(t, err), test.name)
	}

	proposals, err := m.PendingProposals()
	require.NoError(t, err)
	require.Empty(t, proposals)

	_, err = m.ClaimStatus(NewClaimID(op))
	require.True(t, IsError(err, ErrUnknownClaim))
}

// TestPegInReorg checks that a credited deposit that is reorged out is
// debited, and that crediting it again never counts it twice.
func TestPegInReorg(t *testing.T) {
	t.Parallel()

	f := newTestFederation(t, 2, 3)
	id, obs := f.deposit(1, testDeposit, 100)
	f.reportAll(106, obs)
	f.requireBalance(testDeposit, testDeposit)

	invalidate := func(g GuardianID) Contribution {
		return f.item(g, &ObservationReport{
			Tip:         106,
			Invalidated: []wire.OutPoint{obs.OutPoint},
		})
	}

	// One invalidation is not enough.
	f.process(invalidate(0))
	f.requireClaimState(id, ClaimCredited)
	f.requireBalance(testDeposit, testDeposit)

	f.process(invalidate(1), invalidate(2))
	f.requireClaimState(id, ClaimPending)
	f.requireBalance(0, 0)

	claim, err := f.modules[0].ClaimStatus(id)
	require.NoError(t, err)
	require.EqualValues(t, 1, claim.Reverts)
	require.Equal(t, ErrReorgInvalidation, claim.FailureCode)

	// The deposit is mined again one block later.
	obs.Height = 101
	f.reportAll(107, obs)
	f.requireClaimState(id, ClaimCredited)
	f.requireBalance(testDeposit, testDeposit)

	// Reporting it again from a third chain view is no double credit.
	f.reportAll(110, obs)
	f.requireBalance(testDeposit, testDeposit)
	require.Len(t, f.modules[0].Outputs(), 1)
}

// TestPegInReorgExpiry checks that a reverted claim is rejected when its
// deposit does not confirm again in time.
func TestPegInReorgExpiry(t *testing.T) {
	t.Parallel()

	f := newTestFederation(t, 2, 3)
	id, obs := f.deposit(1, testDeposit, 100)
	f.reportAll(106, obs)

	contribs := make([]Contribution, 3)
	for i := range contribs {
		contribs[i] = f.item(GuardianID(i), &ObservationReport{
			Tip:         106,
			Invalidated: []wire.OutPoint{obs.OutPoint},
		})
	}
	f.process(contribs...)
	f.requireClaimState(id, ClaimPending)

	f.process()
	f.process()
	f.requireClaimState(id, ClaimPending)

	f.process()
	f.requireClaimState(id, ClaimRejected)
	f.requireBalance(0, 0)

	// A rejected claim stays rejected.
	f.reportAll(120, obs)
	f.requireClaimState(id, ClaimRejected)
	f.requireBalance(0, 0)
}

// TestPegInReorgReserved checks that a reorged deposit held by a peg-out
// stays credited until the peg-out releases it, and is removed then.
func TestPegInReorgReserved(t *testing.T) {
	t.Parallel()

	f := newTestFederation(t, 2, 3)
	claimID := f.credit(1, testDeposit, 100)
	op := f.modules[0].Outputs()[0].OutPoint

	id := f.pegOut(0, 40_000, "erin")
	f.requireBalance(testDeposit, 0)

	contribs := make([]Contribution, 3)
	for i := range contribs {
		contribs[i] = f.item(GuardianID(i), &ObservationReport{
			Tip:         106,
			Invalidated: []wire.OutPoint{op},
		})
	}
	f.process(contribs...)
	f.requireClaimState(claimID, ClaimCredited)
	f.requireRequestState(id, RequestProposed)
	f.requireBalance(testDeposit, 0)

	for i := 0; i < 10; i++ {
		status, err := f.modules[0].RequestStatus(id)
		require.NoError(t, err)
		if status.State != RequestProposed {
			break
		}
		f.process()
	}
	f.requireRequestState(id, RequestFailed)
	f.requireClaimState(claimID, ClaimPending)
	f.requireBalance(0, 0)
	for _, m := range f.modules {
		require.NoError(t, m.Audit())
	}
}

// TestPegOutLifecycle walks a peg-out from proposal to confirmation.
func TestPegOutLifecycle(t *testing.T) {
	t.Parallel()

	f := newTestFederation(t, 2, 3)
	f.credit(1, testDeposit, 100)

	const amount btcutil.Amount = 40_000
	id, err := f.modules[1].RequestPegOut(amount, testDestination, "alice")
	require.NoError(t, err)
	require.Equal(t, NewRequestID("alice", amount, testDestination), id)

	actions := f.process(f.drain(1)...)
	want := Action{Kind: ActionFeeVote, RequestID: id, Attempt: 1}
	for i := range f.modules {
		require.Equal(t, []Action{want}, actions[i])
	}
	f.requireRequestState(id, RequestProposed)
	f.requireBalance(testDeposit, 0)

	// Fee agreement settles on the median vote.
	actions = f.voteFees(id, 10, 12, 11)
	status := f.requireRequestState(id, RequestFeeAgreed)
	require.EqualValues(t, 11, status.FeeRate)
	require.NotNil(t, status.Txid)
	want = Action{Kind: ActionSign, RequestID: id, Attempt: 1}
	for i := range f.modules {
		require.Equal(t, []Action{want}, actions[i])
	}

	// Guardians 0 and 2 complete the signature; the share of guardian 1
	// arrives late and is ignored.
	share1 := f.share(1, id)
	actions = f.process(f.share(0, id), f.share(2, id), share1)
	f.requireRequestState(id, RequestSigned)
	want = Action{Kind: ActionBroadcast, RequestID: id, Attempt: 1}
	for i := range f.modules {
		require.Equal(t, []Action{want}, actions[i])
	}

	signed, err := f.modules[0].SignedTx(id, 1)
	require.NoError(t, err)
	require.Equal(t, *status.Txid, signed.TxHash())
	require.Equal(t, []chainhash.Hash{*status.Txid},
		f.modules[2].SigningTxids())

	// Every guardian assembled the same transaction.
	for _, m := range f.modules[1:] {
		other, err := m.SignedTx(id, 1)
		require.NoError(t, err)
		require.Equal(t, signed, other)
	}

	// The destination is paid in full and the fee covers the agreed
	// rate for the actual transaction.
	var paid, change btcutil.Amount
	for _, out := range signed.TxOut {
		switch {
		case string(out.PkScript) == string(testDestination):
			paid += btcutil.Amount(out.Value)
		default:
			change += btcutil.Amount(out.Value)
		}
	}
	require.Equal(t, amount, paid)
	require.Equal(t, testDeposit, paid+change+status.Fee)

	weight := blockchain.GetTransactionWeight(btcutil.NewTx(signed))
	vsize := (weight + blockchain.WitnessScaleFactor - 1) /
		blockchain.WitnessScaleFactor
	require.GreaterOrEqual(t, int64(status.Fee), 11*vsize)

	f.process(f.item(2, &BroadcastReport{
		RequestID: id,
		Attempt:   1,
		Accepted:  true,
	}))
	f.requireRequestState(id, RequestBroadcast)

	// Mined at 108, final at 114.
	spend := func(g GuardianID, tip int32) Contribution {
		return f.item(g, &ObservationReport{
			Tip: tip,
			Spends: []chain.TxConfirmation{{
				Txid:   *status.Txid,
				Height: 108,
			}},
		})
	}
	f.process(spend(0, 113), spend(1, 113), spend(2, 113))
	pending := f.requireRequestState(id, RequestBroadcast)
	require.EqualValues(t, 6, pending.Confirmations)

	f.process(spend(0, 114), spend(1, 114))
	status = f.requireRequestState(id, RequestConfirmed)
	require.EqualValues(t, 7, status.Confirmations)
	require.Empty(t, f.modules[0].SigningTxids())

	// Only the change is left.
	f.requireBalance(change, change)
	outputs := f.modules[0].Outputs()
	require.Len(t, outputs, 1)
	require.Equal(t, *status.Txid, outputs[0].OutPoint.Hash)
	require.Equal(t, testEpoch, outputs[0].Epoch)
	require.Equal(t, f.active().PkScript, outputs[0].PkScript)

	// The change of a peg-out cannot be claimed as a deposit.
	_, err = f.modules[0].SubmitClaim(outputs[0].OutPoint, ClaimProof{
		Epoch: testEpoch,
		Tx:    signed,
	})
	require.NoError(t, err)
	f.process(f.drain(0)...)
	_, err = f.modules[0].ClaimStatus(NewClaimID(outputs[0].OutPoint))
	require.True(t, IsError(err, ErrUnknownClaim))
}

// TestPegOutSigningSubsets checks that any threshold of guardians can sign.
func TestPegOutSigningSubsets(t *testing.T) {
	t.Parallel()

	subsets := [][]GuardianID{{0, 1}, {0, 2}, {1, 2}, {2, 0}}
	for _, subset := range subsets {
		f := newTestFederation(t, 2, 3)
		f.credit(1, testDeposit, 100)
		id := f.pegOut(0, 30_000, "subset")
		f.voteFees(id, 5, 5)

		contribs := make([]Contribution, len(subset))
		for i, g := range subset {
			contribs[i] = f.share(g, id)
		}
		f.process(contribs...)
		f.requireRequestState(id, RequestSigned)
	}
}

// TestPegOutFeeTimeout checks that a request without enough fee votes
// fails and releases its outputs, and that it can be tried again.
func TestPegOutFeeTimeout(t *testing.T) {
	t.Parallel()

	f := newTestFederation(t, 2, 3)
	f.credit(1, testDeposit, 100)

	id := f.pegOut(0, 40_000, "carol")
	f.voteFees(id, 10)
	f.process()
	f.requireRequestState(id, RequestProposed)
	f.requireBalance(testDeposit, 0)

	f.process()
	status := f.requireRequestState(id, RequestFailed)
	require.Equal(t, ErrThresholdNotReached, status.FailureCode)
	require.NotEmpty(t, status.Reason)
	f.requireBalance(testDeposit, testDeposit)

	// Votes for the failed attempt are ignored.
	f.voteFees(id, 10, 10, 10)
	f.requireRequestState(id, RequestFailed)

	retry := f.pegOut(2, 40_000, "carol")
	require.Equal(t, id, retry)
	status = f.requireRequestState(id, RequestProposed)
	require.EqualValues(t, 2, status.Attempt)
	require.Empty(t, status.Reason)
	f.requireBalance(testDeposit, 0)

	f.voteFees(id, 10, 10)
	f.requireRequestState(id, RequestFeeAgreed)
}

func TestPegOutSigningTimeout(t *testing.T) {
	t.Parallel()

	f := newTestFederation(t, 2, 3)
	f.credit(1, testDeposit, 100)

	id := f.pegOut(0, 40_000, "dave")
	f.voteFees(id, 10, 10, 10)
	f.process(f.share(1, id))
	f.process()
	f.requireRequestState(id, RequestPartiallySigned)

	f.process()
	status := f.requireRequestState(id, RequestFailed)
	require.Equal(t, ErrThresholdNotReached, status.FailureCode)
	f.requireBalance(testDeposit, testDeposit)
}

func TestPegOutInsufficientFunds(t *testing.T) {
	t.Parallel()

	f := newTestFederation(t, 2, 3)

	_, err := f.modules[0].RequestPegOut(40_000, testDestination, "eve")
	require.Equal(t, ErrInsufficientFunds, errCode(t, err))

	f.credit(1, testDeposit, 100)
	_, err = f.modules[0].RequestPegOut(
		testDeposit, testDestination, "eve",
	)
	require.Equal(t, ErrInsufficientFunds, errCode(t, err))

	// A proposal the proposer could not check locally is rejected by
	// everyone.
	id := NewRequestID("eve", testDeposit, testDestination)
	f.process(f.item(0, &PegOutProposal{
		Amount:      testDeposit,
		Destination: testDestination,
		Requester:   "eve",
	}))
	status := f.requireRequestState(id, RequestRejected)
	require.Equal(t, ErrInsufficientFunds, status.FailureCode)
	f.requireBalance(testDeposit, testDeposit)
}

func TestPegOutValidation(t *testing.T) {
	t.Parallel()

	f := newTestFederation(t, 2, 3)
	f.credit(1, testDeposit, 100)
	m := f.modules[0]

	tests := []struct {
		name   string
		amount btcutil.Amount
		dest   []byte
		code   ErrorCode
	}{{
		name:   "zero amount",
		amount: 0,
		dest:   testDestination,
		code:   ErrInvalidAmount,
	}, {
		name:   "negative amount",
		amount: -1,
		dest:   testDestination,
		code:   ErrInvalidAmount,
	}, {
		name:   "dust",
		amount: 100,
		dest:   testDestination,
		code:   ErrInvalidAmount,
	}, {
		name:   "non-standard script",
		amount: 10_000,
		dest:   []byte{0x51},
		code:   ErrInvalidDestination,
	}, {
		name:   "federation script",
		amount: 10_000,
		dest:   f.active().PkScript,
		code:   ErrInvalidDestination,
	}}

	for _, test := range tests {
		_, err := m.RequestPegOut(test.amount, test.dest, "frank")
		require.Error(t, err, test.name)
		require.Equal(t, test.code, errCode(t, err), test.name)
	}

	proposals, err := m.PendingProposals()
	require.NoError(t, err)
	require.Empty(t, proposals)
}

// TestPegOutShareValidation checks that only valid shares from distinct
// guardians count towards the threshold.
func TestPegOutShareValidation(t *testing.T) {
	t.Parallel()

	f := newTestFederation(t, 2, 3)
	f.credit(1, testDeposit, 100)
	id := f.pegOut(0, 40_000, "grace")
	f.voteFees(id, 10, 10, 10)

	share0 := f.share(0, id)

	// A share signed with a key outside the federation.
	outsider, _ := btcec.PrivKeyFromBytes([]byte{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	})
	s := f.modules[2].snapshot()
	req := s.requests[id]
	prevOuts, err := s.prevOutputs(req)
	require.NoError(t, err)
	forger := &signer{
		registry: f.modules[2].registry,
		guardian: 2,
		share:    outsider,
	}
	packet, err := forger.sign(req.UnsignedTx, prevOuts)
	require.NoError(t, err)

	// Guardian 1 relays the share of guardian 0 as its own, guardian 2
	// sends a forged and a garbled share.
	f.process(
		Contribution{Guardian: 1, Payload: share0.Payload},
		f.item(2, &SignatureShare{RequestID: id, Attempt: 1,
			Packet: packet}),
		f.item(2, &SignatureShare{RequestID: id, Attempt: 1,
			Packet: []byte("not a psbt")}),
	)
	f.requireRequestState(id, RequestFeeAgreed)

	// One valid share is not enough, and repeating it changes nothing.
	f.process(share0, share0)
	f.requireRequestState(id, RequestPartiallySigned)

	_, err = f.modules[0].SignedTx(id, 1)
	require.True(t, IsError(err, ErrConsensusConflict))

	f.process(f.share(2, id))
	f.requireRequestState(id, RequestSigned)
}

func TestPegOutCancel(t *testing.T) {
	t.Parallel()

	f := newTestFederation(t, 2, 3)
	f.credit(1, testDeposit, 100)

	err := f.modules[0].CancelPegOut(RequestID{0x01}, "heidi")
	require.True(t, IsError(err, ErrUnknownRequest))

	id := f.pegOut(0, 40_000, "heidi")
	f.voteFees(id, 10, 10, 10)
	f.requireRequestState(id, RequestFeeAgreed)

	// Only the requester may cancel.
	err = f.modules[1].CancelPegOut(id, "mallory")
	require.True(t, IsError(err, ErrNotCancellable))
	f.process(f.item(2, &CancelRequest{
		RequestID: id,
		Requester: "mallory",
	}))
	f.requireRequestState(id, RequestFeeAgreed)
	f.requireBalance(testDeposit, 0)

	require.NoError(t, f.modules[1].CancelPegOut(id, "heidi"))
	f.process(f.drain(1)...)
	status := f.requireRequestState(id, RequestRejected)
	require.Equal(t, ErrCancelled, status.FailureCode)
	f.requireBalance(testDeposit, testDeposit)

	// Rejected requests are final.
	_, err = f.modules[0].RequestPegOut(40_000, testDestination, "heidi")
	require.NoError(t, err)
	require.Empty(t, f.drain(0))

	signed := f.sign(30_000)
	err = f.modules[2].CancelPegOut(signed, "signer")
	require.True(t, IsError(err, ErrNotCancellable))

	// A cancellation racing the signature is ignored.
	f.process(f.item(2, &CancelRequest{
		RequestID: signed,
		Requester: "signer",
	}))
	f.requireRequestState(signed, RequestSigned)
}

func TestPegOutBroadcastRejected(t *testing.T) {
	t.Parallel()

	f := newTestFederation(t, 2, 3)
	f.credit(1, testDeposit, 100)
	id := f.sign(40_000)

	reject := func(g GuardianID) Contribution {
		return f.item(g, &BroadcastReport{
			RequestID: id,
			Attempt:   1,
			Reason:    "min relay fee not met",
		})
	}

	f.process(reject(0))
	f.requireRequestState(id, RequestSigned)

	// Repeated reports of one guardian count once.
	f.process(reject(0))
	f.requireRequestState(id, RequestSigned)

	f.process(reject(1))
	status := f.requireRequestState(id, RequestFailed)
	require.Equal(t, ErrBroadcastRejected, status.FailureCode)
	require.Contains(t, status.Reason, "guardian 0")
	require.Contains(t, status.Reason, "guardian 1")
	f.requireBalance(testDeposit, testDeposit)
	require.Empty(t, f.modules[0].SigningTxids())
}

// TestPegOutBroadcastAccepted checks that rejections after an accepted
// broadcast do not fail the request.
func TestPegOutBroadcastAccepted(t *testing.T) {
	t.Parallel()

	f := newTestFederation(t, 2, 3)
	f.credit(1, testDeposit, 100)
	id := f.sign(40_000)

	f.process(
		f.item(0, &BroadcastReport{RequestID: id, Attempt: 1,
			Accepted: true}),
		f.item(1, &BroadcastReport{RequestID: id, Attempt: 1,
			Reason: "mempool conflict"}),
		f.item(2, &BroadcastReport{RequestID: id, Attempt: 1,
			Reason: "mempool conflict"}),
	)
	f.requireRequestState(id, RequestBroadcast)
	f.requireBalance(testDeposit, 0)
}

// TestPegOutIdempotence checks that repeated requests and proposals do not
// create a second withdrawal.
func TestPegOutIdempotence(t *testing.T) {
	t.Parallel()

	f := newTestFederation(t, 2, 3)
	f.credit(1, 60_000, 100)
	f.credit(2, 60_000, 100)

	id, err := f.modules[0].RequestPegOut(40_000, testDestination, "ivan")
	require.NoError(t, err)
	again, err := f.modules[1].RequestPegOut(
		40_000, testDestination, "ivan",
	)
	require.NoError(t, err)
	require.Equal(t, id, again)

	f.process(append(f.drain(0), f.drain(1)...)...)
	status := f.requireRequestState(id, RequestProposed)
	require.EqualValues(t, 1, status.Attempt)
	f.requireBalance(120_000, 60_000)

	_, err = f.modules[0].RequestPegOut(40_000, testDestination, "ivan")
	require.NoError(t, err)
	require.Empty(t, f.drain(0))

	// Replaying a processed round has no effect.
	round := f.modules[0].Round()
	payload, err := EncodeItem(&PegOutProposal{
		Amount:      40_000,
		Destination: testDestination,
		Requester:   "other",
	})
	require.NoError(t, err)
	actions, err := f.modules[0].ProcessBatch(&Batch{
		Round: round,
		Contributions: []Contribution{
			{Guardian: 0, Payload: payload},
		},
	})
	require.NoError(t, err)
	require.Empty(t, actions)
	require.Equal(t, round, f.modules[0].Round())
	_, err = f.modules[0].RequestStatus(
		NewRequestID("other", 40_000, testDestination),
	)
	require.True(t, IsError(err, ErrUnknownRequest))
}

// TestConcurrentPegOuts checks that two requests in one round never share
// an output.
func TestConcurrentPegOuts(t *testing.T) {
	t.Parallel()

	f := newTestFederation(t, 2, 3)
	f.credit(1, 60_000, 100)
	f.credit(2, 50_000, 100)

	p1 := &PegOutProposal{Amount: 30_000, Destination: testDestination,
		Requester: "a"}
	p2 := &PegOutProposal{Amount: 30_000, Destination: testDestination,
		Requester: "b"}
	p3 := &PegOutProposal{Amount: 30_000, Destination: testDestination,
		Requester: "c"}
	f.process(f.item(0, p1), f.item(1, p2), f.item(2, p3))

	id1 := NewRequestID("a", 30_000, testDestination)
	id2 := NewRequestID("b", 30_000, testDestination)
	id3 := NewRequestID("c", 30_000, testDestination)
	f.requireRequestState(id1, RequestProposed)
	f.requireRequestState(id2, RequestProposed)
	status := f.requireRequestState(id3, RequestRejected)
	require.Equal(t, ErrInsufficientFunds, status.FailureCode)

	seen := make(map[RequestID]int)
	for _, u := range f.modules[0].Outputs() {
		require.True(t, u.Reserved)
		seen[u.ReservedBy]++
	}
	require.Equal(t, map[RequestID]int{id1: 1, id2: 1}, seen)
	f.requireBalance(110_000, 0)
}

// TestModuleReload checks that the state survives a restart.
func TestModuleReload(t *testing.T) {
	t.Parallel()

	f := newTestFederation(t, 2, 3)
	claim := f.credit(1, testDeposit, 100)
	id := f.pegOut(0, 40_000, "judy")
	f.voteFees(id, 10, 10, 10)
	before := f.requireRequestState(id, RequestFeeAgreed)
	round := f.modules[1].Round()

	// A proposal queued before the restart is still queued after it.
	require.NoError(t, f.modules[1].CancelPegOut(id, "judy"))

	m := f.restart(1)
	require.Equal(t, round, m.Round())
	require.EqualValues(t, 106, m.ConsensusHeight())

	status, err := m.RequestStatus(id)
	require.NoError(t, err)
	require.Equal(t, before, status)

	c, err := m.ClaimStatus(claim)
	require.NoError(t, err)
	require.Equal(t, ClaimCredited, c.State)

	require.Equal(t, []Action{{
		Kind:      ActionSign,
		RequestID: id,
		Attempt:   1,
	}}, m.PendingActions())
	require.Len(t, f.drain(1), 1)

	// The restarted guardian signs against its reloaded reservation.
	f.process(f.share(1, id), f.share(0, id))
	f.requireRequestState(id, RequestSigned)
	f.requireBalance(testDeposit, 0)

	m = f.restart(1)
	require.Equal(t, []Action{{
		Kind:      ActionBroadcast,
		RequestID: id,
		Attempt:   1,
	}}, m.PendingActions())
	require.Len(t, m.SigningTxids(), 1)
}

// TestModuleFederationMismatch checks that a database can only be opened
// by the federation that created it.
func TestModuleFederationMismatch(t *testing.T) {
	t.Parallel()

	f := newTestFederation(t, 2, 3)
	require.NoError(t, f.dbs[1].Close())
	db := openTestDB(t, f.dbPaths[1], false)
	f.dbs[1] = db

	agg, err := descriptor.NewAggregatePublicKey(3, f.agg.Keys)
	require.NoError(t, err)

	_, err = New(testConfig(agg, f.privs[1], 1), db)
	require.Equal(t, ErrFatalConfig, errCode(t, err))

	// Another salt derives other descriptors.
	cfg := testConfig(f.agg, f.privs[1], 1)
	cfg.Salt = [32]byte{0x01}
	_, err = New(cfg, db)
	require.Equal(t, ErrFatalConfig, errCode(t, err))

	// Parameters that change how batches apply are pinned as well.
	for _, change := range []func(*Config){
		func(c *Config) { c.FinalityDepth++ },
		func(c *Config) { c.MaxFeeRate++ },
		func(c *Config) { c.MinFeeRate++ },
		func(c *Config) { c.RelayFeePerKb++ },
		func(c *Config) { c.FeeTimeoutRounds++ },
		func(c *Config) { c.SigningTimeoutRounds++ },
		func(c *Config) { c.ClaimRetryRounds++ },
	} {
		cfg := testConfig(f.agg, f.privs[1], 1)
		change(cfg)
		_, err = New(cfg, db)
		require.Equal(t, ErrFatalConfig, errCode(t, err))
	}

	// The fallback fee rate is a local choice.
	cfg = testConfig(f.agg, f.privs[1], 1)
	cfg.FallbackFeeRate++
	_, err = New(cfg, db)
	require.NoError(t, err)

	_, err = New(testConfig(f.agg, f.privs[1], 1), db)
	require.NoError(t, err)
}
