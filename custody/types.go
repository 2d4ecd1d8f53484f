// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package custody

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/fedguard/fedwallet/descriptor"
	"github.com/fedguard/fedwallet/pkg/btcunit"
)

var (
	claimIDTag   = []byte("fedwallet/claim")
	requestIDTag = []byte("fedwallet/pegout")
)

// GuardianID identifies a guardian by its position in the federation key
// list.
type GuardianID uint16

// ClaimID identifies a peg-in claim. It is derived from the claimed
// outpoint, so a deposit can only ever be claimed once.
type ClaimID chainhash.Hash

// NewClaimID returns the id of a claim for op.
func NewClaimID(op wire.OutPoint) ClaimID {
	return ClaimID(*chainhash.TaggedHash(claimIDTag, outPointBytes(op)))
}

// String returns the id in hex.
func (id ClaimID) String() string {
	return chainhash.Hash(id).String()
}

// RequestID identifies a peg-out request. It commits to the requester, the
// amount and the destination, so resubmitting a request is idempotent.
// Requesters that want two identical withdrawals must use distinct
// requester strings.
type RequestID chainhash.Hash

// NewRequestID returns the id of a peg-out request.
func NewRequestID(requester string, amount btcutil.Amount,
	destination []byte) RequestID {

	var a [8]byte
	binary.BigEndian.PutUint64(a[:], uint64(amount))

	return RequestID(*chainhash.TaggedHash(
		requestIDTag, []byte(requester), a[:], destination,
	))
}

// String returns the id in hex.
func (id RequestID) String() string {
	return chainhash.Hash(id).String()
}

// ClaimState is the lifecycle state of a peg-in claim.
type ClaimState uint8

const (
	// ClaimPending claims wait for threshold agreement on a deposit that
	// is buried deep enough.
	ClaimPending ClaimState = iota

	// ClaimConfirmed claims are agreed on and credited when the round
	// closes.
	ClaimConfirmed

	// ClaimCredited claims have added their output to the ledger.
	ClaimCredited

	// ClaimRejected claims are final and never credited.
	ClaimRejected
)

// String returns the state name.
func (s ClaimState) String() string {
	switch s {
	case ClaimPending:
		return "Pending"
	case ClaimConfirmed:
		return "Confirmed"
	case ClaimCredited:
		return "Credited"
	case ClaimRejected:
		return "Rejected"
	default:
		return fmt.Sprintf("ClaimState(%d)", uint8(s))
	}
}

// RequestState is the lifecycle state of a peg-out request.
type RequestState uint8

const (
	// RequestProposed requests hold a reservation and wait for fee
	// agreement.
	RequestProposed RequestState = iota

	// RequestFeeAgreed requests have a final unsigned transaction and
	// wait for signature shares.
	RequestFeeAgreed

	// RequestPartiallySigned requests have at least one valid share.
	RequestPartiallySigned

	// RequestSigned requests have a fully signed transaction.
	RequestSigned

	// RequestBroadcast requests have been accepted by the network.
	RequestBroadcast

	// RequestConfirmed requests are final; their inputs are spent.
	RequestConfirmed

	// RequestRejected requests were invalid or cancelled. They are final.
	RequestRejected

	// RequestFailed requests ran out of time or were refused by the
	// network. Their outputs are released and resubmitting the request
	// starts a new attempt.
	RequestFailed
)

// String returns the state name.
func (s RequestState) String() string {
	switch s {
	case RequestProposed:
		return "Proposed"
	case RequestFeeAgreed:
		return "FeeAgreed"
	case RequestPartiallySigned:
		return "PartiallySigned"
	case RequestSigned:
		return "Signed"
	case RequestBroadcast:
		return "Broadcast"
	case RequestConfirmed:
		return "Confirmed"
	case RequestRejected:
		return "Rejected"
	case RequestFailed:
		return "Failed"
	default:
		return fmt.Sprintf("RequestState(%d)", uint8(s))
	}
}

// InFlight reports whether requests in this state hold a reservation.
func (s RequestState) InFlight() bool {
	return s <= RequestBroadcast
}

// ClaimProof shows that an outpoint pays to a federation descriptor: it
// carries the funding transaction and the epoch of the descriptor paid to.
type ClaimProof struct {
	Epoch descriptor.Epoch
	Tx    *wire.MsgTx
}

// PegInClaim is a user's assertion that a deposit exists.
type PegInClaim struct {
	ID       ClaimID
	OutPoint wire.OutPoint
	Epoch    descriptor.Epoch
	Amount   btcutil.Amount
	PkScript []byte
	State    ClaimState

	// Height is the agreed deposit height once confirmed.
	Height int32

	SubmittedRound uint64

	// RevertedRound is the round of the last reorg revert, zero if the
	// claim was never reverted.
	RevertedRound uint64
	Reverts       uint32

	FailureCode ErrorCode
	Reason      string
}

// UnspentOutput is a federation controlled output.
type UnspentOutput struct {
	OutPoint wire.OutPoint
	Epoch    descriptor.Epoch
	Value    btcutil.Amount
	PkScript []byte
	Height   int32

	// Reserved is set while an in-flight request holds the output.
	Reserved   bool
	ReservedBy RequestID
}

// acceptedShare is a verified signature share. Sigs holds one signature
// per transaction input, in input order.
type acceptedShare struct {
	Guardian GuardianID
	Sigs     [][]byte
}

// PegOutRequest is a withdrawal to an external destination.
type PegOutRequest struct {
	ID          RequestID
	Amount      btcutil.Amount
	Destination []byte
	Requester   string
	Proposer    GuardianID
	State       RequestState

	// Attempt is incremented each time a failed request is retried.
	// Votes and shares carry it so stale ones are ignored.
	Attempt uint32

	ProposedRound  uint64
	FeeAgreedRound uint64

	Inputs     []wire.OutPoint
	FeeRate    btcunit.SatPerVByte
	Fee        btcutil.Amount
	Change     btcutil.Amount
	UnsignedTx *wire.MsgTx

	// ChangeIndex is the index of the change output, or -1.
	ChangeIndex int32

	shares   []acceptedShare
	SignedTx *wire.MsgTx

	broadcastOK   map[GuardianID]struct{}
	broadcastFail map[GuardianID]string
	spendVotes    map[GuardianID]int32

	ConfirmHeight int32

	FailureCode ErrorCode
	Reason      string
}

// Txid returns the id of the peg-out transaction, or nil before fee
// agreement. Inputs are segwit, so the id is the same for the unsigned and
// the signed transaction.
func (r *PegOutRequest) Txid() *chainhash.Hash {
	if r.UnsignedTx == nil {
		return nil
	}
	txid := r.UnsignedTx.TxHash()
	return &txid
}

// hasShare reports whether a share of guardian was accepted.
func (r *PegOutRequest) hasShare(g GuardianID) bool {
	for _, s := range r.shares {
		if s.Guardian == g {
			return true
		}
	}
	return false
}

// agreedSpendHeight returns the lowest height at which at least threshold
// guardians saw the transaction of the request mined, or 0.
func (r *PegOutRequest) agreedSpendHeight(threshold int) int32 {
	counts := make(map[int32]int)
	for _, h := range r.spendVotes {
		counts[h]++
	}

	var agreed int32
	for h, n := range counts {
		if n >= threshold && (agreed == 0 || h < agreed) {
			agreed = h
		}
	}
	return agreed
}

// Balance summarizes the ledger.
type Balance struct {
	Total     btcutil.Amount
	Available btcutil.Amount
	Reserved  btcutil.Amount
	Outputs   int
}

// RequestStatus is the caller visible state of a peg-out request.
type RequestStatus struct {
	State         RequestState
	Confirmations int32
	Amount        btcutil.Amount
	Fee           btcutil.Amount
	FeeRate       btcunit.SatPerVByte
	Txid          *chainhash.Hash
	Attempt       uint32
	FailureCode   ErrorCode
	Reason        string
}

// outPointBytes serializes op as hash || index (big endian).
func outPointBytes(op wire.OutPoint) []byte {
	b := make([]byte, chainhash.HashSize+4)
	copy(b, op.Hash[:])
	binary.BigEndian.PutUint32(b[chainhash.HashSize:], op.Index)
	return b
}
