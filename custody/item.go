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
	"github.com/fedguard/fedwallet/chain"
	"github.com/fedguard/fedwallet/descriptor"
	"github.com/fedguard/fedwallet/pkg/btcunit"
	"github.com/lightningnetwork/lnd/tlv"
)

// ItemType identifies the kind of a consensus item.
type ItemType uint8

const (
	ItemClaimSubmission ItemType = iota + 1
	ItemObservationReport
	ItemPegOutProposal
	ItemFeeVote
	ItemSignatureShare
	ItemCancelRequest
	ItemBroadcastReport
)

// String returns the item type name.
func (t ItemType) String() string {
	switch t {
	case ItemClaimSubmission:
		return "ClaimSubmission"
	case ItemObservationReport:
		return "ObservationReport"
	case ItemPegOutProposal:
		return "PegOutProposal"
	case ItemFeeVote:
		return "FeeVote"
	case ItemSignatureShare:
		return "SignatureShare"
	case ItemCancelRequest:
		return "CancelRequest"
	case ItemBroadcastReport:
		return "BroadcastReport"
	default:
		return fmt.Sprintf("ItemType(%d)", uint8(t))
	}
}

// Item is a fact a guardian contributes to the consensus stream.
type Item interface {
	// Type returns the kind of the item.
	Type() ItemType

	records() ([]tlv.Record, error)
}

// ClaimSubmission asks the federation to track a deposit.
type ClaimSubmission struct {
	OutPoint wire.OutPoint
	Proof    ClaimProof
}

// ObservationReport carries one guardian's view of the chain since its
// previous report.
type ObservationReport struct {
	Tip int32

	// Deposits are outputs paying to watched descriptors.
	Deposits []chain.Observation

	// Invalidated are deposits whose block left the main chain.
	Invalidated []wire.OutPoint

	// Spends are confirmations of watched peg-out transactions.
	Spends []chain.TxConfirmation

	// InvalidatedTxs are peg-out transactions whose block left the main
	// chain.
	InvalidatedTxs []chainhash.Hash
}

// PegOutProposal asks the federation to pay Amount to Destination.
type PegOutProposal struct {
	Amount      btcutil.Amount
	Destination []byte
	Requester   string
}

// FeeVote is one guardian's fee rate for one attempt of a request.
type FeeVote struct {
	RequestID RequestID
	Attempt   uint32
	Rate      btcunit.SatPerVByte
}

// SignatureShare is one guardian's signatures over the agreed transaction
// of a request, as a serialized PSBT.
type SignatureShare struct {
	RequestID RequestID
	Attempt   uint32
	Packet    []byte
}

// CancelRequest abandons a request that is not being signed yet. Only the
// requester named in the proposal may cancel it.
type CancelRequest struct {
	RequestID RequestID
	Requester string
}

// BroadcastReport is the outcome of one guardian's broadcast of a signed
// request.
type BroadcastReport struct {
	RequestID RequestID
	Attempt   uint32
	Accepted  bool
	Reason    string
}

// Type returns ItemClaimSubmission.
func (*ClaimSubmission) Type() ItemType { return ItemClaimSubmission }

// Type returns ItemObservationReport.
func (*ObservationReport) Type() ItemType { return ItemObservationReport }

// Type returns ItemPegOutProposal.
func (*PegOutProposal) Type() ItemType { return ItemPegOutProposal }

// Type returns ItemFeeVote.
func (*FeeVote) Type() ItemType { return ItemFeeVote }

// Type returns ItemSignatureShare.
func (*SignatureShare) Type() ItemType { return ItemSignatureShare }

// Type returns ItemCancelRequest.
func (*CancelRequest) Type() ItemType { return ItemCancelRequest }

// Type returns ItemBroadcastReport.
func (*BroadcastReport) Type() ItemType { return ItemBroadcastReport }

// itemFields holds the wire form of all item fields. Each item type uses
// a subset of them.
type itemFields struct {
	outPoint []byte
	epoch    uint32
	tx       []byte
	tip      uint32
	list1    [][]byte
	list2    [][]byte
	list3    [][]byte
	list4    [][]byte
	amount   uint64
	script   []byte
	text     []byte
	id       [32]byte
	attempt  uint32
	rate     uint64
	flag     uint8
}

func (c *ClaimSubmission) records() ([]tlv.Record, error) {
	f := &itemFields{
		outPoint: serializeOutPoint(c.OutPoint),
		epoch:    uint32(c.Proof.Epoch),
	}
	if c.Proof.Tx == nil {
		return nil, fmt.Errorf("claim for %v has no funding "+
			"transaction", c.OutPoint)
	}
	tx, err := serializeTx(c.Proof.Tx)
	if err != nil {
		return nil, err
	}
	f.tx = tx

	return []tlv.Record{
		tlv.MakePrimitiveRecord(0, &f.outPoint),
		tlv.MakePrimitiveRecord(1, &f.epoch),
		tlv.MakePrimitiveRecord(2, &f.tx),
	}, nil
}

func (r *ObservationReport) records() ([]tlv.Record, error) {
	f := &itemFields{tip: uint32(r.Tip)}
	for _, d := range r.Deposits {
		f.list1 = append(f.list1, serializeObservation(d))
	}
	f.list2 = serializeOutPoints(r.Invalidated)
	for _, s := range r.Spends {
		f.list3 = append(f.list3, serializeTxConfirmation(s))
	}
	for _, txid := range r.InvalidatedTxs {
		f.list4 = append(f.list4, txid.CloneBytes())
	}

	return []tlv.Record{
		tlv.MakePrimitiveRecord(0, &f.tip),
		makeBlobsRecord(1, &f.list1),
		makeBlobsRecord(2, &f.list2),
		makeBlobsRecord(3, &f.list3),
		makeBlobsRecord(4, &f.list4),
	}, nil
}

func (p *PegOutProposal) records() ([]tlv.Record, error) {
	f := &itemFields{
		amount: uint64(p.Amount),
		script: p.Destination,
		text:   []byte(p.Requester),
	}
	return []tlv.Record{
		tlv.MakePrimitiveRecord(0, &f.amount),
		tlv.MakePrimitiveRecord(1, &f.script),
		tlv.MakePrimitiveRecord(2, &f.text),
	}, nil
}

func (v *FeeVote) records() ([]tlv.Record, error) {
	f := &itemFields{
		id:      v.RequestID,
		attempt: v.Attempt,
		rate:    uint64(v.Rate),
	}
	return []tlv.Record{
		tlv.MakePrimitiveRecord(0, &f.id),
		tlv.MakePrimitiveRecord(1, &f.attempt),
		tlv.MakePrimitiveRecord(2, &f.rate),
	}, nil
}

func (s *SignatureShare) records() ([]tlv.Record, error) {
	f := &itemFields{
		id:      s.RequestID,
		attempt: s.Attempt,
		tx:      s.Packet,
	}
	return []tlv.Record{
		tlv.MakePrimitiveRecord(0, &f.id),
		tlv.MakePrimitiveRecord(1, &f.attempt),
		tlv.MakePrimitiveRecord(2, &f.tx),
	}, nil
}

func (c *CancelRequest) records() ([]tlv.Record, error) {
	f := &itemFields{id: c.RequestID, text: []byte(c.Requester)}
	return []tlv.Record{
		tlv.MakePrimitiveRecord(0, &f.id),
		tlv.MakePrimitiveRecord(1, &f.text),
	}, nil
}

func (b *BroadcastReport) records() ([]tlv.Record, error) {
	f := &itemFields{
		id:      b.RequestID,
		attempt: b.Attempt,
		text:    []byte(b.Reason),
	}
	if b.Accepted {
		f.flag = 1
	}
	return []tlv.Record{
		tlv.MakePrimitiveRecord(0, &f.id),
		tlv.MakePrimitiveRecord(1, &f.attempt),
		tlv.MakePrimitiveRecord(2, &f.flag),
		tlv.MakePrimitiveRecord(3, &f.text),
	}, nil
}

// EncodeItem serializes an item as its type byte followed by a TLV stream.
func EncodeItem(item Item) ([]byte, error) {
	records, err := item.records()
	if err != nil {
		str := fmt.Sprintf("unable to encode %v", item.Type())
		return nil, newError(ErrSerialization, str, err)
	}

	payload, err := encodeRecords(records...)
	if err != nil {
		str := fmt.Sprintf("unable to encode %v", item.Type())
		return nil, newError(ErrSerialization, str, err)
	}

	return append([]byte{byte(item.Type())}, payload...), nil
}

// DecodeItem parses an item produced by EncodeItem. Items from other
// guardians are untrusted; every error is an ErrInvalidItem.
func DecodeItem(b []byte) (Item, error) {
	if len(b) == 0 {
		return nil, newError(ErrInvalidItem, "empty item", nil)
	}

	typ := ItemType(b[0])
	payload := b[1:]

	var (
		f   itemFields
		err error
	)
	invalid := func(err error) (Item, error) {
		str := fmt.Sprintf("malformed %v", typ)
		return nil, newError(ErrInvalidItem, str, err)
	}

	switch typ {
	case ItemClaimSubmission:
		_, err = decodeRecords(payload,
			tlv.MakePrimitiveRecord(0, &f.outPoint),
			tlv.MakePrimitiveRecord(1, &f.epoch),
			tlv.MakePrimitiveRecord(2, &f.tx),
		)
		if err != nil {
			return invalid(err)
		}
		op, err := deserializeOutPoint(f.outPoint)
		if err != nil {
			return invalid(err)
		}
		tx, err := deserializeTx(f.tx)
		if err != nil {
			return invalid(err)
		}
		return &ClaimSubmission{
			OutPoint: op,
			Proof: ClaimProof{
				Epoch: descriptor.Epoch(f.epoch),
				Tx:    tx,
			},
		}, nil

	case ItemObservationReport:
		_, err = decodeRecords(payload,
			tlv.MakePrimitiveRecord(0, &f.tip),
			makeBlobsRecord(1, &f.list1),
			makeBlobsRecord(2, &f.list2),
			makeBlobsRecord(3, &f.list3),
			makeBlobsRecord(4, &f.list4),
		)
		if err != nil {
			return invalid(err)
		}
		return decodeObservationReport(&f, invalid)

	case ItemPegOutProposal:
		_, err = decodeRecords(payload,
			tlv.MakePrimitiveRecord(0, &f.amount),
			tlv.MakePrimitiveRecord(1, &f.script),
			tlv.MakePrimitiveRecord(2, &f.text),
		)
		if err != nil {
			return invalid(err)
		}
		return &PegOutProposal{
			Amount:      btcutil.Amount(f.amount),
			Destination: f.script,
			Requester:   string(f.text),
		}, nil

	case ItemFeeVote:
		_, err = decodeRecords(payload,
			tlv.MakePrimitiveRecord(0, &f.id),
			tlv.MakePrimitiveRecord(1, &f.attempt),
			tlv.MakePrimitiveRecord(2, &f.rate),
		)
		if err != nil {
			return invalid(err)
		}
		return &FeeVote{
			RequestID: f.id,
			Attempt:   f.attempt,
			Rate:      btcunit.SatPerVByte(f.rate),
		}, nil

	case ItemSignatureShare:
		_, err = decodeRecords(payload,
			tlv.MakePrimitiveRecord(0, &f.id),
			tlv.MakePrimitiveRecord(1, &f.attempt),
			tlv.MakePrimitiveRecord(2, &f.tx),
		)
		if err != nil {
			return invalid(err)
		}
		return &SignatureShare{
			RequestID: f.id,
			Attempt:   f.attempt,
			Packet:    f.tx,
		}, nil

	case ItemCancelRequest:
		_, err = decodeRecords(payload,
			tlv.MakePrimitiveRecord(0, &f.id),
			tlv.MakePrimitiveRecord(1, &f.text),
		)
		if err != nil {
			return invalid(err)
		}
		return &CancelRequest{
			RequestID: f.id,
			Requester: string(f.text),
		}, nil

	case ItemBroadcastReport:
		_, err = decodeRecords(payload,
			tlv.MakePrimitiveRecord(0, &f.id),
			tlv.MakePrimitiveRecord(1, &f.attempt),
			tlv.MakePrimitiveRecord(2, &f.flag),
			tlv.MakePrimitiveRecord(3, &f.text),
		)
		if err != nil {
			return invalid(err)
		}
		return &BroadcastReport{
			RequestID: f.id,
			Attempt:   f.attempt,
			Accepted:  f.flag == 1,
			Reason:    string(f.text),
		}, nil

	default:
		return nil, newError(ErrInvalidItem, typ.String(), nil)
	}
}

func decodeObservationReport(f *itemFields,
	invalid func(error) (Item, error)) (Item, error) {

	r := &ObservationReport{Tip: int32(f.tip)}
	for _, b := range f.list1 {
		o, err := deserializeObservation(b)
		if err != nil {
			return invalid(err)
		}
		r.Deposits = append(r.Deposits, o)
	}

	ops, err := deserializeOutPoints(f.list2)
	if err != nil {
		return invalid(err)
	}
	if len(ops) > 0 {
		r.Invalidated = ops
	}

	for _, b := range f.list3 {
		c, err := deserializeTxConfirmation(b)
		if err != nil {
			return invalid(err)
		}
		r.Spends = append(r.Spends, c)
	}

	for _, b := range f.list4 {
		txid, err := chainhash.NewHash(b)
		if err != nil {
			return invalid(err)
		}
		r.InvalidatedTxs = append(r.InvalidatedTxs, *txid)
	}

	return r, nil
}

// observationSize is outpoint || epoch || value || height.
const observationSize = outPointSize + 4 + 8 + 4

func serializeObservation(o chain.Observation) []byte {
	b := make([]byte, observationSize)
	copy(b, serializeOutPoint(o.OutPoint))
	binary.BigEndian.PutUint32(b[outPointSize:], uint32(o.Epoch))
	binary.BigEndian.PutUint64(b[outPointSize+4:], uint64(o.Value))
	binary.BigEndian.PutUint32(b[outPointSize+12:], uint32(o.Height))
	return b
}

func deserializeObservation(b []byte) (chain.Observation, error) {
	if len(b) != observationSize {
		return chain.Observation{}, fmt.Errorf("observation is %d "+
			"bytes, want %d", len(b), observationSize)
	}
	op, err := deserializeOutPoint(b[:outPointSize])
	if err != nil {
		return chain.Observation{}, err
	}
	return chain.Observation{
		OutPoint: op,
		Epoch: descriptor.Epoch(
			binary.BigEndian.Uint32(b[outPointSize:]),
		),
		Value: btcutil.Amount(
			binary.BigEndian.Uint64(b[outPointSize+4:]),
		),
		Height: int32(binary.BigEndian.Uint32(b[outPointSize+12:])),
	}, nil
}

// txConfirmationSize is txid || height.
const txConfirmationSize = chainhash.HashSize + 4

func serializeTxConfirmation(c chain.TxConfirmation) []byte {
	b := make([]byte, txConfirmationSize)
	copy(b, c.Txid[:])
	binary.BigEndian.PutUint32(b[chainhash.HashSize:], uint32(c.Height))
	return b
}

func deserializeTxConfirmation(b []byte) (chain.TxConfirmation, error) {
	if len(b) != txConfirmationSize {
		return chain.TxConfirmation{}, fmt.Errorf("confirmation is %d "+
			"bytes, want %d", len(b), txConfirmationSize)
	}
	var c chain.TxConfirmation
	copy(c.Txid[:], b[:chainhash.HashSize])
	c.Height = int32(binary.BigEndian.Uint32(b[chainhash.HashSize:]))
	return c, nil
}
