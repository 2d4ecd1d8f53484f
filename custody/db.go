// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package custody

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/fedguard/fedwallet/descriptor"
	"github.com/fedguard/fedwallet/pkg/btcunit"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	// dbVersion is the current version of the stored layout.
	dbVersion uint32 = 1

	// maxSigBytes bounds a stored signature.
	maxSigBytes = 80
)

var (
	// namespaceKey is the top level bucket of the module.
	namespaceKey = []byte("custody")

	metaBucketName         = []byte("meta")
	descriptorsBucketName  = []byte("descriptors")
	claimsBucketName       = []byte("claims")
	observationsBucketName = []byte("observations")
	utxosBucketName        = []byte("utxos")
	requestsBucketName     = []byte("requests")
	feeVotesBucketName     = []byte("feevotes")
	proposalsBucketName    = []byte("proposals")

	versionKey     = []byte("version")
	fingerprintKey = []byte("fingerprint")
	paramsKey      = []byte("params")
	roundKey       = []byte("round")
	tipsKey        = []byte("tips")
	totalsKey      = []byte("totals")
)

var allBuckets = [][]byte{
	metaBucketName, descriptorsBucketName, claimsBucketName,
	observationsBucketName, utxosBucketName, requestsBucketName,
	feeVotesBucketName, proposalsBucketName,
}

// createBuckets creates the module buckets if they do not exist yet.
func createBuckets(tx walletdb.ReadWriteTx) (walletdb.ReadWriteBucket, error) {
	ns := tx.ReadWriteBucket(namespaceKey)
	if ns == nil {
		var err error
		ns, err = tx.CreateTopLevelBucket(namespaceKey)
		if err != nil {
			return nil, newError(ErrDatabase, "unable to create "+
				"namespace", err)
		}
	}

	for _, name := range allBuckets {
		if _, err := ns.CreateBucketIfNotExists(name); err != nil {
			str := fmt.Sprintf("unable to create bucket %s", name)
			return nil, newError(ErrDatabase, str, err)
		}
	}

	return ns, nil
}

func putValue(ns walletdb.ReadWriteBucket, bucket, key, value []byte) error {
	if err := ns.NestedReadWriteBucket(bucket).Put(key, value); err != nil {
		str := fmt.Sprintf("unable to store %x in %s", key, bucket)
		return newError(ErrDatabase, str, err)
	}
	return nil
}

func deleteValue(ns walletdb.ReadWriteBucket, bucket, key []byte) error {
	if err := ns.NestedReadWriteBucket(bucket).Delete(key); err != nil {
		str := fmt.Sprintf("unable to delete %x from %s", key, bucket)
		return newError(ErrDatabase, str, err)
	}
	return nil
}

func uint32Bytes(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func uint64Bytes(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// checkFederation stores the federation fingerprint, the consensus
// parameters and the watched descriptors on first use and verifies them on
// every later start, so a database is never used with different federation
// parameters.
func checkFederation(ns walletdb.ReadWriteBucket, cfg *Config,
	registry *descriptor.Registry) error {

	meta := ns.NestedReadWriteBucket(metaBucketName)
	fp := registry.Federation().Fingerprint()

	if v := meta.Get(versionKey); v != nil {
		if len(v) != 4 || binary.BigEndian.Uint32(v) != dbVersion {
			str := fmt.Sprintf("unsupported database version %x", v)
			return newError(ErrFatalConfig, str, nil)
		}
	} else if err := putValue(
		ns, metaBucketName, versionKey, uint32Bytes(dbVersion),
	); err != nil {
		return err
	}

	stored := meta.Get(fingerprintKey)
	switch {
	case stored == nil:
		err := putValue(ns, metaBucketName, fingerprintKey, fp[:])
		if err != nil {
			return err
		}

	case !bytes.Equal(stored, fp[:]):
		str := fmt.Sprintf("database belongs to federation %x, "+
			"configured federation is %x", stored, fp)
		return newError(ErrFatalConfig, str, nil)
	}

	params := cfg.ConsensusFingerprint()
	stored = meta.Get(paramsKey)
	switch {
	case stored == nil:
		err := putValue(ns, metaBucketName, paramsKey, params[:])
		if err != nil {
			return err
		}

	case !bytes.Equal(stored, params[:]):
		str := fmt.Sprintf("consensus parameters %x differ from "+
			"%x stored in the database", params, stored)
		return newError(ErrFatalConfig, str, nil)
	}

	descs := ns.NestedReadWriteBucket(descriptorsBucketName)
	for _, d := range registry.Watched() {
		key := uint32Bytes(uint32(d.Epoch))
		stored := descs.Get(key)
		switch {
		case stored == nil:
			err := putValue(
				ns, descriptorsBucketName, key, d.WitnessScript,
			)
			if err != nil {
				return err
			}

		case !bytes.Equal(stored, d.WitnessScript):
			str := fmt.Sprintf("stored descriptor of epoch %d does "+
				"not match the configured salt", d.Epoch)
			return newError(ErrFatalConfig, str, nil)
		}
	}

	return nil
}

// flush writes every record changed since the last flush.
func (s *state) flush(ns walletdb.ReadWriteBucket) error {
	if s.dirtyMeta {
		if err := putMeta(ns, s); err != nil {
			return err
		}
		s.dirtyMeta = false
	}

	for id := range s.dirtyClaims {
		v, err := serializeClaim(s.claims[id])
		if err != nil {
			return serializationError("claim "+id.String(), err)
		}
		if err := putValue(ns, claimsBucketName, id[:], v); err != nil {
			return err
		}
	}
	s.dirtyClaims = make(map[ClaimID]struct{})

	for op := range s.dirtyVotes {
		key := serializeOutPoint(op)
		v, ok := s.votes[op]
		if !ok {
			err := deleteValue(ns, observationsBucketName, key)
			if err != nil {
				return err
			}
			continue
		}

		b, err := serializeVotes(v)
		if err != nil {
			return serializationError("observations", err)
		}
		if err := putValue(ns, observationsBucketName, key, b); err != nil {
			return err
		}
	}
	s.dirtyVotes = make(map[wire.OutPoint]struct{})

	for id := range s.dirtyRequests {
		v, err := serializeRequest(s.requests[id])
		if err != nil {
			return serializationError("request "+id.String(), err)
		}
		if err := putValue(ns, requestsBucketName, id[:], v); err != nil {
			return err
		}
	}
	s.dirtyRequests = make(map[RequestID]struct{})

	for _, id := range s.fees.takeDirty() {
		votes := s.fees.votes[id]
		resolved := s.fees.Resolved(id)
		if len(votes) == 0 && resolved.IsNone() {
			err := deleteValue(ns, feeVotesBucketName, id[:])
			if err != nil {
				return err
			}
			continue
		}

		v, err := serializeFeeVotes(votes, resolved)
		if err != nil {
			return serializationError("fee votes", err)
		}
		if err := putValue(ns, feeVotesBucketName, id[:], v); err != nil {
			return err
		}
	}

	ops, totals := s.ledger.takeDirty()
	for _, op := range ops {
		key := serializeOutPoint(op)
		u, ok := s.ledger.Output(op)
		if !ok {
			if err := deleteValue(ns, utxosBucketName, key); err != nil {
				return err
			}
			continue
		}

		v, err := serializeUtxo(&u)
		if err != nil {
			return serializationError("output", err)
		}
		if err := putValue(ns, utxosBucketName, key, v); err != nil {
			return err
		}
	}
	if totals {
		credited, spent := s.ledger.Totals()
		v := append(uint64Bytes(uint64(credited)),
			uint64Bytes(uint64(spent))...)
		if err := putValue(ns, metaBucketName, totalsKey, v); err != nil {
			return err
		}
	}

	return nil
}

func putMeta(ns walletdb.ReadWriteBucket, s *state) error {
	err := putValue(ns, metaBucketName, roundKey, uint64Bytes(s.round))
	if err != nil {
		return err
	}

	tips := make([]byte, 0, len(s.tips)*6)
	for g, tip := range s.tips {
		var b [6]byte
		binary.BigEndian.PutUint16(b[:2], uint16(g))
		binary.BigEndian.PutUint32(b[2:], uint32(tip))
		tips = append(tips, b[:]...)
	}

	return putValue(ns, metaBucketName, tipsKey, tips)
}

// loadState reads the complete state.
func loadState(ns walletdb.ReadBucket, fees *FeeConsensus) (*state, error) {
	s := newState(fees)

	meta := ns.NestedReadBucket(metaBucketName)
	if v := meta.Get(roundKey); len(v) == 8 {
		s.round = binary.BigEndian.Uint64(v)
	}
	tips := meta.Get(tipsKey)
	for len(tips) >= 6 {
		g := GuardianID(binary.BigEndian.Uint16(tips[:2]))
		s.tips[g] = int32(binary.BigEndian.Uint32(tips[2:6]))
		tips = tips[6:]
	}
	if v := meta.Get(totalsKey); len(v) == 16 {
		s.ledger.restoreTotals(
			btcutil.Amount(binary.BigEndian.Uint64(v[:8])),
			btcutil.Amount(binary.BigEndian.Uint64(v[8:])),
		)
	}

	err := ns.NestedReadBucket(claimsBucketName).ForEach(
		func(k, v []byte) error {
			c, err := deserializeClaim(k, v)
			if err != nil {
				return err
			}
			s.claims[c.ID] = c
			return nil
		},
	)
	if err != nil {
		return nil, serializationError("claims", err)
	}

	err = ns.NestedReadBucket(observationsBucketName).ForEach(
		func(k, v []byte) error {
			op, err := deserializeOutPoint(k)
			if err != nil {
				return err
			}
			votes, err := deserializeVotes(v)
			if err != nil {
				return err
			}
			s.votes[op] = votes
			return nil
		},
	)
	if err != nil {
		return nil, serializationError("observations", err)
	}

	err = ns.NestedReadBucket(utxosBucketName).ForEach(
		func(k, v []byte) error {
			u, err := deserializeUtxo(k, v)
			if err != nil {
				return err
			}
			s.ledger.restore(*u)
			return nil
		},
	)
	if err != nil {
		return nil, serializationError("outputs", err)
	}

	err = ns.NestedReadBucket(requestsBucketName).ForEach(
		func(k, v []byte) error {
			r, err := deserializeRequest(k, v)
			if err != nil {
				return err
			}
			s.requests[r.ID] = r
			if r.State.InFlight() && r.UnsignedTx != nil {
				s.txids[*r.Txid()] = r.ID
			}
			return nil
		},
	)
	if err != nil {
		return nil, serializationError("requests", err)
	}

	err = ns.NestedReadBucket(feeVotesBucketName).ForEach(
		func(k, v []byte) error {
			var id RequestID
			if len(k) != len(id) {
				return fmt.Errorf("bad request id %x", k)
			}
			copy(id[:], k)
			return deserializeFeeVotes(fees, id, v)
		},
	)
	if err != nil {
		return nil, serializationError("fee votes", err)
	}

	// The ledger and fee tracker were populated directly; nothing needs
	// to be written back.
	s.ledger.takeDirty()
	fees.takeDirty()

	return s, nil
}

// putProposal appends an item to the queue of own proposals.
func putProposal(ns walletdb.ReadWriteBucket, payload []byte) error {
	b := ns.NestedReadWriteBucket(proposalsBucketName)
	seq, err := b.NextSequence()
	if err != nil {
		return newError(ErrDatabase, "unable to allocate proposal "+
			"sequence", err)
	}
	return putValue(ns, proposalsBucketName, uint64Bytes(seq), payload)
}

// deleteProposal removes every queued proposal equal to payload.
func deleteProposal(ns walletdb.ReadWriteBucket, payload []byte) error {
	b := ns.NestedReadWriteBucket(proposalsBucketName)

	var keys [][]byte
	err := b.ForEach(func(k, v []byte) error {
		if bytes.Equal(v, payload) {
			keys = append(keys, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return newError(ErrDatabase, "unable to scan proposals", err)
	}

	for _, k := range keys {
		if err := deleteValue(ns, proposalsBucketName, k); err != nil {
			return err
		}
	}
	return nil
}

// fetchProposals returns the queued proposals in submission order.
func fetchProposals(ns walletdb.ReadBucket) ([][]byte, error) {
	var proposals [][]byte
	err := ns.NestedReadBucket(proposalsBucketName).ForEach(
		func(k, v []byte) error {
			proposals = append(proposals, append([]byte(nil), v...))
			return nil
		},
	)
	if err != nil {
		return nil, newError(ErrDatabase, "unable to read proposals",
			err)
	}
	return proposals, nil
}

func serializeClaim(c *PegInClaim) ([]byte, error) {
	var (
		outPoint       = serializeOutPoint(c.OutPoint)
		epoch          = uint32(c.Epoch)
		amount         = uint64(c.Amount)
		pkScript       = c.PkScript
		claimState     = uint8(c.State)
		height         = uint32(c.Height)
		submittedRound = c.SubmittedRound
		revertedRound  = c.RevertedRound
		reverts        = c.Reverts
		failureCode    = uint32(c.FailureCode)
		reason         = []byte(c.Reason)
	)
	return encodeRecords(
		tlv.MakePrimitiveRecord(0, &outPoint),
		tlv.MakePrimitiveRecord(1, &epoch),
		tlv.MakePrimitiveRecord(2, &amount),
		tlv.MakePrimitiveRecord(3, &pkScript),
		tlv.MakePrimitiveRecord(4, &claimState),
		tlv.MakePrimitiveRecord(5, &height),
		tlv.MakePrimitiveRecord(6, &submittedRound),
		tlv.MakePrimitiveRecord(7, &revertedRound),
		tlv.MakePrimitiveRecord(8, &reverts),
		tlv.MakePrimitiveRecord(9, &failureCode),
		tlv.MakePrimitiveRecord(10, &reason),
	)
}

func deserializeClaim(k, v []byte) (*PegInClaim, error) {
	var (
		outPoint                      []byte
		epoch, height, reverts, code  uint32
		amount                        uint64
		submittedRound, revertedRound uint64
		pkScript, reason              []byte
		claimState                    uint8
	)
	_, err := decodeRecords(v,
		tlv.MakePrimitiveRecord(0, &outPoint),
		tlv.MakePrimitiveRecord(1, &epoch),
		tlv.MakePrimitiveRecord(2, &amount),
		tlv.MakePrimitiveRecord(3, &pkScript),
		tlv.MakePrimitiveRecord(4, &claimState),
		tlv.MakePrimitiveRecord(5, &height),
		tlv.MakePrimitiveRecord(6, &submittedRound),
		tlv.MakePrimitiveRecord(7, &revertedRound),
		tlv.MakePrimitiveRecord(8, &reverts),
		tlv.MakePrimitiveRecord(9, &code),
		tlv.MakePrimitiveRecord(10, &reason),
	)
	if err != nil {
		return nil, err
	}

	op, err := deserializeOutPoint(outPoint)
	if err != nil {
		return nil, err
	}

	c := &PegInClaim{
		ID:             NewClaimID(op),
		OutPoint:       op,
		Epoch:          descriptor.Epoch(epoch),
		Amount:         btcutil.Amount(amount),
		PkScript:       pkScript,
		State:          ClaimState(claimState),
		Height:         int32(height),
		SubmittedRound: submittedRound,
		RevertedRound:  revertedRound,
		Reverts:        reverts,
		FailureCode:    ErrorCode(code),
		Reason:         string(reason),
	}
	if !bytes.Equal(c.ID[:], k) {
		return nil, fmt.Errorf("claim stored under %x has id %v", k,
			c.ID)
	}

	return c, nil
}

// depositVoteSize is guardian || epoch || value || height.
const depositVoteSize = 2 + 4 + 8 + 4

func serializeVotes(v *outPointVotes) ([]byte, error) {
	var deposits, invalidations [][]byte
	for g, d := range v.deposits {
		b := make([]byte, depositVoteSize)
		binary.BigEndian.PutUint16(b, uint16(g))
		binary.BigEndian.PutUint32(b[2:], uint32(d.Epoch))
		binary.BigEndian.PutUint64(b[6:], uint64(d.Value))
		binary.BigEndian.PutUint32(b[14:], uint32(d.Height))
		deposits = append(deposits, b)
	}
	for g := range v.invalidations {
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(g))
		invalidations = append(invalidations, b)
	}

	return encodeRecords(
		makeBlobsRecord(0, &deposits),
		makeBlobsRecord(1, &invalidations),
	)
}

func deserializeVotes(b []byte) (*outPointVotes, error) {
	var deposits, invalidations [][]byte
	_, err := decodeRecords(b,
		makeBlobsRecord(0, &deposits),
		makeBlobsRecord(1, &invalidations),
	)
	if err != nil {
		return nil, err
	}

	v := newOutPointVotes()
	for _, d := range deposits {
		if len(d) != depositVoteSize {
			return nil, fmt.Errorf("deposit vote is %d bytes", len(d))
		}
		g := GuardianID(binary.BigEndian.Uint16(d))
		v.deposits[g] = depositVote{
			Epoch:  descriptor.Epoch(binary.BigEndian.Uint32(d[2:])),
			Value:  btcutil.Amount(binary.BigEndian.Uint64(d[6:])),
			Height: int32(binary.BigEndian.Uint32(d[14:])),
		}
	}
	for _, i := range invalidations {
		if len(i) != 2 {
			return nil, fmt.Errorf("invalidation vote is %d bytes",
				len(i))
		}
		v.invalidations[GuardianID(binary.BigEndian.Uint16(i))] =
			struct{}{}
	}

	return v, nil
}

func serializeUtxo(u *UnspentOutput) ([]byte, error) {
	var (
		epoch      = uint32(u.Epoch)
		value      = uint64(u.Value)
		pkScript   = u.PkScript
		height     = uint32(u.Height)
		reserved   uint8
		reservedBy = [32]byte(u.ReservedBy)
	)
	if u.Reserved {
		reserved = 1
	}
	return encodeRecords(
		tlv.MakePrimitiveRecord(0, &epoch),
		tlv.MakePrimitiveRecord(1, &value),
		tlv.MakePrimitiveRecord(2, &pkScript),
		tlv.MakePrimitiveRecord(3, &height),
		tlv.MakePrimitiveRecord(4, &reserved),
		tlv.MakePrimitiveRecord(5, &reservedBy),
	)
}

func deserializeUtxo(k, v []byte) (*UnspentOutput, error) {
	op, err := deserializeOutPoint(k)
	if err != nil {
		return nil, err
	}

	var (
		epoch, height uint32
		value         uint64
		pkScript      []byte
		reserved      uint8
		reservedBy    [32]byte
	)
	_, err = decodeRecords(v,
		tlv.MakePrimitiveRecord(0, &epoch),
		tlv.MakePrimitiveRecord(1, &value),
		tlv.MakePrimitiveRecord(2, &pkScript),
		tlv.MakePrimitiveRecord(3, &height),
		tlv.MakePrimitiveRecord(4, &reserved),
		tlv.MakePrimitiveRecord(5, &reservedBy),
	)
	if err != nil {
		return nil, err
	}

	return &UnspentOutput{
		OutPoint:   op,
		Epoch:      descriptor.Epoch(epoch),
		Value:      btcutil.Amount(value),
		PkScript:   pkScript,
		Height:     int32(height),
		Reserved:   reserved == 1,
		ReservedBy: reservedBy,
	}, nil
}

func serializeShare(s acceptedShare) ([]byte, error) {
	var buf bytes.Buffer
	var g [2]byte
	binary.BigEndian.PutUint16(g[:], uint16(s.Guardian))
	buf.Write(g[:])
	for _, sig := range s.Sigs {
		if err := wire.WriteVarBytes(&buf, 0, sig); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func deserializeShare(b []byte) (acceptedShare, error) {
	if len(b) < 2 {
		return acceptedShare{}, fmt.Errorf("share is %d bytes", len(b))
	}
	s := acceptedShare{Guardian: GuardianID(binary.BigEndian.Uint16(b))}

	r := bytes.NewReader(b[2:])
	for {
		sig, err := wire.ReadVarBytes(r, 0, maxSigBytes, "signature")
		if err == io.EOF {
			break
		} else if err != nil {
			return acceptedShare{}, err
		}
		s.Sigs = append(s.Sigs, sig)
	}

	return s, nil
}

func serializeRequest(r *PegOutRequest) ([]byte, error) {
	var (
		amount         = uint64(r.Amount)
		destination    = r.Destination
		requester      = []byte(r.Requester)
		proposer       = uint16(r.Proposer)
		reqState       = uint8(r.State)
		attempt        = r.Attempt
		proposedRound  = r.ProposedRound
		feeAgreedRound = r.FeeAgreedRound
		inputs         = serializeOutPoints(r.Inputs)
		feeRate        = uint64(r.FeeRate)
		fee            = uint64(r.Fee)
		change         = uint64(r.Change)
		changeIndex    = uint32(r.ChangeIndex)
		unsignedTx     []byte
		shares         [][]byte
		signedTx       []byte
		broadcastOK    [][]byte
		broadcastFail  [][]byte
		spendVotes     [][]byte
		confirmHeight  = uint32(r.ConfirmHeight)
		failureCode    = uint32(r.FailureCode)
		reason         = []byte(r.Reason)
		err            error
	)

	if r.UnsignedTx != nil {
		if unsignedTx, err = serializeTx(r.UnsignedTx); err != nil {
			return nil, err
		}
	}
	if r.SignedTx != nil {
		if signedTx, err = serializeTx(r.SignedTx); err != nil {
			return nil, err
		}
	}
	for _, s := range r.shares {
		b, err := serializeShare(s)
		if err != nil {
			return nil, err
		}
		shares = append(shares, b)
	}
	for g := range r.broadcastOK {
		broadcastOK = append(broadcastOK, uint32Bytes(uint32(g)))
	}
	for g, why := range r.broadcastFail {
		b := append(uint32Bytes(uint32(g)), why...)
		broadcastFail = append(broadcastFail, b)
	}
	for g, h := range r.spendVotes {
		b := append(uint32Bytes(uint32(g)), uint32Bytes(uint32(h))...)
		spendVotes = append(spendVotes, b)
	}

	return encodeRecords(
		tlv.MakePrimitiveRecord(0, &amount),
		tlv.MakePrimitiveRecord(1, &destination),
		tlv.MakePrimitiveRecord(2, &requester),
		tlv.MakePrimitiveRecord(3, &proposer),
		tlv.MakePrimitiveRecord(4, &reqState),
		tlv.MakePrimitiveRecord(5, &attempt),
		tlv.MakePrimitiveRecord(6, &proposedRound),
		tlv.MakePrimitiveRecord(7, &feeAgreedRound),
		makeBlobsRecord(8, &inputs),
		tlv.MakePrimitiveRecord(9, &feeRate),
		tlv.MakePrimitiveRecord(10, &fee),
		tlv.MakePrimitiveRecord(11, &change),
		tlv.MakePrimitiveRecord(12, &changeIndex),
		tlv.MakePrimitiveRecord(13, &unsignedTx),
		makeBlobsRecord(14, &shares),
		tlv.MakePrimitiveRecord(15, &signedTx),
		makeBlobsRecord(16, &broadcastOK),
		makeBlobsRecord(17, &broadcastFail),
		makeBlobsRecord(18, &spendVotes),
		tlv.MakePrimitiveRecord(19, &confirmHeight),
		tlv.MakePrimitiveRecord(20, &failureCode),
		tlv.MakePrimitiveRecord(21, &reason),
	)
}

func deserializeRequest(k, v []byte) (*PegOutRequest, error) {
	var (
		amount, proposedRound, feeAgreedRound uint64
		feeRate, fee, change                  uint64
		destination, requester, reason        []byte
		unsignedTx, signedTx                  []byte
		proposer                              uint16
		reqState                              uint8
		attempt, changeIndex                  uint32
		confirmHeight, failureCode            uint32
		inputs, shares                        [][]byte
		broadcastOK, broadcastFail            [][]byte
		spendVotes                            [][]byte
	)
	_, err := decodeRecords(v,
		tlv.MakePrimitiveRecord(0, &amount),
		tlv.MakePrimitiveRecord(1, &destination),
		tlv.MakePrimitiveRecord(2, &requester),
		tlv.MakePrimitiveRecord(3, &proposer),
		tlv.MakePrimitiveRecord(4, &reqState),
		tlv.MakePrimitiveRecord(5, &attempt),
		tlv.MakePrimitiveRecord(6, &proposedRound),
		tlv.MakePrimitiveRecord(7, &feeAgreedRound),
		makeBlobsRecord(8, &inputs),
		tlv.MakePrimitiveRecord(9, &feeRate),
		tlv.MakePrimitiveRecord(10, &fee),
		tlv.MakePrimitiveRecord(11, &change),
		tlv.MakePrimitiveRecord(12, &changeIndex),
		tlv.MakePrimitiveRecord(13, &unsignedTx),
		makeBlobsRecord(14, &shares),
		tlv.MakePrimitiveRecord(15, &signedTx),
		makeBlobsRecord(16, &broadcastOK),
		makeBlobsRecord(17, &broadcastFail),
		makeBlobsRecord(18, &spendVotes),
		tlv.MakePrimitiveRecord(19, &confirmHeight),
		tlv.MakePrimitiveRecord(20, &failureCode),
		tlv.MakePrimitiveRecord(21, &reason),
	)
	if err != nil {
		return nil, err
	}

	r := &PegOutRequest{
		Amount:         btcutil.Amount(amount),
		Destination:    destination,
		Requester:      string(requester),
		Proposer:       GuardianID(proposer),
		State:          RequestState(reqState),
		Attempt:        attempt,
		ProposedRound:  proposedRound,
		FeeAgreedRound: feeAgreedRound,
		FeeRate:        btcunit.SatPerVByte(feeRate),
		Fee:            btcutil.Amount(fee),
		Change:         btcutil.Amount(change),
		ChangeIndex:    int32(changeIndex),
		ConfirmHeight:  int32(confirmHeight),
		FailureCode:    ErrorCode(failureCode),
		Reason:         string(reason),
		broadcastOK:    make(map[GuardianID]struct{}),
		broadcastFail:  make(map[GuardianID]string),
		spendVotes:     make(map[GuardianID]int32),
	}
	r.ID = NewRequestID(r.Requester, r.Amount, r.Destination)
	if !bytes.Equal(r.ID[:], k) {
		return nil, fmt.Errorf("request stored under %x has id %v", k,
			r.ID)
	}

	if r.Inputs, err = deserializeOutPoints(inputs); err != nil {
		return nil, err
	}
	if len(unsignedTx) > 0 {
		if r.UnsignedTx, err = deserializeTx(unsignedTx); err != nil {
			return nil, err
		}
	}
	if len(signedTx) > 0 {
		if r.SignedTx, err = deserializeTx(signedTx); err != nil {
			return nil, err
		}
	}
	for _, b := range shares {
		s, err := deserializeShare(b)
		if err != nil {
			return nil, err
		}
		r.shares = append(r.shares, s)
	}
	for _, b := range broadcastOK {
		if len(b) != 4 {
			return nil, fmt.Errorf("broadcast vote is %d bytes",
				len(b))
		}
		r.broadcastOK[GuardianID(binary.BigEndian.Uint32(b))] =
			struct{}{}
	}
	for _, b := range broadcastFail {
		if len(b) < 4 {
			return nil, fmt.Errorf("broadcast vote is %d bytes",
				len(b))
		}
		g := GuardianID(binary.BigEndian.Uint32(b))
		r.broadcastFail[g] = string(b[4:])
	}
	for _, b := range spendVotes {
		if len(b) != 8 {
			return nil, fmt.Errorf("spend vote is %d bytes", len(b))
		}
		g := GuardianID(binary.BigEndian.Uint32(b))
		r.spendVotes[g] = int32(binary.BigEndian.Uint32(b[4:]))
	}

	return r, nil
}

func serializeFeeVotes(votes map[GuardianID]btcunit.SatPerVByte,
	resolved fn.Option[btcunit.SatPerVByte]) ([]byte, error) {

	var blobs [][]byte
	for g, rate := range votes {
		b := make([]byte, 10)
		binary.BigEndian.PutUint16(b, uint16(g))
		binary.BigEndian.PutUint64(b[2:], uint64(rate))
		blobs = append(blobs, b)
	}
	rate := uint64(resolved.UnwrapOr(0))

	return encodeRecords(
		makeBlobsRecord(0, &blobs),
		tlv.MakePrimitiveRecord(1, &rate),
	)
}

func deserializeFeeVotes(f *FeeConsensus, id RequestID, b []byte) error {
	var (
		blobs [][]byte
		rate  uint64
	)
	_, err := decodeRecords(b,
		makeBlobsRecord(0, &blobs),
		tlv.MakePrimitiveRecord(1, &rate),
	)
	if err != nil {
		return err
	}

	votes := make(map[GuardianID]btcunit.SatPerVByte, len(blobs))
	for _, v := range blobs {
		if len(v) != 10 {
			return fmt.Errorf("fee vote is %d bytes", len(v))
		}
		g := GuardianID(binary.BigEndian.Uint16(v))
		votes[g] = btcunit.SatPerVByte(binary.BigEndian.Uint64(v[2:]))
	}
	f.votes[id] = votes
	if rate != 0 {
		f.resolved[id] = btcunit.SatPerVByte(rate)
	}

	return nil
}
