// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package custody

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/fedguard/fedwallet/descriptor"
)

// Module is the custody state machine of one guardian. All changes are
// driven by ProcessBatch; the caller API only validates requests and
// queues them as proposals for the consensus stream. Queries are served
// from the last committed state and never block on batch processing.
type Module struct {
	cfg      *Config
	db       walletdb.DB
	registry *descriptor.Registry
	builder  *txBuilder
	signer   *signer

	// processMu serializes ProcessBatch.
	processMu sync.Mutex

	current atomic.Pointer[state]
}

// New opens the custody module stored in db, creating it on first use.
// It fails with ErrFatalConfig if cfg is invalid or the database belongs
// to a different federation.
func New(cfg *Config, db walletdb.DB) (*Module, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	registry, err := descriptor.NewRegistry(
		cfg.Federation, cfg.Salt, cfg.ActiveEpoch, cfg.GraceEpochs,
	)
	if err != nil {
		return nil, newError(ErrFatalConfig, "unable to derive "+
			"descriptors", err)
	}

	m := &Module{
		cfg:      cfg,
		db:       db,
		registry: registry,
		builder: &txBuilder{
			registry: registry,
			relayFee: cfg.RelayFeePerKb,
		},
		signer: &signer{
			registry: registry,
			guardian: cfg.Self,
			share:    cfg.SecretShare,
		},
	}

	var s *state
	err = walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		ns, err := createBuckets(tx)
		if err != nil {
			return err
		}
		if err := checkFederation(ns, cfg, registry); err != nil {
			return err
		}

		s, err = loadState(ns, m.newFeeConsensus())
		return err
	})
	if err != nil {
		if _, ok := errorCode(err); ok {
			return nil, err
		}
		return nil, newError(ErrDatabase, "unable to open custody "+
			"state", err)
	}
	m.current.Store(s)

	log.Infof("Guardian %d of %d-of-%d federation %x opened at round "+
		"%d with %d outputs", cfg.Self, cfg.Federation.Threshold,
		cfg.Federation.N(), cfg.Federation.Fingerprint(), s.round,
		s.ledger.Balance().Outputs)

	return m, nil
}

func (m *Module) newFeeConsensus() *FeeConsensus {
	return NewFeeConsensus(
		m.cfg.Threshold(), m.cfg.MinFeeRate, m.cfg.MaxFeeRate,
	)
}

func (m *Module) snapshot() *state {
	return m.current.Load()
}

// Config returns the module configuration.
func (m *Module) Config() *Config {
	return m.cfg
}

// Registry returns the descriptor registry of the federation.
func (m *Module) Registry() *descriptor.Registry {
	return m.registry
}

// DepositDescriptor returns the descriptor deposits should be sent to.
func (m *Module) DepositDescriptor() *descriptor.Descriptor {
	return m.registry.Active()
}

// DepositAddress returns the address of the active descriptor.
func (m *Module) DepositAddress() (*btcutil.AddressWitnessScriptHash,
	error) {

	return m.registry.Active().Address(m.cfg.ChainParams)
}

// Round returns the last processed round.
func (m *Module) Round() uint64 {
	return m.snapshot().round
}

// ConsensusHeight returns the highest block height reached by at least
// threshold guardians.
func (m *Module) ConsensusHeight() int32 {
	return m.snapshot().consensusHeight(m.cfg.Threshold())
}

// Balance returns the ledger totals.
func (m *Module) Balance() Balance {
	return m.snapshot().ledger.Balance()
}

// Outputs returns the federation outputs in outpoint order.
func (m *Module) Outputs() []UnspentOutput {
	return m.snapshot().ledger.Snapshot()
}

// SigningTxids returns the transactions of the signed requests that are
// not confirmed yet.
func (m *Module) SigningTxids() []chainhash.Hash {
	var txids []chainhash.Hash
	for _, req := range m.snapshot().sortedRequests() {
		if req.State == RequestSigned || req.State == RequestBroadcast {
			txids = append(txids, *req.Txid())
		}
	}
	return txids
}

// Audit verifies the ledger totals.
func (m *Module) Audit() error {
	return m.snapshot().ledger.Audit()
}

// SubmitClaim validates a deposit proof and queues the claim. Claiming an
// already known outpoint returns its id.
func (m *Module) SubmitClaim(op wire.OutPoint,
	proof ClaimProof) (ClaimID, error) {

	id := NewClaimID(op)
	if _, ok := m.snapshot().claims[id]; ok {
		return id, nil
	}

	if _, err := m.verifyClaim(op, &proof); err != nil {
		return id, err
	}

	err := m.Propose(&ClaimSubmission{OutPoint: op, Proof: proof})
	if err != nil {
		return id, err
	}

	log.Infof("Submitted claim %v for %v", id, op)

	return id, nil
}

// ClaimStatus returns a copy of a processed claim.
func (m *Module) ClaimStatus(id ClaimID) (*PegInClaim, error) {
	c, ok := m.snapshot().claims[id]
	if !ok {
		str := fmt.Sprintf("claim %v not processed", id)
		return nil, newError(ErrUnknownClaim, str, nil)
	}
	claim := *c
	return &claim, nil
}

// RequestPegOut validates a withdrawal against the local ledger and queues
// it. Resubmitting a request that is not failed returns its id; a failed
// request is tried again.
func (m *Module) RequestPegOut(amount btcutil.Amount, destination []byte,
	requester string) (RequestID, error) {

	id := NewRequestID(requester, amount, destination)

	s := m.snapshot()
	if req, ok := s.requests[id]; ok && req.State != RequestFailed {
		return id, nil
	}

	if err := m.builder.validateDestination(amount, destination); err != nil {
		return id, err
	}

	target := m.builder.selectionTarget(
		amount, destination, m.cfg.MaxFeeRate,
	)
	if _, _, err := selectInputs(s.ledger.available(), target); err != nil {
		return id, err
	}

	err := m.Propose(&PegOutProposal{
		Amount:      amount,
		Destination: destination,
		Requester:   requester,
	})
	if err != nil {
		return id, err
	}

	log.Infof("Submitted peg-out %v of %v", id, amount)

	return id, nil
}

// RequestStatus returns the state of a processed request.
func (m *Module) RequestStatus(id RequestID) (*RequestStatus, error) {
	s := m.snapshot()
	req, ok := s.requests[id]
	if !ok {
		str := fmt.Sprintf("request %v not processed", id)
		return nil, newError(ErrUnknownRequest, str, nil)
	}

	status := &RequestStatus{
		State:       req.State,
		Amount:      req.Amount,
		Fee:         req.Fee,
		FeeRate:     req.FeeRate,
		Txid:        req.Txid(),
		Attempt:     req.Attempt,
		FailureCode: req.FailureCode,
		Reason:      req.Reason,
	}

	// Before confirmation the height agreed so far shows the progress
	// towards finality.
	var mined int32
	switch req.State {
	case RequestSigned, RequestBroadcast:
		mined = req.agreedSpendHeight(m.cfg.Threshold())
	case RequestConfirmed:
		mined = req.ConfirmHeight
	}
	height := s.consensusHeight(m.cfg.Threshold())
	if mined > 0 && height >= mined {
		status.Confirmations = height - mined + 1
	}

	return status, nil
}

// CancelPegOut queues the cancellation of a request that is not being
// signed yet. requester must be the one the request was made for.
func (m *Module) CancelPegOut(id RequestID, requester string) error {
	req, ok := m.snapshot().requests[id]
	if !ok {
		str := fmt.Sprintf("request %v not processed", id)
		return newError(ErrUnknownRequest, str, nil)
	}
	if req.Requester != requester {
		str := fmt.Sprintf("request %v was not made by %q", id,
			requester)
		return newError(ErrNotCancellable, str, nil)
	}
	if req.State != RequestProposed && req.State != RequestFeeAgreed {
		str := fmt.Sprintf("request %v is %v", id, req.State)
		return newError(ErrNotCancellable, str, nil)
	}

	return m.Propose(&CancelRequest{RequestID: id, Requester: requester})
}

// Propose queues an item for submission to the consensus stream. It stays
// queued until a batch containing it from this guardian is processed.
func (m *Module) Propose(item Item) error {
	payload, err := EncodeItem(item)
	if err != nil {
		return err
	}

	err = walletdb.Update(m.db, func(tx walletdb.ReadWriteTx) error {
		return putProposal(tx.ReadWriteBucket(namespaceKey), payload)
	})
	if err != nil {
		return newError(ErrDatabase, "unable to queue proposal", err)
	}

	log.Tracef("Queued %v proposal", item.Type())

	return nil
}

// PendingProposals returns the queued proposals in submission order.
func (m *Module) PendingProposals() ([][]byte, error) {
	var proposals [][]byte
	err := walletdb.View(m.db, func(tx walletdb.ReadTx) error {
		var err error
		proposals, err = fetchProposals(tx.ReadBucket(namespaceKey))
		return err
	})
	return proposals, err
}

// ProcessBatch applies the contributions of one round in order, closes the
// round and commits the result atomically. It returns the local actions
// the round triggered. Rounds at or below the last processed one are
// skipped, so replaying a batch has no effect.
func (m *Module) ProcessBatch(batch *Batch) ([]Action, error) {
	m.processMu.Lock()
	defer m.processMu.Unlock()

	cur := m.snapshot()
	if batch.Round <= cur.round {
		log.Debugf("Skipping round %d, already at round %d",
			batch.Round, cur.round)
		return nil, nil
	}

	next := cur.clone()
	next.round = batch.Round
	next.dirtyMeta = true

	a := &applier{m: m, s: next}
	err := walletdb.Update(m.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(namespaceKey)
		for _, c := range batch.Contributions {
			if c.Guardian == m.cfg.Self {
				if err := deleteProposal(ns, c.Payload); err != nil {
					return err
				}
			}
			a.apply(c.Guardian, c.Payload)
		}
		a.closeRound()

		return next.flush(ns)
	})
	if err != nil {
		if _, ok := errorCode(err); ok {
			return nil, err
		}
		str := fmt.Sprintf("unable to commit round %d", batch.Round)
		return nil, newError(ErrDatabase, str, err)
	}
	m.current.Store(next)

	log.Debugf("Processed round %d: %d items, %d actions", batch.Round,
		len(batch.Contributions), len(a.actions))

	return a.actions, nil
}

// apply decodes and applies one contribution. Items that cannot be
// decoded are discarded.
func (a *applier) apply(g GuardianID, payload []byte) {
	if int(g) >= a.m.cfg.Federation.N() {
		log.Warnf("Discarding item from unknown guardian %d", g)
		return
	}

	item, err := DecodeItem(payload)
	if err != nil {
		log.Warnf("Discarding item from guardian %d: %v", g, err)
		return
	}

	log.Tracef("Round %d: applying %v from guardian %d", a.s.round,
		item.Type(), g)

	switch it := item.(type) {
	case *ClaimSubmission:
		a.applyClaimSubmission(g, it)
	case *ObservationReport:
		a.applyObservationReport(g, it)
	case *PegOutProposal:
		a.applyPegOutProposal(g, it)
	case *FeeVote:
		a.applyFeeVote(g, it)
	case *SignatureShare:
		a.applySignatureShare(g, it)
	case *CancelRequest:
		a.applyCancelRequest(g, it)
	case *BroadcastReport:
		a.applyBroadcastReport(g, it)
	}
}

// closeRound runs the end of round transitions.
func (a *applier) closeRound() {
	a.closeClaims()
	a.closeRequests()

	if err := a.s.ledger.Audit(); err != nil {
		log.Criticalf("Round %d: %v", a.s.round, err)
	}
}
