// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package custody

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/fedguard/fedwallet/chain"
	"golang.org/x/sync/errgroup"
)

// ActionKind identifies local work a round asks the guardian to do.
type ActionKind uint8

const (
	// ActionFeeVote asks for a fee estimate to vote with.
	ActionFeeVote ActionKind = iota

	// ActionSign asks for a signature share over the agreed transaction.
	ActionSign

	// ActionBroadcast asks to publish the signed transaction.
	ActionBroadcast
)

// String returns the action name.
func (k ActionKind) String() string {
	switch k {
	case ActionFeeVote:
		return "FeeVote"
	case ActionSign:
		return "Sign"
	case ActionBroadcast:
		return "Broadcast"
	default:
		return fmt.Sprintf("ActionKind(%d)", uint8(k))
	}
}

// Action is local work for one attempt of a request. Actions are not part
// of the shared state; their results re-enter it as consensus items.
type Action struct {
	Kind      ActionKind
	RequestID RequestID
	Attempt   uint32
}

// PendingActions returns the actions the local guardian still owes for the
// requests of the last processed round. It is used after a restart, when
// the actions of earlier rounds were lost.
func (m *Module) PendingActions() []Action {
	s := m.snapshot()

	var actions []Action
	for _, req := range s.sortedRequests() {
		action := Action{RequestID: req.ID, Attempt: req.Attempt}

		switch req.State {
		case RequestProposed:
			if s.fees.HasVoted(req.ID, m.cfg.Self) {
				continue
			}
			action.Kind = ActionFeeVote

		case RequestFeeAgreed, RequestPartiallySigned:
			if req.hasShare(m.cfg.Self) {
				continue
			}
			action.Kind = ActionSign

		case RequestSigned, RequestBroadcast:
			action.Kind = ActionBroadcast

		default:
			continue
		}

		actions = append(actions, action)
	}

	return actions
}

// SignRequest checks the agreed transaction of a request against the local
// reservation and signs it.
func (m *Module) SignRequest(id RequestID,
	attempt uint32) (*SignatureShare, error) {

	s := m.snapshot()
	req, ok := s.requests[id]
	if !ok {
		str := fmt.Sprintf("request %v not processed", id)
		return nil, newError(ErrUnknownRequest, str, nil)
	}
	if req.Attempt != attempt || (req.State != RequestFeeAgreed &&
		req.State != RequestPartiallySigned) {

		str := fmt.Sprintf("request %v is %v at attempt %d", id,
			req.State, req.Attempt)
		return nil, newError(ErrConsensusConflict, str, nil)
	}

	if err := m.verifyAgreedTx(s, req); err != nil {
		return nil, err
	}

	prevOuts, err := s.prevOutputs(req)
	if err != nil {
		return nil, err
	}

	packet, err := m.signer.sign(req.UnsignedTx, prevOuts)
	if err != nil {
		return nil, err
	}

	log.Debugf("Guardian %d signed request %v (txid %v)",
		m.signer.guardian, id, req.UnsignedTx.TxHash())

	return &SignatureShare{
		RequestID: id,
		Attempt:   attempt,
		Packet:    packet,
	}, nil
}

// verifyAgreedTx checks that the agreed transaction spends exactly the
// outputs reserved for the request and pays what was agreed.
func (m *Module) verifyAgreedTx(s *state, req *PegOutRequest) error {
	res, ok := s.ledger.Reservation(req.ID)
	if !ok {
		str := fmt.Sprintf("request %v holds no reservation", req.ID)
		return newError(ErrTxMismatch, str, nil)
	}

	reserved := make(map[wire.OutPoint]struct{}, len(res.OutPoints))
	for _, op := range res.OutPoints {
		reserved[op] = struct{}{}
	}
	if len(req.UnsignedTx.TxIn) != len(reserved) {
		str := fmt.Sprintf("transaction has %d inputs, %d outputs "+
			"are reserved", len(req.UnsignedTx.TxIn), len(reserved))
		return newError(ErrTxMismatch, str, nil)
	}
	for _, in := range req.UnsignedTx.TxIn {
		if _, ok := reserved[in.PreviousOutPoint]; !ok {
			str := fmt.Sprintf("transaction spends unreserved %v",
				in.PreviousOutPoint)
			return newError(ErrTxMismatch, str, nil)
		}
	}

	inputs := make([]UnspentOutput, 0, len(req.Inputs))
	for _, op := range req.Inputs {
		u, ok := s.ledger.Output(op)
		if !ok {
			return newError(ErrUnknownOutput, op.String(), nil)
		}
		inputs = append(inputs, u)
	}

	built, err := m.builder.build(
		inputs, req.Amount, req.Destination, req.FeeRate,
	)
	if err != nil {
		return err
	}
	if built.tx.TxHash() != req.UnsignedTx.TxHash() ||
		built.fee != req.Fee {

		str := fmt.Sprintf("agreed transaction %v does not match %v "+
			"built locally", req.UnsignedTx.TxHash(),
			built.tx.TxHash())
		return newError(ErrTxMismatch, str, nil)
	}

	return nil
}

// SignedTx returns the fully signed transaction of a request.
func (m *Module) SignedTx(id RequestID, attempt uint32) (*wire.MsgTx, error) {
	req, ok := m.snapshot().requests[id]
	if !ok {
		str := fmt.Sprintf("request %v not processed", id)
		return nil, newError(ErrUnknownRequest, str, nil)
	}
	if req.Attempt != attempt || req.SignedTx == nil ||
		(req.State != RequestSigned && req.State != RequestBroadcast) {

		str := fmt.Sprintf("request %v is %v at attempt %d", id,
			req.State, req.Attempt)
		return nil, newError(ErrConsensusConflict, str, nil)
	}

	return req.SignedTx.Copy(), nil
}

// TxWatcher is told about peg-out transactions to look for on chain.
type TxWatcher interface {
	WatchTx(txid chainhash.Hash)
}

// Executor performs local actions. Its results are consensus items that
// the caller proposes.
type Executor struct {
	module    *Module
	estimator chain.FeeEstimator
	publisher chain.Publisher
	watcher   TxWatcher
}

// NewExecutor returns an executor. watcher may be nil.
func NewExecutor(m *Module, estimator chain.FeeEstimator,
	publisher chain.Publisher, watcher TxWatcher) *Executor {

	return &Executor{
		module:    m,
		estimator: estimator,
		publisher: publisher,
		watcher:   watcher,
	}
}

// Execute runs actions concurrently and returns the items they produced in
// action order. Failed actions are logged and produce no item; only
// cancellation of ctx is returned as an error.
func (e *Executor) Execute(ctx context.Context,
	actions []Action) ([]Item, error) {

	results := make([]Item, len(actions))

	g, gctx := errgroup.WithContext(ctx)
	for i, action := range actions {
		g.Go(func() error {
			item, err := e.execute(gctx, action)
			switch {
			case err == nil:
				results[i] = item

			case errors.Is(err, context.Canceled),
				errors.Is(err, context.DeadlineExceeded):
				return err

			default:
				log.Errorf("Unable to run %v action for request "+
					"%v: %v", action.Kind, action.RequestID,
					err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(results))
	for _, item := range results {
		if item != nil {
			items = append(items, item)
		}
	}
	return items, nil
}

func (e *Executor) execute(ctx context.Context, action Action) (Item, error) {
	switch action.Kind {
	case ActionFeeVote:
		cfg := e.module.cfg
		rate, err := e.estimator.EstimateFeeRate(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warnf("Fee estimation failed, voting fallback %v: %v",
				cfg.FallbackFeeRate, err)
			rate = cfg.FallbackFeeRate
		}

		return &FeeVote{
			RequestID: action.RequestID,
			Attempt:   action.Attempt,
			Rate:      rate.Clamp(cfg.MinFeeRate, cfg.MaxFeeRate),
		}, nil

	case ActionSign:
		return e.module.SignRequest(action.RequestID, action.Attempt)

	case ActionBroadcast:
		return e.broadcast(ctx, action)

	default:
		return nil, fmt.Errorf("unknown action %v", action.Kind)
	}
}

// broadcast publishes a signed transaction. Transient failures produce no
// report; the action is retried with the pending actions.
func (e *Executor) broadcast(ctx context.Context,
	action Action) (Item, error) {

	tx, err := e.module.SignedTx(action.RequestID, action.Attempt)
	if err != nil {
		return nil, err
	}
	txid := tx.TxHash()

	if e.watcher != nil {
		e.watcher.WatchTx(txid)
	}

	report := &BroadcastReport{
		RequestID: action.RequestID,
		Attempt:   action.Attempt,
	}

	err = e.publisher.Broadcast(ctx, tx)
	switch {
	case err == nil, errors.Is(err, chain.ErrTxAlreadyKnown):
		report.Accepted = true
		log.Infof("Published peg-out %v for request %v", txid,
			action.RequestID)

	case chain.IsPermanent(err):
		report.Reason = err.Error()
		log.Warnf("Peg-out %v for request %v rejected: %v", txid,
			action.RequestID, err)

	default:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warnf("Unable to publish peg-out %v, will retry: %v", txid,
			err)
		return nil, nil
	}

	return report, nil
}
