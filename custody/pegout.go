// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package custody

import (
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/fedguard/fedwallet/pkg/btcunit"
)

func newPegOutRequest(id RequestID, p *PegOutProposal,
	proposer GuardianID) *PegOutRequest {

	return &PegOutRequest{
		ID:            id,
		Amount:        p.Amount,
		Destination:   p.Destination,
		Requester:     p.Requester,
		Proposer:      proposer,
		ChangeIndex:   -1,
		broadcastOK:   make(map[GuardianID]struct{}),
		broadcastFail: make(map[GuardianID]string),
		spendVotes:    make(map[GuardianID]int32),
	}
}

// requestByTxid returns the in-flight request spending with txid.
func (a *applier) requestByTxid(txid chainhash.Hash) *PegOutRequest {
	id, ok := a.s.txids[txid]
	if !ok {
		return nil
	}
	return a.s.requests[id]
}

func (a *applier) applyPegOutProposal(g GuardianID, p *PegOutProposal) {
	id := NewRequestID(p.Requester, p.Amount, p.Destination)

	req, known := a.s.requests[id]
	if known && req.State != RequestFailed {
		log.Debugf("Ignoring proposal of request %v (%v) from "+
			"guardian %d", id, req.State, g)
		return
	}
	if !known {
		req = newPegOutRequest(id, p, g)
	}

	// A first attempt that cannot be built is rejected; a retry that
	// cannot be built stays failed with the new reason.
	finalState := RequestRejected
	if known {
		finalState = RequestFailed
	}

	err := a.m.builder.validateDestination(p.Amount, p.Destination)
	if err != nil {
		a.finishRequest(req, finalState, err)
		return
	}

	target := a.m.builder.selectionTarget(
		p.Amount, p.Destination, a.m.cfg.MaxFeeRate,
	)
	inputs, total, err := selectInputs(a.s.ledger.available(), target)
	if err != nil {
		a.finishRequest(req, finalState, err)
		return
	}

	ops := make([]wire.OutPoint, len(inputs))
	for i, in := range inputs {
		ops[i] = in.OutPoint
	}
	if _, err := a.s.ledger.Reserve(ops, id); err != nil {
		a.finishRequest(req, finalState, err)
		return
	}

	req.State = RequestProposed
	req.Attempt++
	req.ProposedRound = a.s.round
	req.FeeAgreedRound = 0
	req.Inputs = ops
	req.FeeRate = 0
	req.Fee = 0
	req.Change = 0
	req.ChangeIndex = -1
	req.UnsignedTx = nil
	req.shares = nil
	req.SignedTx = nil
	req.broadcastOK = make(map[GuardianID]struct{})
	req.broadcastFail = make(map[GuardianID]string)
	req.spendVotes = make(map[GuardianID]int32)
	req.ConfirmHeight = 0
	req.FailureCode = 0
	req.Reason = ""
	a.s.fees.Reset(id)
	a.s.putRequest(req)

	log.Infof("Request %v proposed by guardian %d (attempt %d): %v "+
		"from %d inputs worth %v", id, g, req.Attempt, req.Amount,
		len(ops), total)

	a.actions = append(a.actions, Action{
		Kind:      ActionFeeVote,
		RequestID: id,
		Attempt:   req.Attempt,
	})
}

func (a *applier) applyFeeVote(g GuardianID, v *FeeVote) {
	req, ok := a.s.requests[v.RequestID]
	if !ok {
		log.Debugf("Ignoring fee vote for unknown request %v from "+
			"guardian %d", v.RequestID, g)
		return
	}
	if req.State != RequestProposed || req.Attempt != v.Attempt {
		log.Debugf("Ignoring fee vote for request %v from guardian %d: "+
			"request is %v at attempt %d, vote is for attempt %d",
			req.ID, g, req.State, req.Attempt, v.Attempt)
		return
	}

	if !a.s.fees.Vote(req.ID, g, v.Rate) {
		log.Debugf("Ignoring repeated fee vote for request %v from "+
			"guardian %d", req.ID, g)
		return
	}

	log.Debugf("Guardian %d voted %v for request %v", g, v.Rate, req.ID)
}

// agreeFee builds the transaction of a request for the agreed rate.
func (a *applier) agreeFee(req *PegOutRequest, rate btcunit.SatPerVByte) {
	prevOuts, err := a.s.prevOutputs(req)
	if err != nil {
		a.finishRequest(req, RequestFailed, err)
		return
	}
	inputs := make([]UnspentOutput, len(req.Inputs))
	for i, op := range req.Inputs {
		inputs[i] = prevOuts[op]
	}

	built, err := a.m.builder.build(
		inputs, req.Amount, req.Destination, rate,
	)
	if err != nil {
		a.finishRequest(req, RequestFailed, err)
		return
	}

	req.State = RequestFeeAgreed
	req.FeeAgreedRound = a.s.round
	req.FeeRate = rate
	req.Fee = built.fee
	req.Change = built.change
	req.ChangeIndex = int32(built.changeIndex)
	req.UnsignedTx = built.tx
	a.s.txids[built.tx.TxHash()] = req.ID
	a.s.putRequest(req)

	log.Infof("Request %v agreed on %v: fee %v, change %v, txid %v",
		req.ID, rate, built.fee, built.change, built.tx.TxHash())

	a.actions = append(a.actions, Action{
		Kind:      ActionSign,
		RequestID: req.ID,
		Attempt:   req.Attempt,
	})
}

func (a *applier) applySignatureShare(g GuardianID, sh *SignatureShare) {
	req, ok := a.s.requests[sh.RequestID]
	if !ok || req.Attempt != sh.Attempt {
		log.Debugf("Ignoring share for unknown request %v (attempt "+
			"%d) from guardian %d", sh.RequestID, sh.Attempt, g)
		return
	}

	switch req.State {
	case RequestFeeAgreed, RequestPartiallySigned:

	case RequestSigned, RequestBroadcast, RequestConfirmed:
		log.Debugf("Ignoring late share for request %v from guardian "+
			"%d", req.ID, g)
		return

	default:
		log.Debugf("Ignoring share for request %v in state %v from "+
			"guardian %d", req.ID, req.State, g)
		return
	}

	if req.hasShare(g) {
		log.Warnf("Ignoring second share for request %v from "+
			"guardian %d", req.ID, g)
		return
	}

	prevOuts, err := a.s.prevOutputs(req)
	if err != nil {
		log.Errorf("Unable to look up inputs of request %v: %v",
			req.ID, err)
		return
	}

	sigs, err := verifyShare(
		a.m.registry, req.UnsignedTx, prevOuts, g, sh.Packet,
	)
	if err != nil {
		log.Warnf("Discarding share for request %v: %v", req.ID, err)
		return
	}

	req.shares = append(req.shares, acceptedShare{
		Guardian: g,
		Sigs:     sigs,
	})
	req.State = RequestPartiallySigned
	a.s.putRequest(req)

	log.Debugf("Accepted share %d of %d for request %v from guardian %d",
		len(req.shares), a.threshold(), req.ID, g)

	if len(req.shares) < a.threshold() {
		return
	}

	signed, err := finalizeTx(
		a.m.registry, req.UnsignedTx, prevOuts,
		req.shares[:a.threshold()],
	)
	if err != nil {
		log.Errorf("Unable to finalize request %v: %v", req.ID, err)
		return
	}

	req.SignedTx = signed
	req.State = RequestSigned

	log.Infof("Request %v signed by guardians %v", req.ID,
		newLogClosure(func() string {
			ids := make([]string, 0, len(req.shares))
			for _, s := range req.shares[:a.threshold()] {
				ids = append(ids, fmt.Sprint(s.Guardian))
			}
			return strings.Join(ids, ",")
		}))

	a.actions = append(a.actions, Action{
		Kind:      ActionBroadcast,
		RequestID: req.ID,
		Attempt:   req.Attempt,
	})
}

func (a *applier) applyCancelRequest(g GuardianID, c *CancelRequest) {
	req, ok := a.s.requests[c.RequestID]
	if !ok {
		log.Debugf("Ignoring cancellation of unknown request %v from "+
			"guardian %d", c.RequestID, g)
		return
	}
	if c.Requester != req.Requester {
		log.Warnf("Ignoring cancellation of request %v for %q from "+
			"guardian %d: requested by %q", req.ID, c.Requester, g,
			req.Requester)
		return
	}

	switch req.State {
	case RequestProposed, RequestFeeAgreed:
		a.finishRequest(req, RequestRejected, newError(
			ErrCancelled, "cancelled by requester", nil,
		))

	default:
		log.Debugf("Ignoring cancellation of request %v in state %v",
			req.ID, req.State)
	}
}

func (a *applier) applyBroadcastReport(g GuardianID, r *BroadcastReport) {
	req, ok := a.s.requests[r.RequestID]
	if !ok || req.Attempt != r.Attempt {
		log.Debugf("Ignoring broadcast report for unknown request %v "+
			"from guardian %d", r.RequestID, g)
		return
	}
	if req.State != RequestSigned && req.State != RequestBroadcast {
		log.Debugf("Ignoring broadcast report for request %v in state "+
			"%v", req.ID, req.State)
		return
	}

	if r.Accepted {
		req.broadcastOK[g] = struct{}{}
		delete(req.broadcastFail, g)
		if req.State == RequestSigned {
			req.State = RequestBroadcast
			log.Infof("Request %v broadcast by guardian %d", req.ID, g)
		}
		a.s.putRequest(req)
		return
	}

	if req.State == RequestBroadcast {
		log.Debugf("Ignoring rejection of broadcast request %v by "+
			"guardian %d: %s", req.ID, g, r.Reason)
		return
	}

	req.broadcastFail[g] = r.Reason
	a.s.putRequest(req)

	if len(req.broadcastFail) < a.threshold() {
		log.Warnf("Guardian %d failed to broadcast request %v: %s", g,
			req.ID, r.Reason)
		return
	}

	guardians := make([]int, 0, len(req.broadcastFail))
	for id := range req.broadcastFail {
		guardians = append(guardians, int(id))
	}
	sort.Ints(guardians)
	reasons := make([]string, len(guardians))
	for i, id := range guardians {
		reasons[i] = fmt.Sprintf("guardian %d: %s", id,
			req.broadcastFail[GuardianID(id)])
	}

	a.finishRequest(req, RequestFailed, newError(
		ErrBroadcastRejected, strings.Join(reasons, "; "), nil,
	))
}

// evaluateSpends confirms requests whose transaction at least threshold
// guardians saw at the same final height.
func (a *applier) evaluateSpends() {
	height := a.s.consensusHeight(a.threshold())
	if height == 0 {
		return
	}

	for _, req := range a.s.sortedRequests() {
		if req.State != RequestSigned && req.State != RequestBroadcast {
			continue
		}

		agreed := req.agreedSpendHeight(a.threshold())
		if agreed == 0 || agreed > height-a.m.cfg.FinalityDepth {
			continue
		}

		a.confirmRequest(req, agreed)
	}
}

func (a *applier) confirmRequest(req *PegOutRequest, height int32) {
	res, ok := a.s.ledger.Reservation(req.ID)
	if !ok {
		log.Errorf("Confirmed request %v holds no reservation", req.ID)
		return
	}

	spent, err := a.s.ledger.Spend(res)
	if err != nil {
		log.Errorf("Unable to spend inputs of request %v: %v", req.ID,
			err)
		return
	}

	txid := req.UnsignedTx.TxHash()
	if req.ChangeIndex >= 0 {
		out := req.UnsignedTx.TxOut[req.ChangeIndex]
		change := UnspentOutput{
			OutPoint: wire.OutPoint{
				Hash:  txid,
				Index: uint32(req.ChangeIndex),
			},
			Epoch:    a.m.registry.Active().Epoch,
			Value:    req.Change,
			PkScript: out.PkScript,
			Height:   height,
		}
		if d, ok := a.m.registry.ByPkScript(out.PkScript); ok {
			change.Epoch = d.Epoch
		}
		if err := a.s.ledger.Credit(change); err != nil {
			log.Errorf("Unable to credit change of request %v: %v",
				req.ID, err)
		}
	}

	delete(a.s.txids, txid)
	req.State = RequestConfirmed
	req.ConfirmHeight = height
	a.s.putRequest(req)

	log.Infof("Request %v confirmed at height %d: spent %v, paid %v, "+
		"fee %v, change %v", req.ID, height, spent, req.Amount, req.Fee,
		req.Change)
}

// finishRequest moves a request into a terminal state and releases its
// outputs.
func (a *applier) finishRequest(req *PegOutRequest, final RequestState,
	cause error) {

	if res, ok := a.s.ledger.Reservation(req.ID); ok {
		if err := a.s.ledger.Release(res); err != nil {
			log.Errorf("Unable to release outputs of request %v: %v",
				req.ID, err)
		}

		// A reorged deposit could not be removed while this request
		// held it.
		for _, op := range res.OutPoints {
			if c, ok := a.s.claims[NewClaimID(op)]; ok {
				a.evaluateClaim(c)
			}
		}
	}
	if txid := req.Txid(); txid != nil {
		delete(a.s.txids, *txid)
	}
	a.s.fees.Reset(req.ID)

	code, ok := errorCode(cause)
	if !ok {
		code = ErrDatabase
	}

	req.State = final
	req.FailureCode = code
	req.Reason = cause.Error()
	a.s.putRequest(req)

	log.Warnf("Request %v %v: %v", req.ID, final, cause)
}

// closeRequests resolves fees and enforces the negotiation and signing
// timeouts.
func (a *applier) closeRequests() {
	for _, req := range a.s.sortedRequests() {
		switch req.State {
		case RequestProposed:
			rate := a.s.fees.Resolve(req.ID)
			rate.WhenSome(func(r btcunit.SatPerVByte) {
				a.agreeFee(req, r)
			})
			if rate.IsSome() {
				continue
			}

			if a.s.round-req.ProposedRound >= a.m.cfg.FeeTimeoutRounds {
				a.finishRequest(req, RequestFailed, newError(
					ErrThresholdNotReached, fmt.Sprintf(
						"%d of %d fee votes after %d "+
							"rounds",
						a.s.fees.NumVotes(req.ID),
						a.threshold(),
						a.m.cfg.FeeTimeoutRounds,
					), nil,
				))
			}

		case RequestFeeAgreed, RequestPartiallySigned:
			rounds := a.s.round - req.FeeAgreedRound
			if rounds >= a.m.cfg.SigningTimeoutRounds {
				a.finishRequest(req, RequestFailed, newError(
					ErrThresholdNotReached, fmt.Sprintf(
						"%d of %d signature shares "+
							"after %d rounds",
						len(req.shares), a.threshold(),
						a.m.cfg.SigningTimeoutRounds,
					), nil,
				))
			}
		}
	}
}
