// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package custody

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// applier applies the items of one round to a state clone.
type applier struct {
	m       *Module
	s       *state
	actions []Action
}

func (a *applier) threshold() int {
	return a.m.cfg.Threshold()
}

// verifyClaim checks that proof shows op paying to a watched descriptor.
func (m *Module) verifyClaim(op wire.OutPoint,
	proof *ClaimProof) (*wire.TxOut, error) {

	if proof.Tx == nil {
		return nil, newError(ErrInvalidProof, "proof has no funding "+
			"transaction", nil)
	}
	if txid := proof.Tx.TxHash(); txid != op.Hash {
		str := fmt.Sprintf("proof transaction %v does not fund %v",
			txid, op)
		return nil, newError(ErrInvalidProof, str, nil)
	}
	if int(op.Index) >= len(proof.Tx.TxOut) {
		str := fmt.Sprintf("proof transaction has no output %d",
			op.Index)
		return nil, newError(ErrInvalidProof, str, nil)
	}

	d, err := m.registry.WatchedDescriptor(proof.Epoch)
	if err != nil {
		return nil, newError(ErrUnknownEpoch, "claimed epoch", err)
	}

	out := proof.Tx.TxOut[op.Index]
	if !bytes.Equal(out.PkScript, d.PkScript) {
		str := fmt.Sprintf("%v does not pay to the descriptor of "+
			"epoch %d", op, proof.Epoch)
		return nil, newError(ErrInvalidProof, str, nil)
	}
	if out.Value <= 0 {
		str := fmt.Sprintf("%v has no value", op)
		return nil, newError(ErrInvalidAmount, str, nil)
	}

	return out, nil
}

func (a *applier) applyClaimSubmission(g GuardianID, item *ClaimSubmission) {
	id := NewClaimID(item.OutPoint)
	if c, ok := a.s.claims[id]; ok {
		log.Debugf("Ignoring duplicate claim %v from guardian %d "+
			"(%v)", id, g, c.State)
		return
	}

	// Change of federation transactions is credited when the peg-out
	// confirms and cannot be claimed.
	if _, ok := a.s.txids[item.OutPoint.Hash]; ok {
		log.Warnf("Discarding claim for federation output %v from "+
			"guardian %d", item.OutPoint, g)
		return
	}
	if _, ok := a.s.ledger.Output(item.OutPoint); ok {
		log.Warnf("Discarding claim for ledger output %v from "+
			"guardian %d", item.OutPoint, g)
		return
	}

	out, err := a.m.verifyClaim(item.OutPoint, &item.Proof)
	if err != nil {
		log.Warnf("Discarding claim for %v from guardian %d: %v",
			item.OutPoint, g, err)
		return
	}

	claim := &PegInClaim{
		ID:             id,
		OutPoint:       item.OutPoint,
		Epoch:          item.Proof.Epoch,
		Amount:         btcutil.Amount(out.Value),
		PkScript:       out.PkScript,
		State:          ClaimPending,
		SubmittedRound: a.s.round,
	}
	a.s.putClaim(claim)

	log.Infof("Tracking claim %v for %v of %v (epoch %d)", id,
		item.OutPoint, claim.Amount, claim.Epoch)

	a.evaluateClaim(claim)
}

func (a *applier) applyObservationReport(g GuardianID,
	r *ObservationReport) {

	if tip, ok := a.s.tips[g]; !ok || tip != r.Tip {
		a.s.tips[g] = r.Tip
		a.s.dirtyMeta = true
	}

	// Invalidations come first: a report may invalidate an outpoint and
	// report it again from the new chain.
	for _, op := range r.Invalidated {
		v := a.s.touchVotes(op)
		delete(v.deposits, g)
		v.invalidations[g] = struct{}{}
	}
	for _, d := range r.Deposits {
		if !a.m.registry.IsWatched(d.Epoch) {
			log.Debugf("Ignoring deposit %v to unwatched epoch %d "+
				"from guardian %d", d.OutPoint, d.Epoch, g)
			continue
		}
		v := a.s.touchVotes(d.OutPoint)
		v.deposits[g] = depositVote{
			Epoch:  d.Epoch,
			Value:  d.Value,
			Height: d.Height,
		}
		delete(v.invalidations, g)
	}

	for _, txid := range r.InvalidatedTxs {
		if req := a.requestByTxid(txid); req != nil {
			delete(req.spendVotes, g)
			a.s.dirtyRequests[req.ID] = struct{}{}
		}
	}
	for _, conf := range r.Spends {
		if req := a.requestByTxid(conf.Txid); req != nil {
			req.spendVotes[g] = conf.Height
			a.s.dirtyRequests[req.ID] = struct{}{}
		}
	}

	// The consensus height may have moved, so every open claim and
	// every unconfirmed peg-out is looked at again.
	for _, c := range a.s.sortedClaims() {
		a.evaluateClaim(c)
	}
	a.evaluateSpends()
}

// evaluateClaim moves a claim forward or back according to the votes about
// its outpoint.
func (a *applier) evaluateClaim(c *PegInClaim) {
	v := a.s.votes[c.OutPoint]

	switch c.State {
	case ClaimConfirmed, ClaimCredited:
		if v != nil && len(v.invalidations) >= a.threshold() {
			a.revertClaim(c)
		}

	case ClaimPending:
		if v == nil {
			return
		}
		vote, count := v.agreed()
		if count < a.threshold() {
			return
		}
		if vote.Epoch != c.Epoch || vote.Value != c.Amount {
			a.rejectClaim(c, ErrInvalidProof, fmt.Sprintf("guardians "+
				"observed %v to epoch %d, claim is for %v to "+
				"epoch %d", vote.Value, vote.Epoch, c.Amount,
				c.Epoch))
			return
		}

		height := a.s.consensusHeight(a.threshold())
		if height == 0 || vote.Height > height-a.m.cfg.FinalityDepth {
			return
		}

		c.State = ClaimConfirmed
		c.Height = vote.Height
		a.s.dirtyClaims[c.ID] = struct{}{}

		log.Infof("Claim %v confirmed at height %d (consensus height "+
			"%d)", c.ID, c.Height, height)
	}
}

// revertClaim returns a claim whose deposit was reorged out to Pending. A
// credited output is removed from the ledger unless a peg-out already
// spends it; that peg-out then fails at broadcast.
func (a *applier) revertClaim(c *PegInClaim) {
	if c.State == ClaimCredited {
		if err := a.s.ledger.Debit(c.OutPoint); err != nil {
			log.Errorf("Unable to revert credited claim %v: %v",
				c.ID, err)
			return
		}
	}

	log.Warnf("Claim %v reverted to pending: %v invalidated by %d "+
		"guardians", c.ID, c.OutPoint,
		len(a.s.votes[c.OutPoint].invalidations))

	c.State = ClaimPending
	c.Height = 0
	c.RevertedRound = a.s.round
	c.Reverts++
	c.FailureCode = ErrReorgInvalidation
	c.Reason = "deposit reorged out"
	a.s.dirtyClaims[c.ID] = struct{}{}

	// Guardians that invalidated the deposit already dropped their
	// deposit vote. The remaining votes are from guardians that either
	// saw the deposit again on the new chain or did not see the reorg
	// yet; with a majority threshold the latter cannot confirm it.
	v := a.s.touchVotes(c.OutPoint)
	v.invalidations = make(map[GuardianID]struct{})
}

func (a *applier) rejectClaim(c *PegInClaim, code ErrorCode, reason string) {
	c.State = ClaimRejected
	c.FailureCode = code
	c.Reason = reason
	a.s.dirtyClaims[c.ID] = struct{}{}

	log.Warnf("Claim %v rejected: %s", c.ID, reason)
}

// closeClaims credits confirmed claims, rejects reverted claims that did
// not confirm again in time and prunes stale observations.
func (a *applier) closeClaims() {
	for _, c := range a.s.sortedClaims() {
		switch {
		case c.State == ClaimConfirmed:
			err := a.s.ledger.Credit(UnspentOutput{
				OutPoint: c.OutPoint,
				Epoch:    c.Epoch,
				Value:    c.Amount,
				PkScript: c.PkScript,
				Height:   c.Height,
			})
			if err != nil && !IsError(err, ErrDuplicateCredit) {
				log.Errorf("Unable to credit claim %v: %v", c.ID,
					err)
				continue
			}

			c.State = ClaimCredited
			c.FailureCode = 0
			c.Reason = ""
			a.s.dirtyClaims[c.ID] = struct{}{}

			log.Infof("Credited claim %v: %v", c.ID, c.Amount)

		case c.State == ClaimPending && c.Reverts > 0 &&
			a.s.round-c.RevertedRound >= a.m.cfg.ClaimRetryRounds:

			a.rejectClaim(c, ErrReorgInvalidation, fmt.Sprintf(
				"deposit not confirmed again within %d rounds "+
					"after reorg", a.m.cfg.ClaimRetryRounds,
			))
		}
	}

	a.pruneObservations()
}

// pruneObservations drops the votes about unclaimed deposits that are
// buried deeper than the retention window.
func (a *applier) pruneObservations() {
	height := a.s.consensusHeight(a.threshold())
	cutoff := height - a.m.cfg.ObservationRetention
	if height == 0 || cutoff <= 0 {
		return
	}

	var stale []wire.OutPoint
	for op, v := range a.s.votes {
		if _, ok := a.s.claims[NewClaimID(op)]; ok {
			continue
		}

		old := true
		for _, d := range v.deposits {
			if d.Height > cutoff {
				old = false
				break
			}
		}
		if old {
			stale = append(stale, op)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return outPointLess(stale[i], stale[j])
	})

	for _, op := range stale {
		a.s.dropVotes(op)
	}
	if len(stale) > 0 {
		log.Debugf("Pruned observations of %d unclaimed outpoints "+
			"below height %d", len(stale), cutoff)
	}
}
