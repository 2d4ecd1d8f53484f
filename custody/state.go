// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package custody

import (
	"bytes"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/fedguard/fedwallet/descriptor"
)

// depositVote is one guardian's view of a deposit.
type depositVote struct {
	Epoch  descriptor.Epoch
	Value  btcutil.Amount
	Height int32
}

// outPointVotes collects the guardians' reports about one outpoint.
type outPointVotes struct {
	deposits      map[GuardianID]depositVote
	invalidations map[GuardianID]struct{}
}

func newOutPointVotes() *outPointVotes {
	return &outPointVotes{
		deposits:      make(map[GuardianID]depositVote),
		invalidations: make(map[GuardianID]struct{}),
	}
}

// agreed returns the deposit reported by the most guardians and their
// count. Ties go to the lower height.
func (v *outPointVotes) agreed() (depositVote, int) {
	counts := make(map[depositVote]int, len(v.deposits))
	for _, d := range v.deposits {
		counts[d]++
	}

	var (
		best  depositVote
		count int
	)
	for d, n := range counts {
		switch {
		case n > count:
		case n == count && d.Height < best.Height:
		case n == count && d.Height == best.Height &&
			(d.Value < best.Value ||
				d.Value == best.Value && d.Epoch < best.Epoch):
		default:
			continue
		}
		best, count = d, n
	}

	return best, count
}

func (v *outPointVotes) clone() *outPointVotes {
	c := newOutPointVotes()
	for g, d := range v.deposits {
		c.deposits[g] = d
	}
	for g := range v.invalidations {
		c.invalidations[g] = struct{}{}
	}
	return c
}

// state is the federation state every guardian derives from the consensus
// stream. The processing path mutates a clone and publishes it once the
// changes are committed; published states are never modified.
type state struct {
	round uint64
	tips  map[GuardianID]int32

	claims   map[ClaimID]*PegInClaim
	votes    map[wire.OutPoint]*outPointVotes
	requests map[RequestID]*PegOutRequest

	// txids maps the transaction of every in-flight request with an
	// agreed fee to the request.
	txids map[chainhash.Hash]RequestID

	ledger *Ledger
	fees   *FeeConsensus

	dirtyMeta     bool
	dirtyClaims   map[ClaimID]struct{}
	dirtyVotes    map[wire.OutPoint]struct{}
	dirtyRequests map[RequestID]struct{}
}

func newState(fees *FeeConsensus) *state {
	return &state{
		tips:          make(map[GuardianID]int32),
		claims:        make(map[ClaimID]*PegInClaim),
		votes:         make(map[wire.OutPoint]*outPointVotes),
		requests:      make(map[RequestID]*PegOutRequest),
		txids:         make(map[chainhash.Hash]RequestID),
		ledger:        NewLedger(),
		fees:          fees,
		dirtyClaims:   make(map[ClaimID]struct{}),
		dirtyVotes:    make(map[wire.OutPoint]struct{}),
		dirtyRequests: make(map[RequestID]struct{}),
	}
}

// clone returns a deep copy of s without dirty records. Transactions are
// shared; they are never modified once stored.
func (s *state) clone() *state {
	c := newState(s.fees.clone())
	c.round = s.round
	c.ledger = s.ledger.clone()

	for g, tip := range s.tips {
		c.tips[g] = tip
	}
	for id, claim := range s.claims {
		cc := *claim
		c.claims[id] = &cc
	}
	for op, v := range s.votes {
		c.votes[op] = v.clone()
	}
	for id, req := range s.requests {
		c.requests[id] = req.clone()
	}
	for txid, id := range s.txids {
		c.txids[txid] = id
	}

	return c
}

func (r *PegOutRequest) clone() *PegOutRequest {
	c := *r
	c.Inputs = append([]wire.OutPoint(nil), r.Inputs...)
	c.shares = append([]acceptedShare(nil), r.shares...)

	c.broadcastOK = make(map[GuardianID]struct{}, len(r.broadcastOK))
	for g := range r.broadcastOK {
		c.broadcastOK[g] = struct{}{}
	}
	c.broadcastFail = make(map[GuardianID]string, len(r.broadcastFail))
	for g, reason := range r.broadcastFail {
		c.broadcastFail[g] = reason
	}
	c.spendVotes = make(map[GuardianID]int32, len(r.spendVotes))
	for g, h := range r.spendVotes {
		c.spendVotes[g] = h
	}

	return &c
}

// consensusHeight returns the highest height reached by at least threshold
// guardians, or zero.
func (s *state) consensusHeight(threshold int) int32 {
	if len(s.tips) < threshold || threshold < 1 {
		return 0
	}

	heights := make([]int32, 0, len(s.tips))
	for _, tip := range s.tips {
		heights = append(heights, tip)
	}
	sort.Slice(heights, func(i, j int) bool {
		return heights[i] > heights[j]
	})

	return heights[threshold-1]
}

func (s *state) putClaim(c *PegInClaim) {
	s.claims[c.ID] = c
	s.dirtyClaims[c.ID] = struct{}{}
}

func (s *state) touchVotes(op wire.OutPoint) *outPointVotes {
	v, ok := s.votes[op]
	if !ok {
		v = newOutPointVotes()
		s.votes[op] = v
	}
	s.dirtyVotes[op] = struct{}{}
	return v
}

func (s *state) dropVotes(op wire.OutPoint) {
	delete(s.votes, op)
	s.dirtyVotes[op] = struct{}{}
}

func (s *state) putRequest(r *PegOutRequest) {
	s.requests[r.ID] = r
	s.dirtyRequests[r.ID] = struct{}{}
}

// sortedClaims returns the claims in id order.
func (s *state) sortedClaims() []*PegInClaim {
	claims := make([]*PegInClaim, 0, len(s.claims))
	for _, c := range s.claims {
		claims = append(claims, c)
	}
	sort.Slice(claims, func(i, j int) bool {
		return lessHash(claims[i].ID[:], claims[j].ID[:])
	})
	return claims
}

// sortedRequests returns the requests in id order.
func (s *state) sortedRequests() []*PegOutRequest {
	reqs := make([]*PegOutRequest, 0, len(s.requests))
	for _, r := range s.requests {
		reqs = append(reqs, r)
	}
	sort.Slice(reqs, func(i, j int) bool {
		return lessHash(reqs[i].ID[:], reqs[j].ID[:])
	})
	return reqs
}

// prevOutputs returns the ledger outputs spent by req. They must all be
// reserved by req.
func (s *state) prevOutputs(req *PegOutRequest) (prevOutputs, error) {
	prevOuts := make(prevOutputs, len(req.Inputs))
	for _, op := range req.Inputs {
		u, ok := s.ledger.Output(op)
		if !ok {
			return nil, newError(ErrUnknownOutput, op.String(), nil)
		}
		if !u.Reserved || u.ReservedBy != req.ID {
			return nil, newError(ErrTxMismatch, "input "+op.String()+
				" is not reserved by request "+req.ID.String(),
				nil)
		}
		prevOuts[op] = u
	}
	return prevOuts, nil
}

func lessHash(a, b []byte) bool {
	return bytes.Compare(a, b) < 0
}
