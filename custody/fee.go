// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package custody

import (
	"sort"

	"github.com/fedguard/fedwallet/pkg/btcunit"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// FeeConsensus collects the fee rate votes of the guardians for pending
// peg-out requests. A request's rate is resolved once at least threshold
// guardians voted; the agreed rate is the lower median of the votes, so a
// minority of guardians can neither raise nor lower it past an honest vote.
type FeeConsensus struct {
	threshold int
	minRate   btcunit.SatPerVByte
	maxRate   btcunit.SatPerVByte

	votes    map[RequestID]map[GuardianID]btcunit.SatPerVByte
	resolved map[RequestID]btcunit.SatPerVByte

	dirty map[RequestID]struct{}
}

// NewFeeConsensus returns an empty vote tracker. Votes are clamped into
// [minRate, maxRate].
func NewFeeConsensus(threshold int, minRate,
	maxRate btcunit.SatPerVByte) *FeeConsensus {

	return &FeeConsensus{
		threshold: threshold,
		minRate:   minRate,
		maxRate:   maxRate,
		votes:     make(map[RequestID]map[GuardianID]btcunit.SatPerVByte),
		resolved:  make(map[RequestID]btcunit.SatPerVByte),
		dirty:     make(map[RequestID]struct{}),
	}
}

// Vote records the rate proposed by guardian for a request. Only the first
// vote of each guardian counts and votes for resolved requests are
// ignored. It reports whether the vote was recorded.
func (f *FeeConsensus) Vote(id RequestID, guardian GuardianID,
	rate btcunit.SatPerVByte) bool {

	if _, ok := f.resolved[id]; ok {
		return false
	}

	votes, ok := f.votes[id]
	if !ok {
		votes = make(map[GuardianID]btcunit.SatPerVByte)
		f.votes[id] = votes
	}
	if _, ok := votes[guardian]; ok {
		return false
	}

	votes[guardian] = rate.Clamp(f.minRate, f.maxRate)
	f.dirty[id] = struct{}{}

	return true
}

// Resolve returns the agreed rate of a request, computing it if enough
// votes were collected. The result is stable once resolved.
func (f *FeeConsensus) Resolve(id RequestID) fn.Option[btcunit.SatPerVByte] {
	if rate, ok := f.resolved[id]; ok {
		return fn.Some(rate)
	}

	votes := f.votes[id]
	if len(votes) < f.threshold {
		return fn.None[btcunit.SatPerVByte]()
	}

	rates := make([]btcunit.SatPerVByte, 0, len(votes))
	for _, rate := range votes {
		rates = append(rates, rate)
	}
	rate := lowerMedian(rates)

	f.resolved[id] = rate
	f.dirty[id] = struct{}{}

	log.Debugf("Resolved fee rate %v for request %v from %d votes",
		rate, id, len(votes))

	return fn.Some(rate)
}

// Resolved returns the agreed rate of a request without resolving it.
func (f *FeeConsensus) Resolved(id RequestID) fn.Option[btcunit.SatPerVByte] {
	rate, ok := f.resolved[id]
	if !ok {
		return fn.None[btcunit.SatPerVByte]()
	}
	return fn.Some(rate)
}

// HasVoted reports whether guardian voted on a request.
func (f *FeeConsensus) HasVoted(id RequestID, guardian GuardianID) bool {
	_, ok := f.votes[id][guardian]
	return ok
}

// NumVotes returns the number of guardians that voted on a request.
func (f *FeeConsensus) NumVotes(id RequestID) int {
	return len(f.votes[id])
}

// Reset forgets the votes of a request, which starts negotiation over.
func (f *FeeConsensus) Reset(id RequestID) {
	_, hasVotes := f.votes[id]
	_, hasRate := f.resolved[id]
	if !hasVotes && !hasRate {
		return
	}

	delete(f.votes, id)
	delete(f.resolved, id)
	f.dirty[id] = struct{}{}
}

func (f *FeeConsensus) clone() *FeeConsensus {
	c := NewFeeConsensus(f.threshold, f.minRate, f.maxRate)
	for id, votes := range f.votes {
		cv := make(map[GuardianID]btcunit.SatPerVByte, len(votes))
		for g, rate := range votes {
			cv[g] = rate
		}
		c.votes[id] = cv
	}
	for id, rate := range f.resolved {
		c.resolved[id] = rate
	}
	return c
}

// takeDirty returns and clears the requests whose votes changed.
func (f *FeeConsensus) takeDirty() []RequestID {
	ids := make([]RequestID, 0, len(f.dirty))
	for id := range f.dirty {
		ids = append(ids, id)
	}
	f.dirty = make(map[RequestID]struct{})
	return ids
}

// lowerMedian returns the lower median of rates. rates must not be empty.
func lowerMedian(rates []btcunit.SatPerVByte) btcunit.SatPerVByte {
	sorted := append([]btcunit.SatPerVByte(nil), rates...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})
	return sorted[(len(sorted)-1)/2]
}
