// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package custody

import (
	"context"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
)

// Contribution is one item a guardian contributed to a round.
type Contribution struct {
	Guardian GuardianID
	Payload  []byte
}

// Batch is the agreed, ordered output of one consensus round. Every honest
// guardian receives the same batches in the same order. Rounds start at 1.
type Batch struct {
	Round         uint64
	Contributions []Contribution
}

// Stream is the ordered consensus transport.
type Stream interface {
	// Submit offers an item for inclusion in a future round.
	Submit(ctx context.Context, payload []byte) error

	// NextBatch blocks until the next round is agreed.
	NextBatch(ctx context.Context) (*Batch, error)
}

// LocalHub is an in-process Stream for guardians sharing one process. All
// submissions since the previous round are sealed into the next batch in
// submission order and delivered to every member.
type LocalHub struct {
	mu      sync.Mutex
	round   uint64
	pending []Contribution
	members []*hubMember
}

type hubMember struct {
	id      GuardianID
	hub     *LocalHub
	batches []*Batch
	notify  chan struct{}
}

// NewLocalHub returns an empty hub.
func NewLocalHub() *LocalHub {
	return &LocalHub{}
}

// Join returns the stream of guardian id. It receives every batch sealed
// after it joined.
func (h *LocalHub) Join(id GuardianID) Stream {
	h.mu.Lock()
	defer h.mu.Unlock()

	m := &hubMember{
		id:     id,
		hub:    h,
		notify: make(chan struct{}, 1),
	}
	h.members = append(h.members, m)

	return m
}

// Seal closes the current round and delivers its batch to all members.
func (h *LocalHub) Seal() *Batch {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.round++
	batch := &Batch{
		Round:         h.round,
		Contributions: h.pending,
	}
	h.pending = nil

	for _, m := range h.members {
		m.batches = append(m.batches, batch)
		select {
		case m.notify <- struct{}{}:
		default:
		}
	}

	return batch
}

// Run seals a round on every tick until ctx is done.
func (h *LocalHub) Run(ctx context.Context, t ticker.Ticker) {
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-t.Ticks():
			h.Seal()

		case <-ctx.Done():
			return
		}
	}
}

// Submit queues payload for the next round.
func (m *hubMember) Submit(_ context.Context, payload []byte) error {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()

	m.hub.pending = append(m.hub.pending, Contribution{
		Guardian: m.id,
		Payload:  append([]byte(nil), payload...),
	})
	return nil
}

// NextBatch returns the oldest batch not yet returned to this member.
func (m *hubMember) NextBatch(ctx context.Context) (*Batch, error) {
	for {
		m.hub.mu.Lock()
		if len(m.batches) > 0 {
			batch := m.batches[0]
			m.batches = m.batches[1:]
			m.hub.mu.Unlock()
			return batch, nil
		}
		m.hub.mu.Unlock()

		select {
		case <-m.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// DefaultRoundInterval is the interval between rounds of a LocalHub run
// by a daemon.
const DefaultRoundInterval = 2 * time.Second
