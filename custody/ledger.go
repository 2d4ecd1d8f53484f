// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package custody

import (
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// Reservation is the handle of a set of outputs held by one request.
type Reservation struct {
	RequestID RequestID
	OutPoints []wire.OutPoint
}

// Ledger tracks the federation controlled outputs. Reserve is a
// compare-and-set over all requested outputs, so concurrent reservations
// of overlapping outputs cannot both succeed.
//
// The ledger keeps running totals of everything ever credited and spent;
// Audit checks that the outputs held add up to their difference.
type Ledger struct {
	mu sync.Mutex

	utxos        map[wire.OutPoint]*UnspentOutput
	reservations map[RequestID][]wire.OutPoint

	credited btcutil.Amount
	spent    btcutil.Amount

	// dirty holds the outpoints changed since the last takeDirty.
	dirty       map[wire.OutPoint]struct{}
	dirtyTotals bool
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		utxos:        make(map[wire.OutPoint]*UnspentOutput),
		reservations: make(map[RequestID][]wire.OutPoint),
		dirty:        make(map[wire.OutPoint]struct{}),
	}
}

func (l *Ledger) markDirty(op wire.OutPoint) {
	l.dirty[op] = struct{}{}
	l.dirtyTotals = true
}

// Credit adds an output to the ledger.
func (l *Ledger) Credit(u UnspentOutput) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if u.Value <= 0 {
		str := fmt.Sprintf("cannot credit %v with value %v", u.OutPoint,
			u.Value)
		return newError(ErrInvalidAmount, str, nil)
	}
	if _, ok := l.utxos[u.OutPoint]; ok {
		str := fmt.Sprintf("outpoint %v already credited", u.OutPoint)
		return newError(ErrDuplicateCredit, str, nil)
	}

	u.Reserved = false
	u.ReservedBy = RequestID{}
	l.utxos[u.OutPoint] = &u
	l.credited += u.Value
	l.markDirty(u.OutPoint)

	log.Debugf("Credited %v to ledger (%v, epoch %d)", u.Value,
		u.OutPoint, u.Epoch)

	return nil
}

// Debit removes an unreserved output whose credit was invalidated, undoing
// the credit.
func (l *Ledger) Debit(op wire.OutPoint) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, ok := l.utxos[op]
	if !ok {
		str := fmt.Sprintf("outpoint %v not in ledger", op)
		return newError(ErrUnknownOutput, str, nil)
	}
	if u.Reserved {
		str := fmt.Sprintf("outpoint %v is reserved by request %v", op,
			u.ReservedBy)
		return newError(ErrAlreadyReserved, str, nil)
	}

	delete(l.utxos, op)
	l.credited -= u.Value
	l.markDirty(op)

	return nil
}

// Reserve marks the given outputs as held by requestID. Either all of them
// are reserved or none is.
func (l *Ledger) Reserve(ops []wire.OutPoint,
	requestID RequestID) (*Reservation, error) {

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(ops) == 0 {
		return nil, newError(ErrInvalidAmount, "empty reservation", nil)
	}
	if _, ok := l.reservations[requestID]; ok {
		str := fmt.Sprintf("request %v already holds a reservation",
			requestID)
		return nil, newError(ErrAlreadyReserved, str, nil)
	}

	seen := make(map[wire.OutPoint]struct{}, len(ops))
	for _, op := range ops {
		u, ok := l.utxos[op]
		if !ok {
			str := fmt.Sprintf("outpoint %v not in ledger", op)
			return nil, newError(ErrUnknownOutput, str, nil)
		}
		if u.Reserved {
			str := fmt.Sprintf("outpoint %v already reserved by "+
				"request %v", op, u.ReservedBy)
			return nil, newError(ErrAlreadyReserved, str, nil)
		}
		if _, ok := seen[op]; ok {
			str := fmt.Sprintf("outpoint %v requested twice", op)
			return nil, newError(ErrAlreadyReserved, str, nil)
		}
		seen[op] = struct{}{}
	}

	held := append([]wire.OutPoint(nil), ops...)
	for _, op := range held {
		u := l.utxos[op]
		u.Reserved = true
		u.ReservedBy = requestID
		l.markDirty(op)
	}
	l.reservations[requestID] = held

	return &Reservation{
		RequestID: requestID,
		OutPoints: append([]wire.OutPoint(nil), held...),
	}, nil
}

// Reservation returns the reservation held by requestID.
func (l *Ledger) Reservation(requestID RequestID) (*Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ops, ok := l.reservations[requestID]
	if !ok {
		return nil, false
	}
	return &Reservation{
		RequestID: requestID,
		OutPoints: append([]wire.OutPoint(nil), ops...),
	}, true
}

// Release returns the outputs of a reservation to the available set. A
// reservation can only be released once.
func (l *Ledger) Release(res *Reservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ops, ok := l.reservations[res.RequestID]
	if !ok {
		str := fmt.Sprintf("no reservation for request %v",
			res.RequestID)
		return newError(ErrReservationNotFound, str, nil)
	}

	for _, op := range ops {
		if u, ok := l.utxos[op]; ok {
			u.Reserved = false
			u.ReservedBy = RequestID{}
			l.markDirty(op)
		}
	}
	delete(l.reservations, res.RequestID)

	return nil
}

// Spend permanently removes the outputs of a reservation. It returns the
// total value spent.
func (l *Ledger) Spend(res *Reservation) (btcutil.Amount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ops, ok := l.reservations[res.RequestID]
	if !ok {
		str := fmt.Sprintf("no reservation for request %v",
			res.RequestID)
		return 0, newError(ErrReservationNotFound, str, nil)
	}

	var total btcutil.Amount
	for _, op := range ops {
		u, ok := l.utxos[op]
		if !ok {
			continue
		}
		total += u.Value
		delete(l.utxos, op)
		l.markDirty(op)
	}
	l.spent += total
	delete(l.reservations, res.RequestID)

	return total, nil
}

// Output returns a copy of the output at op.
func (l *Ledger) Output(op wire.OutPoint) (UnspentOutput, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, ok := l.utxos[op]
	if !ok {
		return UnspentOutput{}, false
	}
	return *u, true
}

// Balance returns the current totals.
func (l *Ledger) Balance() Balance {
	l.mu.Lock()
	defer l.mu.Unlock()

	var b Balance
	for _, u := range l.utxos {
		b.Total += u.Value
		if u.Reserved {
			b.Reserved += u.Value
		} else {
			b.Available += u.Value
		}
	}
	b.Outputs = len(l.utxos)

	return b
}

// Audit verifies that the outputs held equal everything credited minus
// everything spent.
func (l *Ledger) Audit() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var total btcutil.Amount
	for _, u := range l.utxos {
		total += u.Value
	}

	if total != l.credited-l.spent {
		str := fmt.Sprintf("ledger holds %v but credits minus spends "+
			"is %v - %v = %v", total, l.credited, l.spent,
			l.credited-l.spent)
		return newError(ErrAuditFailed, str, nil)
	}

	return nil
}

// Totals returns everything ever credited and spent.
func (l *Ledger) Totals() (credited, spent btcutil.Amount) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.credited, l.spent
}

// Snapshot returns copies of all outputs in canonical order.
func (l *Ledger) Snapshot() []UnspentOutput {
	l.mu.Lock()
	defer l.mu.Unlock()

	outputs := make([]UnspentOutput, 0, len(l.utxos))
	for _, u := range l.utxos {
		outputs = append(outputs, *u)
	}
	sort.Sort(byOutPoint(outputs))

	return outputs
}

// available returns the unreserved outputs in selection order.
func (l *Ledger) available() []UnspentOutput {
	l.mu.Lock()
	defer l.mu.Unlock()

	outputs := make([]UnspentOutput, 0, len(l.utxos))
	for _, u := range l.utxos {
		if !u.Reserved {
			outputs = append(outputs, *u)
		}
	}
	sort.Sort(byValueDesc(outputs))

	return outputs
}

// clone returns a deep copy with no dirty records.
func (l *Ledger) clone() *Ledger {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := NewLedger()
	for op, u := range l.utxos {
		cu := *u
		c.utxos[op] = &cu
	}
	for id, ops := range l.reservations {
		c.reservations[id] = append([]wire.OutPoint(nil), ops...)
	}
	c.credited = l.credited
	c.spent = l.spent

	return c
}

// takeDirty returns and clears the outpoints changed since the last call,
// and whether the totals changed.
func (l *Ledger) takeDirty() ([]wire.OutPoint, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ops := make([]wire.OutPoint, 0, len(l.dirty))
	for op := range l.dirty {
		ops = append(ops, op)
	}
	totals := l.dirtyTotals

	l.dirty = make(map[wire.OutPoint]struct{})
	l.dirtyTotals = false

	return ops, totals
}

// restore loads an output read from the database, rebuilding the
// reservation index.
func (l *Ledger) restore(u UnspentOutput) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.utxos[u.OutPoint] = &u
	if u.Reserved {
		l.reservations[u.ReservedBy] = append(
			l.reservations[u.ReservedBy], u.OutPoint,
		)
	}
}

// restoreTotals sets the running totals read from the database.
func (l *Ledger) restoreTotals(credited, spent btcutil.Amount) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.credited = credited
	l.spent = spent
}
