// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package custody

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func testOutPoint(b byte, index uint32) wire.OutPoint {
	return wire.OutPoint{Hash: chainhash.Hash{b}, Index: index}
}

func testUtxo(b byte, value btcutil.Amount) UnspentOutput {
	return UnspentOutput{
		OutPoint: testOutPoint(b, 0),
		Epoch:    testEpoch,
		Value:    value,
		PkScript: testDestination,
		Height:   100,
	}
}

func TestLedgerOperations(t *testing.T) {
	t.Parallel()

	l := NewLedger()
	require.NoError(t, l.Credit(testUtxo(1, 1000)))
	require.NoError(t, l.Credit(testUtxo(2, 2000)))
	require.NoError(t, l.Credit(testUtxo(3, 3000)))

	err := l.Credit(testUtxo(1, 1000))
	require.True(t, IsError(err, ErrDuplicateCredit))
	err = l.Credit(testUtxo(4, 0))
	require.True(t, IsError(err, ErrInvalidAmount))

	require.Equal(t, Balance{Total: 6000, Available: 6000, Outputs: 3},
		l.Balance())

	reqA := RequestID{0xa}
	res, err := l.Reserve(
		[]wire.OutPoint{testOutPoint(1, 0), testOutPoint(3, 0)}, reqA,
	)
	require.NoError(t, err)
	require.Equal(t, reqA, res.RequestID)
	require.Equal(t, Balance{Total: 6000, Available: 2000,
		Reserved: 4000, Outputs: 3}, l.Balance())

	u, ok := l.Output(testOutPoint(3, 0))
	require.True(t, ok)
	require.True(t, u.Reserved)
	require.Equal(t, reqA, u.ReservedBy)

	// Overlapping reservations fail as a whole.
	reqB := RequestID{0xb}
	_, err = l.Reserve(
		[]wire.OutPoint{testOutPoint(2, 0), testOutPoint(3, 0)}, reqB,
	)
	require.True(t, IsError(err, ErrAlreadyReserved))
	u, _ = l.Output(testOutPoint(2, 0))
	require.False(t, u.Reserved)

	_, err = l.Reserve([]wire.OutPoint{testOutPoint(9, 0)}, reqB)
	require.True(t, IsError(err, ErrUnknownOutput))
	_, err = l.Reserve(
		[]wire.OutPoint{testOutPoint(2, 0), testOutPoint(2, 0)}, reqB,
	)
	require.True(t, IsError(err, ErrAlreadyReserved))
	_, err = l.Reserve([]wire.OutPoint{testOutPoint(2, 0)}, reqA)
	require.True(t, IsError(err, ErrAlreadyReserved))

	// Reserved outputs cannot be debited.
	err = l.Debit(testOutPoint(1, 0))
	require.True(t, IsError(err, ErrAlreadyReserved))

	got, ok := l.Reservation(reqA)
	require.True(t, ok)
	require.Equal(t, res, got)

	require.NoError(t, l.Release(res))
	err = l.Release(res)
	require.True(t, IsError(err, ErrReservationNotFound))
	require.Equal(t, btcutil.Amount(6000), l.Balance().Available)

	res, err = l.Reserve([]wire.OutPoint{testOutPoint(3, 0)}, reqB)
	require.NoError(t, err)
	spent, err := l.Spend(res)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(3000), spent)
	_, err = l.Spend(res)
	require.True(t, IsError(err, ErrReservationNotFound))

	require.NoError(t, l.Debit(testOutPoint(1, 0)))
	err = l.Debit(testOutPoint(1, 0))
	require.True(t, IsError(err, ErrUnknownOutput))

	require.Equal(t, Balance{Total: 2000, Available: 2000, Outputs: 1},
		l.Balance())
	require.NoError(t, l.Audit())

	credited, spentTotal := l.Totals()
	require.Equal(t, btcutil.Amount(5000), credited)
	require.Equal(t, btcutil.Amount(3000), spentTotal)
}

// TestLedgerConcurrentReserve checks that exactly one of many concurrent
// reservations of the same output succeeds.
func TestLedgerConcurrentReserve(t *testing.T) {
	t.Parallel()

	l := NewLedger()
	require.NoError(t, l.Credit(testUtxo(1, 1000)))
	require.NoError(t, l.Credit(testUtxo(2, 1000)))

	const workers = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []RequestID
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id RequestID) {
			defer wg.Done()

			ops := []wire.OutPoint{testOutPoint(1, 0)}
			if id[0]%2 == 0 {
				ops = append(ops, testOutPoint(2, 0))
			}
			if _, err := l.Reserve(ops, id); err == nil {
				mu.Lock()
				winners = append(winners, id)
				mu.Unlock()
			}
		}(RequestID{byte(i)})
	}
	wg.Wait()

	require.Len(t, winners, 1)
	for _, u := range l.Snapshot() {
		if u.Reserved {
			require.Equal(t, winners[0], u.ReservedBy)
		}
	}
}

// TestLedgerConservation runs random operations and checks that value is
// never created or lost.
func TestLedgerConservation(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	l := NewLedger()

	var (
		next         byte
		reservations []*Reservation
		credited     btcutil.Amount
		spent        btcutil.Amount
	)
	for i := 0; i < 500; i++ {
		switch rng.Intn(5) {
		case 0, 1:
			if next == 0xff {
				continue
			}
			next++
			value := btcutil.Amount(rng.Intn(100_000) + 1)
			require.NoError(t, l.Credit(testUtxo(next, value)))
			credited += value

		case 2:
			avail := l.available()
			if len(avail) == 0 {
				continue
			}
			n := rng.Intn(len(avail)) + 1
			ops := make([]wire.OutPoint, n)
			for j := range ops {
				ops[j] = avail[j].OutPoint
			}
			res, err := l.Reserve(ops, RequestID{byte(i), byte(i >> 8)})
			require.NoError(t, err)
			reservations = append(reservations, res)

		case 3, 4:
			if len(reservations) == 0 {
				continue
			}
			j := rng.Intn(len(reservations))
			res := reservations[j]
			reservations = append(
				reservations[:j], reservations[j+1:]...,
			)

			if rng.Intn(2) == 0 {
				require.NoError(t, l.Release(res))
				continue
			}
			value, err := l.Spend(res)
			require.NoError(t, err)
			spent += value
		}

		require.NoError(t, l.Audit())
		b := l.Balance()
		require.Equal(t, credited-spent, b.Total)
		require.Equal(t, b.Total, b.Available+b.Reserved)
	}

	// A clone starts with the same totals and no pending writes.
	c := l.clone()
	require.Equal(t, l.Balance(), c.Balance())
	ops, totals := c.takeDirty()
	require.Empty(t, ops)
	require.False(t, totals)
}

func TestSelectInputs(t *testing.T) {
	t.Parallel()

	candidates := []UnspentOutput{
		testUtxo(3, 5000),
		testUtxo(1, 1000),
		testUtxo(2, 5000),
		testUtxo(4, 2000),
	}
	// Ties on value are broken by outpoint.
	candidates = append(candidates, UnspentOutput{
		OutPoint: testOutPoint(2, 1),
		Value:    5000,
	})

	l := NewLedger()
	for _, c := range candidates {
		require.NoError(t, l.Credit(c))
	}
	sorted := l.available()
	require.Equal(t, []wire.OutPoint{
		testOutPoint(2, 0), testOutPoint(2, 1), testOutPoint(3, 0),
		testOutPoint(4, 0), testOutPoint(1, 0),
	}, []wire.OutPoint{
		sorted[0].OutPoint, sorted[1].OutPoint, sorted[2].OutPoint,
		sorted[3].OutPoint, sorted[4].OutPoint,
	})

	perInput := func(base, fee btcutil.Amount) targetFunc {
		return func(n int) btcutil.Amount {
			return base + btcutil.Amount(n)*fee
		}
	}

	tests := []struct {
		name   string
		target targetFunc
		want   int
		total  btcutil.Amount
		fail   bool
	}{{
		name:   "single input",
		target: perInput(4000, 100),
		want:   1,
		total:  5000,
	}, {
		name:   "fee needs second input",
		target: perInput(4950, 100),
		want:   2,
		total:  10_000,
	}, {
		name:   "all inputs",
		target: perInput(17_000, 100),
		want:   5,
		total:  18_000,
	}, {
		name:   "insufficient",
		target: perInput(17_600, 100),
		fail:   true,
	}}

	for _, test := range tests {
		selected, total, err := selectInputs(sorted, test.target)
		if test.fail {
			require.True(t, IsError(err, ErrInsufficientFunds),
				test.name)
			continue
		}
		require.NoError(t, err, test.name)
		require.Len(t, selected, test.want, test.name)
		require.Equal(t, test.total, total, test.name)
		require.Equal(t, sorted[:test.want], selected, test.name)
	}

	_, _, err := selectInputs(nil, perInput(1, 0))
	require.True(t, IsError(err, ErrInsufficientFunds))
}
