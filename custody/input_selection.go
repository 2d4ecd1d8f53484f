// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package custody

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// byOutPoint defines the methods needed to satisify sort.Interface to sort a
// slice of outputs by outpoint: hash bytes first, then index.
type byOutPoint []UnspentOutput

func (u byOutPoint) Len() int      { return len(u) }
func (u byOutPoint) Swap(i, j int) { u[i], u[j] = u[j], u[i] }
func (u byOutPoint) Less(i, j int) bool {
	return outPointLess(u[i].OutPoint, u[j].OutPoint)
}

// byValueDesc defines the methods needed to satisify sort.Interface to sort
// a slice of outputs by decreasing value. Equal values are ordered by
// outpoint, which makes the order total.
type byValueDesc []UnspentOutput

func (u byValueDesc) Len() int      { return len(u) }
func (u byValueDesc) Swap(i, j int) { u[i], u[j] = u[j], u[i] }
func (u byValueDesc) Less(i, j int) bool {
	if u[i].Value != u[j].Value {
		return u[i].Value > u[j].Value
	}
	return outPointLess(u[i].OutPoint, u[j].OutPoint)
}

func outPointLess(a, b wire.OutPoint) bool {
	if c := bytes.Compare(a.Hash[:], b.Hash[:]); c != 0 {
		return c < 0
	}
	return a.Index < b.Index
}

// targetFunc returns the amount the selected inputs must cover when n
// inputs are spent. It grows with n because every input adds to the fee.
type targetFunc func(n int) btcutil.Amount

// selectInputs picks outputs from candidates, which must already be in
// byValueDesc order, until their sum covers target. Largest outputs are
// picked first so requests use as few inputs as possible. Every guardian
// running it over the same ledger picks the same inputs.
func selectInputs(candidates []UnspentOutput,
	target targetFunc) ([]UnspentOutput, btcutil.Amount, error) {

	var (
		selected []UnspentOutput
		total    btcutil.Amount
	)
	for _, c := range candidates {
		selected = append(selected, c)
		total += c.Value

		if total >= target(len(selected)) {
			return selected, total, nil
		}
	}

	var available btcutil.Amount
	for _, c := range candidates {
		available += c.Value
	}
	str := fmt.Sprintf("need %v but only %v available in %d outputs",
		target(len(candidates)+1), available, len(candidates))
	return nil, 0, newError(ErrInsufficientFunds, str, nil)
}
