// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package custody

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/txsort"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/fedguard/fedwallet/descriptor"
	"github.com/fedguard/fedwallet/pkg/btcunit"
)

const (
	// pegOutTxVersion is the version of all peg-out transactions.
	pegOutTxVersion = 2

	// maxSigSize is the largest DER signature plus its sighash byte.
	maxSigSize = 73
)

// pegOutTx is a peg-out transaction built for an agreed fee rate.
type pegOutTx struct {
	tx     *wire.MsgTx
	fee    btcutil.Amount
	change btcutil.Amount

	// changeIndex is the index of the change output, or -1.
	changeIndex int
}

// txBuilder builds the canonical peg-out transactions. Given the same
// inputs, amount, destination and rate every guardian builds the same
// bytes.
type txBuilder struct {
	registry *descriptor.Registry
	relayFee btcutil.Amount
}

// witnessWeight returns the weight of the witness spending an output of d:
// the item count, the empty CHECKMULTISIG dummy, threshold signatures and
// the witness script.
func witnessWeight(d *descriptor.Descriptor) int {
	scriptLen := len(d.WitnessScript)
	return wire.VarIntSerializeSize(uint64(d.Threshold)+2) + 1 +
		int(d.Threshold)*(1+maxSigSize) +
		wire.VarIntSerializeSize(uint64(scriptLen)) + scriptLen
}

// estimateWeight returns an upper bound of the weight of a transaction
// spending outputs of the given descriptors to outputs.
func estimateWeight(inputs []*descriptor.Descriptor,
	outputs []*wire.TxOut) btcunit.WeightUnit {

	base := 8 + wire.VarIntSerializeSize(uint64(len(inputs))) +
		len(inputs)*txsizes.RedeemP2WPKHInputSize +
		wire.VarIntSerializeSize(uint64(len(outputs))) +
		txsizes.SumOutputSerializeSizes(outputs)

	// Segwit marker and flag.
	witness := 2
	for _, d := range inputs {
		witness += witnessWeight(d)
	}

	return btcunit.NewWeightUnit(
		uint64(base*blockchain.WitnessScaleFactor + witness),
	)
}

// selectionTarget returns the amount that n inputs of the active
// descriptor must cover to pay amount to destination plus change at rate.
func (b *txBuilder) selectionTarget(amount btcutil.Amount, destination []byte,
	rate btcunit.SatPerVByte) targetFunc {

	active := b.registry.Active()
	outputs := []*wire.TxOut{
		wire.NewTxOut(int64(amount), destination),
		wire.NewTxOut(0, active.PkScript),
	}

	return func(n int) btcutil.Amount {
		inputs := make([]*descriptor.Descriptor, n)
		for i := range inputs {
			inputs[i] = active
		}
		weight := estimateWeight(inputs, outputs)
		return amount + rate.FeeForWeight(weight)
	}
}

// build returns the canonical transaction spending inputs. The fee is paid
// from change; change below the dust limit is added to the fee.
func (b *txBuilder) build(inputs []UnspentOutput, amount btcutil.Amount,
	destination []byte, rate btcunit.SatPerVByte) (*pegOutTx, error) {

	if len(inputs) == 0 {
		return nil, newError(ErrInsufficientFunds, "no inputs", nil)
	}

	var (
		total btcutil.Amount
		descs = make([]*descriptor.Descriptor, 0, len(inputs))
		tx    = wire.NewMsgTx(pegOutTxVersion)
	)
	for _, in := range inputs {
		d, err := b.registry.Descriptor(in.Epoch)
		if err != nil {
			return nil, newError(ErrUnknownEpoch, "input descriptor",
				err)
		}
		descs = append(descs, d)
		total += in.Value

		op := in.OutPoint
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	}

	changeScript := b.registry.Active().PkScript
	destOut := wire.NewTxOut(int64(amount), destination)
	changeOut := wire.NewTxOut(0, changeScript)

	feeWithChange := rate.FeeForWeight(
		estimateWeight(descs, []*wire.TxOut{destOut, changeOut}),
	)
	change := total - amount - feeWithChange

	fee := feeWithChange
	changeOut.Value = int64(change)
	switch {
	case change >= 0 && !txrules.IsDustOutput(changeOut, b.relayFee):
		tx.AddTxOut(destOut)
		tx.AddTxOut(changeOut)

	default:
		feeNoChange := rate.FeeForWeight(
			estimateWeight(descs, []*wire.TxOut{destOut}),
		)
		if total-amount < feeNoChange {
			str := fmt.Sprintf("inputs of %v cannot pay %v plus a "+
				"fee of %v", total, amount, feeNoChange)
			return nil, newError(ErrInsufficientFunds, str, nil)
		}
		change = 0
		fee = total - amount
		tx.AddTxOut(destOut)
	}

	txsort.InPlaceSort(tx)

	changeIndex := -1
	if change > 0 {
		for i, out := range tx.TxOut {
			if out.Value == int64(change) &&
				string(out.PkScript) == string(changeScript) {

				changeIndex = i
				break
			}
		}
	}

	return &pegOutTx{
		tx:          tx,
		fee:         fee,
		change:      change,
		changeIndex: changeIndex,
	}, nil
}

// validateDestination checks that a peg-out of amount to destination would
// be relayed.
func (b *txBuilder) validateDestination(amount btcutil.Amount,
	destination []byte) error {

	if amount <= 0 {
		str := fmt.Sprintf("peg-out amount %v must be positive", amount)
		return newError(ErrInvalidAmount, str, nil)
	}

	switch class := txscript.GetScriptClass(destination); class {
	case txscript.PubKeyHashTy, txscript.ScriptHashTy,
		txscript.WitnessV0PubKeyHashTy, txscript.WitnessV0ScriptHashTy,
		txscript.WitnessV1TaprootTy:

	default:
		str := fmt.Sprintf("destination script class %v is not "+
			"supported", class)
		return newError(ErrInvalidDestination, str, nil)
	}

	for _, d := range b.registry.Watched() {
		if string(d.PkScript) == string(destination) {
			str := fmt.Sprintf("destination pays to the federation "+
				"descriptor of epoch %d", d.Epoch)
			return newError(ErrInvalidDestination, str, nil)
		}
	}

	err := txrules.CheckOutput(
		wire.NewTxOut(int64(amount), destination), b.relayFee,
	)
	switch {
	case errors.Is(err, txrules.ErrOutputIsDust):
		str := fmt.Sprintf("peg-out of %v is dust", amount)
		return newError(ErrInvalidAmount, str, err)

	case err != nil:
		return newError(ErrInvalidAmount, "invalid peg-out amount", err)
	}

	return nil
}
