// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package custody

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/fedguard/fedwallet/descriptor"
	"github.com/hashicorp/go-multierror"
)

// prevOutputs maps the outpoints spent by a peg-out to their ledger
// outputs.
type prevOutputs map[wire.OutPoint]UnspentOutput

// fetcher returns a prevout fetcher over the outputs.
func (p prevOutputs) fetcher() *txscript.MultiPrevOutFetcher {
	outs := make(map[wire.OutPoint]*wire.TxOut, len(p))
	for op, u := range p {
		outs[op] = wire.NewTxOut(int64(u.Value), u.PkScript)
	}
	return txscript.NewMultiPrevOutFetcher(outs)
}

// signer produces the signature shares of the local guardian.
type signer struct {
	registry *descriptor.Registry
	guardian GuardianID
	share    *btcec.PrivateKey
}

// inputDescriptor returns the descriptor of the output spent by input idx
// of tx.
func inputDescriptor(registry *descriptor.Registry, prevOuts prevOutputs,
	tx *wire.MsgTx, idx int) (UnspentOutput, *descriptor.Descriptor, error) {

	op := tx.TxIn[idx].PreviousOutPoint
	u, ok := prevOuts[op]
	if !ok {
		str := fmt.Sprintf("input %d spends %v which is not in the "+
			"ledger", idx, op)
		return u, nil, newError(ErrUnknownOutput, str, nil)
	}

	d, err := registry.Descriptor(u.Epoch)
	if err != nil {
		return u, nil, newError(ErrUnknownEpoch, "input descriptor", err)
	}

	return u, d, nil
}

// sign signs every input of tx with the epoch tweaked key share and returns
// the share as a serialized PSBT.
func (s *signer) sign(tx *wire.MsgTx, prevOuts prevOutputs) ([]byte, error) {
	packet, err := psbt.NewFromUnsignedTx(tx.Copy())
	if err != nil {
		return nil, newError(ErrTxSigning, "unable to create packet", err)
	}

	fetcher := prevOuts.fetcher()
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for i := range tx.TxIn {
		u, d, err := inputDescriptor(s.registry, prevOuts, tx, i)
		if err != nil {
			return nil, err
		}

		key, err := descriptor.TweakPrivKey(
			s.share, s.registry.Salt(), u.Epoch,
		)
		if err != nil {
			return nil, newError(ErrTxSigning, "unable to tweak key "+
				"share", err)
		}

		sig, err := txscript.RawTxInWitnessSignature(
			tx, sigHashes, i, int64(u.Value), d.WitnessScript,
			txscript.SigHashAll, key,
		)
		if err != nil {
			str := fmt.Sprintf("unable to sign input %d", i)
			return nil, newError(ErrTxSigning, str, err)
		}

		pIn := &packet.Inputs[i]
		pIn.WitnessUtxo = wire.NewTxOut(int64(u.Value), u.PkScript)
		pIn.WitnessScript = d.WitnessScript
		pIn.SighashType = txscript.SigHashAll
		pIn.PartialSigs = []*psbt.PartialSig{{
			PubKey:    key.PubKey().SerializeCompressed(),
			Signature: sig,
		}}
	}

	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return nil, serializationError("signature share", err)
	}

	return buf.Bytes(), nil
}

// verifyShare checks a serialized share of guardian against the agreed
// transaction. It returns one signature per input. All problems with the
// share are reported together.
func verifyShare(registry *descriptor.Registry, tx *wire.MsgTx,
	prevOuts prevOutputs, guardian GuardianID, raw []byte) ([][]byte, error) {

	packet, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	if err != nil {
		return nil, newError(ErrInvalidShare, "unable to parse share",
			err)
	}

	if packet.UnsignedTx.TxHash() != tx.TxHash() {
		str := fmt.Sprintf("share signs %v instead of %v",
			packet.UnsignedTx.TxHash(), tx.TxHash())
		return nil, newError(ErrInvalidShare, str, nil)
	}
	if len(packet.Inputs) != len(tx.TxIn) {
		str := fmt.Sprintf("share has %d inputs, want %d",
			len(packet.Inputs), len(tx.TxIn))
		return nil, newError(ErrInvalidShare, str, nil)
	}

	sigHashes := txscript.NewTxSigHashes(tx, prevOuts.fetcher())

	var (
		result *multierror.Error
		sigs   = make([][]byte, len(tx.TxIn))
	)
	for i, pIn := range packet.Inputs {
		sig, err := verifyInputSig(
			registry, tx, sigHashes, prevOuts, guardian, i, pIn,
		)
		if err != nil {
			result = multierror.Append(
				result, fmt.Errorf("input %d: %w", i, err),
			)
			continue
		}
		sigs[i] = sig
	}

	if err := result.ErrorOrNil(); err != nil {
		str := fmt.Sprintf("invalid share from guardian %d", guardian)
		return nil, newError(ErrInvalidShare, str, err)
	}

	return sigs, nil
}

func verifyInputSig(registry *descriptor.Registry, tx *wire.MsgTx,
	sigHashes *txscript.TxSigHashes, prevOuts prevOutputs,
	guardian GuardianID, idx int, pIn psbt.PInput) ([]byte, error) {

	u, d, err := inputDescriptor(registry, prevOuts, tx, idx)
	if err != nil {
		return nil, err
	}

	key, ok := d.GuardianKey(int(guardian))
	if !ok {
		return nil, fmt.Errorf("unknown guardian %d", guardian)
	}

	if len(pIn.PartialSigs) != 1 {
		return nil, fmt.Errorf("%d partial signatures, want 1",
			len(pIn.PartialSigs))
	}
	partial := pIn.PartialSigs[0]
	if !bytes.Equal(partial.PubKey, key.SerializeCompressed()) {
		return nil, fmt.Errorf("signature by foreign key %x",
			partial.PubKey)
	}

	sig := partial.Signature
	if len(sig) < 2 ||
		txscript.SigHashType(sig[len(sig)-1]) != txscript.SigHashAll {

		return nil, fmt.Errorf("signature must commit with SIGHASH_ALL")
	}

	parsed, err := ecdsa.ParseDERSignature(sig[:len(sig)-1])
	if err != nil {
		return nil, err
	}

	hash, err := txscript.CalcWitnessSigHash(
		d.WitnessScript, sigHashes, txscript.SigHashAll, tx, idx,
		int64(u.Value),
	)
	if err != nil {
		return nil, err
	}

	if !parsed.Verify(hash, key) {
		return nil, fmt.Errorf("signature does not verify")
	}

	return sig, nil
}

// scriptSig is a signature together with the position of its key in the
// witness script.
type scriptSig struct {
	index int
	sig   []byte
}

// finalizeTx assembles the witnesses of tx from the given shares and runs
// every input through the script engine. CHECKMULTISIG needs signatures in
// key order, so the signatures of each input are sorted by the script
// position of their key. The result does not depend on which shares are
// used.
func finalizeTx(registry *descriptor.Registry, unsigned *wire.MsgTx,
	prevOuts prevOutputs, shares []acceptedShare) (*wire.MsgTx, error) {

	tx := unsigned.Copy()

	for i, txIn := range tx.TxIn {
		_, d, err := inputDescriptor(registry, prevOuts, tx, i)
		if err != nil {
			return nil, err
		}

		sigs := make([]scriptSig, 0, len(shares))
		for _, share := range shares {
			key, ok := d.GuardianKey(int(share.Guardian))
			if !ok {
				str := fmt.Sprintf("unknown guardian %d",
					share.Guardian)
				return nil, newError(ErrTxSigning, str, nil)
			}
			sigs = append(sigs, scriptSig{
				index: d.ScriptIndex(key),
				sig:   share.Sigs[i],
			})
		}
		sort.Slice(sigs, func(a, b int) bool {
			return sigs[a].index < sigs[b].index
		})

		// The leading empty item is consumed by the off-by-one pop of
		// CHECKMULTISIG.
		witness := wire.TxWitness{nil}
		for _, s := range sigs {
			witness = append(witness, s.sig)
		}
		witness = append(witness, d.WitnessScript)
		txIn.Witness = witness
	}

	fetcher := prevOuts.fetcher()
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, txIn := range tx.TxIn {
		u := prevOuts[txIn.PreviousOutPoint]

		vm, err := txscript.NewEngine(
			u.PkScript, tx, i, txscript.StandardVerifyFlags, nil,
			sigHashes, int64(u.Value), fetcher,
		)
		if err != nil {
			str := fmt.Sprintf("unable to create engine for input %d",
				i)
			return nil, newError(ErrTxSigning, str, err)
		}
		if err := vm.Execute(); err != nil {
			str := fmt.Sprintf("input %d does not validate", i)
			return nil, newError(ErrTxSigning, str, err)
		}
	}

	return tx, nil
}
