// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// tweakTag is the BIP340 style tag used when hashing epoch tweaks.
var tweakTag = []byte("fedwallet/epoch-tweak")

// Epoch identifies a rotation period of the custody script.
type Epoch uint32

// AggregatePublicKey is the public description of a federation: its
// guardian keys, in guardian id order, and the number of signatures needed
// to spend.
type AggregatePublicKey struct {
	Threshold uint32
	Keys      []*btcec.PublicKey
}

// NewAggregatePublicKey validates the federation parameters and returns the
// aggregate key.
func NewAggregatePublicKey(threshold uint32,
	keys []*btcec.PublicKey) (*AggregatePublicKey, error) {

	agg := &AggregatePublicKey{
		Threshold: threshold,
		Keys:      append([]*btcec.PublicKey(nil), keys...),
	}
	if err := agg.validate(); err != nil {
		return nil, err
	}

	return agg, nil
}

func (a *AggregatePublicKey) validate() error {
	switch {
	case len(a.Keys) == 0:
		return newError(ErrTooFewKeys, "no guardian keys", nil)

	case len(a.Keys) > txscript.MaxPubKeysPerMultiSig:
		str := fmt.Sprintf("%d guardian keys exceed the maximum of %d",
			len(a.Keys), txscript.MaxPubKeysPerMultiSig)
		return newError(ErrTooManyKeys, str, nil)

	case a.Threshold < 1 || int(a.Threshold) > len(a.Keys):
		str := fmt.Sprintf("threshold %d is not within [1, %d]",
			a.Threshold, len(a.Keys))
		return newError(ErrInvalidThreshold, str, nil)
	}

	seen := make(map[[btcec.PubKeyBytesLenCompressed]byte]struct{},
		len(a.Keys))
	for i, key := range a.Keys {
		if key == nil {
			str := fmt.Sprintf("guardian %d has no key", i)
			return newError(ErrTooFewKeys, str, nil)
		}

		var k [btcec.PubKeyBytesLenCompressed]byte
		copy(k[:], key.SerializeCompressed())
		if _, ok := seen[k]; ok {
			str := fmt.Sprintf("duplicate key for guardian %d: %x",
				i, k)
			return newError(ErrKeyDuplicate, str, nil)
		}
		seen[k] = struct{}{}
	}

	return nil
}

// N returns the number of guardians.
func (a *AggregatePublicKey) N() int {
	return len(a.Keys)
}

// Fingerprint returns a short identifier of the federation parameters, used
// to make sure a database is not opened by a different federation.
func (a *AggregatePublicKey) Fingerprint() [8]byte {
	h := sha256.New()

	var b [4]byte
	binary.BigEndian.PutUint32(b[:], a.Threshold)
	h.Write(b[:])
	for _, key := range a.Keys {
		h.Write(key.SerializeCompressed())
	}

	var fp [8]byte
	copy(fp[:], h.Sum(nil))
	return fp
}

// Descriptor is the fully derived custody script of one epoch. Descriptors
// are immutable once derived.
type Descriptor struct {
	Epoch     Epoch
	Threshold uint32

	// GuardianKeys holds the tweaked key of every guardian, indexed by
	// guardian id.
	GuardianKeys []*btcec.PublicKey

	// Keys holds the tweaked keys in script order.
	Keys []*btcec.PublicKey

	WitnessScript []byte
	PkScript      []byte
}

// epochTweak computes the scalar that is added to a guardian key for the
// given epoch.
func epochTweak(salt [32]byte, epoch Epoch,
	key *btcec.PublicKey) (*secp256k1.ModNScalar, error) {

	var e [4]byte
	binary.BigEndian.PutUint32(e[:], uint32(epoch))

	h := chainhash.TaggedHash(
		tweakTag, salt[:], e[:], key.SerializeCompressed(),
	)

	var t secp256k1.ModNScalar
	if overflow := t.SetByteSlice(h[:]); overflow {
		str := fmt.Sprintf("tweak for epoch %d overflows the group "+
			"order", epoch)
		return nil, newError(ErrKeyTweak, str, nil)
	}

	return &t, nil
}

// TweakPubKey returns key + t*G where t is the epoch tweak of key.
func TweakPubKey(key *btcec.PublicKey, salt [32]byte,
	epoch Epoch) (*btcec.PublicKey, error) {

	t, err := epochTweak(salt, epoch, key)
	if err != nil {
		return nil, err
	}

	var p, tG, sum secp256k1.JacobianPoint
	key.AsJacobian(&p)
	secp256k1.ScalarBaseMultNonConst(t, &tG)
	secp256k1.AddNonConst(&p, &tG, &sum)

	if (sum.X.IsZero() && sum.Y.IsZero()) || sum.Z.IsZero() {
		str := fmt.Sprintf("tweaked key for epoch %d is the point at "+
			"infinity", epoch)
		return nil, newError(ErrKeyTweak, str, nil)
	}
	sum.ToAffine()

	return btcec.NewPublicKey(&sum.X, &sum.Y), nil
}

// TweakPrivKey returns the private key matching TweakPubKey for the public
// half of priv.
func TweakPrivKey(priv *btcec.PrivateKey, salt [32]byte,
	epoch Epoch) (*btcec.PrivateKey, error) {

	t, err := epochTweak(salt, epoch, priv.PubKey())
	if err != nil {
		return nil, err
	}

	var k secp256k1.ModNScalar
	k.Set(&priv.Key)
	k.Add(t)
	if k.IsZero() {
		str := fmt.Sprintf("tweaked secret for epoch %d is zero", epoch)
		return nil, newError(ErrKeyTweak, str, nil)
	}

	return secp256k1.NewPrivateKey(&k), nil
}

// DeriveDescriptor derives the custody script of the given epoch. It is a
// pure function of its arguments.
func DeriveDescriptor(agg *AggregatePublicKey, salt [32]byte,
	epoch Epoch) (*Descriptor, error) {

	if err := agg.validate(); err != nil {
		return nil, err
	}

	guardianKeys := make([]*btcec.PublicKey, len(agg.Keys))
	for i, key := range agg.Keys {
		tweaked, err := TweakPubKey(key, salt, epoch)
		if err != nil {
			return nil, err
		}
		guardianKeys[i] = tweaked
	}

	sorted := append([]*btcec.PublicKey(nil), guardianKeys...)
	sort.Sort(byCompressed(sorted))

	builder := txscript.NewScriptBuilder()
	builder.AddInt64(int64(agg.Threshold))
	for _, key := range sorted {
		builder.AddData(key.SerializeCompressed())
	}
	builder.AddInt64(int64(len(sorted)))
	builder.AddOp(txscript.OP_CHECKMULTISIG)

	witnessScript, err := builder.Script()
	if err != nil {
		str := fmt.Sprintf("unable to build %d-of-%d script for epoch %d",
			agg.Threshold, len(sorted), epoch)
		return nil, newError(ErrScriptCreation, str, err)
	}

	scriptHash := sha256.Sum256(witnessScript)
	pkScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(scriptHash[:]).
		Script()
	if err != nil {
		return nil, newError(ErrScriptCreation, "unable to build "+
			"witness program", err)
	}

	return &Descriptor{
		Epoch:         epoch,
		Threshold:     agg.Threshold,
		GuardianKeys:  guardianKeys,
		Keys:          sorted,
		WitnessScript: witnessScript,
		PkScript:      pkScript,
	}, nil
}

// Address returns the P2WSH address of the descriptor for the given network.
func (d *Descriptor) Address(
	params *chaincfg.Params) (*btcutil.AddressWitnessScriptHash, error) {

	scriptHash := sha256.Sum256(d.WitnessScript)
	return btcutil.NewAddressWitnessScriptHash(scriptHash[:], params)
}

// GuardianKey returns the tweaked key of the guardian with the given id.
func (d *Descriptor) GuardianKey(guardian int) (*btcec.PublicKey, bool) {
	if guardian < 0 || guardian >= len(d.GuardianKeys) {
		return nil, false
	}
	return d.GuardianKeys[guardian], true
}

// ScriptIndex returns the position of key within the witness script, or -1.
func (d *Descriptor) ScriptIndex(key *btcec.PublicKey) int {
	for i, k := range d.Keys {
		if k.IsEqual(key) {
			return i
		}
	}
	return -1
}

// String returns a short human readable form of the descriptor.
func (d *Descriptor) String() string {
	return fmt.Sprintf("wsh(sortedmulti(%d,epoch=%d,n=%d)):%s",
		d.Threshold, d.Epoch, len(d.Keys), hex.EncodeToString(d.PkScript))
}

// byCompressed sorts keys by their compressed serialization.
type byCompressed []*btcec.PublicKey

func (s byCompressed) Len() int      { return len(s) }
func (s byCompressed) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s byCompressed) Less(i, j int) bool {
	return bytes.Compare(
		s[i].SerializeCompressed(), s[j].SerializeCompressed(),
	) < 0
}
