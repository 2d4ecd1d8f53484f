// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package descriptor derives the output scripts that hold federation funds.

A federation is described by an AggregatePublicKey: the ordered list of
guardian public keys together with the number of signatures required to
spend. Funds are never held directly under those keys. Instead every key
is tweaked per Epoch, so rotating the epoch produces a fresh script
without touching any guardian secret:

	t  = TaggedHash("fedwallet/epoch-tweak", salt || epoch || P) mod n
	P' = P + t*G

The tweaked keys are sorted by their compressed encoding and placed in a
threshold CHECKMULTISIG script, which is then wrapped in a P2WSH output.
Every guardian running DeriveDescriptor with the same inputs obtains the
same bytes.

A Registry caches descriptors and tracks the active epoch together with
a grace window of older epochs that are still watched for deposits until
they have been swept.
*/
package descriptor
