// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package custody implements the federated custody of on-chain funds held by
an m-of-n group of guardians.

Every guardian runs a Module. Modules never talk to each other directly:
everything that changes shared state is an item in an ordered consensus
stream, and every guardian applies the same items in the same order. Given
the same batches, all modules reach byte identical state.

Peg-ins

A user deposits to the active descriptor and submits a claim with the
funding transaction as proof. Each guardian reports what its own chain
view shows. A claim is confirmed once threshold guardians report the same
deposit and the deposit is FinalityDepth blocks below the height reached by
threshold guardians. Confirmed claims are credited to the ledger when the
round closes. If threshold guardians report the deposit's block as
reorged out, the claim returns to pending.

Peg-outs

A peg-out request is proposed through the stream. When it is processed,
every guardian selects the same inputs from its ledger (largest first,
ties broken by outpoint) and reserves them. Guardians vote a fee rate; the
lower median of the votes is agreed once threshold votes are in. All
guardians then build the same transaction, sign it with their epoch
tweaked key share and publish the signatures as a PSBT. The first
threshold valid shares are combined into the witnesses, the transaction is
broadcast and, once threshold guardians see it buried deep enough, its
inputs are removed from the ledger and its change is credited.

Requests that cannot agree on a fee, cannot collect signatures in time, or
are refused by the network fail and release their inputs.

Errors

Errors returned from the caller API are of type Error and carry an
ErrorCode. Invalid items received through the stream are logged and
discarded.
*/
package custody
