// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package custody

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/davecgh/go-spew/spew"
	"github.com/fedguard/fedwallet/chain"
	"github.com/fedguard/fedwallet/descriptor"
	"github.com/fedguard/fedwallet/pkg/btcunit"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testEpoch   descriptor.Epoch = 5
	dbOpenWait                   = 10 * time.Second
	testDeposit btcutil.Amount   = 100_000
)

var (
	testSalt = [32]byte{0x5a, 0x17}

	// testDestination is a P2WPKH script outside of the federation.
	testDestination = func() []byte {
		hash := btcutil.Hash160([]byte("destination"))
		script, err := txscript.NewScriptBuilder().
			AddOp(txscript.OP_0).AddData(hash).Script()
		if err != nil {
			panic(err)
		}
		return script
	}()
)

// testKey returns the deterministic key share of guardian i.
func testKey(i int) *btcec.PrivateKey {
	seed := sha256.Sum256([]byte(fmt.Sprintf("guardian-%d", i)))
	priv, _ := btcec.PrivKeyFromBytes(seed[:])
	return priv
}

// testFederation runs every guardian of one federation in process. Batches
// are delivered to all modules by process.
type testFederation struct {
	t       *testing.T
	agg     *descriptor.AggregatePublicKey
	privs   []*btcec.PrivateKey
	dbPaths []string
	dbs     []walletdb.DB
	modules []*Module
	round   uint64
	opts    []func(*Config)
}

// testConfig returns the config of guardian self with short timeouts.
func testConfig(agg *descriptor.AggregatePublicKey, priv *btcec.PrivateKey,
	self GuardianID) *Config {

	cfg := DefaultConfig(&chaincfg.RegressionNetParams)
	cfg.Federation = agg
	cfg.Self = self
	cfg.SecretShare = priv
	cfg.Salt = testSalt
	cfg.ActiveEpoch = testEpoch
	cfg.MaxFeeRate = 50
	cfg.FeeTimeoutRounds = 3
	cfg.SigningTimeoutRounds = 3
	cfg.ClaimRetryRounds = 3
	cfg.ObservationRetention = 100
	return cfg
}

func openTestDB(t *testing.T, dbPath string, create bool) walletdb.DB {
	t.Helper()

	var (
		db  walletdb.DB
		err error
	)
	if create {
		db, err = walletdb.Create("bdb", dbPath, true, dbOpenWait, false)
	} else {
		db, err = walletdb.Open("bdb", dbPath, true, dbOpenWait, false)
	}
	require.NoError(t, err)

	return db
}

// newTestFederation creates a threshold-of-n federation with a fresh
// database per guardian. opts adjust the config of every guardian.
func newTestFederation(t *testing.T, threshold, n int,
	opts ...func(*Config)) *testFederation {

	t.Helper()

	f := &testFederation{t: t, opts: opts}
	keys := make([]*btcec.PublicKey, n)
	for i := 0; i < n; i++ {
		f.privs = append(f.privs, testKey(i))
		keys[i] = f.privs[i].PubKey()
	}

	agg, err := descriptor.NewAggregatePublicKey(uint32(threshold), keys)
	require.NoError(t, err)
	f.agg = agg

	dir := t.TempDir()
	for i := 0; i < n; i++ {
		dbPath := filepath.Join(dir, fmt.Sprintf("guardian%d.db", i))
		db := openTestDB(t, dbPath, true)

		m, err := New(f.config(GuardianID(i)), db)
		require.NoError(t, err)

		f.dbPaths = append(f.dbPaths, dbPath)
		f.dbs = append(f.dbs, db)
		f.modules = append(f.modules, m)
	}
	t.Cleanup(func() {
		for _, db := range f.dbs {
			db.Close()
		}
	})

	return f
}

// config returns the config of guardian g.
func (f *testFederation) config(g GuardianID) *Config {
	cfg := testConfig(f.agg, f.privs[g], g)
	for _, opt := range f.opts {
		opt(cfg)
	}
	return cfg
}

// restart closes and reopens the database of guardian g.
func (f *testFederation) restart(g GuardianID) *Module {
	f.t.Helper()

	require.NoError(f.t, f.dbs[g].Close())
	db := openTestDB(f.t, f.dbPaths[g], false)
	f.dbs[g] = db

	m, err := New(f.config(g), db)
	require.NoError(f.t, err)
	f.modules[g] = m

	return m
}

// item encodes an item contributed by guardian g.
func (f *testFederation) item(g GuardianID, item Item) Contribution {
	f.t.Helper()

	payload, err := EncodeItem(item)
	require.NoError(f.t, err)
	return Contribution{Guardian: g, Payload: payload}
}

// drain returns the queued proposals of guardian g as contributions.
func (f *testFederation) drain(g GuardianID) []Contribution {
	f.t.Helper()

	proposals, err := f.modules[g].PendingProposals()
	require.NoError(f.t, err)

	contribs := make([]Contribution, len(proposals))
	for i, p := range proposals {
		contribs[i] = Contribution{Guardian: g, Payload: p}
	}
	return contribs
}

// process delivers the next batch to every guardian and returns the
// actions each of them got.
func (f *testFederation) process(contribs ...Contribution) [][]Action {
	f.t.Helper()

	f.round++
	batch := &Batch{Round: f.round, Contributions: contribs}

	actions := make([][]Action, len(f.modules))
	for i, m := range f.modules {
		a, err := m.ProcessBatch(batch)
		require.NoError(f.t, err)
		actions[i] = a
	}
	return actions
}

// report is an observation report of guardian g.
func (f *testFederation) report(g GuardianID, tip int32,
	deposits ...chain.Observation) Contribution {

	return f.item(g, &ObservationReport{Tip: tip, Deposits: deposits})
}

// reportAll has every guardian report the same tip and deposits.
func (f *testFederation) reportAll(tip int32,
	deposits ...chain.Observation) [][]Action {

	contribs := make([]Contribution, len(f.modules))
	for i := range f.modules {
		contribs[i] = f.report(GuardianID(i), tip, deposits...)
	}
	return f.process(contribs...)
}

// active returns the active descriptor of the federation.
func (f *testFederation) active() *descriptor.Descriptor {
	return f.modules[0].DepositDescriptor()
}

// depositTx returns a transaction paying value to pkScript at output 0.
func depositTx(seq uint32, value btcutil.Amount, pkScript []byte) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: seq},
	})
	tx.AddTxOut(wire.NewTxOut(int64(value), pkScript))
	return tx
}

// deposit submits a claim for a fresh deposit of value through guardian 0,
// processes it and returns the observation guardians report for it.
func (f *testFederation) deposit(seq uint32, value btcutil.Amount,
	height int32) (ClaimID, chain.Observation) {

	f.t.Helper()

	tx := depositTx(seq, value, f.active().PkScript)
	op := wire.OutPoint{Hash: tx.TxHash(), Index: 0}

	id, err := f.modules[0].SubmitClaim(op, ClaimProof{
		Epoch: testEpoch,
		Tx:    tx,
	})
	require.NoError(f.t, err)
	f.process(f.drain(0)...)

	return id, chain.Observation{
		OutPoint: op,
		Epoch:    testEpoch,
		Value:    value,
		Height:   height,
	}
}

// credit runs a deposit of value through confirmation.
func (f *testFederation) credit(seq uint32, value btcutil.Amount,
	height int32) ClaimID {

	f.t.Helper()

	id, obs := f.deposit(seq, value, height)
	f.reportAll(height+DefaultFinalityDepth, obs)
	f.requireClaimState(id, ClaimCredited)

	return id
}

// requireClaimState checks the claim on every guardian.
func (f *testFederation) requireClaimState(id ClaimID, want ClaimState) {
	f.t.Helper()

	for i, m := range f.modules {
		c, err := m.ClaimStatus(id)
		require.NoError(f.t, err)
		require.Equalf(f.t, want, c.State, "guardian %d: %v", i,
			spew.Sdump(c))
	}
}

// requireRequestState checks the request on every guardian.
func (f *testFederation) requireRequestState(id RequestID,
	want RequestState) *RequestStatus {

	f.t.Helper()

	var status *RequestStatus
	for i, m := range f.modules {
		s, err := m.RequestStatus(id)
		require.NoError(f.t, err)
		require.Equalf(f.t, want, s.State, "guardian %d: %v", i,
			spew.Sdump(s))
		status = s
	}
	return status
}

// requireBalance checks the ledger of every guardian.
func (f *testFederation) requireBalance(total, available btcutil.Amount) {
	f.t.Helper()

	for i, m := range f.modules {
		b := m.Balance()
		require.Equalf(f.t, total, b.Total, "guardian %d", i)
		require.Equalf(f.t, available, b.Available, "guardian %d", i)
		require.NoError(f.t, m.Audit())
	}
}

// pegOut requests a peg-out through guardian g and processes the proposal.
func (f *testFederation) pegOut(g GuardianID, amount btcutil.Amount,
	requester string) RequestID {

	f.t.Helper()

	id, err := f.modules[g].RequestPegOut(amount, testDestination,
		requester)
	require.NoError(f.t, err)
	f.process(f.drain(g)...)

	return id
}

// voteFees has each guardian vote the given rate, in guardian order.
func (f *testFederation) voteFees(id RequestID,
	rates ...btcunit.SatPerVByte) [][]Action {

	f.t.Helper()

	status, err := f.modules[0].RequestStatus(id)
	require.NoError(f.t, err)

	contribs := make([]Contribution, len(rates))
	for i, rate := range rates {
		contribs[i] = f.item(GuardianID(i), &FeeVote{
			RequestID: id,
			Attempt:   status.Attempt,
			Rate:      rate,
		})
	}
	return f.process(contribs...)
}

// share returns the signature share of guardian g as a contribution.
func (f *testFederation) share(g GuardianID, id RequestID) Contribution {
	f.t.Helper()

	status, err := f.modules[g].RequestStatus(id)
	require.NoError(f.t, err)

	share, err := f.modules[g].SignRequest(id, status.Attempt)
	require.NoError(f.t, err)

	return f.item(g, share)
}

// sign runs a credited deposit through a signed peg-out of amount and
// returns the request id.
func (f *testFederation) sign(amount btcutil.Amount) RequestID {
	f.t.Helper()

	id := f.pegOut(0, amount, "signer")
	f.voteFees(id, 10, 10, 10)
	f.requireRequestState(id, RequestFeeAgreed)
	f.process(f.share(0, id), f.share(1, id))
	f.requireRequestState(id, RequestSigned)

	return id
}

// errCode returns the ErrorCode of err.
func errCode(t *testing.T, err error) ErrorCode {
	t.Helper()

	var cErr Error
	require.Truef(t, errors.As(err, &cErr), "%v is not an Error", err)
	return cErr.ErrorCode
}

// mockEstimator is a mock implementation of chain.FeeEstimator.
type mockEstimator struct {
	mock.Mock
}

func (m *mockEstimator) EstimateFeeRate(
	ctx context.Context) (btcunit.SatPerVByte, error) {

	args := m.Called(ctx)
	return args.Get(0).(btcunit.SatPerVByte), args.Error(1)
}

// mockPublisher is a mock implementation of chain.Publisher.
type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	args := m.Called(ctx, tx)
	return args.Error(0)
}

// recordingWatcher records watched txids.
type recordingWatcher struct {
	mu    sync.Mutex
	txids []chainhash.Hash
}

func (w *recordingWatcher) WatchTx(txid chainhash.Hash) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.txids = append(w.txids, txid)
}

var (
	_ chain.FeeEstimator = (*mockEstimator)(nil)
	_ chain.Publisher    = (*mockPublisher)(nil)
	_ TxWatcher          = (*recordingWatcher)(nil)
)
