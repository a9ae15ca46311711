package dbftengine_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/gordian-engine/dbft/dbft/dbftconsensus/dbftconsensustest"
	"github.com/gordian-engine/dbft/dbft/dbftengine"
	"github.com/gordian-engine/dbft/dbft/dbftmempool"
	"github.com/gordian-engine/dbft/dbft/dbftp2p/dbftp2ptest"
	"github.com/gordian-engine/dbft/dbft/dbftstore"
	"github.com/gordian-engine/dbft/dbft/dbftstore/dbftmemstore"
	"github.com/gordian-engine/dbft/gassert/gasserttest"
	"github.com/gordian-engine/dbft/gcrypto"
	"github.com/gordian-engine/dbft/gcrypto/gcryptotest"
	"github.com/gordian-engine/dbft/internal/gtest"
	"github.com/stretchr/testify/require"
)

// At height 1 and view 0 with four validators, the primary is index 1.
const (
	testPrimary = 1
	testBackup  = 0
)

func TestNew_missingOptions(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := dbftengine.New(ctx, gtest.NewLogger(t))
	require.Error(t, err)
	require.ErrorContains(t, err, "WithLedger")
	require.ErrorContains(t, err, "WithMempool")
	require.ErrorContains(t, err, "WithConnection")
	require.ErrorContains(t, err, "WithCodec")
	require.ErrorContains(t, err, "WithContextStore")
}

func TestEngine_backupPreparesCommitsAndPersists(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(t, ctx, 4, testBackup)
	e := ef.Start(t, ctx)

	req, header := ef.PrepareRequest(t, ctx, 0)
	require.Equal(t, dbftconsensus.HandleEnvelopeAccepted, e.HandleEnvelope(ctx, req.Envelope))

	_, resp := ef.WaitForMessage(t, dbftconsensus.MessageTypePrepareResponse)
	require.Equal(t, req.Envelope.Hash(), resp.PrepareResponse.PreparationHash)
	require.Equal(t, uint8(testBackup), resp.ValidatorIndex)

	// Primary plus two responses is a quorum of three.
	require.Equal(t, dbftconsensus.HandleEnvelopeAccepted, e.HandleEnvelope(ctx, ef.PrepareResponse(t, ctx, 2, 0, req).Envelope))

	_, commit := ef.WaitForMessage(t, dbftconsensus.MessageTypeCommit)
	require.True(t, ef.Fx.Keys[testBackup].Verify(
		dbftconsensus.CommitSignBytes(ef.Fx.Network, header.Hash()),
		commit.Commit.Signature,
	))

	// Saved before the commit was sent.
	snap, err := ef.Store.LoadRoundSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(1), snap.BlockIndex)
	require.NotNil(t, snap.Commits[testBackup])

	for _, idx := range []int{1, 2} {
		require.Equal(t, dbftconsensus.HandleEnvelopeAccepted, e.HandleEnvelope(ctx, ef.Commit(t, ctx, idx, 0, header).Envelope))
	}

	ef.WaitForHeight(t, ctx, 1)
	b, ok := ef.Ledger.Block(1)
	require.True(t, ok)
	require.Equal(t, header.Hash(), b.Hash())
	require.Len(t, b.Witness.Signatures, 3)

	require.Eventually(t, func() bool {
		s, ok := e.Snapshot(ctx)
		return ok && s.Height == 2 && s.View == 0
	}, gtest.ScaleMs(500), gtest.ScaleMs(5))

	_, err = ef.Store.LoadRoundSnapshot(ctx)
	require.ErrorIs(t, err, dbftstore.ErrNoSnapshot)
}

func TestEngine_primaryProposesMempoolTransactions(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(t, ctx, 4, testPrimary)

	tx := dbftconsensus.Transaction{Nonce: 1, NetworkFee: 1000, ValidUntilBlock: 100, Script: []byte("transfer")}
	require.NoError(t, ef.Pool.Add(ctx, tx))

	e := ef.Start(t, ctx, dbftengine.WithTimePerBlock(gtest.ScaleMs(20)))

	reqEnv, req := ef.WaitForMessage(t, dbftconsensus.MessageTypePrepareRequest)
	require.Equal(t, []dbftconsensus.Hash{tx.Hash()}, req.PrepareRequest.TransactionHashes)
	require.Greater(t, req.PrepareRequest.Timestamp, ef.Fx.Genesis.Timestamp)

	reqPayload := &dbftconsensus.Payload{Envelope: reqEnv, Message: req}
	for _, idx := range []int{0, 2} {
		require.Equal(t, dbftconsensus.HandleEnvelopeAccepted, e.HandleEnvelope(ctx, ef.PrepareResponse(t, ctx, idx, 0, reqPayload).Envelope))
	}

	ef.WaitForMessage(t, dbftconsensus.MessageTypeCommit)

	header := ef.Fx.CandidateHeader(ef.Fx.Genesis, req)
	for _, idx := range []int{0, 2} {
		require.Equal(t, dbftconsensus.HandleEnvelopeAccepted, e.HandleEnvelope(ctx, ef.Commit(t, ctx, idx, 0, header).Envelope))
	}

	ef.WaitForHeight(t, ctx, 1)
	b, ok := ef.Ledger.Block(1)
	require.True(t, ok)
	require.Equal(t, []dbftconsensus.Transaction{tx}, b.Transactions)
}

func TestEngine_HandleEnvelope_results(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(t, ctx, 4, testBackup)
	e := ef.Start(t, ctx)

	req, _ := ef.PrepareRequest(t, ctx, 0)

	t.Run("wrong category", func(t *testing.T) {
		env := req.Envelope
		env.Category = "other"
		require.Equal(t, dbftconsensus.HandleEnvelopeMalformed, e.HandleEnvelope(ctx, env))
	})

	t.Run("undecodable data", func(t *testing.T) {
		env := req.Envelope
		env.Data = []byte{0xff, 0x00}
		require.Equal(t, dbftconsensus.HandleEnvelopeMalformed, e.HandleEnvelope(ctx, env))
	})

	t.Run("bad signature", func(t *testing.T) {
		env := req.Envelope
		env.Witness.Invocation = append([]byte(nil), env.Witness.Invocation...)
		env.Witness.Invocation[0] ^= 0xff
		require.Equal(t, dbftconsensus.HandleEnvelopeBadSignature, e.HandleEnvelope(ctx, env))
	})

	t.Run("unknown sender", func(t *testing.T) {
		other := dbftconsensustest.NewSecp256k1Fixture(4)
		p, err := other.SignedPayload(ctx, testPrimary, req.Message)
		require.NoError(t, err)
		require.Equal(t, dbftconsensus.HandleEnvelopeUnknownSender, e.HandleEnvelope(ctx, p.Envelope))
	})

	t.Run("stale", func(t *testing.T) {
		p := ef.Signed(t, ctx, 2, dbftconsensus.Message{
			Type:            dbftconsensus.MessageTypeRecoveryRequest,
			BlockIndex:      0,
			RecoveryRequest: &dbftconsensus.RecoveryRequest{Timestamp: 1},
		})
		require.Equal(t, dbftconsensus.HandleEnvelopeStale, e.HandleEnvelope(ctx, p.Envelope))
	})

	t.Run("future", func(t *testing.T) {
		p := ef.Signed(t, ctx, 2, dbftconsensus.Message{
			Type:            dbftconsensus.MessageTypeRecoveryRequest,
			BlockIndex:      5,
			RecoveryRequest: &dbftconsensus.RecoveryRequest{Timestamp: 1},
		})
		require.Equal(t, dbftconsensus.HandleEnvelopeFuture, e.HandleEnvelope(ctx, p.Envelope))
	})

	// Subtests above run sequentially, so the request is still unseen here.
	require.Equal(t, dbftconsensus.HandleEnvelopeAccepted, e.HandleEnvelope(ctx, req.Envelope))
	require.Equal(t, dbftconsensus.HandleEnvelopeIgnored, e.HandleEnvelope(ctx, req.Envelope))
}

func TestEngine_stalePrepareRequestTimestamp(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(t, ctx, 4, testBackup)
	e := ef.Start(t, ctx)

	msg := ef.Fx.PrepareRequest(ef.Fx.Genesis, 0, ef.Fx.Genesis.Timestamp, nil)
	p := ef.Signed(t, ctx, testPrimary, msg)
	require.Equal(t, dbftconsensus.HandleEnvelopeIgnored, e.HandleEnvelope(ctx, p.Envelope))

	s, ok := e.Snapshot(ctx)
	require.True(t, ok)
	require.False(t, s.RequestSentOrReceived)
}

func TestEngine_changeViewOnTimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(t, ctx, 4, testBackup)
	e := ef.Start(t, ctx, dbftengine.WithTimeoutStrategy(stepTimeouts{gtest.ScaleMs(50), time.Hour}))

	_, cv := ef.WaitForMessage(t, dbftconsensus.MessageTypeChangeView)
	require.Equal(t, uint8(0), cv.ViewNumber)
	require.Equal(t, uint8(1), cv.ChangeView.NewViewNumber)
	require.Equal(t, dbftconsensus.ReasonTimeout, cv.ChangeView.Reason)

	s, ok := e.Snapshot(ctx)
	require.True(t, ok)
	require.True(t, s.ViewChanging)
	require.Equal(t, uint8(0), s.View)

	for _, idx := range []int{2, 3} {
		require.Equal(t, dbftconsensus.HandleEnvelopeAccepted, e.HandleEnvelope(ctx, ef.ChangeView(t, ctx, idx, 0, 1).Envelope))
	}

	s, ok = e.Snapshot(ctx)
	require.True(t, ok)
	require.Equal(t, uint8(1), s.View)
	require.Equal(t, uint8(testBackup), s.PrimaryIndex)
	require.Equal(t, "Primary", s.Role)
	require.False(t, s.ViewChanging)
}

func TestEngine_changeAgreement(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(t, ctx, 4, testBackup)
	e := ef.Start(t, ctx)

	// Two change views are not yet a quorum.
	for _, idx := range []int{1, 2} {
		require.Equal(t, dbftconsensus.HandleEnvelopeAccepted, e.HandleEnvelope(ctx, ef.ChangeView(t, ctx, idx, 0, 1).Envelope))
	}
	s, ok := e.Snapshot(ctx)
	require.True(t, ok)
	require.Equal(t, uint8(0), s.View)

	// The third reaches quorum without our own,
	// so the engine agrees before moving.
	require.Equal(t, dbftconsensus.HandleEnvelopeAccepted, e.HandleEnvelope(ctx, ef.ChangeView(t, ctx, 3, 0, 1).Envelope))

	_, cv := ef.WaitForMessage(t, dbftconsensus.MessageTypeChangeView)
	require.Equal(t, dbftconsensus.ReasonChangeAgreement, cv.ChangeView.Reason)

	s, ok = e.Snapshot(ctx)
	require.True(t, ok)
	require.Equal(t, uint8(1), s.View)
}

func TestEngine_recoveryRequestResponders(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(t, ctx, 4, testBackup)
	e := ef.Start(t, ctx)

	// With f=1, requests from 2 and 3 are answered by index 0,
	// but a request from 1 is answered by 2 and 3.
	fromOne := ef.RecoveryRequest(t, ctx, 1)
	require.Equal(t, dbftconsensus.HandleEnvelopeAccepted, e.HandleEnvelope(ctx, fromOne.Envelope))

	fromThree := ef.RecoveryRequest(t, ctx, 3)
	require.Equal(t, dbftconsensus.HandleEnvelopeAccepted, e.HandleEnvelope(ctx, fromThree.Envelope))

	// Same envelope again is only answered once.
	require.Equal(t, dbftconsensus.HandleEnvelopeIgnored, e.HandleEnvelope(ctx, fromThree.Envelope))

	_, rm := ef.WaitForMessageAt(t, 3, dbftconsensus.MessageTypeRecoveryMessage)
	require.Equal(t, uint8(testBackup), rm.ValidatorIndex)

	// Replies are sent directly, so they never reach validator 1.
	time.Sleep(gtest.ScaleMs(50))
	ef.RequireNoMessageAt(t, 1, dbftconsensus.MessageTypeRecoveryMessage)
}

func TestEngine_laggingValidatorRecovers(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(t, ctx, 4, testBackup)
	e := ef.Start(t, ctx)

	req, header := ef.PrepareRequest(t, ctx, 0)
	var preps []dbftconsensus.Envelope
	for _, idx := range []int{2, 3} {
		preps = append(preps, ef.PrepareResponse(t, ctx, idx, 0, req).Envelope)
	}
	var commits []dbftconsensus.Envelope
	for _, idx := range []int{1, 2, 3} {
		commits = append(commits, ef.Commit(t, ctx, idx, 0, header).Envelope)
	}

	reqEnv := req.Envelope
	rm := ef.Signed(t, ctx, 2, dbftconsensus.Message{
		Type:       dbftconsensus.MessageTypeRecoveryMessage,
		BlockIndex: 1,
		RecoveryMessage: &dbftconsensus.RecoveryMessage{
			PrepareRequest: &reqEnv,
			Preparations:   preps,
			Commits:        commits,
		},
	})
	require.Equal(t, dbftconsensus.HandleEnvelopeAccepted, e.HandleEnvelope(ctx, rm.Envelope))

	ef.WaitForHeight(t, ctx, 1)
	b, ok := ef.Ledger.Block(1)
	require.True(t, ok)
	require.Equal(t, header.Hash(), b.Hash())
}

func TestEngine_conflictingCommitIsIgnored(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(t, ctx, 4, testBackup)
	e := ef.Start(t, ctx)

	req, header := ef.PrepareRequest(t, ctx, 0)

	bogus := header
	bogus.Nonce++

	// Stored unverified, since there is no header yet.
	require.Equal(t, dbftconsensus.HandleEnvelopeAccepted, e.HandleEnvelope(ctx, ef.Commit(t, ctx, 2, 0, bogus).Envelope))

	// A second, different commit from the same validator is evidence, not an update.
	require.Equal(t, dbftconsensus.HandleEnvelopeIgnored, e.HandleEnvelope(ctx, ef.Commit(t, ctx, 2, 0, header).Envelope))

	// Accepting the request drops the commit that does not match it.
	require.Equal(t, dbftconsensus.HandleEnvelopeAccepted, e.HandleEnvelope(ctx, req.Envelope))
	s, ok := e.Snapshot(ctx)
	require.True(t, ok)
	require.Zero(t, s.Commits)

	// Now the honest commit can be stored.
	require.Equal(t, dbftconsensus.HandleEnvelopeAccepted, e.HandleEnvelope(ctx, ef.Commit(t, ctx, 2, 0, header).Envelope))
}

func TestEngine_rejectsTransactionFailingPolicy(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(t, ctx, 4, testBackup)

	tx := dbftconsensus.Transaction{Nonce: 7, ValidUntilBlock: 100, Script: []byte("spam")}
	require.NoError(t, ef.Pool.Add(ctx, tx))

	e := ef.Start(t, ctx, dbftengine.WithMempool(policyMempool{Pool: ef.Pool}))

	req, _ := ef.PrepareRequest(t, ctx, 0, tx)
	require.Equal(t, dbftconsensus.HandleEnvelopeAccepted, e.HandleEnvelope(ctx, req.Envelope))

	_, cv := ef.WaitForMessage(t, dbftconsensus.MessageTypeChangeView)
	require.Equal(t, dbftconsensus.ReasonTxRejectedByPolicy, cv.ChangeView.Reason)
}

func TestEngine_lateTransaction(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(t, ctx, 4, testBackup)
	e := ef.Start(t, ctx)

	tx := dbftconsensus.Transaction{Nonce: 3, ValidUntilBlock: 100, Script: []byte("late")}
	req, _ := ef.PrepareRequest(t, ctx, 0, tx)
	require.Equal(t, dbftconsensus.HandleEnvelopeAccepted, e.HandleEnvelope(ctx, req.Envelope))

	s, ok := e.Snapshot(ctx)
	require.True(t, ok)
	require.Equal(t, 1, s.TransactionHashes)
	require.False(t, s.ResponseSent)

	require.True(t, e.HandleTransaction(ctx, tx))

	_, resp := ef.WaitForMessage(t, dbftconsensus.MessageTypePrepareResponse)
	require.Equal(t, req.Envelope.Hash(), resp.PrepareResponse.PreparationHash)
}

func TestEngine_restartResendsSameCommit(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(t, ctx, 4, testBackup)

	firstCtx, firstCancel := context.WithCancel(ctx)
	first := ef.Start(t, firstCtx)

	req, _ := ef.PrepareRequest(t, ctx, 0)
	require.Equal(t, dbftconsensus.HandleEnvelopeAccepted, first.HandleEnvelope(ctx, req.Envelope))
	require.Equal(t, dbftconsensus.HandleEnvelopeAccepted, first.HandleEnvelope(ctx, ef.PrepareResponse(t, ctx, 2, 0, req).Envelope))

	sentEnv, _ := ef.WaitForMessage(t, dbftconsensus.MessageTypeCommit)

	firstCancel()
	first.Wait()
	ef.Disconnect()
	ef.DrainObservers()

	second := ef.Start(t, ctx)

	resentEnv, _ := ef.WaitForMessage(t, dbftconsensus.MessageTypeCommit)
	require.Equal(t, sentEnv.Hash(), resentEnv.Hash())
	require.Equal(t, sentEnv.Witness, resentEnv.Witness)

	s, ok := second.Snapshot(ctx)
	require.True(t, ok)
	require.True(t, s.CommitSent)
	require.Equal(t, uint32(1), s.Height)
}

func TestEngine_watchOnlyFinalizesWithoutSending(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(t, ctx, 4, -1)
	e := ef.Start(t, ctx)

	req, header := ef.PrepareRequest(t, ctx, 0)
	require.Equal(t, dbftconsensus.HandleEnvelopeAccepted, e.HandleEnvelope(ctx, req.Envelope))
	for _, idx := range []int{2, 3} {
		require.Equal(t, dbftconsensus.HandleEnvelopeAccepted, e.HandleEnvelope(ctx, ef.PrepareResponse(t, ctx, idx, 0, req).Envelope))
	}
	for _, idx := range []int{1, 2, 3} {
		require.Equal(t, dbftconsensus.HandleEnvelopeAccepted, e.HandleEnvelope(ctx, ef.Commit(t, ctx, idx, 0, header).Envelope))
	}

	ef.WaitForHeight(t, ctx, 1)

	s, ok := e.Snapshot(ctx)
	require.True(t, ok)
	require.Equal(t, "WatchOnly", s.Role)
	require.Equal(t, -1, s.MyIndex)

	for i, obs := range ef.Observers {
		if obs.ch != nil {
			require.Empty(t, obs.ch, "validator %d received an envelope from a watch-only node", i)
		}
	}
}

func TestEngine_blockPersistedExternally(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(t, ctx, 4, testBackup)
	e := ef.Start(t, ctx)

	// Another node's block arrives through sync.
	_, header := ef.PrepareRequest(t, ctx, 0)
	require.NoError(t, ef.Ledger.Persist(ctx, dbftconsensus.Block{Header: header}))
	require.True(t, e.HandleBlockPersisted(ctx, 1))

	require.Eventually(t, func() bool {
		s, ok := e.Snapshot(ctx)
		return ok && s.Height == 2
	}, gtest.ScaleMs(500), gtest.ScaleMs(5))

	// An older notification does not move the engine.
	require.True(t, e.HandleBlockPersisted(ctx, 0))
	s, ok := e.Snapshot(ctx)
	require.True(t, ok)
	require.Equal(t, uint32(2), s.Height)
}

func TestEngine_retriesFailedPersist(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(t, ctx, 4, testBackup)
	ledger := &flakyLedger{Ledger: ef.Ledger}
	ledger.failures.Store(1)

	e := ef.Start(t, ctx, dbftengine.WithLedger(ledger), dbftengine.WithTimePerBlock(gtest.ScaleMs(20)))

	req, header := ef.PrepareRequest(t, ctx, 0)
	require.Equal(t, dbftconsensus.HandleEnvelopeAccepted, e.HandleEnvelope(ctx, req.Envelope))
	require.Equal(t, dbftconsensus.HandleEnvelopeAccepted, e.HandleEnvelope(ctx, ef.PrepareResponse(t, ctx, 2, 0, req).Envelope))
	ef.WaitForMessage(t, dbftconsensus.MessageTypeCommit)

	// The third commit finalizes the block, and the first Persist fails.
	for _, idx := range []int{1, 2} {
		require.Equal(t, dbftconsensus.HandleEnvelopeAccepted, e.HandleEnvelope(ctx, ef.Commit(t, ctx, idx, 0, header).Envelope))
	}

	ef.WaitForHeight(t, ctx, 1)
	require.Less(t, ledger.failures.Load(), int32(0))

	b, ok := ef.Ledger.Block(1)
	require.True(t, ok)
	require.Equal(t, header.Hash(), b.Hash())

	require.Eventually(t, func() bool {
		s, ok := e.Snapshot(ctx)
		return ok && s.Height == 2
	}, gtest.ScaleMs(500), gtest.ScaleMs(5))
}

func TestEngine_futureHeightRequestsRecovery(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(t, ctx, 4, testBackup)
	e := ef.Start(t, ctx)

	// Sent on start.
	ef.WaitForMessage(t, dbftconsensus.MessageTypeRecoveryRequest)

	future := ef.Signed(t, ctx, 2, dbftconsensus.Message{
		Type:            dbftconsensus.MessageTypeRecoveryRequest,
		BlockIndex:      5,
		RecoveryRequest: &dbftconsensus.RecoveryRequest{Timestamp: 1},
	})
	require.Equal(t, dbftconsensus.HandleEnvelopeFuture, e.HandleEnvelope(ctx, future.Envelope))

	_, rr := ef.WaitForMessage(t, dbftconsensus.MessageTypeRecoveryRequest)
	require.Equal(t, uint32(1), rr.BlockIndex)
	require.Equal(t, uint8(0), rr.ViewNumber)
	require.Equal(t, uint8(testBackup), rr.ValidatorIndex)

	// Only one request per round, however many peers are ahead.
	req, _ := ef.PrepareRequest(t, ctx, 1)
	require.Equal(t, dbftconsensus.HandleEnvelopeIgnored, e.HandleEnvelope(ctx, ef.PrepareResponse(t, ctx, 3, 1, req).Envelope))
	time.Sleep(gtest.ScaleMs(50))
	ef.RequireNoMessageAt(t, ef.firstObserver(), dbftconsensus.MessageTypeRecoveryRequest)
}

func TestEngine_futureViewRequestsRecovery(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(t, ctx, 4, testBackup)
	e := ef.Start(t, ctx)

	ef.WaitForMessage(t, dbftconsensus.MessageTypeRecoveryRequest)

	// The rest of the network already moved to view 1.
	req, _ := ef.PrepareRequest(t, ctx, 1)
	require.Equal(t, dbftconsensus.HandleEnvelopeIgnored, e.HandleEnvelope(ctx, ef.PrepareResponse(t, ctx, 2, 1, req).Envelope))

	_, rr := ef.WaitForMessage(t, dbftconsensus.MessageTypeRecoveryRequest)
	require.Equal(t, uint8(0), rr.ViewNumber)

	s, ok := e.Snapshot(ctx)
	require.True(t, ok)
	require.Equal(t, uint8(0), s.View)
	require.Zero(t, s.Preparations)
}

func TestEngine_conflictingPrepareResponseIsIgnored(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(t, ctx, 4, testBackup)
	e := ef.Start(t, ctx)

	req, _ := ef.PrepareRequest(t, ctx, 0)
	other, _ := ef.PrepareRequest(t, ctx, 0, dbftconsensus.Transaction{Nonce: 9, ValidUntilBlock: 100, Script: []byte("other")})
	require.NotEqual(t, req.Envelope.Hash(), other.Envelope.Hash())

	require.Equal(t, dbftconsensus.HandleEnvelopeAccepted, e.HandleEnvelope(ctx, ef.PrepareResponse(t, ctx, 2, 0, req).Envelope))
	require.Equal(t, dbftconsensus.HandleEnvelopeIgnored, e.HandleEnvelope(ctx, ef.PrepareResponse(t, ctx, 2, 0, other).Envelope))

	// The first response still counts toward the quorum for req.
	require.Equal(t, dbftconsensus.HandleEnvelopeAccepted, e.HandleEnvelope(ctx, req.Envelope))
	_, commit := ef.WaitForMessage(t, dbftconsensus.MessageTypeCommit)
	require.Equal(t, uint8(testBackup), commit.ValidatorIndex)
}

func TestEngine_conflictingChangeViewIsIgnored(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(t, ctx, 4, testBackup)
	e := ef.Start(t, ctx)

	require.Equal(t, dbftconsensus.HandleEnvelopeAccepted, e.HandleEnvelope(ctx, ef.ChangeView(t, ctx, 2, 0, 1).Envelope))

	// Same view, different target.
	require.Equal(t, dbftconsensus.HandleEnvelopeIgnored, e.HandleEnvelope(ctx, ef.ChangeView(t, ctx, 2, 0, 2).Envelope))

	s, ok := e.Snapshot(ctx)
	require.True(t, ok)
	require.Equal(t, 1, s.ChangeViews)
}

func TestEngine_recoveryMessageFiltersByPreparationHash(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(t, ctx, 4, testBackup)
	e := ef.Start(t, ctx)

	req, _ := ef.PrepareRequest(t, ctx, 0)
	other, _ := ef.PrepareRequest(t, ctx, 0, dbftconsensus.Transaction{Nonce: 9, ValidUntilBlock: 100, Script: []byte("other")})

	h := req.Envelope.Hash()
	rm := ef.Signed(t, ctx, 2, dbftconsensus.Message{
		Type:       dbftconsensus.MessageTypeRecoveryMessage,
		BlockIndex: 1,
		RecoveryMessage: &dbftconsensus.RecoveryMessage{
			PreparationHash: &h,
			Preparations: []dbftconsensus.Envelope{
				ef.PrepareResponse(t, ctx, 2, 0, req).Envelope,
				ef.PrepareResponse(t, ctx, 3, 0, other).Envelope,
			},
		},
	})
	require.Equal(t, dbftconsensus.HandleEnvelopeAccepted, e.HandleEnvelope(ctx, rm.Envelope))

	s, ok := e.Snapshot(ctx)
	require.True(t, ok)
	require.Equal(t, 1, s.Preparations)

	// The response for the other request was not stored, so 3 may still respond.
	require.Equal(t, dbftconsensus.HandleEnvelopeAccepted, e.HandleEnvelope(ctx, ef.PrepareResponse(t, ctx, 3, 0, req).Envelope))
}

// engineFixture runs one engine on an in-process network
// and plays the other validators from the test.
type engineFixture struct {
	Fx     *dbftconsensustest.Fixture
	Ledger *dbftconsensustest.Ledger
	Pool   *dbftmempool.Pool
	Store  *dbftmemstore.ContextStore
	Net    *dbftp2ptest.Network

	// Indexed by validator; the entry for the engine has a nil channel.
	Observers []chanHandler

	// Engine's validator index, or -1 for watch-only.
	Idx int

	conn *dbftp2ptest.Connection
}

func newEngineFixture(t *testing.T, ctx context.Context, n, idx int) *engineFixture {
	t.Helper()

	fx := dbftconsensustest.NewEd25519Fixture(n)
	net := dbftp2ptest.NewNetwork(ctx, gtest.NewLogger(t).With("sys", "net"))
	t.Cleanup(net.Wait)

	ef := &engineFixture{
		Fx:     fx,
		Ledger: fx.NewLedger(),
		Pool:   dbftmempool.New(gtest.NewLogger(t), dbftmempool.Config{}),
		Store:  dbftmemstore.NewContextStore(),
		Net:    net,

		Observers: make([]chanHandler, n),

		Idx: idx,
	}

	for i, k := range fx.Keys {
		if i == idx {
			continue
		}
		ef.Observers[i] = chanHandler{ch: make(chan dbftconsensus.Envelope, 256)}
		net.Connect(k).SetEnvelopeHandler(ef.Observers[i])
	}

	return ef
}

// Start runs a new engine for the fixture's validator.
// Later opts override the fixture defaults.
func (ef *engineFixture) Start(t *testing.T, ctx context.Context, opts ...dbftengine.Opt) *dbftengine.Engine {
	t.Helper()

	var key gcrypto.PubKey
	if ef.Idx >= 0 {
		key = ef.Fx.Keys[ef.Idx]
	} else {
		key = gcryptotest.DeterministicEd25519PubKeys(len(ef.Fx.Keys) + 1)[len(ef.Fx.Keys)]
	}
	ef.conn = ef.Net.Connect(key)

	base := []dbftengine.Opt{
		dbftengine.WithLedger(ef.Ledger),
		dbftengine.WithMempool(ef.Pool),
		dbftengine.WithConnection(ef.conn),
		dbftengine.WithCodec(ef.Fx.Codec),
		dbftengine.WithContextStore(ef.Store),
		dbftengine.WithNetwork(ef.Fx.Network),
		dbftengine.WithTimePerBlock(time.Minute),
		dbftengine.WithTimeoutStrategy(dbftengine.ExponentialTimeoutStrategy{Base: time.Hour}),
		dbftengine.WithAssertEnv(gasserttest.DefaultEnv()),
	}
	if ef.Idx >= 0 {
		base = append(base, dbftengine.WithSigner(ef.Fx.Signers[ef.Idx]))
	}

	e, err := dbftengine.New(ctx, gtest.NewLogger(t).With("sys", "engine"), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(e.Wait)

	return e
}

func (ef *engineFixture) Disconnect() {
	ef.conn.Disconnect()
}

func (ef *engineFixture) DrainObservers() {
	for _, obs := range ef.Observers {
		if obs.ch == nil {
			continue
		}
	drain:
		for {
			select {
			case <-obs.ch:
			default:
				break drain
			}
		}
	}
}

func (ef *engineFixture) firstObserver() int {
	for i, obs := range ef.Observers {
		if obs.ch != nil {
			return i
		}
	}
	panic("BUG: no observers")
}

// WaitForMessage returns the next envelope of type typ sent by the engine,
// skipping envelopes of other types.
func (ef *engineFixture) WaitForMessage(t *testing.T, typ dbftconsensus.MessageType) (dbftconsensus.Envelope, dbftconsensus.Message) {
	t.Helper()
	return ef.WaitForMessageAt(t, ef.firstObserver(), typ)
}

// WaitForMessageAt is like WaitForMessage, as seen by validator idx.
func (ef *engineFixture) WaitForMessageAt(t *testing.T, idx int, typ dbftconsensus.MessageType) (dbftconsensus.Envelope, dbftconsensus.Message) {
	t.Helper()

	timeout := time.After(gtest.ScaleMs(2000))
	for {
		select {
		case env := <-ef.Observers[idx].ch:
			var msg dbftconsensus.Message
			require.NoError(t, ef.Fx.Codec.UnmarshalMessage(env.Data, &msg))
			if msg.Type == typ {
				return env, msg
			}
		case <-timeout:
			t.Fatalf("validator %d did not receive %s", idx, typ)
		}
	}
}

func (ef *engineFixture) RequireNoMessageAt(t *testing.T, idx int, typ dbftconsensus.MessageType) {
	t.Helper()

	for {
		select {
		case env := <-ef.Observers[idx].ch:
			var msg dbftconsensus.Message
			require.NoError(t, ef.Fx.Codec.UnmarshalMessage(env.Data, &msg))
			require.NotEqual(t, typ, msg.Type)
		default:
			return
		}
	}
}

func (ef *engineFixture) WaitForHeight(t *testing.T, ctx context.Context, h uint32) {
	t.Helper()

	ctx, cancel := context.WithTimeout(ctx, gtest.ScaleMs(2000))
	defer cancel()
	require.NoError(t, ef.Ledger.WaitForHeight(ctx, h))
}

func (ef *engineFixture) Signed(t *testing.T, ctx context.Context, idx int, msg dbftconsensus.Message) *dbftconsensus.Payload {
	t.Helper()

	p, err := ef.Fx.SignedPayload(ctx, idx, msg)
	require.NoError(t, err)
	return p
}

// PrepareRequest returns a signed request from the primary at height 1
// and the header validators commit to after accepting it.
func (ef *engineFixture) PrepareRequest(
	t *testing.T, ctx context.Context, view uint8, txs ...dbftconsensus.Transaction,
) (*dbftconsensus.Payload, dbftconsensus.Header) {
	t.Helper()

	msg := ef.Fx.PrepareRequest(ef.Fx.Genesis, view, uint64(time.Now().UnixMilli()), txs)
	p := ef.Signed(t, ctx, int(msg.ValidatorIndex), msg)
	return p, ef.Fx.CandidateHeader(ef.Fx.Genesis, msg)
}

func (ef *engineFixture) PrepareResponse(
	t *testing.T, ctx context.Context, idx int, view uint8, req *dbftconsensus.Payload,
) *dbftconsensus.Payload {
	t.Helper()

	return ef.Signed(t, ctx, idx, dbftconsensus.Message{
		Type:       dbftconsensus.MessageTypePrepareResponse,
		BlockIndex: 1,
		ViewNumber: view,
		PrepareResponse: &dbftconsensus.PrepareResponse{
			PreparationHash: req.Envelope.Hash(),
		},
	})
}

func (ef *engineFixture) Commit(
	t *testing.T, ctx context.Context, idx int, view uint8, header dbftconsensus.Header,
) *dbftconsensus.Payload {
	t.Helper()

	p, err := ef.Fx.SignedCommit(ctx, idx, view, header)
	require.NoError(t, err)
	return p
}

func (ef *engineFixture) ChangeView(t *testing.T, ctx context.Context, idx int, view, newView uint8) *dbftconsensus.Payload {
	t.Helper()

	return ef.Signed(t, ctx, idx, dbftconsensus.Message{
		Type:       dbftconsensus.MessageTypeChangeView,
		BlockIndex: 1,
		ViewNumber: view,
		ChangeView: &dbftconsensus.ChangeView{
			NewViewNumber: newView,
			Timestamp:     uint64(time.Now().UnixMilli()),
			Reason:        dbftconsensus.ReasonTimeout,
		},
	})
}

func (ef *engineFixture) RecoveryRequest(t *testing.T, ctx context.Context, idx int) *dbftconsensus.Payload {
	t.Helper()

	return ef.Signed(t, ctx, idx, dbftconsensus.Message{
		Type:            dbftconsensus.MessageTypeRecoveryRequest,
		BlockIndex:      1,
		RecoveryRequest: &dbftconsensus.RecoveryRequest{Timestamp: uint64(time.Now().UnixMilli())},
	})
}

type chanHandler struct {
	ch chan dbftconsensus.Envelope
}

func (h chanHandler) HandleEnvelope(_ context.Context, env dbftconsensus.Envelope) dbftconsensus.HandleEnvelopeResult {
	h.ch <- env
	return dbftconsensus.HandleEnvelopeAccepted
}

// stepTimeouts uses the last entry for every later view.
type stepTimeouts []time.Duration

func (s stepTimeouts) ViewTimeout(v uint8) time.Duration {
	return s[min(int(v), len(s)-1)]
}

// flakyLedger fails the first failures calls to Persist.
type flakyLedger struct {
	*dbftconsensustest.Ledger

	failures atomic.Int32
}

func (l *flakyLedger) Persist(ctx context.Context, b dbftconsensus.Block) error {
	if l.failures.Add(-1) >= 0 {
		return errors.New("disk unavailable")
	}
	return l.Ledger.Persist(ctx, b)
}

// policyMempool rejects every transaction by policy at verification time.
type policyMempool struct {
	*dbftmempool.Pool
}

func (policyMempool) Verify(context.Context, dbftconsensus.Transaction) error {
	return fmt.Errorf("%w: rejected for test", dbftconsensus.ErrTxPolicy)
}
