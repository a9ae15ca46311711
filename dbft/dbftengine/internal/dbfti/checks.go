package dbfti

import (
	"context"
	"time"

	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
)

// checkPrepareResponse sends the local prepare response
// once every proposed transaction is present and within block limits.
// It reports false if the proposal was rejected.
func (k *Kernel) checkPrepareResponse(ctx context.Context) bool {
	if !k.c.HasAllTransactions() {
		return true
	}

	if k.c.WatchOnly() {
		// Commits may have arrived before the transactions.
		k.checkCommits(ctx)
		return true
	}
	if k.c.IsPrimary() {
		// The primary recovered its own request.
		return true
	}

	if limit, exceeded := k.c.ExceedsLimits(); exceeded {
		k.log.Warn(
			"Rejecting proposal over block limit",
			"h", k.c.BlockIndex(), "v", k.c.ViewNumber, "limit", limit,
		)
		k.requestChangeView(ctx, dbftconsensus.ReasonBlockRejectedByPolicy)
		return false
	}

	k.extendTimerByFactor(2)

	p, err := k.c.MakePrepareResponse(ctx)
	if err != nil {
		k.log.Error("Failed to make prepare response", "err", err)
		return false
	}
	k.log.Debug("Sending prepare response", "h", k.c.BlockIndex(), "v", k.c.ViewNumber)
	k.broadcast(ctx, p)

	k.checkPreparations(ctx)
	return true
}

// checkPreparations commits once a quorum prepared the proposal.
func (k *Kernel) checkPreparations(ctx context.Context) {
	if k.c.WatchOnly() {
		return
	}
	if k.c.CountPreparations() < k.c.M() || !k.c.HasAllTransactions() {
		return
	}

	p, err := k.c.MakeCommit(ctx)
	if err != nil {
		k.log.Error("Failed to make commit", "err", err)
		return
	}

	// The snapshot must be durable before the commit leaves the process,
	// so that a restart resends this commit instead of signing another.
	if err := k.store.SaveRoundSnapshot(ctx, k.c.Snapshot()); err != nil {
		k.log.Error("Failed to save round snapshot before commit", "err", err)
	}

	k.log.Info(
		"Sending commit",
		"h", k.c.BlockIndex(), "v", k.c.ViewNumber,
		"commit_v", p.Message.ViewNumber,
	)
	k.broadcast(ctx, p)

	// Resend if the network loses it.
	k.changeTimer(k.tpb)

	k.checkCommits(ctx)
}

// checkCommits finalizes the block once a quorum committed in the current view.
func (k *Kernel) checkCommits(ctx context.Context) {
	if k.c.BlockSent() {
		return
	}
	if k.c.CountCurrentViewCommits() < k.c.M() || !k.c.HasAllTransactions() {
		return
	}

	b, err := k.c.CreateBlock()
	if err != nil {
		k.log.Warn("Failed to create block", "h", k.c.BlockIndex(), "v", k.c.ViewNumber, "err", err)
		return
	}

	blockHash := b.Hash()
	k.log.Info(
		"Finalized block",
		"h", b.Header.Index, "v", k.c.ViewNumber,
		"hash", blockHash, "txs", len(b.Transactions),
	)

	k.persistBlock(ctx, b)
}

// persistBlock hands the finalized block to the ledger.
// On failure the block is kept and the timer retries it one block time later.
func (k *Kernel) persistBlock(ctx context.Context, b dbftconsensus.Block) {
	if err := k.ledger.Persist(ctx, b); err != nil {
		k.log.Error("Failed to persist block", "h", b.Header.Index, "err", err)
		k.changeTimer(k.tpb)
		return
	}

	var latency time.Duration
	if !k.prepareRequestTime.IsZero() {
		latency = k.now().Sub(k.prepareRequestTime)
	}
	k.metrics.BlockFinalized(len(b.Transactions), latency)

	if err := k.store.ClearRoundSnapshot(ctx); err != nil {
		k.log.Warn("Failed to clear round snapshot", "err", err)
	}

	k.advance(ctx)
}

// checkExpectedView moves to view v once a quorum asked for it,
// first telling the network that the local validator agrees.
func (k *Kernel) checkExpectedView(ctx context.Context, v uint8) {
	if k.c.ViewNumber >= v {
		return
	}
	if k.c.CountChangeViewsAtLeast(v) < k.c.M() {
		return
	}

	if !k.c.WatchOnly() {
		if k.c.ExpectedView(uint8(k.c.MyIndex)) < v {
			p, err := k.c.MakeChangeView(ctx, dbftconsensus.ReasonChangeAgreement)
			if err != nil {
				k.log.Error("Failed to make change agreement", "err", err)
			} else {
				k.metrics.ChangeViewRequested(dbftconsensus.ReasonChangeAgreement)
				k.broadcast(ctx, p)
			}
		}
	}

	k.initializeConsensus(ctx, v)
}
