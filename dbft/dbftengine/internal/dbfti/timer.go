package dbfti

import (
	"context"
	"math"
	"runtime/trace"
	"time"

	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
)

// changeTimer schedules a timeout for the current height and view,
// replacing any pending one.
func (k *Kernel) changeTimer(d time.Duration) {
	k.clockStarted = k.now()
	k.expectedDelay = d
	k.timerHeight = k.c.BlockIndex()
	k.timerView = k.c.ViewNumber
	k.timer.Reset(d)
}

// extendTimerByFactor pushes the pending timeout back
// by factor block times divided among a quorum.
// It never shortens the timer.
func (k *Kernel) extendTimerByFactor(factor int) {
	if k.c.WatchOnly() || k.c.ViewChanging() || k.c.CommitSent() {
		return
	}

	remaining := k.expectedDelay - k.now().Sub(k.clockStarted)
	next := remaining + time.Duration(factor)*k.tpb/time.Duration(k.c.M())
	if next > 0 {
		k.changeTimer(next)
	}
}

func (k *Kernel) onTimer(ctx context.Context) {
	defer trace.StartRegion(ctx, "onTimer").End()

	if k.timerHeight != k.c.BlockIndex() || k.timerView != k.c.ViewNumber {
		return
	}

	if k.c.BlockSent() {
		// Only reachable when the ledger refused the block.
		b, err := k.c.CreateBlock()
		if err != nil {
			k.log.Error("Failed to reload finalized block", "h", k.timerHeight, "err", err)
			return
		}
		k.log.Info("Retrying block persistence", "h", k.timerHeight, "v", k.timerView)
		k.persistBlock(ctx, b)
		return
	}
	if k.c.WatchOnly() {
		return
	}

	k.log.Debug("Timeout", "h", k.timerHeight, "v", k.timerView)

	if k.c.IsPrimary() && !k.c.RequestSentOrReceived() {
		k.sendPrepareRequest(ctx)
		return
	}

	if k.c.CommitSent() {
		// Peers that missed the commit learn it from the recovery message.
		k.log.Debug("Resending commit in recovery message", "h", k.timerHeight, "v", k.timerView)
		if p, err := k.c.MakeRecoveryMessage(ctx); err != nil {
			k.log.Warn("Failed to make recovery message", "err", err)
		} else {
			k.broadcast(ctx, p)
		}
		k.changeTimer(k.tpb << 1)
		return
	}

	reason := dbftconsensus.ReasonTimeout
	if k.c.TransactionHashes != nil && !k.c.HasAllTransactions() {
		reason = dbftconsensus.ReasonTxNotFound
	}
	k.requestChangeView(ctx, reason)
}

// initializeConsensus resets the context to view v of the current height
// and schedules the first timeout of that view.
func (k *Kernel) initializeConsensus(ctx context.Context, v uint8) {
	k.fetchGen++

	prevPrimary := k.c.PrimaryIndex()
	if err := k.c.Reset(ctx, v); err != nil {
		k.log.Error("Failed to reset consensus context", "v", v, "err", err)
		return
	}

	if v > 0 {
		k.log.Warn(
			"Changed view",
			"h", k.c.BlockIndex(), "v", v,
			"prev_primary", prevPrimary, "primary", k.c.PrimaryIndex(),
		)
		k.metrics.ViewChanged()
	}
	k.metrics.SetRound(k.c.BlockIndex(), v)

	role := "Backup"
	switch {
	case k.c.WatchOnly():
		role = "WatchOnly"
	case k.c.IsPrimary():
		role = "Primary"
	}
	k.log.Info(
		"Initialized round",
		"h", k.c.BlockIndex(), "v", v,
		"my_index", k.c.MyIndex, "role", role,
	)

	if k.c.WatchOnly() {
		return
	}

	if !k.c.IsPrimary() {
		k.changeTimer(k.timeouts.ViewTimeout(v))
		return
	}

	if k.isRecovering {
		k.changeTimer(k.timeouts.ViewTimeout(v))
		return
	}

	// The primary proposes one block time after the previous block arrived.
	elapsed := k.now().Sub(k.blockReceivedTime)
	if elapsed >= k.tpb {
		k.changeTimer(0)
	} else {
		k.changeTimer(k.tpb - elapsed)
	}
}

func (k *Kernel) sendPrepareRequest(ctx context.Context) {
	p, err := k.c.MakePrepareRequest(ctx)
	if err != nil {
		k.log.Error("Failed to make prepare request", "err", err)
		return
	}

	k.log.Info(
		"Sending prepare request",
		"h", k.c.BlockIndex(), "v", k.c.ViewNumber,
		"txs", len(k.c.TransactionHashes),
	)
	k.prepareRequestTime = k.now()
	k.broadcast(ctx, p)

	// Backups time out at ViewTimeout(v) after entering the view,
	// and at view 0 the primary entered it about one block time ago.
	d := k.timeouts.ViewTimeout(k.c.ViewNumber)
	if k.c.ViewNumber == 0 {
		d -= k.tpb
	}
	if d <= 0 {
		d = k.tpb
	}
	k.changeTimer(d)

	if len(k.c.Validators) == 1 {
		k.checkPreparations(ctx)
	}
}

// requestChangeView asks the network to move to the next view,
// or asks for recovery when a view change could not gather a quorum.
func (k *Kernel) requestChangeView(ctx context.Context, reason dbftconsensus.ChangeViewReason) {
	if k.c.WatchOnly() {
		return
	}

	if k.c.ViewNumber == math.MaxUint8 {
		k.log.Error("Cannot change view past the last view", "h", k.c.BlockIndex())
		k.changeTimer(k.timeouts.ViewTimeout(k.c.ViewNumber))
		k.requestRecovery(ctx)
		return
	}

	expected := k.c.ViewNumber + 1
	k.changeTimer(k.timeouts.ViewTimeout(expected))

	if k.c.MoreThanFNodesCommittedOrLost() {
		k.log.Info(
			"Requesting recovery instead of view change",
			"h", k.c.BlockIndex(), "v", k.c.ViewNumber,
			"committed", k.c.CountCommitted(), "failed", k.c.CountFailed(),
		)
		k.requestRecovery(ctx)
		return
	}

	p, err := k.c.MakeChangeView(ctx, reason)
	if err != nil {
		k.log.Error("Failed to make change view", "err", err)
		return
	}

	k.log.Info(
		"Requesting view change",
		"h", k.c.BlockIndex(), "v", k.c.ViewNumber,
		"new_v", expected, "reason", reason,
	)
	k.metrics.ChangeViewRequested(reason)
	k.broadcast(ctx, p)
	k.checkExpectedView(ctx, expected)
}

func (k *Kernel) requestRecovery(ctx context.Context) {
	p, err := k.c.MakeRecoveryRequest(ctx)
	if err != nil {
		k.log.Error("Failed to make recovery request", "err", err)
		return
	}
	k.broadcast(ctx, p)
}
