package dbfti

import (
	"context"
	"errors"
	"runtime/trace"

	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/gordian-engine/dbft/internal/glog"
)

// handleEnvelope is the entry point for envelopes from the network.
func (k *Kernel) handleEnvelope(ctx context.Context, env dbftconsensus.Envelope) dbftconsensus.HandleEnvelopeResult {
	defer trace.StartRegion(ctx, "handleEnvelope").End()

	return k.processEnvelope(ctx, env, anyMessageType)
}

// anyMessageType is not a valid wire value,
// so it can stand for no restriction in processEnvelope.
const anyMessageType dbftconsensus.MessageType = 0xFF

// processEnvelope verifies env against the current round and applies it.
// Unless want is anyMessageType, only that message type is accepted,
// which is how envelopes embedded in a recovery message are handled.
func (k *Kernel) processEnvelope(
	ctx context.Context, env dbftconsensus.Envelope, want dbftconsensus.MessageType,
) dbftconsensus.HandleEnvelopeResult {
	if k.c.BlockSent() {
		return dbftconsensus.HandleEnvelopeIgnored
	}

	p, err := k.c.VerifyEnvelope(env)
	if err != nil {
		res := k.rejectEnvelope(env, err)
		if res == dbftconsensus.HandleEnvelopeFuture && want == anyMessageType {
			k.recoverFromAhead(ctx, "height")
		}
		return res
	}

	msg := p.Message
	if want != anyMessageType && msg.Type != want {
		k.log.Debug(
			"Dropping embedded envelope of unexpected type",
			"want", want, "got", msg.Type, "index", msg.ValidatorIndex,
		)
		return dbftconsensus.HandleEnvelopeMalformed
	}

	k.c.MarkSeen(msg.ValidatorIndex, msg.BlockIndex)

	// Recovery messages from a later view carry their own catch-up path.
	if want == anyMessageType &&
		msg.ViewNumber > k.c.ViewNumber &&
		msg.Type != dbftconsensus.MessageTypeRecoveryMessage {
		k.recoverFromAhead(ctx, "view")
	}

	var applied bool
	switch msg.Type {
	case dbftconsensus.MessageTypeChangeView:
		applied = k.onChangeView(ctx, p)
	case dbftconsensus.MessageTypePrepareRequest:
		applied = k.onPrepareRequest(ctx, p)
	case dbftconsensus.MessageTypePrepareResponse:
		applied = k.onPrepareResponse(ctx, p)
	case dbftconsensus.MessageTypeCommit:
		applied = k.onCommit(ctx, p)
	case dbftconsensus.MessageTypeRecoveryRequest:
		applied = k.onRecoveryRequest(ctx, p)
	case dbftconsensus.MessageTypeRecoveryMessage:
		applied = k.onRecoveryMessage(ctx, p)
	}

	if applied {
		return dbftconsensus.HandleEnvelopeAccepted
	}
	return dbftconsensus.HandleEnvelopeIgnored
}

func (k *Kernel) rejectEnvelope(env dbftconsensus.Envelope, err error) dbftconsensus.HandleEnvelopeResult {
	switch {
	case errors.Is(err, dbftconsensus.ErrStale):
		return dbftconsensus.HandleEnvelopeStale

	case errors.Is(err, dbftconsensus.ErrFuture):
		// Validators ahead of us; the ledger has to catch up
		// before these can be applied.
		k.log.Info(
			"Received message for future block",
			"h", k.c.BlockIndex(), "sender", env.Sender, "err", err,
		)
		return dbftconsensus.HandleEnvelopeFuture

	case errors.Is(err, dbftconsensus.ErrBadSignature):
		k.log.Warn("Dropping envelope with bad signature", "sender", env.Sender, "err", err)
		return dbftconsensus.HandleEnvelopeBadSignature

	case errors.Is(err, dbftconsensus.ErrUnknownValidator), errors.Is(err, dbftconsensus.ErrBadSender):
		k.log.Warn("Dropping envelope from unknown sender", "sender", env.Sender, "err", err)
		return dbftconsensus.HandleEnvelopeUnknownSender

	default:
		k.log.Debug("Dropping malformed envelope", "sender", env.Sender, "err", err)
		return dbftconsensus.HandleEnvelopeMalformed
	}
}

func (k *Kernel) onPrepareRequest(ctx context.Context, p *dbftconsensus.Payload) bool {
	defer trace.StartRegion(ctx, "onPrepareRequest").End()

	msg := p.Message
	req := msg.PrepareRequest

	if k.c.RequestSentOrReceived() || k.c.NotAcceptingPayloadsDueToViewChanging() {
		return false
	}
	if msg.ValidatorIndex != k.c.PrimaryIndex() || msg.ViewNumber != k.c.ViewNumber {
		return false
	}

	if req.Version != k.c.Header.Version || req.PrevHash != k.c.Header.PrevHash {
		k.log.Warn(
			"Rejecting prepare request for another chain",
			"h", msg.BlockIndex, "v", msg.ViewNumber,
			"version", req.Version, "prev_hash", glog.Hex(req.PrevHash[:]),
		)
		return false
	}
	if maxTxs := k.c.MaxTransactionsPerBlock(); maxTxs > 0 && len(req.TransactionHashes) > maxTxs {
		k.log.Warn(
			"Rejecting prepare request with too many transactions",
			"h", msg.BlockIndex, "v", msg.ViewNumber,
			"txs", len(req.TransactionHashes), "max", maxTxs,
		)
		return false
	}

	latest := uint64(k.now().Add(8 * k.tpb).UnixMilli())
	if req.Timestamp <= k.c.PrevHeader.Timestamp || req.Timestamp > latest {
		k.log.Warn(
			"Rejecting prepare request with incorrect timestamp",
			"h", msg.BlockIndex, "v", msg.ViewNumber,
			"ts", req.Timestamp, "prev_ts", k.c.PrevHeader.Timestamp,
		)
		return false
	}

	k.log.Debug(
		"Received prepare request",
		"h", msg.BlockIndex, "v", msg.ViewNumber,
		"index", msg.ValidatorIndex, "txs", len(req.TransactionHashes),
	)

	k.extendTimerByFactor(2)

	if dropped := k.c.AcceptPrepareRequest(p); len(dropped) > 0 {
		k.log.Warn(
			"Dropped commits not matching prepare request",
			"h", msg.BlockIndex, "v", msg.ViewNumber, "indices", dropped,
		)
	}
	if k.prepareRequestTime.IsZero() {
		k.prepareRequestTime = k.now()
	}

	if len(k.c.TransactionHashes) == 0 {
		k.checkPrepareResponse(ctx)
		return true
	}

	k.fetchTransactions(ctx, k.c.TransactionHashes)
	return true
}

func (k *Kernel) onPrepareResponse(ctx context.Context, p *dbftconsensus.Payload) bool {
	defer trace.StartRegion(ctx, "onPrepareResponse").End()

	msg := p.Message
	idx := msg.ValidatorIndex

	if msg.ViewNumber != k.c.ViewNumber {
		return false
	}
	if idx == k.c.PrimaryIndex() {
		k.log.Warn(
			"Primary sent a prepare response",
			"h", msg.BlockIndex, "v", msg.ViewNumber, "index", idx,
			glog.Byzantine,
		)
		return false
	}
	if existing := k.c.Preparations[idx]; existing != nil {
		if existing.Envelope.Hash() != p.Envelope.Hash() {
			k.log.Warn(
				"Validator sent a different prepare response",
				"h", msg.BlockIndex, "v", msg.ViewNumber, "index", idx,
				glog.Byzantine,
			)
		}
		return false
	}
	if k.c.NotAcceptingPayloadsDueToViewChanging() {
		return false
	}

	if req := k.c.Preparations[k.c.PrimaryIndex()]; req != nil {
		if msg.PrepareResponse.PreparationHash != req.Envelope.Hash() {
			k.log.Debug(
				"Prepare response does not match request",
				"h", msg.BlockIndex, "v", msg.ViewNumber, "index", idx,
			)
			return false
		}
	}

	k.extendTimerByFactor(2)

	k.log.Debug("Received prepare response", "h", msg.BlockIndex, "v", msg.ViewNumber, "index", idx)
	k.c.Preparations[idx] = p

	if k.c.WatchOnly() || k.c.CommitSent() {
		return true
	}
	if k.c.RequestSentOrReceived() {
		k.checkPreparations(ctx)
	}
	return true
}

func (k *Kernel) onCommit(ctx context.Context, p *dbftconsensus.Payload) bool {
	defer trace.StartRegion(ctx, "onCommit").End()

	msg := p.Message
	idx := msg.ValidatorIndex

	if existing := k.c.Commits[idx]; existing != nil {
		if existing.Envelope.Hash() != p.Envelope.Hash() {
			k.log.Warn(
				"Validator sent a different commit",
				"h", msg.BlockIndex, "v", msg.ViewNumber, "index", idx,
				"existing_v", existing.Message.ViewNumber,
				glog.Byzantine,
			)
		}
		return false
	}

	if msg.ViewNumber != k.c.ViewNumber {
		k.log.Debug(
			"Recording commit for another view",
			"h", msg.BlockIndex, "v", k.c.ViewNumber, "commit_v", msg.ViewNumber, "index", idx,
		)
		k.c.Commits[idx] = p
		return true
	}

	k.extendTimerByFactor(4)

	k.log.Debug(
		"Received commit",
		"h", msg.BlockIndex, "v", msg.ViewNumber, "index", idx,
		"committed", k.c.CountCommitted(), "failed", k.c.CountFailed(),
	)

	if k.c.EnsureHeader() == nil {
		// Checked against the header once the prepare request arrives.
		k.c.Commits[idx] = p
		return true
	}

	if !k.c.VerifyCommit(p) {
		k.log.Warn(
			"Commit signature does not match candidate header",
			"h", msg.BlockIndex, "v", msg.ViewNumber, "index", idx,
		)
		return false
	}

	k.c.Commits[idx] = p
	k.checkCommits(ctx)
	return true
}

func (k *Kernel) onChangeView(ctx context.Context, p *dbftconsensus.Payload) bool {
	defer trace.StartRegion(ctx, "onChangeView").End()

	msg := p.Message
	cv := msg.ChangeView

	if cv.NewViewNumber <= k.c.ViewNumber {
		// The sender is behind us; it may need a recovery message.
		k.onRecoveryRequest(ctx, p)
	}

	// Repeated timeouts resend the same view change with a new timestamp,
	// so only a different target view for the same view conflicts.
	if existing := k.c.ChangeViews[msg.ValidatorIndex]; existing != nil &&
		existing.Message.ViewNumber == msg.ViewNumber &&
		existing.Message.ChangeView.NewViewNumber != cv.NewViewNumber {
		k.log.Warn(
			"Validator sent conflicting change views",
			"h", msg.BlockIndex, "v", msg.ViewNumber, "index", msg.ValidatorIndex,
			"new_v", cv.NewViewNumber, "existing_new_v", existing.Message.ChangeView.NewViewNumber,
			glog.Byzantine,
		)
		return false
	}

	if k.c.CommitSent() {
		return false
	}
	if cv.NewViewNumber <= k.c.ExpectedView(msg.ValidatorIndex) {
		return false
	}

	k.log.Debug(
		"Received change view",
		"h", msg.BlockIndex, "v", msg.ViewNumber, "index", msg.ValidatorIndex,
		"new_v", cv.NewViewNumber, "reason", cv.Reason,
	)
	k.c.ChangeViews[msg.ValidatorIndex] = p
	k.checkExpectedView(ctx, cv.NewViewNumber)
	return true
}

// onTransaction handles a transaction that arrived after the prepare request.
func (k *Kernel) onTransaction(ctx context.Context, tx dbftconsensus.Transaction) {
	defer trace.StartRegion(ctx, "onTransaction").End()

	if !k.acceptsLateTransactions() || !k.c.WantsTransaction(tx.Hash()) {
		return
	}
	k.verifyTransactions(ctx, []dbftconsensus.Transaction{tx}, true)
}

func (k *Kernel) acceptsLateTransactions() bool {
	return k.c.IsBackup() &&
		!k.c.NotAcceptingPayloadsDueToViewChanging() &&
		k.c.RequestSentOrReceived() &&
		!k.c.ResponseSent() &&
		!k.c.BlockSent()
}

func (k *Kernel) onTxArrival(ctx context.Context, a txArrival) {
	defer trace.StartRegion(ctx, "onTxArrival").End()

	if a.gen != k.fetchGen {
		return
	}
	if a.late && !k.acceptsLateTransactions() {
		return
	}

	for _, v := range a.txs {
		if !k.c.WantsTransaction(v.tx.Hash()) {
			continue
		}
		if !k.addTransaction(ctx, v.tx, v.err) {
			return
		}
	}
}

// addTransaction stores a fetched transaction,
// or asks for a view change if it failed verification.
// It reports whether processing of the proposal should continue.
func (k *Kernel) addTransaction(ctx context.Context, tx dbftconsensus.Transaction, verifyErr error) bool {
	if verifyErr != nil {
		reason := dbftconsensus.ReasonTxInvalid
		if errors.Is(verifyErr, dbftconsensus.ErrTxPolicy) {
			reason = dbftconsensus.ReasonTxRejectedByPolicy
		}
		h := tx.Hash()
		k.log.Warn(
			"Proposed transaction failed verification",
			"h", k.c.BlockIndex(), "v", k.c.ViewNumber,
			"tx", glog.Hex(h[:]), "err", verifyErr,
		)
		k.requestChangeView(ctx, reason)
		return false
	}

	k.c.AddTransaction(tx)
	return k.checkPrepareResponse(ctx)
}

// fetchTransactions looks up and verifies the proposed transactions
// in the background; results arrive on the kernel's txArrivals channel.
func (k *Kernel) fetchTransactions(ctx context.Context, hashes []dbftconsensus.Hash) {
	gen := k.fetchGen
	hashes = append([]dbftconsensus.Hash(nil), hashes...)

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()

		txs := make([]dbftconsensus.Transaction, 0, len(hashes))
		for _, h := range hashes {
			if tx, ok := k.mempool.Get(ctx, h); ok {
				txs = append(txs, tx)
			}
		}
		if len(txs) < len(hashes) {
			k.log.Debug(
				"Proposed transactions missing from mempool",
				"missing", len(hashes)-len(txs), "total", len(hashes),
			)
		}
		k.sendVerified(ctx, gen, txs, false)
	}()
}

// verifyTransactions verifies txs in the background.
func (k *Kernel) verifyTransactions(ctx context.Context, txs []dbftconsensus.Transaction, late bool) {
	gen := k.fetchGen

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		k.sendVerified(ctx, gen, txs, late)
	}()
}

// sendVerified runs off the kernel goroutine.
func (k *Kernel) sendVerified(ctx context.Context, gen uint64, txs []dbftconsensus.Transaction, late bool) {
	if len(txs) == 0 {
		return
	}

	a := txArrival{
		gen:  gen,
		late: late,
		txs:  make([]verifiedTx, len(txs)),
	}
	for i, tx := range txs {
		a.txs[i] = verifiedTx{tx: tx, err: k.mempool.Verify(ctx, tx)}
	}

	select {
	case <-ctx.Done():
	case k.txArrivals <- a:
	}
}
