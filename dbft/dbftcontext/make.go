package dbftcontext

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
)

// newPayload encodes msg with the common header fields filled in,
// wraps it in an envelope and signs it with the local key.
func (c *Context) newPayload(ctx context.Context, msg dbftconsensus.Message) (*dbftconsensus.Payload, error) {
	if c.WatchOnly() {
		return nil, ErrWatchOnly
	}

	msg.BlockIndex = c.Header.Index
	msg.ValidatorIndex = uint8(c.MyIndex)
	msg.ViewNumber = c.ViewNumber

	data, err := c.cfg.Codec.MarshalMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", msg.Type, err)
	}

	me := c.Validators[c.MyIndex]
	env := dbftconsensus.Envelope{
		Category:        dbftconsensus.Category,
		ValidBlockStart: 0,
		ValidBlockEnd:   msg.BlockIndex,
		Sender:          dbftconsensus.ScriptAddress(me),
		Data:            data,
	}

	sig, err := c.cfg.Signer.Sign(ctx, env.SignBytes(c.cfg.Network))
	if err != nil {
		return nil, fmt.Errorf("failed to sign %s envelope: %w", msg.Type, err)
	}
	env.Witness = dbftconsensus.Witness{
		Invocation:   sig,
		Verification: dbftconsensus.VerificationScript(me),
	}

	return &dbftconsensus.Payload{Envelope: env, Message: msg}, nil
}

// MakePrepareRequest builds the primary's proposal from mempool candidates
// and stores it in the primary's preparation slot.
func (c *Context) MakePrepareRequest(ctx context.Context) (*dbftconsensus.Payload, error) {
	if !c.IsPrimary() {
		return nil, ErrNotPrimary
	}

	c.Header.Nonce = rand.Uint64()
	c.ensureMaxBlockLimitation(ctx)
	c.Header.Timestamp = max(c.nowMs(), c.PrevHeader.Timestamp+1)
	c.headerReady = false

	p, err := c.newPayload(ctx, dbftconsensus.Message{
		Type: dbftconsensus.MessageTypePrepareRequest,
		PrepareRequest: &dbftconsensus.PrepareRequest{
			Version:           c.Header.Version,
			PrevHash:          c.Header.PrevHash,
			Timestamp:         c.Header.Timestamp,
			Nonce:             c.Header.Nonce,
			TransactionHashes: c.TransactionHashes,
		},
	})
	if err != nil {
		return nil, err
	}

	c.Preparations[c.MyIndex] = p
	return p, nil
}

// ensureMaxBlockLimitation selects the leading mempool candidates
// that fit within the block limits.
func (c *Context) ensureMaxBlockLimitation(ctx context.Context) {
	l := c.cfg.Limits
	maxTxs := l.MaxTransactionsPerBlock
	if maxTxs <= 0 {
		maxTxs = 1 << 16
	}
	candidates := c.cfg.Mempool.Candidates(ctx, maxTxs)

	c.TransactionHashes = make([]dbftconsensus.Hash, 0, len(candidates))
	c.Transactions = make(map[dbftconsensus.Hash]dbftconsensus.Transaction, len(candidates))

	size := dbftconsensus.ExpectedBlockSize(len(c.Validators), nil)
	var fee int64
	for _, tx := range candidates {
		size += tx.Size()
		if l.MaxBlockSize > 0 && size > l.MaxBlockSize {
			break
		}
		fee += tx.SystemFee
		if l.MaxBlockSystemFee > 0 && fee > l.MaxBlockSystemFee {
			break
		}

		h := tx.Hash()
		if _, dup := c.Transactions[h]; dup {
			continue
		}
		c.TransactionHashes = append(c.TransactionHashes, h)
		c.Transactions[h] = tx
	}
}

// MakePrepareResponse signs agreement with the primary's request.
// It returns the stored response if one was already made.
func (c *Context) MakePrepareResponse(ctx context.Context) (*dbftconsensus.Payload, error) {
	if !c.IsBackup() {
		return nil, ErrNotBackup
	}
	if p := c.Preparations[c.MyIndex]; p != nil {
		return p, nil
	}

	req := c.Preparations[c.Header.PrimaryIndex]
	if req == nil {
		return nil, ErrNoPrepareRequest
	}

	p, err := c.newPayload(ctx, dbftconsensus.Message{
		Type: dbftconsensus.MessageTypePrepareResponse,
		PrepareResponse: &dbftconsensus.PrepareResponse{
			PreparationHash: req.Envelope.Hash(),
		},
	})
	if err != nil {
		return nil, err
	}

	c.Preparations[c.MyIndex] = p
	return p, nil
}

// MakeCommit signs the candidate header.
//
// A commit is never re-signed: once the local commit slot is filled,
// the stored payload is returned, even if it was made in an earlier view.
func (c *Context) MakeCommit(ctx context.Context) (*dbftconsensus.Payload, error) {
	if c.WatchOnly() {
		return nil, ErrWatchOnly
	}
	if p := c.Commits[c.MyIndex]; p != nil {
		return p, nil
	}

	h := c.EnsureHeader()
	if h == nil {
		return nil, ErrNoPrepareRequest
	}
	if c.CountPreparations() < c.M() {
		return nil, ErrInsufficientPreparations
	}

	signBytes := dbftconsensus.CommitSignBytes(c.cfg.Network, h.Hash())
	sig, err := c.cfg.Signer.Sign(ctx, signBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to sign commit: %w", err)
	}

	if c.cfg.AssertEnv != nil && c.cfg.AssertEnv.Enabled("dbftcontext.commit_self_verify") {
		if !c.Validators[c.MyIndex].Verify(signBytes, sig) {
			c.cfg.AssertEnv.HandleAssertionFailure(errors.New(
				"local signer produced a commit signature its own key rejects",
			))
		}
	}

	p, err := c.newPayload(ctx, dbftconsensus.Message{
		Type:   dbftconsensus.MessageTypeCommit,
		Commit: &dbftconsensus.Commit{Signature: sig},
	})
	if err != nil {
		return nil, err
	}

	c.Commits[c.MyIndex] = p
	return p, nil
}

// MakeChangeView asks to move to the next view
// and stores the request in the local ChangeView slot.
func (c *Context) MakeChangeView(ctx context.Context, reason dbftconsensus.ChangeViewReason) (*dbftconsensus.Payload, error) {
	p, err := c.newPayload(ctx, dbftconsensus.Message{
		Type: dbftconsensus.MessageTypeChangeView,
		ChangeView: &dbftconsensus.ChangeView{
			NewViewNumber: c.ViewNumber + 1,
			Timestamp:     c.nowMs(),
			Reason:        reason,
		},
	})
	if err != nil {
		return nil, err
	}

	c.ChangeViews[c.MyIndex] = p
	return p, nil
}

func (c *Context) MakeRecoveryRequest(ctx context.Context) (*dbftconsensus.Payload, error) {
	return c.newPayload(ctx, dbftconsensus.Message{
		Type: dbftconsensus.MessageTypeRecoveryRequest,
		RecoveryRequest: &dbftconsensus.RecoveryRequest{
			Timestamp: c.nowMs(),
		},
	})
}

// MakeRecoveryMessage bundles what a lagging validator needs
// to reach the local validator's state.
func (c *Context) MakeRecoveryMessage(ctx context.Context) (*dbftconsensus.Payload, error) {
	rm := &dbftconsensus.RecoveryMessage{}

	m := c.M()
	for _, p := range c.LastChangeViews {
		if len(rm.ChangeViews) >= m {
			break
		}
		if p != nil {
			rm.ChangeViews = append(rm.ChangeViews, p.Envelope)
		}
	}

	primary := c.Header.PrimaryIndex
	if req := c.Preparations[primary]; req != nil {
		env := req.Envelope
		rm.PrepareRequest = &env
	} else if h, ok := c.commonPreparationHash(); ok {
		rm.PreparationHash = &h
	}

	for i, p := range c.Preparations {
		if p == nil || i == int(primary) {
			continue
		}
		rm.Preparations = append(rm.Preparations, p.Envelope)
	}

	if c.CommitSent() {
		for _, p := range c.Commits {
			if p != nil {
				rm.Commits = append(rm.Commits, p.Envelope)
			}
		}
	}

	return c.newPayload(ctx, dbftconsensus.Message{
		Type:            dbftconsensus.MessageTypeRecoveryMessage,
		RecoveryMessage: rm,
	})
}

// commonPreparationHash returns the preparation hash
// carried by the most responses, preferring the lowest validator index on ties.
func (c *Context) commonPreparationHash() (dbftconsensus.Hash, bool) {
	counts := make(map[dbftconsensus.Hash]int)
	var order []dbftconsensus.Hash
	for _, p := range c.Preparations {
		if p == nil || p.Message.PrepareResponse == nil {
			continue
		}
		h := p.Message.PrepareResponse.PreparationHash
		if counts[h] == 0 {
			order = append(order, h)
		}
		counts[h]++
	}

	var best dbftconsensus.Hash
	bestCount := 0
	for _, h := range order {
		if counts[h] > bestCount {
			best, bestCount = h, counts[h]
		}
	}
	return best, bestCount > 0
}
