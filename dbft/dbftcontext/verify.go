package dbftcontext

import (
	"bytes"
	"fmt"

	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
)

// DecodeEnvelope decodes and structurally validates the message in env,
// without checking it against the round.
func (c *Context) DecodeEnvelope(env dbftconsensus.Envelope) (*dbftconsensus.Payload, error) {
	if env.Category != dbftconsensus.Category {
		return nil, fmt.Errorf("%w: %q", dbftconsensus.ErrWrongCategory, env.Category)
	}

	var msg dbftconsensus.Message
	if err := c.cfg.Codec.UnmarshalMessage(env.Data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	return &dbftconsensus.Payload{Envelope: env, Message: msg}, nil
}

// VerifyEnvelope decodes env and checks that it belongs to the current round
// and is signed by the validator it claims to come from.
func (c *Context) VerifyEnvelope(env dbftconsensus.Envelope) (*dbftconsensus.Payload, error) {
	p, err := c.DecodeEnvelope(env)
	if err != nil {
		return nil, err
	}
	if err := c.VerifyPayload(p); err != nil {
		return nil, err
	}
	return p, nil
}

// VerifyPayload checks an already decoded payload against the current round.
func (c *Context) VerifyPayload(p *dbftconsensus.Payload) error {
	msg := p.Message
	switch {
	case msg.BlockIndex < c.Header.Index:
		return fmt.Errorf("%w: message for %d, context at %d", dbftconsensus.ErrStale, msg.BlockIndex, c.Header.Index)
	case msg.BlockIndex > c.Header.Index:
		return fmt.Errorf("%w: message for %d, context at %d", dbftconsensus.ErrFuture, msg.BlockIndex, c.Header.Index)
	}

	env := p.Envelope
	if ledgerHeight := c.Header.Index - 1; !env.InWindow(ledgerHeight) {
		return fmt.Errorf(
			"%w: [%d, %d) at height %d",
			dbftconsensus.ErrOutsideValidWindow, env.ValidBlockStart, env.ValidBlockEnd, ledgerHeight,
		)
	}

	if int(msg.ValidatorIndex) >= len(c.Validators) {
		return fmt.Errorf("%w: %d of %d", dbftconsensus.ErrUnknownValidator, msg.ValidatorIndex, len(c.Validators))
	}
	key := c.Validators[msg.ValidatorIndex]

	if env.Sender != dbftconsensus.ScriptAddress(key) {
		return fmt.Errorf("%w: sender address for index %d", dbftconsensus.ErrBadSender, msg.ValidatorIndex)
	}
	if !bytes.Equal(env.Witness.Verification, dbftconsensus.VerificationScript(key)) {
		return fmt.Errorf("%w: verification script for index %d", dbftconsensus.ErrBadSender, msg.ValidatorIndex)
	}
	if !key.Verify(env.SignBytes(c.cfg.Network), env.Witness.Invocation) {
		return fmt.Errorf("%w: from index %d", dbftconsensus.ErrBadSignature, msg.ValidatorIndex)
	}

	return nil
}

// VerifyCommit reports whether the commit signature in p
// is valid for the candidate header.
// It returns false when there is no candidate header yet.
func (c *Context) VerifyCommit(p *dbftconsensus.Payload) bool {
	h := c.EnsureHeader()
	if h == nil || p.Message.Commit == nil || int(p.Message.ValidatorIndex) >= len(c.Validators) {
		return false
	}
	return c.Validators[p.Message.ValidatorIndex].Verify(
		dbftconsensus.CommitSignBytes(c.cfg.Network, h.Hash()),
		p.Message.Commit.Signature,
	)
}

// AcceptPrepareRequest fills the candidate header from the primary's request.
//
// Preparations that reference a different request are cleared,
// and current view commits that do not match the new header are dropped.
// It returns the indices of the dropped commits.
func (c *Context) AcceptPrepareRequest(p *dbftconsensus.Payload) []int {
	req := p.Message.PrepareRequest

	c.Header.Timestamp = req.Timestamp
	c.Header.Nonce = req.Nonce
	c.headerReady = false
	c.TransactionHashes = req.TransactionHashes
	if c.TransactionHashes == nil {
		c.TransactionHashes = []dbftconsensus.Hash{}
	}
	c.Transactions = make(map[dbftconsensus.Hash]dbftconsensus.Transaction, len(req.TransactionHashes))

	reqHash := p.Envelope.Hash()
	for i, prep := range c.Preparations {
		if prep == nil || prep.Message.PrepareResponse == nil {
			continue
		}
		if prep.Message.PrepareResponse.PreparationHash != reqHash {
			c.Preparations[i] = nil
		}
	}
	c.Preparations[c.Header.PrimaryIndex] = p

	var dropped []int
	for i, cm := range c.Commits {
		if cm == nil || cm.Message.ViewNumber != c.ViewNumber {
			continue
		}
		if !c.VerifyCommit(cm) {
			c.Commits[i] = nil
			dropped = append(dropped, i)
		}
	}
	return dropped
}
