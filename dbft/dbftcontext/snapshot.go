package dbftcontext

import (
	"fmt"

	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
)

// Snapshot returns the durable state of the round.
func (c *Context) Snapshot() dbftconsensus.RoundSnapshot {
	s := dbftconsensus.RoundSnapshot{
		Version:       c.Header.Version,
		BlockIndex:    c.Header.Index,
		Timestamp:     c.Header.Timestamp,
		Nonce:         c.Header.Nonce,
		PrimaryIndex:  c.Header.PrimaryIndex,
		NextConsensus: c.Header.NextConsensus,
		ViewNumber:    c.ViewNumber,

		Preparations:    envelopes(c.Preparations),
		Commits:         envelopes(c.Commits),
		ChangeViews:     envelopes(c.ChangeViews),
		LastChangeViews: envelopes(c.LastChangeViews),
	}
	if c.TransactionHashes != nil {
		s.TransactionHashes = append([]dbftconsensus.Hash{}, c.TransactionHashes...)
		s.Transactions = c.orderedTransactions()
	}
	return s
}

func envelopes(slots []*dbftconsensus.Payload) []*dbftconsensus.Envelope {
	out := make([]*dbftconsensus.Envelope, len(slots))
	for i, p := range slots {
		if p != nil {
			env := p.Envelope
			out[i] = &env
		}
	}
	return out
}

// Restore loads a snapshot taken at the current block index.
// The context must have been reset to view 0 at that index first.
func (c *Context) Restore(s dbftconsensus.RoundSnapshot) error {
	if s.BlockIndex != c.Header.Index {
		return fmt.Errorf("snapshot for block %d, context at %d", s.BlockIndex, c.Header.Index)
	}
	n := len(c.Validators)
	for name, slots := range map[string][]*dbftconsensus.Envelope{
		"preparations":      s.Preparations,
		"commits":           s.Commits,
		"change views":      s.ChangeViews,
		"last change views": s.LastChangeViews,
	} {
		if len(slots) != n {
			return fmt.Errorf("snapshot has %d %s for %d validators", len(slots), name, n)
		}
	}

	var err error
	slots := make([][]*dbftconsensus.Payload, 4)
	for i, envs := range [][]*dbftconsensus.Envelope{s.Preparations, s.Commits, s.ChangeViews, s.LastChangeViews} {
		if slots[i], err = c.payloads(envs); err != nil {
			return err
		}
	}

	c.ViewNumber = s.ViewNumber
	c.Header.PrimaryIndex = dbftconsensus.PrimaryIndex(c.Header.Index, s.ViewNumber, n)
	c.Header.Timestamp = s.Timestamp
	c.Header.Nonce = s.Nonce
	c.headerReady = false
	c.block = nil
	c.Preparations, c.Commits, c.ChangeViews, c.LastChangeViews = slots[0], slots[1], slots[2], slots[3]

	c.TransactionHashes, c.Transactions = nil, nil
	if s.TransactionHashes != nil {
		c.TransactionHashes = append([]dbftconsensus.Hash{}, s.TransactionHashes...)
		c.Transactions = make(map[dbftconsensus.Hash]dbftconsensus.Transaction, len(s.Transactions))
		for _, tx := range s.Transactions {
			c.Transactions[tx.Hash()] = tx
		}
	}

	return nil
}

func (c *Context) payloads(envs []*dbftconsensus.Envelope) ([]*dbftconsensus.Payload, error) {
	out := make([]*dbftconsensus.Payload, len(envs))
	for i, env := range envs {
		if env == nil {
			continue
		}
		p, err := c.DecodeEnvelope(*env)
		if err != nil {
			return nil, fmt.Errorf("failed to decode stored envelope in slot %d: %w", i, err)
		}
		if int(p.Message.ValidatorIndex) != i {
			return nil, fmt.Errorf("stored envelope from %d in slot %d", p.Message.ValidatorIndex, i)
		}
		out[i] = p
	}
	return out, nil
}
