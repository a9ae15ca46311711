package dbftcontext

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/gordian-engine/dbft/gcrypto"
)

// CreateBlock assembles the finalized block from the current view's commits.
//
// The witness holds the first M valid commit signatures in validator order.
// On success, [*Context.BlockSent] reports true until the next reset.
func (c *Context) CreateBlock() (dbftconsensus.Block, error) {
	if c.block != nil {
		return *c.block, nil
	}

	h := c.EnsureHeader()
	if h == nil {
		return dbftconsensus.Block{}, ErrNoPrepareRequest
	}
	if !c.HasAllTransactions() {
		return dbftconsensus.Block{}, ErrMissingTransactions
	}

	m := c.M()
	proof := gcrypto.NewSimpleCommonMessageSignatureProof(
		dbftconsensus.CommitSignBytes(c.cfg.Network, h.Hash()),
		c.Validators,
		gcrypto.SimplePubKeyHash(c.Validators),
	)

	sigs := make([][]byte, 0, m)
	for i, p := range c.Commits {
		if len(sigs) == m {
			break
		}
		if p == nil || p.Message.ViewNumber != c.ViewNumber {
			continue
		}

		sig := p.Message.Commit.Signature
		if err := proof.AddSignature(sig, c.Validators[i]); err != nil {
			if errors.Is(err, gcrypto.ErrInvalidSignature) {
				c.log.Warn("Skipping invalid commit signature", "idx", i)
				continue
			}
			return dbftconsensus.Block{}, fmt.Errorf("failed to add commit signature from %d: %w", i, err)
		}
		sigs = append(sigs, sig)
	}
	if proof.Count() < m {
		return dbftconsensus.Block{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientCommits, proof.Count(), m)
	}

	signers := bitset.New(uint(len(c.Validators)))
	proof.SignatureBitSet(signers)

	b := dbftconsensus.Block{
		Header:       *h,
		Transactions: c.orderedTransactions(),
		Witness: dbftconsensus.BlockWitness{
			Signers:    signers,
			Signatures: sigs,
		},
	}
	c.block = &b
	return b, nil
}
