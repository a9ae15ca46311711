package dbftcontext

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gordian-engine/dbft/dbft/dbftcodec"
	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/gordian-engine/dbft/gassert"
	"github.com/gordian-engine/dbft/gcrypto"
	"github.com/gordian-engine/dbft/gmerkle"
)

// Config holds the collaborators and constants for a [Context].
type Config struct {
	// Network magic mixed into every signature.
	Network uint32

	// Block version expected in headers and prepare requests.
	BlockVersion uint32

	Limits dbftconsensus.BlockLimits

	Ledger  dbftconsensus.Ledger
	Mempool dbftconsensus.Mempool
	Codec   dbftcodec.MarshalCodec

	// Signer for the local validator.
	// A nil Signer, or one whose key is not in the validator set,
	// makes the context watch-only.
	Signer gcrypto.Signer

	AssertEnv gassert.Env

	// Now defaults to time.Now.
	Now func() time.Time
}

// Context is the state of the round at one block index.
//
// Slot slices have one entry per validator
// and are only ever overwritten, never appended to.
type Context struct {
	log *slog.Logger
	cfg Config

	// Header is the candidate block header.
	// Its MerkleRoot is only valid after [*Context.EnsureHeader].
	Header     dbftconsensus.Header
	PrevHeader dbftconsensus.Header

	ViewNumber uint8
	Validators []gcrypto.PubKey

	// Index of the local validator, or -1 when watch-only.
	MyIndex int

	// Nil until a prepare request is made or accepted.
	TransactionHashes []dbftconsensus.Hash
	Transactions      map[dbftconsensus.Hash]dbftconsensus.Transaction

	Preparations    []*dbftconsensus.Payload
	Commits         []*dbftconsensus.Payload
	ChangeViews     []*dbftconsensus.Payload
	LastChangeViews []*dbftconsensus.Payload

	// Last block index heard from each validator,
	// keyed by public key bytes so it survives validator set changes.
	lastSeen map[string]uint32

	headerReady bool

	block *dbftconsensus.Block
}

// New returns a Context that has not been reset.
// Call [*Context.Reset] with view 0 before any other method.
func New(log *slog.Logger, cfg Config) *Context {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Context{
		log:     log,
		cfg:     cfg,
		MyIndex: -1,
	}
}

// Network returns the configured network magic.
func (c *Context) Network() uint32 {
	return c.cfg.Network
}

// Reset prepares the context for the given view.
//
// At view 0 it starts a new height:
// the ledger is consulted for the previous header and the validator set,
// and all slots are cleared.
// At a later view, only the ChangeView slots that justify the new view
// are kept, as LastChangeViews.
func (c *Context) Reset(ctx context.Context, view uint8) error {
	if view == 0 {
		if err := c.resetHeight(ctx); err != nil {
			return err
		}
	} else {
		for i, p := range c.ChangeViews {
			if p != nil && p.Message.ChangeView.NewViewNumber >= view {
				c.LastChangeViews[i] = p
			} else {
				c.LastChangeViews[i] = nil
			}
		}
	}

	c.ViewNumber = view
	c.Header.PrimaryIndex = dbftconsensus.PrimaryIndex(c.Header.Index, view, len(c.Validators))
	c.Header.MerkleRoot = dbftconsensus.Hash{}
	c.Header.Timestamp = 0
	c.Header.Nonce = 0
	c.headerReady = false
	c.block = nil
	c.TransactionHashes = nil
	c.Transactions = nil
	c.Preparations = make([]*dbftconsensus.Payload, len(c.Validators))

	if c.MyIndex >= 0 {
		c.lastSeen[string(c.Validators[c.MyIndex].PubKeyBytes())] = c.Header.Index
	}

	c.log.Debug(
		"Reset consensus context",
		"h", c.Header.Index, "v", view,
		"primary", c.Header.PrimaryIndex, "my_index", c.MyIndex,
	)
	return nil
}

func (c *Context) resetHeight(ctx context.Context) error {
	height, err := c.cfg.Ledger.CurrentHeight(ctx)
	if err != nil {
		return fmt.Errorf("failed to load ledger height: %w", err)
	}

	prev, err := c.cfg.Ledger.HeaderAt(ctx, height)
	if err != nil {
		return fmt.Errorf("failed to load header at height %d: %w", height, err)
	}

	vals, err := c.cfg.Ledger.ValidatorsFor(ctx, height+1)
	if err != nil {
		return fmt.Errorf("failed to load validators for height %d: %w", height+1, err)
	}
	if len(vals) == 0 {
		return fmt.Errorf("empty validator set for height %d", height+1)
	}

	nextVals, err := c.cfg.Ledger.ValidatorsFor(ctx, height+2)
	if err != nil {
		return fmt.Errorf("failed to load validators for height %d: %w", height+2, err)
	}

	c.PrevHeader = prev
	c.Header = dbftconsensus.Header{
		Version:       c.cfg.BlockVersion,
		PrevHash:      prev.Hash(),
		Index:         height + 1,
		NextConsensus: dbftconsensus.ConsensusAddress(nextVals),
	}
	c.Validators = vals

	n := len(vals)
	c.ChangeViews = make([]*dbftconsensus.Payload, n)
	c.LastChangeViews = make([]*dbftconsensus.Payload, n)
	c.Commits = make([]*dbftconsensus.Payload, n)

	prevSeen := c.lastSeen
	c.lastSeen = make(map[string]uint32, n)
	for _, v := range vals {
		k := string(v.PubKeyBytes())
		if seen, ok := prevSeen[k]; ok {
			c.lastSeen[k] = seen
		} else {
			c.lastSeen[k] = height
		}
	}

	c.MyIndex = -1
	if c.cfg.Signer != nil {
		me := c.cfg.Signer.PubKey()
		for i, v := range vals {
			if me.Equal(v) {
				c.MyIndex = i
				break
			}
		}
	}

	return nil
}

// BlockIndex is the index of the block being agreed on.
func (c *Context) BlockIndex() uint32 {
	return c.Header.Index
}

// PrimaryIndex is the proposer for the current view.
func (c *Context) PrimaryIndex() uint8 {
	return c.Header.PrimaryIndex
}

// F is the number of tolerated faulty validators.
func (c *Context) F() int { return dbftconsensus.MaxFaulty(len(c.Validators)) }

// M is the quorum size.
func (c *Context) M() int { return dbftconsensus.Quorum(len(c.Validators)) }

func (c *Context) WatchOnly() bool { return c.MyIndex < 0 }

func (c *Context) IsPrimary() bool { return c.MyIndex == int(c.Header.PrimaryIndex) }

func (c *Context) IsBackup() bool {
	return c.MyIndex >= 0 && c.MyIndex != int(c.Header.PrimaryIndex)
}

// CountCommitted is the number of filled commit slots, from any view.
func (c *Context) CountCommitted() int {
	n := 0
	for _, p := range c.Commits {
		if p != nil {
			n++
		}
	}
	return n
}

// CountFailed is the number of validators not heard from
// since before the previous block.
func (c *Context) CountFailed() int {
	if c.lastSeen == nil {
		return 0
	}

	n := 0
	for _, v := range c.Validators {
		seen, ok := c.lastSeen[string(v.PubKeyBytes())]
		if !ok || seen+1 < c.Header.Index {
			n++
		}
	}
	return n
}

// MarkSeen records that a verified message for blockIndex
// arrived from the validator at idx.
func (c *Context) MarkSeen(idx uint8, blockIndex uint32) {
	if int(idx) >= len(c.Validators) {
		return
	}
	c.lastSeen[string(c.Validators[idx].PubKeyBytes())] = blockIndex
}

func (c *Context) RequestSentOrReceived() bool {
	return c.Preparations[c.Header.PrimaryIndex] != nil
}

func (c *Context) ResponseSent() bool {
	return !c.WatchOnly() && c.Preparations[c.MyIndex] != nil
}

func (c *Context) CommitSent() bool {
	return !c.WatchOnly() && c.Commits[c.MyIndex] != nil
}

// BlockSent reports whether [*Context.CreateBlock] has succeeded this round.
func (c *Context) BlockSent() bool {
	return c.block != nil
}

// ViewChanging reports whether the local validator
// has asked to move past the current view.
func (c *Context) ViewChanging() bool {
	if c.WatchOnly() {
		return false
	}
	p := c.ChangeViews[c.MyIndex]
	return p != nil && p.Message.ChangeView.NewViewNumber > c.ViewNumber
}

// MoreThanFNodesCommittedOrLost reports whether so many validators
// have committed or gone silent that a view change could not gather a quorum.
func (c *Context) MoreThanFNodesCommittedOrLost() bool {
	return c.CountCommitted()+c.CountFailed() > c.F()
}

// NotAcceptingPayloadsDueToViewChanging is true while the local validator
// is changing view, unless a view change is hopeless,
// in which case it keeps accepting payloads in order to still commit.
func (c *Context) NotAcceptingPayloadsDueToViewChanging() bool {
	return c.ViewChanging() && !c.MoreThanFNodesCommittedOrLost()
}

// EnsureHeader computes the merkle root of the transaction hashes
// and returns the candidate header,
// or nil when there is no prepare request yet.
func (c *Context) EnsureHeader() *dbftconsensus.Header {
	if c.TransactionHashes == nil {
		return nil
	}
	if !c.headerReady {
		c.Header.MerkleRoot = gmerkle.Root(c.TransactionHashes)
		c.headerReady = true
	}
	return &c.Header
}

// HasAllTransactions reports whether every proposed transaction is present.
func (c *Context) HasAllTransactions() bool {
	if c.TransactionHashes == nil {
		return false
	}
	for _, h := range c.TransactionHashes {
		if _, ok := c.Transactions[h]; !ok {
			return false
		}
	}
	return true
}

// MissingTransactions returns the proposed hashes not yet present.
func (c *Context) MissingTransactions() []dbftconsensus.Hash {
	var out []dbftconsensus.Hash
	for _, h := range c.TransactionHashes {
		if _, ok := c.Transactions[h]; !ok {
			out = append(out, h)
		}
	}
	return out
}

// WantsTransaction reports whether h is proposed and not yet present.
func (c *Context) WantsTransaction(h dbftconsensus.Hash) bool {
	if _, ok := c.Transactions[h]; ok {
		return false
	}
	for _, th := range c.TransactionHashes {
		if th == h {
			return true
		}
	}
	return false
}

// AddTransaction stores a verified transaction.
func (c *Context) AddTransaction(tx dbftconsensus.Transaction) {
	if c.Transactions == nil {
		c.Transactions = make(map[dbftconsensus.Hash]dbftconsensus.Transaction)
	}
	c.Transactions[tx.Hash()] = tx
}

func (c *Context) orderedTransactions() []dbftconsensus.Transaction {
	out := make([]dbftconsensus.Transaction, 0, len(c.TransactionHashes))
	for _, h := range c.TransactionHashes {
		if tx, ok := c.Transactions[h]; ok {
			out = append(out, tx)
		}
	}
	return out
}

// ExpectedBlockSize is the size of the block the current proposal would produce.
func (c *Context) ExpectedBlockSize() int {
	return dbftconsensus.ExpectedBlockSize(len(c.Validators), c.orderedTransactions())
}

// ExpectedBlockSystemFee is the total system fee of the current proposal.
func (c *Context) ExpectedBlockSystemFee() int64 {
	return dbftconsensus.ExpectedBlockSystemFee(c.orderedTransactions())
}

// ExceedsLimits reports the first block limit the current proposal breaks.
func (c *Context) ExceedsLimits() (string, bool) {
	l := c.cfg.Limits
	if l.MaxBlockSize > 0 && c.ExpectedBlockSize() > l.MaxBlockSize {
		return "block size", true
	}
	if l.MaxBlockSystemFee > 0 && c.ExpectedBlockSystemFee() > l.MaxBlockSystemFee {
		return "block system fee", true
	}
	return "", false
}

// MaxTransactionsPerBlock returns the configured limit, or 0 for none.
func (c *Context) MaxTransactionsPerBlock() int {
	return c.cfg.Limits.MaxTransactionsPerBlock
}

// CountPreparations is the number of filled preparation slots,
// including the primary's request.
func (c *Context) CountPreparations() int {
	n := 0
	for _, p := range c.Preparations {
		if p != nil {
			n++
		}
	}
	return n
}

// CountCurrentViewCommits is the number of commits made in the current view.
func (c *Context) CountCurrentViewCommits() int {
	n := 0
	for _, p := range c.Commits {
		if p != nil && p.Message.ViewNumber == c.ViewNumber {
			n++
		}
	}
	return n
}

// CountChangeViewsAtLeast is the number of ChangeView slots
// asking for view v or later.
func (c *Context) CountChangeViewsAtLeast(v uint8) int {
	n := 0
	for _, p := range c.ChangeViews {
		if p != nil && p.Message.ChangeView.NewViewNumber >= v {
			n++
		}
	}
	return n
}

// ExpectedView is the view requested in the ChangeView slot at idx,
// or 0 if the slot is empty.
func (c *Context) ExpectedView(idx uint8) uint8 {
	p := c.ChangeViews[idx]
	if p == nil {
		return 0
	}
	return p.Message.ChangeView.NewViewNumber
}

func (c *Context) nowMs() uint64 {
	return uint64(c.cfg.Now().UnixMilli())
}
