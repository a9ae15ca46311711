// Package dbftmempool is a reference in-memory [dbftconsensus.Mempool]
// that orders transactions by fee per byte.
package dbftmempool

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/gordian-engine/dbft/internal/glog"
)

// Config tunes a [Pool].
type Config struct {
	// Pool capacity. Once full, a new transaction must pay a higher
	// fee per byte than the cheapest pooled one to be admitted.
	// Zero means unbounded.
	Capacity int

	// Transactions paying a lower network fee per byte
	// are rejected by policy.
	MinFeePerByte int64

	// MaxSystemFee rejects, by policy, transactions with a higher system fee.
	// Zero means no limit.
	MaxSystemFee int64
}

// Pool is a thread-safe fee-ordered transaction pool.
type Pool struct {
	log *slog.Logger
	cfg Config

	mu     sync.RWMutex
	items  txHeap
	byHash map[dbftconsensus.Hash]*entry
	seq    uint64

	// Height of the last persisted block,
	// used to expire transactions past ValidUntilBlock.
	height uint32
}

type entry struct {
	tx   dbftconsensus.Transaction
	hash dbftconsensus.Hash
	fpb  int64
	seq  uint64
	idx  int
}

func New(log *slog.Logger, cfg Config) *Pool {
	return &Pool{
		log:    log,
		cfg:    cfg,
		byHash: make(map[dbftconsensus.Hash]*entry),
	}
}

// Verify checks tx against the pool policy without adding it.
func (p *Pool) Verify(_ context.Context, tx dbftconsensus.Transaction) error {
	if len(tx.Script) == 0 {
		return fmt.Errorf("%w: empty script", dbftconsensus.ErrTxInvalid)
	}
	if tx.SystemFee < 0 || tx.NetworkFee < 0 {
		return fmt.Errorf("%w: negative fee", dbftconsensus.ErrTxInvalid)
	}

	p.mu.RLock()
	height := p.height
	p.mu.RUnlock()
	if tx.ValidUntilBlock <= height {
		return fmt.Errorf(
			"%w: expired at %d, height is %d", dbftconsensus.ErrTxInvalid, tx.ValidUntilBlock, height,
		)
	}

	if fpb := tx.FeePerByte(); fpb < p.cfg.MinFeePerByte {
		return fmt.Errorf(
			"%w: fee per byte %d below minimum %d", dbftconsensus.ErrTxPolicy, fpb, p.cfg.MinFeePerByte,
		)
	}
	if p.cfg.MaxSystemFee > 0 && tx.SystemFee > p.cfg.MaxSystemFee {
		return fmt.Errorf(
			"%w: system fee %d above maximum %d", dbftconsensus.ErrTxPolicy, tx.SystemFee, p.cfg.MaxSystemFee,
		)
	}
	return nil
}

// Add verifies tx and adds it to the pool.
// Adding a transaction that is already pooled is a no-op.
func (p *Pool) Add(ctx context.Context, tx dbftconsensus.Transaction) error {
	if err := p.Verify(ctx, tx); err != nil {
		return err
	}

	h := tx.Hash()
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byHash[h]; ok {
		return nil
	}

	e := &entry{tx: tx, hash: h, fpb: tx.FeePerByte(), seq: p.seq}
	p.seq++

	if p.cfg.Capacity > 0 && len(p.items) >= p.cfg.Capacity {
		worst := p.worstLocked()
		if !less(e, worst) {
			return fmt.Errorf("%w: pool full", dbftconsensus.ErrTxPolicy)
		}
		heap.Remove(&p.items, worst.idx)
		delete(p.byHash, worst.hash)
		p.log.Debug("Evicted transaction", "hash", glog.Hex(worst.hash[:]))
	}

	heap.Push(&p.items, e)
	p.byHash[h] = e
	return nil
}

// worstLocked returns the lowest priority entry.
// The heap only orders the best entry, so this is a linear scan.
func (p *Pool) worstLocked() *entry {
	var worst *entry
	for _, e := range p.items {
		if worst == nil || less(worst, e) {
			worst = e
		}
	}
	return worst
}

// Candidates returns up to max transactions, best first.
func (p *Pool) Candidates(_ context.Context, max int) []dbftconsensus.Transaction {
	p.mu.RLock()
	h := make(txHeap, len(p.items))
	for i, e := range p.items {
		cp := *e
		cp.idx = i
		h[i] = &cp
	}
	p.mu.RUnlock()

	if max > len(h) {
		max = len(h)
	}
	out := make([]dbftconsensus.Transaction, 0, max)
	for len(out) < max {
		out = append(out, heap.Pop(&h).(*entry).tx)
	}
	return out
}

func (p *Pool) Get(_ context.Context, h dbftconsensus.Hash) (dbftconsensus.Transaction, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.byHash[h]
	if !ok {
		return dbftconsensus.Transaction{}, false
	}
	return e.tx, true
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.items)
}

// BlockPersisted removes the block's transactions
// and any transaction that can no longer be included.
func (p *Pool) BlockPersisted(b dbftconsensus.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.height = b.Header.Index
	for _, tx := range b.Transactions {
		if e, ok := p.byHash[tx.Hash()]; ok {
			heap.Remove(&p.items, e.idx)
			delete(p.byHash, e.hash)
		}
	}

	var expired []*entry
	for _, e := range p.items {
		if e.tx.ValidUntilBlock <= p.height {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		heap.Remove(&p.items, e.idx)
		delete(p.byHash, e.hash)
	}
	if len(expired) > 0 {
		p.log.Debug("Expired transactions", "h", p.height, "n", len(expired))
	}
}

// less reports whether a should be included before b.
func less(a, b *entry) bool {
	if a.fpb != b.fpb {
		return a.fpb > b.fpb
	}
	if a.tx.NetworkFee != b.tx.NetworkFee {
		return a.tx.NetworkFee > b.tx.NetworkFee
	}
	return a.seq < b.seq
}

// txHeap implements heap.Interface.
type txHeap []*entry

func (h txHeap) Len() int { return len(h) }

func (h txHeap) Less(i, j int) bool { return less(h[i], h[j]) }

func (h txHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *txHeap) Push(x any) {
	e := x.(*entry)
	e.idx = len(*h)
	*h = append(*h, e)
}

func (h *txHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}
