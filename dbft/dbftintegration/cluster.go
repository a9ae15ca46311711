// Package dbftintegration runs whole validator sets against a pluggable network,
// so that each transport can be checked against the same consensus scenarios.
package dbftintegration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/gordian-engine/dbft/dbft/dbftconsensus/dbftconsensustest"
	"github.com/gordian-engine/dbft/dbft/dbftengine"
	"github.com/gordian-engine/dbft/dbft/dbftmempool"
	"github.com/gordian-engine/dbft/dbft/dbftp2p"
	"github.com/gordian-engine/dbft/dbft/dbftstore/dbftmemstore"
	"github.com/gordian-engine/dbft/gassert/gasserttest"
	"github.com/gordian-engine/dbft/internal/gtest"
	"github.com/stretchr/testify/require"
)

// Network connects the validators of a [Cluster].
type Network interface {
	// Connect returns a new connection for the validator at idx.
	// It is called again for idx after a restart,
	// once the previous connection was disconnected.
	Connect(ctx context.Context, idx int) (dbftp2p.Connection, error)
}

// Factory creates the validator fixture and network for a cluster of n validators.
type Factory func(t *testing.T, ctx context.Context, n int) (*dbftconsensustest.Fixture, Network)

// Cluster is a set of engines, one per fixture validator,
// each with its own ledger, mempool and context store.
//
// Whenever one ledger grows, the cluster copies the new blocks
// into the ledgers of running validators that are behind,
// standing in for block sync.
type Cluster struct {
	t   *testing.T
	log *slog.Logger

	Fx    *dbftconsensustest.Fixture
	Nodes []*Node

	net Network

	TimePerBlock time.Duration
	Timeouts     dbftengine.TimeoutStrategy

	persisted chan int

	wg sync.WaitGroup
}

// Node is one validator in a [Cluster].
// Its ledger and stores survive restarts.
type Node struct {
	Idx int

	Ledger *dbftconsensustest.Ledger
	Pool   *dbftmempool.Pool
	Store  *dbftmemstore.ContextStore

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	engine *dbftengine.Engine
	conn   dbftp2p.Connection
}

// NewCluster returns a cluster of n stopped validators.
// Stop the cluster by cancelling ctx; cleanup waits for every goroutine.
func NewCluster(t *testing.T, ctx context.Context, n int, f Factory) *Cluster {
	t.Helper()

	fx, net := f(t, ctx, n)
	log := gtest.NewLogger(t)

	c := &Cluster{
		t:   t,
		log: log,

		Fx:    fx,
		Nodes: make([]*Node, n),

		net: net,

		TimePerBlock: 50 * time.Millisecond,
		Timeouts: dbftengine.ExponentialTimeoutStrategy{
			Base:        gtest.ScaleMs(400),
			MaxExponent: 4,
		},

		persisted: make(chan int, 1024),
	}

	for i := range c.Nodes {
		node := &Node{
			Idx: i,

			Ledger: fx.NewLedger(),
			Pool:   dbftmempool.New(log.With("sys", "mempool", "idx", i), dbftmempool.Config{}),
			Store:  dbftmemstore.NewContextStore(),
		}
		node.Ledger.PersistHook = func(b dbftconsensus.Block) {
			node.Pool.BlockPersisted(b)

			select {
			case c.persisted <- i:
			default:
				log.Warn("Dropping persist notification", "idx", i, "h", b.Header.Index)
			}
		}
		c.Nodes[i] = node
	}

	c.wg.Add(1)
	go c.syncLoop(ctx)
	t.Cleanup(c.wg.Wait)

	return c
}

// Start runs the engine for validator idx.
// Opts are applied after the cluster defaults.
func (c *Cluster) Start(ctx context.Context, idx int, opts ...dbftengine.Opt) {
	c.t.Helper()

	node := c.Nodes[idx]

	node.mu.Lock()
	defer node.mu.Unlock()
	require.Nil(c.t, node.engine, "validator %d already running", idx)

	nCtx, cancel := context.WithCancel(ctx)

	conn, err := c.net.Connect(nCtx, idx)
	if err != nil {
		cancel()
		require.NoError(c.t, err)
	}

	all := append([]dbftengine.Opt{
		dbftengine.WithLedger(node.Ledger),
		dbftengine.WithMempool(node.Pool),
		dbftengine.WithConnection(conn),
		dbftengine.WithCodec(c.Fx.Codec),
		dbftengine.WithContextStore(node.Store),
		dbftengine.WithSigner(c.Fx.Signers[idx]),
		dbftengine.WithNetwork(c.Fx.Network),
		dbftengine.WithTimePerBlock(c.TimePerBlock),
		dbftengine.WithTimeoutStrategy(c.Timeouts),
		dbftengine.WithAssertEnv(gasserttest.DefaultEnv()),
	}, opts...)

	e, err := dbftengine.New(nCtx, c.log.With("sys", "engine", "idx", idx), all...)
	if err != nil {
		cancel()
		conn.Disconnect()
		require.NoError(c.t, err)
	}

	node.ctx = nCtx
	node.cancel = cancel
	node.engine = e
	node.conn = conn

	c.t.Cleanup(func() { c.Stop(idx) })
}

// StartAll starts every validator.
func (c *Cluster) StartAll(ctx context.Context) {
	c.t.Helper()
	for i := range c.Nodes {
		c.Start(ctx, i)
	}
}

// Stop shuts down validator idx, keeping its ledger and stores.
// Stopping a validator that is not running has no effect.
func (c *Cluster) Stop(idx int) {
	node := c.Nodes[idx]

	node.mu.Lock()
	defer node.mu.Unlock()
	if node.engine == nil {
		return
	}

	node.cancel()
	node.engine.Wait()
	node.conn.Disconnect()

	node.engine = nil
	node.conn = nil
	node.cancel = nil
	node.ctx = nil
}

// Engine returns the running engine for idx and its context,
// or nil if the validator is stopped.
func (c *Cluster) Engine(idx int) (*dbftengine.Engine, context.Context) {
	node := c.Nodes[idx]
	node.mu.Lock()
	defer node.mu.Unlock()
	return node.engine, node.ctx
}

// AddTransaction adds tx to the mempool of every validator.
func (c *Cluster) AddTransaction(ctx context.Context, tx dbftconsensus.Transaction) {
	c.t.Helper()
	for _, node := range c.Nodes {
		require.NoError(c.t, node.Pool.Add(ctx, tx))
	}
}

// WaitForHeight blocks until every listed validator persisted block h,
// failing the test after timeout.
func (c *Cluster) WaitForHeight(ctx context.Context, h uint32, timeout time.Duration, idxs ...int) {
	c.t.Helper()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, idx := range idxs {
		err := c.Nodes[idx].Ledger.WaitForHeight(ctx, h)
		if err != nil {
			height, _ := c.Nodes[idx].Ledger.CurrentHeight(context.Background())
			c.t.Fatalf("validator %d did not reach height %d (at %d): %v", idx, h, height, err)
		}
	}
}

// RequireConsistent fails the test if any two ledgers hold different blocks
// at the same height, up to h.
func (c *Cluster) RequireConsistent(h uint32) {
	c.t.Helper()

	for i := uint32(1); i <= h; i++ {
		var want dbftconsensus.Hash
		var from int
		found := false
		for _, node := range c.Nodes {
			b, ok := node.Ledger.Block(i)
			if !ok {
				continue
			}
			if !found {
				want, from, found = b.Hash(), node.Idx, true
				continue
			}
			require.Equal(c.t, want, b.Hash(), fmt.Sprintf(
				"validators %d and %d disagree at height %d", from, node.Idx, i,
			))
		}
	}
}

// RequireViewZero fails the test unless the blocks from lo through hi
// in validator idx's ledger were each proposed by the view 0 primary,
// meaning the height finished without a view change.
func (c *Cluster) RequireViewZero(idx int, lo, hi uint32) {
	c.t.Helper()

	n := len(c.Nodes)
	for h := lo; h <= hi; h++ {
		b, ok := c.Nodes[idx].Ledger.Block(h)
		require.True(c.t, ok, "validator %d has no block at height %d", idx, h)
		require.Equal(
			c.t, dbftconsensus.PrimaryIndex(h, 0, n), b.Header.PrimaryIndex,
			"block %d was not proposed in view 0", h,
		)
	}
}

// Indices returns the validator indices from lo up to, but excluding, hi.
func Indices(lo, hi int) []int {
	out := make([]int, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, i)
	}
	return out
}

func (c *Cluster) syncLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case from := <-c.persisted:
			src := c.Nodes[from].Ledger
			for _, node := range c.Nodes {
				if node.Idx != from {
					c.syncNode(ctx, node, src)
				}
			}
		}
	}
}

// syncNode copies blocks from src that node's ledger is missing,
// then tells node's engine about its new height.
func (c *Cluster) syncNode(ctx context.Context, node *Node, src *dbftconsensustest.Ledger) {
	e, eCtx := c.Engine(node.Idx)
	if e == nil {
		return
	}

	srcHeight, err := src.CurrentHeight(ctx)
	if err != nil {
		return
	}
	height, err := node.Ledger.CurrentHeight(ctx)
	if err != nil || height >= srcHeight {
		return
	}

	synced := height
	for h := height + 1; h <= srcHeight; h++ {
		b, ok := src.Block(h)
		if !ok {
			break
		}
		if err := node.Ledger.Persist(ctx, b); err != nil {
			// The node's own engine got there first.
			break
		}
		synced = h
	}

	if synced > height {
		c.log.Debug("Synced blocks", "idx", node.Idx, "from", height+1, "to", synced)
		_ = e.HandleBlockPersisted(eCtx, synced)
	}
}
