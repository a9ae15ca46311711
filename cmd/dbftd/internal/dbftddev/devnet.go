// Package dbftddev runs a local dBFT devnet:
// a set of validators in one process, sharing a transport,
// with an HTTP API over a unix socket.
package dbftddev

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/gordian-engine/dbft/dbft/dbftcodec/dbftcbor"
	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/gordian-engine/dbft/dbft/dbftengine"
	"github.com/gordian-engine/dbft/dbft/dbftengine/dbftemetrics"
	"github.com/gordian-engine/dbft/dbft/dbftmempool"
	"github.com/gordian-engine/dbft/dbft/dbftstore"
	"github.com/gordian-engine/dbft/dbft/dbftstore/dbftbolt"
	"github.com/gordian-engine/dbft/dbft/dbftstore/dbftmemstore"
	"github.com/gordian-engine/dbft/gcrypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const (
	TransportInmem  = "inmem"
	TransportLibp2p = "libp2p"
)

// DevnetMagic is the network magic signed into every devnet envelope.
const DevnetMagic uint32 = 0x64_65_76_6e

// Config configures [Run].
type Config struct {
	Validators int

	// Seed derives the validator keys, so that restarts reuse them.
	Seed string

	TimePerBlock time.Duration
	Limits       dbftconsensus.BlockLimits

	// One of TransportInmem or TransportLibp2p.
	Transport string

	// If set, each validator keeps its round snapshot in a bolt file here,
	// otherwise in memory.
	DataDir string

	// If set, serve the HTTP API on this unix socket.
	HTTPSocket string

	// If positive, submit a generated transaction this often.
	TxInterval time.Duration
}

func (c Config) validate() error {
	var err error
	if c.Validators < 1 || c.Validators > 255 {
		err = errors.Join(err, fmt.Errorf("validator count must be in [1, 255] (got %d)", c.Validators))
	}
	if c.TimePerBlock <= 0 {
		err = errors.Join(err, fmt.Errorf("time per block must be positive (got %s)", c.TimePerBlock))
	}
	switch c.Transport {
	case TransportInmem, TransportLibp2p:
	default:
		err = errors.Join(err, fmt.Errorf("unknown transport %q (want %q or %q)", c.Transport, TransportInmem, TransportLibp2p))
	}
	return err
}

// Node is one devnet validator.
type Node struct {
	Index int
	name  string

	Ledger *Ledger
	Pool   *dbftmempool.Pool
	Engine *dbftengine.Engine

	store dbftstore.ContextStore
}

var _ ValidatorView = (*Node)(nil)

func (n *Node) Name() string { return n.name }

func (n *Node) Status(ctx context.Context) (dbftengine.EngineStatus, bool) {
	return n.Engine.Snapshot(ctx)
}

func (n *Node) Block(height uint32) (dbftconsensus.Block, bool) {
	return n.Ledger.Block(height)
}

// Run starts the devnet and blocks until ctx is cancelled
// or a component fails.
func Run(ctx context.Context, log *slog.Logger, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	privs := DeriveKeys(cfg.Seed, cfg.Validators)
	signers := make([]gcrypto.Signer, len(privs))
	keys := make([]gcrypto.PubKey, len(privs))
	for i, priv := range privs {
		s := gcrypto.NewEd25519Signer(priv)
		signers[i] = s
		keys[i] = s.PubKey()
	}

	genesis := dbftconsensus.Header{
		Timestamp:     uint64(time.Now().UnixMilli()),
		NextConsensus: dbftconsensus.ConsensusAddress(keys),
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	tr, err := newTransport(gCtx, log.With("sys", "transport"), cfg.Transport, privs)
	if err != nil {
		return err
	}
	defer tr.Close()

	codec := dbftcbor.MarshalCodec{}
	persisted := make(chan int, 1024)

	nodes := make([]*Node, cfg.Validators)
	defer func() {
		cancel()
		for _, n := range nodes {
			if n == nil {
				continue
			}
			if n.Engine != nil {
				n.Engine.Wait()
			}
			if c, ok := n.store.(*dbftbolt.ContextStore); ok {
				if err := c.Close(); err != nil {
					log.Warn("Failed to close context store", "val", n.name, "err", err)
				}
			}
		}
	}()

	for i := range nodes {
		name := fmt.Sprintf("%d-%s", i, petname.Generate(2, "-"))
		nLog := log.With("val", name)

		n := &Node{
			Index: i,
			name:  name,
			Pool: dbftmempool.New(nLog.With("sys", "mempool"), dbftmempool.Config{
				Capacity: 50_000,
			}),
		}
		nodes[i] = n

		n.Ledger = NewLedger(genesis, keys, func(b dbftconsensus.Block) {
			n.Pool.BlockPersisted(b)
			select {
			case persisted <- i:
			default:
			}
		})

		n.store, err = openContextStore(cfg.DataDir, i, codec)
		if err != nil {
			return err
		}

		conn, err := tr.Connect(gCtx, i)
		if err != nil {
			return fmt.Errorf("failed to connect validator %d: %w", i, err)
		}

		n.Engine, err = dbftengine.New(
			gCtx, nLog.With("sys", "engine"),
			dbftengine.WithLedger(n.Ledger),
			dbftengine.WithMempool(n.Pool),
			dbftengine.WithConnection(conn),
			dbftengine.WithCodec(codec),
			dbftengine.WithContextStore(n.store),
			dbftengine.WithSigner(signers[i]),
			dbftengine.WithNetwork(DevnetMagic),
			dbftengine.WithTimePerBlock(cfg.TimePerBlock),
			dbftengine.WithLimits(cfg.Limits),
			dbftengine.WithMetricsCollector(dbftemetrics.NewCollector(reg, prometheus.Labels{"validator": name})),
		)
		if err != nil {
			return fmt.Errorf("failed to start validator %d: %w", i, err)
		}

		log.Info("Started validator", "val", name, "index", i)
	}

	g.Go(func() error {
		syncBlocks(gCtx, log.With("sys", "sync"), nodes, persisted)
		return nil
	})

	submit := func(ctx context.Context, tx dbftconsensus.Transaction) error {
		return submitTx(ctx, nodes, tx)
	}

	if cfg.TxInterval > 0 {
		g.Go(func() error {
			generateTxs(gCtx, log.With("sys", "txgen"), cfg.TxInterval, nodes, submit)
			return nil
		})
	}

	if cfg.HTTPSocket != "" {
		// A stale socket from an earlier run would fail the listen.
		_ = os.Remove(cfg.HTTPSocket)
		ln, err := net.Listen("unix", cfg.HTTPSocket)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.HTTPSocket, err)
		}

		views := make([]ValidatorView, len(nodes))
		for i, n := range nodes {
			views[i] = n
		}
		srv := NewHTTPServer(gCtx, log.With("sys", "http"), HTTPServerConfig{
			Listener:   ln,
			Validators: views,
			Gatherer:   reg,
			Submit:     submit,
		})
		log.Info("Serving HTTP API", "socket", cfg.HTTPSocket)

		g.Go(func() error {
			srv.Wait()
			return nil
		})
	}

	<-gCtx.Done()
	return g.Wait()
}

// DeriveKeys returns n ed25519 keys derived from seed.
func DeriveKeys(seed string, n int) []ed25519.PrivateKey {
	out := make([]ed25519.PrivateKey, n)
	for i := range out {
		s := sha256.Sum256([]byte(fmt.Sprintf("%s/%d", seed, i)))
		out[i] = ed25519.NewKeyFromSeed(s[:])
	}
	return out
}

func openContextStore(dir string, idx int, codec dbftcbor.MarshalCodec) (dbftstore.ContextStore, error) {
	if dir == "" {
		return dbftmemstore.NewContextStore(), nil
	}

	path := filepath.Join(dir, fmt.Sprintf("validator-%d.db", idx))
	s, err := dbftbolt.NewContextStore(path, codec)
	if err != nil {
		return nil, fmt.Errorf("failed to open context store %s: %w", path, err)
	}
	return s, nil
}

// submitTx adds tx to every validator's mempool
// and offers it to engines waiting on it.
func submitTx(ctx context.Context, nodes []*Node, tx dbftconsensus.Transaction) error {
	var err error
	added := 0
	for _, n := range nodes {
		if addErr := n.Pool.Add(ctx, tx); addErr != nil {
			err = errors.Join(err, fmt.Errorf("validator %s: %w", n.name, addErr))
			continue
		}
		added++
		n.Engine.HandleTransaction(ctx, tx)
	}
	if added == 0 {
		return err
	}
	return nil
}

// syncBlocks copies blocks between ledgers, so a validator that missed
// a round catches up once any other validator persisted it.
func syncBlocks(ctx context.Context, log *slog.Logger, nodes []*Node, persisted <-chan int) {
	for {
		select {
		case <-ctx.Done():
			return
		case from := <-persisted:
			src := nodes[from].Ledger
			srcHeight, _ := src.CurrentHeight(ctx)

			for _, n := range nodes {
				if n.Index == from {
					continue
				}
				height, _ := n.Ledger.CurrentHeight(ctx)
				synced := height
				for h := height + 1; h <= srcHeight; h++ {
					b, ok := src.Block(h)
					if !ok || n.Ledger.Persist(ctx, b) != nil {
						break
					}
					synced = h
				}
				if synced > height {
					log.Debug("Synced blocks", "val", n.name, "from", height+1, "to", synced)
					n.Engine.HandleBlockPersisted(ctx, synced)
				}
			}
		}
	}
}

func generateTxs(
	ctx context.Context, log *slog.Logger, interval time.Duration,
	nodes []*Node, submit func(context.Context, dbftconsensus.Transaction) error,
) {
	t := time.NewTicker(interval)
	defer t.Stop()

	var nonce uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		height, _ := nodes[0].Ledger.CurrentHeight(ctx)
		nonce++
		tx := dbftconsensus.Transaction{
			Nonce:           nonce,
			NetworkFee:      int64(1000 + nonce%100),
			ValidUntilBlock: height + 100,
			Script:          []byte(petname.Generate(3, " ")),
		}
		if err := submit(ctx, tx); err != nil {
			log.Warn("Failed to submit generated transaction", "nonce", nonce, "err", err)
		}
	}
}
