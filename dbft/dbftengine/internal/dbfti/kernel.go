package dbfti

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/trace"
	"sync"
	"time"

	"github.com/gordian-engine/dbft/dbft/dbftcodec"
	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/gordian-engine/dbft/dbft/dbftcontext"
	"github.com/gordian-engine/dbft/dbft/dbftengine/dbftemetrics"
	"github.com/gordian-engine/dbft/dbft/dbftp2p"
	"github.com/gordian-engine/dbft/dbft/dbftstore"
	"github.com/gordian-engine/dbft/gassert"
	"github.com/gordian-engine/dbft/gcrypto"
)

// ViewTimeouter is satisfied by the engine's timeout strategy.
type ViewTimeouter interface {
	ViewTimeout(view uint8) time.Duration
}

// KernelConfig is the configuration for a [Kernel].
type KernelConfig struct {
	Ledger       dbftconsensus.Ledger
	Mempool      dbftconsensus.Mempool
	Connection   dbftp2p.Connection
	Codec        dbftcodec.MarshalCodec
	ContextStore dbftstore.ContextStore

	// Nil for a watch-only node.
	Signer gcrypto.Signer

	Network      uint32
	BlockVersion uint32
	Limits       dbftconsensus.BlockLimits

	TimePerBlock time.Duration
	Timeouts     ViewTimeouter

	// Skip loading the round snapshot on start.
	IgnoreRecoveryLog bool

	EnvelopeRequests <-chan EnvelopeRequest
	TxRequests       <-chan dbftconsensus.Transaction
	BlockPersisted   <-chan uint32
	StatusRequests   <-chan StatusRequest

	MetricsCollector *dbftemetrics.Collector

	AssertEnv gassert.Env

	// Defaults to time.Now.
	Now func() time.Time
}

// Kernel owns the consensus context.
// Every mutation of the round happens on the kernel's main loop.
type Kernel struct {
	log *slog.Logger

	c *dbftcontext.Context

	ledger  dbftconsensus.Ledger
	mempool dbftconsensus.Mempool
	conn    dbftp2p.Connection
	store   dbftstore.ContextStore

	tpb      time.Duration
	timeouts ViewTimeouter
	now      func() time.Time

	metrics   *dbftemetrics.Collector
	assertEnv gassert.Env

	envelopeRequests <-chan EnvelopeRequest
	txRequests       <-chan dbftconsensus.Transaction
	blockPersisted   <-chan uint32
	statusRequests   <-chan StatusRequest

	txArrivals chan txArrival
	outbox     chan outbound

	timer         *time.Timer
	timerHeight   uint32
	timerView     uint8
	clockStarted  time.Time
	expectedDelay time.Duration

	// Hashes of recovery requests and change views already answered this height.
	knownHashes map[dbftconsensus.Hash]struct{}

	// Only true while handling a recovery message.
	isRecovering bool

	// Round in which a message from a later height or view
	// last triggered a recovery request. Height 0 is never a live round.
	aheadRecovery roundKey

	blockReceivedTime  time.Time
	prepareRequestTime time.Time

	// Incremented on every reset, so fetches for an old round are discarded.
	fetchGen uint64

	signed map[signedKey]dbftconsensus.Hash

	wg sync.WaitGroup
}

// NewKernel loads the current round, restoring the recovery log if present,
// and starts the kernel's goroutines.
// Cancel ctx and call [*Kernel.Wait] to stop it.
func NewKernel(ctx context.Context, log *slog.Logger, cfg KernelConfig) (*Kernel, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := dbftcontext.New(log.With("k_sys", "context"), dbftcontext.Config{
		Network:      cfg.Network,
		BlockVersion: cfg.BlockVersion,
		Limits:       cfg.Limits,
		Ledger:       cfg.Ledger,
		Mempool:      cfg.Mempool,
		Codec:        cfg.Codec,
		Signer:       cfg.Signer,
		AssertEnv:    cfg.AssertEnv,
		Now:          cfg.Now,
	})

	timer := time.NewTimer(time.Hour)
	timer.Stop()

	k := &Kernel{
		log: log,

		c: c,

		ledger:  cfg.Ledger,
		mempool: cfg.Mempool,
		conn:    cfg.Connection,
		store:   cfg.ContextStore,

		tpb:      cfg.TimePerBlock,
		timeouts: cfg.Timeouts,
		now:      cfg.Now,

		metrics:   cfg.MetricsCollector,
		assertEnv: cfg.AssertEnv,

		envelopeRequests: cfg.EnvelopeRequests,
		txRequests:       cfg.TxRequests,
		blockPersisted:   cfg.BlockPersisted,
		statusRequests:   cfg.StatusRequests,

		// Arbitrarily sized; fetches block on ctx if the kernel falls behind.
		txArrivals: make(chan txArrival, 8),
		outbox:     make(chan outbound, 256),

		timer: timer,

		knownHashes: make(map[dbftconsensus.Hash]struct{}),
		signed:      make(map[signedKey]dbftconsensus.Hash),

		blockReceivedTime: cfg.Now(),
	}

	// The outbox must be running before start,
	// which may already send envelopes.
	k.wg.Add(1)
	go k.outboxLoop(ctx)

	if err := k.start(ctx, cfg.IgnoreRecoveryLog); err != nil {
		return nil, err
	}

	k.wg.Add(1)
	go k.mainLoop(ctx)

	return k, nil
}

// Wait blocks until all of the kernel's goroutines have finished.
func (k *Kernel) Wait() {
	k.wg.Wait()
}

// start resets the context for the next height
// and resumes from the recovery log when it matches.
func (k *Kernel) start(ctx context.Context, ignoreRecoveryLog bool) error {
	if err := k.c.Reset(ctx, 0); err != nil {
		return fmt.Errorf("failed to initialize consensus context: %w", err)
	}

	view := uint8(0)
	if !ignoreRecoveryLog {
		restored, err := k.restore(ctx)
		if err != nil {
			// A bad snapshot is not fatal; the round continues from scratch
			// and recovery messages will fill in what the network knows.
			k.log.Warn("Ignoring unusable round snapshot", "err", err)
		} else if restored {
			if k.c.CommitSent() {
				k.log.Info(
					"Restored round with commit already sent",
					"h", k.c.BlockIndex(), "v", k.c.ViewNumber,
				)
				k.metrics.SetRound(k.c.BlockIndex(), k.c.ViewNumber)
				k.checkPreparations(ctx)
				return nil
			}
			view = k.c.ViewNumber
		}
	}

	k.initializeConsensus(ctx, view)
	if !k.c.WatchOnly() {
		k.requestRecovery(ctx)
	}
	return nil
}

func (k *Kernel) restore(ctx context.Context) (bool, error) {
	s, err := k.store.LoadRoundSnapshot(ctx)
	if err != nil {
		if errors.Is(err, dbftstore.ErrNoSnapshot) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load round snapshot: %w", err)
	}

	if s.BlockIndex != k.c.BlockIndex() {
		k.log.Info(
			"Discarding round snapshot for another height",
			"snapshot_h", s.BlockIndex, "h", k.c.BlockIndex(),
		)
		return false, nil
	}

	if err := k.c.Restore(s); err != nil {
		// Restore may have partially applied; start the height over.
		if resetErr := k.c.Reset(ctx, 0); resetErr != nil {
			return false, errors.Join(err, resetErr)
		}
		return false, err
	}
	return true, nil
}

func (k *Kernel) mainLoop(ctx context.Context) {
	defer k.wg.Done()
	defer k.timer.Stop()

	ctx, task := trace.NewTask(ctx, "dbfti.Kernel.mainLoop")
	defer task.End()

	for {
		select {
		case <-ctx.Done():
			k.log.Info(
				"Stopping due to context cancellation",
				"cause", context.Cause(ctx),
			)
			return

		case req := <-k.envelopeRequests:
			req.Resp <- k.handleEnvelope(ctx, req.Envelope)

		case tx := <-k.txRequests:
			k.onTransaction(ctx, tx)

		case a := <-k.txArrivals:
			k.onTxArrival(ctx, a)

		case h := <-k.blockPersisted:
			k.onBlockPersisted(ctx, h)

		case req := <-k.statusRequests:
			req.Resp <- k.status()

		case <-k.timer.C:
			k.onTimer(ctx)
		}
	}
}

func (k *Kernel) status() Status {
	role := "Backup"
	switch {
	case k.c.WatchOnly():
		role = "WatchOnly"
	case k.c.IsPrimary():
		role = "Primary"
	}

	return Status{
		Height:       k.c.BlockIndex(),
		View:         k.c.ViewNumber,
		PrimaryIndex: k.c.PrimaryIndex(),
		MyIndex:      k.c.MyIndex,
		Role:         role,

		RequestSentOrReceived: k.c.RequestSentOrReceived(),
		ResponseSent:          k.c.ResponseSent(),
		CommitSent:            k.c.CommitSent(),
		ViewChanging:          k.c.ViewChanging(),

		Preparations: k.c.CountPreparations(),
		Commits:      k.c.CountCommitted(),
		ChangeViews:  k.c.CountChangeViewsAtLeast(k.c.ViewNumber + 1),

		TransactionHashes: len(k.c.TransactionHashes),
		Transactions:      len(k.c.Transactions),
	}
}

// onBlockPersisted handles an external notification that the ledger
// reached height.
func (k *Kernel) onBlockPersisted(ctx context.Context, height uint32) {
	defer trace.StartRegion(ctx, "onBlockPersisted").End()

	if height < k.c.BlockIndex() {
		// Already working above that height.
		return
	}
	k.advance(ctx)
}

// advance moves to view 0 of the height after the ledger tip.
func (k *Kernel) advance(ctx context.Context) {
	k.blockReceivedTime = k.now()
	k.prepareRequestTime = time.Time{}
	clear(k.knownHashes)
	clear(k.signed)
	k.initializeConsensus(ctx, 0)
}
