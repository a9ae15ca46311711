package dbftengine

import (
	"context"
	"errors"
	"log/slog"
	"runtime/trace"

	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/gordian-engine/dbft/dbft/dbftengine/dbftemetrics"
	"github.com/gordian-engine/dbft/dbft/dbftengine/internal/dbfti"
	"github.com/gordian-engine/dbft/gassert"
	"github.com/gordian-engine/dbft/internal/gchan"
)

// Engine is a dBFT validator, or a watch-only follower.
//
// Its methods are safe for concurrent use.
type Engine struct {
	log *slog.Logger

	k *dbfti.Kernel

	envelopeRequests chan<- dbfti.EnvelopeRequest
	txRequests       chan<- dbftconsensus.Transaction
	blockPersisted   chan<- uint32
	statusRequests   chan<- dbfti.StatusRequest

	metrics *dbftemetrics.Collector
}

var _ dbftconsensus.EnvelopeHandler = (*Engine)(nil)

// EngineStatus is a summary of the engine's current round.
type EngineStatus = dbfti.Status

// New returns a running Engine.
//
// The Engine runs background goroutines associated with ctx.
// Cancel the context and call [*Engine.Wait] to stop it.
func New(ctx context.Context, log *slog.Logger, opts ...Opt) (*Engine, error) {
	var cfg dbfti.KernelConfig

	var err error
	for _, opt := range opts {
		err = errors.Join(err, opt(&cfg))
	}
	if err != nil {
		return nil, err
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	if cfg.TimePerBlock == 0 {
		cfg.TimePerBlock = DefaultTimePerBlock
	}
	if cfg.Timeouts == nil {
		cfg.Timeouts = DefaultTimeoutStrategy(cfg.TimePerBlock)
	}
	if cfg.AssertEnv == nil {
		cfg.AssertEnv = gassert.NewEnv(log.With("sys", "assert"))
	}

	// The caller blocks on the response, so there is no point buffering.
	envelopeRequests := make(chan dbfti.EnvelopeRequest)
	statusRequests := make(chan dbfti.StatusRequest)

	// Buffered so a ledger or mempool notifying from its own goroutine
	// rarely waits on the kernel.
	txRequests := make(chan dbftconsensus.Transaction, 16)
	blockPersisted := make(chan uint32, 4)

	cfg.EnvelopeRequests = envelopeRequests
	cfg.TxRequests = txRequests
	cfg.BlockPersisted = blockPersisted
	cfg.StatusRequests = statusRequests

	k, err := dbfti.NewKernel(ctx, log.With("sys", "kernel"), cfg)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		log: log,

		k: k,

		envelopeRequests: envelopeRequests,
		txRequests:       txRequests,
		blockPersisted:   blockPersisted,
		statusRequests:   statusRequests,

		metrics: cfg.MetricsCollector,
	}

	cfg.Connection.SetEnvelopeHandler(e)

	return e, nil
}

func validateConfig(cfg *dbfti.KernelConfig) error {
	var err error

	if cfg.Ledger == nil {
		err = errors.Join(err, errors.New("no ledger set (use dbftengine.WithLedger)"))
	}
	if cfg.Mempool == nil {
		err = errors.Join(err, errors.New("no mempool set (use dbftengine.WithMempool)"))
	}
	if cfg.Connection == nil {
		err = errors.Join(err, errors.New("no connection set (use dbftengine.WithConnection)"))
	}
	if cfg.Codec == nil {
		err = errors.Join(err, errors.New("no codec set (use dbftengine.WithCodec)"))
	}
	if cfg.ContextStore == nil {
		err = errors.Join(err, errors.New("no context store set (use dbftengine.WithContextStore)"))
	}

	return err
}

// Wait blocks until the engine's background goroutines have finished.
// To begin shutdown, cancel the context passed to [New].
func (e *Engine) Wait() {
	e.k.Wait()
}

// HandleEnvelope verifies env and applies it to the current round.
// It satisfies [dbftconsensus.EnvelopeHandler].
func (e *Engine) HandleEnvelope(ctx context.Context, env dbftconsensus.Envelope) dbftconsensus.HandleEnvelopeResult {
	defer trace.StartRegion(ctx, "HandleEnvelope").End()

	res := e.handleEnvelope(ctx, env)
	e.metrics.EnvelopeHandled(res)
	return res
}

func (e *Engine) handleEnvelope(ctx context.Context, env dbftconsensus.Envelope) dbftconsensus.HandleEnvelopeResult {
	if env.Category != dbftconsensus.Category {
		return dbftconsensus.HandleEnvelopeMalformed
	}

	req := dbfti.EnvelopeRequest{
		Envelope: env,
		Resp:     make(chan dbftconsensus.HandleEnvelopeResult, 1),
	}
	res, ok := gchan.ReqResp(
		ctx, e.log,
		e.envelopeRequests, req,
		req.Resp,
		"handling envelope",
	)
	if !ok {
		return dbftconsensus.HandleEnvelopeInternalError
	}
	return res
}

// HandleTransaction delivers a transaction that reached the mempool
// after the current proposal was received.
// It reports false if ctx was cancelled first.
func (e *Engine) HandleTransaction(ctx context.Context, tx dbftconsensus.Transaction) bool {
	return gchan.SendC(
		ctx, e.log,
		e.txRequests, tx,
		"delivering transaction",
	)
}

// HandleBlockPersisted notifies the engine that the ledger reached height
// by some means other than the engine's own finalization, such as block sync.
// The engine moves to height+1 unless it is already there.
//
// It must not be called synchronously from [dbftconsensus.Ledger.Persist].
func (e *Engine) HandleBlockPersisted(ctx context.Context, height uint32) bool {
	return gchan.SendC(
		ctx, e.log,
		e.blockPersisted, height,
		"delivering block persisted notification",
	)
}

// Snapshot returns the current round status.
// It reports false if ctx was cancelled first.
func (e *Engine) Snapshot(ctx context.Context) (EngineStatus, bool) {
	defer trace.StartRegion(ctx, "Snapshot").End()

	req := dbfti.StatusRequest{
		Resp: make(chan dbfti.Status, 1),
	}
	return gchan.ReqResp(
		ctx, e.log,
		e.statusRequests, req,
		req.Resp,
		"getting status",
	)
}
