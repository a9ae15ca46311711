package dbftengine

import (
	"errors"
	"time"

	"github.com/gordian-engine/dbft/dbft/dbftcodec"
	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/gordian-engine/dbft/dbft/dbftengine/dbftemetrics"
	"github.com/gordian-engine/dbft/dbft/dbftengine/internal/dbfti"
	"github.com/gordian-engine/dbft/dbft/dbftp2p"
	"github.com/gordian-engine/dbft/dbft/dbftstore"
	"github.com/gordian-engine/dbft/gassert"
	"github.com/gordian-engine/dbft/gcrypto"
)

// Opt is an option for [New].
type Opt func(*dbfti.KernelConfig) error

// DefaultTimePerBlock is the target block interval when none is configured.
const DefaultTimePerBlock = 15 * time.Second

// WithLedger sets the chain the engine extends. Required.
func WithLedger(l dbftconsensus.Ledger) Opt {
	return func(cfg *dbfti.KernelConfig) error {
		cfg.Ledger = l
		return nil
	}
}

// WithMempool sets where the primary draws transactions from,
// and where backups look up proposed transactions. Required.
func WithMempool(m dbftconsensus.Mempool) Opt {
	return func(cfg *dbfti.KernelConfig) error {
		cfg.Mempool = m
		return nil
	}
}

// WithConnection sets the transport. Required.
// The engine registers itself as the connection's envelope handler.
func WithConnection(c dbftp2p.Connection) Opt {
	return func(cfg *dbfti.KernelConfig) error {
		cfg.Connection = c
		return nil
	}
}

// WithCodec sets the message codec. Required.
func WithCodec(c dbftcodec.MarshalCodec) Opt {
	return func(cfg *dbfti.KernelConfig) error {
		cfg.Codec = c
		return nil
	}
}

// WithContextStore sets the recovery log. Required.
func WithContextStore(s dbftstore.ContextStore) Opt {
	return func(cfg *dbfti.KernelConfig) error {
		cfg.ContextStore = s
		return nil
	}
}

// WithSigner sets the local validator's signer.
// Without a signer, or with one whose key is not in the validator set,
// the engine is watch-only: it follows and finalizes blocks
// without sending anything.
func WithSigner(s gcrypto.Signer) Opt {
	return func(cfg *dbfti.KernelConfig) error {
		cfg.Signer = s
		return nil
	}
}

// WithNetwork sets the network magic mixed into every signature.
func WithNetwork(magic uint32) Opt {
	return func(cfg *dbfti.KernelConfig) error {
		cfg.Network = magic
		return nil
	}
}

// WithBlockVersion sets the header version the engine proposes and accepts.
func WithBlockVersion(v uint32) Opt {
	return func(cfg *dbfti.KernelConfig) error {
		cfg.BlockVersion = v
		return nil
	}
}

// WithTimePerBlock sets the target block interval.
// Defaults to [DefaultTimePerBlock].
func WithTimePerBlock(d time.Duration) Opt {
	return func(cfg *dbfti.KernelConfig) error {
		if d <= 0 {
			return errors.New("time per block must be positive")
		}
		cfg.TimePerBlock = d
		return nil
	}
}

// WithTimeoutStrategy sets the view timeouts.
// Defaults to [DefaultTimeoutStrategy] for the configured time per block.
func WithTimeoutStrategy(s TimeoutStrategy) Opt {
	return func(cfg *dbfti.KernelConfig) error {
		cfg.Timeouts = s
		return nil
	}
}

// WithLimits sets the block limits enforced by the primary
// when proposing and by backups before preparing.
func WithLimits(l dbftconsensus.BlockLimits) Opt {
	return func(cfg *dbfti.KernelConfig) error {
		cfg.Limits = l
		return nil
	}
}

// WithIgnoreRecoveryLog makes the engine start from scratch
// even if the context store holds a snapshot for the current height.
func WithIgnoreRecoveryLog() Opt {
	return func(cfg *dbfti.KernelConfig) error {
		cfg.IgnoreRecoveryLog = true
		return nil
	}
}

// WithMetricsCollector sets where engine metrics are recorded.
func WithMetricsCollector(c *dbftemetrics.Collector) Opt {
	return func(cfg *dbfti.KernelConfig) error {
		cfg.MetricsCollector = c
		return nil
	}
}

// WithAssertEnv sets the assertion environment.
// Defaults to one that panics on any failure,
// such as the engine about to equivocate.
func WithAssertEnv(env gassert.Env) Opt {
	return func(cfg *dbfti.KernelConfig) error {
		cfg.AssertEnv = env
		return nil
	}
}
