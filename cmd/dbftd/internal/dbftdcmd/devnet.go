package dbftdcmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gordian-engine/dbft/cmd/dbftd/internal/dbftddev"
	"github.com/spf13/cobra"
)

func newDevnetCmd(root *rootConfig) *cobra.Command {
	var (
		cfg        dbftddev.Config
		persistent bool
	)

	cmd := &cobra.Command{
		Use:   "devnet",
		Short: "Run a local validator set in this process",
		Long: `Run a local validator set in this process.

Validators share a transport and finalize blocks until interrupted.
The HTTP API on the unix socket serves validator status, blocks,
transaction submission and prometheus metrics.`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := root.logger(cmd)
			if err != nil {
				return err
			}

			if err := os.MkdirAll(root.HomeDir, 0o700); err != nil {
				return fmt.Errorf("failed to create home directory: %w", err)
			}

			if cfg.HTTPSocket == "" {
				cfg.HTTPSocket = root.socketPath()
			}
			if persistent {
				cfg.DataDir = filepath.Join(root.HomeDir, "data")
			}

			return dbftddev.Run(cmd.Context(), log, cfg)
		},
	}

	f := cmd.Flags()
	f.IntVar(&cfg.Validators, "validators", 4, "number of validators")
	f.StringVar(&cfg.Seed, "seed", "dbftd devnet", "seed for deterministic validator keys")
	f.DurationVar(&cfg.TimePerBlock, "time-per-block", time.Second, "target interval between blocks")
	f.IntVar(&cfg.Limits.MaxTransactionsPerBlock, "max-txs-per-block", 512, "most transactions a block may hold (0 for no limit)")
	f.IntVar(&cfg.Limits.MaxBlockSize, "max-block-size", 262_144, "largest encoded block size in bytes (0 for no limit)")
	f.Int64Var(&cfg.Limits.MaxBlockSystemFee, "max-block-system-fee", 0, "largest total system fee per block (0 for no limit)")
	f.StringVar(&cfg.Transport, "transport", dbftddev.TransportLibp2p, "validator transport: inmem or libp2p")
	f.BoolVar(&persistent, "persistent", false, "keep round snapshots in bolt files under $DBFT_HOME/data")
	f.StringVar(&cfg.HTTPSocket, "http-socket", "", "unix socket for the HTTP API (default is $DBFT_HOME/dbftd.sock)")
	f.DurationVar(&cfg.TxInterval, "tx-interval", 0, "submit a generated transaction at this interval (0 to disable)")

	return cmd
}
