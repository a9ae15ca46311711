package dbftdcmd

import (
	"encoding/json"
	"fmt"

	"github.com/gordian-engine/dbft/cmd/dbftd/internal/dbftddev"
	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/spf13/cobra"
)

func newSubmitCmd(root *rootConfig) *cobra.Command {
	var (
		socket string
		tx     dbftconsensus.Transaction
	)

	cmd := &cobra.Command{
		Use:   "submit SCRIPT",
		Short: "Submit a transaction to every validator in a running devnet",

		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			if socket == "" {
				socket = root.socketPath()
			}

			tx.Script = []byte(args[0])
			body, err := json.Marshal(tx)
			if err != nil {
				return fmt.Errorf("failed to encode transaction: %w", err)
			}

			var resp dbftddev.SubmitTxResponse
			if err := newAPIClient(socket).postJSON("/transactions", body, &resp); err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), resp.Hash)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&socket, "http-socket", "", "unix socket of the devnet HTTP API (default is $DBFT_HOME/dbftd.sock)")
	f.Uint32Var(&tx.Nonce, "nonce", 0, "transaction nonce")
	f.Int64Var(&tx.NetworkFee, "network-fee", 1000, "network fee, which orders the mempool")
	f.Int64Var(&tx.SystemFee, "system-fee", 0, "system fee, counted against the block limit")
	f.Uint32Var(&tx.ValidUntilBlock, "valid-until", 1_000_000, "last block height the transaction may be included before")

	return cmd
}
