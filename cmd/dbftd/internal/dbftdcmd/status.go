package dbftdcmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/gordian-engine/dbft/cmd/dbftd/internal/dbftddev"
	"github.com/spf13/cobra"
)

func newStatusCmd(root *rootConfig) *cobra.Command {
	var socket string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the round state of each validator in a running devnet",

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, _ []string) error {
			if socket == "" {
				socket = root.socketPath()
			}

			var vals []dbftddev.ValidatorSummary
			if err := newAPIClient(socket).getJSON("/validators", &vals); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INDEX\tNAME\tHEIGHT\tVIEW\tROLE\tSTATE")
			for _, v := range vals {
				state := "-"
				switch {
				case v.CommitSent:
					state = "committed"
				case v.ViewChanging:
					state = "changing view"
				}
				fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\t%s\n", v.Index, v.Name, v.Height, v.View, v.Role, state)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&socket, "http-socket", "", "unix socket of the devnet HTTP API (default is $DBFT_HOME/dbftd.sock)")

	return cmd
}
