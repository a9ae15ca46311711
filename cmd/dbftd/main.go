// Command dbftd runs and inspects a local dBFT devnet.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gordian-engine/dbft/cmd/dbftd/internal/dbftdcmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := dbftdcmd.NewRootCmd().ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}
