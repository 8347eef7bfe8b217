// Command fanout is the operator CLI for the fan-out event system: it inspects
// and provisions the topology, replays the error queue and runs journal
// maintenance jobs on demand.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
