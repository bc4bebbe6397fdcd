// Command paravisor runs a partition from a settings document and talks to
// a running one over its control socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp().root().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "paravisor: %v\n", err)
		os.Exit(1)
	}
}
