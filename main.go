// clamstream submits files to a ClamAV daemon over the INSTREAM
// protocol and reports a verdict per file.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"clamstream/cmd"
	"clamstream/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := cmd.Execute(ctx, os.Args[1:])
	if err == nil {
		return
	}

	var exit *core.ExitError
	if errors.As(err, &exit) {
		cancel()
		os.Exit(exit.Code)
	}
	fmt.Fprintf(os.Stderr, "clamstream: %v\n", err)
	cancel()
	os.Exit(core.ExitFailed)
}
