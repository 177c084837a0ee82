package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/tis24dev/statesave/internal/orchestrator"
	"github.com/tis24dev/statesave/internal/types"
)

const exitCodeInterrupted = 128 + int(syscall.SIGINT)

func main() {
	os.Exit(run())
}

func run() int {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic: %v\n%s\n", r, debug.Stack())
			os.Exit(types.ExitPanicError.Int())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd(os.Stdout, os.Stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return types.ExitSuccess.Int()
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		fmt.Fprintln(os.Stderr, "Interrupted")
		return exitCodeInterrupted
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return exitCode(err).Int()
}

// exitCode maps a command error to the process exit code.
func exitCode(err error) types.ExitCode {
	var usage *usageError
	if errors.As(err, &usage) {
		return types.ExitConfigError
	}
	return orchestrator.ExitCodeFor(err)
}
