// Command vx-mirror mirrors the vx-underground collection tree to local storage.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/vx-mirror/pkg/utils"
)

// Exit codes
const (
	exitOK            = 0
	exitUsage         = 1 // Unknown command, bad flag syntax or a failed run
	exitInvalidConfig = 2 // Values that parse but fail validation
)

const gracePeriod = 30 * time.Second

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// execute runs the command line and maps the outcome to an exit code
func execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root := NewRootCmd(stdin, stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(stderr, "Error:", err)
	if errors.Is(err, utils.ErrConfigValidation) {
		return exitInvalidConfig
	}
	return exitUsage
}

// withSignals cancels the returned context on SIGINT or SIGTERM.
// A second signal, or a run that outlives the grace period, forces the process out.
func withSignals(parent context.Context, log *logrus.Entry) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warnf("Received signal: %v. Initiating graceful shutdown...", sig)
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigChan:
			log.Warnf("Received second signal: %v. Forcing exit.", sig)
			os.Exit(exitUsage)
		case <-time.After(gracePeriod):
			log.Warn("Graceful shutdown period exceeded after signal. Forcing exit.")
			os.Exit(exitUsage)
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}
