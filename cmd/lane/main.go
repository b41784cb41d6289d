// Lane is the conversation and invocation core of the campaign
// assistant. It keeps per-conversation history inside a token budget,
// calls chat endpoints with classified retry, and caches and rate limits
// through a shared key-value store with a local fallback.
//
// Usage:
//
//	lane ask <question>              Send one message and print the reply
//	lane chat                        Interactive conversation on stdin
//	lane healthcheck                 Probe the store and chat providers
//	lane cache invalidate <pattern>  Delete cached entries matching pattern
//	lane ratelimit check <key>       Count one call against a rate limit key
//	lane usage                       Summarize recorded token usage
//	lane version                     Print version and build information
//	lane init [dir]                  Write an example config and data directory
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates to [run], keeping os.Exit and os.Args out of the command
// logic so it can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		stop()
		os.Exit(1)
	}
}

// run is the real entry point. A fresh command tree is built per call so
// concurrent tests never share flag state.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	root := newRootCmd()
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}
