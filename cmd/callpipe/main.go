// Command callpipe runs and administers the call-processing job queue.
package main

import (
	"log/slog"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("callpipe", "error", err)
		os.Exit(1)
	}
}
