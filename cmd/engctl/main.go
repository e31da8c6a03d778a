// Command engctl is the thin Cobra entrypoint for the autonomous
// code-improvement orchestrator. It contains no business logic of its
// own: every verb delegates straight to internal/session,
// internal/cycle, internal/store, and internal/config, and only
// formats their results for a terminal via internal/formatter.
package main

import "os"

func main() {
	if err := Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}
