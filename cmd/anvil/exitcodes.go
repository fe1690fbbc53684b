package main

import "os"

// Exit codes for different error types.
// These enable scripts to distinguish between failure modes.
const (
	// ExitSuccess indicates successful execution
	ExitSuccess = 0

	// ExitGeneral indicates a general error
	ExitGeneral = 1

	// ExitUsage indicates invalid arguments or usage error
	ExitUsage = 2

	// ExitResolveFailed indicates graph resolution failed (cycle,
	// ambiguity, unresolved or missing dependency)
	ExitResolveFailed = 3

	// ExitBuildFailed indicates one or more recipes failed a phase
	ExitBuildFailed = 4
)

// exitWithCode exits with the specified exit code
func exitWithCode(code int) {
	os.Exit(code)
}
