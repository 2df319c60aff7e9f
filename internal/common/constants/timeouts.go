// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// GitReadTimeout is the maximum time for read-only git commands
	// (status, branch listing, worktree listing).
	GitReadTimeout = 10 * time.Second

	// GitMutateTimeout is the maximum time for local mutating git commands
	// (worktree add/remove, branch creation).
	GitMutateTimeout = 60 * time.Second

	// GitNetworkTimeout is the maximum time for network git commands
	// (clone, fetch, pull).
	GitNetworkTimeout = 5 * time.Minute

	// AIQueryTimeout is the maximum time to wait for a single AI query
	// to stream to completion.
	AIQueryTimeout = 30 * time.Minute

	// AdapterSendTimeout is the maximum time for one platform send call.
	AdapterSendTimeout = 30 * time.Second

	// CleanupRunTimeout bounds one scheduled cleanup sweep.
	CleanupRunTimeout = 10 * time.Minute

	// ShutdownTimeout is the grace period for draining work on exit.
	ShutdownTimeout = 15 * time.Second
)
