package isolation

import "context"

// Provider realizes isolation environments on some backend. Implementations
// must be safe for concurrent use; the orchestrator and the cleanup
// scheduler call them from independent goroutines.
type Provider interface {
	// Create provisions (or adopts) the environment for a request and
	// records it as active. Returns ErrBranchInUse when a distinct active
	// environment already holds the computed branch.
	Create(ctx context.Context, req CreateRequest) (*Environment, error)

	// Destroy tears an environment down and marks it destroyed. Missing
	// environments succeed idempotently. Returns ErrDirty when the working
	// tree has uncommitted changes and opts.Force is unset, and
	// ErrStillReferenced when conversations still point at it.
	Destroy(ctx context.Context, envID string, opts DestroyOptions) error

	// Get returns an environment by ID regardless of status.
	Get(ctx context.Context, envID string) (*Environment, error)

	// List returns the active environments of a codebase.
	List(ctx context.Context, codebaseID string) ([]*Environment, error)

	// HealthCheck reports whether the environment's working path still
	// looks usable.
	HealthCheck(ctx context.Context, envID string) (bool, error)
}

// Adopter is implemented by providers that can take ownership of an
// environment that exists on disk but not in the store.
type Adopter interface {
	Adopt(ctx context.Context, codebaseID, canonicalPath, workingPath string) (*Environment, error)
}
