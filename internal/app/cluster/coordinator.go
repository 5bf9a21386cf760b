// Package cluster defines how replicated processes agree on which replica
// runs singleton work such as the stale scan reaper.
package cluster

import "context"

// Coordinator runs work on exactly one replica at a time.
type Coordinator interface {
	// Lead blocks until ctx ends. Each time this replica gains leadership fn
	// is called with a context that is cancelled when leadership is lost.
	Lead(ctx context.Context, fn func(ctx context.Context)) error
}

// Standalone is the Coordinator of a single-replica deployment; it is always
// the leader.
type Standalone struct{}

// Lead calls fn once with ctx.
func (Standalone) Lead(ctx context.Context, fn func(ctx context.Context)) error {
	fn(ctx)
	return nil
}
