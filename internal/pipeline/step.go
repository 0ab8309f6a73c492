// Package pipeline executes an ordered artifact chain for one timestamp.
package pipeline

import "context"

// Step is one stage of the chain. Construction binds the timestamp and the
// file layout, so Run is a closure over its input and output paths.
type Step interface {
	// Name identifies the step in logs and metrics.
	Name() string

	// OutputPath is the artifact this step produces. The runner uses it for
	// pre-run cleanup and for intermediate deletion afterward.
	OutputPath() string

	// IdempotentSafe reports whether the step tolerates a pre-existing
	// output. Outputs of unsafe steps are removed before Run so a partial
	// artifact from an earlier attempt cannot be mistaken for a result.
	IdempotentSafe() bool

	Run(ctx context.Context) error
}
