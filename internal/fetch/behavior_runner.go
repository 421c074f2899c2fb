package fetch

import "context"

// BehaviorRunner is the behavior controller's capability as seen by the
// browser engine: an injected hook invoked before HTML capture, so the
// engine never reaches for a hidden global to run it.
type BehaviorRunner interface {
	Run(ctx context.Context, bc BehaviorContext) (*BehaviorTrace, error)
}
