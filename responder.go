package certpilot

import "context"

// ChallengeResponder publishes and retracts the proof artifact for one challenge type.
//
// Publish must not return before the artifact is visible to the CA. Retract must be
// idempotent and must treat a handle whose artifact was never published as a no-op.
type ChallengeResponder interface {
	ChallengeType() string
	Publish(ctx context.Context, rec ChallengeRecord) (ChallengeHandle, error)
	Retract(ctx context.Context, h ChallengeHandle) error
}
