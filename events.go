package certpilot

// EventKey is the log attribute that marks a record as an audit event.
const EventKey = "event"

// Audit event names.
const (
	EventKeyGenerated          = "key_generated"
	EventChallengePublished    = "challenge_published"
	EventChallengeRetracted    = "challenge_retracted"
	EventChallengeRetractError = "challenge_retract_failed"
	EventOrderState            = "order_state"
	EventInstallResult         = "install_result"
	EventBundleStored          = "bundle_stored"
	EventRunOutcome            = "run_outcome"
)
