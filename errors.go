package certpilot

import (
	"errors"
	"fmt"

	legoacme "github.com/go-acme/lego/v4/acme"
)

var (
	// ErrRunInProgress is returned when a renewal run for the same domain is already active.
	ErrRunInProgress = errors.New("renewal run already in progress")

	// ErrNoCertificate is returned by the bundle store when nothing has been issued yet.
	ErrNoCertificate = errors.New("no certificate stored")

	// ErrChallengeUnsupported is returned when an authorization offers no challenge
	// the configured responder can satisfy.
	ErrChallengeUnsupported = errors.New("no supported challenge offered")

	// ErrPollTimeout is returned when a polling loop exceeds its maximum elapsed time.
	ErrPollTimeout = errors.New("polling exceeded its time bound")

	// ErrEmptyChain is returned when a downloaded chain contains no certificate blocks.
	ErrEmptyChain = errors.New("certificate chain contains no PEM blocks")

	// ErrInvalidToken is returned for challenge tokens that are not base64url.
	ErrInvalidToken = errors.New("invalid challenge token")
)

// Stage names the step of a run at which an outcome was decided.
type Stage string

const (
	StageConfig        Stage = "config"
	StagePolicy        Stage = "policy"
	StageKeys          Stage = "keys"
	StageAccount       Stage = "account"
	StageOrder         Stage = "order"
	StageAuthorization Stage = "authorization"
	StageFinalize      Stage = "finalize"
	StageStore         Stage = "store"
	StageInstall       Stage = "install"
	StageDone          Stage = "done"
)

// ConfigError reports missing or invalid configuration. It is raised before any
// network or filesystem mutation.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "config: " + e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// StorageError reports a key or bundle persistence failure.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// AcmeError reports a CA rejection or an exhausted polling bound. Problem holds the
// CA's problem document when one was returned.
type AcmeError struct {
	Stage   Stage
	Domain  string
	Problem *legoacme.ProblemDetails
	Err     error
}

func (e *AcmeError) Error() string {
	msg := fmt.Sprintf("acme %s", e.Stage)
	if e.Domain != "" {
		msg += " (" + e.Domain + ")"
	}
	if e.Problem != nil {
		return fmt.Sprintf("%s: %s: %s", msg, e.Problem.Type, e.Problem.Detail)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *AcmeError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	if e.Problem != nil {
		return e.Problem
	}
	return nil
}

// ChallengeError reports a failure to publish a challenge artifact.
type ChallengeError struct {
	Domain string
	Token  string
	Err    error
}

func (e *ChallengeError) Error() string {
	return fmt.Sprintf("challenge %s (token %s): %v", e.Domain, e.Token, e.Err)
}

func (e *ChallengeError) Unwrap() error { return e.Err }

// InstallError reports that the control panel refused the certificate or that
// authentication failed after its single retry.
type InstallError struct {
	Domain string
	Reason string
	Err    error
}

func (e *InstallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("install %s: %s: %v", e.Domain, e.Reason, e.Err)
	}
	return fmt.Sprintf("install %s: %s", e.Domain, e.Reason)
}

func (e *InstallError) Unwrap() error { return e.Err }

// RunError wraps a fatal run failure with the domain and the stage reached.
type RunError struct {
	Domain string
	Stage  Stage
	Err    error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("renewal of %s failed at %s: %v", e.Domain, e.Stage, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// problemOf extracts the CA problem document from err, if any.
func problemOf(err error) *legoacme.ProblemDetails {
	var pd *legoacme.ProblemDetails
	if errors.As(err, &pd) {
		return pd
	}
	return nil
}
