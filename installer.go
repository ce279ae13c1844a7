package certpilot

import "context"

// InstallTarget names where an installer delivers a bundle.
type InstallTarget struct {
	Domain   string
	Endpoint string
}

// InstallResult describes a successful installation.
type InstallResult struct {
	Strategy string
	Attempts int
	Message  string
}

// Installer delivers an issued bundle to a hosting control panel. Failures must be
// reported as *InstallError so the orchestrator can fall back to manual delivery.
type Installer interface {
	Install(ctx context.Context, bundle *CertificateBundle, target InstallTarget) (InstallResult, error)
}

// ManualInstaller is used when no control panel is configured: every bundle is
// handed over for manual application.
type ManualInstaller struct{}

func (ManualInstaller) Install(_ context.Context, bundle *CertificateBundle, target InstallTarget) (InstallResult, error) {
	return InstallResult{}, &InstallError{Domain: target.Domain, Reason: "no control panel configured"}
}
