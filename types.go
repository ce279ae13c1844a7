package certpilot

import (
	"crypto"
	"time"
)

// AccountIdentity is the KeyStore identity of the ACME account key.
const AccountIdentity = "account"

// KeyMaterial is a private key together with the identity it belongs to.
type KeyMaterial struct {
	Identity string
	Key      crypto.PrivateKey
	PEM      []byte
	Path     string
}

// KeyRef points at the private key of a bundle without carrying it.
type KeyRef struct {
	Identity string
	Path     string
}

// BundleLocations lists where a stored bundle can be picked up by hand.
type BundleLocations struct {
	Dir         string `json:"dir" toml:"dir"`
	Certificate string `json:"certificate" toml:"certificate"`
	Chain       string `json:"chain" toml:"chain"`
	FullChain   string `json:"full_chain" toml:"full_chain"`
	PrivateKey  string `json:"private_key" toml:"private_key"`
}

// CertificateBundle is an issued certificate split into leaf and chain.
// Chain is ordered as returned by the CA and never contains the leaf.
type CertificateBundle struct {
	Domain   string
	Domains  []string
	Leaf     []byte
	Chain    [][]byte
	Key      KeyRef
	KeyPEM   []byte
	NotAfter time.Time

	// Location is set once the bundle has been persisted.
	Location *BundleLocations
}

// ChainPEM returns the intermediate certificates concatenated in order.
func (b *CertificateBundle) ChainPEM() []byte {
	return JoinChain(nil, b.Chain)
}

// FullChainPEM returns the leaf followed by the chain.
func (b *CertificateBundle) FullChainPEM() []byte {
	return JoinChain(b.Leaf, b.Chain)
}

// ChallengeRecord is the proof the CA expects to find for one authorization.
type ChallengeRecord struct {
	Domain string
	Token  string
	Proof  string
}

// ChallengeHandle identifies a published challenge artifact for later retraction.
type ChallengeHandle struct {
	Record   ChallengeRecord
	Location string
}

// OutcomeStatus classifies a finished run.
type OutcomeStatus string

const (
	StatusSkipped        OutcomeStatus = "skipped"
	StatusInstalled      OutcomeStatus = "installed"
	StatusManualFollowUp OutcomeStatus = "manual_follow_up"
	StatusDryRun         OutcomeStatus = "dry_run"
	StatusFailed         OutcomeStatus = "failed"
)

// ManualDelivery tells a human where to find the bundle when automated
// installation failed.
type ManualDelivery struct {
	Reason    string           `json:"reason"`
	Locations *BundleLocations `json:"locations,omitempty"`
}

// RunOutcome is the immutable record of one orchestration attempt.
type RunOutcome struct {
	ID         string          `json:"id"`
	Domain     string          `json:"domain"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Status     OutcomeStatus   `json:"status"`
	Renewed    bool            `json:"renewed"`
	Installed  bool            `json:"installed"`
	Decision   RenewalDecision `json:"decision"`
	Stage      Stage           `json:"stage"`
	Error      string          `json:"error,omitempty"`
	NotAfter   time.Time       `json:"not_after,omitzero"`
	Manual     *ManualDelivery `json:"manual,omitempty"`
}

// Cert is an archived issuance, kept for the certificate history.
type Cert struct {
	ID               int64
	Identifier       string
	Domains          []string
	CertificateChain string
	IssuedAt         time.Time
	ExpiresAt        time.Time
}
