package certpilot

import "time"

// RenewalReason explains a RenewalDecision.
type RenewalReason string

const (
	ReasonAbsent      RenewalReason = "absent"
	ReasonUnparseable RenewalReason = "unparseable"
	ReasonExpiring    RenewalReason = "expiring"
	ReasonValid       RenewalReason = "valid"
	ReasonForced      RenewalReason = "forced"

	// ReasonDomainsChanged is set when the configured names differ from the stored ones.
	ReasonDomainsChanged RenewalReason = "domains_changed"
)

// RenewalDecision is the go/no-go for placing a new order.
type RenewalDecision struct {
	Renew     bool          `json:"renew"`
	Reason    RenewalReason `json:"reason"`
	Remaining time.Duration `json:"remaining"`
}

// NeedsRenewal decides whether existing should be replaced. A missing bundle or one
// whose expiry is unknown always renews; otherwise renewal happens once the remaining
// validity is at or below thresholdDays.
func NeedsRenewal(existing *CertificateBundle, now time.Time, thresholdDays int) RenewalDecision {
	if existing == nil {
		return RenewalDecision{Renew: true, Reason: ReasonAbsent}
	}
	if existing.NotAfter.IsZero() {
		return RenewalDecision{Renew: true, Reason: ReasonUnparseable}
	}

	remaining := existing.NotAfter.Sub(now)
	threshold := time.Duration(thresholdDays) * 24 * time.Hour
	if remaining <= threshold {
		return RenewalDecision{Renew: true, Reason: ReasonExpiring, Remaining: remaining}
	}
	return RenewalDecision{Renew: false, Reason: ReasonValid, Remaining: remaining}
}
