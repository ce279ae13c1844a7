package certpilot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNeedsRenewal(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	tests := []struct {
		name       string
		bundle     *CertificateBundle
		threshold  int
		wantRenew  bool
		wantReason RenewalReason
	}{
		{"absent", nil, 30, true, ReasonAbsent},
		{"unparseable", &CertificateBundle{Domain: "example.com"}, 30, true, ReasonUnparseable},
		{"45 days left with 30 day threshold", &CertificateBundle{NotAfter: now.Add(45 * day)}, 30, false, ReasonValid},
		{"exactly at threshold", &CertificateBundle{NotAfter: now.Add(30 * day)}, 30, true, ReasonExpiring},
		{"one second past threshold", &CertificateBundle{NotAfter: now.Add(30*day + time.Second)}, 30, false, ReasonValid},
		{"10 days left", &CertificateBundle{NotAfter: now.Add(10 * day)}, 30, true, ReasonExpiring},
		{"already expired", &CertificateBundle{NotAfter: now.Add(-day)}, 30, true, ReasonExpiring},
		{"45 days left with 60 day threshold", &CertificateBundle{NotAfter: now.Add(45 * day)}, 60, true, ReasonExpiring},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NeedsRenewal(tt.bundle, now, tt.threshold)
			assert.Equal(t, tt.wantRenew, d.Renew)
			assert.Equal(t, tt.wantReason, d.Reason)
			if tt.bundle != nil && !tt.bundle.NotAfter.IsZero() {
				assert.Equal(t, tt.bundle.NotAfter.Sub(now), d.Remaining)
			}
		})
	}
}

// Renewal is monotonic in the remaining validity: once a certificate is due, any
// certificate expiring earlier is due as well.
func TestNeedsRenewalMonotonic(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	for threshold := 1; threshold <= 90; threshold += 7 {
		due := false
		for days := 120; days >= -5; days-- {
			d := NeedsRenewal(&CertificateBundle{NotAfter: now.AddDate(0, 0, days)}, now, threshold)
			if due {
				assert.True(t, d.Renew, "threshold %d, %d days left", threshold, days)
			}
			due = due || d.Renew
			assert.Equal(t, days <= threshold, d.Renew, "threshold %d, %d days left", threshold, days)
		}
	}
}

func TestSameDomains(t *testing.T) {
	assert.True(t, sameDomains([]string{"a.example.com", "example.com"}, []string{"Example.com", "a.example.com"}))
	assert.True(t, sameDomains([]string{"example.com", "example.com"}, []string{"example.com"}))
	assert.False(t, sameDomains([]string{"example.com"}, []string{"example.com", "www.example.com"}))
}
