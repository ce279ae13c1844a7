// Package dnschallenge answers dns-01 challenges through a lego DNS provider and
// waits until the TXT record is visible on the configured resolvers.
package dnschallenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/go-acme/lego/v4/providers/dns/cloudflare"
	"github.com/miekg/dns"

	"github.com/caasmo/certpilot"
)

// ErrNotPropagated is returned when the TXT record did not appear on every resolver
// before the propagation timeout.
var ErrNotPropagated = errors.New("TXT record not propagated")

// Options tunes the propagation check.
type Options struct {
	Nameservers []string
	Timeout     time.Duration
	Interval    time.Duration
}

// Responder publishes TXT records through a lego challenge.Provider.
type Responder struct {
	provider challenge.Provider
	opts     Options
	client   *dns.Client
	logger   *slog.Logger

	mu        sync.Mutex
	published map[string]struct{}
}

func New(provider challenge.Provider, opts Options, logger *slog.Logger) *Responder {
	if provider == nil || logger == nil {
		panic("dnschallenge.New: received nil provider or logger")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	return &Responder{
		provider:  provider,
		opts:      opts,
		client:    &dns.Client{Net: "udp", Timeout: 5 * time.Second},
		logger:    logger.With("component", "dns01"),
		published: make(map[string]struct{}),
	}
}

// NewCloudflare returns the lego Cloudflare provider authenticated with an API token.
func NewCloudflare(apiToken string) (challenge.Provider, error) {
	cfg := cloudflare.NewDefaultConfig()
	cfg.AuthToken = apiToken
	p, err := cloudflare.NewDNSProviderConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("cloudflare provider: %w", err)
	}
	return p, nil
}

func (r *Responder) ChallengeType() string {
	return string(challenge.DNS01)
}

// Publish creates the _acme-challenge TXT record and blocks until every configured
// resolver returns it.
func (r *Responder) Publish(ctx context.Context, rec certpilot.ChallengeRecord) (certpilot.ChallengeHandle, error) {
	if err := ctx.Err(); err != nil {
		return certpilot.ChallengeHandle{}, err
	}
	info := dns01.GetChallengeInfo(rec.Domain, rec.Proof)

	if err := r.provider.Present(rec.Domain, rec.Token, rec.Proof); err != nil {
		return certpilot.ChallengeHandle{}, fmt.Errorf("present TXT record for %s: %w", rec.Domain, err)
	}
	h := certpilot.ChallengeHandle{Record: rec, Location: info.EffectiveFQDN}

	r.mu.Lock()
	r.published[handleKey(h)] = struct{}{}
	r.mu.Unlock()

	if err := r.waitPropagation(ctx, info.EffectiveFQDN, info.Value); err != nil {
		// The caller only retracts what was returned, so clean up here.
		if rerr := r.Retract(context.WithoutCancel(ctx), h); rerr != nil {
			r.logger.Warn("failed to remove unpropagated record", "fqdn", info.EffectiveFQDN, "error", rerr)
		}
		return certpilot.ChallengeHandle{}, err
	}
	return h, nil
}

// Retract removes a record created by Publish. Unknown handles are ignored.
func (r *Responder) Retract(_ context.Context, h certpilot.ChallengeHandle) error {
	key := handleKey(h)
	r.mu.Lock()
	_, ok := r.published[key]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if err := r.provider.CleanUp(h.Record.Domain, h.Record.Token, h.Record.Proof); err != nil {
		return fmt.Errorf("clean up TXT record for %s: %w", h.Record.Domain, err)
	}

	r.mu.Lock()
	delete(r.published, key)
	r.mu.Unlock()
	return nil
}

func (r *Responder) waitPropagation(ctx context.Context, fqdn, value string) error {
	if len(r.opts.Nameservers) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		pending := r.pendingNameservers(ctx, fqdn, value)
		if len(pending) == 0 {
			r.logger.Debug("TXT record propagated", "fqdn", fqdn)
			return nil
		}
		r.logger.Debug("waiting for TXT record", "fqdn", fqdn, "pending", pending)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s on %s", ErrNotPropagated, fqdn, strings.Join(pending, ", "))
		case <-ticker.C:
		}
	}
}

func (r *Responder) pendingNameservers(ctx context.Context, fqdn, value string) []string {
	var pending []string
	for _, ns := range r.opts.Nameservers {
		ok, err := r.hasTXT(ctx, ns, fqdn, value)
		if err != nil {
			r.logger.Debug("TXT lookup failed", "nameserver", ns, "fqdn", fqdn, "error", err)
		}
		if !ok {
			pending = append(pending, ns)
		}
	}
	return pending
}

func (r *Responder) hasTXT(ctx context.Context, nameserver, fqdn, value string) (bool, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(fqdn), dns.TypeTXT)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, nameserver)
	if err != nil {
		return false, err
	}
	if in.Rcode != dns.RcodeSuccess {
		return false, fmt.Errorf("rcode %s", dns.RcodeToString[in.Rcode])
	}
	for _, rr := range in.Answer {
		if txt, ok := rr.(*dns.TXT); ok && strings.Join(txt.Txt, "") == value {
			return true, nil
		}
	}
	return false, nil
}

func handleKey(h certpilot.ChallengeHandle) string {
	return h.Location + "|" + h.Record.Token
}
