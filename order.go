package certpilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	legoacme "github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/certcrypto"
)

const problemAccountDoesNotExist = "urn:ietf:params:acme:error:accountDoesNotExist"

// retractTimeout bounds challenge cleanup, which runs even after the caller's deadline.
const retractTimeout = 30 * time.Second

// OrderState is a state of the per-order ACME state machine.
type OrderState string

const (
	StateStart                 OrderState = "start"
	StateAccountReady          OrderState = "account_ready"
	StateOrderCreated          OrderState = "order_created"
	StateAuthorizationsPending OrderState = "authorizations_pending"
	StateChallengesSatisfied   OrderState = "challenges_satisfied"
	StateFinalizing            OrderState = "finalizing"
	StateCertificateReady      OrderState = "certificate_ready"
	StateFailed                OrderState = "failed"
)

// PollConfig bounds the authorization and order polling loops.
type PollConfig struct {
	Interval time.Duration
	Timeout  time.Duration

	// Retries is the number of extra attempts for a poll request that failed
	// without a CA problem document (transport errors).
	Retries      int
	RetryBackoff time.Duration
}

// DefaultPollConfig polls every two seconds for at most five minutes.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		Interval:     2 * time.Second,
		Timeout:      5 * time.Minute,
		Retries:      3,
		RetryBackoff: 500 * time.Millisecond,
	}
}

// AccountHandle identifies the CA account bound to the account key.
type AccountHandle struct {
	URL     string
	Email   string
	Status  string
	Created bool
}

// Order is one certificate order moving through the state machine.
type Order struct {
	URL            string
	FinalizeURL    string
	Domains        []string
	Authorizations []string
	State          OrderState
	Err            error
}

// OrderMachine drives ACME orders for a single account.
type OrderMachine struct {
	client  ACMEClient
	poll    PollConfig
	logger  *slog.Logger
	account *AccountHandle
}

// NewOrderMachine creates a machine on top of client.
func NewOrderMachine(client ACMEClient, poll PollConfig, logger *slog.Logger) *OrderMachine {
	if client == nil || logger == nil {
		panic("NewOrderMachine: received nil client or logger")
	}
	if poll.Interval <= 0 || poll.Timeout <= 0 {
		poll = DefaultPollConfig()
	}
	return &OrderMachine{
		client: client,
		poll:   poll,
		logger: logger.With("component", "acme"),
	}
}

// EnsureAccount returns the account bound to the key, registering one with the
// terms of service agreed only when the CA knows none. Repeated calls reuse the
// cached handle.
func (m *OrderMachine) EnsureAccount(ctx context.Context, email string) (*AccountHandle, error) {
	if m.account != nil {
		return m.account, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	existing, err := m.client.NewAccount(legoacme.Account{OnlyReturnExisting: true})
	if err == nil {
		m.account = &AccountHandle{URL: existing.Location, Email: email, Status: existing.Status}
		m.logger.Info("ACME account retrieved", "account", existing.Location)
		return m.account, nil
	}
	if pd := problemOf(err); pd == nil || pd.Type != problemAccountDoesNotExist {
		return nil, &AcmeError{Stage: StageAccount, Problem: pd, Err: err}
	}

	var contact []string
	if email != "" {
		contact = []string{"mailto:" + email}
	}
	created, err := m.client.NewAccount(legoacme.Account{
		Contact:              contact,
		TermsOfServiceAgreed: true,
	})
	if err != nil {
		m.logger.Error("ACME account registration failed", "email", email, "error", err)
		return nil, &AcmeError{Stage: StageAccount, Problem: problemOf(err), Err: err}
	}

	m.account = &AccountHandle{URL: created.Location, Email: email, Status: created.Status, Created: true}
	m.logger.Info("ACME account registered", "account", created.Location, "email", email)
	return m.account, nil
}

// PlaceOrder creates an order for domains. The first name is the primary one.
// The returned order is non-nil even on failure so callers can inspect its state.
func (m *OrderMachine) PlaceOrder(ctx context.Context, domains []string) (*Order, error) {
	o := &Order{Domains: append([]string(nil), domains...), State: StateStart}
	if m.account == nil {
		return o, m.fail(o, &AcmeError{Stage: StageOrder, Domain: primary(domains), Err: errors.New("account not ready")})
	}
	m.transition(o, StateAccountReady)

	if err := ctx.Err(); err != nil {
		return o, m.fail(o, err)
	}

	ext, err := m.client.NewOrder(o.Domains)
	if err != nil {
		return o, m.fail(o, &AcmeError{Stage: StageOrder, Domain: primary(domains), Problem: problemOf(err), Err: err})
	}
	if ext.Status == legoacme.StatusInvalid {
		return o, m.fail(o, &AcmeError{Stage: StageOrder, Domain: primary(domains), Problem: ext.Error, Err: errors.New("order is invalid")})
	}

	o.URL = ext.Location
	o.FinalizeURL = ext.Finalize
	o.Authorizations = ext.Authorizations
	m.transition(o, StateOrderCreated)
	m.transition(o, StateAuthorizationsPending)
	return o, nil
}

// SatisfyAll satisfies every authorization of o in turn.
func (m *OrderMachine) SatisfyAll(ctx context.Context, o *Order, responder ChallengeResponder) error {
	for _, authzURL := range o.Authorizations {
		if err := m.SatisfyAuthorization(ctx, o, authzURL, responder); err != nil {
			return err
		}
	}
	m.transition(o, StateChallengesSatisfied)
	return nil
}

// SatisfyAuthorization publishes the proof for one authorization, asks the CA to
// validate it and polls until the authorization is valid or invalid. The published
// artifact is retracted once polling ends, whatever the result.
func (m *OrderMachine) SatisfyAuthorization(ctx context.Context, o *Order, authzURL string, responder ChallengeResponder) error {
	if o.State == StateFailed {
		return o.Err
	}

	var authz legoacme.Authorization
	err := m.withRetry(ctx, func() error {
		var err error
		authz, err = m.client.GetAuthorization(authzURL)
		return err
	})
	if err != nil {
		return m.fail(o, &AcmeError{Stage: StageAuthorization, Domain: primary(o.Domains), Problem: problemOf(err), Err: err})
	}

	domain := authz.Identifier.Value
	switch authz.Status {
	case legoacme.StatusValid:
		m.logger.Debug("authorization already valid", "domain", domain)
		return nil
	case legoacme.StatusPending:
	default:
		return m.fail(o, &AcmeError{
			Stage:   StageAuthorization,
			Domain:  domain,
			Problem: authorizationProblem(authz),
			Err:     fmt.Errorf("authorization is %s", authz.Status),
		})
	}

	chal, ok := selectChallenge(authz, responder.ChallengeType())
	if !ok {
		return m.fail(o, &AcmeError{Stage: StageAuthorization, Domain: domain, Err: ErrChallengeUnsupported})
	}

	keyAuth, err := m.client.KeyAuthorization(chal.Token)
	if err != nil {
		return m.fail(o, &AcmeError{Stage: StageAuthorization, Domain: domain, Err: fmt.Errorf("key authorization: %w", err)})
	}

	rec := ChallengeRecord{Domain: domain, Token: chal.Token, Proof: keyAuth}
	handle, err := responder.Publish(ctx, rec)
	if err != nil {
		return m.fail(o, &ChallengeError{Domain: domain, Token: chal.Token, Err: err})
	}
	m.logger.Info("challenge published",
		"event", EventChallengePublished,
		"domain", domain,
		"type", chal.Type,
		"location", handle.Location)
	defer m.retract(ctx, responder, handle)

	if _, err := m.client.AcceptChallenge(chal.URL); err != nil {
		return m.fail(o, &AcmeError{Stage: StageAuthorization, Domain: domain, Problem: problemOf(err), Err: err})
	}

	var final legoacme.Authorization
	err = m.pollUntil(ctx, func() (bool, error) {
		a, err := m.client.GetAuthorization(authzURL)
		if err != nil {
			return false, err
		}
		final = a
		return a.Status != legoacme.StatusPending && a.Status != legoacme.StatusProcessing, nil
	})
	if err != nil {
		return m.fail(o, &AcmeError{Stage: StageAuthorization, Domain: domain, Problem: problemOf(err), Err: err})
	}
	if final.Status != legoacme.StatusValid {
		return m.fail(o, &AcmeError{
			Stage:   StageAuthorization,
			Domain:  domain,
			Problem: authorizationProblem(final),
			Err:     fmt.Errorf("authorization is %s", final.Status),
		})
	}

	m.logger.Info("authorization valid", "domain", domain)
	return nil
}

// Finalize submits a CSR built from domainKey, waits for issuance and downloads
// the chain.
func (m *OrderMachine) Finalize(ctx context.Context, o *Order, domainKey *KeyMaterial) (*CertificateBundle, error) {
	if o.State == StateFailed {
		return nil, o.Err
	}
	if o.State != StateChallengesSatisfied {
		return nil, m.fail(o, &AcmeError{Stage: StageFinalize, Domain: primary(o.Domains), Err: fmt.Errorf("cannot finalize order in state %s", o.State)})
	}
	m.transition(o, StateFinalizing)

	csr, err := certcrypto.GenerateCSR(domainKey.Key, o.Domains[0], o.Domains, false)
	if err != nil {
		return nil, m.fail(o, &AcmeError{Stage: StageFinalize, Domain: primary(o.Domains), Err: fmt.Errorf("build csr: %w", err)})
	}

	ext, err := m.client.FinalizeOrder(o.FinalizeURL, csr)
	if err != nil {
		return nil, m.fail(o, &AcmeError{Stage: StageFinalize, Domain: primary(o.Domains), Problem: problemOf(err), Err: err})
	}

	if ext.Status != legoacme.StatusValid || ext.Certificate == "" {
		err = m.pollUntil(ctx, func() (bool, error) {
			cur, err := m.client.GetOrder(o.URL)
			if err != nil {
				return false, err
			}
			ext = cur
			return cur.Status == legoacme.StatusValid || cur.Status == legoacme.StatusInvalid, nil
		})
		if err != nil {
			return nil, m.fail(o, &AcmeError{Stage: StageFinalize, Domain: primary(o.Domains), Problem: problemOf(err), Err: err})
		}
	}
	if ext.Status != legoacme.StatusValid {
		return nil, m.fail(o, &AcmeError{Stage: StageFinalize, Domain: primary(o.Domains), Problem: ext.Error, Err: fmt.Errorf("order is %s", ext.Status)})
	}

	var fullChain []byte
	err = m.withRetry(ctx, func() error {
		var err error
		fullChain, err = m.client.DownloadCertificate(ext.Certificate)
		return err
	})
	if err != nil {
		return nil, m.fail(o, &AcmeError{Stage: StageFinalize, Domain: primary(o.Domains), Problem: problemOf(err), Err: err})
	}

	leaf, chain, err := SplitChain(fullChain)
	if err != nil {
		return nil, m.fail(o, &AcmeError{Stage: StageFinalize, Domain: primary(o.Domains), Err: err})
	}
	notAfter, err := LeafNotAfter(leaf)
	if err != nil {
		return nil, m.fail(o, &AcmeError{Stage: StageFinalize, Domain: primary(o.Domains), Err: err})
	}

	bundle := &CertificateBundle{
		Domain:   o.Domains[0],
		Domains:  append([]string(nil), o.Domains...),
		Leaf:     leaf,
		Chain:    chain,
		Key:      KeyRef{Identity: domainKey.Identity, Path: domainKey.Path},
		KeyPEM:   domainKey.PEM,
		NotAfter: notAfter,
	}
	m.transition(o, StateCertificateReady)
	m.logger.Info("certificate issued", "domains", o.Domains, "not_after", notAfter, "chain_len", len(chain))
	return bundle, nil
}

func (m *OrderMachine) retract(ctx context.Context, responder ChallengeResponder, h ChallengeHandle) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), retractTimeout)
	defer cancel()

	if err := responder.Retract(ctx, h); err != nil {
		m.logger.Warn("challenge retraction failed",
			"event", EventChallengeRetractError,
			"domain", h.Record.Domain,
			"location", h.Location,
			"error", err)
		return
	}
	m.logger.Info("challenge retracted",
		"event", EventChallengeRetracted,
		"domain", h.Record.Domain,
		"location", h.Location)
}

func (m *OrderMachine) transition(o *Order, s OrderState) {
	from := o.State
	o.State = s
	m.logger.Info("order state changed",
		"event", EventOrderState,
		"order", o.URL,
		"from", string(from),
		"to", string(s))
}

func (m *OrderMachine) fail(o *Order, err error) error {
	o.Err = err
	m.transition(o, StateFailed)
	m.logger.Error("order failed", "order", o.URL, "domains", o.Domains, "error", err)
	return err
}

// pollUntil calls check at a fixed interval until it reports done, the poll
// timeout elapses or ctx ends. Transport errors inside check are retried.
func (m *OrderMachine) pollUntil(ctx context.Context, check func() (bool, error)) error {
	pollCtx, cancel := context.WithTimeout(ctx, m.poll.Timeout)
	defer cancel()

	ticker := time.NewTicker(m.poll.Interval)
	defer ticker.Stop()

	for {
		var done bool
		err := m.withRetry(pollCtx, func() error {
			var err error
			done, err = check()
			return err
		})
		if err != nil {
			if pollCtx.Err() != nil {
				return m.pollCtxErr(ctx)
			}
			return err
		}
		if done {
			return nil
		}

		select {
		case <-pollCtx.Done():
			return m.pollCtxErr(ctx)
		case <-ticker.C:
		}
	}
}

func (m *OrderMachine) pollCtxErr(parent context.Context) error {
	if err := parent.Err(); err != nil {
		return err
	}
	return ErrPollTimeout
}

// withRetry runs op, retrying errors that carry no CA problem document.
func (m *OrderMachine) withRetry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.poll.RetryBackoff
	if b.InitialInterval <= 0 {
		b.InitialInterval = 500 * time.Millisecond
	}
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(m.poll.Retries, 0))), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if problemOf(err) != nil {
			return backoff.Permanent(err)
		}
		m.logger.Warn("transient ACME error", "error", err)
		return err
	}, policy)
}

func selectChallenge(authz legoacme.Authorization, typ string) (legoacme.Challenge, bool) {
	for _, c := range authz.Challenges {
		if c.Type == typ {
			return c, true
		}
	}
	return legoacme.Challenge{}, false
}

func authorizationProblem(authz legoacme.Authorization) *legoacme.ProblemDetails {
	for _, c := range authz.Challenges {
		if c.Error != nil {
			return c.Error
		}
	}
	return nil
}

func primary(domains []string) string {
	if len(domains) == 0 {
		return ""
	}
	return domains[0]
}
