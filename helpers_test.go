package certpilot

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	legoacme "github.com/go-acme/lego/v4/acme"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPoll() PollConfig {
	return PollConfig{
		Interval:     time.Millisecond,
		Timeout:      500 * time.Millisecond,
		Retries:      2,
		RetryBackoff: time.Millisecond,
	}
}

// testChain returns a PEM leaf followed by its issuing certificate.
func testChain(t *testing.T, domains []string, notAfter time.Time) []byte {
	t.Helper()
	notAfter = notAfter.UTC().Truncate(time.Second)

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Intermediate"},
		NotBefore:             notAfter.Add(-365 * 24 * time.Hour),
		NotAfter:              notAfter.Add(365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: domains[0]},
		DNSNames:     domains,
		NotBefore:    notAfter.Add(-90 * 24 * time.Hour),
		NotAfter:     notAfter,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, caCert, &leafKey.PublicKey, caKey)
	require.NoError(t, err)

	leafPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafDER})
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER})
	return append(leafPEM, caPEM...)
}

const (
	fakeOrderURL    = "https://ca.test/order/1"
	fakeFinalizeURL = "https://ca.test/finalize/1"
	fakeCertURL     = "https://ca.test/cert/1"
)

// fakeACME is an in-memory CA. Authorizations move to acceptResult once their
// challenge is accepted.
type fakeACME struct {
	mu sync.Mutex

	accountExists   bool
	accountRequests []legoacme.Account

	authz      map[string]*legoacme.Authorization
	authzOrder []string

	acceptResult       string
	orderStatus        string
	transientAuthzErrs int
	newOrderErr        error

	orderDomains []string
	finalized    bool
	csr          []byte
	chain        []byte
	accepted     []string
	calls        int
}

var tokenReplacer = strings.NewReplacer(".", "_", "*", "w")

func newFakeACME(domains []string, chain []byte) *fakeACME {
	f := &fakeACME{
		authz:        make(map[string]*legoacme.Authorization),
		acceptResult: legoacme.StatusValid,
		orderStatus:  legoacme.StatusValid,
		chain:        chain,
	}
	for _, d := range domains {
		url := "https://ca.test/authz/" + d
		f.authz[url] = &legoacme.Authorization{
			Status:     legoacme.StatusPending,
			Identifier: legoacme.Identifier{Type: "dns", Value: d},
			Challenges: []legoacme.Challenge{
				{Type: "dns-01", URL: "https://ca.test/chal/dns/" + d, Token: "dnstok-" + tokenReplacer.Replace(d), Status: legoacme.StatusPending},
				{Type: "http-01", URL: "https://ca.test/chal/http/" + d, Token: "tok-" + tokenReplacer.Replace(d), Status: legoacme.StatusPending},
			},
		}
		f.authzOrder = append(f.authzOrder, url)
	}
	return f
}

func (f *fakeACME) factory() ACMEClientFactory {
	return func(string, crypto.PrivateKey) (ACMEClient, error) { return f, nil }
}

func (f *fakeACME) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeACME) NewAccount(account legoacme.Account) (legoacme.ExtendedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.accountRequests = append(f.accountRequests, account)

	if account.OnlyReturnExisting && !f.accountExists {
		return legoacme.ExtendedAccount{}, &legoacme.ProblemDetails{
			Type:       problemAccountDoesNotExist,
			Detail:     "no account for key",
			HTTPStatus: 400,
		}
	}
	f.accountExists = true
	return legoacme.ExtendedAccount{
		Account:  legoacme.Account{Status: legoacme.StatusValid, Contact: account.Contact},
		Location: "https://ca.test/acct/1",
	}, nil
}

func (f *fakeACME) NewOrder(domains []string) (legoacme.ExtendedOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.newOrderErr != nil {
		return legoacme.ExtendedOrder{}, f.newOrderErr
	}
	f.orderDomains = append([]string(nil), domains...)
	return legoacme.ExtendedOrder{
		Order: legoacme.Order{
			Status:         legoacme.StatusPending,
			Authorizations: append([]string(nil), f.authzOrder...),
			Finalize:       fakeFinalizeURL,
		},
		Location: fakeOrderURL,
	}, nil
}

func (f *fakeACME) GetOrder(string) (legoacme.ExtendedOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	o := legoacme.ExtendedOrder{Location: fakeOrderURL}
	switch {
	case !f.finalized:
		o.Status = legoacme.StatusPending
	case f.orderStatus == legoacme.StatusValid:
		o.Status = legoacme.StatusValid
		o.Certificate = fakeCertURL
	default:
		o.Status = f.orderStatus
		o.Error = &legoacme.ProblemDetails{Type: "urn:ietf:params:acme:error:badCSR", Detail: "bad csr"}
	}
	return o, nil
}

func (f *fakeACME) FinalizeOrder(_ string, csr []byte) (legoacme.ExtendedOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.csr = csr
	f.finalized = true
	return legoacme.ExtendedOrder{
		Order:    legoacme.Order{Status: legoacme.StatusProcessing},
		Location: fakeOrderURL,
	}, nil
}

func (f *fakeACME) GetAuthorization(authzURL string) (legoacme.Authorization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.transientAuthzErrs > 0 {
		f.transientAuthzErrs--
		return legoacme.Authorization{}, errors.New("connection reset by peer")
	}
	a, ok := f.authz[authzURL]
	if !ok {
		return legoacme.Authorization{}, &legoacme.ProblemDetails{Type: "urn:ietf:params:acme:error:malformed", Detail: "no such authorization", HTTPStatus: 404}
	}
	cp := *a
	cp.Challenges = append([]legoacme.Challenge(nil), a.Challenges...)
	return cp, nil
}

func (f *fakeACME) AcceptChallenge(challengeURL string) (legoacme.ExtendedChallenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.accepted = append(f.accepted, challengeURL)

	for _, a := range f.authz {
		for i := range a.Challenges {
			c := &a.Challenges[i]
			if c.URL != challengeURL {
				continue
			}
			a.Status = f.acceptResult
			c.Status = f.acceptResult
			if f.acceptResult == legoacme.StatusInvalid {
				c.Error = &legoacme.ProblemDetails{Type: "urn:ietf:params:acme:error:unauthorized", Detail: "invalid response from challenge"}
			}
			return legoacme.ExtendedChallenge{Challenge: *c}, nil
		}
	}
	return legoacme.ExtendedChallenge{}, &legoacme.ProblemDetails{Type: "urn:ietf:params:acme:error:malformed", Detail: "no such challenge", HTTPStatus: 404}
}

func (f *fakeACME) DownloadCertificate(string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.chain, nil
}

func (f *fakeACME) KeyAuthorization(token string) (string, error) {
	return token + ".thumbprint", nil
}

// fakeResponder records what was published and retracted.
type fakeResponder struct {
	mu         sync.Mutex
	typ        string
	publishErr error
	published  []ChallengeRecord
	retracted  []ChallengeHandle
}

func (r *fakeResponder) ChallengeType() string {
	if r.typ == "" {
		return ChallengeHTTP01
	}
	return r.typ
}

func (r *fakeResponder) Publish(_ context.Context, rec ChallengeRecord) (ChallengeHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.publishErr != nil {
		return ChallengeHandle{}, r.publishErr
	}
	r.published = append(r.published, rec)
	return ChallengeHandle{Record: rec, Location: "/srv/www/.well-known/acme-challenge/" + rec.Token}, nil
}

func (r *fakeResponder) Retract(_ context.Context, h ChallengeHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retracted = append(r.retracted, h)
	return nil
}

// fakeInstaller returns err (or success) and counts calls.
type fakeInstaller struct {
	mu      sync.Mutex
	err     error
	calls   int
	bundles []*CertificateBundle
}

func (i *fakeInstaller) Install(_ context.Context, b *CertificateBundle, _ InstallTarget) (InstallResult, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls++
	i.bundles = append(i.bundles, b)
	if i.err != nil {
		return InstallResult{Strategy: "fake", Attempts: 1}, i.err
	}
	return InstallResult{Strategy: "fake", Attempts: 1, Message: "ok"}, nil
}

// memCertWriter collects archived certificates.
type memCertWriter struct {
	mu    sync.Mutex
	certs []Cert
}

func (w *memCertWriter) AddCert(_ context.Context, c Cert) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.certs = append(w.certs, c)
	return nil
}

var errInjected = errors.New("injected filesystem failure")

// faultyFs refuses writes below readOnly and the renames failRename selects.
type faultyFs struct {
	afero.Fs
	readOnly   string
	failRename func(oldname, newname string) bool
}

func (f *faultyFs) refuses(name string) bool {
	return f.readOnly != "" && strings.HasPrefix(filepath.Clean(name), f.readOnly)
}

func (f *faultyFs) Create(name string) (afero.File, error) {
	if f.refuses(name) {
		return nil, &os.PathError{Op: "create", Path: name, Err: errInjected}
	}
	return f.Fs.Create(name)
}

func (f *faultyFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE) != 0 && f.refuses(name) {
		return nil, &os.PathError{Op: "open", Path: name, Err: errInjected}
	}
	return f.Fs.OpenFile(name, flag, perm)
}

func (f *faultyFs) Mkdir(name string, perm os.FileMode) error {
	if f.refuses(name) {
		return &os.PathError{Op: "mkdir", Path: name, Err: errInjected}
	}
	return f.Fs.Mkdir(name, perm)
}

func (f *faultyFs) MkdirAll(name string, perm os.FileMode) error {
	if f.refuses(name) {
		return &os.PathError{Op: "mkdir", Path: name, Err: errInjected}
	}
	return f.Fs.MkdirAll(name, perm)
}

func (f *faultyFs) Rename(oldname, newname string) error {
	if (f.failRename != nil && f.failRename(oldname, newname)) || f.refuses(newname) {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: errInjected}
	}
	return f.Fs.Rename(oldname, newname)
}
