package certpilot

import (
	"crypto"
	"fmt"
	"net/http"
	"time"

	legoacme "github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/acme/api"
)

const userAgent = "certpilot"

// ACMEClient is the subset of the ACME protocol the order machine drives. It exists
// so that tests and alternative CAs can stand in for lego.
type ACMEClient interface {
	NewAccount(account legoacme.Account) (legoacme.ExtendedAccount, error)
	NewOrder(domains []string) (legoacme.ExtendedOrder, error)
	GetOrder(orderURL string) (legoacme.ExtendedOrder, error)
	FinalizeOrder(finalizeURL string, csr []byte) (legoacme.ExtendedOrder, error)
	GetAuthorization(authzURL string) (legoacme.Authorization, error)
	AcceptChallenge(challengeURL string) (legoacme.ExtendedChallenge, error)
	DownloadCertificate(certURL string) ([]byte, error)
	KeyAuthorization(token string) (string, error)
}

// ACMEClientFactory builds an ACMEClient bound to an account key.
type ACMEClientFactory func(directoryURL string, accountKey crypto.PrivateKey) (ACMEClient, error)

// NewLegoClient is the default ACMEClientFactory backed by lego's acme/api core.
// JWS signing, nonces and the directory handshake are handled by lego.
func NewLegoClient(directoryURL string, accountKey crypto.PrivateKey) (ACMEClient, error) {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	core, err := api.New(httpClient, userAgent, directoryURL, "", accountKey)
	if err != nil {
		return nil, fmt.Errorf("create acme core for %s: %w", directoryURL, err)
	}
	return &legoClient{core: core}, nil
}

type legoClient struct {
	core *api.Core
}

func (l *legoClient) NewAccount(account legoacme.Account) (legoacme.ExtendedAccount, error) {
	return l.core.Accounts.New(account)
}

func (l *legoClient) NewOrder(domains []string) (legoacme.ExtendedOrder, error) {
	return l.core.Orders.New(domains)
}

func (l *legoClient) GetOrder(orderURL string) (legoacme.ExtendedOrder, error) {
	return l.core.Orders.Get(orderURL)
}

func (l *legoClient) FinalizeOrder(finalizeURL string, csr []byte) (legoacme.ExtendedOrder, error) {
	return l.core.Orders.UpdateForCSR(finalizeURL, csr)
}

func (l *legoClient) GetAuthorization(authzURL string) (legoacme.Authorization, error) {
	return l.core.Authorizations.Get(authzURL)
}

func (l *legoClient) AcceptChallenge(challengeURL string) (legoacme.ExtendedChallenge, error) {
	return l.core.Challenges.New(challengeURL)
}

// DownloadCertificate returns the full PEM chain exactly as served by the CA.
func (l *legoClient) DownloadCertificate(certURL string) ([]byte, error) {
	cert, _, err := l.core.Certificates.Get(certURL, true)
	return cert, err
}

func (l *legoClient) KeyAuthorization(token string) (string, error) {
	return l.core.GetKeyAuthorization(token)
}
