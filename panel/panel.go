// Package panel installs certificate bundles through a hosting control panel, either
// through its JSON API or by posting its HTML form.
package panel

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"github.com/caasmo/certpilot"
)

// Config describes the panel endpoint and how its answers are judged.
type Config struct {
	BaseURL            string
	InstallPath        string
	Timeout            time.Duration
	InsecureSkipVerify bool
	Retries            int

	// JSON API responses.
	SuccessPath  string
	SuccessValue string
	MessagePath  string

	// HTML form responses.
	SuccessMarker string
}

// Authenticator establishes and attaches panel credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, c *resty.Client) error
	Apply(r *resty.Request)
}

// TokenAuth sends a bearer token with every request.
type TokenAuth struct {
	Token string
}

func (TokenAuth) Authenticate(context.Context, *resty.Client) error { return nil }

func (a TokenAuth) Apply(r *resty.Request) { r.SetAuthToken(a.Token) }

// SessionAuth logs in with a form post and relies on the session cookie kept in the
// client's cookie jar.
type SessionAuth struct {
	LoginPath string
	Username  string
	Password  string
}

func (a SessionAuth) Authenticate(ctx context.Context, c *resty.Client) error {
	resp, err := c.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"username": a.Username,
			"password": a.Password,
		}).
		Post(a.LoginPath)
	if err != nil {
		return err
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		return fmt.Errorf("login status: %d", resp.StatusCode())
	}
	return nil
}

func (SessionAuth) Apply(*resty.Request) {}

type payload struct {
	Domain      string `json:"domain"`
	Certificate string `json:"certificate"`
	PrivateKey  string `json:"private_key"`
	CABundle    string `json:"ca_bundle"`
}

// format encodes the install request and judges the panel's answer.
type format interface {
	name() string
	encode(r *resty.Request, p payload)
	evaluate(body []byte) (ok bool, message string)
}

type jsonFormat struct {
	successPath  string
	successValue string
	messagePath  string
}

func (jsonFormat) name() string { return certpilot.InstallerAPI }

func (jsonFormat) encode(r *resty.Request, p payload) {
	r.SetHeader("Content-Type", "application/json").SetBody(p)
}

// evaluate reads the success indicator at successPath. Without an expected value the
// field is read as a boolean.
func (f jsonFormat) evaluate(body []byte) (bool, string) {
	if !gjson.ValidBytes(body) {
		return false, "response is not JSON"
	}
	msg := ""
	if f.messagePath != "" {
		msg = gjson.GetBytes(body, f.messagePath).String()
	}
	res := gjson.GetBytes(body, f.successPath)
	if !res.Exists() {
		return false, fmt.Sprintf("response has no %q field", f.successPath)
	}
	if f.successValue == "" {
		return res.Bool(), msg
	}
	return res.String() == f.successValue, msg
}

type formFormat struct {
	marker string
}

func (formFormat) name() string { return certpilot.InstallerForm }

func (formFormat) encode(r *resty.Request, p payload) {
	r.SetFormData(map[string]string{
		"domain":      p.Domain,
		"certificate": p.Certificate,
		"private_key": p.PrivateKey,
		"ca_bundle":   p.CABundle,
	})
}

func (f formFormat) evaluate(body []byte) (bool, string) {
	if bytes.Contains(body, []byte(f.marker)) {
		return true, f.marker
	}
	return false, "success marker not found in response"
}

// Installer posts bundles to the panel. After a 401 or 403 it authenticates again
// and retries exactly once.
type Installer struct {
	client      *resty.Client
	auth        Authenticator
	format      format
	installPath string
	logger      *slog.Logger

	mu            sync.Mutex
	authenticated bool
}

// NewAPIInstaller installs through a JSON API and reads the result with gjson paths.
func NewAPIInstaller(cfg Config, auth Authenticator, logger *slog.Logger) *Installer {
	return newInstaller(cfg, auth, jsonFormat{
		successPath:  cfg.SuccessPath,
		successValue: cfg.SuccessValue,
		messagePath:  cfg.MessagePath,
	}, logger)
}

// NewFormInstaller installs by submitting the panel's HTML form.
func NewFormInstaller(cfg Config, auth Authenticator, logger *slog.Logger) *Installer {
	return newInstaller(cfg, auth, formFormat{marker: cfg.SuccessMarker}, logger)
}

func newInstaller(cfg Config, auth Authenticator, f format, logger *slog.Logger) *Installer {
	if auth == nil || logger == nil {
		panic("panel: received nil authenticator or logger")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	cl := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(max(cfg.Retries, 0)).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("User-Agent", "certpilot")
	if cfg.InsecureSkipVerify {
		cl.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}

	return &Installer{
		client:      cl,
		auth:        auth,
		format:      f,
		installPath: cfg.InstallPath,
		logger:      logger.With("component", "panel", "strategy", f.name()),
	}
}

func (in *Installer) Install(ctx context.Context, bundle *certpilot.CertificateBundle, target certpilot.InstallTarget) (certpilot.InstallResult, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	res := certpilot.InstallResult{Strategy: in.format.name()}
	if len(bundle.KeyPEM) == 0 {
		return res, &certpilot.InstallError{Domain: target.Domain, Reason: "bundle carries no private key"}
	}
	p := payload{
		Domain:      target.Domain,
		Certificate: string(bundle.Leaf),
		PrivateKey:  string(bundle.KeyPEM),
		CABundle:    string(bundle.ChainPEM()),
	}

	for reauthenticated := false; ; reauthenticated = true {
		if !in.authenticated || reauthenticated {
			if err := in.auth.Authenticate(ctx, in.client); err != nil {
				if ctx.Err() != nil {
					return res, contextInstallError(ctx, target.Domain)
				}
				return res, &certpilot.InstallError{Domain: target.Domain, Reason: "authentication failed", Err: err}
			}
			in.authenticated = true
		}

		res.Attempts++
		req := in.client.R().SetContext(ctx)
		in.auth.Apply(req)
		in.format.encode(req, p)

		resp, err := req.Post(in.installPath)
		if err != nil {
			if ctx.Err() != nil {
				return res, contextInstallError(ctx, target.Domain)
			}
			return res, &certpilot.InstallError{Domain: target.Domain, Reason: "request failed", Err: err}
		}

		status := resp.StatusCode()
		in.logger.Debug("panel responded", "domain", target.Domain, "status", status, "attempt", res.Attempts)

		switch {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			in.authenticated = false
			if reauthenticated {
				return res, &certpilot.InstallError{Domain: target.Domain, Reason: "authentication rejected", Err: fmt.Errorf("status: %d", status)}
			}
			in.logger.Info("panel rejected credentials, authenticating again", "status", status)
			continue
		case status < 200 || status >= 300:
			return res, &certpilot.InstallError{Domain: target.Domain, Reason: "unexpected status", Err: fmt.Errorf("status: %d", status)}
		}

		ok, msg := in.format.evaluate(resp.Body())
		res.Message = msg
		if !ok {
			reason := "panel reported failure"
			if msg != "" {
				reason += ": " + msg
			}
			return res, &certpilot.InstallError{Domain: target.Domain, Reason: reason, Err: errors.New("install not confirmed")}
		}
		return res, nil
	}
}

// contextInstallError reports an installation cut short by ctx. The bundle is
// already stored, so the run ends in manual follow-up rather than failing.
func contextInstallError(ctx context.Context, domain string) error {
	reason := "canceled"
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason = "deadline exceeded"
	}
	return &certpilot.InstallError{Domain: domain, Reason: reason, Err: ctx.Err()}
}
