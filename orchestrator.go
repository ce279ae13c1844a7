package certpilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// recordTimeout bounds writing the outcome, which happens even after the run's
// context is done.
const recordTimeout = 10 * time.Second

// RunOptions alter a single run.
type RunOptions struct {
	// DryRun follows Config.DryRunMode: skip-acme stops after the renewal decision,
	// skip-install issues the certificate but neither stores nor installs it.
	DryRun bool

	// Force renews even when the stored certificate is still valid.
	Force bool
}

// Orchestrator runs the renewal pipeline for the configured domain set.
type Orchestrator struct {
	cfg           *Config
	fs            afero.Fs
	accountKeys   *KeyStore
	domainKeys    *KeyStore
	bundles       *BundleStore
	responder     ChallengeResponder
	installer     Installer
	recorder      Recorder
	certs         CertWriter
	clientFactory ACMEClientFactory
	now           func() time.Time
	logger        *slog.Logger

	locks      sync.Map
	lockDir    string
	lockDirSet bool
}

type Option func(*Orchestrator)

// WithFilesystem replaces the OS filesystem used for keys and bundles.
func WithFilesystem(fsys afero.Fs) Option {
	return func(o *Orchestrator) { o.fs = fsys }
}

func WithResponder(r ChallengeResponder) Option {
	return func(o *Orchestrator) { o.responder = r }
}

func WithInstaller(i Installer) Option {
	return func(o *Orchestrator) { o.installer = i }
}

func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithCertWriter archives every issued certificate.
func WithCertWriter(w CertWriter) Option {
	return func(o *Orchestrator) { o.certs = w }
}

func WithACMEClientFactory(f ACMEClientFactory) Option {
	return func(o *Orchestrator) { o.clientFactory = f }
}

// WithLockDir sets the directory holding the per-domain run lock files shared with
// other processes. By default it is storage.key_dir on the OS filesystem and unset
// otherwise.
func WithLockDir(dir string) Option {
	return func(o *Orchestrator) { o.lockDir, o.lockDirSet = dir, true }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator validates cfg and assembles the pipeline. A challenge responder
// is required; everything else has a default.
func NewOrchestrator(cfg *Config, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, &ConfigError{Err: errors.New("nil configuration")}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:           cfg,
		fs:            afero.NewOsFs(),
		installer:     ManualInstaller{},
		recorder:      NewMemoryRecorder(),
		clientFactory: NewLegoClient,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.responder == nil {
		return nil, &ConfigError{Err: errors.New("no challenge responder configured")}
	}
	if o.responder.ChallengeType() != cfg.Challenge.Type {
		return nil, &ConfigError{Err: fmt.Errorf("responder handles %s but challenge.type is %s", o.responder.ChallengeType(), cfg.Challenge.Type)}
	}

	o.logger = o.logger.With("component", "orchestrator")
	if !o.lockDirSet {
		if _, ok := o.fs.(*afero.OsFs); ok {
			o.lockDir = cfg.Storage.KeyDir
		}
	}

	// Validate already accepted both names.
	accountType, _ := KeyTypeFromString(cfg.AccountKeyType)
	domainType, _ := KeyTypeFromString(cfg.KeyType)
	o.accountKeys = NewKeyStore(o.fs, cfg.Storage.KeyDir, accountType, o.logger)
	o.domainKeys = NewKeyStore(o.fs, cfg.Storage.KeyDir, domainType, o.logger)
	o.bundles = NewBundleStore(o.fs, cfg.Storage.CertDir, o.domainKeys, o.logger)
	return o, nil
}

// Bundles exposes the bundle store, used by the status command.
func (o *Orchestrator) Bundles() *BundleStore {
	return o.bundles
}

// Run executes one renewal attempt: decide, issue when needed, persist, install
// and record. Concurrent runs for the same domain fail fast with ErrRunInProgress.
// The returned outcome is non-nil whenever the run started; fatal failures are
// also returned as *RunError.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*RunOutcome, error) {
	domain := o.cfg.PrimaryDomain()
	unlock, err := o.tryLock(domain)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if o.cfg.RunTimeout.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RunTimeout.Duration)
		defer cancel()
	}

	out := &RunOutcome{ID: uuid.NewString(), Domain: domain, StartedAt: o.now(), Stage: StageConfig}
	logger := o.logger.With("run", out.ID, "domain", domain)
	logger.Info("renewal run started", "dry_run", opts.DryRun, "force", opts.Force)

	err = o.run(ctx, opts, out, logger)
	return o.finish(ctx, out, err, logger)
}

// InstallLatest installs the stored bundle without contacting the CA.
func (o *Orchestrator) InstallLatest(ctx context.Context) (*RunOutcome, error) {
	domain := o.cfg.PrimaryDomain()
	unlock, err := o.tryLock(domain)
	if err != nil {
		return nil, err
	}
	defer unlock()

	out := &RunOutcome{ID: uuid.NewString(), Domain: domain, StartedAt: o.now(), Stage: StageStore}
	logger := o.logger.With("run", out.ID, "domain", domain)

	err = o.installStored(ctx, domain, out, logger)
	return o.finish(ctx, out, err, logger)
}

// LastOutcome returns the most recent recorded outcome, or nil when none exists.
func (o *Orchestrator) LastOutcome(ctx context.Context) (*RunOutcome, error) {
	return o.recorder.Last(ctx, o.cfg.PrimaryDomain())
}

func (o *Orchestrator) run(ctx context.Context, opts RunOptions, out *RunOutcome, logger *slog.Logger) error {
	domain := out.Domain

	out.Stage = StagePolicy
	existing, err := o.bundles.Load(domain)
	if err != nil && !errors.Is(err, ErrNoCertificate) {
		return err
	}
	if err != nil {
		existing = nil
	}

	decision := NeedsRenewal(existing, o.now(), o.cfg.RenewalDaysBeforeExpiry)
	if !decision.Renew && existing != nil && !sameDomains(existing.Domains, o.cfg.Domains) {
		decision = RenewalDecision{Renew: true, Reason: ReasonDomainsChanged, Remaining: decision.Remaining}
	}
	if opts.Force && !decision.Renew {
		decision = RenewalDecision{Renew: true, Reason: ReasonForced, Remaining: decision.Remaining}
	}
	out.Decision = decision
	if existing != nil {
		out.NotAfter = existing.NotAfter
	}
	logger.Info("renewal decision", "renew", decision.Renew, "reason", decision.Reason, "remaining", decision.Remaining)

	if !decision.Renew {
		if !opts.DryRun && o.bundles.PendingInstall(domain) {
			logger.Info("stored certificate was never installed, retrying installation")
			return o.installStored(ctx, domain, out, logger)
		}
		out.Status = StatusSkipped
		out.Stage = StageDone
		return nil
	}

	if opts.DryRun && o.cfg.DryRunMode == DryRunSkipACME {
		out.Status = StatusDryRun
		out.Stage = StageDone
		return nil
	}

	out.Stage = StageKeys
	accountKey, err := o.accountKeys.LoadOrCreate(AccountIdentity)
	if err != nil {
		return err
	}
	domainKey, err := o.domainKeys.LoadOrCreate(domain)
	if err != nil {
		return err
	}

	out.Stage = StageAccount
	client, err := o.clientFactory(o.cfg.DirectoryURL(), accountKey.Key)
	if err != nil {
		return &AcmeError{Stage: StageAccount, Domain: domain, Err: err}
	}
	machine := NewOrderMachine(client, o.cfg.PollConfig(), logger)
	if _, err := machine.EnsureAccount(ctx, o.cfg.Email); err != nil {
		return err
	}

	out.Stage = StageOrder
	order, err := machine.PlaceOrder(ctx, o.cfg.Domains)
	if err != nil {
		return err
	}
	out.Stage = StageAuthorization
	if err := machine.SatisfyAll(ctx, order, o.responder); err != nil {
		return err
	}
	out.Stage = StageFinalize
	bundle, err := machine.Finalize(ctx, order, domainKey)
	if err != nil {
		return err
	}
	out.Renewed = true
	out.NotAfter = bundle.NotAfter

	if opts.DryRun {
		logger.Info("dry run: issued certificate discarded", "not_after", bundle.NotAfter)
		out.Status = StatusDryRun
		out.Stage = StageDone
		return nil
	}

	out.Stage = StageStore
	if err := o.bundles.Save(bundle); err != nil {
		return err
	}
	o.archive(ctx, bundle, logger)

	return o.install(ctx, bundle, out, logger)
}

func (o *Orchestrator) installStored(ctx context.Context, domain string, out *RunOutcome, logger *slog.Logger) error {
	out.Stage = StageStore
	bundle, err := o.bundles.LoadWithKey(domain)
	if err != nil {
		return err
	}
	out.NotAfter = bundle.NotAfter
	return o.install(ctx, bundle, out, logger)
}

// install delivers a stored bundle. An *InstallError is not fatal: the run ends in
// manual follow-up pointing at the stored files.
func (o *Orchestrator) install(ctx context.Context, bundle *CertificateBundle, out *RunOutcome, logger *slog.Logger) error {
	out.Stage = StageInstall
	target := InstallTarget{Domain: bundle.Domain, Endpoint: o.cfg.Installer.BaseURL}

	res, err := o.installer.Install(ctx, bundle, target)
	if err == nil {
		out.Installed = true
		out.Status = StatusInstalled
		out.Stage = StageDone
		if err := o.bundles.MarkInstalled(bundle.Domain); err != nil {
			logger.Warn("failed to clear pending install marker", "error", err)
		}
		logger.Info("certificate installed",
			"event", EventInstallResult,
			"strategy", res.Strategy,
			"attempts", res.Attempts,
			"message", res.Message)
		return nil
	}

	var ie *InstallError
	if !errors.As(err, &ie) {
		return err
	}

	out.Status = StatusManualFollowUp
	out.Error = err.Error()
	out.Manual = &ManualDelivery{Reason: ie.Reason, Locations: bundle.Location}
	logger.Warn("automatic installation failed, manual follow-up required",
		"event", EventInstallResult,
		"reason", ie.Reason,
		"error", err)
	return nil
}

func (o *Orchestrator) archive(ctx context.Context, b *CertificateBundle, logger *slog.Logger) {
	if o.certs == nil {
		return
	}
	cert := Cert{
		Identifier:       b.Domain,
		Domains:          b.Domains,
		CertificateChain: string(b.FullChainPEM()),
		IssuedAt:         o.now().UTC(),
		ExpiresAt:        b.NotAfter.UTC(),
	}
	if err := o.certs.AddCert(ctx, cert); err != nil {
		logger.Warn("failed to archive certificate", "error", err)
	}
}

func (o *Orchestrator) finish(ctx context.Context, out *RunOutcome, err error, logger *slog.Logger) (*RunOutcome, error) {
	out.FinishedAt = o.now()
	if err != nil {
		out.Status = StatusFailed
		out.Error = err.Error()
		err = &RunError{Domain: out.Domain, Stage: out.Stage, Err: err}
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if rerr := o.recorder.Record(rctx, *out); rerr != nil {
		logger.Error("failed to record run outcome", "error", rerr)
	}

	level := slog.LevelInfo
	switch out.Status {
	case StatusFailed:
		level = slog.LevelError
	case StatusManualFollowUp:
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "renewal run finished",
		"event", EventRunOutcome,
		"status", out.Status,
		"stage", out.Stage,
		"renewed", out.Renewed,
		"installed", out.Installed,
		"reason", out.Decision.Reason,
		"not_after", out.NotAfter,
		"duration", out.FinishedAt.Sub(out.StartedAt))
	return out, err
}

// tryLock guards domain against concurrent runs in this process and, when a lock
// directory is set, in every other process using the same directory.
func (o *Orchestrator) tryLock(domain string) (func(), error) {
	v, _ := o.locks.LoadOrStore(domain, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, ErrRunInProgress
	}
	if o.lockDir == "" {
		return mu.Unlock, nil
	}

	if err := os.MkdirAll(o.lockDir, 0o700); err != nil {
		mu.Unlock()
		return nil, &StorageError{Op: "create lock directory", Path: o.lockDir, Err: err}
	}
	fl := flock.New(runLockPath(o.lockDir, domain))
	locked, err := fl.TryLock()
	if err != nil {
		mu.Unlock()
		return nil, &StorageError{Op: "lock", Path: fl.Path(), Err: err}
	}
	if !locked {
		mu.Unlock()
		return nil, ErrRunInProgress
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			o.logger.Warn("failed to release run lock", "path", fl.Path(), "error", err)
		}
		mu.Unlock()
	}, nil
}

func runLockPath(dir, domain string) string {
	return filepath.Join(dir, "."+safeFileSegment(domain)+".lock")
}

func sameDomains(a, b []string) bool {
	norm := func(in []string) []string {
		out := make([]string, 0, len(in))
		for _, d := range in {
			out = append(out, strings.ToLower(strings.TrimSpace(d)))
		}
		slices.Sort(out)
		return slices.Compact(out)
	}
	return slices.Equal(norm(a), norm(b))
}
