package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"

	"github.com/caasmo/certpilot"
	"github.com/caasmo/certpilot/dnschallenge"
	"github.com/caasmo/certpilot/logging"
	"github.com/caasmo/certpilot/metrics"
	"github.com/caasmo/certpilot/panel"
	"github.com/caasmo/certpilot/webroot"
	"github.com/caasmo/certpilot/zombiezen"
)

// app holds everything a command needs, built from one configuration.
type app struct {
	cfg      *certpilot.Config
	logger   *slog.Logger
	orch     *certpilot.Orchestrator
	db       *zombiezen.Db
	registry *prometheus.Registry

	closers []io.Closer
}

// loadConfig reads and validates the configuration named by --config.
func loadConfig() (*certpilot.Config, error) {
	cfg, err := certpilot.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if useStaging {
		cfg.Staging = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, logCloser, err := logging.New(logging.Options{
		Level:           cfg.Log.Level,
		Console:         os.Stderr,
		AuditFile:       cfg.Log.AuditFile,
		AuditMaxSizeMB:  cfg.Log.AuditMaxSizeMB,
		AuditMaxBackups: cfg.Log.AuditMaxBackups,
		AuditMaxAgeDays: cfg.Log.AuditMaxAgeDays,
	})
	if err != nil {
		return nil, &certpilot.ConfigError{Err: err}
	}
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger, closers: []io.Closer{logCloser}}

	logger.Info("config loaded",
		"path", configPath,
		"email", cfg.Email,
		"domains", cfg.Domains,
		"ca", cfg.DirectoryURL(),
		"challenge", cfg.Challenge.Type,
		"installer", cfg.Installer.Kind,
		"history_db", cfg.Storage.DatabasePath != "")

	fsys := afero.NewOsFs()

	responder, err := buildResponder(cfg, fsys, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	var recorder certpilot.Recorder = certpilot.NewMemoryRecorder()
	opts := []certpilot.Option{
		certpilot.WithFilesystem(fsys),
		certpilot.WithResponder(responder),
		certpilot.WithInstaller(buildInstaller(cfg, logger)),
		certpilot.WithLogger(logger),
	}
	if cfg.Storage.DatabasePath != "" {
		db, err := zombiezen.Open(ctx, cfg.Storage.DatabasePath)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.db = db
		a.closers = append(a.closers, db)
		recorder = db
		opts = append(opts, certpilot.WithCertWriter(db))
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	opts = append(opts, certpilot.WithRecorder(metrics.NewRecorder(recorder, a.registry)))

	a.orch, err = certpilot.NewOrchestrator(cfg, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			fmt.Fprintln(os.Stderr, "close:", err)
		}
	}
	a.closers = nil
}

func buildResponder(cfg *certpilot.Config, fsys afero.Fs, logger *slog.Logger) (certpilot.ChallengeResponder, error) {
	switch cfg.Challenge.Type {
	case certpilot.ChallengeHTTP01:
		return webroot.New(fsys, cfg.Challenge.Webroot, logger), nil
	case certpilot.ChallengeDNS01:
		provider, err := dnschallenge.NewCloudflare(cfg.Challenge.CloudflareAPIToken)
		if err != nil {
			return nil, &certpilot.ConfigError{Err: err}
		}
		return dnschallenge.New(provider, dnschallenge.Options{
			Nameservers: cfg.Challenge.Nameservers,
			Timeout:     cfg.Challenge.PropagationTimeout.Duration,
			Interval:    cfg.Challenge.PropagationInterval.Duration,
		}, logger), nil
	}
	return nil, &certpilot.ConfigError{Err: errors.New("unsupported challenge type " + cfg.Challenge.Type)}
}

func buildInstaller(cfg *certpilot.Config, logger *slog.Logger) certpilot.Installer {
	ic := cfg.Installer
	pc := panel.Config{
		BaseURL:            ic.BaseURL,
		InstallPath:        ic.InstallPath,
		Timeout:            ic.Timeout.Duration,
		InsecureSkipVerify: ic.InsecureSkipVerify,
		Retries:            1,
		SuccessPath:        ic.SuccessPath,
		SuccessValue:       ic.SuccessValue,
		MessagePath:        ic.MessagePath,
		SuccessMarker:      ic.SuccessMarker,
	}

	var auth panel.Authenticator = panel.TokenAuth{Token: ic.APIToken}
	if ic.Auth == certpilot.AuthSession || ic.Kind == certpilot.InstallerForm {
		auth = panel.SessionAuth{LoginPath: ic.LoginPath, Username: ic.Username, Password: ic.Password}
	}

	switch ic.Kind {
	case certpilot.InstallerAPI:
		return panel.NewAPIInstaller(pc, auth, logger)
	case certpilot.InstallerForm:
		return panel.NewFormInstaller(pc, auth, logger)
	}
	return certpilot.ManualInstaller{}
}
