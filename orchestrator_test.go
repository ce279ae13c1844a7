package certpilot

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Email = "ops@example.com"
	cfg.Domains = []string{"example.com", "www.example.com"}
	cfg.CADirectoryURL = "https://ca.test/directory"
	cfg.KeyType = "EC256"
	cfg.AccountKeyType = "EC256"
	cfg.Storage.KeyDir = "/data/keys"
	cfg.Storage.CertDir = "/data/certs"
	cfg.Challenge.Webroot = "/srv/www"
	cfg.Polling = PollingConfig{
		Interval:     Duration{time.Millisecond},
		Timeout:      Duration{500 * time.Millisecond},
		Retries:      2,
		RetryBackoff: Duration{time.Millisecond},
	}
	return cfg
}

type orchestratorFixture struct {
	o         *Orchestrator
	cfg       *Config
	fs        *faultyFs
	acme      *fakeACME
	responder *fakeResponder
	installer *fakeInstaller
	recorder  *MemoryRecorder
	certs     *memCertWriter
}

func newOrchestratorFixture(t *testing.T, cfg *Config, opts ...Option) *orchestratorFixture {
	t.Helper()
	f := &orchestratorFixture{
		cfg:       cfg,
		fs:        &faultyFs{Fs: afero.NewMemMapFs()},
		acme:      newFakeACME(cfg.Domains, testChain(t, cfg.Domains, time.Now().Add(90*24*time.Hour))),
		responder: &fakeResponder{},
		installer: &fakeInstaller{},
		recorder:  NewMemoryRecorder(),
		certs:     &memCertWriter{},
	}
	o, err := NewOrchestrator(cfg, append([]Option{
		WithFilesystem(f.fs),
		WithResponder(f.responder),
		WithInstaller(f.installer),
		WithRecorder(f.recorder),
		WithCertWriter(f.certs),
		WithACMEClientFactory(f.acme.factory()),
		WithLogger(testLogger()),
	}, opts...)...)
	require.NoError(t, err)
	f.o = o
	return f
}

// storeInstalled places a bundle for domains that was already installed.
func (f *orchestratorFixture) storeInstalled(t *testing.T, domains []string, notAfter time.Time) {
	t.Helper()
	b := testBundle(t, f.o.domainKeys, domains, notAfter)
	require.NoError(t, f.o.Bundles().Save(b))
	require.NoError(t, f.o.Bundles().MarkInstalled(b.Domain))
}

func TestRunFreshSystem(t *testing.T) {
	f := newOrchestratorFixture(t, testConfig())

	out, err := f.o.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.Equal(t, StatusInstalled, out.Status)
	assert.Equal(t, StageDone, out.Stage)
	assert.Equal(t, ReasonAbsent, out.Decision.Reason)
	assert.True(t, out.Renewed)
	assert.True(t, out.Installed)
	assert.NotEmpty(t, out.ID)
	assert.False(t, out.NotAfter.IsZero())

	assert.Len(t, f.acme.accountRequests, 2, "account looked up, then registered")
	assert.Equal(t, 1, f.installer.calls)
	assert.Len(t, f.responder.retracted, 2)

	stored, err := f.o.Bundles().Load("example.com")
	require.NoError(t, err)
	assert.Equal(t, f.cfg.Domains, stored.Domains)
	assert.False(t, f.o.Bundles().PendingInstall("example.com"))

	exists, err := afero.Exists(f.fs, "/data/keys/account.key")
	require.NoError(t, err)
	assert.True(t, exists)

	require.Len(t, f.certs.certs, 1)
	assert.Equal(t, "example.com", f.certs.certs[0].Identifier)

	require.Len(t, f.recorder.All(), 1)
	last, err := f.o.LastOutcome(context.Background())
	require.NoError(t, err)
	assert.Equal(t, out.ID, last.ID)
}

func TestRunSkipsValidCertificate(t *testing.T) {
	f := newOrchestratorFixture(t, testConfig())
	f.storeInstalled(t, f.cfg.Domains, time.Now().Add(45*24*time.Hour))

	out, err := f.o.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, out.Status)
	assert.Equal(t, ReasonValid, out.Decision.Reason)
	assert.False(t, out.Renewed)
	assert.Zero(t, f.acme.callCount(), "no CA traffic for a valid certificate")
	assert.Zero(t, f.installer.calls)
}

func TestRunInstallFailureNeedsManualFollowUp(t *testing.T) {
	f := newOrchestratorFixture(t, testConfig())
	f.installer.err = &InstallError{Domain: "example.com", Reason: "panel rejected certificate"}

	out, err := f.o.Run(context.Background(), RunOptions{})
	require.NoError(t, err, "a failed install is not a failed run")
	assert.Equal(t, StatusManualFollowUp, out.Status)
	assert.True(t, out.Renewed)
	assert.False(t, out.Installed)
	require.NotNil(t, out.Manual)
	assert.Equal(t, "panel rejected certificate", out.Manual.Reason)
	require.NotNil(t, out.Manual.Locations)
	assert.Equal(t, "/data/certs/example.com/cert.pem", out.Manual.Locations.Certificate)
	assert.True(t, f.o.Bundles().PendingInstall("example.com"))

	// The next run installs the stored bundle without a new order.
	calls := f.acme.callCount()
	f.installer.err = nil
	out, err = f.o.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusInstalled, out.Status)
	assert.False(t, out.Renewed)
	assert.Equal(t, calls, f.acme.callCount())
	assert.Equal(t, 2, f.installer.calls)
	assert.False(t, f.o.Bundles().PendingInstall("example.com"))
}

func TestRunManualInstallerByDefault(t *testing.T) {
	cfg := testConfig()
	acme := newFakeACME(cfg.Domains, testChain(t, cfg.Domains, time.Now().Add(90*24*time.Hour)))
	o, err := NewOrchestrator(cfg,
		WithFilesystem(afero.NewMemMapFs()),
		WithResponder(&fakeResponder{}),
		WithACMEClientFactory(acme.factory()),
		WithLogger(testLogger()),
	)
	require.NoError(t, err)

	out, err := o.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusManualFollowUp, out.Status)
	assert.Equal(t, "no control panel configured", out.Manual.Reason)
}

func TestRunInProgress(t *testing.T) {
	f := newOrchestratorFixture(t, testConfig())

	unlock, err := f.o.tryLock("example.com")
	require.NoError(t, err)

	out, err := f.o.Run(context.Background(), RunOptions{})
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Nil(t, out)
	_, err = f.o.InstallLatest(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Empty(t, f.recorder.All())

	unlock()
	_, err = f.o.Run(context.Background(), RunOptions{})
	assert.NoError(t, err)
}

func TestRunInProgressInAnotherProcess(t *testing.T) {
	dir := t.TempDir()
	f := newOrchestratorFixture(t, testConfig(), WithLockDir(dir))

	other := flock.New(filepath.Join(dir, ".example.com.lock"))
	locked, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, locked)

	_, err = f.o.Run(context.Background(), RunOptions{})
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Zero(t, f.acme.callCount())

	require.NoError(t, other.Unlock())
	_, err = f.o.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	// The lock is released when the run ends.
	locked, err = other.TryLock()
	require.NoError(t, err)
	assert.True(t, locked)
	require.NoError(t, other.Unlock())
}

func TestRunStoreFailureIsFatal(t *testing.T) {
	f := newOrchestratorFixture(t, testConfig())
	f.fs.readOnly = "/data/certs"

	out, err := f.o.Run(context.Background(), RunOptions{})
	require.Error(t, err)

	var re *RunError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, StageStore, re.Stage)
	var se *StorageError
	assert.ErrorAs(t, err, &se)

	require.NotNil(t, out)
	assert.Equal(t, StatusFailed, out.Status)
	assert.True(t, out.Renewed)
	assert.False(t, out.Installed)
	assert.NotEmpty(t, out.Error)
	assert.Zero(t, f.installer.calls, "an unsaved certificate is never installed")
	assert.Empty(t, f.certs.certs)
}

func TestRunFailedSaveKeepsPreviousBundle(t *testing.T) {
	f := newOrchestratorFixture(t, testConfig())
	f.storeInstalled(t, f.cfg.Domains, time.Now().Add(60*24*time.Hour))
	previous, err := f.o.Bundles().Load("example.com")
	require.NoError(t, err)

	f.fs.failRename = func(oldname, _ string) bool { return strings.Contains(oldname, ".staging-") }
	_, err = f.o.Run(context.Background(), RunOptions{Force: true})
	var se *StorageError
	require.ErrorAs(t, err, &se)
	f.fs.failRename = nil

	stored, err := f.o.Bundles().Load("example.com")
	require.NoError(t, err)
	assert.Equal(t, previous.Leaf, stored.Leaf)
	assert.Equal(t, previous.Chain, stored.Chain)
	assert.False(t, f.o.Bundles().PendingInstall("example.com"))

	entries, err := afero.ReadDir(f.fs, "/data/certs")
	require.NoError(t, err)
	require.Len(t, entries, 1, "staging and previous directories are cleaned up")
	assert.Equal(t, "example.com", entries[0].Name())

	out, err := f.o.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, out.Status)
	assert.Zero(t, f.installer.calls, "the previous certificate is not pushed again")
}

func TestRunInvalidAuthorizationFails(t *testing.T) {
	f := newOrchestratorFixture(t, testConfig())
	f.acme.acceptResult = "invalid"

	out, err := f.o.Run(context.Background(), RunOptions{})
	require.Error(t, err)

	var re *RunError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, StageAuthorization, re.Stage)
	assert.Equal(t, "example.com", re.Domain)

	var ae *AcmeError
	require.ErrorAs(t, err, &ae)
	require.NotNil(t, ae.Problem)

	require.NotNil(t, out)
	assert.Equal(t, StatusFailed, out.Status)
	assert.NotEmpty(t, out.Error)
	assert.Zero(t, f.installer.calls)
	assert.Len(t, f.responder.retracted, 1)

	_, err = f.o.Bundles().Load("example.com")
	assert.ErrorIs(t, err, ErrNoCertificate)
	require.Len(t, f.recorder.All(), 1)
	assert.Equal(t, StatusFailed, f.recorder.All()[0].Status)
}

func TestRunDryRunSkipACME(t *testing.T) {
	cfg := testConfig()
	cfg.DryRunMode = DryRunSkipACME
	f := newOrchestratorFixture(t, cfg)

	out, err := f.o.Run(context.Background(), RunOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, StatusDryRun, out.Status)
	assert.True(t, out.Decision.Renew)
	assert.False(t, out.Renewed)
	assert.Zero(t, f.acme.callCount())
}

func TestRunDryRunSkipInstall(t *testing.T) {
	f := newOrchestratorFixture(t, testConfig())

	out, err := f.o.Run(context.Background(), RunOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, StatusDryRun, out.Status)
	assert.True(t, out.Renewed)
	assert.False(t, out.Installed)
	assert.Zero(t, f.installer.calls)
	assert.Empty(t, f.certs.certs)

	_, err = f.o.Bundles().Load("example.com")
	assert.ErrorIs(t, err, ErrNoCertificate)
}

func TestRunForce(t *testing.T) {
	f := newOrchestratorFixture(t, testConfig())
	f.storeInstalled(t, f.cfg.Domains, time.Now().Add(60*24*time.Hour))

	out, err := f.o.Run(context.Background(), RunOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, ReasonForced, out.Decision.Reason)
	assert.Equal(t, StatusInstalled, out.Status)
	assert.True(t, out.Renewed)
}

func TestRunDomainsChanged(t *testing.T) {
	f := newOrchestratorFixture(t, testConfig())
	f.storeInstalled(t, []string{"example.com"}, time.Now().Add(60*24*time.Hour))

	out, err := f.o.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, ReasonDomainsChanged, out.Decision.Reason)
	assert.True(t, out.Renewed)

	stored, err := f.o.Bundles().Load("example.com")
	require.NoError(t, err)
	assert.Equal(t, f.cfg.Domains, stored.Domains)
}

func TestRunUsesClock(t *testing.T) {
	f := newOrchestratorFixture(t, testConfig())
	f.storeInstalled(t, f.cfg.Domains, time.Now().Add(45*24*time.Hour))

	// Twenty days later the same certificate is inside the renewal window.
	later := time.Now().Add(20 * 24 * time.Hour)
	f.o.now = func() time.Time { return later }

	out, err := f.o.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, ReasonExpiring, out.Decision.Reason)
	assert.Equal(t, later, out.StartedAt)
}

func TestInstallLatestWithoutBundle(t *testing.T) {
	f := newOrchestratorFixture(t, testConfig())

	out, err := f.o.InstallLatest(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoCertificate))
	assert.Equal(t, StatusFailed, out.Status)
}

func TestNewOrchestratorConfigErrors(t *testing.T) {
	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig()
		cfg.Email = ""
		_, err := NewOrchestrator(cfg, WithResponder(&fakeResponder{}))
		var ce *ConfigError
		assert.ErrorAs(t, err, &ce)
	})

	t.Run("missing responder", func(t *testing.T) {
		_, err := NewOrchestrator(testConfig())
		var ce *ConfigError
		assert.ErrorAs(t, err, &ce)
	})

	t.Run("responder type mismatch", func(t *testing.T) {
		_, err := NewOrchestrator(testConfig(), WithResponder(&fakeResponder{typ: ChallengeDNS01}))
		var ce *ConfigError
		assert.ErrorAs(t, err, &ce)
	})
}
