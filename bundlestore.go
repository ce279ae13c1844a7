package certpilot

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/caasmo/certpilot/internal/fsutil"
)

const (
	certFileName      = "cert.pem"
	chainFileName     = "chain.pem"
	fullChainFileName = "fullchain.pem"
	pendingMarker     = ".pending-install"
	domainsFileName   = "domains"
)

// BundleStore keeps the most recent bundle per domain on disk:
//
//	<dir>/<domain>/cert.pem
//	<dir>/<domain>/chain.pem
//	<dir>/<domain>/fullchain.pem
//	<dir>/<domain>/.pending-install   present until installation succeeded
//
// Private keys stay in the KeyStore; the bundle only references them.
type BundleStore struct {
	fs     afero.Fs
	dir    string
	keys   *KeyStore
	logger *slog.Logger
}

// NewBundleStore creates a BundleStore rooted at dir.
func NewBundleStore(fsys afero.Fs, dir string, keys *KeyStore, logger *slog.Logger) *BundleStore {
	if fsys == nil || keys == nil || logger == nil {
		panic("NewBundleStore: received nil filesystem, keystore or logger")
	}
	return &BundleStore{
		fs:     fsys,
		dir:    dir,
		keys:   keys,
		logger: logger.With("component", "bundlestore"),
	}
}

// Locations returns the file paths used for domain.
func (s *BundleStore) Locations(domain string) BundleLocations {
	dir := filepath.Join(s.dir, safeFileSegment(domain))
	return BundleLocations{
		Dir:         dir,
		Certificate: filepath.Join(dir, certFileName),
		Chain:       filepath.Join(dir, chainFileName),
		FullChain:   filepath.Join(dir, fullChainFileName),
		PrivateKey:  s.keys.Path(domain),
	}
}

// Load reads the stored bundle for domain. It returns ErrNoCertificate when nothing
// has been stored. A leaf that cannot be parsed yields a bundle with a zero NotAfter
// so that the renewal policy treats it as unparseable.
func (s *BundleStore) Load(domain string) (*CertificateBundle, error) {
	loc := s.Locations(domain)

	certPEM, err := afero.ReadFile(s.fs, loc.Certificate)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoCertificate
		}
		return nil, &StorageError{Op: "read certificate", Path: loc.Certificate, Err: err}
	}

	b := &CertificateBundle{
		Domain:   domain,
		Domains:  []string{domain},
		Key:      KeyRef{Identity: domain, Path: loc.PrivateKey},
		Location: &loc,
	}

	if chainPEM, err := afero.ReadFile(s.fs, loc.Chain); err == nil && len(chainPEM) > 0 {
		if _, chain, err := SplitChain(append(append([]byte{}, certPEM...), chainPEM...)); err == nil {
			b.Chain = chain
		} else {
			s.logger.Warn("stored chain is unreadable", "domain", domain, "error", err)
		}
	}

	if raw, err := afero.ReadFile(s.fs, filepath.Join(loc.Dir, domainsFileName)); err == nil {
		if names := strings.Fields(string(raw)); len(names) > 0 {
			b.Domains = names
		}
	}

	leaf, _, err := SplitChain(certPEM)
	if err != nil {
		s.logger.Warn("stored certificate is unparseable", "domain", domain, "error", err)
		b.Leaf = certPEM
		return b, nil
	}
	b.Leaf = leaf

	notAfter, err := LeafNotAfter(leaf)
	if err != nil {
		s.logger.Warn("stored certificate is unparseable", "domain", domain, "error", err)
		return b, nil
	}
	b.NotAfter = notAfter
	return b, nil
}

// LoadWithKey loads the bundle and attaches the private key bytes.
func (s *BundleStore) LoadWithKey(domain string) (*CertificateBundle, error) {
	b, err := s.Load(domain)
	if err != nil {
		return nil, err
	}
	km, err := s.keys.load(domain, s.keys.Path(domain))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &StorageError{Op: "read key", Path: s.keys.Path(domain), Err: err}
		}
		return nil, err
	}
	b.KeyPEM = km.PEM
	return b, nil
}

// Save persists b and marks it as pending installation. All files are written to a
// staging directory that then replaces the domain directory, so a failed save leaves
// the previous bundle untouched. The location is recorded on b.
func (s *BundleStore) Save(b *CertificateBundle) error {
	loc := s.Locations(b.Domain)
	parent := filepath.Dir(loc.Dir)
	if err := s.fs.MkdirAll(parent, 0o755); err != nil {
		return &StorageError{Op: "create bundle directory", Path: parent, Err: err}
	}

	staging, err := afero.TempDir(s.fs, parent, "."+filepath.Base(loc.Dir)+".staging-")
	if err != nil {
		return &StorageError{Op: "create staging directory", Path: parent, Err: err}
	}

	files := []struct {
		name string
		data []byte
	}{
		{certFileName, b.Leaf},
		{chainFileName, b.ChainPEM()},
		{fullChainFileName, b.FullChainPEM()},
		{domainsFileName, []byte(strings.Join(b.Domains, "\n") + "\n")},
		{pendingMarker, []byte(b.NotAfter.Format(time.RFC3339))},
	}
	for _, f := range files {
		path := filepath.Join(staging, f.name)
		if err := afero.WriteFile(s.fs, path, f.data, 0o644); err != nil {
			_ = s.fs.RemoveAll(staging)
			return &StorageError{Op: "write bundle", Path: path, Err: err}
		}
	}

	if err := s.replaceDir(staging, loc.Dir); err != nil {
		_ = s.fs.RemoveAll(staging)
		return &StorageError{Op: "replace bundle", Path: loc.Dir, Err: err}
	}

	b.Location = &loc
	s.logger.Info("bundle stored",
		"event", EventBundleStored,
		"domain", b.Domain,
		"not_after", b.NotAfter,
		"dir", loc.Dir)
	return nil
}

// replaceDir moves staging onto dir. The previous directory is set aside first and
// restored when the final rename fails.
func (s *BundleStore) replaceDir(staging, dir string) error {
	previous := filepath.Join(filepath.Dir(dir), "."+filepath.Base(dir)+".previous")
	if err := s.fs.RemoveAll(previous); err != nil {
		return fmt.Errorf("remove stale %s: %w", previous, err)
	}

	hadPrevious, err := fsutil.Exists(s.fs, dir)
	if err != nil {
		return err
	}
	if hadPrevious {
		if err := s.fs.Rename(dir, previous); err != nil {
			return fmt.Errorf("set aside previous bundle: %w", err)
		}
	}

	if err := s.fs.Rename(staging, dir); err != nil {
		if hadPrevious {
			if rerr := s.fs.Rename(previous, dir); rerr != nil {
				s.logger.Error("failed to restore previous bundle", "dir", dir, "error", rerr)
			}
		}
		return fmt.Errorf("move staged bundle into place: %w", err)
	}

	if hadPrevious {
		if err := s.fs.RemoveAll(previous); err != nil {
			s.logger.Warn("failed to remove previous bundle", "dir", previous, "error", err)
		}
	}
	return nil
}

// PendingInstall reports whether the stored bundle for domain still awaits installation.
func (s *BundleStore) PendingInstall(domain string) bool {
	ok, err := fsutil.Exists(s.fs, filepath.Join(s.Locations(domain).Dir, pendingMarker))
	return err == nil && ok
}

// MarkInstalled clears the pending-installation marker.
func (s *BundleStore) MarkInstalled(domain string) error {
	path := filepath.Join(s.Locations(domain).Dir, pendingMarker)
	if err := s.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &StorageError{Op: "clear pending marker", Path: path, Err: err}
	}
	return nil
}
