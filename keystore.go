package certpilot

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/spf13/afero"

	"github.com/caasmo/certpilot/internal/fsutil"
)

// KeyStore persists one private key per identity under a directory.
type KeyStore struct {
	fs      afero.Fs
	dir     string
	keyType certcrypto.KeyType
	logger  *slog.Logger
}

// NewKeyStore creates a KeyStore rooted at dir generating keys of keyType.
func NewKeyStore(fsys afero.Fs, dir string, keyType certcrypto.KeyType, logger *slog.Logger) *KeyStore {
	if fsys == nil || logger == nil {
		panic("NewKeyStore: received nil filesystem or logger")
	}
	return &KeyStore{
		fs:      fsys,
		dir:     dir,
		keyType: keyType,
		logger:  logger.With("component", "keystore"),
	}
}

// Path returns the file holding the key for identity.
func (s *KeyStore) Path(identity string) string {
	return filepath.Join(s.dir, keyFileName(identity))
}

// LoadOrCreate returns the stored key for identity, generating and persisting a new
// one only when none exists. An existing key is never replaced.
func (s *KeyStore) LoadOrCreate(identity string) (*KeyMaterial, error) {
	path := s.Path(identity)

	km, err := s.load(identity, path)
	if err == nil {
		return km, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	key, err := certcrypto.GeneratePrivateKey(s.keyType)
	if err != nil {
		return nil, &StorageError{Op: "generate key", Path: path, Err: err}
	}
	pemBytes := certcrypto.PEMEncode(key)

	if err := fsutil.WriteFileExclusive(s.fs, path, pemBytes, 0o600); err != nil {
		// Another writer created the key while we were generating ours.
		if errors.Is(err, fs.ErrExist) {
			return s.load(identity, path)
		}
		return nil, &StorageError{Op: "write key", Path: path, Err: err}
	}

	s.logger.Info("key generated",
		"event", EventKeyGenerated,
		"identity", identity,
		"key_type", string(s.keyType),
		"path", path)

	return &KeyMaterial{Identity: identity, Key: key, PEM: pemBytes, Path: path}, nil
}

func (s *KeyStore) load(identity, path string) (*KeyMaterial, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, &StorageError{Op: "read key", Path: path, Err: err}
	}

	key, err := certcrypto.ParsePEMPrivateKey(data)
	if err != nil {
		return nil, &StorageError{Op: "parse key", Path: path, Err: err}
	}
	return &KeyMaterial{Identity: identity, Key: key, PEM: data, Path: path}, nil
}

func keyFileName(identity string) string {
	return safeFileSegment(identity) + ".key"
}

// safeFileSegment maps an identity onto a file name that cannot escape the store.
func safeFileSegment(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))

	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		case r == '*':
			b.WriteString("_wildcard")
		default:
			b.WriteRune('_')
		}
	}

	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "_"
	}
	return out
}

// KeyTypeFromString maps configuration names onto lego key types.
func KeyTypeFromString(name string) (certcrypto.KeyType, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "RSA2048":
		return certcrypto.RSA2048, nil
	case "RSA3072":
		return certcrypto.RSA3072, nil
	case "RSA4096":
		return certcrypto.RSA4096, nil
	case "EC256", "P256":
		return certcrypto.EC256, nil
	case "EC384", "P384":
		return certcrypto.EC384, nil
	default:
		return "", fmt.Errorf("unsupported key type %q", name)
	}
}
