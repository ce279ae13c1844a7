// Package webroot answers http-01 challenges by writing the key authorization into
// the document root of an already running web server.
package webroot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/spf13/afero"

	"github.com/caasmo/certpilot"
	"github.com/caasmo/certpilot/internal/fsutil"
)

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Responder publishes challenge files below Root.
type Responder struct {
	fs     afero.Fs
	root   string
	logger *slog.Logger
}

func New(fsys afero.Fs, root string, logger *slog.Logger) *Responder {
	if fsys == nil || logger == nil {
		panic("webroot.New: received nil filesystem or logger")
	}
	return &Responder{
		fs:     fsys,
		root:   filepath.Clean(root),
		logger: logger.With("component", "webroot"),
	}
}

func (r *Responder) ChallengeType() string {
	return string(challenge.HTTP01)
}

// Path returns the file served for token.
func (r *Responder) Path(token string) string {
	return filepath.Join(r.root, filepath.FromSlash(http01.ChallengePath(token)))
}

// Publish writes the proof to <root>/.well-known/acme-challenge/<token>. The file is
// complete once Publish returns.
func (r *Responder) Publish(ctx context.Context, rec certpilot.ChallengeRecord) (certpilot.ChallengeHandle, error) {
	if err := ctx.Err(); err != nil {
		return certpilot.ChallengeHandle{}, err
	}
	if !tokenPattern.MatchString(rec.Token) {
		return certpilot.ChallengeHandle{}, fmt.Errorf("%w: %q", certpilot.ErrInvalidToken, rec.Token)
	}

	path := r.Path(rec.Token)
	// The web server must be able to traverse the challenge directory.
	if err := r.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return certpilot.ChallengeHandle{}, fmt.Errorf("create challenge directory: %w", err)
	}
	if err := fsutil.WriteFileAtomic(r.fs, path, []byte(rec.Proof), 0o644); err != nil {
		return certpilot.ChallengeHandle{}, err
	}

	r.logger.Debug("challenge file written", "domain", rec.Domain, "path", path)
	return certpilot.ChallengeHandle{Record: rec, Location: path}, nil
}

// Retract removes the challenge file. A file that is already gone is not an error.
func (r *Responder) Retract(_ context.Context, h certpilot.ChallengeHandle) error {
	if h.Location == "" {
		return nil
	}
	path := filepath.Clean(h.Location)
	if !strings.HasPrefix(path, r.root+string(filepath.Separator)) {
		return fmt.Errorf("refusing to remove %s outside of %s", path, r.root)
	}
	if err := r.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove challenge file: %w", err)
	}
	return nil
}
