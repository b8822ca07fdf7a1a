// Package session persists the TokenSet produced by a login so later
// commands can reuse and refresh it.
package session

import (
	"fmt"
	"os"
	"path/filepath"

	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
	"github.com/alexjbarnes/toolgate/internal/models"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=store.go Store

const (
	// dirPerm is the permission mode for the session directory.
	dirPerm = os.FileMode(0o700)

	// filePerm is the permission mode for session files. They hold
	// bearer credentials.
	filePerm = os.FileMode(0o600)
)

// Store persists exactly one TokenSet. Save replaces the stored value as
// a whole; a failed Save leaves the previous value readable.
type Store interface {
	Load() (*models.TokenSet, error)
	Save(ts *models.TokenSet) error
	Clear() error
}

// CorruptError reports a session that exists but cannot be used.
type CorruptError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptError) Error() string {
	msg := fmt.Sprintf("session %s is corrupt: %s", e.Path, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *CorruptError) Unwrap() error { return e.Err }

// Is makes every CorruptError match ErrSessionCorrupt.
func (e *CorruptError) Is(target error) bool {
	return target == apperrors.ErrSessionCorrupt
}

// DefaultDir returns ~/.toolgate, falling back to the working directory
// when the home directory cannot be resolved.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".toolgate"
	}

	return filepath.Join(home, ".toolgate")
}

// DefaultEnvPath is where EnvFileStore keeps the session by default.
func DefaultEnvPath() string {
	return filepath.Join(DefaultDir(), "session.env")
}

// DefaultBoltPath is where BoltStore keeps the session by default.
func DefaultBoltPath() string {
	return filepath.Join(DefaultDir(), "session.db")
}

// Open returns the store for backend ("env" or "bolt") at path. An empty
// path selects the backend's default location.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", "env":
		if path == "" {
			path = DefaultEnvPath()
		}

		return NewEnvFileStore(path), nil
	case "bolt":
		if path == "" {
			path = DefaultBoltPath()
		}

		return NewBoltStore(path), nil
	default:
		return nil, fmt.Errorf("unknown session backend %q (want env or bolt)", backend)
	}
}

// validate checks the fields every usable TokenSet has.
func validate(path string, ts *models.TokenSet) error {
	if ts.AccessToken == "" {
		return &CorruptError{Path: path, Reason: "missing access token"}
	}

	if ts.ClientID == "" {
		return &CorruptError{Path: path, Reason: "missing client id"}
	}

	if ts.ExpiresAt.IsZero() {
		return &CorruptError{Path: path, Reason: "missing expiry"}
	}

	return nil
}
