package session

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
	"github.com/alexjbarnes/toolgate/internal/models"
	"github.com/gofrs/flock"
	"github.com/joho/godotenv"
)

// Keys written to the session file.
const (
	KeyAccessToken  = "ACCESS_TOKEN"
	KeyRefreshToken = "REFRESH_TOKEN"
	KeyClientID     = "CLIENT_ID"
	KeyTenantID     = "TENANT_ID"
	KeyExpiresAt    = "EXPIRES_AT"
)

// EnvFileStore keeps the session in a .env style file so it can be
// sourced by shells and other tools.
type EnvFileStore struct {
	path string

	// rename is os.Rename, swapped in tests to simulate a failed commit.
	rename func(oldpath, newpath string) error
}

// NewEnvFileStore returns a store backed by the file at path.
func NewEnvFileStore(path string) *EnvFileStore {
	return &EnvFileStore{path: path, rename: os.Rename}
}

// Path returns the session file path.
func (s *EnvFileStore) Path() string { return s.path }

// Load reads and validates the session file.
func (s *EnvFileStore) Load() (*models.TokenSet, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.ErrSessionNotFound
		}

		return nil, fmt.Errorf("reading session file: %w", err)
	}

	values, err := godotenv.UnmarshalBytes(data)
	if err != nil {
		return nil, &CorruptError{Path: s.path, Reason: "unparsable", Err: err}
	}

	return Decode(s.path, values)
}

// Save writes ts atomically: a temp file in the same directory is
// written, synced and renamed over the old file. Concurrent writers from
// other processes fail fast with ErrSessionLocked.
func (s *EnvFileStore) Save(ts *models.TokenSet) error {
	if err := validate(s.path, ts); err != nil {
		return fmt.Errorf("refusing to save: %w", err)
	}

	content := Marshal(Encode(ts))

	return s.withLock(func() error {
		return s.writeAtomic([]byte(content))
	})
}

// Clear deletes the session file. Clearing a missing session is not an
// error.
func (s *EnvFileStore) Clear() error {
	return s.withLock(func() error {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing session file: %w", err)
		}

		return nil
	})
}

func (s *EnvFileStore) withLock(fn func() error) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	fileLock := flock.New(s.path + ".lock")

	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring session lock: %w", err)
	}

	if !locked {
		return apperrors.ErrSessionLocked
	}
	defer fileLock.Unlock()

	return fn()
}

func (s *EnvFileStore) writeAtomic(content []byte) error {
	dir := filepath.Dir(s.path)

	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(content); err != nil {
		cleanup()
		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("syncing temp file: %w", err)
	}

	if err := tmp.Chmod(filePerm); err != nil {
		cleanup()
		return fmt.Errorf("setting session file permissions: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := s.rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}

// envEscaper escapes a value for a double-quoted .env or shell string.
// godotenv.UnmarshalBytes reverses it.
var envEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\n", `\n`,
	"\r", `\r`,
	`"`, `\"`,
	`!`, `\!`,
	`$`, `\$`,
	"`", "\\`",
)

// Marshal renders values as KEY="value" lines sorted by key. Every value
// is quoted, so one that looks like a number keeps its exact text.
func Marshal(values map[string]string) string {
	var b strings.Builder

	for _, k := range slices.Sorted(maps.Keys(values)) {
		fmt.Fprintf(&b, "%s=\"%s\"\n", k, envEscaper.Replace(values[k]))
	}

	return b.String()
}

// Encode converts ts into session file keys. An absent refresh token or
// tenant is omitted.
func Encode(ts *models.TokenSet) map[string]string {
	values := map[string]string{
		KeyAccessToken: ts.AccessToken,
		KeyClientID:    ts.ClientID,
		KeyExpiresAt:   ts.ExpiresAt.UTC().Format(time.RFC3339),
	}

	if ts.RefreshToken != "" {
		values[KeyRefreshToken] = ts.RefreshToken
	}

	if ts.TenantID != "" {
		values[KeyTenantID] = ts.TenantID
	}

	return values
}

// Decode builds a TokenSet from session file keys. path is only used in
// error messages.
func Decode(path string, values map[string]string) (*models.TokenSet, error) {
	ts := &models.TokenSet{
		AccessToken:  values[KeyAccessToken],
		RefreshToken: values[KeyRefreshToken],
		ClientID:     values[KeyClientID],
		TenantID:     values[KeyTenantID],
	}

	if raw := values[KeyExpiresAt]; raw != "" {
		expiresAt, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, &CorruptError{Path: path, Reason: "bad " + KeyExpiresAt, Err: err}
		}

		ts.ExpiresAt = expiresAt
	}

	if err := validate(path, ts); err != nil {
		return nil, err
	}

	return ts, nil
}
