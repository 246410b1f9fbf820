// Package signature computes and checks the MAC that authenticates mesh
// request bodies, and manages the on-disk signing secret.
package signature

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// MinSecretLen is the shortest signing secret accepted.
const MinSecretLen = 32

var ErrSecretTooShort = errors.New("signing secret shorter than 32 bytes")

// Sign returns the hex-encoded HMAC-SHA256 of body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is a valid MAC of body under secret. The
// comparison does not depend on how many leading bytes match.
func Verify(secret, body []byte, sig string) bool {
	if sig == "" {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}

// Fingerprint is a short non-secret identifier for a secret, safe to log.
func Fingerprint(secret []byte) string {
	sum := sha256.Sum256(secret)
	return hex.EncodeToString(sum[:8])
}

// GenerateSecret returns MinSecretLen fresh random bytes.
func GenerateSecret() ([]byte, error) {
	b := make([]byte, MinSecretLen)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	return b, nil
}

// LoadSecret reads a secret file and enforces the minimum length.
func LoadSecret(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(b) < MinSecretLen {
		return nil, ErrSecretTooShort
	}
	return b, nil
}

// LoadOrCreateSecret loads path, creating it with a random secret when it
// does not exist yet. Operators should rotate a generated secret after
// provisioning peers.
func LoadOrCreateSecret(path string) ([]byte, bool, error) {
	b, err := LoadSecret(path)
	if err == nil {
		return b, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	b, err = GenerateSecret()
	if err != nil {
		return nil, false, err
	}
	if err := WriteSecret(path, b); err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// WriteSecret replaces the secret file atomically with 0600 permissions.
func WriteSecret(path string, secret []byte) error {
	if len(secret) < MinSecretLen {
		return ErrSecretTooShort
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("secret dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".secret-*")
	if err != nil {
		return fmt.Errorf("secret temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(secret); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write secret: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
