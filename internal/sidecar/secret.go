// Package sidecar implements the authenticated loopback RPC between the
// skill runtime and the update executor: a small JSON-over-HTTP server
// guarded by a shared secret on a jointly-mounted volume, and a typed
// client for the runtime side.
package sidecar

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DefaultSecretPath is where the shared token lives unless
// UPDATER_SECRET_PATH says otherwise.
const DefaultSecretPath = "/app/data/.updater-secret"

// LoadOrCreateSecret returns the shared token stored at path. On first
// boot, when the file does not exist, a random URL-safe token is
// generated and written with mode 0600 so only the service user can
// read it. Both sides of the RPC read the same file.
func LoadOrCreateSecret(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		secret := strings.TrimSpace(string(data))
		if secret == "" {
			return "", fmt.Errorf("secret file %s is empty", path)
		}
		return secret, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("read secret file: %w", err)
	}

	secret, err := generateToken()
	if err != nil {
		return "", err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("create secret directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(secret+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write secret file: %w", err)
	}
	return secret, nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// SecretsEqual compares two tokens in constant time.
func SecretsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
