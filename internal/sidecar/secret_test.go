package sidecar

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateSecretFirstBoot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", ".updater-secret")

	secret, err := LoadOrCreateSecret(path)
	require.NoError(t, err)
	require.NotEmpty(t, secret)

	assert.Regexp(t, regexp.MustCompile(`^[A-Za-z0-9_-]+$`), secret, "token is URL-safe")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, secret+"\n", string(data), "single line")
}

func TestLoadOrCreateSecretIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".updater-secret")

	first, err := LoadOrCreateSecret(path)
	require.NoError(t, err)
	second, err := LoadOrCreateSecret(path)
	require.NoError(t, err)
	assert.Equal(t, first, second, "both sides read the same token")
}

func TestLoadOrCreateSecretTrimsWhitespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".updater-secret")
	require.NoError(t, os.WriteFile(path, []byte("  tok-123\n"), 0o600))

	secret, err := LoadOrCreateSecret(path)
	require.NoError(t, err)
	assert.Equal(t, "tok-123", secret)
}

func TestLoadOrCreateSecretRejectsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".updater-secret")
	require.NoError(t, os.WriteFile(path, []byte("\n"), 0o600))

	_, err := LoadOrCreateSecret(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestSecretsEqual(t *testing.T) {
	assert.True(t, SecretsEqual("abc", "abc"))
	assert.False(t, SecretsEqual("abc", "abd"))
	assert.False(t, SecretsEqual("abc", "abcd"))
	assert.False(t, SecretsEqual("", "abc"))
}
