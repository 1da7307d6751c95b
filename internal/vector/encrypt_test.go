package vector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

func TestEncryptorRoundTrip(t *testing.T) {
	enc, err := NewEncryptor(testKey)
	require.NoError(t, err)

	sealed, err := enc.Seal([]byte(`{"title":"weekly report"}`))
	require.NoError(t, err)
	assert.NotContains(t, sealed, "weekly")

	plain, err := enc.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, `{"title":"weekly report"}`, string(plain))
}

func TestEncryptorNonDeterministicNonce(t *testing.T) {
	enc, err := NewEncryptor(testKey)
	require.NoError(t, err)

	a, err := enc.Seal([]byte("same input"))
	require.NoError(t, err)
	b, err := enc.Seal([]byte("same input"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEncryptorRejectsTamper(t *testing.T) {
	enc, err := NewEncryptor(testKey)
	require.NoError(t, err)

	sealed, err := enc.Seal([]byte("payload"))
	require.NoError(t, err)

	tampered := strings.Replace(sealed, sealed[:2], "zz", 1)
	_, err = enc.Open(tampered)
	assert.Error(t, err)
}

func TestEncryptorKeyValidation(t *testing.T) {
	_, err := NewEncryptor("deadbeef")
	assert.ErrorContains(t, err, "32 bytes")

	_, err = NewEncryptor("not hex at all")
	assert.ErrorContains(t, err, "decode encryption key")
}
