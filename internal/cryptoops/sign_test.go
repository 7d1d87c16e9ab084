package cryptoops

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	msg := []byte("alice\x00server\x00transcript")
	sig, err := Sign(priv, msg)
	require.NoError(t, err)

	assert.True(t, Verify(&priv.PublicKey, msg, sig))
}

func TestVerifyFailsOnTamperedMessage(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	sig, err := Sign(priv, []byte("original"))
	require.NoError(t, err)

	assert.False(t, Verify(&priv.PublicKey, []byte("tampered"), sig))
}

func TestVerifyFailsOnWrongKey(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	sig, err := Sign(priv, []byte("msg"))
	require.NoError(t, err)

	assert.False(t, Verify(&other.PublicKey, []byte("msg"), sig))
}
