package cryptoops

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key := make([]byte, KeySize)
	iv := make([]byte, IVSize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	_, err = rand.Read(iv)
	require.NoError(t, err)

	aad := []byte{0x00, 0x20, byte(0x01)}
	plaintext := []byte("MOVE column=3")

	ciphertext, tag, err := Seal(key, iv, aad, plaintext)
	require.NoError(t, err)

	got, err := Open(key, iv, aad, ciphertext, tag)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestOpenFailsOnTamperedCiphertext(t *testing.T) {
	key := make([]byte, KeySize)
	iv := make([]byte, IVSize)
	aad := []byte{0x00, 0x10, 0x01}
	ciphertext, tag, err := Seal(key, iv, aad, []byte("payload"))
	require.NoError(t, err)

	ciphertext[0] ^= 0xFF
	_, err = Open(key, iv, aad, ciphertext, tag)
	assert.ErrorIs(t, err, ErrAEADOpenFailed)
}

func TestOpenFailsOnTamperedTag(t *testing.T) {
	key := make([]byte, KeySize)
	iv := make([]byte, IVSize)
	aad := []byte{0x00, 0x10, 0x01}
	ciphertext, tag, err := Seal(key, iv, aad, []byte("payload"))
	require.NoError(t, err)

	tag[0] ^= 0xFF
	_, err = Open(key, iv, aad, ciphertext, tag)
	assert.ErrorIs(t, err, ErrAEADOpenFailed)
}

func TestOpenFailsOnTamperedAAD(t *testing.T) {
	key := make([]byte, KeySize)
	iv := make([]byte, IVSize)
	aad := []byte{0x00, 0x10, 0x01}
	ciphertext, tag, err := Seal(key, iv, aad, []byte("payload"))
	require.NoError(t, err)

	badAAD := []byte{0x00, 0x10, 0x02}
	_, err = Open(key, iv, badAAD, ciphertext, tag)
	assert.ErrorIs(t, err, ErrAEADOpenFailed)
}

func TestSealRejectsWrongKeySize(t *testing.T) {
	_, _, err := Seal(make([]byte, 10), make([]byte, IVSize), nil, []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}

func TestSealRejectsWrongIVSize(t *testing.T) {
	_, _, err := Seal(make([]byte, KeySize), make([]byte, 4), nil, []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidIVSize)
}
