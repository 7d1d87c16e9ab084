package cryptoops

import (
	"crypto/ecdh"
	"crypto/rand"
)

// GenerateEphemeralKeyPair produces a fresh P-256 key pair for one side of
// one handshake. The private half is discarded once session keys are
// derived; callers must not retain it beyond the handshake.
func GenerateEphemeralKeyPair() (*ecdh.PrivateKey, error) {
	return ecdh.P256().GenerateKey(rand.Reader)
}

// ParsePublicKey decodes a P-256 public key as carried on the wire in
// CLIENT_HELLO/SERVER_HELLO: crypto/ecdh.NewPublicKey expects the raw
// uncompressed point (0x04 || X || Y), not a DER SubjectPublicKeyInfo. Every
// encode/decode and transcript-hashing site in internal/wire and
// internal/securechannel agrees on that
// same encoding, so it's consistent end to end even though it is shorter
// than a full SPKI structure.
func ParsePublicKey(raw []byte) (*ecdh.PublicKey, error) {
	return ecdh.P256().NewPublicKey(raw)
}

// Agree runs ECDH between priv and the peer's public key, returning the raw
// shared secret to feed into HKDF.
func Agree(priv *ecdh.PrivateKey, peerPub *ecdh.PublicKey) ([]byte, error) {
	return priv.ECDH(peerPub)
}
