package cryptoops

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
)

// Sign produces an ASN.1 DER ECDSA signature over the SHA-256 digest of msg.
// The wire codec carries this signature length-prefixed (§9 Open Question 1)
// because its size varies with the curve.
func Sign(priv *ecdsa.PrivateKey, msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	return ecdsa.SignASN1(rand.Reader, priv, digest[:])
}

// Verify reports whether sig is a valid ECDSA signature over the SHA-256
// digest of msg under pub.
func Verify(pub *ecdsa.PublicKey, msg, sig []byte) bool {
	digest := sha256.Sum256(msg)
	return ecdsa.VerifyASN1(pub, digest[:], sig)
}
