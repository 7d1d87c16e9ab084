package cryptoops

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey expands ikm into length bytes of key material labeled by label
// and bound to both handshake nonces. info is label ∥ nonce_a ∥ nonce_b with
// each nonce serialized little-endian over 4 bytes, exactly as the key
// schedule requires so both sides derive identical, direction-labeled
// outputs from the same shared secret.
func DeriveKey(ikm []byte, nonceA, nonceB uint32, label string, length int) ([]byte, error) {
	info := make([]byte, 0, len(label)+8)
	info = append(info, label...)
	var nb [4]byte
	binary.LittleEndian.PutUint32(nb[:], nonceA)
	info = append(info, nb[:]...)
	binary.LittleEndian.PutUint32(nb[:], nonceB)
	info = append(info, nb[:]...)

	reader := hkdf.New(sha256.New, ikm, nil, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
