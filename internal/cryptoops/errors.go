package cryptoops

import "errors"

var (
	ErrAEADOpenFailed     = errors.New("cryptoops: AEAD verification failed")
	ErrInvalidKeySize     = errors.New("cryptoops: invalid key size")
	ErrInvalidIVSize      = errors.New("cryptoops: invalid IV size")
	ErrSignatureInvalid   = errors.New("cryptoops: signature does not verify")
	ErrCertNotYetValid    = errors.New("cryptoops: certificate not yet valid")
	ErrCertExpired        = errors.New("cryptoops: certificate expired")
	ErrCertRevoked        = errors.New("cryptoops: certificate revoked")
	ErrCertChainInvalid   = errors.New("cryptoops: certificate does not chain to trust store")
	ErrUnsupportedKeyType = errors.New("cryptoops: unsupported public key type")
)
