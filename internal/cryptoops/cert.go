package cryptoops

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"time"
)

// TrustStore holds a CA trust anchor and its revocation list. It is built
// once at startup and is read-only thereafter — safe for concurrent use by
// every connection without synchronization, per spec's "read-only after
// startup; no synchronization needed."
type TrustStore struct {
	pool *x509.CertPool
	ca   *x509.Certificate
	crl  *x509.RevocationList
}

// NewTrustStore parses a PEM-encoded CA certificate and a DER-encoded CRL
// and bundles them into a TrustStore. No certificate chain longer than
// CA -> leaf is supported, matching spec's explicit non-goal.
func NewTrustStore(caPEM, crlDER []byte) (*TrustStore, error) {
	block, _ := pem.Decode(caPEM)
	if block == nil {
		return nil, ErrCertChainInvalid
	}
	ca, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}

	pool := x509.NewCertPool()
	pool.AddCert(ca)

	var crl *x509.RevocationList
	if len(crlDER) > 0 {
		crl, err = x509.ParseRevocationList(crlDER)
		if err != nil {
			return nil, err
		}
	}

	return &TrustStore{pool: pool, ca: ca, crl: crl}, nil
}

// ParseCertificatePEM parses a single PEM-encoded X.509 certificate.
func ParseCertificatePEM(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrCertChainInvalid
	}
	return x509.ParseCertificate(block.Bytes)
}

// ParsePrivateKeyPEM parses a single PEM-encoded ECDSA private key, in
// either SEC1 or PKCS#8 form.
func ParsePrivateKeyPEM(pemBytes []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrCertChainInvalid
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, ErrUnsupportedKeyType
	}
	return ecKey, nil
}

// ValidateCert succeeds iff cert chains to the trust store's CA, is
// currently valid, and is not present on the CRL.
func (s *TrustStore) ValidateCert(cert *x509.Certificate) error {
	now := time.Now()
	if now.Before(cert.NotBefore) {
		return ErrCertNotYetValid
	}
	if now.After(cert.NotAfter) {
		return ErrCertExpired
	}

	opts := x509.VerifyOptions{
		Roots:     s.pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := cert.Verify(opts); err != nil {
		return ErrCertChainInvalid
	}

	if s.crl != nil {
		for _, revoked := range s.crl.RevokedCertificateEntries {
			if revoked.SerialNumber.Cmp(cert.SerialNumber) == 0 {
				return ErrCertRevoked
			}
		}
	}
	return nil
}

// CACertificate returns the trust anchor itself.
func (s *TrustStore) CACertificate() *x509.Certificate {
	return s.ca
}
