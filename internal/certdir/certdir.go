// Package certdir loads the set of long-term certificates every registered
// identity is allowed to authenticate with. It is built once at startup and
// is read-only thereafter, so lookups need no synchronization.
package certdir

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mirko-laruina/four-in-a-row/internal/cryptoops"
)

var (
	// ErrDuplicateIdentity means two distinct certificate files produced the
	// same common name; directory load aborts rather than silently
	// last-wins, sharpening "any invalid certificate aborts startup" to also
	// cover identity collisions.
	ErrDuplicateIdentity = errors.New("certdir: duplicate identity across certificate files")
	ErrEmptyIdentity     = errors.New("certdir: certificate has empty common name")
)

// Directory maps a registered identity to the certificate it authenticated
// with at load time.
type Directory struct {
	byIdentity map[string]*x509.Certificate
}

// Load globs *.pem under dir, validates each certificate against store, and
// keys the result by common name. Any invalid certificate or any CN
// collision aborts the whole load — a partially trusted directory is never
// handed back.
func Load(dir string, store *cryptoops.TrustStore) (*Directory, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.pem"))
	if err != nil {
		return nil, err
	}

	byIdentity := make(map[string]*x509.Certificate, len(matches))
	for _, path := range matches {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("certdir: reading %s: %w", path, err)
		}
		cert, err := cryptoops.ParseCertificatePEM(raw)
		if err != nil {
			return nil, fmt.Errorf("certdir: parsing %s: %w", path, err)
		}
		if err := store.ValidateCert(cert); err != nil {
			return nil, fmt.Errorf("certdir: validating %s: %w", path, err)
		}

		identity := cert.Subject.CommonName
		if identity == "" {
			return nil, fmt.Errorf("certdir: %s: %w", path, ErrEmptyIdentity)
		}
		if _, exists := byIdentity[identity]; exists {
			return nil, fmt.Errorf("certdir: %s: %w: %q", path, ErrDuplicateIdentity, identity)
		}
		byIdentity[identity] = cert
	}

	return &Directory{byIdentity: byIdentity}, nil
}

// Lookup returns the certificate registered for identity, or false if no
// certificate file produced that common name.
func (d *Directory) Lookup(identity string) (*x509.Certificate, bool) {
	cert, ok := d.byIdentity[identity]
	return cert, ok
}

// Len reports how many identities the directory holds.
func (d *Directory) Len() int { return len(d.byIdentity) }
