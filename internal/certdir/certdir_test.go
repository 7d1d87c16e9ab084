package certdir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirko-laruina/four-in-a-row/internal/cryptoops"
	"github.com/mirko-laruina/four-in-a-row/internal/testpki"
)

func writePEM(t *testing.T, dir, name string, pem []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), pem, 0o600))
}

func TestLoadIndexesByCommonName(t *testing.T) {
	ca, err := testpki.NewCA()
	require.NoError(t, err)
	alice, err := ca.IssueLeaf("alice")
	require.NoError(t, err)
	bob, err := ca.IssueLeaf("bob")
	require.NoError(t, err)
	crl, err := ca.EmptyCRL()
	require.NoError(t, err)
	store, err := cryptoops.NewTrustStore(ca.CAPEM(), crl)
	require.NoError(t, err)

	dir := t.TempDir()
	writePEM(t, dir, "alice.pem", alice.PEM())
	writePEM(t, dir, "bob.pem", bob.PEM())

	d, err := Load(dir, store)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Len())

	cert, ok := d.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, alice.Cert.SerialNumber, cert.SerialNumber)

	_, ok = d.Lookup("mallory")
	assert.False(t, ok)
}

func TestLoadAbortsOnInvalidCertificate(t *testing.T) {
	ca, err := testpki.NewCA()
	require.NoError(t, err)
	otherCA, err := testpki.NewCA()
	require.NoError(t, err)
	rogue, err := otherCA.IssueLeaf("rogue")
	require.NoError(t, err)
	crl, err := ca.EmptyCRL()
	require.NoError(t, err)
	store, err := cryptoops.NewTrustStore(ca.CAPEM(), crl)
	require.NoError(t, err)

	dir := t.TempDir()
	writePEM(t, dir, "rogue.pem", rogue.PEM())

	_, err = Load(dir, store)
	assert.Error(t, err)
}

func TestLoadAbortsOnDuplicateIdentity(t *testing.T) {
	ca, err := testpki.NewCA()
	require.NoError(t, err)
	first, err := ca.IssueLeaf("alice")
	require.NoError(t, err)
	second, err := ca.IssueLeaf("alice")
	require.NoError(t, err)
	crl, err := ca.EmptyCRL()
	require.NoError(t, err)
	store, err := cryptoops.NewTrustStore(ca.CAPEM(), crl)
	require.NoError(t, err)

	dir := t.TempDir()
	writePEM(t, dir, "alice-1.pem", first.PEM())
	writePEM(t, dir, "alice-2.pem", second.PEM())

	_, err = Load(dir, store)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateIdentity)
}

func TestLoadEmptyDirectoryYieldsEmptyMap(t *testing.T) {
	ca, err := testpki.NewCA()
	require.NoError(t, err)
	crl, err := ca.EmptyCRL()
	require.NoError(t, err)
	store, err := cryptoops.NewTrustStore(ca.CAPEM(), crl)
	require.NoError(t, err)

	d, err := Load(t.TempDir(), store)
	require.NoError(t, err)
	assert.Equal(t, 0, d.Len())
}
