package securechannel

import (
	"crypto/x509"

	"github.com/mirko-laruina/four-in-a-row/internal/cryptoops"
	"github.com/mirko-laruina/four-in-a-row/internal/framing"
	"github.com/mirko-laruina/four-in-a-row/internal/wire"
)

// PeerCertResolver looks up the certificate a claimed identity should
// authenticate with. A server responder backs this with its peer
// certificate directory (C5); a peer-to-peer responder backs it with the
// single certificate GAME_START already handed it.
type PeerCertResolver func(identity string) (*x509.Certificate, error)

// FetchPeerCertificate sends CERT_REQ and validates the CERTIFICATE reply
// against store before the handshake proceeds. Used by the side that does
// not already know the peer's certificate (the client, acquiring the
// server's certificate; a peer, acquiring its opponent's).
func FetchPeerCertificate(conn *framing.Conn, store *cryptoops.TrustStore) (*x509.Certificate, error) {
	req := &wire.CertReq{}
	enc, err := req.Encode(nil)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteFrame(enc); err != nil {
		return nil, err
	}

	body, err := conn.ReadFrame()
	if err != nil {
		return nil, err
	}
	decoded, err := wire.Decode(body)
	if err != nil {
		return nil, err
	}
	certMsg, ok := decoded.(*wire.Certificate)
	if !ok {
		return nil, ErrUnexpectedMessage
	}

	cert, err := x509.ParseCertificate(certMsg.CertDER)
	if err != nil {
		return nil, err
	}
	if err := store.ValidateCert(cert); err != nil {
		return nil, err
	}
	return cert, nil
}

// ServeCertificateRequest waits for a CERT_REQ and answers with myCert. Used
// by the side whose certificate is being requested.
func ServeCertificateRequest(conn *framing.Conn, myCert *x509.Certificate) error {
	body, err := conn.ReadFrame()
	if err != nil {
		return err
	}
	decoded, err := wire.Decode(body)
	if err != nil {
		return err
	}
	if _, ok := decoded.(*wire.CertReq); !ok {
		return ErrUnexpectedMessage
	}

	reply := &wire.Certificate{CertDER: myCert.Raw}
	enc, err := reply.Encode(nil)
	if err != nil {
		return err
	}
	return conn.WriteFrame(enc)
}
