package securechannel

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	cryptorand "crypto/rand"
	"crypto/x509"
	"encoding/binary"

	"github.com/mirko-laruina/four-in-a-row/internal/cryptoops"
	"github.com/mirko-laruina/four-in-a-row/internal/framing"
	"github.com/mirko-laruina/four-in-a-row/internal/wire"
)

func randomNonce() (uint32, error) {
	var b [4]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// deriveDirectionalKeys expands the shared secret into the four session
// values, labeled "client"/"server" per the key schedule, and assembles
// them into the two directions Send/Recv need.
func deriveDirectionalKeys(sharedSecret []byte, clNonce, svNonce uint32) (clientKey, serverKey, clientIV, serverIV []byte, err error) {
	if clientKey, err = cryptoops.DeriveKey(sharedSecret, clNonce, svNonce, labelKeyClient, cryptoops.KeySize); err != nil {
		return
	}
	if serverKey, err = cryptoops.DeriveKey(sharedSecret, clNonce, svNonce, labelKeyServer, cryptoops.KeySize); err != nil {
		return
	}
	if clientIV, err = cryptoops.DeriveKey(sharedSecret, clNonce, svNonce, labelIVClient, cryptoops.IVSize); err != nil {
		return
	}
	if serverIV, err = cryptoops.DeriveKey(sharedSecret, clNonce, svNonce, labelIVServer, cryptoops.IVSize); err != nil {
		return
	}
	return
}

// Initiate drives the client half of the handshake over conn: it sends
// CLIENT_HELLO, processes SERVER_HELLO (verifying the responder's signature
// against peerCert), and sends CLIENT_VERIFY. It blocks until the channel
// is established or a fatal protocol error occurs.
func Initiate(conn *framing.Conn, myIdentity string, myKey *ecdsa.PrivateKey, peerIdentity string, peerCert *x509.Certificate) (*Channel, error) {
	clNonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	ephPriv, err := cryptoops.GenerateEphemeralKeyPair()
	if err != nil {
		return nil, err
	}
	ephPub := ephPriv.PublicKey().Bytes()

	hello := &wire.ClientHello{
		ClientNonce:  clNonce,
		MyIdentity:   myIdentity,
		PeerIdentity: peerIdentity,
		EphemeralKey: ephPub,
	}
	enc, err := hello.Encode(nil)
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
	serverHello, ok := decoded.(*wire.ServerHello)
	if !ok {
		return nil, ErrUnexpectedMessage
	}

	peerEphPub, err := cryptoops.ParsePublicKey(serverHello.EphemeralKey)
	if err != nil {
		return nil, err
	}
	sharedSecret, err := cryptoops.Agree(ephPriv, peerEphPub)
	if err != nil {
		return nil, err
	}

	transcript, err := buildTranscript(myIdentity, peerIdentity, clNonce, serverHello.ServerNonce, ephPub, serverHello.EphemeralKey)
	if err != nil {
		return nil, err
	}

	peerPub, ok := peerCert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, cryptoops.ErrUnsupportedKeyType
	}
	if !cryptoops.Verify(peerPub, transcript, serverHello.Signature) {
		return nil, ErrSignatureInvalid
	}

	clientKey, serverKey, clientIV, serverIV, err := deriveDirectionalKeys(sharedSecret, clNonce, serverHello.ServerNonce)
	if err != nil {
		return nil, err
	}

	sig, err := cryptoops.Sign(myKey, transcript)
	if err != nil {
		return nil, err
	}
	verify := &wire.ClientVerify{Signature: sig}
	encVerify, err := verify.Encode(nil)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteFrame(encVerify); err != nil {
		return nil, err
	}

	return &Channel{
		conn:          conn,
		sendKey:       clientKey,
		recvKey:       serverKey,
		sendIVStatic:  clientIV,
		recvIVStatic:  serverIV,
		peerIdentity:  peerIdentity,
		peerCert:      peerCert,
		authenticated: true,
	}, nil
}

// responderStep tracks which handshake message Responder is still waiting
// for, enforcing the "exact step expected" rule: any message out of turn,
// including a repeated CLIENT_HELLO, is a fatal protocol error rather than
// silently restarting the exchange.
type responderStep int

const (
	stepAwaitHello responderStep = iota
	stepAwaitVerify
	stepDone
)

// Responder drives the server half of the handshake one message at a time,
// so the caller's dispatcher can interleave it with other readiness-driven
// work instead of blocking a worker on the exchange.
type Responder struct {
	myIdentity string
	myCert     *x509.Certificate
	myKey      *ecdsa.PrivateKey
	resolve    PeerCertResolver

	step responderStep

	initiatorID  string
	ephPriv      *ecdh.PrivateKey
	ephPub       []byte
	svNonce      uint32
	clNonce      uint32
	transcript   []byte
	sharedSecret []byte
	peerCert     *x509.Certificate
}

// NewResponder constructs a Responder bound to this server's own identity
// and key, and to resolve, which maps a claimed peer identity to the
// certificate it must authenticate with.
func NewResponder(myIdentity string, myCert *x509.Certificate, myKey *ecdsa.PrivateKey, resolve PeerCertResolver) *Responder {
	return &Responder{myIdentity: myIdentity, myCert: myCert, myKey: myKey, resolve: resolve}
}

// HandleMessage advances the handshake by one message. It returns a reply
// to send back (nil if none), and a non-nil *Channel once the handshake
// completes on the final CLIENT_VERIFY.
func (r *Responder) HandleMessage(conn *framing.Conn, msg wire.Message) (reply wire.Message, channel *Channel, err error) {
	switch r.step {
	case stepAwaitHello:
		hello, ok := msg.(*wire.ClientHello)
		if !ok {
			return nil, nil, ErrUnexpectedMessage
		}
		return r.handleClientHello(hello)

	case stepAwaitVerify:
		verify, ok := msg.(*wire.ClientVerify)
		if !ok {
			return nil, nil, ErrUnexpectedMessage
		}
		ch, err := r.handleClientVerify(conn, verify)
		return nil, ch, err

	default:
		return nil, nil, ErrDuplicateHandshake
	}
}

func (r *Responder) handleClientHello(hello *wire.ClientHello) (wire.Message, *Channel, error) {
	if hello.PeerIdentity != r.myIdentity {
		return nil, nil, ErrUnexpectedMessage
	}

	peerCert, err := r.resolve(hello.MyIdentity)
	if err != nil {
		return nil, nil, ErrCertUnavailable
	}

	svNonce, err := randomNonce()
	if err != nil {
		return nil, nil, err
	}
	ephPriv, err := cryptoops.GenerateEphemeralKeyPair()
	if err != nil {
		return nil, nil, err
	}
	ephPub := ephPriv.PublicKey().Bytes()

	peerEphPub, err := cryptoops.ParsePublicKey(hello.EphemeralKey)
	if err != nil {
		return nil, nil, err
	}
	sharedSecret, err := cryptoops.Agree(ephPriv, peerEphPub)
	if err != nil {
		return nil, nil, err
	}

	transcript, err := buildTranscript(hello.MyIdentity, r.myIdentity, hello.ClientNonce, svNonce, hello.EphemeralKey, ephPub)
	if err != nil {
		return nil, nil, err
	}
	sig, err := cryptoops.Sign(r.myKey, transcript)
	if err != nil {
		return nil, nil, err
	}

	r.initiatorID = hello.MyIdentity
	r.ephPriv = ephPriv
	r.ephPub = ephPub
	r.svNonce = svNonce
	r.clNonce = hello.ClientNonce
	r.transcript = transcript
	r.sharedSecret = sharedSecret
	r.peerCert = peerCert
	r.step = stepAwaitVerify

	reply := &wire.ServerHello{
		ServerNonce:  svNonce,
		MyIdentity:   r.myIdentity,
		PeerIdentity: hello.MyIdentity,
		Signature:    sig,
		EphemeralKey: ephPub,
	}
	return reply, nil, nil
}

func (r *Responder) handleClientVerify(conn *framing.Conn, verify *wire.ClientVerify) (*Channel, error) {
	peerPub, ok := r.peerCert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		r.step = stepDone
		return nil, cryptoops.ErrUnsupportedKeyType
	}
	if !cryptoops.Verify(peerPub, r.transcript, verify.Signature) {
		r.step = stepDone
		return nil, ErrSignatureInvalid
	}

	clientKey, serverKey, clientIV, serverIV, err := deriveDirectionalKeys(r.sharedSecret, r.clNonce, r.svNonce)
	r.step = stepDone
	if err != nil {
		return nil, err
	}

	return &Channel{
		conn:          conn,
		sendKey:       serverKey,
		recvKey:       clientKey,
		sendIVStatic:  serverIV,
		recvIVStatic:  clientIV,
		peerIdentity:  r.initiatorID,
		peerCert:      r.peerCert,
		authenticated: true,
	}, nil
}
