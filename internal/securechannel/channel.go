// Package securechannel implements the handshake state machine and the
// authenticated-encryption record layer built on top of a framed
// transport: session key derivation, per-record IV construction, AEAD
// encrypt/decrypt bound to the frame header via AAD, and strictly
// monotonic sequence tracking in both directions.
package securechannel

import (
	"crypto/x509"
	"encoding/binary"
	"math"

	"github.com/mirko-laruina/four-in-a-row/internal/cryptoops"
	"github.com/mirko-laruina/four-in-a-row/internal/framing"
	"github.com/mirko-laruina/four-in-a-row/internal/wire"
)

// Channel is an established, mutually authenticated, forward-secret secure
// channel over a framed connection. It owns its key material and sequence
// counters; Close zeroizes them.
type Channel struct {
	conn *framing.Conn

	sendKey, recvKey           []byte
	sendIVStatic, recvIVStatic []byte
	sendSeq, recvSeq           uint64

	peerIdentity string
	peerCert     *x509.Certificate

	authenticated bool
}

// PeerIdentity returns the identity bound by the handshake's signature
// verification.
func (c *Channel) PeerIdentity() string { return c.peerIdentity }

// PeerCertificate returns the certificate the peer authenticated with.
func (c *Channel) PeerCertificate() *x509.Certificate { return c.peerCert }

// Authenticated reports whether the handshake completed and this
// direction's records may be sent/accepted — the peer authentication gate.
func (c *Channel) Authenticated() bool { return c.authenticated }

// computeIV XORs the static IV with the sequence counter placed
// little-endian at the low 8 bytes and zero-padded at the high 4 bytes.
func computeIV(staticIV []byte, seq uint64) []byte {
	iv := make([]byte, cryptoops.IVSize)
	copy(iv, staticIV)
	var seqBytes [8]byte
	binary.LittleEndian.PutUint64(seqBytes[:], seq)
	for i := range seqBytes {
		iv[i] ^= seqBytes[i]
	}
	return iv
}

// secureMessageFrameLen computes the total on-wire frame length (length
// prefix included) a SECURE_MESSAGE carrying ciphertextLen bytes of
// ciphertext will occupy, so the AAD can bind to it before the frame is
// actually assembled.
func secureMessageFrameLen(ciphertextLen int) int {
	const lengthPrefixSize = 2
	const tagByteSize = 1
	const opaqueLenPrefixSize = 4
	return lengthPrefixSize + tagByteSize + opaqueLenPrefixSize + ciphertextLen + cryptoops.TagSize
}

// buildAAD returns the three-byte AAD bound into every SECURE_MESSAGE:
// (frame_length_big_endian_u16, SECURE_MESSAGE_tag_u8).
func buildAAD(frameLen int) []byte {
	aad := make([]byte, 3)
	binary.BigEndian.PutUint16(aad[:2], uint16(frameLen))
	aad[2] = byte(wire.TagSecureMessage)
	return aad
}

// Send encrypts plaintext as one SECURE_MESSAGE record and writes it as a
// single frame. send_seq only advances once the frame is fully written.
func (c *Channel) Send(plaintext []byte) error {
	if !c.authenticated {
		return ErrPeerNotAuthenticated
	}
	if c.sendSeq == math.MaxUint64 {
		return ErrSequenceOverflow
	}

	iv := computeIV(c.sendIVStatic, c.sendSeq)
	frameLen := secureMessageFrameLen(len(plaintext))
	aad := buildAAD(frameLen)

	ciphertext, tag, err := cryptoops.Seal(c.sendKey, iv, aad, plaintext)
	if err != nil {
		return err
	}

	scratch := acquireBuffer(len(ciphertext))
	scratch.B = append(scratch.B, ciphertext...)
	msg := &wire.SecureMessage{Ciphertext: scratch.B}
	copy(msg.AuthTag[:], tag)
	encoded, err := msg.Encode(nil)
	releaseBuffer(scratch)
	if err != nil {
		return err
	}

	if err := c.conn.WriteFrame(encoded); err != nil {
		return err
	}
	c.sendSeq++
	return nil
}

// Recv blocks for the next frame, decrypts it, and returns the plaintext.
// Any non-SECURE_MESSAGE frame after the channel is established is a fatal
// protocol error. recv_seq only advances once AEAD verification succeeds.
func (c *Channel) Recv() ([]byte, error) {
	body, err := c.conn.ReadFrame()
	if err != nil {
		return nil, err
	}
	return c.openFrame(body)
}

// TryRecv is Recv's non-blocking counterpart, built on Conn.TryReadFrame.
// The server dispatcher does not use it: it feeds bytes through its own
// Assembler and calls Open instead.
func (c *Channel) TryRecv() (plaintext []byte, ready bool, err error) {
	body, ready, err := c.conn.TryReadFrame()
	if err != nil || !ready {
		return nil, ready, err
	}
	plaintext, err = c.openFrame(body)
	return plaintext, true, err
}

// Open decrypts a frame body obtained by some means other than c's own
// ReadFrame — the server dispatcher feeds it bytes its Assembler has already
// reconstructed from a readiness multiplexer's completions. Sequencing rules
// are identical to Recv: recv_seq only advances on successful verification.
func (c *Channel) Open(body []byte) ([]byte, error) {
	return c.openFrame(body)
}

func (c *Channel) openFrame(body []byte) ([]byte, error) {
	if !c.authenticated {
		return nil, ErrPeerNotAuthenticated
	}
	if c.recvSeq == math.MaxUint64 {
		return nil, ErrSequenceOverflow
	}

	decoded, err := wire.Decode(body)
	if err != nil {
		return nil, err
	}
	sm, ok := decoded.(*wire.SecureMessage)
	if !ok {
		return nil, ErrCleartextAfterEstablished
	}

	const lengthPrefixSize = 2
	iv := computeIV(c.recvIVStatic, c.recvSeq)
	aad := buildAAD(lengthPrefixSize + len(body))

	plaintext, err := cryptoops.Open(c.recvKey, iv, aad, sm.Ciphertext, sm.AuthTag[:])
	if err != nil {
		return nil, err
	}

	scratch := acquireBuffer(len(plaintext))
	scratch.B = append(scratch.B, plaintext...)
	out := append([]byte(nil), scratch.B...)
	releaseBuffer(scratch)

	c.recvSeq++
	return out, nil
}

// SendSeq and RecvSeq expose the sequence counters for tests and metrics.
func (c *Channel) SendSeq() uint64 { return c.sendSeq }
func (c *Channel) RecvSeq() uint64 { return c.recvSeq }

// Close zeroizes key material and sequence state. The channel must not be
// used afterward.
func (c *Channel) Close() {
	wipe(c.sendKey)
	wipe(c.recvKey)
	wipe(c.sendIVStatic)
	wipe(c.recvIVStatic)
	c.sendSeq, c.recvSeq = 0, 0
	c.authenticated = false
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
