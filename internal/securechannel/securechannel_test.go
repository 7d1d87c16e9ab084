package securechannel

import (
	"crypto/x509"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mirko-laruina/four-in-a-row/internal/cryptoops"
	"github.com/mirko-laruina/four-in-a-row/internal/framing"
	"github.com/mirko-laruina/four-in-a-row/internal/testpki"
	"github.com/mirko-laruina/four-in-a-row/internal/wire"
)

// snoopConn wraps a net.Conn and remembers the bytes of the most recent
// Write call, so tests can replay or tamper with an on-wire frame that
// already passed through a real Channel.Send.
type snoopConn struct {
	net.Conn
	mu   sync.Mutex
	last []byte
}

func (s *snoopConn) Write(b []byte) (int, error) {
	s.mu.Lock()
	s.last = append([]byte(nil), b...)
	s.mu.Unlock()
	return s.Conn.Write(b)
}

func (s *snoopConn) lastFrame() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.last...)
}

func staticResolver(cert *x509.Certificate) PeerCertResolver {
	return func(identity string) (*x509.Certificate, error) { return cert, nil }
}

// establishedPair runs a full handshake over an in-memory pipe and returns
// both established channels plus the client's snooping conn for replay and
// tamper tests.
func establishedPair(t *testing.T) (client *Channel, server *Channel, clientSnoop *snoopConn) {
	t.Helper()

	ca, err := testpki.NewCA()
	require.NoError(t, err)
	aliceLeaf, err := ca.IssueLeaf("alice")
	require.NoError(t, err)
	bobLeaf, err := ca.IssueLeaf("bob")
	require.NoError(t, err)

	clientRaw, serverRaw := net.Pipe()
	clientSnoop = &snoopConn{Conn: clientRaw}
	clientConn := framing.New(clientSnoop)
	serverConn := framing.New(serverRaw)

	serverResponder := NewResponder("bob", bobLeaf.Cert, bobLeaf.Key, staticResolver(aliceLeaf.Cert))

	serverCh := make(chan *Channel, 1)
	serverErr := make(chan error, 1)
	go func() {
		helloBody, err := serverConn.ReadFrame()
		if err != nil {
			serverErr <- err
			return
		}
		helloMsg, err := wire.Decode(helloBody)
		if err != nil {
			serverErr <- err
			return
		}
		reply, _, err := serverResponder.HandleMessage(serverConn, helloMsg)
		if err != nil {
			serverErr <- err
			return
		}
		enc, err := reply.Encode(nil)
		if err != nil {
			serverErr <- err
			return
		}
		if err := serverConn.WriteFrame(enc); err != nil {
			serverErr <- err
			return
		}

		verifyBody, err := serverConn.ReadFrame()
		if err != nil {
			serverErr <- err
			return
		}
		verifyMsg, err := wire.Decode(verifyBody)
		if err != nil {
			serverErr <- err
			return
		}
		_, ch, err := serverResponder.HandleMessage(serverConn, verifyMsg)
		if err != nil {
			serverErr <- err
			return
		}
		serverCh <- ch
	}()

	clientChannel, err := Initiate(clientConn, "alice", aliceLeaf.Key, "bob", bobLeaf.Cert)
	require.NoError(t, err)

	select {
	case ch := <-serverCh:
		return clientChannel, ch, clientSnoop
	case err := <-serverErr:
		t.Fatalf("server handshake failed: %v", err)
		return nil, nil, nil
	}
}

func TestHandshakeMirrorsSessionKeys(t *testing.T) {
	client, server, _ := establishedPair(t)
	require.True(t, client.Authenticated())
	require.True(t, server.Authenticated())

	require.Equal(t, client.sendKey, server.recvKey)
	require.Equal(t, client.recvKey, server.sendKey)
	require.Equal(t, client.sendIVStatic, server.recvIVStatic)
	require.Equal(t, client.recvIVStatic, server.sendIVStatic)

	require.Equal(t, "bob", client.PeerIdentity())
	require.Equal(t, "alice", server.PeerIdentity())
}

// asyncSend runs Send on a goroutine since net.Pipe's Write blocks until a
// matching Read drains it; the caller must Recv concurrently, not after.
func asyncSend(ch *Channel, payload []byte) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- ch.Send(payload) }()
	return errCh
}

func TestSendRecvRoundTrip(t *testing.T) {
	client, server, _ := establishedPair(t)

	payload := []byte("move column 3")
	sendErr := asyncSend(client, payload)
	got, err := server.Recv()
	require.NoError(t, err)
	require.NoError(t, <-sendErr)
	require.Equal(t, payload, got)

	reply := []byte("column 3 accepted")
	sendErr = asyncSend(server, reply)
	got, err = client.Recv()
	require.NoError(t, err)
	require.NoError(t, <-sendErr)
	require.Equal(t, reply, got)
}

func TestReplayedFrameRejected(t *testing.T) {
	client, server, snoop := establishedPair(t)

	sendErr := asyncSend(client, []byte("first"))
	_, err := server.Recv()
	require.NoError(t, err)
	require.NoError(t, <-sendErr)

	replayed := snoop.lastFrame()
	go func() {
		_, _ = snoop.Conn.Write(replayed)
	}()
	_, err = server.Recv()
	require.Error(t, err)
}

func TestTamperedCiphertextRejected(t *testing.T) {
	client, server, _ := establishedPair(t)

	sendErr := asyncSend(client, []byte("move"))
	_, err := server.Recv()
	require.NoError(t, err)
	require.NoError(t, <-sendErr)

	// Take the next record off the wire undecrypted, so the only thing wrong
	// with it is the tampering below, not a stale sequence number.
	sendErr = asyncSend(client, []byte("another move"))
	tampered, err := server.conn.ReadFrame()
	require.NoError(t, err)
	require.NoError(t, <-sendErr)

	// The body is tag(1) ∥ ciphertext length(4) ∥ ciphertext ∥ auth tag(16);
	// flip the first ciphertext byte.
	tampered[5] ^= 0xFF
	_, err = server.Open(tampered)
	require.Error(t, err)
}

func TestDuplicateHandshakeMessageRejected(t *testing.T) {
	ca, err := testpki.NewCA()
	require.NoError(t, err)
	aliceLeaf, err := ca.IssueLeaf("alice")
	require.NoError(t, err)
	bobLeaf, err := ca.IssueLeaf("bob")
	require.NoError(t, err)

	responder := NewResponder("bob", bobLeaf.Cert, bobLeaf.Key, staticResolver(aliceLeaf.Cert))

	clNonce, err := randomNonce()
	require.NoError(t, err)
	ephPriv, err := cryptoops.GenerateEphemeralKeyPair()
	require.NoError(t, err)

	hello := &wire.ClientHello{
		ClientNonce:  clNonce,
		MyIdentity:   "alice",
		PeerIdentity: "bob",
		EphemeralKey: ephPriv.PublicKey().Bytes(),
	}

	_, _, err = responder.HandleMessage(nil, hello)
	require.NoError(t, err)

	// A second ClientHello while awaiting ClientVerify is out of order.
	_, _, err = responder.HandleMessage(nil, hello)
	require.Error(t, err)
}

func TestFixedAADTagByte(t *testing.T) {
	aad := buildAAD(123)
	require.Equal(t, byte(wire.TagSecureMessage), aad[2])
	require.Len(t, aad, 3)
}

func TestComputeIVDivergesPerSequence(t *testing.T) {
	staticIV := make([]byte, cryptoops.IVSize)
	for i := range staticIV {
		staticIV[i] = 0xAB
	}
	iv0 := computeIV(staticIV, 0)
	iv1 := computeIV(staticIV, 1)
	require.NotEqual(t, iv0, iv1)
}
