package matchmaking

import (
	"crypto/x509"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirko-laruina/four-in-a-row/internal/certdir"
	"github.com/mirko-laruina/four-in-a-row/internal/cryptoops"
	"github.com/mirko-laruina/four-in-a-row/internal/framing"
	"github.com/mirko-laruina/four-in-a-row/internal/registry"
	"github.com/mirko-laruina/four-in-a-row/internal/securechannel"
	"github.com/mirko-laruina/four-in-a-row/internal/testpki"
	"github.com/mirko-laruina/four-in-a-row/internal/wire"
)

// channelPair runs a real handshake over a net.Pipe and returns the
// initiator's channel (kept by the test, standing in for the remote
// client) and the responder's channel (assigned to the registry.User,
// standing in for the server's view of that connection).
func channelPair(t *testing.T, ca *testpki.CA, clientIdentity, serverIdentity string) (clientSide, serverSide *securechannel.Channel) {
	t.Helper()

	clientLeaf, err := ca.IssueLeaf(clientIdentity)
	require.NoError(t, err)
	serverLeaf, err := ca.IssueLeaf(serverIdentity)
	require.NoError(t, err)

	clientConnRaw, serverConnRaw := net.Pipe()
	clientConn := framing.New(clientConnRaw)
	serverConn := framing.New(serverConnRaw)

	serverDone := make(chan *securechannel.Channel, 1)
	serverErr := make(chan error, 1)
	go func() {
		responder := securechannel.NewResponder(serverIdentity, serverLeaf.Cert, serverLeaf.Key, func(identity string) (*x509.Certificate, error) {
			return clientLeaf.Cert, nil
		})

		helloFrame, err := serverConn.ReadFrame()
		if err != nil {
			serverErr <- err
			return
		}
		helloMsg, err := wire.Decode(helloFrame)
		if err != nil {
			serverErr <- err
			return
		}
		reply, _, err := responder.HandleMessage(serverConn, helloMsg)
		if err != nil {
			serverErr <- err
			return
		}
		encoded, err := reply.Encode(nil)
		if err != nil {
			serverErr <- err
			return
		}
		if err := serverConn.WriteFrame(encoded); err != nil {
			serverErr <- err
			return
		}

		verifyFrame, err := serverConn.ReadFrame()
		if err != nil {
			serverErr <- err
			return
		}
		verifyMsg, err := wire.Decode(verifyFrame)
		if err != nil {
			serverErr <- err
			return
		}
		_, channel, err := responder.HandleMessage(serverConn, verifyMsg)
		if err != nil {
			serverErr <- err
			return
		}
		serverDone <- channel
	}()

	clientChannel, err := securechannel.Initiate(clientConn, clientIdentity, clientLeaf.Key, serverIdentity, serverLeaf.Cert)
	require.NoError(t, err)

	select {
	case ch := <-serverDone:
		serverSide = ch
	case err := <-serverErr:
		t.Fatalf("responder handshake failed: %v", err)
	}
	return clientChannel, serverSide
}

// recvMsgAsync reads and decodes one message from ch on a goroutine,
// needed because net.Pipe's Send blocks until a concurrent Recv drains it.
func recvMsgAsync(ch *securechannel.Channel) <-chan wire.Message {
	out := make(chan wire.Message, 1)
	go func() {
		pt, err := ch.Recv()
		if err != nil {
			out <- nil
			return
		}
		msg, err := wire.Decode(pt)
		if err != nil {
			out <- nil
			return
		}
		out <- msg
	}()
	return out
}

func writeCert(t *testing.T, dir, name string, leaf *testpki.Leaf) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), leaf.PEM(), 0o600))
}

// setupPair builds a registry with two AVAILABLE users, alice and bob, each
// wired to a real established Channel so sends the handler makes can be
// observed on the corresponding client-side channel kept by the test.
func setupPair(t *testing.T) (h *Handler, reg *registry.Registry, u, v *registry.User, uClient, vClient *securechannel.Channel) {
	t.Helper()

	ca, err := testpki.NewCA()
	require.NoError(t, err)
	crl, err := ca.EmptyCRL()
	require.NoError(t, err)
	store, err := cryptoops.NewTrustStore(ca.CAPEM(), crl)
	require.NoError(t, err)

	aliceClient, aliceServer := channelPair(t, ca, "alice", "relay")
	bobClient, bobServer := channelPair(t, ca, "bob", "relay")

	tmpDir := t.TempDir()
	aliceLeaf, err := ca.IssueLeaf("alice")
	require.NoError(t, err)
	bobLeaf, err := ca.IssueLeaf("bob")
	require.NoError(t, err)
	writeCert(t, tmpDir, "alice.pem", aliceLeaf)
	writeCert(t, tmpDir, "bob.pem", bobLeaf)
	dir, err := certdir.Load(tmpDir, store)
	require.NoError(t, err)

	reg = registry.New(10)
	u = registry.NewUser(1, nil, nil, wire.Addr{IP: [4]byte{10, 0, 0, 1}, Port: 4000})
	u.Identity = "alice"
	u.State = registry.StateAvailable
	u.Channel = aliceServer
	require.NoError(t, reg.Add(u))

	v = registry.NewUser(2, nil, nil, wire.Addr{IP: [4]byte{10, 0, 0, 2}, Port: 5000})
	v.Identity = "bob"
	v.State = registry.StateAvailable
	v.Channel = bobServer
	require.NoError(t, reg.Add(v))

	relayLeaf, err := ca.IssueLeaf("relay")
	require.NoError(t, err)
	h = New(reg, dir, relayLeaf.Cert)
	return h, reg, u, v, aliceClient, bobClient
}

func TestChallengeForwardedAndBothChallenged(t *testing.T) {
	h, _, u, v, _, vClient := setupPair(t)

	fwdCh := recvMsgAsync(vClient)
	require.NoError(t, h.HandleChallenge(u, &wire.Challenge{Opponent: "bob"}))

	fwd, ok := (<-fwdCh).(*wire.ChallengeFwd)
	require.True(t, ok)
	assert.Equal(t, "alice", fwd.Challenger)

	u.Lock()
	assert.Equal(t, registry.StateChallenged, u.State)
	assert.Equal(t, "bob", u.Opponent)
	u.Unlock()

	v.Lock()
	assert.Equal(t, registry.StateChallenged, v.State)
	assert.Equal(t, "alice", v.Opponent)
	v.Unlock()
}

func TestChallengeUnknownOpponentCancelled(t *testing.T) {
	h, _, u, _, uClient, _ := setupPair(t)

	cancelCh := recvMsgAsync(uClient)
	require.NoError(t, h.HandleChallenge(u, &wire.Challenge{Opponent: "carol"}))

	gc, ok := (<-cancelCh).(*wire.GameCancel)
	require.True(t, ok)
	assert.Equal(t, "carol", gc.Opponent)

	u.Lock()
	assert.Equal(t, registry.StateAvailable, u.State)
	u.Unlock()
}

func TestChallengeResponseAcceptedPromotesBothToPlaying(t *testing.T) {
	h, _, u, v, uClient, vClient := setupPair(t)

	fwdCh := recvMsgAsync(vClient)
	require.NoError(t, h.HandleChallenge(u, &wire.Challenge{Opponent: "bob"}))
	require.NotNil(t, <-fwdCh)

	uStartCh := recvMsgAsync(uClient)
	vStartCh := recvMsgAsync(vClient)
	require.NoError(t, h.HandleChallengeResp(v, &wire.ChallengeResp{Accept: true, ListenPort: 6000, Challenger: "alice"}))

	uStart, ok := (<-uStartCh).(*wire.GameStart)
	require.True(t, ok)
	assert.Equal(t, "bob", uStart.Opponent)
	assert.Equal(t, uint16(6000), uStart.Addr.Port)

	vStart, ok := (<-vStartCh).(*wire.GameStart)
	require.True(t, ok)
	assert.Equal(t, "alice", vStart.Opponent)
	assert.Equal(t, uint16(0), vStart.Addr.Port)

	u.Lock()
	assert.Equal(t, registry.StatePlaying, u.State)
	u.Unlock()
	v.Lock()
	assert.Equal(t, registry.StatePlaying, v.State)
	v.Unlock()
}

func TestChallengeResponseRefusedReturnsBothToAvailable(t *testing.T) {
	h, _, u, v, uClient, vClient := setupPair(t)

	fwdCh := recvMsgAsync(vClient)
	require.NoError(t, h.HandleChallenge(u, &wire.Challenge{Opponent: "bob"}))
	require.NotNil(t, <-fwdCh)

	cancelCh := recvMsgAsync(uClient)
	require.NoError(t, h.HandleChallengeResp(v, &wire.ChallengeResp{Accept: false, Challenger: "alice"}))

	gc, ok := (<-cancelCh).(*wire.GameCancel)
	require.True(t, ok)
	assert.Equal(t, "bob", gc.Opponent)

	u.Lock()
	assert.Equal(t, registry.StateAvailable, u.State)
	u.Unlock()
	v.Lock()
	assert.Equal(t, registry.StateAvailable, v.State)
	v.Unlock()
}

// TestUsersListReqIncludingCallerDoesNotDeadlock exercises the one case
// ListAvailable must handle safely: u is itself AVAILABLE and therefore one
// of the candidates the registry inspects. A handler that held u's lock
// across the call would self-deadlock instead of returning.
func TestUsersListReqIncludingCallerDoesNotDeadlock(t *testing.T) {
	h, _, u, _, uClient, _ := setupPair(t)

	listCh := recvMsgAsync(uClient)
	done := make(chan error, 1)
	go func() { done <- h.HandleUsersListReq(u, &wire.UsersListReq{Offset: 0}) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("HandleUsersListReq deadlocked")
	}

	list, ok := (<-listCh).(*wire.UsersList)
	require.True(t, ok)
	assert.Contains(t, list.Identities, "alice")
	assert.Contains(t, list.Identities, "bob")
}

func TestOrderedPairIsDeterministicRegardlessOfCallOrder(t *testing.T) {
	a := &registry.User{Identity: "alice"}
	b := &registry.User{Identity: "bob"}

	first1, second1 := orderedPair(a, b)
	first2, second2 := orderedPair(b, a)
	assert.Same(t, first1, first2)
	assert.Same(t, second1, second2)
	assert.Equal(t, "alice", first1.Identity)
}

func TestCertReqAnsweredInTheClearBeforeHandshake(t *testing.T) {
	ca, err := testpki.NewCA()
	require.NoError(t, err)
	relayLeaf, err := ca.IssueLeaf("relay")
	require.NoError(t, err)

	clientRaw, serverRaw := net.Pipe()
	clientConn := framing.New(clientRaw)
	serverConn := framing.New(serverRaw)

	reg := registry.New(10)
	u := registry.NewUser(1, serverConn, nil, wire.Addr{})
	require.NoError(t, reg.Add(u))

	h := New(reg, nil, relayLeaf.Cert)

	errCh := make(chan error, 1)
	go func() { errCh <- h.HandleCertReq(u, &wire.CertReq{}) }()

	reply, err := clientConn.ReadFrame()
	require.NoError(t, err)
	decoded, err := wire.Decode(reply)
	require.NoError(t, err)
	cert, ok := decoded.(*wire.Certificate)
	require.True(t, ok)
	assert.Equal(t, relayLeaf.Cert.Raw, cert.CertDER)

	require.NoError(t, <-errCh)

	u.Lock()
	assert.Equal(t, registry.StateJustConnected, u.State)
	u.Unlock()
}
