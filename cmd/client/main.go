package main

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mirko-laruina/four-in-a-row/internal/cryptoops"
	"github.com/mirko-laruina/four-in-a-row/internal/exitcode"
	"github.com/mirko-laruina/four-in-a-row/internal/framing"
	"github.com/mirko-laruina/four-in-a-row/internal/netutil"
	"github.com/mirko-laruina/four-in-a-row/internal/securechannel"
	"github.com/mirko-laruina/four-in-a-row/internal/wire"
)

var rootCmd = &cobra.Command{
	Use:   "fourinarow-client <cert> <key> <ca_cert> <crl> [peer_cert]",
	Short: "Interactive matchmaking client for four-in-a-row",
	Args:  cobra.RangeArgs(4, 5),
	RunE:  runClient,
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("fourinarow-client: fatal")
		os.Exit(exitcode.FatalConfig)
	}
}

func runClient(cmd *cobra.Command, args []string) error {
	certPath, keyPath, caPath, crlPath := args[0], args[1], args[2], args[3]

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return fmt.Errorf("reading certificate: %w", err)
	}
	myCert, err := cryptoops.ParseCertificatePEM(certPEM)
	if err != nil {
		return fmt.Errorf("parsing certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return fmt.Errorf("reading private key: %w", err)
	}
	myKey, err := cryptoops.ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return fmt.Errorf("parsing private key: %w", err)
	}

	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return fmt.Errorf("reading CA certificate: %w", err)
	}
	var crlDER []byte
	if crlPath != "" {
		if crlDER, err = os.ReadFile(crlPath); err != nil {
			return fmt.Errorf("reading CRL: %w", err)
		}
	}
	store, err := cryptoops.NewTrustStore(caPEM, crlDER)
	if err != nil {
		return fmt.Errorf("building trust store: %w", err)
	}

	var knownPeerCert *x509.Certificate
	if len(args) == 5 {
		peerPEM, err := os.ReadFile(args[4])
		if err != nil {
			return fmt.Errorf("reading peer certificate: %w", err)
		}
		knownPeerCert, err = cryptoops.ParseCertificatePEM(peerPEM)
		if err != nil {
			return fmt.Errorf("parsing peer certificate: %w", err)
		}
	}

	repl := &replState{
		identity:      myCert.Subject.CommonName,
		myCert:        myCert,
		myKey:         myKey,
		store:         store,
		knownPeerCert: knownPeerCert,
	}
	repl.run()
	return nil
}

// replState holds the one matchmaking-server connection and the one
// opponent connection a client session can have open at a time, plus
// whatever state the interactive verbs need between lines of input.
type replState struct {
	identity string
	myCert   *x509.Certificate
	myKey    *ecdsa.PrivateKey
	store    *cryptoops.TrustStore

	knownPeerCert *x509.Certificate

	mu              sync.Mutex
	server          *securechannel.Channel
	pendingOpponent string // identity of a CHALLENGE_FWD awaiting y/n
}

func (r *replState) run() {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("fourinarow client ready. Commands: server, peer, offline, list, challenge <id>, y, n, exit")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "server":
			r.cmdServer(fields[1:])
		case "peer":
			r.cmdPeer(fields[1:])
		case "offline":
			fmt.Println("offline play is not implemented by this client")
		case "list":
			r.cmdList()
		case "challenge":
			r.cmdChallenge(fields[1:])
		case "y":
			r.cmdRespond(true)
		case "n":
			r.cmdRespond(false)
		case "exit":
			r.close()
			return
		default:
			fmt.Println("unrecognized command:", fields[0])
		}
	}
}

// cmdServer implements `server <host> <port> <cert_path>`: dial, run the
// handshake, send REGISTER, and start a background reader for whatever the
// server pushes (USERS_LIST, CHALLENGE_FWD, GAME_START, GAME_CANCEL).
func (r *replState) cmdServer(args []string) {
	if len(args) != 3 {
		fmt.Println("usage: server <host> <port> <cert_path>")
		return
	}
	host, port, certPath := args[0], args[1], args[2]

	serverPEM, err := os.ReadFile(certPath)
	if err != nil {
		fmt.Println("reading server certificate:", err)
		return
	}
	serverCert, err := cryptoops.ParseCertificatePEM(serverPEM)
	if err != nil {
		fmt.Println("parsing server certificate:", err)
		return
	}
	if err := r.store.ValidateCert(serverCert); err != nil {
		fmt.Println("server certificate rejected:", err)
		return
	}

	raw, err := net.Dial("tcp", net.JoinHostPort(host, port))
	if err != nil {
		fmt.Println("connect failed:", err)
		os.Exit(exitcode.Connection)
	}
	netutil.SetTCPNoDelay(raw)
	conn := framing.New(raw)

	channel, err := securechannel.Initiate(conn, r.identity, r.myKey, serverCert.Subject.CommonName, serverCert)
	if err != nil {
		fmt.Println("handshake failed:", err)
		raw.Close()
		os.Exit(exitcode.Connection)
	}

	reg := &wire.Register{Identity: r.identity}
	encoded, err := reg.Encode(nil)
	if err != nil || channel.Send(encoded) != nil {
		fmt.Println("registration failed")
		raw.Close()
		return
	}

	r.mu.Lock()
	r.server = channel
	r.mu.Unlock()

	go r.readServerLoop(channel)
	fmt.Println("connected and registered as", r.identity)
}

// cmdPeer implements `peer <host> <port> <cert_path>` (the challenger dials
// the address and listen port GAME_START carried) and
// `peer <listen_port> <cert_path>` (the side that accepted the challenge
// waits for the challenger to dial in). When the client
// was started with the optional fifth [peer_cert] argument, the cert_path
// may be dropped: `peer <host> <port>` and `peer <listen_port>` fall back
// to that pinned certificate instead of re-reading one from disk each
// time. The actual board protocol is out of scope; this only proves the
// two clients can open a direct mutually authenticated channel.
func (r *replState) cmdPeer(args []string) {
	switch len(args) {
	case 1:
		if r.knownPeerCert == nil {
			fmt.Println("peer <listen_port> requires a [peer_cert] given at startup")
			return
		}
		r.peerListenCert(args[0], r.knownPeerCert)
	case 2:
		if _, err := strconv.Atoi(args[1]); err == nil {
			if r.knownPeerCert == nil {
				fmt.Println("peer <host> <port> requires a [peer_cert] given at startup")
				return
			}
			r.peerDialCert(args[0], args[1], r.knownPeerCert)
			return
		}
		r.peerListen(args[0], args[1])
	case 3:
		r.peerDial(args[0], args[1], args[2])
	default:
		fmt.Println("usage: peer <host> <port> [cert_path]  OR  peer <listen_port> [cert_path]")
	}
}

func (r *replState) peerDial(host, port, certPath string) {
	peerPEM, err := os.ReadFile(certPath)
	if err != nil {
		fmt.Println("reading peer certificate:", err)
		return
	}
	peerCert, err := cryptoops.ParseCertificatePEM(peerPEM)
	if err != nil {
		fmt.Println("parsing peer certificate:", err)
		return
	}
	r.peerDialCert(host, port, peerCert)
}

func (r *replState) peerDialCert(host, port string, peerCert *x509.Certificate) {
	raw, err := net.Dial("tcp", net.JoinHostPort(host, port))
	if err != nil {
		fmt.Println("connect to peer failed:", err)
		return
	}
	netutil.SetTCPNoDelay(raw)
	conn := framing.New(raw)
	_, err = securechannel.Initiate(conn, r.identity, r.myKey, peerCert.Subject.CommonName, peerCert)
	if err != nil {
		fmt.Println("peer handshake failed:", err)
		raw.Close()
		return
	}
	fmt.Println("connected to", peerCert.Subject.CommonName)
}

func (r *replState) peerListen(listenPort, certPath string) {
	peerPEM, err := os.ReadFile(certPath)
	if err != nil {
		fmt.Println("reading peer certificate:", err)
		return
	}
	peerCert, err := cryptoops.ParseCertificatePEM(peerPEM)
	if err != nil {
		fmt.Println("parsing peer certificate:", err)
		return
	}
	r.peerListenCert(listenPort, peerCert)
}

func (r *replState) peerListenCert(listenPort string, peerCert *x509.Certificate) {
	listener, err := net.Listen("tcp", net.JoinHostPort("", listenPort))
	if err != nil {
		fmt.Println("listen failed:", err)
		return
	}
	fmt.Println("waiting for", peerCert.Subject.CommonName, "on port", listenPort)

	go func() {
		defer listener.Close()
		raw, err := listener.Accept()
		if err != nil {
			return
		}
		conn := framing.New(raw)
		resolve := func(identity string) (*x509.Certificate, error) {
			if identity != peerCert.Subject.CommonName {
				return nil, securechannel.ErrCertUnavailable
			}
			return peerCert, nil
		}
		responder := securechannel.NewResponder(r.identity, r.myCert, r.myKey, resolve)
		hello, err := conn.ReadFrame()
		if err != nil {
			return
		}
		helloMsg, err := wire.Decode(hello)
		if err != nil {
			return
		}
		reply, _, err := responder.HandleMessage(conn, helloMsg)
		if err != nil {
			return
		}
		encoded, err := reply.Encode(nil)
		if err != nil || conn.WriteFrame(encoded) != nil {
			return
		}
		verify, err := conn.ReadFrame()
		if err != nil {
			return
		}
		verifyMsg, err := wire.Decode(verify)
		if err != nil {
			return
		}
		if _, _, err := responder.HandleMessage(conn, verifyMsg); err != nil {
			fmt.Println("peer handshake failed:", err)
			return
		}
		fmt.Println("accepted connection from", peerCert.Subject.CommonName)
	}()
}

func (r *replState) cmdList() {
	channel := r.currentServer()
	if channel == nil {
		fmt.Println("not connected to a server")
		return
	}
	req := &wire.UsersListReq{Offset: 0}
	encoded, err := req.Encode(nil)
	if err != nil || channel.Send(encoded) != nil {
		fmt.Println("list request failed")
	}
}

func (r *replState) cmdChallenge(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: challenge <id>")
		return
	}
	channel := r.currentServer()
	if channel == nil {
		fmt.Println("not connected to a server")
		return
	}
	msg := &wire.Challenge{Opponent: args[0]}
	encoded, err := msg.Encode(nil)
	if err != nil || channel.Send(encoded) != nil {
		fmt.Println("challenge failed")
	}
}

func (r *replState) cmdRespond(accept bool) {
	r.mu.Lock()
	opponent := r.pendingOpponent
	r.pendingOpponent = ""
	channel := r.server
	r.mu.Unlock()

	if opponent == "" || channel == nil {
		fmt.Println("no pending challenge")
		return
	}
	msg := &wire.ChallengeResp{Accept: accept, Challenger: opponent}
	encoded, err := msg.Encode(nil)
	if err != nil || channel.Send(encoded) != nil {
		fmt.Println("response failed")
	}
}

func (r *replState) currentServer() *securechannel.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.server
}

// readServerLoop prints whatever the server pushes and tracks the one piece
// of state a later command needs: the challenger behind a pending y/n.
func (r *replState) readServerLoop(channel *securechannel.Channel) {
	for {
		plaintext, err := channel.Recv()
		if err != nil {
			fmt.Println("disconnected from server:", err)
			return
		}
		msg, err := wire.Decode(plaintext)
		if err != nil {
			fmt.Println("malformed message from server:", err)
			return
		}
		switch m := msg.(type) {
		case *wire.UsersList:
			fmt.Println("available:", strings.Join(m.Identities, ", "))
		case *wire.ChallengeFwd:
			r.mu.Lock()
			r.pendingOpponent = m.Challenger
			r.mu.Unlock()
			fmt.Println(m.Challenger, "has challenged you. Reply y or n.")
		case *wire.GameCancel:
			fmt.Println("match with", m.Opponent, "was cancelled")
		case *wire.GameStart:
			fmt.Printf("match started with %s at %d.%d.%d.%d:%d\n", m.Opponent,
				m.Addr.IP[0], m.Addr.IP[1], m.Addr.IP[2], m.Addr.IP[3], m.Addr.Port)
		default:
			fmt.Printf("unexpected message from server: %T\n", m)
		}
	}
}

func (r *replState) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.server != nil {
		r.server.Close()
	}
}
