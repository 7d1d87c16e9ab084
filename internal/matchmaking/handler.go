// Package matchmaking implements the per-user state machine: handshake
// bootstrap, registration, challenge dispatch, and challenge response. Every
// exported Handle* method is invoked by the dispatcher's worker pool with
// no lock held on the acting user; each method manages its own per-user
// (and, for two-party operations, paired) locking.
package matchmaking

import (
	"crypto/x509"

	"github.com/rs/zerolog/log"

	"github.com/mirko-laruina/four-in-a-row/internal/certdir"
	"github.com/mirko-laruina/four-in-a-row/internal/registry"
	"github.com/mirko-laruina/four-in-a-row/internal/wire"
)

// Handler wires the registry, the peer certificate directory, and this
// server's own certificate into the state-transition table spec's
// matchmaking section describes.
type Handler struct {
	reg    *registry.Registry
	certs  *certdir.Directory
	myCert *x509.Certificate
}

// New builds a Handler bound to reg and certs, replying to CERT_REQ with
// myCert.
func New(reg *registry.Registry, certs *certdir.Directory, myCert *x509.Certificate) *Handler {
	return &Handler{reg: reg, certs: certs, myCert: myCert}
}

func sendMsg(u *registry.User, msg wire.Message) error {
	encoded, err := msg.Encode(nil)
	if err != nil {
		return err
	}
	return u.Channel.Send(encoded)
}

// Dispatch routes one decoded message to the handler for u's current
// matchmaking phase. It is the single entry point the dispatcher calls per
// (user, message) pair pulled off the work queue.
func (h *Handler) Dispatch(u *registry.User, msg wire.Message) error {
	switch m := msg.(type) {
	case *wire.ClientHello:
		return h.HandleClientHello(u, m)
	case *wire.ClientVerify:
		return h.HandleClientVerify(u, m)
	case *wire.CertReq:
		return h.HandleCertReq(u, m)
	case *wire.Register:
		return h.HandleRegister(u, m)
	case *wire.UsersListReq:
		return h.HandleUsersListReq(u, m)
	case *wire.Challenge:
		return h.HandleChallenge(u, m)
	case *wire.ChallengeResp:
		return h.HandleChallengeResp(u, m)
	case *wire.GameEnd:
		return h.HandleGameEnd(u, m)
	default:
		log.Warn().Str("identity", u.Identity).Msg("matchmaking: unhandled message type")
		return ErrProtocolViolation
	}
}

// HandleClientHello advances a still-handshaking connection on CLIENT_HELLO.
// It is only valid in JUST_CONNECTED, driving the embedded securechannel
// Responder rather than matchmaking state directly.
func (h *Handler) HandleClientHello(u *registry.User, hello *wire.ClientHello) error {
	u.Lock()
	defer u.Unlock()

	if u.State != registry.StateJustConnected || u.Responder == nil {
		return ErrProtocolViolation
	}

	reply, _, err := u.Responder.HandleMessage(u.Conn, hello)
	if err != nil {
		u.State = registry.StateDisconnected
		return err
	}
	if reply == nil {
		return nil
	}
	encoded, err := reply.Encode(nil)
	if err != nil {
		u.State = registry.StateDisconnected
		return err
	}
	return u.Conn.WriteFrame(encoded)
}

// HandleClientVerify completes the handshake: JUST_CONNECTED -> SECURELY_CONNECTED.
func (h *Handler) HandleClientVerify(u *registry.User, verify *wire.ClientVerify) error {
	u.Lock()
	defer u.Unlock()

	if u.State != registry.StateJustConnected || u.Responder == nil {
		return ErrProtocolViolation
	}

	_, channel, err := u.Responder.HandleMessage(u.Conn, verify)
	if err != nil {
		u.State = registry.StateDisconnected
		return err
	}
	u.Channel = channel
	u.Responder = nil
	u.State = registry.StateSecurelyConnected
	return nil
}

// HandleCertReq answers CERT_REQ with this server's own certificate, sent
// in the clear over the raw connection: it arrives before the handshake
// that would otherwise authenticate the channel, exactly so the client can
// validate it ahead of CLIENT_HELLO. Valid only in JUST_CONNECTED, and it
// does not itself advance the state machine.
func (h *Handler) HandleCertReq(u *registry.User, _ *wire.CertReq) error {
	u.Lock()
	defer u.Unlock()

	if u.State != registry.StateJustConnected {
		return ErrProtocolViolation
	}
	reply := &wire.Certificate{CertDER: h.myCert.Raw}
	encoded, err := reply.Encode(nil)
	if err != nil {
		return err
	}
	return u.Conn.WriteFrame(encoded)
}

// HandleRegister claims an identity for u: SECURELY_CONNECTED -> AVAILABLE on
// success, SECURELY_CONNECTED -> DISCONNECTED if the identity does not match
// the authenticated peer identity from the handshake or is already taken.
//
// u's lock is released before calling TryBindIdentity, which takes the
// registry's own mutex: Registry.Yield locks registry-then-user, so holding
// u's lock across a call that acquires the registry mutex would invert that
// order and risks an AB-BA deadlock against a concurrent Yield.
func (h *Handler) HandleRegister(u *registry.User, msg *wire.Register) error {
	u.Lock()
	if u.State != registry.StateSecurelyConnected || u.Channel == nil {
		u.Unlock()
		return ErrProtocolViolation
	}
	authenticated := msg.Identity != "" && msg.Identity == u.Channel.PeerIdentity()
	u.Unlock()

	bound := authenticated && h.reg.TryBindIdentity(u, msg.Identity)

	u.Lock()
	defer u.Unlock()
	if u.State != registry.StateSecurelyConnected {
		return nil
	}
	if !bound {
		u.State = registry.StateDisconnected
		return nil
	}
	u.State = registry.StateAvailable
	return nil
}

// HandleUsersListReq answers USERS_LIST_REQ with one page of available
// identities. Valid only while AVAILABLE. u's own lock is released before
// calling ListAvailable: u is itself AVAILABLE and therefore one of the
// candidates ListAvailable locks to check state, and stateMu is not
// reentrant; holding it across that call would deadlock u against itself.
func (h *Handler) HandleUsersListReq(u *registry.User, msg *wire.UsersListReq) error {
	u.Lock()
	valid := u.State == registry.StateAvailable
	u.Unlock()
	if !valid {
		return ErrProtocolViolation
	}

	ids := h.reg.ListAvailable(int(msg.Offset))

	u.Lock()
	defer u.Unlock()
	if u.State != registry.StateAvailable {
		return ErrProtocolViolation
	}
	return sendMsg(u, &wire.UsersList{Identities: ids})
}

// HandleGameEnd returns a finished player to the pool: PLAYING -> AVAILABLE.
func (h *Handler) HandleGameEnd(u *registry.User, _ *wire.GameEnd) error {
	u.Lock()
	defer u.Unlock()

	if u.State != registry.StatePlaying {
		return ErrProtocolViolation
	}
	u.State = registry.StateAvailable
	u.Opponent = ""
	return nil
}

// HandleDisconnect marks u DISCONNECTED once its underlying connection is
// gone, from whatever state it was in. Called by the dispatcher directly,
// not routed through Dispatch, since it has no wire message of its own.
func (h *Handler) HandleDisconnect(u *registry.User) {
	u.Lock()
	u.State = registry.StateDisconnected
	u.Unlock()
}

// cancel sends GAME_CANCEL(opponent) to u, logging but not propagating a
// send failure: the caller is already on a failure path and has no better
// response to a second one.
func cancel(u *registry.User, opponent string) {
	if err := sendMsg(u, &wire.GameCancel{Opponent: opponent}); err != nil {
		log.Warn().Err(err).Str("identity", u.Identity).Msg("matchmaking: GAME_CANCEL send failed")
	}
}

// HandleChallenge runs the six-step challenge dispatch algorithm: validate
// the target, acquire both per-user locks in ascending order, recheck both
// are still AVAILABLE, forward the challenge, and transition both to
// CHALLENGED only if the forward was delivered.
func (h *Handler) HandleChallenge(u *registry.User, msg *wire.Challenge) error {
	v := msg.Opponent

	if v == "" || v == u.Identity {
		u.Lock()
		cancel(u, v)
		u.Unlock()
		return nil
	}

	peer, ok := h.reg.GetByID(v)
	if !ok {
		u.Lock()
		cancel(u, v)
		u.Unlock()
		return nil
	}
	defer h.reg.Yield(peer)

	withPair(u, peer, func() {
		if u.State != registry.StateAvailable {
			return
		}
		if peer.State != registry.StateAvailable {
			cancel(u, v)
			return
		}

		if err := sendMsg(peer, &wire.ChallengeFwd{Challenger: u.Identity}); err != nil {
			peer.State = registry.StateDisconnected
			cancel(u, v)
			return
		}

		u.State = registry.StateChallenged
		u.Opponent = v
		peer.State = registry.StateChallenged
		peer.Opponent = u.Identity
	})
	return nil
}

// HandleChallengeResp runs the challenge response algorithm: U is V's
// recorded opponent. A refusal returns both to AVAILABLE; acceptance looks
// up both certificates, sends GAME_START to both, and promotes both to
// PLAYING only if both sends succeeded.
func (h *Handler) HandleChallengeResp(v *registry.User, msg *wire.ChallengeResp) error {
	v.Lock()
	uID := v.Opponent
	valid := v.State == registry.StateChallenged && uID != "" && msg.Challenger == uID
	if !valid {
		v.State = registry.StateAvailable
		cancel(v, uID)
	}
	v.Unlock()
	if !valid {
		return nil
	}

	u, ok := h.reg.GetByID(uID)
	if !ok {
		v.Lock()
		v.State = registry.StateAvailable
		cancel(v, uID)
		v.Unlock()
		return nil
	}
	defer h.reg.Yield(u)

	withPair(u, v, func() {
		if u.Opponent != v.Identity || u.State != registry.StateChallenged {
			v.State = registry.StateAvailable
			cancel(v, uID)
			return
		}

		if !msg.Accept {
			v.State = registry.StateAvailable
			v.Opponent = ""
			if err := sendMsg(u, &wire.GameCancel{Opponent: v.Identity}); err != nil {
				u.State = registry.StateDisconnected
			} else {
				u.State = registry.StateAvailable
				u.Opponent = ""
			}
			return
		}

		h.acceptChallenge(u, v, msg.ListenPort)
	})
	return nil
}

// acceptChallenge runs under both per-user locks: it resolves each side's
// certificate, sends GAME_START carrying the opponent's rewritten address
// and certificate, and settles both users' states according to which sends
// succeeded.
func (h *Handler) acceptChallenge(u, v *registry.User, listenPort uint16) {
	certV, okV := h.certs.Lookup(v.Identity)
	certU, okU := h.certs.Lookup(u.Identity)
	if !okV || !okU {
		u.State = registry.StateAvailable
		v.State = registry.StateAvailable
		cancel(u, v.Identity)
		cancel(v, u.Identity)
		return
	}

	addrV := v.RemoteAddr.WithPort(listenPort)
	addrU := u.RemoteAddr.WithPort(0)

	errU := sendMsg(u, &wire.GameStart{Opponent: v.Identity, Addr: addrV, OpponentDER: certV.Raw})
	errV := sendMsg(v, &wire.GameStart{Opponent: u.Identity, Addr: addrU, OpponentDER: certU.Raw})

	switch {
	case errU == nil && errV == nil:
		u.State = registry.StatePlaying
		v.State = registry.StatePlaying
	case errU != nil && errV != nil:
		u.State = registry.StateDisconnected
		v.State = registry.StateDisconnected
	case errU != nil:
		u.State = registry.StateDisconnected
		v.State = registry.StateAvailable
		v.Opponent = ""
		cancel(v, u.Identity)
	default:
		v.State = registry.StateDisconnected
		u.State = registry.StateAvailable
		u.Opponent = ""
		cancel(u, v.Identity)
	}
}
