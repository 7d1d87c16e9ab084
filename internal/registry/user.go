package registry

import (
	"sync"

	"github.com/google/uuid"

	"github.com/mirko-laruina/four-in-a-row/internal/framing"
	"github.com/mirko-laruina/four-in-a-row/internal/securechannel"
	"github.com/mirko-laruina/four-in-a-row/internal/wire"
)

// ConnID identifies a connection the way the dispatcher's readiness
// multiplexer does — a raw descriptor, opaque to everything above C8.
type ConnID uint64

// User is one connected player's record: identity, connection, matchmaking
// state, and the secure channel carrying its traffic. stateMu is the
// per-user lock from spec's concurrency model — it protects State,
// Opponent, and any send on Channel, and is always acquired by callers
// after the registry's own mutex has been released.
type User struct {
	stateMu sync.Mutex

	TraceID    uuid.UUID
	ConnID     ConnID
	Identity   string
	State      State
	Opponent   string
	RemoteAddr wire.Addr

	Conn      *framing.Conn
	Responder *securechannel.Responder
	Channel   *securechannel.Channel

	refcount int
}

// NewUser creates a fresh record in its initial state: JUST_CONNECTED, no
// identity yet, with a handshake in progress on conn via responder.
func NewUser(connID ConnID, conn *framing.Conn, responder *securechannel.Responder, remoteAddr wire.Addr) *User {
	return &User{
		TraceID:    uuid.New(),
		ConnID:     connID,
		State:      StateJustConnected,
		Conn:       conn,
		Responder:  responder,
		RemoteAddr: remoteAddr,
	}
}

// Lock acquires the per-user lock. Callers must already have released the
// registry mutex before calling this, per spec's lock-ordering rule.
func (u *User) Lock() { u.stateMu.Lock() }

// Unlock releases the per-user lock.
func (u *User) Unlock() { u.stateMu.Unlock() }
