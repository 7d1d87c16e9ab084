package dispatcher

import (
	"net"

	"github.com/mirko-laruina/four-in-a-row/internal/framing"
	"github.com/mirko-laruina/four-in-a-row/internal/registry"
	"github.com/mirko-laruina/four-in-a-row/internal/wire"
)

// connState is the dispatcher's own bookkeeping for one accepted socket,
// keyed by connID in Dispatcher.conns: the registry's User plus the
// Assembler reconstructing frames from whatever gaio hands back from
// WaitIO, one partial read at a time.
type connState struct {
	user      *registry.User
	conn      net.Conn
	assembler framing.Assembler
}

// addrFromNetAddr converts a dialed or accepted socket's address into the
// wire format GAME_START carries. Only IPv4 is supported, matching the
// fixed 4-byte Addr on the wire.
func addrFromNetAddr(addr net.Addr) wire.Addr {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return wire.Addr{}
	}
	v4 := tcpAddr.IP.To4()
	if v4 == nil {
		return wire.Addr{Port: uint16(tcpAddr.Port)}
	}
	var out wire.Addr
	copy(out.IP[:], v4)
	out.Port = uint16(tcpAddr.Port)
	return out
}
