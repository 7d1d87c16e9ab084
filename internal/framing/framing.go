// Package framing implements length-prefixed record framing on a stream
// socket: one message per frame, with both a blocking read mode and a
// partial-read mode for cooperation with a readiness multiplexer.
package framing

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
)

const (
	// MaxFrameSize bounds the entire frame, length prefix included.
	MaxFrameSize = 8192

	// lengthPrefixSize is the width of LEN on the wire.
	lengthPrefixSize = 2

	// MinFrameSize is the smallest legal frame: the length prefix plus one
	// tag byte.
	MinFrameSize = lengthPrefixSize + 1
)

var (
	ErrFrameTooLarge  = errors.New("framing: frame exceeds maximum size")
	ErrFrameTooSmall  = errors.New("framing: frame below minimum size")
	ErrConnectionLost = errors.New("framing: connection lost")
)

// Assembler accumulates bytes handed to it by Feed and yields complete
// frames, independent of how those bytes arrived (a direct socket read, or
// a buffer delivered by a readiness multiplexer's completion callback). The
// server dispatcher (C8) feeds it bytes gaio hands back from WaitIO; Conn's
// own TryReadFrame feeds it bytes read directly off the socket.
type Assembler struct {
	lenBuf    [lengthPrefixSize]byte
	lenFilled int
	haveLen   bool
	body      []byte
	bodyFill  int
}

// Feed appends data to the frame in progress and reports whether a complete
// frame is now available. Bytes beyond the completed frame are not checked
// for and are dropped, so callers must feed at most one pending frame's
// worth at a time, which holds
// naturally for both direct reads (Conn) and gaio's per-submission buffers
// (sized to the outstanding frame remainder).
func (a *Assembler) Feed(data []byte) (msg []byte, ready bool, err error) {
	for len(data) > 0 {
		if !a.haveLen {
			n := copy(a.lenBuf[a.lenFilled:], data)
			a.lenFilled += n
			data = data[n:]
			if a.lenFilled < lengthPrefixSize {
				return nil, false, nil
			}

			total := int(binary.BigEndian.Uint16(a.lenBuf[:]))
			if total < MinFrameSize {
				return nil, false, ErrFrameTooSmall
			}
			if total > MaxFrameSize {
				return nil, false, ErrFrameTooLarge
			}
			a.haveLen = true
			a.body = make([]byte, total-lengthPrefixSize)
			a.bodyFill = 0
		}

		n := copy(a.body[a.bodyFill:], data)
		a.bodyFill += n
		data = data[n:]

		if a.bodyFill == len(a.body) {
			out := a.body
			a.reset()
			return out, true, nil
		}
	}
	return nil, false, nil
}

// Pending reports how many more bytes are needed to complete the frame in
// progress, for callers (the dispatcher) that must size their next read.
func (a *Assembler) Pending() int {
	if !a.haveLen {
		return lengthPrefixSize - a.lenFilled
	}
	return len(a.body) - a.bodyFill
}

func (a *Assembler) reset() {
	a.lenFilled = 0
	a.haveLen = false
	a.body = nil
	a.bodyFill = 0
}

// Conn wraps a net.Conn with frame-level read and write operations. It is
// not safe for concurrent use by multiple readers, nor by multiple writers;
// one reader goroutine and one writer goroutine may use it concurrently.
type Conn struct {
	net.Conn

	partial Assembler
	readBuf [MaxFrameSize]byte
}

// New wraps conn for frame-level I/O.
func New(conn net.Conn) *Conn {
	return &Conn{Conn: conn}
}

// WriteFrame sends msg as a single contiguous frame: a big-endian u16 length
// (including itself) followed by msg. It retries on short writes until the
// frame completes or the socket fails.
func (c *Conn) WriteFrame(msg []byte) error {
	total := lengthPrefixSize + len(msg)
	if total > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, total)
	binary.BigEndian.PutUint16(frame, uint16(total))
	copy(frame[lengthPrefixSize:], msg)

	written := 0
	for written < len(frame) {
		n, err := c.Conn.Write(frame[written:])
		if err != nil {
			if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
				return ErrConnectionLost
			}
			return err
		}
		written += n
	}
	return nil
}

// ReadFrame blocks until a complete frame arrives, then returns its message
// bytes (the length prefix stripped).
func (c *Conn) ReadFrame() ([]byte, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(c.Conn, lenBuf[:]); err != nil {
		return nil, wrapReadErr(err)
	}

	total := int(binary.BigEndian.Uint16(lenBuf[:]))
	if total < MinFrameSize {
		return nil, ErrFrameTooSmall
	}
	if total > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, total-lengthPrefixSize)
	if _, err := io.ReadFull(c.Conn, body); err != nil {
		return nil, wrapReadErr(err)
	}
	return body, nil
}

// TryReadFrame reads whatever is currently available on the socket and
// advances the frame assembled so far. It returns (msg, true, nil) once a
// full frame has accumulated, or (nil, false, nil) when the socket has no
// more data ready right now — the caller should retry once the readiness
// multiplexer signals the descriptor again.
func (c *Conn) TryReadFrame() (msg []byte, ready bool, err error) {
	want := c.partial.Pending()
	if want > len(c.readBuf) {
		want = len(c.readBuf)
	}

	n, readErr := c.Conn.Read(c.readBuf[:want])
	if n > 0 {
		msg, ready, err = c.partial.Feed(c.readBuf[:n])
		if err != nil || ready {
			return msg, ready, err
		}
	}
	if readErr != nil {
		return nil, false, classifyNonBlockingErr(readErr)
	}
	return nil, false, nil
}

func wrapReadErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return ErrConnectionLost
	}
	return err
}

// classifyNonBlockingErr treats a read deadline timeout as "no data yet"
// (nil error, ready == false) and everything else as connection loss,
// which is the contract TryReadFrame documents to its callers.
func classifyNonBlockingErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nil
	}
	return wrapReadErr(err)
}
