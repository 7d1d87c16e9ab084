// Package wire implements the tagged message codec: encode/decode of every
// typed message to and from a byte buffer using explicit bounds-checked
// primitives and network byte order.
package wire

import (
	"encoding/binary"
	"errors"
)

// Tag identifies a message type on the wire. Every message starts with
// exactly one Tag byte.
type Tag byte

const (
	TagSecureMessage Tag = 0x01
	TagClientHello   Tag = 0x02
	TagServerHello   Tag = 0x03
	TagClientVerify  Tag = 0x04
	TagCertReq       Tag = 0x05
	TagCertificate   Tag = 0x06
	TagRegister      Tag = 0x07
	TagUsersListReq  Tag = 0x08
	TagUsersList     Tag = 0x09
	TagChallenge     Tag = 0x0A
	TagChallengeFwd  Tag = 0x0B
	TagChallengeResp Tag = 0x0C
	TagGameStart     Tag = 0x0D
	TagGameCancel    Tag = 0x0E
	TagGameEnd       Tag = 0x0F
	TagStartGamePeer Tag = 0x10
	TagMove          Tag = 0x11
)

func (t Tag) String() string {
	switch t {
	case TagSecureMessage:
		return "SECURE_MESSAGE"
	case TagClientHello:
		return "CLIENT_HELLO"
	case TagServerHello:
		return "SERVER_HELLO"
	case TagClientVerify:
		return "CLIENT_VERIFY"
	case TagCertReq:
		return "CERT_REQ"
	case TagCertificate:
		return "CERTIFICATE"
	case TagRegister:
		return "REGISTER"
	case TagUsersListReq:
		return "USERS_LIST_REQ"
	case TagUsersList:
		return "USERS_LIST"
	case TagChallenge:
		return "CHALLENGE"
	case TagChallengeFwd:
		return "CHALLENGE_FWD"
	case TagChallengeResp:
		return "CHALLENGE_RESP"
	case TagGameStart:
		return "GAME_START"
	case TagGameCancel:
		return "GAME_CANCEL"
	case TagGameEnd:
		return "GAME_END"
	case TagStartGamePeer:
		return "START_GAME_PEER"
	case TagMove:
		return "MOVE"
	default:
		return "UNKNOWN_TAG"
	}
}

// MinUsernameLength and MaxUsernameLength are the identity length bounds.
// The codec enforces only MaxUsernameLength and non-emptiness; it does not
// check MinUsernameLength, so a one-byte identity encodes without error.
const (
	MinUsernameLength = 2
	MaxUsernameLength = 16

	// identityFieldLen is MAX_USERNAME_LENGTH + 1: the fixed, NUL-padded
	// on-wire width of an identity field.
	identityFieldLen = MaxUsernameLength + 1
)

var (
	ErrShortBuffer     = errors.New("wire: buffer too small for field")
	ErrUnknownTag      = errors.New("wire: unknown message tag")
	ErrIdentityTooLong = errors.New("wire: identity exceeds MAX_USERNAME_LENGTH")
	ErrIdentityEmpty   = errors.New("wire: identity must not be empty")
)

// Message is the tagged sum type every decoded payload satisfies.
type Message interface {
	Tag() Tag
	// Encode appends this message's tag and payload to dst, growing it as
	// needed, and returns the result.
	Encode(dst []byte) ([]byte, error)
}

// encoder walks a destination buffer with an explicit cursor, the way
// serdes.Header.Serialize does, except it grows dst on demand instead of
// requiring pre-sized capacity.
type encoder struct {
	buf []byte
}

func newEncoder(tag Tag) *encoder {
	return &encoder{buf: append(make([]byte, 0, 32), byte(tag))}
}

func (e *encoder) bytes() []byte { return e.buf }

func (e *encoder) putU8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *encoder) putBool(v bool) {
	if v {
		e.putU8(1)
	} else {
		e.putU8(0)
	}
}

func (e *encoder) putU16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) putU32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) putRaw(v []byte) {
	e.buf = append(e.buf, v...)
}

// putOpaque writes a u32 length prefix followed by v.
func (e *encoder) putOpaque(v []byte) {
	e.putU32(uint32(len(v)))
	e.putRaw(v)
}

// putIdentity writes id into a fixed identityFieldLen, NUL-padded field.
func (e *encoder) putIdentity(id string) error {
	if len(id) == 0 {
		return ErrIdentityEmpty
	}
	if len(id) > MaxUsernameLength {
		return ErrIdentityTooLong
	}
	var field [identityFieldLen]byte
	copy(field[:], id)
	e.putRaw(field[:])
	return nil
}

// decoder walks a source buffer with an explicit cursor and a remaining-size
// check ahead of every read, mirroring DeserializeHeader's bounds discipline.
type decoder struct {
	buf []byte
	pos int
}

func newDecoder(buf []byte) *decoder {
	return &decoder{buf: buf}
}

func (d *decoder) remaining() int { return len(d.buf) - d.pos }

func (d *decoder) requireTag(want Tag) error {
	if d.remaining() < 1 {
		return ErrShortBuffer
	}
	got := Tag(d.buf[d.pos])
	d.pos++
	if got != want {
		return ErrUnknownTag
	}
	return nil
}

func (d *decoder) getU8() (uint8, error) {
	if d.remaining() < 1 {
		return 0, ErrShortBuffer
	}
	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

func (d *decoder) getBool() (bool, error) {
	v, err := d.getU8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (d *decoder) getU16() (uint16, error) {
	if d.remaining() < 2 {
		return 0, ErrShortBuffer
	}
	v := binary.BigEndian.Uint16(d.buf[d.pos : d.pos+2])
	d.pos += 2
	return v, nil
}

func (d *decoder) getU32() (uint32, error) {
	if d.remaining() < 4 {
		return 0, ErrShortBuffer
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos : d.pos+4])
	d.pos += 4
	return v, nil
}

// getRaw returns the next n bytes as a fresh copy so the returned message
// never aliases the decode buffer.
func (d *decoder) getRaw(n int) ([]byte, error) {
	if d.remaining() < n {
		return nil, ErrShortBuffer
	}
	out := make([]byte, n)
	copy(out, d.buf[d.pos:d.pos+n])
	d.pos += n
	return out, nil
}

// getRest returns every remaining byte as a fresh copy.
func (d *decoder) getRest() []byte {
	out := make([]byte, d.remaining())
	copy(out, d.buf[d.pos:])
	d.pos = len(d.buf)
	return out
}

func (d *decoder) getOpaque() ([]byte, error) {
	n, err := d.getU32()
	if err != nil {
		return nil, err
	}
	return d.getRaw(int(n))
}

// getIdentity reads a fixed identityFieldLen field, truncating at the first
// NUL or at MaxUsernameLength, whichever comes first.
func (d *decoder) getIdentity() (string, error) {
	raw, err := d.getRaw(identityFieldLen)
	if err != nil {
		return "", err
	}
	n := len(raw)
	for i, b := range raw {
		if b == 0 {
			n = i
			break
		}
	}
	if n > MaxUsernameLength {
		n = MaxUsernameLength
	}
	return string(raw[:n]), nil
}

// AppendIdentity appends id's fixed NUL-padded on-wire form to dst. It is
// exported for the handshake transcript, which signs the same fixed-width
// identity encoding used on the wire without wrapping it in a tagged
// message.
func AppendIdentity(dst []byte, id string) ([]byte, error) {
	if len(id) == 0 {
		return nil, ErrIdentityEmpty
	}
	if len(id) > MaxUsernameLength {
		return nil, ErrIdentityTooLong
	}
	var field [identityFieldLen]byte
	copy(field[:], id)
	return append(dst, field[:]...), nil
}

// AppendU32 appends v as 4 big-endian bytes to dst.
func AppendU32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

// Decode dispatches on the leading tag and returns the concrete Message.
// Unknown tags fail closed per spec.
func Decode(buf []byte) (Message, error) {
	if len(buf) < 1 {
		return nil, ErrShortBuffer
	}
	tag := Tag(buf[0])
	switch tag {
	case TagSecureMessage:
		return decodeSecureMessage(buf)
	case TagClientHello:
		return decodeClientHello(buf)
	case TagServerHello:
		return decodeServerHello(buf)
	case TagClientVerify:
		return decodeClientVerify(buf)
	case TagCertReq:
		return decodeCertReq(buf)
	case TagCertificate:
		return decodeCertificate(buf)
	case TagRegister:
		return decodeRegister(buf)
	case TagUsersListReq:
		return decodeUsersListReq(buf)
	case TagUsersList:
		return decodeUsersList(buf)
	case TagChallenge:
		return decodeChallenge(buf)
	case TagChallengeFwd:
		return decodeChallengeFwd(buf)
	case TagChallengeResp:
		return decodeChallengeResp(buf)
	case TagGameStart:
		return decodeGameStart(buf)
	case TagGameCancel:
		return decodeGameCancel(buf)
	case TagGameEnd:
		return decodeGameEnd(buf)
	case TagStartGamePeer:
		return decodeStartGamePeer(buf)
	case TagMove:
		return decodeMove(buf)
	default:
		return nil, ErrUnknownTag
	}
}
