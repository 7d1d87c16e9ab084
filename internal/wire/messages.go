package wire

// Addr is an IPv4 socket address: 4 address bytes followed by 2 port bytes,
// both big-endian, per spec's socket-address field kind.
type Addr struct {
	IP   [4]byte
	Port uint16
}

// WithPort returns a copy of a with Port replaced, used by the challenge
// response handler to rewrite listen ports for GAME_START.
func (a Addr) WithPort(port uint16) Addr {
	a.Port = port
	return a
}

func (e *encoder) putAddr(a Addr) {
	e.putRaw(a.IP[:])
	e.putU16(a.Port)
}

func (d *decoder) getAddr() (Addr, error) {
	raw, err := d.getRaw(4)
	if err != nil {
		return Addr{}, err
	}
	port, err := d.getU16()
	if err != nil {
		return Addr{}, err
	}
	var a Addr
	copy(a.IP[:], raw)
	a.Port = port
	return a, nil
}

// SecureMessage wraps every post-handshake record: AEAD ciphertext plus its
// 16-byte authentication tag.
type SecureMessage struct {
	Ciphertext []byte
	AuthTag    [16]byte
}

func (m *SecureMessage) Tag() Tag { return TagSecureMessage }

func (m *SecureMessage) Encode(dst []byte) ([]byte, error) {
	e := newEncoder(TagSecureMessage)
	e.putOpaque(m.Ciphertext)
	e.putRaw(m.AuthTag[:])
	return append(dst, e.bytes()...), nil
}

func decodeSecureMessage(buf []byte) (Message, error) {
	d := newDecoder(buf)
	if err := d.requireTag(TagSecureMessage); err != nil {
		return nil, err
	}
	ct, err := d.getOpaque()
	if err != nil {
		return nil, err
	}
	tagBytes, err := d.getRaw(16)
	if err != nil {
		return nil, err
	}
	m := &SecureMessage{Ciphertext: ct}
	copy(m.AuthTag[:], tagBytes)
	return m, nil
}

// ClientHello is the initiator's opening handshake message.
type ClientHello struct {
	ClientNonce  uint32
	MyIdentity   string
	PeerIdentity string
	EphemeralKey []byte
}

func (m *ClientHello) Tag() Tag { return TagClientHello }

func (m *ClientHello) Encode(dst []byte) ([]byte, error) {
	e := newEncoder(TagClientHello)
	e.putU32(m.ClientNonce)
	if err := e.putIdentity(m.MyIdentity); err != nil {
		return nil, err
	}
	if err := e.putIdentity(m.PeerIdentity); err != nil {
		return nil, err
	}
	e.putOpaque(m.EphemeralKey)
	return append(dst, e.bytes()...), nil
}

func decodeClientHello(buf []byte) (Message, error) {
	d := newDecoder(buf)
	if err := d.requireTag(TagClientHello); err != nil {
		return nil, err
	}
	m := &ClientHello{}
	var err error
	if m.ClientNonce, err = d.getU32(); err != nil {
		return nil, err
	}
	if m.MyIdentity, err = d.getIdentity(); err != nil {
		return nil, err
	}
	if m.PeerIdentity, err = d.getIdentity(); err != nil {
		return nil, err
	}
	if m.EphemeralKey, err = d.getOpaque(); err != nil {
		return nil, err
	}
	return m, nil
}

// ServerHello is the responder's reply, carrying its signature over the
// server-role transcript.
type ServerHello struct {
	ServerNonce  uint32
	MyIdentity   string
	PeerIdentity string
	Signature    []byte
	EphemeralKey []byte
}

func (m *ServerHello) Tag() Tag { return TagServerHello }

func (m *ServerHello) Encode(dst []byte) ([]byte, error) {
	e := newEncoder(TagServerHello)
	e.putU32(m.ServerNonce)
	if err := e.putIdentity(m.MyIdentity); err != nil {
		return nil, err
	}
	if err := e.putIdentity(m.PeerIdentity); err != nil {
		return nil, err
	}
	e.putOpaque(m.Signature)
	e.putOpaque(m.EphemeralKey)
	return append(dst, e.bytes()...), nil
}

func decodeServerHello(buf []byte) (Message, error) {
	d := newDecoder(buf)
	if err := d.requireTag(TagServerHello); err != nil {
		return nil, err
	}
	m := &ServerHello{}
	var err error
	if m.ServerNonce, err = d.getU32(); err != nil {
		return nil, err
	}
	if m.MyIdentity, err = d.getIdentity(); err != nil {
		return nil, err
	}
	if m.PeerIdentity, err = d.getIdentity(); err != nil {
		return nil, err
	}
	if m.Signature, err = d.getOpaque(); err != nil {
		return nil, err
	}
	if m.EphemeralKey, err = d.getOpaque(); err != nil {
		return nil, err
	}
	return m, nil
}

// ClientVerify closes the handshake with the initiator's signature over the
// client-role transcript.
type ClientVerify struct {
	Signature []byte
}

func (m *ClientVerify) Tag() Tag { return TagClientVerify }

func (m *ClientVerify) Encode(dst []byte) ([]byte, error) {
	e := newEncoder(TagClientVerify)
	e.putOpaque(m.Signature)
	return append(dst, e.bytes()...), nil
}

func decodeClientVerify(buf []byte) (Message, error) {
	d := newDecoder(buf)
	if err := d.requireTag(TagClientVerify); err != nil {
		return nil, err
	}
	m := &ClientVerify{}
	var err error
	if m.Signature, err = d.getOpaque(); err != nil {
		return nil, err
	}
	return m, nil
}

// CertReq asks the peer for its certificate; it carries no fields.
type CertReq struct{}

func (m *CertReq) Tag() Tag { return TagCertReq }

func (m *CertReq) Encode(dst []byte) ([]byte, error) {
	return append(dst, byte(TagCertReq)), nil
}

func decodeCertReq(buf []byte) (Message, error) {
	d := newDecoder(buf)
	if err := d.requireTag(TagCertReq); err != nil {
		return nil, err
	}
	return &CertReq{}, nil
}

// Certificate carries a DER-encoded X.509 certificate.
type Certificate struct {
	CertDER []byte
}

func (m *Certificate) Tag() Tag { return TagCertificate }

func (m *Certificate) Encode(dst []byte) ([]byte, error) {
	e := newEncoder(TagCertificate)
	e.putOpaque(m.CertDER)
	return append(dst, e.bytes()...), nil
}

func decodeCertificate(buf []byte) (Message, error) {
	d := newDecoder(buf)
	if err := d.requireTag(TagCertificate); err != nil {
		return nil, err
	}
	m := &Certificate{}
	var err error
	if m.CertDER, err = d.getOpaque(); err != nil {
		return nil, err
	}
	return m, nil
}

// Register asks the server to bind the connection to Identity.
type Register struct {
	Identity string
}

func (m *Register) Tag() Tag { return TagRegister }

func (m *Register) Encode(dst []byte) ([]byte, error) {
	e := newEncoder(TagRegister)
	if err := e.putIdentity(m.Identity); err != nil {
		return nil, err
	}
	return append(dst, e.bytes()...), nil
}

func decodeRegister(buf []byte) (Message, error) {
	d := newDecoder(buf)
	if err := d.requireTag(TagRegister); err != nil {
		return nil, err
	}
	m := &Register{}
	var err error
	if m.Identity, err = d.getIdentity(); err != nil {
		return nil, err
	}
	return m, nil
}

// UsersListReq requests one page of available identities.
type UsersListReq struct {
	Offset uint32
}

func (m *UsersListReq) Tag() Tag { return TagUsersListReq }

func (m *UsersListReq) Encode(dst []byte) ([]byte, error) {
	e := newEncoder(TagUsersListReq)
	e.putU32(m.Offset)
	return append(dst, e.bytes()...), nil
}

func decodeUsersListReq(buf []byte) (Message, error) {
	d := newDecoder(buf)
	if err := d.requireTag(TagUsersListReq); err != nil {
		return nil, err
	}
	m := &UsersListReq{}
	var err error
	if m.Offset, err = d.getU32(); err != nil {
		return nil, err
	}
	return m, nil
}

// UsersList answers UsersListReq with a page of identities, each packed into
// the fixed NUL-padded identity width and concatenated back to back.
type UsersList struct {
	Identities []string
}

func (m *UsersList) Tag() Tag { return TagUsersList }

func (m *UsersList) Encode(dst []byte) ([]byte, error) {
	e := newEncoder(TagUsersList)
	for _, id := range m.Identities {
		if err := e.putIdentity(id); err != nil {
			return nil, err
		}
	}
	return append(dst, e.bytes()...), nil
}

func decodeUsersList(buf []byte) (Message, error) {
	d := newDecoder(buf)
	if err := d.requireTag(TagUsersList); err != nil {
		return nil, err
	}
	m := &UsersList{}
	if d.remaining()%identityFieldLen != 0 {
		return nil, ErrShortBuffer
	}
	count := d.remaining() / identityFieldLen
	m.Identities = make([]string, 0, count)
	for i := 0; i < count; i++ {
		id, err := d.getIdentity()
		if err != nil {
			return nil, err
		}
		m.Identities = append(m.Identities, id)
	}
	return m, nil
}

// Challenge asks the server to challenge Opponent on behalf of the sender.
type Challenge struct {
	Opponent string
}

func (m *Challenge) Tag() Tag { return TagChallenge }

func (m *Challenge) Encode(dst []byte) ([]byte, error) {
	e := newEncoder(TagChallenge)
	if err := e.putIdentity(m.Opponent); err != nil {
		return nil, err
	}
	return append(dst, e.bytes()...), nil
}

func decodeChallenge(buf []byte) (Message, error) {
	d := newDecoder(buf)
	if err := d.requireTag(TagChallenge); err != nil {
		return nil, err
	}
	m := &Challenge{}
	var err error
	if m.Opponent, err = d.getIdentity(); err != nil {
		return nil, err
	}
	return m, nil
}

// ChallengeFwd forwards a challenge to the challenged user.
type ChallengeFwd struct {
	Challenger string
}

func (m *ChallengeFwd) Tag() Tag { return TagChallengeFwd }

func (m *ChallengeFwd) Encode(dst []byte) ([]byte, error) {
	e := newEncoder(TagChallengeFwd)
	if err := e.putIdentity(m.Challenger); err != nil {
		return nil, err
	}
	return append(dst, e.bytes()...), nil
}

func decodeChallengeFwd(buf []byte) (Message, error) {
	d := newDecoder(buf)
	if err := d.requireTag(TagChallengeFwd); err != nil {
		return nil, err
	}
	m := &ChallengeFwd{}
	var err error
	if m.Challenger, err = d.getIdentity(); err != nil {
		return nil, err
	}
	return m, nil
}

// ChallengeResp answers a forwarded challenge.
type ChallengeResp struct {
	Accept     bool
	ListenPort uint16
	Challenger string
}

func (m *ChallengeResp) Tag() Tag { return TagChallengeResp }

func (m *ChallengeResp) Encode(dst []byte) ([]byte, error) {
	e := newEncoder(TagChallengeResp)
	e.putBool(m.Accept)
	e.putU16(m.ListenPort)
	if err := e.putIdentity(m.Challenger); err != nil {
		return nil, err
	}
	return append(dst, e.bytes()...), nil
}

func decodeChallengeResp(buf []byte) (Message, error) {
	d := newDecoder(buf)
	if err := d.requireTag(TagChallengeResp); err != nil {
		return nil, err
	}
	m := &ChallengeResp{}
	var err error
	if m.Accept, err = d.getBool(); err != nil {
		return nil, err
	}
	if m.ListenPort, err = d.getU16(); err != nil {
		return nil, err
	}
	if m.Challenger, err = d.getIdentity(); err != nil {
		return nil, err
	}
	return m, nil
}

// GameStart tells a player their opponent's identity, address, and
// certificate so the two can open a direct peer channel.
type GameStart struct {
	Opponent    string
	Addr        Addr
	OpponentDER []byte
}

func (m *GameStart) Tag() Tag { return TagGameStart }

func (m *GameStart) Encode(dst []byte) ([]byte, error) {
	e := newEncoder(TagGameStart)
	if err := e.putIdentity(m.Opponent); err != nil {
		return nil, err
	}
	e.putAddr(m.Addr)
	e.putOpaque(m.OpponentDER)
	return append(dst, e.bytes()...), nil
}

func decodeGameStart(buf []byte) (Message, error) {
	d := newDecoder(buf)
	if err := d.requireTag(TagGameStart); err != nil {
		return nil, err
	}
	m := &GameStart{}
	var err error
	if m.Opponent, err = d.getIdentity(); err != nil {
		return nil, err
	}
	if m.Addr, err = d.getAddr(); err != nil {
		return nil, err
	}
	if m.OpponentDER, err = d.getOpaque(); err != nil {
		return nil, err
	}
	return m, nil
}

// GameCancel tells a user the pending challenge/game with Opponent is off.
type GameCancel struct {
	Opponent string
}

func (m *GameCancel) Tag() Tag { return TagGameCancel }

func (m *GameCancel) Encode(dst []byte) ([]byte, error) {
	e := newEncoder(TagGameCancel)
	if err := e.putIdentity(m.Opponent); err != nil {
		return nil, err
	}
	return append(dst, e.bytes()...), nil
}

func decodeGameCancel(buf []byte) (Message, error) {
	d := newDecoder(buf)
	if err := d.requireTag(TagGameCancel); err != nil {
		return nil, err
	}
	m := &GameCancel{}
	var err error
	if m.Opponent, err = d.getIdentity(); err != nil {
		return nil, err
	}
	return m, nil
}

// GameEnd tells the server a game concluded; it carries no fields.
type GameEnd struct{}

func (m *GameEnd) Tag() Tag { return TagGameEnd }

func (m *GameEnd) Encode(dst []byte) ([]byte, error) {
	return append(dst, byte(TagGameEnd)), nil
}

func decodeGameEnd(buf []byte) (Message, error) {
	d := newDecoder(buf)
	if err := d.requireTag(TagGameEnd); err != nil {
		return nil, err
	}
	return &GameEnd{}, nil
}

// StartGamePeer is the first message on a freshly established peer channel;
// it carries no fields.
type StartGamePeer struct{}

func (m *StartGamePeer) Tag() Tag { return TagStartGamePeer }

func (m *StartGamePeer) Encode(dst []byte) ([]byte, error) {
	return append(dst, byte(TagStartGamePeer)), nil
}

func decodeStartGamePeer(buf []byte) (Message, error) {
	d := newDecoder(buf)
	if err := d.requireTag(TagStartGamePeer); err != nil {
		return nil, err
	}
	return &StartGamePeer{}, nil
}

// Move is a peer-to-peer column drop.
type Move struct {
	Column uint8
}

func (m *Move) Tag() Tag { return TagMove }

func (m *Move) Encode(dst []byte) ([]byte, error) {
	e := newEncoder(TagMove)
	e.putU8(m.Column)
	return append(dst, e.bytes()...), nil
}

func decodeMove(buf []byte) (Message, error) {
	d := newDecoder(buf)
	if err := d.requireTag(TagMove); err != nil {
		return nil, err
	}
	m := &Move{}
	var err error
	if m.Column, err = d.getU8(); err != nil {
		return nil, err
	}
	return m, nil
}
