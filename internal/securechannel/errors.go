package securechannel

import "errors"

var (
	ErrUnexpectedMessage         = errors.New("securechannel: handshake message out of order")
	ErrSignatureInvalid          = errors.New("securechannel: transcript signature does not verify")
	ErrPeerNotAuthenticated      = errors.New("securechannel: peer not yet authenticated")
	ErrDuplicateHandshake        = errors.New("securechannel: duplicate handshake message")
	ErrSequenceOverflow          = errors.New("securechannel: sequence counter would overflow")
	ErrCleartextAfterEstablished = errors.New("securechannel: cleartext message after channel established")
	ErrCertUnavailable           = errors.New("securechannel: no certificate available for peer")
)
