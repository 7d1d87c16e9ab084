package securechannel

import (
	"github.com/mirko-laruina/four-in-a-row/internal/wire"
)

// buildTranscript constructs the canonical bytes both sides sign:
// initiator_id ∥ responder_id ∥ cl_nonce ∥ sv_nonce ∥ initiator_eph_pk ∥ responder_eph_pk.
// Identities use the same fixed-width NUL-padded form as the wire codec;
// ephemeral keys are in the raw uncompressed point form (0x04 || X || Y)
// carried in CLIENT_HELLO/SERVER_HELLO. Both "client" and "server" role
// signatures are taken over this exact same byte string — the role only
// picks which identity plays initiator.
func buildTranscript(initiatorID, responderID string, clNonce, svNonce uint32, initiatorEphPK, responderEphPK []byte) ([]byte, error) {
	var buf []byte
	var err error

	buf, err = wire.AppendIdentity(buf, initiatorID)
	if err != nil {
		return nil, err
	}
	buf, err = wire.AppendIdentity(buf, responderID)
	if err != nil {
		return nil, err
	}
	buf = wire.AppendU32(buf, clNonce)
	buf = wire.AppendU32(buf, svNonce)
	buf = append(buf, initiatorEphPK...)
	buf = append(buf, responderEphPK...)
	return buf, nil
}

// Key schedule labels, exactly "key_<role>" / "iv__<role>" per spec.
const (
	labelKeyClient = "key_client"
	labelKeyServer = "key_server"
	labelIVClient  = "iv__client"
	labelIVServer  = "iv__server"
)
