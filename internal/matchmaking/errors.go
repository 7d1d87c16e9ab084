package matchmaking

import "errors"

// ErrProtocolViolation marks a message that arrived in a state that does
// not list a transition for it. The caller logs and drops the connection;
// matchmaking itself never decides how a violation is reported.
var ErrProtocolViolation = errors.New("matchmaking: message not valid in current state")
