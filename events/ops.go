package events

// GatewayOp represents a packet operation sent or received over the gateway.
type GatewayOp int

// Gateway opcodes.
const (
	GatewayOpDispatch GatewayOp = iota
	GatewayOpHeartbeat
	GatewayOpIdentify
	GatewayOpStatusUpdate
	GatewayOpVoiceStateUpdate
	_
	GatewayOpResume
	GatewayOpReconnect
	GatewayOpRequestGuildMembers
	GatewayOpInvalidSession
	GatewayOpHello
	GatewayOpHeartbeatACK
)

// Gateway close codes. Codes 4000-4014 come from the gateway itself,
// CloseReconnectRequested is internal and used when we close the connection
// ourselves expecting to resume straight after.
const (
	CloseUnknownError         = 4000
	CloseUnknownOpCode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSeq           = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014

	CloseReconnectRequested = 4900
)

// IsAuthFailure returns if the close code means the token we used is not
// usable. There is no point retrying these.
func IsAuthFailure(code int) bool {
	return code == CloseNotAuthenticated || code == CloseAuthenticationFailed
}

// IsConfigFailure returns if the close code means the shard or identify
// configuration was rejected. Reconnecting with the same configuration
// would just loop.
func IsConfigFailure(code int) bool {
	return code >= CloseInvalidShard && code <= CloseDisallowedIntents
}

// IsFatal returns if a close code should stop the shard entirely.
func IsFatal(code int) bool {
	return IsAuthFailure(code) || IsConfigFailure(code)
}

// CanReconnect returns if a connection that died with this close code may be
// reopened and resumed. Transport level errors carry no gateway close code
// and pass 0 or -1 here, which we always treat as reconnectable.
func CanReconnect(code int) bool {
	return !IsFatal(code)
}
