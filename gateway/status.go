package gateway

// ShardStatus represents the lifecycle state of a single shard connection.
type ShardStatus int

// All lifecycle states a shard passes through. Closed is terminal and only
// reached through an explicit destroy.
const (
	ShardDisconnected ShardStatus = iota
	ShardConnecting
	ShardWaitingForHello
	ShardIdentifying
	ShardResuming
	ShardReady
	ShardReconnecting
	ShardClosed
)

func (ss ShardStatus) String() string {
	switch ss {
	case ShardDisconnected:
		return "Disconnected"
	case ShardConnecting:
		return "Connecting"
	case ShardWaitingForHello:
		return "WaitingForHello"
	case ShardIdentifying:
		return "Identifying"
	case ShardResuming:
		return "Resuming"
	case ShardReady:
		return "Ready"
	case ShardReconnecting:
		return "Reconnecting"
	case ShardClosed:
		return "Closed"
	}
	return "Unknown"
}
