package gateway

import (
	"time"

	"github.com/TheRockettek/Magpie/events"
)

// Session is the resumable state of a shard connection. It is created when
// READY is received and is passed by value whenever it crosses the control
// channel.
type Session struct {
	SessionID string `json:"session_id" msgpack:"session_id"`
	Seq       int64  `json:"seq" msgpack:"seq"`
}

// Resumable returns if the session can be resumed.
func (s Session) Resumable() bool {
	return s.SessionID != "" && s.Seq != 0
}

// ShardMessageKind tags messages flowing shard to manager.
type ShardMessageKind int

// All message kinds a shard may send to the manager.
const (
	// ShardDebug carries a redacted debug string.
	ShardDebug ShardMessageKind = iota

	// ShardDispatch carries a gateway dispatch for subscriber fan out.
	ShardDispatch

	// ShardIdentify requests a slot on the identify admission queue.
	ShardIdentify

	// ShardScheduleIdentify asks to be re-admitted after a failed session.
	ShardScheduleIdentify

	// ShardUpdatePing reports a fresh heartbeat round trip sample.
	ShardUpdatePing

	// ShardGatewayStatus is the admission reply, Ready or InvalidSession.
	ShardGatewayStatus

	// ShardStatusUpdate reports a lifecycle state transition.
	ShardStatusUpdate

	// ShardCannotReconnect reports a fatal close. The shard exits after
	// sending it.
	ShardCannotReconnect

	// ShardPayloadDispatch forwards a non dispatch payload to the manager
	// for routing.
	ShardPayloadDispatch

	// ShardFetchSessionData replies to a session snapshot request.
	ShardFetchSessionData
)

// GatewayStatus is the result of an identify admission, reported back to the
// manager so it can release or recycle the queue slot.
type GatewayStatus int

// Admission results.
const (
	GatewayStatusReady GatewayStatus = iota
	GatewayStatusInvalidSession
)

// ShardMessage is the tagged union sent from a shard runtime to the manager.
// Only the fields relevant to the Kind are populated.
type ShardMessage struct {
	Kind    ShardMessageKind
	ShardID int

	Debug    string
	Dispatch *events.ReceivedPayload
	Ping     time.Duration
	Gateway  GatewayStatus
	Status   ShardStatus

	CloseCode int
	Reason    string

	Session Session
}

// ManagerMessageKind tags messages flowing manager to shard.
type ManagerMessageKind int

// All message kinds the manager may send to a shard.
const (
	// ManagerIdentify grants the shard its identify admission.
	ManagerIdentify ManagerMessageKind = iota

	// ManagerReconnect tears the connection down but preserves the
	// session so the respawned connection resumes.
	ManagerReconnect

	// ManagerDestroy tears the shard down for good, discarding the
	// session and any queued payloads.
	ManagerDestroy

	// ManagerPayloadDispatch enqueues an application payload for sending.
	ManagerPayloadDispatch

	// ManagerFetchSessionData requests a session snapshot.
	ManagerFetchSessionData
)

// ManagerMessage is the tagged union sent from the manager to a shard.
type ManagerMessage struct {
	Kind    ManagerMessageKind
	Payload *events.SentPayload
}
