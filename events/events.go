package events

import (
	"encoding/json"
	"time"
)

// ReceivedPayload is the structure of every message received from the
// gateway. Data is left raw so the shard can lazily decode it based on the
// operation and event type.
type ReceivedPayload struct {
	Op       GatewayOp       `json:"op" msgpack:"op"`
	Sequence int64           `json:"s,omitempty" msgpack:"s,omitempty"`
	Type     string          `json:"t,omitempty" msgpack:"t,omitempty"`
	Data     json.RawMessage `json:"d" msgpack:"d"`
}

// SentPayload is the structure of every message sent to the gateway.
type SentPayload struct {
	Op   int         `json:"op"`
	Data interface{} `json:"d"`
}

// Hello is the data of the HELLO packet and tells us how often to heartbeat.
type Hello struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
}

// Identify is the data we send to authenticate a fresh session.
type Identify struct {
	Token          string              `json:"token"`
	Properties     *IdentifyProperties `json:"properties"`
	Compress       bool                `json:"compress,omitempty"`
	LargeThreshold int                 `json:"large_threshold,omitempty"`
	Shard          *[2]int             `json:"shard,omitempty"`
	Presence       *UpdateStatus       `json:"presence,omitempty"`
	Intents        int                 `json:"intents"`
}

// IdentifyProperties is the set of client properties sent with an identify.
type IdentifyProperties struct {
	OS      string `json:"$os"`
	Browser string `json:"$browser"`
	Device  string `json:"$device"`
}

// Resume is the data we send to continue an existing session.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// Ready is the data of the READY dispatch and marks a fresh session as live.
type Ready struct {
	Version   int                 `json:"v"`
	User      *User               `json:"user"`
	Guilds    []*UnavailableGuild `json:"guilds"`
	SessionID string              `json:"session_id"`
}

// Resumed is the data of the RESUMED dispatch.
type Resumed struct {
	Trace []string `json:"_trace"`
}

// UpdateStatus is the data used to change the presence of a shard.
type UpdateStatus struct {
	Since  *int      `json:"since,omitempty"`
	Game   *Activity `json:"game,omitempty"`
	Status string    `json:"status"`
	AFK    bool      `json:"afk"`
}

// Activity represents an activity attached to a presence.
type Activity struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	URL  string `json:"url,omitempty"`
}

// RequestGuildMembers is the data used to request offline guild members.
// The gateway replies with GUILD_MEMBERS_CHUNK dispatches.
type RequestGuildMembers struct {
	GuildID string `json:"guild_id"`
	Query   string `json:"query"`
	Limit   int    `json:"limit"`
}

// GatewayBot is the response of /gateway/bot and contains the websocket url,
// the recommended shard count and how many sessions we may still start.
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// SessionStartLimit tells us the identify budget for the current window.
// ResetAfter is in milliseconds.
type SessionStartLimit struct {
	Total          int   `json:"total"`
	Remaining      int   `json:"remaining"`
	ResetAfter     int64 `json:"reset_after"`
	MaxConcurrency int   `json:"max_concurrency"`
}

// TooManyRequests is the body returned alongside a 429.
type TooManyRequests struct {
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"retry_after"`
	Global     bool          `json:"global"`
}
