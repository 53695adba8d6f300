package events

import (
	"encoding/json"

	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// User represents a discord user.
type User struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
	Avatar        string `json:"avatar"`
	Bot           bool   `json:"bot,omitempty"`
}

// UnavailableGuild is the guild stub sent in READY and GUILD_DELETE.
type UnavailableGuild struct {
	ID          string `json:"id"`
	Unavailable bool   `json:"unavailable"`
}

// Guild represents a discord guild.
type Guild struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Icon        string     `json:"icon"`
	OwnerID     string     `json:"owner_id"`
	MemberCount int        `json:"member_count,omitempty"`
	Unavailable bool       `json:"unavailable,omitempty"`
	Roles       []*Role    `json:"roles,omitempty"`
	Emojis      []*Emoji   `json:"emojis,omitempty"`
	Channels    []*Channel `json:"channels,omitempty"`
	Members     []*Member  `json:"members,omitempty"`
}

// Channel represents a guild or private channel.
type Channel struct {
	ID       string `json:"id"`
	GuildID  string `json:"guild_id,omitempty"`
	Name     string `json:"name,omitempty"`
	Type     int    `json:"type"`
	Position int    `json:"position,omitempty"`
}

// Member represents a guild member.
type Member struct {
	User    *User    `json:"user"`
	GuildID string   `json:"guild_id,omitempty"`
	Nick    string   `json:"nick,omitempty"`
	Roles   []string `json:"roles"`
}

// Role represents a guild role.
type Role struct {
	ID          string `json:"id"`
	GuildID     string `json:"guild_id,omitempty"`
	Name        string `json:"name"`
	Permissions int64  `json:"permissions"`
	Position    int    `json:"position"`
}

// Emoji represents a guild emoji.
type Emoji struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Animated bool   `json:"animated,omitempty"`
}

// Message represents a message sent in a channel.
type Message struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id,omitempty"`
	Author    *User  `json:"author"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// MessageReaction is the data shared between reaction events.
type MessageReaction struct {
	UserID    string `json:"user_id"`
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id,omitempty"`
	Emoji     Emoji  `json:"emoji"`
}

// VoiceState represents the voice state of a user.
type VoiceState struct {
	GuildID   string `json:"guild_id,omitempty"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// PresenceUpdate is the data for a PRESENCE_UPDATE event.
type PresenceUpdate struct {
	User    *User  `json:"user"`
	GuildID string `json:"guild_id,omitempty"`
	Status  string `json:"status"`
}

// TypingStart is the data for a TYPING_START event.
type TypingStart struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id,omitempty"`
	Timestamp int    `json:"timestamp"`
}

// GuildBan is the data shared between GUILD_BAN_ADD and GUILD_BAN_REMOVE.
type GuildBan struct {
	User    *User  `json:"user"`
	GuildID string `json:"guild_id"`
}

// GuildRoleEvent is the data for GUILD_ROLE_CREATE and GUILD_ROLE_UPDATE.
type GuildRoleEvent struct {
	GuildID string `json:"guild_id"`
	Role    *Role  `json:"role"`
}

// GuildRoleDelete is the data for a GUILD_ROLE_DELETE event.
type GuildRoleDelete struct {
	RoleID  string `json:"role_id"`
	GuildID string `json:"guild_id"`
}

// GuildEmojisUpdate is the data for a GUILD_EMOJIS_UPDATE event.
type GuildEmojisUpdate struct {
	GuildID string   `json:"guild_id"`
	Emojis  []*Emoji `json:"emojis"`
}

// GuildMembersChunk is the data for a GUILD_MEMBERS_CHUNK event.
type GuildMembersChunk struct {
	GuildID string    `json:"guild_id"`
	Members []*Member `json:"members"`
}

// MessageDeleteBulk is the data for a MESSAGE_DELETE_BULK event.
type MessageDeleteBulk struct {
	Messages  []string `json:"ids"`
	ChannelID string   `json:"channel_id"`
	GuildID   string   `json:"guild_id,omitempty"`
}

// ChannelPinsUpdate is the data for a CHANNEL_PINS_UPDATE event.
type ChannelPinsUpdate struct {
	LastPinTimestamp string `json:"last_pin_timestamp"`
	ChannelID        string `json:"channel_id"`
	GuildID          string `json:"guild_id,omitempty"`
}

// VoiceServerUpdate is the data for a VOICE_SERVER_UPDATE event.
type VoiceServerUpdate struct {
	Token    string `json:"token"`
	GuildID  string `json:"guild_id"`
	Endpoint string `json:"endpoint"`
}

// WebhooksUpdate is the data for a WEBHOOKS_UPDATE event.
type WebhooksUpdate struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
}

// InviteCreate is the data for an INVITE_CREATE event.
type InviteCreate struct {
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id,omitempty"`
	Code      string `json:"code"`
	MaxAge    int    `json:"max_age"`
	MaxUses   int    `json:"max_uses"`
}

// InviteDelete is the data for an INVITE_DELETE event.
type InviteDelete struct {
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id,omitempty"`
	Code      string `json:"code"`
}

// eventConstructors maps dispatch event names to the struct that their data
// decodes into. Events without an entry are surfaced with raw data only.
var eventConstructors = map[string]func() interface{}{
	"READY":                       func() interface{} { return &Ready{} },
	"RESUMED":                     func() interface{} { return &Resumed{} },
	"CHANNEL_CREATE":              func() interface{} { return &Channel{} },
	"CHANNEL_UPDATE":              func() interface{} { return &Channel{} },
	"CHANNEL_DELETE":              func() interface{} { return &Channel{} },
	"CHANNEL_PINS_UPDATE":         func() interface{} { return &ChannelPinsUpdate{} },
	"GUILD_CREATE":                func() interface{} { return &Guild{} },
	"GUILD_UPDATE":                func() interface{} { return &Guild{} },
	"GUILD_DELETE":                func() interface{} { return &UnavailableGuild{} },
	"GUILD_BAN_ADD":               func() interface{} { return &GuildBan{} },
	"GUILD_BAN_REMOVE":            func() interface{} { return &GuildBan{} },
	"GUILD_EMOJIS_UPDATE":         func() interface{} { return &GuildEmojisUpdate{} },
	"GUILD_MEMBER_ADD":            func() interface{} { return &Member{} },
	"GUILD_MEMBER_UPDATE":         func() interface{} { return &Member{} },
	"GUILD_MEMBER_REMOVE":         func() interface{} { return &Member{} },
	"GUILD_MEMBERS_CHUNK":         func() interface{} { return &GuildMembersChunk{} },
	"GUILD_ROLE_CREATE":           func() interface{} { return &GuildRoleEvent{} },
	"GUILD_ROLE_UPDATE":           func() interface{} { return &GuildRoleEvent{} },
	"GUILD_ROLE_DELETE":           func() interface{} { return &GuildRoleDelete{} },
	"INVITE_CREATE":               func() interface{} { return &InviteCreate{} },
	"INVITE_DELETE":               func() interface{} { return &InviteDelete{} },
	"MESSAGE_CREATE":              func() interface{} { return &Message{} },
	"MESSAGE_UPDATE":              func() interface{} { return &Message{} },
	"MESSAGE_DELETE":              func() interface{} { return &Message{} },
	"MESSAGE_DELETE_BULK":         func() interface{} { return &MessageDeleteBulk{} },
	"MESSAGE_REACTION_ADD":        func() interface{} { return &MessageReaction{} },
	"MESSAGE_REACTION_REMOVE":     func() interface{} { return &MessageReaction{} },
	"MESSAGE_REACTION_REMOVE_ALL": func() interface{} { return &MessageReaction{} },
	"PRESENCE_UPDATE":             func() interface{} { return &PresenceUpdate{} },
	"TYPING_START":                func() interface{} { return &TypingStart{} },
	"USER_UPDATE":                 func() interface{} { return &User{} },
	"VOICE_STATE_UPDATE":          func() interface{} { return &VoiceState{} },
	"VOICE_SERVER_UPDATE":         func() interface{} { return &VoiceServerUpdate{} },
	"WEBHOOKS_UPDATE":             func() interface{} { return &WebhooksUpdate{} },
}

// ParseEvent decodes dispatch data into its typed struct based on the event
// name. Unknown event names return nil with no error so the raw payload can
// still be forwarded.
func ParseEvent(eventType string, data json.RawMessage) (interface{}, error) {
	constructor, ok := eventConstructors[eventType]
	if !ok {
		return nil, nil
	}

	ev := constructor()
	if err := codec.Unmarshal(data, ev); err != nil {
		return nil, err
	}

	return ev, nil
}
