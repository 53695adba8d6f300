// Package gateway maintains a fleet of sharded websocket connections to the
// discord gateway, presenting them as a single event stream. Each shard runs
// in its own goroutine and talks to the manager only through typed messages.
package gateway

import (
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// VERSION of Magpie, following Semantic Versioning.
const VERSION = "0.1"

// GatewayVersion is the gateway protocol version requested by default.
const GatewayVersion = 6

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// redactToken scrubs the token out of a message before it is logged or
// emitted as a debug event.
func redactToken(token string, message string) string {
	if token == "" {
		return message
	}

	trimmed := strings.TrimPrefix(token, "Bot ")

	return strings.NewReplacer(token, "[redacted]", trimmed, "[redacted]").Replace(message)
}
