// ABOUTME: Reserved topic names consumed by state mirrors and emitted by bridges
// ABOUTME: Includes helpers for dynamic realtime:<key> topics

package protocol

import "strings"

const (
	TopicAuth        = "auth"
	TopicPanel       = "panel"
	TopicWSStatus    = "ws.status"
	TopicWSMessage   = "ws.message"
	TopicModuleReady = "module-ready"
	TopicMetrics     = "metrics"

	realtimePrefix = "realtime:"
)

// Connection status values carried on the ws.status topic.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
)

// RealtimeTopic returns the topic name for a dynamic realtime key.
func RealtimeTopic(key string) string {
	return realtimePrefix + key
}

// RealtimeKey extracts the key from a realtime:<key> topic.
func RealtimeKey(topic string) (string, bool) {
	key, ok := strings.CutPrefix(topic, realtimePrefix)
	if !ok || key == "" {
		return "", false
	}
	return key, true
}

// WSStatus is the payload broadcast on the ws.status topic.
type WSStatus struct {
	Status string `json:"status"`
	Topic  string `json:"topic,omitempty"`
	URL    string `json:"url,omitempty"`
	Reason string `json:"reason,omitempty"`
}
