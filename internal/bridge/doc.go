// Package bridge implements the upstream sources that feed the broadcast
// core.
//
// # Poll
//
// PollBridge runs one Fetcher call per interval (3s by default) and hands
// the result to its Sink. A failed fetch is logged and the tick skipped;
// the ticker keeps running. HTTPFetcher wraps its request in a gobreaker
// circuit breaker and parses the body with a Parser (Prometheus text or
// JSON).
//
// # Push
//
// PushBridge keeps a gorilla/websocket connection open:
//
//	inactive -> connecting -> open -> closed -> (backoff) -> connecting ...
//
// Every transition to open or closed is broadcast on ws.status. After a
// close, exactly one reconnect is scheduled per backoff window until Stop.
// Send fails with not_connected unless the bridge is open.
//
// # Factory
//
// Factory maps topic names to bridges using TopicSpec entries. A name
// ending in "*" is a prefix pattern and "{key}" in its URL is replaced by
// the matched suffix, so realtime:* can serve every realtime:<key> topic.
package bridge
