// Package tools bridges HTTP tool invocations onto node sessions.
//
// A POST to /tools/invoke is authorized against the gateway trust
// config, assigned a request ID, and sent to the first connected node
// as a tool_invoke frame. The caller blocks on a per-request channel
// until the node's tool_reply arrives over the WebSocket read loop or
// the timeout fires; unmatched replies are dropped.
package tools
