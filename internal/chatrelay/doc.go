// Package chatrelay accepts chat-platform webhooks under
// /webhooks/{platform}, verifies payload signatures, suppresses
// redeliveries, and broadcasts verified events to node sessions.
package chatrelay
