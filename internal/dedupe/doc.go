// Package dedupe provides a TTL and size bounded cache for suppressing
// redelivered webhook events, keyed by delivery ID or payload digest.
package dedupe
