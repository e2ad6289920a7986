// Package dashboard serves the embedded control UI and its status API.
// Login exchanges the gateway credential for a short-lived JWT so the
// long-lived secret never sits in browser storage.
package dashboard
