// Package canvas hosts the embedded canvas UI behind scoped-path
// authorization. Scoped URLs are normalized before any other check;
// the extracted capability token authorizes through the live session
// registry.
package canvas
