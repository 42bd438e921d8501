// Package events declares the payloads published on the event bus by the
// engine, the remote executor and the HTTP server. Subscribers such as the
// tracing and metrics packages switch on the concrete type.
package events
