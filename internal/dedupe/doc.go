// Package dedupe remembers recently seen request keys for a bounded time so
// that a client retrying a request does not start a second conversation turn.
package dedupe
