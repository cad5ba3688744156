// Package conversation runs one user turn of a conversation end to end.
//
// # Overview
//
// The Service sits between the HTTP handlers and the LLM layer. For each user
// message it:
//
//  1. Resolves the conversation, the agent profile, and the organization's
//     provider (override or configured default).
//  2. Persists the user message before any model call.
//  3. Runs up to MaxAttempts attempts. Each builds a bounded context through
//     the compaction controller, streams a completion, and persists the
//     finished reply as an ai_reply. A reply that cannot be saved fails the
//     attempt.
//  4. Persists the fixed FallbackReply once every attempt has failed.
//
// # Events
//
// SendResponse.Stream carries the turn as it happens:
//
//   - token: a piece of the reply, {status: true, token}
//   - status: an attempt failed, {status: false, message}; tokens received
//     since the last status belong to the failed attempt
//   - replace: the inline function-call pass rewrote the reply; token holds
//     the full text that was persisted
//   - done: the reply was saved with message_id
//
// A failed turn ends with exactly one token event carrying FallbackReply and
// the message_id it was saved under; no done event follows it.
//
// The stream is closed when the turn ends. If the caller's context is
// cancelled the turn stops pulling tokens and saves nothing further.
//
// # Retries
//
// Configuration errors (unknown tool, unknown provider, missing key) and
// provider authentication failures end the attempt loop at once. Every other
// failure is retried.
//
// # Concurrency
//
// Turns on the same conversation are serialized with a KeyedMutex taken
// before the user message is saved and held until the turn ends, so the
// rolling summary and reply ordering see one turn at a time. Turns on
// different conversations run in parallel.
package conversation
