// Package gateway serves the neon-gateway HTTP API.
//
// # Overview
//
// The Gateway owns the HTTP server and wires together the SQLite store, the
// LLM provider factory (OpenAI, Groq, Gemini), the history compaction
// controller, the inline function-call parser, and the conversation turn
// service.
//
// # HTTP API
//
// All /api routes require a bearer JWT whose subject is the user id:
//
//   - GET /api/conversations - the caller's conversations, newest first
//   - POST /api/conversations - start a conversation with an agent
//   - GET /api/conversations/{id}/messages - message history, newest first;
//     render=html adds content_html
//   - POST /api/conversations/{id}/messages - send a message; the reply is
//     streamed as Server-Sent Events
//   - DELETE /api/conversations/{id}/messages/{messageID} - soft-delete one of
//     the caller's messages
//   - GET /health - liveness check, no auth
//
// Listings take page (1-based) and page_size query parameters.
//
// A send may carry an Idempotency-Key header. Repeating the key within ten
// minutes returns 409 with the message_id of the first send instead of
// starting another turn.
//
// # SSE Events
//
// A turn streams these events, each with a JSON data payload:
//
//	event: started   {"conversation_id", "message_id", "turn_id"}
//	event: token     {"status": true, "token": "..."}
//	event: status    {"status": false, "message": "Attempt 1/3 failed: ..."}
//	event: replace   {"status": true, "token": "<full reply>"}
//	event: done      {"status": true, "message_id": "..."}
//
// When every attempt fails the stream ends with a single token event whose
// token is the fallback reply and whose message_id is its saved id.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is cancelled
//
// Run shuts the server down gracefully with server.shutdown_timeout and then
// closes the store.
package gateway
