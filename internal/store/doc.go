// Package store provides persistent storage for the gateway using SQLite.
//
// # Data Models
//
//   - Organization: tenant that owns agents; may override the LLM provider, model, and key
//   - Tool: an HTTP endpoint the model may call, with its JSON schema and argument placement
//   - Role: a system prompt plus the tools it is allowed to use
//   - Agent: an organization's instance of a role
//   - Conversation: a thread between one user and one agent
//   - Message: append-only entry ordered by Seq; users author text/reply, agents author ai_reply
//   - Summary: rolling digest of a conversation; Range counts the messages folded in so far
//
// # Implementations
//
// SQLiteStore persists to a single SQLite file (modernc.org/sqlite, WAL mode,
// foreign keys on). MockStore keeps everything in memory and follows the same
// ordering, authorship, and range rules so service tests can run without a database.
//
// # Error Handling
//
//   - ErrNotFound: entity does not exist
//   - ErrDuplicate: a unique slug or name is already taken
//   - ErrInvalidMessage: a message breaks the sender/agent authorship rule
//   - ErrRangeRegression: a summary upsert would lower the covered range
package store
