// Package auth authenticates requests to the gateway's HTTP API.
//
// # User Tokens
//
// Users authenticate with HS256-signed JWTs issued by "neon-gateway token".
// The subject names the user; it becomes the sender of every message the
// user posts and the owner of every conversation the user creates. Tokens
// minted by older deployments carry the user in a "userID" claim instead,
// and are accepted when no subject is present. An expiry is required.
// Secrets shorter than MinSecretLength are rejected at startup.
//
//	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
//	token, err := verifier.Generate("user-123", 24*time.Hour)
//
// # Developer Tokens
//
// Developer tokens are long-lived random strings prefixed with
// DeveloperTokenPrefix. Only their SHA-256 hash is stored, so the plaintext
// is printed once by "neon-gateway token --developer" and cannot be
// recovered afterwards.
//
//	tokens := auth.NewDeveloperTokens(store)
//	plaintext, err := tokens.Issue(ctx, "user-123", "laptop")
//
// # HTTP Middleware
//
// HTTPAuthMiddleware looks for credentials in this order and uses the first
// header present:
//
//	X-Access-Token: <jwt>
//	X-Developer-Token: <developer token>
//	Authorization: Bearer <jwt>
//
// On success it attaches an AuthContext recording the user and the Method
// used. Unknown or expired credentials get 401; a store failure while
// resolving a developer token gets 500.
//
//	mux.Handle("/api/", auth.HTTPAuthMiddleware(verifier, tokens, logger)(api))
//
// Handlers read the caller with FromContext.
package auth
