// Package config handles configuration loading for neon-gateway.
//
// # Configuration File
//
// Configuration is read from YAML, or from TOML when the file name ends in
// ".toml". The default location is ./config.yaml, overridden by the
// NEON_CONFIG environment variable or the --config flag.
//
// # Environment Variable Expansion
//
// Values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${NEON_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  shutdown_timeout: "10s"
//
//	database:
//	  path: "./neon.db"
//
//	llm:
//	  default_provider: groq        # openai | groq | gemini
//	  default_model: llama-3.1-8b-instant
//	  providers:
//	    groq:
//	      api_key: "${GROQ_API_KEY}"
//	    gemini:
//	      api_key: "${GEMINI_API_KEY}"
//	      model: gemini-2.0-flash
//
//	conversation:
//	  max_attempts: 3          # attempts per user turn before the fallback reply
//	  summary_batch_size: 20   # messages folded per summarization call
//	  page_size: 10            # default page size for history endpoints
//
//	tools:
//	  timeout: "30s"           # per tool HTTP call
//
//	logging:
//	  level: info              # debug | info | warn | error
//	  format: text             # text | json
//
// Organizations stored in the database may override the provider, model,
// and API key for their agents.
package config
