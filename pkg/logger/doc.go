// Package logger builds the structured slog logger shared by the orchestrator,
// the health monitor and the HTTP API. Production logs are JSON, other
// environments use the text handler.
package logger
