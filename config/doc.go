// Package config loads the orchestrator configuration from a YAML file and
// MEDIAORCH_ environment variables. It covers the HTTP server, logging, the
// orchestrator limits, per-upstream defaults and the list of upstreams to
// register at startup.
package config
