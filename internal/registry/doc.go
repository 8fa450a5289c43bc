// Package registry owns one Record per named upstream.
//
// A Record bundles the upstream's Handle with the circuit breaker, retry
// policy and health state that belong to it. The registry is the only place
// records are created or dropped; callers receive *Record references whose
// mutable state sits behind the record's own methods, or value snapshots.
//
// Lookups take a read lock only, so calls to unrelated upstreams never
// serialize on the registry. Deregistering an upstream removes it from the
// map but does not interrupt calls already holding its Record.
package registry
