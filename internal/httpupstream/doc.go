// Package httpupstream implements upstream.Handle for services that expose
// tools over HTTP.
//
// A tool call is a POST of the JSON-encoded params to {base}/tools/{tool};
// the JSON response body is the payload. HTTP status codes are mapped onto
// upstream.ErrorKind so the orchestrator can decide on retries without
// knowing anything about HTTP:
//
//	2xx                      success
//	400 404 405 409 422      validation_error
//	401 403                  permanent_upstream_error
//	408 504                  timeout
//	429 and other 5xx        transient
//
// Probe issues a GET against the configured health path and reports the
// upstream healthy only on 200.
package httpupstream
