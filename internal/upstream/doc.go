// Package upstream defines the contract between the orchestrator and the
// services it routes tool calls to, along with the closed set of error kinds
// every upstream failure is classified into.
//
// A Handle is implemented once per wrapped application (download client,
// acquisition managers, media server) and injected at registration time.
// Handles report failures with errors built by NewError or Errorf so the
// orchestrator can make retry and circuit breaker decisions from the kind
// alone:
//
//	if resp.StatusCode == http.StatusUnauthorized {
//	    return nil, upstream.NewError(upstream.KindPermanent, "api key rejected",
//	        "upstream", name)
//	}
package upstream
