/*
Package client provides the devboxd SDK: a per-devbox façade over the
agent's HTTP/WS API (C10).

Unlike a typical short-lived CLI invocation, a single Client is expected to
issue many calls against the same devbox over its lifetime, so the package
leans on two supporting components instead of dialing fresh each time:

  - pkg/resolver turns a devbox name into a reachable agent endpoint,
    caching the result with a short TTL so repeated calls skip the
    upstream lookup.
  - pkg/pool keeps a small set of warm *http.Client transports per devbox,
    health-checked in the background, so Borrow almost never pays
    connection-establishment cost.

Client wraps both behind one method per agent operation (file, process,
session, and port calls), retrying only the error codes the agent marks
retryable and decoding every response through the shared envelope and
apierr taxonomy that internal/agentserver writes.

Subscribe (subscribe.go) opens the agent's WebSocket log stream directly,
bypassing the HTTP pool since it is a single long-lived connection rather
than a pooled request/response exchange.
*/
package client
