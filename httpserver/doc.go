/*
Package httpserver runs the workload API daemon's HTTP listeners.

The workload API is served on a unix socket. Every connection accepted there
carries the peer credentials of the connecting process in its request context,
which is what the workload handlers authorize against. An optional TCP listener
exists for local development; requests arriving over it have no process
identity.

Besides the workload routes the server exposes:

  - GET /livez - liveness
  - GET /readyz - readiness, 503 while draining
  - GET /drain - mark not ready and hold for the drain duration
  - GET /undrain - mark ready again
  - /debug/* - pprof, when enabled

Prometheus metrics are served by a separate metrics.MetricsServer.
*/
package httpserver
