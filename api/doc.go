/*
Package api provides the wire types and versioning of the edge workload API.

The workload API is served on a local unix socket to co-located modules. Each
request names the module it acts for in the URI, and the daemon verifies that the
connecting process really belongs to that module before issuing anything.

# Endpoints

  - POST /modules/{moduleId}/genid/{genId}/certificate/server   - server certificate
  - POST /modules/{moduleId}/genid/{genId}/certificate/identity - client certificate
  - GET  /trust-bundle and /manifest-trust-bundle              - trust anchors
  - GET  /modules                                               - module status

Every request carries an api-version query parameter. Versions are date coded
(for example 2018-06-28) and each route declares the oldest version it supports.

# Subpackages

1. workload - request handling for the endpoints above

See the subpackages for detailed documentation on specific components.
*/
package api
