// Package main (cmd/workloadd) runs the module workload API.
//
// The serve command listens on a unix socket, identifies callers through their
// peer credentials and issues module certificates through the configured
// signer and certificate stores. The list and restart commands talk to the
// configured module runtime directly.
//
// Example usage:
//
//	workloadd --config /etc/workloadd/config.yaml serve
//	workloadd --config /etc/workloadd/config.yaml list
//	workloadd --config /etc/workloadd/config.yaml restart tempsensor
//
// Every flag can also be set through a WORKLOADD_ prefixed environment
// variable. Secrets such as VAULT_TOKEN, EDGECA_SEED and REDIS_PASSWORD may be
// kept in the file named by --env-file.
package main
