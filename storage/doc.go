// Package storage persists issued certificate material by alias.
//
// Every store implements interfaces.CertStore and serializes material as JSON:
//
//   - FileStore keeps one file per alias under a base directory
//   - S3Store keeps one object per alias under a bucket prefix
//   - VaultStore keeps one KV v2 secret per alias
//   - RedisStore keeps one key per alias, expiring with the certificate
//   - MultiStore reads from the first store holding the alias and writes to all
//
// # Store URI Format
//
// Stores are created from URIs by StoreFor:
//
//	file:///var/lib/workloadd/certs
//	s3://bucket-name/prefix/?region=us-west-2&endpoint=minio.local:9000
//	vault://vault.example.com:8200/secret/workloadd?tls=true
//	redis://localhost:6379/0?prefix=workloadd
//
// Credentials are taken from the environment (AWS_*, VAULT_TOKEN, REDIS_PASSWORD)
// or from the URI user info.
//
// # Errors
//
// Load returns interfaces.ErrCertificateNotFound for an unknown alias. Any
// failure to reach the backend wraps interfaces.ErrServiceUnavailable.
package storage
