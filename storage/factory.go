package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/ruteri/edge-workload-api/interfaces"
)

var ErrInvalidLocationURI = errors.New("invalid store location URI")

// StoreFactory creates certificate stores from URI strings.
type StoreFactory struct {
	log *slog.Logger
}

func NewStoreFactory(log *slog.Logger) *StoreFactory {
	return &StoreFactory{log: log}
}

// StoreFor creates a store from a location URI.
// The URI format is [scheme]://[auth@]host[:port][/path][?params].
//
// Supported schemes:
//   - file:// - local file system
//   - s3:// - Amazon S3 or compatible object storage
//   - vault:// - HashiCorp Vault KV v2
//   - redis:// - Redis
func (sf *StoreFactory) StoreFor(locationURI string) (interfaces.CertStore, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return sf.createFileStore(u)
	case "s3":
		return sf.createS3Store(u)
	case "vault":
		return sf.createVaultStore(u)
	case "redis", "rediss":
		return sf.createRedisStore(u)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, u.Scheme)
	}
}

// CreateStore returns the single store for one URI and a MultiStore for
// several, in the given read order.
func (sf *StoreFactory) CreateStore(locationURIs []string) (interfaces.CertStore, error) {
	if len(locationURIs) == 0 {
		return nil, fmt.Errorf("%w: no store configured", ErrInvalidLocationURI)
	}

	stores := make([]interfaces.CertStore, 0, len(locationURIs))
	for _, uri := range locationURIs {
		store, err := sf.StoreFor(uri)
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", redact(uri), err)
		}
		stores = append(stores, store)
	}

	if len(stores) == 1 {
		return stores[0], nil
	}
	return NewMultiStore(stores, sf.log), nil
}

// createFileStore handles file:///var/lib/workloadd/certs
func (sf *StoreFactory) createFileStore(u *url.URL) (interfaces.CertStore, error) {
	dir := u.Path
	if u.Host != "" {
		dir = u.Host + u.Path
	}
	return NewFileStore(dir, sf.log)
}

// createS3Store handles s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix/?region=us-west-2&endpoint=host
func (sf *StoreFactory) createS3Store(u *url.URL) (interfaces.CertStore, error) {
	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	return NewS3Store(u.Host, strings.TrimPrefix(u.Path, "/"), region, query.Get("endpoint"), accessKey, secretKey, sf.log)
}

// createVaultStore handles vault://[token@]host:port/mount/path?tls=false
func (sf *StoreFactory) createVaultStore(u *url.URL) (interfaces.CertStore, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("%w: vault host is required", ErrInvalidLocationURI)
	}

	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	mount := parts[0]
	dataPath := ""
	if len(parts) == 2 {
		dataPath = parts[1]
	}

	token := os.Getenv("VAULT_TOKEN")
	if u.User != nil {
		token = u.User.Username()
	}

	address := fmt.Sprintf("%s://%s", vaultScheme(u.Query().Get("tls")), u.Host)
	return NewVaultStore(address, token, mount, dataPath, sf.log)
}

// createRedisStore handles redis://[:password@]host:port/db?prefix=workloadd
func (sf *StoreFactory) createRedisStore(u *url.URL) (interfaces.CertStore, error) {
	prefix := u.Query().Get("prefix")

	clean := *u
	q := clean.Query()
	q.Del("prefix")
	clean.RawQuery = q.Encode()

	opts, err := redis.ParseURL(clean.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}
	if opts.Password == "" {
		opts.Password = os.Getenv("REDIS_PASSWORD")
	}

	return NewRedisStore(redis.NewClient(opts), prefix, sf.log), nil
}

// redact removes credentials from a URI before it is logged or returned.
func redact(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "<invalid uri>"
	}
	return u.Redacted()
}
