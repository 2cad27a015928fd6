package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ruteri/edge-workload-api/interfaces"
)

const defaultRedisPrefix = "workloadd"

// RedisStore keeps certificate material in Redis. Keys expire together with
// the certificate they hold.
type RedisStore struct {
	client      *redis.Client
	prefix      string
	log         *slog.Logger
	now         func() time.Time
	locationURI string
}

// NewRedisStore wraps an existing client. The caller keeps ownership of the
// client lifecycle unless Close is called.
func NewRedisStore(client *redis.Client, prefix string, log *slog.Logger) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	opts := client.Options()
	return &RedisStore{
		client:      client,
		prefix:      strings.TrimSuffix(prefix, ":"),
		log:         log,
		now:         time.Now,
		locationURI: fmt.Sprintf("redis://%s/%d?prefix=%s", opts.Addr, opts.DB, prefix),
	}
}

// Load reads the material stored under alias.
func (s *RedisStore) Load(ctx context.Context, alias string) (*interfaces.CertificateMaterial, error) {
	data, err := s.client.Get(ctx, s.key(alias)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, interfaces.ErrCertificateNotFound
	} else if err != nil {
		s.log.Error("Failed to read from Redis", slog.String("alias", alias), "err", err)
		return nil, unavailable("read", s.Name(), err)
	}

	return decodeMaterial(alias, data)
}

// Save writes material under alias. Already expired material is not kept.
func (s *RedisStore) Save(ctx context.Context, alias string, material *interfaces.CertificateMaterial) error {
	data, err := encodeMaterial(alias, material)
	if err != nil {
		return err
	}

	ttl := material.Expiration.Sub(s.now())
	if material.Expiration.IsZero() {
		ttl = 0
	} else if ttl <= 0 {
		s.log.Warn("Not storing expired certificate", slog.String("alias", alias))
		if err := s.client.Del(ctx, s.key(alias)).Err(); err != nil {
			return unavailable("delete", s.Name(), err)
		}
		return nil
	}

	if err := s.client.Set(ctx, s.key(alias), data, ttl).Err(); err != nil {
		s.log.Error("Failed to write to Redis", slog.String("alias", alias), "err", err)
		return unavailable("write", s.Name(), err)
	}

	s.log.Debug("Stored certificate in Redis",
		slog.String("alias", alias),
		slog.Duration("ttl", ttl))

	return nil
}

// Available pings the server.
func (s *RedisStore) Available(ctx context.Context) bool {
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.log.Debug("Redis store unavailable", "err", err)
		return false
	}
	return true
}

func (s *RedisStore) Name() string {
	return fmt.Sprintf("redis-%s", s.prefix)
}

func (s *RedisStore) LocationURI() string {
	return s.locationURI
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(alias string) string {
	return s.prefix + ":cert:" + aliasKey(alias)
}
