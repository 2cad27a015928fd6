package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/edge-workload-api/interfaces"
)

// MultiStore layers several stores, typically a cache in front of a durable
// store. Load reads from the first store holding the alias and copies the
// result into the stores before it. Save writes to every available store.
type MultiStore struct {
	stores []interfaces.CertStore
	log    *slog.Logger
}

func NewMultiStore(stores []interfaces.CertStore, log *slog.Logger) *MultiStore {
	if log == nil {
		log = slog.Default()
	}
	return &MultiStore{stores: stores, log: log}
}

func (m *MultiStore) Load(ctx context.Context, alias string) (*interfaces.CertificateMaterial, error) {
	start := time.Now()
	var errs []error
	var missed []interfaces.CertStore

	for _, store := range m.stores {
		material, err := store.Load(ctx, alias)
		if err == nil {
			m.backfill(ctx, alias, material, missed)
			m.log.Debug("Loaded certificate",
				slog.String("store", store.Name()),
				slog.String("alias", alias),
				slog.Duration("duration", time.Since(start)))
			return material, nil
		}

		if errors.Is(err, interfaces.ErrCertificateNotFound) {
			missed = append(missed, store)
			continue
		}

		errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
		m.log.Debug("Failed to load from store",
			slog.String("store", store.Name()),
			slog.String("alias", alias),
			"err", err)
	}

	// An unreachable store might hold the alias, so not-found is only
	// reported when every store answered.
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: all stores failed to load %s: %v", interfaces.ErrServiceUnavailable, alias, errors.Join(errs...))
	}
	return nil, interfaces.ErrCertificateNotFound
}

func (m *MultiStore) Save(ctx context.Context, alias string, material *interfaces.CertificateMaterial) error {
	start := time.Now()
	var errs []error
	saved := 0

	for _, store := range m.stores {
		if err := store.Save(ctx, alias, material); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
			m.log.Warn("Failed to save to store",
				slog.String("store", store.Name()),
				slog.String("alias", alias),
				"err", err)
			continue
		}
		saved++
	}

	if saved == 0 {
		m.log.Error("All stores failed to save certificate",
			slog.String("alias", alias),
			slog.Int("failed_stores", len(errs)),
			slog.Duration("duration", time.Since(start)))
		return fmt.Errorf("%w: all stores failed to save %s: %v", interfaces.ErrServiceUnavailable, alias, errors.Join(errs...))
	}
	return nil
}

// Available reports whether any store is reachable.
func (m *MultiStore) Available(ctx context.Context) bool {
	for _, store := range m.stores {
		if store.Available(ctx) {
			return true
		}
	}
	return false
}

func (m *MultiStore) Name() string {
	names := make([]string, 0, len(m.stores))
	for _, store := range m.stores {
		names = append(names, store.Name())
	}
	return "multi:[" + strings.Join(names, ",") + "]"
}

func (m *MultiStore) backfill(ctx context.Context, alias string, material *interfaces.CertificateMaterial, stores []interfaces.CertStore) {
	for _, store := range stores {
		if err := store.Save(ctx, alias, material); err != nil {
			m.log.Debug("Failed to backfill store",
				slog.String("store", store.Name()),
				slog.String("alias", alias),
				"err", err)
		}
	}
}
