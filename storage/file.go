package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/edge-workload-api/interfaces"
)

// FileStore keeps certificate material on the local file system, one file per
// alias. Files hold private keys and are only readable by the daemon user.
type FileStore struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileStore creates a file store rooted at baseDir, creating it if needed.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	if baseDir == "" {
		return nil, errors.New("file store directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileStore{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Load reads the material stored under alias.
func (s *FileStore) Load(ctx context.Context, alias string) (*interfaces.CertificateMaterial, error) {
	filePath := s.filePath(alias)

	data, err := os.ReadFile(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, interfaces.ErrCertificateNotFound
	} else if err != nil {
		return nil, unavailable("read", s.Name(), err)
	}

	s.log.Debug("Loaded certificate from file",
		slog.String("alias", alias),
		slog.String("path", filePath))

	return decodeMaterial(alias, data)
}

// Save writes material under alias. The file is replaced atomically so a
// concurrent Load never sees a partial write.
func (s *FileStore) Save(ctx context.Context, alias string, material *interfaces.CertificateMaterial) error {
	data, err := encodeMaterial(alias, material)
	if err != nil {
		return err
	}

	filePath := s.filePath(alias)
	tmp, err := os.CreateTemp(s.baseDir, ".tmp-*")
	if err != nil {
		return unavailable("write", s.Name(), err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return unavailable("write", s.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return unavailable("write", s.Name(), err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return unavailable("write", s.Name(), err)
	}

	s.log.Debug("Stored certificate in file",
		slog.String("alias", alias),
		slog.String("path", filePath))

	return nil
}

// Available checks that the base directory still exists.
func (s *FileStore) Available(ctx context.Context) bool {
	if _, err := os.Stat(s.baseDir); err != nil {
		s.log.Debug("File store unavailable", "err", err)
		return false
	}
	return true
}

func (s *FileStore) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(s.baseDir))
}

func (s *FileStore) LocationURI() string {
	return s.locationURI
}

func (s *FileStore) filePath(alias string) string {
	return filepath.Join(s.baseDir, aliasKey(alias)+".json")
}
