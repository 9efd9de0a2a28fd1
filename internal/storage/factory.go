package storage

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	BackendMemory = "memory"
	BackendS3     = "s3"
	BackendSQLite = "sqlite"
)

// NormalizeBackend maps accepted aliases onto a backend name.
func NormalizeBackend(value string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", BackendMemory:
		return BackendMemory, nil
	case BackendS3, "object-storage", "minio":
		return BackendS3, nil
	case BackendSQLite:
		return BackendSQLite, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownBackend, value)
	}
}

// Backend holds the shared handles every per-type store is built from.
type Backend struct {
	Kind     string
	Bucket   string
	Objects  ObjectAPI
	Database *gorm.DB
	Logger   *zap.Logger
}

// Open builds the store for one storage prefix.
func (b Backend) Open(_ context.Context, prefix string) (Store, error) {
	logger := b.Logger
	if logger == nil {
		logger = noOpLogger
	}
	logger = logger.With(zap.String("prefix", prefix), zap.String("backend", b.Kind))
	switch b.Kind {
	case BackendMemory:
		return NewMemoryStore(MemoryConfig{Prefix: prefix, Logger: logger}), nil
	case BackendS3:
		return NewObjectStore(ObjectStoreConfig{Client: b.Objects, Bucket: b.Bucket, Prefix: prefix, Logger: logger})
	case BackendSQLite:
		return NewSQLiteStore(SQLiteConfig{Database: b.Database, Prefix: prefix, Logger: logger})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, b.Kind)
	}
}
