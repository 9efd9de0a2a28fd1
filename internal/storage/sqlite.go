package storage

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RoomSnapshot stores one persisted reference.
type RoomSnapshot struct {
	Reference        string `gorm:"column:reference;primaryKey;size:64;not null"`
	Prefix           string `gorm:"column:prefix;size:64;not null;index:idx_room_snapshots_doc,priority:1"`
	Room             string `gorm:"column:room;size:190;not null;index:idx_room_snapshots_doc,priority:2"`
	DocID            string `gorm:"column:doc_id;size:190;not null;index:idx_room_snapshots_doc,priority:3"`
	Snapshot         []byte `gorm:"column:snapshot;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RoomSnapshot) TableName() string {
	return "room_snapshots"
}

// SQLiteConfig configures a SQLiteStore. The database is shared across app
// types and partitioned by Prefix.
type SQLiteConfig struct {
	Database   *gorm.DB
	Prefix     string
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// SQLiteStore keeps references as rows of the room_snapshots table.
type SQLiteStore struct {
	db         *gorm.DB
	prefix     string
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Database == nil {
		return nil, newOperationError(opNew, "missing_database", errMissingDatabase)
	}
	if strings.TrimSpace(cfg.Prefix) == "" {
		return nil, newOperationError(opNew, "missing_prefix", errMissingPrefix)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &SQLiteStore{
		db:         cfg.Database,
		prefix:     cfg.Prefix,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

func (s *SQLiteStore) PersistDoc(ctx context.Context, room, docID string, snapshot []byte) (string, error) {
	if err := validateWrite(room, snapshot); err != nil {
		return "", newOperationError(opPersistDoc, "invalid_input", err)
	}
	if s.idProvider == nil {
		return "", newOperationError(opPersistDoc, "missing_id_provider", errMissingIDSupport)
	}
	reference, err := s.idProvider.NewID()
	if err != nil {
		logError(s.logger, opPersistDoc, "id_generation", err, zap.String("room", room))
		return "", newOperationError(opPersistDoc, "id_generation", err)
	}
	row := RoomSnapshot{
		Reference:        reference,
		Prefix:           s.prefix,
		Room:             room,
		DocID:            docID,
		Snapshot:         append([]byte(nil), snapshot...),
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		logError(s.logger, opPersistDoc, "insert", err, zap.String("room", room))
		return "", newOperationError(opPersistDoc, "insert", err)
	}
	return reference, nil
}

func (s *SQLiteStore) RetrieveDoc(ctx context.Context, room, docID string) (*Retrieved, error) {
	var rows []RoomSnapshot
	err := s.db.WithContext(ctx).
		Where("prefix = ? AND room = ? AND doc_id = ?", s.prefix, room, docID).
		Order("reference ASC").
		Find(&rows).Error
	if err != nil {
		logError(s.logger, opRetrieveDoc, "query", err, zap.String("room", room))
		return nil, newOperationError(opRetrieveDoc, "query", err)
	}
	references := make([]string, 0, len(rows))
	blobs := make([][]byte, 0, len(rows))
	for _, row := range rows {
		references = append(references, row.Reference)
		blobs = append(blobs, row.Snapshot)
	}
	retrieved, err := mergeRetrieved(references, blobs)
	if err != nil {
		logError(s.logger, opRetrieveDoc, "merge", err, zap.String("room", room))
		return nil, newOperationError(opRetrieveDoc, "merge", err)
	}
	return retrieved, nil
}

func (s *SQLiteStore) RetrieveStateVector(ctx context.Context, room, docID string) ([]byte, error) {
	retrieved, err := s.RetrieveDoc(ctx, room, docID)
	if err != nil {
		return nil, err
	}
	vector, err := stateVectorOf(retrieved)
	if err != nil {
		return nil, newOperationError(opRetrieveStateVector, "decode", err)
	}
	return vector, nil
}

func (s *SQLiteStore) DeleteReferences(ctx context.Context, room, docID string, references []string) error {
	if len(references) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Where("prefix = ? AND room = ? AND doc_id = ? AND reference IN ?", s.prefix, room, docID, references).
		Delete(&RoomSnapshot{}).Error
	if err != nil {
		logError(s.logger, opDeleteReferences, "delete", err, zap.String("room", room))
		return newOperationError(opDeleteReferences, "delete", err)
	}
	return nil
}

// Destroy leaves the shared connection open; its owner closes it.
func (s *SQLiteStore) Destroy(context.Context) error {
	return nil
}
