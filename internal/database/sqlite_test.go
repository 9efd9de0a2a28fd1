package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/collabrelay/internal/storage"
	"go.uber.org/zap"
)

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "open.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if !database.Migrator().HasTable(&storage.RoomSnapshot{}) {
		testContext.Fatalf("expected room_snapshots table")
	}
	if !database.Migrator().HasIndex(&storage.RoomSnapshot{}, "idx_room_snapshots_doc") {
		testContext.Fatalf("expected the document lookup index")
	}
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}

func TestOpenSQLiteReopensExistingDatabase(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "reopen.db")
	first, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	snapshot := storage.RoomSnapshot{Reference: "ref-1", Prefix: "text-docs", Room: "text:demo", DocID: "default", Snapshot: []byte{1, 2, 3}, CreatedAtSeconds: 1}
	if err := first.Create(&snapshot).Error; err != nil {
		testContext.Fatalf("failed to insert snapshot: %v", err)
	}
	firstSQL, err := first.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql handle: %v", err)
	}
	_ = firstSQL.Close()

	second, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("reopening should not fail: %v", err)
	}
	var count int64
	if err := second.Model(&storage.RoomSnapshot{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count snapshots: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected the stored snapshot to survive reopening, got %d rows", count)
	}
}
