package config

import (
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/collabrelay/internal/storage"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("defaults should load: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:1234" {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.Storage.Type != storage.BackendMemory {
		t.Fatalf("unexpected storage type %q", cfg.Storage.Type)
	}
	if cfg.Gateway.SyncRequestMaxBytes != 10 {
		t.Fatalf("unexpected sync request bound %d", cfg.Gateway.SyncRequestMaxBytes)
	}
	if cfg.Gateway.RoomIdleThreshold != 20*time.Minute {
		t.Fatalf("idle threshold should default to twice the cleanup interval, got %s", cfg.Gateway.RoomIdleThreshold)
	}
	if cfg.Worker.PersistInterval != 30*time.Second || cfg.Worker.InactiveThreshold != 24*time.Hour {
		t.Fatalf("unexpected worker intervals %+v", cfg.Worker)
	}
	if !cfg.Worker.CompactSnapshots || !cfg.Callback.Enabled {
		t.Fatalf("compaction and callbacks should be enabled by default")
	}
	if cfg.Stream.MaxLength != 10000 || cfg.Stream.PendingGrace != 2*time.Hour {
		t.Fatalf("unexpected stream bounds %+v", cfg.Stream)
	}
	if cfg.Auth.Issuer != "tauth" || cfg.Auth.CookieName != "app_session" {
		t.Fatalf("unexpected auth defaults %+v", cfg.Auth)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("COLLAB_HTTP_ADDRESS", "127.0.0.1:9000")
	t.Setenv("COLLAB_WORKER_SETTLE_DELAY", "250ms")
	t.Setenv("COLLAB_STORAGE_TYPE", "sqlite")
	t.Setenv("COLLAB_STORAGE_SQLITE_PATH", "/tmp/rooms.db")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != "127.0.0.1:9000" {
		t.Fatalf("env override ignored, got %q", cfg.HTTPAddress)
	}
	if cfg.Worker.SettleDelay != 250*time.Millisecond {
		t.Fatalf("unexpected settle delay %s", cfg.Worker.SettleDelay)
	}
	if cfg.Storage.Type != "sqlite" || cfg.Storage.SQLitePath != "/tmp/rooms.db" {
		t.Fatalf("unexpected storage config %+v", cfg.Storage)
	}
}

func TestLoadRejectsIncompleteObjectStorage(t *testing.T) {
	configViper := NewViper()
	configViper.Set("storage.type", "object-storage")
	configViper.Set("storage.s3.bucket", "rooms")

	_, err := Load(configViper)
	if err == nil {
		t.Fatalf("expected object storage without credentials to fail")
	}
	for _, key := range []string{"storage.s3.endpoint", "storage.s3.access_key", "storage.s3.secret_key"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("error %q should name %s", err, key)
		}
	}

	configViper.Set("storage.s3.endpoint", "http://localhost:9000")
	configViper.Set("storage.s3.access_key", "minio")
	configViper.Set("storage.s3.secret_key", "minio123")
	if _, err := Load(configViper); err != nil {
		t.Fatalf("complete object storage config should load: %v", err)
	}
}

func TestLoadRejectsUnknownStorage(t *testing.T) {
	configViper := NewViper()
	configViper.Set("storage.type", "tape")
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected unknown storage type to fail")
	}
}
