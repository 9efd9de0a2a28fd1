package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/collabrelay/internal/storage"
	"github.com/spf13/viper"
)

const (
	envPrefix                 = "COLLAB"
	defaultHTTPAddress        = "0.0.0.0:1234"
	defaultLogLevel           = "info"
	defaultRedisURL           = "redis://localhost:6379"
	defaultStorageType        = storage.BackendMemory
	defaultS3Region           = "us-east-1"
	defaultSQLitePath         = "collab.db"
	defaultDocCleanup         = 10 * time.Minute
	defaultSyncRequestMax     = 10
	defaultActivityNotify     = 30 * time.Second
	defaultPersistInterval    = 30 * time.Second
	defaultCleanupInterval    = 5 * time.Minute
	defaultInactiveThreshold  = 24 * time.Hour
	defaultBatchSize          = 10
	defaultSettleDelay        = time.Second
	defaultQueueBlock         = time.Second
	defaultActiveWindow       = time.Minute
	defaultActiveScan         = 50
	defaultDrainTimeout       = 30 * time.Second
	defaultStreamCleanup      = time.Hour
	defaultStreamMaxLength    = 10000
	defaultStreamMaxAge       = 24 * time.Hour
	defaultStreamPendingGrace = 2 * time.Hour
	defaultCallbackInterval   = time.Minute
	defaultIssuer             = "tauth"
	defaultCookieName         = "app_session"
)

// AppConfig captures runtime configuration for every process role.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string
	RedisURL    string
	Storage     StorageConfig
	Gateway     GatewayConfig
	Worker      WorkerConfig
	Stream      StreamConfig
	Callback    CallbackConfig
	Auth        AuthConfig
}

type StorageConfig struct {
	Type       string
	S3         S3Config
	SQLitePath string
}

type S3Config struct {
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	PathStyle bool
}

type GatewayConfig struct {
	DocCleanupInterval     time.Duration
	RoomIdleThreshold      time.Duration
	SyncRequestMaxBytes    int
	ActivityNotifyInterval time.Duration
	AllowedOrigins         []string
}

type WorkerConfig struct {
	ID                string
	PersistInterval   time.Duration
	CleanupInterval   time.Duration
	InactiveThreshold time.Duration
	BatchSize         int64
	SettleDelay       time.Duration
	QueueBlock        time.Duration
	ActiveWindow      time.Duration
	ActiveScan        int64
	CompactSnapshots  bool
	DrainTimeout      time.Duration
	MetricsAddress    string
}

type StreamConfig struct {
	CleanupInterval time.Duration
	MaxLength       int64
	MaxAge          time.Duration
	PendingGrace    time.Duration
}

type CallbackConfig struct {
	Enabled  bool
	URL      string
	Interval time.Duration
}

// AuthConfig enables session checks on socket upgrades when SigningSecret is set.
type AuthConfig struct {
	SigningSecret string
	Issuer        string
	CookieName    string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("redis.url", defaultRedisURL)

	configViper.SetDefault("storage.type", defaultStorageType)
	configViper.SetDefault("storage.s3.bucket", "")
	configViper.SetDefault("storage.s3.endpoint", "")
	configViper.SetDefault("storage.s3.region", defaultS3Region)
	configViper.SetDefault("storage.s3.access_key", "")
	configViper.SetDefault("storage.s3.secret_key", "")
	configViper.SetDefault("storage.s3.use_ssl", false)
	configViper.SetDefault("storage.s3.path_style", true)
	configViper.SetDefault("storage.sqlite.path", defaultSQLitePath)

	configViper.SetDefault("gateway.doc_cleanup_interval", defaultDocCleanup)
	configViper.SetDefault("gateway.room_idle_threshold", time.Duration(0))
	configViper.SetDefault("gateway.sync_request_max_bytes", defaultSyncRequestMax)
	configViper.SetDefault("gateway.activity_notify_interval", defaultActivityNotify)
	configViper.SetDefault("gateway.allowed_origins", []string{"*"})

	configViper.SetDefault("worker.id", "")
	configViper.SetDefault("worker.persist_interval", defaultPersistInterval)
	configViper.SetDefault("worker.cleanup_interval", defaultCleanupInterval)
	configViper.SetDefault("worker.room_inactive_threshold", defaultInactiveThreshold)
	configViper.SetDefault("worker.batch_size", defaultBatchSize)
	configViper.SetDefault("worker.settle_delay", defaultSettleDelay)
	configViper.SetDefault("worker.queue_block", defaultQueueBlock)
	configViper.SetDefault("worker.active_window", defaultActiveWindow)
	configViper.SetDefault("worker.active_scan", defaultActiveScan)
	configViper.SetDefault("worker.compact_snapshots", true)
	configViper.SetDefault("worker.drain_timeout", defaultDrainTimeout)
	configViper.SetDefault("worker.metrics_address", "")

	configViper.SetDefault("stream.cleanup_interval", defaultStreamCleanup)
	configViper.SetDefault("stream.max_length", defaultStreamMaxLength)
	configViper.SetDefault("stream.max_age", defaultStreamMaxAge)
	configViper.SetDefault("stream.pending_grace", defaultStreamPendingGrace)

	configViper.SetDefault("callback.enabled", true)
	configViper.SetDefault("callback.url", "")
	configViper.SetDefault("callback.interval", defaultCallbackInterval)

	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress: configViper.GetString("http.address"),
		LogLevel:    configViper.GetString("log.level"),
		RedisURL:    configViper.GetString("redis.url"),
		Storage: StorageConfig{
			Type: configViper.GetString("storage.type"),
			S3: S3Config{
				Bucket:    configViper.GetString("storage.s3.bucket"),
				Endpoint:  configViper.GetString("storage.s3.endpoint"),
				Region:    configViper.GetString("storage.s3.region"),
				AccessKey: configViper.GetString("storage.s3.access_key"),
				SecretKey: configViper.GetString("storage.s3.secret_key"),
				UseSSL:    configViper.GetBool("storage.s3.use_ssl"),
				PathStyle: configViper.GetBool("storage.s3.path_style"),
			},
			SQLitePath: configViper.GetString("storage.sqlite.path"),
		},
		Gateway: GatewayConfig{
			DocCleanupInterval:     configViper.GetDuration("gateway.doc_cleanup_interval"),
			RoomIdleThreshold:      configViper.GetDuration("gateway.room_idle_threshold"),
			SyncRequestMaxBytes:    configViper.GetInt("gateway.sync_request_max_bytes"),
			ActivityNotifyInterval: configViper.GetDuration("gateway.activity_notify_interval"),
			AllowedOrigins:         configViper.GetStringSlice("gateway.allowed_origins"),
		},
		Worker: WorkerConfig{
			ID:                configViper.GetString("worker.id"),
			PersistInterval:   configViper.GetDuration("worker.persist_interval"),
			CleanupInterval:   configViper.GetDuration("worker.cleanup_interval"),
			InactiveThreshold: configViper.GetDuration("worker.room_inactive_threshold"),
			BatchSize:         configViper.GetInt64("worker.batch_size"),
			SettleDelay:       configViper.GetDuration("worker.settle_delay"),
			QueueBlock:        configViper.GetDuration("worker.queue_block"),
			ActiveWindow:      configViper.GetDuration("worker.active_window"),
			ActiveScan:        configViper.GetInt64("worker.active_scan"),
			CompactSnapshots:  configViper.GetBool("worker.compact_snapshots"),
			DrainTimeout:      configViper.GetDuration("worker.drain_timeout"),
			MetricsAddress:    configViper.GetString("worker.metrics_address"),
		},
		Stream: StreamConfig{
			CleanupInterval: configViper.GetDuration("stream.cleanup_interval"),
			MaxLength:       configViper.GetInt64("stream.max_length"),
			MaxAge:          configViper.GetDuration("stream.max_age"),
			PendingGrace:    configViper.GetDuration("stream.pending_grace"),
		},
		Callback: CallbackConfig{
			Enabled:  configViper.GetBool("callback.enabled"),
			URL:      configViper.GetString("callback.url"),
			Interval: configViper.GetDuration("callback.interval"),
		},
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			Issuer:        configViper.GetString("auth.issuer"),
			CookieName:    configViper.GetString("auth.cookie_name"),
		},
	}

	if cfg.Gateway.RoomIdleThreshold <= 0 {
		cfg.Gateway.RoomIdleThreshold = 2 * cfg.Gateway.DocCleanupInterval
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("redis.url is required")
	}
	backend, err := storage.NormalizeBackend(c.Storage.Type)
	if err != nil {
		return fmt.Errorf("storage.type: %w", err)
	}
	switch backend {
	case storage.BackendS3:
		missing := make([]string, 0, 4)
		if strings.TrimSpace(c.Storage.S3.Bucket) == "" {
			missing = append(missing, "storage.s3.bucket")
		}
		if strings.TrimSpace(c.Storage.S3.Endpoint) == "" {
			missing = append(missing, "storage.s3.endpoint")
		}
		if strings.TrimSpace(c.Storage.S3.AccessKey) == "" {
			missing = append(missing, "storage.s3.access_key")
		}
		if strings.TrimSpace(c.Storage.S3.SecretKey) == "" {
			missing = append(missing, "storage.s3.secret_key")
		}
		if len(missing) > 0 {
			return fmt.Errorf("object storage requires %s", strings.Join(missing, ", "))
		}
	case storage.BackendSQLite:
		if strings.TrimSpace(c.Storage.SQLitePath) == "" {
			return fmt.Errorf("storage.sqlite.path is required")
		}
	}
	if c.Gateway.DocCleanupInterval <= 0 {
		return fmt.Errorf("gateway.doc_cleanup_interval must be positive")
	}
	if c.Stream.MaxLength < 0 {
		return fmt.Errorf("stream.max_length must not be negative")
	}
	if c.Auth.SigningSecret != "" && strings.TrimSpace(c.Auth.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	return nil
}
