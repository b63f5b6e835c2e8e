package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	DB           DBConfig           `mapstructure:"db"`
	Cron         CronConfig         `mapstructure:"cron"`
	ActivitySync ActivitySyncConfig `mapstructure:"activity_sync"`
	Feed         FeedConfig         `mapstructure:"feed"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type CronConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ActivitySync string `mapstructure:"activity_sync"`
}

// ActivitySyncConfig bounds one sync run. The reindex window is only left
// once both ReindexWindowCount and ReindexWindowAge are exhausted.
type ActivitySyncConfig struct {
	BatchSize           int           `mapstructure:"batch_size"`
	Workers             int           `mapstructure:"workers"`
	ReindexWindowCount  int           `mapstructure:"reindex_window_count"`
	ReindexWindowAge    time.Duration `mapstructure:"reindex_window_age"`
	AbortOnStorageError bool          `mapstructure:"abort_on_storage_error"`
	LockTTL             time.Duration `mapstructure:"lock_ttl"`
	RunOnce             bool          `mapstructure:"run_once"`
}

type FeedConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	UserAgent    string        `mapstructure:"user_agent"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AuthConfig struct {
	Disabled  bool   `mapstructure:"disabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INDEXER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.activity_sync", "@every 5m")

	// 200 accounts per run keeps one invocation well inside a serverless timeout.
	v.SetDefault("activity_sync.batch_size", 200)
	v.SetDefault("activity_sync.workers", 4)
	v.SetDefault("activity_sync.reindex_window_count", 50)
	v.SetDefault("activity_sync.reindex_window_age", "336h")
	v.SetDefault("activity_sync.abort_on_storage_error", false)
	v.SetDefault("activity_sync.lock_ttl", "15m")
	v.SetDefault("activity_sync.run_once", false)

	v.SetDefault("feed.timeout", "15s")
	v.SetDefault("feed.max_body_bytes", 64<<20)
	v.SetDefault("feed.user_agent", "activityindexer/0.1")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("auth.disabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("metrics.enabled", true)

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
