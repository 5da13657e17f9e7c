// Package config は通知サービスの設定を読み込む。
//
// 設定はデフォルト値、YAMLファイル、環境変数の順に上書きされる。
// YAMLファイルのパスは環境変数 CONFIG_PATH で指定し、未指定ならファイルは読まない。
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nao1215/pushhub/internal/ingest"
	"github.com/nao1215/pushhub/internal/scheduler"
	"github.com/nao1215/pushhub/pkg/logx"
)

// 配信ログのキュー保存時の状態。
const (
	QueuedLogStatusSuccess = "success"
	QueuedLogStatusPending = "pending"
)

// ストアのドライバー。
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
	DriverBadger = "badger"
	DriverRedis  = "redis"
)

// Config は通知サービス全体の設定。
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Auth      AuthConfig       `yaml:"auth"`
	Log       logx.Config      `yaml:"log"`
	Store     StoreConfig      `yaml:"store"`
	Delivery  DeliveryConfig   `yaml:"delivery"`
	Session   SessionConfig    `yaml:"session"`
	Scheduler scheduler.Config `yaml:"scheduler"`
	Ingest    IngestConfig     `yaml:"ingest"`
}

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	// Port はリッスンポート。
	Port string `yaml:"port"`
	// ShutdownTimeout はグレースフルシャットダウンの待ち時間。
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AllowedOrigins はCORSとWebSocketで許可するOrigin。空なら全て許可する。
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AuthConfig は管理APIの認証設定。
type AuthConfig struct {
	// Enabled は /api/v1 でJWT認証を行うかどうか。
	Enabled bool `yaml:"enabled"`
	// JWTSecret はJWTの署名検証に使う秘密鍵。
	JWTSecret string `yaml:"jwt_secret"`
}

// StoreConfig は未配信キューと配信ログの保存先の設定。
type StoreConfig struct {
	// Driver は memory, sqlite, mysql, badger, redis のいずれか。
	Driver string `yaml:"driver"`
	// DSN はsqliteとmysqlの接続文字列。
	DSN string `yaml:"dsn"`
	// BadgerDir はbadgerのデータディレクトリ。
	BadgerDir string `yaml:"badger_dir"`
	// Redis はredisの接続設定。
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig はRedisの接続設定。
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"`
	LogCap    int    `yaml:"log_cap"`
}

// DeliveryConfig は配信エンジンの設定。
type DeliveryConfig struct {
	// QueuedLogStatus はキューに保存した通知を配信ログに記録するときの状態（success または pending）。
	QueuedLogStatus string `yaml:"queued_log_status"`
	// RatePerSecond は一括配信での1秒あたりの配信数の上限。0なら無制限。
	RatePerSecond int `yaml:"rate_per_second"`
	// LogBreaker は配信ログ書き込みのサーキットブレーカー設定。
	LogBreaker BreakerConfig `yaml:"log_breaker"`
}

// BreakerConfig はサーキットブレーカーの設定。
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// SessionConfig はWebSocketセッションの設定。
type SessionConfig struct {
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongWait        time.Duration `yaml:"pong_wait"`
	CloseSuperseded bool          `yaml:"close_superseded"`
}

// IngestConfig は送信リクエストの取り込み元の設定。
type IngestConfig struct {
	NSQ NSQConfig `yaml:"nsq"`
}

// NSQConfig はNSQコンシューマーの設定。
type NSQConfig struct {
	Enabled       bool `yaml:"enabled"`
	ingest.Config `yaml:",inline"`
}

// Default はデフォルト値の設定を返す。
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8086",
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			Enabled:   true,
			JWTSecret: "dev-secret-key",
		},
		Log: logx.Config{
			Level:  "info",
			Format: "console",
		},
		Store: StoreConfig{
			Driver:    DriverSQLite,
			DSN:       "/data/notification.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
			BadgerDir: "/data/badger",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				Namespace: "pushhub",
				LogCap:    1000,
			},
		},
		Delivery: DeliveryConfig{
			QueuedLogStatus: QueuedLogStatusSuccess,
			LogBreaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
		},
		Session: SessionConfig{
			WriteTimeout: 10 * time.Second,
		},
		Scheduler: scheduler.Config{
			Enabled: true,
			Spec:    scheduler.DefaultSpec,
		},
		Ingest: IngestConfig{
			NSQ: NSQConfig{
				Config: ingest.Config{
					Topic:       ingest.DefaultTopic,
					Channel:     ingest.DefaultChannel,
					MaxInFlight: 16,
					Concurrency: 4,
				},
			},
		},
	}
}

// Load はCONFIG_PATHのYAMLファイルと環境変数から設定を読み込む。
func Load() (Config, error) {
	return load(os.Getenv("CONFIG_PATH"), os.LookupEnv)
}

// LoadFile は指定したYAMLファイルと環境変数から設定を読み込む。
func LoadFile(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv は環境変数で設定を上書きする。
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = splitList(v)
		}
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("環境変数 %s の値 %q が不正です: %w", key, v, err)
		}
		*dst = b
		return nil
	}

	str("PORT", &cfg.Server.Port)
	str("JWT_SECRET", &cfg.Auth.JWTSecret)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("STORE_DRIVER", &cfg.Store.Driver)
	str("STORE_DSN", &cfg.Store.DSN)
	str("BADGER_DIR", &cfg.Store.BadgerDir)
	str("REDIS_ADDR", &cfg.Store.Redis.Addr)
	list("ALLOWED_ORIGINS", &cfg.Server.AllowedOrigins)
	list("NSQD_ADDRESSES", &cfg.Ingest.NSQ.NsqdAddresses)
	list("NSQLOOKUPD_ADDRESSES", &cfg.Ingest.NSQ.LookupdAddresses)

	if err := boolean("AUTH_ENABLED", &cfg.Auth.Enabled); err != nil {
		return err
	}
	return boolean("NSQ_ENABLED", &cfg.Ingest.NSQ.Enabled)
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate は設定値を検証する。
func (c Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.portが未指定です"))
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.enabledがtrueの場合はauth.jwt_secretが必要です"))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverMySQL:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.driver=%sの場合はstore.dsnが必要です", c.Store.Driver))
		}
	case DriverBadger:
		if c.Store.BadgerDir == "" {
			errs = append(errs, errors.New("store.driver=badgerの場合はstore.badger_dirが必要です"))
		}
	case DriverRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.driver=redisの場合はstore.redis.addrが必要です"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q は未対応です", c.Store.Driver))
	}

	switch c.Delivery.QueuedLogStatus {
	case QueuedLogStatusSuccess, QueuedLogStatusPending:
	default:
		errs = append(errs, fmt.Errorf("delivery.queued_log_status %q は success または pending で指定してください", c.Delivery.QueuedLogStatus))
	}
	if c.Delivery.RatePerSecond < 0 {
		errs = append(errs, errors.New("delivery.rate_per_secondは0以上で指定してください"))
	}

	if c.Session.WriteTimeout <= 0 {
		errs = append(errs, errors.New("session.write_timeoutは正の値で指定してください"))
	}
	if c.Session.PingInterval > 0 && c.Session.PongWait > 0 && c.Session.PongWait <= c.Session.PingInterval {
		errs = append(errs, errors.New("session.pong_waitはsession.ping_intervalより長くしてください"))
	}

	if c.Ingest.NSQ.Enabled {
		if err := c.Ingest.NSQ.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("ingest.nsq: %w", err))
		}
	}

	return errors.Join(errs...)
}
