// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string
	DBDriver           string
	DatabaseURL        string
	GoogleCloudProject string
	LogLevel           string
	MigrationsDir      string

	OtelEnabled      bool
	OtelEndpoint     string
	OtelInsecure     bool
	OtelServiceName  string
	OtelSamplingRate float64

	KMSKeyName string
	KMSKeyRing string

	Signing SigningConfig
	PDP     PDPConfig
	Queue   QueueConfig
	SMTP    SMTPConfig
}

// SigningConfig は署名プロバイダーの設定を表す。
type SigningConfig struct {
	Backend      string // simulator / cloud / hardware
	ProviderName string // 例: softhsm, thales, gcp
	KeyStore     string // file / database
	KeyDir       string
	Encrypter    string // passphrase / kms
	Passphrase   string

	PKCS11Library string
	PKCS11PIN     string
	PKCS11Slot    int
}

// PDPConfig はPDP送信パイプラインの設定を表す。
type PDPConfig struct {
	Mode              string
	BaseURL           string
	APIKey            string
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	ReconcileInterval time.Duration
	SimulationDelay   time.Duration
	RequestTimeout    time.Duration
	StaleAfter        time.Duration
	OrphanAfter       time.Duration
	SweepInterval     time.Duration
	SignArtifacts     bool
	SigningKeyID      string
	ArtifactDir       string
}

// QueueConfig は遅延タスクキューとワーカーの設定を表す。
type QueueConfig struct {
	Backend       string // memory / redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Concurrency   int
}

// SMTPConfig は通知メール送信の設定を表す。
type SMTPConfig struct {
	Addr     string
	From     string
	Username string
	Password string
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		DBDriver:           getEnv("DB_DRIVER", "mysql"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),
		MigrationsDir:      getEnv("MIGRATIONS_DIR", "./migrations"),

		OtelEnabled:      getBool("OTEL_ENABLED", false),
		OtelEndpoint:     getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelInsecure:     getBool("OTEL_INSECURE", false),
		OtelServiceName:  getEnv("OTEL_SERVICE_NAME", "pdp-submission-service"),
		OtelSamplingRate: getFloat("OTEL_SAMPLING_RATE", 1.0),

		KMSKeyName: os.Getenv("KMS_KEY_NAME"),
		KMSKeyRing: os.Getenv("KMS_KEY_RING"),

		Signing: SigningConfig{
			Backend:       getEnv("SIGNING_BACKEND", "simulator"),
			ProviderName:  os.Getenv("SIGNING_PROVIDER_NAME"),
			KeyStore:      getEnv("SIGNING_KEYSTORE", "file"),
			KeyDir:        getEnv("SIGNING_KEY_DIR", "./storage/keys"),
			Encrypter:     getEnv("SIGNING_ENCRYPTER", "passphrase"),
			Passphrase:    os.Getenv("SIGNING_PASSPHRASE"),
			PKCS11Library: os.Getenv("PKCS11_LIBRARY"),
			PKCS11PIN:     os.Getenv("PKCS11_PIN"),
			PKCS11Slot:    getInt("PKCS11_SLOT", -1),
		},
		PDP: PDPConfig{
			Mode:              getEnv("PDP_MODE", "simulation"),
			BaseURL:           os.Getenv("PDP_BASE_URL"),
			APIKey:            os.Getenv("PDP_API_KEY"),
			MaxAttempts:       getInt("PDP_MAX_ATTEMPTS", 3),
			RetryBaseDelay:    getDuration("PDP_RETRY_BASE_DELAY", 30*time.Second),
			RetryMaxDelay:     getDuration("PDP_RETRY_MAX_DELAY", 30*time.Minute),
			ReconcileInterval: getDuration("PDP_RECONCILE_INTERVAL", 2*time.Minute),
			SimulationDelay:   getDuration("PDP_SIMULATION_DELAY", 5*time.Minute),
			RequestTimeout:    getDuration("PDP_REQUEST_TIMEOUT", 30*time.Second),
			StaleAfter:        getDuration("PDP_STALE_AFTER", 72*time.Hour),
			OrphanAfter:       getDuration("PDP_ORPHAN_AFTER", time.Hour),
			SweepInterval:     getDuration("PDP_SWEEP_INTERVAL", 10*time.Minute),
			SignArtifacts:     getBool("PDP_SIGN_ARTIFACTS", false),
			SigningKeyID:      os.Getenv("PDP_SIGNING_KEY_ID"),
			ArtifactDir:       getEnv("ARTIFACT_DIR", "./storage/artifacts"),
		},
		Queue: QueueConfig{
			Backend:       getEnv("QUEUE_BACKEND", "memory"),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: os.Getenv("REDIS_PASSWORD"),
			RedisDB:       getInt("REDIS_DB", 0),
			Concurrency:   getInt("WORKER_CONCURRENCY", 4),
		},
		SMTP: SMTPConfig{
			Addr:     os.Getenv("SMTP_ADDR"),
			From:     getEnv("SMTP_FROM", "no-reply@example.com"),
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
		},
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return defaultVal
}
