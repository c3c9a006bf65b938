package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendLocal = "local"
	BackendS3    = "s3"
)

type Config struct {
	Server  ServerConfig
	DB      DBConfig
	Auth    AuthConfig
	Storage StorageConfig
	Source  SourceConfig
	CORS    CORSConfig
}

type ServerConfig struct {
	Host string
	Port string
	// BaseURL is the externally visible root used to build InstallerUrl
	// values in manifests.
	BaseURL string
}

type DBConfig struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

type AuthConfig struct {
	JWTSecret     string
	JWTExpiry     time.Duration
	AdminEmail    string
	AdminPassword string
}

type StorageConfig struct {
	// Backend selects the artifact store: "local" or "s3".
	Backend string
	Path    string

	S3Endpoint      string
	S3Region        string
	S3Bucket        string
	S3AccessKey     string
	S3SecretKey     string
	S3UseSSL        bool
	S3PresignExpiry time.Duration
}

type SourceConfig struct {
	// Identifier is reported by /information as SourceIdentifier.
	Identifier string
}

type CORSConfig struct {
	AllowedOrigins string
}

func Load() (*Config, error) {
	// Optional .env for local development; absence is not an error.
	_ = godotenv.Load()

	jwtExpiry, err := time.ParseDuration(envOrDefault("WHARF_JWT_EXPIRY", "24h"))
	if err != nil {
		return nil, fmt.Errorf("invalid WHARF_JWT_EXPIRY: %w", err)
	}

	presignExpiry, err := time.ParseDuration(envOrDefault("WHARF_S3_PRESIGN_EXPIRY", "3600s"))
	if err != nil {
		return nil, fmt.Errorf("invalid WHARF_S3_PRESIGN_EXPIRY: %w", err)
	}

	backend := envOrDefault("WHARF_STORAGE_BACKEND", BackendLocal)
	if backend != BackendLocal && backend != BackendS3 {
		return nil, fmt.Errorf("invalid WHARF_STORAGE_BACKEND %q: must be %q or %q", backend, BackendLocal, BackendS3)
	}

	port := envOrDefault("WHARF_PORT", "8080")

	cfg := &Config{
		Server: ServerConfig{
			Host:    envOrDefault("WHARF_HOST", "0.0.0.0"),
			Port:    port,
			BaseURL: strings.TrimRight(envOrDefault("WHARF_BASE_URL", "http://localhost:"+port), "/"),
		},
		DB: DBConfig{
			Host:     envOrDefault("WHARF_DB_HOST", "localhost"),
			Port:     envOrDefault("WHARF_DB_PORT", "5432"),
			Name:     envOrDefault("WHARF_DB_NAME", "wharf"),
			User:     envOrDefault("WHARF_DB_USER", "wharf"),
			Password: envOrDefault("WHARF_DB_PASSWORD", "wharf"),
			SSLMode:  envOrDefault("WHARF_DB_SSLMODE", "disable"),
		},
		Auth: AuthConfig{
			JWTSecret:     envOrDefault("WHARF_JWT_SECRET", "change-me-in-production"),
			JWTExpiry:     jwtExpiry,
			AdminEmail:    envOrDefault("WHARF_ADMIN_EMAIL", "admin@wharf.local"),
			AdminPassword: envOrDefault("WHARF_ADMIN_PASSWORD", "admin"),
		},
		Storage: StorageConfig{
			Backend:         backend,
			Path:            envOrDefault("WHARF_STORAGE_PATH", "/data/packages"),
			S3Endpoint:      os.Getenv("WHARF_S3_ENDPOINT"),
			S3Region:        os.Getenv("WHARF_S3_REGION"),
			S3Bucket:        os.Getenv("WHARF_S3_BUCKET"),
			S3AccessKey:     os.Getenv("WHARF_S3_ACCESS_KEY"),
			S3SecretKey:     os.Getenv("WHARF_S3_SECRET_KEY"),
			S3UseSSL:        envOrDefault("WHARF_S3_USE_SSL", "true") == "true",
			S3PresignExpiry: presignExpiry,
		},
		Source: SourceConfig{
			Identifier: envOrDefault("WHARF_SOURCE_IDENTIFIER", "api.wharf"),
		},
		CORS: CORSConfig{
			AllowedOrigins: envOrDefault("WHARF_CORS_ORIGINS", "http://localhost:3000"),
		},
	}

	if backend == BackendS3 && (cfg.Storage.S3Endpoint == "" || cfg.Storage.S3Bucket == "") {
		return nil, fmt.Errorf("s3 backend requires WHARF_S3_ENDPOINT and WHARF_S3_BUCKET")
	}

	return cfg, nil
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
