package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

var ErrConfig = errors.New("invalid configuration")

const (
	StoreBackendPostgres = "postgres"
	StoreBackendRedis    = "redis"
	StoreBackendMemory   = "memory"

	DBDriverPostgres = "postgres"
	DBDriverPgx      = "pgx"

	HasherBcrypt   = "bcrypt"
	HasherArgon2id = "argon2id"
)

type Config struct {
	ServerAddr      string
	ShutdownTimeout time.Duration
	LogLevel        string

	StoreBackend string

	DBDriver   string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AccessTokenSecret  string
	RefreshTokenSecret string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	// GeneratedSecrets is set when either token secret was not configured and a random
	// per-process secret is in use. Tokens will not survive a restart.
	GeneratedSecrets bool

	PasswordHasher string
	BcryptCost     int
	Argon2Time     uint32
	Argon2MemoryKB uint32
	Argon2Threads  uint8

	CookieSecure           bool
	CORSAllowedOrigins     []string
	RevokeOnPasswordChange bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_addr", ":8080")
	v.SetDefault("shutdown_timeout", "15s")
	v.SetDefault("log_level", "info")

	v.SetDefault("store_backend", StoreBackendPostgres)

	v.SetDefault("db_driver", DBDriverPostgres)
	v.SetDefault("db_host", "localhost")
	v.SetDefault("db_port", "5432")
	v.SetDefault("db_user", "accounts")
	v.SetDefault("db_password", "accounts_dev_password")
	v.SetDefault("db_name", "accounts")
	v.SetDefault("db_sslmode", "disable")

	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)

	v.SetDefault("access_token_secret", "")
	v.SetDefault("refresh_token_secret", "")
	v.SetDefault("access_token_expiry", "15m")
	v.SetDefault("refresh_token_expiry", "168h")

	v.SetDefault("password_hasher", HasherBcrypt)
	v.SetDefault("bcrypt_cost", 12)
	v.SetDefault("argon2_time", 3)
	v.SetDefault("argon2_memory_kb", 64*1024)
	v.SetDefault("argon2_threads", 2)

	v.SetDefault("cookie_secure", true)
	v.SetDefault("cors_allowed_origins", "*")
	v.SetDefault("revoke_on_password_change", false)
}

// Load reads defaults, then the optional file named by CONFIG_FILE, then the environment.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, file, err)
		}
	}

	cfg := &Config{
		ServerAddr:      v.GetString("server_addr"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		LogLevel:        v.GetString("log_level"),

		StoreBackend: strings.ToLower(v.GetString("store_backend")),

		DBDriver:   strings.ToLower(v.GetString("db_driver")),
		DBHost:     v.GetString("db_host"),
		DBPort:     v.GetString("db_port"),
		DBUser:     v.GetString("db_user"),
		DBPassword: v.GetString("db_password"),
		DBName:     v.GetString("db_name"),
		DBSSLMode:  v.GetString("db_sslmode"),

		RedisAddr:     v.GetString("redis_addr"),
		RedisPassword: v.GetString("redis_password"),
		RedisDB:       v.GetInt("redis_db"),

		AccessTokenSecret:  v.GetString("access_token_secret"),
		RefreshTokenSecret: v.GetString("refresh_token_secret"),
		AccessTokenExpiry:  v.GetDuration("access_token_expiry"),
		RefreshTokenExpiry: v.GetDuration("refresh_token_expiry"),

		PasswordHasher: strings.ToLower(v.GetString("password_hasher")),
		BcryptCost:     v.GetInt("bcrypt_cost"),
		Argon2Time:     v.GetUint32("argon2_time"),
		Argon2MemoryKB: v.GetUint32("argon2_memory_kb"),
		Argon2Threads:  uint8(v.GetUint("argon2_threads")),

		CookieSecure:           v.GetBool("cookie_secure"),
		CORSAllowedOrigins:     splitList(v.GetString("cors_allowed_origins")),
		RevokeOnPasswordChange: v.GetBool("revoke_on_password_change"),
	}

	if cfg.AccessTokenSecret == "" {
		cfg.AccessTokenSecret = generateDefaultSecret()
		cfg.GeneratedSecrets = true
	}
	if cfg.RefreshTokenSecret == "" {
		cfg.RefreshTokenSecret = generateDefaultSecret()
		cfg.GeneratedSecrets = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreBackendPostgres, StoreBackendRedis, StoreBackendMemory:
	default:
		return fmt.Errorf("%w: unknown STORE_BACKEND %q", ErrConfig, c.StoreBackend)
	}

	switch c.DBDriver {
	case DBDriverPostgres, DBDriverPgx:
	default:
		return fmt.Errorf("%w: unknown DB_DRIVER %q", ErrConfig, c.DBDriver)
	}

	switch c.PasswordHasher {
	case HasherBcrypt:
		if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
			return fmt.Errorf("%w: BCRYPT_COST must be between %d and %d", ErrConfig, bcrypt.MinCost, bcrypt.MaxCost)
		}
	case HasherArgon2id:
		if c.Argon2Time == 0 || c.Argon2MemoryKB < 8*uint32(c.Argon2Threads) || c.Argon2Threads == 0 {
			return fmt.Errorf("%w: invalid argon2 parameters", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown PASSWORD_HASHER %q", ErrConfig, c.PasswordHasher)
	}

	if c.AccessTokenExpiry <= 0 || c.RefreshTokenExpiry <= 0 {
		return fmt.Errorf("%w: token expiries must be positive", ErrConfig)
	}
	if c.AccessTokenExpiry >= c.RefreshTokenExpiry {
		return fmt.Errorf("%w: ACCESS_TOKEN_EXPIRY must be shorter than REFRESH_TOKEN_EXPIRY", ErrConfig)
	}
	if c.AccessTokenSecret == c.RefreshTokenSecret {
		return fmt.Errorf("%w: access and refresh token secrets must differ", ErrConfig)
	}

	return nil
}

// DSN returns the Postgres connection string
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode,
	)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func generateDefaultSecret() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		panic(fmt.Sprintf("config: generate secret: %v", err))
	}
	return hex.EncodeToString(bytes)
}
