package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AccessTokenFormat selects how access tokens are minted.
type AccessTokenFormat string

const (
	FormatOpaque AccessTokenFormat = "opaque"
	FormatJWT    AccessTokenFormat = "jwt"
)

// RefreshRotation controls refresh-token rotation on redemption.
type RefreshRotation string

const (
	RotationAlways RefreshRotation = "always"
	RotationNever  RefreshRotation = "never"
)

// HashAlgorithm selects the password hashing algorithm.
type HashAlgorithm string

const (
	HashBcrypt   HashAlgorithm = "bcrypt"
	HashArgon2id HashAlgorithm = "argon2id"
)

// Config holds all application configuration.
type Config struct {
	Env         string
	Port        string
	DatabaseURL string
	SentryDSN   string

	// Issuer is the public base URL of this server. It is emitted as the
	// iss claim and used as the expected aud of client assertions.
	Issuer string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	CodeTTL         time.Duration

	AccessTokenFormat AccessTokenFormat
	RefreshRotation   RefreshRotation

	// ReplayWindow enables refresh-token reuse detection when > 0: a rotated
	// refresh token presented again within the window revokes every token of
	// the owning user.
	ReplayWindow time.Duration

	PasswordGrantEnabled bool

	JWKSCacheTTL      time.Duration
	SigningAlgorithms []string

	// SigningKeyPEM is the PEM-encoded RSA private key used for RS256.
	SigningKeyPEM string
	SigningKeyID  string

	HashAlgorithm HashAlgorithm
	BcryptCost    int
	Argon2Memory  uint32
	Argon2Time    uint32
	Argon2Threads uint8
}

// Load reads configuration from environment variables, applying the
// documented defaults. Validation errors are fatal at startup, never at
// request time.
func Load() (Config, error) {
	cfg := Config{
		Env:                  getEnv("APP_ENV", "development"),
		Port:                 getEnv("PORT", "8080"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		SentryDSN:            os.Getenv("SENTRY_DSN"),
		Issuer:               getEnv("ISSUER", "http://localhost:8080"),
		AccessTokenTTL:       getEnvAsSeconds("ACCESS_TOKEN_TTL_SEC", 3600),
		RefreshTokenTTL:      getEnvAsSeconds("REFRESH_TOKEN_TTL_SEC", 2592000),
		CodeTTL:              getEnvAsSeconds("CODE_TTL_SEC", 600),
		AccessTokenFormat:    AccessTokenFormat(getEnv("ACCESS_TOKEN_FORMAT", "jwt")),
		RefreshRotation:      RefreshRotation(getEnv("REFRESH_ROTATION", "always")),
		ReplayWindow:         getEnvAsSeconds("REFRESH_REPLAY_WINDOW_SEC", 0),
		PasswordGrantEnabled: getEnvAsBool("PASSWORD_GRANT_ENABLED", false),
		JWKSCacheTTL:         getEnvAsSeconds("JWKS_CACHE_TTL_SEC", 3600),
		SigningAlgorithms:    getEnvAsList("SIGNING_ALGORITHMS", []string{"RS256"}),
		SigningKeyPEM:        os.Getenv("SIGNING_KEY_PEM"),
		SigningKeyID:         getEnv("SIGNING_KEY_ID", "sig-1"),
		HashAlgorithm:        HashAlgorithm(getEnv("HASH_ALGORITHM", "bcrypt")),
		BcryptCost:           getEnvAsInt("BCRYPT_COST", 12),
		Argon2Memory:         uint32(getEnvAsInt("ARGON2_MEMORY_KB", 64*1024)),
		Argon2Time:           uint32(getEnvAsInt("ARGON2_TIME", 1)),
		Argon2Threads:        uint8(getEnvAsInt("ARGON2_THREADS", 4)),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.AccessTokenFormat {
	case FormatOpaque, FormatJWT:
	default:
		return fmt.Errorf("invalid ACCESS_TOKEN_FORMAT %q", c.AccessTokenFormat)
	}
	switch c.RefreshRotation {
	case RotationAlways, RotationNever:
	default:
		return fmt.Errorf("invalid REFRESH_ROTATION %q", c.RefreshRotation)
	}
	switch c.HashAlgorithm {
	case HashBcrypt, HashArgon2id:
	default:
		return fmt.Errorf("invalid HASH_ALGORITHM %q", c.HashAlgorithm)
	}
	if c.CodeTTL > 10*time.Minute {
		return fmt.Errorf("CODE_TTL_SEC exceeds the 10 minute ceiling")
	}
	for _, alg := range c.SigningAlgorithms {
		switch alg {
		case "RS256", "ES256", "HS256":
		default:
			return fmt.Errorf("unsupported signing algorithm %q", alg)
		}
	}
	return nil
}

func getEnv(name, defaultVal string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultVal
}

func getEnvAsBool(name string, defaultVal bool) bool {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.ParseBool(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvAsInt(name string, defaultVal int) int {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvAsSeconds(name string, defaultSec int) time.Duration {
	return time.Duration(getEnvAsInt(name, defaultSec)) * time.Second
}

func getEnvAsList(name string, defaultVal []string) []string {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	parts := strings.Split(valStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
