package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"

	"github.com/gatewarden/gatewarden/internal/config"
)

// ErrPasswordMismatch is returned when a password does not match its hash.
var ErrPasswordMismatch = errors.New("password does not match")

// PasswordHasher defines the contract for password operations.
// This interface allows us to easily mock hashing in tests or swap algorithms.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
}

// NewPasswordHasher builds the hasher selected by configuration.
func NewPasswordHasher(cfg config.Config) PasswordHasher {
	if cfg.HashAlgorithm == config.HashArgon2id {
		return &Argon2Hasher{
			memory:  cfg.Argon2Memory,
			time:    cfg.Argon2Time,
			threads: cfg.Argon2Threads,
		}
	}
	return &BcryptHasher{cost: cfg.BcryptCost}
}

// BcryptHasher implements PasswordHasher using the bcrypt algorithm.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher creates a new hasher with the default cost (12).
func NewBcryptHasher() *BcryptHasher {
	return &BcryptHasher{cost: 12}
}

// Hash returns the bcrypt hash of the password.
func (h *BcryptHasher) Hash(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(bytes), nil
}

// Compare checks if the provided password matches the hash.
// bcrypt's comparison is constant-time internally.
func (h *BcryptHasher) Compare(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrPasswordMismatch
	}
	return nil
}

// Argon2Hasher implements PasswordHasher using argon2id. Hashes use the
// standard encoded form: $argon2id$v=19$m=...,t=...,p=...$salt$digest.
type Argon2Hasher struct {
	memory  uint32
	time    uint32
	threads uint8
}

const argon2SaltLen = 16
const argon2KeyLen = 32

// Hash returns the argon2id encoded hash of the password.
func (h *Argon2Hasher) Hash(password string) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	digest := argon2.IDKey([]byte(password), salt, h.time, h.memory, h.threads, argon2KeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.time, h.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(digest),
	), nil
}

// Compare checks the password against an encoded argon2id hash in constant time.
func (h *Argon2Hasher) Compare(hash, password string) error {
	parts := strings.Split(hash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return ErrPasswordMismatch
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return ErrPasswordMismatch
	}

	var memory, timeCost uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &timeCost, &threads); err != nil {
		return ErrPasswordMismatch
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return ErrPasswordMismatch
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return ErrPasswordMismatch
	}

	digest := argon2.IDKey([]byte(password), salt, timeCost, memory, threads, uint32(len(expected)))
	if subtle.ConstantTimeCompare(digest, expected) != 1 {
		return ErrPasswordMismatch
	}
	return nil
}
