package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Common errors
var (
	ErrKeyNotFound      = errors.New("signing key not found")
	ErrSignatureInvalid = errors.New("token signature invalid")
	ErrTokenMalformed   = errors.New("token malformed")
	ErrTokenExpired     = errors.New("token has expired")
)

// MaxLeeway bounds the clock tolerance applied during verification.
const MaxLeeway = 60 * time.Second

// SigningKey is one entry in the keyring. Material is *rsa.PrivateKey for
// RS256, *ecdsa.PrivateKey for ES256 or []byte for HS256.
type SigningKey struct {
	ID       string
	Alg      string
	Material any
}

type keyring struct {
	keys   map[string]SigningKey
	active string
}

// Signer signs and verifies JWTs against an immutable keyring. Rotation
// replaces the keyring atomically (copy-on-write pointer swap); old keys
// remain resolvable until all tokens signed by them have expired.
type Signer struct {
	ring   atomic.Pointer[keyring]
	leeway time.Duration
}

// NewSigner creates a Signer. The first key becomes the active signing key.
func NewSigner(leeway time.Duration, keys ...SigningKey) (*Signer, error) {
	if len(keys) == 0 {
		return nil, errors.New("signer requires at least one key")
	}
	if leeway > MaxLeeway {
		leeway = MaxLeeway
	}
	s := &Signer{leeway: leeway}
	s.swap(keys)
	return s, nil
}

// Rotate installs a new keyring. Callers should include still-resolvable
// old keys alongside the new active key (passed first).
func (s *Signer) Rotate(keys ...SigningKey) {
	if len(keys) == 0 {
		return
	}
	s.swap(keys)
}

func (s *Signer) swap(keys []SigningKey) {
	ring := &keyring{keys: make(map[string]SigningKey, len(keys)), active: keys[0].ID}
	for _, k := range keys {
		ring.keys[k.ID] = k
	}
	s.ring.Store(ring)
}

// Sign creates a compact JWT with the active key. The kid header is always
// emitted so verifiers can resolve the key from the JWKS.
func (s *Signer) Sign(claims jwt.Claims) (string, error) {
	ring := s.ring.Load()
	key := ring.keys[ring.active]

	method := jwt.GetSigningMethod(key.Alg)
	if method == nil {
		return "", fmt.Errorf("%w: unknown algorithm %q", ErrKeyNotFound, key.Alg)
	}

	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = key.ID

	signed, err := token.SignedString(key.Material)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and verifies a JWT signed by this server, populating claims.
// Verification fails for alg "none", an unknown kid, or a clock outside
// [iat - leeway, exp + leeway].
func (s *Signer) Verify(tokenString string, claims jwt.Claims) error {
	ring := s.ring.Load()

	algs := make([]string, 0, len(ring.keys))
	for _, k := range ring.keys {
		algs = append(algs, k.Alg)
	}

	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := ring.keys[kid]
		if !ok {
			return nil, ErrKeyNotFound
		}
		return verificationMaterial(key.Material), nil
	},
		jwt.WithValidMethods(algs),
		jwt.WithLeeway(s.leeway),
		jwt.WithIssuedAt(),
	)
	return translateJWTError(err)
}

// VerifyWithKeys verifies a JWT against an externally supplied key set,
// such as a client's fetched JWKS. Keys are public key material by kid.
func VerifyWithKeys(tokenString string, claims jwt.Claims, keys map[string]any, algs []string, leeway time.Duration) error {
	if leeway > MaxLeeway {
		leeway = MaxLeeway
	}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := keys[kid]
		if !ok {
			return nil, ErrKeyNotFound
		}
		return key, nil
	},
		jwt.WithValidMethods(algs),
		jwt.WithLeeway(leeway),
	)
	return translateJWTError(err)
}

func verificationMaterial(material any) any {
	switch k := material.(type) {
	case *rsa.PrivateKey:
		return &k.PublicKey
	case *ecdsa.PrivateKey:
		return &k.PublicKey
	default:
		// HS256 shared secret
		return material
	}
}

func translateJWTError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrTokenMalformed
	case errors.Is(err, ErrKeyNotFound):
		return ErrKeyNotFound
	default:
		return ErrSignatureInvalid
	}
}

// GenerateRSAPrivateKeyPEM creates a fresh 2048-bit RSA key in PKCS1 PEM
// form. Intended for dev-mode startup; production keys come from keygen.
func GenerateRSAPrivateKeyPEM() (string, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	return string(pem.EncodeToMemory(block)), nil
}

// ParseRSAPrivateKeyPEM parses a PEM-encoded RSA private key in PKCS1 or
// PKCS8 form. The PEM content is passed directly, not a filename.
func ParseRSAPrivateKeyPEM(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to parse PEM block containing the private key")
	}

	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err == nil {
		return priv, nil
	}

	key, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err2 != nil {
		return nil, fmt.Errorf("failed to parse private key: %v | %v", err, err2)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("key is not of type *rsa.PrivateKey")
	}
	return priv, nil
}
