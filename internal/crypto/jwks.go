package crypto

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/base64"
	"math/big"
)

// JWK represents a JSON Web Key.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`

	// RSA
	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`

	// EC
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

// JWKS represents a JSON Web Key Set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWKS returns the public key set of the current keyring. HMAC keys are
// symmetric and never exported.
func (s *Signer) JWKS() *JWKS {
	ring := s.ring.Load()
	set := &JWKS{Keys: []JWK{}}

	for _, key := range ring.keys {
		switch k := key.Material.(type) {
		case *rsa.PrivateKey:
			set.Keys = append(set.Keys, rsaJWK(key.ID, key.Alg, &k.PublicKey))
		case *ecdsa.PrivateKey:
			set.Keys = append(set.Keys, ecJWK(key.ID, key.Alg, &k.PublicKey))
		}
	}
	return set
}

func rsaJWK(kid, alg string, pub *rsa.PublicKey) JWK {
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes())
	n := base64.RawURLEncoding.EncodeToString(pub.N.Bytes())
	return JWK{Kty: "RSA", Kid: kid, Use: "sig", Alg: alg, N: n, E: e}
}

func ecJWK(kid, alg string, pub *ecdsa.PublicKey) JWK {
	byteLen := (pub.Curve.Params().BitSize + 7) / 8
	x := base64.RawURLEncoding.EncodeToString(pub.X.FillBytes(make([]byte, byteLen)))
	y := base64.RawURLEncoding.EncodeToString(pub.Y.FillBytes(make([]byte, byteLen)))
	return JWK{Kty: "EC", Kid: kid, Use: "sig", Alg: alg, Crv: pub.Curve.Params().Name, X: x, Y: y}
}

// PublicKeys converts a parsed JWKS document into verification material
// keyed by kid, as consumed by VerifyWithKeys. Unsupported key types are
// skipped rather than failing the whole set.
func (j *JWKS) PublicKeys() map[string]any {
	keys := make(map[string]any, len(j.Keys))
	for _, k := range j.Keys {
		switch k.Kty {
		case "RSA":
			pub, err := k.rsaPublicKey()
			if err == nil {
				keys[k.Kid] = pub
			}
		case "EC":
			pub, err := k.ecPublicKey()
			if err == nil {
				keys[k.Kid] = pub
			}
		}
	}
	return keys
}

func (k JWK) rsaPublicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

func (k JWK) ecPublicKey() (*ecdsa.PublicKey, error) {
	curve, err := curveByName(k.Crv)
	if err != nil {
		return nil, err
	}
	xBytes, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, err
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, err
	}
	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}
