// Package keys manages the two rotating ES256 signing key pairs.
//
// Both pairs live in the secret named "jwks", one secret key per role. Tokens
// are always signed with the current pair and verified against both, so a
// rotation never invalidates tokens signed with the next pair.
package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/giantswarm/github-auth/secrets"
)

// SecretStoreID is the secret holding both key pairs.
const SecretStoreID = "jwks"

// Algorithm is the JWS algorithm of every generated key.
const Algorithm = "ES256"

// Role selects one of the two live key pairs.
type Role string

const (
	RoleCurrent Role = "current"
	RoleNext    Role = "next"
)

// Roles lists the roles in signing-preference order.
var Roles = [2]Role{RoleCurrent, RoleNext}

// JWK is an EC P-256 JSON Web Key. D is only set on private keys.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
	D   string `json:"d,omitempty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

// Material is one half of a key pair in both serialisations.
type Material struct {
	PEM string `json:"pem"`
	JWK JWK    `json:"jwk"`
}

// KeyPair is a signing key pair as stored in the secret store.
type KeyPair struct {
	Role       Role     `json:"-"`
	Issuer     string   `json:"issuer"`
	PublicKey  Material `json:"publicKey"`
	PrivateKey Material `json:"privateKey"`
}

// KeyID returns the kid shared by both halves.
func (k KeyPair) KeyID() string {
	return k.PublicKey.JWK.Kid
}

// Signer parses the private half.
func (k KeyPair) Signer() (*ecdsa.PrivateKey, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(k.PrivateKey.PEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s private key: %w", k.Role, err)
	}
	return key, nil
}

// Verifier parses the public half.
func (k KeyPair) Verifier() (*ecdsa.PublicKey, error) {
	key, err := jwt.ParseECPublicKeyFromPEM([]byte(k.PublicKey.PEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s public key: %w", k.Role, err)
	}
	return key, nil
}

// JWKS is the public JSON Web Key Set document.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// SecretCache is the subset of secrets.Cache the manager needs.
type SecretCache interface {
	Get(ctx context.Context, storeID, key string) (string, error)
	Set(ctx context.Context, storeID, key, value string) (string, error)
	SetIfAbsent(ctx context.Context, storeID, key, value string) (string, error)
}

// Manager creates, loads and rotates the signing key pairs.
type Manager struct {
	cache  SecretCache
	logger *slog.Logger
}

// NewManager creates a key manager backed by cache.
func NewManager(cache SecretCache, logger *slog.Logger) (*Manager, error) {
	if cache == nil {
		return nil, fmt.Errorf("secret cache is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cache: cache, logger: logger}, nil
}

// GetOrCreateKeys returns the current and next key pairs, generating any
// missing pair. Concurrent cold starts converge on whichever pair was stored
// first.
func (m *Manager) GetOrCreateKeys(ctx context.Context, issuer string) ([2]KeyPair, error) {
	var pairs [2]KeyPair
	for i, role := range Roles {
		pair, err := m.getOrCreate(ctx, issuer, role)
		if err != nil {
			return pairs, err
		}
		pairs[i] = pair
	}
	return pairs, nil
}

func (m *Manager) getOrCreate(ctx context.Context, issuer string, role Role) (KeyPair, error) {
	encoded, err := m.cache.Get(ctx, SecretStoreID, string(role))
	if err == nil {
		return decode(role, encoded)
	}
	if !errors.Is(err, secrets.ErrSecretNotFound) {
		return KeyPair{}, fmt.Errorf("failed to load %s key: %w", role, err)
	}

	generated, err := Generate(issuer, role)
	if err != nil {
		return KeyPair{}, err
	}
	value, err := encode(generated)
	if err != nil {
		return KeyPair{}, err
	}

	stored, err := m.cache.SetIfAbsent(ctx, SecretStoreID, string(role), value)
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to store %s key: %w", role, err)
	}

	pair, err := decode(role, stored)
	if err != nil {
		return KeyPair{}, err
	}
	if pair.KeyID() == generated.KeyID() {
		m.logger.Info("Generated signing key", "role", role, "kid", pair.KeyID())
	}
	return pair, nil
}

// PublicKeys returns the public JWKs of both pairs, current first.
func (m *Manager) PublicKeys(ctx context.Context, issuer string) ([]JWK, error) {
	pairs, err := m.GetOrCreateKeys(ctx, issuer)
	if err != nil {
		return nil, err
	}
	return []JWK{pairs[0].PublicKey.JWK, pairs[1].PublicKey.JWK}, nil
}

// JWKS returns the public key set document.
func (m *Manager) JWKS(ctx context.Context, issuer string) (*JWKS, error) {
	keys, err := m.PublicKeys(ctx, issuer)
	if err != nil {
		return nil, err
	}
	return &JWKS{Keys: keys}, nil
}

// Rotate promotes the next pair to current and generates a new next pair.
// The retired current pair is dropped, so tokens it signed stop verifying.
// Other processes observe the rotation once their secret cache expires.
func (m *Manager) Rotate(ctx context.Context, issuer string) ([2]KeyPair, error) {
	pairs, err := m.GetOrCreateKeys(ctx, issuer)
	if err != nil {
		return pairs, err
	}
	promoted := pairs[1]

	fresh, err := Generate(issuer, RoleNext)
	if err != nil {
		return pairs, err
	}

	promotedValue, err := encode(promoted)
	if err != nil {
		return pairs, err
	}
	freshValue, err := encode(fresh)
	if err != nil {
		return pairs, err
	}

	if _, err := m.cache.Set(ctx, SecretStoreID, string(RoleCurrent), promotedValue); err != nil {
		return pairs, fmt.Errorf("failed to promote next key: %w", err)
	}
	if _, err := m.cache.Set(ctx, SecretStoreID, string(RoleNext), freshValue); err != nil {
		return pairs, fmt.Errorf("failed to store new next key: %w", err)
	}

	m.logger.Info("Rotated signing keys",
		"retired_kid", pairs[0].KeyID(),
		"current_kid", promoted.KeyID(),
		"next_kid", fresh.KeyID())

	return m.GetOrCreateKeys(ctx, issuer)
}

// Generate creates a fresh P-256 key pair with a random kid.
func Generate(issuer string, role Role) (KeyPair, error) {
	private, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to generate key: %w", err)
	}

	kid := uuid.NewString()

	privateDER, err := x509.MarshalECPrivateKey(private)
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to marshal private key: %w", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&private.PublicKey)
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to marshal public key: %w", err)
	}

	publicJWK, privateJWK, err := toJWK(private, kid)
	if err != nil {
		return KeyPair{}, err
	}

	return KeyPair{
		Role:   role,
		Issuer: issuer,
		PublicKey: Material{
			PEM: string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})),
			JWK: publicJWK,
		},
		PrivateKey: Material{
			PEM: string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privateDER})),
			JWK: privateJWK,
		},
	}, nil
}

func toJWK(private *ecdsa.PrivateKey, kid string) (JWK, JWK, error) {
	ecdhPrivate, err := private.ECDH()
	if err != nil {
		return JWK{}, JWK{}, fmt.Errorf("failed to convert key: %w", err)
	}

	// Uncompressed point: 0x04 || X || Y
	point := ecdhPrivate.PublicKey().Bytes()
	size := (len(point) - 1) / 2

	public := JWK{
		Kty: "EC",
		Crv: "P-256",
		X:   base64.RawURLEncoding.EncodeToString(point[1 : 1+size]),
		Y:   base64.RawURLEncoding.EncodeToString(point[1+size:]),
		Use: "sig",
		Alg: Algorithm,
		Kid: kid,
	}
	privateJWK := public
	privateJWK.D = base64.RawURLEncoding.EncodeToString(ecdhPrivate.Bytes())
	return public, privateJWK, nil
}

func encode(pair KeyPair) (string, error) {
	raw, err := json.Marshal(pair)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s key: %w", pair.Role, err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decode(role Role, value string) (KeyPair, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to decode %s key: %w", role, err)
	}
	var pair KeyPair
	if err := json.Unmarshal(raw, &pair); err != nil {
		return KeyPair{}, fmt.Errorf("failed to decode %s key: %w", role, err)
	}
	if pair.PrivateKey.PEM == "" || pair.PublicKey.JWK.Kid == "" {
		return KeyPair{}, fmt.Errorf("stored %s key is incomplete", role)
	}
	pair.Role = role
	return pair, nil
}
