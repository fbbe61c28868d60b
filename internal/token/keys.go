package token

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/go-jose/go-jose/v3"
)

// SigningKey is an RSA key with the id published in the JWKS.
type SigningKey struct {
	ID      string
	Private *rsa.PrivateKey
}

// KeyProvider supplies the tenant default RS256 keys. Rotation and storage of
// key material belong to the provider.
type KeyProvider interface {
	SigningKey(ctx context.Context, tenantID string) (SigningKey, error)
	// VerificationKeys returns every key whose signatures are still accepted.
	VerificationKeys(ctx context.Context, tenantID string) ([]SigningKey, error)
}

// StaticKeys serves the same key set to every tenant. The first key signs.
type StaticKeys struct {
	keys []SigningKey
}

func NewStaticKeys(keys ...SigningKey) (*StaticKeys, error) {
	if len(keys) == 0 {
		return nil, errors.New("token: at least one signing key is required")
	}
	for i, k := range keys {
		if k.Private == nil {
			return nil, fmt.Errorf("token: key %d has no private key", i)
		}
		if k.ID == "" {
			keys[i].ID = Thumbprint(&k.Private.PublicKey)
		}
	}
	return &StaticKeys{keys: keys}, nil
}

// StaticKeysFromPEM parses a PKCS#1 or PKCS#8 RSA private key.
func StaticKeysFromPEM(privatePEM, keyID string) (*StaticKeys, error) {
	priv, err := parseRSAPrivateKey(strings.TrimSpace(privatePEM))
	if err != nil {
		return nil, fmt.Errorf("token: parse private key: %w", err)
	}
	return NewStaticKeys(SigningKey{ID: strings.TrimSpace(keyID), Private: priv})
}

// GenerateStaticKeys creates an ephemeral key. Tokens do not survive a restart.
func GenerateStaticKeys(bits int) (*StaticKeys, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	return NewStaticKeys(SigningKey{Private: priv})
}

func (s *StaticKeys) SigningKey(context.Context, string) (SigningKey, error) {
	return s.keys[0], nil
}

func (s *StaticKeys) VerificationKeys(context.Context, string) ([]SigningKey, error) {
	return append([]SigningKey(nil), s.keys...), nil
}

// JWKS renders the public half of the tenant's verification keys.
func JWKS(ctx context.Context, keys KeyProvider, tenantID string) (jose.JSONWebKeySet, error) {
	list, err := keys.VerificationKeys(ctx, tenantID)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(list))}
	for _, k := range list {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       &k.Private.PublicKey,
			KeyID:     k.ID,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		})
	}
	return set, nil
}

// Thumbprint is the RFC 7638 SHA-256 thumbprint of pub, used as a default key id.
func Thumbprint(pub *rsa.PublicKey) string {
	jwk := jose.JSONWebKey{Key: pub}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(sum)
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("unsupported private key type")
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}
