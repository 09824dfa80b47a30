package signature

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-jwt/jwt/v5"

	"plugind/pkg/plugin/loader"
)

// FileName is the signature file expected at the plugin root. It is left
// out of the tree digest it signs.
const FileName = "plugin.sig"

var (
	ErrSignatureMissing = errors.New("plugin signature missing")
	ErrSignatureInvalid = errors.New("plugin signature invalid")
	ErrNoSigningKey     = errors.New("no signing key configured")
)

type Config struct {
	Algorithm  string `json:"algorithm" yaml:"algorithm"`
	SecretKey  string `json:"-" yaml:"-"`
	PrivateKey string `json:"-" yaml:"-"`
	PublicKey  string `json:"-" yaml:"-"`
}

// Claims bind a plugin name and version to the digest of its tree.
type Claims struct {
	Version string `json:"version"`
	Digest  string `json:"digest"`
	jwt.RegisteredClaims
}

type Verifier struct {
	signingMethod jwt.SigningMethod
	secretKey     []byte
	privateKey    *rsa.PrivateKey
	publicKey     *rsa.PublicKey
}

func NewVerifier(cfg Config) (*Verifier, error) {
	v := &Verifier{}
	switch cfg.Algorithm {
	case "HS256", "HS384", "HS512":
		if cfg.SecretKey == "" {
			return nil, fmt.Errorf("%w: %s requires a secret key", ErrNoSigningKey, cfg.Algorithm)
		}
		v.signingMethod = jwt.GetSigningMethod(cfg.Algorithm)
		v.secretKey = []byte(cfg.SecretKey)
	case "RS256":
		v.signingMethod = jwt.SigningMethodRS256
		if cfg.PublicKey == "" {
			return nil, fmt.Errorf("%w: RS256 requires a public key", ErrNoSigningKey)
		}
		publicKey, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		v.publicKey = publicKey
		if cfg.PrivateKey != "" {
			privateKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.PrivateKey))
			if err != nil {
				return nil, fmt.Errorf("failed to parse private key: %w", err)
			}
			v.privateKey = privateKey
		}
	default:
		return nil, fmt.Errorf("unsupported signing method: %s", cfg.Algorithm)
	}
	return v, nil
}

// SecretGetter is the subset of a secret store the verifier needs.
type SecretGetter interface {
	GetSecret(key string) (string, error)
}

// FromSecrets builds a verifier whose key material is read from a secret
// store. For HMAC algorithms the secret is the shared key; for RS256 it is
// the PEM public key.
func FromSecrets(algorithm, keySecret string, store SecretGetter) (*Verifier, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: no secret store available", ErrNoSigningKey)
	}
	key, err := store.GetSecret(keySecret)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key %s: %w", keySecret, err)
	}
	cfg := Config{Algorithm: algorithm}
	if algorithm == "RS256" {
		cfg.PublicKey = key
	} else {
		cfg.SecretKey = key
	}
	return NewVerifier(cfg)
}

func (v *Verifier) Algorithm() string {
	return v.signingMethod.Alg()
}

// Sign produces a token for the tree at dir.
func (v *Verifier) Sign(dir, name, version string) (string, error) {
	digest, err := loader.Checksum(dir, FileName)
	if err != nil {
		return "", fmt.Errorf("failed to digest %s: %w", dir, err)
	}

	token := jwt.NewWithClaims(v.signingMethod, Claims{
		Version: version,
		Digest:  digest,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: name,
		},
	})

	switch {
	case v.secretKey != nil:
		return token.SignedString(v.secretKey)
	case v.privateKey != nil:
		return token.SignedString(v.privateKey)
	default:
		return "", fmt.Errorf("%w: verifier has no private key", ErrNoSigningKey)
	}
}

// WriteSignature signs dir and stores the token in its signature file.
func (v *Verifier) WriteSignature(dir, name, version string) error {
	token, err := v.Sign(dir, name, version)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, FileName), []byte(token), 0o644)
}

// Verify checks the signature file in dir against the tree digest and the
// declared name and version.
func (v *Verifier) Verify(dir, name, version string) error {
	raw, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrSignatureMissing
		}
		return fmt.Errorf("failed to read signature: %w", err)
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(string(raw), &claims, func(t *jwt.Token) (interface{}, error) {
		if v.secretKey != nil {
			return v.secretKey, nil
		}
		return v.publicKey, nil
	}, jwt.WithValidMethods([]string{v.signingMethod.Alg()}))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !token.Valid {
		return ErrSignatureInvalid
	}

	if claims.Subject != name {
		return fmt.Errorf("%w: signed for %q, not %q", ErrSignatureInvalid, claims.Subject, name)
	}
	if claims.Version != version {
		return fmt.Errorf("%w: signed for version %q, not %q", ErrSignatureInvalid, claims.Version, version)
	}

	digest, err := loader.Checksum(dir, FileName)
	if err != nil {
		return fmt.Errorf("failed to digest %s: %w", dir, err)
	}
	if digest != claims.Digest {
		return fmt.Errorf("%w: content digest mismatch", ErrSignatureInvalid)
	}
	return nil
}
