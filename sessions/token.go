package sessions

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// TokenSigner wraps registry session ids in tamper-evident tokens for the
// transport edge. The registry itself always keys by the raw id; signing is
// purely an envelope concern so a forged or truncated token fails closed as
// an invalid session rather than a lookup for an attacker-chosen key.
type TokenSigner interface {
	// Wrap returns the outward token for a session id.
	Wrap(sessionID string) (string, error)
	// Unwrap verifies a token and returns the session id it carries.
	Unwrap(token string) (string, error)
}

// EdDSATokenSigner implements TokenSigner as a compact Ed25519 JWS over the
// session id.
type EdDSATokenSigner struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEdDSATokenSigner builds a signer around an existing private key.
func NewEdDSATokenSigner(priv ed25519.PrivateKey) *EdDSATokenSigner {
	return &EdDSATokenSigner{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

// GenerateEdDSATokenSigner builds a signer with a freshly generated key.
// Suitable for single-process deployments; multi-node deployments must share
// a key so any node can verify tokens minted by another.
func GenerateEdDSATokenSigner() (*EdDSATokenSigner, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return NewEdDSATokenSigner(priv), nil
}

func (s *EdDSATokenSigner) Wrap(sessionID string) (string, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: s.priv}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	jws, err := signer.Sign([]byte(sessionID))
	if err != nil {
		return "", fmt.Errorf("failed to sign session id: %w", err)
	}
	compact, err := jws.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize jws: %w", err)
	}
	return compact, nil
}

func (s *EdDSATokenSigner) Unwrap(token string) (string, error) {
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	payload, err := jws.Verify(s.pub)
	if err != nil {
		return "", fmt.Errorf("token verification failed: %w", err)
	}
	return string(payload), nil
}
