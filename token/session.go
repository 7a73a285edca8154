package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	perrors "github.com/jrsteele09/go-portal-auth/internal/errors"
	"github.com/jrsteele09/go-portal-auth/users"
)

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

const opaqueTokenLength = 32 // bytes, 256 bits

// Claims are the session claims carried by access tokens.
type Claims struct {
	jwt.RegisteredClaims

	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Issuer creates and validates session access tokens.
type Issuer struct {
	signer Signer
	issuer string
	ttl    time.Duration
}

func NewIssuer(signer Signer, issuer string, ttl time.Duration) (*Issuer, error) {
	if signer == nil {
		return nil, errors.New("[NewIssuer] signer is required")
	}
	if issuer == "" {
		return nil, errors.New("[NewIssuer] issuer is required")
	}
	if ttl <= 0 {
		return nil, errors.New("[NewIssuer] ttl must be positive")
	}
	return &Issuer{signer: signer, issuer: issuer, ttl: ttl}, nil
}

// JWKS returns the public key set for verifying issued tokens. It is empty
// for symmetric signers, whose key is never published.
func (i *Issuer) JWKS() (*JWKS, error) {
	rsaSigner, ok := i.signer.(*RSASigner)
	if !ok {
		return &JWKS{Keys: []JWK{}}, nil
	}
	return rsaSigner.KeyPair().JWKS()
}

// Issue signs an access token for user and returns it with its claims.
func (i *Issuer) Issue(user *users.User) (string, *Claims, error) {
	now := NowTimeFunc()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   user.ID,
			Audience:  jwt.ClaimStrings{i.issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.New().String(),
		},
		Email: user.Email,
		Name:  user.DisplayName(),
		Role:  string(user.Role),
	}

	raw, err := i.signer.Sign(claims)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign session token: %w", err)
	}
	return raw, claims, nil
}

// Parse validates raw and returns its claims. Expired tokens yield
// ErrSessionExpired, anything else unusable yields ErrInvalidToken.
func (i *Issuer) Parse(raw string) (*Claims, error) {
	if raw == "" {
		return nil, perrors.ErrInvalidToken
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, i.signer.VerificationKey,
		jwt.WithIssuer(i.issuer),
		jwt.WithValidMethods([]string{i.signer.Method().Alg()}),
		jwt.WithTimeFunc(NowTimeFunc),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, perrors.ErrSessionExpired
	case err != nil:
		return nil, perrors.Wrapf(perrors.ErrInvalidToken, "parse: %v", err)
	}
	return claims, nil
}

// NewOpaqueToken returns a random hex token for refresh handles.
func NewOpaqueToken() (string, error) {
	b := make([]byte, opaqueTokenLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
