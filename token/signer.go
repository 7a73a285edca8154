package token

import (
	"crypto/rsa"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

const minHMACSecretLength = 32

// Signer is an interface for signing and verifying JWT tokens
type Signer interface {
	// Sign creates a signed JWT token from claims
	Sign(claims jwt.Claims) (string, error)

	// VerificationKey returns the key used to check a parsed token's signature
	VerificationKey(token *jwt.Token) (any, error)

	// Method returns the JWT signing method used
	Method() jwt.SigningMethod
}

// HMACSigner implements Signer using symmetric HMAC-SHA256
type HMACSigner struct {
	secret []byte
}

// NewHMACSigner creates a new HMAC signer with the given secret
func NewHMACSigner(secret []byte) (*HMACSigner, error) {
	if len(secret) < minHMACSecretLength {
		return nil, errors.Errorf("HMAC secret must be at least %d bytes", minHMACSecretLength)
	}
	return &HMACSigner{secret: secret}, nil
}

func (h *HMACSigner) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(h.secret)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign token with HMAC")
	}
	return signedToken, nil
}

func (h *HMACSigner) VerificationKey(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, errors.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return h.secret, nil
}

func (h *HMACSigner) Method() jwt.SigningMethod {
	return jwt.SigningMethodHS256
}

// RSASigner implements Signer with an RS256 key pair and stamps the key id
// into the token header so JWKS consumers can pick the right key.
type RSASigner struct {
	keyPair *KeyPair
}

func NewRSASigner(kp *KeyPair) (*RSASigner, error) {
	if kp == nil {
		return nil, errors.New("key pair is required")
	}
	if _, ok := kp.PrivateKey.(*rsa.PrivateKey); !ok {
		return nil, errors.New("RSA private key is required")
	}
	return &RSASigner{keyPair: kp}, nil
}

func (r *RSASigner) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = r.keyPair.KeyID
	signedToken, err := token.SignedString(r.keyPair.PrivateKey)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign token with RSA")
	}
	return signedToken, nil
}

func (r *RSASigner) VerificationKey(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, errors.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return r.keyPair.PublicKey, nil
}

func (r *RSASigner) Method() jwt.SigningMethod {
	return jwt.SigningMethodRS256
}

// KeyPair exposes the signer's key pair, e.g. to publish its JWKS.
func (r *RSASigner) KeyPair() *KeyPair {
	return r.keyPair
}
