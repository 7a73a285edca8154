package token

import (
	"fmt"
	"strings"
)

// Supported signing algorithms.
const (
	AlgorithmHS256 = "HS256"
	AlgorithmRS256 = "RS256"
)

// NewSigner builds a signer for algorithm. HS256 signs with secret; RS256
// generates a fresh key pair under keyID and ignores secret.
func NewSigner(algorithm string, secret []byte, keyID string) (Signer, error) {
	switch strings.ToUpper(strings.TrimSpace(algorithm)) {
	case AlgorithmHS256:
		return NewHMACSigner(secret)
	case AlgorithmRS256:
		keyPair, err := GenerateRSAKeyPair(keyID, 2048)
		if err != nil {
			return nil, fmt.Errorf("failed to generate RS256 key pair: %w", err)
		}
		return NewRSASigner(keyPair)
	}
	return nil, fmt.Errorf("unsupported signing algorithm %q", algorithm)
}
