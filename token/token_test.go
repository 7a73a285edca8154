package token_test

import (
	"testing"
	"time"

	perrors "github.com/jrsteele09/go-portal-auth/internal/errors"
	"github.com/jrsteele09/go-portal-auth/token"
	"github.com/jrsteele09/go-portal-auth/users"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer = "https://portal.example.com"
	testSecret = "0123456789abcdef0123456789abcdef"
)

func testUser() *users.User {
	return &users.User{
		ID:        "user-1",
		Email:     "jane@example.com",
		FirstName: "Jane",
		LastName:  "Doe",
		Role:      users.RoleClient,
	}
}

func newIssuer(t *testing.T, signer token.Signer) *token.Issuer {
	t.Helper()
	issuer, err := token.NewIssuer(signer, testIssuer, time.Hour)
	require.NoError(t, err)
	return issuer
}

func TestNewIssuerValidation(t *testing.T) {
	signer, err := token.NewHMACSigner([]byte(testSecret))
	require.NoError(t, err)

	_, err = token.NewIssuer(nil, testIssuer, time.Hour)
	require.Error(t, err)
	_, err = token.NewIssuer(signer, "", time.Hour)
	require.Error(t, err)
	_, err = token.NewIssuer(signer, testIssuer, 0)
	require.Error(t, err)

	_, err = token.NewHMACSigner([]byte("short"))
	require.Error(t, err)
}

func TestIssueAndParseHMAC(t *testing.T) {
	signer, err := token.NewHMACSigner([]byte(testSecret))
	require.NoError(t, err)
	issuer := newIssuer(t, signer)

	raw, claims, err := issuer.Issue(testUser())
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	require.Equal(t, "user-1", claims.Subject)

	parsed, err := issuer.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "user-1", parsed.Subject)
	require.Equal(t, "jane@example.com", parsed.Email)
	require.Equal(t, "Jane Doe", parsed.Name)
	require.Equal(t, "client", parsed.Role)
	require.Equal(t, claims.ID, parsed.ID)
}

func TestIssueAndParseRSA(t *testing.T) {
	kp, err := token.GenerateRSAKeyPair("key-1", 2048)
	require.NoError(t, err)
	signer, err := token.NewRSASigner(kp)
	require.NoError(t, err)
	issuer := newIssuer(t, signer)

	raw, _, err := issuer.Issue(testUser())
	require.NoError(t, err)

	parsed, err := issuer.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "user-1", parsed.Subject)

	jwks, err := kp.JWKS()
	require.NoError(t, err)
	require.Len(t, jwks.Keys, 1)
	require.Equal(t, "key-1", jwks.Keys[0].Kid)
	require.Equal(t, "RSA", jwks.Keys[0].Kty)
	require.NotEmpty(t, jwks.Keys[0].N)
}

func TestNewSigner(t *testing.T) {
	tests := []struct {
		name      string
		algorithm string
		secret    []byte
		wantErr   bool
		wantKeys  int
	}{
		{name: "hmac", algorithm: "HS256", secret: []byte(testSecret)},
		{name: "hmac short secret", algorithm: "HS256", secret: []byte("short"), wantErr: true},
		{name: "rsa ignores secret", algorithm: " rs256 ", wantKeys: 1},
		{name: "unsupported", algorithm: "ES256", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signer, err := token.NewSigner(tt.algorithm, tt.secret, "key-1")
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			issuer := newIssuer(t, signer)

			raw, _, err := issuer.Issue(testUser())
			require.NoError(t, err)
			_, err = issuer.Parse(raw)
			require.NoError(t, err)

			jwks, err := issuer.JWKS()
			require.NoError(t, err)
			require.Len(t, jwks.Keys, tt.wantKeys)
		})
	}
}

func TestParseRejectsBadTokens(t *testing.T) {
	signer, err := token.NewHMACSigner([]byte(testSecret))
	require.NoError(t, err)
	issuer := newIssuer(t, signer)

	_, err = issuer.Parse("")
	require.ErrorIs(t, err, perrors.ErrInvalidToken)

	_, err = issuer.Parse("not.a.token")
	require.ErrorIs(t, err, perrors.ErrInvalidToken)

	otherSigner, err := token.NewHMACSigner([]byte("fedcba9876543210fedcba9876543210"))
	require.NoError(t, err)
	raw, _, err := newIssuer(t, otherSigner).Issue(testUser())
	require.NoError(t, err)
	_, err = issuer.Parse(raw)
	require.ErrorIs(t, err, perrors.ErrInvalidToken)

	otherIssuer, err := token.NewIssuer(signer, "https://elsewhere.example.com", time.Hour)
	require.NoError(t, err)
	raw, _, err = otherIssuer.Issue(testUser())
	require.NoError(t, err)
	_, err = issuer.Parse(raw)
	require.ErrorIs(t, err, perrors.ErrInvalidToken)
}

func TestParseExpired(t *testing.T) {
	signer, err := token.NewHMACSigner([]byte(testSecret))
	require.NoError(t, err)
	issuer := newIssuer(t, signer)

	start := time.Now()
	token.NowTimeFunc = func() time.Time { return start }
	t.Cleanup(func() { token.NowTimeFunc = time.Now })

	raw, _, err := issuer.Issue(testUser())
	require.NoError(t, err)

	token.NowTimeFunc = func() time.Time { return start.Add(2 * time.Hour) }
	_, err = issuer.Parse(raw)
	require.ErrorIs(t, err, perrors.ErrSessionExpired)
}

func TestNewOpaqueToken(t *testing.T) {
	a, err := token.NewOpaqueToken()
	require.NoError(t, err)
	b, err := token.NewOpaqueToken()
	require.NoError(t, err)
	require.Len(t, a, 64)
	require.NotEqual(t, a, b)
}
