package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "kembridge-test-secret"

func fixedNow() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

func TestMintAndValidate(t *testing.T) {
	iss := NewIssuer(secret, fixedNow)
	tok, err := iss.Mint("test_user_123", time.Hour)
	require.NoError(t, err)

	claims, err := iss.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "test_user_123", claims.Subject)
	assert.Equal(t, fixedNow().Add(time.Hour).Unix(), claims.ExpiresAt.Unix())
}

func TestValidateRejections(t *testing.T) {
	iss := NewIssuer(secret, fixedNow)
	other := NewIssuer("some-other-secret", fixedNow)

	expired, _ := iss.Mint("u1", -time.Minute)
	blank, _ := iss.Mint("   ", time.Hour)
	forged, _ := other.Mint("u1", time.Hour)
	badWallet, _ := iss.MintClaims(Claims{
		WalletAddress: "0xinvalid",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(fixedNow().Add(time.Hour)),
		},
	})
	noExpiry, _ := iss.MintClaims(Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"}})

	tests := []struct {
		name   string
		token  string
		reason string
	}{
		{"empty", "", ReasonEmpty},
		{"two parts", "invalid.format", ReasonFormat},
		{"not a jwt", "not-a-jwt", ReasonFormat},
		{"garbage segments", "a.b.c", ReasonMalformed},
		{"expired", expired, ReasonExpired},
		{"bad signature", forged, ReasonSignature},
		{"blank subject", blank, ReasonEmptySubject},
		{"bad wallet", badWallet, ReasonWalletFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := iss.Validate(tt.token)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.reason, verr.Reason)
		})
	}

	_, err := iss.Validate(noExpiry)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "Token validation error")
}

func TestValidWalletAddress(t *testing.T) {
	assert.True(t, ValidWalletAddress("0x742d35Cc6634C0532925a3b8D4C9db96C4b4d8b6"))
	assert.True(t, ValidWalletAddress("alice.near"))
	assert.True(t, ValidWalletAddress("test.testnet"))
	assert.True(t, ValidWalletAddress("abcd1234567890abcd1234567890abcd1234567890abcd1234567890abcd1234"))

	assert.False(t, ValidWalletAddress("invalid"))
	assert.False(t, ValidWalletAddress("0xinvalid"))
	assert.False(t, ValidWalletAddress(""))
	assert.False(t, ValidWalletAddress("bad!name.near"))
}
