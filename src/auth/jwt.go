// Package auth mints and validates the HS256 bearer tokens the gateway
// accepts. Validation failures carry the human-readable reasons the
// gateway sends back in AuthFailed frames.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Rejection reasons, as sent to clients.
const (
	ReasonEmpty          = "Token is empty"
	ReasonFormat         = "Invalid JWT format - must have 3 parts"
	ReasonExpired        = "Token has expired"
	ReasonSignature      = "Invalid token signature"
	ReasonMalformed      = "Invalid token format"
	ReasonEmptySubject   = "User ID (sub) cannot be empty in token"
	ReasonWalletFormat   = "Invalid wallet address format in token"
	reasonValidationFail = "Token validation error"
)

// ValidationError is a rejected token.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string { return e.Reason }

func (e *ValidationError) Unwrap() error { return e.Err }

// Claims are the token claims the gateway understands.
type Claims struct {
	WalletAddress string `json:"wallet_address,omitempty"`
	UserTier      string `json:"user_tier,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs and checks tokens with one shared secret.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer creates an issuer. A nil now uses time.Now.
func NewIssuer(secret string, now func() time.Time) *Issuer {
	if now == nil {
		now = time.Now
	}
	return &Issuer{secret: []byte(secret), now: now}
}

// Mint signs a token for subject that expires after ttl. A negative ttl
// yields an already expired token.
func (i *Issuer) Mint(subject string, ttl time.Duration) (string, error) {
	now := i.now()
	return i.MintClaims(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
}

// MintClaims signs arbitrary claims.
func (i *Issuer) MintClaims(c Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	s, err := tok.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}

// Validate checks structure, signature, expiry and subject. Every
// failure is a *ValidationError.
func (i *Issuer) Validate(token string) (*Claims, error) {
	if strings.TrimSpace(token) == "" {
		return nil, &ValidationError{Reason: ReasonEmpty}
	}
	if len(strings.Split(token, ".")) != 3 {
		return nil, &ValidationError{Reason: ReasonFormat}
	}

	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, &ValidationError{Reason: ReasonExpired, Err: err}
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, &ValidationError{Reason: ReasonSignature, Err: err}
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, &ValidationError{Reason: ReasonMalformed, Err: err}
		}
		return nil, &ValidationError{Reason: fmt.Sprintf("%s: %v", reasonValidationFail, err), Err: err}
	}

	if strings.TrimSpace(claims.Subject) == "" {
		return nil, &ValidationError{Reason: ReasonEmptySubject}
	}
	if claims.WalletAddress != "" && !ValidWalletAddress(claims.WalletAddress) {
		return nil, &ValidationError{Reason: ReasonWalletFormat}
	}
	return claims, nil
}

// ValidWalletAddress accepts Ethereum addresses, named NEAR accounts and
// NEAR implicit accounts.
func ValidWalletAddress(addr string) bool {
	switch {
	case len(addr) == 42 && strings.HasPrefix(addr, "0x"):
		return isHex(addr[2:])
	case strings.HasSuffix(addr, ".near"), strings.HasSuffix(addr, ".testnet"):
		for _, r := range addr {
			if !isAlnum(r) && r != '.' && r != '_' && r != '-' {
				return false
			}
		}
		return true
	case len(addr) == 64:
		return isHex(addr)
	}
	return false
}

func isHex(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

func isAlnum(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9'
}
