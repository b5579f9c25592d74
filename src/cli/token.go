package cli

import (
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/orchestra-mcp/wsharness/config"
	"github.com/orchestra-mcp/wsharness/src/auth"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	Secret  string
	Subject string
	TTL     time.Duration
	Wallet  string
	Tier    string
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 test token",
		Long: `Mint a token the reference gateway accepts. A negative --ttl produces an
already expired token, which is useful for rejection tests.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Secret, "secret", "", "HS256 secret (defaults to WSH_JWT_SECRET or the gateway default)")
	cmd.Flags().StringVar(&opts.Subject, "sub", "test_user_123", "subject (user id)")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", time.Hour, "token lifetime")
	cmd.Flags().StringVar(&opts.Wallet, "wallet", "", "wallet_address claim")
	cmd.Flags().StringVar(&opts.Tier, "tier", "", "user_tier claim")

	return cmd
}

func (o *TokenOptions) secret() string {
	if o.Secret != "" {
		return o.Secret
	}
	if s := os.Getenv("WSH_JWT_SECRET"); s != "" {
		return s
	}
	return config.DefaultGatewayConfig().JWTSecret
}

func runToken(cmd *cobra.Command, opts *TokenOptions) error {
	now := time.Now()
	claims := auth.Claims{
		WalletAddress: opts.Wallet,
		UserTier:      opts.Tier,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   opts.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(opts.TTL)),
		},
	}
	token, err := auth.NewIssuer(opts.secret(), nil).MintClaims(claims)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to mint token", err)
	}
	return opts.formatter(cmd).Success("token", map[string]any{
		"token":      token,
		"sub":        opts.Subject,
		"expires_at": claims.ExpiresAt.Time,
	}, token)
}
