package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orchestra-mcp/wsharness/config"
	"github.com/orchestra-mcp/wsharness/src/auth"
	"github.com/orchestra-mcp/wsharness/src/bridge"
	"github.com/orchestra-mcp/wsharness/src/gateway"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr         string
	Secret       string
	Redis        bool
	NoConfirm    bool
	NoUserFilter bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference gateway",
		Long: `Run the reference gateway until interrupted. With --redis, events published
by other instances (or by "wsharness publish") are relayed to local
subscribers. Redis settings come from REDIS_ADDR, REDIS_PASSWORD, REDIS_DB
and REDIS_WS_PREFIX.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (defaults to WSH_GATEWAY_ADDR or 127.0.0.1:8090)")
	cmd.Flags().StringVar(&opts.Secret, "secret", "", "HS256 secret for token validation (defaults to WSH_JWT_SECRET)")
	cmd.Flags().BoolVar(&opts.Redis, "redis", false, "relay events through Redis pub/sub")
	cmd.Flags().BoolVar(&opts.NoConfirm, "no-confirm", false, "never acknowledge subscribe requests")
	cmd.Flags().BoolVar(&opts.NoUserFilter, "no-user-filter", false, "deliver user-scoped events to every subscriber")

	return cmd
}

func (o *ServeOptions) gatewayConfig() *config.GatewayConfig {
	cfg := config.GatewayConfigFromEnv()
	if o.Addr != "" {
		cfg.Addr = o.Addr
	}
	if o.Secret != "" {
		cfg.JWTSecret = o.Secret
	}
	if o.NoConfirm {
		cfg.ConfirmSubscriptions = false
	}
	if o.NoUserFilter {
		cfg.FilterByUser = false
	}
	return cfg
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	cfg := opts.gatewayConfig()
	if cfg.JWTSecret == "" {
		return NewExitError(ExitCommandError, "no JWT secret: pass --secret or set WSH_JWT_SECRET")
	}

	logger := opts.newLogger(cmd.ErrOrStderr())
	srv := gateway.NewServer(cfg, auth.NewIssuer(cfg.JWTSecret, nil), logger)
	if err := srv.Start(); err != nil {
		return WrapExitError(ExitCommandError, "failed to start gateway", err)
	}
	if opts.Redis {
		if err := srv.EnableRedis(bridge.RedisConfigFromEnv()); err != nil {
			logger.Warn().Err(err).Msg("continuing without redis")
		}
	}

	out := opts.formatter(cmd)
	if err := out.Success("serve", map[string]string{"url": srv.URL()}, "listening on "+srv.URL()); err != nil {
		return err
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutdown", err)
	}
	return nil
}
