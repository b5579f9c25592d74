package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/orchestra-mcp/wsharness/config"
	"github.com/orchestra-mcp/wsharness/src/harness"
	"github.com/orchestra-mcp/wsharness/src/types"
)

// ProbeOptions holds flags for the probe command.
type ProbeOptions struct {
	*RootOptions
	URL          string
	Token        string
	TokenInQuery bool
	Events       []string
	Filters      []string
	Count        int
	Duration     time.Duration
	NoConfirm    bool
}

// NewProbeCommand creates the probe command.
func NewProbeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProbeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect, authenticate, subscribe and print delivered events",
		Long: `Connect to a gateway, authenticate when a token is given, subscribe to
each --event and print events as they arrive.

Example:
  wsharness probe --url ws://127.0.0.1:8090/ws --token "$TOKEN" \
    --event transaction_status --filter user_id=test_user_123 --count 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "", "gateway WebSocket URL (defaults to config or WSH_URL)")
	cmd.Flags().StringVar(&opts.Token, "token", "", "bearer token (defaults to config or WSH_TOKEN)")
	cmd.Flags().BoolVar(&opts.TokenInQuery, "token-in-query", false, "send the token as ?token= instead of an authenticate message")
	cmd.Flags().StringSliceVarP(&opts.Events, "event", "e", nil, "event type to subscribe to (repeatable)")
	cmd.Flags().StringSliceVar(&opts.Filters, "filter", nil, "subscription filter as key=value (repeatable)")
	cmd.Flags().IntVarP(&opts.Count, "count", "n", 0, "exit after this many events (0 waits for --duration)")
	cmd.Flags().DurationVarP(&opts.Duration, "duration", "d", 30*time.Second, "how long to listen for events")
	cmd.Flags().BoolVar(&opts.NoConfirm, "no-confirm", false, "treat subscriptions as confirmed when sent")

	return cmd
}

func parseFilters(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	filters := make(map[string]string, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid filter %q: want key=value", kv)
		}
		filters[k] = v
	}
	return filters, nil
}

func (o *ProbeOptions) harnessConfig() (*config.HarnessConfig, error) {
	cfg, err := o.RootOptions.harnessConfig()
	if err != nil {
		return nil, err
	}
	if o.URL != "" {
		cfg.URL = o.URL
	}
	if o.Token != "" {
		cfg.Token = o.Token
	}
	if o.TokenInQuery {
		cfg.TokenInQuery = true
	}
	if o.NoConfirm {
		cfg.Confirmation = config.ConfirmNone
	}
	if cfg.URL == "" {
		return nil, NewExitError(ExitCommandError, "no gateway URL: pass --url or set WSH_URL")
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}
	return cfg, nil
}

func runProbe(cmd *cobra.Command, opts *ProbeOptions) error {
	cfg, err := opts.harnessConfig()
	if err != nil {
		return err
	}
	filters, err := parseFilters(opts.Filters)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --filter", err)
	}

	out := opts.formatter(cmd)
	logger := opts.newLogger(cmd.ErrOrStderr())
	h := harness.New(cfg, harness.Options{Logger: logger})
	defer h.Shutdown()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	res := h.Connect(ctx, cfg.URL)
	if !res.Connected {
		_ = out.Failure("connect", res.Err)
		return WrapExitError(ExitFailure, "connect failed", res.Err)
	}
	if err := out.Success("connect", res, fmt.Sprintf("connected %s in %s", res.ConnectionID, res.ConnectionTime.Round(time.Millisecond))); err != nil {
		return err
	}

	if cfg.Token != "" {
		ar := h.Authenticate(ctx, "")
		if !ar.Authenticated {
			_ = out.Failure("auth", ar.Err())
			return WrapExitError(ExitFailure, "authentication failed", ar.Err())
		}
		if err := out.Success("auth", ar, "authenticated as "+ar.UserID); err != nil {
			return err
		}
	}

	ids := make([]string, 0, len(opts.Events))
	for _, eventType := range opts.Events {
		id, err := h.SubscribeConfirmed(ctx, eventType, filters)
		if err != nil {
			_ = out.Failure("subscribe", err)
			return WrapExitError(ExitFailure, "subscribe "+eventType, err)
		}
		ids = append(ids, id)
		sub, _ := h.Subscription(id)
		if err := out.Success("subscribe", sub, fmt.Sprintf("subscribed %s (%s)", eventType, id)); err != nil {
			return err
		}
	}
	if len(ids) == 0 {
		return nil
	}

	return streamEvents(ctx, h, ids, opts.Count, opts.Duration, out)
}

// probeEvent is one printed event.
type probeEvent struct {
	SubscriptionID string `json:"subscription_id"`
	types.DeliveredEvent
}

// streamEvents prints events in arrival order per subscription until
// count events were seen, the duration elapses or ctx is cancelled.
func streamEvents(ctx context.Context, h *harness.Harness, ids []string, count int, d time.Duration, out *OutputFormatter) error {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()

	printed := make(map[string]int, len(ids))
	total := 0
	for {
		for _, id := range ids {
			events := h.Events(id)
			for _, ev := range events[printed[id]:] {
				text := fmt.Sprintf("%s %s %s", ev.ReceivedAt.Format(time.TimeOnly), ev.Type, ev.Payload)
				if err := out.Success("event", probeEvent{SubscriptionID: id, DeliveredEvent: ev}, text); err != nil {
					return err
				}
				total++
				if count > 0 && total >= count {
					return nil
				}
			}
			printed[id] = len(events)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			if count > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("received %d of %d events before the deadline", total, count))
			}
			return nil
		case <-tick.C:
		}
	}
}
