package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/orchestra-mcp/wsharness/src/bridge"
	"github.com/orchestra-mcp/wsharness/src/types"
)

// PublishOptions holds flags for the publish command.
type PublishOptions struct {
	*RootOptions
	UserID string
	Data   string
}

// NewPublishCommand creates the publish command.
func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PublishOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "publish <event-type>",
		Short: "Publish an event to gateways listening on Redis",
		Long: `Publish one event on the Redis channel that "wsharness serve --redis"
instances relay to their subscribers.

Example:
  wsharness publish transaction_status --user test_user_123 \
    --data '{"transaction_id":"tx-1","status":"confirmed"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.UserID, "user", "", "scope the event to this user id")
	cmd.Flags().StringVar(&opts.Data, "data", "{}", "event data as a JSON object")

	return cmd
}

func (o *PublishOptions) event(eventType string) (types.ServerEvent, error) {
	var data map[string]any
	if err := json.Unmarshal([]byte(o.Data), &data); err != nil {
		return types.ServerEvent{}, fmt.Errorf("invalid --data JSON: %w", err)
	}
	return types.ServerEvent{
		EventType: eventType,
		UserID:    o.UserID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}, nil
}

func runPublish(cmd *cobra.Command, opts *PublishOptions, eventType string) error {
	ev, err := opts.event(eventType)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid event", err)
	}

	cfg := bridge.RedisConfigFromEnv()
	b := bridge.NewRedisBridge(cfg, nil, opts.newLogger(cmd.ErrOrStderr()))
	defer b.Stop()

	if err := b.Publish(ev); err != nil {
		return WrapExitError(ExitFailure, "publish to "+cfg.Addr, err)
	}
	return opts.formatter(cmd).Success("publish", ev, fmt.Sprintf("published %s to %s", eventType, cfg.EventChannel(eventType)))
}
