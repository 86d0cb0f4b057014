package connectors

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/marcus-qen/legator/internal/controlplane/governance/dispatch"
)

// SlackConnector posts governed action notices to a Slack channel.
type SlackConnector struct {
	Channel string
	client  *slack.Client
}

// NewSlackConnector builds a Slack connector authenticated with a bot token,
// posting to a single configured channel.
func NewSlackConnector(token, channel string) *SlackConnector {
	return &SlackConnector{
		Channel: channel,
		client:  slack.New(token),
	}
}

// ConnectorName identifies this handler in the dispatch registry.
func (s *SlackConnector) ConnectorName() string { return "slack" }

// Dispatch posts a message summarizing the step's plan to the configured
// channel and returns the message timestamp Slack assigns it.
func (s *SlackConnector) Dispatch(ctx context.Context, req dispatch.StepRequest) (any, error) {
	text := fmt.Sprintf("governed action `%s` (step `%s`) dispatched for approval `%s`", req.Intent, req.StepID, req.ApprovalID)
	if req.DryRun {
		return map[string]any{"dry_run": true, "channel": s.Channel}, nil
	}

	_, timestamp, err := s.client.PostMessageContext(ctx, s.Channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionAttachments(slack.Attachment{
			Color:  "#36a64f",
			Title:  req.Intent,
			Footer: req.Connector,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("slack dispatch: %w", err)
	}
	return map[string]string{"channel": s.Channel, "ts": timestamp}, nil
}

// HealthCheck calls Slack's auth.test endpoint to confirm the bot token is
// still valid.
func (s *SlackConnector) HealthCheck(ctx context.Context) (bool, string) {
	if _, err := s.client.AuthTestContext(ctx); err != nil {
		return false, err.Error()
	}
	return true, ""
}
