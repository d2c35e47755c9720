package notify

import (
	"context"
	"log/slog"

	"stackmon/internal/config"
	"stackmon/internal/domain"
	"stackmon/internal/logging"
)

// LogSender writes notifications into the service log.
type LogSender struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogSender creates log channel sender.
// Params: log notifier config and service logger.
// Returns: sender or level parse error.
func NewLogSender(cfg config.LogNotifier, logger *slog.Logger) (*LogSender, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return &LogSender{logger: logger, level: level}, nil
}

// Channel returns sender channel name.
func (s *LogSender) Channel() string {
	return config.NotifyChannelLog
}

// Send logs rendered message with alert identity attributes.
func (s *LogSender) Send(ctx context.Context, notification domain.Notification) error {
	s.logger.Log(ctx, s.level, notification.Message,
		"alert_type", notification.AlertType,
		"instance_id", notification.InstanceID,
		"action_group", notification.ActionGroup,
		"state", notification.Payload.State,
		"count", notification.Payload.Count,
		"execution_id", notification.ExecutionID,
	)
	return nil
}
