package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"stackmon/internal/config"
	"stackmon/internal/domain"
	"stackmon/internal/permanent"
)

// MattermostSender posts notifications to Mattermost API posts endpoint.
// Params: API base URL, bot token, and channel id.
// Returns: Mattermost sender.
type MattermostSender struct {
	cfg    config.MattermostConfig
	client *http.Client
}

// NewMattermostSender creates Mattermost API sender.
// Params: Mattermost config.
// Returns: initialized sender.
func NewMattermostSender(cfg config.MattermostConfig) *MattermostSender {
	timeoutSec := cfg.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = 10
	}
	return &MattermostSender{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}
}

// Channel returns sender channel name.
func (s *MattermostSender) Channel() string {
	return config.NotifyChannelMattermost
}

// Send posts one rendered message; alert identity travels in post props.
// Params: context and rendered notification.
// Returns: transport, status, or decode error.
func (s *MattermostSender) Send(ctx context.Context, notification domain.Notification) error {
	payload := struct {
		ChannelID string            `json:"channel_id"`
		Message   string            `json:"message"`
		Props     map[string]string `json:"props,omitempty"`
	}{
		ChannelID: strings.TrimSpace(s.cfg.ChannelID),
		Message:   notification.Message,
		Props: map[string]string{
			"alert_type":  notification.AlertType,
			"instance_id": notification.InstanceID,
			"state":       string(notification.Payload.State),
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return permanent.Mark(fmt.Errorf("encode mattermost payload: %w", err))
	}

	endpoint := strings.TrimRight(strings.TrimSpace(s.cfg.BaseURL), "/") + "/api/v4/posts"
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return permanent.Mark(fmt.Errorf("build mattermost request: %w", err))
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+strings.TrimSpace(s.cfg.BotToken))

	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("mattermost send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return unexpectedHTTPStatusError("mattermost", response)
	}
	var decoded struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decode mattermost response: %w", err)
	}
	if strings.TrimSpace(decoded.ID) == "" {
		return errors.New("mattermost response missing id")
	}
	return nil
}
