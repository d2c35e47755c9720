package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"stackmon/internal/config"
	"stackmon/internal/domain"
	"stackmon/internal/permanent"
)

// WebhookSender posts notification JSON to configured HTTP endpoint.
// Params: endpoint URL, method, timeout, and headers.
// Returns: generic HTTP sender.
type WebhookSender struct {
	cfg    config.HTTPNotifier
	client *http.Client
}

// NewWebhookSender creates generic HTTP sender.
// Params: HTTP notifier config.
// Returns: initialized sender.
func NewWebhookSender(cfg config.HTTPNotifier) *WebhookSender {
	return &WebhookSender{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
	}
}

// Channel returns sender channel name.
func (s *WebhookSender) Channel() string {
	return config.NotifyChannelHTTP
}

// Send delivers notification (payload variables plus rendered message) as JSON.
// Params: context and rendered notification.
// Returns: transport error or status error; 4xx rejections are permanent.
func (s *WebhookSender) Send(ctx context.Context, notification domain.Notification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return permanent.Mark(fmt.Errorf("encode http notify payload: %w", err))
	}

	method := strings.ToUpper(strings.TrimSpace(s.cfg.Method))
	if method == "" {
		method = http.MethodPost
	}
	request, err := http.NewRequestWithContext(ctx, method, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return permanent.Mark(fmt.Errorf("build http notify request: %w", err))
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range s.cfg.Headers {
		request.Header.Set(key, value)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("http notify send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return unexpectedHTTPStatusError("http notify", response)
	}
	return nil
}

// unexpectedHTTPStatusError formats non-2xx HTTP response with optional body.
// Params: sender prefix label and HTTP response.
// Returns: status error, permanent for client rejections.
func unexpectedHTTPStatusError(prefix string, response *http.Response) error {
	rawBody, readErr := io.ReadAll(io.LimitReader(response.Body, 4096))
	var err error
	switch trimmed := strings.TrimSpace(string(rawBody)); {
	case readErr != nil:
		err = fmt.Errorf("%s status=%d (read body error: %w)", prefix, response.StatusCode, readErr)
	case trimmed == "":
		err = fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	default:
		err = fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmed)
	}
	return permanent.ForStatus(err, response.StatusCode)
}
