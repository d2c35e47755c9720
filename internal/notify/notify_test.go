package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"stackmon/internal/config"
	"stackmon/internal/domain"
	"stackmon/internal/permanent"

	"github.com/stretchr/testify/require"
)

type flakySender struct {
	channel string
	fails   int
	err     error
	calls   int
}

func (s *flakySender) Channel() string { return s.channel }

func (s *flakySender) Send(_ context.Context, _ domain.Notification) error {
	s.calls++
	if s.calls <= s.fails {
		if s.err != nil {
			return s.err
		}
		return errors.New("temporary error")
	}
	return nil
}

type captureSender struct {
	channel string
	items   []domain.Notification
}

func (s *captureSender) Channel() string { return s.channel }

func (s *captureSender) Send(_ context.Context, notification domain.Notification) error {
	s.items = append(s.items, notification)
	return nil
}

func fastRetry(maxAttempts int) config.NotifyRetry {
	return config.NotifyRetry{
		Enabled:     true,
		Backoff:     "exponential",
		InitialMS:   1,
		MaxMS:       2,
		MaxAttempts: maxAttempts,
	}
}

func sampleNotification() domain.Notification {
	return domain.Notification{
		AlertType:   "monitoring_alert_missing_monitoring_data",
		InstanceID:  "abc123",
		ActionGroup: "default",
		Payload: domain.Payload{
			InternalFullMessage:  "We have not detected any monitoring data for 1 stack product(s) in cluster: prod.",
			InternalShortMessage: "We have not detected any monitoring data for 1 stack product(s) in cluster: prod. Verify these stack products are up and running, then double check the monitoring settings.",
			ClusterName:          "prod",
			Count:                1,
			StackProducts:        "Elasticsearch node: es-1",
			State:                domain.AlertStateFiring,
		},
	}
}

func newTestDispatcher(t *testing.T, senders []ChannelSender, cfg config.NotifyConfig) *Dispatcher {
	t.Helper()
	dispatcher, err := newDispatcher(senders, cfg, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return dispatcher
}

func TestDispatcherRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	sender := &flakySender{channel: config.NotifyChannelTelegram, fails: 2}
	dispatcher := newTestDispatcher(t, []ChannelSender{sender}, config.NotifyConfig{
		Telegram: config.TelegramNotifier{Retry: fastRetry(5)},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := dispatcher.Send(ctx, config.NotifyChannelTelegram, sampleNotification()); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if sender.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", sender.calls)
	}
}

func TestDispatcherStopsAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	sender := &flakySender{channel: config.NotifyChannelHTTP, fails: 10}
	dispatcher := newTestDispatcher(t, []ChannelSender{sender}, config.NotifyConfig{
		HTTP: config.HTTPNotifier{Retry: fastRetry(3)},
	})

	err := dispatcher.Send(context.Background(), config.NotifyChannelHTTP, sampleNotification())
	if err == nil {
		t.Fatalf("expected error after max attempts")
	}
	if sender.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", sender.calls)
	}
}

func TestDispatcherDoesNotRetryPermanentErrors(t *testing.T) {
	t.Parallel()

	sender := &flakySender{
		channel: config.NotifyChannelMattermost,
		fails:   10,
		err:     permanent.Mark(errors.New("bad request")),
	}
	dispatcher := newTestDispatcher(t, []ChannelSender{sender}, config.NotifyConfig{
		Mattermost: config.MattermostConfig{Retry: fastRetry(0)},
	})

	err := dispatcher.Send(context.Background(), config.NotifyChannelMattermost, sampleNotification())
	if !permanent.Is(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if sender.calls != 1 {
		t.Fatalf("expected 1 call, got %d", sender.calls)
	}
}

func TestDispatcherUnknownChannelIsPermanent(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t, nil, config.NotifyConfig{})
	err := dispatcher.Send(context.Background(), config.NotifyChannelTelegram, sampleNotification())
	if !permanent.Is(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestDispatcherDeliverJoinsChannelErrors(t *testing.T) {
	t.Parallel()

	good := &captureSender{channel: config.NotifyChannelLog}
	bad := &flakySender{channel: config.NotifyChannelHTTP, fails: 1}
	dispatcher := newTestDispatcher(t, []ChannelSender{good, bad}, config.NotifyConfig{})

	err := dispatcher.Deliver(context.Background(), sampleNotification())
	if err == nil || !strings.Contains(err.Error(), "channel http") {
		t.Fatalf("expected http channel error, got %v", err)
	}
	if len(good.items) != 1 {
		t.Fatalf("expected log channel delivery, got %d", len(good.items))
	}
	require.Equal(t, []string{config.NotifyChannelLog, config.NotifyChannelHTTP}, dispatcher.Channels())
}

func TestDispatcherRendersChannelTemplate(t *testing.T) {
	t.Parallel()

	sender := &captureSender{channel: config.NotifyChannelTelegram}
	dispatcher := newTestDispatcher(t, []ChannelSender{sender}, config.NotifyConfig{
		Telegram: config.TelegramNotifier{
			Template: `[{{ .Payload.State }}] {{ .Payload.ClusterName }} x{{ .Payload.Count }}: {{ .Payload.StackProducts }}`,
		},
	})

	if err := dispatcher.Send(context.Background(), config.NotifyChannelTelegram, sampleNotification()); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if len(sender.items) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(sender.items))
	}
	got := sender.items[0]
	if got.Message != "[firing] prod x1: Elasticsearch node: es-1" {
		t.Fatalf("unexpected rendered message: %q", got.Message)
	}
	if got.Channel != config.NotifyChannelTelegram {
		t.Fatalf("unexpected channel: %q", got.Channel)
	}
	if got.Timestamp.IsZero() {
		t.Fatalf("expected timestamp to be set")
	}
}

func TestDispatcherDefaultTemplateUsesFullMessage(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t, []ChannelSender{&captureSender{channel: config.NotifyChannelLog}}, config.NotifyConfig{})
	rendered, err := dispatcher.Render(config.NotifyChannelLog, sampleNotification())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if rendered.Message != sampleNotification().Payload.InternalFullMessage {
		t.Fatalf("unexpected message: %q", rendered.Message)
	}
}

func TestNewDispatcherRejectsBrokenTemplate(t *testing.T) {
	t.Parallel()

	_, err := newDispatcher([]ChannelSender{&captureSender{channel: config.NotifyChannelHTTP}}, config.NotifyConfig{
		HTTP: config.HTTPNotifier{Template: "{{ .Payload.State "},
	}, slog.Default())
	if err == nil || !strings.Contains(err.Error(), "notify.http.template") {
		t.Fatalf("expected template error, got %v", err)
	}
}

func TestLogSenderWritesMessage(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sender, err := NewLogSender(config.LogNotifier{Level: "warn"}, slog.New(slog.NewJSONHandler(&buf, nil)))
	if err != nil {
		t.Fatalf("new log sender: %v", err)
	}
	notification := sampleNotification()
	notification.Message = "missing data"
	if err := sender.Send(context.Background(), notification); err != nil {
		t.Fatalf("send: %v", err)
	}

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	require.Equal(t, "WARN", record["level"])
	require.Equal(t, "missing data", record["msg"])
	require.Equal(t, "abc123", record["instance_id"])
	require.Equal(t, "firing", record["state"])
}

func TestWebhookSenderSend(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		received []domain.Notification
		headers  []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method=%s", r.Method)
		}
		var notification domain.Notification
		if err := json.NewDecoder(r.Body).Decode(&notification); err != nil {
			t.Errorf("decode body: %v", err)
		}
		mu.Lock()
		received = append(received, notification)
		headers = append(headers, r.Header.Get("X-Token"))
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sender := NewWebhookSender(config.HTTPNotifier{
		URL:        server.URL,
		Method:     "put",
		TimeoutSec: 2,
		Headers:    map[string]string{"X-Token": "secret"},
	})
	notification := sampleNotification()
	notification.Message = "rendered"
	if err := sender.Send(context.Background(), notification); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 request, got %d", len(received))
	}
	require.Equal(t, "rendered", received[0].Message)
	require.Equal(t, notification.Payload, received[0].Payload)
	require.Equal(t, []string{"secret"}, headers)
}

func TestWebhookSenderStatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{name: "bad request", status: http.StatusBadRequest, permanent: true},
		{name: "not found", status: http.StatusNotFound, permanent: true},
		{name: "too many requests", status: http.StatusTooManyRequests, permanent: false},
		{name: "server error", status: http.StatusBadGateway, permanent: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer server.Close()

			sender := NewWebhookSender(config.HTTPNotifier{URL: server.URL, TimeoutSec: 2})
			err := sender.Send(context.Background(), sampleNotification())
			if err == nil {
				t.Fatalf("expected status error")
			}
			if !strings.Contains(err.Error(), fmt.Sprintf("status=%d body=nope", tc.status)) {
				t.Fatalf("unexpected error text: %v", err)
			}
			if permanent.Is(err) != tc.permanent {
				t.Fatalf("permanent=%v, want %v (err=%v)", permanent.Is(err), tc.permanent, err)
			}
		})
	}
}

func TestMattermostSenderSend(t *testing.T) {
	t.Parallel()

	type postPayload struct {
		ChannelID string            `json:"channel_id"`
		Message   string            `json:"message"`
		Props     map[string]string `json:"props"`
	}
	var (
		mu       sync.Mutex
		received []postPayload
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v4/posts" {
			t.Errorf("path=%s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer mm-token" {
			t.Errorf("authorization=%q", r.Header.Get("Authorization"))
		}
		var payload postPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode body: %v", err)
		}
		mu.Lock()
		received = append(received, payload)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"post-1"}`))
	}))
	defer server.Close()

	sender := NewMattermostSender(config.MattermostConfig{
		BaseURL:   server.URL + "/",
		BotToken:  "mm-token",
		ChannelID: "chan-1",
	})
	notification := sampleNotification()
	notification.Message = "cluster prod is missing data"
	if err := sender.Send(context.Background(), notification); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	require.Equal(t, postPayload{
		ChannelID: "chan-1",
		Message:   "cluster prod is missing data",
		Props: map[string]string{
			"alert_type":  "monitoring_alert_missing_monitoring_data",
			"instance_id": "abc123",
			"state":       "firing",
		},
	}, received[0])
}

func TestMattermostSenderRequiresPostID(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	sender := NewMattermostSender(config.MattermostConfig{BaseURL: server.URL, BotToken: "t", ChannelID: "c"})
	if err := sender.Send(context.Background(), sampleNotification()); err == nil {
		t.Fatalf("expected missing id error")
	}
}

func TestTelegramSenderSend(t *testing.T) {
	t.Parallel()

	type sendMessagePayload struct {
		ChatID    string
		Text      string
		ParseMode string
	}
	var (
		mu       sync.Mutex
		received []sendMessagePayload
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method=%s", r.Method)
		}
		if r.URL.Path != "/bottoken/sendMessage" {
			t.Errorf("path=%s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(2 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		mu.Lock()
		received = append(received, sendMessagePayload{
			ChatID:    r.FormValue("chat_id"),
			Text:      r.FormValue("text"),
			ParseMode: r.FormValue("parse_mode"),
		})
		messageID := 100 + len(received)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":1,"chat":{"id":1,"type":"private"}}}`, messageID)
	}))
	defer server.Close()

	sender, err := NewTelegramSender(config.TelegramNotifier{
		Enabled:   true,
		BotToken:  "token",
		ChatID:    "-100200",
		APIBase:   server.URL,
		ParseMode: "HTML",
	})
	if err != nil {
		t.Fatalf("new telegram sender: %v", err)
	}
	notification := sampleNotification()
	notification.Message = "firing"
	if err := sender.Send(context.Background(), notification); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []sendMessagePayload{{ChatID: "-100200", Text: "firing", ParseMode: "HTML"}}, received)
}

func TestNewTelegramSenderRequiresCredentials(t *testing.T) {
	t.Parallel()

	if _, err := NewTelegramSender(config.TelegramNotifier{ChatID: "1"}); err == nil {
		t.Fatalf("expected bot token error")
	}
	if _, err := NewTelegramSender(config.TelegramNotifier{BotToken: "t"}); err == nil {
		t.Fatalf("expected chat_id error")
	}
}

func TestNormalizeChatID(t *testing.T) {
	t.Parallel()

	if got := normalizeChatID(" 42 "); got != int64(42) {
		t.Fatalf("numeric chat id=%v (%T)", got, got)
	}
	if got := normalizeChatID("@alerts"); got != "@alerts" {
		t.Fatalf("username chat id=%v", got)
	}
}
