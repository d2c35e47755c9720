package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"stackmon/internal/config"
	"stackmon/internal/domain"
	"stackmon/internal/permanent"
	"stackmon/internal/templatefmt"
)

// ChannelSender sends one rendered notification to one channel.
// Params: context and notification with Message already rendered.
// Returns: transport error when send fails.
type ChannelSender interface {
	Channel() string
	Send(ctx context.Context, notification domain.Notification) error
}

// Dispatcher renders channel templates and delivers notifications with retry/backoff.
// Params: enabled senders, per-channel retry policies, and compiled templates.
// Returns: delivery helper for alert host and queue workers.
type Dispatcher struct {
	senders   map[string]ChannelSender
	channels  []string
	retries   map[string]config.NotifyRetry
	templates map[string]*template.Template
	logger    *slog.Logger
	now       func() time.Time
}

// NewDispatcher builds notification dispatcher from enabled channels.
// Params: notify config and logger.
// Returns: configured dispatcher or template/sender setup error.
func NewDispatcher(cfg config.NotifyConfig, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	senders := make([]ChannelSender, 0, len(config.NotifyChannelNames()))
	for _, channel := range config.NotifyChannelNames() {
		if !config.NotifyChannelEnabled(cfg, channel) {
			continue
		}
		sender, err := newSenderForChannel(channel, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("notify.%s: %w", channel, err)
		}
		senders = append(senders, sender)
	}
	return newDispatcher(senders, cfg, logger)
}

// newDispatcher wires senders with templates and retry policies from config.
// Params: sender list in delivery order, notify config, and logger.
// Returns: dispatcher or template parse error.
func newDispatcher(senders []ChannelSender, cfg config.NotifyConfig, logger *slog.Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		senders:   make(map[string]ChannelSender, len(senders)),
		channels:  make([]string, 0, len(senders)),
		retries:   make(map[string]config.NotifyRetry, len(senders)),
		templates: make(map[string]*template.Template, len(senders)),
		logger:    logger,
		now:       time.Now,
	}
	for _, sender := range senders {
		channel := sender.Channel()
		body := config.NotifyChannelTemplate(cfg, channel)
		if strings.TrimSpace(body) == "" {
			body = "{{ .Payload.InternalFullMessage }}"
		}
		compiled, err := templatefmt.ParseNotificationTemplate("notify."+channel+".template", body)
		if err != nil {
			return nil, fmt.Errorf("notify.%s.template is invalid: %w", channel, err)
		}
		d.senders[channel] = sender
		d.channels = append(d.channels, channel)
		d.retries[channel] = config.NotifyChannelRetry(cfg, channel)
		d.templates[channel] = compiled
	}
	return d, nil
}

// newSenderForChannel builds transport sender implementation for one channel key.
// Params: channel key, notify config, and logger.
// Returns: channel sender or setup error.
func newSenderForChannel(channel string, cfg config.NotifyConfig, logger *slog.Logger) (ChannelSender, error) {
	switch channel {
	case config.NotifyChannelLog:
		return NewLogSender(cfg.Log, logger)
	case config.NotifyChannelTelegram:
		return NewTelegramSender(cfg.Telegram)
	case config.NotifyChannelHTTP:
		return NewWebhookSender(cfg.HTTP), nil
	case config.NotifyChannelMattermost:
		return NewMattermostSender(cfg.Mattermost), nil
	default:
		return nil, fmt.Errorf("unsupported notify channel %q", channel)
	}
}

// Channels returns configured channel list in delivery order.
func (d *Dispatcher) Channels() []string {
	return append([]string(nil), d.channels...)
}

// Deliver sends notification to every configured channel.
// Params: context and notification without channel binding.
// Returns: joined per-channel errors.
func (d *Dispatcher) Deliver(ctx context.Context, notification domain.Notification) error {
	var errs []error
	for _, channel := range d.channels {
		if err := d.Send(ctx, channel, notification); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", channel, err))
		}
	}
	return errors.Join(errs...)
}

// Send renders and sends notification to one channel with retry policy.
// Params: destination channel and notification payload.
// Returns: final error after retries.
func (d *Dispatcher) Send(ctx context.Context, channel string, notification domain.Notification) error {
	sender, ok := d.senders[channel]
	if !ok {
		return permanent.Mark(fmt.Errorf("notify channel %q is not configured", channel))
	}
	rendered, err := d.Render(channel, notification)
	if err != nil {
		return permanent.Mark(err)
	}
	return d.sendWithRetry(ctx, sender, rendered, d.retries[channel])
}

// Render binds notification to channel and renders channel template into Message.
// Params: channel key and notification.
// Returns: notification copy with Channel/Message set.
func (d *Dispatcher) Render(channel string, notification domain.Notification) (domain.Notification, error) {
	compiled, ok := d.templates[channel]
	if !ok {
		return domain.Notification{}, fmt.Errorf("notify channel %q has no template", channel)
	}
	out := notification
	out.Channel = channel
	if out.Timestamp.IsZero() {
		out.Timestamp = d.now().UTC()
	}
	var rendered strings.Builder
	if err := compiled.Execute(&rendered, out); err != nil {
		return domain.Notification{}, fmt.Errorf("render notify template for channel %q: %w", channel, err)
	}
	out.Message = rendered.String()
	return out, nil
}

// sendWithRetry sends one notification with channel-specific retry policy.
// Params: sender, rendered payload, and retry policy.
// Returns: nil on success, permanent errors immediately, last error after attempts run out.
func (d *Dispatcher) sendWithRetry(ctx context.Context, sender ChannelSender, notification domain.Notification, retry config.NotifyRetry) error {
	if !retry.Enabled {
		return sender.Send(ctx, notification)
	}

	backoff := time.Duration(retry.InitialMS) * time.Millisecond
	maxBackoff := time.Duration(retry.MaxMS) * time.Millisecond
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		err := sender.Send(ctx, notification)
		if err == nil {
			if retry.LogEachAttempt && attempt > 1 {
				d.logger.Info("notify send recovered after retries", "channel", sender.Channel(), "attempt", attempt)
			}
			return nil
		}
		if retry.LogEachAttempt {
			d.logger.Warn("notify send attempt failed", "channel", sender.Channel(), "attempt", attempt, "error", err.Error())
		}
		if permanent.Is(err) {
			return err
		}
		if retry.MaxAttempts > 0 && attempt >= retry.MaxAttempts {
			return fmt.Errorf("channel %s failed after %d attempts: %w", sender.Channel(), attempt, err)
		}

		timer.Reset(backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if strings.EqualFold(retry.Backoff, "exponential") {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}
