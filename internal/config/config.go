package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"stackmon/internal/templatefmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

const (
	defaultServiceName       = "stackmon"
	defaultSchedule          = "@every 1m"
	defaultKibanaURL         = "http://localhost:5601"
	defaultAlertDuration     = "15m"
	defaultAlertLimit        = "1d"
	defaultAlertThrottle     = "6h"
	defaultHTTPListen        = ":8080"
	defaultHealthPath        = "/healthz"
	defaultReadyPath         = "/readyz"
	defaultIngestPath        = "/ingest"
	defaultMetricsPath       = "/metrics"
	defaultAlertsPath        = "/api/alerts"
	defaultMaxBodyBytes      = 2 << 20
	defaultNATSURL           = "nats://127.0.0.1:4222"
	defaultNATSSubject       = "stackmon.heartbeats"
	defaultNATSIngestStream  = "STACKMON_HEARTBEATS"
	defaultNATSAckWaitSec    = 30
	defaultNATSNackDelayMS   = 1000
	defaultNATSMaxDeliver    = -1
	defaultNATSMaxAckPending = 2048
	defaultNATSStateBucket   = "stackmon_alerts"
	defaultKafkaGroupID      = "stackmon-heartbeats"
	defaultKafkaMinBytes     = 1
	defaultKafkaMaxBytes     = 10 << 20
	defaultKafkaCommitMS     = 1000
	defaultSQLiteBusyMS      = 5000
	defaultNotifyTemplate    = "{{ .Payload.InternalFullMessage }}"

	// ServiceModeNATS keeps NATS-backed state/ingest settings.
	ServiceModeNATS = "nats"
	// ServiceModeSingle keeps single-instance mode without NATS dependencies.
	ServiceModeSingle = "single"

	// NotifyChannelLog writes notifications to the service log.
	NotifyChannelLog = "log"
	// NotifyChannelTelegram identifies Telegram transport.
	NotifyChannelTelegram = "telegram"
	// NotifyChannelHTTP identifies generic HTTP transport.
	NotifyChannelHTTP = "http"
	// NotifyChannelMattermost identifies Mattermost transport.
	NotifyChannelMattermost = "mattermost"
)

var (
	notifyChannelOrder = []string{
		NotifyChannelLog,
		NotifyChannelTelegram,
		NotifyChannelHTTP,
		NotifyChannelMattermost,
	}
	notifyChannelRegistry = map[string]notifyChannelDescriptor{
		NotifyChannelLog: {
			enabled:  func(cfg NotifyConfig) bool { return cfg.Log.Enabled },
			retry:    func(NotifyConfig) NotifyRetry { return NotifyRetry{} },
			template: func(cfg NotifyConfig) string { return cfg.Log.Template },
		},
		NotifyChannelTelegram: {
			enabled:  func(cfg NotifyConfig) bool { return cfg.Telegram.Enabled },
			retry:    func(cfg NotifyConfig) NotifyRetry { return cfg.Telegram.Retry },
			template: func(cfg NotifyConfig) string { return cfg.Telegram.Template },
		},
		NotifyChannelHTTP: {
			enabled:  func(cfg NotifyConfig) bool { return cfg.HTTP.Enabled },
			retry:    func(cfg NotifyConfig) NotifyRetry { return cfg.HTTP.Retry },
			template: func(cfg NotifyConfig) string { return cfg.HTTP.Template },
		},
		NotifyChannelMattermost: {
			enabled:  func(cfg NotifyConfig) bool { return cfg.Mattermost.Enabled },
			retry:    func(cfg NotifyConfig) NotifyRetry { return cfg.Mattermost.Retry },
			template: func(cfg NotifyConfig) string { return cfg.Mattermost.Template },
		},
	}
	unsupportedIngestNATSFixedKeysPattern = regexp.MustCompile(`(?mi)^\s*(?:subject|stream)\s*=`)
	unsupportedNotifyQueueURLPattern      = regexp.MustCompile(`(?si)\[\s*notify\.queue\s*\][^\[]*\burl\s*=`)
)

// notifyChannelDescriptor stores generic accessors for one notify transport.
// Params: config readers for enabled/retry/template fields.
// Returns: channel metadata used by generic helpers.
type notifyChannelDescriptor struct {
	enabled  func(NotifyConfig) bool
	retry    func(NotifyConfig) NotifyRetry
	template func(NotifyConfig) string
}

// Config holds service runtime settings.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service ServiceConfig `toml:"service"`
	Log     LogConfig     `toml:"log"`
	UI      UIConfig      `toml:"ui"`
	Alert   AlertConfig   `toml:"alert"`
	Ingest  IngestConfig  `toml:"ingest"`
	State   StateConfig   `toml:"state"`
	Notify  NotifyConfig  `toml:"notify"`
}

// ServiceConfig contains process-level settings.
// Params: name, runtime mode, and alert execution schedule.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name     string `toml:"name"`
	Mode     string `toml:"mode"`
	Schedule string `toml:"schedule"`
}

// UIConfig binds links and rendering flags of the monitoring UI.
// Params: UI base URL, cross-cluster search flag, and cloud deployment flag.
// Returns: alert initialization settings.
type UIConfig struct {
	KibanaURL  string `toml:"kibana_url"`
	CCSEnabled bool   `toml:"ccs_enabled"`
	Cloud      bool   `toml:"cloud"`
}

// AlertConfig configures the missing monitoring data alert.
// Params: enable flag (nil means enabled), gap threshold, lookback limit, and action throttle.
// Returns: alert params as interval strings ("15m", "1d", "6h").
type AlertConfig struct {
	Enabled  *bool  `toml:"enabled"`
	Duration string `toml:"duration"`
	Limit    string `toml:"limit"`
	Throttle string `toml:"throttle"`
}

// IsEnabled reports whether the alert is registered.
func (c AlertConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ThrottleDuration returns parsed action throttle.
// Params: none.
// Returns: throttle window or parse error.
func (c AlertConfig) ThrottleDuration() (time.Duration, error) {
	return templatefmt.ParseDuration(c.Throttle)
}

// IngestConfig defines inbound heartbeat interfaces.
// Params: HTTP endpoint, NATS subscription, and Kafka consumer controls.
// Returns: ingestion runtime options.
type IngestConfig struct {
	HTTP  HTTPIngestConfig  `toml:"http"`
	NATS  NATSIngestConfig  `toml:"nats"`
	Kafka KafkaIngestConfig `toml:"kafka"`
}

// HTTPIngestConfig configures HTTP heartbeat ingestion endpoint.
// Params: enable flag, listen/endpoints, and optional body size limit.
// Returns: HTTP ingest behavior.
type HTTPIngestConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	IngestPath   string `toml:"ingest_path"`
	MetricsPath  string `toml:"metrics_path"`
	AlertsPath   string `toml:"alerts_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// NATSIngestConfig configures JetStream heartbeat fan-in shared by all replicas.
// Params: connection + ack/redelivery policy; stream routing keys are runtime-fixed.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"url"`
	Subject       string   `toml:"-"`
	Stream        string   `toml:"-"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
}

// KafkaIngestConfig configures Kafka consumer-group ingestion.
// Params: brokers, topic, group and fetch/commit tuning.
// Returns: Kafka ingest behavior.
type KafkaIngestConfig struct {
	Enabled          bool     `toml:"enabled"`
	Brokers          []string `toml:"brokers"`
	Topic            string   `toml:"topic"`
	GroupID          string   `toml:"group_id"`
	MinBytes         int      `toml:"min_bytes"`
	MaxBytes         int      `toml:"max_bytes"`
	CommitIntervalMS int      `toml:"commit_interval_ms"`
}

// StateConfig selects optional persistent state backends.
// Params: SQLite backend settings for single mode.
// Returns: state backend options.
type StateConfig struct {
	SQLite SQLiteStateConfig `toml:"sqlite"`
}

// SQLiteStateConfig configures file-backed alert state.
// Params: enable flag, database path, and busy timeout.
// Returns: SQLite backend options.
type SQLiteStateConfig struct {
	Enabled       bool   `toml:"enabled"`
	Path          string `toml:"path"`
	BusyTimeoutMS int    `toml:"busy_timeout_ms"`
}

// NATSStateConfig contains fixed JetStream KV controls for state backend.
// Params: URL and bucket name.
// Returns: NATS state backend options.
type NATSStateConfig struct {
	URL               []string
	Bucket            string
	AllowCreateBucket bool
}

// DeriveStateNATSConfig builds fixed state-backend settings from runtime config.
// Params: full runtime configuration snapshot.
// Returns: non-user-overridable NATS state settings.
func DeriveStateNATSConfig(cfg Config) NATSStateConfig {
	urls := normalizeNATSURLs(cfg.Ingest.NATS.URL)
	if len(urls) == 0 {
		urls = []string{defaultNATSURL}
	}
	return NATSStateConfig{
		URL:               urls,
		Bucket:            defaultNATSStateBucket,
		AllowCreateBucket: true,
	}
}

// NotifyConfig defines outbound action delivery.
// Params: optional async queue and per-channel transport settings.
// Returns: notification controls.
type NotifyConfig struct {
	Queue      NotifyQueue      `toml:"queue"`
	Log        LogNotifier      `toml:"log"`
	Telegram   TelegramNotifier `toml:"telegram"`
	HTTP       HTTPNotifier     `toml:"http"`
	Mattermost MattermostConfig `toml:"mattermost"`
}

// NotifyQueue defines asynchronous delivery queue settings.
// Params: enable flag, worker/ack policy, and DLQ toggle.
// Returns: async notify pipeline controls.
type NotifyQueue struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"-"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
	DLQ           bool     `toml:"dlq"`
}

// NotifyRetry configures outbound delivery retries.
// Params: retry toggle, backoff, attempt limits, and logging.
// Returns: retry policy for notifications.
type NotifyRetry struct {
	Enabled        bool   `toml:"enabled"`
	Backoff        string `toml:"backoff"`
	InitialMS      int    `toml:"initial_ms"`
	MaxMS          int    `toml:"max_ms"`
	MaxAttempts    int    `toml:"max_attempts"`
	LogEachAttempt bool   `toml:"log_each_attempt"`
}

// LogNotifier writes rendered actions into the service log.
type LogNotifier struct {
	Enabled  bool   `toml:"enabled"`
	Level    string `toml:"level"`
	Template string `toml:"template"`
}

// TelegramNotifier defines Telegram channel settings.
// Params: enabled flag, bot token, chat ID, API base URL, parse mode, template, and retry policy.
// Returns: Telegram sender configuration.
type TelegramNotifier struct {
	Enabled   bool        `toml:"enabled"`
	BotToken  string      `toml:"bot_token"`
	ChatID    string      `toml:"chat_id"`
	APIBase   string      `toml:"api_base"`
	ParseMode string      `toml:"parse_mode"`
	Template  string      `toml:"template"`
	Retry     NotifyRetry `toml:"retry"`
}

// HTTPNotifier defines generic outbound HTTP webhook endpoint.
// Params: URL, method, timeout, optional static headers, template, and retry policy.
// Returns: HTTP notification sender configuration.
type HTTPNotifier struct {
	Enabled    bool              `toml:"enabled"`
	URL        string            `toml:"url"`
	Method     string            `toml:"method"`
	TimeoutSec int               `toml:"timeout_sec"`
	Headers    map[string]string `toml:"headers"`
	Template   string            `toml:"template"`
	Retry      NotifyRetry       `toml:"retry"`
}

// MattermostConfig defines Mattermost API channel settings.
// Params: enabled flag, API base URL, bot token, channel id, template, and retry policy.
// Returns: Mattermost sender configuration.
type MattermostConfig struct {
	Enabled    bool        `toml:"enabled"`
	BaseURL    string      `toml:"base_url"`
	BotToken   string      `toml:"bot_token"`
	ChannelID  string      `toml:"channel_id"`
	TimeoutSec int         `toml:"timeout_sec"`
	Template   string      `toml:"template"`
	Retry      NotifyRetry `toml:"retry"`
}

// LogConfig contains console/file logging sinks.
// Params: sink settings for each output target.
// Returns: logger setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		err = decodeFileInto(src.File, &cfg)
	} else {
		err = loadDir(src.Dir, &cfg)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// rejectUnsupportedSyntax checks forbidden TOML keys and returns explicit error.
// Params: raw TOML file body.
// Returns: error when unsupported syntax is detected.
func rejectUnsupportedSyntax(body []byte) error {
	if unsupportedIngestNATSFixedKeysPattern.Match(body) {
		return errors.New("ingest.nats.subject/stream are fixed in runtime and must not be configured")
	}
	if unsupportedNotifyQueueURLPattern.Match(body) {
		return errors.New("notify.queue.url is not supported; notify queue NATS URL is derived from ingest.nats.url")
	}
	return nil
}

// decodeFileInto overlays one TOML file onto cfg.
// Keys absent from the file keep values decoded from earlier fragments.
// Params: file path and destination snapshot.
// Returns: read/decode error.
func decodeFileInto(path string, cfg *Config) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := rejectUnsupportedSyntax(body); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if err := toml.Unmarshal(body, cfg); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	return nil
}

// loadDir reads and merges TOML files from one directory in name order.
// Params: directory containing config fragments and destination snapshot.
// Returns: load/decode error.
func loadDir(dir string, cfg *Config) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.ToLower(filepath.Ext(name)) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	if len(files) == 0 {
		return fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	for _, file := range files {
		if err := decodeFileInto(file, cfg); err != nil {
			return err
		}
	}
	return nil
}

// applyDefaults fills omitted optional values.
// Params: cfg pointer to decoded snapshot.
// Returns: defaults applied in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	cfg.Service.Mode = NormalizeServiceMode(cfg.Service.Mode)
	if strings.TrimSpace(cfg.Service.Schedule) == "" {
		cfg.Service.Schedule = defaultSchedule
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	if strings.TrimSpace(cfg.UI.KibanaURL) == "" {
		cfg.UI.KibanaURL = defaultKibanaURL
	}
	cfg.UI.KibanaURL = strings.TrimRight(strings.TrimSpace(cfg.UI.KibanaURL), "/")

	if strings.TrimSpace(cfg.Alert.Duration) == "" {
		cfg.Alert.Duration = defaultAlertDuration
	}
	if strings.TrimSpace(cfg.Alert.Limit) == "" {
		cfg.Alert.Limit = defaultAlertLimit
	}
	if strings.TrimSpace(cfg.Alert.Throttle) == "" {
		cfg.Alert.Throttle = defaultAlertThrottle
	}

	if strings.TrimSpace(cfg.Ingest.HTTP.Listen) == "" {
		cfg.Ingest.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.HealthPath) == "" {
		cfg.Ingest.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.ReadyPath) == "" {
		cfg.Ingest.HTTP.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.IngestPath) == "" {
		cfg.Ingest.HTTP.IngestPath = defaultIngestPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.MetricsPath) == "" {
		cfg.Ingest.HTTP.MetricsPath = defaultMetricsPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.AlertsPath) == "" {
		cfg.Ingest.HTTP.AlertsPath = defaultAlertsPath
	}
	if cfg.Ingest.HTTP.MaxBodyBytes <= 0 {
		cfg.Ingest.HTTP.MaxBodyBytes = defaultMaxBodyBytes
	}

	if cfg.Ingest.Kafka.Enabled {
		if strings.TrimSpace(cfg.Ingest.Kafka.GroupID) == "" {
			cfg.Ingest.Kafka.GroupID = defaultKafkaGroupID
		}
		if cfg.Ingest.Kafka.MinBytes <= 0 {
			cfg.Ingest.Kafka.MinBytes = defaultKafkaMinBytes
		}
		if cfg.Ingest.Kafka.MaxBytes <= 0 {
			cfg.Ingest.Kafka.MaxBytes = defaultKafkaMaxBytes
		}
		if cfg.Ingest.Kafka.CommitIntervalMS <= 0 {
			cfg.Ingest.Kafka.CommitIntervalMS = defaultKafkaCommitMS
		}
	}

	if cfg.State.SQLite.BusyTimeoutMS <= 0 {
		cfg.State.SQLite.BusyTimeoutMS = defaultSQLiteBusyMS
	}

	if cfg.Service.Mode == ServiceModeSingle {
		// Single mode always disables NATS-dependent paths regardless of user flags.
		cfg.Ingest.NATS.Enabled = false
		cfg.Notify.Queue.Enabled = false
		cfg.Notify.Queue.DLQ = false
		cfg.Notify.Queue.URL = nil
		if !cfg.Ingest.Kafka.Enabled {
			cfg.Ingest.HTTP.Enabled = true
		}
	} else {
		cfg.State.SQLite.Enabled = false
		cfg.Ingest.NATS.URL = normalizeNATSURLs(cfg.Ingest.NATS.URL)
		if len(cfg.Ingest.NATS.URL) == 0 {
			cfg.Ingest.NATS.URL = []string{defaultNATSURL}
		}
		cfg.Ingest.NATS.Subject = defaultNATSSubject
		cfg.Ingest.NATS.Stream = defaultNATSIngestStream
		if cfg.Ingest.NATS.AckWaitSec <= 0 {
			cfg.Ingest.NATS.AckWaitSec = defaultNATSAckWaitSec
		}
		if cfg.Ingest.NATS.NackDelayMS <= 0 {
			cfg.Ingest.NATS.NackDelayMS = defaultNATSNackDelayMS
		}
		if cfg.Ingest.NATS.MaxDeliver == 0 {
			cfg.Ingest.NATS.MaxDeliver = defaultNATSMaxDeliver
		}
		if cfg.Ingest.NATS.MaxAckPending <= 0 {
			cfg.Ingest.NATS.MaxAckPending = defaultNATSMaxAckPending
		}
		if !cfg.Ingest.HTTP.Enabled && !cfg.Ingest.NATS.Enabled && !cfg.Ingest.Kafka.Enabled {
			cfg.Ingest.HTTP.Enabled = true
		}

		// Queue uses the same NATS URL list as ingest/state in multi-instance mode.
		cfg.Notify.Queue.URL = append([]string(nil), cfg.Ingest.NATS.URL...)
		if cfg.Notify.Queue.AckWaitSec <= 0 {
			cfg.Notify.Queue.AckWaitSec = defaultNATSAckWaitSec
		}
		if cfg.Notify.Queue.NackDelayMS <= 0 {
			cfg.Notify.Queue.NackDelayMS = defaultNATSNackDelayMS
		}
		if cfg.Notify.Queue.MaxDeliver == 0 {
			cfg.Notify.Queue.MaxDeliver = defaultNATSMaxDeliver
		}
		if cfg.Notify.Queue.MaxAckPending <= 0 {
			cfg.Notify.Queue.MaxAckPending = defaultNATSMaxAckPending
		}
	}

	if cfg.Notify.Log.Level == "" {
		cfg.Notify.Log.Level = "info"
	}
	if strings.TrimSpace(cfg.Notify.Log.Template) == "" {
		cfg.Notify.Log.Template = defaultNotifyTemplate
	}
	if cfg.Notify.Telegram.APIBase == "" {
		cfg.Notify.Telegram.APIBase = "https://api.telegram.org"
	}
	if strings.TrimSpace(cfg.Notify.Telegram.Template) == "" {
		cfg.Notify.Telegram.Template = defaultNotifyTemplate
	}
	fillNotifyRetryDefaults(&cfg.Notify.Telegram.Retry)
	if cfg.Notify.HTTP.Method == "" {
		cfg.Notify.HTTP.Method = "POST"
	}
	if cfg.Notify.HTTP.TimeoutSec <= 0 {
		cfg.Notify.HTTP.TimeoutSec = 10
	}
	if strings.TrimSpace(cfg.Notify.HTTP.Template) == "" {
		cfg.Notify.HTTP.Template = defaultNotifyTemplate
	}
	fillNotifyRetryDefaults(&cfg.Notify.HTTP.Retry)
	if cfg.Notify.Mattermost.TimeoutSec <= 0 {
		cfg.Notify.Mattermost.TimeoutSec = 10
	}
	if strings.TrimSpace(cfg.Notify.Mattermost.Template) == "" {
		cfg.Notify.Mattermost.Template = defaultNotifyTemplate
	}
	fillNotifyRetryDefaults(&cfg.Notify.Mattermost.Retry)
}

// fillNotifyRetryDefaults normalizes retry policy fields for one channel.
// Params: retry policy pointer.
// Returns: policy defaults applied in place.
func fillNotifyRetryDefaults(retry *NotifyRetry) {
	if retry == nil {
		return
	}
	if retry.Backoff == "" {
		retry.Backoff = "exponential"
	}
	if retry.InitialMS <= 0 {
		retry.InitialMS = 500
	}
	if retry.MaxMS <= 0 {
		retry.MaxMS = 60000
	}
}

// validateConfig validates full runtime configuration.
// Params: cfg snapshot to validate.
// Returns: first failing rule as path-qualified error.
func validateConfig(cfg Config) error {
	mode := NormalizeServiceMode(cfg.Service.Mode)
	if !IsSupportedServiceMode(mode) {
		return fmt.Errorf("service.mode has unsupported value %q", cfg.Service.Mode)
	}
	if _, err := cron.ParseStandard(cfg.Service.Schedule); err != nil {
		return fmt.Errorf("service.schedule is invalid: %w", err)
	}

	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}

	if err := validateKibanaURL(cfg.UI.KibanaURL); err != nil {
		return err
	}
	if err := validateAlert(cfg.Alert); err != nil {
		return err
	}

	if err := validateIngest(mode, cfg.Ingest); err != nil {
		return err
	}
	if cfg.State.SQLite.Enabled {
		if mode != ServiceModeSingle {
			return errors.New("state.sqlite.enabled requires service.mode=single")
		}
		if strings.TrimSpace(cfg.State.SQLite.Path) == "" {
			return errors.New("state.sqlite.path is required when state.sqlite.enabled=true")
		}
	}

	return validateNotify(cfg.Notify)
}

// validateAlert checks alert interval strings.
// Params: alert section.
// Returns: path-qualified parse error.
func validateAlert(cfg AlertConfig) error {
	duration, err := templatefmt.ParseDuration(cfg.Duration)
	if err != nil {
		return fmt.Errorf("alert.duration is invalid: %w", err)
	}
	limit, err := templatefmt.ParseDuration(cfg.Limit)
	if err != nil {
		return fmt.Errorf("alert.limit is invalid: %w", err)
	}
	if limit < duration {
		return fmt.Errorf("alert.limit %q must not be shorter than alert.duration %q", cfg.Limit, cfg.Duration)
	}
	if _, err := templatefmt.ParseDuration(cfg.Throttle); err != nil {
		return fmt.Errorf("alert.throttle is invalid: %w", err)
	}
	return nil
}

// validateKibanaURL checks UI base URL used for action links.
// Params: configured URL.
// Returns: path-qualified error for non-http(s) URLs.
func validateKibanaURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("ui.kibana_url is invalid: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("ui.kibana_url must use http or https scheme, got %q", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("ui.kibana_url host is required, got %q", raw)
	}
	return nil
}

// validateIngest checks ingest endpoints for selected mode.
// Params: normalized service mode and ingest section.
// Returns: path-qualified validation error.
func validateIngest(mode string, cfg IngestConfig) error {
	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		return errors.New("ingest.http.listen is required")
	}
	paths := map[string]string{
		"ingest.http.health_path":  cfg.HTTP.HealthPath,
		"ingest.http.ready_path":   cfg.HTTP.ReadyPath,
		"ingest.http.ingest_path":  cfg.HTTP.IngestPath,
		"ingest.http.metrics_path": cfg.HTTP.MetricsPath,
		"ingest.http.alerts_path":  cfg.HTTP.AlertsPath,
	}
	keys := make([]string, 0, len(paths))
	for key := range paths {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := strings.TrimSpace(paths[key])
		if value == "" {
			return fmt.Errorf("%s is required", key)
		}
		if !strings.HasPrefix(value, "/") {
			return fmt.Errorf("%s must start with '/', got %q", key, value)
		}
	}
	if mode == ServiceModeSingle && !cfg.HTTP.Enabled && !cfg.Kafka.Enabled {
		return errors.New("ingest.http.enabled or ingest.kafka.enabled must be true when service.mode=single")
	}

	if mode == ServiceModeNATS {
		if len(cfg.NATS.URL) == 0 {
			return errors.New("ingest.nats.url is required")
		}
		for i, url := range cfg.NATS.URL {
			if strings.TrimSpace(url) == "" {
				return fmt.Errorf("ingest.nats.url[%d] is empty", i)
			}
		}
		if cfg.NATS.Enabled {
			if cfg.NATS.AckWaitSec <= 0 {
				return errors.New("ingest.nats.ack_wait_sec must be >0 when ingest.nats.enabled=true")
			}
			if cfg.NATS.MaxDeliver == 0 || cfg.NATS.MaxDeliver < -1 {
				return errors.New("ingest.nats.max_deliver must be -1 or >0")
			}
			if cfg.NATS.MaxAckPending <= 0 {
				return errors.New("ingest.nats.max_ack_pending must be >0 when ingest.nats.enabled=true")
			}
		}
	}

	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			return errors.New("ingest.kafka.brokers is required when ingest.kafka.enabled=true")
		}
		for i, broker := range cfg.Kafka.Brokers {
			if strings.TrimSpace(broker) == "" {
				return fmt.Errorf("ingest.kafka.brokers[%d] is empty", i)
			}
		}
		if strings.TrimSpace(cfg.Kafka.Topic) == "" {
			return errors.New("ingest.kafka.topic is required when ingest.kafka.enabled=true")
		}
		if cfg.Kafka.MaxBytes < cfg.Kafka.MinBytes {
			return errors.New("ingest.kafka.max_bytes must be >= ingest.kafka.min_bytes")
		}
	}
	return nil
}

// validateNotify checks channel credentials, retry policies, queue, and templates.
// Params: notify section.
// Returns: path-qualified validation error.
func validateNotify(cfg NotifyConfig) error {
	if cfg.Log.Enabled {
		switch strings.ToLower(strings.TrimSpace(cfg.Log.Level)) {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("notify.log.level has unsupported value %q", cfg.Log.Level)
		}
	}
	if cfg.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.BotToken) == "" {
			return errors.New("notify.telegram.bot_token is required when notify.telegram.enabled=true")
		}
		if strings.TrimSpace(cfg.Telegram.ChatID) == "" {
			return errors.New("notify.telegram.chat_id is required when notify.telegram.enabled=true")
		}
		switch cfg.Telegram.ParseMode {
		case "", "HTML", "Markdown", "MarkdownV2":
		default:
			return fmt.Errorf("notify.telegram.parse_mode has unsupported value %q", cfg.Telegram.ParseMode)
		}
	}
	if cfg.HTTP.Enabled && strings.TrimSpace(cfg.HTTP.URL) == "" {
		return errors.New("notify.http.url is required when notify.http.enabled=true")
	}
	if cfg.Mattermost.Enabled {
		if strings.TrimSpace(cfg.Mattermost.BaseURL) == "" {
			return errors.New("notify.mattermost.base_url is required when notify.mattermost.enabled=true")
		}
		if strings.TrimSpace(cfg.Mattermost.BotToken) == "" {
			return errors.New("notify.mattermost.bot_token is required when notify.mattermost.enabled=true")
		}
		if strings.TrimSpace(cfg.Mattermost.ChannelID) == "" {
			return errors.New("notify.mattermost.channel_id is required when notify.mattermost.enabled=true")
		}
	}
	if cfg.Queue.Enabled {
		if cfg.Queue.AckWaitSec <= 0 {
			return errors.New("notify.queue.ack_wait_sec must be >0 when notify.queue.enabled=true")
		}
		if cfg.Queue.MaxDeliver == 0 || cfg.Queue.MaxDeliver < -1 {
			return errors.New("notify.queue.max_deliver must be -1 or >0")
		}
		if cfg.Queue.MaxAckPending <= 0 {
			return errors.New("notify.queue.max_ack_pending must be >0 when notify.queue.enabled=true")
		}
	}
	if cfg.Queue.DLQ && !cfg.Queue.Enabled {
		return errors.New("notify.queue.dlq requires notify.queue.enabled=true")
	}

	for _, channel := range notifyChannelOrder {
		if !NotifyChannelEnabled(cfg, channel) {
			continue
		}
		if err := validateRetry("notify."+channel+".retry", NotifyChannelRetry(cfg, channel)); err != nil {
			return err
		}
		if err := validateMessageTemplate("notify."+channel+".template", NotifyChannelTemplate(cfg, channel)); err != nil {
			return err
		}
	}
	return nil
}

// validateRetry checks one retry policy.
// Params: field path and retry policy.
// Returns: validation error.
func validateRetry(path string, retry NotifyRetry) error {
	if !retry.Enabled {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(retry.Backoff)) {
	case "fixed", "exponential":
	default:
		return fmt.Errorf("%s.backoff has unsupported value %q", path, retry.Backoff)
	}
	if retry.MaxAttempts < 0 {
		return fmt.Errorf("%s.max_attempts must be >=0", path)
	}
	if retry.MaxMS < retry.InitialMS {
		return fmt.Errorf("%s.max_ms must be >= initial_ms", path)
	}
	return nil
}

// normalizeNATSURLs trims spaces around each configured NATS URL.
// Params: raw URL list from config.
// Returns: normalized URL list preserving element count for validation.
func normalizeNATSURLs(urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	out := make([]string, len(urls))
	for i := range urls {
		out[i] = strings.TrimSpace(urls[i])
	}
	return out
}

// NormalizeNotifyChannel canonicalizes notify channel keys.
// Params: raw channel name from config.
// Returns: normalized lowercase channel key.
func NormalizeNotifyChannel(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// NormalizeServiceMode canonicalizes service mode and applies default.
// Params: raw mode value from config.
// Returns: normalized mode (`single` by default).
func NormalizeServiceMode(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return ServiceModeSingle
	}
	return normalized
}

// IsSupportedServiceMode reports whether mode value is supported.
// Params: normalized mode value.
// Returns: true for known modes.
func IsSupportedServiceMode(mode string) bool {
	switch NormalizeServiceMode(mode) {
	case ServiceModeNATS, ServiceModeSingle:
		return true
	default:
		return false
	}
}

// NotifyChannelNames returns deterministic list of supported channel keys.
// Params: none.
// Returns: ordered channel key list.
func NotifyChannelNames() []string {
	out := make([]string, len(notifyChannelOrder))
	copy(out, notifyChannelOrder)
	return out
}

// IsSupportedNotifyChannel reports whether channel key is supported.
// Params: normalized channel key.
// Returns: true when channel is one of known transports.
func IsSupportedNotifyChannel(channel string) bool {
	_, exists := notifyChannelRegistry[NormalizeNotifyChannel(channel)]
	return exists
}

// NotifyChannelEnabled checks if channel transport is enabled.
// Params: notify config and channel key.
// Returns: true when corresponding transport section is enabled.
func NotifyChannelEnabled(cfg NotifyConfig, channel string) bool {
	descriptor, ok := notifyChannelDescriptorByName(channel)
	if !ok {
		return false
	}
	return descriptor.enabled(cfg)
}

// NotifyChannelRetry returns retry policy for one channel.
// Params: notify config and channel key.
// Returns: retry policy for channel transport.
func NotifyChannelRetry(cfg NotifyConfig, channel string) NotifyRetry {
	descriptor, ok := notifyChannelDescriptorByName(channel)
	if !ok {
		return NotifyRetry{}
	}
	return descriptor.retry(cfg)
}

// NotifyChannelTemplate returns message template body for one channel.
// Params: notify config and channel key.
// Returns: template body (empty for unknown channels).
func NotifyChannelTemplate(cfg NotifyConfig, channel string) string {
	descriptor, ok := notifyChannelDescriptorByName(channel)
	if !ok {
		return ""
	}
	return descriptor.template(cfg)
}

// notifyChannelDescriptorByName returns channel metadata descriptor by key.
// Params: raw or normalized channel key.
// Returns: descriptor and existence flag.
func notifyChannelDescriptorByName(channel string) (notifyChannelDescriptor, bool) {
	descriptor, exists := notifyChannelRegistry[NormalizeNotifyChannel(channel)]
	return descriptor, exists
}

// validateMessageTemplate parses one text template and checks it is non-empty.
// Params: field path and template body.
// Returns: parse/empty error.
func validateMessageTemplate(path, body string) error {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return fmt.Errorf("%s is required", path)
	}
	if _, err := templatefmt.ParseNotificationTemplate(path, trimmed); err != nil {
		return fmt.Errorf("%s is invalid: %w", path, err)
	}
	return nil
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}

	return nil
}
