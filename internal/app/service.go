package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"stackmon/internal/alerthost"
	"stackmon/internal/alerts"
	"stackmon/internal/clock"
	"stackmon/internal/config"
	"stackmon/internal/ingest"
	"stackmon/internal/logging"
	"stackmon/internal/metrics"
	"stackmon/internal/notify"
	"stackmon/internal/notifyqueue"
	"stackmon/internal/source"
	"stackmon/internal/state"
	"stackmon/internal/templatefmt"

	"golang.org/x/sync/errgroup"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config snapshot and shared runtime components.
// Returns: runnable monitoring alert service.
type Service struct {
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func()
	store     state.Store
	tracker   *source.Tracker
	host      *alerthost.Host
	httpSrv   *http.Server
	bus       *ingest.NATSBus
	kafka     *ingest.KafkaConsumer
	notifyQ   interface{ Close() error }
	notifyPub notifyqueue.Producer
	readyFlag atomic.Bool
	clock     clock.Clock
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(src config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(src)
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := logging.New(cfg.Log, logging.Options{Service: cfg.Service.Name})
	if err != nil {
		return nil, err
	}
	return newService(cfg, logger, closeLog, clk)
}

func newService(cfg config.Config, logger *slog.Logger, closeLog func(), clk clock.Clock) (*Service, error) {
	service := &Service{
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		tracker:  source.NewTracker(),
		clock:    clk,
	}

	store, err := buildStore(cfg)
	if err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	service.store = store

	sink, err := service.buildActionSink()
	if err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	service.host = alerthost.New(store, sink, clk, logger)
	if err := service.registerAlerts(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}

	ingestSink, err := service.buildIngest()
	if err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	service.buildHTTPServer(ingestSink)
	return service, nil
}

// Run starts service loops and blocks until ctx is cancelled or a signal arrives.
// Params: root context for service runtime.
// Returns: first loop error, or shutdown error.
func (s *Service) Run(ctx context.Context) error {
	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		s.logger.Info("http server starting", "listen", s.cfg.Ingest.HTTP.Listen)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		s.readyFlag.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return s.host.Run(groupCtx, s.cfg.Service.Schedule)
	})
	if s.kafka != nil {
		group.Go(func() error {
			return s.kafka.Run(groupCtx)
		})
	}

	s.readyFlag.Store(true)
	s.logger.Info("service started",
		"mode", s.cfg.Service.Mode,
		"schedule", s.cfg.Service.Schedule,
		"alert_types", s.host.TypeIDs(),
	)

	runErr := group.Wait()
	if err := s.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	var firstErr error
	markErr := func(name string, err error) {
		if err == nil {
			return
		}
		s.logger.Error(name+" close failed", "error", err.Error())
		if firstErr == nil {
			firstErr = fmt.Errorf("%s close: %w", name, err)
		}
	}

	if s.kafka != nil {
		markErr("kafka consumer", s.kafka.Close())
	}
	if s.bus != nil {
		markErr("nats ingest", s.bus.Close())
	}
	if s.notifyQ != nil {
		markErr("notify queue worker", s.notifyQ.Close())
	}
	if s.notifyPub != nil {
		markErr("notify queue producer", s.notifyPub.Close())
	}
	markErr("store", s.store.Close())
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.kafka != nil {
		_ = s.kafka.Close()
		s.kafka = nil
	}
	if s.bus != nil {
		_ = s.bus.Close()
		s.bus = nil
	}
	if s.notifyQ != nil {
		_ = s.notifyQ.Close()
		s.notifyQ = nil
	}
	if s.notifyPub != nil {
		_ = s.notifyPub.Close()
		s.notifyPub = nil
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildActionSink wires dispatcher directly or behind the async notify queue.
// Params: none.
// Returns: sink receiving scheduled alert actions.
func (s *Service) buildActionSink() (alerthost.ActionSink, error) {
	dispatcher, err := notify.NewDispatcher(s.cfg.Notify, s.logger)
	if err != nil {
		return nil, err
	}
	if isSingleMode(s.cfg) || !s.cfg.Notify.Queue.Enabled {
		return dispatcher, nil
	}

	producer, err := notifyqueue.NewNATSProducer(s.cfg.Notify.Queue)
	if err != nil {
		return nil, err
	}
	s.notifyPub = producer
	worker, err := notifyqueue.NewNATSWorker(s.cfg.Notify.Queue, s.logger, notifyqueue.JobHandler(dispatcher))
	if err != nil {
		return nil, err
	}
	s.notifyQ = worker
	return notifyqueue.NewFanout(producer, dispatcher.Channels()), nil
}

// registerAlerts registers the missing monitoring data alert when enabled.
// Params: none.
// Returns: construction or registration error.
func (s *Service) registerAlerts() error {
	if !s.cfg.Alert.IsEnabled() {
		s.logger.Warn("missing monitoring data alert disabled")
		return nil
	}
	alert, err := alerts.NewMissingMonitoringData(alerts.Options{
		Source:     s.tracker,
		KibanaURL:  s.cfg.UI.KibanaURL,
		CCSEnabled: s.cfg.UI.CCSEnabled,
		Cloud:      s.cfg.UI.Cloud,
		Params:     alerts.Params{Duration: s.cfg.Alert.Duration, Limit: s.cfg.Alert.Limit},
		Throttle:   s.cfg.Alert.Throttle,
	})
	if err != nil {
		return fmt.Errorf("alert: %w", err)
	}
	return s.host.Register(alert.Definition())
}

// buildIngest starts replica fan-in and Kafka consumer when configured.
// Params: none.
// Returns: sink used by local transports.
func (s *Service) buildIngest() (ingest.HeartbeatSink, error) {
	var sink ingest.HeartbeatSink = s.tracker
	if !isSingleMode(s.cfg) && s.cfg.Ingest.NATS.Enabled {
		retention, err := templatefmt.ParseDuration(s.cfg.Alert.Limit)
		if err != nil {
			return nil, fmt.Errorf("alert.limit: %w", err)
		}
		bus, err := ingest.NewNATSBus(s.cfg.Ingest.NATS, retention, s.logger)
		if err != nil {
			return nil, err
		}
		s.bus = bus
		if err := bus.Subscribe(s.tracker); err != nil {
			return nil, err
		}
		sink = bus
	}
	if s.cfg.Ingest.Kafka.Enabled {
		s.kafka = ingest.NewKafkaConsumer(s.cfg.Ingest.Kafka, sink, s.logger)
	}
	return sink, nil
}

// buildHTTPServer wires router with ingest, health, metrics, and alert endpoints.
// Params: sink for HTTP ingest.
// Returns: none.
func (s *Service) buildHTTPServer(sink ingest.HeartbeatSink) {
	httpCfg := s.cfg.Ingest.HTTP
	mux := http.NewServeMux()
	mux.HandleFunc(httpCfg.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(httpCfg.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	mux.Handle(httpCfg.MetricsPath, metrics.Handler())
	mux.HandleFunc(httpCfg.AlertsPath, s.handleAlerts)

	if httpCfg.Enabled {
		handler := ingest.NewHTTPHandler(sink, httpCfg.MaxBodyBytes, s.logger)
		mux.Handle(httpCfg.IngestPath, handler)
		batchPath := strings.TrimSuffix(httpCfg.IngestPath, "/") + "/batch"
		if batchPath != httpCfg.IngestPath {
			mux.Handle(batchPath, handler)
		}
	}

	s.httpSrv = &http.Server{
		Addr:              httpCfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// handleAlerts returns persisted instances of every registered alert type as JSON.
func (s *Service) handleAlerts(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		writer.Header().Set("Allow", http.MethodGet)
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	out := make(map[string][]alerthost.InstanceRecord)
	for _, typeID := range s.host.TypeIDs() {
		instances, err := s.host.Instances(request.Context(), typeID)
		if err != nil {
			s.logger.Error("list alert instances failed", "alert_type", typeID, "error", err.Error())
			http.Error(writer, "list alert instances failed", http.StatusInternalServerError)
			return
		}
		out[typeID] = instances
	}
	writer.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(writer).Encode(out)
}

// buildStore creates runtime state backend from config.
// Params: root config snapshot.
// Returns: selected store backend.
func buildStore(cfg config.Config) (state.Store, error) {
	if !isSingleMode(cfg) {
		return state.NewNATSStore(config.DeriveStateNATSConfig(cfg))
	}
	if cfg.State.SQLite.Enabled {
		return state.NewSQLiteStore(cfg.State.SQLite)
	}
	return state.NewMemoryStore(), nil
}

func isSingleMode(cfg config.Config) bool {
	return config.NormalizeServiceMode(cfg.Service.Mode) == config.ServiceModeSingle
}
