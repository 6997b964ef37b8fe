// Package connectivity tracks whether the agent backend is reachable.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Config configures a Monitor
type Config struct {
	URL      string        // probed with GET; any HTTP answer counts as online
	Interval time.Duration // rounded up to whole seconds by the scheduler
	Timeout  time.Duration
}

// Monitor probes the backend on a schedule and reports transitions
type Monitor struct {
	cfg      Config
	client   *http.Client
	onChange func(ctx context.Context, online bool)
	logger   *slog.Logger
	cron     *cron.Cron
	cancel   context.CancelFunc

	mu     sync.Mutex
	online bool
}

// New creates a Monitor. The backend is assumed reachable until a probe fails.
func New(cfg Config, onChange func(ctx context.Context, online bool), logger *slog.Logger) (*Monitor, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("probe url is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if onChange == nil {
		onChange = func(context.Context, bool) {}
	}
	return &Monitor{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		onChange: onChange,
		logger:   logger,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		online:   true,
	}, nil
}

// Start schedules probes every Interval. Probes and the onChange callbacks
// they trigger run under ctx, which Stop also cancels.
func (m *Monitor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	schedule := "@every " + m.cfg.Interval.String()
	if _, err := m.cron.AddFunc(schedule, func() {
		if ctx.Err() != nil {
			return
		}
		m.Check(ctx)
	}); err != nil {
		cancel()
		return fmt.Errorf("failed to schedule connectivity probe: %w", err)
	}
	m.cancel = cancel
	m.cron.Start()
	m.logger.Info("connectivity monitor started", "url", m.cfg.URL, "interval", m.cfg.Interval)
	return nil
}

// Stop cancels the schedule and any running probe, then waits for it to return.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	<-m.cron.Stop().Done()
}

// Online returns the last observed state
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Check probes once and notifies onChange if the state flipped.
func (m *Monitor) Check(ctx context.Context) bool {
	online := m.probe(ctx)

	m.mu.Lock()
	changed := online != m.online
	m.online = online
	m.mu.Unlock()

	if changed {
		m.logger.Info("connectivity changed", "online", online)
		m.onChange(ctx, online)
	}
	return online
}

func (m *Monitor) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.URL, nil)
	if err != nil {
		m.logger.Error("failed to create probe request", "error", err)
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug("probe failed", "url", m.cfg.URL, "error", err)
		return false
	}
	resp.Body.Close()
	return true
}
