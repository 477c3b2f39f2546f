package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds configuration for the retention daemon.
type Config struct {
	// TTL is how long a reduced job is kept after completion (default: 7 days).
	TTL time.Duration

	// CheckInterval is how often the daemon looks for expired jobs (default: 5 minutes).
	CheckInterval time.Duration

	// BatchSize caps the jobs listed per catalog query (default: 100).
	BatchSize int
}

// DefaultConfig returns the default retention configuration.
func DefaultConfig() Config {
	return Config{
		TTL:           7 * 24 * time.Hour,
		CheckInterval: 5 * time.Minute,
		BatchSize:     100,
	}
}

// Daemon runs a Collector periodically in the background.
type Daemon struct {
	config    Config
	collector *Collector
	logger    logrus.FieldLogger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDaemon creates a retention daemon.
func NewDaemon(config Config, lister Lister, deleter Deleter, logger logrus.FieldLogger) *Daemon {
	if config.CheckInterval <= 0 {
		config.CheckInterval = DefaultConfig().CheckInterval
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Daemon{
		config:    config,
		collector: NewCollector(lister, deleter, config.TTL, config.BatchSize, logger),
		logger:    logger,
	}
}

// Start begins the retention loop. It runs until ctx is cancelled or Stop
// is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("retention: daemon is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.run(ctx)
	return nil
}

// Stop stops the daemon and waits for the current run to finish.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}

	d.cancel()
	<-d.done
	d.running = false
	return nil
}

// Close implements io.Closer.
func (d *Daemon) Close() error {
	return d.Stop()
}

func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)

	d.runOnce(ctx)

	ticker := time.NewTicker(d.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runOnce(ctx)
		}
	}
}

func (d *Daemon) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := d.collector.Collect(ctx); err != nil && ctx.Err() == nil {
		d.logger.WithField("action", "retention").WithError(err).Error("retention run failed")
	}
}

// RunOnce performs a single collection run.
func (d *Daemon) RunOnce(ctx context.Context) (*Result, error) {
	return d.collector.Collect(ctx)
}

// Collector returns the daemon's collector.
func (d *Daemon) Collector() *Collector {
	return d.collector
}
