package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"bot-relay/internal/metrics"
	"bot-relay/internal/platform"
)

var (
	// ErrQueueFull means the message was not accepted; the webhook answers 503
	// so the platform redelivers.
	ErrQueueFull = errors.New("relay queue full")
	// ErrStopped is returned by Enqueue after Shutdown.
	ErrStopped = errors.New("relay dispatcher stopped")
)

// Processor handles one message.
type Processor interface {
	Process(ctx context.Context, msg platform.InboundMessage) (Outcome, error)
}

// Claims is a short-lived lock keyed by delivery. cache.Redis satisfies it.
type Claims interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// DispatcherConfig sizes the worker pool.
type DispatcherConfig struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
	ClaimTTL   time.Duration
}

// Dispatcher decouples webhook acknowledgement from processing. Messages wait
// in a bounded queue and run on background contexts.
type Dispatcher struct {
	proc    Processor
	claims  Claims
	logger  *slog.Logger
	metrics *metrics.Metrics
	cfg     DispatcherConfig

	queue chan platform.InboundMessage
	wg    sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

var _ platform.Sink = (*Dispatcher)(nil)

// NewDispatcher builds a dispatcher and starts its workers. claims may be nil.
func NewDispatcher(proc Processor, claims Claims, cfg DispatcherConfig, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 10 * time.Minute
	}
	d := &Dispatcher{
		proc:    proc,
		claims:  claims,
		logger:  logger.With("component", "dispatcher"),
		metrics: m,
		cfg:     cfg,
		queue:   make(chan platform.InboundMessage, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Enqueue accepts msg without blocking. Malformed messages are dropped.
func (d *Dispatcher) Enqueue(_ context.Context, msg platform.InboundMessage) error {
	if err := msg.Validate(); err != nil {
		d.logger.Warn("dropping malformed message", "platform", msg.Platform, "error", err)
		return nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}
	select {
	case d.queue <- msg:
		d.gauge(1)
		return nil
	default:
		d.logger.Warn("relay queue full", "platform", msg.Platform, "external_id", msg.ExternalMessageID)
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for msg := range d.queue {
		d.gauge(-1)
		d.handle(msg)
	}
}

func (d *Dispatcher) handle(msg platform.InboundMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.JobTimeout)
	defer cancel()
	log := d.logger.With("platform", msg.Platform, "external_id", msg.ExternalMessageID)

	key := "relay:claim:" + string(msg.Platform) + ":" + msg.ExternalMessageID
	claimed := false
	if d.claims != nil {
		ok, err := d.claims.Claim(ctx, key, d.cfg.ClaimTTL)
		switch {
		case err != nil:
			// Storage constraints still dedupe; only the fast path is lost.
			log.Warn("delivery claim unavailable", "error", err)
		case !ok:
			log.Debug("delivery already claimed")
			if d.metrics != nil {
				d.metrics.InboundMessages.WithLabelValues(string(msg.Platform), "claimed").Inc()
			}
			return
		default:
			claimed = true
		}
	}

	outcome, err := d.proc.Process(ctx, msg)
	if err != nil {
		log.Error("relay processing failed", "error", err)
		if d.metrics != nil {
			d.metrics.Errors.WithLabelValues("relay").Inc()
		}
		if claimed {
			// Let a redelivery try again.
			if relErr := d.claims.Release(context.Background(), key); relErr != nil {
				log.Warn("release delivery claim failed", "error", relErr)
			}
		}
		return
	}
	log.Debug("message processed", "outcome", outcome)
}

// Shutdown stops accepting messages and waits for the queue to drain.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) gauge(delta float64) {
	if d.metrics != nil {
		d.metrics.RelayQueueDepth.Add(delta)
	}
}
