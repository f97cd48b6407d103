package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"strata/metrics"
	"strata/util/goroutine"
)

const (
	// healthProbeTimeout bounds a single SELECT 1 probe
	healthProbeTimeout = 2 * time.Second

	// exhaustionWarnInterval throttles "pool exhausted" warnings under sustained saturation
	exhaustionWarnInterval = 10 * time.Second
)

// PoolConfig bounds and times the pool
type PoolConfig struct {
	PoolSize            int
	MaxConnections      int
	ConnectionTimeout   time.Duration
	HealthCheckInterval time.Duration
}

// PoolStats is a snapshot of pool occupancy and cumulative counters
type PoolStats struct {
	PoolSize       int   `json:"pool_size" yaml:"pool_size"`
	MaxConnections int   `json:"max_connections" yaml:"max_connections"`
	Total          int   `json:"total" yaml:"total"`
	Idle           int   `json:"idle" yaml:"idle"`
	Active         int   `json:"active" yaml:"active"`
	Created        int64 `json:"created" yaml:"created"`
	Reused         int64 `json:"reused" yaml:"reused"`
	Failed         int64 `json:"failed" yaml:"failed"`
	Hits           int64 `json:"hits" yaml:"hits"`
	Misses         int64 `json:"misses" yaml:"misses"`
	Exhausted      int64 `json:"exhausted" yaml:"exhausted"`
	Evicted        int64 `json:"evicted" yaml:"evicted"`
	Closed         bool  `json:"closed" yaml:"closed"`
}

// Pool hands out a bounded set of Connections to one store.
//
// Idle connections wait in a buffered channel of capacity PoolSize. The mutex
// guards total, the outstanding set and the closed flag, and is never held
// while opening or probing a native connection.
type Pool struct {
	cfg      PoolConfig
	target   storeTarget
	settings connectionSettings
	logger   *zap.SugaredLogger

	idle chan *Connection

	mu          sync.Mutex
	total       int
	outstanding map[*Connection]struct{}
	closed      bool
	// released is closed and replaced whenever a slot or idle connection frees up
	released chan struct{}
	// sweeping counts idle connections taken out by the health sweep and not yet reconciled
	sweeping int

	created   atomic.Int64
	reused    atomic.Int64
	failed    atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64
	exhausted atomic.Int64
	evicted   atomic.Int64

	warnLimiter *rate.Limiter

	stopSweep chan struct{}
	sweepDone <-chan struct{}
	closeOnce sync.Once
}

// newPool opens PoolSize connections up front and starts the health sweep.
// If any pre-warm connection fails, everything opened so far is closed.
func newPool(ctx context.Context, cfg PoolConfig, target storeTarget, settings connectionSettings, logger *zap.SugaredLogger) (*Pool, error) {
	if cfg.PoolSize < 1 || cfg.MaxConnections < cfg.PoolSize {
		return nil, fmt.Errorf("invalid pool bounds: pool_size=%d max_connections=%d", cfg.PoolSize, cfg.MaxConnections)
	}

	p := &Pool{
		cfg:         cfg,
		target:      target,
		settings:    settings,
		logger:      logger,
		idle:        make(chan *Connection, cfg.PoolSize),
		outstanding: make(map[*Connection]struct{}),
		released:    make(chan struct{}),
		warnLimiter: rate.NewLimiter(rate.Every(exhaustionWarnInterval), 1),
		stopSweep:   make(chan struct{}),
	}

	for i := 0; i < cfg.PoolSize; i++ {
		conn, err := openConnection(ctx, target, settings, logger)
		if err != nil {
			p.failed.Add(1)
			_ = p.CloseAll()
			return nil, fmt.Errorf("failed to pre-warm connection %d of %d: %w", i+1, cfg.PoolSize, err)
		}
		p.created.Add(1)
		p.total++
		p.idle <- conn
	}

	if cfg.HealthCheckInterval > 0 {
		p.sweepDone = goroutine.Go("storage-pool-health-sweep", logger, p.sweepLoop)
	}

	metrics.PoolMaxConnections.Set(float64(cfg.MaxConnections))
	logger.Infow("Connection pool ready",
		"store", target.display(),
		"pool_size", cfg.PoolSize,
		"max_connections", cfg.MaxConnections,
		"health_check_interval", cfg.HealthCheckInterval)
	return p, nil
}

// Get returns a healthy connection. It reuses an idle one when possible, opens
// a new one while total < MaxConnections, and otherwise waits up to
// ConnectionTimeout for a release before failing with ErrPoolExhausted.
//
// Idle connections held by a running health sweep are still counted as
// available: with ConnectionTimeout 0, Get waits up to healthProbeTimeout for
// the sweep to hand them back instead of failing at once.
func (p *Pool) Get(ctx context.Context) (*Connection, error) {
	start := time.Now()
	var timer *time.Timer

	for {
		conn, wait, sweeping, err := p.tryGet(ctx)
		if err == nil {
			metrics.PoolWaitDuration.Observe(time.Since(start).Seconds())
			return conn, nil
		}
		if !errors.Is(err, ErrPoolExhausted) {
			return nil, err
		}

		timeout := p.cfg.ConnectionTimeout
		if timeout <= 0 {
			if !sweeping {
				return nil, p.exhaustedError(nil)
			}
			timeout = healthProbeTimeout
		}

		if timer == nil {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}

		select {
		case <-wait:
		case <-timer.C:
			return nil, p.exhaustedError(nil)
		case <-ctx.Done():
			return nil, p.exhaustedError(ctx.Err())
		}
	}
}

// tryGet makes one non-blocking acquisition attempt. On exhaustion it also returns
// the release channel and whether a sweep holds idle connections, both observed
// under the same lock, so no release is missed.
//
// Idle connections are probed on a background context: a caller whose context is
// already done gets ctx.Err() and never causes healthy connections to be evicted.
func (p *Pool) tryGet(ctx context.Context) (*Connection, <-chan struct{}, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, false, err
	}

	for {
		var conn *Connection
		select {
		case conn = <-p.idle:
		default:
		}
		if conn == nil {
			break
		}

		probeCtx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
		probeErr := conn.Probe(probeCtx)
		cancel()

		if probeErr == nil && !conn.setState(ConnStateActive) {
			probeErr = fmt.Errorf("%w: connection %s left the idle state", ErrConnectionUnhealthy, conn.ID())
		}
		if probeErr != nil {
			p.evict(conn, "checkout", probeErr)
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = conn.Close()
			return nil, nil, false, ErrPoolClosed
		}
		p.outstanding[conn] = struct{}{}
		p.mu.Unlock()

		conn.MarkUsed()
		p.hits.Add(1)
		p.reused.Add(1)
		metrics.PoolAcquisitions.WithLabelValues("hit").Inc()
		return conn, nil, false, nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil, false, ErrPoolClosed
	}
	if p.total >= p.cfg.MaxConnections {
		wait, sweeping := p.released, p.sweeping > 0
		p.mu.Unlock()
		return nil, wait, sweeping, ErrPoolExhausted
	}
	// Reserve the slot before the slow open so concurrent callers cannot overshoot
	p.total++
	p.mu.Unlock()

	conn, err := openConnection(ctx, p.target, p.settings, p.logger)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.notifyLocked()
		p.mu.Unlock()

		p.failed.Add(1)
		metrics.PoolAcquisitions.WithLabelValues("failed").Inc()
		return nil, nil, false, fmt.Errorf("failed to create connection: %w", err)
	}
	conn.setState(ConnStateActive)
	conn.MarkUsed()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return nil, nil, false, ErrPoolClosed
	}
	p.outstanding[conn] = struct{}{}
	p.mu.Unlock()

	p.misses.Add(1)
	p.created.Add(1)
	metrics.PoolAcquisitions.WithLabelValues("miss").Inc()
	return conn, nil, false, nil
}

func (p *Pool) exhaustedError(cause error) error {
	p.exhausted.Add(1)
	metrics.PoolAcquisitions.WithLabelValues("exhausted").Inc()

	if p.warnLimiter.Allow() {
		stats := p.Stats()
		p.logger.Warnw("Connection pool exhausted",
			"total", stats.Total,
			"active", stats.Active,
			"max_connections", p.cfg.MaxConnections,
			"connection_timeout", p.cfg.ConnectionTimeout,
			"exhausted_total", stats.Exhausted)
	}

	if cause != nil {
		return fmt.Errorf("%w: %w", ErrPoolExhausted, cause)
	}
	return ErrPoolExhausted
}

// Put returns a connection obtained from Get. Healthy connections go back to
// the idle queue; unhealthy ones, or any beyond PoolSize, are closed.
// Returning a connection twice is a no-op.
func (p *Pool) Put(conn *Connection) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	if _, ok := p.outstanding[conn]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.outstanding, conn)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
	probeErr := conn.Probe(ctx)
	cancel()

	if probeErr != nil {
		p.evict(conn, "return", probeErr)
		return
	}

	p.mu.Lock()
	if p.closed {
		// CloseAll already reset total
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	if conn.setState(ConnStateIdle) {
		select {
		case p.idle <- conn:
			p.notifyLocked()
			p.mu.Unlock()
			return
		default:
		}
	}
	// Idle queue full: this connection was opened above PoolSize
	p.total--
	p.notifyLocked()
	p.mu.Unlock()
	_ = conn.Close()
}

// evict closes a connection that failed its probe and frees its slot
func (p *Pool) evict(conn *Connection, reason string, cause error) {
	info := conn.Info()
	_ = conn.Close()

	p.mu.Lock()
	delete(p.outstanding, conn)
	if !p.closed {
		p.total--
	}
	p.notifyLocked()
	p.mu.Unlock()

	p.evicted.Add(1)
	metrics.PoolEvictions.WithLabelValues(reason).Inc()
	p.logger.Warnw("Evicted unhealthy connection",
		"conn_id", info.ID,
		"reason", reason,
		"error", cause,
		"query_count", info.QueryCount,
		"age", time.Since(info.CreatedAt))
}

// notifyLocked wakes every Get waiting for capacity. p.mu must be held.
func (p *Pool) notifyLocked() {
	close(p.released)
	p.released = make(chan struct{})
}

func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopSweep:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep probes every idle connection once, outside the lock, and evicts the
// unhealthy ones. Connections checked out meanwhile are probed on their return.
func (p *Pool) sweep() {
	batch := p.drainForSweep()

	evicted := 0
	for _, conn := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
		probeErr := conn.Probe(ctx)
		cancel()

		if probeErr != nil {
			evicted++
		}
		p.reconcileSwept(conn, probeErr)
	}

	if evicted > 0 {
		p.logger.Infow("Health sweep evicted connections", "checked", len(batch), "evicted", evicted)
	} else {
		p.logger.Debugw("Health sweep completed", "checked", len(batch))
	}
}

// drainForSweep takes every idle connection out of the queue and counts them
// as held by the sweep, in one critical section so Get never sees them missing
// without also seeing the sweep
func (p *Pool) drainForSweep() []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()

	batch := make([]*Connection, 0, len(p.idle))
drain:
	for {
		select {
		case conn := <-p.idle:
			batch = append(batch, conn)
		default:
			break drain
		}
	}
	p.sweeping += len(batch)
	return batch
}

// reconcileSwept hands one swept connection back to the idle queue, or evicts
// it when its probe failed
func (p *Pool) reconcileSwept(conn *Connection, probeErr error) {
	p.mu.Lock()
	p.sweeping--
	if probeErr != nil {
		p.mu.Unlock()
		p.evict(conn, "sweep", probeErr)
		return
	}
	if p.closed {
		p.notifyLocked()
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	select {
	case p.idle <- conn:
		p.notifyLocked()
		p.mu.Unlock()
	default:
		p.total--
		p.notifyLocked()
		p.mu.Unlock()
		_ = conn.Close()
	}
}

// Stats returns a snapshot of the pool
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	total := p.total
	active := len(p.outstanding)
	closed := p.closed
	p.mu.Unlock()

	return PoolStats{
		PoolSize:       p.cfg.PoolSize,
		MaxConnections: p.cfg.MaxConnections,
		Total:          total,
		Idle:           len(p.idle),
		Active:         active,
		Created:        p.created.Load(),
		Reused:         p.reused.Load(),
		Failed:         p.failed.Load(),
		Hits:           p.hits.Load(),
		Misses:         p.misses.Load(),
		Exhausted:      p.exhausted.Load(),
		Evicted:        p.evicted.Load(),
		Closed:         closed,
	}
}

// CloseAll stops the health sweep and closes every connection, idle or
// checked out. Get fails with ErrPoolClosed afterwards. Safe to call twice.
func (p *Pool) CloseAll() error {
	var errs []error

	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		outstanding := p.outstanding
		p.outstanding = make(map[*Connection]struct{})
		p.total = 0
		p.notifyLocked()
		p.mu.Unlock()

		close(p.stopSweep)
		if p.sweepDone != nil {
			<-p.sweepDone
		}

	drain:
		for {
			select {
			case conn := <-p.idle:
				if err := conn.Close(); err != nil {
					errs = append(errs, err)
				}
			default:
				break drain
			}
		}

		for conn := range outstanding {
			if err := conn.Close(); err != nil {
				errs = append(errs, err)
			}
		}

		p.logger.Infow("Connection pool closed",
			"store", p.target.display(),
			"created", p.created.Load(),
			"evicted", p.evicted.Load())
	})

	return errors.Join(errs...)
}
