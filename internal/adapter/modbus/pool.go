// Package modbus provides pooled Modbus TCP sessions and the meter read
// service built on them.
package modbus

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/nexus-edge/meter-telemetry/internal/domain"
	"github.com/nexus-edge/meter-telemetry/internal/metrics"
	"github.com/rs/zerolog"
)

// Key identifies one Modbus session: host, port and unit ID.
type Key struct {
	Host   string
	Port   int
	UnitID uint8
}

// KeyFor returns the pool key of a read target.
func KeyFor(t domain.Target) Key {
	return Key{Host: t.Host, Port: t.Port, UnitID: t.UnitID}
}

// Address returns host:port.
func (k Key) Address() string {
	return net.JoinHostPort(k.Host, strconv.Itoa(k.Port))
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.Address(), k.UnitID)
}

// ConnectionPool manages a bounded set of Modbus sessions, at most one per key.
type ConnectionPool struct {
	config  PoolConfig
	dialer  Dialer
	handles map[Key]*Handle
	mu      sync.Mutex
	logger  zerolog.Logger
	metrics *metrics.Registry
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
	now     func() time.Time
}

// Handle is a pooled session borrowed by one read. Callers must Release
// it and must not retain it afterwards.
type Handle struct {
	key  Key
	conn Conn

	// ready is closed once the dial finishes; dialErr is valid after that.
	ready   chan struct{}
	dialErr error

	// Guarded by the pool mutex.
	connecting bool
	connected  bool
	inUse      int
	lastUsed   time.Time

	// opMu serializes wire operations on conn.
	opMu sync.Mutex
}

// Key returns the session key.
func (h *Handle) Key() Key {
	return h.key
}

// ReadHoldingRegisters reads quantity words at address over this session.
func (h *Handle) ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]byte, error) {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	if h.conn == nil {
		return nil, domain.ErrConnectionClosed
	}
	return h.conn.ReadHoldingRegisters(ctx, address, quantity)
}

// closeConn closes the underlying session once no operation is running.
func (h *Handle) closeConn() error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	if h.conn == nil {
		return nil
	}
	err := h.conn.Close()
	h.conn = nil
	return err
}

// PoolConfig holds configuration for the connection pool.
type PoolConfig struct {
	// MaxConnections is the maximum number of resident sessions
	MaxConnections int

	// IdleTimeout is how long an unused session stays open
	IdleTimeout time.Duration

	// AcquireTimeout bounds establishing a new session
	AcquireTimeout time.Duration

	// ReadTimeout bounds one request/response exchange
	ReadTimeout time.Duration

	// ActiveWindow is how recently a session must have been used to count as active
	ActiveWindow time.Duration
}

// DefaultPoolConfig returns a PoolConfig with sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnections: 50,
		IdleTimeout:    5 * time.Minute,
		AcquireTimeout: 5 * time.Second,
		ReadTimeout:    3 * time.Second,
		ActiveWindow:   60 * time.Second,
	}
}

// NewConnectionPool creates a new connection pool. A nil dialer dials real
// Modbus TCP sessions. Zero config fields take their defaults.
func NewConnectionPool(config PoolConfig, dialer Dialer, logger zerolog.Logger, metricsReg *metrics.Registry) *ConnectionPool {
	def := DefaultPoolConfig()
	if config.MaxConnections == 0 {
		config.MaxConnections = def.MaxConnections
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	if config.AcquireTimeout == 0 {
		config.AcquireTimeout = def.AcquireTimeout
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.ActiveWindow == 0 {
		config.ActiveWindow = def.ActiveWindow
	}
	if dialer == nil {
		dialer = TCPDialer{ReadTimeout: config.ReadTimeout, IdleTimeout: config.IdleTimeout}
	}

	pool := &ConnectionPool{
		config:  config,
		dialer:  dialer,
		handles: make(map[Key]*Handle),
		logger:  logger.With().Str("component", "modbus-pool").Logger(),
		metrics: metricsReg,
		done:    make(chan struct{}),
		now:     time.Now,
	}

	// Start idle connection reaper
	pool.wg.Add(1)
	go pool.idleReaperLoop()

	return pool
}

// Acquire returns a connected handle for key, dialing one if needed.
// A resident connected handle is reused. At capacity the least recently
// used idle handle is evicted first. Dial failures are returned as
// *domain.ConnectionError and never retried here.
func (p *ConnectionPool) Acquire(ctx context.Context, key Key) (*Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.AcquireTimeout)
	defer cancel()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, domain.ErrPoolClosed
		}

		if h, ok := p.handles[key]; ok {
			if h.connecting {
				p.mu.Unlock()
				// Another caller is dialing this key; wait for it instead of dialing twice.
				select {
				case <-h.ready:
					if h.dialErr != nil {
						return nil, h.dialErr
					}
					continue
				case <-ctx.Done():
					return nil, connectionError(key, ctx.Err())
				}
			}
			if h.connected {
				h.inUse++
				h.lastUsed = p.now()
				p.mu.Unlock()
				return h, nil
			}
			delete(p.handles, key)
		}

		var victim *Handle
		if len(p.handles) >= p.config.MaxConnections {
			victim = p.lruIdleLocked()
			if victim == nil {
				p.mu.Unlock()
				return nil, &domain.ConnectionError{Kind: domain.ConnectionErrorPoolExhausted, Key: key.String()}
			}
			delete(p.handles, victim.key)
			victim.connected = false
		}

		h := &Handle{
			key:        key,
			ready:      make(chan struct{}),
			connecting: true,
			inUse:      1,
			lastUsed:   p.now(),
		}
		p.handles[key] = h
		p.mu.Unlock()

		if victim != nil {
			p.logger.Debug().
				Str("evicted", victim.key.String()).
				Str("for", key.String()).
				Msg("Evicting least recently used connection")
			p.closeHandle(victim, "lru")
		}

		return p.dial(ctx, h)
	}
}

// dial establishes the session for a placeholder handle outside the pool lock.
func (p *ConnectionPool) dial(ctx context.Context, h *Handle) (*Handle, error) {
	start := time.Now()
	conn, err := p.dialer.Dial(ctx, h.key)
	if p.metrics != nil {
		p.metrics.RecordConnection(err == nil, time.Since(start).Seconds())
	}

	p.mu.Lock()
	h.connecting = false
	if err == nil && p.closed {
		err = domain.ErrPoolClosed
		_ = conn.Close()
		conn = nil
	}
	if err != nil {
		if p.handles[h.key] == h {
			delete(p.handles, h.key)
		}
		if err != domain.ErrPoolClosed {
			err = connectionError(h.key, err)
		}
		h.inUse = 0
		h.dialErr = err
		close(h.ready)
		p.mu.Unlock()

		p.logger.Warn().Err(err).Str("key", h.key.String()).Msg("Failed to connect to Modbus device")
		return nil, err
	}

	h.conn = conn
	h.connected = true
	h.lastUsed = p.now()
	close(h.ready)
	size := len(p.handles)
	p.mu.Unlock()

	p.logger.Debug().
		Str("key", h.key.String()).
		Int("pool_size", size).
		Dur("took", time.Since(start)).
		Msg("Opened Modbus connection")
	p.publishStats()

	return h, nil
}

// lruIdleLocked returns the least recently used handle not currently in use.
func (p *ConnectionPool) lruIdleLocked() *Handle {
	var victim *Handle
	for _, h := range p.handles {
		if h.inUse > 0 || h.connecting {
			continue
		}
		if victim == nil || h.lastUsed.Before(victim.lastUsed) {
			victim = h
		}
	}
	return victim
}

// Release clears the in-use mark. The handle stays resident for reuse.
func (p *ConnectionPool) Release(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	if h.inUse > 0 {
		h.inUse--
	}
	h.lastUsed = p.now()
	p.mu.Unlock()
}

// CloseOne closes and removes the handle for key so the next Acquire reconnects.
func (p *ConnectionPool) CloseOne(key Key) {
	p.mu.Lock()
	h, ok := p.handles[key]
	if !ok || h.connecting {
		p.mu.Unlock()
		return
	}
	delete(p.handles, key)
	h.connected = false
	p.mu.Unlock()

	p.closeHandle(h, "error")
}

// Discard closes h if it is still the resident handle for its key. A handle
// that was already evicted or replaced is left alone, so a later session
// for the same key survives.
func (p *ConnectionPool) Discard(h *Handle) {
	p.mu.Lock()
	if cur, ok := p.handles[h.key]; !ok || cur != h || h.connecting {
		p.mu.Unlock()
		return
	}
	delete(p.handles, h.key)
	h.connected = false
	p.mu.Unlock()

	p.closeHandle(h, "error")
}

// CloseAll closes every handle and clears the pool. The pool stays usable.
func (p *ConnectionPool) CloseAll() {
	p.mu.Lock()
	victims := make([]*Handle, 0, len(p.handles))
	for key, h := range p.handles {
		if h.connecting {
			continue
		}
		h.connected = false
		victims = append(victims, h)
		delete(p.handles, key)
	}
	p.mu.Unlock()

	for _, h := range victims {
		p.closeHandle(h, "shutdown")
	}
	if len(victims) > 0 {
		p.logger.Info().Int("closed", len(victims)).Msg("Closed all Modbus connections")
	}
}

func (p *ConnectionPool) closeHandle(h *Handle, reason string) {
	if err := h.closeConn(); err != nil {
		p.logger.Warn().Err(err).Str("key", h.key.String()).Msg("Error closing Modbus connection")
	}
	if p.metrics != nil {
		p.metrics.RecordEviction(reason)
	}
	p.publishStats()
}

// Close closes all connections and stops the pool.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	// Wait for background goroutines to stop
	p.wg.Wait()

	p.CloseAll()
	p.logger.Info().Msg("Connection pool closed")
	return nil
}

// idleReaperLoop removes idle connections every half idle timeout.
func (p *ConnectionPool) idleReaperLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.reapIdleConnections()
		}
	}
}

// reapIdleConnections closes connections that have been idle too long.
// Handles in use are never reaped.
func (p *ConnectionPool) reapIdleConnections() {
	p.mu.Lock()
	now := p.now()
	var victims []*Handle
	for key, h := range p.handles {
		if h.connecting || h.inUse > 0 {
			continue
		}
		if now.Sub(h.lastUsed) > p.config.IdleTimeout {
			h.connected = false
			victims = append(victims, h)
			delete(p.handles, key)
		}
	}
	p.mu.Unlock()

	for _, h := range victims {
		p.logger.Debug().Str("key", h.key.String()).Msg("Closing idle connection")
		p.closeHandle(h, "idle")
	}
	p.publishStats()
}

// Stats returns pool statistics.
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *ConnectionPool) statsLocked() PoolStats {
	now := p.now()
	stats := PoolStats{
		TotalConnections: len(p.handles),
		MaxConnections:   p.config.MaxConnections,
	}
	for _, h := range p.handles {
		if now.Sub(h.lastUsed) <= p.config.ActiveWindow {
			stats.ActiveConnections++
		} else {
			stats.IdleConnections++
		}
		if h.inUse > 0 {
			stats.InUseConnections++
		}
	}
	return stats
}

func (p *ConnectionPool) publishStats() {
	if p.metrics == nil {
		return
	}
	stats := p.Stats()
	p.metrics.UpdatePoolConnections(stats.TotalConnections, stats.ActiveConnections, stats.IdleConnections)
}

// PoolStats contains pool statistics. Active means used within the
// configured active window; it is a liveness heuristic, not a lock state.
type PoolStats struct {
	TotalConnections  int `json:"total_connections"`
	ActiveConnections int `json:"active_connections"`
	IdleConnections   int `json:"idle_connections"`
	InUseConnections  int `json:"in_use_connections"`
	MaxConnections    int `json:"max_connections"`
}

// Has reports whether a handle for key is resident.
func (p *ConnectionPool) Has(key Key) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.handles[key]
	return ok
}

// HealthCheck implements the health.Checker interface. The pool is healthy
// while it is operational, even if individual meters are unreachable.
func (p *ConnectionPool) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return domain.ErrPoolClosed
	}
	return nil
}
