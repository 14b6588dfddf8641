package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/dreamware/halo/internal/cluster"
)

// WorkerHealth tracks the health status of a single worker of a run.
// It maintains the current status, last successful check time, and failure count.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type WorkerHealth struct {
	LastCheck        time.Time // Timestamp of the last health check attempt
	LastHealthy      time.Time // Timestamp of the last successful health check
	Addr             string    // Address of the worker
	Status           string    // Current status: "healthy", "unhealthy", "unknown"
	ConsecutiveFails int       // Number of consecutive failed health checks
}

// HealthMonitor probes the workers of a running run in the background.
// A worker that fails maxFailures consecutive probes is reported through the
// unhealthy callback, which the run uses to abort early instead of waiting
// for the turn timeout.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	workers     map[string]*WorkerHealth                     // Current health status per worker
	checkFunc   func(ctx context.Context, addr string) error // Function to perform health check
	onUnhealthy func(addr string)                            // Callback when worker becomes unhealthy
	ctx         context.Context                              // Context for cancellation
	cancel      context.CancelFunc                           // Cancel function for shutdown
	interval    time.Duration                                // How often to check worker health
	timeout     time.Duration                                // Timeout of a single probe
	mu          sync.RWMutex                                 // Protects workers map
	wg          sync.WaitGroup                               // Wait group for graceful shutdown
	maxFailures int                                          // Failures before marking unhealthy
}

// NewHealthMonitor creates a health monitor that probes every interval.
// Workers are marked unhealthy after 3 consecutive failures. Probes go
// through client unless SetCheckFunction replaces them.
//
// Example:
//
//	monitor := NewHealthMonitor(5*time.Second, client)
//	monitor.SetOnUnhealthy(run.workerLost)
//	monitor.Start(ctx, registry.Addrs)
//	defer monitor.Stop()
func NewHealthMonitor(interval time.Duration, client cluster.WorkerClient) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	h := &HealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		workers:     make(map[string]*WorkerHealth),
		ctx:         ctx,
		cancel:      cancel,
	}
	if client != nil {
		h.checkFunc = func(ctx context.Context, addr string) error {
			_, err := client.Health(ctx, addr)
			return err
		}
	}
	return h
}

// SetOnUnhealthy sets the callback invoked once when a worker becomes
// unhealthy. The callback runs on its own goroutine.
func (h *HealthMonitor) SetOnUnhealthy(callback func(addr string)) {
	h.onUnhealthy = callback
}

// SetCheckFunction replaces the probe.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, addr string) error) {
	h.checkFunc = checkFunc
}

// Start launches the monitoring loop and returns. The loop runs until ctx is
// done or Stop is called. provider returns the addresses to probe on each
// round. A monitor without a check function does not start.
func (h *HealthMonitor) Start(ctx context.Context, provider func() []string) {
	if ctx == nil {
		ctx = h.ctx
	}
	if h.checkFunc == nil {
		log.Warn("health monitor has no check function, not starting")
		return
	}
	h.wg.Add(1)
	go h.loop(ctx, provider)
}

func (h *HealthMonitor) loop(ctx context.Context, provider func() []string) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	log.Debug("health monitor started", zap.Duration("interval", h.interval))

	h.checkAll(ctx, provider())

	for {
		select {
		case <-ticker.C:
			h.checkAll(ctx, provider())
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Stop cancels the monitoring loop and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// checkAll probes every worker in parallel and forgets workers that are no
// longer provided.
func (h *HealthMonitor) checkAll(ctx context.Context, addrs []string) {
	current := make(map[string]bool, len(addrs))
	var wg sync.WaitGroup
	for _, addr := range addrs {
		current[addr] = true
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			h.check(ctx, addr)
		}(addr)
	}
	wg.Wait()

	h.mu.Lock()
	for addr := range h.workers {
		if !current[addr] {
			delete(h.workers, addr)
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) check(ctx context.Context, addr string) {
	h.mu.Lock()
	health, exists := h.workers[addr]
	if !exists {
		now := time.Now()
		health = &WorkerHealth{Addr: addr, Status: "unknown", LastCheck: now, LastHealthy: now}
		h.workers[addr] = health
	}
	h.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.checkFunc(probeCtx, addr)
	cancel()
	if ctx.Err() != nil {
		// shutting down; a cancelled probe says nothing about the worker
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()
	if err != nil {
		health.ConsecutiveFails++
		log.Warn("worker health check failed",
			zap.String("addr", addr),
			zap.Int("attempt", health.ConsecutiveFails),
			zap.Int("maxFailures", h.maxFailures),
			zap.Error(errors.Trace(err)))

		if health.ConsecutiveFails >= h.maxFailures && health.Status != "unhealthy" {
			health.Status = "unhealthy"
			if h.onUnhealthy != nil {
				log.Warn("worker marked unhealthy",
					zap.String("addr", addr), zap.Int("failures", health.ConsecutiveFails))
				go h.onUnhealthy(addr)
			}
		}
		return
	}
	if health.Status == "unhealthy" {
		log.Info("worker recovered", zap.String("addr", addr))
	}
	health.Status = "healthy"
	health.ConsecutiveFails = 0
	health.LastHealthy = time.Now()
}

// GetWorkerHealth returns a copy of the health record of addr, or nil.
func (h *HealthMonitor) GetWorkerHealth(addr string) *WorkerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.workers[addr]
	if !exists {
		return nil
	}
	out := *health
	return &out
}

// GetAllWorkerHealth returns copies of every health record.
func (h *HealthMonitor) GetAllWorkerHealth() map[string]*WorkerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[string]*WorkerHealth, len(h.workers))
	for addr, health := range h.workers {
		out := *health
		result[addr] = &out
	}
	return result
}

// IsHealthy reports whether the last probes of addr succeeded.
func (h *HealthMonitor) IsHealthy(addr string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.workers[addr]
	return exists && health.Status == "healthy"
}
