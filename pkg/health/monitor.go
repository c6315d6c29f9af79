package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/migadu/s3watcher/logger"
	"github.com/migadu/s3watcher/pkg/circuitbreaker"
	"github.com/migadu/s3watcher/pkg/metrics"
)

type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

func (s ComponentStatus) gaugeValue() float64 {
	switch s {
	case StatusHealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	Critical bool // failure makes the whole process unhealthy

	mu         sync.RWMutex
	lastCheck  time.Time
	lastError  error
	status     ComponentStatus
	checkCount int
	failCount  int
}

// CheckResult is a point-in-time view of one check.
type CheckResult struct {
	Name      string          `json:"name"`
	Status    ComponentStatus `json:"status"`
	Critical  bool            `json:"critical"`
	LastCheck time.Time       `json:"last_check,omitempty"`
	LastError string          `json:"last_error,omitempty"`
}

func (c *HealthCheck) result() CheckResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r := CheckResult{Name: c.Name, Status: c.status, Critical: c.Critical, LastCheck: c.lastCheck}
	if c.lastError != nil {
		r.LastError = c.lastError.Error()
	}
	return r
}

type HealthMonitor struct {
	mu              sync.RWMutex
	checks          map[string]*HealthCheck
	overallStatus   ComponentStatus
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	statusCallbacks []func(name string, status ComponentStatus)
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		checks:        make(map[string]*HealthCheck),
		overallStatus: StatusHealthy,
	}
}

func (hm *HealthMonitor) RegisterCheck(check *HealthCheck) {
	if check.Interval == 0 {
		check.Interval = 30 * time.Second
	}
	if check.Timeout == 0 {
		check.Timeout = 10 * time.Second
	}
	check.status = StatusHealthy

	hm.mu.Lock()
	hm.checks[check.Name] = check
	hm.mu.Unlock()
}

func (hm *HealthMonitor) AddStatusCallback(callback func(name string, status ComponentStatus)) {
	hm.mu.Lock()
	hm.statusCallbacks = append(hm.statusCallbacks, callback)
	hm.mu.Unlock()
}

// Start runs every registered check on its own ticker until Stop or ctx ends.
// The first run happens after one interval.
func (hm *HealthMonitor) Start(ctx context.Context) {
	ctx, hm.cancel = context.WithCancel(ctx)

	hm.mu.RLock()
	defer hm.mu.RUnlock()
	for _, check := range hm.checks {
		hm.wg.Add(1)
		go hm.run(ctx, check)
	}
}

func (hm *HealthMonitor) Stop() {
	if hm.cancel != nil {
		hm.cancel()
	}
	hm.wg.Wait()
}

func (hm *HealthMonitor) run(ctx context.Context, check *HealthCheck) {
	defer hm.wg.Done()

	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	logger.Info("Health: monitoring started", "check", check.Name, "interval", check.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hm.perform(ctx, check)
		}
	}
}

// CheckNow runs every check once, synchronously, and returns the overall status.
func (hm *HealthMonitor) CheckNow(ctx context.Context) ComponentStatus {
	hm.mu.RLock()
	checks := make([]*HealthCheck, 0, len(hm.checks))
	for _, c := range hm.checks {
		checks = append(checks, c)
	}
	hm.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range checks {
		wg.Add(1)
		go func(c *HealthCheck) {
			defer wg.Done()
			hm.perform(ctx, c)
		}(c)
	}
	wg.Wait()
	return hm.GetOverallStatus()
}

func (hm *HealthMonitor) perform(ctx context.Context, check *HealthCheck) {
	var err error
	start := time.Now()
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
		defer cancel()
		err = check.Check(checkCtx)
	}()
	metrics.HealthCheckDuration.WithLabelValues(check.Name).Observe(time.Since(start).Seconds())

	check.mu.Lock()
	check.checkCount++
	check.lastCheck = time.Now()
	previous := check.status
	if err != nil {
		check.failCount++
		check.lastError = err
		// A single failure degrades; sustained failure is unhealthy.
		if float64(check.failCount)/float64(check.checkCount) >= 0.5 {
			check.status = StatusUnhealthy
		} else {
			check.status = StatusDegraded
		}
	} else {
		check.lastError = nil
		check.status = StatusHealthy
	}
	current := check.status
	check.mu.Unlock()

	metrics.ComponentHealthStatus.WithLabelValues(check.Name).Set(current.gaugeValue())
	if err != nil {
		logger.Warn("Health: check failed", "check", check.Name, "status", string(current), "error", err)
	}
	if previous != current {
		logger.Info("Health: status changed", "check", check.Name, "from", string(previous), "to", string(current))
		hm.notifyStatusChange(check.Name, current)
	}
	hm.updateOverallStatus()
}

func (hm *HealthMonitor) notifyStatusChange(name string, status ComponentStatus) {
	hm.mu.RLock()
	callbacks := append([]func(string, ComponentStatus){}, hm.statusCallbacks...)
	hm.mu.RUnlock()

	for _, callback := range callbacks {
		callback(name, status)
	}
}

func (hm *HealthMonitor) updateOverallStatus() {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	overall := StatusHealthy
	for _, check := range hm.checks {
		r := check.result()
		switch {
		case r.Critical && r.Status == StatusUnhealthy:
			overall = StatusUnhealthy
		case r.Status != StatusHealthy && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}

	if overall != hm.overallStatus {
		logger.Info("Health: overall status changed", "from", string(hm.overallStatus), "to", string(overall))
		hm.overallStatus = overall
	}
}

func (hm *HealthMonitor) GetOverallStatus() ComponentStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.overallStatus
}

// Results returns every check's latest result ordered by name.
func (hm *HealthMonitor) Results() []CheckResult {
	hm.mu.RLock()
	results := make([]CheckResult, 0, len(hm.checks))
	for _, c := range hm.checks {
		results = append(results, c.result())
	}
	hm.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

func (hm *HealthMonitor) GetCheckStatus(name string) (ComponentStatus, bool) {
	hm.mu.RLock()
	check, exists := hm.checks[name]
	hm.mu.RUnlock()
	if !exists {
		return StatusUnhealthy, false
	}
	return check.result().Status, true
}

// BreakerStatus maps a circuit breaker's state onto a component status.
func BreakerStatus(cb *circuitbreaker.CircuitBreaker) ComponentStatus {
	switch cb.State() {
	case circuitbreaker.StateOpen:
		return StatusUnhealthy
	case circuitbreaker.StateHalfOpen:
		return StatusDegraded
	default:
		counts := cb.Counts()
		if counts.Requests > 0 && float64(counts.TotalFailures)/float64(counts.Requests) > 0.2 {
			return StatusDegraded
		}
		return StatusHealthy
	}
}

// RecoverBreakerOnHealthy returns a status callback that lets an open breaker
// probe again as soon as the named check reports healthy.
func RecoverBreakerOnHealthy(checkName string, cb *circuitbreaker.CircuitBreaker) func(string, ComponentStatus) {
	return func(name string, status ComponentStatus) {
		if name == checkName && status == StatusHealthy && cb.State() == circuitbreaker.StateOpen {
			logger.Info("Health: dependency recovered, probing", "check", name, "breaker", cb.Name())
			cb.ForceHalfOpen()
		}
	}
}
