package monitoring

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

type HealthChecker interface {
	CheckHealth(ctx context.Context) *HealthStatus
	RegisterCheck(checker ComponentChecker)
	StartPeriodicChecks(interval time.Duration)
	StopPeriodicChecks()
	GetComponentStatus(component string) *ComponentHealth
}

type ComponentChecker interface {
	Check(ctx context.Context) error
	Name() string
	Timeout() time.Duration
}

type HealthStatus struct {
	Status     string                      `json:"status"`
	Timestamp  time.Time                   `json:"timestamp"`
	Uptime     string                      `json:"uptime"`
	Version    string                      `json:"version"`
	Components map[string]*ComponentHealth `json:"components"`
	Summary    *HealthSummary              `json:"summary"`
}

type ComponentHealth struct {
	Status      string        `json:"status"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

type HealthSummary struct {
	TotalComponents     int `json:"total_components"`
	HealthyComponents   int `json:"healthy_components"`
	UnhealthyComponents int `json:"unhealthy_components"`
	UnknownComponents   int `json:"unknown_components"`
}

type healthChecker struct {
	checkers  map[string]ComponentChecker
	status    map[string]*ComponentHealth
	startTime time.Time
	version   string
	ticker    *time.Ticker
	stopChan  chan struct{}
	stopOnce  sync.Once
	mutex     sync.RWMutex
}

func NewHealthChecker(version string) HealthChecker {
	return &healthChecker{
		checkers:  make(map[string]ComponentChecker),
		status:    make(map[string]*ComponentHealth),
		startTime: time.Now(),
		version:   version,
		stopChan:  make(chan struct{}),
	}
}

func (h *healthChecker) RegisterCheck(checker ComponentChecker) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.checkers[checker.Name()] = checker
	h.status[checker.Name()] = &ComponentHealth{Status: StatusUnknown}
}

// CheckHealth runs every registered checker concurrently. The service is
// unhealthy when more than half of its components fail.
func (h *healthChecker) CheckHealth(ctx context.Context) *HealthStatus {
	h.mutex.RLock()
	checkers := make([]ComponentChecker, 0, len(h.checkers))
	for _, c := range h.checkers {
		checkers = append(checkers, c)
	}
	h.mutex.RUnlock()

	results := make([]*ComponentHealth, len(checkers))
	var wg sync.WaitGroup
	for i, checker := range checkers {
		wg.Add(1)
		go func(i int, checker ComponentChecker) {
			defer wg.Done()
			results[i] = checkComponent(ctx, checker)
		}(i, checker)
	}
	wg.Wait()

	summary := &HealthSummary{TotalComponents: len(checkers)}
	overall := StatusHealthy

	h.mutex.Lock()
	for i, checker := range checkers {
		h.status[checker.Name()] = results[i]
		switch results[i].Status {
		case StatusHealthy:
			summary.HealthyComponents++
		case StatusUnhealthy:
			summary.UnhealthyComponents++
			overall = StatusDegraded
		default:
			summary.UnknownComponents++
			overall = StatusDegraded
		}
	}
	components := h.copyStatus()
	h.mutex.Unlock()

	if summary.UnhealthyComponents > 0 && summary.UnhealthyComponents*2 > summary.TotalComponents {
		overall = StatusUnhealthy
	}

	return &HealthStatus{
		Status:     overall,
		Timestamp:  time.Now(),
		Uptime:     time.Since(h.startTime).Round(time.Second).String(),
		Version:    h.version,
		Components: components,
		Summary:    summary,
	}
}

func checkComponent(ctx context.Context, checker ComponentChecker) *ComponentHealth {
	start := time.Now()

	checkCtx, cancel := context.WithTimeout(ctx, checker.Timeout())
	defer cancel()

	err := checker.Check(checkCtx)
	health := &ComponentHealth{
		LastChecked: time.Now(),
		Duration:    time.Since(start),
		Status:      StatusHealthy,
	}
	if err != nil {
		health.Status = StatusUnhealthy
		health.Error = err.Error()
	}
	return health
}

func (h *healthChecker) copyStatus() map[string]*ComponentHealth {
	copied := make(map[string]*ComponentHealth, len(h.status))
	for name, status := range h.status {
		cp := *status
		copied[name] = &cp
	}
	return copied
}

func (h *healthChecker) GetComponentStatus(component string) *ComponentHealth {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if status, exists := h.status[component]; exists {
		cp := *status
		return &cp
	}
	return nil
}

func (h *healthChecker) StartPeriodicChecks(interval time.Duration) {
	if interval <= 0 {
		return
	}
	h.ticker = time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-h.ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				h.CheckHealth(ctx)
				cancel()
			case <-h.stopChan:
				return
			}
		}
	}()
}

func (h *healthChecker) StopPeriodicChecks() {
	h.stopOnce.Do(func() {
		if h.ticker != nil {
			h.ticker.Stop()
		}
		close(h.stopChan)
	})
}

// FuncChecker adapts a ping function to ComponentChecker.
type FuncChecker struct {
	name    string
	timeout time.Duration
	check   func(ctx context.Context) error
}

func NewFuncChecker(name string, timeout time.Duration, check func(ctx context.Context) error) ComponentChecker {
	return &FuncChecker{name: name, timeout: timeout, check: check}
}

func (f *FuncChecker) Name() string           { return f.name }
func (f *FuncChecker) Timeout() time.Duration { return f.timeout }

func (f *FuncChecker) Check(ctx context.Context) error {
	if f.check == nil {
		return fmt.Errorf("no checker function provided for %s", f.name)
	}
	return f.check(ctx)
}

func NewMongoChecker(client *mongo.Client) ComponentChecker {
	return NewFuncChecker("mongodb", 5*time.Second, func(ctx context.Context) error {
		return client.Ping(ctx, readpref.Primary())
	})
}

func NewPostgresChecker(pool *pgxpool.Pool) ComponentChecker {
	return NewFuncChecker("postgres", 5*time.Second, pool.Ping)
}

func NewRedisChecker(client *redis.Client) ComponentChecker {
	return NewFuncChecker("redis", 3*time.Second, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}

// MemoryChecker fails when the Go heap grows past threshold bytes.
type MemoryChecker struct {
	threshold uint64
}

func NewMemoryChecker(threshold uint64) ComponentChecker {
	return &MemoryChecker{threshold: threshold}
}

func (m *MemoryChecker) Name() string           { return "memory" }
func (m *MemoryChecker) Timeout() time.Duration { return time.Second }

func (m *MemoryChecker) Check(context.Context) error {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	if stats.HeapAlloc > m.threshold {
		return fmt.Errorf("heap usage %d bytes exceeds threshold %d bytes", stats.HeapAlloc, m.threshold)
	}
	return nil
}
