package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const checkTimeout = 2 * time.Second

// HealthStatus represents the health status of the application
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version,omitempty"`
	Uptime    int64             `json:"uptime_seconds,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// DependencyCheck reports whether a dependency such as the pubsub link or the room
// store can serve traffic.
type DependencyCheck func(ctx context.Context) error

// HealthChecker manages health check state
type HealthChecker struct {
	ready     atomic.Bool
	live      atomic.Bool
	startTime time.Time
	version   string
	logger    *slog.Logger

	checksMu sync.RWMutex
	checks   map[string]DependencyCheck
}

func NewHealthChecker(logger *slog.Logger, version string) *HealthChecker {
	hc := &HealthChecker{
		startTime: time.Now(),
		version:   version,
		logger:    logger,
		checks:    make(map[string]DependencyCheck),
	}
	// live by default, ready once the listener is up
	hc.live.Store(true)
	hc.ready.Store(false)
	return hc
}

// AddCheck registers a dependency consulted by the readiness probe.
func (hc *HealthChecker) AddCheck(name string, check DependencyCheck) {
	hc.checksMu.Lock()
	defer hc.checksMu.Unlock()
	hc.checks[name] = check
}

func (hc *HealthChecker) SetReady(ready bool) {
	hc.ready.Store(ready)
	if ready {
		hc.logger.Info("Service marked as ready")
	} else {
		hc.logger.Warn("Service marked as not ready")
	}
}

func (hc *HealthChecker) SetLive(live bool) {
	hc.live.Store(live)
	if !live {
		hc.logger.Error("Service marked as not alive")
	}
}

func (hc *HealthChecker) IsReady() bool {
	return hc.ready.Load()
}

func (hc *HealthChecker) IsLive() bool {
	return hc.live.Load()
}

// runChecks returns per-dependency results and whether all of them passed.
func (hc *HealthChecker) runChecks(ctx context.Context) (map[string]string, bool) {
	hc.checksMu.RLock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	checks := make(map[string]DependencyCheck, len(hc.checks))
	for name, c := range hc.checks {
		checks[name] = c
	}
	hc.checksMu.RUnlock()

	if len(names) == 0 {
		return nil, true
	}
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	results := make(map[string]string, len(names))
	healthy := true
	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			hc.logger.Warn("dependency check failed", "dependency", name, "error", err)
			results[name] = err.Error()
			healthy = false
			continue
		}
		results[name] = "ok"
	}
	return results, healthy
}

// ReadinessHandler reports ready only when the service was marked ready and every
// registered dependency check passes.
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !hc.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(HealthStatus{
				Status:    "not_ready",
				Timestamp: time.Now(),
			})
			return
		}

		results, healthy := hc.runChecks(r.Context())
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(HealthStatus{
				Status:    "not_ready",
				Timestamp: time.Now(),
				Checks:    results,
			})
			return
		}

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(HealthStatus{
			Status:    "ready",
			Timestamp: time.Now(),
			Version:   hc.version,
			Uptime:    int64(time.Since(hc.startTime).Seconds()),
			Checks:    results,
		})
	}
}

func (hc *HealthChecker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !hc.IsLive() {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(HealthStatus{
				Status:    "not_alive",
				Timestamp: time.Now(),
			})
			return
		}

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(HealthStatus{
			Status:    "alive",
			Timestamp: time.Now(),
			Version:   hc.version,
			Uptime:    int64(time.Since(hc.startTime).Seconds()),
		})
	}
}
