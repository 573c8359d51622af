// Package monitoring serves health, status and Prometheus metrics for a
// running push service.
package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-tilize/internal/engine"
	"github.com/23skdu/longbow-tilize/internal/logger"
	"github.com/23skdu/longbow-tilize/internal/queue"
)

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Queues      []QueueInfo     `json:"queues"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
	Goroutines   int    `json:"goroutines"`
}

// QueueInfo is the host mirror of one device queue.
type QueueInfo struct {
	Name      string `json:"name"`
	Target    string `json:"target"`
	Base      uint64 `json:"base"`
	Slots     int    `json:"slots"`
	EntrySize int    `json:"entry_size"`
	RAM       bool   `json:"ram"`
	WPtr      uint32 `json:"wptr"`
	RPtr      uint32 `json:"rptr"`
	Published uint32 `json:"published"`
	Occupancy int    `json:"occupancy"`
	Phase     string `json:"phase"`
}

type PerformanceInfo struct {
	Pushes        int       `json:"pushes"`
	Failures      int       `json:"failures"`
	EntriesPerSec float64   `json:"entries_per_sec"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	P95LatencyMs  float64   `json:"p95_latency_ms"`
	ErrorRate     float64   `json:"error_rate"`
	LastPush      time.Time `json:"last_push"`
}

// Alert represents a service alert
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // queue, push, system
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// StateSource reports the queue mirrors of an engine.
type StateSource interface {
	States() []queue.State
}

// Thresholds raise alerts. Zero disables a check.
type Thresholds struct {
	SlowPush time.Duration
}

const (
	maxHistory = 1000
	maxAlerts  = 100
)

// PerfPoint is one recorded push.
type PerfPoint struct {
	Timestamp time.Time
	Entries   int
	Duration  time.Duration
	Failed    bool
}

// HealthMonitor tracks push outcomes and serves them over HTTP.
type HealthMonitor struct {
	startTime  time.Time
	version    string
	source     StateSource
	thresholds Thresholds
	server     *http.Server

	mu          sync.RWMutex
	alerts      []Alert
	lastPush    time.Time
	perfHistory []PerfPoint
}

func NewHealthMonitor(version string, source StateSource, th Thresholds) *HealthMonitor {
	return &HealthMonitor{
		startTime:  time.Now(),
		version:    version,
		source:     source,
		thresholds: th,
	}
}

// Handler returns the monitor's HTTP routes.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start serves on addr until Stop. It returns http.ErrServerClosed after a
// clean shutdown.
func (hm *HealthMonitor) Start(addr string) error {
	hm.server = &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Log.Info("Health monitor starting", "addr", addr)
	return hm.server.ListenAndServe()
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

// ObservePush records the outcome of one engine push.
func (hm *HealthMonitor) ObservePush(res *engine.Result, err error) {
	point := PerfPoint{Timestamp: time.Now(), Failed: err != nil}
	if res != nil {
		point.Duration = res.Duration
		for _, q := range res.Queues {
			point.Entries += q.Entries
		}
	}

	hm.mu.Lock()
	hm.lastPush = point.Timestamp
	hm.perfHistory = append(hm.perfHistory, point)
	if len(hm.perfHistory) > maxHistory {
		hm.perfHistory = hm.perfHistory[1:]
	}
	hm.mu.Unlock()

	switch {
	case queue.IsTimeout(err):
		hm.AddAlert("error", "queue", err.Error())
	case err != nil:
		hm.AddAlert("warning", "push", err.Error())
	case hm.thresholds.SlowPush > 0 && point.Duration > hm.thresholds.SlowPush:
		hm.AddAlert("warning", "push",
			fmt.Sprintf("Slow push: %d entries in %v", point.Entries, point.Duration))
	}
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	logger.Log.Warn("Alert raised", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Debug("Write response failed", "error", err)
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := append([]Alert(nil), hm.alerts...)
	hm.mu.RUnlock()
	writeJSON(w, http.StatusOK, alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "alerts cleared"})
}

// Status computes the current health summary. Unresolved critical alerts
// make the service critical and unresolved errors make it degraded.
func (hm *HealthMonitor) Status() HealthStatus {
	var queues []QueueInfo
	if hm.source != nil {
		for _, st := range hm.source.States() {
			queues = append(queues, queueInfo(st))
		}
	}

	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, a := range hm.alerts {
		if a.Resolved {
			continue
		}
		if a.Level == "critical" {
			status = "critical"
			break
		}
		if a.Level == "error" {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Version:     hm.version,
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Queues:      queues,
		Performance: hm.performance(),
		Alerts:      append([]Alert(nil), hm.alerts...),
	}
}

func queueInfo(st queue.State) QueueInfo {
	return QueueInfo{
		Name:      st.Name,
		Target:    st.Queue.Target.String(),
		Base:      st.Queue.Base,
		Slots:     st.Queue.Slots,
		EntrySize: st.Queue.EntrySize,
		RAM:       st.RAM,
		WPtr:      st.WPtr,
		RPtr:      st.RPtr,
		Published: st.Published,
		Occupancy: st.Occupancy(),
		Phase:     st.Phase.String(),
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
		Goroutines:   runtime.NumGoroutine(),
	}
}

func (hm *HealthMonitor) performance() PerformanceInfo {
	info := PerformanceInfo{Pushes: len(hm.perfHistory), LastPush: hm.lastPush}
	if len(hm.perfHistory) == 0 {
		return info
	}

	var entries int
	var total time.Duration
	latencies := make([]float64, 0, len(hm.perfHistory))
	for _, p := range hm.perfHistory {
		if p.Failed {
			info.Failures++
		}
		entries += p.Entries
		total += p.Duration
		latencies = append(latencies, float64(p.Duration.Nanoseconds())/1e6)
	}
	sort.Float64s(latencies)

	p95 := int(float64(len(latencies)) * 0.95)
	if p95 >= len(latencies) {
		p95 = len(latencies) - 1
	}
	info.P95LatencyMs = latencies[p95]
	info.AvgLatencyMs = float64(total.Nanoseconds()) / float64(len(latencies)) / 1e6
	info.ErrorRate = float64(info.Failures) / float64(len(latencies))
	if total > 0 {
		info.EntriesPerSec = float64(entries) / total.Seconds()
	}
	return info
}
