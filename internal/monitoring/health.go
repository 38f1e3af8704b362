// Package monitoring serves the health of a training run over HTTP next to
// the prometheus metrics.
package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/23skdu/longbow-asr/internal/logger"
	"github.com/23skdu/longbow-asr/internal/pretrain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gonum.org/v1/gonum/stat"
)

const (
	maxHistory = 1000
	maxAlerts  = 100

	// InvalidStreak is the number of consecutive invalid losses that degrades the run.
	InvalidStreak = 5
	// SlowStep is the step duration above which a warning is raised.
	SlowStep      = 30 * time.Second
)

type Status struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	RunID     string        `json:"run_id"`
	Uptime    time.Duration `json:"uptime"`
	System    SystemInfo    `json:"system"`
	Training  TrainingInfo  `json:"training"`
	Alerts    []Alert       `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

type TrainingInfo struct {
	Stage        string    `json:"stage"`
	Tokens       int       `json:"tokens"`
	Budget       int       `json:"budget"`
	Updates      int       `json:"updates"`
	Fits         int       `json:"fits"`
	Rearmed      bool      `json:"rearmed"`
	Steps        int       `json:"steps"`
	InvalidSteps int       `json:"invalid_steps"`
	LastLoss     float64   `json:"last_loss"`
	AvgStepMs    float64   `json:"avg_step_ms"`
	P95StepMs    float64   `json:"p95_step_ms"`
	LastStep     time.Time `json:"last_step"`
}

type Alert struct {
	Level      string     `json:"level"` // info, warning, error, critical
	Component  string     `json:"component"`
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Run is the part of a model the monitor reads.
type Run interface {
	RunID() string
	Stage() *pretrain.Stage
}

type stepPoint struct {
	at       time.Time
	duration time.Duration
}

// HealthMonitor tracks training steps and alerts. Stage values are read
// through a snapshot and may lag the running pass by one step.
type HealthMonitor struct {
	run       Run
	startTime time.Time
	log       *logger.Logger

	mu       sync.RWMutex
	server   *http.Server
	alerts   []Alert
	history  []stepPoint
	steps    int
	invalid  int
	streak   int
	lastLoss float64
}

func NewHealthMonitor(run Run) *HealthMonitor {
	return &HealthMonitor{
		run:       run,
		startTime: time.Now(),
		log:       logger.Component("monitoring"),
	}
}

// Handler exposes /health, /healthz, /status, /metrics and the alert admin endpoints.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start serves Handler on addr until Stop is called.
func (hm *HealthMonitor) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           hm.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	hm.mu.Lock()
	hm.server = srv
	hm.mu.Unlock()
	hm.log.Info("Health monitor starting", "addr", addr)
	return srv.ListenAndServe()
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	hm.mu.RLock()
	srv := hm.server
	hm.mu.RUnlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// RecordStep records one forward pass.
func (hm *HealthMonitor) RecordStep(loss float64, valid bool, d time.Duration) {
	hm.mu.Lock()
	now := time.Now()
	hm.steps++
	hm.history = append(hm.history, stepPoint{at: now, duration: d})
	if len(hm.history) > maxHistory {
		hm.history = hm.history[1:]
	}
	var raise []Alert
	if valid {
		hm.lastLoss = loss
		hm.streak = 0
	} else {
		hm.invalid++
		hm.streak++
		if hm.streak == InvalidStreak {
			raise = append(raise, Alert{Level: "error", Component: "loss",
				Message: fmt.Sprintf("%d consecutive invalid losses", hm.streak)})
		}
	}
	if d > SlowStep {
		raise = append(raise, Alert{Level: "warning", Component: "performance",
			Message: fmt.Sprintf("Slow step: %.2f ms", float64(d.Nanoseconds())/1e6)})
	}
	hm.mu.Unlock()

	for _, a := range raise {
		hm.AddAlert(a.Level, a.Component, a.Message)
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
	hm.log.Warn("Alert raised", "level", level, "alert_component", component, "message", message)
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

// Status computes the current health: critical or error alerts that are not
// resolved make the run critical or degraded.
func (hm *HealthMonitor) Status() Status {
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
	return Status{
		Status:    status,
		Timestamp: time.Now(),
		RunID:     hm.run.RunID(),
		Uptime:    time.Since(hm.startTime),
		System:    systemInfo(),
		Training:  hm.trainingInfo(),
		Alerts:    append([]Alert(nil), hm.alerts...),
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
	}
}

func (hm *HealthMonitor) trainingInfo() TrainingInfo {
	s := hm.run.Stage().Snapshot()
	info := TrainingInfo{
		Stage:        s.State.String(),
		Tokens:       s.Tokens,
		Budget:       s.Budget,
		Updates:      s.Updates,
		Fits:         s.Fits,
		Rearmed:      s.Rearmed,
		Steps:        hm.steps,
		InvalidSteps: hm.invalid,
		LastLoss:     hm.lastLoss,
	}
	if len(hm.history) == 0 {
		return info
	}
	ms := make([]float64, len(hm.history))
	for i, p := range hm.history {
		ms[i] = float64(p.duration.Nanoseconds()) / 1e6
	}
	sort.Float64s(ms)
	info.AvgStepMs = stat.Mean(ms, nil)
	info.P95StepMs = stat.Quantile(0.95, stat.Empirical, ms, nil)
	info.LastStep = hm.history[len(hm.history)-1].at
	return info
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()
	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"stage":     status.Training.Stage,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := append([]Alert(nil), hm.alerts...)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.streak = 0
	hm.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}
