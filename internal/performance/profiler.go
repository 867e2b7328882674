// Package performance records timings of chunk builds and worker calls.
package performance

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// Operation names recorded by the worker.
const (
	OpChunkBuild         = "chunk_build"
	OpGoto               = "goto"
	OpGetGeometries      = "get_geometries"
	OpCompressGeometries = "compress_geometries"
	OpBackgroundRun      = "background_run"
	OpGetStats           = "get_stats"
)

// Profiler tracks performance metrics for various operations
type Profiler struct {
	mu        sync.RWMutex
	metrics   map[string]*Metric
	enabled   bool
	startTime time.Time
}

// Metric tracks statistics for a specific operation
type Metric struct {
	Name      string
	Count     int64
	Failures  int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
	LastTime  time.Duration
	LastCall  time.Time
}

// Operation represents a single timed operation
type Operation struct {
	profiler *Profiler
	name     string
	start    time.Time
}

// NewProfiler creates a new performance profiler
func NewProfiler(enabled bool) *Profiler {
	return &Profiler{
		metrics:   make(map[string]*Metric),
		enabled:   enabled,
		startTime: time.Now(),
	}
}

// Start begins timing an operation. It returns nil when profiling is off;
// End and Fail accept a nil operation.
func (p *Profiler) Start(name string) *Operation {
	if p == nil || !p.IsEnabled() {
		return nil
	}
	return &Operation{
		profiler: p,
		name:     name,
		start:    time.Now(),
	}
}

// Track times name until the returned function is called.
//
//	defer profiler.Track(performance.OpGoto)()
func (p *Profiler) Track(name string) func() {
	op := p.Start(name)
	return op.End
}

// End completes timing an operation and records the metric
func (o *Operation) End() {
	if o == nil {
		return
	}
	o.profiler.record(o.name, time.Since(o.start), false)
}

// Fail completes timing an operation that ended in error.
func (o *Operation) Fail() {
	if o == nil {
		return
	}
	o.profiler.record(o.name, time.Since(o.start), true)
}

// Record directly records a duration for an operation
func (p *Profiler) Record(name string, duration time.Duration) {
	if p == nil || !p.IsEnabled() {
		return
	}
	p.record(name, duration, false)
}

func (p *Profiler) record(name string, duration time.Duration, failed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.enabled {
		return
	}

	metric, exists := p.metrics[name]
	if !exists {
		metric = &Metric{
			Name:    name,
			MinTime: duration,
			MaxTime: duration,
		}
		p.metrics[name] = metric
	}

	metric.Count++
	metric.TotalTime += duration
	metric.LastTime = duration
	metric.LastCall = time.Now()
	if failed {
		metric.Failures++
	}

	if duration < metric.MinTime {
		metric.MinTime = duration
	}
	if duration > metric.MaxTime {
		metric.MaxTime = duration
	}
}

// GetMetric returns a copy of the statistics for one operation, or nil.
func (p *Profiler) GetMetric(name string) *Metric {
	p.mu.RLock()
	defer p.mu.RUnlock()
	metric, ok := p.metrics[name]
	if !ok {
		return nil
	}
	copied := *metric
	return &copied
}

// GetMetrics returns copies of all metrics
func (p *Profiler) GetMetrics() map[string]*Metric {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make(map[string]*Metric, len(p.metrics))
	for name, metric := range p.metrics {
		copied := *metric
		result[name] = &copied
	}
	return result
}

// AverageTime returns the average time for a metric
func (m *Metric) AverageTime() time.Duration {
	if m.Count == 0 {
		return 0
	}
	return m.TotalTime / time.Duration(m.Count)
}

// Reset clears all metrics
func (p *Profiler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = make(map[string]*Metric)
	p.startTime = time.Now()
}

func (p *Profiler) sortedNamesLocked() []string {
	names := make([]string, 0, len(p.metrics))
	for name := range p.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Report generates a human-readable performance report
func (p *Profiler) Report() string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.metrics) == 0 {
		return "No performance metrics recorded"
	}

	report := fmt.Sprintf("\n=== Performance Report (since %s) ===\n", p.startTime.Format(time.RFC3339))
	report += fmt.Sprintf("%-30s %10s %8s %10s %10s %10s %10s\n", "Operation", "Count", "Failed", "Avg", "Min", "Max", "Last")
	report += fmt.Sprintf("%s\n", "----------------------------------------------------------------------------------------------------")

	for _, name := range p.sortedNamesLocked() {
		metric := p.metrics[name]
		report += fmt.Sprintf("%-30s %10d %8d %10s %10s %10s %10s\n",
			name,
			metric.Count,
			metric.Failures,
			metric.AverageTime().Round(time.Microsecond),
			metric.MinTime.Round(time.Microsecond),
			metric.MaxTime.Round(time.Microsecond),
			metric.LastTime.Round(time.Microsecond),
		)
	}

	report += fmt.Sprintf("\nTotal runtime: %s\n", time.Since(p.startTime).Round(time.Second))
	return report
}

// LogReport logs the performance report
func (p *Profiler) LogReport() {
	log.Print(p.Report())
}

// MetricJSON is the JSON form of a Metric. Durations are milliseconds.
type MetricJSON struct {
	Name      string    `json:"name"`
	Count     int64     `json:"count"`
	Failures  int64     `json:"failures"`
	TotalTime float64   `json:"total_time_ms"`
	AvgTime   float64   `json:"avg_time_ms"`
	MinTime   float64   `json:"min_time_ms"`
	MaxTime   float64   `json:"max_time_ms"`
	LastTime  float64   `json:"last_time_ms"`
	LastCall  time.Time `json:"last_call"`
}

// ReportJSON is the JSON performance report.
type ReportJSON struct {
	Enabled   bool                   `json:"enabled"`
	StartTime time.Time              `json:"start_time"`
	Runtime   float64                `json:"runtime_ms"`
	Metrics   map[string]*MetricJSON `json:"metrics"`
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Snapshot returns the current report.
func (p *Profiler) Snapshot() ReportJSON {
	p.mu.RLock()
	defer p.mu.RUnlock()

	report := ReportJSON{
		Enabled:   p.enabled,
		StartTime: p.startTime,
		Runtime:   millis(time.Since(p.startTime)),
		Metrics:   make(map[string]*MetricJSON, len(p.metrics)),
	}
	for name, metric := range p.metrics {
		report.Metrics[name] = &MetricJSON{
			Name:      metric.Name,
			Count:     metric.Count,
			Failures:  metric.Failures,
			TotalTime: millis(metric.TotalTime),
			AvgTime:   millis(metric.AverageTime()),
			MinTime:   millis(metric.MinTime),
			MaxTime:   millis(metric.MaxTime),
			LastTime:  millis(metric.LastTime),
			LastCall:  metric.LastCall,
		}
	}
	return report
}

// JSONReport generates a JSON performance report
func (p *Profiler) JSONReport() ([]byte, error) {
	return json.MarshalIndent(p.Snapshot(), "", "  ")
}

// Enable enables profiling
func (p *Profiler) Enable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = true
}

// Disable disables profiling
func (p *Profiler) Disable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = false
}

// IsEnabled returns whether profiling is enabled
func (p *Profiler) IsEnabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}
