// SPDX-License-Identifier: MIT

// Package resources monitors CPU, memory, file-descriptor, and thread usage
// of a running subprocess (an encoder or a preview-capture ffmpeg), and
// raises warning/critical alerts against configurable thresholds.
//
// Built on shirou/gopsutil/v3 rather than hand-rolled /proc/<pid>/stat
// parsing, so sampling keeps working unchanged on a non-Linux recording
// host.
package resources

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	gopsprocess "github.com/shirou/gopsutil/v3/process"
)

// Metrics contains resource usage information for a monitored process.
type Metrics struct {
	PID             int32
	FileDescriptors int
	CPUPercent      float64
	MemoryBytes     uint64
	MemoryPercent   float32
	ThreadCount     int32
	Uptime          time.Duration
	Timestamp       time.Time
}

// Thresholds defines warning and critical thresholds for resources.
type Thresholds struct {
	FDWarning      int
	FDCritical     int
	CPUWarning     float64
	CPUCritical    float64
	MemoryWarning  uint64
	MemoryCritical uint64
}

// DefaultThresholds returns sensible default resource thresholds for an
// ffmpeg encoder or capture process.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FDWarning:      500,
		FDCritical:     1000,
		CPUWarning:     70.0,
		CPUCritical:    90.0,
		MemoryWarning:  512 * 1024 * 1024,
		MemoryCritical: 1024 * 1024 * 1024,
	}
}

// AlertLevel indicates the severity of a resource alert.
type AlertLevel int

const (
	AlertNone AlertLevel = iota
	AlertWarning
	AlertCritical
)

func (a AlertLevel) String() string {
	switch a {
	case AlertWarning:
		return "WARNING"
	case AlertCritical:
		return "CRITICAL"
	default:
		return "OK"
	}
}

// Alert represents a single threshold breach.
type Alert struct {
	Level    AlertLevel
	Resource string // "fd", "cpu", "memory"
	Message  string
}

// Monitor samples resource usage for one or more processes by pid.
type Monitor struct {
	thresholds Thresholds
	logger     io.Writer

	mu    sync.RWMutex
	cache map[int32]Metrics
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithThresholds overrides the default thresholds.
func WithThresholds(t Thresholds) Option {
	return func(m *Monitor) { m.thresholds = t }
}

// WithLogger attaches a writer for alert lines.
func WithLogger(w io.Writer) Option {
	return func(m *Monitor) { m.logger = w }
}

// NewMonitor creates a resource monitor.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		thresholds: DefaultThresholds(),
		cache:      make(map[int32]Metrics),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Sample collects current resource metrics for pid.
func (m *Monitor) Sample(pid int32) (Metrics, error) {
	proc, err := gopsprocess.NewProcess(pid)
	if err != nil {
		return Metrics{}, fmt.Errorf("resources: process %d not found: %w", pid, err)
	}

	metrics := Metrics{PID: pid, Timestamp: time.Now()}

	if n, err := proc.NumFDs(); err == nil {
		metrics.FileDescriptors = int(n)
	}
	if cpuPct, err := proc.CPUPercent(); err == nil {
		metrics.CPUPercent = cpuPct
	}
	if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
		metrics.MemoryBytes = memInfo.RSS
	}
	if memPct, err := proc.MemoryPercent(); err == nil {
		metrics.MemoryPercent = memPct
	}
	if threads, err := proc.NumThreads(); err == nil {
		metrics.ThreadCount = threads
	}
	if createMs, err := proc.CreateTime(); err == nil {
		metrics.Uptime = time.Since(time.UnixMilli(createMs))
	}

	m.mu.Lock()
	m.cache[pid] = metrics
	m.mu.Unlock()

	return metrics, nil
}

// CheckThresholds evaluates metrics against the monitor's thresholds.
func (m *Monitor) CheckThresholds(metrics Metrics) []Alert {
	var alerts []Alert

	switch {
	case metrics.FileDescriptors >= m.thresholds.FDCritical:
		alerts = append(alerts, Alert{AlertCritical, "fd", fmt.Sprintf("file descriptors critical: %d >= %d", metrics.FileDescriptors, m.thresholds.FDCritical)})
	case metrics.FileDescriptors >= m.thresholds.FDWarning:
		alerts = append(alerts, Alert{AlertWarning, "fd", fmt.Sprintf("file descriptors warning: %d >= %d", metrics.FileDescriptors, m.thresholds.FDWarning)})
	}

	switch {
	case metrics.CPUPercent >= m.thresholds.CPUCritical:
		alerts = append(alerts, Alert{AlertCritical, "cpu", fmt.Sprintf("CPU critical: %.1f%% >= %.1f%%", metrics.CPUPercent, m.thresholds.CPUCritical)})
	case metrics.CPUPercent >= m.thresholds.CPUWarning:
		alerts = append(alerts, Alert{AlertWarning, "cpu", fmt.Sprintf("CPU warning: %.1f%% >= %.1f%%", metrics.CPUPercent, m.thresholds.CPUWarning)})
	}

	switch {
	case metrics.MemoryBytes >= m.thresholds.MemoryCritical:
		alerts = append(alerts, Alert{AlertCritical, "memory", fmt.Sprintf("memory critical: %d >= %d bytes", metrics.MemoryBytes, m.thresholds.MemoryCritical)})
	case metrics.MemoryBytes >= m.thresholds.MemoryWarning:
		alerts = append(alerts, Alert{AlertWarning, "memory", fmt.Sprintf("memory warning: %d >= %d bytes", metrics.MemoryBytes, m.thresholds.MemoryWarning)})
	}

	return alerts
}

// MonitorProcess polls pid every interval until ctx is cancelled or the
// process can no longer be sampled, invoking alertCallback for any breach.
func (m *Monitor) MonitorProcess(ctx context.Context, pid int32, interval time.Duration, alertCallback func([]Alert)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics, err := m.Sample(pid)
			if err != nil {
				if m.logger != nil {
					fmt.Fprintf(m.logger, "resources: pid %d no longer sampleable: %v\n", pid, err)
				}
				return
			}

			alerts := m.CheckThresholds(metrics)
			if len(alerts) == 0 {
				continue
			}
			if m.logger != nil {
				for _, a := range alerts {
					fmt.Fprintf(m.logger, "[%s] pid %d: %s\n", a.Level, pid, a.Message)
				}
			}
			if alertCallback != nil {
				alertCallback(alerts)
			}
		}
	}
}

// Cached returns the last sampled metrics for pid, if any.
func (m *Monitor) Cached(pid int32) (Metrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.cache[pid]
	return v, ok
}

// Forget drops cached metrics for pid.
func (m *Monitor) Forget(pid int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, pid)
}
