// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package sentinel polls host CPU/RAM usage and enforces the
// GREEN/YELLOW/RED admission policy, generalizing
// original_source/sentinel/monitor.py's SystemMonitor into a
// goroutine driven by a ticker, the same shape as the teacher's
// RunContainerReaper in src/containerization/utility.go.
package sentinel

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"icarus/internal/sandbox"
	"icarus/internal/telemetry"
)

// Level is the current admission alert level.
type Level string

const (
	LevelGreen  Level = "GREEN"
	LevelYellow Level = "YELLOW"
	LevelRed    Level = "RED"
)

// Snapshot is a point-in-time host resource reading.
type Snapshot struct {
	Timestamp  time.Time
	CPUPercent float64
	RAMPercent float64
}

// Sentinel monitors host resources and pauses/unpauses sandboxes
// around RED-level excursions.
type Sentinel struct {
	yellowThreshold float64
	redThreshold    float64
	pollInterval    time.Duration
	driver          sandbox.Driver

	mu             sync.RWMutex
	level          Level
	pausedHandles  []sandbox.Handle
	lastCPUTotal   cpuSample
	lastCPUSampled bool

	levelGauge     metric.Float64UpDownCounter
	lastLevelValue float64
}

// New builds a Sentinel that pauses/unpauses sandboxes through driver
// when it manages RED-level transitions.
func New(yellowThreshold, redThreshold float64, pollInterval time.Duration, driver sandbox.Driver) *Sentinel {
	gauge, err := telemetry.Gauge("icarus_sentinel_level", "Current Sentinel level (0=GREEN, 1=YELLOW, 2=RED)", "{level}")
	if err != nil {
		telemetry.Log(context.Background(), slog.LevelWarn, "failed to create sentinel level gauge", "error", err)
	}
	return &Sentinel{
		yellowThreshold: yellowThreshold,
		redThreshold:    redThreshold,
		pollInterval:    pollInterval,
		driver:          driver,
		level:           LevelGreen,
		levelGauge:      gauge,
	}
}

func levelValue(l Level) float64 {
	switch l {
	case LevelYellow:
		return 1
	case LevelRed:
		return 2
	default:
		return 0
	}
}

// recordLevelMetric reports level as the gauge's new absolute value.
// Float64UpDownCounter only exposes Add, so the recorded delta is the
// change since the previous reading.
func (s *Sentinel) recordLevelMetric(ctx context.Context, level Level) {
	if s.levelGauge == nil {
		return
	}
	v := levelValue(level)
	s.mu.Lock()
	delta := v - s.lastLevelValue
	s.lastLevelValue = v
	s.mu.Unlock()
	if delta != 0 {
		s.levelGauge.Add(ctx, delta)
	}
}

// Level returns the current alert level.
func (s *Sentinel) Level() Level {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.level
}

// Admits reports whether a new job may be admitted at the current
// level: a pending job is refused only at RED. YELLOW is informational
// (elevated usage, sandboxes still run) and does not by itself block
// admission; RED additionally pauses what is already running.
func (s *Sentinel) Admits() bool {
	return s.Level() != LevelRed
}

// Run polls host resources every pollInterval until ctx is cancelled.
func (s *Sentinel) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	telemetry.Log(ctx, slog.LevelInfo, "sentinel monitoring started",
		"yellow_threshold", s.yellowThreshold, "red_threshold", s.redThreshold)

	for {
		select {
		case <-ctx.Done():
			telemetry.Log(ctx, slog.LevelInfo, "sentinel monitoring stopped")
			return
		case <-ticker.C:
			s.checkOnce(ctx)
		}
	}
}

func (s *Sentinel) checkOnce(ctx context.Context) {
	snap, err := s.sample()
	if err != nil {
		telemetry.Log(ctx, slog.LevelError, "sentinel failed to sample host resources", "error", err)
		return
	}
	s.evaluate(ctx, snap)
}

// evaluate applies the GREEN/YELLOW/RED transition logic to a snapshot,
// split out from checkOnce so tests can drive it with synthetic
// readings instead of the real /proc files.
func (s *Sentinel) evaluate(ctx context.Context, snap Snapshot) {
	maxUsage := snap.CPUPercent
	if snap.RAMPercent > maxUsage {
		maxUsage = snap.RAMPercent
	}

	current := s.Level()
	switch {
	case maxUsage >= s.redThreshold:
		if current != LevelRed {
			s.triggerRed(ctx, snap)
		}
	case maxUsage >= s.yellowThreshold:
		if current == LevelGreen {
			s.triggerYellow(ctx, snap)
		}
	default:
		if current != LevelGreen {
			s.clear(ctx, current)
		}
	}
}

func (s *Sentinel) triggerYellow(ctx context.Context, snap Snapshot) {
	s.mu.Lock()
	s.level = LevelYellow
	s.mu.Unlock()
	s.recordLevelMetric(ctx, LevelYellow)

	telemetry.Log(ctx, slog.LevelWarn, "YELLOW alert: system resources elevated",
		"cpu_percent", snap.CPUPercent, "ram_percent", snap.RAMPercent, "threshold", s.yellowThreshold)
}

func (s *Sentinel) triggerRed(ctx context.Context, snap Snapshot) {
	s.mu.Lock()
	s.level = LevelRed
	s.mu.Unlock()
	s.recordLevelMetric(ctx, LevelRed)

	telemetry.Log(ctx, slog.LevelError, "RED alert: system resources critical, pausing sandboxes",
		"cpu_percent", snap.CPUPercent, "ram_percent", snap.RAMPercent, "threshold", s.redThreshold)

	if s.driver == nil {
		telemetry.Log(ctx, slog.LevelError, "RED alert: cannot pause sandboxes, no driver configured")
		return
	}

	handles, err := s.driver.List(ctx)
	if err != nil {
		telemetry.Log(ctx, slog.LevelError, "RED alert: failed to list sandboxes", "error", err)
		return
	}

	var paused []sandbox.Handle
	for _, h := range handles {
		inspect, err := s.driver.Inspect(ctx, h.ID)
		if err != nil {
			telemetry.Log(ctx, slog.LevelError, "RED alert: failed to inspect sandbox", "sandbox_id", h.ID, "error", err)
			continue
		}
		if inspect.State != sandbox.StateRunning {
			continue
		}
		if err := s.driver.Pause(ctx, h.ID); err != nil {
			telemetry.Log(ctx, slog.LevelError, "RED alert: failed to pause sandbox", "sandbox_id", h.ID, "error", err)
			continue
		}
		paused = append(paused, h)
	}

	s.mu.Lock()
	s.pausedHandles = paused
	s.mu.Unlock()

	telemetry.Log(ctx, slog.LevelError, "RED alert mitigation complete", "paused_count", len(paused))
}

func (s *Sentinel) clear(ctx context.Context, previous Level) {
	s.mu.Lock()
	s.level = LevelGreen
	paused := s.pausedHandles
	s.pausedHandles = nil
	s.mu.Unlock()
	s.recordLevelMetric(ctx, LevelGreen)

	telemetry.Log(ctx, slog.LevelInfo, "system resources back to normal, clearing alert", "previous_level", previous)

	if previous != LevelRed || len(paused) == 0 || s.driver == nil {
		return
	}

	for _, h := range paused {
		inspect, err := s.driver.Inspect(ctx, h.ID)
		if err != nil || inspect.State != sandbox.StatePaused {
			continue
		}
		if err := s.driver.Unpause(ctx, h.ID); err != nil {
			telemetry.Log(ctx, slog.LevelError, "failed to resume sandbox after RED alert", "sandbox_id", h.ID, "error", err)
		}
	}
}

type cpuSample struct {
	idle, total uint64
}

// sample reads instantaneous CPU and RAM usage from /proc. There is
// no third-party equivalent to psutil in the dependency corpus this
// module draws from, so this one measurement is taken directly from
// the kernel's own accounting files.
func (s *Sentinel) sample() (Snapshot, error) {
	cpuPercent, err := s.sampleCPU()
	if err != nil {
		return Snapshot{}, fmt.Errorf("sampling cpu: %w", err)
	}
	ramPercent, err := sampleRAM()
	if err != nil {
		return Snapshot{}, fmt.Errorf("sampling ram: %w", err)
	}
	return Snapshot{Timestamp: time.Now(), CPUPercent: cpuPercent, RAMPercent: ramPercent}, nil
}

func (s *Sentinel) sampleCPU() (float64, error) {
	cur, err := readProcStatCPU()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	prev := s.lastCPUTotal
	hadPrev := s.lastCPUSampled
	s.lastCPUTotal = cur
	s.lastCPUSampled = true
	s.mu.Unlock()

	if !hadPrev {
		return 0, nil
	}

	totalDelta := float64(cur.total - prev.total)
	idleDelta := float64(cur.idle - prev.idle)
	if totalDelta <= 0 {
		return 0, nil
	}
	return (1 - idleDelta/totalDelta) * 100.0, nil
}

func readProcStatCPU() (cpuSample, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return cpuSample{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return cpuSample{}, fmt.Errorf("empty /proc/stat")
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return cpuSample{}, fmt.Errorf("unexpected /proc/stat format")
	}

	var total uint64
	var idle uint64
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			continue
		}
		total += v
		if i == 3 { // idle field
			idle = v
		}
	}
	return cpuSample{idle: idle, total: total}, nil
}

func sampleRAM() (float64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var totalKB, availableKB uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch strings.TrimSuffix(fields[0], ":") {
		case "MemTotal":
			totalKB = v
		case "MemAvailable":
			availableKB = v
		}
	}
	if totalKB == 0 {
		return 0, fmt.Errorf("could not determine MemTotal")
	}
	usedKB := totalKB - availableKB
	return (float64(usedKB) / float64(totalKB)) * 100.0, nil
}
