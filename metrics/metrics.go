// Package metrics maintains the gateway's in-process counters, gauges,
// histograms, and alerting, and periodically snapshots and rolls them up
// to the shared store.
package metrics

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/relaywave/gateway/logger"
	"github.com/relaywave/gateway/sharedstate"
)

// Recorder is the narrow interface domain handlers depend on, so that
// presence/chat/notes/agenda never need the full Service type.
type Recorder interface {
	MessageProcessed(eventType string, latency time.Duration)
	ErrorOccurred(kind string, details string)
	ConnectionOpened(userAgent, country string)
	ConnectionClosed()
	WorkspaceCountChanged(delta int)
	UserJoinedWorkspace()
}

// Thresholds configures the alert rules named in the component design.
type Thresholds struct {
	HighLatencyMS    float64
	HighErrorRatePct float64
	HighMemoryPct    float64
}

const (
	timeSeriesRetention = 24 * time.Hour
	alertQueueSize      = 10
	latencySampleCap    = 2000
	dailyRollupTTL      = 90 * 24 * time.Hour
)

// Snapshot is one minute-granularity point in the time series.
type Snapshot struct {
	At               time.Time `json:"at"`
	ActiveConnections int64    `json:"activeConnections"`
	MessagesTotal    int64     `json:"messagesTotal"`
	ErrorsTotal      int64     `json:"errorsTotal"`
	MeanLatencyMS    float64   `json:"meanLatencyMs"`
	P95LatencyMS     float64   `json:"p95LatencyMs"`
	MemoryRSSBytes   uint64    `json:"memoryRssBytes"`
	HeapRatio        float64   `json:"heapRatio"`
	CPUPercent       float64   `json:"cpuPercent"`
}

// Alert is one fired alert, kept in a bounded recent-alerts queue.
type Alert struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Service implements Recorder and owns the four periodic loops named in
// the component design: system-metrics refresh, minute snapshot, minute
// alert check, and hourly cleanup/rollup.
type Service struct {
	thresholds Thresholds
	store      *sharedstate.Client
	log        *zap.SugaredLogger

	totalConnections  atomic.Int64
	activeConnections atomic.Int64
	activeWorkspaces  atomic.Int64
	peakConnections   atomic.Int64
	peakAt            atomic.Int64 // unix nanos

	mu            sync.Mutex
	messagesByType map[string]int64
	errorsByType   map[string]int64
	byUserAgent    map[string]int64
	byCountry      map[string]int64
	latencies      []float64 // milliseconds, bounded ring

	tsMu       sync.Mutex
	timeSeries []Snapshot

	alertMu sync.Mutex
	alerts  []Alert

	storeHealth atomic.Value // sharedstate.Health

	// memRSS holds host-wide used memory (mem.VirtualMemory().Used); it is
	// not this process's resident set size.
	memRSS      atomic.Uint64
	heapRatio   atomic.Value // float64
	cpuPercent  atomic.Value // float64
	msgRateMin  atomic.Value // float64
	lastMsgSnap atomic.Int64 // message count at last snapshot, for rate calc

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewService constructs the metrics service. store may be nil in tests;
// periodic loops that touch it degrade gracefully.
func NewService(thresholds Thresholds, store *sharedstate.Client) *Service {
	s := &Service{
		thresholds:     thresholds,
		store:          store,
		log:            logger.ComponentLogger("metrics"),
		messagesByType: make(map[string]int64),
		errorsByType:   make(map[string]int64),
		byUserAgent:    make(map[string]int64),
		byCountry:      make(map[string]int64),
		stopCh:         make(chan struct{}),
	}
	s.heapRatio.Store(0.0)
	s.cpuPercent.Store(0.0)
	s.msgRateMin.Store(0.0)
	return s
}

// Start launches the four periodic loops.
func (s *Service) Start() {
	go s.runEvery(5*time.Second, s.refreshSystemMetrics)
	go s.runEvery(1*time.Minute, s.snapshot)
	go s.runEvery(1*time.Minute, s.checkAlerts)
	go s.runEvery(1*time.Hour, s.cleanupAndRollup)
}

// Stop ends the periodic loops.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Service) runEvery(interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// MessageProcessed records one handled event and its processing latency.
func (s *Service) MessageProcessed(eventType string, latency time.Duration) {
	s.mu.Lock()
	s.messagesByType[eventType]++
	s.latencies = append(s.latencies, float64(latency.Microseconds())/1000.0)
	if len(s.latencies) > latencySampleCap {
		s.latencies = s.latencies[len(s.latencies)-latencySampleCap:]
	}
	s.mu.Unlock()
}

// ErrorOccurred records one error of the given kind.
func (s *Service) ErrorOccurred(kind string, details string) {
	s.mu.Lock()
	s.errorsByType[kind]++
	s.mu.Unlock()
	s.log.Warnw("handler error", "kind", kind, "details", details)
}

// ConnectionOpened records a new connection and its breakdown dimensions.
func (s *Service) ConnectionOpened(userAgent, country string) {
	s.totalConnections.Add(1)
	active := s.activeConnections.Add(1)

	s.mu.Lock()
	s.byUserAgent[userAgent]++
	s.byCountry[country]++
	s.mu.Unlock()

	for {
		peak := s.peakConnections.Load()
		if active <= peak {
			break
		}
		if s.peakConnections.CompareAndSwap(peak, active) {
			s.peakAt.Store(time.Now().UnixNano())
			break
		}
	}
}

// ConnectionClosed records a connection going away.
func (s *Service) ConnectionClosed() {
	s.activeConnections.Add(-1)
}

// WorkspaceCountChanged adjusts the active-workspaces gauge.
func (s *Service) WorkspaceCountChanged(delta int) {
	s.activeWorkspaces.Add(int64(delta))
}

// UserJoinedWorkspace records one workspace join, distinct from the
// generic MessageProcessed("join_workspace", ...) call the handler also
// makes, so join volume can be tracked independent of latency sampling.
func (s *Service) UserJoinedWorkspace() {
	s.mu.Lock()
	s.messagesByType["userJoinedWorkspace"]++
	s.mu.Unlock()
}

func (s *Service) meanAndP95() (mean, p95 float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.latencies)
	if n == 0 {
		return 0, 0
	}
	sum := 0.0
	sorted := make([]float64, n)
	copy(sorted, s.latencies)
	for _, v := range sorted {
		sum += v
	}
	mean = sum / float64(n)

	for i := 1; i < n; i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	idx := int(0.95 * float64(n-1))
	p95 = sorted[idx]
	return mean, p95
}

func (s *Service) errorRatePct() float64 {
	s.mu.Lock()
	var msgs, errs int64
	for _, v := range s.messagesByType {
		msgs += v
	}
	for _, v := range s.errorsByType {
		errs += v
	}
	s.mu.Unlock()
	if msgs == 0 {
		return 0
	}
	return (float64(errs) / float64(msgs)) * 100.0
}

func (s *Service) refreshSystemMetrics() {
	if v, err := mem.VirtualMemory(); err == nil {
		s.memRSS.Store(v.Used)
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	if m.HeapSys > 0 {
		s.heapRatio.Store(float64(m.HeapInuse) / float64(m.HeapSys))
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		s.cpuPercent.Store(percents[0])
	}

	if s.store != nil {
		health := s.store.HealthCheck(context.Background())
		s.storeHealth.Store(health)
	}
}

func (s *Service) snapshot() {
	mean, p95 := s.meanAndP95()

	s.mu.Lock()
	var msgTotal, errTotal int64
	for _, v := range s.messagesByType {
		msgTotal += v
	}
	for _, v := range s.errorsByType {
		errTotal += v
	}
	s.mu.Unlock()

	prev := s.lastMsgSnap.Swap(msgTotal)
	s.msgRateMin.Store(float64(msgTotal - prev))

	snap := Snapshot{
		At:                time.Now(),
		ActiveConnections: s.activeConnections.Load(),
		MessagesTotal:     msgTotal,
		ErrorsTotal:       errTotal,
		MeanLatencyMS:     mean,
		P95LatencyMS:      p95,
		MemoryRSSBytes:    s.memRSS.Load(),
		HeapRatio:         s.heapRatioValue(),
		CPUPercent:        s.cpuPercentValue(),
	}

	s.tsMu.Lock()
	s.timeSeries = append(s.timeSeries, snap)
	cutoff := time.Now().Add(-timeSeriesRetention)
	trimmed := s.timeSeries[:0]
	for _, sn := range s.timeSeries {
		if sn.At.After(cutoff) {
			trimmed = append(trimmed, sn)
		}
	}
	s.timeSeries = trimmed
	s.tsMu.Unlock()
}

func (s *Service) heapRatioValue() float64 { return s.heapRatio.Load().(float64) }
func (s *Service) cpuPercentValue() float64 { return s.cpuPercent.Load().(float64) }
func (s *Service) msgRateValue() float64    { return s.msgRateMin.Load().(float64) }

func (s *Service) checkAlerts() {
	mean, _ := s.meanAndP95()
	if mean > s.thresholds.HighLatencyMS {
		s.fireAlert("high_latency", "mean message latency exceeds threshold")
	}
	if rate := s.errorRatePct(); rate > s.thresholds.HighErrorRatePct {
		s.fireAlert("high_error_rate", "error rate exceeds threshold")
	}
	if ratio := s.heapRatioValue() * 100; ratio > s.thresholds.HighMemoryPct {
		s.fireAlert("high_memory", "heap usage ratio exceeds threshold")
	}
	if s.store != nil {
		if health, ok := s.storeHealth.Load().(sharedstate.Health); ok {
			if health.Status == sharedstate.HealthDegraded {
				s.fireAlert("store_degraded", "shared store is degraded")
			} else if health.Status == sharedstate.HealthUnhealthy {
				s.fireAlert("store_unhealthy", "shared store is unhealthy")
			}
		}
	}
}

func (s *Service) fireAlert(kind, message string) {
	s.alertMu.Lock()
	defer s.alertMu.Unlock()
	s.alerts = append(s.alerts, Alert{Kind: kind, Message: message, At: time.Now()})
	if len(s.alerts) > alertQueueSize {
		s.alerts = s.alerts[len(s.alerts)-alertQueueSize:]
	}
	s.log.Warnw("alert fired", "kind", kind, "message", message)
}

func (s *Service) cleanupAndRollup() {
	if s.store == nil {
		return
	}
	day := time.Now().Format("2006-01-02")
	s.tsMu.Lock()
	points := make([]Snapshot, len(s.timeSeries))
	copy(points, s.timeSeries)
	s.tsMu.Unlock()

	key := "metrics:daily:" + day
	ctx := context.Background()
	if err := s.store.SetJSON(ctx, key, points, dailyRollupTTL); err != nil {
		s.log.Warnw("failed to persist daily rollup", "error", err.Error())
	}
}

// Summary is the payload returned from getMetricsSummary.
type Summary struct {
	TotalConnections  int64            `json:"totalConnections"`
	ActiveConnections int64            `json:"activeConnections"`
	ActiveWorkspaces  int64            `json:"activeWorkspaces"`
	PeakConnections   int64            `json:"peakConnections"`
	MessagesByType    map[string]int64 `json:"messagesByType,omitempty"`
	ErrorsByType      map[string]int64 `json:"errorsByType,omitempty"`
	ByUserAgent       map[string]int64 `json:"byUserAgent,omitempty"`
	ByCountry         map[string]int64 `json:"byCountry,omitempty"`
	MeanLatencyMS     float64          `json:"meanLatencyMs"`
	P95LatencyMS      float64          `json:"p95LatencyMs"`
	MessageRatePerMin float64          `json:"messageRatePerMinute"`
	MemoryRSSBytes    uint64           `json:"memoryRssBytes"`
	HeapRatio         float64          `json:"heapRatio"`
	CPUPercent        float64          `json:"cpuPercent"`
	RecentAlerts      []Alert          `json:"recentAlerts,omitempty"`
}

// GetSummary returns the current metrics summary. When detailed is true,
// per-type and per-dimension breakdowns are included.
func (s *Service) GetSummary(detailed bool) Summary {
	mean, p95 := s.meanAndP95()
	sum := Summary{
		TotalConnections:  s.totalConnections.Load(),
		ActiveConnections: s.activeConnections.Load(),
		ActiveWorkspaces:  s.activeWorkspaces.Load(),
		PeakConnections:   s.peakConnections.Load(),
		MeanLatencyMS:     mean,
		P95LatencyMS:      p95,
		MessageRatePerMin: s.msgRateValue(),
		MemoryRSSBytes:    s.memRSS.Load(),
		HeapRatio:         s.heapRatioValue(),
		CPUPercent:        s.cpuPercentValue(),
	}

	s.alertMu.Lock()
	sum.RecentAlerts = append([]Alert(nil), s.alerts...)
	s.alertMu.Unlock()

	if detailed {
		s.mu.Lock()
		sum.MessagesByType = copyCounts(s.messagesByType)
		sum.ErrorsByType = copyCounts(s.errorsByType)
		sum.ByUserAgent = copyCounts(s.byUserAgent)
		sum.ByCountry = copyCounts(s.byCountry)
		s.mu.Unlock()
	}
	return sum
}

// PerformanceReport mirrors GetSummary(true) but is named separately per
// the external interface's getPerformanceReport operation, which callers
// use for dashboards rather than the health endpoint.
func (s *Service) PerformanceReport() Summary {
	return s.GetSummary(true)
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
