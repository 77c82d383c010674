package common

import (
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"
)

type Metrics struct {
	mu         sync.Mutex
	start      time.Time
	end        time.Time
	bytes      int64
	totalBytes int64
	lines      int64
	frames     int64
	messages   int64
	dtcs       int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) Start() {
	m.mu.Lock()
	if m.start.IsZero() {
		m.start = time.Now()
		m.end = time.Time{}
	}
	m.mu.Unlock()
}

func (m *Metrics) Stop() {
	m.mu.Lock()
	if !m.start.IsZero() && m.end.IsZero() {
		m.end = time.Now()
	}
	m.mu.Unlock()
}

// AddLine counts one trace line; ok marks lines that produced a frame.
func (m *Metrics) AddLine(ok bool) {
	m.mu.Lock()
	m.lines++
	if ok {
		m.frames++
	}
	m.mu.Unlock()
}

func (m *Metrics) AddMessages(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.messages += int64(n)
	m.mu.Unlock()
}

func (m *Metrics) AddDTCs(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.dtcs += int64(n)
	m.mu.Unlock()
}

func (m *Metrics) AddBytes(n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.bytes += n
	m.mu.Unlock()
}

func (m *Metrics) SetTotalBytes(total int64) {
	if total < 0 {
		total = 0
	}
	m.mu.Lock()
	m.totalBytes = total
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		Duration:   m.elapsedLocked(),
		Bytes:      m.bytes,
		TotalBytes: m.totalBytes,
		Lines:      m.lines,
		Frames:     m.frames,
		Messages:   m.messages,
		DTCs:       m.dtcs,
	}
}

func (m *Metrics) elapsedLocked() time.Duration {
	if m.start.IsZero() {
		return 0
	}
	if !m.end.IsZero() {
		return m.end.Sub(m.start)
	}
	return time.Since(m.start)
}

type MetricsSnapshot struct {
	Duration   time.Duration
	Bytes      int64
	TotalBytes int64
	Lines      int64
	Frames     int64
	Messages   int64
	DTCs       int64
}

func (s MetricsSnapshot) ThroughputBytesPerSecond() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.Bytes) / s.Duration.Seconds()
}

func (s MetricsSnapshot) Completion() float64 {
	if s.TotalBytes <= 0 {
		return 0
	}
	ratio := float64(s.Bytes) / float64(s.TotalBytes)
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}

func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div := float64(unit)
	exp := 0
	for n := float64(b) / div; n >= unit && exp < 6; n /= unit {
		div *= unit
		exp++
	}
	prefixes := []string{"KiB", "MiB", "GiB", "TiB", "PiB", "EiB"}
	return fmt.Sprintf("%.2f %s", float64(b)/div, prefixes[exp])
}

func formatProgressLine(s MetricsSnapshot) string {
	if s.TotalBytes > 0 {
		pct := s.Completion() * 100
		if math.IsNaN(pct) || math.IsInf(pct, 0) {
			pct = 0
		}
		return fmt.Sprintf("Progress: %6.2f%% (%s / %s) %d frames, %d messages", pct, FormatBytes(s.Bytes), FormatBytes(s.TotalBytes), s.Frames, s.Messages)
	}
	return fmt.Sprintf("Processed: %s %d lines, %d frames", FormatBytes(s.Bytes), s.Lines, s.Frames)
}

// StartProgressPrinter redraws one progress line on w every interval from
// the snapshots returned by snapshot. The returned stop func prints the
// final state, ends the line and waits for the printer to exit.
func StartProgressPrinter(w io.Writer, snapshot func() MetricsSnapshot, interval time.Duration) func() {
	if snapshot == nil || w == nil {
		return func() {}
	}
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		lastLen := 0
		draw := func() {
			line := formatProgressLine(snapshot())
			n := len(line)
			if pad := lastLen - n; pad > 0 {
				line += strings.Repeat(" ", pad)
			}
			fmt.Fprintf(w, "\r%s", line)
			lastLen = n
		}
		for {
			select {
			case <-ticker.C:
				draw()
			case <-done:
				draw()
				fmt.Fprint(w, "\n")
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
