package common

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()
	m.Start()
	m.SetTotalBytes(200)
	m.AddBytes(50)
	m.AddBytes(-3)
	m.AddLine(true)
	m.AddLine(false)
	m.AddLine(true)
	m.AddMessages(2)
	m.AddDTCs(5)
	m.AddDTCs(0)
	m.Stop()

	s := m.Snapshot()
	if s.Bytes != 50 || s.TotalBytes != 200 {
		t.Fatalf("unexpected byte counters %+v", s)
	}
	if s.Lines != 3 || s.Frames != 2 || s.Messages != 2 || s.DTCs != 5 {
		t.Fatalf("unexpected counters %+v", s)
	}
	if got := s.Completion(); got != 0.25 {
		t.Fatalf("Completion = %v, want 0.25", got)
	}
	if s.Duration < 0 {
		t.Fatalf("negative duration %v", s.Duration)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[int64]string{
		0:       "0 B",
		1023:    "1023 B",
		1024:    "1.00 KiB",
		3 << 20: "3.00 MiB",
	}
	for in, want := range tests {
		if got := FormatBytes(in); got != want {
			t.Fatalf("FormatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestProgressPrinterFinalLine(t *testing.T) {
	var buf bytes.Buffer
	m := NewMetrics()
	m.Start()
	m.AddBytes(10)
	m.AddLine(true)
	stop := StartProgressPrinter(&buf, m.Snapshot, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	m.SetTotalBytes(10)
	stop()
	out := buf.String()
	if !strings.Contains(out, "Processed: 10 B 1 lines, 1 frames") {
		t.Fatalf("expected progress output, got %q", out)
	}
	if !strings.HasSuffix(out, "Progress: 100.00% (10 B / 10 B) 1 frames, 0 messages\n") {
		t.Fatalf("expected final line, got %q", out)
	}
}

func TestProgressPrinterNilSnapshot(t *testing.T) {
	var buf bytes.Buffer
	StartProgressPrinter(&buf, nil, time.Millisecond)()
	if buf.Len() != 0 {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
