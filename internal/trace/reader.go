package trace

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/witcacy/CANUDS-DTC-Report/internal/common"
)

const maxLineSize = 1 << 20

// Reader yields one LineResult per trace line, in file order.
type Reader struct {
	scanner *bufio.Scanner
	closer  io.Closer
	opts    Options
	size    int64
	lineNo  int
	stats   Stats
	metrics *common.Metrics
}

// NewReader wraps r. The capture start is pinned when the reader is created
// so every frame of one run shares the same reference instant.
func NewReader(r io.Reader, opts Options) *Reader {
	if opts.CaptureStart.IsZero() {
		opts.CaptureStart = time.Now()
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Reader{scanner: sc, opts: opts}
}

// Open opens a trace file. Failing to open it is a fatal error.
func Open(path string, opts Options) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace %s: %w", path, err)
	}
	rd := NewReader(f, opts)
	rd.closer = f
	if info, err := f.Stat(); err == nil {
		rd.size = info.Size()
	}
	return rd, nil
}

// Close releases the underlying file when the reader owns one.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

// SetMetrics attaches a metrics recorder to the reader.
func (r *Reader) SetMetrics(m *common.Metrics) {
	r.metrics = m
	if r.metrics != nil && r.size > 0 {
		r.metrics.SetTotalBytes(r.size)
	}
}

// Stats returns the counters accumulated so far.
func (r *Reader) Stats() Stats {
	out := r.stats
	if r.stats.ByReason != nil {
		out.ByReason = make(map[SkipReason]int, len(r.stats.ByReason))
		for k, v := range r.stats.ByReason {
			out.ByReason[k] = v
		}
	}
	return out
}

// Next parses the next line. It returns io.EOF after the last line and any
// other error only for read failures of the underlying stream.
func (r *Reader) Next() (LineResult, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return LineResult{}, fmt.Errorf("read trace line %d: %w", r.lineNo+1, err)
		}
		return LineResult{}, io.EOF
	}
	r.lineNo++
	line := r.scanner.Text()
	res := ParseLine(line, r.lineNo, r.opts)
	r.stats.add(res)
	if r.metrics != nil {
		r.metrics.AddBytes(int64(len(line) + 1))
		r.metrics.AddLine(res.OK())
	}
	return res, nil
}

// Frames drains the reader and returns every parsed frame.
func (r *Reader) Frames() ([]Frame, error) {
	var frames []Frame
	for {
		res, err := r.Next()
		if err == io.EOF {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		if res.OK() {
			frames = append(frames, res.Frame)
		}
	}
}

// ParseFile reads a whole trace file.
func ParseFile(path string, opts Options) ([]Frame, Stats, error) {
	rd, err := Open(path, opts)
	if err != nil {
		return nil, Stats{}, err
	}
	defer rd.Close()
	frames, err := rd.Frames()
	return frames, rd.Stats(), err
}
