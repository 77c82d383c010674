package trace

import (
	"fmt"
	"strings"
	"time"
)

// Direction is the receive/transmit marker carried by a trace line.
type Direction string

const (
	Rx Direction = "Rx"
	Tx Direction = "Tx"
)

// Frame is one CAN frame recovered from a trace line. It is never mutated
// after ParseLine returns it.
type Frame struct {
	ID         uint32
	Data       []byte
	Timestamp  time.Time
	Offset     float64 // seconds since capture start, as written in the trace
	Direction  Direction
	RawLine    string
	LineNumber int
}

// IsExtended reports whether the identifier needs 29 bits.
func (f Frame) IsExtended() bool {
	return f.ID > maxStdID
}

// HexData renders the data bytes as space separated hex pairs.
func (f Frame) HexData() string {
	var b strings.Builder
	for i, v := range f.Data {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02X", v)
	}
	return b.String()
}

func (f Frame) String() string {
	return fmt.Sprintf("0x%03X %s", f.ID, f.HexData())
}

// SkipReason says why a line produced no frame.
type SkipReason int

const (
	SkipNone SkipReason = iota
	SkipBlank
	SkipComment
	SkipNoMarker
	SkipMalformed
)

func (r SkipReason) String() string {
	switch r {
	case SkipNone:
		return "none"
	case SkipBlank:
		return "blank"
	case SkipComment:
		return "comment"
	case SkipNoMarker:
		return "no-marker"
	case SkipMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// LineResult is the outcome of parsing one line. Exactly one of Frame or
// Reason is meaningful: Skipped lines carry a reason and, for malformed
// lines, the parse error that caused the drop. Fatal I/O failures are never
// reported here; they come back as the error of Reader.Next.
type LineResult struct {
	Frame   Frame
	Skipped bool
	Reason  SkipReason
	Err     error
}

// OK reports whether the line produced a frame.
func (r LineResult) OK() bool {
	return !r.Skipped
}

func skipped(reason SkipReason, err error) LineResult {
	return LineResult{Skipped: true, Reason: reason, Err: err}
}

// Layout selects the positional layout of trace lines.
type Layout int

const (
	// LayoutAuto detects the layout of every line independently.
	LayoutAuto Layout = iota
	// LayoutPCAN13: "1) 1841.0 1 Rx 07E8 8 03 59 ..." (id at field 4).
	LayoutPCAN13
	// LayoutPCAN11: "1) 1841.0 Rx 07E8 8 03 59 ..." (id at field 3).
	LayoutPCAN11
	// LayoutPCAN20: "1 1841.000 DT 07E8 Rx 8 03 59 ..." (id at field 3).
	LayoutPCAN20
	// LayoutMarker: data after a "-" column, id next to the direction:
	// "1) 1841.0 1 Rx 07E8 - 8 03 59 ..." (PCAN 1.3) or
	// "1 1841.000 DT 1 07E8 Rx - 8 03 59 ..." (PCAN 2.1).
	LayoutMarker
	// LayoutCandump: "(1841.000) can0 RX 7E8#035902FF".
	LayoutCandump
)

var layoutNames = map[Layout]string{
	LayoutAuto:    "auto",
	LayoutPCAN13:  "pcan13",
	LayoutPCAN11:  "pcan11",
	LayoutPCAN20:  "pcan20",
	LayoutMarker:  "marker",
	LayoutCandump: "candump",
}

func (l Layout) String() string {
	if name, ok := layoutNames[l]; ok {
		return name
	}
	return fmt.Sprintf("layout(%d)", int(l))
}

// ParseLayout converts a flag or config value into a Layout.
func ParseLayout(s string) (Layout, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if key == "" {
		return LayoutAuto, nil
	}
	for l, name := range layoutNames {
		if name == key {
			return l, nil
		}
	}
	return LayoutAuto, fmt.Errorf("%w: %q", ErrUnknownLayout, s)
}

// Options configures line parsing.
type Options struct {
	Layout Layout
	// CaptureStart is the reference instant trace offsets are added to.
	// The zero value means "the moment the reader was created".
	CaptureStart time.Time
}

// Stats summarises one pass over a trace.
type Stats struct {
	Lines    int
	Frames   int
	Skipped  int
	ByReason map[SkipReason]int
}

func (s *Stats) add(res LineResult) {
	s.Lines++
	if res.OK() {
		s.Frames++
		return
	}
	s.Skipped++
	if s.ByReason == nil {
		s.ByReason = make(map[SkipReason]int)
	}
	s.ByReason[res.Reason]++
}
