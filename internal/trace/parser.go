package trace

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	maxStdID = 0x7FF
	maxExtID = 0x1FFFFFFF
	maxData  = 8

	dataMarker = "-"
)

var (
	ErrUnknownLayout = errors.New("unknown trace layout")
	ErrShortLine     = errors.New("not enough fields")
	ErrTimestamp     = errors.New("invalid timestamp")
	ErrIdentifier    = errors.New("invalid CAN identifier")
	ErrNoDataMarker  = errors.New("data marker not found")
)

// ParseLine turns one trace line into a frame. Lines without a receive or
// transmit marker token are skipped silently; lines that carry one but do not
// parse are skipped as malformed. ParseLine never panics on input.
func ParseLine(line string, lineNo int, opts Options) LineResult {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return skipped(SkipBlank, nil)
	}
	if strings.HasPrefix(trimmed, ";") || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//") {
		return skipped(SkipComment, nil)
	}
	fields := strings.Fields(trimmed)
	dirIdx, dir := findMarker(fields)
	if dirIdx < 0 {
		return skipped(SkipNoMarker, nil)
	}

	layout := opts.Layout
	if layout == LayoutAuto {
		layout = detectLayout(fields, dirIdx)
	}
	start := opts.CaptureStart
	if start.IsZero() {
		start = time.Now()
	}

	frame, err := parseFields(fields, layout, dirIdx)
	if err != nil {
		return skipped(SkipMalformed, fmt.Errorf("line %d (%s): %w", lineNo, layout, err))
	}
	frame.Direction = dir
	frame.Timestamp = start.Add(time.Duration(frame.Offset * float64(time.Second)))
	frame.RawLine = line
	frame.LineNumber = lineNo
	return LineResult{Frame: frame}
}

func findMarker(fields []string) (int, Direction) {
	for i, f := range fields {
		switch {
		case strings.EqualFold(f, "rx"):
			return i, Rx
		case strings.EqualFold(f, "tx"):
			return i, Tx
		}
	}
	return -1, ""
}

func detectLayout(fields []string, dirIdx int) Layout {
	if dirIdx+1 < len(fields) && strings.Contains(fields[dirIdx+1], "#") {
		return LayoutCandump
	}
	if markerIndex(fields, dirIdx) >= 0 {
		return LayoutMarker
	}
	if pcan1x(fields) {
		if dirIdx == 2 {
			return LayoutPCAN11
		}
		return LayoutPCAN13
	}
	if dirIdx == 4 {
		return LayoutPCAN20
	}
	return LayoutPCAN13
}

// pcan1x reports whether the line starts with a PCAN 1.x message number
// such as "12)".
func pcan1x(fields []string) bool {
	return strings.HasSuffix(fields[0], ")") && !strings.HasPrefix(fields[0], "(")
}

// markerIndex finds the "-" column. PCAN 2.x writes it right after the
// direction, PCAN 1.3 right after the identifier that follows the direction.
func markerIndex(fields []string, dirIdx int) int {
	for i := dirIdx + 1; i <= dirIdx+2 && i < len(fields); i++ {
		if fields[i] == dataMarker {
			return i
		}
	}
	return -1
}

func parseFields(fields []string, layout Layout, dirIdx int) (Frame, error) {
	switch layout {
	case LayoutPCAN13:
		return positional(fields, 1, 4, 5)
	case LayoutPCAN11:
		return positional(fields, 1, 3, 4)
	case LayoutPCAN20:
		return positional(fields, 1, 3, 5)
	case LayoutMarker:
		return afterMarker(fields, dirIdx)
	case LayoutCandump:
		return candump(fields, dirIdx)
	default:
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownLayout, int(layout))
	}
}

func positional(fields []string, tsIdx, idIdx, dataIdx int) (Frame, error) {
	if len(fields) <= idIdx {
		return Frame{}, fmt.Errorf("%w: got %d, need %d", ErrShortLine, len(fields), idIdx+1)
	}
	var f Frame
	var err error
	if f.Offset, err = parseOffset(fields[tsIdx]); err != nil {
		return Frame{}, err
	}
	if f.ID, err = parseID(fields[idIdx]); err != nil {
		return Frame{}, err
	}
	if dataIdx < len(fields) {
		f.Data = collectBytes(fields[dataIdx:])
	}
	return f, nil
}

// afterMarker reads lines that carry a "-" column before the data. The
// identifier sits next to the direction: after it in PCAN 1.x, before it in
// PCAN 2.x.
func afterMarker(fields []string, dirIdx int) (Frame, error) {
	if len(fields) < 4 {
		return Frame{}, fmt.Errorf("%w: got %d, need 4", ErrShortLine, len(fields))
	}
	marker := markerIndex(fields, dirIdx)
	if marker < 0 {
		return Frame{}, ErrNoDataMarker
	}
	idIdx := dirIdx - 1
	if pcan1x(fields) {
		idIdx = dirIdx + 1
	}
	if idIdx < 2 || idIdx >= len(fields) || idIdx == marker {
		return Frame{}, fmt.Errorf("%w: no identifier next to the direction", ErrShortLine)
	}
	var f Frame
	var err error
	if f.Offset, err = parseOffset(fields[1]); err != nil {
		return Frame{}, err
	}
	if f.ID, err = parseID(fields[idIdx]); err != nil {
		return Frame{}, err
	}
	f.Data = collectBytes(fields[marker+1:])
	return f, nil
}

func candump(fields []string, dirIdx int) (Frame, error) {
	if dirIdx+1 >= len(fields) {
		return Frame{}, fmt.Errorf("%w: got %d, need %d", ErrShortLine, len(fields), dirIdx+2)
	}
	var f Frame
	var err error
	if f.Offset, err = parseOffset(fields[0]); err != nil {
		return Frame{}, err
	}
	idPart, payload, found := strings.Cut(fields[dirIdx+1], "#")
	if !found {
		return Frame{}, fmt.Errorf("%w %q", ErrIdentifier, fields[dirIdx+1])
	}
	if f.ID, err = parseID(idPart); err != nil {
		return Frame{}, err
	}
	payload = strings.ReplaceAll(payload, ".", "")
	for i := 0; i+2 <= len(payload); i += 2 {
		if b, ok := parseByte(payload[i : i+2]); ok {
			f.Data = append(f.Data, b)
		}
	}
	if len(f.Data) > maxData {
		f.Data = f.Data[:maxData]
	}
	return f, nil
}

func parseOffset(tok string) (float64, error) {
	s := strings.Trim(tok, "()")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w %q", ErrTimestamp, tok)
	}
	return v, nil
}

func parseID(tok string) (uint32, error) {
	s := strings.TrimSpace(tok)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.TrimSuffix(strings.TrimSuffix(s, "h"), "H")
	if s == "" {
		return 0, fmt.Errorf("%w %q", ErrIdentifier, tok)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil || v > maxExtID {
		return 0, fmt.Errorf("%w %q", ErrIdentifier, tok)
	}
	return uint32(v), nil
}

// collectBytes keeps up to eight two-digit hex tokens; anything else is
// skipped rather than aborting the line.
func collectBytes(tokens []string) []byte {
	data := make([]byte, 0, maxData)
	for _, tok := range tokens {
		if len(data) == maxData {
			break
		}
		if b, ok := parseByte(tok); ok {
			data = append(data, b)
		}
	}
	return data
}

func parseByte(tok string) (byte, bool) {
	if len(tok) != 2 {
		return 0, false
	}
	v, err := strconv.ParseUint(tok, 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}
