package samples

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/witcacy/CANUDS-DTC-Report/internal/isotp"
	"github.com/witcacy/CANUDS-DTC-Report/internal/trace"
)

// Scenario names one deterministic trace shape.
type Scenario string

const (
	// ScenarioDTC: two ECUs answer ReadDTCInformation with records, plus
	// identification traffic.
	ScenarioDTC Scenario = "dtc"
	// ScenarioNegative: the ECU rejects ReadDTCInformation.
	ScenarioNegative Scenario = "negative"
	// ScenarioRequestOnly: the request is sent but never answered.
	ScenarioRequestOnly Scenario = "request-only"
	// ScenarioNotObserved: only identification traffic, no 0x19 at all.
	ScenarioNotObserved Scenario = "not-observed"
	// ScenarioDecoderMismatch: a positive 0x59 response carrying no
	// complete record.
	ScenarioDecoderMismatch Scenario = "decoder-mismatch"

	// DescriptionsFileName is the DTC description table written next to
	// the traces.
	DescriptionsFileName = "dtc_descriptions.txt"

	testerECM  uint32 = 0x7E0
	testerTCM  uint32 = 0x7E1
	ecmID      uint32 = 0x7E8
	tcmID      uint32 = 0x7E9
	padByte    byte   = 0xAA
	frameStep         = 0.0125
	frameBytes        = 8
)

// VIN is the vehicle identification number every scenario reports.
const VIN = "WVWZZZ1KZAW000001"

var scenarios = []Scenario{
	ScenarioDTC,
	ScenarioNegative,
	ScenarioRequestOnly,
	ScenarioNotObserved,
	ScenarioDecoderMismatch,
}

// Scenarios lists every known scenario in a stable order.
func Scenarios() []Scenario {
	out := make([]Scenario, len(scenarios))
	copy(out, scenarios)
	return out
}

// ParseScenario resolves a scenario name.
func ParseScenario(s string) (Scenario, error) {
	for _, sc := range scenarios {
		if strings.EqualFold(s, string(sc)) {
			return sc, nil
		}
	}
	return "", fmt.Errorf("unknown scenario %q", s)
}

// FileName is the trace file name used by WriteFiles.
func (s Scenario) FileName() string {
	return "sample_" + strings.ReplaceAll(string(s), "-", "_") + ".trc"
}

type exchange struct {
	id      uint32
	dir     trace.Direction
	payload []byte
}

func vinRequest() []exchange {
	return []exchange{
		{testerECM, trace.Tx, []byte{0x22, 0xF1, 0x90}},
		{ecmID, trace.Rx, append([]byte{0x62, 0xF1, 0x90}, VIN...)},
	}
}

func exchanges(s Scenario) ([]exchange, error) {
	switch s {
	case ScenarioDTC:
		ex := vinRequest()
		ex = append(ex,
			exchange{testerECM, trace.Tx, []byte{0x19, 0x02, 0xFF}},
			exchange{ecmID, trace.Rx, []byte{
				0x59, 0x02, 0xFF,
				0xC1, 0x23, 0x45, 0x2F,
				0x01, 0x00, 0x01, 0x08,
				0x80, 0x00, 0x01, 0x01,
			}},
			exchange{testerTCM, trace.Tx, []byte{0x1A, 0x9B}},
			exchange{tcmID, trace.Rx, []byte{0x5A, 0x9B, 'T', 'C', 'M', '-', '6', 'H', 'P'}},
			exchange{testerTCM, trace.Tx, []byte{0x19, 0x02, 0xFF}},
			exchange{tcmID, trace.Rx, []byte{0x59, 0x02, 0xFF, 0x47, 0x00, 0x01, 0x09}},
		)
		return ex, nil
	case ScenarioNegative:
		ex := vinRequest()
		return append(ex,
			exchange{testerECM, trace.Tx, []byte{0x19, 0x02, 0xFF}},
			exchange{ecmID, trace.Rx, []byte{0x7F, 0x19, 0x31}},
		), nil
	case ScenarioRequestOnly:
		ex := vinRequest()
		return append(ex, exchange{testerECM, trace.Tx, []byte{0x19, 0x02, 0xFF}}), nil
	case ScenarioNotObserved:
		return vinRequest(), nil
	case ScenarioDecoderMismatch:
		return []exchange{
			{testerECM, trace.Tx, []byte{0x19, 0x02, 0xFF}},
			{ecmID, trace.Rx, []byte{0x59, 0x02, 0xFF, 0xC1, 0x23}},
		}, nil
	default:
		return nil, fmt.Errorf("unknown scenario %q", s)
	}
}

// Segment splits payload into padded ISO-TP frames: a single frame when it
// fits in seven bytes, otherwise a first frame followed by consecutive
// frames. Payloads longer than 4095 bytes use the 32-bit first frame.
func Segment(payload []byte) [][]byte {
	if len(payload) <= 7 {
		f := append([]byte{byte(isotp.TypeSingle<<4) | byte(len(payload))}, payload...)
		return [][]byte{pad(f)}
	}
	var first []byte
	if len(payload) <= 0xFFF {
		first = []byte{byte(isotp.TypeFirst<<4) | byte(len(payload)>>8), byte(len(payload))}
	} else {
		n := uint32(len(payload))
		first = []byte{byte(isotp.TypeFirst << 4), 0x00, byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
	}
	room := frameBytes - len(first)
	first = append(first, payload[:room]...)
	frames := [][]byte{first}
	seq := byte(1)
	for rest := payload[room:]; len(rest) > 0; {
		n := min(len(rest), frameBytes-1)
		cf := append([]byte{byte(isotp.TypeConsecutive<<4) | seq}, rest[:n]...)
		frames = append(frames, pad(cf))
		rest = rest[n:]
		seq = (seq + 1) & 0x0F
	}
	return frames
}

func pad(f []byte) []byte {
	for len(f) < frameBytes {
		f = append(f, padByte)
	}
	return f
}

// flowControlID returns the identifier the peer answers flow control on.
func flowControlID(id uint32) uint32 {
	if id >= ecmID {
		return id - 8
	}
	return id + 8
}

type lineWriter struct {
	buf bytes.Buffer
	n   int
}

func (w *lineWriter) frame(id uint32, dir trace.Direction, data []byte) {
	w.n++
	hex := make([]string, len(data))
	for i, b := range data {
		hex[i] = fmt.Sprintf("%02X", b)
	}
	fmt.Fprintf(&w.buf, "%7d) %11.3f  1  %s  %04X  %d  %s\n",
		w.n, float64(w.n-1)*frameStep, dir, id, len(data), strings.Join(hex, " "))
}

func opposite(d trace.Direction) trace.Direction {
	if d == trace.Rx {
		return trace.Tx
	}
	return trace.Rx
}

// BuildTrace renders a scenario as a PCAN-View style trace.
func BuildTrace(s Scenario) ([]byte, error) {
	ex, err := exchanges(s)
	if err != nil {
		return nil, err
	}
	w := &lineWriter{}
	w.buf.WriteString(";$FILEVERSION=1.3\n")
	fmt.Fprintf(&w.buf, ";   Generated sample trace: %s\n", s)
	w.buf.WriteString(";---+--   ----+----  --+--  ----+---  +  -+ -- -- -- -- -- -- --\n")
	for _, e := range ex {
		frames := Segment(e.payload)
		for i, f := range frames {
			w.frame(e.id, e.dir, f)
			if i == 0 && len(frames) > 1 {
				w.frame(flowControlID(e.id), opposite(e.dir), pad([]byte{byte(isotp.TypeFlowControl << 4), 0x00, 0x00}))
			}
		}
	}
	return w.buf.Bytes(), nil
}

// BuildDescriptions returns a description table covering the codes of
// ScenarioDTC.
func BuildDescriptions() []byte {
	lines := []string{
		"# code  source  description",
		"U012345 SAE Lost Communication With Engine Control Module",
		"P010001 SAE Mass Air Flow Sensor Circuit Intermittent",
		"B0001 OEM Driver Frontal Stage 1 Deployment Control",
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

// WriteFiles materializes every scenario trace and the description table
// under dir.
func WriteFiles(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var written []string
	for _, s := range scenarios {
		data, err := BuildTrace(s)
		if err != nil {
			return written, fmt.Errorf("build %s: %w", s, err)
		}
		path := filepath.Join(dir, s.FileName())
		if err := writeFileIfChanged(path, data); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	path := filepath.Join(dir, DescriptionsFileName)
	if err := writeFileIfChanged(path, BuildDescriptions()); err != nil {
		return written, err
	}
	return append(written, path), nil
}

func writeFileIfChanged(path string, data []byte) error {
	existing, err := os.ReadFile(path)
	if err == nil && bytes.Equal(existing, data) {
		return nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
