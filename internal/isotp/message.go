package isotp

import (
	"fmt"
	"strings"
	"time"
)

// Frame types carried in the high nibble of the first data byte.
const (
	TypeSingle      = 0x0
	TypeFirst       = 0x1
	TypeConsecutive = 0x2
	TypeFlowControl = 0x3
)

// SourceLine is one trace line that contributed a frame to a message.
// Data[PayloadStart:PayloadStart+PayloadBytes] is the slice of the frame
// that was copied into the message payload.
type SourceLine struct {
	Raw          string `json:"raw"`
	Number       int    `json:"number"`
	Data         []byte `json:"data"`
	PayloadStart int    `json:"payloadStart"`
	PayloadBytes int    `json:"payloadBytes"`
}

// Message is a transport-layer message rebuilt from one or more frames sharing
// a CAN identifier.
type Message struct {
	ID             uint32       `json:"id"`
	Payload        []byte       `json:"payload"`
	ExpectedLength int          `json:"expectedLength"`
	Lines          []SourceLine `json:"lines"`
	Start          time.Time    `json:"start"`
	End            time.Time    `json:"end"`
}

// Complete reports whether the payload has reached the announced length.
func (m Message) Complete() bool {
	return len(m.Payload) >= m.ExpectedLength
}

// Fragment renders every contributing frame as "0x7E8 10 0B 59 ...", one
// frame per line.
func (m Message) Fragment() string {
	rows := make([]string, len(m.Lines))
	for i, l := range m.Lines {
		rows[i] = fmt.Sprintf("0x%03X % X", m.ID, l.Data)
	}
	return strings.Join(rows, "\n")
}

// RawText joins the contributing trace lines as they appeared in the trace.
func (m Message) RawText() string {
	raws := make([]string, len(m.Lines))
	for i, l := range m.Lines {
		raws[i] = strings.TrimSpace(l.Raw)
	}
	return strings.Join(raws, "\n")
}

// Locate maps a payload offset back to the contributing line and the index
// of the byte inside that line's frame data.
func (m Message) Locate(offset int) (line, index int, ok bool) {
	if offset < 0 {
		return 0, 0, false
	}
	for i, l := range m.Lines {
		if offset < l.PayloadBytes {
			return i, l.PayloadStart + offset, true
		}
		offset -= l.PayloadBytes
	}
	return 0, 0, false
}

func (m Message) String() string {
	return fmt.Sprintf("0x%03X [%d/%d] % X", m.ID, len(m.Payload), m.ExpectedLength, m.Payload)
}

func (m Message) clone() Message {
	out := m
	out.Payload = append([]byte(nil), m.Payload...)
	out.Lines = make([]SourceLine, len(m.Lines))
	for i, l := range m.Lines {
		l.Data = append([]byte(nil), l.Data...)
		out.Lines[i] = l
	}
	return out
}

// Stats counts what the reassembler saw. Protocol inconsistencies end up
// here instead of being reported as errors.
type Stats struct {
	Frames         int `json:"frames"`
	Single         int `json:"single"`
	First          int `json:"first"`
	Consecutive    int `json:"consecutive"`
	FlowControl    int `json:"flowControl"`
	Ignored        int `json:"ignored"`
	Orphans        int `json:"orphans"`
	Overwritten    int `json:"overwritten"`
	SequenceErrors int `json:"sequenceErrors"`
	Completed      int `json:"completed"`
}
