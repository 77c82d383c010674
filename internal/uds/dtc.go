package uds

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/witcacy/CANUDS-DTC-Report/internal/common"
	"github.com/witcacy/CANUDS-DTC-Report/internal/isotp"
)

const (
	dtcResponseSID  = SIDReadDTCInformation + PositiveResponseOf
	dtcRecordOffset = 3
	dtcRecordSize   = 4

	StatusActive  = "Active/static"
	StatusPassive = "Passive/Sporadic"
	StatusUnknown = "Unknown"

	unknownDescription = "Unknown"
)

var (
	dtcPrefixes = [4]string{"P", "C", "B", "U"}
	protocols   = map[string]string{"P": "Powertrain", "C": "Chassis", "B": "Body", "U": "Network"}

	ErrDTCFormat = errors.New("invalid DTC code")
)

// Describer returns a human description for a DTC code.
type Describer interface {
	Describe(code string) string
}

// ExtractOptions supplies the optional lookups used while building records.
type ExtractOptions struct {
	Descriptions Describer
	ECUNames     ECUNames
	Logger       *slog.Logger
}

// DtcInfo is one 4-byte DTC record of a ReadDTCInformation positive
// response.
type DtcInfo struct {
	Code            string    `json:"code"`
	LCode           string    `json:"lCode"`
	ObdProtocol     string    `json:"obdProtocol"`
	Description     string    `json:"description"`
	Status          string    `json:"status"`
	StatusByte      byte      `json:"statusByte"`
	StatusFlags     []string  `json:"statusFlags"`
	Origin          string    `json:"origin"`
	SubFunction     byte      `json:"subFunction"`
	SubFunctionName string    `json:"subFunctionName"`
	MessageFragment string    `json:"messageFragment"`
	ColoredFragment string    `json:"coloredFragment"`
	MessageNumber   int       `json:"messageNumber"`
	RecordIndex     int       `json:"recordIndex"`
	Occurrence      int       `json:"occurrence"`
	FragmentOffset  int       `json:"fragmentOffset"`
	TypeBits        string    `json:"typeBits"`
	Raw             uint32    `json:"raw"`
	CanID           uint32    `json:"canId"`
	CodeBytes       [4]string `json:"codeBytes"`
	Explanation     string    `json:"explanation"`
}

// Bytes returns the record as it appeared on the wire.
func (d DtcInfo) Bytes() [4]byte {
	var out [4]byte
	for i, s := range d.CodeBytes {
		v, _ := strconv.ParseUint(s, 16, 8)
		out[i] = byte(v)
	}
	return out
}

// ExtractDTCs walks every ReadDTCInformation positive response and decodes
// its records. MessageNumber is the 1-based position of the source message
// in msgs.
func ExtractDTCs(msgs []isotp.Message, opts ExtractOptions) []DtcInfo {
	log := opts.Logger
	if log == nil {
		log = common.Logger()
	}
	var out []DtcInfo
	for i, msg := range msgs {
		p := msg.Payload
		if len(p) < dtcRecordOffset || p[0] != dtcResponseSID {
			continue
		}
		sub := p[1]
		seen := make(map[[4]byte]int)
		record := 0
		off := dtcRecordOffset
		for ; off+dtcRecordSize <= len(p); off += dtcRecordSize {
			var rec [4]byte
			copy(rec[:], p[off:off+dtcRecordSize])
			d := newDtcInfo(rec, msg.ID, sub, opts)
			d.MessageNumber = i + 1
			d.RecordIndex = record + 1
			d.Occurrence = seen[rec]
			d.MessageFragment = msg.Fragment()
			d.ColoredFragment = coloredFragment(msg, off)
			d.FragmentOffset = LocateRecord(fragmentBytes(msg), d.Occurrence, rec)
			seen[rec]++
			record++
			out = append(out, d)
		}
		if rest := len(p) - off; rest > 0 {
			log.Debug("dropping partial DTC record", "message", i+1, "id", fmt.Sprintf("0x%03X", msg.ID), "bytes", rest)
		}
	}
	return out
}

func newDtcInfo(rec [4]byte, canID uint32, sub byte, opts ExtractOptions) DtcInfo {
	raw := uint32(rec[0])<<16 | uint32(rec[1])<<8 | uint32(rec[2])
	code := ConvertToFullDtcCode(raw)
	lcode := ConvertToLCode(raw)
	prefix := code[:1]
	d := DtcInfo{
		Code:            code,
		LCode:           lcode,
		ObdProtocol:     protocols[prefix],
		Description:     describe(opts.Descriptions, code, lcode),
		Status:          StatusText(rec[3]),
		StatusByte:      rec[3],
		StatusFlags:     StatusFlags(rec[3]),
		Origin:          opts.ECUNames.Name(canID),
		SubFunction:     sub,
		SubFunctionName: SubFunctionName(sub),
		TypeBits:        fmt.Sprintf("%02b", (raw>>22)&0x3),
		Raw:             raw,
		CanID:           canID,
	}
	for i, b := range rec {
		d.CodeBytes[i] = fmt.Sprintf("%02X", b)
	}
	d.Explanation = explain(d)
	return d
}

func describe(desc Describer, code, lcode string) string {
	if desc == nil {
		return unknownDescription
	}
	if s := desc.Describe(code); s != "" && s != unknownDescription {
		return s
	}
	if s := desc.Describe(lcode); s != "" {
		return s
	}
	return unknownDescription
}

func explain(d DtcInfo) string {
	return fmt.Sprintf("bytes %s %s %s -> raw=0x%06X; bits 23-22=%s -> %s (%s); raw & 0x3FFFFF -> %s; raw & 0xFFFF -> %s; status 0x%02X -> %s",
		d.CodeBytes[0], d.CodeBytes[1], d.CodeBytes[2], d.Raw, d.TypeBits, d.Code[:1], d.ObdProtocol, d.Code, d.LCode, d.StatusByte, d.Status)
}

// ConvertToFullDtcCode renders raw as the prefix letter from bits 22-23
// followed by the low 22 bits as six hex digits.
func ConvertToFullDtcCode(raw uint32) string {
	return fmt.Sprintf("%s%06X", dtcPrefixes[(raw>>22)&0x3], raw&0x3FFFFF)
}

// ConvertToLCode renders the shortened form: prefix plus the low 16 bits.
func ConvertToLCode(raw uint32) string {
	return fmt.Sprintf("%s%04X", dtcPrefixes[(raw>>22)&0x3], raw&0xFFFF)
}

// ParseFullDtcCode inverts ConvertToFullDtcCode.
func ParseFullDtcCode(code string) (uint32, error) {
	code = strings.TrimSpace(code)
	if len(code) != 7 {
		return 0, fmt.Errorf("%w %q: want a letter and 6 hex digits", ErrDTCFormat, code)
	}
	prefix := -1
	for i, p := range dtcPrefixes {
		if strings.EqualFold(code[:1], p) {
			prefix = i
		}
	}
	if prefix < 0 {
		return 0, fmt.Errorf("%w %q: unknown prefix", ErrDTCFormat, code)
	}
	v, err := strconv.ParseUint(code[1:], 16, 32)
	if err != nil || v > 0x3FFFFF {
		return 0, fmt.Errorf("%w %q", ErrDTCFormat, code)
	}
	return uint32(prefix)<<22 | uint32(v), nil
}

// ObdProtocol maps a code's prefix letter to its system family.
func ObdProtocol(code string) string {
	if code == "" {
		return ""
	}
	return protocols[strings.ToUpper(code[:1])]
}

// StatusText is the two-case reading of a DTC status byte: confirmed wins
// over testFailed, anything else is unknown.
func StatusText(status byte) string {
	switch {
	case status&0x08 != 0:
		return StatusActive
	case status&0x01 != 0:
		return StatusPassive
	default:
		return StatusUnknown
	}
}

var statusBits = [8]string{
	"testFailed",
	"testFailedThisOperationCycle",
	"pendingDTC",
	"confirmedDTC",
	"testNotCompletedSinceLastClear",
	"testFailedSinceLastClear",
	"testNotCompletedThisOperationCycle",
	"warningIndicatorRequested",
}

// StatusFlags lists every ISO 14229-1 status bit set in status, lowest bit
// first.
func StatusFlags(status byte) []string {
	var out []string
	for i, name := range statusBits {
		if status&(1<<i) != 0 {
			out = append(out, name)
		}
	}
	return out
}

// LocateRecord returns the offset of the n-th (0-based) non-overlapping
// occurrence of rec in data, or -1.
func LocateRecord(data []byte, occurrence int, rec [4]byte) int {
	found := 0
	for i := 0; i+len(rec) <= len(data); i++ {
		if data[i] != rec[0] || data[i+1] != rec[1] || data[i+2] != rec[2] || data[i+3] != rec[3] {
			continue
		}
		if found == occurrence {
			return i
		}
		found++
		i += len(rec) - 1
	}
	return -1
}

func fragmentBytes(msg isotp.Message) []byte {
	var out []byte
	for _, l := range msg.Lines {
		out = append(out, l.Data...)
	}
	return out
}

// coloredFragment renders the fragment with the four record bytes that
// start at payload offset off wrapped in brackets.
func coloredFragment(msg isotp.Message, off int) string {
	marks := make(map[[2]int]bool, dtcRecordSize)
	for k := 0; k < dtcRecordSize; k++ {
		if line, idx, ok := msg.Locate(off + k); ok {
			marks[[2]int{line, idx}] = true
		}
	}
	rows := make([]string, len(msg.Lines))
	for i, l := range msg.Lines {
		var b strings.Builder
		fmt.Fprintf(&b, "0x%03X", msg.ID)
		for j, v := range l.Data {
			if marks[[2]int{i, j}] {
				fmt.Fprintf(&b, " [%02X]", v)
			} else {
				fmt.Fprintf(&b, " %02X", v)
			}
		}
		rows[i] = b.String()
	}
	return strings.Join(rows, "\n")
}
