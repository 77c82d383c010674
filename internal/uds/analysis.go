package uds

import (
	"fmt"
	"strings"
)

// AbsenceKind says why a trace produced no DTC records.
type AbsenceKind int

const (
	AbsenceDecoderMismatch AbsenceKind = iota + 1
	AbsenceNegativeResponse
	AbsenceNoResponse
	AbsenceNotObserved
)

func (k AbsenceKind) String() string {
	switch k {
	case AbsenceDecoderMismatch:
		return "decoder-mismatch"
	case AbsenceNegativeResponse:
		return "negative-response"
	case AbsenceNoResponse:
		return "no-response"
	case AbsenceNotObserved:
		return "not-observed"
	default:
		return fmt.Sprintf("absence(%d)", int(k))
	}
}

// MarshalText renders the kind by name in JSON and YAML.
func (k AbsenceKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *AbsenceKind) UnmarshalText(b []byte) error {
	for c := AbsenceDecoderMismatch; c <= AbsenceNotObserved; c++ {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown absence kind %q", string(b))
}

// Absence is the outcome of inspecting ReadDTCInformation traffic.
type Absence struct {
	Kind AbsenceKind `json:"kind"`
	// NRCs holds the distinct negative response codes, in order of
	// appearance, when Kind is AbsenceNegativeResponse.
	NRCs []int `json:"nrcs,omitempty"`
}

// ClassifyAbsence picks exactly one explanation for a trace without DTCs.
// The cases are checked in order: positive response, negative response,
// request only, nothing at all.
func ClassifyAbsence(infos []MessageInfo) Absence {
	var positive, request bool
	var nrcs []int
	seen := make(map[byte]bool)
	for _, m := range infos {
		if m.ServiceID != SIDReadDTCInformation {
			continue
		}
		switch {
		case m.IsPositiveResponse:
			positive = true
		case m.NegativeResponseCode != nil:
			if nrc := *m.NegativeResponseCode; !seen[nrc] {
				seen[nrc] = true
				nrcs = append(nrcs, int(nrc))
			}
		default:
			request = true
		}
	}
	switch {
	case positive:
		return Absence{Kind: AbsenceDecoderMismatch}
	case len(nrcs) > 0:
		return Absence{Kind: AbsenceNegativeResponse, NRCs: nrcs}
	case request:
		return Absence{Kind: AbsenceNoResponse}
	default:
		return Absence{Kind: AbsenceNotObserved}
	}
}

// Message renders the explanation in English.
func (a Absence) Message() string {
	switch a.Kind {
	case AbsenceDecoderMismatch:
		return "A positive ReadDTCInformation response (0x59) was received but no DTC records could be decoded from it; the response layout probably does not match the decoder."
	case AbsenceNegativeResponse:
		codes := make([]string, len(a.NRCs))
		for i, nrc := range a.NRCs {
			codes[i] = fmt.Sprintf("0x%02X (%s)", nrc, NRCName(byte(nrc)))
		}
		return fmt.Sprintf("ReadDTCInformation (0x19) was rejected by the ECU with negative response code %s.", strings.Join(codes, ", "))
	case AbsenceNoResponse:
		return "ReadDTCInformation (0x19) was requested but no positive response was received."
	default:
		return "ReadDTCInformation (0x19) was never observed in the trace; the service was not requested."
	}
}

// AnalyzeDtcAbsence explains why no DTCs were extracted.
func AnalyzeDtcAbsence(infos []MessageInfo) string {
	return ClassifyAbsence(infos).Message()
}

// Summary is the analysis line used when DTCs were found.
func Summary(dtcs []DtcInfo, infos []MessageInfo) string {
	responses := 0
	for _, m := range infos {
		if m.ServiceID == SIDReadDTCInformation && m.IsPositiveResponse {
			responses++
		}
	}
	return fmt.Sprintf("%d DTC(s) extracted from %d ReadDTCInformation response(s)", len(dtcs), responses)
}

// Analyze returns Summary when dtcs is non-empty and the absence
// explanation otherwise.
func Analyze(dtcs []DtcInfo, infos []MessageInfo) string {
	if len(dtcs) > 0 {
		return Summary(dtcs, infos)
	}
	return AnalyzeDtcAbsence(infos)
}
