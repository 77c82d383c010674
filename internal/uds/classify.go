package uds

import (
	"fmt"
	"time"

	"github.com/witcacy/CANUDS-DTC-Report/internal/isotp"
)

// MessageInfo is the diagnostic view of one completed transport message.
type MessageInfo struct {
	Number               int       `json:"number"`
	CanID                uint32    `json:"canId"`
	RawServiceID         byte      `json:"rawServiceId"`
	ServiceID            byte      `json:"serviceId"`
	ServiceName          string    `json:"serviceName"`
	IsPositiveResponse   bool      `json:"isPositiveResponse"`
	NegativeResponseCode *byte     `json:"negativeResponseCode,omitempty"`
	Payload              []byte    `json:"payload"`
	Timestamp            time.Time `json:"timestamp"`
	Line                 int       `json:"line"`
}

// IsNegative reports whether the message is a negative response.
func (m MessageInfo) IsNegative() bool {
	return m.NegativeResponseCode != nil
}

// IsRequest reports whether the message is neither kind of response.
func (m MessageInfo) IsRequest() bool {
	return !m.IsPositiveResponse && m.NegativeResponseCode == nil
}

// Role is "Resp" for positive responses and "Req" otherwise.
func (m MessageInfo) Role() string {
	if m.IsPositiveResponse {
		return "Resp"
	}
	return "Req"
}

func (m MessageInfo) String() string {
	s := fmt.Sprintf("%s %s (SID 0x%02X)", m.Role(), m.ServiceName, m.RawServiceID)
	if m.NegativeResponseCode != nil {
		s += fmt.Sprintf(" NRC 0x%02X", *m.NegativeResponseCode)
	}
	return s
}

// Classify interprets the first payload byte as a service identifier. It
// returns false for an empty payload.
func Classify(msg isotp.Message) (MessageInfo, bool) {
	if len(msg.Payload) == 0 {
		return MessageInfo{}, false
	}
	first := msg.Payload[0]
	info := MessageInfo{
		CanID:        msg.ID,
		RawServiceID: first,
		Payload:      append([]byte(nil), msg.Payload...),
		Timestamp:    msg.Start,
	}
	if len(msg.Lines) > 0 {
		info.Line = msg.Lines[0].Number
	}
	switch {
	case first == NegativeResponse && len(msg.Payload) >= 3:
		nrc := msg.Payload[2]
		info.ServiceID = msg.Payload[1]
		info.NegativeResponseCode = &nrc
	case first >= PositiveResponseOf:
		info.ServiceID = first - PositiveResponseOf
		info.IsPositiveResponse = true
	default:
		info.ServiceID = first
	}
	info.ServiceName = ServiceName(info.ServiceID)
	return info, true
}

// ClassifyAll classifies every non-empty message. Number is the 1-based
// position of the message in msgs.
func ClassifyAll(msgs []isotp.Message) []MessageInfo {
	out := make([]MessageInfo, 0, len(msgs))
	for i, msg := range msgs {
		info, ok := Classify(msg)
		if !ok {
			continue
		}
		info.Number = i + 1
		out = append(out, info)
	}
	return out
}
