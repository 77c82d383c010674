package uds

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode"

	"github.com/witcacy/CANUDS-DTC-Report/internal/isotp"
)

const (
	ecuIdentResponseSID = SIDReadECUIdentification + PositiveResponseOf
	readDIDResponseSID  = SIDReadDataByIdentifier + PositiveResponseOf
)

// EcuInfo is one identification value reported by an ECU.
type EcuInfo struct {
	Service        string `json:"service"`
	Identifier     string `json:"identifier"`
	IdentifierName string `json:"identifierName,omitempty"`
	Value          string `json:"value"`
	CanID          uint32 `json:"canId"`
	MessageNumber  int    `json:"messageNumber"`
}

// ExtractECUInfo collects ReadECUIdentification and ReadDataByIdentifier
// positive responses. Each message yields at most one record.
func ExtractECUInfo(msgs []isotp.Message) []EcuInfo {
	var out []EcuInfo
	for i, msg := range msgs {
		info, ok := ecuInfo(msg.Payload)
		if !ok {
			continue
		}
		info.CanID = msg.ID
		info.MessageNumber = i + 1
		out = append(out, info)
	}
	return out
}

func ecuInfo(p []byte) (EcuInfo, bool) {
	if len(p) < 3 {
		return EcuInfo{}, false
	}
	switch p[0] {
	case ecuIdentResponseSID:
		return EcuInfo{
			Service:    ServiceName(SIDReadECUIdentification),
			Identifier: fmt.Sprintf("0x%02X", p[1]),
			Value:      FormatValue(p[2:]),
		}, true
	case readDIDResponseSID:
		if len(p) < 4 {
			return EcuInfo{}, false
		}
		did := binary.BigEndian.Uint16(p[1:3])
		return EcuInfo{
			Service:        ServiceName(SIDReadDataByIdentifier),
			Identifier:     fmt.Sprintf("0x%04X", did),
			IdentifierName: DataIdentifierName(did),
			Value:          FormatValue(p[3:]),
		}, true
	}
	return EcuInfo{}, false
}

// FormatValue renders b as text when every byte is printable ASCII and as
// space separated hex pairs otherwise.
func FormatValue(b []byte) string {
	for _, c := range b {
		if c < 0x20 || c > 0x7E {
			return fmt.Sprintf("% X", b)
		}
	}
	return string(b)
}

// ECUType guesses what an ECU is from the first identification value it
// reported that contains a letter. It returns "" when there is none.
func ECUType(ecus []EcuInfo, canID uint32) string {
	for _, e := range ecus {
		if e.CanID != canID {
			continue
		}
		if strings.IndexFunc(e.Value, unicode.IsLetter) >= 0 {
			return e.Value
		}
	}
	return ""
}

// ECUGroup collects the DTCs reported by one CAN identifier.
type ECUGroup struct {
	CanID uint32    `json:"canId"`
	Name  string    `json:"name"`
	Type  string    `json:"type,omitempty"`
	DTCs  []DtcInfo `json:"dtcs"`
}

// GroupByECU groups dtcs by CAN identifier in order of first appearance.
func GroupByECU(dtcs []DtcInfo, ecus []EcuInfo) []ECUGroup {
	var groups []ECUGroup
	index := make(map[uint32]int)
	for _, d := range dtcs {
		i, ok := index[d.CanID]
		if !ok {
			i = len(groups)
			index[d.CanID] = i
			groups = append(groups, ECUGroup{
				CanID: d.CanID,
				Name:  d.Origin,
				Type:  ECUType(ecus, d.CanID),
			})
		}
		groups[i].DTCs = append(groups[i].DTCs, d)
	}
	return groups
}
