package uds

import "fmt"

// Service identifiers referenced by the interpreter.
const (
	SIDDiagnosticSessionControl = 0x10
	SIDReadDTCInformation       = 0x19
	SIDReadECUIdentification    = 0x1A
	SIDReadDataByIdentifier     = 0x22

	NegativeResponse   = 0x7F
	PositiveResponseOf = 0x40
)

var serviceNames = map[byte]string{
	0x10: "DiagnosticSessionControl",
	0x11: "ECUReset",
	0x14: "ClearDiagnosticInformation",
	0x19: "ReadDTCInformation",
	0x1A: "ReadECUIdentification",
	0x22: "ReadDataByIdentifier",
	0x23: "ReadMemoryByAddress",
	0x24: "ReadScalingDataByIdentifier",
	0x27: "SecurityAccess",
	0x28: "CommunicationControl",
	0x29: "Authentication",
	0x2A: "ReadDataByPeriodicIdentifier",
	0x2C: "DynamicallyDefineDataIdentifier",
	0x2E: "WriteDataByIdentifier",
	0x2F: "InputOutputControlByIdentifier",
	0x31: "RoutineControl",
	0x34: "RequestDownload",
	0x35: "RequestUpload",
	0x36: "TransferData",
	0x37: "RequestTransferExit",
	0x38: "RequestFileTransfer",
	0x3D: "WriteMemoryByAddress",
	0x3E: "TesterPresent",
	0x83: "AccessTimingParameter",
	0x84: "SecuredDataTransmission",
	0x85: "ControlDTCSetting",
	0x86: "ResponseOnEvent",
	0x87: "LinkControl",
}

var nrcNames = map[byte]string{
	0x10: "generalReject",
	0x11: "serviceNotSupported",
	0x12: "subFunctionNotSupported",
	0x13: "incorrectMessageLengthOrInvalidFormat",
	0x14: "responseTooLong",
	0x21: "busyRepeatRequest",
	0x22: "conditionsNotCorrect",
	0x24: "requestSequenceError",
	0x25: "noResponseFromSubnetComponent",
	0x26: "failurePreventsExecutionOfRequestedAction",
	0x31: "requestOutOfRange",
	0x33: "securityAccessDenied",
	0x35: "invalidKey",
	0x36: "exceededNumberOfAttempts",
	0x37: "requiredTimeDelayNotExpired",
	0x70: "uploadDownloadNotAccepted",
	0x71: "transferDataSuspended",
	0x72: "generalProgrammingFailure",
	0x73: "wrongBlockSequenceCounter",
	0x78: "requestCorrectlyReceivedResponsePending",
	0x7E: "subFunctionNotSupportedInActiveSession",
	0x7F: "serviceNotSupportedInActiveSession",
}

var readDTCSubFunctions = map[byte]string{
	0x01: "reportNumberOfDTCByStatusMask",
	0x02: "reportDTCByStatusMask",
	0x03: "reportDTCSnapshotIdentification",
	0x04: "reportDTCSnapshotRecordByDTCNumber",
	0x05: "reportDTCStoredDataByRecordNumber",
	0x06: "reportDTCExtDataRecordByDTCNumber",
	0x07: "reportNumberOfDTCBySeverityMaskRecord",
	0x08: "reportDTCBySeverityMaskRecord",
	0x09: "reportSeverityInformationOfDTC",
	0x0A: "reportSupportedDTC",
	0x0B: "reportFirstTestFailedDTC",
	0x0C: "reportFirstConfirmedDTC",
	0x0D: "reportMostRecentTestFailedDTC",
	0x0E: "reportMostRecentConfirmedDTC",
	0x0F: "reportMirrorMemoryDTCByStatusMask",
	0x10: "reportMirrorMemoryDTCExtDataRecordByDTCNumber",
	0x11: "reportNumberOfMirrorMemoryDTCByStatusMask",
	0x12: "reportNumberOfEmissionsOBDDTCByStatusMask",
	0x13: "reportEmissionsOBDDTCByStatusMask",
	0x14: "reportDTCFaultDetectionCounter",
	0x15: "reportDTCWithPermanentStatus",
}

var dataIdentifiers = map[uint16]string{
	0xF180: "bootSoftwareIdentification",
	0xF181: "applicationSoftwareIdentification",
	0xF186: "activeDiagnosticSession",
	0xF187: "sparePartNumber",
	0xF188: "ECUSoftwareNumber",
	0xF189: "ECUSoftwareVersionNumber",
	0xF18A: "systemSupplierIdentifier",
	0xF18B: "ECUManufacturingDate",
	0xF18C: "ECUSerialNumber",
	0xF190: "VIN",
	0xF191: "ECUHardwareNumber",
	0xF192: "systemSupplierECUHardwareNumber",
	0xF193: "systemSupplierECUHardwareVersionNumber",
	0xF194: "systemSupplierECUSoftwareNumber",
	0xF195: "systemSupplierECUSoftwareVersionNumber",
	0xF197: "systemNameOrEngineType",
	0xF19E: "ODXFileIdentifier",
}

var defaultECUNames = map[uint32]string{
	0x7DF: "OBD functional request",
	0x7E0: "ECM (tester request)",
	0x7E1: "TCM (tester request)",
	0x7E2: "ABS (tester request)",
	0x7E3: "BCM (tester request)",
	0x7E4: "SRS (tester request)",
	0x7E5: "IPC (tester request)",
	0x7E8: "ECM - Engine Control Module",
	0x7E9: "TCM - Transmission Control Module",
	0x7EA: "ABS - Anti-lock Brake Module",
	0x7EB: "BCM - Body Control Module",
	0x7EC: "SRS - Airbag Module",
	0x7ED: "IPC - Instrument Cluster",
}

// ServiceName returns the UDS service name, or the identifier in hex when
// it is not known.
func ServiceName(sid byte) string {
	if name, ok := serviceNames[sid]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", sid)
}

// NRCName returns the ISO 14229-1 name of a negative response code.
func NRCName(nrc byte) string {
	if name, ok := nrcNames[nrc]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", nrc)
}

// SubFunctionName names a ReadDTCInformation report type.
func SubFunctionName(sub byte) string {
	if name, ok := readDTCSubFunctions[sub]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", sub)
}

// DataIdentifierName names well-known ReadDataByIdentifier identifiers. It
// returns "" for identifiers outside the table.
func DataIdentifierName(did uint16) string {
	return dataIdentifiers[did]
}

// ECUNames overrides or extends the built-in identifier to ECU name table.
type ECUNames map[uint32]string

// Name resolves id against the overrides, then the built-in table.
func (n ECUNames) Name(id uint32) string {
	if name, ok := n[id]; ok && name != "" {
		return name
	}
	if name, ok := defaultECUNames[id]; ok {
		return name
	}
	return "unknown"
}

// ECUName resolves id against the built-in table.
func ECUName(id uint32) string {
	return ECUNames(nil).Name(id)
}

// Services lists the known services sorted by identifier.
func Services() []ServiceEntry {
	out := make([]ServiceEntry, 0, len(serviceNames))
	for sid := 0; sid <= 0xFF; sid++ {
		if name, ok := serviceNames[byte(sid)]; ok {
			out = append(out, ServiceEntry{ID: byte(sid), Name: name})
		}
	}
	return out
}

type ServiceEntry struct {
	ID   byte   `json:"id"`
	Name string `json:"name"`
}
