package pdu

import "fmt"

// LL control PDU opcodes (Core Spec v5.3 Vol 6, Part B, Section 2.4.2)
const (
	OpConnectionUpdateInd  = 0x00
	OpChannelMapInd        = 0x01
	OpTerminateInd         = 0x02
	OpEncReq               = 0x03
	OpEncRsp               = 0x04
	OpStartEncReq          = 0x05
	OpStartEncRsp          = 0x06
	OpUnknownRsp           = 0x07
	OpFeatureReq           = 0x08
	OpFeatureRsp           = 0x09
	OpPauseEncReq          = 0x0A
	OpPauseEncRsp          = 0x0B
	OpVersionInd           = 0x0C
	OpRejectInd            = 0x0D
	OpPeripheralFeatureReq = 0x0E
	OpConnectionParamReq   = 0x0F
	OpConnectionParamRsp   = 0x10
	OpRejectExtInd         = 0x11
	OpPingReq              = 0x12
	OpPingRsp              = 0x13
	OpLengthReq            = 0x14
	OpLengthRsp            = 0x15
	OpPHYReq               = 0x16
	OpPHYRsp               = 0x17
	OpPHYUpdateInd         = 0x18
	OpMinUsedChannelsInd   = 0x19
)

// OpcodeNames maps control opcodes to human-readable names
var OpcodeNames = map[uint8]string{
	OpConnectionUpdateInd:  "LL_CONNECTION_UPDATE_IND",
	OpChannelMapInd:        "LL_CHANNEL_MAP_IND",
	OpTerminateInd:         "LL_TERMINATE_IND",
	OpEncReq:               "LL_ENC_REQ",
	OpEncRsp:               "LL_ENC_RSP",
	OpStartEncReq:          "LL_START_ENC_REQ",
	OpStartEncRsp:          "LL_START_ENC_RSP",
	OpUnknownRsp:           "LL_UNKNOWN_RSP",
	OpFeatureReq:           "LL_FEATURE_REQ",
	OpFeatureRsp:           "LL_FEATURE_RSP",
	OpPauseEncReq:          "LL_PAUSE_ENC_REQ",
	OpPauseEncRsp:          "LL_PAUSE_ENC_RSP",
	OpVersionInd:           "LL_VERSION_IND",
	OpRejectInd:            "LL_REJECT_IND",
	OpPeripheralFeatureReq: "LL_PERIPHERAL_FEATURE_REQ",
	OpConnectionParamReq:   "LL_CONNECTION_PARAM_REQ",
	OpConnectionParamRsp:   "LL_CONNECTION_PARAM_RSP",
	OpRejectExtInd:         "LL_REJECT_EXT_IND",
	OpPingReq:              "LL_PING_REQ",
	OpPingRsp:              "LL_PING_RSP",
	OpLengthReq:            "LL_LENGTH_REQ",
	OpLengthRsp:            "LL_LENGTH_RSP",
	OpPHYReq:               "LL_PHY_REQ",
	OpPHYRsp:               "LL_PHY_RSP",
	OpPHYUpdateInd:         "LL_PHY_UPDATE_IND",
	OpMinUsedChannelsInd:   "LL_MIN_USED_CHANNELS_IND",
}

// PayloadLengths is the CtrData length plus the opcode byte for each
// supported control PDU. A PDU whose length differs is malformed.
var PayloadLengths = map[uint8]int{
	OpConnectionUpdateInd:  12,
	OpChannelMapInd:        8,
	OpTerminateInd:         2,
	OpUnknownRsp:           2,
	OpFeatureReq:           9,
	OpFeatureRsp:           9,
	OpVersionInd:           6,
	OpRejectInd:            2,
	OpPeripheralFeatureReq: 9,
	OpConnectionParamReq:   24,
	OpConnectionParamRsp:   24,
	OpRejectExtInd:         3,
	OpPingReq:              1,
	OpPingRsp:              1,
	OpLengthReq:            9,
	OpLengthRsp:            9,
	OpPHYReq:               3,
	OpPHYRsp:               3,
	OpPHYUpdateInd:         5,
	OpMinUsedChannelsInd:   3,
}

// OpcodeName returns the name of a control opcode, or its hex value
func OpcodeName(op uint8) string {
	if name, ok := OpcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", op)
}

// Procedure identifies a control procedure. Opcodes that belong to the
// same procedure collide with each other.
type Procedure uint8

const (
	ProcNone Procedure = iota
	ProcConnectionUpdate
	ProcChannelMap
	ProcTerminate
	ProcFeatureExchange
	ProcVersionExchange
	ProcConnectionParam
	ProcPing
	ProcDataLength
	ProcPHYUpdate
	ProcMinUsedChannels
)

var procedureNames = map[Procedure]string{
	ProcNone:             "none",
	ProcConnectionUpdate: "connection update",
	ProcChannelMap:       "channel map update",
	ProcTerminate:        "termination",
	ProcFeatureExchange:  "feature exchange",
	ProcVersionExchange:  "version exchange",
	ProcConnectionParam:  "connection parameters request",
	ProcPing:             "le ping",
	ProcDataLength:       "data length update",
	ProcPHYUpdate:        "phy update",
	ProcMinUsedChannels:  "minimum used channels",
}

func (p Procedure) String() string {
	if name, ok := procedureNames[p]; ok {
		return name
	}
	return fmt.Sprintf("procedure(%d)", uint8(p))
}

// TakesInstant reports whether the procedure ends in a change applied at an
// instant. At most one of these may be pending on a connection.
func (p Procedure) TakesInstant() bool {
	switch p {
	case ProcConnectionUpdate, ProcConnectionParam, ProcChannelMap, ProcPHYUpdate:
		return true
	}
	return false
}

// ProcedureOf returns the procedure an opcode belongs to.
func ProcedureOf(op uint8) Procedure {
	switch op {
	case OpConnectionUpdateInd:
		return ProcConnectionUpdate
	case OpChannelMapInd:
		return ProcChannelMap
	case OpTerminateInd:
		return ProcTerminate
	case OpFeatureReq, OpFeatureRsp, OpPeripheralFeatureReq:
		return ProcFeatureExchange
	case OpVersionInd:
		return ProcVersionExchange
	case OpConnectionParamReq, OpConnectionParamRsp:
		return ProcConnectionParam
	case OpPingReq, OpPingRsp:
		return ProcPing
	case OpLengthReq, OpLengthRsp:
		return ProcDataLength
	case OpPHYReq, OpPHYRsp, OpPHYUpdateInd:
		return ProcPHYUpdate
	case OpMinUsedChannelsInd:
		return ProcMinUsedChannels
	}
	return ProcNone
}

// ResponseOpcode returns the opcode the peer answers op with, and whether a
// response is expected at all.
func ResponseOpcode(op uint8) (uint8, bool) {
	switch op {
	case OpFeatureReq, OpPeripheralFeatureReq:
		return OpFeatureRsp, true
	case OpVersionInd:
		return OpVersionInd, true
	case OpConnectionParamReq:
		// The central answers with LL_CONNECTION_UPDATE_IND, the peripheral
		// with LL_CONNECTION_PARAM_RSP.
		return OpConnectionParamRsp, true
	case OpPingReq:
		return OpPingRsp, true
	case OpLengthReq:
		return OpLengthRsp, true
	case OpPHYReq:
		return OpPHYRsp, true
	}
	return 0, false
}

// IsRejection reports whether op terminates the peer's active procedure.
func IsRejection(op uint8) bool {
	return op == OpUnknownRsp || op == OpRejectInd || op == OpRejectExtInd
}
