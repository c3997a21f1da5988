package pdu

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/user/linklayer/ll/counter"
)

var (
	// ErrUnknownOpcode is returned by DecodeControl for opcodes this link
	// layer does not implement. The receiver answers with LL_UNKNOWN_RSP.
	ErrUnknownOpcode = errors.New("pdu: unknown control opcode")

	// ErrMalformed is returned by DecodeControl when the length does not
	// match the opcode. The receiver answers with LL_REJECT_EXT_IND.
	ErrMalformed = errors.New("pdu: malformed control PDU")
)

// Control is an LL control PDU. Encode returns the opcode byte followed by
// CtrData.
type Control interface {
	Opcode() uint8
	Encode() []byte
}

// Instanted is implemented by control PDUs that take effect at an instant.
type Instanted interface {
	Control
	Instant() counter.Event
	SetInstant(counter.Event)
}

// ConnectionUpdateInd moves the connection to new timing at Instant
type ConnectionUpdateInd struct {
	WinSize   uint8  // 1.25ms units
	WinOffset uint16 // 1.25ms units
	Params    ConnParams
	At        counter.Event
}

func (p *ConnectionUpdateInd) Opcode() uint8 { return OpConnectionUpdateInd }
func (p *ConnectionUpdateInd) Instant() counter.Event { return p.At }
func (p *ConnectionUpdateInd) SetInstant(e counter.Event) { p.At = e }

func (p *ConnectionUpdateInd) Encode() []byte {
	buf := make([]byte, 12)
	buf[0] = OpConnectionUpdateInd
	buf[1] = p.WinSize
	binary.LittleEndian.PutUint16(buf[2:4], p.WinOffset)
	binary.LittleEndian.PutUint16(buf[4:6], p.Params.Interval)
	binary.LittleEndian.PutUint16(buf[6:8], p.Params.Latency)
	binary.LittleEndian.PutUint16(buf[8:10], p.Params.Timeout)
	binary.LittleEndian.PutUint16(buf[10:12], uint16(p.At))
	return buf
}

// ChannelMapInd switches to a new channel map at Instant
type ChannelMapInd struct {
	Map ChannelMap
	At  counter.Event
}

func (p *ChannelMapInd) Opcode() uint8 { return OpChannelMapInd }
func (p *ChannelMapInd) Instant() counter.Event { return p.At }
func (p *ChannelMapInd) SetInstant(e counter.Event) { p.At = e }

func (p *ChannelMapInd) Encode() []byte {
	buf := make([]byte, 8)
	buf[0] = OpChannelMapInd
	copy(buf[1:6], p.Map[:])
	binary.LittleEndian.PutUint16(buf[6:8], uint16(p.At))
	return buf
}

// TerminateInd ends the connection
type TerminateInd struct {
	Reason ErrorCode
}

func (p *TerminateInd) Opcode() uint8 { return OpTerminateInd }
func (p *TerminateInd) Encode() []byte { return []byte{OpTerminateInd, byte(p.Reason)} }

// UnknownRsp tells the peer its opcode is not supported
type UnknownRsp struct {
	UnknownType uint8
}

func (p *UnknownRsp) Opcode() uint8 { return OpUnknownRsp }
func (p *UnknownRsp) Encode() []byte { return []byte{OpUnknownRsp, p.UnknownType} }

// FeatureExchange carries LL_FEATURE_REQ, LL_FEATURE_RSP or
// LL_PERIPHERAL_FEATURE_REQ depending on Op.
type FeatureExchange struct {
	Op       uint8
	Features FeatureSet
}

func (p *FeatureExchange) Opcode() uint8 { return p.Op }

func (p *FeatureExchange) Encode() []byte {
	buf := make([]byte, 9)
	buf[0] = p.Op
	copy(buf[1:], p.Features[:])
	return buf
}

// VersionInd carries the link layer version information
type VersionInd struct {
	Version    uint8
	CompanyID  uint16
	SubVersion uint16
}

func (p *VersionInd) Opcode() uint8 { return OpVersionInd }

func (p *VersionInd) Encode() []byte {
	buf := make([]byte, 6)
	buf[0] = OpVersionInd
	buf[1] = p.Version
	binary.LittleEndian.PutUint16(buf[2:4], p.CompanyID)
	binary.LittleEndian.PutUint16(buf[4:6], p.SubVersion)
	return buf
}

// RejectInd rejects the peer's procedure with a reason
type RejectInd struct {
	Reason ErrorCode
}

func (p *RejectInd) Opcode() uint8 { return OpRejectInd }
func (p *RejectInd) Encode() []byte { return []byte{OpRejectInd, byte(p.Reason)} }

// RejectExtInd rejects a specific opcode with a reason
type RejectExtInd struct {
	RejectOpcode uint8
	Reason       ErrorCode
}

func (p *RejectExtInd) Opcode() uint8 { return OpRejectExtInd }
func (p *RejectExtInd) Encode() []byte {
	return []byte{OpRejectExtInd, p.RejectOpcode, byte(p.Reason)}
}

// ConnectionParam carries LL_CONNECTION_PARAM_REQ or _RSP depending on Op.
type ConnectionParam struct {
	Op                   uint8
	Range                ConnParamsRange
	PreferredPeriodicity uint8
	ReferenceEvent       counter.Event
	Offsets              [6]uint16
}

func (p *ConnectionParam) Opcode() uint8 { return p.Op }

func (p *ConnectionParam) Encode() []byte {
	buf := make([]byte, 24)
	buf[0] = p.Op
	binary.LittleEndian.PutUint16(buf[1:3], p.Range.IntervalMin)
	binary.LittleEndian.PutUint16(buf[3:5], p.Range.IntervalMax)
	binary.LittleEndian.PutUint16(buf[5:7], p.Range.Latency)
	binary.LittleEndian.PutUint16(buf[7:9], p.Range.Timeout)
	buf[9] = p.PreferredPeriodicity
	binary.LittleEndian.PutUint16(buf[10:12], uint16(p.ReferenceEvent))
	for i, off := range p.Offsets {
		binary.LittleEndian.PutUint16(buf[12+2*i:14+2*i], off)
	}
	return buf
}

// Ping carries LL_PING_REQ or LL_PING_RSP
type Ping struct {
	Op uint8
}

func (p *Ping) Opcode() uint8 { return p.Op }
func (p *Ping) Encode() []byte { return []byte{p.Op} }

// Length carries LL_LENGTH_REQ or LL_LENGTH_RSP
type Length struct {
	Op          uint8
	MaxRxOctets uint16
	MaxRxTime   uint16
	MaxTxOctets uint16
	MaxTxTime   uint16
}

func (p *Length) Opcode() uint8 { return p.Op }

func (p *Length) Encode() []byte {
	buf := make([]byte, 9)
	buf[0] = p.Op
	binary.LittleEndian.PutUint16(buf[1:3], p.MaxRxOctets)
	binary.LittleEndian.PutUint16(buf[3:5], p.MaxRxTime)
	binary.LittleEndian.PutUint16(buf[5:7], p.MaxTxOctets)
	binary.LittleEndian.PutUint16(buf[7:9], p.MaxTxTime)
	return buf
}

// PHYPreference carries LL_PHY_REQ or LL_PHY_RSP
type PHYPreference struct {
	Op     uint8
	TxPHYs PHY
	RxPHYs PHY
}

func (p *PHYPreference) Opcode() uint8 { return p.Op }
func (p *PHYPreference) Encode() []byte {
	return []byte{p.Op, byte(p.TxPHYs), byte(p.RxPHYs)}
}

// PHYUpdateInd switches PHYs at Instant. A zero direction means unchanged.
type PHYUpdateInd struct {
	CentralToPeripheral PHY
	PeripheralToCentral PHY
	At                  counter.Event
}

func (p *PHYUpdateInd) Opcode() uint8 { return OpPHYUpdateInd }
func (p *PHYUpdateInd) Instant() counter.Event { return p.At }
func (p *PHYUpdateInd) SetInstant(e counter.Event) { p.At = e }

func (p *PHYUpdateInd) Encode() []byte {
	buf := make([]byte, 5)
	buf[0] = OpPHYUpdateInd
	buf[1] = byte(p.CentralToPeripheral)
	buf[2] = byte(p.PeripheralToCentral)
	binary.LittleEndian.PutUint16(buf[3:5], uint16(p.At))
	return buf
}

// MinUsedChannelsInd asks the central to use at least MinUsed channels on PHYs
type MinUsedChannelsInd struct {
	PHYs    PHY
	MinUsed uint8
}

func (p *MinUsedChannelsInd) Opcode() uint8 { return OpMinUsedChannelsInd }
func (p *MinUsedChannelsInd) Encode() []byte {
	return []byte{OpMinUsedChannelsInd, byte(p.PHYs), p.MinUsed}
}

// DecodeControl parses a control PDU payload (opcode + CtrData).
func DecodeControl(data []byte) (Control, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	op := data[0]
	want, ok := PayloadLengths[op]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownOpcode, op)
	}
	if len(data) != want {
		return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrMalformed, OpcodeName(op), len(data), want)
	}

	switch op {
	case OpConnectionUpdateInd:
		return &ConnectionUpdateInd{
			WinSize:   data[1],
			WinOffset: binary.LittleEndian.Uint16(data[2:4]),
			Params: ConnParams{
				Interval: binary.LittleEndian.Uint16(data[4:6]),
				Latency:  binary.LittleEndian.Uint16(data[6:8]),
				Timeout:  binary.LittleEndian.Uint16(data[8:10]),
			},
			At: counter.Event(binary.LittleEndian.Uint16(data[10:12])),
		}, nil
	case OpChannelMapInd:
		p := &ChannelMapInd{At: counter.Event(binary.LittleEndian.Uint16(data[6:8]))}
		copy(p.Map[:], data[1:6])
		return p, nil
	case OpTerminateInd:
		return &TerminateInd{Reason: ErrorCode(data[1])}, nil
	case OpUnknownRsp:
		return &UnknownRsp{UnknownType: data[1]}, nil
	case OpFeatureReq, OpFeatureRsp, OpPeripheralFeatureReq:
		p := &FeatureExchange{Op: op}
		copy(p.Features[:], data[1:9])
		return p, nil
	case OpVersionInd:
		return &VersionInd{
			Version:    data[1],
			CompanyID:  binary.LittleEndian.Uint16(data[2:4]),
			SubVersion: binary.LittleEndian.Uint16(data[4:6]),
		}, nil
	case OpRejectInd:
		return &RejectInd{Reason: ErrorCode(data[1])}, nil
	case OpRejectExtInd:
		return &RejectExtInd{RejectOpcode: data[1], Reason: ErrorCode(data[2])}, nil
	case OpConnectionParamReq, OpConnectionParamRsp:
		p := &ConnectionParam{
			Op: op,
			Range: ConnParamsRange{
				IntervalMin: binary.LittleEndian.Uint16(data[1:3]),
				IntervalMax: binary.LittleEndian.Uint16(data[3:5]),
				Latency:     binary.LittleEndian.Uint16(data[5:7]),
				Timeout:     binary.LittleEndian.Uint16(data[7:9]),
			},
			PreferredPeriodicity: data[9],
			ReferenceEvent:       counter.Event(binary.LittleEndian.Uint16(data[10:12])),
		}
		for i := range p.Offsets {
			p.Offsets[i] = binary.LittleEndian.Uint16(data[12+2*i : 14+2*i])
		}
		return p, nil
	case OpPingReq, OpPingRsp:
		return &Ping{Op: op}, nil
	case OpLengthReq, OpLengthRsp:
		return &Length{
			Op:          op,
			MaxRxOctets: binary.LittleEndian.Uint16(data[1:3]),
			MaxRxTime:   binary.LittleEndian.Uint16(data[3:5]),
			MaxTxOctets: binary.LittleEndian.Uint16(data[5:7]),
			MaxTxTime:   binary.LittleEndian.Uint16(data[7:9]),
		}, nil
	case OpPHYReq, OpPHYRsp:
		return &PHYPreference{Op: op, TxPHYs: PHY(data[1]), RxPHYs: PHY(data[2])}, nil
	case OpPHYUpdateInd:
		return &PHYUpdateInd{
			CentralToPeripheral: PHY(data[1]),
			PeripheralToCentral: PHY(data[2]),
			At:                  counter.Event(binary.LittleEndian.Uint16(data[3:5])),
		}, nil
	case OpMinUsedChannelsInd:
		return &MinUsedChannelsInd{PHYs: PHY(data[1]), MinUsed: data[2]}, nil
	}
	return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownOpcode, op)
}
