package pdu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/user/linklayer/ll/counter"
)

// Advertising physical channel PDU types (Core Spec v5.3 Vol 6, Part B, 2.3)
const (
	PDUTypeAdvInd        = 0x00 // Connectable undirected advertising
	PDUTypeAdvDirectInd  = 0x01 // Connectable directed advertising
	PDUTypeAdvNonconnInd = 0x02 // Non-connectable undirected advertising
	PDUTypeScanReq       = 0x03 // Scan request (AUX_SCAN_REQ on secondary)
	PDUTypeScanRsp       = 0x04 // Scan response
	PDUTypeConnectInd    = 0x05 // Connection request (AUX_CONNECT_REQ on secondary)
	PDUTypeAdvScanInd    = 0x06 // Scannable undirected advertising
	PDUTypeAdvExtInd     = 0x07 // Extended advertising (ADV_EXT_IND, AUX_*_IND)
	PDUTypeAuxConnectRsp = 0x08 // AUX_CONNECT_RSP
)

// AD Types used by the advertising sets this controller builds
const (
	ADTypeFlags                     = 0x01
	ADTypeComplete16BitServiceUUIDs = 0x03
	ADTypeShortenedLocalName        = 0x08
	ADTypeCompleteLocalName         = 0x09
	ADTypeTxPowerLevel              = 0x0A
	ADTypeChannelMapUpdate          = 0x28 // ACAD of a periodic train
	ADTypeManufacturerSpecificData  = 0xFF
)

// Advertising Flags (used in ADTypeFlags)
const (
	FlagLELimitedDiscoverableMode = 0x01
	FlagLEGeneralDiscoverableMode = 0x02
	FlagBREDRNotSupported         = 0x04
)

const (
	MaxLegacyAdvDataLen   = 31   // legacy advertising data limit
	MaxExtendedAdvDataLen = 1650 // HCI maximum per advertising set
	AddressLen            = 6
	LLDataLen             = 22
	ConnectIndPayloadLen  = 2*AddressLen + LLDataLen
)

// Header is the 2-byte advertising channel PDU header.
// Byte 0: PDU type (4 bits), RFU, ChSel, TxAdd, RxAdd. Byte 1: length.
type Header struct {
	Type   byte
	ChSel  bool // sender supports channel selection algorithm #2
	TxAdd  bool // advertiser/initiator address is random
	RxAdd  bool // target address is random
	Length byte
}

// Encode serializes the header
func (h Header) Encode() [2]byte {
	b := h.Type & 0x0F
	if h.ChSel {
		b |= 0x20
	}
	if h.TxAdd {
		b |= 0x40
	}
	if h.RxAdd {
		b |= 0x80
	}
	return [2]byte{b, h.Length}
}

// DecodeHeader parses the 2-byte header
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < 2 {
		return Header{}, errors.New("pdu: advertising header too short")
	}
	return Header{
		Type:   b[0] & 0x0F,
		ChSel:  b[0]&0x20 != 0,
		TxAdd:  b[0]&0x40 != 0,
		RxAdd:  b[0]&0x80 != 0,
		Length: b[1],
	}, nil
}

// AdvertisingPDU is a legacy advertising PDU
// Format: [Header: 2 bytes] [AdvA: 6 bytes] [AdvData: 0-31 bytes]
type AdvertisingPDU struct {
	Type    byte
	ChSel   bool
	TxAdd   bool
	AdvA    [AddressLen]byte
	AdvData []byte
}

// Encode serializes the advertising PDU to binary format
func (p *AdvertisingPDU) Encode() ([]byte, error) {
	if len(p.AdvData) > MaxLegacyAdvDataLen {
		return nil, fmt.Errorf("pdu: advertising data exceeds %d bytes: %d", MaxLegacyAdvDataLen, len(p.AdvData))
	}

	h := Header{Type: p.Type, ChSel: p.ChSel, TxAdd: p.TxAdd, Length: byte(AddressLen + len(p.AdvData))}
	hb := h.Encode()
	buf := make([]byte, 0, 2+int(h.Length))
	buf = append(buf, hb[:]...)
	buf = append(buf, p.AdvA[:]...)
	buf = append(buf, p.AdvData...)
	return buf, nil
}

// DecodeAdvertisingPDU parses a legacy advertising PDU
func DecodeAdvertisingPDU(data []byte) (*AdvertisingPDU, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	payloadLen := int(h.Length)
	if payloadLen < AddressLen {
		return nil, errors.New("pdu: invalid payload length (must be at least 6 for address)")
	}
	if len(data) < 2+payloadLen {
		return nil, fmt.Errorf("pdu: advertising PDU truncated: expected %d bytes, got %d", 2+payloadLen, len(data))
	}
	advDataLen := payloadLen - AddressLen
	if advDataLen > MaxLegacyAdvDataLen {
		return nil, fmt.Errorf("pdu: advertising data exceeds %d bytes: %d", MaxLegacyAdvDataLen, advDataLen)
	}

	p := &AdvertisingPDU{Type: h.Type, ChSel: h.ChSel, TxAdd: h.TxAdd}
	copy(p.AdvA[:], data[2:8])
	if advDataLen > 0 {
		p.AdvData = make([]byte, advDataLen)
		copy(p.AdvData, data[8:8+advDataLen])
	}
	return p, nil
}

// AdvertisingAccessAddress is used on all advertising physical channels.
const AdvertisingAccessAddress uint32 = 0x8E89BED6

// ValidAccessAddress applies the Core rules for a randomly drawn access
// address (Vol 6, Part B, 2.1.2), including the extra LE Coded ones.
func ValidAccessAddress(aa uint32) bool {
	if bits.OnesCount32(aa^AdvertisingAccessAddress) <= 1 {
		return false
	}
	b := byte(aa)
	if byte(aa>>8) == b && byte(aa>>16) == b && byte(aa>>24) == b {
		return false
	}
	for i := 0; i <= 32-7; i++ {
		if run := (aa >> i) & 0x7F; run == 0 || run == 0x7F {
			return false
		}
	}
	if bits.OnesCount32((aa^aa>>1)&0x7FFFFFFF) > 24 {
		return false
	}
	msb := aa >> 26
	if bits.OnesCount32((msb^msb>>1)&0x1F) < 2 {
		return false
	}
	if bits.OnesCount32(aa&0xFF) < 3 {
		return false
	}
	lsb := aa & 0xFFFF
	return bits.OnesCount32((lsb^lsb>>1)&0x7FFF) <= 11
}

// NewAccessAddress draws from next until the value is a valid access
// address
func NewAccessAddress(next func() uint32) uint32 {
	for {
		if aa := next(); ValidAccessAddress(aa) {
			return aa
		}
	}
}

// LLData is the connection setup carried in CONNECT_IND / AUX_CONNECT_REQ
type LLData struct {
	AccessAddress uint32
	CRCInit       uint32 // 24 bits
	WinSize       uint8  // 1.25ms units
	WinOffset     uint16 // 1.25ms units
	Params        ConnParams
	ChannelMap    ChannelMap
	Hop           uint8 // 5..16, CSA#1 only
	SCA           uint8 // sleep clock accuracy index 0..7
}

// Validate checks the fields a peripheral must refuse a connection for
func (d *LLData) Validate() error {
	if err := d.Params.Validate(); err != nil {
		return err
	}
	if err := d.ChannelMap.Validate(); err != nil {
		return err
	}
	if d.Hop < 5 || d.Hop > 16 {
		return fmt.Errorf("pdu: hop increment out of range (5-16): %d", d.Hop)
	}
	if d.WinSize < 1 || d.WinSize > 8 {
		return fmt.Errorf("pdu: transmit window size out of range (1-8): %d", d.WinSize)
	}
	return nil
}

// Encode serializes LLData to its 22-byte wire form
func (d *LLData) Encode() []byte {
	buf := make([]byte, LLDataLen)
	binary.LittleEndian.PutUint32(buf[0:4], d.AccessAddress)
	buf[4] = byte(d.CRCInit)
	buf[5] = byte(d.CRCInit >> 8)
	buf[6] = byte(d.CRCInit >> 16)
	buf[7] = d.WinSize
	binary.LittleEndian.PutUint16(buf[8:10], d.WinOffset)
	binary.LittleEndian.PutUint16(buf[10:12], d.Params.Interval)
	binary.LittleEndian.PutUint16(buf[12:14], d.Params.Latency)
	binary.LittleEndian.PutUint16(buf[14:16], d.Params.Timeout)
	copy(buf[16:21], d.ChannelMap[:])
	buf[21] = (d.Hop & 0x1F) | (d.SCA&0x07)<<5
	return buf
}

// DecodeLLData parses the 22-byte LLData field
func DecodeLLData(data []byte) (*LLData, error) {
	if len(data) != LLDataLen {
		return nil, fmt.Errorf("pdu: LLData is %d bytes, want %d", len(data), LLDataLen)
	}
	d := &LLData{
		AccessAddress: binary.LittleEndian.Uint32(data[0:4]),
		CRCInit:       uint32(data[4]) | uint32(data[5])<<8 | uint32(data[6])<<16,
		WinSize:       data[7],
		WinOffset:     binary.LittleEndian.Uint16(data[8:10]),
		Params: ConnParams{
			Interval: binary.LittleEndian.Uint16(data[10:12]),
			Latency:  binary.LittleEndian.Uint16(data[12:14]),
			Timeout:  binary.LittleEndian.Uint16(data[14:16]),
		},
		Hop: data[21] & 0x1F,
		SCA: data[21] >> 5,
	}
	copy(d.ChannelMap[:], data[16:21])
	return d, nil
}

// ConnectInd is CONNECT_IND on the primary channels or AUX_CONNECT_REQ on
// the secondary channel.
type ConnectInd struct {
	ChSel bool
	TxAdd bool
	RxAdd bool
	InitA [AddressLen]byte
	AdvA  [AddressLen]byte
	Data  LLData
}

// Encode serializes the connect indication with its header
func (c *ConnectInd) Encode() []byte {
	h := Header{Type: PDUTypeConnectInd, ChSel: c.ChSel, TxAdd: c.TxAdd, RxAdd: c.RxAdd, Length: ConnectIndPayloadLen}
	hb := h.Encode()
	buf := make([]byte, 0, 2+ConnectIndPayloadLen)
	buf = append(buf, hb[:]...)
	buf = append(buf, c.InitA[:]...)
	buf = append(buf, c.AdvA[:]...)
	buf = append(buf, c.Data.Encode()...)
	return buf
}

// DecodeConnectInd parses a CONNECT_IND / AUX_CONNECT_REQ
func DecodeConnectInd(data []byte) (*ConnectInd, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	if h.Type != PDUTypeConnectInd {
		return nil, fmt.Errorf("pdu: not a connect indication: %s", PDUTypeName(h.Type))
	}
	if h.Length != ConnectIndPayloadLen || len(data) < 2+ConnectIndPayloadLen {
		return nil, fmt.Errorf("pdu: connect indication length %d, want %d", h.Length, ConnectIndPayloadLen)
	}
	c := &ConnectInd{ChSel: h.ChSel, TxAdd: h.TxAdd, RxAdd: h.RxAdd}
	copy(c.InitA[:], data[2:8])
	copy(c.AdvA[:], data[8:14])
	ll, err := DecodeLLData(data[14 : 14+LLDataLen])
	if err != nil {
		return nil, err
	}
	c.Data = *ll
	return c, nil
}

// ADStructure represents a single TLV (Type-Length-Value) structure in advertising data
// Format: [Length: 1 byte] [Type: 1 byte] [Data: N bytes]
type ADStructure struct {
	Type byte
	Data []byte
}

// EncodeADStructures encodes AD structures into an advertising data payload.
// maxLen is the payload limit of the advertising set (legacy or extended).
func EncodeADStructures(structures []ADStructure, maxLen int) ([]byte, error) {
	var buf []byte
	for _, s := range structures {
		length := 1 + len(s.Data)
		if length > 255 {
			return nil, fmt.Errorf("pdu: AD structure too long: %d bytes (max 255)", length)
		}
		buf = append(buf, byte(length), s.Type)
		buf = append(buf, s.Data...)
	}
	if len(buf) > maxLen {
		return nil, fmt.Errorf("pdu: advertising data exceeds %d bytes: %d", maxLen, len(buf))
	}
	return buf, nil
}

// DecodeADStructures parses advertising data into individual AD structures
func DecodeADStructures(data []byte) ([]ADStructure, error) {
	var structures []ADStructure
	offset := 0
	for offset < len(data) {
		length := int(data[offset])
		if length == 0 {
			// Padding
			break
		}
		offset++
		if offset+length > len(data) {
			return nil, fmt.Errorf("pdu: AD structure length exceeds data: length=%d, remaining=%d", length, len(data)-offset)
		}
		adData := make([]byte, length-1)
		copy(adData, data[offset+1:offset+length])
		structures = append(structures, ADStructure{Type: data[offset], Data: adData})
		offset += length
	}
	return structures, nil
}

// NewFlagsAD creates a flags AD structure
func NewFlagsAD(flags byte) ADStructure {
	return ADStructure{Type: ADTypeFlags, Data: []byte{flags}}
}

// NewChannelMapUpdateAD announces the channel map a periodic train moves
// to at instant
func NewChannelMapUpdateAD(m ChannelMap, instant counter.Event) ADStructure {
	data := make([]byte, ChannelMapLen+2)
	copy(data, m[:])
	binary.LittleEndian.PutUint16(data[ChannelMapLen:], uint16(instant))
	return ADStructure{Type: ADTypeChannelMapUpdate, Data: data}
}

// GetChannelMapUpdate returns the first channel map update indication
func GetChannelMapUpdate(structures []ADStructure) (ChannelMap, counter.Event, bool) {
	for _, s := range structures {
		if s.Type != ADTypeChannelMapUpdate || len(s.Data) != ChannelMapLen+2 {
			continue
		}
		var m ChannelMap
		copy(m[:], s.Data)
		return m, counter.Event(binary.LittleEndian.Uint16(s.Data[ChannelMapLen:])), true
	}
	return ChannelMap{}, 0, false
}

// NewCompleteLocalNameAD creates a complete local name AD structure
func NewCompleteLocalNameAD(name string) ADStructure {
	return ADStructure{Type: ADTypeCompleteLocalName, Data: []byte(name)}
}

// NewManufacturerSpecificDataAD creates a manufacturer-specific data AD structure
func NewManufacturerSpecificDataAD(companyID uint16, data []byte) ADStructure {
	payload := make([]byte, 2+len(data))
	binary.LittleEndian.PutUint16(payload[0:2], companyID)
	copy(payload[2:], data)
	return ADStructure{Type: ADTypeManufacturerSpecificData, Data: payload}
}

// GetLocalName extracts the local name from AD structures (complete or shortened)
func GetLocalName(structures []ADStructure) string {
	for _, s := range structures {
		if s.Type == ADTypeCompleteLocalName || s.Type == ADTypeShortenedLocalName {
			return string(s.Data)
		}
	}
	return ""
}

// PDUTypeName returns a human-readable name for a PDU type
func PDUTypeName(pduType byte) string {
	switch pduType {
	case PDUTypeAdvInd:
		return "ADV_IND"
	case PDUTypeAdvDirectInd:
		return "ADV_DIRECT_IND"
	case PDUTypeAdvNonconnInd:
		return "ADV_NONCONN_IND"
	case PDUTypeScanReq:
		return "SCAN_REQ"
	case PDUTypeScanRsp:
		return "SCAN_RSP"
	case PDUTypeConnectInd:
		return "CONNECT_IND"
	case PDUTypeAdvScanInd:
		return "ADV_SCAN_IND"
	case PDUTypeAdvExtInd:
		return "ADV_EXT_IND"
	case PDUTypeAuxConnectRsp:
		return "AUX_CONNECT_RSP"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", pduType)
	}
}
