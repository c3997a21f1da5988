package pdu

import "fmt"

// PHY is a PHY bitmask as carried in LL_PHY_REQ/RSP and LL_PHY_UPDATE_IND.
type PHY uint8

const (
	PHY1M    PHY = 0x01
	PHY2M    PHY = 0x02
	PHYCoded PHY = 0x04

	phyMask = PHY1M | PHY2M | PHYCoded
)

func (p PHY) String() string {
	switch p {
	case 0:
		return "none"
	case PHY1M:
		return "1M"
	case PHY2M:
		return "2M"
	case PHYCoded:
		return "Coded"
	}
	return fmt.Sprintf("phys(0x%02X)", uint8(p))
}

// Valid reports whether p names only defined PHYs
func (p PHY) Valid() bool {
	return p&^phyMask == 0
}

// Preferred picks one PHY out of a mask: 2M, then 1M, then Coded.
// It returns 0 for an empty mask.
func (p PHY) Preferred() PHY {
	switch {
	case p&PHY2M != 0:
		return PHY2M
	case p&PHY1M != 0:
		return PHY1M
	case p&PHYCoded != 0:
		return PHYCoded
	}
	return 0
}

// Mode is the on-air modulation and coding, which determines airtime.
type Mode uint8

const (
	Mode1M Mode = iota
	Mode2M
	ModeCodedS8
	ModeCodedS2
)

func (m Mode) String() string {
	switch m {
	case Mode1M:
		return "LE 1M"
	case Mode2M:
		return "LE 2M"
	case ModeCodedS8:
		return "LE Coded S8"
	case ModeCodedS2:
		return "LE Coded S2"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// ModeOf maps a single PHY to its mode. Coded PHY uses S8 unless s2 is set.
func ModeOf(p PHY, s2 bool) Mode {
	switch p.Preferred() {
	case PHY2M:
		return Mode2M
	case PHYCoded:
		if s2 {
			return ModeCodedS2
		}
		return ModeCodedS8
	}
	return Mode1M
}

// Air interface timing in microseconds
const (
	TIFS  = 150 // inter frame space
	TMAFS = 300 // minimum AUX frame space
	TMSS  = 150 // minimum subevent space

	MaxPayloadLen = 255
)

// Airtime returns the on-air duration in microseconds of a packet carrying
// payloadLen PDU payload bytes, including preamble, access address, header,
// CRC and (for coded PHY) the FEC block 1 and terminators.
func Airtime(mode Mode, payloadLen int) int {
	if payloadLen < 0 {
		payloadLen = 0
	}
	switch mode {
	case Mode2M:
		// 2 byte preamble + 4 AA + 2 header + 3 CRC at 4 us per byte
		return 44 + 4*payloadLen
	case ModeCodedS8:
		// 80 preamble + 256 AA + 16 CI + 24 TERM1 + (16 header + 24 CRC + 3 TERM2) * 8
		return 720 + 64*payloadLen
	case ModeCodedS2:
		return 462 + 16*payloadLen
	}
	// 1 byte preamble + 4 AA + 2 header + 3 CRC at 8 us per byte
	return 80 + 8*payloadLen
}
