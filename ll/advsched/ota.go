// Package advsched budgets radio time for advertising: it estimates how long
// one advertising event occupies the air, keeps enabled sets ordered by their
// earliest viable start, and runs periodic advertising trains.
package advsched

import (
	"github.com/user/linklayer/ll/pdu"
	"github.com/user/linklayer/ll/radio"
)

// Timing constants in microseconds
const (
	// LegacyMaxTimeConsume caps the estimate for one legacy advertising event.
	LegacyMaxTimeConsume radio.Time = 3500
	// AuxOverhead covers the AuxPtr offset and radio setup between the
	// primary and secondary channel PDUs.
	AuxOverhead radio.Time = 1500
	// SwitchTime is the channel switch between primary channel PDUs.
	SwitchTime radio.Time = 420
)

// PDU payload sizes used by the estimate
const (
	advAHeaderLen  = pdu.AddressLen
	scanReqLen     = 2 * pdu.AddressLen
	extIndLen      = 7  // ext header length/mode + flags + ADI + AuxPtr
	auxHeaderLen   = 13 // ext header length/mode + flags + AdvA + ADI + AuxPtr
	auxConnRspLen  = 14
	maxAuxChunkLen = pdu.MaxPayloadLen - auxHeaderLen
)

// Shape is what the estimate depends on.
type Shape struct {
	Legacy      bool
	Connectable bool
	Scannable   bool

	PrimaryChannels int // 1..3
	Primary         pdu.Mode
	Secondary       pdu.Mode

	DataLen    int
	ScanRspLen int
}

// EstimateOtaTime returns the worst-case air time of one advertising event.
func EstimateOtaTime(s Shape) radio.Time {
	channels := s.PrimaryChannels
	if channels <= 0 || channels > 3 {
		channels = 3
	}
	if s.Legacy {
		return legacyEstimate(s, channels)
	}
	return extendedEstimate(s, channels)
}

func airtime(mode pdu.Mode, n int) radio.Time {
	return radio.Time(pdu.Airtime(mode, n))
}

func legacyEstimate(s Shape, channels int) radio.Time {
	perChannel := airtime(pdu.Mode1M, advAHeaderLen+s.DataLen)
	switch {
	case s.Scannable:
		perChannel += pdu.TIFS + airtime(pdu.Mode1M, scanReqLen) +
			pdu.TIFS + airtime(pdu.Mode1M, advAHeaderLen+s.ScanRspLen)
	case s.Connectable:
		perChannel += pdu.TIFS + airtime(pdu.Mode1M, pdu.ConnectIndPayloadLen)
	default:
		perChannel += SwitchTime
	}
	total := perChannel * radio.Time(channels)
	if total > LegacyMaxTimeConsume {
		total = LegacyMaxTimeConsume
	}
	return total
}

func extendedEstimate(s Shape, channels int) radio.Time {
	total := (airtime(s.Primary, extIndLen) + SwitchTime) * radio.Time(channels)
	total += AuxOverhead

	dataLen := s.DataLen
	if s.Scannable {
		// Scannable extended sets carry no data in AUX_ADV_IND.
		dataLen = 0
	}
	total += chainTime(s.Secondary, dataLen)

	switch {
	case s.Scannable:
		total += pdu.TIFS + airtime(s.Secondary, scanReqLen) + pdu.TIFS
		total += chainTime(s.Secondary, s.ScanRspLen)
	case s.Connectable:
		total += pdu.TIFS + airtime(s.Secondary, pdu.ConnectIndPayloadLen) +
			pdu.TIFS + airtime(s.Secondary, auxConnRspLen)
	}
	return total
}

// chainTime is AUX_ADV_IND (or AUX_SCAN_RSP) followed by AUX_CHAIN_IND
// fragments, T_MAFS apart.
func chainTime(mode pdu.Mode, dataLen int) radio.Time {
	fragments := (dataLen + maxAuxChunkLen - 1) / maxAuxChunkLen
	if fragments == 0 {
		fragments = 1
	}
	var total radio.Time
	remaining := dataLen
	for i := 0; i < fragments; i++ {
		chunk := remaining
		if chunk > maxAuxChunkLen {
			chunk = maxAuxChunkLen
		}
		remaining -= chunk
		total += airtime(mode, auxHeaderLen+chunk)
		if i > 0 {
			total += pdu.TMAFS
		}
	}
	return total
}
