package pdu

import (
	"fmt"
	"math/bits"
)

const (
	NumDataChannels = 37
	ChannelMapLen   = 5
	FeatureSetLen   = 8

	// MinUsedChannels is the smallest channel map the link layer accepts.
	MinUsedChannels = 2
)

// ChannelMap is the 5-byte data channel bitmap: bit n of byte n/8 marks
// channel n as used. Bits above channel 36 are reserved.
type ChannelMap [ChannelMapLen]byte

// AllChannels returns a map with all 37 data channels in use.
func AllChannels() ChannelMap {
	return ChannelMap{0xFF, 0xFF, 0xFF, 0xFF, 0x1F}
}

// NewChannelMap returns a map with the listed channels set.
func NewChannelMap(channels ...int) ChannelMap {
	var m ChannelMap
	for _, ch := range channels {
		m.Set(ch)
	}
	return m
}

// Used reports whether channel ch is marked used
func (m ChannelMap) Used(ch int) bool {
	if ch < 0 || ch >= NumDataChannels {
		return false
	}
	return m[ch/8]&(1<<(ch%8)) != 0
}

// Set marks channel ch as used. Out of range channels are ignored.
func (m *ChannelMap) Set(ch int) {
	if ch < 0 || ch >= NumDataChannels {
		return
	}
	m[ch/8] |= 1 << (ch % 8)
}

// Clear marks channel ch as unused
func (m *ChannelMap) Clear(ch int) {
	if ch < 0 || ch >= NumDataChannels {
		return
	}
	m[ch/8] &^= 1 << (ch % 8)
}

// Masked returns m with the reserved bits (channels 37..39) cleared.
func (m ChannelMap) Masked() ChannelMap {
	m[4] &= 0x1F
	return m
}

// Count returns the number of used data channels
func (m ChannelMap) Count() int {
	m = m.Masked()
	n := 0
	for _, b := range m {
		n += bits.OnesCount8(b)
	}
	return n
}

// Channels returns the used channels in ascending order
func (m ChannelMap) Channels() []int {
	var out []int
	for ch := 0; ch < NumDataChannels; ch++ {
		if m.Used(ch) {
			out = append(out, ch)
		}
	}
	return out
}

// Validate rejects maps with fewer than two used channels
func (m ChannelMap) Validate() error {
	if n := m.Count(); n < MinUsedChannels {
		return fmt.Errorf("pdu: channel map has %d used channels, need at least %d: %w",
			n, MinUsedChannels, NewError(ErrInvalidLLParameters, NoOpcode, 0))
	}
	return nil
}

func (m ChannelMap) String() string {
	return fmt.Sprintf("%02X%02X%02X%02X%02X", m[4], m[3], m[2], m[1], m[0])
}

// Feature bits in the LE feature set (Core Spec v5.3 Vol 6, Part B, 4.6)
const (
	FeatureEncryption                 = 0
	FeatureConnectionParamRequest     = 1
	FeatureExtendedRejectInd          = 2
	FeaturePeripheralFeatureExchange  = 3
	FeaturePing                       = 4
	FeatureDataLengthExtension        = 5
	FeaturePrivacy                    = 6
	FeatureExtendedScannerFilter      = 7
	FeaturePHY2M                      = 8
	FeatureStableModulationIndexTx    = 9
	FeatureStableModulationIndexRx    = 10
	FeatureCodedPHY                   = 11
	FeatureExtendedAdvertising        = 12
	FeaturePeriodicAdvertising        = 13
	FeatureChannelSelectionAlgorithm2 = 14
	FeaturePowerClass1                = 15
	FeatureMinUsedChannels            = 16
)

// FeatureSet is the 8-byte LE feature bitmap: bit n of byte n/8 is feature n.
type FeatureSet [FeatureSetLen]byte

// controllerOnly lists the bits that are only meaningful to the local host
// and are never sent to or taken from a peer controller.
var controllerOnly = []int{
	FeaturePrivacy,
	FeatureExtendedScannerFilter,
	FeatureExtendedAdvertising,
	FeaturePeriodicAdvertising,
}

// NewFeatureSet returns a set with the listed feature bits
func NewFeatureSet(features ...int) FeatureSet {
	var f FeatureSet
	for _, bit := range features {
		f.Set(bit)
	}
	return f
}

// Has reports whether feature bit is set
func (f FeatureSet) Has(bit int) bool {
	if bit < 0 || bit >= FeatureSetLen*8 {
		return false
	}
	return f[bit/8]&(1<<(bit%8)) != 0
}

// Set sets feature bit
func (f *FeatureSet) Set(bit int) {
	if bit < 0 || bit >= FeatureSetLen*8 {
		return
	}
	f[bit/8] |= 1 << (bit % 8)
}

// Clear clears feature bit
func (f *FeatureSet) Clear(bit int) {
	if bit < 0 || bit >= FeatureSetLen*8 {
		return
	}
	f[bit/8] &^= 1 << (bit % 8)
}

// ForPeer returns f without the bits that are not exchanged between controllers.
func (f FeatureSet) ForPeer() FeatureSet {
	for _, bit := range controllerOnly {
		f.Clear(bit)
	}
	return f
}

// Common returns the features both sets support. Only byte 0 is AND-ed
// (the bits that gate procedures on the link); the rest of the remote set is
// kept as reported.
func Common(local, remote FeatureSet) FeatureSet {
	out := remote.ForPeer()
	out[0] &= local[0]
	return out
}

func (f FeatureSet) String() string {
	return fmt.Sprintf("%02X%02X%02X%02X%02X%02X%02X%02X", f[7], f[6], f[5], f[4], f[3], f[2], f[1], f[0])
}
