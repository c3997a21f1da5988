// Package chansel computes the data channel used by each connection or
// periodic advertising event with Channel Selection Algorithm #1 or #2.
package chansel

import (
	"fmt"

	"github.com/user/linklayer/ll/counter"
	"github.com/user/linklayer/ll/pdu"
)

// Map is a channel map prepared for remapping: the raw bitmap plus the
// ascending table of used channels.
type Map struct {
	raw   pdu.ChannelMap
	table []int

	// Generation counts how many times the map was replaced on this link.
	Generation int
}

// NewMap builds a Map from a 5-byte channel map. Maps with fewer than two
// used channels are rejected.
func NewMap(raw pdu.ChannelMap) (*Map, error) {
	raw = raw.Masked()
	if err := raw.Validate(); err != nil {
		return nil, err
	}
	return &Map{raw: raw, table: raw.Channels()}, nil
}

// Raw returns the 5-byte channel map
func (m *Map) Raw() pdu.ChannelMap { return m.raw }

// NumUsed returns the number of used channels
func (m *Map) NumUsed() int { return len(m.table) }

// Used reports whether ch is in the map
func (m *Map) Used(ch int) bool { return m.raw.Used(ch) }

// Remap returns the used channel at index i of the ascending table.
func (m *Map) Remap(i int) int { return m.table[i] }

// Replace swaps in a new bitmap and bumps Generation.
func (m *Map) Replace(raw pdu.ChannelMap) error {
	raw = raw.Masked()
	if err := raw.Validate(); err != nil {
		return err
	}
	m.raw = raw
	m.table = raw.Channels()
	m.Generation++
	return nil
}

// Algorithm selects the data channel for an event. Next must be called
// exactly once per event, in event order, because CSA#1 carries state from
// one event to the next.
type Algorithm interface {
	Next(event counter.Event, m *Map) int
	Name() string
}

// CSA1 is Channel Selection Algorithm #1: a fixed hop over the 37 channels
// with remapping into the used table.
type CSA1 struct {
	hop      int
	unmapped int
}

// NewCSA1 returns CSA#1 state for a hop increment in 5..16.
func NewCSA1(hop int) (*CSA1, error) {
	if hop < 5 || hop > 16 {
		return nil, fmt.Errorf("chansel: hop increment out of range (5-16): %d", hop)
	}
	return &CSA1{hop: hop}, nil
}

// Next advances lastUnmapped by the hop and remaps if needed. The event
// count is not used by CSA#1.
func (c *CSA1) Next(_ counter.Event, m *Map) int {
	c.unmapped = (c.unmapped + c.hop) % pdu.NumDataChannels
	if m.Used(c.unmapped) {
		return c.unmapped
	}
	return m.Remap(c.unmapped % m.NumUsed())
}

// Unmapped returns the last unmapped channel
func (c *CSA1) Unmapped() int { return c.unmapped }

// Hop returns the hop increment
func (c *CSA1) Hop() int { return c.hop }

func (c *CSA1) Name() string { return "CSA#1" }

// CSA2 is Channel Selection Algorithm #2: a pseudo-random permutation of
// the event counter keyed by the access address. It carries no state.
type CSA2 struct {
	id uint16
}

// NewCSA2 derives the channel identifier from an access address.
func NewCSA2(accessAddress uint32) *CSA2 {
	return &CSA2{id: ChannelIdentifier(accessAddress)}
}

// ChannelIdentifier folds a 32-bit access address into 16 bits.
func ChannelIdentifier(accessAddress uint32) uint16 {
	return uint16(accessAddress>>16) ^ uint16(accessAddress)
}

// ID returns the channel identifier
func (c *CSA2) ID() uint16 { return c.id }

func (c *CSA2) Next(event counter.Event, m *Map) int {
	return Channel2(c.id, event, m)
}

func (c *CSA2) Name() string { return "CSA#2" }

// Channel2 is the pure CSA#2 function.
func Channel2(id uint16, event counter.Event, m *Map) int {
	prnE := prn(id, uint16(event))
	unmapped := int(prnE % pdu.NumDataChannels)
	if m.Used(unmapped) {
		return unmapped
	}
	idx := (uint32(m.NumUsed()) * uint32(prnE)) >> 16
	return m.Remap(int(idx))
}

func prn(id, event uint16) uint16 {
	v := event ^ id
	for i := 0; i < 3; i++ {
		v = perm(v)
		v = mam(v, id)
	}
	return v ^ id
}

// perm reverses the bit order within each byte.
func perm(v uint16) uint16 {
	return uint16(reverse8(uint8(v>>8)))<<8 | uint16(reverse8(uint8(v)))
}

func reverse8(b uint8) uint8 {
	b = (b&0xF0)>>4 | (b&0x0F)<<4
	b = (b&0xCC)>>2 | (b&0x33)<<2
	b = (b&0xAA)>>1 | (b&0x55)<<1
	return b
}

// mam is the multiply, add and modulo 2^16 step.
func mam(a, b uint16) uint16 {
	return uint16(17*uint32(a) + uint32(b))
}

// Select picks the algorithm for a new link: CSA#2 when both the
// advertising PDU and the connect indication advertise it.
func Select(advChSel, connectChSel bool, accessAddress uint32, hop int) (Algorithm, error) {
	if advChSel && connectChSel {
		return NewCSA2(accessAddress), nil
	}
	return NewCSA1(hop)
}
