package advsched

import (
	"fmt"
	"math/rand"

	"github.com/user/linklayer/ll/pdu"
	"github.com/user/linklayer/ll/radio"
	"github.com/user/linklayer/logger"
)

const (
	// MaxHandle is the largest advertising handle accepted
	MaxHandle = 253
	// MaxAdvDelay is the upper bound of the random delay added to each
	// advertising interval
	MaxAdvDelay radio.Time = 10 * radio.Millisecond
	// MinInterval is the shortest advertising interval (20ms)
	MinInterval radio.Time = 20 * radio.Millisecond
)

// Properties are the advertising event properties of a set.
type Properties struct {
	Legacy      bool
	Connectable bool
	Scannable   bool
}

// SetParams configures an advertising set
type SetParams struct {
	Properties
	Interval     radio.Time
	PrimaryPHY   pdu.PHY
	SecondaryPHY pdu.PHY
	CodedS2      bool
	// ChannelMask selects primary channels 37, 38, 39 in bits 0..2
	ChannelMask uint8
	AdvA        [pdu.AddressLen]byte
	// MaxSkip is how many intervals an event may slip before it is skipped
	MaxSkip int
}

// Validate checks a set's parameters
func (p SetParams) Validate() error {
	if p.Interval < MinInterval {
		return fmt.Errorf("advsched: interval %s below %s", p.Interval, MinInterval)
	}
	if p.ChannelMask&0x07 == 0 {
		return fmt.Errorf("advsched: no primary channel selected")
	}
	if p.Legacy && (p.PrimaryPHY&^pdu.PHY1M) != 0 {
		return fmt.Errorf("advsched: legacy advertising requires LE 1M")
	}
	if !p.PrimaryPHY.Valid() || !p.SecondaryPHY.Valid() {
		return fmt.Errorf("advsched: invalid PHY")
	}
	if p.PrimaryPHY&pdu.PHY2M != 0 {
		return fmt.Errorf("advsched: LE 2M is not allowed on primary channels")
	}
	return nil
}

// Channels returns the primary channel indices in use
func (p SetParams) Channels() []int {
	var out []int
	for i := 0; i < 3; i++ {
		if p.ChannelMask&(1<<i) != 0 {
			out = append(out, 37+i)
		}
	}
	return out
}

// Set is an advertising set.
type Set struct {
	Handle   uint8
	Params   SetParams
	Data     []byte
	ScanRsp  []byte
	Estimate radio.Time

	Enabled   bool
	MaxEvents int
	EndTime   radio.Time // zero when no duration was given
	Events    int
	Skipped   int
	NextStart radio.Time
}

func (s *Set) shape() Shape {
	primary := pdu.ModeOf(s.Params.PrimaryPHY, s.Params.CodedS2)
	secondary := pdu.ModeOf(s.Params.SecondaryPHY, s.Params.CodedS2)
	return Shape{
		Legacy:          s.Params.Legacy,
		Connectable:     s.Params.Connectable,
		Scannable:       s.Params.Scannable,
		PrimaryChannels: len(s.Params.Channels()),
		Primary:         primary,
		Secondary:       secondary,
		DataLen:         len(s.Data),
		ScanRspLen:      len(s.ScanRsp),
	}
}

func (s *Set) maxDataLen() int {
	if s.Params.Legacy {
		return pdu.MaxLegacyAdvDataLen
	}
	return pdu.MaxExtendedAdvDataLen
}

// Termination reports that an advertising set stopped by itself.
type Termination struct {
	Handle     uint8
	Reason     pdu.ErrorCode
	Events     int
	ConnHandle uint16
}

// Table holds the advertising sets and the sorted list of enabled ones.
type Table struct {
	sets map[uint8]*Set
	max  int
	list *List
	rng  *rand.Rand
}

// NewTable creates a table with room for max sets. seed drives advDelay.
func NewTable(max int, seed int64) *Table {
	return &Table{
		sets: make(map[uint8]*Set),
		max:  max,
		list: NewList(max),
		rng:  rand.New(rand.NewSource(seed)),
	}
}

// List exposes the sorted list of enabled sets
func (t *Table) List() *List { return t.list }

// Get returns a set
func (t *Table) Get(handle uint8) (*Set, bool) {
	s, ok := t.sets[handle]
	return s, ok
}

// Len returns the number of sets
func (t *Table) Len() int { return len(t.sets) }

func disallowed(format string, args ...interface{}) error {
	return fmt.Errorf("advsched: "+format+": %w", append(args, pdu.NewError(pdu.ErrCommandDisallowed, pdu.NoOpcode, 0))...)
}

// Configure creates a set or updates a disabled one. A full table returns
// Memory Capacity Exceeded and changes nothing.
func (t *Table) Configure(handle uint8, params SetParams) (*Set, error) {
	if handle > MaxHandle {
		return nil, fmt.Errorf("advsched: handle %d out of range: %w", handle,
			pdu.NewError(pdu.ErrInvalidHCIParameters, pdu.NoOpcode, uint16(handle)))
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%v: %w", err, pdu.NewError(pdu.ErrInvalidHCIParameters, pdu.NoOpcode, uint16(handle)))
	}
	s, ok := t.sets[handle]
	if ok {
		if s.Enabled {
			return nil, disallowed("set %d is enabled", handle)
		}
		s.Params = params
		s.Estimate = EstimateOtaTime(s.shape())
		return s, nil
	}
	if len(t.sets) >= t.max {
		return nil, fmt.Errorf("advsched: %d sets in use: %w", len(t.sets),
			pdu.NewError(pdu.ErrMemoryCapacityExceeded, pdu.NoOpcode, uint16(handle)))
	}
	s = &Set{Handle: handle, Params: params}
	s.Estimate = EstimateOtaTime(s.shape())
	t.sets[handle] = s
	logger.Debug(fmt.Sprintf("adv %d", handle), "configured, estimate %s", s.Estimate)
	return s, nil
}

// SetData replaces the advertising data and refreshes the estimate
func (t *Table) SetData(handle uint8, data []byte) error {
	return t.setPayload(handle, data, false)
}

// SetScanResponseData replaces the scan response data
func (t *Table) SetScanResponseData(handle uint8, data []byte) error {
	return t.setPayload(handle, data, true)
}

func (t *Table) setPayload(handle uint8, data []byte, scanRsp bool) error {
	s, ok := t.sets[handle]
	if !ok {
		return fmt.Errorf("advsched: unknown set %d: %w", handle,
			pdu.NewError(pdu.ErrUnknownAdvertisingID, pdu.NoOpcode, uint16(handle)))
	}
	if len(data) > s.maxDataLen() {
		return fmt.Errorf("advsched: %d bytes exceeds %d: %w", len(data), s.maxDataLen(),
			pdu.NewError(pdu.ErrInvalidHCIParameters, pdu.NoOpcode, uint16(handle)))
	}
	buf := append([]byte(nil), data...)
	if scanRsp {
		s.ScanRsp = buf
	} else {
		s.Data = buf
	}
	s.Estimate = EstimateOtaTime(s.shape())
	if s.Enabled {
		if e, ok := t.list.Get(handle); ok {
			e.Estimate = s.Estimate
			if err := t.list.Reinsert(e); err != nil {
				return fmt.Errorf("advsched: reschedule set %d: %w", handle, err)
			}
		}
	}
	return nil
}

// Enable starts advertising at now. duration (0 = none) and maxEvents
// (0 = none) bound the run.
func (t *Table) Enable(handle uint8, now, duration radio.Time, maxEvents int) error {
	s, ok := t.sets[handle]
	if !ok {
		return fmt.Errorf("advsched: unknown set %d: %w", handle,
			pdu.NewError(pdu.ErrUnknownAdvertisingID, pdu.NoOpcode, uint16(handle)))
	}
	if s.Params.Scannable && len(s.ScanRsp) == 0 && !s.Params.Legacy {
		return disallowed("scannable set %d has no scan response data", handle)
	}
	if s.Enabled {
		t.list.Remove(handle)
	}
	s.Enabled = true
	s.Events = 0
	s.Skipped = 0
	s.MaxEvents = maxEvents
	s.EndTime = 0
	if duration > 0 {
		s.EndTime = now + duration
	}
	s.NextStart = now
	if err := t.list.Insert(Entry{Handle: handle, Estimate: s.Estimate, Earliest: now}); err != nil {
		s.Enabled = false
		return err
	}
	logger.Info(fmt.Sprintf("adv %d", handle), "enabled (interval %s, estimate %s)", s.Params.Interval, s.Estimate)
	return nil
}

// Disable stops a set
func (t *Table) Disable(handle uint8) error {
	s, ok := t.sets[handle]
	if !ok {
		return fmt.Errorf("advsched: unknown set %d: %w", handle,
			pdu.NewError(pdu.ErrUnknownAdvertisingID, pdu.NoOpcode, uint16(handle)))
	}
	s.Enabled = false
	t.list.Remove(handle)
	return nil
}

// Remove deletes a disabled set
func (t *Table) Remove(handle uint8) error {
	s, ok := t.sets[handle]
	if !ok {
		return fmt.Errorf("advsched: unknown set %d: %w", handle,
			pdu.NewError(pdu.ErrUnknownAdvertisingID, pdu.NoOpcode, uint16(handle)))
	}
	if s.Enabled {
		return disallowed("set %d is enabled", handle)
	}
	delete(t.sets, handle)
	return nil
}

func (t *Table) advDelay() radio.Time {
	return radio.Time(t.rng.Int63n(int64(MaxAdvDelay) + 1))
}

// Complete records that the set's event ran at start and schedules the next
// one. A non-nil Termination means the set stopped.
func (t *Table) Complete(handle uint8, start radio.Time) *Termination {
	s, ok := t.sets[handle]
	if !ok || !s.Enabled {
		return nil
	}
	s.Events++
	e, _ := t.take(handle)
	e.LastStart = start
	return t.advance(s, start, e)
}

// take unlinks the set's entry. The set that just ran is normally the
// head, which detaches without a walk.
func (t *Table) take(handle uint8) (Entry, bool) {
	if h, ok := t.list.Head(); ok && h.Handle == handle {
		return t.list.Detach()
	}
	e, ok := t.list.Get(handle)
	if ok {
		t.list.Remove(handle)
	}
	return e, ok
}

// Skip records that the set's pending event found no slot before its
// deadline. It counts toward the event limit like a completed event.
func (t *Table) Skip(handle uint8) *Termination {
	s, ok := t.sets[handle]
	if !ok || !s.Enabled {
		return nil
	}
	s.Skipped++
	s.Events++
	e, _ := t.take(handle)
	logger.Debug(fmt.Sprintf("adv %d", handle), "event skipped (%d so far)", s.Skipped)
	return t.advance(s, s.NextStart, e)
}

func (t *Table) advance(s *Set, from radio.Time, e Entry) *Termination {
	if s.MaxEvents > 0 && s.Events >= s.MaxEvents {
		return t.terminate(s, pdu.ErrLimitReached)
	}
	next := from + s.Params.Interval + t.advDelay()
	if s.EndTime > 0 && next >= s.EndTime {
		return t.terminate(s, pdu.ErrAdvertisingTimeout)
	}
	s.NextStart = next
	e.Handle = s.Handle
	e.Estimate = s.Estimate
	e.Earliest = next
	if err := t.list.Insert(e); err != nil {
		logger.Error(fmt.Sprintf("adv %d", s.Handle), "cannot reschedule: %v", err)
		return t.terminate(s, pdu.ErrMemoryCapacityExceeded)
	}
	return nil
}

// Deadline is the latest start the set's pending event may take before it
// counts as skipped.
func (t *Table) Deadline(handle uint8) radio.Time {
	s, ok := t.sets[handle]
	if !ok {
		return 0
	}
	return s.NextStart + radio.Time(s.Params.MaxSkip+1)*s.Params.Interval
}

// Connected stops a connectable set that accepted a connection
func (t *Table) Connected(handle uint8, connHandle uint16) *Termination {
	s, ok := t.sets[handle]
	if !ok || !s.Enabled {
		return nil
	}
	term := t.terminate(s, pdu.Success)
	term.ConnHandle = connHandle
	return term
}

func (t *Table) terminate(s *Set, reason pdu.ErrorCode) *Termination {
	s.Enabled = false
	t.list.Remove(s.Handle)
	logger.Info(fmt.Sprintf("adv %d", s.Handle), "terminated after %d events: %s", s.Events, reason)
	return &Termination{Handle: s.Handle, Reason: reason, Events: s.Events}
}
