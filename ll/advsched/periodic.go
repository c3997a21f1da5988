package advsched

import (
	"fmt"

	"github.com/user/linklayer/ll/chansel"
	"github.com/user/linklayer/ll/counter"
	"github.com/user/linklayer/ll/pdu"
	"github.com/user/linklayer/ll/radio"
	"github.com/user/linklayer/logger"
)

// TrainKind tells a periodic advertiser from a periodic scanner.
type TrainKind uint8

const (
	TrainAdvertising TrainKind = iota
	TrainSync
)

func (k TrainKind) String() string {
	if k == TrainSync {
		return "periodic sync"
	}
	return "periodic adv"
}

// TrainParams describes a periodic train.
type TrainParams struct {
	Kind          TrainKind
	Handle        uint8
	AccessAddress uint32
	Interval      radio.Time
	ChannelMap    pdu.ChannelMap
	Mode          pdu.Mode
	DataLen       int
	// SyncTimeout ends a sync train after this much silence. Ignored for
	// advertising trains.
	SyncTimeout radio.Time
}

// Train is a periodic advertising or periodic sync train. Like a
// connection it has an event counter, an anchor and a channel map that
// changes at an instant, but no control procedures.
type Train struct {
	TrainParams

	Event    counter.Event
	Anchor   radio.Time
	Estimate radio.Time
	LastRx   radio.Time

	chMap   *chansel.Map
	csa     *chansel.CSA2
	pending counter.Pending[pdu.ChannelMap]
}

// NewTrain starts a train with its first event at anchor.
func NewTrain(p TrainParams, anchor radio.Time) (*Train, error) {
	if p.Interval < 7500*radio.Microsecond {
		return nil, fmt.Errorf("advsched: periodic interval %s below 7.5ms", p.Interval)
	}
	m, err := chansel.NewMap(p.ChannelMap)
	if err != nil {
		return nil, err
	}
	t := &Train{
		TrainParams: p,
		Anchor:      anchor,
		LastRx:      anchor,
		chMap:       m,
		csa:         chansel.NewCSA2(p.AccessAddress),
	}
	t.Estimate = chainTime(p.Mode, p.DataLen)
	return t, nil
}

func (t *Train) prefix() string {
	return fmt.Sprintf("%s %d", t.Kind, t.Handle)
}

// Map returns the channel map in use
func (t *Train) Map() *chansel.Map { return t.chMap }

// Channel returns the channel of the current event
func (t *Train) Channel() int {
	return t.csa.Next(t.Event, t.chMap)
}

// PendingMap reports a channel map waiting for its instant
func (t *Train) PendingMap() (pdu.ChannelMap, counter.Event, bool) {
	return t.pending.Value(), t.pending.Instant(), t.pending.Active()
}

// UpdateChannelMap schedules a new map at the current event plus offset
// and returns the instant.
func (t *Train) UpdateChannelMap(raw pdu.ChannelMap, offset int) (counter.Event, error) {
	if t.pending.Active() {
		return 0, fmt.Errorf("advsched: %s: map update already pending: %w", t.prefix(),
			pdu.NewError(pdu.ErrCommandDisallowed, pdu.NoOpcode, uint16(t.Handle)))
	}
	if err := raw.Masked().Validate(); err != nil {
		return 0, err
	}
	instant := t.Event.Add(offset)
	t.pending.Schedule(raw, instant)
	logger.Debug(t.prefix(), "channel map %s at instant %s", raw, instant)
	return instant, nil
}

// ScheduleChannelMap records a map update learned from the advertiser's
// SyncInfo or ACAD. An instant that already passed is an error.
func (t *Train) ScheduleChannelMap(raw pdu.ChannelMap, instant counter.Event) error {
	if !counter.IsFuture(t.Event, instant) {
		return fmt.Errorf("advsched: %s: instant %s not after %s: %w", t.prefix(), instant, t.Event,
			pdu.NewError(pdu.ErrInstantPassed, pdu.NoOpcode, uint16(t.Handle)))
	}
	if err := raw.Masked().Validate(); err != nil {
		return err
	}
	t.pending.Schedule(raw, instant)
	return nil
}

// Payload returns the AUX_SYNC_IND payload of the current event: DataLen
// bytes, opened by a channel map update indication while one is pending.
func (t *Train) Payload() []byte {
	buf := make([]byte, min(t.DataLen, pdu.MaxPayloadLen))
	raw, instant, ok := t.PendingMap()
	if !ok {
		return buf
	}
	acad, err := pdu.EncodeADStructures([]pdu.ADStructure{pdu.NewChannelMapUpdateAD(raw, instant)}, pdu.MaxPayloadLen)
	if err != nil {
		logger.Error(t.prefix(), "channel map update indication: %v", err)
		return buf
	}
	if len(acad) > len(buf) {
		buf = make([]byte, len(acad))
	}
	copy(buf, acad)
	return buf
}

// Heard takes a payload received by a sync train. A channel map update
// indication in it is scheduled for its instant.
func (t *Train) Heard(payload []byte) error {
	structures, err := pdu.DecodeADStructures(payload)
	if err != nil {
		return fmt.Errorf("advsched: %s: %w", t.prefix(), err)
	}
	raw, instant, ok := pdu.GetChannelMapUpdate(structures)
	if !ok {
		return nil
	}
	if cur, at, pending := t.PendingMap(); pending && cur == raw && at == instant {
		return nil
	}
	if err := t.ScheduleChannelMap(raw, instant); err != nil {
		return err
	}
	logger.Debug(t.prefix(), "advertiser moves to %s at %s", raw, instant)
	return nil
}

// Advance moves the train to its next event. rxValid is whether the sync
// train heard the advertiser at this event. For sync trains, silence
// reaching SyncTimeout is reported as Connection Timeout.
func (t *Train) Advance(rxValid bool) error {
	if rxValid {
		t.LastRx = t.Anchor
	}
	t.Event = t.Event.Next()
	t.Anchor += t.Interval
	if raw, ok := t.pending.Take(t.Event); ok {
		if err := t.chMap.Replace(raw); err != nil {
			return err
		}
		logger.Debug(t.prefix(), "channel map applied at %s (generation %d)", t.Event, t.chMap.Generation)
	}
	if t.Kind == TrainSync && t.SyncTimeout > 0 && t.Anchor-t.LastRx >= t.SyncTimeout {
		logger.Warn(t.prefix(), "sync lost after %s of silence", t.Anchor-t.LastRx)
		return fmt.Errorf("advsched: %s: sync lost: %w", t.prefix(),
			pdu.NewError(pdu.ErrConnectionTimeout, pdu.NoOpcode, uint16(t.Handle)))
	}
	return nil
}

// CatchUp skips the events that went by without running, e.g. when the
// scheduler gave their slots to another role.
func (t *Train) CatchUp(now radio.Time) (int, error) {
	skipped := 0
	for t.Anchor+t.Estimate < now {
		if err := t.Advance(false); err != nil {
			return skipped, err
		}
		skipped++
	}
	return skipped, nil
}
