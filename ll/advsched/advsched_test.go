package advsched

import (
	"errors"
	"testing"

	"github.com/user/linklayer/ll/counter"
	"github.com/user/linklayer/ll/pdu"
	"github.com/user/linklayer/ll/radio"
)

func TestEstimateOtaTime(t *testing.T) {
	tests := []struct {
		name  string
		shape Shape
		want  radio.Time
	}{
		{
			name:  "legacy non-connectable full data",
			shape: Shape{Legacy: true, PrimaryChannels: 3, DataLen: 31},
			want:  3 * (80 + 8*37 + 420),
		},
		{
			name:  "legacy two channels no data",
			shape: Shape{Legacy: true, PrimaryChannels: 2},
			want:  2 * (80 + 8*6 + 420),
		},
		{
			name:  "legacy scannable capped",
			shape: Shape{Legacy: true, Scannable: true, PrimaryChannels: 3, DataLen: 31, ScanRspLen: 31},
			want:  LegacyMaxTimeConsume,
		},
		{
			name:  "legacy connectable one channel",
			shape: Shape{Legacy: true, Connectable: true, PrimaryChannels: 1},
			want:  (80 + 8*6) + 150 + (80 + 8*34),
		},
		{
			name:  "extended no data",
			shape: Shape{PrimaryChannels: 3, Primary: pdu.Mode1M, Secondary: pdu.Mode1M},
			want:  3*(80+8*7+420) + 1500 + (80 + 8*13),
		},
		{
			name:  "extended chained data",
			shape: Shape{PrimaryChannels: 3, Primary: pdu.Mode1M, Secondary: pdu.Mode1M, DataLen: 500},
			want:  3*(80+8*7+420) + 1500 + (80 + 8*255) + (80 + 8*255) + (80 + 8*29) + 2*300,
		},
		{
			name:  "extended on 2M secondary",
			shape: Shape{PrimaryChannels: 1, Primary: pdu.Mode1M, Secondary: pdu.Mode2M, DataLen: 100},
			want:  (80 + 8*7 + 420) + 1500 + (44 + 4*113),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateOtaTime(tt.shape); got != tt.want {
				t.Errorf("EstimateOtaTime() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestListOrdering(t *testing.T) {
	l := NewList(4)
	l.Insert(Entry{Handle: 1, Earliest: 300})
	l.Insert(Entry{Handle: 2, Earliest: 100})
	l.Insert(Entry{Handle: 3, Earliest: 300})
	l.Insert(Entry{Handle: 4, Earliest: 200})

	want := []uint8{2, 4, 1, 3}
	got := l.Entries()
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, e := range got {
		if e.Handle != want[i] {
			t.Errorf("entry %d = handle %d, want %d", i, e.Handle, want[i])
		}
	}

	if err := l.Insert(Entry{Handle: 5}); !errors.Is(err, ErrListFull) {
		t.Fatalf("insert into full list: %v", err)
	}
}

func TestListDetachAndReinsert(t *testing.T) {
	l := NewList(3)
	l.Insert(Entry{Handle: 1, Earliest: 10})
	l.Insert(Entry{Handle: 2, Earliest: 20})

	e, ok := l.Detach()
	if !ok || e.Handle != 1 {
		t.Fatalf("Detach() = %+v, %v", e, ok)
	}
	if l.Len() != 1 {
		t.Fatalf("Len() = %d after detach", l.Len())
	}

	e.Earliest = 30
	e.LastStart = 10
	if err := l.Reinsert(e); err != nil {
		t.Fatalf("Reinsert: %v", err)
	}
	head, _ := l.Head()
	if head.Handle != 2 {
		t.Fatalf("head = %d, want 2", head.Handle)
	}
	got, ok := l.Get(1)
	if !ok || got.LastStart != 10 || got.Earliest != 30 {
		t.Fatalf("Get(1) = %+v, %v", got, ok)
	}

	if !l.Remove(2) || l.Remove(2) {
		t.Fatal("Remove should succeed once")
	}
	// Freed nodes are reused.
	for h := uint8(10); h < 12; h++ {
		if err := l.Insert(Entry{Handle: h}); err != nil {
			t.Fatalf("insert %d: %v", h, err)
		}
	}
}

func TestNextViable(t *testing.T) {
	l := NewList(2)
	if _, ok := l.NextViable(0); ok {
		t.Fatal("empty list has a viable slot")
	}
	l.Insert(Entry{Handle: 7, Earliest: 1000, Estimate: 500})

	s, _ := l.NextViable(0)
	if s.Start != 1000 || s.End != 1500 {
		t.Errorf("slot = %+v", s)
	}
	s, _ = l.NextViable(1200)
	if s.Start != 1200 || s.End != 1700 {
		t.Errorf("slot after 1200 = %+v", s)
	}
}

// Two sets of 2.4ms and 1.1ms fit ahead of a connection event due in 5ms.
func TestPackBeforeConnection(t *testing.T) {
	big := EstimateOtaTime(Shape{Legacy: true, PrimaryChannels: 3, DataLen: 31})
	small := EstimateOtaTime(Shape{Legacy: true, PrimaryChannels: 2})
	if big != 2388 || small != 1096 {
		t.Fatalf("estimates = %d, %d", big, small)
	}

	l := NewList(4)
	l.Insert(Entry{Handle: 1, Estimate: big, Earliest: 0})
	l.Insert(Entry{Handle: 2, Estimate: small, Earliest: 100})

	const guard = 300
	connStart := 5 * radio.Millisecond
	slots := l.Pack(0, connStart, guard)
	if len(slots) != 2 {
		t.Fatalf("packed %d slots, want 2: %+v", len(slots), slots)
	}
	if slots[0].Handle != 1 || slots[1].Handle != 2 {
		t.Fatalf("order = %d, %d", slots[0].Handle, slots[1].Handle)
	}
	if slots[1].Start < slots[0].End {
		t.Errorf("slots overlap: %+v", slots)
	}
	if slots[1].End+guard > connStart {
		t.Errorf("second slot ends at %s, too close to %s", slots[1].End, connStart)
	}
}

func TestPackSkipsSetsThatDoNotFit(t *testing.T) {
	l := NewList(3)
	l.Insert(Entry{Handle: 1, Estimate: 3000, Earliest: 0})
	l.Insert(Entry{Handle: 2, Estimate: 1000, Earliest: 0})

	slots := l.Pack(0, 2500, 0)
	if len(slots) != 1 || slots[0].Handle != 2 || slots[0].Start != 0 {
		t.Fatalf("slots = %+v", slots)
	}
}

func legacyParams() SetParams {
	return SetParams{
		Properties:   Properties{Legacy: true},
		Interval:     20 * radio.Millisecond,
		PrimaryPHY:   pdu.PHY1M,
		SecondaryPHY: pdu.PHY1M,
		ChannelMask:  0x07,
	}
}

func TestTableFullLeavesTableUntouched(t *testing.T) {
	tbl := NewTable(2, 1)
	for h := uint8(0); h < 2; h++ {
		if _, err := tbl.Configure(h, legacyParams()); err != nil {
			t.Fatalf("configure %d: %v", h, err)
		}
	}
	_, err := tbl.Configure(2, legacyParams())
	if !pdu.IsError(err, pdu.ErrMemoryCapacityExceeded) {
		t.Fatalf("third set: %v", err)
	}
	if tbl.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", tbl.Len())
	}
	if _, ok := tbl.Get(2); ok {
		t.Fatal("set 2 partially created")
	}

	// Updating an existing set is still allowed.
	if _, err := tbl.Configure(1, legacyParams()); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
}

func TestTableErrors(t *testing.T) {
	tbl := NewTable(4, 1)
	if err := tbl.Enable(9, 0, 0, 0); !pdu.IsError(err, pdu.ErrUnknownAdvertisingID) {
		t.Errorf("enable unknown: %v", err)
	}
	if _, err := tbl.Configure(254, legacyParams()); !pdu.IsError(err, pdu.ErrInvalidHCIParameters) {
		t.Errorf("handle 254: %v", err)
	}
	bad := legacyParams()
	bad.Interval = 5 * radio.Millisecond
	if _, err := tbl.Configure(0, bad); !pdu.IsError(err, pdu.ErrInvalidHCIParameters) {
		t.Errorf("short interval: %v", err)
	}

	tbl.Configure(0, legacyParams())
	if err := tbl.SetData(0, make([]byte, 32)); !pdu.IsError(err, pdu.ErrInvalidHCIParameters) {
		t.Errorf("32 bytes legacy data: %v", err)
	}
	tbl.Enable(0, 0, 0, 0)
	if _, err := tbl.Configure(0, legacyParams()); !pdu.IsError(err, pdu.ErrCommandDisallowed) {
		t.Errorf("configure enabled set: %v", err)
	}
	if err := tbl.Remove(0); !pdu.IsError(err, pdu.ErrCommandDisallowed) {
		t.Errorf("remove enabled set: %v", err)
	}
	tbl.Disable(0)
	if err := tbl.Remove(0); err != nil {
		t.Errorf("remove disabled set: %v", err)
	}
}

func TestSetDataRefreshesEstimate(t *testing.T) {
	tbl := NewTable(1, 1)
	s, _ := tbl.Configure(0, legacyParams())
	before := s.Estimate
	tbl.Enable(0, 0, 0, 0)
	if err := tbl.SetData(0, make([]byte, 31)); err != nil {
		t.Fatal(err)
	}
	if s.Estimate <= before {
		t.Fatalf("estimate %s not larger than %s", s.Estimate, before)
	}
	e, _ := tbl.List().Get(0)
	if e.Estimate != s.Estimate {
		t.Fatalf("list estimate %s, set estimate %s", e.Estimate, s.Estimate)
	}
}

func TestCompleteReschedules(t *testing.T) {
	tbl := NewTable(1, 42)
	tbl.Configure(0, legacyParams())
	tbl.Enable(0, 1000, 0, 0)

	for i := 0; i < 20; i++ {
		s, _ := tbl.Get(0)
		start := s.NextStart
		if term := tbl.Complete(0, start); term != nil {
			t.Fatalf("terminated: %+v", term)
		}
		e, ok := tbl.List().Get(0)
		if !ok {
			t.Fatal("set left the list")
		}
		gap := e.Earliest - start
		if gap < 20*radio.Millisecond || gap > 20*radio.Millisecond+MaxAdvDelay {
			t.Fatalf("gap %s outside interval + advDelay", gap)
		}
		if e.LastStart != start {
			t.Fatalf("LastStart = %s, want %s", e.LastStart, start)
		}
	}
}

func TestTerminationReasons(t *testing.T) {
	t.Run("duration", func(t *testing.T) {
		tbl := NewTable(1, 3)
		tbl.Configure(0, legacyParams())
		tbl.Enable(0, 0, 100*radio.Millisecond, 0)
		var term *Termination
		for i := 0; i < 10 && term == nil; i++ {
			s, _ := tbl.Get(0)
			term = tbl.Complete(0, s.NextStart)
		}
		if term == nil || term.Reason != pdu.ErrAdvertisingTimeout {
			t.Fatalf("termination = %+v", term)
		}
		if tbl.List().Len() != 0 {
			t.Fatal("terminated set still listed")
		}
	})

	t.Run("max events counts skips", func(t *testing.T) {
		tbl := NewTable(1, 3)
		tbl.Configure(0, legacyParams())
		tbl.Enable(0, 0, 0, 3)
		if term := tbl.Skip(0); term != nil {
			t.Fatalf("skip terminated early: %+v", term)
		}
		s, _ := tbl.Get(0)
		if term := tbl.Complete(0, s.NextStart); term != nil {
			t.Fatalf("terminated early: %+v", term)
		}
		term := tbl.Complete(0, s.NextStart)
		if term == nil || term.Reason != pdu.ErrLimitReached || term.Events != 3 {
			t.Fatalf("termination = %+v", term)
		}
		if s.Skipped != 1 {
			t.Fatalf("Skipped = %d", s.Skipped)
		}
	})

	t.Run("connected", func(t *testing.T) {
		tbl := NewTable(1, 3)
		p := legacyParams()
		p.Connectable = true
		tbl.Configure(0, p)
		tbl.Enable(0, 0, 0, 0)
		term := tbl.Connected(0, 5)
		if term == nil || term.Reason != pdu.Success || term.ConnHandle != 5 {
			t.Fatalf("termination = %+v", term)
		}
	})
}

func TestDeadline(t *testing.T) {
	tbl := NewTable(1, 1)
	p := legacyParams()
	p.MaxSkip = 2
	tbl.Configure(0, p)
	tbl.Enable(0, 1000, 0, 0)
	if got, want := tbl.Deadline(0), 1000+3*p.Interval; got != want {
		t.Fatalf("Deadline() = %s, want %s", got, want)
	}
}

func trainParams(kind TrainKind) TrainParams {
	return TrainParams{
		Kind:          kind,
		AccessAddress: 0x8E89BED6,
		Interval:      10 * radio.Millisecond,
		ChannelMap:    pdu.AllChannels(),
		Mode:          pdu.Mode1M,
		SyncTimeout:   50 * radio.Millisecond,
	}
}

func TestTrainChannelMapInstant(t *testing.T) {
	tr, err := NewTrain(trainParams(TrainAdvertising), 0)
	if err != nil {
		t.Fatal(err)
	}
	if ch := tr.Channel(); ch != 25 {
		t.Fatalf("event 0 channel = %d, want 25", ch)
	}
	tr.Advance(false)
	if ch := tr.Channel(); ch != 20 {
		t.Fatalf("event 1 channel = %d, want 20", ch)
	}

	narrow := pdu.NewChannelMap(9, 10, 21, 22, 23, 33, 34, 35, 36)
	instant, err := tr.UpdateChannelMap(narrow, 6)
	if err != nil || instant != 7 {
		t.Fatalf("UpdateChannelMap = %d, %v", instant, err)
	}
	if _, err := tr.UpdateChannelMap(narrow, 6); !pdu.IsError(err, pdu.ErrCommandDisallowed) {
		t.Fatalf("second update: %v", err)
	}

	for tr.Event != 6 {
		tr.Advance(false)
		if tr.Map().Generation != 0 {
			t.Fatalf("map applied early at %d", tr.Event)
		}
	}
	tr.Advance(false)
	if tr.Map().Generation != 1 || tr.Map().Raw() != narrow {
		t.Fatalf("map not applied at instant")
	}
	if ch := tr.Channel(); ch != 9 {
		t.Fatalf("event 7 channel = %d, want 9", ch)
	}
	tr.Advance(false)
	if ch := tr.Channel(); ch != 34 {
		t.Fatalf("event 8 channel = %d, want 34", ch)
	}
	if tr.Anchor != 8*10*radio.Millisecond {
		t.Fatalf("anchor = %s", tr.Anchor)
	}
}

func TestTrainSyncTimeout(t *testing.T) {
	tr, _ := NewTrain(trainParams(TrainSync), 0)
	for i := 0; i < 4; i++ {
		if err := tr.Advance(false); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	if err := tr.Advance(false); !pdu.IsError(err, pdu.ErrConnectionTimeout) {
		t.Fatalf("fifth silent event: %v", err)
	}

	tr, _ = NewTrain(trainParams(TrainSync), 0)
	for i := 0; i < 20; i++ {
		if err := tr.Advance(i%4 == 0); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
}

func TestTrainRejectsPassedInstant(t *testing.T) {
	tr, _ := NewTrain(trainParams(TrainSync), 0)
	tr.Event = 100
	err := tr.ScheduleChannelMap(pdu.AllChannels(), counter.Event(99))
	if !pdu.IsError(err, pdu.ErrInstantPassed) {
		t.Fatalf("ScheduleChannelMap: %v", err)
	}
	if err := tr.ScheduleChannelMap(pdu.AllChannels(), 101); err != nil {
		t.Fatalf("future instant: %v", err)
	}
}

func TestTrainCatchUp(t *testing.T) {
	tr, _ := NewTrain(trainParams(TrainAdvertising), 0)
	n, err := tr.CatchUp(35 * radio.Millisecond)
	if err != nil || n != 4 {
		t.Fatalf("CatchUp = %d, %v", n, err)
	}
	if tr.Event != 4 || tr.Anchor != 40*radio.Millisecond {
		t.Fatalf("event %d anchor %s", tr.Event, tr.Anchor)
	}
}

func TestCompleteKeepsOrderAcrossSets(t *testing.T) {
	tbl := NewTable(3, 7)
	for h := uint8(0); h < 3; h++ {
		tbl.Configure(h, legacyParams())
		tbl.Enable(h, radio.Time(h)*5*radio.Millisecond, 0, 0)
	}
	tests := []struct {
		name   string
		handle uint8
	}{
		{"head", 0},
		{"middle", 2},
		{"head again", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := tbl.List().Get(tt.handle)
			if term := tbl.Complete(tt.handle, e.Earliest); term != nil {
				t.Fatalf("terminated: %+v", term)
			}
			if tbl.List().Len() != 3 {
				t.Fatalf("list holds %d sets", tbl.List().Len())
			}
			entries := tbl.List().Entries()
			for i := 1; i < len(entries); i++ {
				if entries[i].Earliest < entries[i-1].Earliest {
					t.Fatalf("list out of order: %+v", entries)
				}
			}
			if got, _ := tbl.List().Get(tt.handle); got.LastStart != e.Earliest {
				t.Fatalf("LastStart = %s, want %s", got.LastStart, e.Earliest)
			}
		})
	}
}

func TestRescheduleFailureTerminates(t *testing.T) {
	tbl := NewTable(1, 1)
	tbl.Configure(0, legacyParams())
	tbl.Enable(0, 0, 0, 0)
	// another entry takes the only node while set 0 is off the list
	tbl.List().Remove(0)
	if err := tbl.List().Insert(Entry{Handle: 9}); err != nil {
		t.Fatal(err)
	}
	term := tbl.Complete(0, 0)
	if term == nil || term.Reason != pdu.ErrMemoryCapacityExceeded {
		t.Fatalf("termination = %+v", term)
	}
	if s, _ := tbl.Get(0); s.Enabled {
		t.Fatal("set still enabled")
	}
}

func TestSyncLearnsMapFromPayload(t *testing.T) {
	adv := trainParams(TrainAdvertising)
	adv.DataLen = 20
	sync := trainParams(TrainSync)
	sync.SyncTimeout = 0
	advertiser, _ := NewTrain(adv, 0)
	follower, _ := NewTrain(sync, 0)

	plain := advertiser.Payload()
	if len(plain) != 20 {
		t.Fatalf("payload is %d bytes, want 20", len(plain))
	}
	if err := follower.Heard(plain); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := follower.PendingMap(); ok {
		t.Fatal("map update learned from plain payload")
	}

	narrow := pdu.NewChannelMap(9, 10, 21, 22, 23, 33, 34, 35, 36)
	instant, err := advertiser.UpdateChannelMap(narrow, 6)
	if err != nil {
		t.Fatal(err)
	}
	for advertiser.Event != 3 {
		if err := follower.Heard(advertiser.Payload()); err != nil {
			t.Fatalf("event %s: %v", advertiser.Event, err)
		}
		advertiser.Advance(false)
		follower.Advance(true)
	}
	raw, at, ok := follower.PendingMap()
	if !ok || raw != narrow || at != instant {
		t.Fatalf("pending = %s at %s (%v), want %s at %s", raw, at, ok, narrow, instant)
	}
	for advertiser.Event != instant+2 {
		advertiser.Advance(false)
		follower.Advance(true)
		if advertiser.Channel() != follower.Channel() {
			t.Fatalf("event %s: advertiser on %d, follower on %d", advertiser.Event,
				advertiser.Channel(), follower.Channel())
		}
	}
	if follower.Map().Raw() != narrow {
		t.Fatal("follower kept the old map")
	}

	if err := follower.Heard([]byte{0x09, 0x28}); err == nil {
		t.Fatal("truncated payload accepted")
	}
}
