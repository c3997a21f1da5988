package sched

import (
	"math/rand"
	"testing"

	"github.com/user/linklayer/ll/radio"
)

const ms = radio.Millisecond

func conn(owner int, start radio.Time, seq uint64) Task {
	return Task{
		Role:             RoleConnection,
		Owner:            owner,
		Start:            start,
		Duration:         2 * ms,
		QoS:              QoSNormal,
		Seq:              seq,
		SupervisionSlack: 6 * radio.Second,
	}
}

func adv(owner int, start, dur radio.Time, seq uint64) Task {
	return Task{Role: RoleAdvertising, Owner: owner, Start: start, Duration: dur, QoS: QoSNormal, Seq: seq}
}

func TestPrimaryOrdering(t *testing.T) {
	s := New(DefaultConfig())
	tests := []struct {
		name  string
		tasks []Task
		want  Task
	}{
		{
			name:  "earliest wins",
			tasks: []Task{conn(0, 10*ms, 1), adv(1, 0, ms, 2)},
			want:  adv(1, 0, ms, 2),
		},
		{
			name:  "connection beats advertising at the same time",
			tasks: []Task{adv(1, 10*ms, ms, 1), conn(0, 10*ms, 2)},
			want:  conn(0, 10*ms, 2),
		},
		{
			name: "higher QoS wins within a role",
			tasks: []Task{
				adv(1, 10*ms, ms, 1),
				{Role: RoleAdvertising, Owner: 2, Start: 10 * ms, Duration: ms, QoS: QoSHigh, Seq: 2},
			},
			want: Task{Role: RoleAdvertising, Owner: 2, Start: 10 * ms, Duration: ms, QoS: QoSHigh, Seq: 2},
		},
		{
			name:  "creation order breaks remaining ties",
			tasks: []Task{adv(2, 10*ms, ms, 5), adv(1, 10*ms, ms, 3)},
			want:  adv(1, 10*ms, ms, 3),
		},
		{
			name:  "overdue flexible task starts now",
			tasks: []Task{adv(1, 0, ms, 1), conn(0, 50*ms, 2)},
			want:  adv(1, 5*ms, ms, 1),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := radio.Time(0)
			if tt.name == "overdue flexible task starts now" {
				now = 5 * ms
			}
			d := s.SelectNext(now, tt.tasks)
			if d.Primary == nil {
				t.Fatal("no primary")
			}
			if *d.Primary != tt.want {
				t.Errorf("primary = %s, want %s", d.Primary, tt.want)
			}
		})
	}
}

func TestFlexibleDisplacedByAnchored(t *testing.T) {
	s := New(DefaultConfig())
	d := s.SelectNext(0, []Task{adv(1, 0, 3*ms, 1), conn(0, 2*ms, 2)})
	if d.Primary == nil || d.Primary.Role != RoleConnection {
		t.Fatalf("primary = %v, want the connection", d.Primary)
	}
	if d.Secondary != nil {
		t.Fatalf("unexpected secondary %s", d.Secondary)
	}
	if len(d.Displaced) != 1 || d.Displaced[0].Owner != 1 {
		t.Fatalf("displaced = %v", d.Displaced)
	}
}

func TestSecondaryPacking(t *testing.T) {
	cfg := DefaultConfig()
	s := New(cfg)
	long := adv(1, 0, 6*ms, 1)
	short := adv(2, 500, ms, 2)
	c := conn(0, 5*ms, 3)

	d := s.SelectNext(0, []Task{long, short, c})
	if d.Primary == nil || d.Primary.Role != RoleConnection {
		t.Fatalf("primary = %v", d.Primary)
	}
	if d.Secondary == nil || d.Secondary.Owner != 2 {
		t.Fatalf("secondary = %v", d.Secondary)
	}
	if d.Secondary.End()+cfg.Margin > d.Primary.Start-cfg.Guard {
		t.Errorf("secondary %s too close to primary %s", d.Secondary, d.Primary)
	}
	if len(d.Displaced) != 1 || d.Displaced[0].Owner != 1 {
		t.Errorf("displaced = %v", d.Displaced)
	}

	t.Run("low supervision slack", func(t *testing.T) {
		tight := c
		tight.SupervisionSlack = 10 * ms
		d := s.SelectNext(0, []Task{long, short, tight})
		if d.Secondary != nil {
			t.Fatalf("secondary %s packed before a connection close to timeout", d.Secondary)
		}
		if len(d.Displaced) != 2 {
			t.Fatalf("displaced = %v", d.Displaced)
		}
	})

	t.Run("qos", func(t *testing.T) {
		high := c
		high.QoS = QoSHigh
		d := s.SelectNext(0, []Task{long, short, high})
		if d.Secondary != nil {
			t.Fatalf("normal secondary %s packed before a high QoS primary", d.Secondary)
		}

		important := short
		important.QoS = QoSHigh
		d = s.SelectNext(0, []Task{long, important, high})
		if d.Secondary == nil || d.Secondary.Owner != 2 {
			t.Fatalf("high QoS secondary not packed: %v", d.Secondary)
		}
	})
}

func TestScanWindowShortened(t *testing.T) {
	cfg := DefaultConfig()
	s := New(cfg)
	scan := Task{Role: RoleScan, Owner: 0, Start: 0, Duration: 10 * ms, MinDuration: 2 * ms, Seq: 1}

	d := s.SelectNext(0, []Task{scan, conn(0, 5*ms, 2)})
	if d.Primary == nil || d.Primary.Role != RoleScan {
		t.Fatalf("primary = %v", d.Primary)
	}
	if got, want := d.Primary.Duration, 5*ms-cfg.Guard; got != want {
		t.Fatalf("scan window = %s, want %s", got, want)
	}

	// Not below the minimum scan window.
	d = s.SelectNext(0, []Task{scan, conn(0, 2*ms, 2)})
	if d.Primary == nil || d.Primary.Role != RoleConnection {
		t.Fatalf("primary = %v", d.Primary)
	}
}

func TestAnchoredCollisionMissed(t *testing.T) {
	s := New(DefaultConfig())
	d := s.SelectNext(0, []Task{conn(1, ms, 2), conn(0, ms, 1), conn(2, 20*ms, 3)})
	if d.Primary == nil || d.Primary.Owner != 0 {
		t.Fatalf("primary = %v", d.Primary)
	}
	if len(d.Missed) != 1 || d.Missed[0].Owner != 1 {
		t.Fatalf("missed = %v", d.Missed)
	}
}

func TestLateAnchoredIsMissed(t *testing.T) {
	s := New(DefaultConfig())
	d := s.SelectNext(10*ms, []Task{conn(0, 9*ms, 1), adv(1, 0, ms, 2)})
	if len(d.Missed) != 1 || d.Missed[0].Owner != 0 {
		t.Fatalf("missed = %v", d.Missed)
	}
	if d.Primary == nil || d.Primary.Role != RoleAdvertising || d.Primary.Start != 10*ms {
		t.Fatalf("primary = %v", d.Primary)
	}
}

func TestCustomRoleOrder(t *testing.T) {
	scan, err := ParseRole("scan")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseRole("bogus"); err == nil {
		t.Fatal("ParseRole accepted an unknown role")
	}
	s := New(Config{Order: []Role{scan, RoleAdvertising}})
	d := s.SelectNext(0, []Task{
		adv(1, 0, ms, 1),
		{Role: RoleScan, Start: 0, Duration: ms, Seq: 2},
	})
	if d.Primary == nil || d.Primary.Role != RoleScan {
		t.Fatalf("primary = %v", d.Primary)
	}
}

// Two advertising sets of 2.4ms and 1.1ms both run ahead of a connection
// event due at 5ms when decisions are taken back to back.
func TestAdvertisingSetsBeforeConnection(t *testing.T) {
	cfg := DefaultConfig()
	s := New(cfg)
	pending := []Task{adv(1, 0, 2388, 1), adv(2, 100, 1096, 2), conn(0, 5*ms, 3)}

	var ran []Task
	now := radio.Time(0)
	for len(pending) > 0 {
		d := s.SelectNext(now, pending)
		if d.Primary == nil {
			t.Fatal("no primary")
		}
		ran = append(ran, *d.Primary)
		now = d.Primary.End()
		var rest []Task
		for _, p := range pending {
			if p.Role != d.Primary.Role || p.Owner != d.Primary.Owner {
				rest = append(rest, p)
			}
		}
		pending = rest
	}

	if len(ran) != 3 {
		t.Fatalf("ran %d tasks", len(ran))
	}
	if ran[0].Owner != 1 || ran[1].Owner != 2 || ran[2].Role != RoleConnection {
		t.Fatalf("order = %v", ran)
	}
	if ran[1].End()+cfg.Guard > ran[2].Start {
		t.Errorf("second set ends at %s, connection at %s", ran[1].End(), ran[2].Start)
	}
	if ran[2].Start != 5*ms {
		t.Errorf("connection moved to %s", ran[2].Start)
	}
}

func TestNeverOverlaps(t *testing.T) {
	cfg := DefaultConfig()
	s := New(cfg)
	rng := rand.New(rand.NewSource(7))
	roles := []Role{RoleConnection, RolePeriodicAdv, RoleAdvertising, RoleScan, RoleInitiator}

	for iter := 0; iter < 2000; iter++ {
		n := 1 + rng.Intn(8)
		tasks := make([]Task, n)
		for i := range tasks {
			r := roles[rng.Intn(len(roles))]
			tasks[i] = Task{
				Role:             r,
				Owner:            i,
				Start:            radio.Time(rng.Intn(20000)),
				Duration:         radio.Time(200 + rng.Intn(8000)),
				QoS:              QoS(rng.Intn(3)),
				Seq:              uint64(i),
				SupervisionSlack: radio.Time(rng.Intn(200000)),
			}
			if r == RoleScan {
				tasks[i].MinDuration = 1000
			}
		}
		now := radio.Time(rng.Intn(5000))
		d := s.SelectNext(now, tasks)
		if d.Primary == nil || d.Secondary == nil {
			continue
		}
		if Overlaps(*d.Primary, *d.Secondary) {
			t.Fatalf("iteration %d: %s overlaps %s", iter, d.Primary, d.Secondary)
		}
		if d.Secondary.End()+cfg.Margin+cfg.Guard > d.Primary.Start {
			t.Fatalf("iteration %d: secondary %s inside guard of %s", iter, d.Secondary, d.Primary)
		}
		if d.Secondary.Start < now {
			t.Fatalf("iteration %d: secondary starts in the past", iter)
		}
	}
}
