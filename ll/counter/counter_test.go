package counter

import "testing"

func TestDiffWrap(t *testing.T) {
	tests := []struct {
		name string
		a, b Event
		want int
	}{
		{"same", 10, 10, 0},
		{"ahead", 20, 10, 10},
		{"behind", 10, 20, -10},
		{"ahead across wrap", 2, 65534, 4},
		{"behind across wrap", 65534, 2, -4},
		{"max forward", 32767, 0, 32767},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Diff(tt.a, tt.b); got != tt.want {
				t.Errorf("Diff(%d, %d) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestAddWraps(t *testing.T) {
	e := Event(65535)
	if got := e.Next(); got != 0 {
		t.Fatalf("65535.Next() = %d, want 0", got)
	}
	if got := e.Add(7); got != 6 {
		t.Fatalf("65535.Add(7) = %d, want 6", got)
	}
	if got := Event(3).Add(-5); got != 65534 {
		t.Fatalf("3.Add(-5) = %d, want 65534", got)
	}
}

func TestInstantNearWrap(t *testing.T) {
	// Instant issued at 65533 with offset 6 lands on 3.
	now := Event(65533)
	instant := now.Add(6)
	if instant != 3 {
		t.Fatalf("instant = %d, want 3", instant)
	}
	if !IsFuture(now, instant) {
		t.Fatalf("instant %d should be in the future of %d", instant, now)
	}

	for e := now; e != instant; e = e.Next() {
		if Reached(e, instant) {
			t.Fatalf("instant %d reached early at %d", instant, e)
		}
	}
	if !Reached(instant, instant) {
		t.Fatal("instant should be reached when counter equals it")
	}
	if Passed(instant, instant) {
		t.Fatal("instant should not be passed when counter equals it")
	}
	if !Passed(instant.Next(), instant) {
		t.Fatal("instant should be passed one event later")
	}
}

func TestIsFutureRange(t *testing.T) {
	if IsFuture(100, 100) {
		t.Error("instant equal to now is not future")
	}
	if IsFuture(100, 99) {
		t.Error("instant behind now is not future")
	}
	if !IsFuture(0, MaxUpdateCountRange) {
		t.Error("instant at max range should be future")
	}
	if IsFuture(0, MaxUpdateCountRange+1) {
		t.Error("instant beyond max range reads as past")
	}
}

func TestPendingTakesExactlyAtInstant(t *testing.T) {
	var p Pending[int]
	p.Schedule(42, 65535)

	if _, ok := p.Take(65534); ok {
		t.Fatal("taken before instant")
	}
	v, ok := p.Take(65535)
	if !ok || v != 42 {
		t.Fatalf("Take at instant = %d, %v", v, ok)
	}
	if p.Active() {
		t.Fatal("still active after Take")
	}
	if _, ok := p.Take(65535); ok {
		t.Fatal("taken twice")
	}
}

func TestPendingReschedule(t *testing.T) {
	var p Pending[string]
	p.Schedule("old", 10)
	p.Schedule("new", 12)
	if _, ok := p.Take(10); ok {
		t.Fatal("old instant still honored")
	}
	if v, ok := p.Take(12); !ok || v != "new" {
		t.Fatalf("Take = %q, %v", v, ok)
	}
}
