// Package sched picks the next radio event among all link layer roles.
//
// Connections and periodic trains are anchored: their events happen at
// fixed points in time or not at all. Advertising, scanning and initiating
// are flexible and may move or shrink to make room. Each decision yields a
// primary task and, when one fits in the gap before it, a secondary task.
package sched

import (
	"fmt"
	"sort"
	"strings"

	"github.com/user/linklayer/ll/radio"
	"github.com/user/linklayer/logger"
)

// Role is the kind of link layer activity a task serves.
type Role uint8

const (
	RoleConnection Role = iota
	RolePeriodicAdv
	RolePeriodicSync
	RoleAdvertising
	RoleInitiator
	RoleScan
)

var roleNames = map[Role]string{
	RoleConnection:   "connection",
	RolePeriodicAdv:  "periodic_adv",
	RolePeriodicSync: "periodic_sync",
	RoleAdvertising:  "advertising",
	RoleInitiator:    "initiator",
	RoleScan:         "scan",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// ParseRole converts a role name as used in configuration files
func ParseRole(s string) (Role, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for r, name := range roleNames {
		if name == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("sched: unknown role %q", s)
}

// Anchored reports whether the role's events cannot move in time
func (r Role) Anchored() bool {
	return r == RoleConnection || r == RolePeriodicAdv || r == RolePeriodicSync
}

// DefaultOrder ranks roles for tasks due at the same time
var DefaultOrder = []Role{
	RoleConnection,
	RolePeriodicAdv,
	RolePeriodicSync,
	RoleAdvertising,
	RoleInitiator,
	RoleScan,
}

// QoS is the configured importance of a task when it collides with another.
type QoS uint8

const (
	QoSLow QoS = iota
	QoSNormal
	QoSHigh
)

func (q QoS) String() string {
	switch q {
	case QoSLow:
		return "low"
	case QoSNormal:
		return "normal"
	case QoSHigh:
		return "high"
	}
	return fmt.Sprintf("qos(%d)", uint8(q))
}

// Task is one candidate radio event.
type Task struct {
	Role     Role
	Owner    int // connection handle, advertising handle, train handle
	Start    radio.Time
	Duration radio.Time
	QoS      QoS
	Seq      uint64

	// MinDuration is the shortest a scan window may be cut to. Zero means
	// the task cannot be shortened.
	MinDuration radio.Time

	// SupervisionSlack is how long the owning connection can still go
	// without a valid packet. Only meaningful for connections.
	SupervisionSlack radio.Time
}

// End returns the end of the task's window
func (t Task) End() radio.Time { return t.Start + t.Duration }

func (t Task) String() string {
	return fmt.Sprintf("%s/%d@%s+%s", t.Role, t.Owner, t.Start, t.Duration)
}

// Decision is the outcome of one scheduling decision. Missed anchored tasks
// lose this event and must advance to their next one; displaced flexible
// tasks are simply offered again at the next decision.
type Decision struct {
	Primary   *Task
	Secondary *Task
	Missed    []Task
	Displaced []Task
}

// Config tunes the scheduler.
type Config struct {
	// Guard is kept free before an anchored event
	Guard radio.Time
	// Margin is added to a secondary task's duration when fitting it
	Margin radio.Time
	// LSTOSafety: no secondary is packed before a connection whose
	// supervision slack is below this
	LSTOSafety radio.Time
	// MinScanWindow is the floor for shortened scan windows
	MinScanWindow radio.Time
	Order         []Role
}

// DefaultConfig returns the scheduler defaults
func DefaultConfig() Config {
	return Config{
		Guard:         300 * radio.Microsecond,
		Margin:        150 * radio.Microsecond,
		LSTOSafety:    50 * radio.Millisecond,
		MinScanWindow: 2500 * radio.Microsecond,
		Order:         DefaultOrder,
	}
}

// Scheduler makes scheduling decisions. It keeps no state between them.
type Scheduler struct {
	cfg  Config
	rank map[Role]int
}

// New creates a scheduler
func New(cfg Config) *Scheduler {
	if len(cfg.Order) == 0 {
		cfg.Order = DefaultOrder
	}
	s := &Scheduler{cfg: cfg, rank: make(map[Role]int)}
	for i, r := range cfg.Order {
		if _, dup := s.rank[r]; !dup {
			s.rank[r] = i
		}
	}
	// Roles left out of the order rank last.
	for _, r := range DefaultOrder {
		if _, ok := s.rank[r]; !ok {
			s.rank[r] = len(cfg.Order) + int(r)
		}
	}
	return s
}

// Config returns the scheduler's configuration
func (s *Scheduler) Config() Config { return s.cfg }

func effectiveStart(t Task, now radio.Time) radio.Time {
	if t.Start < now {
		return now
	}
	return t.Start
}

func (s *Scheduler) less(a, b Task, now radio.Time) bool {
	sa, sb := effectiveStart(a, now), effectiveStart(b, now)
	if sa != sb {
		return sa < sb
	}
	if s.rank[a.Role] != s.rank[b.Role] {
		return s.rank[a.Role] < s.rank[b.Role]
	}
	if a.QoS != b.QoS {
		return a.QoS > b.QoS
	}
	return a.Seq < b.Seq
}

// SelectNext picks the primary task and an optional secondary task from
// candidates. The returned windows never overlap.
func (s *Scheduler) SelectNext(now radio.Time, candidates []Task) Decision {
	var d Decision

	// Anchored tasks that can no longer start on their anchor are missed.
	tasks := make([]Task, 0, len(candidates))
	for _, t := range candidates {
		if t.Role.Anchored() && t.Start < now {
			d.Missed = append(d.Missed, t)
			continue
		}
		tasks = append(tasks, t)
	}
	if len(tasks) == 0 {
		return d
	}
	sort.SliceStable(tasks, func(i, j int) bool { return s.less(tasks[i], tasks[j], now) })

	primary := 0
	if first := tasks[0]; !first.Role.Anchored() {
		anchor := -1
		for i := range tasks {
			if tasks[i].Role.Anchored() {
				anchor = i
				break
			}
		}
		limit := radio.Time(1<<62)
		if anchor >= 0 {
			limit = tasks[anchor].Start - s.cfg.Guard
		}
		if fitted, ok := s.fit(first, now, limit); ok {
			tasks[0] = fitted
		} else {
			primary = anchor
		}
	}

	p := tasks[primary]
	d.Primary = &p

	// Later anchored tasks that collide with the primary lose their event.
	used := map[int]bool{primary: true}
	for i, t := range tasks {
		if i == primary || !t.Role.Anchored() {
			continue
		}
		if t.Start < p.End()+s.cfg.Guard {
			d.Missed = append(d.Missed, t)
			used[i] = true
		}
	}

	if sec, idx, ok := s.secondary(now, p, tasks, used); ok {
		d.Secondary = &sec
		used[idx] = true
	}

	// Flexible tasks that were due before the primary but did not run.
	for i, t := range tasks {
		if !used[i] && !t.Role.Anchored() && effectiveStart(t, now) < p.Start {
			d.Displaced = append(d.Displaced, t)
		}
	}

	logger.Trace("sched", "now=%s primary=%s secondary=%v missed=%d displaced=%d",
		now, p, d.Secondary, len(d.Missed), len(d.Displaced))
	return d
}

// fit places t as early as possible at or after now so that it ends by
// limit. Scan windows are shortened when needed.
func (s *Scheduler) fit(t Task, now, limit radio.Time) (Task, bool) {
	t.Start = effectiveStart(t, now)
	if t.End() <= limit {
		return t, true
	}
	if t.Role != RoleScan || t.MinDuration == 0 {
		return t, false
	}
	floor := t.MinDuration
	if floor < s.cfg.MinScanWindow {
		floor = s.cfg.MinScanWindow
	}
	avail := limit - t.Start
	if avail < floor {
		return t, false
	}
	t.Duration = avail
	return t, true
}

func (s *Scheduler) secondary(now radio.Time, p Task, tasks []Task, used map[int]bool) (Task, int, bool) {
	if p.Role == RoleConnection && p.SupervisionSlack < s.cfg.LSTOSafety {
		return Task{}, 0, false
	}
	limit := p.Start - s.cfg.Guard - s.cfg.Margin
	for i, t := range tasks {
		if used[i] || t.Role.Anchored() {
			continue
		}
		if p.QoS == QoSHigh && t.QoS < QoSHigh {
			continue
		}
		if fitted, ok := s.fit(t, now, limit); ok {
			return fitted, i, true
		}
	}
	return Task{}, 0, false
}

// Overlaps reports whether two task windows intersect
func Overlaps(a, b Task) bool {
	return a.Start < b.End() && b.Start < a.End()
}
