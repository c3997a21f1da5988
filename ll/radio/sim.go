package radio

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/user/linklayer/ll/pdu"
	"github.com/user/linklayer/logger"
)

// SimConfig controls how realistic the simulated radio is.
type SimConfig struct {
	// Packet loss and reliability
	PacketLossRate float64 // peer never hears the event
	CRCErrorRate   float64 // peer answered but the reply failed CRC
	PreemptRate    float64 // a higher priority user took the radio

	// Deterministic mode for testing
	Deterministic bool
	Seed          int64
}

// DefaultSimConfig returns a lossy but usable radio
func DefaultSimConfig() *SimConfig {
	return &SimConfig{
		PacketLossRate: 0.015, // 1.5% packet loss
		CRCErrorRate:   0.005,
		PreemptRate:    0,
	}
}

// PerfectSimConfig returns a 100% reliable, deterministic radio for tests
func PerfectSimConfig() *SimConfig {
	return &SimConfig{Deterministic: true}
}

// Responder plays the remote side of the air interface. It is called once
// per task that reaches the peer and returns what the peer transmits back.
// A nil reply means the peer stayed silent.
type Responder func(req Request, at Time) []Packet

type simTask struct {
	handle  Handle
	req     Request
	aborted bool
	seq     int
}

// Sim is a single-threaded virtual-time radio. The clock only moves when
// Wait delivers a task.
type Sim struct {
	config *SimConfig
	rng    *rand.Rand
	now    Time

	next    Handle
	seq     int
	pending map[Handle]*simTask
	peers   map[uint32]Responder
}

// NewSim creates a simulated radio starting at time zero
func NewSim(config *SimConfig) *Sim {
	if config == nil {
		config = DefaultSimConfig()
	}

	var rng *rand.Rand
	if config.Deterministic {
		rng = rand.New(rand.NewSource(config.Seed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Sim{
		config:  config,
		rng:     rng,
		pending: make(map[Handle]*simTask),
		peers:   make(map[uint32]Responder),
	}
}

// Attach registers the peer reachable on an access address. Advertising
// channel peers use AdvertisingAccessAddress.
func (s *Sim) Attach(accessAddress uint32, r Responder) {
	s.peers[accessAddress] = r
}

// Detach removes the peer on an access address
func (s *Sim) Detach(accessAddress uint32) {
	delete(s.peers, accessAddress)
}

// Now returns the virtual clock
func (s *Sim) Now() Time { return s.now }

// Advance moves the clock forward without running a task
func (s *Sim) Advance(to Time) {
	if to > s.now {
		s.now = to
	}
}

// Pending returns the number of tasks not yet delivered
func (s *Sim) Pending() int { return len(s.pending) }

// Submit queues a task
func (s *Sim) Submit(req Request) (Handle, error) {
	if req.Start < s.now {
		return 0, fmt.Errorf("%w: start %s, now %s", ErrInThePast, req.Start, s.now)
	}
	if req.MaxDuration <= 0 {
		return 0, fmt.Errorf("radio: %s task with no duration", req.Kind)
	}
	s.next++
	s.seq++
	s.pending[s.next] = &simTask{handle: s.next, req: req, seq: s.seq}
	logger.Trace("radio", "submit #%d %s ch=%d start=%s max=%s", s.next, req.Kind, req.Channel, req.Start, req.MaxDuration)
	return s.next, nil
}

// Abort marks a task aborted; it is delivered as Aborted on the next Wait.
// Unknown or already delivered handles are ignored.
func (s *Sim) Abort(h Handle) {
	if t, ok := s.pending[h]; ok && !t.aborted {
		t.aborted = true
		logger.Trace("radio", "abort #%d %s", h, t.req.Kind)
	}
}

// Wait delivers the next completion: aborted tasks first, then the task
// with the earliest start.
func (s *Sim) Wait(ctx context.Context) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}
	if len(s.pending) == 0 {
		return Completion{}, ErrIdle
	}

	tasks := make([]*simTask, 0, len(s.pending))
	for _, t := range s.pending {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.aborted != b.aborted {
			return a.aborted
		}
		if a.req.Start != b.req.Start {
			return a.req.Start < b.req.Start
		}
		return a.seq < b.seq
	})
	t := tasks[0]
	delete(s.pending, t.handle)

	if t.aborted {
		return Completion{Handle: t.handle, Request: t.req, Outcome: Aborted, Start: s.now, End: s.now}, nil
	}

	start := t.req.Start
	if start < s.now {
		start = s.now
	}
	c := Completion{Handle: t.handle, Request: t.req, Start: start}

	if s.config.PreemptRate > 0 && s.rng.Float64() < s.config.PreemptRate {
		c.Outcome = Preempted
		c.End = start
		s.now = start
		return c, nil
	}

	used := Time(0)
	for _, p := range t.req.Tx {
		used += Time(pdu.Airtime(t.req.Mode, len(p.Payload)) + pdu.TIFS)
	}

	peer := s.peers[t.req.AccessAddress]
	switch {
	case peer == nil:
	case s.rng.Float64() < s.config.PacketLossRate:
		logger.Trace("radio", "#%d lost", t.handle)
	case s.rng.Float64() < s.config.CRCErrorRate:
		c.CRCErrors = 1
		logger.Trace("radio", "#%d crc error", t.handle)
	default:
		c.Rx = peer(t.req, start)
		if c.Rx != nil {
			c.RxValid = true
			c.Acked = len(t.req.Tx)
		}
		for _, p := range c.Rx {
			used += Time(pdu.Airtime(t.req.Mode, len(p.Payload)) + pdu.TIFS)
		}
	}

	if used > t.req.MaxDuration {
		used = t.req.MaxDuration
	}
	c.Outcome = Completed
	c.End = start + used
	s.now = c.End
	return c, nil
}
