// Package ctrlproc serializes LL control procedures on one connection.
//
// Control PDUs wait in a bounded FIFO. Only the head may be in flight, and a
// new procedure starts only after the head has been acknowledged and, for
// procedures that take effect at an instant, applied. Version and feature
// exchange use a separate FIFO of the same depth so they can run next to a
// parameter update; they are serialized among themselves.
package ctrlproc

import (
	"errors"
	"fmt"
	"time"

	"github.com/user/linklayer/ll/counter"
	"github.com/user/linklayer/ll/pdu"
)

// Defaults from the link layer specification
const (
	DefaultDepth   = 10
	DefaultTimeout = 40 * time.Second
)

var (
	ErrQueueFull          = errors.New("ctrlproc: control procedure queue full")
	ErrProcedureTimeout   = errors.New("ctrlproc: control procedure timed out")
	ErrProcedureCollision = errors.New("ctrlproc: procedure collision")
	ErrNoActiveProcedure  = errors.New("ctrlproc: no active procedure")
	ErrUnexpectedResponse = errors.New("ctrlproc: unexpected response")
	ErrNotQueued          = errors.New("ctrlproc: no procedure of that kind is queued")
)

// State is the lifecycle state of a queued control packet.
type State uint8

const (
	Idle State = iota
	Queued
	ActiveSent
	AwaitingResponse
	AwaitingInstant
	Applied
	Rejected
	TimedOut
)

var stateNames = map[State]string{
	Idle:             "idle",
	Queued:           "queued",
	ActiveSent:       "active_sent",
	AwaitingResponse: "awaiting_response",
	AwaitingInstant:  "awaiting_instant",
	Applied:          "applied",
	Rejected:         "rejected",
	TimedOut:         "timed_out",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Done reports whether s is a terminal outcome
func (s State) Done() bool {
	return s == Applied || s == Rejected || s == TimedOut
}

// Packet is a queued control PDU and its procedure state.
type Packet struct {
	PDU      pdu.Control
	QueuedAt counter.Event

	// Reason is set when the procedure is rejected.
	Reason pdu.ErrorCode

	state  State
	needTx bool
}

// Opcode returns the opcode of the PDU currently carried
func (p *Packet) Opcode() uint8 { return p.PDU.Opcode() }

// Procedure returns the procedure the packet belongs to
func (p *Packet) Procedure() pdu.Procedure { return pdu.ProcedureOf(p.PDU.Opcode()) }

// State returns the packet's state
func (p *Packet) State() State { return p.state }

func (p *Packet) active() bool {
	return p.state >= ActiveSent && !p.state.Done()
}

// IsInfo reports whether op is carried in the information exchange slot.
func IsInfo(op uint8) bool {
	return op == pdu.OpVersionInd || op == pdu.OpFeatureReq || op == pdu.OpPeripheralFeatureReq
}

// Queue is the per-connection control procedure queue. It is not safe for
// concurrent use; the controller drives it from its single event loop.
type Queue struct {
	packets []*Packet
	depth   int

	timeout     time.Duration
	intervalUs  uint32
	remainingUs int64
	timing      bool

	info *Queue
}

// New creates a queue with the given depth and procedure timeout. intervalUs
// is the current connection interval and is used to convert elapsed events
// into time.
func New(depth int, timeout time.Duration, intervalUs uint32) *Queue {
	q := newQueue(depth, timeout, intervalUs)
	q.info = newQueue(depth, timeout, intervalUs)
	return q
}

func newQueue(depth int, timeout time.Duration, intervalUs uint32) *Queue {
	if depth <= 0 {
		depth = DefaultDepth
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Queue{
		depth:      depth,
		timeout:    timeout,
		intervalUs: intervalUs,
	}
}

// Len returns the number of packets in the main queue
func (q *Queue) Len() int { return len(q.packets) }

// Info returns the information exchange queue
func (q *Queue) Info() *Queue { return q.info }

// Head returns the head of the queue, or nil
func (q *Queue) Head() *Packet {
	if len(q.packets) == 0 {
		return nil
	}
	return q.packets[0]
}

// Active returns the in-flight procedure, or nil
func (q *Queue) Active() *Packet {
	if h := q.Head(); h != nil && h.active() {
		return h
	}
	return nil
}

// Busy reports whether a main-queue procedure is in flight
func (q *Queue) Busy() bool { return q.Active() != nil }

// Packets returns the queued packets in order. The slice must not be modified.
func (q *Queue) Packets() []*Packet { return q.packets }

// TimeoutEvents returns the procedure timeout expressed in connection events
// at the current interval.
func (q *Queue) TimeoutEvents() int {
	if q.intervalUs == 0 {
		return 0
	}
	us := q.timeout.Microseconds()
	return int((us + int64(q.intervalUs) - 1) / int64(q.intervalUs))
}

// SetInterval re-derives the event based timeout after an interval change.
// Time already spent waiting is kept.
func (q *Queue) SetInterval(intervalUs uint32) {
	q.intervalUs = intervalUs
	if q.info != nil {
		q.info.SetInterval(intervalUs)
	}
}

// Enqueue appends a control PDU. Version and feature requests go to the
// information queue and wait behind any exchange already in flight. A full
// queue is left untouched.
func (q *Queue) Enqueue(ctrl pdu.Control, now counter.Event) (*Packet, error) {
	if q.info != nil && IsInfo(ctrl.Opcode()) {
		return q.info.Enqueue(ctrl, now)
	}
	if len(q.packets) >= q.depth {
		return nil, fmt.Errorf("%w (%d packets): %w", ErrQueueFull, len(q.packets),
			pdu.NewError(pdu.ErrMemoryCapacityExceeded, ctrl.Opcode(), 0))
	}
	p := &Packet{PDU: ctrl, QueuedAt: now, state: Queued, needTx: true}
	q.packets = append(q.packets, p)
	return p, nil
}

// PushTerminate puts LL_TERMINATE_IND at the head. Any active procedure is
// abandoned; nothing behind it will be sent.
func (q *Queue) PushTerminate(ctrl *pdu.TerminateInd, now counter.Event) *Packet {
	if h := q.Head(); h != nil && h.Opcode() == pdu.OpTerminateInd {
		return h
	}
	p := &Packet{PDU: ctrl, QueuedAt: now, state: Queued, needTx: true}
	q.packets = append([]*Packet{p}, q.packets...)
	q.timing = false
	return p
}

// NextToSend returns the PDU that must go out in this event, if any. When
// the head is first activated and its PDU takes effect at an instant, the
// instant is set to now+instantOffset.
func (q *Queue) NextToSend(now counter.Event, instantOffset int) *Packet {
	h := q.Head()
	if h == nil || !h.needTx {
		return nil
	}
	if h.state == Queued {
		q.startTimer()
	}
	if ind, ok := h.PDU.(pdu.Instanted); ok {
		ind.SetInstant(now.Add(instantOffset))
	}
	h.state = ActiveSent
	h.needTx = false
	return h
}

// Acked records that the peer acknowledged p, which must be the in-flight
// head of the main queue or the information slot.
func (q *Queue) Acked(p *Packet) error {
	for _, sub := range q.all() {
		if sub.Head() != p {
			continue
		}
		if p.state != ActiveSent || p.needTx {
			return fmt.Errorf("%w: %s is %s", ErrNoActiveProcedure, pdu.OpcodeName(p.Opcode()), p.state)
		}
		switch {
		case isResponseExpected(p.Opcode()):
			p.state = AwaitingResponse
		case isInstanted(p.PDU):
			p.state = AwaitingInstant
		default:
			p.state = Applied
			sub.timing = false
		}
		return nil
	}
	return ErrNoActiveProcedure
}

// ResponseReceived matches a response opcode to the procedure waiting for
// it, in either the main queue or the information slot.
func (q *Queue) ResponseReceived(op uint8) (*Packet, error) {
	for _, sub := range q.all() {
		h := sub.Active()
		if h == nil || h.state != AwaitingResponse {
			continue
		}
		if want, ok := pdu.ResponseOpcode(h.Opcode()); ok && want == op {
			h.state = Applied
			sub.timing = false
			return h, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnexpectedResponse, pdu.OpcodeName(op))
}

// Continue replaces the active PDU with the next PDU of the same procedure
// (for example LL_PHY_UPDATE_IND after LL_PHY_RSP). The new PDU is sent at
// the next NextToSend; the procedure timer keeps running.
func (q *Queue) Continue(next pdu.Control) error {
	h := q.Active()
	if h == nil {
		return ErrNoActiveProcedure
	}
	h.PDU = next
	h.state = ActiveSent
	h.needTx = true
	return nil
}

// Expect puts the active procedure into the state of waiting for the
// peer's instant. Used when the peer sends the instant-bearing PDU.
func (q *Queue) Expect() error {
	h := q.Active()
	if h == nil {
		return ErrNoActiveProcedure
	}
	h.state = AwaitingInstant
	h.needTx = false
	return nil
}

// InstantApplied completes the procedure waiting on its instant.
func (q *Queue) InstantApplied() (*Packet, error) {
	h := q.Active()
	if h == nil || h.state != AwaitingInstant {
		return nil, ErrNoActiveProcedure
	}
	h.state = Applied
	q.timing = false
	return h, nil
}

// Reject ends the active procedure that the peer answered with
// LL_UNKNOWN_RSP, LL_REJECT_IND or LL_REJECT_EXT_IND. rejected is the
// opcode named in the rejection, or NoOpcode when the PDU does not carry one.
func (q *Queue) Reject(rejected uint8, reason pdu.ErrorCode) (*Packet, error) {
	for _, sub := range q.all() {
		h := sub.Active()
		if h == nil {
			continue
		}
		if rejected != pdu.NoOpcode && pdu.ProcedureOf(rejected) != h.Procedure() {
			continue
		}
		h.state = Rejected
		h.Reason = reason
		h.needTx = false
		sub.timing = false
		return h, nil
	}
	return nil, ErrNoActiveProcedure
}

// Dequeue pops completed procedures from the main queue and the
// information slot and returns them in completion order.
func (q *Queue) Dequeue() []*Packet {
	var done []*Packet
	for _, sub := range q.all() {
		for len(sub.packets) > 0 && sub.packets[0].state.Done() {
			done = append(done, sub.packets[0])
			sub.packets[0] = nil
			sub.packets = sub.packets[1:]
			sub.timing = false
		}
	}
	return done
}

// Replace swaps a queued packet of the same procedure for ctrl, keeping its
// position. An in-flight packet may only be replaced when peerWins is set;
// otherwise the call reports a collision.
func (q *Queue) Replace(ctrl pdu.Control, peerWins bool) (*Packet, error) {
	proc := pdu.ProcedureOf(ctrl.Opcode())
	target := q
	if q.info != nil && IsInfo(ctrl.Opcode()) {
		target = q.info
	}
	for _, p := range target.packets {
		if p.Procedure() != proc || p.state.Done() {
			continue
		}
		if p.active() {
			if !peerWins {
				return nil, fmt.Errorf("%w: %s: %w", ErrProcedureCollision, proc,
					pdu.NewError(pdu.ErrLLProcedureCollision, ctrl.Opcode(), 0))
			}
			target.timing = false
		}
		p.PDU = ctrl
		p.state = Queued
		p.needTx = true
		p.Reason = pdu.Success
		return p, nil
	}
	return nil, ErrNotQueued
}

// Tick charges elapsed connection events against the running procedure
// timers. An expired procedure is marked TimedOut and the error carries
// LL Response Timeout; the connection must be terminated.
func (q *Queue) Tick(events int) error {
	for _, sub := range q.all() {
		if !sub.timing {
			continue
		}
		sub.remainingUs -= int64(events) * int64(sub.intervalUs)
		if sub.remainingUs > 0 {
			continue
		}
		sub.timing = false
		op := uint8(pdu.NoOpcode)
		if h := sub.Head(); h != nil {
			h.state = TimedOut
			op = h.Opcode()
		}
		return fmt.Errorf("%w: %w", ErrProcedureTimeout,
			pdu.NewError(pdu.ErrLLResponseTimeout, op, 0))
	}
	return nil
}

// Clear drops everything; used when the connection is released.
func (q *Queue) Clear() {
	q.packets = nil
	q.timing = false
	if q.info != nil {
		q.info.Clear()
	}
}

func (q *Queue) startTimer() {
	q.timing = true
	q.remainingUs = q.timeout.Microseconds()
}

func (q *Queue) all() []*Queue {
	if q.info == nil {
		return []*Queue{q}
	}
	return []*Queue{q, q.info}
}

func isResponseExpected(op uint8) bool {
	_, ok := pdu.ResponseOpcode(op)
	return ok
}

func isInstanted(ctrl pdu.Control) bool {
	_, ok := ctrl.(pdu.Instanted)
	return ok
}
