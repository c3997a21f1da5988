// Package controller runs the link layer. It owns the state of every role
// (advertising sets, periodic trains, scanner, initiator and connections),
// asks the scheduler which radio event runs next, submits it, waits for the
// radio and hands the completion back to the role that owns it.
//
// The controller is single threaded. Host commands from other goroutines are
// posted with Do and run between two radio events.
package controller

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"github.com/google/uuid"

	"github.com/user/linklayer/ll/advsched"
	"github.com/user/linklayer/ll/conn"
	"github.com/user/linklayer/ll/hostevt"
	"github.com/user/linklayer/ll/pdu"
	"github.com/user/linklayer/ll/radio"
	"github.com/user/linklayer/ll/sched"
	"github.com/user/linklayer/logger"
)

var (
	// ErrIdle is returned by Step when no role wants the radio
	ErrIdle = errors.New("controller: nothing to schedule")
)

const prefix = "controller"

// Config holds the controller limits and the settings handed to each role.
type Config struct {
	MaxConnections int
	MaxAdvSets     int
	// Address is the local device address. Zero picks a static random
	// address from the session id.
	Address [pdu.AddressLen]byte
	Conn    conn.Config
	Sched   sched.Config
	// Seed drives access address, CRC init, hop and advDelay choices
	Seed int64
}

// DefaultConfig returns the controller defaults
func DefaultConfig() Config {
	return Config{
		MaxConnections: 8,
		MaxAdvSets:     4,
		Conn:           conn.DefaultConfig(),
		Sched:          sched.DefaultConfig(),
		Seed:           1,
	}
}

type link struct {
	*conn.Connection
	seq uint64
}

type command struct {
	fn   func(*Controller) error
	done chan error
}

// Controller is the link layer state of one device.
type Controller struct {
	cfg     Config
	radio   radio.Radio
	sink    hostevt.Sink
	sched   *sched.Scheduler
	adv     *advsched.Table
	rng     *rand.Rand
	session string

	conns    map[uint16]*link
	periodic map[uint8]*train
	syncs    map[uint8]*train
	advSeq   map[uint8]uint64
	scan     *scanner
	init     *initiator

	inflight map[radio.Handle]sched.Task
	seq      uint64
	commands chan command

	// Decisions counts scheduling decisions that ran at least one task
	Decisions int
}

// New creates a controller driving r. Host events go to sink.
func New(cfg Config, r radio.Radio, sink hostevt.Sink) (*Controller, error) {
	if cfg.MaxConnections <= 0 || cfg.MaxConnections > 0xEFF {
		return nil, fmt.Errorf("controller: invalid connection limit %d", cfg.MaxConnections)
	}
	if cfg.MaxAdvSets <= 0 || cfg.MaxAdvSets > advsched.MaxHandle+1 {
		return nil, fmt.Errorf("controller: invalid advertising set limit %d", cfg.MaxAdvSets)
	}
	if sink == nil {
		sink = hostevt.SinkFunc(func(hostevt.Event) {})
	}
	session := uuid.New()
	c := &Controller{
		cfg:      cfg,
		radio:    r,
		sink:     sink,
		sched:    sched.New(cfg.Sched),
		adv:      advsched.NewTable(cfg.MaxAdvSets, cfg.Seed),
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		session:  session.String(),
		conns:    make(map[uint16]*link),
		periodic: make(map[uint8]*train),
		syncs:    make(map[uint8]*train),
		advSeq:   make(map[uint8]uint64),
		inflight: make(map[radio.Handle]sched.Task),
		commands: make(chan command, 16),
	}
	if c.cfg.Address == ([pdu.AddressLen]byte{}) {
		copy(c.cfg.Address[:], session[:pdu.AddressLen])
		c.cfg.Address[pdu.AddressLen-1] |= 0xC0
	}
	logger.Info(prefix, "session %s, address %X", c.session, c.cfg.Address)
	return c, nil
}

// Session returns the id stamped on this controller's journal
func (c *Controller) Session() string { return c.session }

// Address returns the local device address
func (c *Controller) Address() [pdu.AddressLen]byte { return c.cfg.Address }

// Now returns the radio clock
func (c *Controller) Now() radio.Time { return c.radio.Now() }

// Advertising returns the advertising set table
func (c *Controller) Advertising() *advsched.Table { return c.adv }

func (c *Controller) nextSeq() uint64 {
	c.seq++
	return c.seq
}

// Connection returns the live connection with handle
func (c *Controller) Connection(handle uint16) (*conn.Connection, error) {
	l, ok := c.conns[handle]
	if !ok {
		return nil, fmt.Errorf("controller: no connection %d: %w", handle,
			pdu.NewError(pdu.ErrUnknownConnectionID, pdu.NoOpcode, handle))
	}
	return l.Connection, nil
}

// Connections returns the handles of the live connections in order
func (c *Controller) Connections() []uint16 {
	out := make([]uint16, 0, len(c.conns))
	for h := range c.conns {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Disconnect starts the termination procedure on a connection
func (c *Controller) Disconnect(handle uint16, reason pdu.ErrorCode) error {
	l, err := c.Connection(handle)
	if err != nil {
		return err
	}
	return l.Terminate(reason)
}

// freeHandle returns the lowest unused connection handle
func (c *Controller) freeHandle() (uint16, error) {
	for h := 0; h < c.cfg.MaxConnections; h++ {
		if _, used := c.conns[uint16(h)]; !used {
			return uint16(h), nil
		}
	}
	return 0, fmt.Errorf("controller: %d connections in use: %w", len(c.conns),
		pdu.NewError(pdu.ErrConnectionLimitExceeded, pdu.NoOpcode, 0))
}

func (c *Controller) addConnection(role conn.Role, data pdu.LLData, csa2 bool, anchor radio.Time) (*conn.Connection, error) {
	h, err := c.freeHandle()
	if err != nil {
		return nil, err
	}
	cn, err := conn.New(conn.Setup{Handle: h, Role: role, Data: data, CSA2: csa2, Anchor: anchor}, c.cfg.Conn, c.sink)
	if err != nil {
		return nil, err
	}
	c.conns[h] = &link{Connection: cn, seq: c.nextSeq()}
	logger.Info(prefix, "connection %d up as %s, first anchor %s", h, role, anchor)
	return cn, nil
}

// Do runs fn on the controller goroutine between two radio events and
// returns its error. Run must be active.
func (c *Controller) Do(ctx context.Context, fn func(*Controller) error) error {
	cmd := command{fn: fn, done: make(chan error, 1)}
	select {
	case c.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) drain() {
	for {
		select {
		case cmd := <-c.commands:
			cmd.done <- cmd.fn(c)
		default:
			return
		}
	}
}

// Run steps the controller until ctx is done. When no role wants the radio
// it blocks until a host command arrives.
func (c *Controller) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.Step(ctx)
		if errors.Is(err, ErrIdle) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case cmd := <-c.commands:
				cmd.done <- cmd.fn(c)
			}
			continue
		}
		if err != nil {
			return err
		}
	}
}

// RunUntil steps the controller until the radio clock reaches until or
// nothing is left to schedule.
func (c *Controller) RunUntil(ctx context.Context, until radio.Time) error {
	for c.radio.Now() < until {
		err := c.Step(ctx)
		if errors.Is(err, ErrIdle) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Step makes one scheduling decision, runs the chosen tasks on the radio
// and processes their completions.
func (c *Controller) Step(ctx context.Context) error {
	c.drain()
	now := c.radio.Now()
	c.expireAdvertising(now)
	c.catchUpTrains(now)

	candidates := c.candidates(now)
	if len(candidates) == 0 {
		return ErrIdle
	}
	d := c.sched.SelectNext(now, candidates)
	for _, t := range d.Missed {
		c.miss(t)
	}
	if d.Primary == nil {
		return nil
	}

	submitted := 0
	for _, t := range []*sched.Task{d.Secondary, d.Primary} {
		if t == nil {
			continue
		}
		req, ok := c.request(*t)
		if !ok {
			continue
		}
		h, err := c.radio.Submit(req)
		if err != nil {
			c.abortInflight()
			return fmt.Errorf("controller: submit %s: %w", t, err)
		}
		c.inflight[h] = *t
		submitted++
	}

	for ; submitted > 0; submitted-- {
		done, err := c.radio.Wait(ctx)
		if err != nil {
			c.abortInflight()
			return fmt.Errorf("controller: wait: %w", err)
		}
		c.dispatch(done)
	}
	c.Decisions++
	c.reap()
	return nil
}

func (c *Controller) abortInflight() {
	for h := range c.inflight {
		c.radio.Abort(h)
		delete(c.inflight, h)
	}
}

// candidates collects one task per role that wants the radio
func (c *Controller) candidates(now radio.Time) []sched.Task {
	var out []sched.Task
	for _, h := range c.Connections() {
		l := c.conns[h]
		if l.Terminated() {
			continue
		}
		out = append(out, l.Task(l.seq))
	}
	out = append(out, trainTasks(sched.RolePeriodicAdv, c.periodic)...)
	out = append(out, trainTasks(sched.RolePeriodicSync, c.syncs)...)

	limit := radio.Time(1 << 62)
	for _, t := range out {
		if t.Start >= now && t.Start < limit {
			limit = t.Start
		}
	}
	out = append(out, c.advertisingTasks(now, limit)...)

	if c.scan != nil {
		out = append(out, c.scan.task())
	}
	if c.init != nil {
		out = append(out, c.init.task())
	}
	return out
}

// request builds the radio request for a scheduled task
func (c *Controller) request(t sched.Task) (radio.Request, bool) {
	switch t.Role {
	case sched.RoleConnection:
		l, ok := c.conns[uint16(t.Owner)]
		if !ok || l.Terminated() {
			return radio.Request{}, false
		}
		return l.Prepare(), true
	case sched.RoleAdvertising:
		return c.advertisingRequest(t)
	case sched.RoleScan:
		if c.scan == nil {
			return radio.Request{}, false
		}
		return c.scan.request(t), true
	case sched.RoleInitiator:
		if c.init == nil {
			return radio.Request{}, false
		}
		return c.init.request(t, c.cfg.Address), true
	case sched.RolePeriodicAdv:
		if tr, ok := c.periodic[uint8(t.Owner)]; ok {
			return tr.request(t), true
		}
	case sched.RolePeriodicSync:
		if tr, ok := c.syncs[uint8(t.Owner)]; ok {
			return tr.request(t), true
		}
	}
	return radio.Request{}, false
}

// miss post-processes an anchored task that lost its event
func (c *Controller) miss(t sched.Task) {
	switch t.Role {
	case sched.RoleConnection:
		if l, ok := c.conns[uint16(t.Owner)]; ok {
			logger.Debug(prefix, "connection %d misses event %s", t.Owner, l.Event)
			l.Missed()
		}
	case sched.RolePeriodicAdv:
		c.advanceTrain(c.periodic, uint8(t.Owner), false)
	case sched.RolePeriodicSync:
		c.advanceTrain(c.syncs, uint8(t.Owner), false)
	}
}

// dispatch hands a completion to the role that submitted it
func (c *Controller) dispatch(done radio.Completion) {
	t, ok := c.inflight[done.Handle]
	if !ok {
		logger.Warn(prefix, "completion for unknown task #%d", done.Handle)
		return
	}
	delete(c.inflight, done.Handle)
	logger.Trace(prefix, "%s %s at %s", t, done.Outcome, done.Start)

	switch t.Role {
	case sched.RoleConnection:
		if l, ok := c.conns[uint16(t.Owner)]; ok {
			l.Complete(done)
		}
	case sched.RoleAdvertising:
		c.advertisingDone(uint8(t.Owner), done)
	case sched.RoleScan:
		if c.scan != nil {
			c.scan.done(done, c.sink)
		}
	case sched.RoleInitiator:
		c.initiatorDone(done)
	case sched.RolePeriodicAdv:
		c.advanceTrain(c.periodic, uint8(t.Owner), false)
	case sched.RolePeriodicSync:
		c.syncDone(uint8(t.Owner), done)
	}
}

// reap releases terminated connections
func (c *Controller) reap() {
	for h, l := range c.conns {
		if l.Terminated() {
			logger.Info(prefix, "connection %d released: %s (%d events, PER %.3f)", h, l.Reason, l.Stats.Events, l.Stats.PER())
			delete(c.conns, h)
		}
	}
}
