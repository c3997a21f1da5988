package controller

import (
	"fmt"

	"github.com/user/linklayer/ll/conn"
	"github.com/user/linklayer/ll/hostevt"
	"github.com/user/linklayer/ll/pdu"
	"github.com/user/linklayer/ll/radio"
	"github.com/user/linklayer/ll/sched"
	"github.com/user/linklayer/logger"
)

// ScanParams configures the scanner and the initiator's scan.
type ScanParams struct {
	Interval radio.Time
	Window   radio.Time
	// MinWindow is the shortest the scheduler may cut a window to. Zero
	// keeps windows whole.
	MinWindow radio.Time
	// FilterDuplicates reports each advertiser once per scan
	FilterDuplicates bool
}

// DefaultScanParams scans 30ms out of every 100ms
func DefaultScanParams() ScanParams {
	return ScanParams{
		Interval:  100 * radio.Millisecond,
		Window:    30 * radio.Millisecond,
		MinWindow: 5 * radio.Millisecond,
	}
}

// Validate checks the window fits the interval
func (p ScanParams) Validate() error {
	if p.Window <= 0 || p.Interval < p.Window {
		return fmt.Errorf("controller: scan window %s must be in (0, %s]: %w", p.Window, p.Interval,
			pdu.NewError(pdu.ErrInvalidHCIParameters, pdu.NoOpcode, 0))
	}
	if p.MinWindow > p.Window {
		return fmt.Errorf("controller: minimum window %s exceeds window %s: %w", p.MinWindow, p.Window,
			pdu.NewError(pdu.ErrInvalidHCIParameters, pdu.NoOpcode, 0))
	}
	return nil
}

// window walks the primary advertising channels one scan interval at a time
type window struct {
	ScanParams
	next    radio.Time
	channel int
	seq     uint64
}

func (w *window) task(role sched.Role) sched.Task {
	return sched.Task{
		Role:        role,
		Start:       w.next,
		Duration:    w.Window,
		MinDuration: w.MinWindow,
		QoS:         sched.QoSLow,
		Seq:         w.seq,
	}
}

func (w *window) request(kind radio.Kind, t sched.Task) radio.Request {
	return radio.Request{
		Kind:          kind,
		Start:         t.Start,
		MaxDuration:   t.Duration,
		Channel:       37 + w.channel,
		Mode:          pdu.Mode1M,
		AccessAddress: radio.AdvertisingAccessAddress,
	}
}

// advance moves to the next window and channel. Windows the scheduler
// displaced are simply late.
func (w *window) advance(ran radio.Time) {
	w.next = ran + w.Interval
	w.channel = (w.channel + 1) % 3
}

type scanner struct {
	window
	seen    map[[pdu.AddressLen]byte]bool
	reports int
}

func (s *scanner) task() sched.Task { return s.window.task(sched.RoleScan) }

func (s *scanner) request(t sched.Task) radio.Request {
	return s.window.request(radio.KindScan, t)
}

func (s *scanner) done(done radio.Completion, sink hostevt.Sink) {
	s.advance(done.Start)
	if done.Outcome != radio.Completed {
		return
	}
	for _, p := range done.Rx {
		adv, err := pdu.DecodeAdvertisingPDU(p.Payload)
		if err != nil {
			logger.Debug("scan", "dropping PDU: %v", err)
			continue
		}
		if s.FilterDuplicates {
			if s.seen[adv.AdvA] {
				continue
			}
			s.seen[adv.AdvA] = true
		}
		s.reports++
		sink.Notify(hostevt.AdvertisingReport{
			PDUType: adv.Type,
			Channel: done.Request.Channel,
			AdvA:    adv.AdvA,
			Data:    adv.AdvData,
		})
	}
}

// StartScan enables the scanner
func (c *Controller) StartScan(p ScanParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.scan = &scanner{
		window: window{ScanParams: p, next: c.radio.Now(), seq: c.nextSeq()},
		seen:   make(map[[pdu.AddressLen]byte]bool),
	}
	logger.Info("scan", "started (window %s every %s)", p.Window, p.Interval)
	return nil
}

// StopScan disables the scanner and returns how many reports it made
func (c *Controller) StopScan() int {
	if c.scan == nil {
		return 0
	}
	n := c.scan.reports
	c.scan = nil
	return n
}

// InitParams configures connection creation.
type InitParams struct {
	Scan        ScanParams
	PeerAddress [pdu.AddressLen]byte
	Params      pdu.ConnParams
	ChannelMap  pdu.ChannelMap
}

type initiator struct {
	window
	peer [pdu.AddressLen]byte
	data pdu.LLData
}

func (in *initiator) task() sched.Task { return in.window.task(sched.RoleInitiator) }

// request listens for the peer and carries the CONNECT_IND sent once the
// peer's connectable advertisement is heard.
func (in *initiator) request(t sched.Task, initA [pdu.AddressLen]byte) radio.Request {
	req := in.window.request(radio.KindInitiate, t)
	ci := &pdu.ConnectInd{ChSel: true, TxAdd: true, RxAdd: true, InitA: initA, AdvA: in.peer, Data: in.data}
	req.Tx = []radio.Packet{{Payload: ci.Encode()}}
	return req
}

// CreateConnection starts the initiator towards a peer address
func (c *Controller) CreateConnection(p InitParams) error {
	if c.init != nil {
		return fmt.Errorf("controller: connection creation already pending: %w",
			pdu.NewError(pdu.ErrCommandDisallowed, pdu.NoOpcode, 0))
	}
	if err := p.Scan.Validate(); err != nil {
		return err
	}
	if _, err := c.freeHandle(); err != nil {
		return err
	}
	data := pdu.LLData{
		AccessAddress: pdu.NewAccessAddress(c.rng.Uint32),
		CRCInit:       c.rng.Uint32() & 0xFFFFFF,
		WinSize:       2,
		Params:        p.Params,
		ChannelMap:    p.ChannelMap,
		Hop:           uint8(5 + c.rng.Intn(12)),
	}
	if err := data.Validate(); err != nil {
		return fmt.Errorf("controller: %v: %w", err, pdu.NewError(pdu.ErrInvalidHCIParameters, pdu.NoOpcode, 0))
	}
	c.init = &initiator{
		window: window{ScanParams: p.Scan, next: c.radio.Now(), seq: c.nextSeq()},
		peer:   p.PeerAddress,
		data:   data,
	}
	logger.Info("init", "connecting to %X with AA 0x%08X", p.PeerAddress, data.AccessAddress)
	return nil
}

// CancelCreateConnection stops a pending connection creation
func (c *Controller) CancelCreateConnection() error {
	if c.init == nil {
		return fmt.Errorf("controller: no connection creation pending: %w",
			pdu.NewError(pdu.ErrCommandDisallowed, pdu.NoOpcode, 0))
	}
	c.init = nil
	return nil
}

// initiatorDone turns a heard connectable advertisement of the peer into a
// central connection.
func (c *Controller) initiatorDone(done radio.Completion) {
	in := c.init
	if in == nil {
		return
	}
	in.advance(done.Start)
	if done.Outcome != radio.Completed || !done.RxValid {
		return
	}
	for _, p := range done.Rx {
		adv, err := pdu.DecodeAdvertisingPDU(p.Payload)
		if err != nil || adv.AdvA != in.peer {
			continue
		}
		if adv.Type != pdu.PDUTypeAdvInd && adv.Type != pdu.PDUTypeAdvDirectInd {
			continue
		}
		anchor := conn.FirstAnchor(done.End, in.data.WinOffset, false, pdu.Mode1M)
		if _, err := c.addConnection(conn.Central, in.data, adv.ChSel, anchor); err != nil {
			logger.Warn("init", "connection to %X failed: %v", in.peer, err)
		}
		c.init = nil
		return
	}
}
