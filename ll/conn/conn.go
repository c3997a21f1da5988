// Package conn runs one LL connection: it builds the radio task of each
// connection event, handles the control PDUs received in it, and
// post-processes the event in a fixed order (advance the counter, apply
// updates due at this instant, drop finished procedures, pick the next
// channel, then terminate or reschedule).
package conn

import (
	"fmt"
	"time"

	"github.com/user/linklayer/ll/chansel"
	"github.com/user/linklayer/ll/counter"
	"github.com/user/linklayer/ll/ctrlproc"
	"github.com/user/linklayer/ll/hostevt"
	"github.com/user/linklayer/ll/pdu"
	"github.com/user/linklayer/ll/radio"
	"github.com/user/linklayer/ll/sched"
	"github.com/user/linklayer/logger"
)

// Role is the local role on the link
type Role uint8

const (
	Central Role = iota
	Peripheral
)

func (r Role) String() string {
	if r == Central {
		return "central"
	}
	return "peripheral"
}

// State is the connection event lifecycle state
type State uint8

const (
	Scheduled State = iota
	RadioActive
	PostProcess
	Terminating
	Terminated
)

var stateNames = map[State]string{
	Scheduled:   "scheduled",
	RadioActive: "radio_active",
	PostProcess: "post_process",
	Terminating: "terminating",
	Terminated:  "terminated",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Default data length values (Core Spec v5.3 Vol 6, Part B, 4.5.10)
const (
	DefaultDataOctets = 27
	DefaultDataTime   = 328
	MaxDataOctets     = 251
	MaxDataTime       = 2120
)

// Config is the per-connection configuration shared by all links of a
// controller.
type Config struct {
	// InstantOffset is the minimum distance in events from sending an
	// instant-bearing PDU to its instant. Peripheral latency is added.
	InstantOffset    int
	QueueDepth       int
	ProcedureTimeout time.Duration
	// EstablishEvents is how many events may pass without a packet from
	// the peer before the connection fails to be established.
	EstablishEvents int

	Features      pdu.FeatureSet
	Version       pdu.VersionInd
	SupportedPHYs pdu.PHY
	MaxTxOctets   uint16
	MaxTxTime     uint16
	MaxRxOctets   uint16
	MaxRxTime     uint16
}

// DefaultConfig returns the defaults used by the controller
func DefaultConfig() Config {
	return Config{
		InstantOffset:    6,
		QueueDepth:       ctrlproc.DefaultDepth,
		ProcedureTimeout: ctrlproc.DefaultTimeout,
		EstablishEvents:  6,
		Features: pdu.NewFeatureSet(
			pdu.FeatureConnectionParamRequest,
			pdu.FeatureExtendedRejectInd,
			pdu.FeaturePeripheralFeatureExchange,
			pdu.FeaturePing,
			pdu.FeatureDataLengthExtension,
			pdu.FeaturePHY2M,
			pdu.FeatureCodedPHY,
			pdu.FeatureChannelSelectionAlgorithm2,
		),
		Version:       pdu.VersionInd{Version: 0x0C, CompanyID: 0xFFFF, SubVersion: 0x0001},
		SupportedPHYs: pdu.PHY1M | pdu.PHY2M | pdu.PHYCoded,
		MaxTxOctets:   MaxDataOctets,
		MaxTxTime:     MaxDataTime,
		MaxRxOctets:   MaxDataOctets,
		MaxRxTime:     MaxDataTime,
	}
}

// Setup describes a connection as created by CONNECT_IND or AUX_CONNECT_REQ.
type Setup struct {
	Handle uint16
	Role   Role
	Data   pdu.LLData
	// CSA2 is set when both sides advertised channel selection algorithm #2
	CSA2 bool
	// Anchor is the first anchor point
	Anchor radio.Time
}

// DataLength is the effective data length on the link
type DataLength struct {
	MaxTxOctets uint16
	MaxTxTime   uint16
	MaxRxOctets uint16
	MaxRxTime   uint16
}

// Stats counts connection events for packet error rate accounting
type Stats struct {
	Events    int
	RxOK      int
	Missed    int
	CRCErrors int
	Skipped   int // events slept through with peripheral latency
}

// PER returns the fraction of attended events without a valid packet
func (s Stats) PER() float64 {
	if s.Events == 0 {
		return 0
	}
	return float64(s.Events-s.RxOK) / float64(s.Events)
}

type paramsUpdate struct {
	Params    pdu.ConnParams
	WinOffset uint16
}

type phyUpdate struct {
	Tx pdu.PHY
	Rx pdu.PHY
}

type txItem struct {
	ctrl pdu.Control
	pkt  *ctrlproc.Packet // nil for replies to the peer's procedures
}

// Connection is one LL connection. It is driven from the controller's event
// loop and is not safe for concurrent use.
type Connection struct {
	Handle        uint16
	Role          Role
	AccessAddress uint32
	CRCInit       uint32
	Params        pdu.ConnParams
	TxPHY         pdu.PHY
	RxPHY         pdu.PHY
	DataLength    DataLength
	QoS           sched.QoS

	// Event is the counter of the next event to run and Anchor its anchor
	// point. Channel is the data channel of that event.
	Event   counter.Event
	Anchor  radio.Time
	Channel int

	Stats          Stats
	RemoteFeatures pdu.FeatureSet
	RemoteVersion  *pdu.VersionInd
	// Reason is the termination reason once Terminated
	Reason pdu.ErrorCode

	cfg    Config
	sink   hostevt.Sink
	prefix string

	chMap *chansel.Map
	algo  chansel.Algorithm
	queue *ctrlproc.Queue

	responses []pdu.Control
	inflight  []txItem
	unacked   []txItem

	pendingParams counter.Pending[paramsUpdate]
	pendingMap    counter.Pending[pdu.ChannelMap]
	pendingPHY    counter.Pending[phyUpdate]

	state         State
	established   bool
	sinceStart    int
	lastRx        radio.Time
	featuresKnown bool
	versionSent   bool

	// Set while handling received PDUs and acted on in post-processing.
	endReason  pdu.ErrorCode
	endPending bool
	termAcked  bool
}

// New creates a connection and reports it to the host
func New(s Setup, cfg Config, sink hostevt.Sink) (*Connection, error) {
	if sink == nil {
		sink = hostevt.Discard
	}
	if err := s.Data.Params.Validate(); err != nil {
		return nil, fmt.Errorf("conn: %v: %w", err, pdu.NewError(pdu.ErrInvalidLLParameters, pdu.NoOpcode, s.Handle))
	}
	m, err := chansel.NewMap(s.Data.ChannelMap)
	if err != nil {
		return nil, fmt.Errorf("conn: %w", err)
	}
	algo, err := chansel.Select(s.CSA2, s.CSA2, s.Data.AccessAddress, int(s.Data.Hop))
	if err != nil {
		return nil, fmt.Errorf("conn: %v: %w", err, pdu.NewError(pdu.ErrInvalidLLParameters, pdu.NoOpcode, s.Handle))
	}
	if cfg.InstantOffset < 6 {
		cfg.InstantOffset = 6
	}
	if cfg.EstablishEvents <= 0 {
		cfg.EstablishEvents = 6
	}

	c := &Connection{
		Handle:        s.Handle,
		Role:          s.Role,
		AccessAddress: s.Data.AccessAddress,
		CRCInit:       s.Data.CRCInit,
		Params:        s.Data.Params,
		TxPHY:         pdu.PHY1M,
		RxPHY:         pdu.PHY1M,
		DataLength: DataLength{
			MaxTxOctets: DefaultDataOctets,
			MaxTxTime:   DefaultDataTime,
			MaxRxOctets: DefaultDataOctets,
			MaxRxTime:   DefaultDataTime,
		},
		QoS:    sched.QoSNormal,
		Anchor: s.Anchor,
		lastRx: s.Anchor,
		cfg:    cfg,
		sink:   sink,
		prefix: fmt.Sprintf("conn %d", s.Handle),
		chMap:  m,
		algo:   algo,
		queue:  ctrlproc.New(cfg.QueueDepth, cfg.ProcedureTimeout, s.Data.Params.IntervalUs()),
	}
	c.Channel = c.algo.Next(c.Event, c.chMap)

	logger.Info(c.prefix, "established as %s (%s, interval %.2fms, latency %d, timeout %dms)",
		c.Role, c.algo.Name(), c.Params.IntervalMs(), c.Params.Latency, int(c.Params.Timeout)*10)
	c.sink.Notify(hostevt.ConnectionEstablished{
		Handle:        c.Handle,
		Central:       c.Role == Central,
		Status:        pdu.Success,
		Params:        c.Params,
		AccessAddress: c.AccessAddress,
		Algorithm:     c.algo.Name(),
	})
	return c, nil
}

// State returns the lifecycle state
func (c *Connection) State() State { return c.state }

// Terminated reports whether the connection is gone
func (c *Connection) Terminated() bool { return c.state == Terminated }

// Established reports whether a packet was ever received from the peer
func (c *Connection) Established() bool { return c.established }

// Queue returns the control procedure queue
func (c *Connection) Queue() *ctrlproc.Queue { return c.queue }

// Map returns the channel map in use
func (c *Connection) Map() *chansel.Map { return c.chMap }

// Algorithm returns the channel selection algorithm
func (c *Connection) Algorithm() chansel.Algorithm { return c.algo }

// PendingParams reports a parameter update waiting for its instant
func (c *Connection) PendingParams() (pdu.ConnParams, counter.Event, bool) {
	return c.pendingParams.Value().Params, c.pendingParams.Instant(), c.pendingParams.Active()
}

// PendingChannelMap reports a channel map waiting for its instant
func (c *Connection) PendingChannelMap() (pdu.ChannelMap, counter.Event, bool) {
	return c.pendingMap.Value(), c.pendingMap.Instant(), c.pendingMap.Active()
}

// PendingPHY reports a PHY change waiting for its instant
func (c *Connection) PendingPHY() (tx, rx pdu.PHY, instant counter.Event, ok bool) {
	v := c.pendingPHY.Value()
	return v.Tx, v.Rx, c.pendingPHY.Instant(), c.pendingPHY.Active()
}

func (c *Connection) interval() radio.Time {
	return radio.Time(c.Params.IntervalUs())
}

// EventDuration is the radio time reserved for one connection event: one
// maximum length packet each way.
func (c *Connection) EventDuration() radio.Time {
	tx := pdu.Airtime(pdu.ModeOf(c.TxPHY, false), int(c.DataLength.MaxTxOctets)+4)
	rx := pdu.Airtime(pdu.ModeOf(c.RxPHY, false), int(c.DataLength.MaxRxOctets)+4)
	d := radio.Time(tx + pdu.TIFS + rx + pdu.TIFS)
	if limit := c.interval() - pdu.TMSS; d > limit {
		d = limit
	}
	return d
}

// SupervisionSlack is how long the link can still go without hearing the
// peer, measured from the next anchor.
func (c *Connection) SupervisionSlack() radio.Time {
	if !c.established {
		return radio.Time(c.cfg.EstablishEvents-c.sinceStart) * c.interval()
	}
	return c.lastRx + radio.Time(c.Params.TimeoutUs()) - c.Anchor
}

// Task returns the scheduler candidate for the next event
func (c *Connection) Task(seq uint64) sched.Task {
	return sched.Task{
		Role:             sched.RoleConnection,
		Owner:            int(c.Handle),
		Start:            c.Anchor,
		Duration:         c.EventDuration(),
		QoS:              c.QoS,
		Seq:              seq,
		SupervisionSlack: c.SupervisionSlack(),
	}
}

func (c *Connection) instantOffset() int {
	off := c.cfg.InstantOffset + int(c.Params.Latency)
	if off > counter.MaxUpdateCountRange {
		off = counter.MaxUpdateCountRange
	}
	return off
}

// Prepare builds the radio request for the event at Anchor. Unacknowledged
// PDUs are retransmitted first, then replies to the peer, then the next PDU
// of the local procedures.
func (c *Connection) Prepare() radio.Request {
	c.enter(RadioActive)
	var items []txItem
	for _, it := range c.unacked {
		// A replaced procedure no longer wants its old PDU on air.
		if it.pkt != nil && (it.pkt.PDU != it.ctrl || it.pkt.State() != ctrlproc.ActiveSent) {
			continue
		}
		if c.state == Terminating && it.ctrl.Opcode() != pdu.OpTerminateInd {
			continue
		}
		items = append(items, it)
	}
	c.unacked = nil

	offset := c.instantOffset()
	for _, r := range c.responses {
		if ind, ok := r.(pdu.Instanted); ok && armable(ind) {
			ind.SetInstant(c.Event.Add(offset))
			c.arm(ind)
		}
		items = append(items, txItem{ctrl: r})
	}
	c.responses = nil

	for _, q := range []*ctrlproc.Queue{c.queue, c.queue.Info()} {
		if q == c.queue && c.deferInstant() {
			continue
		}
		if p := q.NextToSend(c.Event, offset); p != nil {
			if ind, ok := p.PDU.(pdu.Instanted); ok && armable(ind) {
				c.arm(ind)
			}
			items = append(items, txItem{ctrl: p.PDU, pkt: p})
		}
	}
	c.inflight = items

	req := radio.Request{
		Kind:          radio.KindConnection,
		Start:         c.Anchor,
		MaxDuration:   c.EventDuration(),
		Channel:       c.Channel,
		Mode:          pdu.ModeOf(c.TxPHY, false),
		AccessAddress: c.AccessAddress,
	}
	for _, it := range items {
		req.Tx = append(req.Tx, radio.Packet{Control: true, Payload: it.ctrl.Encode()})
		logger.Trace(c.prefix, "event %s tx %s", c.Event, pdu.OpcodeName(it.ctrl.Opcode()))
	}
	if len(req.Tx) == 0 {
		req.Tx = []radio.Packet{{}}
	}
	return req
}

// armable reports whether an instant PDU actually changes something. A
// PHY update with no change carries no instant.
func armable(ind pdu.Instanted) bool {
	if p, ok := ind.(*pdu.PHYUpdateInd); ok {
		return p.CentralToPeripheral != 0 || p.PeripheralToCentral != 0
	}
	return true
}

// instantPending reports whether a parameter, channel map or PHY change is
// waiting for its instant.
func (c *Connection) instantPending() bool {
	return c.pendingParams.Active() || c.pendingMap.Active() || c.pendingPHY.Active()
}

// deferInstant reports whether the head of the main queue must wait because
// it would start an instant procedure while another instant is pending. This
// covers instants armed outside the queue, such as an answer to the peer's
// LL_PHY_REQ.
func (c *Connection) deferInstant() bool {
	h := c.queue.Head()
	if h == nil || h.State() != ctrlproc.Queued || !h.Procedure().TakesInstant() || !c.instantPending() {
		return false
	}
	logger.Debug(c.prefix, "event %s: %s deferred until the pending instant", c.Event, h.Procedure())
	return true
}

// collision returns the rejection reason for a peer procedure proc that
// would take an instant while one is already pending, or Success.
func (c *Connection) collision(proc pdu.Procedure) pdu.ErrorCode {
	switch {
	case !c.instantPending():
		return pdu.Success
	case proc == pdu.ProcPHYUpdate && c.pendingPHY.Active(),
		proc == pdu.ProcConnectionParam && c.pendingParams.Active():
		return pdu.ErrLLProcedureCollision
	}
	return pdu.ErrDifferentTransactionCollision
}

// arm records the local side of an instant PDU sent by the central.
func (c *Connection) arm(ind pdu.Instanted) {
	switch p := ind.(type) {
	case *pdu.ConnectionUpdateInd:
		c.pendingParams.Schedule(paramsUpdate{Params: p.Params, WinOffset: p.WinOffset}, p.At)
	case *pdu.ChannelMapInd:
		c.pendingMap.Schedule(p.Map, p.At)
	case *pdu.PHYUpdateInd:
		c.pendingPHY.Schedule(phyUpdate{Tx: p.CentralToPeripheral, Rx: p.PeripheralToCentral}, p.At)
	}
	logger.Debug(c.prefix, "%s armed for instant %s", pdu.OpcodeName(ind.Opcode()), ind.Instant())
}

func (c *Connection) respond(ctrl pdu.Control) {
	c.responses = append(c.responses, ctrl)
}

func (c *Connection) disallowed(what string) error {
	return fmt.Errorf("conn %d: %s: %w", c.Handle, what,
		pdu.NewError(pdu.ErrCommandDisallowed, pdu.NoOpcode, c.Handle))
}

// Transmit window delays after the connect request
const (
	WindowDelayLegacy   = 1250 * radio.Microsecond
	WindowDelayExtended = 2500 * radio.Microsecond
	WindowDelayCoded    = 3750 * radio.Microsecond
)

// FirstAnchor returns the start of the transmit window of a new connection:
// the end of the connect request, plus the window delay for the kind of
// request, plus WinOffset.
func FirstAnchor(connectEnd radio.Time, winOffset uint16, extended bool, mode pdu.Mode) radio.Time {
	delay := WindowDelayLegacy
	switch {
	case extended && (mode == pdu.ModeCodedS8 || mode == pdu.ModeCodedS2):
		delay = WindowDelayCoded
	case extended:
		delay = WindowDelayExtended
	}
	return connectEnd + delay + radio.Time(winOffset)*1250
}
