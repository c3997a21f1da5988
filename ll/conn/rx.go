package conn

import (
	"errors"

	"github.com/user/linklayer/ll/counter"
	"github.com/user/linklayer/ll/ctrlproc"
	"github.com/user/linklayer/ll/hostevt"
	"github.com/user/linklayer/ll/pdu"
	"github.com/user/linklayer/logger"
)

// handleControl processes one received control PDU
func (c *Connection) handleControl(payload []byte) {
	ctrl, err := pdu.DecodeControl(payload)
	switch {
	case errors.Is(err, pdu.ErrUnknownOpcode):
		logger.Debug(c.prefix, "unknown opcode 0x%02X, answering LL_UNKNOWN_RSP", payload[0])
		c.respond(&pdu.UnknownRsp{UnknownType: payload[0]})
		return
	case err != nil:
		op := uint8(pdu.NoOpcode)
		if len(payload) > 0 {
			op = payload[0]
		}
		logger.Warn(c.prefix, "malformed control PDU: %v", err)
		c.respond(&pdu.RejectExtInd{RejectOpcode: op, Reason: pdu.ErrInvalidLLParameters})
		return
	}
	logger.Trace(c.prefix, "event %s rx %s", c.Event, pdu.OpcodeName(ctrl.Opcode()))
	if !c.supports(ctrl.Opcode()) {
		logger.Debug(c.prefix, "%s not supported locally", pdu.OpcodeName(ctrl.Opcode()))
		c.respond(&pdu.UnknownRsp{UnknownType: ctrl.Opcode()})
		return
	}

	switch p := ctrl.(type) {
	case *pdu.ConnectionUpdateInd:
		if c.centralOnly(p) {
			c.rxConnectionUpdate(p)
		}
	case *pdu.ChannelMapInd:
		if c.centralOnly(p) {
			c.rxChannelMap(p)
		}
	case *pdu.PHYUpdateInd:
		if c.centralOnly(p) {
			c.rxPHYUpdate(p)
		}
	case *pdu.MinUsedChannelsInd:
		if c.Role != Central {
			c.respond(&pdu.UnknownRsp{UnknownType: p.Opcode()})
			return
		}
		logger.Debug(c.prefix, "peer wants at least %d channels on %s", p.MinUsed, p.PHYs)
	case *pdu.TerminateInd:
		logger.Info(c.prefix, "peer terminated: %s", p.Reason)
		c.end(p.Reason)
	case *pdu.UnknownRsp:
		c.rejected(p.UnknownType, pdu.ErrUnsupportedRemoteFeature)
	case *pdu.RejectInd:
		c.rejected(pdu.NoOpcode, p.Reason)
	case *pdu.RejectExtInd:
		c.rejected(p.RejectOpcode, p.Reason)
	case *pdu.FeatureExchange:
		c.rxFeatures(p)
	case *pdu.VersionInd:
		c.rxVersion(p)
	case *pdu.ConnectionParam:
		if p.Op == pdu.OpConnectionParamReq {
			c.rxConnParamReq(p)
		} else {
			c.rxConnParamRsp(p)
		}
	case *pdu.Ping:
		if p.Op == pdu.OpPingReq {
			c.respond(&pdu.Ping{Op: pdu.OpPingRsp})
		} else {
			c.responseReceived(pdu.OpPingRsp)
		}
	case *pdu.Length:
		c.rxLength(p)
	case *pdu.PHYPreference:
		if p.Op == pdu.OpPHYReq {
			c.rxPHYReq(p)
		} else {
			c.rxPHYRsp(p)
		}
	}
}

// supports reports whether the local feature set allows answering a
// procedure the peer started.
func (c *Connection) supports(op uint8) bool {
	f := c.cfg.Features
	switch op {
	case pdu.OpPingReq:
		return f.Has(pdu.FeaturePing)
	case pdu.OpConnectionParamReq:
		return f.Has(pdu.FeatureConnectionParamRequest)
	case pdu.OpLengthReq:
		return f.Has(pdu.FeatureDataLengthExtension)
	case pdu.OpPeripheralFeatureReq:
		return f.Has(pdu.FeaturePeripheralFeatureExchange)
	case pdu.OpPHYReq:
		return f.Has(pdu.FeaturePHY2M) || f.Has(pdu.FeatureCodedPHY)
	}
	return true
}

// centralOnly answers LL_UNKNOWN_RSP when a central receives a PDU only a
// central may send.
func (c *Connection) centralOnly(ctrl pdu.Control) bool {
	if c.Role == Central {
		c.respond(&pdu.UnknownRsp{UnknownType: ctrl.Opcode()})
		return false
	}
	return true
}

// end requests termination at the end of post-processing
func (c *Connection) end(reason pdu.ErrorCode) {
	if c.endPending {
		return
	}
	c.endPending = true
	c.endReason = reason
}

// checkInstant fails the link when an instant is not in the future
func (c *Connection) checkInstant(ind pdu.Instanted) bool {
	if counter.IsFuture(c.Event, ind.Instant()) {
		return true
	}
	logger.Warn(c.prefix, "%s instant %s is not after event %s",
		pdu.OpcodeName(ind.Opcode()), ind.Instant(), c.Event)
	c.end(pdu.ErrInstantPassed)
	return false
}

func (c *Connection) expectIfActive(procs ...pdu.Procedure) {
	h := c.queue.Active()
	if h == nil {
		return
	}
	for _, proc := range procs {
		if h.Procedure() == proc {
			if err := c.queue.Expect(); err != nil {
				logger.Debug(c.prefix, "expect: %v", err)
			}
			return
		}
	}
}

func (c *Connection) rxConnectionUpdate(p *pdu.ConnectionUpdateInd) {
	if !c.checkInstant(p) {
		return
	}
	c.pendingParams.Schedule(paramsUpdate{Params: p.Params, WinOffset: p.WinOffset}, p.At)
	c.expectIfActive(pdu.ProcConnectionParam, pdu.ProcConnectionUpdate)
	logger.Debug(c.prefix, "connection update at %s: interval %d latency %d timeout %d",
		p.At, p.Params.Interval, p.Params.Latency, p.Params.Timeout)
}

func (c *Connection) rxChannelMap(p *pdu.ChannelMapInd) {
	if err := p.Map.Validate(); err != nil {
		logger.Warn(c.prefix, "ignoring channel map %s: %v", p.Map, err)
		return
	}
	if !c.checkInstant(p) {
		return
	}
	c.pendingMap.Schedule(p.Map, p.At)
	logger.Debug(c.prefix, "channel map %s at %s", p.Map, p.At)
}

func (c *Connection) rxPHYUpdate(p *pdu.PHYUpdateInd) {
	if p.CentralToPeripheral == 0 && p.PeripheralToCentral == 0 {
		if h := c.queue.Active(); h != nil && h.Procedure() == pdu.ProcPHYUpdate {
			c.queue.Expect()
			c.queue.InstantApplied()
			c.sink.Notify(hostevt.PHYUpdated{Handle: c.Handle, Status: pdu.Success, Tx: c.TxPHY, Rx: c.RxPHY})
		}
		return
	}
	if !c.checkInstant(p) {
		return
	}
	c.pendingPHY.Schedule(phyUpdate{Tx: p.PeripheralToCentral, Rx: p.CentralToPeripheral}, p.At)
	c.expectIfActive(pdu.ProcPHYUpdate)
}

func (c *Connection) rejected(op uint8, reason pdu.ErrorCode) {
	p, err := c.queue.Reject(op, reason)
	if err != nil {
		logger.Debug(c.prefix, "rejection of %s with no procedure: %v", pdu.OpcodeName(op), err)
		return
	}
	logger.Warn(c.prefix, "%s rejected: %s", p.Procedure(), reason)
	switch p.Procedure() {
	case pdu.ProcFeatureExchange:
		c.sink.Notify(hostevt.RemoteFeatures{Handle: c.Handle, Status: reason})
	case pdu.ProcVersionExchange:
		c.sink.Notify(hostevt.RemoteVersion{Handle: c.Handle, Status: reason})
	case pdu.ProcConnectionParam, pdu.ProcConnectionUpdate:
		c.sink.Notify(hostevt.ConnectionUpdated{Handle: c.Handle, Status: reason, Params: c.Params})
	case pdu.ProcPHYUpdate:
		c.sink.Notify(hostevt.PHYUpdated{Handle: c.Handle, Status: reason, Tx: c.TxPHY, Rx: c.RxPHY})
	default:
		c.sink.Notify(hostevt.ProcedureFailed{Handle: c.Handle, Procedure: p.Procedure(), Reason: reason})
	}
}

func (c *Connection) responseReceived(op uint8) (*ctrlproc.Packet, bool) {
	p, err := c.queue.ResponseReceived(op)
	if err != nil {
		logger.Debug(c.prefix, "%v", err)
		return nil, false
	}
	return p, true
}

func (c *Connection) rxFeatures(p *pdu.FeatureExchange) {
	if p.Op == pdu.OpFeatureRsp {
		if _, ok := c.responseReceived(pdu.OpFeatureRsp); !ok {
			return
		}
		c.RemoteFeatures = p.Features
		c.featuresKnown = true
		c.sink.Notify(hostevt.RemoteFeatures{Handle: c.Handle, Status: pdu.Success, Features: p.Features})
		return
	}

	// LL_FEATURE_REQ comes from the central, LL_PERIPHERAL_FEATURE_REQ
	// from the peripheral.
	if (p.Op == pdu.OpFeatureReq) != (c.Role == Peripheral) {
		c.respond(&pdu.UnknownRsp{UnknownType: p.Op})
		return
	}
	c.RemoteFeatures = p.Features
	c.featuresKnown = true
	rsp := c.cfg.Features.ForPeer()
	rsp[0] &= p.Features[0]
	c.respond(&pdu.FeatureExchange{Op: pdu.OpFeatureRsp, Features: rsp})
}

func (c *Connection) rxVersion(p *pdu.VersionInd) {
	v := *p
	c.RemoteVersion = &v
	if _, ok := c.responseReceived(pdu.OpVersionInd); ok {
		c.sink.Notify(hostevt.RemoteVersion{
			Handle:     c.Handle,
			Status:     pdu.Success,
			Version:    v.Version,
			CompanyID:  v.CompanyID,
			SubVersion: v.SubVersion,
		})
		return
	}
	if !c.versionSent {
		c.versionSent = true
		ours := c.cfg.Version
		c.respond(&ours)
	}
}

func (c *Connection) rxConnParamReq(p *pdu.ConnectionParam) {
	reject := func(reason pdu.ErrorCode) {
		logger.Debug(c.prefix, "rejecting peer LL_CONNECTION_PARAM_REQ: %s", reason)
		c.respond(&pdu.RejectExtInd{RejectOpcode: pdu.OpConnectionParamReq, Reason: reason})
	}
	if err := p.Range.Validate(); err != nil {
		reject(pdu.ErrInvalidLLParameters)
		return
	}

	active := c.queue.Active()
	if c.Role == Central {
		if active != nil {
			switch active.Procedure() {
			case pdu.ProcConnectionParam, pdu.ProcConnectionUpdate:
				reject(pdu.ErrLLProcedureCollision)
				return
			case pdu.ProcChannelMap, pdu.ProcPHYUpdate:
				reject(pdu.ErrDifferentTransactionCollision)
				return
			}
		}
		if reason := c.collision(pdu.ProcConnectionParam); reason != pdu.Success {
			reject(reason)
			return
		}
		upd := &pdu.ConnectionUpdateInd{WinSize: 1, Params: p.Range.Pick(c.Params.Interval)}
		if _, err := c.queue.Replace(upd, false); err == nil {
			return
		}
		if _, err := c.queue.Enqueue(upd, c.Event); err != nil {
			reject(pdu.CodeOf(err))
		}
		return
	}

	if active != nil && (active.Procedure() == pdu.ProcPHYUpdate || active.Procedure() == pdu.ProcChannelMap) {
		reject(pdu.ErrDifferentTransactionCollision)
		return
	}
	if reason := c.collision(pdu.ProcConnectionParam); reason != pdu.Success {
		reject(reason)
		return
	}
	rsp := &pdu.ConnectionParam{Op: pdu.OpConnectionParamRsp, Range: p.Range, ReferenceEvent: p.ReferenceEvent}
	// The central's request wins over ours: answer it in our place.
	if _, err := c.queue.Replace(rsp, true); err == nil {
		logger.Debug(c.prefix, "local connection parameter request superseded by the central's")
		return
	}
	c.respond(rsp)
}

func (c *Connection) rxConnParamRsp(p *pdu.ConnectionParam) {
	if c.Role != Central {
		c.respond(&pdu.UnknownRsp{UnknownType: p.Op})
		return
	}
	h := c.queue.Active()
	if h == nil || h.Opcode() != pdu.OpConnectionParamReq || h.State() != ctrlproc.AwaitingResponse {
		logger.Debug(c.prefix, "unexpected LL_CONNECTION_PARAM_RSP")
		return
	}
	if err := p.Range.Validate(); err != nil {
		c.rejected(pdu.OpConnectionParamReq, pdu.ErrUnacceptableConnectionParams)
		return
	}
	c.queue.Continue(&pdu.ConnectionUpdateInd{WinSize: 1, Params: p.Range.Pick(c.Params.Interval)})
}

func (c *Connection) rxLength(p *pdu.Length) {
	if p.Op == pdu.OpLengthReq {
		c.respond(&pdu.Length{
			Op:          pdu.OpLengthRsp,
			MaxRxOctets: c.cfg.MaxRxOctets,
			MaxRxTime:   c.cfg.MaxRxTime,
			MaxTxOctets: c.cfg.MaxTxOctets,
			MaxTxTime:   c.cfg.MaxTxTime,
		})
	} else if _, ok := c.responseReceived(pdu.OpLengthRsp); !ok {
		return
	}

	dl := DataLength{
		MaxTxOctets: min(c.cfg.MaxTxOctets, p.MaxRxOctets),
		MaxTxTime:   min(c.cfg.MaxTxTime, p.MaxRxTime),
		MaxRxOctets: min(c.cfg.MaxRxOctets, p.MaxTxOctets),
		MaxRxTime:   min(c.cfg.MaxRxTime, p.MaxTxTime),
	}
	dl.MaxTxOctets = max(dl.MaxTxOctets, DefaultDataOctets)
	dl.MaxTxTime = max(dl.MaxTxTime, DefaultDataTime)
	dl.MaxRxOctets = max(dl.MaxRxOctets, DefaultDataOctets)
	dl.MaxRxTime = max(dl.MaxRxTime, DefaultDataTime)
	if dl == c.DataLength {
		return
	}
	c.DataLength = dl
	logger.Info(c.prefix, "data length tx %d/%dus rx %d/%dus", dl.MaxTxOctets, dl.MaxTxTime, dl.MaxRxOctets, dl.MaxRxTime)
	c.sink.Notify(hostevt.DataLengthChanged{
		Handle:      c.Handle,
		MaxTxOctets: dl.MaxTxOctets,
		MaxTxTime:   dl.MaxTxTime,
		MaxRxOctets: dl.MaxRxOctets,
		MaxRxTime:   dl.MaxRxTime,
	})
}

// choosePHY returns the PHY to switch one direction to, or 0 when it stays.
func choosePHY(allowed pdu.PHY, current pdu.PHY) pdu.PHY {
	p := allowed.Preferred()
	if p == current {
		return 0
	}
	return p
}

func (c *Connection) rxPHYReq(p *pdu.PHYPreference) {
	active := c.queue.Active()
	if c.Role == Central {
		if active != nil {
			switch active.Procedure() {
			case pdu.ProcPHYUpdate:
				c.respond(&pdu.RejectExtInd{RejectOpcode: pdu.OpPHYReq, Reason: pdu.ErrLLProcedureCollision})
				return
			case pdu.ProcConnectionUpdate, pdu.ProcConnectionParam, pdu.ProcChannelMap:
				c.respond(&pdu.RejectExtInd{RejectOpcode: pdu.OpPHYReq, Reason: pdu.ErrDifferentTransactionCollision})
				return
			}
		}
		if reason := c.collision(pdu.ProcPHYUpdate); reason != pdu.Success {
			c.respond(&pdu.RejectExtInd{RejectOpcode: pdu.OpPHYReq, Reason: reason})
			return
		}
		ind := &pdu.PHYUpdateInd{
			CentralToPeripheral: choosePHY(p.RxPHYs&c.cfg.SupportedPHYs, c.TxPHY),
			PeripheralToCentral: choosePHY(p.TxPHYs&c.cfg.SupportedPHYs, c.RxPHY),
		}
		c.respond(ind)
		return
	}

	if active != nil && (active.Procedure() == pdu.ProcConnectionParam || active.Procedure() == pdu.ProcConnectionUpdate) {
		c.respond(&pdu.RejectExtInd{RejectOpcode: pdu.OpPHYReq, Reason: pdu.ErrDifferentTransactionCollision})
		return
	}
	if reason := c.collision(pdu.ProcPHYUpdate); reason != pdu.Success {
		c.respond(&pdu.RejectExtInd{RejectOpcode: pdu.OpPHYReq, Reason: reason})
		return
	}
	rsp := &pdu.PHYPreference{Op: pdu.OpPHYRsp, TxPHYs: c.cfg.SupportedPHYs, RxPHYs: c.cfg.SupportedPHYs}
	if _, err := c.queue.Replace(rsp, true); err == nil {
		return
	}
	c.respond(rsp)
}

func (c *Connection) rxPHYRsp(p *pdu.PHYPreference) {
	if c.Role != Central {
		c.respond(&pdu.UnknownRsp{UnknownType: p.Op})
		return
	}
	h := c.queue.Active()
	if h == nil || h.Opcode() != pdu.OpPHYReq || h.State() != ctrlproc.AwaitingResponse {
		logger.Debug(c.prefix, "unexpected LL_PHY_RSP")
		return
	}
	req := h.PDU.(*pdu.PHYPreference)
	ind := &pdu.PHYUpdateInd{
		CentralToPeripheral: choosePHY(req.TxPHYs&p.RxPHYs, c.TxPHY),
		PeripheralToCentral: choosePHY(req.RxPHYs&p.TxPHYs, c.RxPHY),
	}
	if ind.CentralToPeripheral == 0 && ind.PeripheralToCentral == 0 {
		c.queue.Expect()
		c.queue.InstantApplied()
		c.respond(ind)
		c.sink.Notify(hostevt.PHYUpdated{Handle: c.Handle, Status: pdu.Success, Tx: c.TxPHY, Rx: c.RxPHY})
		return
	}
	c.queue.Continue(ind)
}
