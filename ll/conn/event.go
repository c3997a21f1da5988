package conn

import (
	"github.com/user/linklayer/ll/ctrlproc"
	"github.com/user/linklayer/ll/hostevt"
	"github.com/user/linklayer/ll/pdu"
	"github.com/user/linklayer/ll/radio"
	"github.com/user/linklayer/logger"
)

// Complete consumes the radio result of the event built by Prepare and
// post-processes it. Aborted and preempted events count as missed.
func (c *Connection) Complete(res radio.Completion) {
	if c.state == Terminated {
		return
	}
	c.enter(PostProcess)
	c.Stats.Events++

	acked := 0
	rx := false
	if res.Outcome == radio.Completed {
		acked = res.Acked
		rx = res.RxValid
		c.Stats.CRCErrors += res.CRCErrors
	}
	c.ack(acked)

	if rx {
		c.Stats.RxOK++
		c.lastRx = c.Anchor
		if !c.established {
			logger.Debug(c.prefix, "first packet from peer at event %s", c.Event)
		}
		c.established = true
		for _, p := range res.Rx {
			if p.Control && len(p.Payload) > 0 {
				c.handleControl(p.Payload)
			}
		}
	} else {
		c.Stats.Missed++
		logger.Trace(c.prefix, "event %s: no packet from peer (%s)", c.Event, res.Outcome)
	}
	c.postProcess()
}

// Missed post-processes an event the scheduler gave to another task.
func (c *Connection) Missed() {
	if c.state == Terminated {
		return
	}
	c.enter(PostProcess)
	c.Stats.Events++
	c.Stats.Missed++
	c.ack(0)
	c.postProcess()
}

// enter moves between the per-event states. Terminating sticks until the
// link is gone.
func (c *Connection) enter(s State) {
	if c.state != Terminating && c.state != Terminated {
		c.state = s
	}
}

func (c *Connection) ack(n int) {
	for i, it := range c.inflight {
		if i >= n {
			c.unacked = append(c.unacked, c.inflight[i:]...)
			break
		}
		if it.pkt == nil {
			continue
		}
		if it.ctrl.Opcode() == pdu.OpTerminateInd {
			c.termAcked = true
			continue
		}
		if err := c.queue.Acked(it.pkt); err != nil {
			logger.Debug(c.prefix, "ack of %s: %v", pdu.OpcodeName(it.ctrl.Opcode()), err)
		}
	}
	c.inflight = nil
}

// postProcess advances to the next event in a fixed order: counter and
// anchor, updates due at the new event, finished procedures, next channel,
// then termination checks. A peripheral with nothing to do then sleeps
// through up to Latency events.
func (c *Connection) postProcess() {
	processed := c.Anchor
	c.step()
	if c.finish(processed) {
		return
	}
	if c.state == PostProcess {
		c.state = Scheduled
	}

	for i := 0; i < int(c.Params.Latency) && c.canSkip(); i++ {
		processed = c.Anchor
		c.Stats.Skipped++
		c.step()
		if c.finish(processed) {
			return
		}
	}
}

func (c *Connection) step() {
	c.sinceStart++
	c.Event = c.Event.Next()
	c.Anchor += c.interval()
	c.applyInstant()
	for _, p := range c.queue.Dequeue() {
		logger.Debug(c.prefix, "%s done: %s", p.Procedure(), p.State())
	}
	c.Channel = c.algo.Next(c.Event, c.chMap)
}

// applyInstant switches parameters, channel map and PHY whose instant is
// the event just reached.
func (c *Connection) applyInstant() {
	if u, ok := c.pendingParams.Take(c.Event); ok {
		c.Anchor += radio.Time(u.WinOffset) * 1250
		c.Params = u.Params
		c.queue.SetInterval(u.Params.IntervalUs())
		c.completeInstant(pdu.ProcConnectionUpdate, pdu.ProcConnectionParam)
		logger.Info(c.prefix, "parameters applied at %s: interval %.2fms latency %d timeout %dms",
			c.Event, c.Params.IntervalMs(), c.Params.Latency, int(c.Params.Timeout)*10)
		c.sink.Notify(hostevt.ConnectionUpdated{Handle: c.Handle, Status: pdu.Success, Params: c.Params})
	}
	if m, ok := c.pendingMap.Take(c.Event); ok {
		if err := c.chMap.Replace(m); err != nil {
			logger.Error(c.prefix, "channel map %s: %v", m, err)
		}
		c.completeInstant(pdu.ProcChannelMap)
		logger.Info(c.prefix, "channel map applied at %s: %s", c.Event, m)
	}
	if u, ok := c.pendingPHY.Take(c.Event); ok {
		if u.Tx != 0 {
			c.TxPHY = u.Tx
		}
		if u.Rx != 0 {
			c.RxPHY = u.Rx
		}
		c.completeInstant(pdu.ProcPHYUpdate)
		logger.Info(c.prefix, "PHY applied at %s: tx %s rx %s", c.Event, c.TxPHY, c.RxPHY)
		c.sink.Notify(hostevt.PHYUpdated{Handle: c.Handle, Status: pdu.Success, Tx: c.TxPHY, Rx: c.RxPHY})
	}
}

func (c *Connection) completeInstant(procs ...pdu.Procedure) {
	h := c.queue.Active()
	if h == nil {
		return
	}
	for _, proc := range procs {
		if h.Procedure() != proc {
			continue
		}
		if h.State() != ctrlproc.AwaitingInstant {
			c.queue.Expect()
		}
		c.queue.InstantApplied()
		return
	}
}

// canSkip reports whether a peripheral may sleep through the next event
func (c *Connection) canSkip() bool {
	return c.Role == Peripheral &&
		c.established &&
		c.state == Scheduled &&
		len(c.unacked) == 0 &&
		len(c.responses) == 0 &&
		c.queue.Len() == 0 &&
		c.queue.Info().Len() == 0 &&
		!c.pendingParams.Active() &&
		!c.pendingMap.Active() &&
		!c.pendingPHY.Active()
}

// finish runs the termination checks for the event anchored at processed.
// It reports whether the connection is gone.
func (c *Connection) finish(processed radio.Time) bool {
	switch {
	case c.termAcked:
		c.terminate(pdu.ErrTerminatedByLocalHost)
		return true
	case c.endPending:
		c.terminate(c.endReason)
		return true
	}
	if err := c.queue.Tick(1); err != nil {
		logger.Warn(c.prefix, "%v", err)
		c.terminate(pdu.ErrLLResponseTimeout)
		return true
	}
	if !c.established {
		if c.sinceStart >= c.cfg.EstablishEvents {
			c.terminate(pdu.ErrConnectionFailedToBeEstablished)
			return true
		}
		return false
	}
	if processed-c.lastRx >= radio.Time(c.Params.TimeoutUs()) {
		reason := pdu.ErrConnectionTimeout
		if c.state == Terminating {
			reason = pdu.ErrTerminatedByLocalHost
		}
		c.terminate(reason)
		return true
	}
	return false
}

func (c *Connection) terminate(reason pdu.ErrorCode) {
	if c.state == Terminated {
		return
	}
	c.state = Terminated
	c.Reason = reason
	c.queue.Clear()
	c.pendingParams.Clear()
	c.pendingMap.Clear()
	c.pendingPHY.Clear()
	c.responses = nil
	c.unacked = nil
	c.inflight = nil

	if reason == pdu.ErrConnectionTimeout || reason == pdu.ErrConnectionFailedToBeEstablished {
		logger.Warn(c.prefix, "lost at event %s: %s (PER %.1f%%)", c.Event, reason, c.Stats.PER()*100)
	} else {
		logger.Info(c.prefix, "terminated at event %s: %s", c.Event, reason)
	}
	c.sink.Notify(hostevt.ConnectionTerminated{Handle: c.Handle, Reason: reason})
}
