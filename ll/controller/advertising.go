package controller

import (
	"fmt"

	"github.com/user/linklayer/ll/advsched"
	"github.com/user/linklayer/ll/conn"
	"github.com/user/linklayer/ll/hostevt"
	"github.com/user/linklayer/ll/pdu"
	"github.com/user/linklayer/ll/radio"
	"github.com/user/linklayer/ll/sched"
	"github.com/user/linklayer/logger"
)

// ConfigureAdvertising creates or updates an advertising set. A zero AdvA
// uses the controller's address.
func (c *Controller) ConfigureAdvertising(handle uint8, params advsched.SetParams) error {
	if params.AdvA == ([pdu.AddressLen]byte{}) {
		params.AdvA = c.cfg.Address
	}
	if _, err := c.adv.Configure(handle, params); err != nil {
		return err
	}
	if _, ok := c.advSeq[handle]; !ok {
		c.advSeq[handle] = c.nextSeq()
	}
	return nil
}

// SetAdvertisingData replaces a set's advertising data
func (c *Controller) SetAdvertisingData(handle uint8, data []byte) error {
	return c.adv.SetData(handle, data)
}

// SetScanResponseData replaces a set's scan response data
func (c *Controller) SetScanResponseData(handle uint8, data []byte) error {
	return c.adv.SetScanResponseData(handle, data)
}

// EnableAdvertising starts a set now. duration and maxEvents of zero mean
// no limit.
func (c *Controller) EnableAdvertising(handle uint8, duration radio.Time, maxEvents int) error {
	if err := c.adv.Enable(handle, c.radio.Now(), duration, maxEvents); err != nil {
		return err
	}
	c.sink.Notify(hostevt.AdvertisingSetStarted{Handle: handle})
	return nil
}

// DisableAdvertising stops a set on host request
func (c *Controller) DisableAdvertising(handle uint8) error {
	if err := c.adv.Disable(handle); err != nil {
		return err
	}
	events := 0
	if s, ok := c.adv.Get(handle); ok {
		events = s.Events
	}
	c.sink.Notify(hostevt.AdvertisingSetEnded{Handle: handle, Events: events})
	return nil
}

// RemoveAdvertising deletes a disabled set
func (c *Controller) RemoveAdvertising(handle uint8) error {
	if err := c.adv.Remove(handle); err != nil {
		return err
	}
	delete(c.advSeq, handle)
	return nil
}

func (c *Controller) terminated(term *advsched.Termination) {
	if term == nil {
		return
	}
	c.sink.Notify(hostevt.AdvertisingSetTerminated{
		Handle:     term.Handle,
		Status:     term.Reason,
		ConnHandle: term.ConnHandle,
		Events:     term.Events,
	})
}

// expireAdvertising skips set events that found no slot before their
// deadline
func (c *Controller) expireAdvertising(now radio.Time) {
	for _, e := range c.adv.List().Entries() {
		if now > c.adv.Deadline(e.Handle) {
			c.terminated(c.adv.Skip(e.Handle))
		}
	}
}

// advertisingTasks offers every enabled set to the scheduler. Sets that fit
// back to back before the next anchored event are packed there. An overdue
// head that does not fit is offered from now.
func (c *Controller) advertisingTasks(now, limit radio.Time) []sched.Task {
	entries := c.adv.List().Entries()
	if len(entries) == 0 {
		return nil
	}
	packed := make(map[uint8]radio.Time)
	for _, slot := range c.adv.List().Pack(now, limit, c.cfg.Sched.Guard) {
		packed[slot.Handle] = slot.Start
	}
	if head, ok := c.adv.List().NextViable(now); ok {
		if _, ok := packed[head.Handle]; !ok {
			packed[head.Handle] = head.Start
		}
	}
	out := make([]sched.Task, 0, len(entries))
	for _, e := range entries {
		start := e.Earliest
		if s, ok := packed[e.Handle]; ok {
			start = s
		}
		out = append(out, sched.Task{
			Role:     sched.RoleAdvertising,
			Owner:    int(e.Handle),
			Start:    start,
			Duration: e.Estimate,
			QoS:      sched.QoSNormal,
			Seq:      c.advSeq[e.Handle],
		})
	}
	return out
}

func advertisingType(p advsched.Properties) byte {
	switch {
	case !p.Legacy:
		return pdu.PDUTypeAdvExtInd
	case p.Connectable:
		return pdu.PDUTypeAdvInd
	case p.Scannable:
		return pdu.PDUTypeAdvScanInd
	}
	return pdu.PDUTypeAdvNonconnInd
}

// advertisingRequest sends the set's PDU once on each primary channel.
// Extended sets only put ADV_EXT_IND on the primary channels; their data
// rides on the secondary channel and is accounted for in the estimate.
func (c *Controller) advertisingRequest(t sched.Task) (radio.Request, bool) {
	s, ok := c.adv.Get(uint8(t.Owner))
	if !ok || !s.Enabled {
		return radio.Request{}, false
	}
	adv := &pdu.AdvertisingPDU{
		Type:  advertisingType(s.Params.Properties),
		ChSel: true,
		TxAdd: true,
		AdvA:  s.Params.AdvA,
	}
	if s.Params.Legacy {
		adv.AdvData = s.Data
	}
	b, err := adv.Encode()
	if err != nil {
		logger.Error(fmt.Sprintf("adv %d", s.Handle), "encode: %v", err)
		return radio.Request{}, false
	}
	channels := s.Params.Channels()
	req := radio.Request{
		Kind:          radio.KindAdvertising,
		Start:         t.Start,
		MaxDuration:   t.Duration,
		Channel:       channels[0],
		Mode:          pdu.ModeOf(s.Params.PrimaryPHY, s.Params.CodedS2),
		AccessAddress: radio.AdvertisingAccessAddress,
	}
	for range channels {
		req.Tx = append(req.Tx, radio.Packet{Payload: b})
	}
	return req, true
}

// advertisingDone completes a set's event. A CONNECT_IND addressed to a
// connectable set turns it into a peripheral connection.
func (c *Controller) advertisingDone(handle uint8, done radio.Completion) {
	if done.Outcome != radio.Completed {
		logger.Debug(fmt.Sprintf("adv %d", handle), "event %s, retrying", done.Outcome)
		return
	}
	s, ok := c.adv.Get(handle)
	if !ok || !s.Enabled {
		return
	}
	if s.Params.Connectable && done.RxValid {
		for _, p := range done.Rx {
			ci, err := pdu.DecodeConnectInd(p.Payload)
			if err != nil || ci.AdvA != s.Params.AdvA {
				continue
			}
			if err := ci.Data.Validate(); err != nil {
				logger.Warn(fmt.Sprintf("adv %d", handle), "ignoring CONNECT_IND: %v", err)
				continue
			}
			anchor := conn.FirstAnchor(done.End, ci.Data.WinOffset, !s.Params.Legacy, pdu.ModeOf(s.Params.SecondaryPHY, s.Params.CodedS2))
			cn, err := c.addConnection(conn.Peripheral, ci.Data, ci.ChSel, anchor)
			if err != nil {
				logger.Warn(fmt.Sprintf("adv %d", handle), "connection refused: %v", err)
				break
			}
			c.terminated(c.adv.Connected(handle, cn.Handle))
			return
		}
	}
	c.terminated(c.adv.Complete(handle, done.Start))
}
