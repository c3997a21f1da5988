package controller

import (
	"fmt"
	"sort"

	"github.com/user/linklayer/ll/advsched"
	"github.com/user/linklayer/ll/counter"
	"github.com/user/linklayer/ll/hostevt"
	"github.com/user/linklayer/ll/pdu"
	"github.com/user/linklayer/ll/radio"
	"github.com/user/linklayer/ll/sched"
	"github.com/user/linklayer/logger"
)

type train struct {
	*advsched.Train
	seq uint64
}

func (t *train) request(task sched.Task) radio.Request {
	req := radio.Request{
		Start:         t.Anchor,
		MaxDuration:   task.Duration,
		Channel:       t.Channel(),
		Mode:          t.Mode,
		AccessAddress: t.AccessAddress,
	}
	if t.Kind == advsched.TrainSync {
		req.Kind = radio.KindPeriodicSync
		return req
	}
	req.Kind = radio.KindPeriodicAdv
	req.Tx = []radio.Packet{{Payload: t.Payload()}}
	return req
}

func trainTasks(role sched.Role, trains map[uint8]*train) []sched.Task {
	handles := make([]int, 0, len(trains))
	for h := range trains {
		handles = append(handles, int(h))
	}
	sort.Ints(handles)
	out := make([]sched.Task, 0, len(handles))
	for _, h := range handles {
		t := trains[uint8(h)]
		out = append(out, sched.Task{
			Role:     role,
			Owner:    h,
			Start:    t.Anchor,
			Duration: t.Estimate,
			QoS:      sched.QoSNormal,
			Seq:      t.seq,
		})
	}
	return out
}

// StartPeriodicAdvertising starts a periodic advertising train one interval
// from now
func (c *Controller) StartPeriodicAdvertising(p advsched.TrainParams) error {
	p.Kind = advsched.TrainAdvertising
	if _, ok := c.periodic[p.Handle]; ok {
		return fmt.Errorf("controller: periodic advertising %d already running: %w", p.Handle,
			pdu.NewError(pdu.ErrCommandDisallowed, pdu.NoOpcode, uint16(p.Handle)))
	}
	t, err := advsched.NewTrain(p, c.radio.Now()+p.Interval)
	if err != nil {
		return err
	}
	c.periodic[p.Handle] = &train{Train: t, seq: c.nextSeq()}
	return nil
}

// StopPeriodicAdvertising stops a periodic advertising train
func (c *Controller) StopPeriodicAdvertising(handle uint8) error {
	if _, ok := c.periodic[handle]; !ok {
		return fmt.Errorf("controller: no periodic advertising %d: %w", handle,
			pdu.NewError(pdu.ErrUnknownAdvertisingID, pdu.NoOpcode, uint16(handle)))
	}
	delete(c.periodic, handle)
	return nil
}

// UpdatePeriodicChannelMap changes a periodic advertising train's channel
// map at an instant chosen like a connection's. It returns the instant.
func (c *Controller) UpdatePeriodicChannelMap(handle uint8, m pdu.ChannelMap) (counter.Event, error) {
	t, ok := c.periodic[handle]
	if !ok {
		return 0, fmt.Errorf("controller: no periodic advertising %d: %w", handle,
			pdu.NewError(pdu.ErrUnknownAdvertisingID, pdu.NoOpcode, uint16(handle)))
	}
	return t.UpdateChannelMap(m, c.cfg.Conn.InstantOffset)
}

// SyncPeriodic follows a periodic advertising train whose first event is at
// anchor, as learned from the advertiser's SyncInfo
func (c *Controller) SyncPeriodic(p advsched.TrainParams, anchor radio.Time) error {
	p.Kind = advsched.TrainSync
	if _, ok := c.syncs[p.Handle]; ok {
		return fmt.Errorf("controller: sync %d already established: %w", p.Handle,
			pdu.NewError(pdu.ErrCommandDisallowed, pdu.NoOpcode, uint16(p.Handle)))
	}
	t, err := advsched.NewTrain(p, anchor)
	if err != nil {
		return err
	}
	c.syncs[p.Handle] = &train{Train: t, seq: c.nextSeq()}
	return nil
}

// TerminateSync stops following a periodic train
func (c *Controller) TerminateSync(handle uint8) error {
	if _, ok := c.syncs[handle]; !ok {
		return fmt.Errorf("controller: no sync %d: %w", handle,
			pdu.NewError(pdu.ErrUnknownAdvertisingID, pdu.NoOpcode, uint16(handle)))
	}
	delete(c.syncs, handle)
	return nil
}

// Sync returns a periodic sync train
func (c *Controller) Sync(handle uint8) (*advsched.Train, bool) {
	t, ok := c.syncs[handle]
	if !ok {
		return nil, false
	}
	return t.Train, true
}

// Periodic returns a periodic advertising train
func (c *Controller) Periodic(handle uint8) (*advsched.Train, bool) {
	t, ok := c.periodic[handle]
	if !ok {
		return nil, false
	}
	return t.Train, true
}

// syncDone reads what a sync train heard, then moves it to its next event
func (c *Controller) syncDone(handle uint8, done radio.Completion) {
	rx := done.Outcome == radio.Completed && done.RxValid
	if t, ok := c.syncs[handle]; ok && rx {
		for _, p := range done.Rx {
			if err := t.Heard(p.Payload); err != nil {
				logger.Warn(prefix, "sync %d: %v", handle, err)
			}
		}
	}
	c.advanceTrain(c.syncs, handle, rx)
}

// catchUpTrains moves every train past the events whose slots already went
// by without a decision
func (c *Controller) catchUpTrains(now radio.Time) {
	for _, trains := range []map[uint8]*train{c.periodic, c.syncs} {
		for h, t := range trains {
			n, err := t.CatchUp(now)
			if n > 0 {
				logger.Debug(prefix, "%s %d skipped %d events", t.Kind, h, n)
			}
			if err != nil {
				c.dropTrain(trains, h, err)
			}
		}
	}
}

func (c *Controller) advanceTrain(trains map[uint8]*train, handle uint8, rx bool) {
	t, ok := trains[handle]
	if !ok {
		return
	}
	if err := t.Advance(rx); err != nil {
		c.dropTrain(trains, handle, err)
	}
}

func (c *Controller) dropTrain(trains map[uint8]*train, handle uint8, err error) {
	t := trains[handle]
	logger.Warn(prefix, "%s %d stopped: %v", t.Kind, handle, err)
	delete(trains, handle)
	if t.Kind == advsched.TrainSync {
		c.sink.Notify(hostevt.PeriodicSyncLost{Handle: handle})
	}
}
