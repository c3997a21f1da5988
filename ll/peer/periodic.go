package peer

import (
	"fmt"

	"github.com/user/linklayer/ll/advsched"
	"github.com/user/linklayer/ll/counter"
	"github.com/user/linklayer/ll/pdu"
	"github.com/user/linklayer/ll/radio"
	"github.com/user/linklayer/logger"
)

// PeriodicAdvertiser is a remote periodic advertising train. It answers a
// sync request that lands on the channel of its current event with that
// event's AUX_SYNC_IND payload.
type PeriodicAdvertiser struct {
	sim   *radio.Sim
	train *advsched.Train
	sent  int
}

// NewPeriodicAdvertiser starts a train with its first event at anchor and
// attaches it to the train's access address
func NewPeriodicAdvertiser(sim *radio.Sim, p advsched.TrainParams, anchor radio.Time) (*PeriodicAdvertiser, error) {
	p.Kind = advsched.TrainAdvertising
	t, err := advsched.NewTrain(p, anchor)
	if err != nil {
		return nil, fmt.Errorf("peer: %w", err)
	}
	a := &PeriodicAdvertiser{sim: sim, train: t}
	sim.Attach(p.AccessAddress, a.Respond)
	return a, nil
}

// Train returns the advertiser's train
func (a *PeriodicAdvertiser) Train() *advsched.Train { return a.train }

// Sent returns how many AUX_SYNC_IND a sync train picked up
func (a *PeriodicAdvertiser) Sent() int { return a.sent }

// UpdateChannelMap moves the train to m offset events after the current one
func (a *PeriodicAdvertiser) UpdateChannelMap(m pdu.ChannelMap, offset int) (counter.Event, error) {
	if _, err := a.train.CatchUp(a.sim.Now()); err != nil {
		return 0, err
	}
	return a.train.UpdateChannelMap(m, offset)
}

// Close detaches the advertiser from the air
func (a *PeriodicAdvertiser) Close() {
	a.sim.Detach(a.train.AccessAddress)
}

// Respond is the radio.Responder of the train's access address
func (a *PeriodicAdvertiser) Respond(req radio.Request, at radio.Time) []radio.Packet {
	if req.Kind != radio.KindPeriodicSync {
		return nil
	}
	if _, err := a.train.CatchUp(at); err != nil {
		logger.Warn("peer", "periodic adv %d: %v", a.train.Handle, err)
		return nil
	}
	if at < a.train.Anchor || req.Channel != a.train.Channel() {
		return nil
	}
	a.sent++
	return []radio.Packet{{Payload: a.train.Payload()}}
}
