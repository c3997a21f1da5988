package peer

import (
	"fmt"
	"math/rand"

	"github.com/google/uuid"

	"github.com/user/linklayer/ll/conn"
	"github.com/user/linklayer/ll/hostevt"
	"github.com/user/linklayer/ll/pdu"
	"github.com/user/linklayer/ll/radio"
	"github.com/user/linklayer/logger"
)

// Device is a remote device on the primary advertising channels. It
// advertises to scanners, answers connectable advertising with CONNECT_IND
// and accepts CONNECT_IND addressed to it. Every connection it takes part
// in becomes a Link attached to the simulated radio.
type Device struct {
	ID      string
	Address [pdu.AddressLen]byte
	AdvData []byte

	// ConnectAfter makes the device connect to a connectable advertiser
	// after hearing it this many times. Zero never connects.
	ConnectAfter int
	Params       pdu.ConnParams
	ChannelMap   pdu.ChannelMap
	CSA2         bool
	Script       Script

	sim     *radio.Sim
	rng     *rand.Rand
	heard   int
	links   []*Link
	handles uint16
}

// NewDevice creates a device named name with a random static address
// derived from a fresh UUID.
func NewDevice(sim *radio.Sim, name string, seed int64) (*Device, error) {
	id := uuid.New()
	d := &Device{
		ID:         id.String(),
		Params:     pdu.DefaultConnParams(),
		ChannelMap: pdu.AllChannels(),
		CSA2:       true,
		Script:     DefaultScript(),
		sim:        sim,
		rng:        rand.New(rand.NewSource(seed)),
	}
	copy(d.Address[:], id[:pdu.AddressLen])
	d.Address[pdu.AddressLen-1] |= 0xC0 // static random address

	data, err := pdu.EncodeADStructures([]pdu.ADStructure{
		pdu.NewFlagsAD(pdu.FlagLEGeneralDiscoverableMode | pdu.FlagBREDRNotSupported),
		pdu.NewCompleteLocalNameAD(name),
	}, pdu.MaxLegacyAdvDataLen)
	if err != nil {
		return nil, fmt.Errorf("peer: %w", err)
	}
	d.AdvData = data
	return d, nil
}

// Links returns the connections the device created
func (d *Device) Links() []*Link { return d.links }

func (d *Device) prefix() string { return fmt.Sprintf("device %s", d.ID[:8]) }

// Respond is the device's radio.Responder on the advertising access address
func (d *Device) Respond(req radio.Request, at radio.Time) []radio.Packet {
	switch req.Kind {
	case radio.KindScan:
		return d.advertise()
	case radio.KindAdvertising:
		return d.hearAdvertising(req, at)
	case radio.KindInitiate:
		return d.hearInitiator(req, at)
	}
	return nil
}

func (d *Device) advertise() []radio.Packet {
	adv := &pdu.AdvertisingPDU{Type: pdu.PDUTypeAdvInd, ChSel: d.CSA2, TxAdd: true, AdvA: d.Address, AdvData: d.AdvData}
	b, err := adv.Encode()
	if err != nil {
		logger.Error(d.prefix(), "encode ADV_IND: %v", err)
		return nil
	}
	return []radio.Packet{{Payload: b}}
}

func (d *Device) hearAdvertising(req radio.Request, at radio.Time) []radio.Packet {
	for _, p := range req.Tx {
		adv, err := pdu.DecodeAdvertisingPDU(p.Payload)
		if err != nil || adv.Type != pdu.PDUTypeAdvInd {
			continue
		}
		d.heard++
		if d.ConnectAfter == 0 || d.heard < d.ConnectAfter || len(d.links) > 0 {
			return nil
		}

		ci := &pdu.ConnectInd{
			ChSel: d.CSA2 && adv.ChSel,
			TxAdd: true,
			RxAdd: adv.TxAdd,
			InitA: d.Address,
			AdvA:  adv.AdvA,
			Data:  d.llData(),
		}
		if _, err := d.connect(conn.Central, ci, at); err != nil {
			logger.Warn(d.prefix(), "connect: %v", err)
			return nil
		}
		return []radio.Packet{{Payload: ci.Encode()}}
	}
	return nil
}

func (d *Device) hearInitiator(req radio.Request, at radio.Time) []radio.Packet {
	for _, p := range req.Tx {
		ci, err := pdu.DecodeConnectInd(p.Payload)
		if err != nil || ci.AdvA != d.Address {
			continue
		}
		if err := ci.Data.Validate(); err != nil {
			logger.Warn(d.prefix(), "ignoring CONNECT_IND: %v", err)
			return nil
		}
		if _, err := d.connect(conn.Peripheral, ci, at); err != nil {
			logger.Warn(d.prefix(), "connect: %v", err)
			return nil
		}
		break
	}
	return d.advertise()
}

func (d *Device) llData() pdu.LLData {
	return pdu.LLData{
		AccessAddress: pdu.NewAccessAddress(d.rng.Uint32),
		CRCInit:       d.rng.Uint32() & 0xFFFFFF,
		WinSize:       2,
		WinOffset:     0,
		Params:        d.Params,
		ChannelMap:    d.ChannelMap,
		Hop:           uint8(5 + d.rng.Intn(12)),
	}
}

func (d *Device) connect(role conn.Role, ci *pdu.ConnectInd, at radio.Time) (*Link, error) {
	d.handles++
	l, err := NewLink(conn.Setup{
		Handle: d.handles,
		Role:   role,
		Data:   ci.Data,
		CSA2:   ci.ChSel,
		Anchor: conn.FirstAnchor(at, ci.Data.WinOffset, false, pdu.Mode1M),
	}, d.Script)
	if err != nil {
		return nil, err
	}
	d.links = append(d.links, l)
	if d.sim != nil {
		d.sim.Attach(ci.Data.AccessAddress, l.Respond)
	}
	logger.Info(d.prefix(), "connected as %s on 0x%08X", role, ci.Data.AccessAddress)
	return l, nil
}

// Air fans the advertising channels out to several devices
type Air struct {
	devices []*Device
}

// NewAir attaches the devices to the advertising access address of sim
func NewAir(sim *radio.Sim, devices ...*Device) *Air {
	a := &Air{devices: devices}
	sim.Attach(radio.AdvertisingAccessAddress, a.Respond)
	return a
}

// Respond collects the replies of every device. nil when nobody answered.
func (a *Air) Respond(req radio.Request, at radio.Time) []radio.Packet {
	var out []radio.Packet
	for _, d := range a.devices {
		out = append(out, d.Respond(req, at)...)
	}
	return out
}

// Events returns every host event the device's links reported
func (d *Device) Events() []hostevt.Event {
	var out []hostevt.Event
	for _, l := range d.links {
		out = append(out, l.Recorder.Events()...)
	}
	return out
}
