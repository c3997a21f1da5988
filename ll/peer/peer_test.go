package peer

import (
	"context"
	"testing"

	"github.com/user/linklayer/ll/advsched"
	"github.com/user/linklayer/ll/conn"
	"github.com/user/linklayer/ll/counter"
	"github.com/user/linklayer/ll/hostevt"
	"github.com/user/linklayer/ll/pdu"
	"github.com/user/linklayer/ll/radio"
)

const linkAA = 0x71764129

func linkData(params pdu.ConnParams) pdu.LLData {
	return pdu.LLData{
		AccessAddress: linkAA,
		CRCInit:       0x123456,
		WinSize:       2,
		Params:        params,
		ChannelMap:    pdu.AllChannels(),
		Hop:           9,
	}
}

// pair connects a local central to a scripted peripheral over a perfect
// simulated radio.
func pair(t *testing.T, params pdu.ConnParams, script Script) (*conn.Connection, *Link, *hostevt.Recorder, *radio.Sim) {
	t.Helper()
	sim := radio.NewSim(radio.PerfectSimConfig())
	rec := &hostevt.Recorder{}
	anchor := 5 * radio.Millisecond
	c, err := conn.New(conn.Setup{Handle: 1, Role: conn.Central, Data: linkData(params), CSA2: true, Anchor: anchor}, conn.DefaultConfig(), rec)
	if err != nil {
		t.Fatal(err)
	}
	l, err := NewLink(conn.Setup{Handle: 1, Role: conn.Peripheral, Data: linkData(params), CSA2: true, Anchor: anchor}, script)
	if err != nil {
		t.Fatal(err)
	}
	sim.Attach(linkAA, l.Respond)
	return c, l, rec, sim
}

// run drives n connection events of c through the simulated radio
func run(t *testing.T, c *conn.Connection, sim *radio.Sim, n int) {
	t.Helper()
	for i := 0; i < n && !c.Terminated(); i++ {
		if _, err := sim.Submit(c.Prepare()); err != nil {
			t.Fatalf("submit: %v", err)
		}
		done, err := sim.Wait(context.Background())
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
		c.Complete(done)
	}
}

func TestLinkFollowsCentral(t *testing.T) {
	c, l, _, sim := pair(t, pdu.DefaultConnParams(), DefaultScript())
	run(t, c, sim, 50)

	p := l.Conn()
	if l.Attended() != 50 {
		t.Fatalf("peer attended %d events, want 50", l.Attended())
	}
	if p.Event != c.Event || p.Channel != c.Channel {
		t.Fatalf("peer at %s ch %d, central at %s ch %d", p.Event, p.Channel, c.Event, c.Channel)
	}
	if c.Stats.RxOK != 50 || c.Stats.PER() != 0 {
		t.Fatalf("central stats %+v", c.Stats)
	}
}

func TestLinkFeatureAndUnsupportedPing(t *testing.T) {
	script := DefaultScript()
	script.Config.Features.Clear(pdu.FeaturePing)
	c, _, rec, sim := pair(t, pdu.DefaultConnParams(), script)

	if err := c.ReadRemoteFeatures(); err != nil {
		t.Fatal(err)
	}
	if err := c.Ping(); err != nil {
		t.Fatal(err)
	}
	run(t, c, sim, 10)

	feats := rec.Named(hostevt.NameRemoteFeatures)
	if len(feats) != 1 || feats[0].(hostevt.RemoteFeatures).Features.Has(pdu.FeaturePing) {
		t.Fatalf("features %v", feats)
	}
	failed := rec.Named(hostevt.NameProcedureFailed)
	if len(failed) != 1 || failed[0].(hostevt.ProcedureFailed).Reason != pdu.ErrUnsupportedRemoteFeature {
		t.Fatalf("ping failures %v", failed)
	}
}

func TestPeripheralRequestedUpdate(t *testing.T) {
	next := pdu.ConnParams{Interval: 40, Latency: 2, Timeout: 400}
	script := DefaultScript()
	script.Actions = map[int]Action{
		3: func(l *conn.Connection) error { return l.UpdateParams(next) },
	}
	c, l, rec, sim := pair(t, pdu.DefaultConnParams(), script)
	run(t, c, sim, 40)

	if c.Params != next || l.Conn().Params != next {
		t.Fatalf("central %+v peer %+v, want %+v", c.Params, l.Conn().Params, next)
	}
	if len(rec.Named(hostevt.NameConnectionUpdated)) != 1 {
		t.Fatal("central host not told about the update")
	}
	if c.Terminated() || l.Conn().Terminated() {
		t.Fatal("link dropped across the update")
	}
}

func TestPHYUpdateBothSides(t *testing.T) {
	c, l, _, sim := pair(t, pdu.DefaultConnParams(), DefaultScript())
	if err := c.SetPHY(pdu.PHY2M, pdu.PHY2M); err != nil {
		t.Fatal(err)
	}
	run(t, c, sim, 20)
	p := l.Conn()
	if c.TxPHY != pdu.PHY2M || c.RxPHY != pdu.PHY2M || p.TxPHY != pdu.PHY2M || p.RxPHY != pdu.PHY2M {
		t.Fatalf("central %s/%s peer %s/%s", c.TxPHY, c.RxPHY, p.TxPHY, p.RxPHY)
	}
}

func TestSilentPeerTimesOut(t *testing.T) {
	script := DefaultScript()
	script.SilentAfter = 5
	params := pdu.ConnParams{Interval: 80, Latency: 0, Timeout: 100}
	c, _, rec, sim := pair(t, params, script)
	run(t, c, sim, 100)
	if !c.Terminated() || c.Reason != pdu.ErrConnectionTimeout {
		t.Fatalf("central %s reason %s", c.State(), c.Reason)
	}
	if len(rec.Named(hostevt.NameConnectionTerminated)) != 1 {
		t.Fatal("no termination event")
	}
}

func TestDeviceConnectsToAdvertiser(t *testing.T) {
	sim := radio.NewSim(radio.PerfectSimConfig())
	d, err := NewDevice(sim, "remote", 1)
	if err != nil {
		t.Fatal(err)
	}
	d.ConnectAfter = 2
	NewAir(sim, d)

	adv := &pdu.AdvertisingPDU{Type: pdu.PDUTypeAdvInd, ChSel: true, AdvA: [6]byte{1, 2, 3, 4, 5, 6}}
	b, err := adv.Encode()
	if err != nil {
		t.Fatal(err)
	}
	req := radio.Request{Kind: radio.KindAdvertising, Channel: 37, AccessAddress: radio.AdvertisingAccessAddress, Tx: []radio.Packet{{Payload: b}}}

	if out := d.Respond(req, 1000); out != nil {
		t.Fatalf("connected on first advertisement: %v", out)
	}
	out := d.Respond(req, 2000)
	if len(out) != 1 {
		t.Fatalf("reply %v, want CONNECT_IND", out)
	}
	ci, err := pdu.DecodeConnectInd(out[0].Payload)
	if err != nil {
		t.Fatal(err)
	}
	if ci.AdvA != adv.AdvA || ci.InitA != d.Address || !ci.ChSel {
		t.Fatalf("connect ind %+v", ci)
	}
	if err := ci.Data.Validate(); err != nil {
		t.Fatalf("LLData invalid: %v", err)
	}
	if len(d.Links()) != 1 || d.Links()[0].Conn().Role != conn.Central {
		t.Fatal("no central link created")
	}
	if d.Respond(req, 3000) != nil {
		t.Fatal("device connected twice")
	}
}

func TestDeviceAnswersScanAndInitiator(t *testing.T) {
	sim := radio.NewSim(radio.PerfectSimConfig())
	d, err := NewDevice(sim, "remote", 2)
	if err != nil {
		t.Fatal(err)
	}

	out := d.Respond(radio.Request{Kind: radio.KindScan, Channel: 38}, 0)
	if len(out) != 1 {
		t.Fatalf("scan reply %v", out)
	}
	adv, err := pdu.DecodeAdvertisingPDU(out[0].Payload)
	if err != nil {
		t.Fatal(err)
	}
	structures, err := pdu.DecodeADStructures(adv.AdvData)
	if err != nil {
		t.Fatal(err)
	}
	if adv.AdvA != d.Address || pdu.GetLocalName(structures) != "remote" {
		t.Fatalf("advertising %+v", adv)
	}

	ci := &pdu.ConnectInd{ChSel: true, AdvA: d.Address, Data: linkData(pdu.DefaultConnParams())}
	out = d.Respond(radio.Request{Kind: radio.KindInitiate, Tx: []radio.Packet{{Payload: ci.Encode()}}}, 1000)
	if len(out) != 1 || len(d.Links()) != 1 {
		t.Fatalf("initiator reply %v, %d links", out, len(d.Links()))
	}
	if d.Links()[0].Conn().Role != conn.Peripheral || d.Links()[0].Conn().AccessAddress != linkAA {
		t.Fatal("peripheral link not set up from CONNECT_IND")
	}
}

func TestPeriodicAdvertiserAnswersOnItsChannel(t *testing.T) {
	sim := radio.NewSim(radio.PerfectSimConfig())
	a, err := NewPeriodicAdvertiser(sim, advsched.TrainParams{
		Handle:        3,
		AccessAddress: 0x5A3C96E1,
		Interval:      20 * radio.Millisecond,
		ChannelMap:    pdu.AllChannels(),
		Mode:          pdu.Mode1M,
		DataLen:       16,
	}, 10*radio.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	tr := a.Train()
	sync := radio.Request{Kind: radio.KindPeriodicSync, AccessAddress: 0x5A3C96E1}

	tests := []struct {
		name    string
		kind    radio.Kind
		at      radio.Time
		channel func() int
		answer  bool
		event   counter.Event
	}{
		{"other kind", radio.KindPeriodicAdv, 10 * radio.Millisecond, tr.Channel, false, 0},
		{"wrong channel", radio.KindPeriodicSync, 10 * radio.Millisecond, func() int { return (tr.Channel() + 1) % 37 }, false, 0},
		{"on channel", radio.KindPeriodicSync, 10 * radio.Millisecond, tr.Channel, true, 0},
		{"early request", radio.KindPeriodicSync, 60 * radio.Millisecond, tr.Channel, false, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := sync
			req.Kind = tt.kind
			req.Channel = tt.channel()
			rx := a.Respond(req, tt.at)
			if (rx != nil) != tt.answer {
				t.Fatalf("answered = %v, want %v", rx != nil, tt.answer)
			}
			if tr.Event != tt.event {
				t.Fatalf("advertiser at %s, want %s", tr.Event, tt.event)
			}
		})
	}

	narrow := pdu.NewChannelMap(1, 5, 9, 13, 17, 21, 25, 29)
	sim.Advance(70 * radio.Millisecond)
	instant, err := a.UpdateChannelMap(narrow, 6)
	if err != nil || instant != 9 {
		t.Fatalf("UpdateChannelMap = %s, %v", instant, err)
	}
	req := sync
	req.Channel = tr.Channel()
	rx := a.Respond(req, 70*radio.Millisecond)
	if len(rx) != 1 {
		t.Fatalf("got %d packets", len(rx))
	}
	structures, err := pdu.DecodeADStructures(rx[0].Payload)
	if err != nil {
		t.Fatal(err)
	}
	if m, at, ok := pdu.GetChannelMapUpdate(structures); !ok || m != narrow || at != instant {
		t.Fatalf("payload announces %s at %s (%v)", m, at, ok)
	}
	if a.Sent() != 2 {
		t.Fatalf("sent %d", a.Sent())
	}
}
