package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/user/linklayer/config"
	"github.com/user/linklayer/ll/controller"
	"github.com/user/linklayer/ll/hostevt"
	"github.com/user/linklayer/ll/pdu"
	"github.com/user/linklayer/ll/peer"
	"github.com/user/linklayer/ll/radio"
	"github.com/user/linklayer/logger"
	"github.com/user/linklayer/util"
)

func run(c *cli.Context) error {
	simCfg := cfg.SimConfig()
	if seed := c.Int64("seed"); seed != 0 {
		simCfg.Deterministic = true
		simCfg.Seed = seed
	}
	sim := radio.NewSim(simCfg)
	logger.SetClock(func() int64 { return int64(sim.Now()) })
	defer logger.SetClock(nil)

	rec := &hostevt.Recorder{}
	var j *hostevt.Journal
	sink := hostevt.Tee(rec,
		hostevt.SinkFunc(func(e hostevt.Event) {
			logger.DebugJSON("host", e.Name(), e.Fields())
		}),
		hostevt.SinkFunc(func(e hostevt.Event) {
			if j != nil {
				j.Notify(e)
			}
		}),
	)

	ctl, err := controller.New(cfg.ControllerConfig(), sim, sink)
	if err != nil {
		return errors.Wrap(err, "can't create controller")
	}
	if cfg.Journal.Enabled || c.Bool("journal") {
		dir, err := util.GetJournalDir(cfg.Journal.Dir)
		if err != nil {
			return errors.Wrap(err, "can't create journal directory")
		}
		if j, err = hostevt.OpenJournal(dir, ctl.Session(), sim.Now); err != nil {
			return errors.Wrap(err, "can't open journal")
		}
		defer j.Close()
		fmt.Printf("Journal: %s\n", j.Path())
	}

	devices, err := setupScenario(ctl, sim, cfg.Scenario)
	if err != nil {
		return err
	}

	duration := durationOr(c, "duration", cfg.Scenario.Duration)
	fmt.Printf("Running session %s for %s of radio time...\n", ctl.Session(), duration)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	started := time.Now()
	if err := ctl.RunUntil(ctx, radio.Time(duration/time.Microsecond)); err != nil && !errors.Is(err, context.Canceled) {
		return errors.Wrap(err, "controller stopped")
	}

	summarize(ctl, rec, devices, time.Since(started))
	return nil
}

func setupScenario(ctl *controller.Controller, sim *radio.Sim, sc config.ScenarioConfig) (map[string]*peer.Device, error) {
	devices := make(map[string]*peer.Device)
	var air []*peer.Device
	for i, p := range sc.Peers {
		d, err := peer.NewDevice(sim, p.Name, int64(i+1))
		if err != nil {
			return nil, errors.Wrapf(err, "can't create peer %s", p.Name)
		}
		d.ConnectAfter = p.ConnectAfter
		d.Params = p.Params()
		d.Script.SilentAfter = p.SilentAfter
		devices[p.Name] = d
		air = append(air, d)
	}
	peer.NewAir(sim, air...)

	for _, a := range sc.Advertising {
		if err := ctl.ConfigureAdvertising(a.Handle, a.SetParams()); err != nil {
			return nil, errors.Wrapf(err, "advertising set %d", a.Handle)
		}
		data, err := pdu.EncodeADStructures([]pdu.ADStructure{
			pdu.NewFlagsAD(pdu.FlagLEGeneralDiscoverableMode | pdu.FlagBREDRNotSupported),
			pdu.NewCompleteLocalNameAD(a.Name),
		}, pdu.MaxLegacyAdvDataLen)
		if err != nil {
			return nil, errors.Wrapf(err, "advertising set %d data", a.Handle)
		}
		if err := ctl.SetAdvertisingData(a.Handle, data); err != nil {
			return nil, errors.Wrapf(err, "advertising set %d data", a.Handle)
		}
		if err := ctl.EnableAdvertising(a.Handle, 0, a.MaxEvents); err != nil {
			return nil, errors.Wrapf(err, "advertising set %d", a.Handle)
		}
	}

	if sc.Scan {
		p := controller.DefaultScanParams()
		p.FilterDuplicates = true
		if err := ctl.StartScan(p); err != nil {
			return nil, errors.Wrap(err, "can't start scanning")
		}
	}
	if sc.Connect != "" {
		d := devices[sc.Connect]
		err := ctl.CreateConnection(controller.InitParams{
			Scan:        controller.DefaultScanParams(),
			PeerAddress: d.Address,
			Params:      d.Params,
			ChannelMap:  pdu.AllChannels(),
		})
		if err != nil {
			return nil, errors.Wrapf(err, "can't connect to %s", sc.Connect)
		}
	}
	return devices, nil
}

func summarize(ctl *controller.Controller, rec *hostevt.Recorder, devices map[string]*peer.Device, wall time.Duration) {
	fmt.Printf("\n=== Session %s ===\n", ctl.Session())
	fmt.Printf("Radio time: %s (%d decisions, %v wall clock)\n", ctl.Now(), ctl.Decisions, wall.Round(time.Millisecond))

	counts := make(map[string]int)
	for _, e := range rec.Events() {
		counts[e.Name()]++
	}
	names := make([]string, 0, len(counts))
	for n := range counts {
		names = append(names, n)
	}
	sort.Strings(names)
	fmt.Println("\nHost events:")
	for _, n := range names {
		fmt.Printf("  %-28s %d\n", n, counts[n])
	}

	fmt.Println("\nConnections:")
	handles := ctl.Connections()
	if len(handles) == 0 {
		fmt.Println("  none alive")
	}
	for _, h := range handles {
		cn, err := ctl.Connection(h)
		if err != nil {
			continue
		}
		fmt.Printf("  %d %-10s AA=0x%08X event=%s interval=%dus PHY=%s/%s events=%d missed=%d PER=%.2f%%\n",
			h, cn.Role, cn.AccessAddress, cn.Event, cn.Params.IntervalUs(), cn.TxPHY, cn.RxPHY,
			cn.Stats.Events, cn.Stats.Missed, cn.Stats.PER()*100)
	}
	for _, e := range rec.Named(hostevt.NameConnectionTerminated) {
		t := e.(hostevt.ConnectionTerminated)
		fmt.Printf("  %d terminated: %s\n", t.Handle, t.Reason)
	}

	names = names[:0]
	for n := range devices {
		names = append(names, n)
	}
	sort.Strings(names)
	fmt.Println("\nPeers:")
	for _, n := range names {
		d := devices[n]
		fmt.Printf("  %-10s %X links=%d events=%d\n", n, d.Address, len(d.Links()), len(d.Events()))
	}
}
