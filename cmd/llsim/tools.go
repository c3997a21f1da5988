package main

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/user/linklayer/ll/advsched"
	"github.com/user/linklayer/ll/chansel"
	"github.com/user/linklayer/ll/counter"
	"github.com/user/linklayer/ll/hostevt"
	"github.com/user/linklayer/ll/pdu"
)

func parseChannelMap(s string) (pdu.ChannelMap, error) {
	var m pdu.ChannelMap
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(b) != pdu.ChannelMapLen {
		return m, errors.Errorf("channel map must be %d hex bytes, got %q", pdu.ChannelMapLen, s)
	}
	copy(m[:], b)
	return m, nil
}

func csa(c *cli.Context) error {
	aa, err := strconv.ParseUint(strings.TrimPrefix(c.String("aa"), "0x"), 16, 32)
	if err != nil {
		return errors.Wrap(err, "bad access address")
	}
	raw, err := parseChannelMap(c.String("map"))
	if err != nil {
		return err
	}
	m, err := chansel.NewMap(raw)
	if err != nil {
		return errors.Wrap(err, "unusable channel map")
	}
	hop := c.Int("hop")
	algo, err := chansel.Select(hop == 0, hop == 0, uint32(aa), hop)
	if err != nil {
		return errors.Wrap(err, "can't select algorithm")
	}

	fmt.Printf("%s, AA 0x%08X, %d used channels", algo.Name(), aa, m.NumUsed())
	if hop == 0 {
		fmt.Printf(", channel identifier 0x%04X", chansel.ChannelIdentifier(uint32(aa)))
	}
	fmt.Println()
	ev := counter.Event(c.Int("start"))
	for i := 0; i < c.Int("events"); i++ {
		fmt.Printf("  event %5d -> channel %2d\n", ev, algo.Next(ev, m))
		ev = ev.Next()
	}
	return nil
}

func parseMode(s string) (pdu.Mode, error) {
	switch strings.ToLower(s) {
	case "1m":
		return pdu.Mode1M, nil
	case "2m":
		return pdu.Mode2M, nil
	case "coded-s2", "s2":
		return pdu.ModeCodedS2, nil
	case "coded-s8", "s8", "coded":
		return pdu.ModeCodedS8, nil
	}
	return 0, errors.Errorf("unknown PHY %q", s)
}

func ota(c *cli.Context) error {
	primary, err := parseMode(c.String("primary"))
	if err != nil {
		return err
	}
	secondary, err := parseMode(c.String("secondary"))
	if err != nil {
		return err
	}
	shape := advsched.Shape{
		Legacy:          !c.Bool("extended"),
		Connectable:     c.Bool("connectable"),
		Scannable:       c.Bool("scannable"),
		PrimaryChannels: c.Int("channels"),
		Primary:         primary,
		Secondary:       secondary,
		DataLen:         c.Int("data"),
		ScanRspLen:      c.Int("scanrsp"),
	}
	fmt.Printf("%+v\n", shape)
	fmt.Printf("estimated air time per event: %s\n", advsched.EstimateOtaTime(shape))
	return nil
}

func journal(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("usage: llsim journal <file>")
	}
	records, err := hostevt.ReadJournal(c.Args().First())
	if err != nil {
		return errors.Wrap(err, "can't read journal")
	}
	only := c.String("event")
	for _, r := range records {
		if only != "" && r.Event != only {
			continue
		}
		keys := make([]string, 0, len(r.Fields))
		for k := range r.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, r.Fields[k]))
		}
		fmt.Printf("%12dus %-28s %s\n", r.TimeUs, r.Event, strings.Join(parts, " "))
	}
	return nil
}
