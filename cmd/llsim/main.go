package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/user/linklayer/config"
	"github.com/user/linklayer/logger"
)

var (
	flgConfig   = cli.StringFlag{Name: "config, c", Value: "llsim.yaml", Usage: "Configuration file"}
	flgLogLevel = cli.StringFlag{Name: "log-level, l", Usage: "Override the configured log level (TRACE..ERROR)"}
	flgDuration = cli.DurationFlag{Name: "duration, d", Usage: "Override the scenario duration"}
	flgJournal  = cli.BoolFlag{Name: "journal, j", Usage: "Write host events to a journal"}
	flgSeed     = cli.Int64Flag{Name: "seed", Usage: "Seed the radio for a repeatable run"}
)

func main() {
	app := cli.NewApp()

	app.Name = "llsim"
	app.Usage = "Run and inspect the BLE link layer scheduler on a simulated radio"
	app.Version = "0.1.0"
	app.Action = cli.ShowAppHelp
	app.Flags = []cli.Flag{flgConfig, flgLogLevel}

	app.Commands = []cli.Command{
		{
			Name:    "run",
			Aliases: []string{"r"},
			Usage:   "Run the configured scenario",
			Action:  run,
			Flags:   []cli.Flag{flgDuration, flgJournal, flgSeed},
		},
		{
			Name:   "csa",
			Usage:  "Print the data channel sequence of a connection",
			Action: csa,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "aa", Value: "8E89BED6", Usage: "Access address (hex)"},
				cli.StringFlag{Name: "map, m", Value: "FFFFFFFF1F", Usage: "Channel map, 5 bytes hex, channel 0 in the low bit of the first byte"},
				cli.IntFlag{Name: "events, n", Value: 16, Usage: "Number of events"},
				cli.IntFlag{Name: "start", Usage: "First event counter"},
				cli.IntFlag{Name: "hop", Value: 0, Usage: "Use CSA#1 with this hop increment"},
			},
		},
		{
			Name:   "ota",
			Usage:  "Estimate the air time of one advertising event",
			Action: ota,
			Flags: []cli.Flag{
				cli.IntFlag{Name: "data", Value: 31, Usage: "Advertising data length"},
				cli.IntFlag{Name: "scanrsp", Usage: "Scan response data length"},
				cli.BoolFlag{Name: "extended, e", Usage: "Extended advertising"},
				cli.BoolFlag{Name: "connectable"},
				cli.BoolFlag{Name: "scannable"},
				cli.IntFlag{Name: "channels", Value: 3, Usage: "Primary channels used"},
				cli.StringFlag{Name: "primary", Value: "1M", Usage: "Primary PHY (1M, coded-s2, coded-s8)"},
				cli.StringFlag{Name: "secondary", Value: "1M", Usage: "Secondary PHY (1M, 2M, coded-s2, coded-s8)"},
			},
		},
		{
			Name:   "journal",
			Usage:  "Print a host event journal",
			Action: journal,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "event, e", Usage: "Only print events with this name"},
			},
		},
		{
			Name:   "config",
			Usage:  "Print the default configuration",
			Action: func(c *cli.Context) error { fmt.Print(config.DefaultYAML()); return nil },
		},
	}

	app.Before = setup
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "llsim: %v\n", err)
		os.Exit(1)
	}
}

var cfg *config.Config

func setup(c *cli.Context) error {
	loaded, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return errors.Wrap(err, "can't load configuration")
	}
	cfg = loaded
	logger.SetLevel(cfg.Level())
	if lvl := c.GlobalString("log-level"); lvl != "" {
		logger.SetLevel(logger.ParseLevel(lvl))
	}
	return nil
}

func durationOr(c *cli.Context, name string, def time.Duration) time.Duration {
	if d := c.Duration(name); d > 0 {
		return d
	}
	return def
}
