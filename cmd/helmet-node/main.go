package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/a-liut/helmet-nav-go/pkg/api"
	"github.com/a-liut/helmet-nav-go/pkg/ble"
	"github.com/a-liut/helmet-nav-go/pkg/config"
	"github.com/a-liut/helmet-nav-go/pkg/helmet"
	"github.com/a-liut/helmet-nav-go/pkg/logging"
	"github.com/a-liut/helmet-nav-go/pkg/nav"
	"github.com/a-liut/helmet-nav-go/pkg/routing"
)

const version = "0.3.0"

func main() {
	app := cli.NewApp()
	app.Name = "helmet-node"
	app.Usage = "deliver turn-by-turn instructions to a BLE helmet display"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "JSON config file",
			EnvVar: "HELMET_CONFIG",
		},
		cli.StringFlag{
			Name:   "addr, a",
			Usage:  "address of a running node, for the control commands",
			Value:  "localhost:5003",
			EnvVar: "HELMET_ADDR",
		},
	}
	coordFlags := []cli.Flag{
		cli.Float64Flag{Name: "lat", Usage: "latitude in degrees"},
		cli.Float64Flag{Name: "lon", Usage: "longitude in degrees"},
	}
	app.Commands = []cli.Command{
		cli.Command{
			Name:  "run",
			Usage: "Run the node: BLE connection, trip delivery and the HTTP API",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "connect",
					Usage: "Scan for the helmet as soon as the node starts",
				},
			},
			Action: runCommand,
		},
		cli.Command{
			Name:   "status",
			Usage:  "Print the helmet connection status",
			Action: statusCommand,
		},
		cli.Command{
			Name:   "connect",
			Usage:  "Scan for the helmet and connect to it",
			Action: connectCommand,
		},
		cli.Command{
			Name:   "disconnect",
			Usage:  "Disconnect the helmet",
			Action: disconnectCommand,
		},
		cli.Command{
			Name:      "send",
			Usage:     "Show raw text on the helmet",
			ArgsUsage: "<text>",
			Action:    sendCommand,
		},
		cli.Command{
			Name:      "route",
			Usage:     "Print the route summary to a destination",
			ArgsUsage: "<destination>",
			Flags:     coordFlags,
			Action:    routeCommand,
		},
		cli.Command{
			Name:  "trip",
			Usage: "Control the active trip",
			Subcommands: []cli.Command{
				cli.Command{
					Name:      "start",
					Usage:     "Start delivering instructions to a destination",
					ArgsUsage: "<destination>",
					Flags:     coordFlags,
					Action:    tripStartCommand,
				},
				cli.Command{
					Name:   "status",
					Usage:  "Print the active trip",
					Action: tripStatusCommand,
				},
				cli.Command{
					Name:   "position",
					Usage:  "Report the rider position",
					Flags:  coordFlags,
					Action: tripPositionCommand,
				},
				cli.Command{
					Name:   "stop",
					Usage:  "Stop the active trip",
					Action: tripStopCommand,
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		PrintErr("%s", err)
		os.Exit(1)
	}
}

func runCommand(c *cli.Context) error {
	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return err
	}
	log := logging.SetupLogging("helmet-node", cfg.LogConfig.Level, cfg.LogConfig.Syslog)

	hc := cfg.HelmetConfig
	adapter, perms, err := ble.Open(ble.Config{
		Backend:            hc.Backend,
		ServiceUUID:        hc.ServiceUUID,
		CharacteristicUUID: hc.CharacteristicUUID,
		ServiceIDs:         hc.ServiceIDs,
		AdapterPath:        hc.AdapterPath,
		PowerOn:            hc.PowerOn,
	}, logging.Logger("ble"))
	if err != nil {
		return err
	}

	manager := helmet.NewManager(adapter, perms, helmet.Options{
		ScanTimeout:    hc.ScanTimeout.Std(),
		ConnectTimeout: hc.ConnectTimeout.Std(),
		Matcher:        helmet.NewMatcher(hc.Names, hc.ServiceIDs),
		Logger:         logging.Logger("helmet"),
	})
	defer manager.Close()

	routes, err := routing.NewClient(cfg.RoutingConfig.BaseURL, cfg.RoutingConfig.Timeout.Std(), logging.Logger("routing"))
	if err != nil {
		return err
	}

	hub := api.NewHub(manager, logging.Logger("api"))
	trips := nav.NewNavigator(manager, nav.Options{
		Pacer: nav.PacerConfig{
			TickInterval:   cfg.PacerConfig.TickInterval.Std(),
			ThrottleWindow: cfg.PacerConfig.ThrottleWindow.Std(),
			AdvanceMeters:  cfg.PacerConfig.AdvanceMeters,
		},
		Routes:        routes,
		Feed:          routes,
		Reporter:      routes,
		Logger:        logging.Logger("nav"),
		OnInstruction: hub.TripInstruction,
		OnEnd:         hub.TripEnded,
	})
	server := api.NewServer(cfg.ServerConfig.Addr(), manager, trips, hub, logging.Logger("api"))

	runner := helmet.NewDefaultServiceRunner(logging.Logger("runner"))
	runner.Add(hub)
	runner.Add(server)
	if err := runner.Run(); err != nil {
		return err
	}
	log.Noticef("node started, %s backend, routing at %s", hc.Backend, cfg.RoutingConfig.BaseURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if c.Bool("connect") {
		go func() {
			if err := manager.ScanAndConnect(ctx); err != nil {
				log.Warningf("initial connection: %s", err)
			}
		}()
	}

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-stopChan:
		log.Noticef("received %s, shutting down", sig)
	case <-runner.Failed():
	}

	// Teardown
	cancel()
	trips.Close()
	if err := runner.Stop(); err != nil {
		return fmt.Errorf("node stopped: %s", err)
	}
	log.Notice("node stopped")
	return nil
}
