package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/a-liut/helmet-nav-go/pkg/api"
	"github.com/a-liut/helmet-nav-go/pkg/helmet"
	"github.com/a-liut/helmet-nav-go/pkg/nav"
)

func Green(s string) string {
	return color.New(color.FgHiGreen).SprintFunc()(s)
}

func Yellow(s string) string {
	return color.New(color.FgHiYellow).SprintFunc()(s)
}

func Red(s string) string {
	return color.New(color.FgHiRed).SprintFunc()(s)
}

func Cyan(s string) string {
	return color.New(color.FgHiCyan).SprintFunc()(s)
}

func PrintErr(msg string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, Red(fmt.Sprintf(msg, args...)))
}

func client(c *cli.Context) *api.Client {
	return api.NewClient(c.GlobalString("addr"))
}

func coordinate(c *cli.Context) (nav.Coordinate, error) {
	if !c.IsSet("lat") || !c.IsSet("lon") {
		return nav.Coordinate{}, fmt.Errorf("--lat and --lon are required")
	}
	return nav.Coordinate{Lat: c.Float64("lat"), Lon: c.Float64("lon")}, nil
}

func destination(c *cli.Context) (string, error) {
	dest := strings.TrimSpace(strings.Join(c.Args(), " "))
	if dest == "" {
		return "", fmt.Errorf("destination is required")
	}
	return dest, nil
}

func printStatus(st *helmet.Status) {
	var state string
	switch st.State {
	case helmet.StateReady:
		state = Green(string(st.State))
	case helmet.StateScanning, helmet.StateConnecting:
		state = Yellow(string(st.State))
	case helmet.StateError, helmet.StateDisconnected:
		state = Red(string(st.State))
	default:
		state = string(st.State)
	}
	fmt.Println("helmet:", state)

	if st.Device != nil {
		fmt.Printf("device: %s (%s) [%s]\n", Cyan(st.Device.Name), st.Device.ID, st.Device.Capabilities)
	}
	if st.Error != nil {
		fmt.Printf("error:  %s %s\n", Red(st.Error.Kind.String()), st.Error.Msg)
	}
}

func printTrip(info *nav.TripInfo) {
	state := Green("active")
	if info.Ended {
		state = Yellow("ended: " + info.EndReason)
	}
	fmt.Printf("trip %s to %s, %s\n", Cyan(info.ID), info.Destination, state)

	if info.Route != nil {
		fmt.Printf("route: %s, %s\n", info.Route.Distance, info.Route.Duration)
	}
	if in := info.Current; in != nil {
		fmt.Printf("now:   %s %q", in.Arrow, in.Text)
		if in.RemainingMeters != nil {
			fmt.Printf(" in %.0fm", *in.RemainingMeters)
		}
		fmt.Println()
	}
	if info.Position != nil {
		fmt.Printf("at:    %.6f, %.6f\n", info.Position.Lat, info.Position.Lon)
	}
}

func statusCommand(c *cli.Context) error {
	st, err := client(c).Status(context.Background())
	if err != nil {
		return err
	}
	printStatus(st)
	return nil
}

func connectCommand(c *cli.Context) error {
	fmt.Println(Yellow("scanning for the helmet..."))
	st, err := client(c).Connect(context.Background())
	if err != nil {
		return err
	}
	printStatus(st)
	return nil
}

func disconnectCommand(c *cli.Context) error {
	st, err := client(c).Disconnect(context.Background())
	if err != nil {
		return err
	}
	printStatus(st)
	return nil
}

func sendCommand(c *cli.Context) error {
	text := strings.Join(c.Args(), " ")
	if text == "" {
		return fmt.Errorf("text is required")
	}
	return client(c).Send(context.Background(), text)
}

func routeCommand(c *cli.Context) error {
	dest, err := destination(c)
	if err != nil {
		return err
	}
	origin, err := coordinate(c)
	if err != nil {
		return err
	}

	route, err := client(c).Route(context.Background(), origin, dest)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s, %s, %d points\n", Cyan(dest), route.Distance, route.Duration, len(route.Coordinates))
	return nil
}

func tripStartCommand(c *cli.Context) error {
	dest, err := destination(c)
	if err != nil {
		return err
	}
	origin, err := coordinate(c)
	if err != nil {
		return err
	}

	info, err := client(c).StartTrip(context.Background(), origin, dest)
	if err != nil {
		return err
	}
	printTrip(info)
	return nil
}

func tripStatusCommand(c *cli.Context) error {
	info, err := client(c).CurrentTrip(context.Background())
	if err != nil {
		return err
	}
	printTrip(info)
	return nil
}

func tripPositionCommand(c *cli.Context) error {
	pos, err := coordinate(c)
	if err != nil {
		return err
	}
	info, err := client(c).UpdatePosition(context.Background(), pos)
	if err != nil {
		return err
	}
	printTrip(info)
	return nil
}

func tripStopCommand(c *cli.Context) error {
	info, err := client(c).StopTrip(context.Background())
	if err != nil {
		return err
	}
	printTrip(info)
	return nil
}
