package cli

import (
	"context"
	"flag"
	"fmt"

	"github.com/AlecAivazis/survey/v2"
	"github.com/myelnet/beam/discovery"
	"github.com/myelnet/beam/identity"
	"github.com/myelnet/beam/progress"
	"github.com/peterbourgon/ff/v3/ffcli"
)

func newDiscoverCmd() *ffcli.Command {
	fs := flag.NewFlagSet("beam discover", flag.ExitOnError)
	alias := fs.String("alias", identity.Hostname(), "alias this device announces on the LAN")
	auto := fs.Bool("auto-accept", false, "accept incoming tickets without prompting")

	return &ffcli.Command{
		Name:       "discover",
		ShortUsage: "beam discover [flags]",
		ShortHelp:  "Announce this device on the LAN and watch for nearby peers.",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return runDiscover(ctx, *alias, *auto)
		},
	}
}

func runDiscover(ctx context.Context, alias string, auto bool) error {
	bus := progress.NewBus(64)
	defer bus.Close()
	unsubscribe := bus.Subscribe(logDiscoveryProgress)
	defer unsubscribe()

	autoAccept := func(req discovery.TicketRequest) bool {
		if auto {
			return true
		}
		ok := false
		prompt := &survey.Confirm{Message: fmt.Sprintf("accept ticket from %s?", req.Info.Alias)}
		_ = survey.AskOne(prompt, &ok)
		return ok
	}
	svc := discovery.New(alias, "1.0", "desktop", bus, autoAccept)

	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Close()

	<-ctx.Done()
	return nil
}

func logDiscoveryProgress(e progress.Event) {
	if e.Discovery == nil {
		return
	}
	switch {
	case e.Discovery.DeviceDiscovered != nil:
		fmt.Printf("discovered %s at %s\n", e.Discovery.DeviceDiscovered.Alias, e.Discovery.DeviceDiscovered.IP)
	case e.Discovery.DeviceExpired != nil:
		fmt.Printf("%s went offline\n", e.Discovery.DeviceExpired.Alias)
	case e.Discovery.TicketReceived != nil:
		fmt.Printf("ticket received from %s\n", e.Discovery.TicketReceived.From)
	}
}
