package cli

import (
	"context"
	"flag"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/myelnet/beam/identity"
	"github.com/myelnet/beam/progress"
	"github.com/myelnet/beam/provider"
	"github.com/myelnet/beam/session"
	"github.com/myelnet/beam/ticket"
	"github.com/myelnet/beam/transport"
	"github.com/peterbourgon/ff/v3/ffcli"
)

func newSendCmd() *ffcli.Command {
	fs := flag.NewFlagSet("beam send", flag.ExitOnError)
	showSecret := fs.Bool("show-secret", false, "print this run's peer secret key to stderr")
	relay := fs.Bool("relay", true, "allow relayed connections when direct connectivity fails")

	return &ffcli.Command{
		Name:       "send",
		ShortUsage: "beam send [flags] <path>",
		ShortHelp:  "Import a file or directory and print a ticket for it.",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("send: expected exactly one path argument")
			}
			return runSend(ctx, args[0], *showSecret, *relay)
		},
	}
}

func runSend(ctx context.Context, path string, showSecret, allowRelay bool) error {
	priv, err := identity.LoadOrGenerate(showSecret)
	if err != nil {
		return err
	}
	relayMode := transport.RelayDisabled
	if allowRelay {
		relayMode = transport.RelayDefault
	}
	ep, err := transport.Bind(ctx, transport.Options{SecretKey: priv, Relay: relayMode})
	if err != nil {
		return err
	}
	defer ep.Close()
	if err := ep.WaitForReady(ctx, readyTimeout); err != nil {
		return err
	}

	bus := progress.NewBus(64)
	defer bus.Close()
	unsubscribe := bus.Subscribe(logSendProgress)
	defer unsubscribe()

	registry := session.NewRegistry()
	p := provider.New(ep, registry, bus)

	result, err := p.Send(ctx, provider.SendArgs{Path: path, Hint: ticket.RelayAndAddresses})
	if err != nil {
		return err
	}

	fmt.Println(result.Ticket.String())
	<-ctx.Done()
	return nil
}

func logSendProgress(e progress.Event) {
	switch {
	case e.Import != nil && e.Import.Progress != nil:
		fmt.Printf("importing %s: %s\n", e.Import.Name, humanize.Bytes(uint64(e.Import.Progress.Offset)))
	case e.Connection != nil && e.Connection.ClientConnected != nil:
		fmt.Printf("peer connected: %s\n", e.Connection.ClientConnected.PeerID)
	case e.Connection != nil && e.Connection.RequestCompleted != nil:
		fmt.Println("chunk request completed")
	}
}
