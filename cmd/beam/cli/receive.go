package cli

import (
	"context"
	"flag"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/myelnet/beam/blob"
	"github.com/myelnet/beam/fetcher"
	"github.com/myelnet/beam/identity"
	"github.com/myelnet/beam/progress"
	"github.com/myelnet/beam/session"
	"github.com/myelnet/beam/ticket"
	"github.com/myelnet/beam/transport"
	"github.com/peterbourgon/ff/v3/ffcli"
)

func newReceiveCmd() *ffcli.Command {
	fs := flag.NewFlagSet("beam receive", flag.ExitOnError)
	dir := fs.String("dir", ".", "directory to export received content into")
	showSecret := fs.Bool("show-secret", false, "print this run's peer secret key to stderr")

	return &ffcli.Command{
		Name:       "receive",
		ShortUsage: "beam receive [flags] <ticket>",
		ShortHelp:  "Resolve a ticket and download its content.",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("receive: expected exactly one ticket argument")
			}
			return runReceive(ctx, args[0], *dir, *showSecret)
		},
	}
}

func runReceive(ctx context.Context, ticketStr, dir string, showSecret bool) error {
	tk, err := ticket.Parse(ticketStr)
	if err != nil {
		return err
	}

	priv, err := identity.LoadOrGenerate(showSecret)
	if err != nil {
		return err
	}
	relayMode := transport.RelayDisabled
	if !tk.Addr.Empty() {
		relayMode = transport.RelayDefault
	}
	ep, err := transport.Bind(ctx, transport.Options{SecretKey: priv, Relay: relayMode})
	if err != nil {
		return err
	}
	defer ep.Close()

	bus := progress.NewBus(64)
	defer bus.Close()
	unsubscribe := bus.Subscribe(logReceiveProgress)
	defer unsubscribe()

	registry := session.NewRegistry()
	f := fetcher.New(ep, registry, bus)

	result, err := f.Receive(ctx, fetcher.ReceiveArgs{Ticket: tk, TargetDir: dir, Mode: blob.Copy})
	if err != nil {
		return err
	}
	fmt.Printf("received %d file(s), %s into %s\n", result.Transfer.FilesDone, humanize.Bytes(uint64(result.Transfer.BytesDone)), dir)
	return nil
}

func logReceiveProgress(e progress.Event) {
	switch {
	case e.Download != nil && e.Download.Metadata != nil:
		fmt.Printf("receiving %d file(s), %s total\n", e.Download.Metadata.FileCount, humanize.Bytes(uint64(e.Download.Metadata.TotalSize)))
	case e.Download != nil && e.Download.Downloading != nil:
		fmt.Printf("downloaded %s/%s\n", humanize.Bytes(uint64(e.Download.Downloading.Offset)), humanize.Bytes(uint64(e.Download.Downloading.Total)))
	case e.Download != nil && e.Download.Completed:
		fmt.Println("download complete")
	}
}
