// Package cli wires the beam binary's subcommands, following the same
// ffcli.Command tree shape cmd/hop/cli/commit.go uses, now against
// provider/fetcher/discovery instead of a node RPC connection.
package cli

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// readyTimeout bounds how long a command waits for the local Endpoint to
// learn at least one reachable address before giving up.
const readyTimeout = 15 * time.Second

// Run parses args and executes the matched subcommand.
func Run(ctx context.Context, args []string) error {
	rootFlags := flag.NewFlagSet("beam", flag.ExitOnError)
	verbose := rootFlags.Bool("v", false, "verbose logging")

	root := &ffcli.Command{
		Name:       "beam",
		ShortUsage: "beam <subcommand> [flags]",
		ShortHelp:  "Send and receive files peer-to-peer over an encrypted connection.",
		FlagSet:    rootFlags,
		Options:    []ff.Option{ff.WithEnvVarPrefix("BEAM")},
		Subcommands: []*ffcli.Command{
			newSendCmd(),
			newReceiveCmd(),
			newDiscoverCmd(),
		},
		Exec: func(ctx context.Context, args []string) error {
			return flag.ErrHelp
		},
	}

	if err := root.Parse(args); err != nil {
		return err
	}
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	return root.Run(ctx)
}
