package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/myelnet/beam/cmd/beam/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := cli.Run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
