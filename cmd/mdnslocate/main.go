// Command mdnslocate runs only the mdns package's local-network
// locator/announcer for one topic and prints every peer it hears about
// (SPEC_FULL.md §6).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/feedmesh/feedmesh/crypto"
	"github.com/feedmesh/feedmesh/mdns"
)

func main() {
	app := cli.NewApp()
	app.Name = "mdnslocate"
	app.Usage = "locate peers for a feed's discovery key over local-network multicast DNS"
	app.Flags = []cli.Flag{
		cli.BoolFlag{Name: "announce", Usage: "also announce this process's presence for the topic"},
		cli.IntFlag{Name: "port", Value: 7400, Usage: "port to announce (with -announce)"},
		cli.DurationFlag{Name: "interval", Value: 10 * time.Second, Usage: "query/re-announce interval"},
	}
	app.ArgsUsage = "<hex public key>"
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "mdnslocate:", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.NewExitError("usage: mdnslocate [options] <hex public key>", 1)
	}
	pk, err := crypto.ParsePublicKey(ctx.Args().First())
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("mdnslocate: %v", err), 1)
	}
	dk, err := crypto.DeriveDiscoveryKey(pk)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("mdnslocate: %v", err), 1)
	}
	topic := mdns.Topic(dk)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go waitForSignal(cancel)

	locator, err := mdns.NewLocator(topic, ctx.Duration("interval"))
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("mdnslocate: %v", err), 1)
	}
	go locator.Run(runCtx)

	if ctx.Bool("announce") {
		announcer, err := mdns.NewAnnouncer(mdns.Registration{Topic: topic, Port: uint16(ctx.Int("port"))})
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("mdnslocate: %v", err), 1)
		}
		go announcer.Run(runCtx)
	}

	for ev := range locator.Events() {
		fmt.Printf("%x %s\n", ev.Topic, ev.Addr)
	}
	return nil
}

func waitForSignal(cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	cancel()
}
