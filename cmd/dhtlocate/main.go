// Command dhtlocate runs only the discover package's Kademlia DHT
// locator/announcer for one topic and prints every peer it hears about
// (SPEC_FULL.md §6).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/feedmesh/feedmesh/crypto"
	"github.com/feedmesh/feedmesh/discover"
)

func main() {
	app := cli.NewApp()
	app.Name = "dhtlocate"
	app.Usage = "locate peers for a feed's discovery key over the DHT"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "listen", Value: ":0", Usage: "UDP address to listen on"},
		cli.StringSliceFlag{Name: "bootstrap", Usage: "bootstrap node address (host:port), repeatable"},
		cli.BoolFlag{Name: "announce", Usage: "also announce this process's presence for the topic"},
		cli.IntFlag{Name: "port", Value: 7400, Usage: "port to announce (with -announce)"},
	}
	app.ArgsUsage = "<hex public key>"
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "dhtlocate:", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.NewExitError("usage: dhtlocate [options] <hex public key>", 1)
	}
	pk, err := crypto.ParsePublicKey(ctx.Args().First())
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("dhtlocate: %v", err), 1)
	}
	dk, err := crypto.DeriveDiscoveryKey(pk)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("dhtlocate: %v", err), 1)
	}
	topic := discover.Topic(dk)

	bootnodes, err := discover.ParseBootnodes(ctx.StringSlice("bootstrap"))
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("dhtlocate: %v", err), 1)
	}

	table, err := discover.Listen(ctx.String("listen"), bootnodes)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("dhtlocate: %v", err), 1)
	}
	defer table.Close()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go waitForSignal(cancel)

	locator := discover.NewLocator(table, topic, 0)
	go locator.Run(runCtx)

	if ctx.Bool("announce") {
		announcer := discover.NewAnnouncer(table, topic, uint16(ctx.Int("port")), 0)
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
