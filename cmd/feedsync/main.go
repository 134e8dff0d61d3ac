// Command feedsync runs a single drive's peer-session supervisor until the
// process is interrupted or the attached console exits; it does not stop on
// its own once the drive has synced. The interactive console is optional
// (SPEC_FULL.md §6).
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/urfave/cli"

	"github.com/feedmesh/feedmesh/config"
	"github.com/feedmesh/feedmesh/crypto"
	"github.com/feedmesh/feedmesh/discover"
	"github.com/feedmesh/feedmesh/feed"
	"github.com/feedmesh/feedmesh/log"
	"github.com/feedmesh/feedmesh/mdns"
	"github.com/feedmesh/feedmesh/supervisor"
)

var logger = log.NewModuleLogger(log.ModuleCmd)

func main() {
	app := cli.NewApp()
	app.Name = "feedsync"
	app.Usage = "replicate a drive's metadata and content feeds with its peers"
	app.ArgsUsage = "<hex metadata public key>"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "listen", Value: config.DefaultListenAddr, Usage: "TCP address to accept peer connections on"},
		cli.StringSliceFlag{Name: "bootstrap", Usage: "DHT bootstrap node address (host:port), repeatable"},
		cli.BoolFlag{Name: "dht", Usage: "enable DHT discovery"},
		cli.BoolFlag{Name: "mdns", Usage: "enable local-network mDNS discovery"},
		cli.DurationFlag{Name: "dht-interval", Value: config.DefaultDHTInterval, Usage: "DHT lookup/announce cadence"},
		cli.DurationFlag{Name: "mdns-interval", Value: config.DefaultMDNSInterval, Usage: "mDNS query/announce cadence"},
		cli.BoolFlag{Name: "console", Usage: "attach an interactive JS console after starting"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "feedsync:", err)
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	if cliCtx.NArg() != 1 {
		return cli.NewExitError("usage: feedsync [options] <hex metadata public key>", 1)
	}

	metaPK, err := crypto.ParsePublicKey(cliCtx.Args().First())
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("feedsync: %v", err), 1)
	}
	dk, err := crypto.DeriveDiscoveryKey(metaPK)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("feedsync: %v", err), 1)
	}

	metadataFeed := feed.NewMemFeed(metaPK, feed.AcceptAllVerifier{})
	var contentFeed feed.Feed // set once the metadata feed's index record is replicated

	sources, stopDiscovery, err := startDiscovery(cliCtx, dk, listenPort(cliCtx.String("listen")))
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("feedsync: %v", err), 1)
	}
	defer stopDiscovery()

	sup, err := supervisor.New(supervisor.Config{
		ListenAddr:   cliCtx.String("listen"),
		MetadataFeed: func(supervisor.SocketAddr) (feed.Feed, error) { return metadataFeed, nil },
		ContentFeed: func(pk crypto.PublicKey) (feed.Feed, error) {
			contentFeed = feed.NewMemFeed(pk, feed.AcceptAllVerifier{})
			return contentFeed, nil
		},
		Sources: sources,
	})
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("feedsync: %v", err), 1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go waitForSignal(cancel)

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- sup.Run(ctx) }()

	logger.Info("feedsync started", "metadataPK", metaPK, "discoveryKey", dk, "listen", cliCtx.String("listen"))

	if cliCtx.Bool("console") {
		runConsole(ctx, consoleState{
			metadataPK:   metaPK,
			discoveryKey: dk,
			metadataFeed: metadataFeed,
			contentFeed:  func() feed.Feed { return contentFeed },
			addr:         func() string { return supervisorAddr(ctx, sup) },
		})
		cancel()
	}

	if err := <-runErrCh; err != nil && err != context.Canceled {
		return cli.NewExitError(fmt.Sprintf("feedsync: %v", err), 1)
	}
	return nil
}

// startDiscovery wires the -dht/-mdns flags into supervisor.Event streams,
// returning a stop func that tears down whichever services were started.
func startDiscovery(cliCtx *cli.Context, dk crypto.DiscoveryKey, port uint16) ([]<-chan supervisor.Event, func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	var sources []<-chan supervisor.Event
	stop := func() { cancel() }

	if cliCtx.Bool("dht") {
		bootnodes, err := discover.ParseBootnodes(cliCtx.StringSlice("bootstrap"))
		if err != nil {
			cancel()
			return nil, nil, err
		}
		table, err := discover.Listen(":0", bootnodes)
		if err != nil {
			cancel()
			return nil, nil, err
		}
		topic := discover.Topic(dk)
		locator := discover.NewLocator(table, topic, cliCtx.Duration("dht-interval"))
		announcer := discover.NewAnnouncer(table, topic, port, cliCtx.Duration("dht-interval"))
		go locator.Run(ctx)
		go announcer.Run(ctx)
		sources = append(sources, supervisor.FromDiscover(locator.Events()))
		prev := stop
		stop = func() { prev(); table.Close() }
	}

	if cliCtx.Bool("mdns") {
		topic := mdns.Topic(dk)
		locator, err := mdns.NewLocator(topic, cliCtx.Duration("mdns-interval"))
		if err != nil {
			cancel()
			return nil, nil, err
		}
		go locator.Run(ctx)
		sources = append(sources, supervisor.FromMDNS(locator.Events()))

		announcer, err := mdns.NewAnnouncer(mdns.Registration{Topic: topic, Port: port})
		if err != nil {
			cancel()
			return nil, nil, err
		}
		go announcer.Run(ctx)
	}

	return sources, stop, nil
}

func waitForSignal(cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	cancel()
}

// supervisorAddr reports sup's bound listen address, or "" if it has none
// (dial-only operation) or ctx is already done.
func supervisorAddr(ctx context.Context, sup *supervisor.Supervisor) string {
	addr := sup.Addr(ctx)
	if addr == nil {
		return ""
	}
	return addr.String()
}

// listenPort extracts the port configured via -listen, for announcing into
// discovery. An ephemeral ("0") or unparseable port announces as 0, which
// DHT/mDNS peers should treat as "unknown" rather than dial.
func listenPort(listenAddr string) uint16 {
	_, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(port)
}
