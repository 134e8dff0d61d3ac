// Command urlinspect parses a dat://-style feed URL and prints the public
// key and discovery key it names, without opening any connection
// (SPEC_FULL.md §6).
package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/urfave/cli"

	"github.com/feedmesh/feedmesh/crypto"
)

func main() {
	app := cli.NewApp()
	app.Name = "urlinspect"
	app.Usage = "parse a dat://<public key> URL and print its discovery key"
	app.ArgsUsage = "<url>"
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "urlinspect:", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.NewExitError("usage: urlinspect dat://<hex public key>", 1)
	}

	pk, err := parseFeedURL(ctx.Args().First())
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("urlinspect: %v", err), 1)
	}

	dk, err := crypto.DeriveDiscoveryKey(pk)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("urlinspect: derive discovery key: %v", err), 1)
	}

	fmt.Printf("public key:    %s\n", pk)
	fmt.Printf("discovery key: %s\n", dk)
	return nil
}

// parseFeedURL accepts both a bare hex public key and a dat://<hex> URL,
// the latter per spec.md §6's "dat://"-style addressing.
func parseFeedURL(raw string) (crypto.PublicKey, error) {
	if !strings.Contains(raw, "://") {
		return crypto.ParsePublicKey(raw)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return crypto.PublicKey{}, fmt.Errorf("parse URL: %w", err)
	}
	if u.Scheme != "dat" {
		return crypto.PublicKey{}, fmt.Errorf("unsupported URL scheme %q, want \"dat\"", u.Scheme)
	}

	hex := u.Host + strings.TrimSuffix(u.Path, "/")
	return crypto.ParsePublicKey(hex)
}
