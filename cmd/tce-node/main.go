// Command tce-node is the CLI entrypoint for the certificate broadcast
// engine (§6): `node init` provisions a config directory and key, `node up`
// runs the node until a signal or a fatal invariant stops it.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/topos-protocol/topos-tce-broadcast/internal/invariant"
)

func main() {
	app := &cli.App{
		Name:  "tce-node",
		Usage: "certificate broadcast engine node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "datadir", Value: "./data", Usage: "root directory holding every node's config directory"},
		},
		Commands: []*cli.Command{
			initCommand,
			upCommand,
		},
	}

	if err := runMain(app, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if _, ok := err.(*invariant.Violation); ok {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// runMain recovers a panicking *invariant.Violation into a plain error so
// main can map it to exit code 2 without a bare os.Exit buried in the run
// path, matching §6's exit-code contract and §7's "fatal invariant: abort
// with exit code 2".
func runMain(app *cli.App, args []string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if v, ok := r.(*invariant.Violation); ok {
				err = v
				return
			}
			panic(r)
		}
	}()
	return app.Run(args)
}
