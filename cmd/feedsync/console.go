package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/peterh/liner"
	"github.com/robertkrimen/otto"

	"github.com/feedmesh/feedmesh/crypto"
	"github.com/feedmesh/feedmesh/feed"
)

// consoleState is the set of live values the attached console's JS bindings
// read from; feedsync's main loop keeps these current while the console
// runs on its own goroutine-free, blocking read loop on stdin.
type consoleState struct {
	metadataPK   crypto.PublicKey
	discoveryKey crypto.DiscoveryKey
	metadataFeed feed.Feed
	contentFeed  func() feed.Feed
	addr         func() string
}

// runConsole attaches a liner-backed line editor feeding an otto JS VM,
// the same console shape as the teacher's cmd/utils/nodecmd local console:
// liner handles history/editing, otto evaluates each line as JavaScript
// against a handful of host-provided functions. It blocks until the user
// exits the console or ctx is cancelled.
func runConsole(ctx context.Context, state consoleState) {
	vm := otto.New()
	registerBindings(vm, state)

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	fmt.Println("feedsync console — type .help for available functions, .exit to quit")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		input, err := line.Prompt("> ")
		if err != nil {
			if err == io.EOF || err == liner.ErrPromptAborted {
				return
			}
			fmt.Fprintln(os.Stderr, "console:", err)
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		switch input {
		case ".exit", "exit":
			return
		case ".help", "help":
			printHelp()
			continue
		}

		v, err := vm.Run(input)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}
		if !v.IsUndefined() {
			fmt.Println(v.String())
		}
	}
}

func printHelp() {
	fmt.Println(`available functions:
  status()   - print this drive's public key, discovery key and listen address
  metadata() - print the metadata feed's length
  content()  - print the content feed's length, or "not yet replicated"
  .exit      - leave the console`)
}

// registerBindings exposes state as a small set of otto host functions,
// the console's only way to inspect a running feedsync process.
func registerBindings(vm *otto.Otto, state consoleState) {
	must := func(name string, fn func(otto.FunctionCall) otto.Value) {
		if err := vm.Set(name, fn); err != nil {
			panic(fmt.Sprintf("console: register %s: %v", name, err))
		}
	}

	must("status", func(call otto.FunctionCall) otto.Value {
		addr := state.addr()
		if addr == "" {
			addr = "(dial-only)"
		}
		s := fmt.Sprintf("publicKey=%s discoveryKey=%s listen=%s",
			state.metadataPK, state.discoveryKey, addr)
		v, _ := vm.ToValue(s)
		return v
	})

	must("metadata", func(call otto.FunctionCall) otto.Value {
		v, _ := vm.ToValue(fmt.Sprintf("metadata feed length=%d", state.metadataFeed.Len()))
		return v
	})

	must("content", func(call otto.FunctionCall) otto.Value {
		cf := state.contentFeed()
		if cf == nil {
			v, _ := vm.ToValue("not yet replicated")
			return v
		}
		v, _ := vm.ToValue(fmt.Sprintf("content feed length=%d", cf.Len()))
		return v
	})
}
