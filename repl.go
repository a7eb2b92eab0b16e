package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"offgrid/internal/protocol"
)

// REPL is the stdin/stdout transcript UI: the only user-facing surface
// over a running Node. It owns no network state itself, it only renders
// Node events to stdout and turns typed lines into Node calls.
type REPL struct {
	node *Node
	out  io.Writer
}

// NewREPL wires a REPL's rendering callbacks onto node and returns it.
func NewREPL(node *Node) *REPL {
	r := &REPL{node: node, out: os.Stdout}

	node.OnMessage = r.printMessage
	node.OnPeerNick = r.printNickChange
	node.OnTyping = r.printTyping

	return r
}

func (r *REPL) printMessage(fromNick, fromAddr, content string, viaMesh bool) {
	tag := ""
	if viaMesh {
		tag = " [via mesh]"
	}
	fmt.Fprintf(r.out, "[%s]%s: %s\n", fromNick, tag, content)
}

func (r *REPL) printNickChange(addr protocol.Address, nick string) {
	fmt.Fprintf(r.out, "* %s is now known as %s\n", addr, nick)
}

func (r *REPL) printTyping(addr protocol.Address, nick string, on bool) {
	if on {
		fmt.Fprintf(r.out, "* %s is typing...\n", nick)
	}
}

// Run reads lines from in until EOF or ctx cancellation, dispatching each
// as a command or a plain-text broadcast.
func (r *REPL) Run(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line == "" {
				continue
			}
			r.handleLine(ctx, line)
		}
	}
}

func (r *REPL) handleLine(ctx context.Context, line string) {
	cmd := ParseCommand(line)
	switch cmd.Kind {
	case CommandNone:
		r.node.Broadcast(cmd.Text)
		fmt.Fprintf(r.out, "[%s]: %s\n", r.node.Nick, cmd.Text)

	case CommandClear:
		fmt.Fprint(r.out, "\033[H\033[2J")

	case CommandNick:
		r.node.SetNick(cmd.Nick)
		fmt.Fprintf(r.out, "* you are now known as %s\n", cmd.Nick)

	case CommandSendFile:
		r.sendFile(ctx, cmd.Path)

	case CommandPeers:
		r.printPeers()

	case CommandUnknown:
		fmt.Fprintln(r.out, helpText)
	}
}

func (r *REPL) sendFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(r.out, "! could not read %s: %v\n", path, err)
		return
	}
	name := filepath.Base(path)

	for _, link := range r.node.Links.Snapshot() {
		addr := link.Addr
		go func() {
			err := r.node.SendFile(ctx, addr, name, data, func(percent int) {
				log.Printf("[transfer] %s -> %s: %d%%", name, addr, percent)
			})
			if err != nil {
				fmt.Fprintf(r.out, "! send %s to %s failed: %v\n", name, addr, err)
			}
		}()
	}
}

func (r *REPL) printPeers() {
	fmt.Fprintln(r.out, "direct links:")
	for _, link := range r.node.Links.Snapshot() {
		fmt.Fprintf(r.out, "  %s @ %s (%s)\n", link.Nick, link.Addr, link.Direction)
	}

	fmt.Fprintln(r.out, "mesh peers:")
	for addr, peer := range r.node.Gossip.KnownPeersDetailed() {
		fmt.Fprintf(r.out, "  %s @ %s (via %s)\n", peer.Nick, addr, peer.ViaNick)
	}
}
