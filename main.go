package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"

	"offgrid/internal/httpapi"
	"offgrid/internal/protocol"
	"offgrid/internal/store"
	"offgrid/internal/transport"
)

func main() {
	// Check for CLI subcommands before parsing flags.
	if len(os.Args) > 1 {
		cliDB := defaultDBPath
		if RunCLI(os.Args[1:], cliDB) {
			return
		}
	}

	addr := flag.String("addr", defaultListenAddr, "QUIC listen address for mesh links")
	adminAddr := flag.String("admin-addr", "", "local admin HTTP API listen address (empty to disable)")
	dbPath := flag.String("db", defaultDBPath, "local settings database path")
	certValidity := flag.Duration("cert-validity", defaultCertValidity, "self-signed TLS certificate validity")
	nick := flag.String("nick", "", "this node's display name (overrides the stored nickname)")
	outputDir := flag.String("output-dir", ".", "directory completed file transfers are written to")
	var peers peerListFlag
	flag.Var(&peers, "peer", "paired device as ADDR@HOST:PORT, repeatable")
	flag.Parse()

	st, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("[store] %v", err)
	}
	defer st.Close()

	localNick := resolveNick(st, *nick)

	tlsHostname := ""
	if host, _, err := net.SplitHostPort(*addr); err == nil && host != "" {
		tlsHostname = host
	}
	tlsConfig, fingerprint, err := generateTLSConfig(*certValidity, tlsHostname)
	if err != nil {
		log.Fatalf("[tls] %v", err)
	}
	log.Printf("[tls] certificate fingerprint: %s", fingerprint)

	localAddr := protocol.NormalizeAddress(fingerprint[:16])

	tr, err := transport.NewQUICTransport(transport.QUICConfig{
		Name:       localNick,
		Addr:       localAddr,
		ListenAddr: *addr,
		TLSConfig:  tlsConfig,
		Paired:     peers.devices,
	})
	if err != nil {
		log.Fatalf("[transport] %v", err)
	}
	defer tr.Close()
	log.Printf("[node] address %s listening on %s", localAddr, *addr)

	node := NewNode(tr, st, *outputDir, nil)
	node.Nick = localNick

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[node] shutting down...")
		cancel()
	}()

	go node.Run(ctx)

	if *adminAddr != "" {
		admin := httpapi.New(node.Addr, node.Nick, node.Links, node.Gossip, node.Transfers)
		go func() {
			if err := admin.Run(ctx, *adminAddr); err != nil {
				log.Printf("[admin] %v", err)
			}
		}()
		log.Printf("[admin] listening on %s", *adminAddr)
	}

	// Dial every statically paired device at startup; later connections
	// arrive via Accept as other nodes dial in.
	for _, p := range peers.devices {
		go func(p transport.PairedDevice) {
			if err := node.Connect(ctx, p.Addr, p.Name); err != nil {
				log.Printf("[node] connect to %s: %v", p.Addr, err)
			}
		}(p)
	}

	repl := NewREPL(node)
	repl.Run(ctx, os.Stdin)
}

// resolveNick prefers an explicit -nick flag, falling back to the stored
// nickname, and finally a generated placeholder — persisting whichever
// value wins so the next run remembers it.
func resolveNick(st *store.Store, flagNick string) string {
	ctx := context.Background()
	if flagNick != "" {
		if err := st.SetSetting(ctx, store.SettingsKeyNick, flagNick); err != nil {
			log.Printf("[store] persist nickname: %v", err)
		}
		return flagNick
	}
	if nick, ok, err := st.GetSetting(ctx, store.SettingsKeyNick); err == nil && ok {
		return nick
	}
	nick := fmt.Sprintf("node-%d", time.Now().UnixNano()%10000)
	if err := st.SetSetting(ctx, store.SettingsKeyNick, nick); err != nil {
		log.Printf("[store] persist nickname: %v", err)
	}
	return nick
}

// peerListFlag implements flag.Value for repeatable -peer ADDR@HOST:PORT
// entries.
type peerListFlag struct {
	devices []transport.PairedDevice
}

func (p *peerListFlag) String() string {
	parts := make([]string, len(p.devices))
	for i, d := range p.devices {
		parts[i] = fmt.Sprintf("%s@%s", d.Addr, d.Name)
	}
	return strings.Join(parts, ",")
}

func (p *peerListFlag) Set(value string) error {
	addr, hostPort, ok := strings.Cut(value, "@")
	if !ok {
		return fmt.Errorf("peer %q must be ADDR@HOST:PORT", value)
	}
	p.devices = append(p.devices, transport.PairedDevice{
		Addr: protocol.NormalizeAddress(addr),
		Name: hostPort,
	})
	return nil
}
