package main

import (
	"context"
	"fmt"
	"os"

	"offgrid/internal/store"
)

// Version is the node's reported build version.
const Version = "0.1.0-dev"

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled, so main can fall through to serving when it wasn't.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("offgrid %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "peers":
		return cliPeers(dbPath)
	default:
		return false
	}
}

func cliStatus(dbPath string) bool {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx := context.Background()
	nick, ok, err := st.GetSetting(ctx, store.SettingsKeyNick)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if !ok {
		nick = "(unset)"
	}

	hints, err := st.PeerHints(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Nickname: %s\n", nick)
	fmt.Printf("Known peer hints: %d\n", len(hints))
	fmt.Printf("Version: %s\n", Version)
	return true
}

func cliPeers(dbPath string) bool {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	hints, err := st.PeerHints(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(hints) == 0 {
		fmt.Println("No peer hints recorded.")
		return true
	}
	for _, h := range hints {
		fmt.Printf("  %s  %s  last seen %s\n", h.Address, h.Nick, h.LastSeen.Format("2006-01-02 15:04:05"))
	}
	return true
}
