package main

import "testing"

func TestParseCommandPlainText(t *testing.T) {
	c := ParseCommand("hey everyone")
	if c.Kind != CommandNone || c.Text != "hey everyone" {
		t.Fatalf("unexpected: %+v", c)
	}
}

func TestParseCommandClear(t *testing.T) {
	c := ParseCommand("/clear")
	if c.Kind != CommandClear {
		t.Fatalf("unexpected: %+v", c)
	}
}

func TestParseCommandNick(t *testing.T) {
	c := ParseCommand("/nick Alice")
	if c.Kind != CommandNick || c.Nick != "Alice" {
		t.Fatalf("unexpected: %+v", c)
	}
}

func TestParseCommandNickWithSpaces(t *testing.T) {
	c := ParseCommand("/nick Alice Smith")
	if c.Kind != CommandNick || c.Nick != "Alice Smith" {
		t.Fatalf("unexpected: %+v", c)
	}
}

func TestParseCommandNickMissingArg(t *testing.T) {
	c := ParseCommand("/nick")
	if c.Kind != CommandUnknown {
		t.Fatalf("unexpected: %+v", c)
	}
}

func TestParseCommandSendFile(t *testing.T) {
	c := ParseCommand("/sendfile ./photo.png")
	if c.Kind != CommandSendFile || c.Path != "./photo.png" {
		t.Fatalf("unexpected: %+v", c)
	}
}

func TestParseCommandSendFileMissingArg(t *testing.T) {
	c := ParseCommand("/sendfile")
	if c.Kind != CommandUnknown {
		t.Fatalf("unexpected: %+v", c)
	}
}

func TestParseCommandPeers(t *testing.T) {
	c := ParseCommand("/peers")
	if c.Kind != CommandPeers {
		t.Fatalf("unexpected: %+v", c)
	}
}

func TestParseCommandUnknown(t *testing.T) {
	c := ParseCommand("/frobnicate")
	if c.Kind != CommandUnknown || c.Text != "/frobnicate" {
		t.Fatalf("unexpected: %+v", c)
	}
}
