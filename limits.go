package main

import "time"

// Defaults for node-level flags. The protocol-level limits (hop count,
// gossip interval, chunk size, ...) live next to the code that enforces
// them, in internal/mesh and internal/transfer.
const (
	// defaultListenAddr is used when -addr is not given.
	defaultListenAddr = ":7420"

	// defaultCertValidity is how long the self-signed node certificate
	// is valid for when none is supplied.
	defaultCertValidity = 365 * 24 * time.Hour

	// defaultDBPath is the local settings database used when -db is not
	// given.
	defaultDBPath = "offgrid.db"
)
