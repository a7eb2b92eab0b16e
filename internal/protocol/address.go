package protocol

import "strings"

// Address is a node address. Its canonical form, produced by
// NormalizeAddress, is uppercase hex with all punctuation stripped; values
// taken straight off the wire or from a request are converted as-is.
type Address string

// NormalizeAddress canonicalizes a raw transport address into the form
// used as the key for every node/link/peer table: uppercase hex,
// punctuation removed. It is the single normalization point shared by
// the connection manager, relay, and gossip.
func NormalizeAddress(raw string) Address {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'a' && r <= 'f':
			b.WriteRune(r - 'a' + 'A')
		case r >= 'A' && r <= 'F':
			b.WriteRune(r)
		default:
			// punctuation/separators (":", "-", " ", ...) are dropped
		}
	}
	return Address(b.String())
}
