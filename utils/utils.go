// Package utils holds small helpers shared by the cmd entrypoint and
// the core packages that don't warrant their own package.
package utils

import "crypto/rand"

// PeerID returns an Azureus-style peer id: "-BC0001-" followed by 12
// random bytes, used to populate the handshake's PeerId field and
// tracker/DHT announce parameters.
func PeerID() [20]byte {
	id := [20]byte{'-', 'B', 'C', '0', '0', '0', '1', '-'}
	rand.Read(id[8:])
	return id
}
